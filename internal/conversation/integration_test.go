//go:build integration

package conversation_test

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"

	"github.com/vbocquet/ragapi/internal/conversation"
	"github.com/vbocquet/ragapi/internal/log"
	"github.com/vbocquet/ragapi/internal/testutil"
	"github.com/vbocquet/ragapi/internal/user"
)

// newStores provisions a conversation store plus a test user and
// returns the user's id.
func newStores(t *testing.T, db *testutil.TestDB, username string) (*conversation.Store, int64) {
	t.Helper()

	store, err := conversation.NewStore(db.Pool, log.NewNop())
	if err != nil {
		t.Fatalf("NewStore() unexpected error: %v", err)
	}
	dir, err := user.NewDirectory(db.Pool, log.NewNop())
	if err != nil {
		t.Fatalf("NewDirectory() unexpected error: %v", err)
	}
	userID, err := dir.ResolveOrCreate(context.Background(), username)
	if err != nil {
		t.Fatalf("ResolveOrCreate() unexpected error: %v", err)
	}
	return store, userID
}

func TestCreateAndList(t *testing.T) {
	t.Parallel()

	db, cleanup := testutil.SetupTestDB(t)
	defer cleanup()
	store, userID := newStores(t, db, "list@example.com")
	ctx := context.Background()

	first, err := store.Create(ctx, userID, "first topic")
	if err != nil {
		t.Fatalf("Create() unexpected error: %v", err)
	}
	second, err := store.Create(ctx, userID, "second topic")
	if err != nil {
		t.Fatalf("Create() unexpected error: %v", err)
	}

	convs, err := store.List(ctx, userID)
	if err != nil {
		t.Fatalf("List() unexpected error: %v", err)
	}
	if len(convs) != 2 {
		t.Fatalf("List() returned %d conversations, want 2", len(convs))
	}

	// Oldest first.
	if convs[0].ID != first.ID || convs[1].ID != second.ID {
		t.Errorf("List() order = [%d, %d], want [%d, %d]", convs[0].ID, convs[1].ID, first.ID, second.ID)
	}
	if convs[0].Title != "first topic" {
		t.Errorf("List() title = %q, want %q", convs[0].Title, "first topic")
	}
}

func TestResolve(t *testing.T) {
	t.Parallel()

	db, cleanup := testutil.SetupTestDB(t)
	defer cleanup()
	store, userID := newStores(t, db, "resolve@example.com")
	ctx := context.Background()

	// Nil conversation id creates a fresh conversation with the given title.
	id, err := store.Resolve(ctx, userID, nil, "auto title")
	if err != nil {
		t.Fatalf("Resolve() create unexpected error: %v", err)
	}
	if id <= 0 {
		t.Fatalf("Resolve() id = %d, want > 0", id)
	}

	// An explicit id belonging to the user resolves to itself.
	same, err := store.Resolve(ctx, userID, &id, "ignored")
	if err != nil {
		t.Fatalf("Resolve() existing unexpected error: %v", err)
	}
	if same != id {
		t.Errorf("Resolve() existing id = %d, want %d", same, id)
	}

	// Someone else's conversation is rejected.
	_, otherID := newStores(t, db, "other@example.com")
	if _, err := store.Resolve(ctx, otherID, &id, ""); !errors.Is(err, conversation.ErrNotOwned) {
		t.Errorf("Resolve() foreign conversation error = %v, want ErrNotOwned", err)
	}

	// A nonexistent id is not found.
	missing := id + 9999
	if _, err := store.Resolve(ctx, userID, &missing, ""); !errors.Is(err, conversation.ErrNotFound) {
		t.Errorf("Resolve() missing conversation error = %v, want ErrNotFound", err)
	}
}

func TestAppendTurnOrdering(t *testing.T) {
	t.Parallel()

	db, cleanup := testutil.SetupTestDB(t)
	defer cleanup()
	store, userID := newStores(t, db, "turns@example.com")
	ctx := context.Background()

	conv, err := store.Create(ctx, userID, "ordering")
	if err != nil {
		t.Fatalf("Create() unexpected error: %v", err)
	}

	turns := []struct{ q, a string }{
		{"what is pgvector?", "a Postgres extension for vectors"},
		{"does it support HNSW?", "yes, since 0.5.0"},
		{"what about cosine distance?", "use the vector_cosine_ops opclass"},
	}
	for _, turn := range turns {
		if err := store.AppendTurn(ctx, conv.ID, turn.q, turn.a); err != nil {
			t.Fatalf("AppendTurn() unexpected error: %v", err)
		}
	}

	msgs, err := store.Messages(ctx, conv.ID, userID)
	if err != nil {
		t.Fatalf("Messages() unexpected error: %v", err)
	}
	if len(msgs) != len(turns)*2 {
		t.Fatalf("Messages() returned %d messages, want %d", len(msgs), len(turns)*2)
	}

	// Strict user/assistant alternation in insertion order.
	for i, turn := range turns {
		q, a := msgs[i*2], msgs[i*2+1]
		if q.Role != conversation.RoleUser || q.Content != turn.q {
			t.Errorf("message %d = (%s, %q), want (user, %q)", i*2, q.Role, q.Content, turn.q)
		}
		if a.Role != conversation.RoleAssistant || a.Content != turn.a {
			t.Errorf("message %d = (%s, %q), want (assistant, %q)", i*2+1, a.Role, a.Content, turn.a)
		}
	}
}

func TestAppendTurnConcurrentPairsNeverSplit(t *testing.T) {
	t.Parallel()

	db, cleanup := testutil.SetupTestDB(t)
	defer cleanup()
	store, userID := newStores(t, db, "race-turns@example.com")
	ctx := context.Background()

	conv, err := store.Create(ctx, userID, "contended")
	if err != nil {
		t.Fatalf("Create() unexpected error: %v", err)
	}

	// Race whole turns against lone question writes (the failure path
	// persists the question alone). Under contention the advisory lock
	// must keep every question/answer pair adjacent in the log.
	const turns = 16
	const orphans = 8

	var wg sync.WaitGroup
	errs := make([]error, turns+orphans)
	for i := range turns {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs[i] = store.AppendTurn(ctx, conv.ID,
				fmt.Sprintf("q-%02d", i), fmt.Sprintf("a-%02d", i))
		}()
	}
	for j := range orphans {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, errs[turns+j] = store.AppendMessage(ctx, conv.ID,
				conversation.RoleUser, fmt.Sprintf("orphan-%02d", j))
		}()
	}
	wg.Wait()

	for i, err := range errs {
		if err != nil {
			t.Fatalf("writer %d unexpected error: %v", i, err)
		}
	}

	msgs, err := store.Messages(ctx, conv.ID, userID)
	if err != nil {
		t.Fatalf("Messages() unexpected error: %v", err)
	}
	if len(msgs) != turns*2+orphans {
		t.Fatalf("Messages() returned %d messages, want %d", len(msgs), turns*2+orphans)
	}

	// Every question must be followed immediately by its own answer.
	for i := 0; i < len(msgs); i++ {
		content := msgs[i].Content
		if !strings.HasPrefix(content, "q-") {
			continue
		}
		if i+1 >= len(msgs) {
			t.Fatalf("question %q is the last message, its answer is missing", content)
		}
		wantAnswer := "a-" + strings.TrimPrefix(content, "q-")
		next := msgs[i+1]
		if next.Role != conversation.RoleAssistant || next.Content != wantAnswer {
			t.Fatalf("pair split: question %q followed by (%s, %q), want (assistant, %q)",
				content, next.Role, next.Content, wantAnswer)
		}
		i++ // skip the consumed answer
	}
}

func TestMessagesOwnership(t *testing.T) {
	t.Parallel()

	db, cleanup := testutil.SetupTestDB(t)
	defer cleanup()
	store, userID := newStores(t, db, "owner@example.com")
	_, otherID := newStores(t, db, "intruder@example.com")
	ctx := context.Background()

	conv, err := store.Create(ctx, userID, "private")
	if err != nil {
		t.Fatalf("Create() unexpected error: %v", err)
	}

	if _, err := store.Messages(ctx, conv.ID, otherID); !errors.Is(err, conversation.ErrNotOwned) {
		t.Errorf("Messages() foreign reader error = %v, want ErrNotOwned", err)
	}
	if _, err := store.Messages(ctx, conv.ID+9999, userID); !errors.Is(err, conversation.ErrNotFound) {
		t.Errorf("Messages() missing conversation error = %v, want ErrNotFound", err)
	}
}

func TestRecentWindow(t *testing.T) {
	t.Parallel()

	db, cleanup := testutil.SetupTestDB(t)
	defer cleanup()
	store, userID := newStores(t, db, "recent@example.com")
	ctx := context.Background()

	conv, err := store.Create(ctx, userID, "windowed")
	if err != nil {
		t.Fatalf("Create() unexpected error: %v", err)
	}

	for i := range 5 {
		q := string(rune('a'+i)) + " question"
		a := string(rune('a'+i)) + " answer"
		if err := store.AppendTurn(ctx, conv.ID, q, a); err != nil {
			t.Fatalf("AppendTurn() unexpected error: %v", err)
		}
	}

	// Window of 4 keeps only the last two turns, oldest first.
	msgs, err := store.Recent(ctx, conv.ID, 4)
	if err != nil {
		t.Fatalf("Recent() unexpected error: %v", err)
	}
	if len(msgs) != 4 {
		t.Fatalf("Recent() returned %d messages, want 4", len(msgs))
	}
	want := []string{"d question", "d answer", "e question", "e answer"}
	for i, w := range want {
		if msgs[i].Content != w {
			t.Errorf("Recent() message %d = %q, want %q", i, msgs[i].Content, w)
		}
	}
}

func TestDeleteCascades(t *testing.T) {
	t.Parallel()

	db, cleanup := testutil.SetupTestDB(t)
	defer cleanup()
	store, userID := newStores(t, db, "delete@example.com")
	_, otherID := newStores(t, db, "bystander@example.com")
	ctx := context.Background()

	conv, err := store.Create(ctx, userID, "doomed")
	if err != nil {
		t.Fatalf("Create() unexpected error: %v", err)
	}
	if err := store.AppendTurn(ctx, conv.ID, "q", "a"); err != nil {
		t.Fatalf("AppendTurn() unexpected error: %v", err)
	}

	// A foreign delete must not touch the conversation.
	if err := store.Delete(ctx, conv.ID, otherID); !errors.Is(err, conversation.ErrNotOwned) {
		t.Errorf("Delete() foreign user error = %v, want ErrNotOwned", err)
	}

	if err := store.Delete(ctx, conv.ID, userID); err != nil {
		t.Fatalf("Delete() unexpected error: %v", err)
	}
	if err := store.Delete(ctx, conv.ID, userID); !errors.Is(err, conversation.ErrNotFound) {
		t.Errorf("Delete() repeat error = %v, want ErrNotFound", err)
	}

	// Messages go with the conversation.
	var count int
	if err := db.Pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM messages WHERE conversation_id = $1`, conv.ID,
	).Scan(&count); err != nil {
		t.Fatalf("QueryRow() counting messages unexpected error: %v", err)
	}
	if count != 0 {
		t.Errorf("message count after delete = %d, want 0", count)
	}
}

func TestAppendMessageValidation(t *testing.T) {
	t.Parallel()

	db, cleanup := testutil.SetupTestDB(t)
	defer cleanup()
	store, userID := newStores(t, db, "roles@example.com")
	ctx := context.Background()

	conv, err := store.Create(ctx, userID, "roles")
	if err != nil {
		t.Fatalf("Create() unexpected error: %v", err)
	}

	if _, err := store.AppendMessage(ctx, conv.ID, conversation.Role("system"), "nope"); err == nil {
		t.Error("AppendMessage() invalid role = nil, want error")
	}
	if _, err := store.AppendMessage(ctx, conv.ID+9999, conversation.RoleUser, "orphan"); !errors.Is(err, conversation.ErrNotFound) {
		t.Errorf("AppendMessage() missing conversation error = %v, want ErrNotFound", err)
	}
}
