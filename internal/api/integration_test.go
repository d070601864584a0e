//go:build integration

package api_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"

	"github.com/firebase/genkit/go/genkit"

	"github.com/vbocquet/ragapi/internal/answer"
	"github.com/vbocquet/ragapi/internal/api"
	"github.com/vbocquet/ragapi/internal/conversation"
	"github.com/vbocquet/ragapi/internal/log"
	"github.com/vbocquet/ragapi/internal/pipeline"
	"github.com/vbocquet/ragapi/internal/retrieval"
	"github.com/vbocquet/ragapi/internal/testutil"
	"github.com/vbocquet/ragapi/internal/user"
)

type stack struct {
	server *httptest.Server
	llm    *testutil.MockLLM
	docs   *retrieval.Store
}

// newStack wires the full service against a containerized database with
// mocked model and embedder.
func newStack(t *testing.T) *stack {
	t.Helper()

	db, cleanup := testutil.SetupTestDB(t)
	t.Cleanup(cleanup)

	g := genkit.Init(context.Background())
	if g == nil {
		t.Fatal("genkit.Init() returned nil")
	}

	llm := testutil.NewMockLLM("I do not know.")
	llm.RegisterModel(g)
	embedder := testutil.NewMockEmbedder(retrieval.VectorDimension).RegisterEmbedder(g)

	logger := log.NewNop()

	users, err := user.NewDirectory(db.Pool, logger)
	if err != nil {
		t.Fatalf("NewDirectory() unexpected error: %v", err)
	}
	convs, err := conversation.NewStore(db.Pool, logger)
	if err != nil {
		t.Fatalf("conversation.NewStore() unexpected error: %v", err)
	}
	docs, err := retrieval.NewStore(db.Pool, embedder, logger)
	if err != nil {
		t.Fatalf("retrieval.NewStore() unexpected error: %v", err)
	}
	gen, err := answer.NewGenerator(g, "mock/test-model", nil, logger)
	if err != nil {
		t.Fatalf("NewGenerator() unexpected error: %v", err)
	}
	coord, err := pipeline.NewCoordinator(pipeline.Config{
		Users:         users,
		Conversations: convs,
		Retriever:     docs,
		Generator:     gen,
		TopK:          3,
		HistoryWindow: 20,
		Logger:        logger,
	})
	if err != nil {
		t.Fatalf("NewCoordinator() unexpected error: %v", err)
	}

	srv, err := api.NewServer(api.ServerConfig{
		Logger:        logger,
		Pipeline:      coord,
		Users:         users,
		Conversations: convs,
		Pool:          db.Pool,
		RateBurst:     1000,
	})
	if err != nil {
		t.Fatalf("NewServer() unexpected error: %v", err)
	}

	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)

	return &stack{server: ts, llm: llm, docs: docs}
}

func (s *stack) postJSON(t *testing.T, path string, body any) (*http.Response, map[string]any) {
	t.Helper()

	payload, err := json.Marshal(body)
	if err != nil {
		t.Fatalf("json.Marshal() unexpected error: %v", err)
	}
	resp, err := http.Post(s.server.URL+path, "application/json", bytes.NewReader(payload))
	if err != nil {
		t.Fatalf("POST %s unexpected error: %v", path, err)
	}
	t.Cleanup(func() { resp.Body.Close() })

	var decoded map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		t.Fatalf("decoding %s response: %v", path, err)
	}
	return resp, decoded
}

func (s *stack) getJSON(t *testing.T, path string) (*http.Response, map[string]any) {
	t.Helper()

	resp, err := http.Get(s.server.URL + path)
	if err != nil {
		t.Fatalf("GET %s unexpected error: %v", path, err)
	}
	t.Cleanup(func() { resp.Body.Close() })

	var decoded map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		t.Fatalf("decoding %s response: %v", path, err)
	}
	return resp, decoded
}

func TestAskEndToEnd(t *testing.T) {
	t.Parallel()

	s := newStack(t)
	ctx := context.Background()

	if err := s.docs.Add(ctx, retrieval.Document{
		ID:       "doc-pgvector",
		Content:  "pgvector stores embeddings in PostgreSQL",
		Metadata: map[string]any{"source": "pgvector.md"},
	}); err != nil {
		t.Fatalf("Add() unexpected error: %v", err)
	}

	s.llm.AddResponse("pgvector", "pgvector is a PostgreSQL extension for vector search.")

	resp, body := s.postJSON(t, "/ask", map[string]any{
		"question": "what is pgvector?",
		"username": "e2e@example.com",
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("POST /ask status = %d, want 200 (body: %v)", resp.StatusCode, body)
	}
	if body["answer"] != "pgvector is a PostgreSQL extension for vector search." {
		t.Errorf("answer = %v, want the mocked response", body["answer"])
	}
	if body["username"] != "e2e@example.com" {
		t.Errorf("username = %v, want e2e@example.com", body["username"])
	}
	convID, ok := body["conversation_id"].(float64)
	if !ok || convID <= 0 {
		t.Fatalf("conversation_id = %v, want a positive number", body["conversation_id"])
	}

	// The assembled prompt carried the indexed passage to the model.
	calls := s.llm.Calls()
	if len(calls) == 0 {
		t.Fatal("mock model recorded no calls")
	}
	prompt := calls[len(calls)-1].Prompt
	if !strings.Contains(prompt, "pgvector stores embeddings in PostgreSQL") {
		t.Errorf("model prompt missing retrieved passage:\n%s", prompt)
	}
	if !strings.Contains(prompt, "[source: pgvector.md]") {
		t.Errorf("model prompt missing passage source:\n%s", prompt)
	}

	// The turn is persisted and readable through the API.
	resp, msgBody := s.getJSON(t, "/conversations/e2e@example.com/"+jsonNumber(convID))
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("GET messages status = %d, want 200", resp.StatusCode)
	}
	msgs, ok := msgBody["messages"].([]any)
	if !ok || len(msgs) != 2 {
		t.Fatalf("messages = %v, want a user/assistant pair", msgBody["messages"])
	}
}

func TestAskFollowUpCarriesHistory(t *testing.T) {
	t.Parallel()

	s := newStack(t)

	// Registered most-specific first: the follow-up prompt contains the
	// first turn as history, and the first matching pattern wins.
	s.llm.AddResponse("second question", "second answer")
	s.llm.AddResponse("first question", "first answer")

	_, body := s.postJSON(t, "/ask", map[string]any{
		"question": "first question",
		"username": "history@example.com",
	})
	convID, ok := body["conversation_id"].(float64)
	if !ok {
		t.Fatalf("conversation_id = %v, want a number", body["conversation_id"])
	}

	resp, body := s.postJSON(t, "/ask", map[string]any{
		"question":        "second question",
		"username":        "history@example.com",
		"conversation_id": convID,
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("POST /ask follow-up status = %d, want 200 (body: %v)", resp.StatusCode, body)
	}
	if got := body["conversation_id"].(float64); got != convID {
		t.Errorf("follow-up conversation_id = %v, want %v", got, convID)
	}

	// The second prompt includes the first turn as history.
	calls := s.llm.Calls()
	if len(calls) != 2 {
		t.Fatalf("mock model recorded %d calls, want 2", len(calls))
	}
	prompt := calls[1].Prompt
	if !strings.Contains(prompt, "User: first question") || !strings.Contains(prompt, "Assistant: first answer") {
		t.Errorf("follow-up prompt missing prior turn:\n%s", prompt)
	}
}

func TestAskWithoutDocumentsStillAnswers(t *testing.T) {
	t.Parallel()

	s := newStack(t)

	resp, body := s.postJSON(t, "/ask", map[string]any{
		"question": "anything at all",
		"username": "empty@example.com",
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("POST /ask status = %d, want 200 (body: %v)", resp.StatusCode, body)
	}
	if body["answer"] != "I do not know." {
		t.Errorf("answer = %v, want the fallback response", body["answer"])
	}

	calls := s.llm.Calls()
	if len(calls) != 1 {
		t.Fatalf("mock model recorded %d calls, want 1", len(calls))
	}
	if !strings.Contains(calls[0].Prompt, "No relevant context found.") {
		t.Errorf("prompt missing the empty-retrieval marker:\n%s", calls[0].Prompt)
	}
}

func TestConversationLifecycle(t *testing.T) {
	t.Parallel()

	s := newStack(t)

	resp, body := s.postJSON(t, "/conversations", map[string]any{
		"username": "lifecycle@example.com",
		"title":    "manual thread",
	})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("POST /conversations status = %d, want 201 (body: %v)", resp.StatusCode, body)
	}
	convID := body["conversation_id"].(float64)

	resp, listBody := s.getJSON(t, "/conversations/lifecycle@example.com")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("GET /conversations status = %d, want 200", resp.StatusCode)
	}
	convs, ok := listBody["conversations"].([]any)
	if !ok || len(convs) != 1 {
		t.Fatalf("conversations = %v, want exactly one", listBody["conversations"])
	}

	req, err := http.NewRequest(http.MethodDelete,
		s.server.URL+"/conversations/"+jsonNumber(convID)+"?username=lifecycle@example.com", nil)
	if err != nil {
		t.Fatalf("NewRequest() unexpected error: %v", err)
	}
	delResp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("DELETE unexpected error: %v", err)
	}
	defer delResp.Body.Close()
	if delResp.StatusCode != http.StatusOK {
		t.Fatalf("DELETE status = %d, want 200", delResp.StatusCode)
	}

	resp, listBody = s.getJSON(t, "/conversations/lifecycle@example.com")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("GET /conversations after delete status = %d, want 200", resp.StatusCode)
	}
	convs, _ = listBody["conversations"].([]any)
	if len(convs) != 0 {
		t.Errorf("conversations after delete = %v, want none", convs)
	}
}

func jsonNumber(f float64) string {
	return strconv.FormatInt(int64(f), 10)
}
