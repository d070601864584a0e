// Package retrieval wraps the vector index: nearest-neighbor search over
// embedded reference documents.
package retrieval

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/firebase/genkit/go/ai"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pgvector/pgvector-go"
	"google.golang.org/genai"
)

// ErrUnavailable indicates the retrieval dependency (embedding service or
// vector index) failed. Connectivity failure is never reported as an
// empty result set.
var ErrUnavailable = errors.New("retrieval unavailable")

const (
	// VectorDimension is the embedding dimensionality of the documents
	// table. Must match the vector column width in the schema.
	VectorDimension = 768

	// EmbedTimeout bounds a single embedding call.
	EmbedTimeout = 10 * time.Second

	// MaxQueryLength bounds query text sent to the embedding service.
	MaxQueryLength = 8192

	// MaxTopK caps how many passages a single query may request.
	MaxTopK = 10
)

// Passage is a retrieved text span with its relevance score. Passages are
// ephemeral: produced per query, consumed within one pipeline invocation,
// never persisted.
type Passage struct {
	Source  string
	Content string
	Score   float64
}

// Document is a reference text to index for retrieval.
type Document struct {
	ID       string
	Content  string
	Metadata map[string]any
}

// Store performs semantic retrieval backed by PostgreSQL + pgvector.
//
// Store is safe for concurrent use by multiple goroutines.
type Store struct {
	pool     *pgxpool.Pool
	embedder ai.Embedder
	logger   *slog.Logger
}

// NewStore creates a retrieval Store.
func NewStore(pool *pgxpool.Pool, embedder ai.Embedder, logger *slog.Logger) (*Store, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	if embedder == nil {
		return nil, fmt.Errorf("embedder is required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{pool: pool, embedder: embedder, logger: logger}, nil
}

// embed generates a vector embedding for the given text.
func (s *Store) embed(ctx context.Context, text string) (pgvector.Vector, error) {
	dim := int32(VectorDimension)
	resp, err := s.embedder.Embed(ctx, &ai.EmbedRequest{
		Input:   []*ai.Document{ai.DocumentFromText(text, nil)},
		Options: &genai.EmbedContentConfig{OutputDimensionality: &dim},
	})
	if err != nil {
		return pgvector.Vector{}, fmt.Errorf("embedding text: %w", err)
	}
	if len(resp.Embeddings) == 0 || len(resp.Embeddings[0].Embedding) == 0 {
		return pgvector.Vector{}, fmt.Errorf("empty embedding response")
	}
	return pgvector.NewVector(resp.Embeddings[0].Embedding), nil
}

// Retrieve returns up to k passages most relevant to query, ranked by
// cosine similarity descending. An empty result means no documents
// matched; dependency failures surface as ErrUnavailable instead.
func (s *Store) Retrieve(ctx context.Context, query string, k int) ([]Passage, error) {
	if strings.TrimSpace(query) == "" {
		return []Passage{}, nil
	}
	if k <= 0 {
		return []Passage{}, nil
	}
	if k > MaxTopK {
		k = MaxTopK
	}
	if len(query) > MaxQueryLength {
		query = query[:MaxQueryLength]
	}

	embedCtx, cancel := context.WithTimeout(ctx, EmbedTimeout)
	defer cancel()

	vec, err := s.embed(embedCtx, query)
	if err != nil {
		return nil, fmt.Errorf("%w: embedding query: %w", ErrUnavailable, err)
	}

	rows, err := s.pool.Query(ctx,
		`SELECT COALESCE(metadata->>'source', id) AS source,
		        content,
		        1 - (embedding <=> $1) AS score
		 FROM documents
		 ORDER BY embedding <=> $1
		 LIMIT $2`,
		vec, k,
	)
	if err != nil {
		return nil, fmt.Errorf("%w: querying documents: %w", ErrUnavailable, err)
	}
	defer rows.Close()

	passages := []Passage{}
	for rows.Next() {
		var p Passage
		if err := rows.Scan(&p.Source, &p.Content, &p.Score); err != nil {
			return nil, fmt.Errorf("%w: scanning passage: %w", ErrUnavailable, err)
		}
		passages = append(passages, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: iterating passages: %w", ErrUnavailable, err)
	}

	s.logger.Debug("retrieved passages", "count", len(passages), "k", k)
	return passages, nil
}

// Add indexes a document for retrieval. Re-adding an existing id replaces
// its content, embedding, and metadata.
func (s *Store) Add(ctx context.Context, doc Document) error {
	if doc.ID == "" {
		return fmt.Errorf("document id is required")
	}
	if doc.Content == "" {
		return fmt.Errorf("document content is required")
	}

	embedCtx, cancel := context.WithTimeout(ctx, EmbedTimeout)
	defer cancel()

	vec, err := s.embed(embedCtx, doc.Content)
	if err != nil {
		return fmt.Errorf("%w: embedding document: %w", ErrUnavailable, err)
	}

	metadata := doc.Metadata
	if metadata == nil {
		metadata = map[string]any{}
	}

	_, err = s.pool.Exec(ctx,
		`INSERT INTO documents (id, content, embedding, metadata)
		 VALUES ($1, $2, $3, $4)
		 ON CONFLICT (id) DO UPDATE
		 SET content = EXCLUDED.content,
		     embedding = EXCLUDED.embedding,
		     metadata = EXCLUDED.metadata`,
		doc.ID, doc.Content, vec, metadata,
	)
	if err != nil {
		return fmt.Errorf("%w: inserting document: %w", ErrUnavailable, err)
	}
	return nil
}
