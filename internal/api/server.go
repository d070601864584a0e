// Package api exposes the question-answering service over HTTP/JSON.
//
// Endpoints:
//
//	POST   /ask                                      run a question through the pipeline
//	POST   /conversations                            create a conversation
//	GET    /conversations/{username}                 list a user's conversations
//	GET    /conversations/{username}/{conversation_id}  list messages
//	DELETE /conversations/{conversation_id}          delete a conversation (owner only)
//	GET    /                                         service banner
//	GET    /health                                   liveness probe
//	GET    /ready                                    readiness probe (DB ping)
//
// File structure:
//   - server.go: routes, middleware stack, server lifecycle
//   - ask.go: question endpoint and pipeline error mapping
//   - conversations.go: conversation management endpoints
//   - middleware.go: recovery, request id, logging, CORS
//   - ratelimit.go: per-IP token bucket
//   - response.go: JSON response helpers
//   - health.go: liveness and readiness probes
package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

const (
	// DefaultAddr is the default listen address.
	DefaultAddr = "127.0.0.1:8000"

	// ShutdownTimeout is the maximum time to wait for graceful shutdown.
	ShutdownTimeout = 10 * time.Second

	// ReadHeaderTimeout prevents Slowloris-style header trickling.
	ReadHeaderTimeout = 10 * time.Second

	// ReadTimeout is the maximum duration for reading the entire request.
	ReadTimeout = 30 * time.Second

	// WriteTimeout is the maximum duration for writing the response.
	// Generation can take a while, so this exceeds the model timeout.
	WriteTimeout = 90 * time.Second

	// IdleTimeout is the keep-alive idle limit.
	IdleTimeout = 120 * time.Second
)

// ServerConfig contains configuration for creating the API server.
type ServerConfig struct {
	Logger        *slog.Logger
	Pipeline      Asker             // Required
	Users         UserDirectory     // Required
	Conversations ConversationStore // Required
	Pool          *pgxpool.Pool     // Optional: nil makes /ready report unavailable
	CORSOrigins   []string          // Allowed origins for CORS
	TrustProxy    bool              // Trust X-Real-IP/X-Forwarded-For headers
	RateBurst     int               // Rate limiter burst size per IP (0 = default 60)
}

// Server is the JSON API HTTP server.
type Server struct {
	mux *http.ServeMux
}

// NewServer creates an API server with all routes configured.
func NewServer(cfg ServerConfig) (*Server, error) {
	if cfg.Pipeline == nil {
		return nil, errors.New("pipeline is required")
	}
	if cfg.Users == nil {
		return nil, errors.New("user directory is required")
	}
	if cfg.Conversations == nil {
		return nil, errors.New("conversation store is required")
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	ah := &askHandler{pipeline: cfg.Pipeline, logger: logger}
	ch := &conversationHandler{
		users:         cfg.Users,
		conversations: cfg.Conversations,
		logger:        logger,
	}

	mux := http.NewServeMux()

	mux.HandleFunc("GET /{$}", banner)
	mux.HandleFunc("POST /ask", ah.ask)
	mux.HandleFunc("POST /conversations", ch.create)
	mux.HandleFunc("GET /conversations/{username}", ch.list)
	mux.HandleFunc("GET /conversations/{username}/{conversation_id}", ch.messages)
	mux.HandleFunc("DELETE /conversations/{conversation_id}", ch.remove)

	// Rate limiter: per-IP token bucket (1 token/sec refill).
	burst := cfg.RateBurst
	if burst <= 0 {
		burst = 60
	}
	rl := newRateLimiter(1.0, burst)

	// Build middleware stack (outermost first):
	//   Recovery → RequestID → Logging → CORS → RateLimit → Routes
	// RequestID must be before Logging so request_id is available in log
	// attributes. CORS must be before RateLimit so preflight OPTIONS gets
	// proper CORS headers.
	var handler http.Handler = mux
	handler = rateLimitMiddleware(rl, cfg.TrustProxy, logger)(handler)
	handler = corsMiddleware(cfg.CORSOrigins)(handler)
	handler = loggingMiddleware(logger)(handler)
	handler = requestIDMiddleware()(handler)
	handler = recoveryMiddleware(logger)(handler)

	// Top-level mux keeps health probes outside the middleware stack.
	topMux := http.NewServeMux()
	topMux.HandleFunc("GET /health", health)
	topMux.Handle("GET /ready", readiness(cfg.Pool))
	topMux.Handle("/", handler)

	return &Server{mux: topMux}, nil
}

// Handler returns the server as an http.Handler.
func (s *Server) Handler() http.Handler {
	return s.mux
}

// Run starts the HTTP server and blocks until the context is cancelled,
// then shuts down gracefully.
func (s *Server) Run(ctx context.Context, addr string) error {
	if addr == "" {
		addr = DefaultAddr
	}

	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: ReadHeaderTimeout,
		ReadTimeout:       ReadTimeout,
		WriteTimeout:      WriteTimeout,
		IdleTimeout:       IdleTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("starting HTTP server", "addr", addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		slog.Info("shutting down HTTP server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), ShutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

// banner is the service root endpoint.
func banner(w http.ResponseWriter, _ *http.Request) {
	WriteJSON(w, http.StatusOK, map[string]string{
		"service": "ragapi",
		"message": "retrieval-augmented conversational QA service",
	})
}
