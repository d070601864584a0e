// Package app wires the application together: configuration, database,
// model provider, stores, and the answer pipeline.
package app

import (
	"log/slog"

	"github.com/firebase/genkit/go/ai"
	"github.com/firebase/genkit/go/genkit"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/vbocquet/ragapi/internal/answer"
	"github.com/vbocquet/ragapi/internal/config"
	"github.com/vbocquet/ragapi/internal/conversation"
	"github.com/vbocquet/ragapi/internal/pipeline"
	"github.com/vbocquet/ragapi/internal/retrieval"
	"github.com/vbocquet/ragapi/internal/user"
)

// App is the application container.
type App struct {
	Config *config.Config
	Logger *slog.Logger

	Genkit   *genkit.Genkit
	Embedder ai.Embedder
	DBPool   *pgxpool.Pool

	Users         *user.Directory
	Conversations *conversation.Store
	Retrieval     *retrieval.Store
	Generator     *answer.Generator
	Coordinator   *pipeline.Coordinator

	otelCleanup func()
}

// Close gracefully releases all resources.
func (a *App) Close() error {
	if a.Logger != nil {
		a.Logger.Info("shutting down application")
	}

	if a.DBPool != nil {
		a.DBPool.Close()
	}
	if a.otelCleanup != nil {
		a.otelCleanup()
	}
	return nil
}
