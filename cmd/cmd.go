// Package cmd provides CLI commands for ragapi.
//
// Commands:
//   - serve: HTTP JSON API server
//   - version: version and configuration summary
//
// Signal handling and graceful shutdown are implemented via context
// cancellation.
package cmd

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/vbocquet/ragapi/internal/log"
)

// Execute is the main entry point for the ragapi CLI.
func Execute() error {
	// Initialize logger once at entry point.
	level := slog.LevelInfo
	if os.Getenv("DEBUG") != "" {
		level = slog.LevelDebug
	}
	slog.SetDefault(log.New(log.Config{
		Level: level,
		JSON:  os.Getenv("RAGAPI_LOG_JSON") != "",
	}))

	if len(os.Args) < 2 {
		runHelp()
		return nil
	}

	switch os.Args[1] {
	case "serve":
		return runServe()
	case "version", "--version", "-v":
		return runVersion()
	case "help", "--help", "-h":
		runHelp()
		return nil
	default:
		return fmt.Errorf("unknown command: %s", os.Args[1])
	}
}

// runHelp displays the help message.
func runHelp() {
	fmt.Println("ragapi - retrieval-augmented conversational QA service")
	fmt.Println()
	fmt.Println("Usage:")
	fmt.Println("  ragapi serve [addr]  Start HTTP API server (default: 127.0.0.1:8000)")
	fmt.Println("  ragapi --version     Show version information")
	fmt.Println("  ragapi --help        Show this help")
	fmt.Println()
	fmt.Println("Environment Variables:")
	fmt.Println("  GEMINI_API_KEY       Required: Gemini API key")
	fmt.Println("  DATABASE_URL         Optional: overrides postgres settings")
	fmt.Println("  DEBUG                Optional: enable debug logging")
	fmt.Println("  RAGAPI_LOG_JSON      Optional: JSON log output")
}
