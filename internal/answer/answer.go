// Package answer wraps the language model call that turns an assembled
// prompt into an answer.
package answer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/firebase/genkit/go/ai"
	"github.com/firebase/genkit/go/genkit"
	"golang.org/x/time/rate"
)

// ErrGeneration indicates the model call failed or timed out. Retry
// policy lives with the caller, not here.
var ErrGeneration = errors.New("answer generation failed")

// GenerateTimeout bounds a single model call.
const GenerateTimeout = 60 * time.Second

// Generator produces answers from assembled prompts.
//
// Generator is safe for concurrent use by multiple goroutines.
type Generator struct {
	g         *genkit.Genkit
	modelName string
	limiter   *rate.Limiter
	logger    *slog.Logger
}

// NewGenerator creates a Generator calling the named model. limiter is
// optional; when non-nil, calls wait for a token before hitting the
// model API.
func NewGenerator(g *genkit.Genkit, modelName string, limiter *rate.Limiter, logger *slog.Logger) (*Generator, error) {
	if g == nil {
		return nil, fmt.Errorf("genkit instance is required")
	}
	if modelName == "" {
		return nil, fmt.Errorf("model name is required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Generator{g: g, modelName: modelName, limiter: limiter, logger: logger}, nil
}

// Generate returns the model's answer for prompt. The call is bounded by
// GenerateTimeout; timeout and remote errors surface as ErrGeneration.
func (gen *Generator) Generate(ctx context.Context, prompt string) (string, error) {
	if strings.TrimSpace(prompt) == "" {
		return "", fmt.Errorf("%w: empty prompt", ErrGeneration)
	}

	genCtx, cancel := context.WithTimeout(ctx, GenerateTimeout)
	defer cancel()

	if gen.limiter != nil {
		if err := gen.limiter.Wait(genCtx); err != nil {
			return "", fmt.Errorf("%w: rate limit wait: %w", ErrGeneration, err)
		}
	}

	start := time.Now()
	resp, err := genkit.Generate(genCtx, gen.g,
		ai.WithModelName(gen.modelName),
		ai.WithPrompt(prompt),
	)
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrGeneration, err)
	}

	text := resp.Text()
	if strings.TrimSpace(text) == "" {
		return "", fmt.Errorf("%w: model returned empty answer", ErrGeneration)
	}

	gen.logger.Debug("generated answer",
		"model", gen.modelName,
		"prompt_len", len(prompt),
		"answer_len", len(text),
		"duration", time.Since(start))
	return text, nil
}
