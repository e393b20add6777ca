// Package board runs a patient case through one tumor board configuration:
// optional rewriting, retrieval of guideline chunks, prompt assembly and the
// model call.
package board

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/seanblong/tumorboard/internal/ai"
	"github.com/seanblong/tumorboard/internal/prompt"
	"github.com/seanblong/tumorboard/internal/search"
	"github.com/seanblong/tumorboard/pkg/models"
)

var (
	ErrEmptyCase   = errors.New("case text is empty")
	ErrNoAssistant = errors.New("assistant mode requested but no assistant is configured")
	// ErrEmbeddingModelMismatch marks a query whose embedding does not fit
	// the loaded corpus. Regenerate the corpus with the query model.
	ErrEmbeddingModelMismatch = errors.New("corpus was embedded with a different model than the query")
)

type Board struct {
	Client    ai.Client
	Assistant ai.Assistant
	Search    *search.Service
	TopK      int
	Retry     RetryConfig
}

type Request struct {
	CaseText string
	Mode     prompt.Mode
	Rewrite  bool
}

type Recommendation struct {
	Mode         prompt.Mode             `json:"mode"`
	OriginalCase string                  `json:"original_case"`
	CaseText     string                  `json:"case_text"`
	Rewritten    bool                    `json:"rewritten"`
	Prompt       string                  `json:"prompt"`
	Chunks       []models.RetrievedChunk `json:"chunks,omitempty"`
	Response     string                  `json:"response"`
	Elapsed      time.Duration           `json:"elapsed_ns"`
}

// New wires a board. assistant may be nil; then assistant mode fails.
func New(client ai.Client, assistant ai.Assistant, svc *search.Service, topK int) *Board {
	return &Board{
		Client:    client,
		Assistant: assistant,
		Search:    svc,
		TopK:      topK,
		Retry:     DefaultRetryConfig(),
	}
}

// RewriteCase asks the model to restate the case in guideline terminology.
func (b *Board) RewriteCase(ctx context.Context, caseText string) (string, error) {
	p, err := prompt.Rewrite(caseText)
	if err != nil {
		return "", err
	}
	out, err := withRetry(ctx, b.Retry, "rewrite", func() (string, error) {
		return b.Client.Complete(ctx, p)
	})
	if err != nil {
		return "", fmt.Errorf("rewrite case: %w", err)
	}
	return strings.TrimSpace(out), nil
}

// Retrieve embeds caseText and returns the board's top-k chunks for mode.
func (b *Board) Retrieve(ctx context.Context, caseText string, mode prompt.Mode) ([]models.RetrievedChunk, error) {
	vec, err := withRetry(ctx, b.Retry, "embed", func() ([]float32, error) {
		return b.Client.Embed(ctx, caseText)
	})
	if err != nil {
		return nil, fmt.Errorf("embed case: %w", err)
	}

	scored, err := b.Search.Rank(vec, b.TopK, search.QueryOpts{SelectedOnly: mode == prompt.ModeRAGSelected})
	if err != nil {
		var dm *search.DimensionMismatchError
		if errors.As(err, &dm) {
			return nil, fmt.Errorf("%w: %w", ErrEmbeddingModelMismatch, err)
		}
		return nil, fmt.Errorf("retrieve chunks: %w", err)
	}
	return models.Retrieved(scored), nil
}

// Recommend runs req end to end.
func (b *Board) Recommend(ctx context.Context, req Request) (Recommendation, error) {
	start := time.Now()
	caseText := strings.TrimSpace(req.CaseText)
	if caseText == "" {
		return Recommendation{}, ErrEmptyCase
	}
	mode := req.Mode
	if mode == "" {
		mode = prompt.ModeRAGFull
	}
	if _, err := prompt.ParseMode(string(mode)); err != nil {
		return Recommendation{}, err
	}
	if mode == prompt.ModeAssistant && b.Assistant == nil {
		return Recommendation{}, ErrNoAssistant
	}

	rec := Recommendation{Mode: mode, OriginalCase: caseText, CaseText: caseText}
	if req.Rewrite {
		rewritten, err := b.RewriteCase(ctx, caseText)
		if err != nil {
			return Recommendation{}, err
		}
		rec.CaseText, rec.Rewritten = rewritten, true
	}

	if mode.Retrieval() {
		chunks, err := b.Retrieve(ctx, rec.CaseText, mode)
		if err != nil {
			return Recommendation{}, err
		}
		rec.Chunks = chunks
	}

	p, err := prompt.Build(rec.CaseText, mode, rec.Chunks)
	if err != nil {
		return Recommendation{}, err
	}
	rec.Prompt = p

	call := func() (string, error) { return b.Client.Complete(ctx, p) }
	if mode == prompt.ModeAssistant {
		call = func() (string, error) { return b.Assistant.Ask(ctx, p) }
	}
	out, err := withRetry(ctx, b.Retry, string(mode), call)
	if err != nil {
		return Recommendation{}, fmt.Errorf("board call: %w", err)
	}
	rec.Response = strings.TrimSpace(out)
	rec.Elapsed = time.Since(start)

	log.Info().Str("mode", string(mode)).Bool("rewritten", rec.Rewritten).Int("chunks", len(rec.Chunks)).
		Dur("elapsed", rec.Elapsed).Msg("board recommendation")
	return rec, nil
}
