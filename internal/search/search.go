package search

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/rs/zerolog/log"
	"github.com/seanblong/tumorboard/internal/ai"
	"github.com/seanblong/tumorboard/internal/store"
	"github.com/seanblong/tumorboard/pkg/models"
)

// Service embeds free text and ranks a loaded corpus against it.
type Service struct {
	Client ai.Client
	Corpus models.Corpus
	Method Method

	selected models.Corpus
}

// QueryOpts narrows a single query.
type QueryOpts struct {
	SelectedOnly bool   // only records flagged selected_corpora=1
	Method       Method // overrides the service default when set
}

// NewService creates a new search service over an already loaded corpus.
func NewService(client ai.Client, corpus models.Corpus, method Method) *Service {
	if method == "" {
		method = MethodCosine
	}
	return &Service{
		Client:   client,
		Corpus:   corpus,
		Method:   method,
		selected: store.FilterSelected(corpus),
	}
}

// Query embeds q and returns the k best chunks.
func (s *Service) Query(ctx context.Context, q string, k int, opt QueryOpts) ([]models.ScoredChunk, error) {
	q = strings.TrimSpace(q)
	if q == "" {
		return nil, errors.New("empty query text")
	}

	vec, err := s.Client.Embed(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("embed query: %w", err)
	}
	return s.Rank(vec, k, opt)
}

// Rank retrieves against a precomputed query vector.
func (s *Service) Rank(vec []float32, k int, opt QueryOpts) ([]models.ScoredChunk, error) {
	corpus := s.Corpus
	if opt.SelectedOnly {
		corpus = s.selected
	}
	m := s.Method
	if opt.Method != "" {
		m = opt.Method
	}

	res, err := Retrieve(vec, corpus, k, m)
	if err != nil {
		var dm *DimensionMismatchError
		if errors.As(err, &dm) {
			log.Error().Int("query_dim", dm.Query).Int("corpus_dim", dm.Candidate).
				Str("chunk_id", dm.ChunkID.String()).
				Msg("corpus embeddings do not match the query model; re-run the embed command with the current model")
		}
		return nil, err
	}
	log.Debug().Int("k", k).Int("candidates", len(corpus)).Int("returned", len(res)).Str("method", string(m)).Msg("retrieved chunks")
	return res, nil
}
