package board

import (
	"context"
	"fmt"

	"github.com/rs/zerolog/log"
	"github.com/seanblong/tumorboard/internal/ai"
	"github.com/seanblong/tumorboard/internal/config"
	"github.com/seanblong/tumorboard/internal/search"
	"github.com/seanblong/tumorboard/internal/store"
)

// Runtime is a board together with the resources it was built from.
type Runtime struct {
	Board       *Board
	Collections []string

	db *store.Store
}

// Close releases the database pool, if one was opened.
func (r *Runtime) Close() {
	if r.db != nil {
		r.db.Close()
	}
}

func assistantOf(client ai.Client, provider ai.Provider) ai.Assistant {
	assistant, ok := ai.AssistantFor(client)
	if !ok {
		log.Debug().Str("provider", string(provider)).Msg("provider has no hosted assistant; assistant mode is unavailable")
		return nil
	}
	return assistant
}

// Open builds the model client, loads the corpus from the configured source
// and wires a board over it.
func Open(ctx context.Context, cfg config.Specification) (*Runtime, error) {
	cc, err := cfg.ClientConfig()
	if err != nil {
		return nil, err
	}
	client, err := ai.NewClient(cc)
	if err != nil {
		return nil, fmt.Errorf("create model client: %w", err)
	}

	rt := &Runtime{}
	var src store.CorpusSource
	switch cfg.CorpusSource {
	case config.SourcePostgres:
		db, err := store.New(ctx, cfg.Database)
		if err != nil {
			return nil, fmt.Errorf("connect database: %w", err)
		}
		rt.db = db
		rt.Collections = cfg.Collections
		if len(rt.Collections) == 0 {
			if rt.Collections, err = db.Collections(ctx); err != nil {
				rt.Close()
				return nil, fmt.Errorf("list collections: %w", err)
			}
		}
		src = store.PostgresSource{Store: db, Collections: rt.Collections}
	default:
		rt.Collections = cfg.Corpora
		src = store.FileSource{Paths: cfg.Corpora}
	}

	corpus, err := src.LoadCorpus(ctx)
	if err != nil {
		rt.Close()
		return nil, fmt.Errorf("load corpus: %w", err)
	}
	if dups := store.DuplicateIDs(corpus); len(dups) > 0 {
		log.Debug().Int("count", len(dups)).Str("first", dups[0].String()).Msg("chunk ids repeat across collections")
	}
	if d := corpus.Dim(); d != 0 && d != client.Dim() {
		log.Warn().Int("corpus_dim", d).Int("model_dim", client.Dim()).
			Msg("corpus dimension differs from the embedding model; retrieval will fail until the corpus is re-embedded")
	}

	method, err := search.ParseMethod(cfg.Method)
	if err != nil {
		rt.Close()
		return nil, err
	}
	b := New(client, assistantOf(client, cc.Provider), search.NewService(client, corpus, method), cfg.TopK)
	b.Retry.MaxRetries = cfg.RetryAttempts
	rt.Board = b

	log.Info().Str("provider", string(cc.Provider)).Str("source", cfg.CorpusSource).
		Int("chunks", len(corpus)).Int("dim", corpus.Dim()).Str("method", string(method)).Msg("board ready")
	return rt, nil
}
