package store

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	pgvector "github.com/pgvector/pgvector-go"
	"github.com/seanblong/tumorboard/pkg/models"
)

// Store mirrors embedded collections in Postgres.
type Store struct {
	pool *pgxpool.Pool
}

// ChunkStore defines the methods that the Store must implement.
type ChunkStore interface {
	Collections(ctx context.Context) ([]string, error)
	Migrate(ctx context.Context, dim int) error
	UpsertCollection(ctx context.Context, name string, records []models.ChunkRecord) error
	LoadCorpus(ctx context.Context, names ...string) (models.Corpus, error)
}

// New creates a new Store instance connected to the given database URL.
func New(ctx context.Context, url string) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(url)
	if err != nil {
		return nil, err
	}
	p, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, err
	}
	return &Store{pool: p}, nil
}

func (s *Store) Close() { s.pool.Close() }

// Collections returns collection names in registration order.
func (s *Store) Collections(ctx context.Context) ([]string, error) {
	rows, err := s.pool.Query(ctx, "SELECT name FROM collections ORDER BY id")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var names []string
	for rows.Next() {
		var n string
		if err := rows.Scan(&n); err != nil {
			return nil, err
		}
		names = append(names, n)
	}
	return names, rows.Err()
}

func migrationSQL(dim int) string {
	return fmt.Sprintf(`
CREATE EXTENSION IF NOT EXISTS vector;

CREATE TABLE IF NOT EXISTS collections (
  id          SERIAL PRIMARY KEY,
  name        TEXT NOT NULL UNIQUE,
  synced_at   TIMESTAMP WITH TIME ZONE DEFAULT now()
);

CREATE TABLE IF NOT EXISTS guideline_chunks (
  collection_id    INT NOT NULL REFERENCES collections(id) ON DELETE CASCADE,
  position         INT NOT NULL,
  chunk_id         TEXT NOT NULL,
  source           TEXT NOT NULL DEFAULT '',
  text             TEXT NOT NULL,
  embedding        vector(%d),
  selected_corpora INT,
  PRIMARY KEY (collection_id, position)
);

CREATE INDEX IF NOT EXISTS guideline_chunks_chunk_id_idx
  ON guideline_chunks (chunk_id);
`, dim)
}

// Migrate applies necessary database migrations and schema setup.
func (s *Store) Migrate(ctx context.Context, dim int) error {
	if dim <= 0 {
		return fmt.Errorf("embedding dimension must be positive, got %d", dim)
	}
	_, err := s.pool.Exec(ctx, migrationSQL(dim))
	return err
}

// UpsertCollection replaces the stored contents of a collection, keeping
// record order as position.
func (s *Store) UpsertCollection(ctx context.Context, name string, records []models.ChunkRecord) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer func() {
		_ = tx.Rollback(ctx)
	}()

	var id int
	err = tx.QueryRow(ctx, `
		INSERT INTO collections (name) VALUES ($1)
		ON CONFLICT (name) DO UPDATE SET synced_at = now()
		RETURNING id`, name).Scan(&id)
	if err != nil {
		return fmt.Errorf("register collection %s: %w", name, err)
	}

	if _, err := tx.Exec(ctx, `DELETE FROM guideline_chunks WHERE collection_id = $1`, id); err != nil {
		return err
	}

	const q = `
		INSERT INTO guideline_chunks (
			collection_id, position, chunk_id, source, text, embedding, selected_corpora
		) VALUES ($1,$2,$3,$4,$5,$6,$7)`

	batch := &pgx.Batch{}
	for i, r := range records {
		batch.Queue(q, id, i, r.ChunkID.String(), r.Source, r.Text, toVector(r.Embedding), r.SelectedCorpora)
	}
	if err := tx.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("insert chunks for %s: %w", name, err)
	}
	return tx.Commit(ctx)
}

// LoadCorpus reads the named collections in the given order, or every
// collection in registration order when names is empty.
func (s *Store) LoadCorpus(ctx context.Context, names ...string) (models.Corpus, error) {
	q := `
SELECT c.name, g.position, g.chunk_id, g.source, g.text, g.embedding, g.selected_corpora
FROM guideline_chunks g
JOIN collections c ON c.id = g.collection_id
ORDER BY c.id, g.position`
	var args []any
	if len(names) > 0 {
		q = `
SELECT c.name, g.position, g.chunk_id, g.source, g.text, g.embedding, g.selected_corpora
FROM guideline_chunks g
JOIN collections c ON c.id = g.collection_id
WHERE c.name = ANY($1)
ORDER BY array_position($1, c.name), g.position`
		args = append(args, names)
	}

	rows, err := s.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	corpus := models.Corpus{}
	for rows.Next() {
		var (
			coll     string
			pos      int
			id       string
			r        models.ChunkRecord
			vec      *pgvector.Vector
			selected *int
		)
		if err := rows.Scan(&coll, &pos, &id, &r.Source, &r.Text, &vec, &selected); err != nil {
			return nil, err
		}
		if vec == nil {
			return nil, &MalformedDataError{Path: "postgres:" + coll, Index: pos, Field: "embedding"}
		}
		r.ChunkID = models.ChunkID(id)
		r.Embedding = vec.Slice()
		r.SelectedCorpora = selected
		corpus = append(corpus, r)
	}
	return corpus, rows.Err()
}

// Ping checks the database connectivity.
func (s *Store) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	return s.pool.Ping(ctx)
}

// PostgresSource adapts a ChunkStore to CorpusSource.
type PostgresSource struct {
	Store       ChunkStore
	Collections []string
}

func (p PostgresSource) LoadCorpus(ctx context.Context) (models.Corpus, error) {
	return p.Store.LoadCorpus(ctx, p.Collections...)
}

func toVector(v []float32) any {
	if v == nil {
		return (*pgvector.Vector)(nil)
	}
	return pgvector.NewVector(v)
}
