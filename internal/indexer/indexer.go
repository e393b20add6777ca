// Package indexer embeds guideline collection files offline and optionally
// mirrors the result into Postgres.
package indexer

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"strings"
	"sync"

	"github.com/karrick/godirwalk"
	"github.com/rs/zerolog/log"
	"github.com/seanblong/tumorboard/internal/ai"
	"github.com/seanblong/tumorboard/internal/store"
	"github.com/seanblong/tumorboard/pkg/models"
)

// OutputSuffix is appended to a collection's base name for the embedded copy.
const OutputSuffix = "_with_embeddings"

// FileSystemWalker defines the interface for walking directories
type FileSystemWalker interface {
	Walk(root string, options *godirwalk.Options) error
}

// DefaultFileSystemWalker implements FileSystemWalker using godirwalk
type DefaultFileSystemWalker struct{}

func (d *DefaultFileSystemWalker) Walk(root string, options *godirwalk.Options) error {
	return godirwalk.Walk(root, options)
}

// Indexer embeds the text of every record of a collection.
type Indexer struct {
	Client  ai.Client
	Store   store.ChunkStore // nil disables the database mirror
	Walker  FileSystemWalker
	Workers int
	Force   bool   // re-embed records that already carry a vector
	OutDir  string // empty writes next to the input

	// Sources labels records without a source, keyed by collection name.
	Sources map[string]string
}

// Result summarises one embedded collection.
type Result struct {
	Input      string `json:"input"`
	Output     string `json:"output"`
	Collection string `json:"collection"`
	Records    int    `json:"records"`
	Embedded   int    `json:"embedded"`
	Skipped    int    `json:"skipped"`
	Labelled   int    `json:"labelled,omitempty"`
}

// New creates a new Indexer instance.
func New(client ai.Client, s store.ChunkStore) *Indexer {
	return NewWithDependencies(client, s, &DefaultFileSystemWalker{})
}

// NewWithDependencies creates a new Indexer instance with custom dependencies for testing
func NewWithDependencies(client ai.Client, s store.ChunkStore, walker FileSystemWalker) *Indexer {
	return &Indexer{
		Client: client,
		Store:  s,
		Walker: walker,
	}
}

func (ix *Indexer) workers() int {
	if ix.Workers > 0 {
		return ix.Workers
	}
	n := runtime.NumCPU()
	if n > 8 {
		n = 8 // Cap at 8 to avoid overwhelming the AI API
	}
	return n
}

// Run embeds every collection named by paths. A directory is expanded to
// the collection files below it.
func (ix *Indexer) Run(ctx context.Context, paths ...string) ([]Result, error) {
	var files []string
	for _, p := range paths {
		fi, err := os.Stat(p)
		if err != nil {
			if os.IsNotExist(err) {
				return nil, &store.NotFoundError{Path: p}
			}
			return nil, err
		}
		if !fi.IsDir() {
			files = append(files, p)
			continue
		}
		found, err := ix.Discover(p)
		if err != nil {
			return nil, err
		}
		files = append(files, found...)
	}
	if len(files) == 0 {
		return nil, fmt.Errorf("no collection files found in %s", strings.Join(paths, ", "))
	}

	if ix.Store != nil {
		if err := ix.Store.Migrate(ctx, ix.Client.Dim()); err != nil {
			return nil, fmt.Errorf("migrate: %w", err)
		}
	}

	results := make([]Result, 0, len(files))
	for _, f := range files {
		res, err := ix.EmbedCollection(ctx, f)
		if err != nil {
			return results, err
		}
		results = append(results, res)
	}
	return results, nil
}

// Discover lists collection files under root in lexical order. Embedded
// outputs from earlier runs are skipped.
func (ix *Indexer) Discover(root string) ([]string, error) {
	var files []string
	err := ix.Walker.Walk(root, &godirwalk.Options{
		Callback: func(path string, de *godirwalk.Dirent) error {
			// Handle test case where de might be nil (for MockFileSystemWalker)
			if de != nil && de.IsDir() {
				if path != root && skipDir(path) {
					return godirwalk.SkipThis
				}
				return nil
			}
			if shouldSkip(path) {
				return nil
			}
			files = append(files, path)
			return nil
		},
	})
	if err != nil {
		return nil, fmt.Errorf("walk %s: %w", root, err)
	}
	sort.Strings(files)
	log.Debug().Str("root", root).Int("files", len(files)).Msg("discovered collections")
	return files, nil
}

// EmbedCollection embeds one collection file and writes the embedded copy.
func (ix *Indexer) EmbedCollection(ctx context.Context, path string) (Result, error) {
	recs, err := store.ReadCollection(path)
	if err != nil {
		return Result{}, err
	}

	res := Result{
		Input:      path,
		Output:     ix.OutputPath(path),
		Collection: CollectionName(path),
		Records:    len(recs),
	}
	if label := ix.Sources[res.Collection]; label != "" {
		for i := range recs {
			if recs[i].Source == "" {
				recs[i].Source = label
				res.Labelled++
			}
		}
	}

	embedded, err := ix.embedRecords(ctx, path, recs)
	if err != nil {
		return Result{}, err
	}
	res.Embedded = embedded
	res.Skipped = len(recs) - embedded

	if err := store.WriteCollection(res.Output, recs); err != nil {
		return Result{}, err
	}
	log.Info().Str("input", path).Str("output", res.Output).
		Int("records", res.Records).Int("embedded", res.Embedded).Int("skipped", res.Skipped).
		Msg("collection embedded")

	if ix.Store != nil {
		if err := ix.Store.UpsertCollection(ctx, res.Collection, recs); err != nil {
			return Result{}, fmt.Errorf("sync %s: %w", res.Collection, err)
		}
		log.Info().Str("collection", res.Collection).Int("records", len(recs)).Msg("collection mirrored")
	}
	return res, nil
}

// needsEmbedding reports whether rec must be (re-)embedded.
func (ix *Indexer) needsEmbedding(rec models.ChunkRecord) bool {
	if ix.Force || len(rec.Embedding) == 0 {
		return true
	}
	return len(rec.Embedding) != ix.Client.Dim()
}

// embedRecords fills recs[i].Embedding in place using a bounded worker pool.
// Results are addressed by index so record order is untouched. The first
// failure cancels the remaining work.
func (ix *Indexer) embedRecords(ctx context.Context, path string, recs []models.ChunkRecord) (int, error) {
	var todo []int
	for i, r := range recs {
		if ix.needsEmbedding(r) {
			todo = append(todo, i)
		}
	}
	if len(todo) == 0 {
		return 0, nil
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	numWorkers := ix.workers()
	if numWorkers > len(todo) {
		numWorkers = len(todo)
	}
	log.Debug().Str("path", path).Int("workers", numWorkers).Int("records", len(todo)).Msg("embedding records")

	workChan := make(chan int, numWorkers*2)
	var (
		wg       sync.WaitGroup
		once     sync.Once
		firstErr error
	)

	for w := 0; w < numWorkers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := range workChan {
				vec, err := ix.Client.Embed(ctx, recs[i].Text)
				if err != nil {
					once.Do(func() {
						firstErr = fmt.Errorf("embed %s chunk %s: %w", path, recs[i].ChunkID, err)
						cancel()
					})
					continue
				}
				recs[i].Embedding = vec
			}
		}()
	}

feed:
	for _, i := range todo {
		select {
		case workChan <- i:
		case <-ctx.Done():
			break feed
		}
	}
	close(workChan)
	wg.Wait()

	if firstErr != nil {
		return 0, firstErr
	}
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	return len(todo), nil
}

// OutputPath is where the embedded copy of path is written.
func (ix *Indexer) OutputPath(path string) string {
	dir := filepath.Dir(path)
	if ix.OutDir != "" {
		dir = ix.OutDir
	}
	ext := filepath.Ext(path)
	if ext == "" {
		ext = ".json"
	}
	return filepath.Join(dir, CollectionName(path)+OutputSuffix+ext)
}

// CollectionName is the file's base name without extension or output suffix.
func CollectionName(path string) string {
	base := filepath.Base(path)
	base = strings.TrimSuffix(base, filepath.Ext(base))
	return strings.TrimSuffix(base, OutputSuffix)
}

// shouldSkip returns true if the file at path is not an input collection.
func shouldSkip(path string) bool {
	ext := strings.ToLower(filepath.Ext(path))
	switch ext {
	case ".json", ".yaml", ".yml":
	default:
		return true
	}
	base := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	return strings.HasSuffix(base, OutputSuffix)
}

func skipDir(path string) bool {
	switch strings.ToLower(filepath.Base(path)) {
	case ".git", "node_modules", ".venv", "venv", "__pycache__", ".cache":
		return true
	}
	return false
}
