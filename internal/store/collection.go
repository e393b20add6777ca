package store

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/rs/zerolog/log"
	"github.com/seanblong/tumorboard/pkg/models"
	"gopkg.in/yaml.v3"
)

// NotFoundError reports a collection location that does not exist.
type NotFoundError struct {
	Path string
}

func (e *NotFoundError) Error() string { return "collection not found: " + e.Path }

func (e *NotFoundError) Unwrap() error { return fs.ErrNotExist }

// MalformedDataError reports a collection that cannot be used as a corpus.
// Index is -1 when the file itself could not be decoded.
type MalformedDataError struct {
	Path  string
	Index int
	Field string
	Err   error
}

func (e *MalformedDataError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("malformed collection %s: record %d is missing %q", e.Path, e.Index, e.Field)
	}
	return fmt.Sprintf("malformed collection %s: %v", e.Path, e.Err)
}

func (e *MalformedDataError) Unwrap() error { return e.Err }

// CorpusSource yields the corpus a process retrieves from.
type CorpusSource interface {
	LoadCorpus(ctx context.Context) (models.Corpus, error)
}

// FileSource loads collection files in order.
type FileSource struct {
	Paths []string
}

func (f FileSource) LoadCorpus(ctx context.Context) (models.Corpus, error) {
	return Load(f.Paths...)
}

// rawRecord keeps pointers so absent fields can be told apart from empty ones.
type rawRecord struct {
	ChunkID         *models.ChunkID `json:"chunk_id" yaml:"chunk_id"`
	Source          string          `json:"source" yaml:"source"`
	Text            *string         `json:"text" yaml:"text"`
	Embedding       *[]float32      `json:"embedding" yaml:"embedding"`
	SelectedCorpora *int            `json:"selected_corpora" yaml:"selected_corpora"`
}

// Load reads every collection in order and concatenates the records.
// Each record must carry text and an embedding.
func Load(paths ...string) (models.Corpus, error) {
	corpus := models.Corpus{}
	for _, p := range paths {
		recs, err := readCollection(p, true)
		if err != nil {
			return nil, err
		}
		log.Debug().Str("path", p).Int("records", len(recs)).Msg("loaded collection")
		corpus = append(corpus, recs...)
	}
	if dups := DuplicateIDs(corpus); len(dups) > 0 {
		log.Debug().Int("duplicates", len(dups)).Msg("chunk ids repeat across collections")
	}
	return corpus, nil
}

// ReadCollection reads one collection whose records may not be embedded yet.
func ReadCollection(path string) ([]models.ChunkRecord, error) {
	return readCollection(path, false)
}

func readCollection(path string, needEmbedding bool) ([]models.ChunkRecord, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, &NotFoundError{Path: path}
		}
		return nil, fmt.Errorf("read collection %s: %w", path, err)
	}

	var raws []rawRecord
	if isYAML(path) {
		err = yaml.Unmarshal(b, &raws)
	} else {
		err = json.Unmarshal(b, &raws)
	}
	if err != nil {
		return nil, &MalformedDataError{Path: path, Index: -1, Err: err}
	}

	out := make([]models.ChunkRecord, 0, len(raws))
	for i, r := range raws {
		if r.Text == nil {
			return nil, &MalformedDataError{Path: path, Index: i, Field: "text"}
		}
		if needEmbedding && r.Embedding == nil {
			return nil, &MalformedDataError{Path: path, Index: i, Field: "embedding"}
		}
		rec := models.ChunkRecord{
			Source:          r.Source,
			Text:            *r.Text,
			SelectedCorpora: r.SelectedCorpora,
		}
		if r.ChunkID != nil {
			rec.ChunkID = *r.ChunkID
		}
		if r.Embedding != nil {
			rec.Embedding = *r.Embedding
		}
		out = append(out, rec)
	}
	return out, nil
}

// WriteCollection replaces path atomically with records.
func WriteCollection(path string, records []models.ChunkRecord) error {
	if records == nil {
		records = []models.ChunkRecord{}
	}

	var b []byte
	if isYAML(path) {
		var err error
		if b, err = yaml.Marshal(records); err != nil {
			return fmt.Errorf("encode %s: %w", path, err)
		}
	} else {
		var buf bytes.Buffer
		enc := json.NewEncoder(&buf)
		enc.SetEscapeHTML(false)
		enc.SetIndent("", "  ")
		if err := enc.Encode(records); err != nil {
			return fmt.Errorf("encode %s: %w", path, err)
		}
		b = buf.Bytes()
	}

	mode := os.FileMode(0o644)
	if fi, err := os.Stat(path); err == nil {
		mode = fi.Mode().Perm()
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), ".collection-*")
	if err != nil {
		return err
	}
	defer func() {
		_ = os.Remove(tmp.Name())
	}()
	if err := tmp.Chmod(mode); err != nil {
		_ = tmp.Close()
		return err
	}
	if _, err := tmp.Write(b); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}

// FilterSelected keeps records flagged selected_corpora=1, in order.
func FilterSelected(c models.Corpus) models.Corpus {
	out := models.Corpus{}
	for _, r := range c {
		if r.Selected() {
			out = append(out, r)
		}
	}
	return out
}

// DuplicateIDs lists chunk ids that occur more than once, first-seen order.
func DuplicateIDs(c models.Corpus) []models.ChunkID {
	seen := make(map[models.ChunkID]int, len(c))
	var dups []models.ChunkID
	for _, r := range c {
		seen[r.ChunkID]++
		if seen[r.ChunkID] == 2 {
			dups = append(dups, r.ChunkID)
		}
	}
	return dups
}

func isYAML(path string) bool {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return true
	}
	return false
}
