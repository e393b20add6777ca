package models

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"

	"gopkg.in/yaml.v3"
)

// ChunkID identifies a chunk within one collection. Collections written by
// the extraction scripts use integers, hand-made ones sometimes use strings.
type ChunkID string

func (id ChunkID) String() string { return string(id) }

// MarshalJSON writes canonical integers as JSON numbers. Ids such as
// "007" or "+5" stay strings.
func (id ChunkID) MarshalJSON() ([]byte, error) {
	if n, err := strconv.ParseInt(string(id), 10, 64); err == nil && strconv.FormatInt(n, 10) == string(id) {
		return []byte(id), nil
	}
	return json.Marshal(string(id))
}

func (id *ChunkID) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) > 0 && b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*id = ChunkID(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return fmt.Errorf("chunk_id must be a number or string: %w", err)
	}
	*id = ChunkID(n.String())
	return nil
}

func (id *ChunkID) UnmarshalYAML(value *yaml.Node) error {
	if value.Kind != yaml.ScalarNode {
		return fmt.Errorf("chunk_id must be a scalar, line %d", value.Line)
	}
	*id = ChunkID(value.Value)
	return nil
}

// ChunkRecord is one unit of retrievable guideline text.
type ChunkRecord struct {
	ChunkID         ChunkID   `json:"chunk_id" yaml:"chunk_id"`
	Source          string    `json:"source" yaml:"source"`
	Text            string    `json:"text" yaml:"text"`
	Embedding       []float32 `json:"embedding,omitempty" yaml:"embedding,omitempty"`
	SelectedCorpora *int      `json:"selected_corpora,omitempty" yaml:"selected_corpora,omitempty"`
}

// Selected reports whether the record belongs to the hand-picked subset.
func (r ChunkRecord) Selected() bool {
	return r.SelectedCorpora != nil && *r.SelectedCorpora == 1
}

// Corpus is an ordered list of records; position is the ranking tie-break.
type Corpus []ChunkRecord

// Dim returns the embedding dimension of the first record, or 0.
func (c Corpus) Dim() int {
	if len(c) == 0 {
		return 0
	}
	return len(c[0].Embedding)
}

type ScoredChunk struct {
	Record ChunkRecord
	Score  float64
}

// RetrievedChunk is what leaves the retrieval core: no embedding attached.
type RetrievedChunk struct {
	ChunkID ChunkID `json:"chunk_id"`
	Source  string  `json:"source"`
	Text    string  `json:"text"`
	Score   float64 `json:"score"`
}

func (s ScoredChunk) Retrieved() RetrievedChunk {
	return RetrievedChunk{
		ChunkID: s.Record.ChunkID,
		Source:  s.Record.Source,
		Text:    s.Record.Text,
		Score:   s.Score,
	}
}

// Retrieved converts a ranked list, keeping its order.
func Retrieved(ranked []ScoredChunk) []RetrievedChunk {
	out := make([]RetrievedChunk, 0, len(ranked))
	for _, s := range ranked {
		out = append(out, s.Retrieved())
	}
	return out
}
