package search

import (
	"errors"
	"sort"

	"github.com/seanblong/tumorboard/pkg/models"
)

var ErrNegativeK = errors.New("k must be non-negative")

// Retrieve scores every record against query and returns the k best,
// highest first. Equal scores keep corpus order. A single dimension mismatch
// fails the whole call.
func Retrieve(query []float32, corpus models.Corpus, k int, m Method) ([]models.ScoredChunk, error) {
	if k < 0 {
		return nil, ErrNegativeK
	}
	if k == 0 || len(corpus) == 0 {
		return []models.ScoredChunk{}, nil
	}

	scored := make([]models.ScoredChunk, 0, len(corpus))
	for _, rec := range corpus {
		s, err := Score(query, rec.Embedding, m)
		if err != nil {
			var dm *DimensionMismatchError
			if errors.As(err, &dm) {
				dm.ChunkID = rec.ChunkID
			}
			return nil, err
		}
		scored = append(scored, models.ScoredChunk{Record: rec, Score: s})
	}

	sort.SliceStable(scored, func(i, j int) bool {
		return scored[i].Score > scored[j].Score
	})

	if k > len(scored) {
		k = len(scored)
	}
	return scored[:k], nil
}
