package search

import (
	"fmt"
	"math"
	"strings"

	"github.com/seanblong/tumorboard/pkg/models"
)

// Method selects the similarity measure.
type Method string

const (
	MethodCosine Method = "cosine"
	MethodDot    Method = "dot"
)

// ParseMethod accepts "cosine" or "dot", case-insensitively; "" means cosine.
func ParseMethod(s string) (Method, error) {
	switch Method(strings.ToLower(strings.TrimSpace(s))) {
	case "", MethodCosine:
		return MethodCosine, nil
	case MethodDot:
		return MethodDot, nil
	default:
		return "", fmt.Errorf("unsupported similarity method: %q", s)
	}
}

// DimensionMismatchError means the query and a stored embedding came from
// models with different output sizes.
type DimensionMismatchError struct {
	Query     int
	Candidate int
	ChunkID   models.ChunkID
}

func (e *DimensionMismatchError) Error() string {
	msg := fmt.Sprintf("embedding dimension mismatch: query has %d dimensions, candidate", e.Query)
	if e.ChunkID != "" {
		msg += " chunk " + string(e.ChunkID)
	}
	return msg + fmt.Sprintf(" has %d; regenerate the corpus embeddings with the same embedding model used for queries", e.Candidate)
}

// Score compares query against candidate.
func Score(query, candidate []float32, m Method) (float64, error) {
	if len(query) != len(candidate) {
		return 0, &DimensionMismatchError{Query: len(query), Candidate: len(candidate)}
	}
	switch m {
	case MethodDot:
		return dot(query, candidate), nil
	case MethodCosine, "":
		return cosine(query, candidate), nil
	default:
		return 0, fmt.Errorf("unsupported similarity method: %q", m)
	}
}

func dot(a, b []float32) float64 {
	var s float64
	for i := range a {
		s += float64(a[i]) * float64(b[i])
	}
	return s
}

// cosine is 0 when either vector has zero norm.
func cosine(a, b []float32) float64 {
	var d, na, nb float64
	for i := range a {
		x, y := float64(a[i]), float64(b[i])
		d += x * y
		na += x * x
		nb += y * y
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return d / (math.Sqrt(na) * math.Sqrt(nb))
}
