package main

import (
	"context"
	"encoding/json"
	"errors"
	"math"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog/hlog"
	"github.com/seanblong/tumorboard/internal/ai"
	"github.com/seanblong/tumorboard/internal/auth"
	"github.com/seanblong/tumorboard/internal/board"
	"github.com/seanblong/tumorboard/internal/prompt"
	"github.com/seanblong/tumorboard/internal/search"
	"github.com/seanblong/tumorboard/internal/store"
	"github.com/seanblong/tumorboard/pkg/models"
)

const maxBodyBytes = 1 << 20

type server struct {
	board          *board.Board
	collections    []string
	selectedOnly   bool
	requestTimeout time.Duration
}

type retrieveRequest struct {
	CaseText     string `json:"case_text"`
	K            *int   `json:"k,omitempty"`
	Method       string `json:"method,omitempty"`
	SelectedOnly *bool  `json:"selected_only,omitempty"`
}

type retrieveResponse struct {
	Method string                  `json:"method"`
	K      int                     `json:"k"`
	Chunks []models.RetrievedChunk `json:"chunks"`
}

type recommendRequest struct {
	CaseText string `json:"case_text"`
	Mode     string `json:"mode,omitempty"`
	Rewrite  bool   `json:"rewrite,omitempty"`
}

type corpusInfo struct {
	Chunks      int      `json:"chunks"`
	Selected    int      `json:"selected"`
	Dim         int      `json:"dim"`
	ModelDim    int      `json:"model_dim"`
	Method      string   `json:"method"`
	Collections []string `json:"collections"`
}

func (s *server) routes(a *auth.Authenticator) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(200) })
	mux.Handle("GET /corpus", a.Middleware(http.HandlerFunc(s.handleCorpus)))
	mux.Handle("POST /retrieve", a.Middleware(http.HandlerFunc(s.handleRetrieve)))
	mux.Handle("POST /recommend", a.Middleware(http.HandlerFunc(s.handleRecommend)))
	return mux
}

func (s *server) handleCorpus(w http.ResponseWriter, r *http.Request) {
	svc := s.board.Search
	collections := s.collections
	if collections == nil {
		collections = []string{}
	}
	writeJSON(w, r, corpusInfo{
		Chunks:      len(svc.Corpus),
		Selected:    len(store.FilterSelected(svc.Corpus)),
		Dim:         svc.Corpus.Dim(),
		ModelDim:    s.board.Client.Dim(),
		Method:      string(svc.Method),
		Collections: collections,
	})
}

func (s *server) handleRetrieve(w http.ResponseWriter, r *http.Request) {
	var req retrieveRequest
	if !decode(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.CaseText) == "" {
		http.Error(w, "missing case_text", http.StatusBadRequest)
		return
	}
	k := s.board.TopK
	if req.K != nil {
		k = *req.K
	}
	if k < 0 {
		http.Error(w, search.ErrNegativeK.Error(), http.StatusBadRequest)
		return
	}
	opt := search.QueryOpts{SelectedOnly: s.selectedOnly}
	if req.SelectedOnly != nil {
		opt.SelectedOnly = *req.SelectedOnly
	}
	if req.Method != "" {
		m, err := search.ParseMethod(req.Method)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		opt.Method = m
	}

	ctx, cancel := context.WithTimeout(r.Context(), 30*time.Second)
	defer cancel()
	res, err := s.board.Search.Query(ctx, req.CaseText, k, opt)
	if err != nil {
		s.fail(w, r, err)
		return
	}

	chunks := models.Retrieved(res)
	for i := range chunks {
		if math.IsNaN(chunks[i].Score) || math.IsInf(chunks[i].Score, 0) {
			chunks[i].Score = 0
		}
	}
	method := opt.Method
	if method == "" {
		method = s.board.Search.Method
	}
	hlog.FromRequest(r).Info().Str("path", "/retrieve").Int("k", k).Int("returned", len(chunks)).
		Bool("selected_only", opt.SelectedOnly).Msg("served")
	writeJSON(w, r, retrieveResponse{Method: string(method), K: k, Chunks: chunks})
}

func (s *server) handleRecommend(w http.ResponseWriter, r *http.Request) {
	var req recommendRequest
	if !decode(w, r, &req) {
		return
	}
	mode := prompt.ModeRAGFull
	if req.Mode != "" {
		m, err := prompt.ParseMode(req.Mode)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		mode = m
	}

	ctx := r.Context()
	if s.requestTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.requestTimeout)
		defer cancel()
	}
	rec, err := s.board.Recommend(ctx, board.Request{CaseText: req.CaseText, Mode: mode, Rewrite: req.Rewrite})
	if err != nil {
		s.fail(w, r, err)
		return
	}

	ev := hlog.FromRequest(r).Info().Str("path", "/recommend").Str("mode", string(mode)).Int("chunks", len(rec.Chunks)).Dur("elapsed", rec.Elapsed)
	if p := auth.PrincipalFromContext(r.Context()); p != nil {
		ev = ev.Str("subject", p.Subject)
	}
	ev.Msg("served")
	writeJSON(w, r, rec)
}

func (s *server) fail(w http.ResponseWriter, r *http.Request, err error) {
	code := statusFor(err)
	ev := hlog.FromRequest(r).Warn()
	if code >= 500 {
		ev = hlog.FromRequest(r).Error()
	}
	ev.Err(err).Int("status", code).Str("path", r.URL.Path).Msg("request failed")
	http.Error(w, err.Error(), code)
}

// statusFor maps pipeline errors onto HTTP status codes.
func statusFor(err error) int {
	var (
		nf     *store.NotFoundError
		dm     *search.DimensionMismatchError
		apiErr *ai.APIError
		failed *ai.RunFailedError
	)
	switch {
	case errors.Is(err, board.ErrEmptyCase), errors.Is(err, board.ErrNoAssistant), errors.Is(err, search.ErrNegativeK):
		return http.StatusBadRequest
	case errors.As(err, &nf):
		return http.StatusNotFound
	case errors.Is(err, board.ErrEmbeddingModelMismatch), errors.As(err, &dm):
		return http.StatusConflict
	case errors.Is(err, ai.ErrRunTimeout), errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	case errors.As(err, &apiErr), errors.As(err, &failed), errors.Is(err, ai.ErrMissingAPIKey):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func decode(w http.ResponseWriter, r *http.Request, into any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(into); err != nil {
		http.Error(w, "invalid JSON body: "+err.Error(), http.StatusBadRequest)
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, r *http.Request, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		hlog.FromRequest(r).Error().Err(err).Msg("failed to encode response")
	}
}
