package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/seanblong/tumorboard/internal/ai"
	"github.com/seanblong/tumorboard/internal/auth"
	"github.com/seanblong/tumorboard/internal/board"
	"github.com/seanblong/tumorboard/internal/search"
	"github.com/seanblong/tumorboard/internal/store"
	"github.com/seanblong/tumorboard/pkg/models"
)

func init() {
	zerolog.SetGlobalLevel(zerolog.Disabled)
}

func intp(v int) *int { return &v }

func newTestServer(t *testing.T, corpusDim int) *server {
	t.Helper()
	embedder := ai.NewStubClient(corpusDim)
	chunks := []struct {
		id, text string
		sel      int
	}{
		{"101", "neoadjuvante Radiochemotherapie Ösophaguskarzinom", 1},
		{"201", "perioperative Chemotherapie FLOT Magenkarzinom", 0},
		{"203", "Staging-Laparoskopie Magenkarzinom Peritonealkarzinose", 1},
	}
	var corpus models.Corpus
	for _, c := range chunks {
		v, err := embedder.Embed(context.Background(), c.text)
		if err != nil {
			t.Fatal(err)
		}
		corpus = append(corpus, models.ChunkRecord{ChunkID: models.ChunkID(c.id), Source: "Dummy", Text: c.text, Embedding: v, SelectedCorpora: intp(c.sel)})
	}

	client := ai.NewStubClient(64)
	b := board.New(client, client, search.NewService(client, corpus, search.MethodCosine), 2)
	b.Retry.MaxRetries = 0
	return &server{board: b, collections: []string{"dummy.json"}}
}

func do(t *testing.T, h http.Handler, method, path, body string, header ...string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if len(header) == 2 {
		req.Header.Set(header[0], header[1])
	}
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func openAuth() *auth.Authenticator {
	return auth.NewAuthenticator("", "", time.Hour, false)
}

func TestHealthz(t *testing.T) {
	h := newTestServer(t, 64).routes(openAuth())
	if w := do(t, h, "GET", "/healthz", ""); w.Code != 200 {
		t.Errorf("Expected 200, got %d", w.Code)
	}
	if w := do(t, h, "POST", "/healthz", ""); w.Code != http.StatusMethodNotAllowed {
		t.Errorf("Expected 405 for POST /healthz, got %d", w.Code)
	}
}

func TestCorpus(t *testing.T) {
	h := newTestServer(t, 64).routes(openAuth())
	w := do(t, h, "GET", "/corpus", "")
	if w.Code != 200 {
		t.Fatalf("Expected 200, got %d: %s", w.Code, w.Body.String())
	}
	var info corpusInfo
	if err := json.Unmarshal(w.Body.Bytes(), &info); err != nil {
		t.Fatal(err)
	}
	if info.Chunks != 3 || info.Selected != 2 || info.Dim != 64 || info.ModelDim != 64 || info.Method != "cosine" {
		t.Errorf("unexpected corpus info %+v", info)
	}
	if len(info.Collections) != 1 || info.Collections[0] != "dummy.json" {
		t.Errorf("unexpected collections %v", info.Collections)
	}
}

func TestRetrieve(t *testing.T) {
	h := newTestServer(t, 64).routes(openAuth())

	tests := []struct {
		name       string
		body       string
		wantStatus int
		wantIDs    []models.ChunkID
	}{
		{"default k", `{"case_text": "FLOT Chemotherapie beim Magenkarzinom"}`, 200, []models.ChunkID{"201", "203"}},
		{"k 1", `{"case_text": "FLOT Chemotherapie beim Magenkarzinom", "k": 1}`, 200, []models.ChunkID{"201"}},
		{"k 0", `{"case_text": "FLOT Chemotherapie", "k": 0}`, 200, []models.ChunkID{}},
		{"k larger than corpus", `{"case_text": "FLOT", "k": 50}`, 200, nil},
		{"selected only", `{"case_text": "FLOT Chemotherapie beim Magenkarzinom", "k": 5, "selected_only": true}`, 200, nil},
		{"dot method", `{"case_text": "Radiochemotherapie", "k": 1, "method": "dot"}`, 200, []models.ChunkID{"101"}},
		{"negative k", `{"case_text": "x", "k": -1}`, 400, nil},
		{"bad method", `{"case_text": "x", "method": "l2"}`, 400, nil},
		{"empty case", `{"case_text": "  "}`, 400, nil},
		{"unknown field", `{"case_text": "x", "top": 3}`, 400, nil},
		{"not json", `case`, 400, nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := do(t, h, "POST", "/retrieve", tt.body)
			if w.Code != tt.wantStatus {
				t.Fatalf("Expected status %d, got %d: %s", tt.wantStatus, w.Code, w.Body.String())
			}
			if w.Code != 200 {
				return
			}
			var resp retrieveResponse
			if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
				t.Fatal(err)
			}
			if resp.Chunks == nil {
				t.Fatal("chunks must serialize as a list")
			}
			switch tt.name {
			case "k larger than corpus":
				if len(resp.Chunks) != 3 {
					t.Errorf("Expected whole corpus, got %d", len(resp.Chunks))
				}
			case "selected only":
				if len(resp.Chunks) != 2 {
					t.Errorf("Expected 2 selected chunks, got %d", len(resp.Chunks))
				}
				for _, c := range resp.Chunks {
					if c.ChunkID == "201" {
						t.Error("unselected chunk returned")
					}
				}
			default:
				if len(resp.Chunks) != len(tt.wantIDs) {
					t.Fatalf("Expected %d chunks, got %+v", len(tt.wantIDs), resp.Chunks)
				}
				for i, id := range tt.wantIDs {
					if resp.Chunks[i].ChunkID != id {
						t.Errorf("chunk %d = %s, want %s", i, resp.Chunks[i].ChunkID, id)
					}
				}
			}
			for i := 1; i < len(resp.Chunks); i++ {
				if resp.Chunks[i].Score > resp.Chunks[i-1].Score {
					t.Errorf("chunks not in descending score order: %+v", resp.Chunks)
				}
			}
		})
	}
}

func TestRetrieveDimensionMismatch(t *testing.T) {
	h := newTestServer(t, 32).routes(openAuth())
	w := do(t, h, "POST", "/retrieve", `{"case_text": "Magenkarzinom"}`)
	if w.Code != http.StatusConflict {
		t.Errorf("Expected 409, got %d: %s", w.Code, w.Body.String())
	}
}

func TestRecommend(t *testing.T) {
	h := newTestServer(t, 64).routes(openAuth())

	tests := []struct {
		name       string
		body       string
		wantStatus int
		wantChunks int
	}{
		{"rag full default", `{"case_text": "FLOT beim Magenkarzinom"}`, 200, 2},
		{"rag selected", `{"case_text": "FLOT beim Magenkarzinom", "mode": "rag_selected"}`, 200, 2},
		{"simple", `{"case_text": "FLOT beim Magenkarzinom", "mode": "simple"}`, 200, 0},
		{"assistant", `{"case_text": "FLOT beim Magenkarzinom", "mode": "assistant"}`, 200, 0},
		{"rewrite", `{"case_text": "FLOT beim Magenkarzinom", "rewrite": true}`, 200, 2},
		{"bad mode", `{"case_text": "x", "mode": "tumor"}`, 400, 0},
		{"empty case", `{"case_text": ""}`, 400, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := do(t, h, "POST", "/recommend", tt.body)
			if w.Code != tt.wantStatus {
				t.Fatalf("Expected status %d, got %d: %s", tt.wantStatus, w.Code, w.Body.String())
			}
			if w.Code != 200 {
				return
			}
			var rec board.Recommendation
			if err := json.Unmarshal(w.Body.Bytes(), &rec); err != nil {
				t.Fatal(err)
			}
			if len(rec.Chunks) != tt.wantChunks {
				t.Errorf("Expected %d chunks, got %d", tt.wantChunks, len(rec.Chunks))
			}
			if rec.Response == "" || rec.Prompt == "" {
				t.Errorf("Expected prompt and response, got %+v", rec)
			}
		})
	}
}

func TestRecommendNoAssistant(t *testing.T) {
	s := newTestServer(t, 64)
	s.board.Assistant = nil
	w := do(t, s.routes(openAuth()), "POST", "/recommend", `{"case_text": "x", "mode": "assistant"}`)
	if w.Code != http.StatusBadRequest {
		t.Errorf("Expected 400, got %d", w.Code)
	}
}

func TestAuthRequired(t *testing.T) {
	a := auth.NewAuthenticator("secret", "tumorboard", time.Hour, true)
	h := newTestServer(t, 64).routes(a)
	token, err := a.IssueToken("runner")
	if err != nil {
		t.Fatal(err)
	}

	if w := do(t, h, "GET", "/healthz", ""); w.Code != 200 {
		t.Errorf("healthz must stay open, got %d", w.Code)
	}
	if w := do(t, h, "GET", "/corpus", ""); w.Code != http.StatusUnauthorized {
		t.Errorf("Expected 401 without token, got %d", w.Code)
	}
	if w := do(t, h, "POST", "/retrieve", `{"case_text": "x"}`, "Authorization", "Bearer nope"); w.Code != http.StatusUnauthorized {
		t.Errorf("Expected 401 with bad token, got %d", w.Code)
	}
	if w := do(t, h, "POST", "/retrieve", `{"case_text": "FLOT"}`, "Authorization", "Bearer "+token); w.Code != 200 {
		t.Errorf("Expected 200 with token, got %d: %s", w.Code, w.Body.String())
	}
}

func TestStatusFor(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{board.ErrEmptyCase, 400},
		{fmt.Errorf("wrap: %w", search.ErrNegativeK), 400},
		{&store.NotFoundError{Path: "x.json"}, 404},
		{fmt.Errorf("%w: %w", board.ErrEmbeddingModelMismatch, &search.DimensionMismatchError{Query: 2, Candidate: 3}), 409},
		{&search.DimensionMismatchError{Query: 2, Candidate: 3}, 409},
		{fmt.Errorf("board call: %w", &ai.APIError{StatusCode: 503}), 502},
		{&ai.RunFailedError{RunID: "run_1", Status: "failed"}, 502},
		{ai.ErrMissingAPIKey, 502},
		{ai.ErrRunTimeout, 504},
		{context.DeadlineExceeded, 504},
		{errors.New("boom"), 500},
	}
	for _, tt := range tests {
		if got := statusFor(tt.err); got != tt.want {
			t.Errorf("statusFor(%v) = %d, want %d", tt.err, got, tt.want)
		}
	}
}
