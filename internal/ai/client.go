package ai

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"strings"
	"time"
	"unicode"
)

// Client provides embedding and text completion. One instance is built at
// startup and handed to whatever needs it.
type Client interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	Complete(ctx context.Context, prompt string) (string, error)
	Dim() int
}

// Provider is enumeration of supported AI providers
type Provider string

const (
	ProviderOpenAI   Provider = "openai"
	ProviderVertexAI Provider = "vertexai"
	ProviderStub     Provider = "stub"
)

// ClientConfig holds configuration for AI clients
type ClientConfig struct {
	APIKey          string
	EmbedModel      string
	CompletionModel string
	Dim             int
	ProjectID       string
	Provider        Provider
	Location        string
	BaseURL         string
	Temperature     float64
	TopP            float64

	// Assistant runs (OpenAI only).
	AssistantID  string
	PollInterval time.Duration
	MaxWait      time.Duration
}

// ParseProvider maps user input to a Provider. "google" is accepted for Vertex AI.
func ParseProvider(s string) (Provider, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "openai":
		return ProviderOpenAI, nil
	case "vertexai", "google":
		return ProviderVertexAI, nil
	case "stub", "":
		return ProviderStub, nil
	default:
		return "", errors.New("unsupported provider: " + s)
	}
}

// NewClient creates a new AI client based on configuration
func NewClient(config *ClientConfig) (Client, error) {
	if config == nil {
		return nil, errors.New("client config is required")
	}

	ctx := context.Background()
	switch config.Provider {
	case ProviderOpenAI:
		return NewOpenAIClient(config), nil
	case ProviderVertexAI:
		return NewVertexAIClient(ctx, config)
	case ProviderStub:
		return NewStubClient(config.Dim), nil
	default:
		return nil, errors.New("unsupported provider: " + string(config.Provider))
	}
}

// AssistantFor returns the assistant backed by c, if it has one.
func AssistantFor(c Client) (Assistant, bool) {
	a, ok := c.(Assistant)
	return a, ok
}

const defaultStubDim = 256

// StubClient embeds by hashing words into buckets. Same text, same vector;
// texts sharing words score higher. Useful offline and in tests.
type StubClient struct {
	dim int
}

// NewStubClient creates a new StubClient
func NewStubClient(dim int) *StubClient {
	if dim <= 0 {
		dim = defaultStubDim
	}
	return &StubClient{dim: dim}
}

// Embed implements the embedding functionality
func (s *StubClient) Embed(ctx context.Context, text string) ([]float32, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	v := make([]float32, s.dim)
	for _, w := range words(text) {
		h := fnv.New32a()
		_, _ = h.Write([]byte(w))
		v[h.Sum32()%uint32(s.dim)]++
	}
	return v, nil
}

// Complete returns a fixed board-style answer that names the prompt size.
func (s *StubClient) Complete(ctx context.Context, prompt string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	return fmt.Sprintf("Das Board empfiehlt die leitliniengerechte Therapie (stub, %d Zeichen Prompt).", len([]rune(prompt))), nil
}

// Ask lets the stub stand in for an assistant.
func (s *StubClient) Ask(ctx context.Context, prompt string) (string, error) {
	return s.Complete(ctx, prompt)
}

// Dim returns the embedding dimension
func (s *StubClient) Dim() int {
	return s.dim
}

func words(text string) []string {
	return strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
}
