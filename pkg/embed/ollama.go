package embed

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/paperatlas/paperatlas/pkg/resilience"
)

// Ollama calls the Ollama embeddings HTTP API. Calls pass through a rate
// limiter and a circuit breaker so an overloaded or dead model server is
// backed off instead of hammered.
type Ollama struct {
	baseURL string
	model   string
	dim     int
	client  *http.Client
	limiter *resilience.Limiter
	breaker *resilience.Breaker
}

// OllamaOption mutates the client at construction time.
type OllamaOption func(*Ollama)

// WithHTTPClient replaces the underlying HTTP client.
func WithHTTPClient(c *http.Client) OllamaOption {
	return func(o *Ollama) { o.client = c }
}

// WithRateLimit caps embed calls at r per second with the given burst.
func WithRateLimit(r float64, burst int) OllamaOption {
	return func(o *Ollama) {
		o.limiter = resilience.NewLimiter(resilience.LimiterOpts{Rate: r, Burst: burst})
	}
}

// WithBreaker replaces the default circuit breaker options.
func WithBreaker(opts resilience.BreakerOpts) OllamaOption {
	return func(o *Ollama) { o.breaker = resilience.NewBreaker(opts) }
}

// NewOllama builds a client for the server at baseURL using model, which
// must produce dim-dimensional vectors.
func NewOllama(baseURL, model string, dim int, opts ...OllamaOption) *Ollama {
	o := &Ollama{
		baseURL: baseURL,
		model:   model,
		dim:     dim,
		client: &http.Client{
			Timeout:   60 * time.Second,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
		breaker: resilience.NewBreaker(resilience.DefaultBreakerOpts),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

func (o *Ollama) Dim() int          { return o.dim }
func (o *Ollama) ModelName() string { return o.model }

type embedRequest struct {
	Model  string `json:"model"`
	Prompt string `json:"prompt"`
}

type embedResponse struct {
	Embedding []float64 `json:"embedding"`
}

// Embed computes the embedding for text.
func (o *Ollama) Embed(ctx context.Context, text string) ([]float32, error) {
	if o.limiter != nil {
		if err := o.limiter.Wait(ctx); err != nil {
			return nil, fmt.Errorf("embed: rate limit wait: %w", err)
		}
	}

	var vec []float32
	err := o.breaker.Call(ctx, func(ctx context.Context) error {
		var err error
		vec, err = o.embed(ctx, text)
		return err
	})
	if err != nil {
		return nil, err
	}
	return vec, nil
}

func (o *Ollama) embed(ctx context.Context, text string) ([]float32, error) {
	body, err := json.Marshal(embedRequest{Model: o.model, Prompt: text})
	if err != nil {
		return nil, fmt.Errorf("embed: marshal request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, o.baseURL+"/api/embeddings", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("embed: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := o.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("embed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("embed: status %d from %s", resp.StatusCode, o.baseURL)
	}

	var result embedResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("embed: decode response: %w", err)
	}
	if len(result.Embedding) != o.dim {
		return nil, fmt.Errorf("embed: model %s returned dimension %d, want %d",
			o.model, len(result.Embedding), o.dim)
	}

	out := make([]float32, len(result.Embedding))
	for i, v := range result.Embedding {
		out[i] = float32(v)
	}
	return out, nil
}
