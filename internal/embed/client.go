// Package embed generates text embeddings through the OpenAI embeddings
// API, with order-preserving batching, rate-limit-aware retries, and an
// optional vector cache.
package embed

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/anatolykoptev/go-kit/strutil"
	"github.com/anatolykoptev/go_match/internal/retry"
	"golang.org/x/time/rate"
)

const (
	// DefaultModel and Dimensions follow the provider's small embedding model.
	DefaultModel = "text-embedding-3-small"
	Dimensions   = 1536

	// BatchSize caps texts per remote call.
	BatchSize = 100

	// MaxInputChars caps a single input; the API rejects over-long texts.
	MaxInputChars = 8000

	defaultEndpoint = "https://api.openai.com/v1/embeddings"
)

// DefaultRetry backs off 1s → 60s across 5 attempts on rate limits and
// transient failures.
var DefaultRetry = retry.Config{
	MaxRetries:  5,
	InitialWait: time.Second,
	MaxWait:     60 * time.Second,
	Multiplier:  2.0,
}

// Client calls the remote embedding service. Stateless across
// invocations apart from the optional cache.
type Client struct {
	apiKey   string
	endpoint string
	model    string
	dim      int
	httpc    *http.Client
	rc       retry.Config
	limiter  *rate.Limiter
	cache    *Cache
}

// Option configures a Client.
type Option func(*Client)

// WithModel overrides the embedding model and its dimensionality.
func WithModel(model string, dim int) Option {
	return func(c *Client) { c.model, c.dim = model, dim }
}

// WithEndpoint overrides the API endpoint (tests, proxies).
func WithEndpoint(url string) Option {
	return func(c *Client) { c.endpoint = url }
}

// WithHTTPClient overrides the HTTP client.
func WithHTTPClient(h *http.Client) Option {
	return func(c *Client) { c.httpc = h }
}

// WithRetry overrides the backoff policy. Inject retry.Zero in tests.
func WithRetry(rc retry.Config) Option {
	return func(c *Client) { c.rc = rc }
}

// WithRateLimit sets the dispatch rate for remote calls. Batches are
// dispatched one at a time behind this gate, so a long run pipelines
// work without fanning out into the provider's rate limiter.
func WithRateLimit(rps float64, burst int) Option {
	return func(c *Client) { c.limiter = rate.NewLimiter(rate.Limit(rps), burst) }
}

// WithCache attaches a vector cache.
func WithCache(cache *Cache) Option {
	return func(c *Client) { c.cache = cache }
}

// New creates an embedding client with the default model and retry policy.
func New(apiKey string, opts ...Option) *Client {
	c := &Client{
		apiKey:   apiKey,
		endpoint: defaultEndpoint,
		model:    DefaultModel,
		dim:      Dimensions,
		httpc:    &http.Client{Timeout: 60 * time.Second},
		rc:       DefaultRetry,
		limiter:  rate.NewLimiter(rate.Limit(3), 1),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Dimensions returns the vector length this client produces.
func (c *Client) Dimensions() int { return c.dim }

// Model returns the configured model name.
func (c *Client) Model() string { return c.model }

// Embed returns one vector per input text, in input order.
//
// Empty or whitespace-only inputs fail the whole call with *InputError
// before any network traffic. Transient chunk failures are retried with
// backoff; a chunk that exhausts its retries leaves nil vectors at its
// positions and the call returns the partial result together with a
// *ServiceError naming those positions. Auth/quota failures return
// *QuotaError immediately.
func (c *Client) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}

	var empty []int
	for i, t := range texts {
		if strings.TrimSpace(t) == "" {
			empty = append(empty, i)
		}
	}
	if len(empty) > 0 {
		return nil, &InputError{Indices: empty}
	}

	out := make([][]float32, len(texts))

	// Cache pass: only misses go to the wire.
	var pending []int
	for i, t := range texts {
		if v, ok := c.cache.Get(ctx, c.model, c.input(t)); ok {
			out[i] = v
			continue
		}
		pending = append(pending, i)
	}
	if len(pending) == 0 {
		return out, nil
	}

	var failed []int
	var lastErr error
	for start := 0; start < len(pending); start += BatchSize {
		end := min(start+BatchSize, len(pending))
		chunk := pending[start:end]

		inputs := make([]string, len(chunk))
		for j, idx := range chunk {
			inputs[j] = c.input(texts[idx])
		}

		vectors, err := c.embedChunk(ctx, inputs)
		if err != nil {
			var quotaErr *QuotaError
			if errors.As(err, &quotaErr) {
				return nil, err
			}
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			slog.Error("embed: chunk failed after retries",
				slog.Int("size", len(chunk)), slog.Any("error", err))
			failed = append(failed, chunk...)
			lastErr = err
			continue
		}
		for j, idx := range chunk {
			out[idx] = vectors[j]
			c.cache.Put(ctx, c.model, inputs[j], vectors[j])
		}
	}

	if len(failed) > 0 {
		return out, &ServiceError{Indices: failed, Err: lastErr}
	}
	return out, nil
}

// EmbedOne embeds a single text.
func (c *Client) EmbedOne(ctx context.Context, text string) ([]float32, error) {
	vs, err := c.Embed(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return vs[0], nil
}

// input truncates a text to the API's input budget.
func (c *Client) input(text string) string {
	return strutil.TruncateWith(text, MaxInputChars, "")
}

// embedChunk dispatches one batch behind the rate limiter, retrying
// transient failures with exponential backoff.
func (c *Client) embedChunk(ctx context.Context, inputs []string) ([][]float32, error) {
	return retry.Do(ctx, c.rc, func() ([][]float32, error) {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, err
		}
		return c.doRequest(ctx, inputs)
	})
}

type embeddingRequest struct {
	Model string   `json:"model"`
	Input []string `json:"input"`
}

type embeddingResponse struct {
	Data []struct {
		Embedding []float32 `json:"embedding"`
		Index     int       `json:"index"`
	} `json:"data"`
}

type apiError struct {
	Error struct {
		Message string `json:"message"`
		Type    string `json:"type"`
		Code    string `json:"code"`
	} `json:"error"`
}

func (c *Client) doRequest(ctx context.Context, inputs []string) ([][]float32, error) {
	body, err := json.Marshal(embeddingRequest{Model: c.model, Input: inputs})
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.httpc.Do(req)
	if err != nil {
		return nil, fmt.Errorf("embeddings request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		var ae apiError
		_ = json.Unmarshal(raw, &ae)

		// Quota exhaustion arrives as 429 with a distinct code; plain 429
		// is a rate limit worth retrying.
		if resp.StatusCode == http.StatusUnauthorized ||
			resp.StatusCode == http.StatusForbidden ||
			ae.Error.Code == "insufficient_quota" {
			return nil, &QuotaError{StatusCode: resp.StatusCode, Code: ae.Error.Code, Message: ae.Error.Message}
		}
		if retry.RetryableStatus(resp.StatusCode) {
			return nil, &retry.StatusError{StatusCode: resp.StatusCode}
		}
		return nil, fmt.Errorf("embeddings: status %d: %s", resp.StatusCode, string(raw))
	}

	var er embeddingResponse
	if err := json.NewDecoder(resp.Body).Decode(&er); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	if len(er.Data) != len(inputs) {
		return nil, fmt.Errorf("embeddings: got %d vectors for %d inputs", len(er.Data), len(inputs))
	}

	// The API documents data as input-ordered; sort by index anyway so a
	// scrambled response can never mis-assign vectors to records.
	sort.Slice(er.Data, func(i, j int) bool { return er.Data[i].Index < er.Data[j].Index })

	out := make([][]float32, len(inputs))
	for i, d := range er.Data {
		if len(d.Embedding) != c.dim {
			return nil, fmt.Errorf("embeddings: vector %d has dimension %d, want %d", i, len(d.Embedding), c.dim)
		}
		out[i] = d.Embedding
	}
	return out, nil
}
