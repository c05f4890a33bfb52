package embed

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/szaher/recall/internal/model"
)

const (
	defaultBaseURL = "https://api.openai.com/v1"
	defaultModel   = "text-embedding-3-small"
	defaultTimeout = 30 * time.Second
)

// OpenAIClient calls an OpenAI-compatible /embeddings endpoint.
// The zero value is not usable; construct with NewOpenAIClient.
type OpenAIClient struct {
	apiKey     string
	baseURL    string
	model      string
	dimensions int
	httpClient *http.Client
}

// OpenAIOption configures an OpenAIClient.
type OpenAIOption func(*OpenAIClient)

// WithBaseURL points the client at a non-default endpoint, e.g. an Azure
// deployment or a local inference server. Trailing slashes are stripped.
func WithBaseURL(url string) OpenAIOption {
	return func(c *OpenAIClient) { c.baseURL = url }
}

// WithModel overrides the embedding model.
func WithModel(m string) OpenAIOption {
	return func(c *OpenAIClient) { c.model = m }
}

// WithDimensions requests truncated vectors of the given size. Only the
// text-embedding-3 family honors this; leave unset for other endpoints.
func WithDimensions(d int) OpenAIOption {
	return func(c *OpenAIClient) { c.dimensions = d }
}

// WithHTTPClient substitutes the underlying HTTP client, mainly for tests.
func WithHTTPClient(hc *http.Client) OpenAIOption {
	return func(c *OpenAIClient) { c.httpClient = hc }
}

// NewOpenAIClient returns an Embedder backed by an OpenAI-compatible API.
// The returned client is safe for concurrent use.
func NewOpenAIClient(apiKey string, opts ...OpenAIOption) *OpenAIClient {
	c := &OpenAIClient{
		apiKey:     apiKey,
		baseURL:    defaultBaseURL,
		model:      defaultModel,
		httpClient: &http.Client{Timeout: defaultTimeout},
	}
	for _, opt := range opts {
		opt(c)
	}
	c.baseURL = strings.TrimRight(c.baseURL, "/")
	return c
}

// Wire types for the embeddings endpoint.

type oaiEmbedRequest struct {
	Model      string   `json:"model"`
	Input      []string `json:"input"`
	Dimensions int      `json:"dimensions,omitempty"`
}

type oaiEmbedResponse struct {
	Data  []oaiEmbedding `json:"data"`
	Error *oaiError      `json:"error,omitempty"`
}

type oaiEmbedding struct {
	Index     int       `json:"index"`
	Embedding []float32 `json:"embedding"`
}

type oaiError struct {
	Message string `json:"message"`
	Type    string `json:"type"`
}

// Embed returns the vector for a single input.
func (c *OpenAIClient) Embed(ctx context.Context, text string) ([]float32, error) {
	vecs, err := c.EmbedBatch(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return vecs[0], nil
}

// EmbedBatch embeds all inputs in a single request. Vectors are returned in
// input order regardless of the order the API lists them in.
func (c *OpenAIClient) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, errors.New("embed: no input")
	}
	for i, t := range texts {
		if strings.TrimSpace(t) == "" {
			return nil, fmt.Errorf("embed: empty input at index %d", i)
		}
	}

	payload, err := json.Marshal(oaiEmbedRequest{
		Model:      c.model,
		Input:      texts,
		Dimensions: c.dimensions,
	})
	if err != nil {
		return nil, fmt.Errorf("embed: marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.baseURL+"/embeddings", bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("embed: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("embed: request: %w", model.WrapUpstream(err))
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("embed: read response: %w", model.WrapUpstream(err))
	}

	var out oaiEmbedResponse
	if err := json.Unmarshal(body, &out); err != nil {
		return nil, fmt.Errorf("embed: decode response (HTTP %d): %w", resp.StatusCode, model.WrapUpstream(err))
	}
	if out.Error != nil {
		apiErr := fmt.Errorf("api error (%s): %s", out.Error.Type, out.Error.Message)
		return nil, fmt.Errorf("embed: %w", model.WrapUpstream(apiErr))
	}
	if resp.StatusCode >= 400 {
		statusErr := fmt.Errorf("unexpected HTTP status %d", resp.StatusCode)
		return nil, fmt.Errorf("embed: %w", model.WrapUpstream(statusErr))
	}
	if len(out.Data) != len(texts) {
		return nil, fmt.Errorf("embed: got %d vectors for %d inputs", len(out.Data), len(texts))
	}

	vecs := make([][]float32, len(texts))
	for _, d := range out.Data {
		if d.Index < 0 || d.Index >= len(texts) {
			return nil, fmt.Errorf("embed: vector index %d out of range", d.Index)
		}
		vecs[d.Index] = d.Embedding
	}
	for i, v := range vecs {
		if v == nil {
			return nil, fmt.Errorf("embed: missing vector for input %d", i)
		}
	}
	return vecs, nil
}

var _ Embedder = (*OpenAIClient)(nil)
