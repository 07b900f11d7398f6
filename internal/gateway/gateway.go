// Package gateway is the pipeline's Ollama client. Stages 9 and 10 are the
// only callers; everything else in the pipeline is deterministic and never
// touches the network.
package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"entpipe/internal/retry"
)

// Client talks to a local Ollama server for embeddings and structured
// extraction.
type Client struct {
	baseURL       string
	embedModel    string
	generateModel string
	maxAttempts   int
	baseDelay     time.Duration
	client        *http.Client
}

// Options configures a Client. Zero values fall back to defaults.
type Options struct {
	BaseURL       string
	EmbedModel    string
	GenerateModel string
	Timeout       time.Duration
	MaxAttempts   int
	BaseDelay     time.Duration
}

// NewClient creates an Ollama client.
func NewClient(opts Options) *Client {
	if opts.BaseURL == "" {
		opts.BaseURL = "http://localhost:11434"
	}
	if opts.EmbedModel == "" {
		opts.EmbedModel = "nomic-embed-text"
	}
	if opts.GenerateModel == "" {
		opts.GenerateModel = "qwen2.5:7b"
	}
	if opts.Timeout == 0 {
		opts.Timeout = 60 * time.Second
	}
	if opts.MaxAttempts == 0 {
		opts.MaxAttempts = 3
	}
	if opts.BaseDelay == 0 {
		opts.BaseDelay = 500 * time.Millisecond
	}
	return &Client{
		baseURL:       strings.TrimSuffix(opts.BaseURL, "/"),
		embedModel:    opts.EmbedModel,
		generateModel: opts.GenerateModel,
		maxAttempts:   opts.MaxAttempts,
		baseDelay:     opts.BaseDelay,
		client:        &http.Client{Timeout: opts.Timeout},
	}
}

// EmbedModel returns the model name used for embeddings.
func (c *Client) EmbedModel() string {
	return c.embedModel
}

// GenerateModel returns the model name used for extraction.
func (c *Client) GenerateModel() string {
	return c.generateModel
}

type embeddingRequest struct {
	Model  string `json:"model"`
	Prompt string `json:"prompt"`
}

type embeddingResponse struct {
	Embedding []float64 `json:"embedding"`
}

// Embed generates an embedding for the given text, retrying transient
// failures with exponential backoff.
func (c *Client) Embed(ctx context.Context, text string) ([]float64, error) {
	if text == "" {
		return nil, fmt.Errorf("empty text")
	}

	var result []float64
	err := retry.WithBackoff(ctx, func() error {
		emb, err := c.embedOnce(ctx, text)
		if err != nil {
			return err
		}
		result = emb
		return nil
	}, c.maxAttempts, c.baseDelay)
	return result, err
}

func (c *Client) embedOnce(ctx context.Context, text string) ([]float64, error) {
	reqBody := embeddingRequest{Model: c.embedModel, Prompt: text}
	body, err := c.post(ctx, "/api/embeddings", reqBody)
	if err != nil {
		return nil, err
	}

	var result embeddingResponse
	if err := json.Unmarshal(body, &result); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	if len(result.Embedding) == 0 {
		return nil, fmt.Errorf("empty embedding returned")
	}
	return result.Embedding, nil
}

type generateRequest struct {
	Model  string `json:"model"`
	Prompt string `json:"prompt"`
	Stream bool   `json:"stream"`
	Format string `json:"format,omitempty"`
}

type generateResponse struct {
	Response string `json:"response"`
	Done     bool   `json:"done"`
}

// Generate runs a non-streaming completion.
func (c *Client) Generate(ctx context.Context, prompt string) (string, error) {
	return c.generate(ctx, prompt, "")
}

// GenerateJSON runs a completion constrained to JSON output.
func (c *Client) GenerateJSON(ctx context.Context, prompt string) (string, error) {
	return c.generate(ctx, prompt, "json")
}

func (c *Client) generate(ctx context.Context, prompt, format string) (string, error) {
	if prompt == "" {
		return "", fmt.Errorf("empty prompt")
	}

	var result string
	err := retry.WithBackoff(ctx, func() error {
		reqBody := generateRequest{
			Model:  c.generateModel,
			Prompt: prompt,
			Stream: false,
			Format: format,
		}
		body, err := c.post(ctx, "/api/generate", reqBody)
		if err != nil {
			return err
		}
		var resp generateResponse
		if err := json.Unmarshal(body, &resp); err != nil {
			return fmt.Errorf("decode response: %w", err)
		}
		result = resp.Response
		return nil
	}, c.maxAttempts, c.baseDelay)
	return result, err
}

// Ping checks that the Ollama server is reachable.
func (c *Client) Ping(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/api/tags", nil)
	if err != nil {
		return err
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("ollama unreachable at %s: %w", c.baseURL, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("ollama returned status %d", resp.StatusCode)
	}
	return nil
}

func (c *Client) post(ctx context.Context, path string, reqBody any) ([]byte, error) {
	jsonBody, err := json.Marshal(reqBody)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(jsonBody))
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("ollama request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("ollama error (status %d): %s", resp.StatusCode, string(body))
	}
	return body, nil
}
