// Package inference talks to OpenAI-compatible model servers (vLLM, Ollama,
// LM Studio) for model listing, chat and OCR extraction.
package inference

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"
)

const (
	listTimeout = 10 * time.Second
	maxErrBody  = 4 << 10

	// OCRTemperature keeps extraction close to deterministic.
	OCRTemperature = 0.1
)

// DefaultOCRPrompt asks the model for structured table JSON.
const DefaultOCRPrompt = `Extract all data from these images and return it as a structured table in JSON format.
Each row should be an object with clear field names. If there are multiple tables, return an array of tables.
Format: { "tables": [{ "headers": [...], "rows": [[...], [...]] }] }`

// Client issues requests against any Endpoint. It holds no per-endpoint
// state, so one Client serves every configured provider.
type Client struct {
	httpClient *http.Client
	logger     *slog.Logger
}

// Option customizes the client.
type Option func(*Client)

// WithHTTPClient overrides the default HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		if hc != nil {
			c.httpClient = hc
		}
	}
}

// WithLogger overrides the default logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Client) {
		if l != nil {
			c.logger = l
		}
	}
}

// New creates a Client. The default HTTP client has no overall timeout so
// long generations and streams are bounded only by the caller's context.
func New(opts ...Option) *Client {
	c := &Client{
		httpClient: &http.Client{Timeout: 0},
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// ListModels returns the models served by ep.
func (c *Client) ListModels(ctx context.Context, ep Endpoint) ([]Model, error) {
	const op = "list models"
	ctx, cancel := context.WithTimeout(ctx, listTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, ep.url("/models"), nil)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.do(op, req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var list modelList
	if err := json.NewDecoder(resp.Body).Decode(&list); err != nil {
		return nil, &ProtocolError{Op: op, Err: err}
	}
	if list.Data == nil {
		return []Model{}, nil
	}
	return list.Data, nil
}

// ChatCompletion sends a non-streaming chat request.
func (c *Client) ChatCompletion(ctx context.Context, ep Endpoint, cr ChatRequest) (*Completion, error) {
	const op = "chat completion"
	cr.Stream = false

	resp, err := c.post(ctx, op, ep, cr)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var result completionResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, &ProtocolError{Op: op, Err: err}
	}
	if len(result.Choices) == 0 {
		return nil, &ProtocolError{Op: op, Err: errors.New("no choices in response")}
	}
	return &Completion{
		Content: result.Choices[0].Message.Content,
		Usage:   result.Usage,
	}, nil
}

// ChatCompletionStream sends a streaming chat request and returns a lazy
// sequence of content deltas. The caller must Close the stream.
func (c *Client) ChatCompletionStream(ctx context.Context, ep Endpoint, cr ChatRequest) (*DeltaStream, error) {
	cr.Stream = true

	resp, err := c.post(ctx, "chat completion stream", ep, cr)
	if err != nil {
		return nil, err
	}
	return newDeltaStream(resp.Body, c.logger), nil
}

// OCRExtraction sends one multimodal message containing the instruction and
// the given images (data URIs) and returns the extracted text, which may be
// empty. Callers that want per-image isolation pass exactly one image.
func (c *Client) OCRExtraction(ctx context.Context, ep Endpoint, model string, images []string, prompt string) (string, error) {
	const op = "ocr extraction"
	if len(images) == 0 {
		return "", errors.New("ocr extraction: no images")
	}
	if prompt == "" {
		prompt = DefaultOCRPrompt
	}

	parts := make([]ContentPart, 0, len(images)+1)
	parts = append(parts, ContentPart{Type: "text", Text: prompt})
	for _, img := range images {
		parts = append(parts, ContentPart{Type: "image_url", ImageURL: &ImageURL{URL: img}})
	}

	resp, err := c.post(ctx, op, ep, ChatRequest{
		Model:       model,
		Messages:    []Message{{Role: "user", Content: parts}},
		Temperature: Float(OCRTemperature),
	})
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	var result completionResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return "", &ProtocolError{Op: op, Err: err}
	}
	if len(result.Choices) == 0 {
		return "", nil
	}
	return result.Choices[0].Message.Content, nil
}

func (c *Client) post(ctx context.Context, op string, ep Endpoint, cr ChatRequest) (*http.Response, error) {
	body, err := json.Marshal(cr)
	if err != nil {
		return nil, fmt.Errorf("marshaling request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, ep.url("/chat/completions"), bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if cr.Stream {
		req.Header.Set("Accept", "text/event-stream")
	}

	c.logger.Debug("inference request", "op", op, "endpoint", ep.BaseURL, "model", cr.Model)
	return c.do(op, req)
}

// do executes req and converts transport failures and non-2xx statuses into
// TransportErrors. On success the caller owns resp.Body.
func (c *Client) do(op string, req *http.Request) (*http.Response, error) {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, &TransportError{Op: op, Err: err}
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrBody))
		resp.Body.Close()
		return nil, &TransportError{
			Op:         op,
			StatusCode: resp.StatusCode,
			Body:       string(b),
			Err:        fmt.Errorf("http %d", resp.StatusCode),
		}
	}
	return resp, nil
}
