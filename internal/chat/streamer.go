package chat

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/kalambet/lmdesk/internal/inference"
	"github.com/kalambet/lmdesk/internal/sse"
)

// StreamRequest is everything needed to start one streamed turn. Messages
// holds the full prompt including the new user message.
type StreamRequest struct {
	Model       string              `json:"model"`
	Messages    []Message           `json:"messages"`
	Provider    *inference.Endpoint `json:"provider,omitempty"`
	Temperature *float64            `json:"temperature,omitempty"`
	MaxTokens   int                 `json:"maxTokens,omitempty"`
}

// Streamer opens a relay-format event stream for a turn: data frames with
// either {"content":...} or {"error":...}, terminated by [DONE]. The caller
// must close the returned body.
type Streamer interface {
	Stream(ctx context.Context, req StreamRequest) (io.ReadCloser, error)
}

// Relay forwards upstream deltas for req to enc as content frames. It stops
// at the first error, which the caller reports in whatever form it wants.
// Done is not written.
func Relay(ctx context.Context, client *inference.Client, def inference.Endpoint, req StreamRequest, enc *sse.Encoder) error {
	ep := def
	if req.Provider != nil && req.Provider.BaseURL != "" {
		ep = *req.Provider
	}
	stream, err := client.ChatCompletionStream(ctx, ep, inference.ChatRequest{
		Model:       req.Model,
		Messages:    wire(req.Messages),
		Temperature: req.Temperature,
		MaxTokens:   req.MaxTokens,
	})
	if err != nil {
		return err
	}
	defer stream.Close()

	for {
		delta, err := stream.Next()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}
		if err := enc.Content(delta); err != nil {
			return fmt.Errorf("writing frame: %w", err)
		}
	}
}

// LocalStreamer calls the inference endpoint in-process and re-encodes the
// deltas as relay frames through a pipe.
type LocalStreamer struct {
	Client   *inference.Client
	Endpoint inference.Endpoint
	Logger   *slog.Logger
}

// Stream implements Streamer. The returned body fails with the context's
// error once ctx is cancelled.
func (s *LocalStreamer) Stream(ctx context.Context, req StreamRequest) (io.ReadCloser, error) {
	logger := s.Logger
	if logger == nil {
		logger = slog.Default()
	}
	pr, pw := io.Pipe()
	go func() {
		enc := sse.NewEncoder(pw)
		err := Relay(ctx, s.Client, s.Endpoint, req, enc)
		switch {
		case ctx.Err() != nil:
			pw.CloseWithError(ctx.Err())
			return
		case err != nil:
			logger.Debug("local stream failed", "error", err)
			enc.Error("streaming failed: " + err.Error())
		default:
			enc.Done()
		}
		pw.Close()
	}()
	return pr, nil
}

// RelayStreamer posts turns to a running relay server's /api/chat route.
type RelayStreamer struct {
	BaseURL    string
	HTTPClient *http.Client
}

// Stream implements Streamer.
func (s *RelayStreamer) Stream(ctx context.Context, req StreamRequest) (io.ReadCloser, error) {
	const op = "relay chat"
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshaling request: %w", err)
	}
	hreq, err := http.NewRequestWithContext(ctx, http.MethodPost, strings.TrimRight(s.BaseURL, "/")+"/api/chat", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	hreq.Header.Set("Content-Type", "application/json")
	hreq.Header.Set("Accept", "text/event-stream")

	hc := s.HTTPClient
	if hc == nil {
		hc = http.DefaultClient
	}
	resp, err := hc.Do(hreq)
	if err != nil {
		return nil, &inference.TransportError{Op: op, Err: err}
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 4<<10))
		resp.Body.Close()
		return nil, &inference.TransportError{
			Op:         op,
			StatusCode: resp.StatusCode,
			Body:       string(b),
			Err:        fmt.Errorf("http %d", resp.StatusCode),
		}
	}
	return resp.Body, nil
}
