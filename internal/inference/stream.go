package inference

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"strings"

	"github.com/kalambet/lmdesk/internal/sse"
)

const (
	thinkOpen  = "<think>"
	thinkClose = "</think>"
)

// DeltaStream yields content deltas from an upstream streaming response.
// Reasoning deltas (reasoning_content / reasoning) are wrapped in
// <think>...</think> so the text carries them inline.
type DeltaStream struct {
	body        io.ReadCloser
	dec         *sse.Decoder
	inReasoning bool
	finished    bool
	logger      *slog.Logger
}

func newDeltaStream(body io.ReadCloser, logger *slog.Logger) *DeltaStream {
	return &DeltaStream{
		body:   body,
		dec:    sse.NewDecoder(body).WithLogger(logger),
		logger: logger,
	}
}

// Next returns the next non-empty delta, or io.EOF when the stream is over.
func (s *DeltaStream) Next() (string, error) {
	for {
		if s.finished {
			return "", io.EOF
		}

		payload, err := s.dec.Next()
		if errors.Is(err, io.EOF) {
			s.finished = true
			if s.inReasoning {
				s.inReasoning = false
				return thinkClose, nil
			}
			return "", io.EOF
		}
		if err != nil {
			return "", &TransportError{Op: "reading chat stream", Err: err}
		}

		var chunk streamChunk
		if err := json.Unmarshal(payload, &chunk); err != nil {
			s.logger.Debug("skipping undecodable chunk", "error", err)
			continue
		}
		if len(chunk.Error) > 0 && string(chunk.Error) != "null" {
			s.finished = true
			return "", &TransportError{Op: "chat stream", Err: errors.New(upstreamErrorMessage(chunk.Error))}
		}
		if len(chunk.Choices) == 0 {
			continue
		}

		d := chunk.Choices[0].Delta
		reasoning := d.ReasoningContent
		if reasoning == "" {
			reasoning = d.Reasoning
		}

		var b strings.Builder
		if reasoning != "" {
			if !s.inReasoning {
				b.WriteString(thinkOpen)
				s.inReasoning = true
			}
			b.WriteString(reasoning)
		}
		if d.Content != "" {
			if s.inReasoning {
				b.WriteString(thinkClose)
				s.inReasoning = false
			}
			b.WriteString(d.Content)
		}
		if b.Len() > 0 {
			return b.String(), nil
		}
	}
}

// Close releases the underlying response body.
func (s *DeltaStream) Close() error {
	return s.body.Close()
}

// upstreamErrorMessage extracts a message from {"error":"..."} or
// {"error":{"message":"..."}}.
func upstreamErrorMessage(raw json.RawMessage) string {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil && s != "" {
		return s
	}
	var obj struct {
		Message string `json:"message"`
	}
	if err := json.Unmarshal(raw, &obj); err == nil && obj.Message != "" {
		return obj.Message
	}
	return string(raw)
}
