// Package sse reads and writes the line-delimited "data:" event streams used
// by OpenAI-compatible chat endpoints and by the lmdesk relay.
package sse

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"iter"
	"log/slog"
)

// DoneSentinel is the payload that terminates a stream.
const DoneSentinel = "[DONE]"

var dataPrefix = []byte("data:")

// Decoder turns a byte stream into an ordered sequence of JSON payloads.
// Lines may arrive split across arbitrary reads; bufio buffers partial lines
// until the terminating newline is seen.
type Decoder struct {
	r      *bufio.Reader
	done   bool
	logger *slog.Logger
}

// NewDecoder creates a Decoder reading from r.
func NewDecoder(r io.Reader) *Decoder {
	return &Decoder{r: bufio.NewReader(r), logger: slog.Default()}
}

// WithLogger sets the logger used to report skipped frames.
func (d *Decoder) WithLogger(l *slog.Logger) *Decoder {
	if l != nil {
		d.logger = l
	}
	return d
}

// Next returns the next valid JSON payload. It returns io.EOF once the
// DoneSentinel has been read or the underlying stream ends; any other error
// comes from the reader. Payloads that are not JSON objects are skipped.
func (d *Decoder) Next() (json.RawMessage, error) {
	for {
		if d.done {
			return nil, io.EOF
		}

		line, err := d.r.ReadBytes('\n')
		if err != nil {
			// A fragment without its newline is an incomplete frame.
			d.done = true
			if errors.Is(err, io.EOF) {
				if len(line) > 0 {
					d.logger.Debug("dropping unterminated stream fragment", "bytes", len(line))
				}
				return nil, io.EOF
			}
			return nil, err
		}

		payload, ok := dataPayload(line)
		if !ok {
			continue
		}
		if string(payload) == DoneSentinel {
			d.done = true
			return nil, io.EOF
		}
		if len(payload) == 0 || payload[0] != '{' || !json.Valid(payload) {
			d.logger.Debug("skipping malformed stream frame", "payload", truncate(payload, 120))
			continue
		}
		return json.RawMessage(payload), nil
	}
}

// All yields payloads until the stream ends. A non-EOF error is yielded once
// as the final element.
func (d *Decoder) All() iter.Seq2[json.RawMessage, error] {
	return func(yield func(json.RawMessage, error) bool) {
		for {
			payload, err := d.Next()
			if errors.Is(err, io.EOF) {
				return
			}
			if err != nil {
				yield(nil, err)
				return
			}
			if !yield(payload, nil) {
				return
			}
		}
	}
}

// dataPayload returns the payload of a "data:" line with the line ending and
// a single optional leading space removed.
func dataPayload(line []byte) ([]byte, bool) {
	line = bytes.TrimRight(line, "\r\n")
	if !bytes.HasPrefix(line, dataPrefix) {
		return nil, false
	}
	payload := line[len(dataPrefix):]
	if len(payload) > 0 && payload[0] == ' ' {
		payload = payload[1:]
	}
	return payload, true
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}
