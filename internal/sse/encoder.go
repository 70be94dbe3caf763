package sse

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
)

// Frame is the relay payload: exactly one of Content or Error is set.
type Frame struct {
	Content string `json:"content,omitempty"`
	Error   string `json:"error,omitempty"`
}

// Encoder writes relay frames. When the destination is an http.Flusher each
// frame is flushed as soon as it is written.
type Encoder struct {
	w       io.Writer
	flusher http.Flusher
}

// NewEncoder creates an Encoder writing to w.
func NewEncoder(w io.Writer) *Encoder {
	f, _ := w.(http.Flusher)
	return &Encoder{w: w, flusher: f}
}

// Content writes a content delta frame.
func (e *Encoder) Content(s string) error {
	return e.write(Frame{Content: s})
}

// Error writes an error frame.
func (e *Encoder) Error(msg string) error {
	return e.write(Frame{Error: msg})
}

// Done writes the terminating sentinel.
func (e *Encoder) Done() error {
	return e.raw(DoneSentinel)
}

func (e *Encoder) write(f Frame) error {
	b, err := json.Marshal(f)
	if err != nil {
		return fmt.Errorf("encoding frame: %w", err)
	}
	return e.raw(string(b))
}

func (e *Encoder) raw(payload string) error {
	if _, err := fmt.Fprintf(e.w, "data: %s\n\n", payload); err != nil {
		return err
	}
	if e.flusher != nil {
		e.flusher.Flush()
	}
	return nil
}
