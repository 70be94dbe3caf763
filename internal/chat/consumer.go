package chat

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/kalambet/lmdesk/internal/inference"
	"github.com/kalambet/lmdesk/internal/sse"
)

var (
	// ErrBusy is returned when a turn is started while another is in flight.
	ErrBusy = errors.New("chat: a request is already in flight")
	// ErrEmptyContent is returned for blank user input.
	ErrEmptyContent = errors.New("chat: message content is empty")
)

// StreamError is an error frame received from the event stream.
type StreamError struct {
	Message string
}

func (e *StreamError) Error() string { return "chat stream: " + e.Message }

// History persists the conversation of one session.
type History interface {
	Load(ctx context.Context) ([]Message, error)
	Append(ctx context.Context, m Message) error
}

// Hooks observe a turn. Every callback receives a snapshot and runs on the
// goroutine calling Send. Nil callbacks are skipped.
type Hooks struct {
	Partial func(text string)
	Stats   func(Stats)
	Message func(Message)
}

// SendRequest describes one user turn.
type SendRequest struct {
	Content     string
	Images      []string
	Model       string
	Provider    *inference.Endpoint
	Temperature *float64
	MaxTokens   int
}

// Consumer runs one streamed chat turn at a time and owns the resulting
// conversation.
type Consumer struct {
	streamer Streamer
	history  History
	hooks    Hooks
	logger   *slog.Logger
	now      func() time.Time

	busy atomic.Bool

	mu       sync.Mutex
	messages []Message
	partial  string
	stats    Stats
	cancel   context.CancelFunc
}

// Option customizes a Consumer.
type Option func(*Consumer)

// WithHistory persists messages to h as they are committed.
func WithHistory(h History) Option {
	return func(c *Consumer) { c.history = h }
}

// WithHooks installs turn observers.
func WithHooks(h Hooks) Option {
	return func(c *Consumer) { c.hooks = h }
}

// WithLogger overrides the default logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Consumer) {
		if l != nil {
			c.logger = l
		}
	}
}

// WithClock overrides time.Now for stats and message timestamps.
func WithClock(now func() time.Time) Option {
	return func(c *Consumer) {
		if now != nil {
			c.now = now
		}
	}
}

// NewConsumer creates a Consumer reading turns from s.
func NewConsumer(s Streamer, opts ...Option) *Consumer {
	c := &Consumer{
		streamer: s,
		logger:   slog.Default(),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Send appends the user message and streams the assistant reply. It returns
// the committed assistant message, or nil when the stream produced no content
// or was cancelled. Cancellation is not an error.
func (c *Consumer) Send(ctx context.Context, req SendRequest) (*Message, error) {
	content := strings.TrimSpace(req.Content)
	if content == "" {
		return nil, ErrEmptyContent
	}
	if !c.busy.CompareAndSwap(false, true) {
		return nil, ErrBusy
	}
	defer c.busy.Store(false)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	start := c.now()
	user := NewMessage(RoleUser, content, start, req.Images...)

	c.mu.Lock()
	c.cancel = cancel
	c.partial = ""
	c.stats = Stats{}
	c.messages = append(c.messages, user)
	prompt := append([]Message(nil), c.messages...)
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		c.cancel = nil
		c.partial = ""
		c.mu.Unlock()
	}()

	c.commit(ctx, user, false)

	tracker := newStatsTracker(start, prompt)
	text, err := c.consume(ctx, StreamRequest{
		Model:       req.Model,
		Messages:    prompt,
		Provider:    req.Provider,
		Temperature: req.Temperature,
		MaxTokens:   req.MaxTokens,
	}, tracker)
	if ctx.Err() != nil {
		c.logger.Debug("chat turn cancelled")
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if text == "" {
		return nil, nil
	}

	reply := NewMessage(RoleAssistant, text, c.now())
	c.mu.Lock()
	c.stats = tracker.observe(c.now(), text)
	c.messages = append(c.messages, reply)
	c.mu.Unlock()
	c.commit(ctx, reply, true)
	return &reply, nil
}

// consume reads the event stream and returns the accumulated content.
func (c *Consumer) consume(ctx context.Context, req StreamRequest, tracker *statsTracker) (string, error) {
	body, err := c.streamer.Stream(ctx, req)
	if err != nil {
		return "", fmt.Errorf("starting chat stream: %w", err)
	}
	defer body.Close()

	dec := sse.NewDecoder(body).WithLogger(c.logger)
	var buf strings.Builder
	for {
		payload, err := dec.Next()
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		if errors.Is(err, io.EOF) {
			return buf.String(), nil
		}
		if err != nil {
			return "", fmt.Errorf("reading chat stream: %w", err)
		}

		var f sse.Frame
		if err := json.Unmarshal(payload, &f); err != nil {
			c.logger.Debug("skipping malformed frame", "error", err)
			continue
		}
		if f.Error != "" {
			return "", &StreamError{Message: f.Error}
		}
		if f.Content == "" {
			continue
		}

		buf.WriteString(f.Content)
		text := buf.String()
		stats := tracker.observe(c.now(), text)

		c.mu.Lock()
		c.partial = text
		c.stats = stats
		c.mu.Unlock()

		if c.hooks.Partial != nil {
			c.hooks.Partial(text)
		}
		if c.hooks.Stats != nil {
			c.hooks.Stats(stats)
		}
	}
}

func (c *Consumer) commit(ctx context.Context, m Message, final bool) {
	if final && c.hooks.Stats != nil {
		c.hooks.Stats(c.Stats())
	}
	if c.hooks.Message != nil {
		c.hooks.Message(m)
	}
	c.mu.Lock()
	h := c.history
	c.mu.Unlock()
	if h == nil {
		return
	}
	if err := h.Append(context.WithoutCancel(ctx), m); err != nil {
		c.logger.Warn("persisting message", "id", m.ID, "error", err)
	}
}

// Cancel aborts the in-flight turn, if any.
func (c *Consumer) Cancel() {
	c.mu.Lock()
	cancel := c.cancel
	c.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// Busy reports whether a turn is in flight.
func (c *Consumer) Busy() bool { return c.busy.Load() }

// Messages returns a copy of the committed conversation.
func (c *Consumer) Messages() []Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Message(nil), c.messages...)
}

// Partial returns the assistant text received so far in the current turn.
func (c *Consumer) Partial() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.partial
}

// Stats returns the latest stats snapshot.
func (c *Consumer) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stats
}

// Clear drops the in-memory conversation. The history is not touched.
func (c *Consumer) Clear() error {
	if c.Busy() {
		return ErrBusy
	}
	c.mu.Lock()
	c.messages = nil
	c.stats = Stats{}
	c.mu.Unlock()
	return nil
}

// SetHistory switches the consumer to another session. Call Load afterwards
// to pick up its messages.
func (c *Consumer) SetHistory(h History) error {
	if c.Busy() {
		return ErrBusy
	}
	c.mu.Lock()
	c.history = h
	c.mu.Unlock()
	return nil
}

// Load replaces the conversation with the one stored in the history.
func (c *Consumer) Load(ctx context.Context) error {
	if c.Busy() {
		return ErrBusy
	}
	c.mu.Lock()
	h := c.history
	c.mu.Unlock()
	if h == nil {
		return nil
	}
	msgs, err := h.Load(ctx)
	if err != nil {
		return fmt.Errorf("loading history: %w", err)
	}
	c.mu.Lock()
	c.messages = msgs
	c.stats = Stats{}
	c.mu.Unlock()
	return nil
}
