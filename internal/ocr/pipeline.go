package ocr

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/kalambet/lmdesk/internal/inference"
)

var (
	// ErrBusy is returned when the pipeline is asked to start or change its
	// queue while a run is active.
	ErrBusy = errors.New("ocr: a batch is already being processed")
	// ErrEmptyResult marks an extraction that succeeded with no content.
	ErrEmptyResult = errors.New("empty result returned from API")
	// ErrUnknownImage is returned by RemoveImage for an ID not in the queue.
	ErrUnknownImage = errors.New("ocr: unknown image")
)

const defaultEncodeWorkers = 4

// Extractor performs one extraction call.
type Extractor interface {
	OCRExtraction(ctx context.Context, ep inference.Endpoint, model string, images []string, prompt string) (string, error)
}

// Progress is a snapshot of a run. Processed counts both successes and
// failures.
type Progress struct {
	Processed int `json:"processed"`
	Total     int `json:"total"`
	Errors    int `json:"errors"`
}

// Request configures one run. Callbacks run on the goroutine calling Process.
type Request struct {
	Model      string
	Prompt     string
	Endpoint   inference.Endpoint
	OnProgress func(Progress)
	OnImage    func(Image)
}

// Pipeline owns a queue of images and processes it strictly sequentially,
// sending one image per extraction call.
type Pipeline struct {
	extractor     Extractor
	limiter       *rate.Limiter
	encodeWorkers int
	logger        *slog.Logger

	// running is written only while mu is held.
	running atomic.Bool

	mu       sync.Mutex
	images   []Image
	results  []Result
	progress Progress
}

// Option customizes a Pipeline.
type Option func(*Pipeline)

// WithLimiter paces extraction calls.
func WithLimiter(l *rate.Limiter) Option {
	return func(p *Pipeline) { p.limiter = l }
}

// WithEncodeWorkers bounds concurrent image encoding before a run.
func WithEncodeWorkers(n int) Option {
	return func(p *Pipeline) {
		if n > 0 {
			p.encodeWorkers = n
		}
	}
}

// WithLogger overrides the default logger.
func WithLogger(l *slog.Logger) Option {
	return func(p *Pipeline) {
		if l != nil {
			p.logger = l
		}
	}
}

// NewPipeline creates a Pipeline using x for extraction calls.
func NewPipeline(x Extractor, opts ...Option) *Pipeline {
	p := &Pipeline{
		extractor:     x,
		encodeWorkers: defaultEncodeWorkers,
		logger:        slog.Default(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// AddImages queues inputs as pending images and returns them.
func (p *Pipeline) AddImages(inputs ...Input) ([]Image, error) {
	added := make([]Image, len(inputs))
	for i, in := range inputs {
		added[i] = Image{
			ID:     uuid.NewString(),
			Name:   displayName(in),
			Status: StatusPending,
			input:  in,
		}
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.running.Load() {
		return nil, ErrBusy
	}
	p.images = append(p.images, added...)
	return added, nil
}

// RemoveImage drops one image from the queue.
func (p *Pipeline) RemoveImage(id string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.running.Load() {
		return ErrBusy
	}
	for i, img := range p.images {
		if img.ID == id {
			p.images = append(p.images[:i], p.images[i+1:]...)
			return nil
		}
	}
	return fmt.Errorf("%w: %s", ErrUnknownImage, id)
}

// ClearImages discards every image, result and progress count.
func (p *Pipeline) ClearImages() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.running.Load() {
		return ErrBusy
	}
	p.images = nil
	p.results = nil
	p.progress = Progress{}
	return nil
}

// Images returns a snapshot of the queue.
func (p *Pipeline) Images() []Image {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]Image(nil), p.images...)
}

// Results returns the results of the last completed run.
func (p *Pipeline) Results() []Result {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]Result(nil), p.results...)
}

// Progress returns the current run's progress.
func (p *Pipeline) Progress() Progress {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.progress
}

// IsProcessing reports whether a run is active.
func (p *Pipeline) IsProcessing() bool { return p.running.Load() }

// Process runs every queued image through the extractor and returns one
// Result per image in queue order. Per-image failures are recorded in the
// results; the only returned errors are ErrBusy and a failure to encode the
// batch, in which case no image is sent. Once the first call has been issued
// the run continues to the end even if ctx is cancelled.
func (p *Pipeline) Process(ctx context.Context, req Request) ([]Result, error) {
	p.mu.Lock()
	if !p.running.CompareAndSwap(false, true) {
		p.mu.Unlock()
		return nil, ErrBusy
	}
	images := append([]Image(nil), p.images...)
	p.mu.Unlock()
	defer func() {
		p.mu.Lock()
		p.running.Store(false)
		p.mu.Unlock()
	}()
	if len(images) == 0 {
		return nil, nil
	}

	uris, err := p.encodeAll(ctx, images)
	if err != nil {
		return nil, err
	}

	total := len(images)
	p.mu.Lock()
	p.results = nil
	p.progress = Progress{Total: total}
	p.mu.Unlock()

	run := context.WithoutCancel(ctx)
	results := make([]Result, 0, total)
	var ok, failed int

	for i, img := range images {
		p.setImage(i, func(im *Image) { im.Status = StatusProcessing }, req.OnImage)

		res := Result{ImageID: img.ID, Name: img.Name}
		text, err := p.extract(run, req, uris[i])
		if err != nil {
			failed++
			res.Error = err.Error()
			p.logger.Warn("ocr image failed", "image_id", img.ID, "name", img.Name, "error", err)
			p.setImage(i, func(im *Image) {
				im.Status = StatusError
				im.Error = res.Error
			}, req.OnImage)
		} else {
			ok++
			res.Data = text
			p.setImage(i, func(im *Image) {
				im.Status = StatusCompleted
				im.ExtractedData = text
			}, req.OnImage)
		}
		results = append(results, res)

		prog := Progress{Processed: ok + failed, Total: total, Errors: failed}
		p.mu.Lock()
		p.progress = prog
		p.mu.Unlock()
		if req.OnProgress != nil {
			req.OnProgress(prog)
		}
	}

	p.mu.Lock()
	p.results = results
	p.mu.Unlock()
	p.logger.Info("ocr batch finished", "total", total, "errors", failed)
	return append([]Result(nil), results...), nil
}

func (p *Pipeline) extract(ctx context.Context, req Request, uri string) (string, error) {
	if p.limiter != nil {
		if err := p.limiter.Wait(ctx); err != nil {
			return "", fmt.Errorf("waiting for rate limiter: %w", err)
		}
	}
	text, err := p.extractor.OCRExtraction(ctx, req.Endpoint, req.Model, []string{uri}, req.Prompt)
	if err != nil {
		return "", err
	}
	if strings.TrimSpace(text) == "" {
		return "", ErrEmptyResult
	}
	return text, nil
}

// encodeAll converts every image to a data URI. Any failure aborts the batch.
func (p *Pipeline) encodeAll(ctx context.Context, images []Image) ([]string, error) {
	uris := make([]string, len(images))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.encodeWorkers)
	for i, img := range images {
		g.Go(func() error {
			if gctx.Err() != nil {
				return gctx.Err()
			}
			uri, err := EncodeDataURI(img.input)
			if err != nil {
				return fmt.Errorf("encoding images: %w", err)
			}
			uris[i] = uri
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return uris, nil
}

// setImage mutates the i-th queued image and publishes the new snapshot.
func (p *Pipeline) setImage(i int, fn func(*Image), notify func(Image)) {
	p.mu.Lock()
	fn(&p.images[i])
	snap := p.images[i]
	p.mu.Unlock()
	if notify != nil {
		notify(snap)
	}
}

// ClientExtractor adapts an inference client with a fixed default endpoint.
type ClientExtractor struct {
	Client   *inference.Client
	Endpoint inference.Endpoint
}

// OCRExtraction implements Extractor. An empty ep falls back to the
// configured endpoint.
func (c ClientExtractor) OCRExtraction(ctx context.Context, ep inference.Endpoint, model string, images []string, prompt string) (string, error) {
	if ep.BaseURL == "" {
		ep = c.Endpoint
	}
	return c.Client.OCRExtraction(ctx, ep, model, images, prompt)
}
