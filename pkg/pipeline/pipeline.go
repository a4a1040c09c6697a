package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/harun/avatarcore/internal/observability"
	"github.com/harun/avatarcore/internal/tracing"
	"github.com/harun/avatarcore/pkg/handlers"
	"github.com/harun/avatarcore/pkg/workqueue"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

// ErrClosed is returned by Dispatch and Drain after Close.
var ErrClosed = errors.New("pipeline closed")

// Sink receives segments in sequence order from a single goroutine. An error
// from either method is treated as a dead transport: later segments are dropped
// and Drain reports it.
type Sink interface {
	Deliver(seg *Segment) error
	Fail(seg *Segment) error
}

// Options configures a Pipeline.
type Options struct {
	// Owner tags the pipeline's tasks on the shared queue, normally the session id.
	Owner    string
	Queue    *workqueue.Queue
	Handlers *handlers.Set
	Sink     Sink
	// Timeout bounds synthesis plus rendering of one segment. Zero disables it.
	Timeout time.Duration
}

// Pipeline turns text units into media on the shared worker queue and hands
// them to the sink in the order they were dispatched.
type Pipeline struct {
	owner    string
	queue    *workqueue.Queue
	handlers *handlers.Set
	sink     Sink
	timeout  time.Duration
	logger   zerolog.Logger

	results chan *Segment
	stop    chan struct{}
	stopped chan struct{}
	tasks   sync.WaitGroup

	mu         sync.Mutex
	nextSeq    int
	dispatched int
	settled    int
	sinkErr    error
	closed     bool
	waiters    []chan struct{}
}

// New starts the pipeline's delivery goroutine.
func New(opts Options) (*Pipeline, error) {
	if opts.Queue == nil || opts.Handlers == nil || opts.Sink == nil {
		return nil, fmt.Errorf("pipeline: queue, handlers and sink are required")
	}
	p := &Pipeline{
		owner:    opts.Owner,
		queue:    opts.Queue,
		handlers: opts.Handlers,
		sink:     opts.Sink,
		timeout:  opts.Timeout,
		logger:   log.With().Str("component", "pipeline").Str("session_id", opts.Owner).Logger(),
		results:  make(chan *Segment, 16),
		stop:     make(chan struct{}),
		stopped:  make(chan struct{}),
	}
	go p.run()
	return p, nil
}

// Dispatch assigns the next sequence number to text and submits its synthesis
// and rendering to the worker queue. It does not wait for the result.
func (p *Pipeline) Dispatch(ctx context.Context, text, voice string) (int, error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return 0, ErrClosed
	}
	seg := &Segment{Sequence: p.nextSeq, Text: text, State: StatePending}
	p.nextSeq++
	p.dispatched++
	p.tasks.Add(1)
	p.mu.Unlock()

	logger := tracing.LoggerFromContext(ctx, p.logger)
	logger.Debug().Int("sequence", seg.Sequence).Int("chars", len(text)).Msg("Segment dispatched")

	dispatchedAt := time.Now()
	done := func(err error) {
		defer p.tasks.Done()
		if err != nil {
			seg.State = StateFailed
			var segErr *SegmentError
			if !errors.As(err, &segErr) {
				segErr = &SegmentError{Sequence: seg.Sequence, Stage: "queue", Err: err}
			}
			seg.Err = segErr
		}
		observability.RecordSegmentStage("total", time.Since(dispatchedAt))
		select {
		case p.results <- seg:
		case <-p.stop:
		}
	}

	_, err := p.queue.Submit(ctx, p.owner, func(taskCtx context.Context) error {
		return p.produce(taskCtx, seg, voice)
	}, done)
	if err != nil {
		done(err)
	}
	return seg.Sequence, nil
}

// produce runs on a worker: synthesize, then render.
func (p *Pipeline) produce(ctx context.Context, seg *Segment, voice string) error {
	ctx, span := tracing.StartSpan(ctx, "avatarcore.pipeline", "pipeline.segment",
		attribute.Int("sequence", seg.Sequence))
	defer span.End()

	if p.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.timeout)
		defer cancel()
	}

	fail := func(stage string, err error) error {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return &SegmentError{Sequence: seg.Sequence, Stage: stage, Err: err}
	}

	seg.State = StateSynthesizing
	synth, err := p.handlers.Synthesizer(ctx)
	if err != nil {
		return fail("synthesize", err)
	}
	start := time.Now()
	audio, err := synth.Synthesize(ctx, seg.Text, voice)
	if err != nil {
		return fail("synthesize", err)
	}
	observability.RecordSegmentStage("synthesize", time.Since(start))
	seg.Audio = audio

	seg.State = StateRendering
	renderer, err := p.handlers.Renderer(ctx)
	if err != nil {
		return fail("render", err)
	}
	start = time.Now()
	video, err := renderer.Render(ctx, audio, seg.Text)
	if err != nil {
		return fail("render", err)
	}
	observability.RecordSegmentStage("render", time.Since(start))
	seg.Video = video
	seg.State = StateReady
	return nil
}

// run is the ordered-delivery goroutine. Segments that finish early wait in
// pending until every lower sequence has been handed to the sink.
func (p *Pipeline) run() {
	defer close(p.stopped)

	pending := make(map[int]*Segment)
	next := 0
	for {
		select {
		case seg := <-p.results:
			pending[seg.Sequence] = seg
			for {
				ready, ok := pending[next]
				if !ok {
					break
				}
				delete(pending, next)
				next++
				p.deliver(ready)
			}
		case <-p.stop:
			return
		}
	}
}

func (p *Pipeline) deliver(seg *Segment) {
	p.mu.Lock()
	sinkErr := p.sinkErr
	p.mu.Unlock()

	var err error
	switch {
	case sinkErr != nil:
		seg.State = StateFailed
		observability.RecordSegment("dropped")
	case seg.Err != nil:
		seg.State = StateFailed
		p.logger.Warn().Int("sequence", seg.Sequence).Err(seg.Err).Msg("Segment failed")
		observability.RecordSegment("failed")
		err = p.sink.Fail(seg)
	default:
		err = p.sink.Deliver(seg)
		if err == nil {
			seg.State = StateDelivered
			observability.RecordSegment("delivered")
		}
	}

	p.mu.Lock()
	if err != nil && p.sinkErr == nil {
		p.sinkErr = err
		p.logger.Warn().Int("sequence", seg.Sequence).Err(err).Msg("Sink failed, dropping remaining segments")
	}
	p.settled++
	var waiters []chan struct{}
	if p.settled == p.dispatched {
		waiters = p.waiters
		p.waiters = nil
	}
	p.mu.Unlock()

	for _, w := range waiters {
		close(w)
	}
}

// Drain blocks until every dispatched segment has been delivered or failed. It
// returns the sink's error if delivery broke down.
func (p *Pipeline) Drain(ctx context.Context) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return ErrClosed
	}
	if p.settled == p.dispatched {
		err := p.sinkErr
		p.mu.Unlock()
		return err
	}
	w := make(chan struct{})
	p.waiters = append(p.waiters, w)
	p.mu.Unlock()

	select {
	case <-w:
		p.mu.Lock()
		defer p.mu.Unlock()
		return p.sinkErr
	case <-p.stopped:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// NextSequence returns the sequence number the next Dispatch will use.
func (p *Pipeline) NextSequence() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.nextSeq
}

// Close stops delivery, cancels the pipeline's queued and running tasks and
// waits for the running ones to return.
func (p *Pipeline) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	p.mu.Unlock()

	close(p.stop)
	<-p.stopped
	if n := p.queue.CancelOwner(p.owner); n > 0 {
		p.logger.Debug().Int("cancelled", n).Msg("Pipeline tasks cancelled")
	}
	p.tasks.Wait()
}
