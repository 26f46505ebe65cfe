package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"triggerflow/internal/domain"
	"triggerflow/internal/metrics"
	"triggerflow/internal/queue"
	"triggerflow/internal/retry"
)

// Handler consumes the payload of one message source.
type Handler interface {
	Handle(ctx context.Context, payload json.RawMessage) error
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, payload json.RawMessage) error

func (f HandlerFunc) Handle(ctx context.Context, payload json.RawMessage) error {
	return f(ctx, payload)
}

var ErrNoHandler = errors.New("no handler")

// Pool leases due messages from the outbox and runs the handler registered
// for their source, at most size at a time.
type Pool struct {
	repo      queue.Repository
	handlers  map[string]Handler
	sem       chan struct{}
	stop      chan struct{}
	stopOnce  sync.Once
	wg        sync.WaitGroup
	pollEvery time.Duration
	backoff   *retry.Policy
	logger    zerolog.Logger
}

// NewPool builds a pool. backoff supplies the delay before a failed message is retried.
func NewPool(repo queue.Repository, handlers map[string]Handler, size int, pollEvery time.Duration, backoff *retry.Policy, logger zerolog.Logger) *Pool {
	return &Pool{
		repo:      repo,
		handlers:  handlers,
		sem:       make(chan struct{}, size),
		stop:      make(chan struct{}),
		pollEvery: pollEvery,
		backoff:   backoff,
		logger:    logger.With().Str("component", "worker").Logger(),
	}
}

// Run polls until ctx is done or Stop is called, then waits for in-flight messages.
func (p *Pool) Run(ctx context.Context) {
	t := time.NewTicker(p.pollEvery)
	defer t.Stop()
	defer p.wg.Wait()

	p.logger.Info().Int("workers", cap(p.sem)).Dur("poll", p.pollEvery).Msg("worker pool started")
	for {
		select {
		case <-ctx.Done():
			return
		case <-p.stop:
			return
		case now := <-t.C:
			p.drain(ctx, now)
		}
	}
}

func (p *Pool) Stop() {
	p.stopOnce.Do(func() { close(p.stop) })
}

func (p *Pool) drain(ctx context.Context, now time.Time) {
	for {
		select {
		case p.sem <- struct{}{}:
		case <-ctx.Done():
			return
		}
		m, _, err := p.repo.LeaseNext(ctx, now)
		if err != nil {
			<-p.sem
			if !errors.Is(err, queue.ErrEmpty) && ctx.Err() == nil {
				p.logger.Error().Err(err).Msg("lease failed")
			}
			return
		}
		p.wg.Add(1)
		go func(m domain.Message) {
			defer p.wg.Done()
			defer func() { <-p.sem }()
			p.process(ctx, m)
		}(m)
	}
}

func (p *Pool) process(ctx context.Context, m domain.Message) {
	logger := p.logger.With().Str("message_id", m.ID).Str("source", m.Source).Int("attempt", m.Attempts+1).Logger()
	// bookkeeping must land even when the pool is shutting down
	bg := context.WithoutCancel(ctx)

	c, cancel := context.WithTimeout(ctx, time.Duration(m.VisibilityTimeout)*time.Second)
	defer cancel()

	err := p.Dispatch(c, m.Source, m.Payload)
	switch {
	case errors.Is(err, ErrNoHandler):
		metrics.MessagesProcessed.WithLabelValues(m.Source, "unroutable").Inc()
		logger.Error().Msg("no handler registered for source")
		if err := p.repo.Fail(bg, m.ID, err.Error()); err != nil {
			logger.Error().Err(err).Msg("mark failed")
		}
	case err != nil:
		metrics.MessagesProcessed.WithLabelValues(m.Source, "retry").Inc()
		next := p.backoff.Delay(m.Attempts + 1)
		logger.Warn().Err(err).Dur("retry_in", next).Msg("handler failed")
		if err := p.repo.Retry(bg, m.ID, err.Error(), next); err != nil {
			logger.Error().Err(err).Msg("schedule retry")
		}
	default:
		metrics.MessagesProcessed.WithLabelValues(m.Source, "success").Inc()
		if err := p.repo.Succeed(bg, m.ID); err != nil {
			logger.Error().Err(err).Msg("mark succeeded")
		}
	}
}

// Dispatch runs the handler for source. It is also the entry point for
// messages arriving over an external transport.
func (p *Pool) Dispatch(ctx context.Context, source string, payload []byte) (err error) {
	h, ok := p.handlers[source]
	if !ok {
		return fmt.Errorf("%w for %s", ErrNoHandler, source)
	}
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
			p.logger.Error().Str("source", source).Str("stack", string(debug.Stack())).Msg(err.Error())
		}
	}()
	return h.Handle(ctx, payload)
}
