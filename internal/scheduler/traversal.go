package scheduler

import (
	"context"
	"fmt"
	"runtime/debug"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"triggerflow/internal/domain"
	"triggerflow/internal/metrics"
	"triggerflow/internal/retry"
)

var tracer = otel.Tracer("triggerflow/scheduler")

// traversal walks every page of one level and runs unit for each item.
// Pages are fetched one after another; the items of a page run concurrently
// and all of them finish before the next page is requested.
type traversal[T any] struct {
	level     string
	operation string
	// describe prefixes retrieval failures, e.g. "failed to retrieve accounts".
	describe  string
	pageSize  int
	maxFanout int
	retrieval *retry.Policy
	logger    zerolog.Logger
	fetch     func(ctx context.Context, req domain.PaginationRequest) (domain.PaginationResult[T], error)
	unit      func(ctx context.Context, item T) error
}

func (t traversal[T]) run(ctx context.Context) error {
	ctx, span := tracer.Start(ctx, "traverse "+t.level,
		trace.WithAttributes(attribute.String("level", t.level), attribute.Int("page_size", t.pageSize)))
	defer span.End()

	var (
		attempted, failed int
		errs              []error
		token             string
	)
	for page := 1; ; page++ {
		if err := ctx.Err(); err != nil {
			span.RecordError(err)
			return fmt.Errorf("%s traversal stopped at page %d: %w", t.level, page, err)
		}

		res, err := t.fetchPage(ctx, page, token)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "retrieval failed")
			return err
		}
		metrics.PagesFetched.WithLabelValues(t.level).Inc()

		results := t.fanOut(ctx, res.Items)
		for _, err := range results {
			attempted++
			if err != nil {
				failed++
				errs = append(errs, err)
			}
		}
		metrics.UnitsAttempted.WithLabelValues(t.level).Add(float64(len(results)))

		t.logger.Info().
			Str("operation", t.operation).
			Int("page", page).
			Int("page_items", len(res.Items)).
			Int("attempted", attempted).
			Int("failed", failed).
			Msg("page processed")

		if !res.HasMore {
			break
		}
		token = res.ContinuationToken
	}

	span.SetAttributes(attribute.Int("attempted", attempted), attribute.Int("failed", failed))
	if failed > 0 {
		err := &AggregateError{Level: t.level, Attempted: attempted, Failed: failed, Errs: errs}
		span.SetStatus(codes.Error, err.Error())
		t.logger.Error().Str("operation", t.operation).Int("attempted", attempted).Int("failed", failed).Msg(err.Error())
		return err
	}
	return nil
}

func (t traversal[T]) fetchPage(ctx context.Context, page int, token string) (domain.PaginationResult[T], error) {
	req := domain.PaginationRequest{PageSize: t.pageSize, ContinuationToken: token}
	rc := retry.NewContext(t.operation, t.logger)

	out := retry.Execute(ctx, t.retrieval, rc, func(ctx context.Context) (domain.PaginationResult[T], error) {
		res, err := t.fetch(ctx, req)
		if err != nil {
			return res, err
		}
		if res.HasMore && res.ContinuationToken == "" {
			return res, retry.Permanent(ErrMissingContinuationToken)
		}
		return res, nil
	})
	if !out.Succeeded() {
		err := &RetrievalError{Level: t.level, Err: out.Wrap(t.describe)}
		t.logger.Error().
			Err(out.FinalErr).
			Str("operation", t.operation).
			Int("page", page).
			Int("attempts", out.Attempts).
			Msg(t.describe)
		return domain.PaginationResult[T]{}, err
	}
	return out.Value, nil
}

// fanOut runs unit for every item and returns one result per item. A failing
// unit never cancels its siblings.
func (t traversal[T]) fanOut(ctx context.Context, items []T) []error {
	results := make([]error, len(items))
	var g errgroup.Group
	if t.maxFanout > 0 {
		g.SetLimit(t.maxFanout)
	}
	for i, item := range items {
		g.Go(func() error {
			results[i] = t.safeUnit(ctx, item)
			return nil
		})
	}
	_ = g.Wait()

	for _, err := range results {
		if err != nil {
			metrics.UnitsFailed.WithLabelValues(t.level).Inc()
		}
	}
	return results
}

func (t traversal[T]) safeUnit(ctx context.Context, item T) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%s unit panicked: %v", t.level, r)
			t.logger.Error().Str("operation", t.operation).Str("stack", string(debug.Stack())).Msg(err.Error())
		}
	}()
	return t.unit(ctx, item)
}
