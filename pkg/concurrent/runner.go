// Copyright (C) 2016--2020 Lightbits Labs Ltd.
// SPDX-License-Identifier: Apache-2.0

package concurrent

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/grpc-ecosystem/go-grpc-middleware/logging/logrus/ctxlogrus"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

// Target is the unit of work executed by every worker of a run. `index` is
// the zero-based worker index, `args` the worker's own argument set with the
// per-worker values already picked. a target records its output by appending
// to `results`, any number of times (including none).
type Target[T any] func(ctx context.Context, index int, results *Results[T], args Args) error

// Returning adapts a function producing a single identifier into a Target
// that appends that identifier on success.
func Returning[T any](fn func(ctx context.Context, index int, args Args) (T, error)) Target[T] {
	return func(ctx context.Context, index int, results *Results[T], args Args) error {
		v, err := fn(ctx, index, args)
		if err != nil {
			return err
		}
		results.Append(v)
		return nil
	}
}

type options struct {
	name          string
	log           *logrus.Entry
	workerTimeout time.Duration
	maxParallel   int
	metrics       *Metrics
}

type Option func(*options)

// WithName sets the run name used in log entries and metric labels.
func WithName(name string) Option {
	return func(o *options) { o.name = name }
}

func WithLogger(log *logrus.Entry) Option {
	return func(o *options) { o.log = log }
}

// WithWorkerTimeout converts workers still running after `d` into failures.
// the worker's context is cancelled, but the worker itself is not waited for.
// zero (the default) disables the timeout.
func WithWorkerTimeout(d time.Duration) Option {
	return func(o *options) { o.workerTimeout = d }
}

// WithMaxParallel bounds the number of workers running at the same time.
// zero (the default) launches all the workers at once.
func WithMaxParallel(n int) Option {
	return func(o *options) { o.maxParallel = n }
}

func WithMetrics(m *Metrics) Option {
	return func(o *options) { o.metrics = m }
}

func discardLog() *logrus.Entry {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logrus.NewEntry(logger)
}

// Run executes `target` in `workerCount` concurrent workers and returns
// everything the workers appended to the shared results, in append order.
//
// per-worker values in `args` (q.v. Args) must have at least `workerCount`
// elements. invalid worker count or short per-worker values fail the call
// before any worker is launched.
//
// a worker that returns an error or panics is recorded as failed and does not
// affect its siblings. Run() always waits for every worker to finish. if any
// of them failed, the results are discarded and an *AggregateError listing
// all the failures is returned instead.
func Run[T any](
	ctx context.Context, target Target[T], workerCount int, args Args, opts ...Option,
) ([]T, error) {
	if target == nil {
		return nil, ErrNilTarget
	}
	if workerCount < 1 {
		return nil, fmt.Errorf("%w, got %d", ErrInvalidWorkerCount, workerCount)
	}
	if err := args.validate(workerCount); err != nil {
		return nil, err
	}

	o := options{name: "run"}
	for _, opt := range opts {
		opt(&o)
	}
	if o.log == nil {
		o.log = discardLog()
	}
	log := o.log.WithFields(logrus.Fields{
		"run":     o.name,
		"workers": workerCount,
	})

	limit := o.maxParallel
	if limit <= 0 || limit > workerCount {
		limit = workerCount
	}

	var (
		results Results[T]
		errs    errorCollection
		eg      errgroup.Group
	)
	eg.SetLimit(limit)

	start := time.Now()
	log.WithField("max-parallel", limit).Debug("launching workers")
	for i := 0; i < workerCount; i++ {
		i := i
		wargs := args.forWorker(i)
		eg.Go(func() error {
			runWorker(ctx, &o, log.WithField("worker", i), target, i, &results, wargs, &errs)
			return nil
		})
	}
	// workers never report errors through the group, see runWorker().
	_ = eg.Wait()

	failures := errs.snapshot()
	log = log.WithField("took", time.Since(start).String())
	if len(failures) != 0 {
		err := &AggregateError{Failures: failures}
		log.WithField("failed", len(failures)).Warn("one or more concurrent tasks failed")
		o.metrics.observeRun(o.name, err)
		return nil, err
	}

	res := results.Snapshot()
	log.WithField("results", len(res)).Debug("all workers succeeded")
	o.metrics.observeRun(o.name, nil)
	return res, nil
}

// runWorker is the failure boundary of a single worker: whatever the target
// does ends up as either success or exactly one entry in `errs`.
func runWorker[T any](
	ctx context.Context, o *options, log *logrus.Entry, target Target[T],
	index int, results *Results[T], args Args, errs *errorCollection,
) {
	log.Debug("entry")
	start := time.Now()
	// clients called by the target log with the worker's fields:
	ctx = ctxlogrus.ToContext(ctx, log)

	err := invoke(ctx, o.workerTimeout, func(ctx context.Context) error {
		return target(ctx, index, results, args)
	})

	took := time.Since(start)
	o.metrics.observeWorker(o.name, took, err)
	if err != nil {
		we := &WorkerError{Index: index, Err: err}
		errs.add(we)
		log.WithFields(logrus.Fields{
			"took":  took.String(),
			"error": err.Error(),
		}).Warn("worker failed")
		return
	}
	log.WithField("took", took.String()).Debug("exit")
}

func invoke(ctx context.Context, timeout time.Duration, fn func(context.Context) error) error {
	if timeout <= 0 {
		return safeCall(ctx, fn)
	}

	wctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	done := make(chan error, 1)
	go func() {
		done <- safeCall(wctx, fn)
	}()

	select {
	case err := <-done:
		return err
	case <-wctx.Done():
	}
	// the worker may have finished right at the deadline:
	select {
	case err := <-done:
		return err
	default:
	}
	if ctx.Err() != nil {
		// not our timeout - the caller gave up, let the target notice.
		return <-done
	}
	return fmt.Errorf("%w after %s", ErrWorkerTimeout, timeout)
}

func safeCall(ctx context.Context, fn func(context.Context) error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &panicError{val: r}
		}
	}()
	return fn(ctx)
}
