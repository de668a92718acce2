// Copyright (C) 2016--2020 Lightbits Labs Ltd.
// SPDX-License-Identifier: Apache-2.0

package wait

import (
	"context"
	"time"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/lightbitslabs/cinder-conformance/pkg/grpcutil"
)

type CondFunc func(ctx context.Context) (done bool, err error)

type Backoff struct {
	Delay      time.Duration // initial delay between retries
	Factor     float64       // increase/decrease delay by this factor each step
	DelayLimit time.Duration // retry delay upper/lower bound
	Retries    int           // if unsuccessful - abort after this many retries
}

// Constant returns a Backoff polling every `interval` for up to `timeout`,
// i.e. the classic "build interval / build timeout" pair. at least one
// attempt is always made.
func Constant(interval, timeout time.Duration) Backoff {
	retries := 1
	if interval > 0 {
		retries = int(timeout/interval) + 1
	}
	return Backoff{Delay: interval, Factor: 1.0, Retries: retries}
}

// Timeout returns the approximate upper bound of time spent sleeping
// between attempts.
func (opts Backoff) Timeout() time.Duration {
	factor := opts.Factor
	if factor <= 0 {
		factor = 1.0
	}
	var total time.Duration
	delay := opts.Delay
	for i := 1; i < opts.Retries; i++ {
		total += delay
		delay = time.Duration(factor * float64(delay))
		if opts.DelayLimit > 0 && factor > 1.0 && delay > opts.DelayLimit {
			delay = opts.DelayLimit
		}
	}
	return total
}

// WithExponentialBackoff repeatedly invokes the function `fn` with
// exponentially growing/shrinking delay between the calls, until `fn` reports
// that it's done, or until it returns an error, or until a specified maximum
// number of retries, or until `ctx` is done. running out of retries results in
// a Status with `DeadlineExceeded` code, `ctx` expiry or cancellation - in the
// corresponding Status (q.v. grpcutil.ErrFromCtxErr()).
//
// see Backoff documentation of individual `opts` field definitions.
//
// if opts.Delay is not positive - no delay will be introduced between fn()
// invocations. otherwise, the delay will be bounded by opts.DelayLimit, if the
// latter is specified.
//
// if opts.Factor is not positive - the delay introduced will be constant, i.e.
// effective factor of 1.0. if 0 < opts.Factor < 1, the delay introduced will
// be shrinking, otherwise it'll be growing.
//
// if opts.Retries is not positive - `fn` will not be invoked at all.
func WithExponentialBackoff(ctx context.Context, opts Backoff, fn CondFunc) error {
	if opts.Factor <= 0 {
		opts.Factor = 1.0
	}
	if opts.DelayLimit < 0 {
		opts.DelayLimit = 0
	}
	if opts.DelayLimit != 0 &&
		(opts.DelayLimit < opts.Delay && opts.Factor > 1.0 ||
			opts.DelayLimit > opts.Delay && opts.Factor < 1.0) {
		opts.Delay = opts.DelayLimit
	}

	delay := opts.Delay
	for i := 0; i < opts.Retries; i++ {
		if i != 0 {
			if err := sleep(ctx, delay); err != nil {
				return err
			}
			delay = time.Duration(opts.Factor * float64(delay))
			if opts.DelayLimit != 0 &&
				opts.Factor > 1.0 && delay > opts.DelayLimit ||
				opts.Factor < 1.0 && delay < opts.DelayLimit {
				delay = opts.DelayLimit
			}
		}
		if ok, err := fn(ctx); err != nil || ok {
			return err
		}
	}

	return status.Error(codes.DeadlineExceeded, "timed out")
}

func WithRetries(ctx context.Context, retries int, delay time.Duration, fn CondFunc) error {
	opts := Backoff{Delay: delay, Retries: retries}
	return WithExponentialBackoff(ctx, opts, fn)
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		if err := ctx.Err(); err != nil {
			return grpcutil.ErrFromCtxErr(err)
		}
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return grpcutil.ErrFromCtxErr(ctx.Err())
	case <-t.C:
		return nil
	}
}
