// Copyright (C) 2016--2020 Lightbits Labs Ltd.
// SPDX-License-Identifier: Apache-2.0

package concurrent

import (
	"errors"
	"fmt"
	"strings"

	"github.com/hashicorp/go-multierror"
)

var (
	ErrInvalidWorkerCount = errors.New("worker count must be at least 1")
	ErrNilTarget          = errors.New("no target specified")

	// ErrWorkerTimeout is wrapped by the failures of workers that overstay
	// WithWorkerTimeout().
	ErrWorkerTimeout = errors.New("timed out")
)

// WorkerError is the failure of a single worker.
type WorkerError struct {
	Index int
	Err   error
}

func (e *WorkerError) Error() string {
	return fmt.Sprintf("Worker %d failed: %s", e.Index, e.Err)
}

func (e *WorkerError) Unwrap() error {
	return e.Err
}

// AggregateError is returned by Run() once all the workers are done and at
// least one of them failed. its message holds one line per failed worker,
// in the order the failures were recorded.
type AggregateError struct {
	Failures []*WorkerError
}

// workerLines is the multierror.ErrorFormatFunc of AggregateError.
func workerLines(errs []error) string {
	lines := make([]string, len(errs))
	for i, err := range errs {
		lines[i] = err.Error()
	}
	return strings.Join(lines, "\n")
}

// Multierror returns the failures as a *multierror.Error formatted the same
// way as the AggregateError itself.
func (e *AggregateError) Multierror() *multierror.Error {
	merr := &multierror.Error{ErrorFormat: workerLines}
	for _, f := range e.Failures {
		merr = multierror.Append(merr, f)
	}
	return merr
}

func (e *AggregateError) Error() string {
	return e.Multierror().Error()
}

// Unwrap exposes the individual worker errors to errors.Is() and errors.As().
func (e *AggregateError) Unwrap() []error {
	return e.Multierror().WrappedErrors()
}

// FailedWorkers returns the indices of the failed workers.
func (e *AggregateError) FailedWorkers() []int {
	res := make([]int, len(e.Failures))
	for i, f := range e.Failures {
		res[i] = f.Index
	}
	return res
}

// panicError is recorded for workers whose target panicked.
type panicError struct {
	val interface{}
}

func (e *panicError) Error() string {
	return fmt.Sprintf("panic: %v", e.val)
}
