// Copyright (C) 2016--2020 Lightbits Labs Ltd.
// SPDX-License-Identifier: Apache-2.0

package concurrent

import (
	"sync"
)

// Results is the collection shared by all the workers of a single run.
// appends are atomic, the order of the entries is the order of the appends.
type Results[T any] struct {
	mu    sync.Mutex
	items []T
}

func (r *Results[T]) Append(items ...T) {
	r.mu.Lock()
	r.items = append(r.items, items...)
	r.mu.Unlock()
}

func (r *Results[T]) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.items)
}

// Snapshot returns a copy of the entries collected so far.
func (r *Results[T]) Snapshot() []T {
	r.mu.Lock()
	defer r.mu.Unlock()
	res := make([]T, len(r.items))
	copy(res, r.items)
	return res
}

// errorCollection holds one failure per failed worker.
type errorCollection struct {
	mu       sync.Mutex
	failures []*WorkerError
}

func (c *errorCollection) add(we *WorkerError) {
	c.mu.Lock()
	c.failures = append(c.failures, we)
	c.mu.Unlock()
}

func (c *errorCollection) snapshot() []*WorkerError {
	c.mu.Lock()
	defer c.mu.Unlock()
	res := make([]*WorkerError, len(c.failures))
	copy(res, c.failures)
	return res
}
