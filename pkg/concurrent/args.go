// Copyright (C) 2016--2020 Lightbits Labs Ltd.
// SPDX-License-Identifier: Apache-2.0

package concurrent

import (
	"fmt"
	"reflect"
	"sort"
)

// Args are keyword arguments of a concurrent run. slice and array values are
// per-worker: worker `i` gets element `i`. all other values (strings and byte
// slices included) are shared and handed to every worker as is.
type Args map[string]interface{}

// ArgError reports a per-worker argument that has fewer elements than there
// are workers.
type ArgError struct {
	Key         string
	Len         int
	WorkerCount int
}

func (e *ArgError) Error() string {
	return fmt.Sprintf("per-worker argument '%s' has %d elements, %d workers requested",
		e.Key, e.Len, e.WorkerCount)
}

func isPerWorker(v interface{}) (reflect.Value, bool) {
	if v == nil {
		return reflect.Value{}, false
	}
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Slice:
		if rv.Type().Elem().Kind() == reflect.Uint8 {
			return reflect.Value{}, false
		}
		return rv, true
	case reflect.Array:
		return rv, true
	}
	return reflect.Value{}, false
}

// validate checks that every per-worker value covers `workerCount` workers.
// keys are checked in sorted order to keep the reported error stable.
func (a Args) validate(workerCount int) error {
	keys := make([]string, 0, len(a))
	for k := range a {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		if rv, ok := isPerWorker(a[k]); ok && rv.Len() < workerCount {
			return &ArgError{Key: k, Len: rv.Len(), WorkerCount: workerCount}
		}
	}
	return nil
}

// forWorker builds a fresh argument set for worker `index`. callers must
// have validated the receiver first.
func (a Args) forWorker(index int) Args {
	res := make(Args, len(a))
	for k, v := range a {
		if rv, ok := isPerWorker(v); ok {
			res[k] = rv.Index(index).Interface()
		} else {
			res[k] = v
		}
	}
	return res
}

// Has reports whether `key` was passed at all.
func (a Args) Has(key string) bool {
	_, ok := a[key]
	return ok
}

// String returns the string value of `key`, or "" if it is missing or of a
// different type.
func (a Args) String(key string) string {
	s, _ := a[key].(string)
	return s
}

// Int returns the int value of `key`, or `def` if it is missing or of a
// different type.
func (a Args) Int(key string, def int) int {
	if n, ok := a[key].(int); ok {
		return n
	}
	return def
}

// Bool returns the bool value of `key`, false if it is missing.
func (a Args) Bool(key string) bool {
	b, _ := a[key].(bool)
	return b
}
