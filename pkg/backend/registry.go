// Copyright (C) 2021 Lightbits Labs Ltd.
// SPDX-License-Identifier: Apache-2.0

package backend

import (
	"fmt"
	"regexp"
	"sort"
	"sync"

	"github.com/sirupsen/logrus"
)

type MakerFn func(log *logrus.Entry, rawCfg []byte) (Backend, error)

var (
	regMu       sync.RWMutex
	beRegistry  = make(map[string]MakerFn)
	beTypeRegex = regexp.MustCompile(beTypeTemplate)
)

const (
	beTypeTemplate = `^[a-z]([a-z0-9-]{0,30}[a-z0-9])?$`
)

// Register registers backend constructors with the backend factory.
// backends are expected to call it from their init() functions. `beType` must
// comply with `beTypeTemplate`.
//
// it will panic if a caller attempts to register a duplicate or an invalid
// `beType`.
func Register(beType string, maker MakerFn) {
	if !beTypeRegex.MatchString(beType) {
		panic(fmt.Sprintf("attempt to register invalid backend type '%s', "+
			"name must comply with template: '%s'", beType, beTypeTemplate))
	}
	regMu.Lock()
	defer regMu.Unlock()
	if _, ok := beRegistry[beType]; ok {
		panic(fmt.Sprintf("attempt to register backend type '%s' more than once", beType))
	}
	beRegistry[beType] = maker
}

// Make instantiates a backend of type `beType` from its raw YAML config. the
// result is wrapped in a call-logging Wrapper.
func Make(beType string, log *logrus.Entry, rawCfg []byte) (Backend, error) {
	regMu.RLock()
	maker, ok := beRegistry[beType]
	regMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("unsupported backend type: '%s'", beType)
	}
	return NewWrapper(beType, maker, log, rawCfg)
}

// List returns the registered backend types, sorted.
func List() []string {
	regMu.RLock()
	defer regMu.RUnlock()
	res := make([]string, 0, len(beRegistry))
	for k := range beRegistry {
		res = append(res, k)
	}
	sort.Strings(res)
	return res
}
