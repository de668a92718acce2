// Copyright (C) 2021 Lightbits Labs Ltd.
// SPDX-License-Identifier: Apache-2.0

package backend

import (
	"context"
	"sync/atomic"

	"github.com/sirupsen/logrus"

	"github.com/lightbitslabs/cinder-conformance/pkg/blockstorage"
	"github.com/lightbitslabs/cinder-conformance/pkg/grpcutil"
)

type Wrapper struct {
	be Backend

	// callID is used only to correlate log entries. incremented upon entry
	// into each wrapped method.
	callID uint64

	log *logrus.Entry
}

func NewWrapper(beType string, mkBE MakerFn, log *logrus.Entry, rawCfg []byte) (Backend, error) {
	log = log.WithField("backend", beType)
	be, err := mkBE(log, rawCfg)
	if err != nil {
		return nil, err
	}
	log.WithField("profiles", be.Profiles()).Info("backend ready")
	return &Wrapper{
		be:  be,
		log: log,
	}, nil
}

func (w *Wrapper) Type() string {
	return w.be.Type()
}

func (w *Wrapper) Profiles() []string {
	return w.be.Profiles()
}

func (w *Wrapper) Dial(ctx context.Context, profile string) (blockstorage.Client, error) {
	log := w.log.WithFields(logrus.Fields{
		"method":  "Dial",
		"profile": profile,
		"call-id": atomic.AddUint64(&w.callID, 1),
	})
	log.Debug("entry")

	clnt, err := w.be.Dial(ctx, profile)
	if err != nil {
		code := grpcutil.Code(err)
		log.WithFields(logrus.Fields{
			"code":  code,
			"error": err.Error(),
		}).Log(grpcutil.CodeToLogrusLevel(code), "failed to dial block-storage API")
		return nil, err
	}

	log.WithField("clnt-id", clnt.ID()).Info("dialled block-storage API")
	return clnt, nil
}

func (w *Wrapper) Close() error {
	err := w.be.Close()
	if err != nil {
		w.log.WithError(err).Warn("failed to close backend")
	}
	return err
}

// Unwrap returns the backend wrapped by `w`.
func (w *Wrapper) Unwrap() Backend {
	return w.be
}
