// Copyright (C) 2016--2020 Lightbits Labs Ltd.
// SPDX-License-Identifier: Apache-2.0

package cinder

import (
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

func readToken(path string) (string, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return "", errors.Wrap(err, "failed to read token file")
	}
	token := strings.TrimSpace(string(b))
	if token == "" {
		return "", errors.Errorf("token file '%s' is empty", path)
	}
	return token, nil
}

// tokenWatcher re-reads a token file whenever it changes and passes the new
// token on to `set`. the parent directory is watched rather than the file
// itself so that atomic replacement (e.g. K8s secret volumes swapping
// symlinks) is noticed as well.
type tokenWatcher struct {
	path    string
	set     func(token string)
	log     *logrus.Entry
	watcher *fsnotify.Watcher
	done    chan struct{}
	once    sync.Once
}

func watchToken(log *logrus.Entry, path string, set func(string)) (*tokenWatcher, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, errors.Wrap(err, "failed to create token file watcher")
	}
	if err := watcher.Add(filepath.Dir(path)); err != nil {
		watcher.Close()
		return nil, errors.Wrapf(err, "failed to watch token file '%s'", path)
	}
	tw := &tokenWatcher{
		path:    filepath.Clean(path),
		set:     set,
		log:     log.WithField("token-path", path),
		watcher: watcher,
		done:    make(chan struct{}),
	}
	go tw.run()
	return tw, nil
}

func (tw *tokenWatcher) relevant(ev fsnotify.Event) bool {
	if ev.Has(fsnotify.Chmod) && !ev.Has(fsnotify.Write) {
		return false
	}
	name := filepath.Clean(ev.Name)
	// K8s secret volumes update '..data' symlink atomically:
	return name == tw.path || filepath.Base(name) == "..data"
}

func (tw *tokenWatcher) run() {
	defer close(tw.done)
	for {
		select {
		case ev, ok := <-tw.watcher.Events:
			if !ok {
				return
			}
			if !tw.relevant(ev) {
				continue
			}
			if ev.Has(fsnotify.Remove) && filepath.Clean(ev.Name) == tw.path {
				// the file may be recreated shortly, nothing to read yet.
				tw.log.Debug("token file removed")
				continue
			}
			token, err := readToken(tw.path)
			if err != nil {
				tw.log.WithError(err).Warn("failed to reload token")
				continue
			}
			tw.set(token)
			tw.log.WithField("op", ev.Op.String()).Infof("token reloaded, length: %d", len(token))
		case err, ok := <-tw.watcher.Errors:
			if !ok {
				return
			}
			tw.log.WithError(err).Error("token file watcher error")
		}
	}
}

func (tw *tokenWatcher) Close() {
	tw.once.Do(func() {
		if err := tw.watcher.Close(); err != nil {
			tw.log.WithError(err).Warn("failed to close token file watcher")
		}
		<-tw.done
	})
}
