// Copyright (c) 2019 devblok
//
// This software is released under the MIT License.
// https://opensource.org/licenses/MIT

package asset

import (
	"io/fs"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	log "github.com/sirupsen/logrus"
)

// DefaultSettle is how long the watcher waits for a burst of file events
// to end before reporting it.
const DefaultSettle = 50 * time.Millisecond

// WatcherOption configures a Watcher.
type WatcherOption func(*Watcher)

// WithSettle sets the quiet period that ends a burst of events.
func WithSettle(d time.Duration) WatcherOption {
	return func(w *Watcher) {
		w.settle = d
	}
}

// WithWatcherLogger sets the logger used by the watcher.
func WithWatcherLogger(l log.FieldLogger) WatcherOption {
	return func(w *Watcher) {
		w.log = l
	}
}

// Watcher reports changed assets below a DirSource. Events are collected
// until the directory has been quiet for the settle period and then
// delivered as one sorted batch of asset names.
type Watcher struct {
	source  *DirSource
	watcher *fsnotify.Watcher
	settle  time.Duration
	log     log.FieldLogger

	changes chan []string
	done    chan struct{}
	once    sync.Once
	wg      sync.WaitGroup
}

// NewWatcher starts watching every directory of source.
func NewWatcher(source *DirSource, options ...WatcherOption) (*Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	w := &Watcher{
		source:  source,
		watcher: fw,
		settle:  DefaultSettle,
		log:     log.StandardLogger(),
		changes: make(chan []string),
		done:    make(chan struct{}),
	}
	for _, opt := range options {
		opt(w)
	}
	w.log = w.log.WithFields(log.Fields{"component": "asset", "root": source.Root()})

	if err := w.addTree(source.Root()); err != nil {
		fw.Close()
		return nil, err
	}

	w.wg.Add(1)
	go w.loop()
	return w, nil
}

// Changes delivers batches of changed asset names. It is closed by Close.
func (w *Watcher) Changes() <-chan []string {
	return w.changes
}

// Close stops watching.
func (w *Watcher) Close() error {
	var err error
	w.once.Do(func() {
		close(w.done)
		err = w.watcher.Close()
		w.wg.Wait()
		close(w.changes)
	})
	return err
}

func (w *Watcher) addTree(root string) error {
	return filepath.WalkDir(root, func(p string, e fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if e.IsDir() {
			return w.watcher.Add(p)
		}
		return nil
	})
}

func (w *Watcher) loop() {
	defer w.wg.Done()

	pending := make(map[string]struct{})
	timer := time.NewTimer(w.settle)
	timer.Stop()

	for {
		select {
		case <-w.done:
			timer.Stop()
			return
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.log.WithError(err).Warn("watch error")
		case ev, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if name, ok := w.handle(ev); ok {
				pending[name] = struct{}{}
				timer.Reset(w.settle)
			}
		case <-timer.C:
			if len(pending) == 0 {
				continue
			}
			batch := make([]string, 0, len(pending))
			for name := range pending {
				batch = append(batch, name)
			}
			sort.Strings(batch)
			pending = make(map[string]struct{})

			w.log.WithField("assets", len(batch)).Debug("assets changed")
			select {
			case w.changes <- batch:
			case <-w.done:
				return
			}
		}
	}
}

// handle translates one event into an asset name. New directories are
// watched as well.
func (w *Watcher) handle(ev fsnotify.Event) (string, bool) {
	if ev.Has(fsnotify.Chmod) && !ev.Has(fsnotify.Write) {
		return "", false
	}
	if ev.Has(fsnotify.Create) {
		if w.source.hasDir(ev.Name) {
			if err := w.addTree(ev.Name); err != nil {
				w.log.WithError(err).WithField("dir", ev.Name).Warn("cannot watch directory")
			}
			return "", false
		}
	}
	rel, err := filepath.Rel(w.source.Root(), ev.Name)
	if err != nil {
		return "", false
	}
	return filepath.ToSlash(rel), true
}
