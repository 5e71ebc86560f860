// Package watch reports changes to a single file, debounced so an editor's
// burst of write/rename/chmod events yields one callback.
package watch

import (
	"context"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

const DefaultDebounce = 500 * time.Millisecond

type Watcher struct {
	path     string
	debounce time.Duration
	log      *zap.Logger
}

type Option func(*Watcher)

func WithDebounce(d time.Duration) Option {
	return func(w *Watcher) { w.debounce = d }
}

func WithLogger(l *zap.Logger) Option {
	return func(w *Watcher) {
		if l != nil {
			w.log = l
		}
	}
}

func New(path string, opts ...Option) *Watcher {
	w := &Watcher{
		path:     filepath.Clean(path),
		debounce: DefaultDebounce,
		log:      zap.NewNop(),
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Run watches the file's directory and calls fn after changes to the file
// settle. Atomic writers replace the file by rename, so the directory is
// watched rather than the file itself. Run blocks until ctx is done.
func (w *Watcher) Run(ctx context.Context, fn func()) error {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer fsw.Close()

	if err := fsw.Add(filepath.Dir(w.path)); err != nil {
		return err
	}

	reload := make(chan struct{}, 1)
	go w.schedule(ctx, reload, fn)

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-fsw.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != w.path {
				continue
			}
			if event.Has(fsnotify.Write) || event.Has(fsnotify.Create) ||
				event.Has(fsnotify.Remove) || event.Has(fsnotify.Rename) {
				select {
				case reload <- struct{}{}:
				default:
				}
			}
		case err, ok := <-fsw.Errors:
			if !ok {
				return nil
			}
			w.log.Warn("file watcher error", zap.String("path", w.path), zap.Error(err))
		}
	}
}

func (w *Watcher) schedule(ctx context.Context, reload <-chan struct{}, fn func()) {
	var timer *time.Timer
	var c <-chan time.Time
	for {
		select {
		case <-ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			return
		case <-reload:
			if timer != nil {
				timer.Reset(w.debounce)
			} else {
				timer = time.NewTimer(w.debounce)
				c = timer.C
			}
		case <-c:
			c = nil
			timer = nil
			fn()
		}
	}
}
