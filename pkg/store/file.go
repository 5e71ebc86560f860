package store

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"sync"

	"git.sr.ht/~jakintosh/atlantark/internal/atomicfile"
	"git.sr.ht/~jakintosh/atlantark/internal/watch"
	"go.uber.org/zap"
)

// File is a Backend holding a single JSON document on disk. Every Get
// reads the file, so changes made by another process are visible.
type File struct {
	path  string
	seal  *sealer
	log   *zap.Logger
	mu    sync.Mutex
	last  []byte
	watch []watch.Option
}

type FileOption func(*File) error

// WithSealKey encrypts the document at rest with a 32-byte key.
func WithSealKey(key []byte) FileOption {
	return func(f *File) error {
		if len(key) == 0 {
			return nil
		}
		s, err := newSealer(key)
		if err != nil {
			return err
		}
		f.seal = s
		return nil
	}
}

func WithFileLogger(l *zap.Logger) FileOption {
	return func(f *File) error {
		if l != nil {
			f.log = l
		}
		return nil
	}
}

// WithWatchOptions passes options through to the file watcher.
func WithWatchOptions(opts ...watch.Option) FileOption {
	return func(f *File) error {
		f.watch = append(f.watch, opts...)
		return nil
	}
}

func NewFile(path string, opts ...FileOption) (*File, error) {
	f := &File{path: path, log: zap.NewNop()}
	for _, opt := range opts {
		if err := opt(f); err != nil {
			return nil, err
		}
	}
	return f, nil
}

func (f *File) Path() string { return f.path }

func (f *File) Get(_ context.Context, keys ...string) (map[string]string, error) {
	f.mu.Lock()
	doc, err := f.load()
	f.mu.Unlock()
	if err != nil {
		return nil, err
	}

	out := make(map[string]string, len(keys))
	for _, k := range keys {
		if v, ok := doc[k]; ok {
			out[k] = v
		}
	}
	return out, nil
}

func (f *File) Put(_ context.Context, set map[string]string, remove ...string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	doc, err := f.load()
	if err != nil {
		return err
	}
	for _, k := range remove {
		delete(doc, k)
	}
	for k, v := range set {
		doc[k] = v
	}

	data, err := json.Marshal(doc)
	if err != nil {
		return err
	}
	if f.seal != nil {
		if data, err = f.seal.seal(data); err != nil {
			return err
		}
	}
	if err := atomicfile.Write(f.path, data, 0o600); err != nil {
		return fmt.Errorf("write %s: %w", f.path, err)
	}
	f.last = data
	return nil
}

func (f *File) Close() error { return nil }

// Watch calls fn when the file changes through something other than this
// backend. It blocks until ctx is done.
func (f *File) Watch(ctx context.Context, fn func()) error {
	w := watch.New(f.path, append([]watch.Option{watch.WithLogger(f.log)}, f.watch...)...)
	return w.Run(ctx, func() {
		if f.isOwnWrite() {
			return
		}
		f.log.Debug("credential file changed externally", zap.String("path", f.path))
		fn()
	})
}

func (f *File) isOwnWrite() bool {
	f.mu.Lock()
	defer f.mu.Unlock()

	data, err := os.ReadFile(f.path)
	if err != nil {
		// removal by another process is a change
		return false
	}
	return f.last != nil && bytes.Equal(data, f.last)
}

// load must be called with mu held.
func (f *File) load() (map[string]string, error) {
	doc := map[string]string{}

	data, err := os.ReadFile(f.path)
	if errors.Is(err, fs.ErrNotExist) {
		return doc, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", f.path, err)
	}
	if len(bytes.TrimSpace(data)) == 0 {
		return doc, nil
	}

	if f.seal != nil {
		if data, err = f.seal.open(data); err != nil {
			return nil, err
		}
	}
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("decode %s: %w", f.path, err)
	}
	return doc, nil
}
