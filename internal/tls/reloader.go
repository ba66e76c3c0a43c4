package tls

import (
	"context"
	"crypto/tls"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/atomic"
	"go.uber.org/multierr"

	"github.com/polisai/polis-mqtls/pkg/config"
)

const defaultReloadDebounce = time.Second

// Reloader builds a new SocketFactory whenever a store file changes. Each
// factory stays immutable; only the factory returned by Current changes. A
// failed rebuild keeps the previous factory.
type Reloader struct {
	cfg     config.SocketFactoryConfig
	opts    []Option
	current *atomic.Pointer[SocketFactory]

	watcher  *fsnotify.Watcher
	files    map[string]struct{}
	targets  map[string]string
	logger   *TLSLogger
	debounce time.Duration
	onReload func(*SocketFactory)

	stopCh    chan struct{}
	doneCh    chan struct{}
	started   atomic.Bool
	startOnce sync.Once
	closeOnce sync.Once
}

// ReloaderOption customises a Reloader.
type ReloaderOption func(*Reloader)

// WithDebounce sets how long the reloader waits for writes to settle.
func WithDebounce(d time.Duration) ReloaderOption {
	return func(r *Reloader) {
		r.debounce = d
	}
}

// WithReloadCallback is invoked with every successfully built factory.
func WithReloadCallback(fn func(*SocketFactory)) ReloaderOption {
	return func(r *Reloader) {
		r.onReload = fn
	}
}

// WithFactoryOptions passes options to every factory the reloader builds.
func WithFactoryOptions(opts ...Option) ReloaderOption {
	return func(r *Reloader) {
		r.opts = append(r.opts, opts...)
	}
}

// NewReloader builds the initial factory and prepares a watcher on the store
// files. Construction fails when the initial factory cannot be built.
func NewReloader(cfg config.SocketFactoryConfig, opts ...ReloaderOption) (*Reloader, error) {
	r := &Reloader{
		cfg:      cfg,
		files:    make(map[string]struct{}),
		targets:  make(map[string]string),
		debounce: defaultReloadDebounce,
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(r)
	}

	r.logger = NewTLSLogger(newFactoryOptions(r.opts).logger)

	factory, err := NewSocketFactory(cfg, r.opts...)
	if err != nil {
		return nil, err
	}
	r.current = atomic.NewPointer(factory)

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, NewTLSErrorWithCause(ErrorTypeFileWatching, "failed to create store watcher", err)
	}
	r.watcher = watcher

	paths := []string{cfg.TrustStore.Path}
	if cfg.KeyStore != nil && cfg.KeyStore.Path != "" {
		paths = append(paths, cfg.KeyStore.Path)
	}

	dirs := make(map[string]struct{})
	for _, path := range paths {
		clean := filepath.Clean(path)
		r.files[clean] = struct{}{}
		r.targets[clean] = resolveTarget(clean)
		dirs[filepath.Dir(clean)] = struct{}{}
	}

	// Directories are watched so that atomic replacements are seen.
	for dir := range dirs {
		if err := watcher.Add(dir); err != nil {
			_ = watcher.Close()
			return nil, NewTLSErrorWithCause(ErrorTypeFileWatching, "failed to watch store directory", err).
				WithContext("directory", dir)
		}
	}

	return r, nil
}

// Current returns the most recently built factory.
func (r *Reloader) Current() *SocketFactory {
	return r.current.Load()
}

// Dial opens a connection through the current factory. Connections already
// open keep the material they were handshaken with.
func (r *Reloader) Dial(host string, port int) (*tls.Conn, error) {
	return r.Current().Dial(host, port)
}

// Reload rebuilds the factory from the stores on disk.
func (r *Reloader) Reload() error {
	factory, err := NewSocketFactory(r.cfg, r.opts...)
	if err != nil {
		return err
	}
	r.current.Store(factory)
	if r.onReload != nil {
		r.onReload(factory)
	}
	return nil
}

// Start begins watching until ctx is done or Close is called.
func (r *Reloader) Start(ctx context.Context) {
	r.startOnce.Do(func() {
		r.started.Store(true)
		go r.watchLoop(ctx)
	})
}

// Close stops the watcher and waits for the watch loop to exit.
func (r *Reloader) Close() error {
	var err error
	r.closeOnce.Do(func() {
		close(r.stopCh)
		// Prevents a later Start from launching a loop.
		r.startOnce.Do(func() {})
		if r.started.Load() {
			<-r.doneCh
		}
		err = multierr.Append(err, r.watcher.Close())
	})
	return err
}

func (r *Reloader) watchLoop(ctx context.Context) {
	defer close(r.doneCh)

	var timer *time.Timer
	var timerC <-chan time.Time
	var trigger string

	for {
		select {
		case <-ctx.Done():
			return
		case <-r.stopCh:
			return
		case event, ok := <-r.watcher.Events:
			if !ok {
				return
			}
			if _, watched := r.files[filepath.Clean(event.Name)]; watched {
				if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
					continue
				}
				trigger = event.Name
			} else if path, ok := r.relinked(); ok {
				// A symlink the store path goes through was swapped.
				trigger = path
			} else {
				continue
			}
			if timer == nil {
				timer = time.NewTimer(r.debounce)
			} else {
				timer.Reset(r.debounce)
			}
			timerC = timer.C
		case err, ok := <-r.watcher.Errors:
			if !ok {
				return
			}
			r.logger.Logger().Error("Store watcher error", "error", err)
		case <-timerC:
			timerC = nil
			r.logger.LogReload(ctx, trigger, r.Reload())
		}
	}
}

// relinked re-resolves every store path and reports one whose target
// changed. Only the watch loop calls it.
func (r *Reloader) relinked() (string, bool) {
	changed := ""
	for path, target := range r.targets {
		if now := resolveTarget(path); now != target {
			r.targets[path] = now
			changed = path
		}
	}
	return changed, changed != ""
}

// resolveTarget follows symlinks in path. A path that cannot be resolved,
// for instance mid-swap, maps to itself.
func resolveTarget(path string) string {
	resolved, err := filepath.EvalSymlinks(path)
	if err != nil {
		return path
	}
	return resolved
}
