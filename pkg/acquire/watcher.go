package acquire

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/hashicorp/go-hclog"

	"github.com/olivpeter/compressorPro/pkg/media"
)

const DefaultSettleDelay = 500 * time.Millisecond

// Watcher turns files dropped into a folder into sources. Each path is
// loaded once writes to it have been quiet for the settle delay.
type Watcher struct {
	dir     string
	delay   time.Duration
	loader  *Loader
	fs      *fsnotify.Watcher
	logger  hclog.Logger
	sources chan media.Source
	done    chan struct{}

	mu       sync.Mutex
	pending  map[string]*time.Timer
	closed   bool
	inflight sync.WaitGroup
	loop     sync.WaitGroup
}

func NewWatcher(dir string, delay time.Duration, loader *Loader, logger hclog.Logger) (*Watcher, error) {
	if delay <= 0 {
		delay = DefaultSettleDelay
	}
	if logger == nil {
		logger = hclog.NewNullLogger()
	}

	fsWatcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create fsnotify watcher: %w", err)
	}
	if err := fsWatcher.Add(dir); err != nil {
		_ = fsWatcher.Close()
		return nil, fmt.Errorf("failed to watch folder %s: %w", dir, err)
	}

	w := &Watcher{
		dir:     dir,
		delay:   delay,
		loader:  loader,
		fs:      fsWatcher,
		logger:  logger.Named("watcher"),
		sources: make(chan media.Source, 16),
		done:    make(chan struct{}),
		pending: make(map[string]*time.Timer),
	}

	w.loop.Add(1)
	go w.processEvents()

	w.logger.Info("watching folder", "dir", dir)
	return w, nil
}

// Sources yields loaded images. It is closed by Close.
func (w *Watcher) Sources() <-chan media.Source {
	return w.sources
}

func (w *Watcher) processEvents() {
	defer w.loop.Done()

	for {
		select {
		case event, ok := <-w.fs.Events:
			if !ok {
				return
			}
			if !event.Has(fsnotify.Create) && !event.Has(fsnotify.Write) {
				continue
			}
			if strings.HasPrefix(filepath.Base(event.Name), ".") {
				continue
			}
			w.schedule(event.Name)

		case err, ok := <-w.fs.Errors:
			if !ok {
				return
			}
			w.logger.Warn("watcher error", "error", err)
		}
	}
}

func (w *Watcher) schedule(path string) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return
	}
	if timer, exists := w.pending[path]; exists {
		timer.Stop()
	}
	w.pending[path] = time.AfterFunc(w.delay, func() { w.handle(path) })
}

func (w *Watcher) handle(path string) {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return
	}
	delete(w.pending, path)
	w.inflight.Add(1)
	w.mu.Unlock()
	defer w.inflight.Done()

	src, err := w.loader.Load(path)
	switch {
	case errors.Is(err, ErrNotImage):
		w.logger.Debug("ignoring non-image file", "path", path)
		return
	case err != nil:
		w.logger.Warn("failed to load dropped file", "path", path, "error", err)
		return
	}

	select {
	case w.sources <- src:
	case <-w.done:
	}
}

func (w *Watcher) Close() error {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return nil
	}
	w.closed = true
	for path, timer := range w.pending {
		timer.Stop()
		delete(w.pending, path)
	}
	w.mu.Unlock()

	close(w.done)
	err := w.fs.Close()
	w.loop.Wait()
	w.inflight.Wait()
	close(w.sources)
	return err
}
