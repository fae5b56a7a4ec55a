package reconciler

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/hashicorp/go-hclog"

	"github.com/olivpeter/compressorPro/pkg/batch"
	"github.com/olivpeter/compressorPro/pkg/library"
	"github.com/olivpeter/compressorPro/pkg/media"
	"github.com/olivpeter/compressorPro/pkg/metrics"
)

var ErrClosed = errors.New("reconciler closed")

const (
	TriggerAcquire  = "acquire"
	TriggerSettings = "settings"
)

type Config struct {
	Debounce time.Duration `json:"debounce"`
	Batch    batch.Config  `json:"batch"`
}

// Reconciler keeps every image's version set in step with the current
// settings. Settings changes are debounced into one pass that regenerates
// every format key each image already has, plus the current target.
// Results from a pass that was superseded by a newer generation are dropped.
type Reconciler struct {
	lib        *library.Library
	transcoder media.Transcoder
	executor   *batch.Executor
	logger     hclog.Logger
	metrics    *metrics.Metrics

	mu         sync.Mutex
	settings   Settings
	generation uint64
	genCtx     context.Context
	genCancel  context.CancelFunc
	closed     bool

	debounce *debouncer
	passes   *passTracker
}

func New(lib *library.Library, transcoder media.Transcoder, initial Settings, cfg Config, logger hclog.Logger, m *metrics.Metrics) (*Reconciler, error) {
	if err := initial.Validate(); err != nil {
		return nil, fmt.Errorf("initial settings: %w", err)
	}
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	if cfg.Debounce <= 0 {
		cfg.Debounce = 300 * time.Millisecond
	}

	genCtx, genCancel := context.WithCancel(context.Background())
	r := &Reconciler{
		lib:        lib,
		transcoder: transcoder,
		executor:   batch.NewExecutor(cfg.Batch),
		logger:     logger.Named("reconciler"),
		metrics:    m,
		settings:   initial,
		genCtx:     genCtx,
		genCancel:  genCancel,
		passes:     newPassTracker(),
	}
	r.debounce = newDebouncer(cfg.Debounce, r.startSettingsPass)
	return r, nil
}

// Settings returns the most recently set values, including any change
// still waiting out the debounce window.
func (r *Reconciler) Settings() Settings {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.settings
}

func (r *Reconciler) Generation() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.generation
}

func (r *Reconciler) SetQuality(q float64) error {
	return r.update(func(s *Settings) error {
		if err := validateQuality(q); err != nil {
			return err
		}
		s.Quality = q
		return nil
	})
}

func (r *Reconciler) SetResizeProfile(id string) error {
	return r.update(func(s *Settings) error {
		p, err := media.LookupProfile(id)
		if err != nil {
			return err
		}
		s.Resize = p
		return nil
	})
}

func (r *Reconciler) SetTargetFormat(name string) error {
	return r.update(func(s *Settings) error {
		f, err := media.ParseTargetFormat(name)
		if err != nil {
			return err
		}
		s.TargetFormat = f
		return nil
	})
}

// Apply replaces all three settings at once.
func (r *Reconciler) Apply(next Settings) error {
	if err := next.Validate(); err != nil {
		return err
	}
	return r.update(func(s *Settings) error {
		*s = next
		return nil
	})
}

func (r *Reconciler) update(fn func(*Settings) error) error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return ErrClosed
	}
	next := r.settings
	if err := fn(&next); err != nil {
		r.mu.Unlock()
		return err
	}
	r.settings = next
	r.mu.Unlock()

	r.logger.Debug("settings changed",
		"quality", next.Quality,
		"resize", next.Resize.ID,
		"format", next.TargetFormat)
	r.debounce.Trigger()
	return nil
}

// OnProcessingChange installs fn as the processing observer. fn runs
// synchronously and must not call back into the reconciler.
func (r *Reconciler) OnProcessingChange(fn func(processing bool)) {
	r.passes.setNotify(fn)
}

// Processing reports whether any pass is in flight.
func (r *Reconciler) Processing() bool {
	return r.passes.processing()
}

// Pending reports whether a settings change is waiting out the debounce.
func (r *Reconciler) Pending() bool {
	return r.debounce.Pending()
}

// Acquire adds each source to the library and transcodes it once with the
// current settings. It blocks until every transcode has settled and returns
// the new image ids in input order. Individual failures are logged and leave
// that image with an empty version set.
func (r *Reconciler) Acquire(ctx context.Context, sources []media.Source) ([]string, error) {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil, ErrClosed
	}
	s := r.settings
	gen, genCtx := r.generation, r.genCtx

	ids := make([]string, 0, len(sources))
	tasks := make([]task, 0, len(sources))
	for _, src := range sources {
		id := r.lib.AddImage(src.Data, src.MIME, src.Name)
		ids = append(ids, id)
		tasks = append(tasks, task{
			imageID: id,
			source:  src,
			request: s.request(s.TargetFormat),
		})
	}
	if len(tasks) > 0 {
		r.passes.begin()
	}
	r.mu.Unlock()

	r.metrics.SetLibraryImages(r.lib.Len())
	if len(tasks) == 0 {
		return ids, nil
	}
	defer r.passes.end()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(genCtx, cancel)
	defer stop()

	r.run(ctx, gen, TriggerAcquire, tasks)
	return ids, nil
}

// Flush starts a pending settings pass now instead of waiting for the
// debounce window. It reports whether a pass was pending.
func (r *Reconciler) Flush() bool {
	return r.debounce.Flush()
}

// Wait blocks until no pass is in flight or ctx is done.
func (r *Reconciler) Wait(ctx context.Context) error {
	select {
	case <-r.passes.idleCh():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Settle flushes any pending settings change and waits for it.
func (r *Reconciler) Settle(ctx context.Context) error {
	r.Flush()
	return r.Wait(ctx)
}

// Clear empties the library. In-flight results are discarded.
func (r *Reconciler) Clear() {
	r.mu.Lock()
	gen, _ := r.advanceLocked()
	r.lib.Clear()
	r.mu.Unlock()

	r.metrics.SetLibraryImages(0)
	r.logger.Debug("generation advanced by clear", "generation", gen)
}

// Close drops any pending settings change, cancels in-flight passes and
// waits for them to unwind.
func (r *Reconciler) Close(ctx context.Context) error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	r.genCancel()
	r.mu.Unlock()

	r.debounce.Stop()
	return r.Wait(ctx)
}

// advanceLocked starts a new generation and cancels the previous one.
func (r *Reconciler) advanceLocked() (uint64, context.Context) {
	r.genCancel()
	r.generation++
	r.genCtx, r.genCancel = context.WithCancel(context.Background())
	return r.generation, r.genCtx
}

func (r *Reconciler) startSettingsPass() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	s := r.settings
	gen, ctx := r.advanceLocked()
	tasks := planSettingsPass(r.lib.Images(), r.lib.KnownFormatKeys, s)
	if len(tasks) > 0 {
		r.passes.begin()
	}
	r.mu.Unlock()

	if len(tasks) == 0 {
		r.logger.Debug("settings pass skipped, library empty", "generation", gen)
		return
	}

	go func() {
		defer r.passes.end()
		r.run(ctx, gen, TriggerSettings, tasks)
	}()
}

type task struct {
	imageID string
	source  media.Source
	request media.EncodingRequest
}

// planSettingsPass builds one task per (image, format key). The keys are the
// ones the image already has plus the key the current target resolves to.
// The current key is requested with the target format itself so that
// "original" keeps tracking the source type.
func planSettingsPass(images []*library.SourceImage, known func(id string) []string, s Settings) []task {
	var tasks []task
	for _, img := range images {
		current := media.KeyFor(s.TargetFormat, img.MIME)

		keys := map[string]struct{}{current: {}}
		for _, k := range known(img.ID) {
			keys[k] = struct{}{}
		}
		sorted := make([]string, 0, len(keys))
		for k := range keys {
			sorted = append(sorted, k)
		}
		sort.Strings(sorted)

		src := img.Source()
		for _, key := range sorted {
			format := media.RequestFor(key)
			if key == current {
				format = s.TargetFormat
			}
			tasks = append(tasks, task{
				imageID: img.ID,
				source:  src,
				request: s.request(format),
			})
		}
	}
	return tasks
}

type outcome int

const (
	applied outcome = iota
	failed
	stale
)

func (r *Reconciler) run(ctx context.Context, gen uint64, trigger string, tasks []task) {
	start := time.Now()
	r.metrics.ObservePass(trigger)
	r.logger.Debug("pass started", "trigger", trigger, "generation", gen, "tasks", len(tasks))

	results := batch.Run(ctx, r.executor, tasks, func(ctx context.Context, t task) (outcome, error) {
		return r.transcodeAndMerge(ctx, gen, t)
	})

	var ok, bad, dropped int
	for _, res := range results {
		switch {
		case res.Err != nil:
			bad++
		case res.Value == stale:
			dropped++
		default:
			ok++
		}
	}

	r.logger.Info("pass finished",
		"trigger", trigger,
		"generation", gen,
		"applied", ok,
		"failed", bad,
		"stale", dropped,
		"elapsed", time.Since(start))
}

func (r *Reconciler) transcodeAndMerge(ctx context.Context, gen uint64, t task) (outcome, error) {
	start := time.Now()
	v, err := r.transcoder.Transcode(ctx, t.source, t.request)
	label := media.KeyFor(t.request.Format, t.source.MIME)
	r.metrics.ObserveTranscode(label, time.Since(start), err)

	if err != nil {
		if ctx.Err() != nil {
			r.logger.Debug("transcode cancelled", "image", t.source.Name, "format", label)
		} else {
			r.logger.Warn("transcode failed", "image", t.source.Name, "format", label, "generation", gen, "error", err)
		}
		return failed, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if gen != r.generation {
		r.metrics.ObserveStale()
		r.logger.Debug("dropping stale result",
			"image", t.source.Name,
			"format", v.Format,
			"generation", gen,
			"current", r.generation)
		return stale, nil
	}
	if err := r.lib.SetVersion(t.imageID, v.Format, v); err != nil {
		// The image was removed while its transcode ran.
		r.logger.Debug("discarding result", "image", t.source.Name, "error", err)
		return stale, nil
	}
	return applied, nil
}
