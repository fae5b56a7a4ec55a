package reconciler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/olivpeter/compressorPro/pkg/batch"
	"github.com/olivpeter/compressorPro/pkg/library"
	"github.com/olivpeter/compressorPro/pkg/media"
	"github.com/olivpeter/compressorPro/pkg/metrics"
)

// fakeTranscoder produces a version whose payload records the request, so
// tests can tell which settings a stored version came from.
type fakeTranscoder struct {
	mu    sync.Mutex
	calls []media.EncodingRequest

	// hold blocks matching requests until release is closed. Held requests
	// ignore cancellation, like a transcode that finishes after it was
	// superseded.
	hold    func(media.EncodingRequest) bool
	release chan struct{}
	entered chan media.EncodingRequest

	fail map[media.Format]error
}

func (f *fakeTranscoder) Transcode(_ context.Context, src media.Source, req media.EncodingRequest) (*media.Version, error) {
	f.mu.Lock()
	f.calls = append(f.calls, req)
	f.mu.Unlock()

	if f.entered != nil {
		f.entered <- req
	}
	if f.hold != nil && f.hold(req) {
		<-f.release
	}
	if err := f.fail[req.Format]; err != nil {
		return nil, err
	}

	key := media.KeyFor(req.Format, src.MIME)
	data := []byte(fmt.Sprintf("%s q=%.2f r=%s", key, req.Quality, req.Resize.ID))
	return &media.Version{
		Format:   key,
		MIME:     media.MIMEForKey(key),
		Filename: media.OutputFilename(src.Name, key),
		Data:     data,
		Size:     int64(len(data)),
	}, nil
}

func (f *fakeTranscoder) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

// newTestReconciler uses a debounce long enough that passes only start
// through Flush or Settle.
func newTestReconciler(t *testing.T, tr media.Transcoder, m *metrics.Metrics) (*Reconciler, *library.Library) {
	t.Helper()
	return newReconcilerWithDebounce(t, tr, m, time.Minute)
}

func newReconcilerWithDebounce(t *testing.T, tr media.Transcoder, m *metrics.Metrics, debounce time.Duration) (*Reconciler, *library.Library) {
	t.Helper()
	lib := library.New(hclog.NewNullLogger())
	r, err := New(lib, tr, DefaultSettings(), Config{
		Debounce: debounce,
		Batch:    batch.Config{MaxConcurrency: 4, Timeout: 5 * time.Second},
	}, hclog.NewNullLogger(), m)
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = r.Close(ctx)
	})
	return r, lib
}

func settle(t *testing.T, r *Reconciler) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, r.Settle(ctx))
}

func jpegSource(name string) media.Source {
	return media.Source{Name: name, MIME: "image/jpeg", Data: []byte("jpeg-bytes")}
}

func pngSource(name string) media.Source {
	return media.Source{Name: name, MIME: "image/png", Data: []byte("png-bytes")}
}

func TestNew_RejectsInvalidSettings(t *testing.T) {
	s := DefaultSettings()
	s.Quality = 0

	_, err := New(library.New(nil), &fakeTranscoder{}, s, Config{}, nil, nil)
	assert.ErrorIs(t, err, media.ErrInvalidRequest)
}

func TestSetters_Validate(t *testing.T) {
	r, _ := newTestReconciler(t, &fakeTranscoder{}, nil)

	assert.ErrorIs(t, r.SetQuality(0), media.ErrInvalidRequest)
	assert.ErrorIs(t, r.SetQuality(1.5), media.ErrInvalidRequest)
	assert.ErrorIs(t, r.SetResizeProfile("poster"), media.ErrInvalidRequest)
	assert.ErrorIs(t, r.SetTargetFormat("heic"), media.ErrInvalidRequest)

	assert.Equal(t, DefaultSettings(), r.Settings())
	assert.False(t, r.Pending())
}

func TestSetters_UpdateLatestValues(t *testing.T) {
	r, _ := newTestReconciler(t, &fakeTranscoder{}, nil)

	require.NoError(t, r.SetQuality(0.5))
	require.NoError(t, r.SetResizeProfile("small"))
	require.NoError(t, r.SetTargetFormat("jpg"))

	s := r.Settings()
	assert.Equal(t, 0.5, s.Quality)
	assert.Equal(t, "small", s.Resize.ID)
	assert.Equal(t, media.FormatJPEG, s.TargetFormat)
	assert.True(t, r.Pending())
}

func TestAcquire_OriginalKeyedBySourceType(t *testing.T) {
	r, lib := newTestReconciler(t, &fakeTranscoder{}, nil)

	ids, err := r.Acquire(context.Background(), []media.Source{jpegSource("a.jpeg"), pngSource("b.png")})
	require.NoError(t, err)
	require.Len(t, ids, 2)

	assert.Equal(t, []string{"jpg"}, lib.KnownFormatKeys(ids[0]))
	assert.Equal(t, []string{"png"}, lib.KnownFormatKeys(ids[1]))

	v, ok := lib.Version(ids[0], "jpg")
	require.True(t, ok)
	assert.Equal(t, "a.jpg", v.Filename)
	assert.NotEmpty(t, v.Handle)
}

func TestAcquire_JPEGTargetStoredAsJPG(t *testing.T) {
	r, lib := newTestReconciler(t, &fakeTranscoder{}, nil)
	require.NoError(t, r.Apply(Settings{Quality: 0.8, Resize: media.ProfileNone, TargetFormat: media.FormatJPEG}))

	ids, err := r.Acquire(context.Background(), []media.Source{pngSource("b.png")})
	require.NoError(t, err)

	assert.Equal(t, []string{"jpg"}, lib.KnownFormatKeys(ids[0]))
}

func TestAcquire_FailureLeavesEmptyVersionSet(t *testing.T) {
	tr := &fakeTranscoder{fail: map[media.Format]error{
		media.FormatAVIF: fmt.Errorf("%w: avif", media.ErrUnsupportedFormat),
	}}
	r, lib := newTestReconciler(t, tr, nil)
	require.NoError(t, r.SetTargetFormat("avif"))
	r.Flush()

	ids, err := r.Acquire(context.Background(), []media.Source{jpegSource("a.jpg"), jpegSource("b.jpg")})
	require.NoError(t, err)
	require.Len(t, ids, 2)

	assert.Equal(t, 2, lib.Len())
	assert.Empty(t, lib.KnownFormatKeys(ids[0]))
	assert.Empty(t, lib.KnownFormatKeys(ids[1]))
}

func TestSettingsPass_RegeneratesEveryKnownFormat(t *testing.T) {
	r, lib := newTestReconciler(t, &fakeTranscoder{}, nil)

	ids, err := r.Acquire(context.Background(), []media.Source{jpegSource("a.jpg")})
	require.NoError(t, err)
	id := ids[0]

	require.NoError(t, r.SetTargetFormat("webp"))
	settle(t, r)
	assert.Equal(t, []string{"jpg", "webp"}, lib.KnownFormatKeys(id))

	require.NoError(t, r.SetTargetFormat("png"))
	settle(t, r)
	assert.Equal(t, []string{"jpg", "png", "webp"}, lib.KnownFormatKeys(id))

	require.NoError(t, r.SetQuality(0.5))
	settle(t, r)

	for _, key := range []string{"jpg", "png", "webp"} {
		v, ok := lib.Version(id, key)
		require.True(t, ok, key)
		assert.Equal(t, key+" q=0.50 r=none", string(v.Data), key)
	}
}

func TestSettingsPass_OriginalTracksSourceType(t *testing.T) {
	r, lib := newTestReconciler(t, &fakeTranscoder{}, nil)

	ids, err := r.Acquire(context.Background(), []media.Source{pngSource("b.png")})
	require.NoError(t, err)

	require.NoError(t, r.SetResizeProfile("small"))
	settle(t, r)

	assert.Equal(t, []string{"png"}, lib.KnownFormatKeys(ids[0]))
	v, ok := lib.Version(ids[0], "png")
	require.True(t, ok)
	assert.Equal(t, "png q=0.80 r=small", string(v.Data))
}

func TestSettingsPass_DebounceCollapsesBurst(t *testing.T) {
	tr := &fakeTranscoder{}
	r, lib := newReconcilerWithDebounce(t, tr, nil, 30*time.Millisecond)

	ids, err := r.Acquire(context.Background(), []media.Source{jpegSource("a.jpg")})
	require.NoError(t, err)
	require.Equal(t, 1, tr.callCount())

	for _, q := range []float64{0.9, 0.7, 0.6, 0.4} {
		require.NoError(t, r.SetQuality(q))
	}
	require.NoError(t, r.SetResizeProfile("medium"))

	assert.Eventually(t, func() bool { return tr.callCount() >= 2 }, 2*time.Second, 5*time.Millisecond)
	time.Sleep(100 * time.Millisecond)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, r.Wait(ctx))

	assert.Equal(t, 2, tr.callCount())
	assert.Equal(t, uint64(1), r.Generation())

	v, ok := lib.Version(ids[0], "jpg")
	require.True(t, ok)
	assert.Equal(t, "jpg q=0.40 r=medium", string(v.Data))
}

func TestSettingsPass_EmptyLibraryIsNoop(t *testing.T) {
	tr := &fakeTranscoder{}
	r, _ := newTestReconciler(t, tr, nil)

	require.NoError(t, r.SetQuality(0.3))
	settle(t, r)

	assert.Zero(t, tr.callCount())
	assert.False(t, r.Processing())
}

func TestSettingsPass_DropsStaleResults(t *testing.T) {
	tr := &fakeTranscoder{
		hold:    func(req media.EncodingRequest) bool { return req.Quality == 0.8 },
		release: make(chan struct{}),
		entered: make(chan media.EncodingRequest, 16),
	}
	reg := prometheus.NewRegistry()
	m := metrics.New(reg)
	r, lib := newTestReconciler(t, tr, m)

	var (
		ids []string
		wg  sync.WaitGroup
	)
	wg.Add(1)
	go func() {
		defer wg.Done()
		var err error
		ids, err = r.Acquire(context.Background(), []media.Source{jpegSource("a.jpg")})
		assert.NoError(t, err)
	}()

	// The acquisition transcode is now running under generation 0.
	<-tr.entered

	require.NoError(t, r.SetQuality(0.5))
	require.True(t, r.Flush())
	<-tr.entered

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	assert.Eventually(t, func() bool {
		return len(lib.Images()) == 1 && len(lib.KnownFormatKeys(lib.Images()[0].ID)) == 1
	}, 2*time.Second, 5*time.Millisecond)

	close(tr.release)
	wg.Wait()
	require.NoError(t, r.Wait(ctx))

	v, ok := lib.Version(ids[0], "jpg")
	require.True(t, ok)
	assert.Equal(t, "jpg q=0.50 r=none", string(v.Data))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.StaleResults))
}

func TestClear_DiscardsInFlightResults(t *testing.T) {
	tr := &fakeTranscoder{
		hold:    func(media.EncodingRequest) bool { return true },
		release: make(chan struct{}),
		entered: make(chan media.EncodingRequest, 16),
	}
	r, lib := newTestReconciler(t, tr, nil)

	done := make(chan struct{})
	go func() {
		defer close(done)
		_, err := r.Acquire(context.Background(), []media.Source{jpegSource("a.jpg")})
		assert.NoError(t, err)
	}()
	<-tr.entered

	r.Clear()
	close(tr.release)
	<-done

	assert.Zero(t, lib.Len())
	assert.Zero(t, lib.LiveHandles())
	assert.Equal(t, uint64(1), r.Generation())
}

func TestProcessing_ClearsAfterOverlappingPasses(t *testing.T) {
	tr := &fakeTranscoder{
		hold:    func(media.EncodingRequest) bool { return true },
		release: make(chan struct{}),
		entered: make(chan media.EncodingRequest, 16),
	}
	r, _ := newTestReconciler(t, tr, nil)

	var (
		mu          sync.Mutex
		transitions []bool
	)
	r.OnProcessingChange(func(p bool) {
		mu.Lock()
		transitions = append(transitions, p)
		mu.Unlock()
	})

	var wg sync.WaitGroup
	for _, name := range []string{"a.jpg", "b.jpg"} {
		wg.Add(1)
		go func(name string) {
			defer wg.Done()
			_, err := r.Acquire(context.Background(), []media.Source{jpegSource(name)})
			assert.NoError(t, err)
		}(name)
	}
	<-tr.entered
	<-tr.entered
	assert.True(t, r.Processing())

	close(tr.release)
	wg.Wait()

	assert.False(t, r.Processing())
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []bool{true, false}, transitions)
}

func TestClose_RejectsFurtherWork(t *testing.T) {
	r, _ := newTestReconciler(t, &fakeTranscoder{}, nil)
	require.NoError(t, r.Close(context.Background()))

	_, err := r.Acquire(context.Background(), []media.Source{jpegSource("a.jpg")})
	assert.True(t, errors.Is(err, ErrClosed))
	assert.ErrorIs(t, r.SetQuality(0.5), ErrClosed)
}

func TestPlanSettingsPass(t *testing.T) {
	images := []*library.SourceImage{
		{ID: "1", Name: "a.jpg", MIME: "image/jpeg"},
		{ID: "2", Name: "b.png", MIME: "image/png"},
	}
	known := map[string][]string{
		"1": {"jpg", "webp"},
		"2": {},
	}
	s := Settings{Quality: 0.6, Resize: media.ProfileNone, TargetFormat: media.FormatOriginal}

	tasks := planSettingsPass(images, func(id string) []string { return known[id] }, s)

	type planned struct {
		id     string
		format media.Format
	}
	var got []planned
	for _, tk := range tasks {
		assert.Equal(t, 0.6, tk.request.Quality)
		got = append(got, planned{tk.imageID, tk.request.Format})
	}
	assert.Equal(t, []planned{
		{"1", media.FormatOriginal},
		{"1", media.FormatWebP},
		{"2", media.FormatOriginal},
	}, got)
}

func TestPlanSettingsPass_KnownKeysRequestExplicitFormat(t *testing.T) {
	images := []*library.SourceImage{{ID: "1", Name: "a.png", MIME: "image/png"}}
	s := Settings{Quality: 0.8, Resize: media.ProfileNone, TargetFormat: media.FormatWebP}

	tasks := planSettingsPass(images, func(string) []string { return []string{"jpg", "png"} }, s)

	var formats []media.Format
	for _, tk := range tasks {
		formats = append(formats, tk.request.Format)
	}
	assert.Equal(t, []media.Format{media.FormatJPEG, media.FormatPNG, media.FormatWebP}, formats)
}
