package cache

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/hashicorp/go-hclog"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/olivpeter/compressorPro/pkg/media"
	"github.com/olivpeter/compressorPro/pkg/metrics"
)

func testVersion() *media.Version {
	return &media.Version{
		Format:   "webp",
		MIME:     "image/webp",
		Filename: "photo.webp",
		Data:     []byte{0x52, 0x49, 0x46, 0x46},
		Size:     4,
		Width:    640,
		Height:   480,
		Handle:   "not-persisted",
	}
}

func newTestRedis(t *testing.T, ttl time.Duration) (*RedisStore, *miniredis.Miniredis, *metrics.Metrics) {
	t.Helper()
	mr := miniredis.RunT(t)
	m := metrics.New(prometheus.NewRegistry())

	store, err := NewRedisStore("redis://"+mr.Addr(), "compressor", ttl, hclog.NewNullLogger(), m)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store, mr, m
}

func TestRedisStore_RoundTrip(t *testing.T) {
	store, mr, m := newTestRedis(t, time.Hour)
	ctx := context.Background()

	_, ok := store.Get(ctx, "abc")
	assert.False(t, ok)

	store.Set(ctx, "abc", testVersion())
	assert.True(t, mr.Exists("compressor:version:abc"))

	got, ok := store.Get(ctx, "abc")
	require.True(t, ok)
	assert.Equal(t, "webp", got.Format)
	assert.Equal(t, []byte{0x52, 0x49, 0x46, 0x46}, got.Data)
	assert.Equal(t, 640, got.Width)
	assert.Empty(t, got.Handle)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.CacheLookups.WithLabelValues("redis", "hit")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.CacheLookups.WithLabelValues("redis", "miss")))
}

func TestRedisStore_Expires(t *testing.T) {
	store, mr, _ := newTestRedis(t, time.Minute)
	ctx := context.Background()

	store.Set(ctx, "abc", testVersion())
	ttl, err := store.TTL(ctx, "abc")
	require.NoError(t, err)
	assert.Equal(t, time.Minute, ttl)

	mr.FastForward(2 * time.Minute)

	_, ok := store.Get(ctx, "abc")
	assert.False(t, ok)
}

func TestRedisStore_DropsCorruptEntries(t *testing.T) {
	store, mr, _ := newTestRedis(t, time.Hour)

	require.NoError(t, mr.Set("compressor:version:bad", "{not json"))

	_, ok := store.Get(context.Background(), "bad")
	assert.False(t, ok)
	assert.False(t, mr.Exists("compressor:version:bad"))
}

func TestRedisStore_UnreachableServer(t *testing.T) {
	_, err := NewRedisStore("redis://127.0.0.1:1", "compressor", time.Hour, nil, nil)
	assert.Error(t, err)

	_, err = NewRedisStore("not a url", "compressor", time.Hour, nil, nil)
	assert.Error(t, err)
}

func TestRedisStore_Key(t *testing.T) {
	assert.Equal(t, "p:version:k", newRedisStore(nil, "p", 0, nil, nil).Key("version", "k"))
	assert.Equal(t, "version:k", newRedisStore(nil, "", 0, nil, nil).Key("version", "k"))
}

func TestMemoryStore_Evicts(t *testing.T) {
	store, err := NewMemoryStore(2, nil)
	require.NoError(t, err)
	ctx := context.Background()

	store.Set(ctx, "a", testVersion())
	store.Set(ctx, "b", testVersion())
	_, ok := store.Get(ctx, "a")
	require.True(t, ok)

	store.Set(ctx, "c", testVersion())

	_, ok = store.Get(ctx, "b")
	assert.False(t, ok, "least recently used entry is evicted")
	_, ok = store.Get(ctx, "a")
	assert.True(t, ok)

	hits, misses, size := store.Stats()
	assert.Equal(t, int64(2), hits)
	assert.Equal(t, int64(1), misses)
	assert.Equal(t, 2, size)

	store.Clear()
	hits, misses, size = store.Stats()
	assert.Zero(t, hits)
	assert.Zero(t, misses)
	assert.Zero(t, size)
}

func TestTiers_WithCachedTranscoder(t *testing.T) {
	redisStore, _, _ := newTestRedis(t, time.Hour)
	mem, err := NewMemoryStore(8, nil)
	require.NoError(t, err)

	calls := 0
	inner := transcodeFunc(func(ctx context.Context, src media.Source, req media.EncodingRequest) (*media.Version, error) {
		calls++
		v := testVersion()
		v.Filename = media.OutputFilename(src.Name, v.Format)
		return v, nil
	})
	ct := media.NewCachedTranscoder(inner, "fp", mem, redisStore)

	req := media.EncodingRequest{Format: media.FormatWebP, Quality: 0.8, Resize: media.ProfileNone}
	src := media.Source{Name: "a.png", MIME: "image/png", Data: []byte("pixels")}

	_, err = ct.Transcode(context.Background(), src, req)
	require.NoError(t, err)

	// A fresh memory tier is backfilled from redis.
	mem.Clear()
	src.Name = "b.png"
	v, err := ct.Transcode(context.Background(), src, req)
	require.NoError(t, err)
	assert.Equal(t, "b.webp", v.Filename)
	assert.Equal(t, 1, calls)

	_, _, size := mem.Stats()
	assert.Equal(t, 1, size)
}

type transcodeFunc func(ctx context.Context, src media.Source, req media.EncodingRequest) (*media.Version, error)

func (f transcodeFunc) Transcode(ctx context.Context, src media.Source, req media.EncodingRequest) (*media.Version, error) {
	return f(ctx, src, req)
}
