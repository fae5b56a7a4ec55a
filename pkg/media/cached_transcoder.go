package media

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"

	"golang.org/x/sync/singleflight"
)

// VersionCache stores encoded versions by cache key. Lookups that fail for
// any reason report a miss.
type VersionCache interface {
	Get(ctx context.Context, key string) (*Version, bool)
	Set(ctx context.Context, key string, v *Version)
}

// CachedTranscoder wraps a Transcoder with one or more cache tiers, checked
// in order. Identical concurrent requests share one transcode.
type CachedTranscoder struct {
	Transcoder
	fingerprint string
	tiers       []VersionCache
	group       singleflight.Group
}

func NewCachedTranscoder(t Transcoder, fingerprint string, tiers ...VersionCache) *CachedTranscoder {
	return &CachedTranscoder{
		Transcoder:  t,
		fingerprint: fingerprint,
		tiers:       tiers,
	}
}

// CacheKey hashes everything that determines the encoded output. The source
// name is left out; filenames are re-derived on every hit.
func CacheKey(src Source, req EncodingRequest, fingerprint string) string {
	sum := sha256.Sum256(src.Data)
	h := sha256.New()
	fmt.Fprintf(h, "%x|%s|%.4f|%dx%d|%s",
		sum,
		KeyFor(req.Format, src.MIME),
		req.Quality,
		req.Resize.MaxWidth, req.Resize.MaxHeight,
		fingerprint,
	)
	return hex.EncodeToString(h.Sum(nil))[:32]
}

func (c *CachedTranscoder) Transcode(ctx context.Context, src Source, req EncodingRequest) (*Version, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}

	key := CacheKey(src, req, c.fingerprint)

	for i, tier := range c.tiers {
		if v, ok := tier.Get(ctx, key); ok {
			for _, earlier := range c.tiers[:i] {
				earlier.Set(ctx, key, v)
			}
			return forSource(v, src), nil
		}
	}

	res, err, _ := c.group.Do(key, func() (any, error) {
		v, err := c.Transcoder.Transcode(ctx, src, req)
		if err != nil {
			return nil, err
		}
		for _, tier := range c.tiers {
			tier.Set(ctx, key, v)
		}
		return v, nil
	})
	if err != nil {
		return nil, err
	}

	return forSource(res.(*Version), src), nil
}

// forSource copies v with the filename derived from src. The payload slice
// is shared; versions are never mutated.
func forSource(v *Version, src Source) *Version {
	out := *v
	out.Filename = OutputFilename(src.Name, v.Format)
	out.Handle = ""
	return &out
}
