package cmd

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/olivpeter/compressorPro/pkg/acquire"
	"github.com/olivpeter/compressorPro/pkg/cache"
	"github.com/olivpeter/compressorPro/pkg/config"
	"github.com/olivpeter/compressorPro/pkg/library"
	"github.com/olivpeter/compressorPro/pkg/media"
	"github.com/olivpeter/compressorPro/pkg/metrics"
	"github.com/olivpeter/compressorPro/pkg/reconciler"
)

// app wires the pipeline together for one session.
type app struct {
	cfg      *config.Config
	logger   hclog.Logger
	registry *prometheus.Registry
	metrics  *metrics.Metrics
	codecs   *media.Codecs
	memory   *cache.MemoryStore
	redis    *cache.RedisStore
	lib      *library.Library
	rec      *reconciler.Reconciler
	loader   *acquire.Loader
	server   *http.Server
}

func newApp(c *config.Config, logger hclog.Logger) (*app, error) {
	if logger == nil {
		logger = hclog.NewNullLogger()
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m := metrics.New(registry)

	opts := c.MediaOptions()
	codecs := media.NewCodecs(opts)
	transcoder, err := media.NewImageTranscoder(codecs, opts)
	if err != nil {
		return nil, fmt.Errorf("transcoder: %w", err)
	}

	a := &app{
		cfg:      c,
		logger:   logger,
		registry: registry,
		metrics:  m,
		codecs:   codecs,
	}

	var tiers []media.VersionCache
	if c.Cache.MemoryEntries > 0 {
		a.memory, err = cache.NewMemoryStore(c.Cache.MemoryEntries, m)
		if err != nil {
			return nil, fmt.Errorf("memory cache: %w", err)
		}
		tiers = append(tiers, a.memory)
	}
	if c.Cache.RedisURL != "" {
		a.redis, err = cache.NewRedisStore(c.Cache.RedisURL, c.Cache.RedisPrefix, c.Cache.TTL, logger, m)
		if err != nil {
			logger.Warn("redis cache unavailable, continuing without it", "error", err)
		} else {
			tiers = append(tiers, a.redis)
		}
	}

	var t media.Transcoder = transcoder
	if len(tiers) > 0 {
		t = media.NewCachedTranscoder(transcoder, opts.Fingerprint(), tiers...)
	}

	settings, err := c.Settings()
	if err != nil {
		return nil, err
	}

	a.lib = library.New(logger)
	a.rec, err = reconciler.New(a.lib, t, settings, c.ReconcilerConfig(), logger, m)
	if err != nil {
		return nil, err
	}
	a.rec.OnProcessingChange(func(processing bool) {
		logger.Debug("processing changed", "processing", processing)
	})

	maxBytes, err := c.MaxFileBytes()
	if err != nil {
		return nil, err
	}
	a.loader = acquire.NewLoader(maxBytes, logger)

	logger.Debug("pipeline ready", "encoders", codecs.Available(), "cache_tiers", len(tiers))
	return a, nil
}

// serveMetrics exposes the registry on metrics.listen, if set.
func (a *app) serveMetrics() error {
	if a.cfg.Metrics.Listen == "" {
		return nil
	}

	ln, err := net.Listen("tcp", a.cfg.Metrics.Listen)
	if err != nil {
		return fmt.Errorf("metrics listener: %w", err)
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(a.registry, promhttp.HandlerOpts{}))
	a.server = &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		if err := a.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.logger.Error("metrics server stopped", "error", err)
		}
	}()
	a.logger.Info("serving metrics", "addr", ln.Addr().String())
	return nil
}

func (a *app) close(ctx context.Context) error {
	var errs []error
	if err := a.rec.Close(ctx); err != nil {
		errs = append(errs, fmt.Errorf("reconciler: %w", err))
	}
	if a.server != nil {
		if err := a.server.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("metrics server: %w", err))
		}
	}
	if a.redis != nil {
		if err := a.redis.Close(); err != nil {
			errs = append(errs, fmt.Errorf("redis: %w", err))
		}
	}
	a.lib.Clear()
	return errors.Join(errs...)
}
