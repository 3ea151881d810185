package pipeline

import (
	"context"
	"os"

	"github.com/redis/go-redis/v9"

	"trafficeac/pkg/circuitbreaker"
	"trafficeac/pkg/config"
	"trafficeac/pkg/consensus"
	"trafficeac/pkg/dtw"
	"trafficeac/pkg/ensemble"
	eacerrors "trafficeac/pkg/errors"
	otelobs "trafficeac/pkg/observability/otel"
	"trafficeac/pkg/profile"
	"trafficeac/pkg/rfcm"
	"trafficeac/pkg/structlog"
)

// FromConfig builds a pipeline from loaded settings. It owns the distance
// cache client and tracer provider it creates; release them with Close.
// Options override the logger and tracer derived from cfg.
func FromConfig(ctx context.Context, cfg *config.Config, opts ...Option) (*Pipeline, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	scaling, err := profile.ParseScaling(cfg.Scaling)
	if err != nil {
		return nil, err
	}

	views := make([]profile.View, len(cfg.EnsembleViews))
	for i, v := range cfg.EnsembleViews {
		views[i] = profile.View{
			Name:        v.Name,
			PrefixBits:  v.PrefixBits,
			PrefixBits6: v.PrefixBits6,
			Features:    append([]string(nil), v.Features...),
		}
	}

	rc := rfcm.DefaultConfig(cfg.ClusterCount)
	rc.M = cfg.FuzzinessExponent
	rc.NoiseScale = cfg.NoiseDistanceScale
	rc.MaxIterations = cfg.MaxIterations
	rc.Tolerance = cfg.ConvergenceTolerance
	rc.Seeding = rfcm.Seeding(cfg.Seeding)

	logger := structlog.NewLogger(cfg.ServiceName, structlog.ParseLevel(cfg.LogLevel), os.Stderr)

	var closers []func(context.Context) error
	var cache dtw.Cache
	switch cfg.Cache {
	case "memory":
		cache = dtw.NewMemoryCache()
	case "redis":
		client := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		settings := circuitbreaker.DefaultSettings()
		settings.OnStateChange = func(name string, from, to circuitbreaker.State) {
			logger.Warn("Distance cache breaker changed state", structlog.Fields{
				"breaker": name, "from": from.String(), "to": to.String(),
			})
		}
		cache = dtw.NewRedisCache(client, cfg.CacheTTL).
			WithBreaker(circuitbreaker.New("dtw-redis", settings))
		closers = append(closers, func(context.Context) error { return client.Close() })
	}

	shutdown, err := otelobs.InitTracer(ctx, cfg.ServiceName, cfg.OTLPEndpoint)
	if err != nil {
		for _, c := range closers {
			_ = c(ctx)
		}
		return nil, eacerrors.Wrap(eacerrors.ErrorTypeConfig, err, "init tracer")
	}
	closers = append(closers, shutdown)

	base := []Option{WithLogger(logger)}
	p, err := New(Config{
		Name: cfg.ServiceName,
		Ensemble: ensemble.Config{
			Views:          views,
			RFCM:           rc,
			DTW:            dtw.Options{Band: cfg.DTWBandWidth, Normalize: cfg.DTWNormalize},
			Scaling:        scaling,
			MinNodes:       cfg.MinNodes,
			Seed:           cfg.Seed,
			Workers:        cfg.Workers,
			PairWorkers:    cfg.Workers,
			Cache:          cache,
			CacheNamespace: cfg.ServiceName,
		},
		Consensus: consensus.Config{
			Linkage:     consensus.Linkage(cfg.LinkageMethod),
			Cut:         consensus.CutRule(cfg.DendrogramCutRule),
			Threshold:   cfg.CutThreshold,
			MaxClusters: cfg.CutMaxClusters,
		},
		AnomalyThreshold: cfg.AnomalySizeThreshold,
	}, append(base, opts...)...)
	if err != nil {
		for _, c := range closers {
			_ = c(ctx)
		}
		return nil, err
	}
	p.closers = closers
	return p, nil
}
