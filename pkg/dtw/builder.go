package dtw

import (
	"context"
	"runtime"
	"strconv"

	"golang.org/x/sync/errgroup"

	eacerrors "trafficeac/pkg/errors"
	"trafficeac/pkg/matrix"
	"trafficeac/pkg/metrics"
	"trafficeac/pkg/profile"
)

// Builder computes the full pairwise DTW matrix for a set of profiles.
type Builder struct {
	Options Options
	// Workers bounds concurrent row computations; <= 0 uses GOMAXPROCS.
	Workers int
	// Cache is optional. Namespace scopes its keys, typically to a view.
	Cache     Cache
	Namespace string
	Metrics   *metrics.Recorder
}

// Build returns the symmetric distance matrix over profiles, in input order.
// The result does not depend on Workers.
func (b *Builder) Build(ctx context.Context, profiles []profile.NodeProfile) (*matrix.Distance, error) {
	n := len(profiles)
	if n == 0 {
		return nil, eacerrors.New(eacerrors.ErrorTypeInvalidInput, "dtw: no profiles")
	}
	ids := make([]string, n)
	for i, p := range profiles {
		ids[i] = p.ID()
	}
	out := matrix.NewBuilder(ids)

	var keys []string
	if b.Cache != nil {
		keys = make([]string, n)
		for i, p := range profiles {
			keys[i] = seriesKey(p)
		}
	}

	workers := b.Workers
	if workers <= 0 {
		workers = runtime.GOMAXPROCS(0)
	}
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)
	for i := 0; i < n-1; i++ {
		i := i
		g.Go(func() error {
			for j := i + 1; j < n; j++ {
				if err := gctx.Err(); err != nil {
					return err
				}
				d, err := b.pair(gctx, profiles, keys, i, j)
				if err != nil {
					return err
				}
				out.Set(i, j, d)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out.Build()
}

func (b *Builder) pair(ctx context.Context, profiles []profile.NodeProfile, keys []string, i, j int) (float64, error) {
	compute := func() (float64, error) {
		b.Metrics.PairComputed()
		return Distance(profiles[i].Series(), profiles[j].Series(), b.Options)
	}
	if b.Cache == nil {
		return compute()
	}
	d, hit, err := b.Cache.GetOrCompute(ctx, NewPairKey(b.Namespace, keys[i], keys[j]), compute)
	if err != nil {
		return 0, err
	}
	if hit {
		b.Metrics.CacheHit()
	} else {
		b.Metrics.CacheMiss()
	}
	return d, nil
}

// seriesKey names a profile in cache keys by id and content, so a node whose
// traffic changed between executions never reuses a stale distance.
func seriesKey(p profile.NodeProfile) string {
	return p.ID() + "@" + strconv.FormatUint(p.Digest(), 16)
}
