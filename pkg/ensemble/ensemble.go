// Package ensemble runs the DTW and TS-RFCM stages once per aggregation
// view and collects the per-view hard labels for evidence accumulation.
package ensemble

import (
	"context"
	"fmt"
	"math/rand/v2"
	"runtime"
	"sort"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-multierror"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"trafficeac/pkg/dtw"
	eacerrors "trafficeac/pkg/errors"
	"trafficeac/pkg/metrics"
	otelobs "trafficeac/pkg/observability/otel"
	"trafficeac/pkg/profile"
	"trafficeac/pkg/rfcm"
	"trafficeac/pkg/structlog"
)

// Config describes the ensemble. RFCM.OnIteration is ignored.
type Config struct {
	Views   []profile.View
	RFCM    rfcm.Config
	DTW     dtw.Options
	Scaling profile.Scaling
	// MinNodes is the smallest group count a view needs to be clustered;
	// the effective minimum is max(MinNodes, RFCM.C).
	MinNodes int
	// Seed derives one random source per view.
	Seed uint64
	// Workers bounds concurrent views, PairWorkers concurrent DTW rows per
	// view. <= 0 uses GOMAXPROCS.
	Workers     int
	PairWorkers int
	// Cache is shared by every view; keys are scoped by view identity and
	// DTW settings.
	Cache          dtw.Cache
	CacheNamespace string
}

// RunResult is one ensemble member. It is not modified after Run returns.
type RunResult struct {
	ID        string
	View      profile.View
	ViewIndex int
	// Groups lists the clustered identifiers (view keys) in matrix order;
	// GroupLabels holds the hard label of each.
	Groups      []string
	GroupLabels []int
	Partition   *rfcm.Partition
	Converged   bool
	Iterations  int
	Warnings    []error

	nodes  []string
	labels map[string]int
}

// Nodes returns the original node identifiers covered by this run, sorted.
func (r *RunResult) Nodes() []string { return append([]string(nil), r.nodes...) }

// Label returns the hard label of node id, rfcm.NoiseLabel for noise, and
// false when the node was not part of the run.
func (r *RunResult) Label(id string) (int, bool) {
	l, ok := r.labels[id]
	return l, ok
}

// SkippedView records a view that could not be clustered.
type SkippedView struct {
	View   profile.View
	Reason error
}

type Result struct {
	Runs    []*RunResult
	Skipped []SkippedView
	// Warnings aggregates skipped views and per-run warnings.
	Warnings error
}

type Orchestrator struct {
	cfg     Config
	logger  *structlog.Logger
	metrics *metrics.Recorder
	tracer  trace.Tracer
}

type Option func(*Orchestrator)

func WithLogger(l *structlog.Logger) Option { return func(o *Orchestrator) { o.logger = l } }

func WithMetrics(m *metrics.Recorder) Option { return func(o *Orchestrator) { o.metrics = m } }

func WithTracer(t trace.Tracer) Option { return func(o *Orchestrator) { o.tracer = t } }

// New validates cfg and returns an orchestrator.
func New(cfg Config, opts ...Option) (*Orchestrator, error) {
	if len(cfg.Views) == 0 {
		return nil, eacerrors.New(eacerrors.ErrorTypeConfig, "ensemble needs at least one view")
	}
	if cfg.RFCM.C <= 0 {
		return nil, eacerrors.Newf(eacerrors.ErrorTypeInvalidInput, "cluster count must be positive, got %d", cfg.RFCM.C)
	}
	if cfg.MinNodes < 0 {
		return nil, eacerrors.Newf(eacerrors.ErrorTypeConfig, "min nodes must be >= 0, got %d", cfg.MinNodes)
	}
	seen := make(map[string]bool, len(cfg.Views))
	for _, v := range cfg.Views {
		if seen[v.Name] {
			return nil, eacerrors.Newf(eacerrors.ErrorTypeConfig, "duplicate view name %q", v.Name)
		}
		seen[v.Name] = true
	}
	cfg.RFCM.OnIteration = nil
	cfg.RFCM.Initial = nil

	o := &Orchestrator{cfg: cfg, logger: structlog.Nop(), tracer: otelobs.Tracer(nil)}
	for _, opt := range opts {
		opt(o)
	}
	return o, nil
}

// Run clusters ds once per view. Views run concurrently; results are
// returned in view order and do not depend on scheduling. Input errors
// abort the whole ensemble; views with too few groups are skipped.
func (o *Orchestrator) Run(ctx context.Context, ds *profile.Dataset) (*Result, error) {
	for _, v := range o.cfg.Views {
		if err := v.Validate(ds.Schema()); err != nil {
			return nil, err
		}
	}

	views := o.cfg.Views
	slots := make([]*RunResult, len(views))
	skips := make([]error, len(views))

	workers := o.cfg.Workers
	if workers <= 0 {
		workers = runtime.GOMAXPROCS(0)
	}
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)
	for idx, v := range views {
		idx, v := idx, v
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			res, err := o.runView(gctx, ds, idx, v)
			switch {
			case err == nil:
				slots[idx] = res
			case eacerrors.IsType(err, eacerrors.ErrorTypeInsufficientNodes):
				skips[idx] = err
			default:
				return fmt.Errorf("view %s: %w", v.Name, err)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	out := &Result{}
	var warnings *multierror.Error
	for idx, v := range views {
		if skips[idx] != nil {
			out.Skipped = append(out.Skipped, SkippedView{View: v, Reason: skips[idx]})
			warnings = multierror.Append(warnings, fmt.Errorf("view %s skipped: %w", v.Name, skips[idx]))
			o.metrics.ViewSkipped("insufficient_nodes")
			o.logger.Warn("Ensemble view skipped", structlog.Fields{"view": v.Name, "error": skips[idx]})
			continue
		}
		run := slots[idx]
		out.Runs = append(out.Runs, run)
		for _, w := range run.Warnings {
			warnings = multierror.Append(warnings, fmt.Errorf("view %s: %w", v.Name, w))
		}
	}
	out.Warnings = warnings.ErrorOrNil()
	return out, nil
}

func (o *Orchestrator) runView(ctx context.Context, ds *profile.Dataset, idx int, v profile.View) (res *RunResult, err error) {
	ctx, span := otelobs.StartSpan(ctx, o.tracer, "ensemble.view", map[string]string{
		"view":  v.Name,
		"index": strconv.Itoa(idx),
	})
	defer func() { otelobs.EndSpan(span, err) }()
	start := time.Now()

	proj, err := ds.Project(v)
	if err != nil {
		return nil, err
	}
	need := o.cfg.RFCM.C
	if o.cfg.MinNodes > need {
		need = o.cfg.MinNodes
	}
	if len(proj.Groups) < need {
		return nil, eacerrors.Newf(eacerrors.ErrorTypeInsufficientNodes,
			"%d groups at this granularity, need %d", len(proj.Groups), need)
	}

	groups := profile.Scale(proj.Groups, o.cfg.Scaling)
	builder := &dtw.Builder{
		Options:   o.cfg.DTW,
		Workers:   o.cfg.PairWorkers,
		Cache:     o.cfg.Cache,
		Namespace: o.cacheNamespace(v),
		Metrics:   o.metrics,
	}
	dist, err := builder.Build(ctx, groups)
	if err != nil {
		return nil, err
	}

	rng := rand.New(rand.NewPCG(o.cfg.Seed, uint64(idx)))
	clustered, err := rfcm.Run(dist, o.cfg.RFCM, rng)
	if err != nil {
		return nil, err
	}
	o.metrics.ObserveRFCM(clustered.Iterations, clustered.Converged)
	for i := 0; i < clustered.Reseeded; i++ {
		o.metrics.DegenerateCluster("reseeded")
	}
	for i := 0; i < clustered.Dropped; i++ {
		o.metrics.DegenerateCluster("dropped")
	}

	res = &RunResult{
		ID:          uuid.NewString(),
		View:        v,
		ViewIndex:   idx,
		Groups:      dist.IDs(),
		GroupLabels: clustered.Labels,
		Partition:   clustered.Partition,
		Converged:   clustered.Converged,
		Iterations:  clustered.Iterations,
		Warnings:    clustered.Warnings,
		labels:      make(map[string]int),
	}
	for g, key := range res.Groups {
		for _, node := range proj.Members[key] {
			res.labels[node] = clustered.Labels[g]
			res.nodes = append(res.nodes, node)
		}
	}
	sort.Strings(res.nodes)

	o.logger.Info("Ensemble view clustered", structlog.Fields{
		"view":        v.Name,
		"groups":      len(res.Groups),
		"nodes":       len(res.nodes),
		"excluded":    len(proj.Excluded),
		"iterations":  clustered.Iterations,
		"converged":   clustered.Converged,
		"duration_ms": time.Since(start).Milliseconds(),
	})
	return res, nil
}

func (o *Orchestrator) cacheNamespace(v profile.View) string {
	return fmt.Sprintf("%s%s|band=%d|norm=%t|scale=%s",
		o.cfg.CacheNamespace, v.Identity(), o.cfg.DTW.Band, o.cfg.DTW.Normalize, o.cfg.Scaling)
}
