// Package pipeline wires the clustering stages together: ensemble runs,
// evidence accumulation, consensus clustering and anomaly labeling.
package pipeline

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel/trace"

	"trafficeac/pkg/anomaly"
	"trafficeac/pkg/coassoc"
	"trafficeac/pkg/consensus"
	"trafficeac/pkg/ensemble"
	"trafficeac/pkg/metrics"
	otelobs "trafficeac/pkg/observability/otel"
	"trafficeac/pkg/profile"
	"trafficeac/pkg/structlog"
)

// Stage names, in execution order.
const (
	StageEnsemble  = "ensemble"
	StageCoassoc   = "coassociation"
	StageConsensus = "consensus"
	StageLabel     = "labeling"
)

// Run statuses.
const (
	StatusRunning   = "running"
	StatusCompleted = "completed"
	StatusFailed    = "failed"
	StatusCanceled  = "canceled"
)

const maxRunHistory = 16

// stage is one step of the pipeline. Stages communicate through state.
type stage interface {
	Name() string
	Execute(ctx context.Context, st *state) error
}

type stageFunc struct {
	name string
	fn   func(ctx context.Context, st *state) error
}

func (s stageFunc) Name() string { return s.name }

func (s stageFunc) Execute(ctx context.Context, st *state) error { return s.fn(ctx, st) }

// state carries artifacts from one stage to the next. Each stage writes only
// its own fields.
type state struct {
	dataset   *profile.Dataset
	ensemble  *ensemble.Result
	coassoc   *coassoc.Matrix
	partition *consensus.Partition
	labels    []anomaly.Label
	summary   anomaly.Summary
}

// Run records one execution.
type Run struct {
	ID        string
	StartTime time.Time
	EndTime   time.Time
	Status    string
	Error     error
	Stages    []*StageResult
}

// Stage returns the result of the named stage, or nil.
func (r *Run) Stage(name string) *StageResult {
	for _, s := range r.Stages {
		if s.StageName == name {
			return s
		}
	}
	return nil
}

type StageResult struct {
	StageName string
	StartTime time.Time
	EndTime   time.Time
	Duration  time.Duration
	Status    string
	Error     error
}

// Assignment is the output for one input node.
type Assignment struct {
	Node string
	// Cluster is the consensus cluster, or -1 without evidence.
	Cluster  int
	Category anomaly.Category
}

func (a Assignment) Anomalous() bool { return a.Category == anomaly.CategoryAnomalous }

// Result is the output contract of one pipeline execution.
type Result struct {
	Run *Run
	// Assignments covers every input node, sorted by node.
	Assignments []Assignment
	Clusters    [][]string
	Summary     anomaly.Summary
	Partition   *consensus.Partition
	// CoAssociation and Runs are diagnostics.
	CoAssociation *coassoc.Matrix
	Runs          []*ensemble.RunResult
	Skipped       []ensemble.SkippedView
	// Warnings aggregates recoverable conditions from every stage.
	Warnings error
}

// Assignment returns the assignment of node, if it was an input.
func (r *Result) Assignment(node string) (Assignment, bool) {
	for _, a := range r.Assignments {
		if a.Node == node {
			return a, true
		}
	}
	return Assignment{}, false
}

// Anomalies returns the anomalous nodes, sorted.
func (r *Result) Anomalies() []string {
	var out []string
	for _, a := range r.Assignments {
		if a.Anomalous() {
			out = append(out, a.Node)
		}
	}
	return out
}

type Config struct {
	Name      string
	Ensemble  ensemble.Config
	Consensus consensus.Config
	// AnomalyThreshold is the relative cluster size below which a cluster
	// is anomalous.
	AnomalyThreshold float64
	// Timeout bounds a whole execution; 0 means none.
	Timeout time.Duration
}

type Pipeline struct {
	mu sync.RWMutex

	name      string
	stages    []stage
	timeout   time.Duration
	ensemble  *ensemble.Orchestrator
	consensus consensus.Config
	labeler   *anomaly.Labeler

	logger  *structlog.Logger
	metrics *metrics.Recorder
	tracer  trace.Tracer
	closers []func(context.Context) error

	runs    []*Run
	lastRun *Run
}

type Option func(*Pipeline)

func WithLogger(l *structlog.Logger) Option { return func(p *Pipeline) { p.logger = l } }

func WithMetrics(m *metrics.Recorder) Option { return func(p *Pipeline) { p.metrics = m } }

func WithTracer(t trace.Tracer) Option { return func(p *Pipeline) { p.tracer = t } }

// New validates cfg and assembles the four stages.
func New(cfg Config, opts ...Option) (*Pipeline, error) {
	if cfg.Name == "" {
		cfg.Name = "trafficeac"
	}
	if err := cfg.Consensus.Validate(); err != nil {
		return nil, err
	}
	labeler, err := anomaly.New(cfg.AnomalyThreshold)
	if err != nil {
		return nil, err
	}

	p := &Pipeline{
		name:      cfg.Name,
		timeout:   cfg.Timeout,
		consensus: cfg.Consensus,
		labeler:   labeler,
		logger:    structlog.Nop(),
		tracer:    otelobs.Tracer(nil),
	}
	for _, opt := range opts {
		opt(p)
	}

	p.ensemble, err = ensemble.New(cfg.Ensemble,
		ensemble.WithLogger(p.logger),
		ensemble.WithMetrics(p.metrics),
		ensemble.WithTracer(p.tracer),
	)
	if err != nil {
		return nil, err
	}

	p.stages = []stage{
		stageFunc{StageEnsemble, p.runEnsemble},
		stageFunc{StageCoassoc, p.runCoassoc},
		stageFunc{StageConsensus, p.runConsensus},
		stageFunc{StageLabel, p.runLabel},
	}
	return p, nil
}

func (p *Pipeline) runEnsemble(ctx context.Context, st *state) error {
	res, err := p.ensemble.Run(ctx, st.dataset)
	if err != nil {
		return err
	}
	st.ensemble = res
	return nil
}

func (p *Pipeline) runCoassoc(_ context.Context, st *state) error {
	runs := make([]coassoc.Labeling, len(st.ensemble.Runs))
	for i, r := range st.ensemble.Runs {
		runs[i] = r
	}
	st.coassoc = coassoc.Build(runs...)
	return nil
}

func (p *Pipeline) runConsensus(_ context.Context, st *state) error {
	part, err := consensus.Cluster(st.coassoc, p.consensus)
	if err != nil {
		return err
	}
	st.partition = part
	return nil
}

func (p *Pipeline) runLabel(_ context.Context, st *state) error {
	st.labels, st.summary = p.labeler.Label(st.partition, st.dataset.IDs())
	p.metrics.SetConsensus(len(st.partition.Clusters), st.summary.Anomalous)
	return nil
}

// Execute runs every stage over ds. The context is checked between stages;
// a canceled execution returns the context error.
func (p *Pipeline) Execute(ctx context.Context, ds *profile.Dataset) (res *Result, err error) {
	ctx, runID := structlog.GetOrCreateCorrelationID(ctx)
	run := &Run{
		ID:        runID,
		StartTime: time.Now(),
		Status:    StatusRunning,
	}
	p.record(run)

	if p.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.timeout)
		defer cancel()
	}
	ctx, span := otelobs.StartSpan(ctx, p.tracer, "pipeline.run", map[string]string{
		"pipeline": p.name,
		"run_id":   runID,
	})
	defer func() { otelobs.EndSpan(span, err) }()

	logger := p.logger.WithContext(ctx)
	logger.Info("Pipeline run started", structlog.Fields{"pipeline": p.name, "nodes": ds.Len()})

	st := &state{dataset: ds}
	for _, s := range p.stages {
		if cerr := ctx.Err(); cerr != nil {
			p.finish(run, StatusCanceled, cerr)
			logger.Warn("Pipeline run canceled", structlog.Fields{"stage": s.Name(), "error": cerr})
			return nil, cerr
		}
		if serr := p.executeStage(ctx, s, st, run, logger); serr != nil {
			status := StatusFailed
			if ctx.Err() != nil {
				status = StatusCanceled
			}
			p.finish(run, status, serr)
			logger.Error("Pipeline run failed", structlog.Fields{"stage": s.Name(), "error": serr})
			return nil, fmt.Errorf("stage %s: %w", s.Name(), serr)
		}
	}
	p.finish(run, StatusCompleted, nil)

	res = &Result{
		Run:           run,
		Clusters:      st.partition.Clusters,
		Summary:       st.summary,
		Partition:     st.partition,
		CoAssociation: st.coassoc,
		Runs:          st.ensemble.Runs,
		Skipped:       st.ensemble.Skipped,
		Warnings:      st.ensemble.Warnings,
	}
	res.Assignments = make([]Assignment, len(st.labels))
	for i, l := range st.labels {
		res.Assignments[i] = Assignment{Node: l.Node, Cluster: l.Cluster, Category: l.Category}
	}

	logger.Info("Pipeline run completed", structlog.Fields{
		"runs":        len(res.Runs),
		"skipped":     len(res.Skipped),
		"clusters":    len(res.Clusters),
		"anomalous":   st.summary.Anomalous,
		"no_evidence": st.summary.NoEvidence,
		"duration_ms": run.EndTime.Sub(run.StartTime).Milliseconds(),
	})
	return res, nil
}

func (p *Pipeline) executeStage(ctx context.Context, s stage, st *state, run *Run, logger *structlog.Logger) (err error) {
	result := &StageResult{
		StageName: s.Name(),
		StartTime: time.Now(),
		Status:    StatusRunning,
	}
	p.mu.Lock()
	run.Stages = append(run.Stages, result)
	p.mu.Unlock()

	ctx, span := otelobs.StartSpan(ctx, p.tracer, "pipeline."+s.Name(), nil)
	defer func() { otelobs.EndSpan(span, err) }()

	err = s.Execute(ctx, st)

	p.mu.Lock()
	result.EndTime = time.Now()
	result.Duration = result.EndTime.Sub(result.StartTime)
	result.Status = StatusCompleted
	if err != nil {
		result.Status = StatusFailed
		result.Error = err
	}
	p.mu.Unlock()

	p.metrics.ObserveStage(s.Name(), result.Status, result.Duration)
	logger.Debug("Pipeline stage finished", structlog.Fields{
		"stage":       s.Name(),
		"status":      result.Status,
		"duration_ms": result.Duration.Milliseconds(),
	})
	return err
}

func (p *Pipeline) record(run *Run) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.runs = append(p.runs, run)
	if len(p.runs) > maxRunHistory {
		p.runs = p.runs[len(p.runs)-maxRunHistory:]
	}
	p.lastRun = run
}

func (p *Pipeline) finish(run *Run, status string, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	run.Status = status
	run.Error = err
	run.EndTime = time.Now()
}

// LastRun returns the most recent execution record.
func (p *Pipeline) LastRun() *Run {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.lastRun
}

// Runs returns the retained execution records, oldest first.
func (p *Pipeline) Runs() []*Run {
	p.mu.RLock()
	defer p.mu.RUnlock()
	runs := make([]*Run, len(p.runs))
	copy(runs, p.runs)
	return runs
}

// Close releases resources acquired by FromConfig.
func (p *Pipeline) Close(ctx context.Context) error {
	var first error
	for _, c := range p.closers {
		if err := c(ctx); err != nil && first == nil {
			first = err
		}
	}
	p.closers = nil
	if err := p.logger.Sync(); err != nil && first == nil {
		first = err
	}
	return first
}
