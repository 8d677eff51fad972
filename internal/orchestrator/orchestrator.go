package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/halvardlabs/autoboard/internal/agent"
	"github.com/halvardlabs/autoboard/internal/approval"
	"github.com/halvardlabs/autoboard/internal/events"
	"github.com/halvardlabs/autoboard/internal/feature"
	"github.com/halvardlabs/autoboard/internal/monitor"
	"github.com/halvardlabs/autoboard/internal/pipeline"
	"github.com/halvardlabs/autoboard/internal/worktree"
)

const instrumentationName = "github.com/halvardlabs/autoboard/internal/orchestrator"

var (
	// ErrExecutionBusy means the feature already has a running execution.
	ErrExecutionBusy = errors.New("execution already running for feature")
	// ErrLoopAlreadyRunning means StartLoop was called while running.
	ErrLoopAlreadyRunning = errors.New("auto loop already running")
	// ErrLoopNotRunning means StopLoop was called while stopped.
	ErrLoopNotRunning = errors.New("auto loop not running")
)

// Config tunes the orchestrator.
type Config struct {
	// DefaultModel is used when a feature does not pin a model.
	DefaultModel string
	// FlushInterval is the transcript debounce interval.
	FlushInterval time.Duration
	// PollInterval is the loop's delay between scheduling passes.
	PollInterval time.Duration
	// IdleInterval is the loop's delay when nothing is eligible.
	IdleInterval time.Duration
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		DefaultModel:  "sonnet",
		FlushInterval: 500 * time.Millisecond,
		PollInterval:  2 * time.Second,
		IdleInterval:  10 * time.Second,
	}
}

// RunningExecution is the ephemeral record of one in-flight execution.
type RunningExecution struct {
	FeatureID      string
	ProjectPath    string
	WorktreePath   string
	BranchName     string
	AutoDispatched bool
	StartTime      time.Time

	cancel context.CancelFunc
}

// Orchestrator owns all orchestration state: the running-execution
// registry, the approval gate, and the auto loop. No global state; every
// collection lives on this struct.
type Orchestrator struct {
	cfg       Config
	store     *feature.Store
	worktrees *worktree.Locator
	runner    agent.Runner
	gate      *approval.Gate
	pipelines pipeline.Provider
	steps     *pipeline.StepRunner
	monitor   *monitor.Monitor
	sink      events.Sink
	logger    *zap.Logger

	tracer          trace.Tracer
	dispatchCounter metric.Int64Counter

	mu      sync.Mutex
	running map[string]*RunningExecution

	loopMu      sync.Mutex
	loopCancel  context.CancelFunc
	loopRunning bool
	loopDone    chan struct{}
}

// New creates an orchestrator.
func New(
	cfg Config,
	store *feature.Store,
	worktrees *worktree.Locator,
	runner agent.Runner,
	gate *approval.Gate,
	pipelines pipeline.Provider,
	steps *pipeline.StepRunner,
	mon *monitor.Monitor,
	sink events.Sink,
	logger *zap.Logger,
) (*Orchestrator, error) {
	if store == nil {
		return nil, errors.New("store is required")
	}
	if runner == nil {
		return nil, errors.New("agent runner is required")
	}
	if gate == nil {
		return nil, errors.New("approval gate is required")
	}
	if steps == nil {
		return nil, errors.New("step runner is required")
	}
	if mon == nil {
		return nil, errors.New("failure monitor is required")
	}
	if worktrees == nil {
		worktrees = worktree.NewLocator(nil, logger)
	}
	if pipelines == nil {
		pipelines = pipeline.StaticProvider{}
	}
	if sink == nil {
		sink = events.NopSink{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = DefaultConfig().FlushInterval
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultConfig().PollInterval
	}
	if cfg.IdleInterval <= 0 {
		cfg.IdleInterval = DefaultConfig().IdleInterval
	}

	o := &Orchestrator{
		cfg:       cfg,
		store:     store,
		worktrees: worktrees,
		runner:    runner,
		gate:      gate,
		pipelines: pipelines,
		steps:     steps,
		monitor:   mon,
		sink:      sink,
		logger:    logger,
		tracer:    otel.Tracer(instrumentationName),
		running:   make(map[string]*RunningExecution),
	}

	var err error
	o.dispatchCounter, err = otel.Meter(instrumentationName).Int64Counter(
		"autoboard.orchestrator.dispatches_total",
		metric.WithDescription("Feature executions dispatched"),
	)
	if err != nil {
		logger.Warn("failed to create dispatch counter", zap.Error(err))
	}

	mon.SetPauseFunc(o.pauseLoop)

	return o, nil
}

// register records a RunningExecution for the feature, or fails with
// ErrExecutionBusy. It happens before any I/O so the at-most-one
// invariant holds even under concurrent dispatch attempts.
func (o *Orchestrator) register(parent context.Context, opts ExecuteOptions) (*RunningExecution, context.Context, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	if _, exists := o.running[opts.FeatureID]; exists {
		return nil, nil, fmt.Errorf("%w: %s", ErrExecutionBusy, opts.FeatureID)
	}

	ctx, cancel := context.WithCancel(parent)
	exec := &RunningExecution{
		FeatureID:      opts.FeatureID,
		ProjectPath:    opts.ProjectPath,
		AutoDispatched: opts.AutoDispatched,
		StartTime:      time.Now(),
		cancel:         cancel,
	}
	o.running[opts.FeatureID] = exec
	return exec, ctx, nil
}

// unregister removes the execution record if it is still the registered
// one. StopExecution may already have freed the slot; a newer execution
// must not be evicted by a stale cleanup.
func (o *Orchestrator) unregister(exec *RunningExecution) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if cur, ok := o.running[exec.FeatureID]; ok && cur == exec {
		delete(o.running, exec.FeatureID)
	}
}

// IsRunning reports whether the feature has an in-flight execution.
func (o *Orchestrator) IsRunning(featureID string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	_, ok := o.running[featureID]
	return ok
}

// RunningCount returns the number of in-flight executions.
func (o *Orchestrator) RunningCount() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.running)
}

// Running returns a snapshot of the in-flight executions.
func (o *Orchestrator) Running() []RunningExecution {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]RunningExecution, 0, len(o.running))
	for _, exec := range o.running {
		out = append(out, *exec)
	}
	return out
}

// StopExecution cancels the feature's execution and frees its slot
// immediately; the provider call may still be unwinding in the
// background. Any pending approval is rejected. Returns false when
// nothing was running.
func (o *Orchestrator) StopExecution(featureID string) bool {
	o.mu.Lock()
	exec, ok := o.running[featureID]
	if ok {
		delete(o.running, featureID)
	}
	o.mu.Unlock()

	if !ok {
		return false
	}

	exec.cancel()
	o.gate.Cancel(featureID)
	o.logger.Info("execution stopped by user", zap.String("feature_id", featureID))
	return true
}

// ResolveApproval settles a pending plan approval. When the in-memory
// pending entry was lost (process restart) but the persisted plan still
// shows generated, the decision is applied to the persisted plan and
// execution is re-dispatched with a reconstructed continuation prompt.
func (o *Orchestrator) ResolveApproval(projectPath, featureID string, d approval.Decision) error {
	err := o.gate.Resolve(featureID, d)
	if errors.Is(err, approval.ErrNoPending) {
		err = o.recoverApproval(projectPath, featureID, d)
	}
	if err != nil {
		return err
	}

	o.sink.Publish(events.Event{
		Type:        events.TypePlanResolved,
		FeatureID:   featureID,
		ProjectPath: projectPath,
		Message:     fmt.Sprintf("approved=%t", d.Approved),
	})
	return nil
}

// recoverApproval is the restart-recovery path: no waiter exists, but the
// persisted plan is still awaiting a decision.
func (o *Orchestrator) recoverApproval(projectPath, featureID string, d approval.Decision) error {
	f, err := o.store.Load(projectPath, featureID)
	if err != nil {
		return err
	}
	spec := f.PlanSpec
	if spec == nil || spec.Status != feature.PlanGenerated {
		return fmt.Errorf("%w: %s", approval.ErrNoPending, featureID)
	}

	o.logger.Info("recovering lost approval from persisted plan",
		zap.String("feature_id", featureID),
		zap.Bool("approved", d.Approved),
	)

	switch {
	case d.Approved:
		if d.EditedContent != "" {
			spec.SetContent(d.EditedContent)
		}
		spec.Status = feature.PlanApproved
		spec.ReviewedByUser = true
		if err := o.store.Save(projectPath, f); err != nil {
			return err
		}
		return o.dispatch(ExecuteOptions{
			ProjectPath:  projectPath,
			FeatureID:    featureID,
			UseIsolation: f.WorktreePath != "",
			continuation: &continuationContext{
				prompt: implementPrompt(spec.Content),
			},
		})

	case d.IsRevision():
		prior := spec.Content
		if d.EditedContent != "" {
			spec.SetContent(d.EditedContent)
			prior = d.EditedContent
		}
		spec.Status = feature.PlanGenerating
		if err := o.store.Save(projectPath, f); err != nil {
			return err
		}
		return o.dispatch(ExecuteOptions{
			ProjectPath:  projectPath,
			FeatureID:    featureID,
			UseIsolation: f.WorktreePath != "",
			continuation: &continuationContext{
				prompt: revisePrompt(prior, d.Feedback),
			},
		})

	default:
		// Plain rejection: explicit cancel.
		spec.Status = feature.PlanRejected
		f.Status = feature.StatusBacklog
		return o.store.Save(projectPath, f)
	}
}

// dispatch runs Execute in the background, logging the outcome.
func (o *Orchestrator) dispatch(opts ExecuteOptions) error {
	go func() {
		if err := o.Execute(context.Background(), opts); err != nil {
			o.logger.Error("dispatched execution failed",
				zap.String("feature_id", opts.FeatureID), zap.Error(err))
		}
	}()
	return nil
}
