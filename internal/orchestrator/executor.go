package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/halvardlabs/autoboard/internal/agent"
	"github.com/halvardlabs/autoboard/internal/approval"
	"github.com/halvardlabs/autoboard/internal/events"
	"github.com/halvardlabs/autoboard/internal/feature"
	"github.com/halvardlabs/autoboard/internal/pipeline"
	"github.com/halvardlabs/autoboard/internal/plan"
)

// ExecuteOptions describes one execution request.
type ExecuteOptions struct {
	ProjectPath string
	FeatureID   string
	// UseIsolation runs the provider inside a branch-bound worktree.
	UseIsolation bool
	// BaseBranch seeds a newly created worktree branch; empty means HEAD.
	BaseBranch string
	// AutoDispatched marks loop-originated executions.
	AutoDispatched bool

	continuation *continuationContext
}

// Execute runs one feature execution to a terminal outcome. The feature's
// registry slot is claimed before any I/O; a second Execute for the same
// id fails fast with ErrExecutionBusy.
func (o *Orchestrator) Execute(ctx context.Context, opts ExecuteOptions) error {
	exec, runCtx, err := o.register(ctx, opts)
	if err != nil {
		return err
	}
	defer o.unregister(exec)
	defer exec.cancel()

	runCtx, span := o.tracer.Start(runCtx, "orchestrator.execute",
		trace.WithAttributes(
			attribute.String("feature.id", opts.FeatureID),
			attribute.Bool("auto_dispatched", opts.AutoDispatched),
		))
	defer span.End()

	if o.dispatchCounter != nil {
		o.dispatchCounter.Add(runCtx, 1)
	}
	o.sink.Publish(events.Event{
		Type:        events.TypeFeatureDispatched,
		FeatureID:   opts.FeatureID,
		ProjectPath: opts.ProjectPath,
	})

	if err := o.run(runCtx, exec, opts); err != nil {
		return o.handleFailure(opts, err)
	}
	return nil
}

func (o *Orchestrator) run(ctx context.Context, exec *RunningExecution, opts ExecuteOptions) error {
	f, err := o.store.Load(opts.ProjectPath, opts.FeatureID)
	if err != nil {
		return err
	}

	cfg, err := o.pipelines.Get(opts.ProjectPath)
	if err != nil {
		o.logger.Warn("pipeline config unreadable, running without steps",
			zap.String("feature_id", f.ID), zap.Error(err))
		cfg = nil
	}

	var (
		prompt    string
		rerunFrom *pipeline.Step
	)

	switch {
	case opts.continuation != nil:
		prompt = opts.continuation.prompt

	default:
		action, step := classifyResume(f, o.store.HasTranscript(opts.ProjectPath, f.ID), cfg)
		switch action {
		case actionFinalize:
			o.logger.Info("resuming past a removed pipeline step, finalizing",
				zap.String("feature_id", f.ID), zap.String("status", string(f.Status)))
			return o.finalize(opts, f)

		case actionRerunStep:
			o.logger.Info("resuming from interrupted pipeline step",
				zap.String("feature_id", f.ID), zap.String("step_id", step.ID))
			rerunFrom = &step

		case actionContinue:
			transcript, err := o.store.ReadTranscript(opts.ProjectPath, f.ID)
			if err != nil {
				return err
			}
			o.logger.Info("resuming interrupted implementation",
				zap.String("feature_id", f.ID))
			prompt = continuePrompt(f, transcript)

		case actionRestart:
			if err := o.store.ClearTranscript(opts.ProjectPath, f.ID); err != nil {
				return err
			}
			fallthrough

		default:
			attached, _ := o.store.AttachedContext(opts.ProjectPath, f.ID)
			prompt = initialPrompt(f, attached)
		}
	}

	workDir := o.setupWorkspace(ctx, exec, opts, f)

	if err := o.setStatus(opts.ProjectPath, f, feature.StatusInProgress); err != nil {
		return err
	}

	if rerunFrom == nil {
		if err := o.converse(ctx, opts, f, workDir, prompt); err != nil {
			return err
		}
	}

	if cfg != nil && len(cfg.Steps) > 0 {
		steps := cfg.Sorted()
		if rerunFrom != nil {
			steps = stepsFrom(cfg, *rerunFrom)
		}
		err := o.steps.RunSteps(ctx, pipeline.RunRequest{
			ProjectPath: opts.ProjectPath,
			Feature:     f,
			Steps:       steps,
			WorkDir:     workDir,
			Model:       o.modelFor(f),
		})
		if err != nil {
			return err
		}
	}

	return o.finalize(opts, f)
}

// converse drives the provider conversation: the initial (or resumed)
// stream, then zero or more plan review rounds until the stream ends
// without a plan marker.
func (o *Orchestrator) converse(ctx context.Context, opts ExecuteOptions, f *feature.Feature, workDir, prompt string) error {
	for {
		output, err := o.streamProvider(ctx, opts, f, workDir, prompt)
		if err != nil {
			return err
		}

		outcome := plan.DetectOutcome(output)
		if outcome.Kind != plan.PlanReady {
			return nil
		}

		next, done, err := o.reviewPlan(ctx, opts, f, outcome.Content)
		if err != nil || done {
			return err
		}
		prompt = next
	}
}

// reviewPlan persists the generated plan, blocks on human approval, and
// returns the follow-up prompt. done means the execution ends here
// (the plan was rejected outright). Features that don't require review
// get the plan auto-approved and move straight to implementation.
func (o *Orchestrator) reviewPlan(ctx context.Context, opts ExecuteOptions, f *feature.Feature, content string) (next string, done bool, err error) {
	spec := f.EnsurePlanSpec()
	spec.SetContent(content)
	spec.Status = feature.PlanGenerated
	plan.Apply(spec)

	if !f.RequirePlanApproval {
		spec.Status = feature.PlanApproved
		if err := o.store.Save(opts.ProjectPath, f); err != nil {
			return "", false, err
		}
		o.sink.Publish(events.Event{
			Type:        events.TypePlanResolved,
			FeatureID:   f.ID,
			ProjectPath: opts.ProjectPath,
			Message:     fmt.Sprintf("plan v%d auto-approved", spec.Version),
		})
		return implementPrompt(spec.Content), false, nil
	}

	if err := o.setStatus(opts.ProjectPath, f, feature.StatusWaitingApproval); err != nil {
		return "", false, err
	}
	o.sink.Publish(events.Event{
		Type:        events.TypePlanAwaitingApproval,
		FeatureID:   f.ID,
		ProjectPath: opts.ProjectPath,
		Message:     fmt.Sprintf("plan v%d awaiting review", spec.Version),
	})

	decision, err := o.gate.Wait(ctx, f.ID)
	if err != nil {
		if errors.Is(err, approval.ErrCanceled) {
			return "", false, context.Canceled
		}
		return "", false, err
	}

	switch {
	case decision.Approved:
		if decision.EditedContent != "" {
			spec.SetContent(decision.EditedContent)
			plan.Apply(spec)
		}
		spec.Status = feature.PlanApproved
		spec.ReviewedByUser = true
		if err := o.setStatus(opts.ProjectPath, f, feature.StatusInProgress); err != nil {
			return "", false, err
		}
		return implementPrompt(spec.Content), false, nil

	case decision.IsRevision():
		if decision.EditedContent != "" {
			spec.SetContent(decision.EditedContent)
			plan.Apply(spec)
		}
		prior := spec.Content
		spec.Status = feature.PlanGenerating
		if err := o.setStatus(opts.ProjectPath, f, feature.StatusInProgress); err != nil {
			return "", false, err
		}
		return revisePrompt(prior, decision.Feedback), false, nil

	default:
		spec.Status = feature.PlanRejected
		if err := o.setStatus(opts.ProjectPath, f, feature.StatusBacklog); err != nil {
			return "", false, err
		}
		o.sink.Publish(events.Event{
			Type:        events.TypeExecutionComplete,
			FeatureID:   f.ID,
			ProjectPath: opts.ProjectPath,
			Status:      string(f.Status),
			Message:     "plan rejected",
		})
		return "", true, nil
	}
}

// streamProvider runs one provider call, persisting output through the
// debounced transcript writer and fanning progress out to event sinks.
// It returns only this call's new output so an old plan marker in the
// transcript cannot re-trigger review.
func (o *Orchestrator) streamProvider(ctx context.Context, opts ExecuteOptions, f *feature.Feature, workDir, prompt string) (string, error) {
	tw, err := newTranscriptWriter(o.store, opts.ProjectPath, f.ID, o.cfg.FlushInterval, o.logger)
	if err != nil {
		return "", err
	}
	defer func() {
		if err := tw.Close(); err != nil {
			o.logger.Warn("final transcript flush failed",
				zap.String("feature_id", f.ID), zap.Error(err))
		}
	}()

	var out strings.Builder
	onEvent := func(ev agent.Event) {
		switch ev.Type {
		case agent.EventText:
			if ev.Text == "" {
				return
			}
			out.WriteString(ev.Text)
			tw.Append(ev.Text)
			o.sink.Publish(events.Event{
				Type:        events.TypeProgress,
				FeatureID:   f.ID,
				ProjectPath: opts.ProjectPath,
				Message:     ev.Text,
			})
		case agent.EventToolUse:
			o.sink.Publish(events.Event{
				Type:        events.TypeProgress,
				FeatureID:   f.ID,
				ProjectPath: opts.ProjectPath,
				Message:     "using tool: " + ev.ToolName,
			})
		case agent.EventError:
			o.logger.Warn("provider stream error event",
				zap.String("feature_id", f.ID), zap.String("text", ev.Text))
		}
	}

	execErr := o.runner.Execute(ctx, agent.Request{
		Prompt:  prompt,
		Model:   o.modelFor(f),
		WorkDir: workDir,
	}, onEvent)

	return out.String(), execErr
}

// setupWorkspace resolves the working directory for the provider call.
// Worktree failures degrade to the project root with a warning rather
// than failing the execution; isolation is preferred, not mandatory.
func (o *Orchestrator) setupWorkspace(ctx context.Context, exec *RunningExecution, opts ExecuteOptions, f *feature.Feature) string {
	branch := f.BranchName
	if branch == "" && opts.UseIsolation {
		branch = "autoboard/" + f.ID
	}
	if branch == "" {
		return opts.ProjectPath
	}

	path, err := o.worktrees.Create(ctx, opts.ProjectPath, branch, opts.BaseBranch)
	if err != nil {
		o.logger.Warn("worktree unavailable, running in project root",
			zap.String("feature_id", f.ID),
			zap.String("branch", branch),
			zap.Error(err))
		return opts.ProjectPath
	}

	f.BranchName = branch
	f.WorktreePath = path

	o.mu.Lock()
	exec.BranchName = branch
	exec.WorktreePath = path
	o.mu.Unlock()

	return path
}

// finalize records the terminal status. Features whose automated checks
// were skipped stop short of verified and wait for a human.
func (o *Orchestrator) finalize(opts ExecuteOptions, f *feature.Feature) error {
	terminal := feature.StatusVerified
	if f.SkipTests {
		terminal = feature.StatusWaitingApproval
	}
	if err := o.setStatus(opts.ProjectPath, f, terminal); err != nil {
		return err
	}

	o.sink.Publish(events.Event{
		Type:        events.TypeExecutionComplete,
		FeatureID:   f.ID,
		ProjectPath: opts.ProjectPath,
		Status:      string(f.Status),
	})
	o.monitor.RecordSuccess()

	o.logger.Info("execution complete",
		zap.String("feature_id", f.ID),
		zap.String("status", string(f.Status)))
	return nil
}

// handleFailure settles a failed execution: cancellation keeps the
// persisted status as-is; real failures roll back to backlog (transcript
// preserved for resume) and feed the failure monitor.
func (o *Orchestrator) handleFailure(opts ExecuteOptions, err error) error {
	kind := agent.Classify(err)

	if kind == agent.KindCanceled {
		o.sink.Publish(events.Event{
			Type:        events.TypeExecutionComplete,
			FeatureID:   opts.FeatureID,
			ProjectPath: opts.ProjectPath,
			Message:     "stopped by user",
		})
		o.logger.Info("execution canceled", zap.String("feature_id", opts.FeatureID))
		return nil
	}

	if f, loadErr := o.store.Load(opts.ProjectPath, opts.FeatureID); loadErr == nil {
		if rollbackErr := o.setStatus(opts.ProjectPath, f, feature.StatusBacklog); rollbackErr != nil {
			o.logger.Error("failed to roll back feature status",
				zap.String("feature_id", opts.FeatureID), zap.Error(rollbackErr))
		}
	} else {
		o.logger.Error("failed to load feature for rollback",
			zap.String("feature_id", opts.FeatureID), zap.Error(loadErr))
	}

	o.monitor.RecordFailure(kind, err.Error())
	o.sink.Publish(events.Event{
		Type:        events.TypeExecutionError,
		FeatureID:   opts.FeatureID,
		ProjectPath: opts.ProjectPath,
		ErrorKind:   string(kind),
		Message:     err.Error(),
	})

	return fmt.Errorf("execution of %s failed: %w", opts.FeatureID, err)
}

// setStatus persists a status transition and emits the change event.
func (o *Orchestrator) setStatus(projectPath string, f *feature.Feature, status feature.Status) error {
	f.Status = status
	if err := o.store.Save(projectPath, f); err != nil {
		return err
	}
	o.sink.Publish(events.Event{
		Type:        events.TypeStatusChanged,
		FeatureID:   f.ID,
		ProjectPath: projectPath,
		Status:      string(status),
	})
	return nil
}

func (o *Orchestrator) modelFor(f *feature.Feature) string {
	if f.Model != "" {
		return f.Model
	}
	return o.cfg.DefaultModel
}
