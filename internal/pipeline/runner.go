package pipeline

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/halvardlabs/autoboard/internal/agent"
	"github.com/halvardlabs/autoboard/internal/events"
	"github.com/halvardlabs/autoboard/internal/feature"
)

// StepRunner executes pipeline steps strictly in ascending order,
// persisting the shared transcript after every step so later steps (and
// crash recovery) can read earlier output.
type StepRunner struct {
	store  *feature.Store
	runner agent.Runner
	sink   events.Sink
	logger *zap.Logger
}

// NewStepRunner creates a step runner.
func NewStepRunner(store *feature.Store, runner agent.Runner, sink events.Sink, logger *zap.Logger) (*StepRunner, error) {
	if store == nil {
		return nil, fmt.Errorf("store is required")
	}
	if runner == nil {
		return nil, fmt.Errorf("agent runner is required")
	}
	if sink == nil {
		sink = events.NopSink{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &StepRunner{store: store, runner: runner, sink: sink, logger: logger}, nil
}

// RunRequest describes a pipeline run for one feature.
type RunRequest struct {
	ProjectPath string
	Feature     *feature.Feature
	Steps       []Step
	WorkDir     string
	Model       string
}

// RunSteps executes the given steps in ascending order. Failure of any
// step aborts the remainder; the error carries the step id.
func (r *StepRunner) RunSteps(ctx context.Context, req RunRequest) error {
	cfg := Config{Steps: req.Steps}

	for _, step := range cfg.Sorted() {
		if err := r.runStep(ctx, req, step); err != nil {
			return fmt.Errorf("pipeline step %s: %w", step.ID, err)
		}
	}
	return nil
}

func (r *StepRunner) runStep(ctx context.Context, req RunRequest, step Step) error {
	f := req.Feature

	f.Status = feature.PipelineStatus(step.ID)
	if err := r.store.Save(req.ProjectPath, f); err != nil {
		return fmt.Errorf("failed to record step status: %w", err)
	}
	r.sink.Publish(events.Event{
		Type:        events.TypeStatusChanged,
		FeatureID:   f.ID,
		ProjectPath: req.ProjectPath,
		Status:      string(f.Status),
	})

	prior, err := r.store.ReadTranscript(req.ProjectPath, f.ID)
	if err != nil {
		return err
	}

	r.logger.Info("running pipeline step",
		zap.String("feature_id", f.ID),
		zap.String("step_id", step.ID),
		zap.Int("order", step.Order),
	)

	var output strings.Builder
	onEvent := func(ev agent.Event) {
		if ev.Type != agent.EventText || ev.Text == "" {
			return
		}
		output.WriteString(ev.Text)
		r.sink.Publish(events.Event{
			Type:        events.TypeProgress,
			FeatureID:   f.ID,
			ProjectPath: req.ProjectPath,
			Message:     ev.Text,
		})
	}

	execErr := r.runner.Execute(ctx, agent.Request{
		Prompt:  StepPrompt(f, step, prior),
		Model:   req.Model,
		WorkDir: req.WorkDir,
	}, onEvent)

	// Persist whatever the step produced, even on failure, so a re-run
	// sees the partial output.
	if output.Len() > 0 {
		combined := prior + stepHeader(step) + output.String()
		if err := r.store.WriteTranscript(req.ProjectPath, f.ID, combined); err != nil {
			r.logger.Warn("failed to persist step output",
				zap.String("feature_id", f.ID), zap.Error(err))
		}
	}

	return execErr
}

func stepHeader(step Step) string {
	return fmt.Sprintf("\n\n---\n## Pipeline step: %s\n\n", step.Name)
}

// StepPrompt builds the step-scoped prompt from the feature summary, the
// accumulated prior output, and the step instructions.
func StepPrompt(f *feature.Feature, step Step, priorOutput string) string {
	var b strings.Builder

	fmt.Fprintf(&b, "You are running the %q step of a post-implementation pipeline.\n\n", step.Name)
	fmt.Fprintf(&b, "## Feature\n\n%s\n\n", f.Description)

	if priorOutput != "" {
		fmt.Fprintf(&b, "## Work so far\n\n%s\n\n", priorOutput)
	}

	fmt.Fprintf(&b, "## Step instructions\n\n%s\n", step.Instructions)
	return b.String()
}
