package orchestrator

import (
	"github.com/halvardlabs/autoboard/internal/feature"
	"github.com/halvardlabs/autoboard/internal/pipeline"
)

// resumeAction classifies how to handle a feature that may have been
// interrupted mid-execution by a crash or restart.
type resumeAction int

const (
	// actionFresh starts a normal first execution.
	actionFresh resumeAction = iota
	// actionRestart starts over: the feature was marked in progress but no
	// output survived, so nothing is worth continuing from.
	actionRestart
	// actionContinue resumes implementation from the surviving transcript.
	actionContinue
	// actionRerunStep re-runs the pipeline step the feature stopped in,
	// then the steps after it.
	actionRerunStep
	// actionFinalize skips straight to the terminal status: the feature
	// stopped in a pipeline step that no longer exists in the config, so
	// implementation is done and the remaining steps cannot be named.
	actionFinalize
)

// classifyResume decides the resume action for a feature from its
// persisted status, whether any transcript survived, and the current
// pipeline config.
func classifyResume(f *feature.Feature, hasTranscript bool, cfg *pipeline.Config) (resumeAction, pipeline.Step) {
	if stepID, ok := f.Status.PipelineStepID(); ok {
		// A pipeline position without any surviving output is meaningless;
		// start the whole execution over.
		if !hasTranscript {
			return actionRestart, pipeline.Step{}
		}
		if cfg != nil {
			if step, found := cfg.Find(stepID); found {
				return actionRerunStep, step
			}
		}
		return actionFinalize, pipeline.Step{}
	}

	// A finished feature being run again gets a clean slate; leftover
	// output from the prior run must not leak into the new session.
	if f.Status.IsDone() {
		if hasTranscript {
			return actionRestart, pipeline.Step{}
		}
		return actionFresh, pipeline.Step{}
	}

	// Any other status with surviving output is a continuation. This
	// covers a failed run rolled back to backlog, whose transcript is
	// kept precisely so the retry can pick up where it stopped.
	if hasTranscript {
		return actionContinue, pipeline.Step{}
	}

	if f.Status == feature.StatusInProgress {
		return actionRestart, pipeline.Step{}
	}

	return actionFresh, pipeline.Step{}
}

// stepsFrom returns the tail of the sorted step list starting at the
// given step, so a resumed feature re-runs its interrupted step and
// everything after it.
func stepsFrom(cfg *pipeline.Config, from pipeline.Step) []pipeline.Step {
	if cfg == nil {
		return []pipeline.Step{from}
	}
	sorted := cfg.Sorted()
	for i, s := range sorted {
		if s.ID == from.ID {
			return sorted[i:]
		}
	}
	return []pipeline.Step{from}
}
