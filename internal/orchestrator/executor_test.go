package orchestrator

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/halvardlabs/autoboard/internal/approval"
	"github.com/halvardlabs/autoboard/internal/feature"
	"github.com/halvardlabs/autoboard/internal/pipeline"
	"github.com/halvardlabs/autoboard/internal/plan"
)

func TestExecuteReachesVerified(t *testing.T) {
	runner := &fakeRunner{outputs: []string{"made the change"}}
	env := newTestEnv(t, runner, nil)
	env.save(t, &feature.Feature{ID: "f1", Description: "add search", Status: feature.StatusBacklog})

	require.NoError(t, env.orch.Execute(context.Background(), ExecuteOptions{
		ProjectPath: env.project, FeatureID: "f1",
	}))

	assert.Equal(t, feature.StatusVerified, env.load(t, "f1").Status)

	transcript, err := env.store.ReadTranscript(env.project, "f1")
	require.NoError(t, err)
	assert.Contains(t, transcript, "made the change")
}

func TestExecuteSkipTestsStopsAtWaitingApproval(t *testing.T) {
	runner := &fakeRunner{outputs: []string{"done"}}
	env := newTestEnv(t, runner, nil)
	env.save(t, &feature.Feature{
		ID: "f1", Description: "add search",
		Status: feature.StatusBacklog, SkipTests: true,
	})

	require.NoError(t, env.orch.Execute(context.Background(), ExecuteOptions{
		ProjectPath: env.project, FeatureID: "f1",
	}))

	assert.Equal(t, feature.StatusWaitingApproval, env.load(t, "f1").Status)
}

func TestExecuteFailureRollsBackToBacklog(t *testing.T) {
	runner := &fakeRunner{errs: []error{errors.New("provider exploded")}}
	env := newTestEnv(t, runner, nil)
	env.save(t, &feature.Feature{ID: "f1", Description: "add search", Status: feature.StatusBacklog})

	err := env.orch.Execute(context.Background(), ExecuteOptions{
		ProjectPath: env.project, FeatureID: "f1",
	})
	require.Error(t, err)

	assert.Equal(t, feature.StatusBacklog, env.load(t, "f1").Status)
	assert.Len(t, env.mon.Failures(), 1)
	assert.False(t, env.orch.IsRunning("f1"))
}

func TestExecuteRunsPipelineStepsThenFinalizes(t *testing.T) {
	runner := &fakeRunner{outputs: []string{"implemented", "tests pass", "review clean"}}
	env := newTestEnv(t, runner, []pipeline.Step{
		{ID: "review", Name: "Review", Order: 2, Instructions: "review the diff"},
		{ID: "tests", Name: "Tests", Order: 1, Instructions: "run the tests"},
	})
	env.save(t, &feature.Feature{ID: "f1", Description: "add search", Status: feature.StatusBacklog})

	require.NoError(t, env.orch.Execute(context.Background(), ExecuteOptions{
		ProjectPath: env.project, FeatureID: "f1",
	}))

	require.Equal(t, 3, runner.calls())
	assert.Contains(t, runner.prompt(1), "run the tests")
	assert.Contains(t, runner.prompt(2), "review the diff")
	assert.Equal(t, feature.StatusVerified, env.load(t, "f1").Status)
}

func TestExecutePlanApprovalFlow(t *testing.T) {
	runner := &fakeRunner{outputs: []string{
		"plan body\n" + plan.ReadyMarker,
		"implemented per plan",
	}}
	env := newTestEnv(t, runner, nil)
	env.save(t, &feature.Feature{
		ID: "f1", Description: "add search",
		Status:              feature.StatusBacklog,
		PlanningMode:        feature.PlanningSpec,
		RequirePlanApproval: true,
	})

	done := make(chan error, 1)
	go func() {
		done <- env.orch.Execute(context.Background(), ExecuteOptions{
			ProjectPath: env.project, FeatureID: "f1",
		})
	}()

	waitFor(t, func() bool { return env.gate.Pending("f1") }, "plan to reach the gate")

	f := env.load(t, "f1")
	assert.Equal(t, feature.StatusWaitingApproval, f.Status)
	require.NotNil(t, f.PlanSpec)
	assert.Equal(t, feature.PlanGenerated, f.PlanSpec.Status)
	assert.Equal(t, "plan body", f.PlanSpec.Content)
	assert.Equal(t, 1, f.PlanSpec.Version)

	require.NoError(t, env.orch.ResolveApproval(env.project, "f1", approval.Decision{Approved: true}))
	require.NoError(t, <-done)

	assert.Contains(t, runner.prompt(1), "plan body")

	f = env.load(t, "f1")
	assert.Equal(t, feature.StatusVerified, f.Status)
	assert.Equal(t, feature.PlanApproved, f.PlanSpec.Status)
	assert.True(t, f.PlanSpec.ReviewedByUser)
}

func TestExecutePlanAutoApprovedWithoutReview(t *testing.T) {
	runner := &fakeRunner{outputs: []string{
		"plan body\n" + plan.ReadyMarker,
		"implemented per plan",
	}}
	env := newTestEnv(t, runner, nil)
	env.save(t, &feature.Feature{
		ID: "f1", Description: "add search",
		Status:       feature.StatusBacklog,
		PlanningMode: feature.PlanningLite,
	})

	require.NoError(t, env.orch.Execute(context.Background(), ExecuteOptions{
		ProjectPath: env.project, FeatureID: "f1",
	}))

	require.Equal(t, 2, runner.calls())
	assert.Contains(t, runner.prompt(1), "plan body")

	f := env.load(t, "f1")
	assert.Equal(t, feature.StatusVerified, f.Status)
	require.NotNil(t, f.PlanSpec)
	assert.Equal(t, feature.PlanApproved, f.PlanSpec.Status)
	assert.False(t, f.PlanSpec.ReviewedByUser)
}

func TestExecutePlanRevisionLoop(t *testing.T) {
	runner := &fakeRunner{outputs: []string{
		"draft one\n" + plan.ReadyMarker,
		"draft two\n" + plan.ReadyMarker,
		"implemented",
	}}
	env := newTestEnv(t, runner, nil)
	env.save(t, &feature.Feature{
		ID: "f1", Description: "add search",
		Status:              feature.StatusBacklog,
		PlanningMode:        feature.PlanningFull,
		RequirePlanApproval: true,
	})

	done := make(chan error, 1)
	go func() {
		done <- env.orch.Execute(context.Background(), ExecuteOptions{
			ProjectPath: env.project, FeatureID: "f1",
		})
	}()

	waitFor(t, func() bool { return env.gate.Pending("f1") }, "first draft")
	require.NoError(t, env.orch.ResolveApproval(env.project, "f1",
		approval.Decision{Feedback: "split phase two"}))

	waitFor(t, func() bool { return env.gate.Pending("f1") }, "second draft")
	f := env.load(t, "f1")
	assert.Equal(t, "draft two", f.PlanSpec.Content)
	assert.Equal(t, 2, f.PlanSpec.Version, "regeneration bumps the version")

	require.NoError(t, env.orch.ResolveApproval(env.project, "f1", approval.Decision{Approved: true}))
	require.NoError(t, <-done)

	assert.Contains(t, runner.prompt(1), "draft one")
	assert.Contains(t, runner.prompt(1), "split phase two")
	assert.Equal(t, feature.StatusVerified, env.load(t, "f1").Status)
}

func TestExecutePlanRejectedOutright(t *testing.T) {
	runner := &fakeRunner{outputs: []string{"bad plan\n" + plan.ReadyMarker}}
	env := newTestEnv(t, runner, nil)
	env.save(t, &feature.Feature{
		ID: "f1", Description: "add search",
		Status:              feature.StatusBacklog,
		PlanningMode:        feature.PlanningLite,
		RequirePlanApproval: true,
	})

	done := make(chan error, 1)
	go func() {
		done <- env.orch.Execute(context.Background(), ExecuteOptions{
			ProjectPath: env.project, FeatureID: "f1",
		})
	}()

	waitFor(t, func() bool { return env.gate.Pending("f1") }, "plan to reach the gate")
	require.NoError(t, env.orch.ResolveApproval(env.project, "f1", approval.Decision{}))
	require.NoError(t, <-done)

	f := env.load(t, "f1")
	assert.Equal(t, feature.StatusBacklog, f.Status)
	assert.Equal(t, feature.PlanRejected, f.PlanSpec.Status)
	assert.Equal(t, 1, runner.calls(), "no implementation after a rejected plan")
	assert.Empty(t, env.mon.Failures(), "rejection is not a failure")
}

func TestExecuteResumeStaleStepFinalizesWithoutProviderCall(t *testing.T) {
	runner := &fakeRunner{}
	env := newTestEnv(t, runner, []pipeline.Step{
		{ID: "review", Name: "Review", Order: 1},
	})
	env.save(t, &feature.Feature{
		ID: "f1", Description: "add search",
		Status: feature.PipelineStatus("lint"), // removed from config
	})
	require.NoError(t, env.store.WriteTranscript(env.project, "f1", "earlier implementation"))

	require.NoError(t, env.orch.Execute(context.Background(), ExecuteOptions{
		ProjectPath: env.project, FeatureID: "f1",
	}))

	assert.Zero(t, runner.calls())
	assert.Equal(t, feature.StatusVerified, env.load(t, "f1").Status)
}

func TestExecuteResumeRerunsInterruptedStepAndRest(t *testing.T) {
	runner := &fakeRunner{outputs: []string{"tests again", "review done"}}
	env := newTestEnv(t, runner, []pipeline.Step{
		{ID: "tests", Name: "Tests", Order: 1, Instructions: "run the tests"},
		{ID: "review", Name: "Review", Order: 2, Instructions: "review the diff"},
	})
	env.save(t, &feature.Feature{
		ID: "f1", Description: "add search",
		Status: feature.PipelineStatus("tests"),
	})
	require.NoError(t, env.store.WriteTranscript(env.project, "f1", "earlier implementation"))

	require.NoError(t, env.orch.Execute(context.Background(), ExecuteOptions{
		ProjectPath: env.project, FeatureID: "f1",
	}))

	require.Equal(t, 2, runner.calls(), "interrupted step plus the one after it, no implementation call")
	assert.Contains(t, runner.prompt(0), "run the tests")
	assert.Contains(t, runner.prompt(0), "earlier implementation")
	assert.Contains(t, runner.prompt(1), "review the diff")
	assert.Equal(t, feature.StatusVerified, env.load(t, "f1").Status)
}

func TestExecuteResumeWithoutTranscriptRestartsFresh(t *testing.T) {
	runner := &fakeRunner{outputs: []string{"fresh run"}}
	env := newTestEnv(t, runner, nil)
	env.save(t, &feature.Feature{
		ID: "f1", Description: "add search",
		Status: feature.StatusInProgress,
	})

	require.NoError(t, env.orch.Execute(context.Background(), ExecuteOptions{
		ProjectPath: env.project, FeatureID: "f1",
	}))

	require.Equal(t, 1, runner.calls())
	assert.Contains(t, runner.prompt(0), "add search")
	assert.NotContains(t, runner.prompt(0), "Work so far")
	assert.Equal(t, feature.StatusVerified, env.load(t, "f1").Status)
}

func TestExecuteResumeWithTranscriptContinues(t *testing.T) {
	runner := &fakeRunner{outputs: []string{"finished the rest"}}
	env := newTestEnv(t, runner, nil)
	env.save(t, &feature.Feature{
		ID: "f1", Description: "add search",
		Status: feature.StatusInProgress,
	})
	require.NoError(t, env.store.WriteTranscript(env.project, "f1", "half the work"))

	require.NoError(t, env.orch.Execute(context.Background(), ExecuteOptions{
		ProjectPath: env.project, FeatureID: "f1",
	}))

	require.Equal(t, 1, runner.calls())
	assert.Contains(t, runner.prompt(0), "half the work")
	assert.Contains(t, runner.prompt(0), "interrupted")

	transcript, err := env.store.ReadTranscript(env.project, "f1")
	require.NoError(t, err)
	assert.Contains(t, transcript, "half the work", "prior output survives the resume")
	assert.Contains(t, transcript, "finished the rest")
}

func TestExecuteRetryAfterRollbackContinuesFromTranscript(t *testing.T) {
	runner := &fakeRunner{outputs: []string{"finished the rest"}}
	env := newTestEnv(t, runner, nil)

	// A failed execution rolls the feature back to backlog but keeps the
	// transcript; the retry must resume the session, not start over.
	env.save(t, &feature.Feature{
		ID: "f1", Description: "add search",
		Status: feature.StatusBacklog,
	})
	require.NoError(t, env.store.WriteTranscript(env.project, "f1", "half the work"))

	require.NoError(t, env.orch.Execute(context.Background(), ExecuteOptions{
		ProjectPath: env.project, FeatureID: "f1",
	}))

	require.Equal(t, 1, runner.calls())
	assert.Contains(t, runner.prompt(0), "half the work")
	assert.Contains(t, runner.prompt(0), "interrupted")
	assert.Equal(t, feature.StatusVerified, env.load(t, "f1").Status)
}

func TestExecuteUnknownFeatureFails(t *testing.T) {
	env := newTestEnv(t, &fakeRunner{}, nil)

	err := env.orch.Execute(context.Background(), ExecuteOptions{
		ProjectPath: env.project, FeatureID: "ghost",
	})
	require.Error(t, err)
	require.ErrorIs(t, err, feature.ErrNotFound)
}
