package orchestrator

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/halvardlabs/autoboard/internal/agent"
	"github.com/halvardlabs/autoboard/internal/approval"
	"github.com/halvardlabs/autoboard/internal/events"
	"github.com/halvardlabs/autoboard/internal/feature"
	"github.com/halvardlabs/autoboard/internal/monitor"
	"github.com/halvardlabs/autoboard/internal/pipeline"
	"github.com/halvardlabs/autoboard/internal/worktree"
)

// failingGit makes worktree creation fail so executions degrade to the
// project root instead of shelling out to a real git binary.
type failingGit struct{}

func (failingGit) Run(context.Context, string, ...string) (string, error) {
	return "", errors.New("git unavailable")
}

// fakeRunner plays back canned outputs per call and records prompts.
type fakeRunner struct {
	mu      sync.Mutex
	outputs []string
	errs    []error
	prompts []string

	// started receives one token when a call begins, if set.
	started chan struct{}
	// release blocks calls until closed, if set.
	release chan struct{}
}

func (r *fakeRunner) Execute(ctx context.Context, req agent.Request, onEvent func(agent.Event)) error {
	r.mu.Lock()
	call := len(r.prompts)
	r.prompts = append(r.prompts, req.Prompt)
	var out string
	if call < len(r.outputs) {
		out = r.outputs[call]
	}
	var callErr error
	if call < len(r.errs) {
		callErr = r.errs[call]
	}
	started := r.started
	release := r.release
	r.mu.Unlock()

	if started != nil {
		started <- struct{}{}
	}
	if release != nil {
		select {
		case <-release:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if callErr != nil {
		return callErr
	}
	if out != "" {
		onEvent(agent.Event{Type: agent.EventText, Text: out})
	}
	onEvent(agent.Event{Type: agent.EventResult, Text: "done"})
	return ctx.Err()
}

func (r *fakeRunner) calls() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.prompts)
}

func (r *fakeRunner) prompt(i int) string {
	r.mu.Lock()
	defer r.mu.Unlock()
	if i >= len(r.prompts) {
		return ""
	}
	return r.prompts[i]
}

// recordingSink captures published events for assertions.
type recordingSink struct {
	mu  sync.Mutex
	evs []events.Event
}

func (s *recordingSink) Publish(ev events.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.evs = append(s.evs, ev)
}

func (s *recordingSink) count(eventType events.Type) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, ev := range s.evs {
		if ev.Type == eventType {
			n++
		}
	}
	return n
}

type testEnv struct {
	orch    *Orchestrator
	store   *feature.Store
	gate    *approval.Gate
	mon     *monitor.Monitor
	runner  *fakeRunner
	project string
}

func newTestEnv(t *testing.T, runner *fakeRunner, steps []pipeline.Step) *testEnv {
	t.Helper()
	return newTestEnvWithSink(t, runner, steps, nil)
}

func newTestEnvWithSink(t *testing.T, runner *fakeRunner, steps []pipeline.Step, sink events.Sink) *testEnv {
	t.Helper()

	store := feature.NewStore(nil)
	gate := approval.NewGate(nil)
	stepRunner, err := pipeline.NewStepRunner(store, runner, nil, nil)
	require.NoError(t, err)
	mon := monitor.New(monitor.Config{}, nil)

	var provider pipeline.Provider = pipeline.StaticProvider{}
	if steps != nil {
		provider = pipeline.StaticProvider{Config: &pipeline.Config{Steps: steps}}
	}

	orch, err := New(Config{
		DefaultModel:  "sonnet",
		FlushInterval: 5 * time.Millisecond,
		PollInterval:  5 * time.Millisecond,
		IdleInterval:  5 * time.Millisecond,
	}, store, worktree.NewLocator(failingGit{}, nil), runner, gate, provider, stepRunner, mon, sink, nil)
	require.NoError(t, err)

	return &testEnv{
		orch:    orch,
		store:   store,
		gate:    gate,
		mon:     mon,
		runner:  runner,
		project: t.TempDir(),
	}
}

func (e *testEnv) save(t *testing.T, f *feature.Feature) {
	t.Helper()
	require.NoError(t, e.store.Save(e.project, f))
}

func (e *testEnv) load(t *testing.T, id string) *feature.Feature {
	t.Helper()
	f, err := e.store.Load(e.project, id)
	require.NoError(t, err)
	return f
}

func waitFor(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", msg)
}

func TestNewRequiresCoreDependencies(t *testing.T) {
	_, err := New(Config{}, nil, nil, nil, nil, nil, nil, nil, nil, nil)
	require.Error(t, err)
}

func TestSecondExecuteForSameFeatureIsRejected(t *testing.T) {
	runner := &fakeRunner{
		started: make(chan struct{}, 1),
		release: make(chan struct{}),
	}
	env := newTestEnv(t, runner, nil)
	env.save(t, &feature.Feature{ID: "f1", Description: "one", Status: feature.StatusBacklog})

	done := make(chan error, 1)
	go func() {
		done <- env.orch.Execute(context.Background(), ExecuteOptions{
			ProjectPath: env.project, FeatureID: "f1",
		})
	}()
	<-runner.started

	err := env.orch.Execute(context.Background(), ExecuteOptions{
		ProjectPath: env.project, FeatureID: "f1",
	})
	require.ErrorIs(t, err, ErrExecutionBusy)

	close(runner.release)
	require.NoError(t, <-done)
	require.False(t, env.orch.IsRunning("f1"))
}

func TestStopExecutionFreesSlotAndKeepsStatus(t *testing.T) {
	runner := &fakeRunner{
		started: make(chan struct{}, 1),
		release: make(chan struct{}),
	}
	env := newTestEnv(t, runner, nil)
	env.save(t, &feature.Feature{ID: "f1", Description: "one", Status: feature.StatusBacklog})

	done := make(chan error, 1)
	go func() {
		done <- env.orch.Execute(context.Background(), ExecuteOptions{
			ProjectPath: env.project, FeatureID: "f1",
		})
	}()
	<-runner.started

	require.True(t, env.orch.StopExecution("f1"))
	require.False(t, env.orch.IsRunning("f1"), "slot freed before provider unwinds")

	require.NoError(t, <-done, "cancellation is not a failure")
	require.Equal(t, feature.StatusInProgress, env.load(t, "f1").Status,
		"canceled execution keeps its persisted status")
	require.Empty(t, env.mon.Failures())

	require.False(t, env.orch.StopExecution("f1"), "second stop finds nothing")
}

func TestResolveApprovalRecoversFromPersistedPlan(t *testing.T) {
	runner := &fakeRunner{outputs: []string{"implemented it"}}
	env := newTestEnv(t, runner, nil)

	env.save(t, &feature.Feature{
		ID:          "f1",
		Description: "one",
		Status:      feature.StatusWaitingApproval,
		PlanSpec: &feature.PlanSpec{
			Status:  feature.PlanGenerated,
			Content: "the persisted plan",
			Version: 1,
		},
	})

	// No gate entry exists (simulates a restart); the decision must land
	// on the persisted plan and re-dispatch implementation.
	require.NoError(t, env.orch.ResolveApproval(env.project, "f1", approval.Decision{Approved: true}))

	waitFor(t, func() bool {
		return env.load(t, "f1").Status == feature.StatusVerified
	}, "recovered execution to finish")

	require.Equal(t, 1, runner.calls())
	require.Contains(t, runner.prompt(0), "the persisted plan")

	f := env.load(t, "f1")
	require.Equal(t, feature.PlanApproved, f.PlanSpec.Status)
	require.True(t, f.PlanSpec.ReviewedByUser)
}

func TestResolveApprovalWithoutPlanFails(t *testing.T) {
	sink := &recordingSink{}
	env := newTestEnvWithSink(t, &fakeRunner{}, nil, sink)
	env.save(t, &feature.Feature{ID: "f1", Description: "one", Status: feature.StatusBacklog})

	err := env.orch.ResolveApproval(env.project, "f1", approval.Decision{Approved: true})
	require.ErrorIs(t, err, approval.ErrNoPending)
	require.Zero(t, sink.count(events.TypePlanResolved),
		"a failed resolution must not announce a resolved plan")
}

func TestResolveApprovalRecoveryRejectionReturnsToBacklog(t *testing.T) {
	env := newTestEnv(t, &fakeRunner{}, nil)
	env.save(t, &feature.Feature{
		ID:     "f1",
		Status: feature.StatusWaitingApproval,
		PlanSpec: &feature.PlanSpec{
			Status:  feature.PlanGenerated,
			Content: "plan",
			Version: 1,
		},
	})

	require.NoError(t, env.orch.ResolveApproval(env.project, "f1", approval.Decision{}))

	f := env.load(t, "f1")
	require.Equal(t, feature.StatusBacklog, f.Status)
	require.Equal(t, feature.PlanRejected, f.PlanSpec.Status)
	require.Zero(t, env.runner.calls())
}
