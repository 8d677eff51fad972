package pipeline

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/halvardlabs/autoboard/internal/agent"
	"github.com/halvardlabs/autoboard/internal/events"
	"github.com/halvardlabs/autoboard/internal/feature"
)

// scriptedAgent emits canned text per call and records the prompts it saw.
type scriptedAgent struct {
	outputs []string
	failOn  int // 1-based call index that fails, 0 = never
	calls   int
	prompts []string
}

func (s *scriptedAgent) Execute(_ context.Context, req agent.Request, onEvent func(agent.Event)) error {
	s.calls++
	s.prompts = append(s.prompts, req.Prompt)
	if s.failOn != 0 && s.calls == s.failOn {
		return errors.New("step exploded")
	}
	out := "ok"
	if s.calls <= len(s.outputs) {
		out = s.outputs[s.calls-1]
	}
	onEvent(agent.Event{Type: agent.EventText, Text: out})
	onEvent(agent.Event{Type: agent.EventResult, Text: "done"})
	return nil
}

func newRunReq(t *testing.T, store *feature.Store, steps []Step) (RunRequest, string) {
	t.Helper()
	project := t.TempDir()
	f := &feature.Feature{ID: "f1", Description: "add search", Status: feature.StatusInProgress}
	require.NoError(t, store.Save(project, f))
	return RunRequest{
		ProjectPath: project,
		Feature:     f,
		Steps:       steps,
		WorkDir:     project,
	}, project
}

func TestRunSteps_AscendingOrderAndSharedTranscript(t *testing.T) {
	store := feature.NewStore(nil)
	ag := &scriptedAgent{outputs: []string{"first output", "second output"}}
	r, err := NewStepRunner(store, ag, nil, nil)
	require.NoError(t, err)

	steps := []Step{
		{ID: "review", Name: "Review", Order: 2, Instructions: "review it"},
		{ID: "tests", Name: "Tests", Order: 1, Instructions: "test it"},
	}
	req, project := newRunReq(t, store, steps)

	require.NoError(t, r.RunSteps(context.Background(), req))
	require.Equal(t, 2, ag.calls)

	// lower order ran first
	assert.Contains(t, ag.prompts[0], "test it")
	assert.Contains(t, ag.prompts[1], "review it")
	// the second step saw the first step's persisted output
	assert.Contains(t, ag.prompts[1], "first output")

	transcript, err := store.ReadTranscript(project, "f1")
	require.NoError(t, err)
	assert.Contains(t, transcript, "first output")
	assert.Contains(t, transcript, "second output")
}

func TestRunSteps_FailureAbortsRemainingSteps(t *testing.T) {
	store := feature.NewStore(nil)
	ag := &scriptedAgent{failOn: 1}
	r, err := NewStepRunner(store, ag, nil, nil)
	require.NoError(t, err)

	steps := []Step{
		{ID: "a", Order: 1},
		{ID: "b", Order: 2},
	}
	req, _ := newRunReq(t, store, steps)

	err = r.RunSteps(context.Background(), req)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "pipeline step a")
	assert.Equal(t, 1, ag.calls, "step b must not run after a fails")
}

func TestRunSteps_StatusTrackedPerStep(t *testing.T) {
	store := feature.NewStore(nil)
	ag := &scriptedAgent{}
	bus := events.NewBus(64, nil)
	defer bus.Close()
	ch, unsub := bus.Subscribe()
	defer unsub()

	r, err := NewStepRunner(store, ag, bus, nil)
	require.NoError(t, err)

	req, project := newRunReq(t, store, []Step{{ID: "only", Order: 1}})
	require.NoError(t, r.RunSteps(context.Background(), req))

	// persisted status is the step status; the executor advances it after
	loaded, err := store.Load(project, "f1")
	require.NoError(t, err)
	assert.Equal(t, feature.PipelineStatus("only"), loaded.Status)

	var sawStatus bool
	for len(ch) > 0 {
		ev := <-ch
		if ev.Type == events.TypeStatusChanged && ev.Status == "pipeline_only" {
			sawStatus = true
		}
	}
	assert.True(t, sawStatus)
}

func TestStepPrompt(t *testing.T) {
	f := &feature.Feature{ID: "f1", Description: "add search"}
	step := Step{ID: "review", Name: "Review", Instructions: "look closely"}

	prompt := StepPrompt(f, step, "earlier work")
	assert.Contains(t, prompt, "add search")
	assert.Contains(t, prompt, "earlier work")
	assert.Contains(t, prompt, "look closely")

	noPrior := StepPrompt(f, step, "")
	assert.False(t, strings.Contains(noPrior, "Work so far"))
}
