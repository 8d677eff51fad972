package monitor

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/halvardlabs/autoboard/internal/agent"
)

func newTestMonitor(t *testing.T) (*Monitor, *time.Time, *[]string) {
	t.Helper()
	m := New(Config{Window: 60 * time.Second, Threshold: 3}, nil)

	now := time.Now()
	m.now = func() time.Time { return now }

	var reasons []string
	m.SetPauseFunc(func(reason string) { reasons = append(reasons, reason) })
	return m, &now, &reasons
}

func TestThirdFailureWithinWindowPauses(t *testing.T) {
	m, _, reasons := newTestMonitor(t)

	assert.False(t, m.RecordFailure(agent.KindGeneric, "one"))
	assert.False(t, m.RecordFailure(agent.KindGeneric, "two"))
	assert.True(t, m.RecordFailure(agent.KindGeneric, "three"))

	assert.True(t, m.Paused())
	require.Len(t, *reasons, 1)
}

func TestSuccessClearsWindow(t *testing.T) {
	m, _, _ := newTestMonitor(t)

	m.RecordFailure(agent.KindGeneric, "one")
	m.RecordFailure(agent.KindGeneric, "two")
	m.RecordSuccess()

	assert.False(t, m.RecordFailure(agent.KindGeneric, "after reset"))
	assert.False(t, m.Paused())
	assert.Len(t, m.Failures(), 1)
}

func TestAgedFailuresFallOutOfWindow(t *testing.T) {
	m, now, _ := newTestMonitor(t)

	m.RecordFailure(agent.KindGeneric, "old one")
	m.RecordFailure(agent.KindGeneric, "old two")

	*now = now.Add(61 * time.Second)

	assert.False(t, m.RecordFailure(agent.KindGeneric, "fresh"))
	assert.False(t, m.Paused())
	assert.Len(t, m.Failures(), 1)
}

func TestRateLimitPausesImmediately(t *testing.T) {
	m, _, reasons := newTestMonitor(t)

	assert.True(t, m.RecordFailure(agent.KindRateLimit, "429"))
	assert.True(t, m.Paused())
	require.Len(t, *reasons, 1)
	assert.Contains(t, (*reasons)[0], "throttling")
}

func TestQuotaPausesImmediately(t *testing.T) {
	m, _, _ := newTestMonitor(t)

	assert.True(t, m.RecordFailure(agent.KindQuota, "credit balance too low"))
	assert.True(t, m.Paused())
}

func TestSignalPauseIsIdempotent(t *testing.T) {
	m, _, reasons := newTestMonitor(t)

	m.SignalPause("first")
	m.SignalPause("second")

	assert.True(t, m.Paused())
	require.Len(t, *reasons, 1)
	assert.Equal(t, "first", (*reasons)[0])
}

func TestResetClearsPausedState(t *testing.T) {
	m, _, _ := newTestMonitor(t)

	m.RecordFailure(agent.KindRateLimit, "429")
	require.True(t, m.Paused())

	m.Reset()
	assert.False(t, m.Paused())
	assert.Empty(t, m.Failures())
}

func TestDefaultsApplied(t *testing.T) {
	m := New(Config{}, nil)
	assert.Equal(t, 60*time.Second, m.window)
	assert.Equal(t, 3, m.threshold)
}
