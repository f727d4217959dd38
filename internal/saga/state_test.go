package saga

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/platefeed/recipe-harvester/internal/events"
)

var testEpoch = time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)

func newRunningState(t *testing.T) *State {
	t.Helper()
	st := NewState("saga-1", "corr-1", "providerA", testEpoch)
	require.NoError(t, st.Start(testEpoch))
	st.DrainEvents()
	return st
}

func TestNewStateStartsInCreated(t *testing.T) {
	t.Parallel()

	st := NewState("saga-1", "corr-1", "providerA", testEpoch)
	require.Equal(t, StatusCreated, st.Status)
	require.Equal(t, TypeProviderHarvest, st.SagaType)
	require.Equal(t, "providerA", st.ProviderID())
	require.Nil(t, st.StartedAt)
	require.Empty(t, st.DrainEvents())
}

func TestStartTransitionsToRunning(t *testing.T) {
	t.Parallel()

	st := NewState("saga-1", "corr-1", "providerA", testEpoch)
	require.NoError(t, st.Start(testEpoch))
	require.Equal(t, StatusRunning, st.Status)
	require.NotNil(t, st.StartedAt)

	evts := st.DrainEvents()
	require.Len(t, evts, 1)
	require.Equal(t, events.TypeSagaStarted, evts[0].Type)
	require.Equal(t, "corr-1", evts[0].CorrelationID)

	require.ErrorIs(t, st.Start(testEpoch), ErrInvalidTransition)
}

func TestCheckpointRequiresRunning(t *testing.T) {
	t.Parallel()

	st := NewState("saga-1", "corr-1", "providerA", testEpoch)
	err := st.Checkpoint(PhaseDiscovery, 0, nil, testEpoch)
	require.ErrorIs(t, err, ErrInvalidTransition)
}

func TestCheckpointValidatesProgressRange(t *testing.T) {
	t.Parallel()

	st := newRunningState(t)
	require.Error(t, st.Checkpoint(PhaseFetch, -1, nil, testEpoch))
	require.Error(t, st.Checkpoint(PhaseFetch, 101, nil, testEpoch))
	require.NoError(t, st.Checkpoint(PhaseFetch, 100, nil, testEpoch))
}

func TestCheckpointMergesDataAndTracksPhase(t *testing.T) {
	t.Parallel()

	st := newRunningState(t)
	require.NoError(t, st.Checkpoint(PhaseDiscovery, 50, map[string]string{"urls": "[]"}, testEpoch))
	require.NoError(t, st.Checkpoint(PhaseFetch, 10, map[string]string{"next_index": "3"}, testEpoch))

	require.Equal(t, string(PhaseFetch), st.CurrentPhase)
	require.Equal(t, 10, st.PhaseProgress)
	require.Equal(t, "[]", st.CheckpointData["urls"])
	require.Equal(t, "3", st.CheckpointData["next_index"])
	require.Equal(t, int64(2), st.Metrics.TotalUpdates)

	evts := st.DrainEvents()
	require.Len(t, evts, 2, "each phase change emits one event")
	require.Equal(t, events.TypeSagaPhaseChanged, evts[0].Type)

	// Same-phase progress updates emit nothing.
	require.NoError(t, st.Checkpoint(PhaseFetch, 20, nil, testEpoch))
	require.Empty(t, st.DrainEvents())
}

func TestCompleteFinalizesPhaseAndProgress(t *testing.T) {
	t.Parallel()

	st := newRunningState(t)
	require.NoError(t, st.Complete(testEpoch))
	require.Equal(t, StatusCompleted, st.Status)
	require.Equal(t, string(PhasePersist), st.CurrentPhase)
	require.Equal(t, 100, st.PhaseProgress)
	require.NotNil(t, st.CompletedAt)

	require.ErrorIs(t, st.Complete(testEpoch), ErrInvalidTransition)
	require.ErrorIs(t, st.Pause(testEpoch), ErrInvalidTransition)
}

func TestFailIncrementsFailureCount(t *testing.T) {
	t.Parallel()

	st := newRunningState(t)
	require.NoError(t, st.Fail("boom", "trace", testEpoch))
	require.Equal(t, StatusFailed, st.Status)
	require.Equal(t, "boom", st.ErrorMessage)
	require.Equal(t, 1, st.Metrics.FailureCount)

	evts := st.DrainEvents()
	require.Len(t, evts, 1)
	require.Equal(t, events.TypeSagaFailed, evts[0].Type)
	require.Equal(t, "boom", evts[0].Fields["error"])
}

func TestResumeFromPausedKeepsCheckpoint(t *testing.T) {
	t.Parallel()

	st := newRunningState(t)
	require.NoError(t, st.Checkpoint(PhaseExtract, 40, map[string]string{"next_index": "4"}, testEpoch))
	require.NoError(t, st.Pause(testEpoch))
	st.DrainEvents()

	require.NoError(t, st.Resume(3, 5*time.Minute, testEpoch.Add(time.Second)))
	require.Equal(t, StatusRunning, st.Status)
	require.Equal(t, string(PhaseExtract), st.CurrentPhase)
	require.Equal(t, 40, st.PhaseProgress)
	require.Equal(t, "4", st.CheckpointData["next_index"])

	evts := st.DrainEvents()
	require.Len(t, evts, 1)
	require.Equal(t, events.TypeSagaResumed, evts[0].Type)
	require.Equal(t, string(PhaseExtract), evts[0].Fields["phase"])
}

func TestResumeRefusedWhenRetryBudgetExhausted(t *testing.T) {
	t.Parallel()

	st := newRunningState(t)
	require.NoError(t, st.Fail("boom", "", testEpoch))
	st.Metrics.FailureCount = 3

	err := st.Resume(3, 0, testEpoch.Add(time.Hour))
	require.ErrorIs(t, err, ErrRetryExhausted)
	require.Equal(t, StatusFailed, st.Status, "exhausted saga must stay failed")
}

func TestResumeRefusedDuringCooldown(t *testing.T) {
	t.Parallel()

	st := newRunningState(t)
	require.NoError(t, st.Fail("boom", "", testEpoch))

	err := st.Resume(3, 5*time.Minute, testEpoch.Add(time.Minute))
	require.ErrorIs(t, err, ErrInvalidTransition)
	require.Equal(t, StatusFailed, st.Status)

	require.NoError(t, st.Resume(3, 5*time.Minute, testEpoch.Add(6*time.Minute)))
	require.Equal(t, StatusRunning, st.Status)
	require.Empty(t, st.ErrorMessage)
}

func TestCanRetry(t *testing.T) {
	t.Parallel()

	st := newRunningState(t)
	require.False(t, st.CanRetry(3, 0, testEpoch), "running saga is not retryable")

	require.NoError(t, st.Fail("boom", "", testEpoch))
	require.False(t, st.CanRetry(3, 5*time.Minute, testEpoch.Add(time.Minute)))
	require.True(t, st.CanRetry(3, 5*time.Minute, testEpoch.Add(10*time.Minute)))

	st.Metrics.FailureCount = 3
	require.False(t, st.CanRetry(3, 5*time.Minute, testEpoch.Add(10*time.Minute)))
}

func TestRecordItemFoldsMetrics(t *testing.T) {
	t.Parallel()

	st := newRunningState(t)
	st.RecordItem(true, 100*time.Millisecond, testEpoch)
	st.RecordItem(false, 50*time.Millisecond, testEpoch)

	require.Equal(t, int64(1), st.Metrics.ItemsProcessed)
	require.Equal(t, int64(1), st.Metrics.ItemsFailed)
	require.Equal(t, 150*time.Millisecond, st.Metrics.TotalProcessingTime)
}

func TestReconstituteBypassesInvariants(t *testing.T) {
	t.Parallel()

	st := ReconstituteState(
		"saga-1", TypeProviderHarvest, "corr-1",
		StatusFailed, string(PhaseNormalize), 70,
		map[string]string{"provider_id": "providerA"},
		map[string]string{"next_index": "7"},
		Metrics{FailureCount: 2},
		"boom", "trace",
		testEpoch, nil, testEpoch, nil,
	)
	require.Equal(t, StatusFailed, st.Status)
	require.Equal(t, "providerA", st.ProviderID())
	require.Equal(t, 70, st.PhaseProgress)
	require.Equal(t, "7", st.CheckpointData["next_index"])
	require.Empty(t, st.DrainEvents())
}
