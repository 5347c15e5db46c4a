package watch

import (
	"context"
	"io"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mushstyle/scrape2-sub001/pkg/orchestrate"
)

func watchLogger() *logrus.Entry {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logrus.NewEntry(logger)
}

func TestStateManagerRoundtrip(t *testing.T) {
	dir := t.TempDir()

	sm := NewStateManager(dir)
	require.NoError(t, sm.Load())

	_, ok := sm.GetRunState("shop")
	assert.False(t, ok)

	sm.UpdateRunState("shop", true, 42, 17, "")
	require.NoError(t, sm.Save())

	reloaded := NewStateManager(dir)
	require.NoError(t, reloaded.Load())

	state, ok := reloaded.GetRunState("shop")
	require.True(t, ok)
	assert.True(t, state.LastRunSuccess)
	assert.Equal(t, 42, state.TargetsProcessed)
	assert.Equal(t, 17, state.RecordsSaved)
	assert.Empty(t, state.ErrorMessage)
	assert.WithinDuration(t, time.Now(), state.LastRunTime, 5*time.Second)
}

func TestStateManagerShouldRun(t *testing.T) {
	sm := NewStateManager(t.TempDir())
	require.NoError(t, sm.Load())

	assert.True(t, sm.ShouldRun("shop", time.Hour), "unknown run is always due")

	sm.UpdateRunState("shop", true, 1, 1, "")
	assert.False(t, sm.ShouldRun("shop", time.Hour))
	assert.True(t, sm.ShouldRun("shop", 0))

	next := sm.NextRunTime("shop", time.Hour)
	assert.WithinDuration(t, time.Now().Add(time.Hour), next, 5*time.Second)
}

func TestParseInterval(t *testing.T) {
	tests := []struct {
		input   string
		want    time.Duration
		wantErr bool
	}{
		{"30m", 30 * time.Minute, false},
		{"2h", 2 * time.Hour, false},
		{"1d", 24 * time.Hour, false},
		{"7d", 7 * 24 * time.Hour, false},
		{"0.5d", 12 * time.Hour, false},
		{"", 0, true},
		{"xd", 0, true},
		{"-1h", 0, true},
		{"0s", 0, true},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			got, err := ParseInterval(tt.input)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestFormatInterval(t *testing.T) {
	assert.Equal(t, "1d", FormatInterval(24*time.Hour))
	assert.Equal(t, "7d", FormatInterval(7*24*time.Hour))
	assert.Equal(t, "90m0s", FormatInterval(90*time.Minute))
}

func TestSchedulerRunsWhenDue(t *testing.T) {
	sm := NewStateManager(t.TempDir())

	var runs atomic.Int32
	runFn := func(ctx context.Context) (orchestrate.RunSummary, error) {
		runs.Add(1)
		return orchestrate.RunSummary{Processed: 3, RecordsSaved: 2}, nil
	}

	s := NewScheduler("shop", time.Hour, sm, runFn, watchLogger())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	// The first iteration runs immediately, then it blocks on the ticker.
	require.Eventually(t, func() bool { return runs.Load() == 1 }, 5*time.Second, 10*time.Millisecond)

	cancel()
	err := <-done
	assert.ErrorIs(t, err, context.Canceled)

	state, ok := sm.GetRunState("shop")
	require.True(t, ok)
	assert.True(t, state.LastRunSuccess)
	assert.Equal(t, 3, state.TargetsProcessed)
	assert.Equal(t, 2, state.RecordsSaved)
}

func TestSchedulerSkipsRecentRun(t *testing.T) {
	dir := t.TempDir()

	seed := NewStateManager(dir)
	require.NoError(t, seed.Load())
	seed.UpdateRunState("shop", true, 1, 1, "")
	require.NoError(t, seed.Save())

	var runs atomic.Int32
	runFn := func(ctx context.Context) (orchestrate.RunSummary, error) {
		runs.Add(1)
		return orchestrate.RunSummary{}, nil
	}

	s := NewScheduler("shop", time.Hour, NewStateManager(dir), runFn, watchLogger())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	time.Sleep(100 * time.Millisecond)
	cancel()
	<-done

	assert.Equal(t, int32(0), runs.Load())
}

func TestTickInterval(t *testing.T) {
	assert.Equal(t, time.Minute, tickInterval(5*time.Minute))
	assert.Equal(t, 3*time.Minute, tickInterval(30*time.Minute))
	assert.Equal(t, 10*time.Minute, tickInterval(24*time.Hour))
}
