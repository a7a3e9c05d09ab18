package db

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openLedger(t *testing.T) *Ledger {
	t.Helper()
	l, err := Open(filepath.Join(t.TempDir(), "ledger.db"), zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { l.Close() })
	return l
}

func TestRunLifecycle(t *testing.T) {
	l := openLedger(t)
	ctx := context.Background()

	require.NoError(t, l.RecordRun(ctx, CiRun{RunID: "r1", RepoURL: "https://example.com/r.git", Commit: "abc"}))
	require.NoError(t, l.MarkAccepted(ctx, "r1", 2, false))

	require.NoError(t, l.RecordTaskStart(ctx, "r1", 1, "build"))
	require.NoError(t, l.RecordTaskStart(ctx, "r1", 2, "test"))
	require.NoError(t, l.RecordTaskDone(ctx, "r1", 1, false, 3))

	runs, err := l.ListRuns(ctx, 10)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, StatusRunning, runs[0].Status)
	assert.Nil(t, runs[0].FinishedAt)

	require.NoError(t, l.RecordTaskDone(ctx, "r1", 2, true, 1))
	runs, err = l.ListRuns(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, runs[0].Status)
	assert.Equal(t, 1, runs[0].Failed)
	assert.NotNil(t, runs[0].FinishedAt)

	tasks, err := l.Tasks(ctx, "r1")
	require.NoError(t, err)
	require.Len(t, tasks, 2)
	assert.Equal(t, "build", tasks[0].Name)
	assert.Equal(t, StatusPassed, tasks[0].Status)
	assert.Equal(t, uint64(3), tasks[0].Parts)
	assert.Equal(t, StatusFailed, tasks[1].Status)
}

func TestTaskStartIsIdempotent(t *testing.T) {
	l := openLedger(t)
	ctx := context.Background()
	require.NoError(t, l.RecordRun(ctx, CiRun{RunID: "r1"}))
	require.NoError(t, l.RecordTaskStart(ctx, "r1", 1, "a"))
	require.NoError(t, l.RecordTaskStart(ctx, "r1", 1, "a"))

	tasks, err := l.Tasks(ctx, "r1")
	require.NoError(t, err)
	assert.Len(t, tasks, 1)
}

func TestFailedEarlyFinishesRun(t *testing.T) {
	l := openLedger(t)
	ctx := context.Background()
	require.NoError(t, l.RecordRun(ctx, CiRun{RunID: "r1"}))
	require.NoError(t, l.MarkAccepted(ctx, "r1", 0, true))

	runs, err := l.ListRuns(ctx, 0)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, StatusFailed, runs[0].Status)
	assert.True(t, runs[0].FailedEarly)
}

func TestListRunsNewestFirst(t *testing.T) {
	l := openLedger(t)
	ctx := context.Background()
	for _, id := range []string{"a", "b", "c"} {
		require.NoError(t, l.RecordRun(ctx, CiRun{RunID: id}))
	}
	runs, err := l.ListRuns(ctx, 2)
	require.NoError(t, err)
	require.Len(t, runs, 2)
	assert.Equal(t, "c", runs[0].RunID)
	assert.Equal(t, "b", runs[1].RunID)
}

func TestUnknownRun(t *testing.T) {
	l := openLedger(t)
	assert.ErrorIs(t, l.MarkAccepted(context.Background(), "nope", 1, false), ErrUnknownRun)
}
