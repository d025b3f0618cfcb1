package task

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func waitDone(t *testing.T, op *Operation) Result {
	t.Helper()
	select {
	case <-op.Done():
		return op.Result()
	case <-time.After(5 * time.Second):
		t.Fatal("operation did not resolve")
		return Result{}
	}
}

func TestStart_DeliversResult(t *testing.T) {
	tr := NewTracker(time.Second)

	op, err := tr.Start(context.Background(), KindChat, time.Now().Add(time.Second), nil,
		func(ctx context.Context) (any, error) {
			return "hello", nil
		})
	require.NoError(t, err)

	res := waitDone(t, op)
	assert.Equal(t, CodeOK, res.Code)
	assert.Equal(t, "hello", res.Value)
	assert.NoError(t, res.Err)
}

func TestStart_RejectsSecondOperationOfSameKind(t *testing.T) {
	tr := NewTracker(time.Second)
	release := make(chan struct{})

	op, err := tr.Start(context.Background(), KindChat, time.Now().Add(5*time.Second), nil,
		func(ctx context.Context) (any, error) {
			<-release
			return nil, nil
		})
	require.NoError(t, err)

	_, err = tr.Start(context.Background(), KindChat, time.Now().Add(5*time.Second), nil,
		func(ctx context.Context) (any, error) { return nil, nil })
	assert.ErrorIs(t, err, ErrBusy)

	// A different kind is not blocked.
	scanOp, err := tr.Start(context.Background(), KindScan, time.Now().Add(5*time.Second), nil,
		func(ctx context.Context) (any, error) { return nil, nil })
	require.NoError(t, err)
	waitDone(t, scanOp)

	close(release)
	waitDone(t, op)
}

func TestStart_SlotFreesAfterResolution(t *testing.T) {
	tr := NewTracker(time.Second)

	first, err := tr.Start(context.Background(), KindChat, time.Now().Add(time.Second), nil,
		func(ctx context.Context) (any, error) { return 1, nil })
	require.NoError(t, err)
	waitDone(t, first)

	second, err := tr.Start(context.Background(), KindChat, time.Now().Add(time.Second), nil,
		func(ctx context.Context) (any, error) { return 2, nil })
	require.NoError(t, err)
	res := waitDone(t, second)
	assert.Equal(t, 2, res.Value)
}

func TestStart_DeadlineYieldsTimedOut(t *testing.T) {
	tr := NewTracker(time.Second)

	op, err := tr.Start(context.Background(), KindScan, time.Now().Add(50*time.Millisecond), nil,
		func(ctx context.Context) (any, error) {
			<-ctx.Done()
			return nil, ctx.Err()
		})
	require.NoError(t, err)

	res := waitDone(t, op)
	assert.Equal(t, CodeTimedOut, res.Code)
	assert.ErrorIs(t, res.Err, context.DeadlineExceeded)
}

func TestCancel_YieldsCancelled(t *testing.T) {
	tr := NewTracker(time.Second)

	op, err := tr.Start(context.Background(), KindChat, time.Now().Add(5*time.Second), nil,
		func(ctx context.Context) (any, error) {
			<-ctx.Done()
			return nil, ctx.Err()
		})
	require.NoError(t, err)

	op.Cancel()
	res := waitDone(t, op)
	assert.Equal(t, CodeCancelled, res.Code)
}

func TestCancelAll_CancelsOutstandingOperations(t *testing.T) {
	tr := NewTracker(time.Second)

	chatOp, err := tr.Start(context.Background(), KindChat, time.Now().Add(5*time.Second), nil,
		func(ctx context.Context) (any, error) {
			<-ctx.Done()
			return nil, ctx.Err()
		})
	require.NoError(t, err)
	scanOp, err := tr.Start(context.Background(), KindScan, time.Now().Add(5*time.Second), nil,
		func(ctx context.Context) (any, error) {
			<-ctx.Done()
			return nil, ctx.Err()
		})
	require.NoError(t, err)

	tr.CancelAll()

	assert.Equal(t, CodeCancelled, waitDone(t, chatOp).Code)
	assert.Equal(t, CodeCancelled, waitDone(t, scanOp).Code)
}

func TestPartialResultWinsOverExpiredContext(t *testing.T) {
	tr := NewTracker(time.Second)

	op, err := tr.Start(context.Background(), KindScan, time.Now().Add(50*time.Millisecond), nil,
		func(ctx context.Context) (any, error) {
			<-ctx.Done()
			// Best-effort partial result assembled after the deadline.
			return "degraded report", nil
		})
	require.NoError(t, err)

	res := waitDone(t, op)
	assert.Equal(t, CodeOK, res.Code)
	assert.Equal(t, "degraded report", res.Value)
}

func TestProgress_FirstStageBeforeResult(t *testing.T) {
	tr := NewTracker(50 * time.Millisecond)
	release := make(chan struct{})

	op, err := tr.Start(context.Background(), KindScan, time.Now().Add(5*time.Second),
		[]string{"Processing content...", "Analyzing security aspects..."},
		func(ctx context.Context) (any, error) {
			<-release
			return "done", nil
		})
	require.NoError(t, err)

	select {
	case stage, ok := <-op.Progress():
		require.True(t, ok)
		assert.Equal(t, "Processing content...", stage)
	case <-time.After(time.Second):
		t.Fatal("no progress update before resolution")
	}

	close(release)
	res := waitDone(t, op)
	assert.Equal(t, CodeOK, res.Code)

	// After resolution the progress channel is closed.
	for range op.Progress() {
	}
}

func TestProgress_StopsWhenRunnerFinishes(t *testing.T) {
	tr := NewTracker(time.Hour)

	op, err := tr.Start(context.Background(), KindScan, time.Now().Add(5*time.Second),
		[]string{"stage one", "stage two", "stage three"},
		func(ctx context.Context) (any, error) {
			return "fast", nil
		})
	require.NoError(t, err)
	waitDone(t, op)

	var stages []string
	for s := range op.Progress() {
		stages = append(stages, s)
	}
	assert.LessOrEqual(t, len(stages), 1, "later stages must not outlive the runner")
}

func TestFailedRunnerError(t *testing.T) {
	tr := NewTracker(time.Second)
	boom := errors.New("upstream exploded")

	op, err := tr.Start(context.Background(), KindChat, time.Now().Add(time.Second), nil,
		func(ctx context.Context) (any, error) {
			return nil, boom
		})
	require.NoError(t, err)

	res := waitDone(t, op)
	assert.Equal(t, CodeFailed, res.Code)
	assert.ErrorIs(t, res.Err, boom)
}

func TestGet_ReturnsOutstandingOperation(t *testing.T) {
	tr := NewTracker(time.Second)
	release := make(chan struct{})

	op, err := tr.Start(context.Background(), KindChat, time.Now().Add(5*time.Second), nil,
		func(ctx context.Context) (any, error) {
			<-release
			return nil, nil
		})
	require.NoError(t, err)

	assert.Same(t, op, tr.Get(KindChat))
	assert.Nil(t, tr.Get(KindScan))

	close(release)
	waitDone(t, op)
}
