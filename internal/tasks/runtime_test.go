package tasks

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/torreclou/torreclou/internal/logging"
	"github.com/torreclou/torreclou/internal/store"
)

func newTestRuntime(t *testing.T, queues []string) (*Runtime, *store.Store) {
	t.Helper()
	st, err := store.OpenMemory()
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	r := NewRuntime(st, logging.NewDefault(), queues, 1)
	r.poll = 10 * time.Millisecond
	return r, st
}

func runFor(t *testing.T, r *Runtime, d time.Duration) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), d)
	defer cancel()
	_ = r.Run(ctx)
}

func TestExecuteSuccess(t *testing.T) {
	r, st := newTestRuntime(t, []string{QueueDefault})
	ctx := context.Background()

	var got atomic.Int64
	r.Register(Descriptor{
		Type:  "test:ok",
		Queue: QueueDefault,
		Handler: func(ctx context.Context, task *store.BackgroundTask) error {
			var p JobPayload
			if err := DecodePayload(task, &p); err != nil {
				return err
			}
			got.Store(p.JobID)
			return nil
		},
	})

	task, err := r.Enqueue(ctx, st, "test:ok", JobPayload{JobID: 41})
	require.NoError(t, err)

	runFor(t, r, 500*time.Millisecond)

	assert.Equal(t, int64(41), got.Load())
	status, found, err := r.State(ctx, task.ID)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, store.TaskSucceeded, status)
}

func TestFailedAttemptReschedules(t *testing.T) {
	r, st := newTestRuntime(t, []string{QueueDefault})
	ctx := context.Background()

	r.Register(Descriptor{
		Type:        "test:flaky",
		Queue:       QueueDefault,
		MaxAttempts: 3,
		Delays:      []time.Duration{time.Hour, time.Hour, time.Hour},
		Handler: func(ctx context.Context, task *store.BackgroundTask) error {
			return errors.New("transient")
		},
	})

	task, err := r.Enqueue(ctx, st, "test:flaky", JobPayload{JobID: 1})
	require.NoError(t, err)

	runFor(t, r, 500*time.Millisecond)

	row, err := st.TaskByID(ctx, task.ID)
	require.NoError(t, err)
	require.NotNil(t, row)
	assert.Equal(t, store.TaskScheduled, row.Status, "one failed attempt reschedules")
	assert.Equal(t, 1, row.Attempt)
	assert.True(t, row.NextRunAt.After(time.Now().Add(30*time.Minute)), "delay schedule applied")
}

func TestExhaustionFiresHook(t *testing.T) {
	r, st := newTestRuntime(t, []string{QueueDefault})
	ctx := context.Background()

	r.Register(Descriptor{
		Type:        "test:doomed",
		Queue:       QueueDefault,
		MaxAttempts: 1,
		Handler: func(ctx context.Context, task *store.BackgroundTask) error {
			return errors.New("permanent")
		},
	})

	var hooked atomic.Bool
	var hookErr atomic.Value
	r.OnTaskFailed(func(ctx context.Context, task *store.BackgroundTask, taskErr error) {
		hooked.Store(true)
		hookErr.Store(taskErr.Error())
	})

	task, err := r.Enqueue(ctx, st, "test:doomed", JobPayload{JobID: 2})
	require.NoError(t, err)

	runFor(t, r, 500*time.Millisecond)

	assert.True(t, hooked.Load(), "hook fires on terminal failure")
	assert.Equal(t, "permanent", hookErr.Load())

	status, found, err := r.State(ctx, task.ID)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, store.TaskFailed, status)
}

func TestCancelStopsRunningTask(t *testing.T) {
	r, st := newTestRuntime(t, []string{QueueDefault})
	ctx := context.Background()

	started := make(chan struct{})
	var sawCancel atomic.Bool
	r.Register(Descriptor{
		Type:        "test:slow",
		Queue:       QueueDefault,
		MaxAttempts: 1,
		Handler: func(ctx context.Context, task *store.BackgroundTask) error {
			close(started)
			<-ctx.Done()
			sawCancel.Store(true)
			return ctx.Err()
		},
	})

	task, err := r.Enqueue(ctx, st, "test:slow", JobPayload{JobID: 3})
	require.NoError(t, err)

	done := make(chan struct{})
	runCtx, cancelRun := context.WithCancel(context.Background())
	defer cancelRun()
	go func() {
		_ = r.Run(runCtx)
		close(done)
	}()

	select {
	case <-started:
	case <-time.After(2 * time.Second):
		t.Fatal("task never started")
	}
	r.Cancel(task.ID)

	require.Eventually(t, sawCancel.Load, 2*time.Second, 10*time.Millisecond)
	cancelRun()
	<-done
}

func TestEnqueueUnregisteredType(t *testing.T) {
	r, st := newTestRuntime(t, []string{QueueDefault})
	_, err := r.Enqueue(context.Background(), st, "test:unknown", JobPayload{JobID: 1})
	require.Error(t, err)
}
