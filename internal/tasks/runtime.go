// Package tasks is the durable background task runtime.
//
// Tasks live in the relational store, carry an attempt limit and a delay
// schedule, and are claimed at-most-once per attempt by status-guarded
// updates. At-most-one execution per job is enforced above the runtime by
// distributed leases and status gates, not here.
package tasks

import (
	"context"
	"encoding/json"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/torreclou/torreclou/internal/logging"
	"github.com/torreclou/torreclou/internal/store"
)

// Queue names.
const (
	QueueTorrents    = "torrents"
	QueueGoogleDrive = "googledrive"
	QueueS3          = "s3"
	QueueSync        = "sync"
	QueueDefault     = "default"
)

// Handler executes one task attempt. The context is cancelled when the task
// is cancelled or the runtime shuts down. A returned error consumes the
// attempt.
type Handler func(ctx context.Context, task *store.BackgroundTask) error

// FailureHook fires once when the runtime decides a task is terminally
// Failed. The job-failure election lives here: the hook reads the job id
// from the payload and marks the job FAILED if it is not already terminal.
type FailureHook func(ctx context.Context, task *store.BackgroundTask, taskErr error)

// Descriptor registers a task type with its queue and retry policy.
type Descriptor struct {
	Type        string
	Queue       string
	MaxAttempts int
	Delays      []time.Duration
	Handler     Handler
}

// JobPayload is the argument envelope of download and upload tasks.
type JobPayload struct {
	JobID int64 `json:"jobId"`
}

// SyncPayload is the argument envelope of sync tasks.
type SyncPayload struct {
	JobID  int64 `json:"jobId"`
	SyncID int64 `json:"syncId"`
}

// DecodePayload unmarshals a task payload into out.
func DecodePayload(task *store.BackgroundTask, out any) error {
	if err := json.Unmarshal([]byte(task.Payload), out); err != nil {
		return fmt.Errorf("failed to decode payload of task %s: %w", task.ID, err)
	}
	return nil
}

// Runtime executes registered task types on fixed per-queue worker pools.
type Runtime struct {
	st  *store.Store
	log *logging.Logger

	queues  []string
	workers int
	poll    time.Duration

	mu       sync.Mutex
	handlers map[string]Descriptor
	cancels  map[string]context.CancelFunc
	onFailed FailureHook
}

// NewRuntime creates a runtime subscribed to the given queues.
func NewRuntime(st *store.Store, log *logging.Logger, queues []string, workersPerQueue int) *Runtime {
	return &Runtime{
		st:       st,
		log:      log.Component("tasks"),
		queues:   queues,
		workers:  workersPerQueue,
		poll:     time.Second,
		handlers: make(map[string]Descriptor),
		cancels:  make(map[string]context.CancelFunc),
	}
}

// Register adds a task type. Must be called before Run.
func (r *Runtime) Register(d Descriptor) {
	if d.MaxAttempts <= 0 {
		d.MaxAttempts = 3
	}
	if len(d.Delays) == 0 {
		d.Delays = []time.Duration{60 * time.Second, 300 * time.Second, 900 * time.Second}
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[d.Type] = d
}

// OnTaskFailed installs the state-election hook.
func (r *Runtime) OnTaskFailed(hook FailureHook) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onFailed = hook
}

// Enqueue persists a new task through tx (the caller's unit of work) and
// returns it. The task id is the opaque handle stored on the job.
func (r *Runtime) Enqueue(ctx context.Context, tx *store.Store, taskType string, payload any) (*store.BackgroundTask, error) {
	r.mu.Lock()
	desc, ok := r.handlers[taskType]
	r.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("unregistered task type %q", taskType)
	}

	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to encode payload for %s: %w", taskType, err)
	}

	task := &store.BackgroundTask{
		ID:          uuid.NewString(),
		Queue:       desc.Queue,
		Type:        taskType,
		Payload:     string(raw),
		Status:      store.TaskEnqueued,
		MaxAttempts: desc.MaxAttempts,
		NextRunAt:   time.Now().UTC(),
	}
	if err := tx.EnqueueTask(ctx, task); err != nil {
		return nil, err
	}
	return task, nil
}

// Cancel cancels a running task's context. Tasks not currently executing
// are unaffected.
func (r *Runtime) Cancel(taskID string) {
	r.mu.Lock()
	cancel := r.cancels[taskID]
	r.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// State is the monitoring view consulted by the recovery supervisor.
// found is false when the task row no longer exists.
func (r *Runtime) State(ctx context.Context, taskID string) (status store.TaskStatus, found bool, err error) {
	task, err := r.st.TaskByID(ctx, taskID)
	if err != nil {
		return "", false, err
	}
	if task == nil {
		return "", false, nil
	}
	return task.Status, true, nil
}

// Run executes until ctx is cancelled. Each subscribed queue gets a fixed
// pool of workers polling for due tasks.
func (r *Runtime) Run(ctx context.Context) error {
	var wg sync.WaitGroup
	for _, queue := range r.queues {
		for i := 0; i < r.workers; i++ {
			wg.Add(1)
			go func(queue string, n int) {
				defer wg.Done()
				r.workerLoop(ctx, queue, n)
			}(queue, i)
		}
	}
	wg.Wait()
	return ctx.Err()
}

func (r *Runtime) workerLoop(ctx context.Context, queue string, n int) {
	for {
		task, err := r.st.ClaimDueTask(ctx, []string{queue}, time.Now().UTC())
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			r.log.Error().Err(err).Str("queue", queue).Msg("task claim failed")
		}

		if task == nil {
			// Jittered poll so parallel workers spread out.
			delay := r.poll + time.Duration(rand.Int63n(int64(r.poll)))
			select {
			case <-ctx.Done():
				return
			case <-time.After(delay):
			}
			continue
		}

		r.execute(ctx, task)
	}
}

func (r *Runtime) execute(ctx context.Context, task *store.BackgroundTask) {
	r.mu.Lock()
	desc, ok := r.handlers[task.Type]
	r.mu.Unlock()
	if !ok {
		r.log.Error().Str("task", task.ID).Str("type", task.Type).Msg("no handler registered")
		r.finishFailed(ctx, task, fmt.Errorf("no handler for type %q", task.Type))
		return
	}

	taskCtx, cancel := context.WithCancel(ctx)
	r.mu.Lock()
	r.cancels[task.ID] = cancel
	r.mu.Unlock()
	defer func() {
		cancel()
		r.mu.Lock()
		delete(r.cancels, task.ID)
		r.mu.Unlock()
	}()

	start := time.Now()
	err := desc.Handler(taskCtx, task)
	elapsed := time.Since(start)

	if err == nil {
		if ferr := r.st.FinishTask(ctx, task.ID, store.TaskSucceeded, ""); ferr != nil {
			r.log.Error().Err(ferr).Str("task", task.ID).Msg("failed to finish task")
		}
		r.log.Debug().Str("task", task.ID).Str("type", task.Type).
			Dur("elapsed", elapsed).Msg("task succeeded")
		return
	}

	if task.Attempt >= task.MaxAttempts {
		r.finishFailed(ctx, task, err)
		return
	}

	delay := desc.Delays[min(task.Attempt, len(desc.Delays))-1]
	runAt := time.Now().UTC().Add(delay)
	if rerr := r.st.RescheduleTask(ctx, task.ID, runAt, err.Error()); rerr != nil {
		r.log.Error().Err(rerr).Str("task", task.ID).Msg("failed to reschedule task")
		return
	}
	r.log.Warn().Err(err).Str("task", task.ID).Str("type", task.Type).
		Int("attempt", task.Attempt).Dur("delay", delay).Msg("task attempt failed, rescheduled")
}

func (r *Runtime) finishFailed(ctx context.Context, task *store.BackgroundTask, err error) {
	if ferr := r.st.FinishTask(ctx, task.ID, store.TaskFailed, err.Error()); ferr != nil {
		r.log.Error().Err(ferr).Str("task", task.ID).Msg("failed to mark task failed")
	}
	r.log.Error().Err(err).Str("task", task.ID).Str("type", task.Type).
		Int("attempt", task.Attempt).Msg("task failed terminally")

	r.mu.Lock()
	hook := r.onFailed
	r.mu.Unlock()
	if hook != nil {
		hook(ctx, task, err)
	}
}
