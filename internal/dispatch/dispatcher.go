// Package dispatch bridges the event log to the task runtime.
//
// One long-running consumer per stream turns messages into durable tasks.
// A message is acknowledged only after the task row and the entity's task
// handle committed together, so a crash in between redelivers rather than
// drops. Redeliveries hit the idempotency gate: an entity with a task
// handle already set, or in a terminal status, absorbs the duplicate.
package dispatch

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/torreclou/torreclou/internal/logging"
	"github.com/torreclou/torreclou/internal/models"
	"github.com/torreclou/torreclou/internal/status"
	"github.com/torreclou/torreclou/internal/store"
	"github.com/torreclou/torreclou/internal/stream"
	"github.com/torreclou/torreclou/internal/tasks"
)

// Task type names registered with the runtime.
const (
	TaskDownload    = "job:download"
	TaskUploadDrive = "job:upload:googledrive"
	TaskUploadS3    = "job:upload:s3"
	TaskSync        = "sync:mirror"
)

const (
	readBatch  = 16
	readBlock  = 5 * time.Second
	claimEvery = time.Minute
	claimIdle  = time.Minute
)

// Dispatcher consumes the streams this worker's queues cover.
type Dispatcher struct {
	st       *store.Store
	events   *stream.Log
	runtime  *tasks.Runtime
	log      *logging.Logger
	consumer string
}

// New creates a dispatcher with a process-unique consumer name.
func New(st *store.Store, events *stream.Log, runtime *tasks.Runtime, log *logging.Logger) *Dispatcher {
	host, _ := os.Hostname()
	return &Dispatcher{
		st:       st,
		events:   events,
		runtime:  runtime,
		log:      log.Component("dispatch"),
		consumer: fmt.Sprintf("%s-%d-%s", host, os.Getpid(), uuid.NewString()[:8]),
	}
}

// Run starts all stream consumers and blocks until ctx is cancelled.
func (d *Dispatcher) Run(ctx context.Context) error {
	type sub struct {
		stream, group string
		handle        func(context.Context, stream.Message) error
	}
	subs := []sub{
		{stream.JobsStream, stream.GroupTorrentWorkers, d.handleJobQueued},
		{stream.UploadStream(models.ProviderGoogleDrive), stream.UploadGroup(models.ProviderGoogleDrive), d.uploadHandler(TaskUploadDrive)},
		{stream.UploadStream(models.ProviderS3), stream.UploadGroup(models.ProviderS3), d.uploadHandler(TaskUploadS3)},
		{stream.SyncStream, stream.GroupSyncWorkers, d.handleSyncHandoff},
	}

	g, ctx := errgroup.WithContext(ctx)
	for _, s := range subs {
		s := s
		g.Go(func() error {
			return d.consume(ctx, s.stream, s.group, s.handle)
		})
	}
	return g.Wait()
}

// consume is one stream's read loop: reclaim messages stuck with dead
// consumers, then blocking-read new ones, acknowledging only on success.
func (d *Dispatcher) consume(ctx context.Context, streamName, group string, handle func(context.Context, stream.Message) error) error {
	if err := d.events.EnsureGroup(ctx, streamName, group); err != nil {
		return err
	}

	lastClaim := time.Time{}
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		var msgs []stream.Message
		var err error
		if time.Since(lastClaim) >= claimEvery {
			lastClaim = time.Now()
			msgs, err = d.events.ClaimStale(ctx, streamName, group, d.consumer, claimIdle, readBatch)
			if err != nil {
				d.log.Error().Err(err).Str("stream", streamName).Msg("stale claim failed")
			}
		}
		if len(msgs) == 0 {
			msgs, err = d.events.ReadGroup(ctx, streamName, group, d.consumer, readBatch, readBlock)
			if err != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				d.log.Error().Err(err).Str("stream", streamName).Msg("stream read failed")
				time.Sleep(time.Second)
				continue
			}
		}

		for _, msg := range msgs {
			if err := handle(ctx, msg); err != nil {
				// Not acknowledged: the stream redelivers.
				d.log.Error().Err(err).Str("stream", streamName).Str("msg", msg.ID).
					Msg("dispatch failed, leaving for redelivery")
				continue
			}
			if err := d.events.Ack(ctx, streamName, group, msg.ID); err != nil {
				d.log.Error().Err(err).Str("stream", streamName).Str("msg", msg.ID).Msg("ack failed")
			}
		}
	}
}

// handleJobQueued turns a freshly created job into a download task.
func (d *Dispatcher) handleJobQueued(ctx context.Context, msg stream.Message) error {
	evt, err := stream.ParseJobQueued(msg)
	if err != nil {
		// Malformed messages are logged and dropped, never retried.
		d.log.Error().Err(err).Str("msg", msg.ID).Msg("malformed jobs:stream entry")
		return nil
	}
	return d.dispatchJobTask(ctx, evt.JobID, TaskDownload, true)
}

// uploadHandler returns the handler for one provider's upload stream.
func (d *Dispatcher) uploadHandler(taskType string) func(context.Context, stream.Message) error {
	return func(ctx context.Context, msg stream.Message) error {
		evt, err := stream.ParseUploadHandoff(msg)
		if err != nil {
			d.log.Error().Err(err).Str("msg", msg.ID).Msg("malformed upload stream entry")
			return nil
		}
		return d.dispatchJobTask(ctx, evt.JobID, taskType, false)
	}
}

// dispatchJobTask enqueues a task for a job and persists the handle in one
// unit of work. ensureHistory is set for jobs:stream, where a job created
// without its initial audit row gets one here.
func (d *Dispatcher) dispatchJobTask(ctx context.Context, jobID int64, taskType string, ensureHistory bool) error {
	return d.st.WithTx(ctx, func(tx *store.Store) error {
		job, err := tx.JobByID(ctx, jobID)
		if err != nil {
			d.log.Warn().Err(err).Int64("job_id", jobID).Msg("job gone, dropping message")
			return nil
		}
		if job.Status.IsTerminal() {
			d.log.Info().Int64("job_id", jobID).Str("status", string(job.Status)).Msg("job terminal, dropping message")
			return nil
		}
		if job.BackgroundTaskID != "" {
			d.log.Info().Int64("job_id", jobID).Str("task", job.BackgroundTaskID).Msg("job already dispatched")
			return nil
		}

		if ensureHistory {
			rows, err := tx.JobHistory(ctx, jobID)
			if err != nil {
				return err
			}
			if len(rows) == 0 {
				if err := status.RecordInitial(ctx, tx, job); err != nil {
					return err
				}
			}
		}

		task, err := d.runtime.Enqueue(ctx, tx, taskType, tasks.JobPayload{JobID: jobID})
		if err != nil {
			return err
		}
		job.BackgroundTaskID = task.ID
		return tx.UpdateJob(ctx, job)
	})
}

// handleSyncHandoff turns an upload-complete handoff into a sync task.
func (d *Dispatcher) handleSyncHandoff(ctx context.Context, msg stream.Message) error {
	evt, err := stream.ParseSyncHandoff(msg)
	if err != nil {
		d.log.Error().Err(err).Str("msg", msg.ID).Msg("malformed sync:stream entry")
		return nil
	}

	return d.st.WithTx(ctx, func(tx *store.Store) error {
		sync, err := tx.SyncByID(ctx, evt.SyncID)
		if err != nil {
			d.log.Warn().Err(err).Int64("sync_id", evt.SyncID).Msg("sync gone, dropping message")
			return nil
		}
		if sync.Status.IsTerminal() {
			d.log.Info().Int64("sync_id", sync.ID).Str("status", string(sync.Status)).Msg("sync terminal, dropping message")
			return nil
		}
		if sync.BackgroundTaskID != "" {
			d.log.Info().Int64("sync_id", sync.ID).Str("task", sync.BackgroundTaskID).Msg("sync already dispatched")
			return nil
		}

		task, err := d.runtime.Enqueue(ctx, tx, TaskSync, tasks.SyncPayload{JobID: evt.JobID, SyncID: evt.SyncID})
		if err != nil {
			return err
		}
		sync.BackgroundTaskID = task.ID
		return tx.UpdateSync(ctx, sync)
	})
}
