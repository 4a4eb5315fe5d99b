package service

import (
	"context"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/torreclou/torreclou/internal/config"
	"github.com/torreclou/torreclou/internal/dispatch"
	"github.com/torreclou/torreclou/internal/lease"
	"github.com/torreclou/torreclou/internal/logging"
	"github.com/torreclou/torreclou/internal/models"
	"github.com/torreclou/torreclou/internal/progress"
	"github.com/torreclou/torreclou/internal/recovery"
	"github.com/torreclou/torreclou/internal/stage/download"
	"github.com/torreclou/torreclou/internal/stage/syncstage"
	"github.com/torreclou/torreclou/internal/stage/upload"
	"github.com/torreclou/torreclou/internal/status"
	"github.com/torreclou/torreclou/internal/store"
	"github.com/torreclou/torreclou/internal/stream"
	"github.com/torreclou/torreclou/internal/tasks"
)

// Worker assembles one worker process: task runtime, stream dispatchers,
// stages and the recovery supervisor.
type Worker struct {
	cfg *config.Config
	log *logging.Logger

	st      *store.Store
	rdb     redis.UniversalClient
	runtime *tasks.Runtime

	Jobs *Jobs

	dispatcher *dispatch.Dispatcher
	supervisor *recovery.Supervisor
}

// NewWorker wires a worker process from configuration.
func NewWorker(cfg *config.Config, log *logging.Logger) (*Worker, error) {
	st, err := store.Open(cfg.DatabasePath)
	if err != nil {
		return nil, err
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})

	return newWorker(cfg, log, st, rdb), nil
}

// newWorker is the redis/store-injectable constructor used by tests.
func newWorker(cfg *config.Config, log *logging.Logger, st *store.Store, rdb redis.UniversalClient) *Worker {
	events := stream.NewLog(rdb)
	leases := lease.NewManager(rdb)
	cache := progress.NewCache(rdb)
	runtime := tasks.NewRuntime(st, log, cfg.Queues, cfg.WorkersPerQueue)

	w := &Worker{
		cfg:        cfg,
		log:        log,
		st:         st,
		rdb:        rdb,
		runtime:    runtime,
		Jobs:       NewJobs(st, events, runtime, log),
		dispatcher: dispatch.New(st, events, runtime, log),
		supervisor: recovery.New(st, runtime, cfg, log),
	}

	dl := download.New(st, events, cfg, log)
	drv := upload.NewDriveStage(st, leases, cache, cfg, log)
	s3 := upload.NewS3Stage(st, leases, cache, events, cfg, log)
	sync := syncstage.New(st, leases, cfg, log)

	runtime.Register(tasks.Descriptor{
		Type:        dispatch.TaskDownload,
		Queue:       tasks.QueueTorrents,
		MaxAttempts: cfg.TaskMaxAttempts,
		Delays:      cfg.TaskDelays,
		Handler: func(ctx context.Context, task *store.BackgroundTask) error {
			var p tasks.JobPayload
			if err := tasks.DecodePayload(task, &p); err != nil {
				return err
			}
			return dl.Run(ctx, p.JobID)
		},
	})
	runtime.Register(tasks.Descriptor{
		Type:        dispatch.TaskUploadDrive,
		Queue:       tasks.QueueGoogleDrive,
		MaxAttempts: cfg.TaskMaxAttempts,
		Delays:      cfg.TaskDelays,
		Handler: func(ctx context.Context, task *store.BackgroundTask) error {
			var p tasks.JobPayload
			if err := tasks.DecodePayload(task, &p); err != nil {
				return err
			}
			return drv.Run(ctx, p.JobID)
		},
	})
	runtime.Register(tasks.Descriptor{
		Type:        dispatch.TaskUploadS3,
		Queue:       tasks.QueueS3,
		MaxAttempts: cfg.TaskMaxAttempts,
		Delays:      cfg.TaskDelays,
		Handler: func(ctx context.Context, task *store.BackgroundTask) error {
			var p tasks.JobPayload
			if err := tasks.DecodePayload(task, &p); err != nil {
				return err
			}
			return s3.Run(ctx, p.JobID)
		},
	})
	runtime.Register(tasks.Descriptor{
		Type:        dispatch.TaskSync,
		Queue:       tasks.QueueSync,
		MaxAttempts: cfg.TaskMaxAttempts,
		Delays:      cfg.TaskDelays,
		Handler: func(ctx context.Context, task *store.BackgroundTask) error {
			var p tasks.SyncPayload
			if err := tasks.DecodePayload(task, &p); err != nil {
				return err
			}
			return sync.Run(ctx, p.JobID, p.SyncID)
		},
	})

	runtime.OnTaskFailed(w.electFailure)
	return w
}

// electFailure is the runtime's state-election hook: a terminally Failed
// task marks its entity FAILED unless something else already settled it.
func (w *Worker) electFailure(ctx context.Context, task *store.BackgroundTask, taskErr error) {
	log := w.log.Component("election")

	if task.Type == dispatch.TaskSync {
		var p tasks.SyncPayload
		if err := tasks.DecodePayload(task, &p); err != nil {
			log.Error().Err(err).Str("task", task.ID).Msg("undecodable sync payload")
			return
		}
		sync, err := w.st.SyncByID(ctx, p.SyncID)
		if err != nil || sync.Status.IsTerminal() {
			return
		}
		if err := w.st.WithTx(ctx, func(tx *store.Store) error {
			return status.TransitionSync(ctx, tx, sync, models.SyncFailed, models.SourceSystem,
				status.WithError(taskErr.Error()))
		}); err != nil {
			log.Error().Err(err).Int64("sync_id", sync.ID).Msg("failed to elect sync FAILED")
		}
		return
	}

	var p tasks.JobPayload
	if err := tasks.DecodePayload(task, &p); err != nil {
		log.Error().Err(err).Str("task", task.ID).Msg("undecodable job payload")
		return
	}
	job, err := w.st.JobByID(ctx, p.JobID)
	if err != nil || job.Status.IsTerminal() {
		return
	}
	if err := w.st.WithTx(ctx, func(tx *store.Store) error {
		return status.TransitionJob(ctx, tx, job, models.JobFailed, models.SourceSystem,
			status.WithError(taskErr.Error()))
	}); err != nil {
		log.Error().Err(err).Int64("job_id", job.ID).Msg("failed to elect job FAILED")
	}
}

// Run starts all worker loops and blocks until ctx is cancelled or one of
// them fails.
func (w *Worker) Run(ctx context.Context) error {
	if err := w.rdb.Ping(ctx).Err(); err != nil {
		return err
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return w.runtime.Run(ctx) })
	g.Go(func() error { return w.dispatcher.Run(ctx) })
	g.Go(func() error { return w.supervisor.Run(ctx) })
	return g.Wait()
}

// Close releases the worker's store and Redis connections.
func (w *Worker) Close() error {
	if err := w.rdb.Close(); err != nil {
		return err
	}
	return w.st.Close()
}
