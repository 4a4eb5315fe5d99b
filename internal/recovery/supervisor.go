// Package recovery is the supervisor that re-animates stuck work.
//
// Each worker process runs one scan loop. A candidate is a job or sync in a
// retry state whose wait expired, an in-progress entity whose heartbeat
// went stale, or a queued entity that never got a task. The entity's task
// handle is checked against the runtime before anything is touched, so a
// healthy task is never duplicated.
package recovery

import (
	"context"
	"fmt"
	"time"

	"github.com/torreclou/torreclou/internal/config"
	"github.com/torreclou/torreclou/internal/dispatch"
	"github.com/torreclou/torreclou/internal/logging"
	"github.com/torreclou/torreclou/internal/models"
	"github.com/torreclou/torreclou/internal/status"
	"github.com/torreclou/torreclou/internal/store"
	"github.com/torreclou/torreclou/internal/tasks"
)

// Backoff returns the wait before a recovered entity's next attempt:
// 30 s doubling per retry, capped at 30 min.
func Backoff(retry int) time.Duration {
	if retry < 1 {
		retry = 1
	}
	exp := retry - 1
	if exp > 10 {
		exp = 10
	}
	secs := int64(30) << exp
	if secs > 1800 {
		secs = 1800
	}
	return time.Duration(secs) * time.Second
}

// Supervisor periodically scans for stuck entities and re-dispatches them.
type Supervisor struct {
	st      *store.Store
	runtime *tasks.Runtime
	cfg     *config.Config
	log     *logging.Logger
}

// New creates a supervisor.
func New(st *store.Store, runtime *tasks.Runtime, cfg *config.Config, log *logging.Logger) *Supervisor {
	return &Supervisor{
		st:      st,
		runtime: runtime,
		cfg:     cfg,
		log:     log.Component("recovery"),
	}
}

// Run scans on the configured interval until ctx is cancelled.
func (s *Supervisor) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.cfg.RecoveryInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			s.Scan(ctx)
		}
	}
}

// Scan runs one full pass. Errors are logged per entity; one bad row never
// stops the sweep.
func (s *Supervisor) Scan(ctx context.Context) {
	now := time.Now().UTC()
	cutoff := now.Add(-s.cfg.StaleThreshold)

	if jobs, err := s.st.RetryDueJobs(ctx, now); err != nil {
		s.log.Error().Err(err).Msg("retry-due job scan failed")
	} else {
		for i := range jobs {
			s.considerJob(ctx, &jobs[i], false)
		}
	}

	if jobs, err := s.st.StaleJobs(ctx, cutoff); err != nil {
		s.log.Error().Err(err).Msg("stale job scan failed")
	} else {
		for i := range jobs {
			s.considerJob(ctx, &jobs[i], true)
		}
	}

	if jobs, err := s.st.OrphanedQueuedJobs(ctx, cutoff); err != nil {
		s.log.Error().Err(err).Msg("orphaned job scan failed")
	} else {
		for i := range jobs {
			s.considerJob(ctx, &jobs[i], false)
		}
	}

	if syncs, err := s.st.RetryDueSyncs(ctx, now); err != nil {
		s.log.Error().Err(err).Msg("retry-due sync scan failed")
	} else {
		for i := range syncs {
			s.considerSync(ctx, &syncs[i], false)
		}
	}

	if syncs, err := s.st.StaleSyncs(ctx, cutoff); err != nil {
		s.log.Error().Err(err).Msg("stale sync scan failed")
	} else {
		for i := range syncs {
			s.considerSync(ctx, &syncs[i], true)
		}
	}

	if syncs, err := s.st.OrphanedPendingSyncs(ctx, cutoff); err != nil {
		s.log.Error().Err(err).Msg("orphaned sync scan failed")
	} else {
		for i := range syncs {
			s.considerSync(ctx, &syncs[i], false)
		}
	}
}

// shouldRecover consults the runtime's view of the entity's task.
func (s *Supervisor) shouldRecover(ctx context.Context, taskID string, dbStale bool) bool {
	if taskID == "" {
		return true
	}
	st, found, err := s.runtime.State(ctx, taskID)
	if err != nil {
		s.log.Error().Err(err).Str("task", taskID).Msg("task state lookup failed")
		return false
	}
	if !found {
		return true
	}
	switch st {
	case store.TaskEnqueued, store.TaskScheduled:
		return false
	case store.TaskProcessing:
		return dbStale
	case store.TaskFailed, store.TaskDeleted:
		return true
	case store.TaskSucceeded:
		// The task thinks it finished but the entity never reached a
		// settled state.
		return true
	default:
		return true
	}
}

func (s *Supervisor) considerJob(ctx context.Context, job *models.Job, dbStale bool) {
	if job.Status.IsTerminal() {
		return
	}
	if !s.shouldRecover(ctx, job.BackgroundTaskID, dbStale) {
		return
	}
	if err := s.recoverJob(ctx, job); err != nil {
		s.log.Error().Err(err).Int64("job_id", job.ID).Msg("job recovery failed")
	}
}

// recoverJob schedules a fresh attempt in one unit of work: retry counter,
// backoff, retry-state transition, new task, new handle.
func (s *Supervisor) recoverJob(ctx context.Context, job *models.Job) error {
	taskType, err := s.jobTaskType(ctx, job)
	if err != nil {
		return err
	}

	retryState, needTransition := retryStateFor(job.Status)

	return s.st.WithTx(ctx, func(tx *store.Store) error {
		job.RetryCount++
		next := time.Now().UTC().Add(Backoff(job.RetryCount))
		job.NextRetryAt = &next

		if needTransition {
			if err := status.TransitionJob(ctx, tx, job, retryState, models.SourceRecovery,
				status.WithError(fmt.Sprintf("recovered from %s after stale heartbeat", job.Status))); err != nil {
				return err
			}
		}

		task, err := s.runtime.Enqueue(ctx, tx, taskType, tasks.JobPayload{JobID: job.ID})
		if err != nil {
			return err
		}
		if rerr := tx.RescheduleTask(ctx, task.ID, next, ""); rerr != nil {
			return rerr
		}

		job.BackgroundTaskID = task.ID
		s.log.Info().Int64("job_id", job.ID).Str("status", string(job.Status)).
			Int("retry", job.RetryCount).Time("next", next).Msg("job recovered")
		return tx.UpdateJob(ctx, job)
	})
}

// retryStateFor maps an in-progress status to the retry state recovery
// parks it in. Statuses already in a retry or dispatchable state pass
// through untouched.
func retryStateFor(st models.JobStatus) (models.JobStatus, bool) {
	switch st {
	case models.JobDownloading:
		return models.JobTorrentDownloadRetry, true
	case models.JobUploading:
		return models.JobUploadRetry, true
	default:
		return st, false
	}
}

// jobTaskType picks the queue strategy: download statuses go back to the
// torrent queue, everything upload-ish goes to the profile's provider.
func (s *Supervisor) jobTaskType(ctx context.Context, job *models.Job) (string, error) {
	switch job.Status {
	case models.JobQueued, models.JobDownloading, models.JobTorrentDownloadRetry:
		return dispatch.TaskDownload, nil
	}

	profile, err := s.st.ProfileByID(ctx, job.StorageProfileID)
	if err != nil {
		return "", err
	}
	switch profile.ProviderType {
	case models.ProviderGoogleDrive:
		return dispatch.TaskUploadDrive, nil
	case models.ProviderS3:
		return dispatch.TaskUploadS3, nil
	default:
		return "", fmt.Errorf("no queue for provider %s", profile.ProviderType)
	}
}

func (s *Supervisor) considerSync(ctx context.Context, sync *models.Sync, dbStale bool) {
	if sync.Status.IsTerminal() {
		return
	}
	if !s.shouldRecover(ctx, sync.BackgroundTaskID, dbStale) {
		return
	}
	if err := s.recoverSync(ctx, sync); err != nil {
		s.log.Error().Err(err).Int64("sync_id", sync.ID).Msg("sync recovery failed")
	}
}

func (s *Supervisor) recoverSync(ctx context.Context, sync *models.Sync) error {
	return s.st.WithTx(ctx, func(tx *store.Store) error {
		sync.RetryCount++
		next := time.Now().UTC().Add(Backoff(sync.RetryCount))
		sync.NextRetryAt = &next

		if sync.Status == models.SyncSyncing {
			if err := status.TransitionSync(ctx, tx, sync, models.SyncRetry, models.SourceRecovery,
				status.WithError("recovered from SYNCING after stale heartbeat")); err != nil {
				return err
			}
		}

		task, err := s.runtime.Enqueue(ctx, tx, dispatch.TaskSync, tasks.SyncPayload{JobID: sync.JobID, SyncID: sync.ID})
		if err != nil {
			return err
		}
		if rerr := tx.RescheduleTask(ctx, task.ID, next, ""); rerr != nil {
			return rerr
		}

		sync.BackgroundTaskID = task.ID
		s.log.Info().Int64("sync_id", sync.ID).Int("retry", sync.RetryCount).
			Time("next", next).Msg("sync recovered")
		return tx.UpdateSync(ctx, sync)
	})
}
