// Package upload holds the provider upload stages. Both providers share the
// entry gate, lease handling and retry routing; the transports differ
// (Drive resumable REST sessions vs S3 multipart) and are isolated behind
// the cloud packages.
package upload

import (
	"context"
	"errors"
	"time"

	"github.com/torreclou/torreclou/internal/config"
	"github.com/torreclou/torreclou/internal/faults"
	"github.com/torreclou/torreclou/internal/lease"
	"github.com/torreclou/torreclou/internal/logging"
	"github.com/torreclou/torreclou/internal/models"
	"github.com/torreclou/torreclou/internal/stage"
	"github.com/torreclou/torreclou/internal/status"
	"github.com/torreclou/torreclou/internal/store"
)

// common is the provider-independent half of an upload stage.
type common struct {
	st     *store.Store
	leases *lease.Manager
	cfg    *config.Config
	log    *logging.Logger
}

// gate loads the job and decides whether this delivery should run.
// UPLOADING is accepted for the recovery-resume case: the prior holder's
// lease has expired and a fresh task re-enters the stage.
func (c *common) gate(ctx context.Context, jobID int64) (*models.Job, bool, error) {
	job, err := c.st.JobByID(ctx, jobID)
	if err != nil {
		if faults.Is(err, faults.JobNotFound) {
			c.log.Warn().Int64("job_id", jobID).Msg("job gone, dropping upload task")
			return nil, false, nil
		}
		return nil, false, err
	}

	ok, reason := stage.ShouldRun(job,
		models.JobPendingUpload, models.JobUploadRetry, models.JobUploading)
	if !ok {
		c.log.Info().Int64("job_id", jobID).Str("reason", reason).Msg("skipping upload")
		return nil, false, nil
	}
	return job, true, nil
}

// enter moves the job into UPLOADING and stamps startedAt/heartbeat. A job
// already UPLOADING (recovery resume) only gets its heartbeat refreshed.
func (c *common) enter(ctx context.Context, job *models.Job) error {
	now := time.Now().UTC()
	if job.StartedAt == nil {
		job.StartedAt = &now
	}
	job.LastHeartbeat = &now

	if job.Status == models.JobUploading {
		return c.st.UpdateJob(ctx, job)
	}
	return c.st.WithTx(ctx, func(tx *store.Store) error {
		return status.TransitionJob(ctx, tx, job, models.JobUploading, models.SourceWorker)
	})
}

// keepLeaseAlive renews the lease on a quarter-TTL cadence and cancels the
// returned context when the lease is lost, which stops the stage from
// mutating a job another worker may now hold.
func (c *common) keepLeaseAlive(ctx context.Context, l *lease.Lease) (context.Context, context.CancelFunc) {
	leaseCtx, cancel := context.WithCancel(ctx)
	go func() {
		ticker := time.NewTicker(c.cfg.LeaseTTL / 4)
		defer ticker.Stop()
		for {
			select {
			case <-leaseCtx.Done():
				return
			case <-ticker.C:
				ok, err := c.leases.Renew(leaseCtx, l, c.cfg.LeaseTTL)
				if err != nil {
					c.log.Error().Err(err).Str("key", l.Key).Msg("lease renew failed")
					continue
				}
				if !ok {
					c.log.Warn().Str("key", l.Key).Msg("lease lost, stopping upload")
					cancel()
					return
				}
			}
		}
	}()
	return leaseCtx, cancel
}

// routeFailure maps a stage error onto the retry/terminal status split.
// terminal names the provider's terminal failure status.
func (c *common) routeFailure(ctx context.Context, job *models.Job, stageErr error, terminal models.JobStatus, log *logging.Logger) error {
	if ctx.Err() != nil || errors.Is(stageErr, context.Canceled) || errors.Is(stageErr, context.DeadlineExceeded) {
		// Interrupted mid-upload: leave UPLOADING for the recovery
		// supervisor. Checkpoints make the re-entry cheap.
		return stageErr
	}

	bg := context.WithoutCancel(ctx)
	code := faults.CodeOf(stageErr)

	if code != "" && !faults.Retryable(stageErr) {
		log.Error().Err(stageErr).Str("code", string(code)).Msg("upload failed terminally")
		if err := c.st.WithTx(bg, func(tx *store.Store) error {
			return status.TransitionJob(bg, tx, job, terminal, models.SourceWorker,
				status.WithError(stageErr.Error()),
				status.WithMetadata(map[string]any{"code": string(code)}))
		}); err != nil {
			return err
		}
		return nil
	}

	log.Warn().Err(stageErr).Msg("upload attempt failed, scheduling retry")
	job.RetryCount++
	next := time.Now().UTC().Add(c.cfg.TaskDelay(job.RetryCount))
	job.NextRetryAt = &next
	if err := c.st.WithTx(bg, func(tx *store.Store) error {
		return status.TransitionJob(bg, tx, job, models.JobUploadRetry, models.SourceWorker,
			status.WithError(stageErr.Error()))
	}); err != nil {
		return err
	}
	return stageErr
}
