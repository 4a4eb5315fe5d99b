// Package syncstage mirrors a completed job's download directory into the
// user's S3-compatible bucket, then deletes the local copy. The bucket is
// the canonical mirror: the stage re-verifies remote objects instead of
// trusting prior bookkeeping, so it is safe to re-run at any point.
package syncstage

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/torreclou/torreclou/internal/cloud/s3x"
	"github.com/torreclou/torreclou/internal/config"
	"github.com/torreclou/torreclou/internal/faults"
	"github.com/torreclou/torreclou/internal/lease"
	"github.com/torreclou/torreclou/internal/logging"
	"github.com/torreclou/torreclou/internal/models"
	"github.com/torreclou/torreclou/internal/pathutil"
	"github.com/torreclou/torreclou/internal/stage"
	"github.com/torreclou/torreclou/internal/status"
	"github.com/torreclou/torreclou/internal/store"
)

// Stage executes sync tasks.
type Stage struct {
	st     *store.Store
	leases *lease.Manager
	cfg    *config.Config
	log    *logging.Logger

	newAPI func(ctx context.Context, creds *models.S3Credentials) (s3x.API, error)
}

// New creates the sync stage.
func New(st *store.Store, leases *lease.Manager, cfg *config.Config, log *logging.Logger) *Stage {
	return &Stage{
		st:     st,
		leases: leases,
		cfg:    cfg,
		log:    log.Component("sync"),
		newAPI: func(ctx context.Context, creds *models.S3Credentials) (s3x.API, error) {
			return s3x.NewClient(ctx, creds)
		},
	}
}

// Run executes one sync attempt.
func (s *Stage) Run(ctx context.Context, jobID, syncID int64) error {
	sync, err := s.st.SyncByID(ctx, syncID)
	if err != nil {
		if faults.Is(err, faults.JobNotFound) {
			s.log.Warn().Int64("sync_id", syncID).Msg("sync gone, dropping task")
			return nil
		}
		return err
	}
	if sync.Status != models.SyncPending && sync.Status != models.SyncRetry {
		s.log.Info().Int64("sync_id", syncID).Str("status", string(sync.Status)).Msg("skipping sync")
		return nil
	}

	log := s.log.Job(jobID)

	l, err := s.leases.Acquire(ctx, lease.S3Key(jobID), s.cfg.LeaseTTL)
	if err != nil {
		return err
	}
	if l == nil {
		log.Info().Msg("sync lease held elsewhere, yielding")
		return nil
	}
	defer s.leases.Release(context.WithoutCancel(ctx), l)

	now := time.Now().UTC()
	if sync.StartedAt == nil {
		sync.StartedAt = &now
	}
	sync.LastHeartbeat = &now
	if err := s.st.WithTx(ctx, func(tx *store.Store) error {
		return status.TransitionSync(ctx, tx, sync, models.SyncSyncing, models.SourceWorker)
	}); err != nil {
		return err
	}

	if err := s.mirror(ctx, sync, log); err != nil {
		return s.routeFailure(ctx, sync, err, log)
	}

	if err := s.st.WithTx(ctx, func(tx *store.Store) error {
		return status.TransitionSync(ctx, tx, sync, models.SyncCompleted, models.SourceWorker)
	}); err != nil {
		return err
	}
	log.Info().Int("files", sync.FilesSynced).Str("bytes", stage.FormatBytes(sync.BytesSynced)).
		Msg("sync complete")

	s.teardown(ctx, sync, log)
	return nil
}

func (s *Stage) mirror(ctx context.Context, sync *models.Sync, log *logging.Logger) error {
	job, err := s.st.JobByID(ctx, sync.JobID)
	if err != nil {
		return err
	}
	profile, err := s.st.ProfileByID(ctx, job.StorageProfileID)
	if err != nil {
		return err
	}
	creds, err := models.S3CredentialsOf(profile)
	if err != nil {
		return err
	}
	api, err := s.newAPI(ctx, creds)
	if err != nil {
		return err
	}

	entries, err := pathutil.WalkContent(sync.LocalFilePath)
	if err != nil {
		return faults.Wrap(faults.ReadError, err)
	}

	if sync.FilesTotal == 0 || sync.TotalBytes == 0 {
		sync.FilesTotal = len(entries)
		sync.TotalBytes = pathutil.TotalSize(entries)
		if err := s.st.UpdateSync(ctx, sync); err != nil {
			return err
		}
	}

	uploader := s3x.NewUploader(api, creds.Bucket, s.cfg.PartSize, s.st, s.log)
	lastPersist := time.Time{}

	for i := sync.FilesSynced; i < len(entries); i++ {
		e := entries[i]
		key := sync.S3KeyPrefix + "/" + e.RelPath

		exists, err := uploader.ObjectExists(ctx, key, e.Size)
		if err != nil {
			return err
		}
		if !exists {
			err = uploader.UploadFile(ctx, sync.JobID, &sync.ID, e.AbsPath, key, func(delta int64) {
				sync.BytesSynced += delta
				if time.Since(lastPersist) >= s.cfg.SyncProgressInterval {
					lastPersist = time.Now()
					s.persistProgress(ctx, sync, log)
				}
			})
			if err != nil {
				return err
			}
		} else {
			sync.BytesSynced += e.Size
		}

		sync.FilesSynced = i + 1
		if time.Since(lastPersist) >= s.cfg.SyncProgressInterval {
			lastPersist = time.Now()
			s.persistProgress(ctx, sync, log)
		}
	}

	s.persistProgress(ctx, sync, log)
	return nil
}

func (s *Stage) persistProgress(ctx context.Context, sync *models.Sync, log *logging.Logger) {
	if err := s.st.TouchSyncProgress(ctx, sync.ID, sync.BytesSynced, sync.FilesSynced); err != nil {
		log.Error().Err(err).Msg("sync progress persist failed")
	}
}

// teardown waits out the settle delay and removes the local directory. The
// delay absorbs any upload-stage finalization still touching the files.
func (s *Stage) teardown(ctx context.Context, sync *models.Sync, log *logging.Logger) {
	select {
	case <-ctx.Done():
		log.Warn().Msg("shutdown before local cleanup, leaving directory")
		return
	case <-time.After(s.cfg.SyncSettleDelay):
	}
	if err := os.RemoveAll(sync.LocalFilePath); err != nil {
		log.Error().Err(err).Str("path", sync.LocalFilePath).Msg("failed to remove synced dir")
		return
	}
	log.Info().Str("path", sync.LocalFilePath).Msg("local directory removed")
}

// routeFailure schedules a bounded linear retry, or fails the sync
// terminally for non-retryable faults.
func (s *Stage) routeFailure(ctx context.Context, sync *models.Sync, stageErr error, log *logging.Logger) error {
	if ctx.Err() != nil || errors.Is(stageErr, context.Canceled) || errors.Is(stageErr, context.DeadlineExceeded) {
		return stageErr
	}

	bg := context.WithoutCancel(ctx)
	code := faults.CodeOf(stageErr)

	if code != "" && !faults.Retryable(stageErr) {
		log.Error().Err(stageErr).Str("code", string(code)).Msg("sync failed terminally")
		if err := s.st.WithTx(bg, func(tx *store.Store) error {
			return status.TransitionSync(bg, tx, sync, models.SyncFailed, models.SourceWorker,
				status.WithError(stageErr.Error()),
				status.WithMetadata(map[string]any{"code": string(code)}))
		}); err != nil {
			return err
		}
		return nil
	}

	sync.RetryCount++
	next := time.Now().UTC().Add(time.Duration(sync.RetryCount) * 5 * time.Minute)
	sync.NextRetryAt = &next
	log.Warn().Err(stageErr).Int("retry", sync.RetryCount).Time("next", next).
		Msg("sync attempt failed, scheduling retry")
	if err := s.st.WithTx(bg, func(tx *store.Store) error {
		return status.TransitionSync(bg, tx, sync, models.SyncRetry, models.SourceWorker,
			status.WithError(stageErr.Error()))
	}); err != nil {
		return err
	}
	return fmt.Errorf("sync %d attempt failed: %w", sync.ID, stageErr)
}
