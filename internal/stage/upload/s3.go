package upload

import (
	"context"
	"fmt"
	"time"

	"github.com/torreclou/torreclou/internal/cloud/s3x"
	"github.com/torreclou/torreclou/internal/config"
	"github.com/torreclou/torreclou/internal/faults"
	"github.com/torreclou/torreclou/internal/lease"
	"github.com/torreclou/torreclou/internal/logging"
	"github.com/torreclou/torreclou/internal/models"
	"github.com/torreclou/torreclou/internal/pathutil"
	"github.com/torreclou/torreclou/internal/progress"
	"github.com/torreclou/torreclou/internal/stage"
	"github.com/torreclou/torreclou/internal/status"
	"github.com/torreclou/torreclou/internal/store"
	"github.com/torreclou/torreclou/internal/stream"
)

// S3Stage uploads a finished download into the user's S3-compatible bucket
// and spawns the sync stage that owns the local-directory teardown.
type S3Stage struct {
	common
	cache  *progress.Cache
	events *stream.Log

	// newAPI builds the transport from profile credentials. Tests swap in a
	// fake.
	newAPI func(ctx context.Context, creds *models.S3Credentials) (s3x.API, error)
}

// NewS3Stage creates the S3 upload stage.
func NewS3Stage(st *store.Store, leases *lease.Manager, cache *progress.Cache, events *stream.Log, cfg *config.Config, log *logging.Logger) *S3Stage {
	return &S3Stage{
		common: common{st: st, leases: leases, cfg: cfg, log: log.Component("upload.s3")},
		cache:  cache,
		events: events,
		newAPI: func(ctx context.Context, creds *models.S3Credentials) (s3x.API, error) {
			return s3x.NewClient(ctx, creds)
		},
	}
}

// KeyPrefix returns the bucket key prefix of a job's content.
func KeyPrefix(jobID int64) string {
	return fmt.Sprintf("torrents/%d", jobID)
}

// Run executes one S3 upload attempt for a job.
func (s *S3Stage) Run(ctx context.Context, jobID int64) error {
	job, ok, err := s.gate(ctx, jobID)
	if err != nil || !ok {
		return err
	}
	log := s.log.Job(jobID)

	l, err := s.leases.Acquire(ctx, lease.S3Key(jobID), s.cfg.LeaseTTL)
	if err != nil {
		return err
	}
	if l == nil {
		log.Info().Msg("upload lease held elsewhere, yielding")
		return nil
	}
	defer s.leases.Release(context.WithoutCancel(ctx), l)

	leaseCtx, stopRenew := s.keepLeaseAlive(ctx, l)
	defer stopRenew()

	if err := s.enter(leaseCtx, job); err != nil {
		return err
	}

	totals, err := s.upload(leaseCtx, job, log)
	if err != nil {
		return s.routeFailure(leaseCtx, job, err, models.JobUploadFailed, log)
	}

	// The sync row and its handoff go out before the job turns COMPLETED,
	// so a crash in between re-enters here and re-publishes harmlessly.
	sync, err := s.ensureSync(ctx, job, totals)
	if err != nil {
		return err
	}
	handoff := stream.SyncHandoff{JobID: job.ID, SyncID: sync.ID}
	if err := s.events.Append(ctx, stream.SyncStream, handoff.Fields()); err != nil {
		return err
	}

	if err := s.st.WithTx(ctx, func(tx *store.Store) error {
		job.CurrentStateLabel = "upload complete"
		return status.TransitionJob(ctx, tx, job, models.JobCompleted, models.SourceWorker)
	}); err != nil {
		return err
	}

	if err := s.cache.Clear(ctx, jobID); err != nil {
		log.Error().Err(err).Msg("failed to clear upload cache")
	}
	log.Info().Msg("s3 upload finished, sync spawned")
	return nil
}

type uploadTotals struct {
	files int
	bytes int64
}

func (s *S3Stage) upload(ctx context.Context, job *models.Job, log *logging.Logger) (uploadTotals, error) {
	var totals uploadTotals

	profile, err := s.st.ProfileByID(ctx, job.StorageProfileID)
	if err != nil {
		return totals, err
	}
	if profile.ProviderType != models.ProviderS3 {
		return totals, faults.New(faults.InvalidProfile, "profile %d is %s, not S3", profile.ID, profile.ProviderType)
	}

	creds, err := models.S3CredentialsOf(profile)
	if err != nil {
		return totals, err
	}
	api, err := s.newAPI(ctx, creds)
	if err != nil {
		return totals, err
	}
	if err := s3x.ProbeBucket(ctx, api, creds.Bucket); err != nil {
		return totals, err
	}

	entries, err := pathutil.WalkContent(job.DownloadPath)
	if err != nil {
		return totals, faults.Wrap(faults.ReadError, err)
	}
	if len(entries) == 0 {
		return totals, faults.New(faults.FileNotFound, "download dir %s holds no content", job.DownloadPath)
	}
	totals.files = len(entries)
	totals.bytes = pathutil.TotalSize(entries)

	uploader := s3x.NewUploader(api, creds.Bucket, s.cfg.PartSize, s.st, s.log)
	completed, err := s.cache.Completed(ctx, job.ID)
	if err != nil {
		return totals, err
	}

	prefix := KeyPrefix(job.ID)
	var uploaded int64
	lastBeat := time.Time{}
	for _, e := range entries {
		key := prefix + "/" + e.RelPath
		if _, done := completed[e.RelPath]; done {
			uploaded += e.Size
			continue
		}

		if exists, _ := uploader.ObjectExists(ctx, key, e.Size); exists {
			uploaded += e.Size
			if err := s.cache.MarkCompleted(ctx, job.ID, e.RelPath, key); err != nil {
				return totals, err
			}
			continue
		}

		err := uploader.UploadFile(ctx, job.ID, nil, e.AbsPath, key, func(delta int64) {
			uploaded += delta
			if time.Since(lastBeat) >= s.cfg.HeartbeatInterval {
				lastBeat = time.Now()
				label := fmt.Sprintf("uploading to S3 %s / %s",
					stage.FormatBytes(uploaded), stage.FormatBytes(totals.bytes))
				if herr := s.st.TouchJobHeartbeat(ctx, job.ID, job.BytesDownloaded, label); herr != nil {
					log.Error().Err(herr).Msg("heartbeat persist failed")
				}
			}
		})
		if err != nil {
			return totals, err
		}
		if err := s.cache.MarkCompleted(ctx, job.ID, e.RelPath, key); err != nil {
			return totals, err
		}
	}
	return totals, nil
}

// ensureSync creates the job's sync row, or returns the existing one on a
// re-entry.
func (s *S3Stage) ensureSync(ctx context.Context, job *models.Job, totals uploadTotals) (*models.Sync, error) {
	existing, err := s.st.SyncByJobID(ctx, job.ID)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return existing, nil
	}

	sync := &models.Sync{
		JobID:         job.ID,
		Status:        models.SyncPending,
		LocalFilePath: job.DownloadPath,
		S3KeyPrefix:   KeyPrefix(job.ID),
		TotalBytes:    totals.bytes,
		FilesTotal:    totals.files,
	}
	if err := s.st.WithTx(ctx, func(tx *store.Store) error {
		if err := tx.CreateSync(ctx, sync); err != nil {
			return err
		}
		return tx.AppendSyncHistory(ctx, &models.SyncStatusHistory{
			SyncID:    sync.ID,
			ToStatus:  string(models.SyncPending),
			Source:    models.SourceSystem,
			ChangedAt: time.Now().UTC(),
		})
	}); err != nil {
		return nil, err
	}
	return sync, nil
}
