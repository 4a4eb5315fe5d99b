// Package service exposes the job lifecycle operations consumed by the API
// collaborator and wires the worker-side runtime together.
package service

import (
	"context"

	"github.com/torreclou/torreclou/internal/faults"
	"github.com/torreclou/torreclou/internal/logging"
	"github.com/torreclou/torreclou/internal/models"
	"github.com/torreclou/torreclou/internal/pathutil"
	"github.com/torreclou/torreclou/internal/status"
	"github.com/torreclou/torreclou/internal/store"
	"github.com/torreclou/torreclou/internal/stream"
	"github.com/torreclou/torreclou/internal/tasks"
)

// RoleAdmin widens cancel/retry permissions past job ownership.
const RoleAdmin = "admin"

// Jobs is the job-facing service surface.
type Jobs struct {
	st      *store.Store
	events  *stream.Log
	runtime *tasks.Runtime
	log     *logging.Logger
}

// NewJobs creates the job service.
func NewJobs(st *store.Store, events *stream.Log, runtime *tasks.Runtime, log *logging.Logger) *Jobs {
	return &Jobs{st: st, events: events, runtime: runtime, log: log.Component("jobs")}
}

// CreateJobRequest is the input of CreateAndDispatchJob.
type CreateJobRequest struct {
	RequestedFileID   int64
	UserID            int64
	SelectedFilePaths []string
	// StorageProfileID zero means "use the user's default profile".
	StorageProfileID int64
}

// CreateJobResult reports the created job and any profile warning.
type CreateJobResult struct {
	JobID                    int64
	StorageProfileID         int64
	HasStorageProfileWarning bool
	StorageProfileWarning    string
}

// CreateAndDispatchJob creates a QUEUED job with its initial audit row and
// announces it on jobs:stream. At most one non-terminal job may exist per
// (requestedFile, user) pair.
func (j *Jobs) CreateAndDispatchJob(ctx context.Context, req CreateJobRequest) (*CreateJobResult, error) {
	if _, err := j.st.RequestedFileByID(ctx, req.RequestedFileID); err != nil {
		return nil, err
	}

	existing, err := j.st.ActiveJobForRequest(ctx, req.RequestedFileID, req.UserID)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return nil, faults.New(faults.JobAlreadyExists,
			"job %d is already active for requested file %d", existing.ID, req.RequestedFileID)
	}

	result := &CreateJobResult{}
	profileID, warn, err := j.resolveProfile(ctx, req)
	if err != nil {
		return nil, err
	}
	result.StorageProfileID = profileID
	if warn != "" {
		result.HasStorageProfileWarning = true
		result.StorageProfileWarning = warn
	}

	selected := make([]string, 0, len(req.SelectedFilePaths))
	for _, p := range req.SelectedFilePaths {
		if err := pathutil.ValidateRelPath(p); err != nil {
			return nil, faults.New(faults.InvalidFileName, "selected path rejected: %v", err)
		}
		selected = append(selected, pathutil.Normalize(p))
	}

	job := &models.Job{
		UserID:            req.UserID,
		StorageProfileID:  profileID,
		RequestedFileID:   req.RequestedFileID,
		Status:            models.JobQueued,
		SelectedFilePaths: selected,
	}
	if err := j.st.WithTx(ctx, func(tx *store.Store) error {
		if err := tx.CreateJob(ctx, job); err != nil {
			return err
		}
		return status.RecordInitial(ctx, tx, job)
	}); err != nil {
		return nil, err
	}
	result.JobID = job.ID

	evt := stream.JobQueued{JobID: job.ID}
	if err := j.events.Append(ctx, stream.JobsStream, evt.Fields()); err != nil {
		// The job row exists; the recovery supervisor will pick up the
		// orphaned QUEUED job if this append is lost.
		j.log.Error().Err(err).Int64("job_id", job.ID).Msg("jobs:stream append failed")
	}

	j.log.Info().Int64("job_id", job.ID).Int64("user_id", req.UserID).
		Int("selected", len(selected)).Msg("job created")
	return result, nil
}

func (j *Jobs) resolveProfile(ctx context.Context, req CreateJobRequest) (int64, string, error) {
	if req.StorageProfileID != 0 {
		profile, err := j.st.ProfileByID(ctx, req.StorageProfileID)
		if err != nil {
			return 0, "", err
		}
		if profile.UserID != req.UserID {
			return 0, "", faults.New(faults.AccessDenied, "profile %d does not belong to user %d", profile.ID, req.UserID)
		}
		if !profile.IsActive {
			return 0, "", faults.New(faults.InactiveProfile, "profile %d is inactive", profile.ID)
		}
		return profile.ID, "", nil
	}

	profile, err := j.st.DefaultProfileForUser(ctx, req.UserID)
	if err != nil {
		return 0, "", err
	}
	if profile == nil {
		return 0, "no default storage profile configured; the upload stage will fail until one is set", nil
	}
	return profile.ID, "", nil
}

// cancellable are the statuses an ordinary user may cancel. Upload
// finalization is past the point of no return.
func cancellable(s models.JobStatus) bool {
	switch s {
	case models.JobQueued, models.JobDownloading, models.JobPendingUpload:
		return true
	}
	return false
}

// CancelJob cancels a job on behalf of a user. The running stage observes
// the status change at its next heartbeat and stops.
func (j *Jobs) CancelJob(ctx context.Context, jobID, userID int64, role string) error {
	job, err := j.st.JobByID(ctx, jobID)
	if err != nil {
		return err
	}
	if job.UserID != userID && role != RoleAdmin {
		return faults.New(faults.AccessDenied, "job %d does not belong to user %d", jobID, userID)
	}

	switch {
	case job.Status == models.JobCompleted:
		return faults.New(faults.JobCompleted, "job %d already completed", jobID)
	case job.Status == models.JobCancelled:
		return faults.New(faults.JobCancelled, "job %d already cancelled", jobID)
	case !cancellable(job.Status):
		return faults.New(faults.JobNotCancellable, "job %d is %s", jobID, job.Status)
	}

	if err := j.st.WithTx(ctx, func(tx *store.Store) error {
		return status.TransitionJob(ctx, tx, job, models.JobCancelled, models.SourceUser)
	}); err != nil {
		return err
	}

	if job.BackgroundTaskID != "" {
		j.runtime.Cancel(job.BackgroundTaskID)
	}
	j.log.Info().Int64("job_id", jobID).Msg("job cancelled")
	return nil
}

// RetryJob resurrects a failed job back into the queue and re-dispatches.
func (j *Jobs) RetryJob(ctx context.Context, jobID, userID int64, role string) error {
	job, err := j.st.JobByID(ctx, jobID)
	if err != nil {
		return err
	}
	if job.UserID != userID && role != RoleAdmin {
		return faults.New(faults.AccessDenied, "job %d does not belong to user %d", jobID, userID)
	}

	switch job.Status {
	case models.JobCompleted:
		return faults.New(faults.JobCompleted, "job %d already completed", jobID)
	case models.JobCancelled:
		return faults.New(faults.JobCancelled, "job %d was cancelled", jobID)
	case models.JobQueued, models.JobDownloading, models.JobPendingUpload, models.JobUploading:
		return faults.New(faults.JobActive, "job %d is %s", jobID, job.Status)
	case models.JobTorrentDownloadRetry, models.JobUploadRetry:
		return faults.New(faults.JobRetrying, "job %d is already retrying", jobID)
	}

	if err := j.st.WithTx(ctx, func(tx *store.Store) error {
		job.RetryCount = 0
		job.NextRetryAt = nil
		job.ErrorMessage = ""
		job.BackgroundTaskID = ""
		job.BytesDownloaded = 0
		job.StartedAt = nil
		job.LastHeartbeat = nil
		return status.TransitionJob(ctx, tx, job, models.JobQueued, models.SourceUser)
	}); err != nil {
		return err
	}

	evt := stream.JobQueued{JobID: job.ID}
	if err := j.events.Append(ctx, stream.JobsStream, evt.Fields()); err != nil {
		j.log.Error().Err(err).Int64("job_id", job.ID).Msg("jobs:stream append failed")
	}
	j.log.Info().Int64("job_id", jobID).Msg("job requeued by user")
	return nil
}

// JobView is the read model returned to the API collaborator.
type JobView struct {
	Job     *models.Job
	Sync    *models.Sync
	History []models.JobStatusHistory
}

// GetJob loads a job with its sync row and audit log.
func (j *Jobs) GetJob(ctx context.Context, jobID, userID int64, role string) (*JobView, error) {
	job, err := j.st.JobByID(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if job.UserID != userID && role != RoleAdmin {
		return nil, faults.New(faults.AccessDenied, "job %d does not belong to user %d", jobID, userID)
	}

	sync, err := j.st.SyncByJobID(ctx, jobID)
	if err != nil {
		return nil, err
	}
	history, err := j.st.JobHistory(ctx, jobID)
	if err != nil {
		return nil, err
	}
	return &JobView{Job: job, Sync: sync, History: history}, nil
}

// ListJobs returns a user's jobs, newest first.
func (j *Jobs) ListJobs(ctx context.Context, userID int64) ([]models.Job, error) {
	return j.st.JobsByUser(ctx, userID)
}
