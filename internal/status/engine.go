// Package status is the sole gatekeeper of job and sync status changes.
//
// Every transition writes an audit row and updates the entity inside the
// caller's unit of work. Transitions not present in the legality table are
// rejected.
package status

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/torreclou/torreclou/internal/models"
	"github.com/torreclou/torreclou/internal/store"
)

// ErrIllegalTransition is returned for any (from, to) pair outside the
// legality table.
var ErrIllegalTransition = errors.New("illegal transition")

// ErrNoOpTransition is returned when the target equals the current status
// and no error message is attached.
var ErrNoOpTransition = errors.New("no-op transition without error message")

// legalJob maps each job status to its legal successors.
var legalJob = map[models.JobStatus][]models.JobStatus{
	models.JobQueued: {
		models.JobDownloading,
		models.JobCancelled,
	},
	models.JobDownloading: {
		models.JobPendingUpload,
		models.JobTorrentDownloadRetry,
		models.JobTorrentFailed,
		models.JobCancelled,
	},
	models.JobTorrentDownloadRetry: {
		models.JobDownloading,
		models.JobTorrentFailed,
	},
	models.JobPendingUpload: {
		models.JobUploading,
		models.JobCancelled,
	},
	models.JobUploading: {
		models.JobCompleted,
		models.JobUploadRetry,
		models.JobUploadFailed,
		models.JobGoogleDriveFailed,
	},
	models.JobUploadRetry: {
		models.JobUploading,
		models.JobUploadFailed,
	},
	// User-initiated retry resurrects a failed job back into the queue.
	models.JobFailed:            {models.JobQueued},
	models.JobTorrentFailed:     {models.JobQueued},
	models.JobUploadFailed:      {models.JobQueued},
	models.JobGoogleDriveFailed: {models.JobQueued},
}

// legalSync maps each sync status to its legal successors.
var legalSync = map[models.SyncStatus][]models.SyncStatus{
	models.SyncPending: {
		models.SyncSyncing,
		models.SyncFailed,
	},
	models.SyncSyncing: {
		models.SyncCompleted,
		models.SyncRetry,
		models.SyncFailed,
	},
	models.SyncRetry: {
		models.SyncSyncing,
		models.SyncFailed,
	},
}

// Change carries the optional attachments of one transition.
type Change struct {
	ErrorMessage string
	Metadata     map[string]any
}

// Option mutates a Change.
type Option func(*Change)

// WithError attaches an error message to the transition.
func WithError(msg string) Option {
	return func(c *Change) { c.ErrorMessage = msg }
}

// WithMetadata attaches structured metadata to the audit row.
func WithMetadata(md map[string]any) Option {
	return func(c *Change) { c.Metadata = md }
}

// RecordInitial writes the creation audit row for a freshly created job:
// fromStatus null, toStatus QUEUED, source System.
func RecordInitial(ctx context.Context, tx *store.Store, job *models.Job) error {
	return tx.AppendJobHistory(ctx, &models.JobStatusHistory{
		JobID:     job.ID,
		ToStatus:  string(models.JobQueued),
		Source:    models.SourceSystem,
		ChangedAt: time.Now().UTC(),
	})
}

// TransitionJob applies a job status change, appending the audit row and
// updating the entity inside the caller's unit of work.
//
// Recovery (and the runtime's state-election hook, tagged System) may force
// any non-terminal job to FAILED after exhaustion; everything else goes
// through the legality table.
func TransitionJob(ctx context.Context, tx *store.Store, job *models.Job, to models.JobStatus, src models.Source, opts ...Option) error {
	change := buildChange(opts)

	if job.Status == to {
		if change.ErrorMessage == "" {
			return fmt.Errorf("%w: job %d already %s", ErrNoOpTransition, job.ID, to)
		}
	} else if !jobTransitionAllowed(job.Status, to, src) {
		return fmt.Errorf("%w: job %d %s -> %s", ErrIllegalTransition, job.ID, job.Status, to)
	}

	from := string(job.Status)
	if err := tx.AppendJobHistory(ctx, &models.JobStatusHistory{
		JobID:        job.ID,
		FromStatus:   &from,
		ToStatus:     string(to),
		Source:       src,
		ErrorMessage: change.ErrorMessage,
		Metadata:     change.Metadata,
		ChangedAt:    time.Now().UTC(),
	}); err != nil {
		return err
	}

	job.Status = to
	if change.ErrorMessage != "" {
		job.ErrorMessage = change.ErrorMessage
	}
	if to.IsTerminal() {
		now := time.Now().UTC()
		job.CompletedAt = &now
	} else {
		job.CompletedAt = nil
	}

	return tx.UpdateJob(ctx, job)
}

// TransitionSync applies a sync status change, same contract as
// TransitionJob.
func TransitionSync(ctx context.Context, tx *store.Store, sync *models.Sync, to models.SyncStatus, src models.Source, opts ...Option) error {
	change := buildChange(opts)

	if sync.Status == to {
		if change.ErrorMessage == "" {
			return fmt.Errorf("%w: sync %d already %s", ErrNoOpTransition, sync.ID, to)
		}
	} else if !syncTransitionAllowed(sync.Status, to, src) {
		return fmt.Errorf("%w: sync %d %s -> %s", ErrIllegalTransition, sync.ID, sync.Status, to)
	}

	from := string(sync.Status)
	if err := tx.AppendSyncHistory(ctx, &models.SyncStatusHistory{
		SyncID:       sync.ID,
		FromStatus:   &from,
		ToStatus:     string(to),
		Source:       src,
		ErrorMessage: change.ErrorMessage,
		Metadata:     change.Metadata,
		ChangedAt:    time.Now().UTC(),
	}); err != nil {
		return err
	}

	sync.Status = to
	if change.ErrorMessage != "" {
		sync.ErrorMessage = change.ErrorMessage
	}
	if to.IsTerminal() {
		now := time.Now().UTC()
		sync.CompletedAt = &now
	} else {
		sync.CompletedAt = nil
	}

	return tx.UpdateSync(ctx, sync)
}

func jobTransitionAllowed(from, to models.JobStatus, src models.Source) bool {
	if to == models.JobFailed && !from.IsTerminal() &&
		(src == models.SourceRecovery || src == models.SourceSystem) {
		return true
	}
	for _, next := range legalJob[from] {
		if next == to {
			return true
		}
	}
	return false
}

func syncTransitionAllowed(from, to models.SyncStatus, src models.Source) bool {
	if to == models.SyncFailed && !from.IsTerminal() &&
		(src == models.SourceRecovery || src == models.SourceSystem) {
		return true
	}
	for _, next := range legalSync[from] {
		if next == to {
			return true
		}
	}
	return false
}

func buildChange(opts []Option) Change {
	var c Change
	for _, opt := range opts {
		opt(&c)
	}
	return c
}
