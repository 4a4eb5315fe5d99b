package models

// JobStatus is the lifecycle state of a Job. Transitions are applied only
// through the status engine; see internal/status.
type JobStatus string

const (
	JobQueued               JobStatus = "QUEUED"
	JobDownloading          JobStatus = "DOWNLOADING"
	JobPendingUpload        JobStatus = "PENDING_UPLOAD"
	JobUploading            JobStatus = "UPLOADING"
	JobTorrentDownloadRetry JobStatus = "TORRENT_DOWNLOAD_RETRY"
	JobUploadRetry          JobStatus = "UPLOAD_RETRY"
	JobCompleted            JobStatus = "COMPLETED"
	JobFailed               JobStatus = "FAILED"
	JobCancelled            JobStatus = "CANCELLED"
	JobTorrentFailed        JobStatus = "TORRENT_FAILED"
	JobUploadFailed         JobStatus = "UPLOAD_FAILED"
	JobGoogleDriveFailed    JobStatus = "GOOGLE_DRIVE_FAILED"
)

// SyncStatus is the lifecycle state of a Sync row.
type SyncStatus string

const (
	SyncPending   SyncStatus = "PENDING"
	SyncSyncing   SyncStatus = "SYNCING"
	SyncRetry     SyncStatus = "SYNC_RETRY"
	SyncCompleted SyncStatus = "COMPLETED"
	SyncFailed    SyncStatus = "FAILED"
)

// Source tags who initiated a status change.
type Source string

const (
	SourceWorker   Source = "Worker"
	SourceUser     Source = "User"
	SourceSystem   Source = "System"
	SourceRecovery Source = "Recovery"
)

// IsTerminal reports whether no further transition is legal from s.
func (s JobStatus) IsTerminal() bool {
	switch s {
	case JobCompleted, JobFailed, JobCancelled,
		JobTorrentFailed, JobUploadFailed, JobGoogleDriveFailed:
		return true
	}
	return false
}

// IsTerminal reports whether no further transition is legal from s.
func (s SyncStatus) IsTerminal() bool {
	return s == SyncCompleted || s == SyncFailed
}

// InProgress reports whether the job is actively held by a worker and
// expected to heartbeat.
func (s JobStatus) InProgress() bool {
	return s == JobDownloading || s == JobUploading
}

// Retrying reports whether the job sits in a retry state waiting for
// re-dispatch.
func (s JobStatus) Retrying() bool {
	return s == JobTorrentDownloadRetry || s == JobUploadRetry
}
