// Package models defines the persisted entities of the job lifecycle engine.
//
// A Job exclusively owns its Sync (at most one), its status history rows and
// its transfer progress rows. StorageProfile, RequestedFile and User are
// read-only references supplied by external collaborators.
package models

import (
	"time"
)

// Job is one user request: a selective torrent download followed by one or
// more uploads into the user's storage destination.
type Job struct {
	ID               int64 `gorm:"primaryKey"`
	UserID           int64 `gorm:"index"`
	StorageProfileID int64 `gorm:"index"`
	RequestedFileID  int64 `gorm:"index"`

	Status JobStatus `gorm:"index;size:32"`

	// SelectedFilePaths is the ordered list of selected torrent entries,
	// forward-slash normalized. Empty means all files.
	SelectedFilePaths []string `gorm:"serializer:json"`

	// DownloadPath is assigned on the first DOWNLOADING transition and is
	// immutable while the job is between download start and upload end.
	DownloadPath string

	BytesDownloaded int64
	TotalBytes      int64

	StartedAt     *time.Time
	CompletedAt   *time.Time
	LastHeartbeat *time.Time

	// BackgroundTaskID is the opaque handle into the task runtime. Dispatch
	// idempotency gates on it being set.
	BackgroundTaskID string `gorm:"size:64"`

	RetryCount  int
	NextRetryAt *time.Time

	ErrorMessage      string
	CurrentStateLabel string

	CreatedAt time.Time
	UpdatedAt time.Time
}

// Sync mirrors a job's download directory into the user's S3 bucket after
// the upload stage settles. At most one per job.
type Sync struct {
	ID     int64      `gorm:"primaryKey"`
	JobID  int64      `gorm:"uniqueIndex"`
	Status SyncStatus `gorm:"index;size:32"`

	LocalFilePath string
	S3KeyPrefix   string

	TotalBytes  int64
	BytesSynced int64
	FilesTotal  int
	FilesSynced int

	RetryCount  int
	NextRetryAt *time.Time

	LastHeartbeat *time.Time

	BackgroundTaskID string `gorm:"size:64"`

	StartedAt    *time.Time
	CompletedAt  *time.Time
	ErrorMessage string

	CreatedAt time.Time
	UpdatedAt time.Time
}

// JobStatusHistory is one audit entry for a job transition. FromStatus is
// nil only for the initial QUEUED entry.
type JobStatusHistory struct {
	ID         int64   `gorm:"primaryKey"`
	JobID      int64   `gorm:"index"`
	FromStatus *string `gorm:"size:32"`
	ToStatus   string  `gorm:"size:32"`
	Source     Source  `gorm:"size:16"`

	ErrorMessage string
	Metadata     map[string]any `gorm:"serializer:json"`

	ChangedAt time.Time `gorm:"index"`
}

// SyncStatusHistory is one audit entry for a sync transition, same shape as
// JobStatusHistory.
type SyncStatusHistory struct {
	ID         int64   `gorm:"primaryKey"`
	SyncID     int64   `gorm:"index"`
	FromStatus *string `gorm:"size:32"`
	ToStatus   string  `gorm:"size:32"`
	Source     Source  `gorm:"size:16"`

	ErrorMessage string
	Metadata     map[string]any `gorm:"serializer:json"`

	ChangedAt time.Time `gorm:"index"`
}

// TransferStatus is the state of a per-file resumable upload checkpoint.
type TransferStatus string

const (
	TransferInProgress TransferStatus = "InProgress"
	TransferCompleted  TransferStatus = "Completed"
	TransferFailed     TransferStatus = "Failed"
)

// PartETag records one completed multipart part.
type PartETag struct {
	PartNumber int32  `json:"part_number"`
	ETag       string `json:"etag"`
}

// TransferProgress is the per-file resumable upload checkpoint. A restarted
// upload loads this row and continues from the last recorded part.
type TransferProgress struct {
	ID     int64  `gorm:"primaryKey"`
	JobID  int64  `gorm:"index"`
	SyncID *int64 `gorm:"index"`

	LocalFilePath string `gorm:"index"`
	RemoteKey     string

	// ProviderUploadID is the multipart upload id (S3) or resumable session
	// URI (Drive).
	ProviderUploadID string

	PartSize       int64
	TotalParts     int32
	PartsCompleted int32
	BytesUploaded  int64
	TotalBytes     int64

	PartETags      []PartETag `gorm:"serializer:json"`
	LastPartNumber int32

	Status TransferStatus `gorm:"size:16"`

	StartedAt   *time.Time
	CompletedAt *time.Time

	CreatedAt time.Time
	UpdatedAt time.Time
}

// ProviderType selects an upload stage.
type ProviderType string

const (
	ProviderGoogleDrive ProviderType = "GoogleDrive"
	ProviderS3          ProviderType = "S3"
	ProviderOneDrive    ProviderType = "OneDrive"
	ProviderDropbox     ProviderType = "Dropbox"
)

// StorageProfile is read-only from the core's perspective; the API
// collaborator owns its lifecycle.
type StorageProfile struct {
	ID              int64 `gorm:"primaryKey"`
	UserID          int64 `gorm:"index"`
	ProfileName     string
	ProviderType    ProviderType `gorm:"size:32"`
	CredentialsJSON string
	Email           string
	IsActive        bool
	IsDefault       bool
}

// RequestedFile references the torrent input of a job. Either TorrentPath
// (cached local .torrent) or TorrentURL (HTTPS source) is set.
type RequestedFile struct {
	ID          int64 `gorm:"primaryKey"`
	UserID      int64 `gorm:"index"`
	Name        string
	InfoHash    string `gorm:"size:64;index"`
	TorrentPath string
	TorrentURL  string
}

// User is a read-only reference.
type User struct {
	ID    int64 `gorm:"primaryKey"`
	Email string
}
