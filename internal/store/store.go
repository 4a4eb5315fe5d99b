// Package store is the transactional repository over the relational store.
//
// Every mutation runs inside a unit of work; mutations to one job and its
// children commit atomically. No cross-job transaction is ever required.
package store

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/torreclou/torreclou/internal/faults"
	"github.com/torreclou/torreclou/internal/models"
)

// Store wraps the gorm handle. A Store obtained from WithTx is scoped to
// that transaction.
type Store struct {
	db *gorm.DB
}

// Open opens (creating if needed) the sqlite database and migrates the
// schema.
func Open(path string) (*Store, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create db dir: %w", err)
		}
	}

	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// WAL keeps readers from blocking the heartbeat writers.
	db.Exec("PRAGMA journal_mode=WAL;")
	db.Exec("PRAGMA synchronous=NORMAL;")
	db.Exec("PRAGMA busy_timeout=5000;")

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		return nil, err
	}
	return s, nil
}

// OpenMemory opens an in-memory database. Used by tests.
func OpenMemory() (*Store, error) {
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Store) migrate() error {
	err := s.db.AutoMigrate(
		&models.Job{},
		&models.Sync{},
		&models.JobStatusHistory{},
		&models.SyncStatusHistory{},
		&models.TransferProgress{},
		&models.StorageProfile{},
		&models.RequestedFile{},
		&models.User{},
		&BackgroundTask{},
	)
	if err != nil {
		return fmt.Errorf("failed to migrate database: %w", err)
	}
	return nil
}

// Close closes the underlying connection.
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// DB exposes the gorm handle for components that manage their own queries
// (the task runtime).
func (s *Store) DB() *gorm.DB {
	return s.db
}

// WithTx runs fn inside one unit of work. fn receives a transaction-scoped
// Store; returning an error rolls everything back.
func (s *Store) WithTx(ctx context.Context, fn func(tx *Store) error) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(&Store{db: tx})
	})
}

// ---- Job ----

// CreateJob inserts a new job row.
func (s *Store) CreateJob(ctx context.Context, job *models.Job) error {
	return s.db.WithContext(ctx).Create(job).Error
}

// JobByID loads a job.
func (s *Store) JobByID(ctx context.Context, id int64) (*models.Job, error) {
	var job models.Job
	err := s.db.WithContext(ctx).First(&job, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, faults.New(faults.JobNotFound, "job %d not found", id)
	}
	return &job, err
}

// ActiveJobForRequest returns the non-terminal job for a (requestedFile,
// user) pair, or nil.
func (s *Store) ActiveJobForRequest(ctx context.Context, requestedFileID, userID int64) (*models.Job, error) {
	var job models.Job
	err := s.db.WithContext(ctx).
		Where("requested_file_id = ? AND user_id = ?", requestedFileID, userID).
		Where("status NOT IN ?", terminalJobStatuses()).
		First(&job).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &job, nil
}

// UpdateJob persists all fields of job.
func (s *Store) UpdateJob(ctx context.Context, job *models.Job) error {
	return s.db.WithContext(ctx).Save(job).Error
}

// TouchJobHeartbeat persists progress counters and the heartbeat without
// rewriting the whole row.
func (s *Store) TouchJobHeartbeat(ctx context.Context, jobID int64, bytesDownloaded int64, label string) error {
	now := time.Now().UTC()
	return s.db.WithContext(ctx).Model(&models.Job{}).Where("id = ?", jobID).
		Updates(map[string]interface{}{
			"bytes_downloaded":    bytesDownloaded,
			"current_state_label": label,
			"last_heartbeat":      now,
		}).Error
}

// RetryDueJobs lists jobs in a retry state whose next_retry_at is null or
// due.
func (s *Store) RetryDueJobs(ctx context.Context, now time.Time) ([]models.Job, error) {
	var jobs []models.Job
	err := s.db.WithContext(ctx).
		Where("status IN ?", []models.JobStatus{models.JobTorrentDownloadRetry, models.JobUploadRetry}).
		Where("next_retry_at IS NULL OR next_retry_at <= ?", now).
		Find(&jobs).Error
	return jobs, err
}

// StaleJobs lists in-progress jobs whose heartbeat (or, lacking one, start
// time) is older than the threshold.
func (s *Store) StaleJobs(ctx context.Context, cutoff time.Time) ([]models.Job, error) {
	var jobs []models.Job
	err := s.db.WithContext(ctx).
		Where("status IN ?", []models.JobStatus{models.JobDownloading, models.JobUploading, models.JobPendingUpload}).
		Where("(last_heartbeat IS NOT NULL AND last_heartbeat < ?) OR (last_heartbeat IS NULL AND started_at IS NOT NULL AND started_at < ?)",
			cutoff, cutoff).
		Find(&jobs).Error
	return jobs, err
}

// OrphanedQueuedJobs lists QUEUED jobs never handed to the task runtime.
func (s *Store) OrphanedQueuedJobs(ctx context.Context, cutoff time.Time) ([]models.Job, error) {
	var jobs []models.Job
	err := s.db.WithContext(ctx).
		Where("status = ?", models.JobQueued).
		Where("background_task_id = ''").
		Where("created_at < ?", cutoff).
		Find(&jobs).Error
	return jobs, err
}

// JobsByUser lists a user's jobs, newest first.
func (s *Store) JobsByUser(ctx context.Context, userID int64) ([]models.Job, error) {
	var jobs []models.Job
	err := s.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("created_at desc").
		Find(&jobs).Error
	return jobs, err
}

// ---- Sync ----

// CreateSync inserts the sync row for a job.
func (s *Store) CreateSync(ctx context.Context, sync *models.Sync) error {
	return s.db.WithContext(ctx).Create(sync).Error
}

// SyncByID loads a sync row.
func (s *Store) SyncByID(ctx context.Context, id int64) (*models.Sync, error) {
	var sync models.Sync
	err := s.db.WithContext(ctx).First(&sync, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, faults.New(faults.JobNotFound, "sync %d not found", id)
	}
	return &sync, err
}

// SyncByJobID loads the sync row of a job, or nil.
func (s *Store) SyncByJobID(ctx context.Context, jobID int64) (*models.Sync, error) {
	var sync models.Sync
	err := s.db.WithContext(ctx).First(&sync, "job_id = ?", jobID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &sync, nil
}

// UpdateSync persists all fields of sync.
func (s *Store) UpdateSync(ctx context.Context, sync *models.Sync) error {
	return s.db.WithContext(ctx).Save(sync).Error
}

// TouchSyncProgress persists sync counters and heartbeat.
func (s *Store) TouchSyncProgress(ctx context.Context, syncID int64, bytesSynced int64, filesSynced int) error {
	now := time.Now().UTC()
	return s.db.WithContext(ctx).Model(&models.Sync{}).Where("id = ?", syncID).
		Updates(map[string]interface{}{
			"bytes_synced":   bytesSynced,
			"files_synced":   filesSynced,
			"last_heartbeat": now,
		}).Error
}

// RetryDueSyncs lists syncs in SYNC_RETRY whose next_retry_at is null or due.
func (s *Store) RetryDueSyncs(ctx context.Context, now time.Time) ([]models.Sync, error) {
	var syncs []models.Sync
	err := s.db.WithContext(ctx).
		Where("status = ?", models.SyncRetry).
		Where("next_retry_at IS NULL OR next_retry_at <= ?", now).
		Find(&syncs).Error
	return syncs, err
}

// StaleSyncs lists SYNCING rows with stale heartbeats.
func (s *Store) StaleSyncs(ctx context.Context, cutoff time.Time) ([]models.Sync, error) {
	var syncs []models.Sync
	err := s.db.WithContext(ctx).
		Where("status = ?", models.SyncSyncing).
		Where("(last_heartbeat IS NOT NULL AND last_heartbeat < ?) OR (last_heartbeat IS NULL AND started_at IS NOT NULL AND started_at < ?)",
			cutoff, cutoff).
		Find(&syncs).Error
	return syncs, err
}

// OrphanedPendingSyncs lists PENDING syncs never handed to the task runtime.
func (s *Store) OrphanedPendingSyncs(ctx context.Context, cutoff time.Time) ([]models.Sync, error) {
	var syncs []models.Sync
	err := s.db.WithContext(ctx).
		Where("status = ?", models.SyncPending).
		Where("background_task_id = ''").
		Where("created_at < ?", cutoff).
		Find(&syncs).Error
	return syncs, err
}

// ---- History ----

// AppendJobHistory writes one audit row.
func (s *Store) AppendJobHistory(ctx context.Context, h *models.JobStatusHistory) error {
	return s.db.WithContext(ctx).Create(h).Error
}

// AppendSyncHistory writes one audit row.
func (s *Store) AppendSyncHistory(ctx context.Context, h *models.SyncStatusHistory) error {
	return s.db.WithContext(ctx).Create(h).Error
}

// JobHistory returns a job's audit log in insertion order.
func (s *Store) JobHistory(ctx context.Context, jobID int64) ([]models.JobStatusHistory, error) {
	var rows []models.JobStatusHistory
	err := s.db.WithContext(ctx).
		Where("job_id = ?", jobID).
		Order("id asc").
		Find(&rows).Error
	return rows, err
}

// SyncHistory returns a sync's audit log in insertion order.
func (s *Store) SyncHistory(ctx context.Context, syncID int64) ([]models.SyncStatusHistory, error) {
	var rows []models.SyncStatusHistory
	err := s.db.WithContext(ctx).
		Where("sync_id = ?", syncID).
		Order("id asc").
		Find(&rows).Error
	return rows, err
}

// ---- TransferProgress ----

// TransferProgressFor loads the checkpoint for one file of a job, or nil.
func (s *Store) TransferProgressFor(ctx context.Context, jobID int64, localPath string) (*models.TransferProgress, error) {
	var tp models.TransferProgress
	err := s.db.WithContext(ctx).
		Where("job_id = ? AND local_file_path = ?", jobID, localPath).
		First(&tp).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &tp, nil
}

// SaveTransferProgress upserts a checkpoint row.
func (s *Store) SaveTransferProgress(ctx context.Context, tp *models.TransferProgress) error {
	return s.db.WithContext(ctx).Save(tp).Error
}

// DeleteTransferProgress removes the checkpoint after a file completes.
func (s *Store) DeleteTransferProgress(ctx context.Context, id int64) error {
	return s.db.WithContext(ctx).Delete(&models.TransferProgress{}, "id = ?", id).Error
}

// TransferProgressByJob lists all checkpoints of a job.
func (s *Store) TransferProgressByJob(ctx context.Context, jobID int64) ([]models.TransferProgress, error) {
	var rows []models.TransferProgress
	err := s.db.WithContext(ctx).
		Where("job_id = ?", jobID).
		Order("id asc").
		Find(&rows).Error
	return rows, err
}

// ---- Read-only references ----

// ProfileByID loads a storage profile.
func (s *Store) ProfileByID(ctx context.Context, id int64) (*models.StorageProfile, error) {
	var p models.StorageProfile
	err := s.db.WithContext(ctx).First(&p, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, faults.New(faults.ProfileNotFound, "storage profile %d not found", id)
	}
	return &p, err
}

// DefaultProfileForUser returns the user's default active profile, or nil.
func (s *Store) DefaultProfileForUser(ctx context.Context, userID int64) (*models.StorageProfile, error) {
	var p models.StorageProfile
	err := s.db.WithContext(ctx).
		Where("user_id = ? AND is_default = ? AND is_active = ?", userID, true, true).
		First(&p).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &p, nil
}

// RequestedFileByID loads a torrent input reference.
func (s *Store) RequestedFileByID(ctx context.Context, id int64) (*models.RequestedFile, error) {
	var rf models.RequestedFile
	err := s.db.WithContext(ctx).First(&rf, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, faults.New(faults.TorrentNotFound, "requested file %d not found", id)
	}
	return &rf, err
}

func terminalJobStatuses() []models.JobStatus {
	return []models.JobStatus{
		models.JobCompleted, models.JobFailed, models.JobCancelled,
		models.JobTorrentFailed, models.JobUploadFailed, models.JobGoogleDriveFailed,
	}
}
