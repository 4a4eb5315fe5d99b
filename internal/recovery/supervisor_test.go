package recovery

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/torreclou/torreclou/internal/config"
	"github.com/torreclou/torreclou/internal/dispatch"
	"github.com/torreclou/torreclou/internal/logging"
	"github.com/torreclou/torreclou/internal/models"
	"github.com/torreclou/torreclou/internal/store"
	"github.com/torreclou/torreclou/internal/tasks"
)

func TestBackoff(t *testing.T) {
	cases := []struct {
		retry int
		want  time.Duration
	}{
		{0, 30 * time.Second},
		{1, 30 * time.Second},
		{2, 60 * time.Second},
		{3, 120 * time.Second},
		{6, 960 * time.Second},
		{7, 1800 * time.Second},
		{50, 1800 * time.Second},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, Backoff(tc.retry), "retry %d", tc.retry)
	}
}

func newTestSupervisor(t *testing.T) (*Supervisor, *store.Store, *tasks.Runtime) {
	t.Helper()
	st, err := store.OpenMemory()
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	log := logging.NewDefault()
	rt := tasks.NewRuntime(st, log, nil, 1)
	noop := func(ctx context.Context, task *store.BackgroundTask) error { return nil }
	rt.Register(tasks.Descriptor{Type: dispatch.TaskDownload, Queue: tasks.QueueTorrents, Handler: noop})
	rt.Register(tasks.Descriptor{Type: dispatch.TaskUploadDrive, Queue: tasks.QueueGoogleDrive, Handler: noop})
	rt.Register(tasks.Descriptor{Type: dispatch.TaskUploadS3, Queue: tasks.QueueS3, Handler: noop})
	rt.Register(tasks.Descriptor{Type: dispatch.TaskSync, Queue: tasks.QueueSync, Handler: noop})

	cfg := config.New()
	return New(st, rt, cfg, log), st, rt
}

func TestStaleDownloadRecovered(t *testing.T) {
	s, st, _ := newTestSupervisor(t)
	ctx := context.Background()
	old := time.Now().UTC().Add(-time.Hour)

	job := &models.Job{
		UserID:        1,
		Status:        models.JobDownloading,
		LastHeartbeat: &old,
	}
	require.NoError(t, st.CreateJob(ctx, job))

	s.Scan(ctx)

	got, err := st.JobByID(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobTorrentDownloadRetry, got.Status)
	assert.Equal(t, 1, got.RetryCount)
	require.NotNil(t, got.NextRetryAt)
	require.NotEmpty(t, got.BackgroundTaskID)

	// The fresh task honors the backoff, it is not due immediately.
	task, err := st.TaskByID(ctx, got.BackgroundTaskID)
	require.NoError(t, err)
	require.NotNil(t, task)
	assert.Equal(t, dispatch.TaskDownload, task.Type)
	assert.Equal(t, store.TaskScheduled, task.Status)
	assert.True(t, task.NextRunAt.After(time.Now().UTC().Add(20*time.Second)))

	rows, err := st.JobHistory(ctx, job.ID)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, models.SourceRecovery, rows[0].Source)
	assert.NotEmpty(t, rows[0].ErrorMessage)
}

func TestStaleUploadGoesToProviderQueue(t *testing.T) {
	s, st, _ := newTestSupervisor(t)
	ctx := context.Background()
	old := time.Now().UTC().Add(-time.Hour)

	require.NoError(t, st.DB().Create(&models.StorageProfile{
		ID: 3, UserID: 1, ProviderType: models.ProviderS3, IsActive: true,
	}).Error)

	job := &models.Job{
		UserID:           1,
		StorageProfileID: 3,
		Status:           models.JobUploading,
		LastHeartbeat:    &old,
	}
	require.NoError(t, st.CreateJob(ctx, job))

	s.Scan(ctx)

	got, err := st.JobByID(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobUploadRetry, got.Status)

	task, err := st.TaskByID(ctx, got.BackgroundTaskID)
	require.NoError(t, err)
	require.NotNil(t, task)
	assert.Equal(t, dispatch.TaskUploadS3, task.Type)
}

func TestHealthyTaskNotDuplicated(t *testing.T) {
	s, st, rt := newTestSupervisor(t)
	ctx := context.Background()
	old := time.Now().UTC().Add(-time.Hour)

	job := &models.Job{UserID: 1, Status: models.JobTorrentDownloadRetry, NextRetryAt: &old}
	require.NoError(t, st.CreateJob(ctx, job))

	// The entity already has a live scheduled task.
	task, err := rt.Enqueue(ctx, st, dispatch.TaskDownload, tasks.JobPayload{JobID: job.ID})
	require.NoError(t, err)
	job.BackgroundTaskID = task.ID
	require.NoError(t, st.UpdateJob(ctx, job))

	s.Scan(ctx)

	got, err := st.JobByID(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, task.ID, got.BackgroundTaskID, "live task keeps its handle")
	assert.Equal(t, 0, got.RetryCount)
}

func TestProcessingTaskRecoveredOnlyWhenStale(t *testing.T) {
	s, st, rt := newTestSupervisor(t)
	ctx := context.Background()
	now := time.Now().UTC()
	old := now.Add(-time.Hour)

	// Retry-due job whose task is mid-flight: the retry scan sees it but
	// must leave it alone.
	job := &models.Job{UserID: 1, Status: models.JobTorrentDownloadRetry, NextRetryAt: &old}
	require.NoError(t, st.CreateJob(ctx, job))
	task, err := rt.Enqueue(ctx, st, dispatch.TaskDownload, tasks.JobPayload{JobID: job.ID})
	require.NoError(t, err)
	claimed, err := st.ClaimDueTask(ctx, []string{tasks.QueueTorrents}, now.Add(time.Second))
	require.NoError(t, err)
	require.NotNil(t, claimed)
	job.BackgroundTaskID = task.ID
	require.NoError(t, st.UpdateJob(ctx, job))

	s.Scan(ctx)

	got, err := st.JobByID(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, 0, got.RetryCount, "processing task is left alone")
	assert.Equal(t, task.ID, got.BackgroundTaskID)

	// A processing task whose job heartbeat went stale is the
	// crashed-worker case: recover despite the task claiming to run.
	dead := &models.Job{UserID: 1, Status: models.JobDownloading, LastHeartbeat: &old}
	require.NoError(t, st.CreateJob(ctx, dead))
	deadTask, err := rt.Enqueue(ctx, st, dispatch.TaskDownload, tasks.JobPayload{JobID: dead.ID})
	require.NoError(t, err)
	claimed, err = st.ClaimDueTask(ctx, []string{tasks.QueueTorrents}, now.Add(time.Second))
	require.NoError(t, err)
	require.NotNil(t, claimed)
	dead.BackgroundTaskID = deadTask.ID
	require.NoError(t, st.UpdateJob(ctx, dead))

	s.Scan(ctx)

	got, err = st.JobByID(ctx, dead.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobTorrentDownloadRetry, got.Status)
	assert.Equal(t, 1, got.RetryCount)
	assert.NotEqual(t, deadTask.ID, got.BackgroundTaskID)
}

func TestSucceededTaskWithUnsettledJobRecovered(t *testing.T) {
	s, st, rt := newTestSupervisor(t)
	ctx := context.Background()
	old := time.Now().UTC().Add(-time.Hour)

	job := &models.Job{UserID: 1, Status: models.JobTorrentDownloadRetry, NextRetryAt: &old}
	require.NoError(t, st.CreateJob(ctx, job))
	task, err := rt.Enqueue(ctx, st, dispatch.TaskDownload, tasks.JobPayload{JobID: job.ID})
	require.NoError(t, err)
	require.NoError(t, st.FinishTask(ctx, task.ID, store.TaskSucceeded, ""))
	job.BackgroundTaskID = task.ID
	require.NoError(t, st.UpdateJob(ctx, job))

	s.Scan(ctx)

	got, err := st.JobByID(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, got.RetryCount)
	assert.NotEqual(t, task.ID, got.BackgroundTaskID)
}

func TestOrphanedQueuedJobRecovered(t *testing.T) {
	s, st, _ := newTestSupervisor(t)
	ctx := context.Background()

	job := &models.Job{UserID: 1, Status: models.JobQueued}
	require.NoError(t, st.CreateJob(ctx, job))
	// Age it past the stale cutoff.
	require.NoError(t, st.DB().Model(&models.Job{}).Where("id = ?", job.ID).
		Update("created_at", time.Now().UTC().Add(-time.Hour)).Error)

	s.Scan(ctx)

	got, err := st.JobByID(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobQueued, got.Status, "queued stays queued, only the task is created")
	assert.NotEmpty(t, got.BackgroundTaskID)
}

func TestStaleSyncRecovered(t *testing.T) {
	s, st, _ := newTestSupervisor(t)
	ctx := context.Background()
	old := time.Now().UTC().Add(-time.Hour)

	sync := &models.Sync{JobID: 4, Status: models.SyncSyncing, LastHeartbeat: &old}
	require.NoError(t, st.CreateSync(ctx, sync))

	s.Scan(ctx)

	got, err := st.SyncByID(ctx, sync.ID)
	require.NoError(t, err)
	assert.Equal(t, models.SyncRetry, got.Status)
	assert.Equal(t, 1, got.RetryCount)
	require.NotEmpty(t, got.BackgroundTaskID)

	task, err := st.TaskByID(ctx, got.BackgroundTaskID)
	require.NoError(t, err)
	require.NotNil(t, task)
	assert.Equal(t, dispatch.TaskSync, task.Type)
}
