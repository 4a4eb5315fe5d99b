package service

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/torreclou/torreclou/internal/dispatch"
	"github.com/torreclou/torreclou/internal/faults"
	"github.com/torreclou/torreclou/internal/logging"
	"github.com/torreclou/torreclou/internal/models"
	"github.com/torreclou/torreclou/internal/store"
	"github.com/torreclou/torreclou/internal/stream"
	"github.com/torreclou/torreclou/internal/tasks"
)

func newTestJobs(t *testing.T) (*Jobs, *store.Store, *stream.Log) {
	t.Helper()
	st, err := store.OpenMemory()
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })
	events := stream.NewLog(rdb)

	log := logging.NewDefault()
	rt := tasks.NewRuntime(st, log, nil, 1)
	rt.Register(tasks.Descriptor{
		Type:  dispatch.TaskDownload,
		Queue: tasks.QueueTorrents,
		Handler: func(ctx context.Context, task *store.BackgroundTask) error {
			return nil
		},
	})
	return NewJobs(st, events, rt, log), st, events
}

func seedRequest(t *testing.T, st *store.Store, userID int64) int64 {
	t.Helper()
	rf := &models.RequestedFile{UserID: userID, TorrentPath: "/cache/a.torrent"}
	require.NoError(t, st.DB().Create(rf).Error)
	return rf.ID
}

func seedProfile(t *testing.T, st *store.Store, p models.StorageProfile) int64 {
	t.Helper()
	require.NoError(t, st.DB().Create(&p).Error)
	return p.ID
}

func TestCreateAndDispatchJob(t *testing.T) {
	j, st, events := newTestJobs(t)
	ctx := context.Background()

	rfID := seedRequest(t, st, 1)
	profileID := seedProfile(t, st, models.StorageProfile{
		UserID: 1, ProviderType: models.ProviderS3, IsActive: true, IsDefault: true,
	})

	res, err := j.CreateAndDispatchJob(ctx, CreateJobRequest{
		RequestedFileID:   rfID,
		UserID:            1,
		SelectedFilePaths: []string{`Season 1\e01.mkv`},
	})
	require.NoError(t, err)
	assert.Equal(t, profileID, res.StorageProfileID, "default profile resolved")
	assert.False(t, res.HasStorageProfileWarning)

	job, err := st.JobByID(ctx, res.JobID)
	require.NoError(t, err)
	assert.Equal(t, models.JobQueued, job.Status)
	assert.Equal(t, []string{"Season 1/e01.mkv"}, job.SelectedFilePaths, "selections normalized")

	rows, err := st.JobHistory(ctx, res.JobID)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Nil(t, rows[0].FromStatus)

	// The announcement landed on the stream.
	require.NoError(t, events.EnsureGroup(ctx, stream.JobsStream, stream.GroupTorrentWorkers))
	msgs, err := events.ReadGroup(ctx, stream.JobsStream, stream.GroupTorrentWorkers, "c1", 10, time.Millisecond)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	evt, err := stream.ParseJobQueued(msgs[0])
	require.NoError(t, err)
	assert.Equal(t, res.JobID, evt.JobID)
}

func TestCreateRejectsDuplicateActiveJob(t *testing.T) {
	j, st, _ := newTestJobs(t)
	ctx := context.Background()

	rfID := seedRequest(t, st, 1)
	seedProfile(t, st, models.StorageProfile{UserID: 1, ProviderType: models.ProviderS3, IsActive: true, IsDefault: true})

	_, err := j.CreateAndDispatchJob(ctx, CreateJobRequest{RequestedFileID: rfID, UserID: 1})
	require.NoError(t, err)

	_, err = j.CreateAndDispatchJob(ctx, CreateJobRequest{RequestedFileID: rfID, UserID: 1})
	assert.True(t, faults.Is(err, faults.JobAlreadyExists))

	// A different user downloading the same file is fine.
	_, err = j.CreateAndDispatchJob(ctx, CreateJobRequest{RequestedFileID: rfID, UserID: 2})
	require.NoError(t, err)
}

func TestCreateProfileResolution(t *testing.T) {
	j, st, _ := newTestJobs(t)
	ctx := context.Background()

	t.Run("no default yields warning", func(t *testing.T) {
		rfID := seedRequest(t, st, 7)
		res, err := j.CreateAndDispatchJob(ctx, CreateJobRequest{RequestedFileID: rfID, UserID: 7})
		require.NoError(t, err)
		assert.True(t, res.HasStorageProfileWarning)
		assert.Zero(t, res.StorageProfileID)
	})

	t.Run("foreign profile denied", func(t *testing.T) {
		rfID := seedRequest(t, st, 8)
		other := seedProfile(t, st, models.StorageProfile{UserID: 9, ProviderType: models.ProviderS3, IsActive: true})
		_, err := j.CreateAndDispatchJob(ctx, CreateJobRequest{RequestedFileID: rfID, UserID: 8, StorageProfileID: other})
		assert.True(t, faults.Is(err, faults.AccessDenied))
	})

	t.Run("inactive profile rejected", func(t *testing.T) {
		rfID := seedRequest(t, st, 10)
		inactive := seedProfile(t, st, models.StorageProfile{UserID: 10, ProviderType: models.ProviderS3, IsActive: false})
		_, err := j.CreateAndDispatchJob(ctx, CreateJobRequest{RequestedFileID: rfID, UserID: 10, StorageProfileID: inactive})
		assert.True(t, faults.Is(err, faults.InactiveProfile))
	})
}

func TestCancelJob(t *testing.T) {
	j, st, _ := newTestJobs(t)
	ctx := context.Background()

	mk := func(status models.JobStatus) *models.Job {
		job := &models.Job{UserID: 1, Status: status}
		require.NoError(t, st.CreateJob(ctx, job))
		return job
	}

	t.Run("queued job cancels", func(t *testing.T) {
		job := mk(models.JobQueued)
		require.NoError(t, j.CancelJob(ctx, job.ID, 1, ""))
		got, err := st.JobByID(ctx, job.ID)
		require.NoError(t, err)
		assert.Equal(t, models.JobCancelled, got.Status)
		require.NotNil(t, got.CompletedAt)
	})

	t.Run("ownership enforced", func(t *testing.T) {
		job := mk(models.JobQueued)
		err := j.CancelJob(ctx, job.ID, 2, "")
		assert.True(t, faults.Is(err, faults.AccessDenied))
		// Admin overrides ownership.
		require.NoError(t, j.CancelJob(ctx, job.ID, 2, RoleAdmin))
	})

	t.Run("completed not cancellable", func(t *testing.T) {
		job := mk(models.JobCompleted)
		err := j.CancelJob(ctx, job.ID, 1, "")
		assert.True(t, faults.Is(err, faults.JobCompleted))
	})

	t.Run("cancel is not idempotent", func(t *testing.T) {
		job := mk(models.JobQueued)
		require.NoError(t, j.CancelJob(ctx, job.ID, 1, ""))
		err := j.CancelJob(ctx, job.ID, 1, "")
		assert.True(t, faults.Is(err, faults.JobCancelled))
	})

	t.Run("uploading past the point of no return", func(t *testing.T) {
		job := mk(models.JobUploading)
		err := j.CancelJob(ctx, job.ID, 1, "")
		assert.True(t, faults.Is(err, faults.JobNotCancellable))
	})
}

func TestRetryJob(t *testing.T) {
	j, st, events := newTestJobs(t)
	ctx := context.Background()

	now := time.Now().UTC()
	job := &models.Job{
		UserID:           1,
		Status:           models.JobTorrentFailed,
		RetryCount:       3,
		NextRetryAt:      &now,
		ErrorMessage:     "tracker unreachable",
		BackgroundTaskID: "stale-task",
		BytesDownloaded:  100,
		StartedAt:        &now,
		LastHeartbeat:    &now,
		CompletedAt:      &now,
	}
	require.NoError(t, st.CreateJob(ctx, job))

	require.NoError(t, j.RetryJob(ctx, job.ID, 1, ""))

	got, err := st.JobByID(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobQueued, got.Status)
	assert.Zero(t, got.RetryCount)
	assert.Nil(t, got.NextRetryAt)
	assert.Empty(t, got.ErrorMessage)
	assert.Empty(t, got.BackgroundTaskID)
	assert.Zero(t, got.BytesDownloaded)
	assert.Nil(t, got.StartedAt)
	assert.Nil(t, got.LastHeartbeat)
	assert.Nil(t, got.CompletedAt, "requeue clears completion")

	require.NoError(t, events.EnsureGroup(ctx, stream.JobsStream, stream.GroupTorrentWorkers))
	msgs, err := events.ReadGroup(ctx, stream.JobsStream, stream.GroupTorrentWorkers, "c1", 10, time.Millisecond)
	require.NoError(t, err)
	require.Len(t, msgs, 1, "requeue is re-announced")
}

func TestRetryJobTaxonomy(t *testing.T) {
	j, st, _ := newTestJobs(t)
	ctx := context.Background()

	cases := []struct {
		status models.JobStatus
		code   faults.Code
	}{
		{models.JobCompleted, faults.JobCompleted},
		{models.JobCancelled, faults.JobCancelled},
		{models.JobDownloading, faults.JobActive},
		{models.JobUploading, faults.JobActive},
		{models.JobUploadRetry, faults.JobRetrying},
	}
	for _, tc := range cases {
		job := &models.Job{UserID: 1, Status: tc.status}
		require.NoError(t, st.CreateJob(ctx, job))
		err := j.RetryJob(ctx, job.ID, 1, "")
		assert.True(t, faults.Is(err, tc.code), "status %s", tc.status)
	}
}

func TestGetJob(t *testing.T) {
	j, st, _ := newTestJobs(t)
	ctx := context.Background()

	job := &models.Job{UserID: 1, Status: models.JobCompleted}
	require.NoError(t, st.CreateJob(ctx, job))
	sync := &models.Sync{JobID: job.ID, Status: models.SyncPending}
	require.NoError(t, st.CreateSync(ctx, sync))

	view, err := j.GetJob(ctx, job.ID, 1, "")
	require.NoError(t, err)
	assert.Equal(t, job.ID, view.Job.ID)
	require.NotNil(t, view.Sync)
	assert.Equal(t, sync.ID, view.Sync.ID)

	_, err = j.GetJob(ctx, job.ID, 2, "")
	assert.True(t, faults.Is(err, faults.AccessDenied))

	view, err = j.GetJob(ctx, job.ID, 2, RoleAdmin)
	require.NoError(t, err)
	assert.NotNil(t, view)
}
