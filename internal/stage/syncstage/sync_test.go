package syncstage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/smithy-go"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/torreclou/torreclou/internal/cloud/s3x"
	"github.com/torreclou/torreclou/internal/config"
	"github.com/torreclou/torreclou/internal/lease"
	"github.com/torreclou/torreclou/internal/logging"
	"github.com/torreclou/torreclou/internal/models"
	"github.com/torreclou/torreclou/internal/store"
)

// fakeS3 implements s3x.API over an in-memory bucket. failErr, when set,
// fails every UploadPart.
type fakeS3 struct {
	objects  map[string]int64 // completed objects by key
	pending  map[string]int64 // bytes received per in-flight key
	uploadID int
	failErr  error
}

func newFakeS3() *fakeS3 {
	return &fakeS3{objects: map[string]int64{}, pending: map[string]int64{}}
}

func (f *fakeS3) ListObjectsV2(ctx context.Context, in *s3.ListObjectsV2Input, _ ...func(*s3.Options)) (*s3.ListObjectsV2Output, error) {
	return &s3.ListObjectsV2Output{}, nil
}

func (f *fakeS3) CreateMultipartUpload(ctx context.Context, in *s3.CreateMultipartUploadInput, _ ...func(*s3.Options)) (*s3.CreateMultipartUploadOutput, error) {
	f.uploadID++
	return &s3.CreateMultipartUploadOutput{UploadId: aws.String(fmt.Sprintf("up-%d", f.uploadID))}, nil
}

func (f *fakeS3) UploadPart(ctx context.Context, in *s3.UploadPartInput, _ ...func(*s3.Options)) (*s3.UploadPartOutput, error) {
	if f.failErr != nil {
		return nil, f.failErr
	}
	data, err := io.ReadAll(in.Body)
	if err != nil {
		return nil, err
	}
	f.pending[*in.Key] += int64(len(data))
	return &s3.UploadPartOutput{ETag: aws.String(`"etag"`)}, nil
}

func (f *fakeS3) CompleteMultipartUpload(ctx context.Context, in *s3.CompleteMultipartUploadInput, _ ...func(*s3.Options)) (*s3.CompleteMultipartUploadOutput, error) {
	f.objects[*in.Key] = f.pending[*in.Key]
	return &s3.CompleteMultipartUploadOutput{}, nil
}

func (f *fakeS3) AbortMultipartUpload(ctx context.Context, in *s3.AbortMultipartUploadInput, _ ...func(*s3.Options)) (*s3.AbortMultipartUploadOutput, error) {
	return &s3.AbortMultipartUploadOutput{}, nil
}

func (f *fakeS3) ListParts(ctx context.Context, in *s3.ListPartsInput, _ ...func(*s3.Options)) (*s3.ListPartsOutput, error) {
	return &s3.ListPartsOutput{}, nil
}

func (f *fakeS3) HeadObject(ctx context.Context, in *s3.HeadObjectInput, _ ...func(*s3.Options)) (*s3.HeadObjectOutput, error) {
	size, ok := f.objects[*in.Key]
	if !ok {
		return nil, errors.New("NotFound")
	}
	return &s3.HeadObjectOutput{ContentLength: aws.Int64(size)}, nil
}

type deniedErr struct{}

func (deniedErr) Error() string                 { return "AccessDenied" }
func (deniedErr) ErrorCode() string             { return "AccessDenied" }
func (deniedErr) ErrorMessage() string          { return "denied" }
func (deniedErr) ErrorFault() smithy.ErrorFault { return smithy.FaultClient }

const testCreds = `{"access_key_id":"AK","secret_access_key":"SK","region":"us-east-1","bucket":"bkt"}`

func newTestStage(t *testing.T) (*Stage, *store.Store, *fakeS3, *lease.Manager) {
	t.Helper()
	st, err := store.OpenMemory()
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })
	leases := lease.NewManager(rdb)

	cfg := config.New()
	cfg.SyncSettleDelay = 10 * time.Millisecond
	cfg.SyncProgressInterval = 0

	s := New(st, leases, cfg, logging.NewDefault())
	api := newFakeS3()
	s.newAPI = func(ctx context.Context, creds *models.S3Credentials) (s3x.API, error) {
		return api, nil
	}
	return s, st, api, leases
}

func seedSync(t *testing.T, st *store.Store, dir string, status models.SyncStatus) (*models.Job, *models.Sync) {
	t.Helper()
	ctx := context.Background()

	profile := &models.StorageProfile{
		UserID:          1,
		ProviderType:    models.ProviderS3,
		CredentialsJSON: testCreds,
		IsActive:        true,
	}
	require.NoError(t, st.DB().Create(profile).Error)

	job := &models.Job{
		UserID:           1,
		RequestedFileID:  1,
		StorageProfileID: profile.ID,
		Status:           models.JobCompleted,
		DownloadPath:     dir,
	}
	require.NoError(t, st.CreateJob(ctx, job))

	sn := &models.Sync{
		JobID:         job.ID,
		Status:        status,
		LocalFilePath: dir,
		S3KeyPrefix:   fmt.Sprintf("torrents/%d", job.ID),
	}
	require.NoError(t, st.CreateSync(ctx, sn))
	return job, sn
}

func writeContent(t *testing.T, dir string, files map[string]int) {
	t.Helper()
	for rel, size := range files {
		path := filepath.Join(dir, filepath.FromSlash(rel))
		require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
		require.NoError(t, os.WriteFile(path, make([]byte, size), 0o644))
	}
}

func TestRunMirrorsAndTearsDown(t *testing.T) {
	s, st, api, _ := newTestStage(t)
	ctx := context.Background()

	dir := t.TempDir()
	writeContent(t, dir, map[string]int{
		"Season 1/e01.mkv": 5,
		"readme.txt":       7,
		"fastresume":       9, // engine state, never mirrored
	})
	job, sn := seedSync(t, st, dir, models.SyncPending)

	require.NoError(t, s.Run(ctx, job.ID, sn.ID))

	got, err := st.SyncByID(ctx, sn.ID)
	require.NoError(t, err)
	assert.Equal(t, models.SyncCompleted, got.Status)
	assert.Equal(t, 2, got.FilesTotal)
	assert.Equal(t, 2, got.FilesSynced)
	assert.Equal(t, int64(12), got.BytesSynced)
	assert.NotNil(t, got.CompletedAt)

	prefix := fmt.Sprintf("torrents/%d", job.ID)
	assert.Len(t, api.objects, 2)
	assert.Equal(t, int64(5), api.objects[prefix+"/Season 1/e01.mkv"])
	assert.Equal(t, int64(7), api.objects[prefix+"/readme.txt"])

	// Local copy is gone after the settle delay.
	_, err = os.Stat(dir)
	assert.True(t, os.IsNotExist(err))

	rows, err := st.SyncHistory(ctx, sn.ID)
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, string(models.SyncSyncing), rows[0].ToStatus)
	assert.Equal(t, string(models.SyncCompleted), rows[1].ToStatus)
}

func TestRunResumesFromFilesSynced(t *testing.T) {
	s, st, api, _ := newTestStage(t)
	ctx := context.Background()

	dir := t.TempDir()
	writeContent(t, dir, map[string]int{"a.bin": 5, "b.bin": 7})
	job, sn := seedSync(t, st, dir, models.SyncRetry)

	// The first attempt got through a.bin before it died.
	sn.FilesTotal = 2
	sn.TotalBytes = 12
	sn.FilesSynced = 1
	sn.BytesSynced = 5
	sn.RetryCount = 1
	require.NoError(t, st.UpdateSync(ctx, sn))

	require.NoError(t, s.Run(ctx, job.ID, sn.ID))

	// Only the unsynced tail was uploaded.
	prefix := fmt.Sprintf("torrents/%d", job.ID)
	assert.Len(t, api.objects, 1)
	assert.Equal(t, int64(7), api.objects[prefix+"/b.bin"])

	got, err := st.SyncByID(ctx, sn.ID)
	require.NoError(t, err)
	assert.Equal(t, models.SyncCompleted, got.Status)
	assert.Equal(t, 2, got.FilesSynced)
	assert.Equal(t, int64(12), got.BytesSynced)
}

func TestRetryDelayGrowsWithRetryCount(t *testing.T) {
	s, st, api, _ := newTestStage(t)
	ctx := context.Background()

	dir := t.TempDir()
	writeContent(t, dir, map[string]int{"a.bin": 5})
	job, sn := seedSync(t, st, dir, models.SyncPending)
	api.failErr = errors.New("connection reset by peer")

	require.Error(t, s.Run(ctx, job.ID, sn.ID))
	got, err := st.SyncByID(ctx, sn.ID)
	require.NoError(t, err)
	assert.Equal(t, models.SyncRetry, got.Status)
	assert.Equal(t, 1, got.RetryCount)
	require.NotNil(t, got.NextRetryAt)
	assert.WithinDuration(t, time.Now().Add(5*time.Minute), *got.NextRetryAt, 30*time.Second)

	require.Error(t, s.Run(ctx, job.ID, sn.ID))
	got, err = st.SyncByID(ctx, sn.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, got.RetryCount)
	assert.WithinDuration(t, time.Now().Add(10*time.Minute), *got.NextRetryAt, 30*time.Second)

	// The local directory stays put until the sync settles.
	_, err = os.Stat(dir)
	assert.NoError(t, err)
}

func TestTerminalFaultFailsSync(t *testing.T) {
	s, st, api, _ := newTestStage(t)
	ctx := context.Background()

	dir := t.TempDir()
	writeContent(t, dir, map[string]int{"a.bin": 5})
	job, sn := seedSync(t, st, dir, models.SyncPending)
	api.failErr = deniedErr{}

	require.NoError(t, s.Run(ctx, job.ID, sn.ID))

	got, err := st.SyncByID(ctx, sn.ID)
	require.NoError(t, err)
	assert.Equal(t, models.SyncFailed, got.Status)
	assert.Contains(t, got.ErrorMessage, "AccessDenied")
	assert.NotNil(t, got.CompletedAt)

	// Failed syncs keep the local data for a manual retry.
	_, err = os.Stat(dir)
	assert.NoError(t, err)
}

func TestLeaseHeldElsewhereYields(t *testing.T) {
	s, st, _, leases := newTestStage(t)
	ctx := context.Background()

	dir := t.TempDir()
	writeContent(t, dir, map[string]int{"a.bin": 5})
	job, sn := seedSync(t, st, dir, models.SyncPending)

	other, err := leases.Acquire(ctx, lease.S3Key(job.ID), time.Minute)
	require.NoError(t, err)
	require.NotNil(t, other)

	require.NoError(t, s.Run(ctx, job.ID, sn.ID))

	// No transition happened; the holder owns the sync.
	got, err := st.SyncByID(ctx, sn.ID)
	require.NoError(t, err)
	assert.Equal(t, models.SyncPending, got.Status)

	rows, err := st.SyncHistory(ctx, sn.ID)
	require.NoError(t, err)
	assert.Empty(t, rows)
}
