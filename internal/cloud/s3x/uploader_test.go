package s3x

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/smithy-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/torreclou/torreclou/internal/faults"
	"github.com/torreclou/torreclou/internal/logging"
	"github.com/torreclou/torreclou/internal/models"
	"github.com/torreclou/torreclou/internal/store"
)

// fakeAPI records multipart traffic in memory.
type fakeAPI struct {
	parts        map[int32][]byte
	uploadID     string
	completed    bool
	aborted      []string // upload ids passed to AbortMultipartUpload
	failPart     int32    // UploadPart fails when this part number comes in
	failErr      error
	listPartsErr error
	headSize     *int64
}

func newFakeAPI() *fakeAPI {
	return &fakeAPI{parts: map[int32][]byte{}, uploadID: "up-1"}
}

func (f *fakeAPI) ListObjectsV2(ctx context.Context, in *s3.ListObjectsV2Input, _ ...func(*s3.Options)) (*s3.ListObjectsV2Output, error) {
	return &s3.ListObjectsV2Output{}, nil
}

func (f *fakeAPI) CreateMultipartUpload(ctx context.Context, in *s3.CreateMultipartUploadInput, _ ...func(*s3.Options)) (*s3.CreateMultipartUploadOutput, error) {
	return &s3.CreateMultipartUploadOutput{UploadId: aws.String(f.uploadID)}, nil
}

func (f *fakeAPI) UploadPart(ctx context.Context, in *s3.UploadPartInput, _ ...func(*s3.Options)) (*s3.UploadPartOutput, error) {
	if f.failPart != 0 && *in.PartNumber == f.failPart {
		if f.failErr != nil {
			return nil, f.failErr
		}
		return nil, errors.New("connection reset")
	}
	data, err := io.ReadAll(in.Body)
	if err != nil {
		return nil, err
	}
	f.parts[*in.PartNumber] = data
	etag := fmt.Sprintf(`"etag-%d"`, *in.PartNumber)
	return &s3.UploadPartOutput{ETag: aws.String(etag)}, nil
}

func (f *fakeAPI) CompleteMultipartUpload(ctx context.Context, in *s3.CompleteMultipartUploadInput, _ ...func(*s3.Options)) (*s3.CompleteMultipartUploadOutput, error) {
	f.completed = true
	return &s3.CompleteMultipartUploadOutput{}, nil
}

func (f *fakeAPI) AbortMultipartUpload(ctx context.Context, in *s3.AbortMultipartUploadInput, _ ...func(*s3.Options)) (*s3.AbortMultipartUploadOutput, error) {
	f.aborted = append(f.aborted, *in.UploadId)
	return &s3.AbortMultipartUploadOutput{}, nil
}

func (f *fakeAPI) ListParts(ctx context.Context, in *s3.ListPartsInput, _ ...func(*s3.Options)) (*s3.ListPartsOutput, error) {
	if f.listPartsErr != nil {
		return nil, f.listPartsErr
	}
	return &s3.ListPartsOutput{}, nil
}

func (f *fakeAPI) HeadObject(ctx context.Context, in *s3.HeadObjectInput, _ ...func(*s3.Options)) (*s3.HeadObjectOutput, error) {
	if f.headSize == nil {
		return nil, errors.New("NotFound")
	}
	return &s3.HeadObjectOutput{ContentLength: f.headSize}, nil
}

type deniedErr struct{}

func (deniedErr) Error() string                 { return "AccessDenied" }
func (deniedErr) ErrorCode() string             { return "AccessDenied" }
func (deniedErr) ErrorMessage() string          { return "denied" }
func (deniedErr) ErrorFault() smithy.ErrorFault { return smithy.FaultClient }

func writeTestFile(t *testing.T, size int) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "payload.bin")
	data := make([]byte, size)
	for i := range data {
		data[i] = byte(i % 251)
	}
	require.NoError(t, os.WriteFile(path, data, 0o644))
	return path
}

func newTestUploader(t *testing.T, api API, partSize int64) (*Uploader, *store.Store) {
	t.Helper()
	st, err := store.OpenMemory()
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	return NewUploader(api, "bkt", partSize, st, logging.NewDefault()), st
}

func TestUploadFileCheckpointsEveryPart(t *testing.T) {
	api := newFakeAPI()
	u, st := newTestUploader(t, api, 10)
	ctx := context.Background()
	path := writeTestFile(t, 25) // 3 parts: 10+10+5

	var progressed int64
	err := u.UploadFile(ctx, 1, nil, path, "torrents/1/payload.bin", func(d int64) { progressed += d })
	require.NoError(t, err)

	assert.True(t, api.completed)
	assert.Len(t, api.parts, 3)
	assert.Len(t, api.parts[3], 5, "last part is the remainder")
	assert.Equal(t, int64(25), progressed)

	// Checkpoint row is gone after completion.
	tp, err := st.TransferProgressFor(ctx, 1, path)
	require.NoError(t, err)
	assert.Nil(t, tp)
}

func TestUploadFailureLeavesCheckpoint(t *testing.T) {
	api := newFakeAPI()
	api.failPart = 3
	u, st := newTestUploader(t, api, 10)
	ctx := context.Background()
	path := writeTestFile(t, 45) // 5 parts

	err := u.UploadFile(ctx, 1, nil, path, "torrents/1/payload.bin", nil)
	require.Error(t, err)
	assert.Equal(t, faults.UploadPartFailed, faults.CodeOf(err))
	assert.False(t, api.completed)

	tp, err := st.TransferProgressFor(ctx, 1, path)
	require.NoError(t, err)
	require.NotNil(t, tp)
	assert.Equal(t, models.TransferInProgress, tp.Status)
	assert.Equal(t, int32(2), tp.LastPartNumber)
	assert.Equal(t, int64(20), tp.BytesUploaded)
	require.Len(t, tp.PartETags, 2)
}

func TestUploadResumesFromCheckpoint(t *testing.T) {
	api := newFakeAPI()
	api.failPart = 3
	u, st := newTestUploader(t, api, 10)
	ctx := context.Background()
	path := writeTestFile(t, 45)

	require.Error(t, u.UploadFile(ctx, 1, nil, path, "torrents/1/payload.bin", nil))

	// Second attempt continues where the first stopped.
	api.failPart = 0
	api.parts = map[int32][]byte{}
	require.NoError(t, u.UploadFile(ctx, 1, nil, path, "torrents/1/payload.bin", nil))

	assert.True(t, api.completed)
	assert.Len(t, api.parts, 3, "parts 1 and 2 are not re-uploaded")
	assert.Len(t, api.parts[3], 10)
	assert.Len(t, api.parts[5], 5)

	tp, err := st.TransferProgressFor(ctx, 1, path)
	require.NoError(t, err)
	assert.Nil(t, tp)
}

func TestStaleRemoteSessionStartsFresh(t *testing.T) {
	api := newFakeAPI()
	api.failPart = 2
	u, st := newTestUploader(t, api, 10)
	ctx := context.Background()
	path := writeTestFile(t, 25)

	require.Error(t, u.UploadFile(ctx, 1, nil, path, "torrents/1/payload.bin", nil))

	// The remote side no longer knows the upload id.
	api.failPart = 0
	api.listPartsErr = errors.New("NoSuchUpload")
	api.uploadID = "up-2"
	require.NoError(t, u.UploadFile(ctx, 1, nil, path, "torrents/1/payload.bin", nil))

	assert.True(t, api.completed)
	assert.Len(t, api.parts, 3, "all parts re-uploaded in the fresh session")
	assert.Equal(t, []string{"up-1"}, api.aborted, "old session is aborted, not leaked")

	tp, err := st.TransferProgressFor(ctx, 1, path)
	require.NoError(t, err)
	assert.Nil(t, tp)
}

func TestAccessDeniedClassified(t *testing.T) {
	api := newFakeAPI()
	api.failPart = 1
	api.failErr = deniedErr{}
	u, _ := newTestUploader(t, api, 10)
	path := writeTestFile(t, 5)

	err := u.UploadFile(context.Background(), 1, nil, path, "torrents/1/payload.bin", nil)
	require.Error(t, err)
	assert.Equal(t, faults.AccessDenied, faults.CodeOf(err))
	assert.False(t, faults.Retryable(err))
	assert.Equal(t, []string{"up-1"}, api.aborted, "dead session is aborted")
}

func TestTransientFailureKeepsRemoteSession(t *testing.T) {
	api := newFakeAPI()
	api.failPart = 3
	u, _ := newTestUploader(t, api, 10)
	path := writeTestFile(t, 45)

	require.Error(t, u.UploadFile(context.Background(), 1, nil, path, "torrents/1/payload.bin", nil))
	assert.Empty(t, api.aborted, "retryable failure keeps the session for the resume")
}

func TestEmptyFileUploadsOnePart(t *testing.T) {
	api := newFakeAPI()
	u, _ := newTestUploader(t, api, 10)
	path := writeTestFile(t, 0)

	require.NoError(t, u.UploadFile(context.Background(), 1, nil, path, "torrents/1/empty", nil))
	assert.True(t, api.completed)
	require.Len(t, api.parts, 1)
	assert.Empty(t, api.parts[1])
}

func TestObjectExists(t *testing.T) {
	api := newFakeAPI()
	u, _ := newTestUploader(t, api, 10)
	ctx := context.Background()

	ok, err := u.ObjectExists(ctx, "k", 10)
	require.NoError(t, err)
	assert.False(t, ok, "missing object")

	api.headSize = aws.Int64(10)
	ok, err = u.ObjectExists(ctx, "k", 10)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = u.ObjectExists(ctx, "k", 11)
	require.NoError(t, err)
	assert.False(t, ok, "size mismatch is not a match")
}

func TestProbeBucketClassification(t *testing.T) {
	api := newFakeAPI()
	require.NoError(t, ProbeBucket(context.Background(), api, "bkt"))
}
