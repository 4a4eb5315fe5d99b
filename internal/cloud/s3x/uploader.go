package s3x

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"

	"github.com/torreclou/torreclou/internal/faults"
	"github.com/torreclou/torreclou/internal/logging"
	"github.com/torreclou/torreclou/internal/models"
	"github.com/torreclou/torreclou/internal/store"
)

// Uploader uploads files with the multipart protocol, checkpointing every
// part into a TransferProgress row so a restarted worker resumes from the
// last recorded part instead of re-uploading.
type Uploader struct {
	api      API
	bucket   string
	partSize int64
	st       *store.Store
	log      *logging.Logger
}

// NewUploader creates an uploader for one bucket.
func NewUploader(api API, bucket string, partSize int64, st *store.Store, log *logging.Logger) *Uploader {
	return &Uploader{
		api:      api,
		bucket:   bucket,
		partSize: partSize,
		st:       st,
		log:      log.Component("s3x"),
	}
}

// ObjectExists reports whether key already exists remotely with the given
// size. Matching objects are recorded as completed without re-upload.
func (u *Uploader) ObjectExists(ctx context.Context, key string, size int64) (bool, error) {
	out, err := u.api.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(u.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		// Missing object and permission errors both fall through to the
		// upload path, which classifies them properly.
		return false, nil
	}
	if out.ContentLength != nil && *out.ContentLength == size {
		return true, nil
	}
	return false, nil
}

// UploadFile uploads one local file to key, resuming any prior checkpoint.
// onProgress, if set, receives uploaded byte deltas.
//
// On mid-file failure the TransferProgress row stays InProgress for a
// future resume and the classified error propagates upward.
func (u *Uploader) UploadFile(ctx context.Context, jobID int64, syncID *int64, localPath, key string, onProgress func(delta int64)) error {
	file, err := os.Open(localPath)
	if err != nil {
		return faults.Wrap(faults.ReadError, err)
	}
	defer file.Close()

	info, err := file.Stat()
	if err != nil {
		return faults.Wrap(faults.ReadError, err)
	}
	totalSize := info.Size()
	totalParts := int32((totalSize + u.partSize - 1) / u.partSize)
	if totalParts == 0 {
		totalParts = 1 // empty file still needs one part
	}

	tp, err := u.resumeOrInit(ctx, jobID, syncID, localPath, key, totalSize, totalParts)
	if err != nil {
		return err
	}
	if tp.Status == models.TransferCompleted {
		return nil
	}

	completed := make([]types.CompletedPart, 0, totalParts)
	for _, p := range tp.PartETags {
		etag := p.ETag
		num := p.PartNumber
		completed = append(completed, types.CompletedPart{
			ETag:       &etag,
			PartNumber: &num,
		})
	}

	buffer := make([]byte, u.partSize)
	for partNumber := tp.LastPartNumber + 1; partNumber <= totalParts; partNumber++ {
		offset := int64(partNumber-1) * u.partSize
		if _, err := file.Seek(offset, io.SeekStart); err != nil {
			return faults.Wrap(faults.ReadError, err)
		}

		n, err := io.ReadFull(file, buffer)
		if err != nil && err != io.ErrUnexpectedEOF && err != io.EOF {
			return faults.Wrap(faults.ReadError, err)
		}
		partData := buffer[:n]

		out, err := u.api.UploadPart(ctx, &s3.UploadPartInput{
			Bucket:        aws.String(u.bucket),
			Key:           aws.String(key),
			PartNumber:    aws.Int32(partNumber),
			UploadId:      aws.String(tp.ProviderUploadID),
			Body:          bytes.NewReader(partData),
			ContentLength: aws.Int64(int64(len(partData))),
		})
		if err != nil {
			if isAccessDenied(err) {
				// Terminal: the session will never finish, so drop it
				// remotely before surfacing the failure.
				u.abort(ctx, key, tp.ProviderUploadID)
				return faults.Wrap(faults.AccessDenied, err)
			}
			return faults.Wrap(faults.UploadPartFailed,
				fmt.Errorf("part %d/%d: %w", partNumber, totalParts, err))
		}

		etag := ""
		if out.ETag != nil {
			etag = *out.ETag
		}
		completed = append(completed, types.CompletedPart{
			ETag:       aws.String(etag),
			PartNumber: aws.Int32(partNumber),
		})

		tp.PartETags = append(tp.PartETags, models.PartETag{PartNumber: partNumber, ETag: etag})
		tp.PartsCompleted = int32(len(tp.PartETags))
		tp.LastPartNumber = partNumber
		tp.BytesUploaded += int64(len(partData))
		if err := u.st.SaveTransferProgress(ctx, tp); err != nil {
			return fmt.Errorf("failed to checkpoint part %d: %w", partNumber, err)
		}

		if onProgress != nil {
			onProgress(int64(len(partData)))
		}
	}

	_, err = u.api.CompleteMultipartUpload(ctx, &s3.CompleteMultipartUploadInput{
		Bucket:   aws.String(u.bucket),
		Key:      aws.String(key),
		UploadId: aws.String(tp.ProviderUploadID),
		MultipartUpload: &types.CompletedMultipartUpload{
			Parts: completed,
		},
	})
	if err != nil {
		if isAccessDenied(err) {
			u.abort(ctx, key, tp.ProviderUploadID)
			return faults.Wrap(faults.AccessDenied, err)
		}
		return faults.Wrap(faults.CompleteUploadFailed, err)
	}

	if err := u.st.DeleteTransferProgress(ctx, tp.ID); err != nil {
		return err
	}
	return nil
}

// resumeOrInit returns the checkpoint row to continue from, validating any
// prior multipart upload via ListParts and starting fresh when the remote
// session has expired.
func (u *Uploader) resumeOrInit(ctx context.Context, jobID int64, syncID *int64, localPath, key string, totalSize int64, totalParts int32) (*models.TransferProgress, error) {
	tp, err := u.st.TransferProgressFor(ctx, jobID, localPath)
	if err != nil {
		return nil, err
	}

	if tp != nil && tp.Status == models.TransferInProgress && tp.ProviderUploadID != "" {
		_, listErr := u.api.ListParts(ctx, &s3.ListPartsInput{
			Bucket:   aws.String(u.bucket),
			Key:      aws.String(tp.RemoteKey),
			UploadId: aws.String(tp.ProviderUploadID),
		})
		if listErr == nil && tp.TotalBytes == totalSize {
			u.log.Info().Int64("job_id", jobID).Str("key", key).
				Int32("from_part", tp.LastPartNumber+1).Int32("total_parts", tp.TotalParts).
				Msg("resuming multipart upload")
			return tp, nil
		}
		// Remote session expired or source changed; abandon the checkpoint
		// and abort the old session so its parts stop accruing storage.
		u.log.Warn().Int64("job_id", jobID).Str("key", key).Msg("stale upload checkpoint, starting fresh")
		u.abort(ctx, tp.RemoteKey, tp.ProviderUploadID)
		if err := u.st.DeleteTransferProgress(ctx, tp.ID); err != nil {
			return nil, err
		}
		tp = nil
	}

	create, err := u.api.CreateMultipartUpload(ctx, &s3.CreateMultipartUploadInput{
		Bucket: aws.String(u.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		if isAccessDenied(err) {
			return nil, faults.Wrap(faults.AccessDenied, err)
		}
		return nil, faults.Wrap(faults.InitUploadFailed, err)
	}

	now := time.Now().UTC()
	tp = &models.TransferProgress{
		JobID:            jobID,
		SyncID:           syncID,
		LocalFilePath:    localPath,
		RemoteKey:        key,
		ProviderUploadID: *create.UploadId,
		PartSize:         u.partSize,
		TotalParts:       totalParts,
		TotalBytes:       totalSize,
		Status:           models.TransferInProgress,
		StartedAt:        &now,
	}
	if err := u.st.SaveTransferProgress(ctx, tp); err != nil {
		return nil, err
	}
	return tp, nil
}

// abort discards a remote multipart session, best effort. A failed abort is
// logged and otherwise ignored; the bucket's lifecycle rules are the
// backstop for leaked parts.
func (u *Uploader) abort(ctx context.Context, key, uploadID string) {
	if uploadID == "" {
		return
	}
	_, err := u.api.AbortMultipartUpload(ctx, &s3.AbortMultipartUploadInput{
		Bucket:   aws.String(u.bucket),
		Key:      aws.String(key),
		UploadId: aws.String(uploadID),
	})
	if err != nil {
		u.log.Warn().Err(err).Str("key", key).Str("upload_id", uploadID).
			Msg("failed to abort multipart upload")
	}
}
