// Package s3x is the S3 transport shared by the upload and sync stages.
//
// All part-upload logic lives here once; the stages differ only in what
// they enumerate and which entity rows they progress.
package s3x

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	awscreds "github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/smithy-go"

	"github.com/torreclou/torreclou/internal/faults"
	"github.com/torreclou/torreclou/internal/models"
)

// API is the subset of the S3 client the transport uses. Tests substitute
// a fake.
type API interface {
	ListObjectsV2(ctx context.Context, in *s3.ListObjectsV2Input, optFns ...func(*s3.Options)) (*s3.ListObjectsV2Output, error)
	CreateMultipartUpload(ctx context.Context, in *s3.CreateMultipartUploadInput, optFns ...func(*s3.Options)) (*s3.CreateMultipartUploadOutput, error)
	UploadPart(ctx context.Context, in *s3.UploadPartInput, optFns ...func(*s3.Options)) (*s3.UploadPartOutput, error)
	CompleteMultipartUpload(ctx context.Context, in *s3.CompleteMultipartUploadInput, optFns ...func(*s3.Options)) (*s3.CompleteMultipartUploadOutput, error)
	AbortMultipartUpload(ctx context.Context, in *s3.AbortMultipartUploadInput, optFns ...func(*s3.Options)) (*s3.AbortMultipartUploadOutput, error)
	ListParts(ctx context.Context, in *s3.ListPartsInput, optFns ...func(*s3.Options)) (*s3.ListPartsOutput, error)
	HeadObject(ctx context.Context, in *s3.HeadObjectInput, optFns ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
}

// NewClient builds an S3 client from a profile's static credentials. An
// endpoint in the credentials selects an S3-compatible service other than
// AWS.
func NewClient(ctx context.Context, creds *models.S3Credentials) (*s3.Client, error) {
	region := creds.Region
	if region == "" {
		region = "us-east-1"
	}

	cfg, err := awsconfig.LoadDefaultConfig(ctx,
		awsconfig.WithRegion(region),
		awsconfig.WithCredentialsProvider(awscreds.NewStaticCredentialsProvider(
			creds.AccessKeyID,
			creds.SecretAccessKey,
			"",
		)),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	client := s3.NewFromConfig(cfg, func(o *s3.Options) {
		if creds.Endpoint != "" {
			o.BaseEndpoint = aws.String(creds.Endpoint)
			o.UsePathStyle = true
		}
	})
	return client, nil
}

// ProbeBucket validates bucket access with a single-key list. Forbidden
// maps to AccessDenied, a missing bucket to BucketNotFound.
func ProbeBucket(ctx context.Context, api API, bucket string) error {
	_, err := api.ListObjectsV2(ctx, &s3.ListObjectsV2Input{
		Bucket:  aws.String(bucket),
		MaxKeys: aws.Int32(1),
	})
	if err == nil {
		return nil
	}

	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "AccessDenied", "Forbidden":
			return faults.Wrap(faults.AccessDenied, err)
		case "NoSuchBucket", "NotFound":
			return faults.Wrap(faults.BucketNotFound, err)
		}
	}
	if strings.Contains(err.Error(), "403") {
		return faults.Wrap(faults.AccessDenied, err)
	}
	if strings.Contains(err.Error(), "404") {
		return faults.Wrap(faults.BucketNotFound, err)
	}
	return faults.Wrap(faults.S3Error, err)
}

// isAccessDenied reports whether a transport error is a permission
// failure, which fails the job terminally instead of retrying.
func isAccessDenied(err error) bool {
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		code := apiErr.ErrorCode()
		return code == "AccessDenied" || code == "Forbidden"
	}
	return strings.Contains(err.Error(), "AccessDenied")
}
