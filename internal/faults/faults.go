// Package faults defines the classified error codes carried in status
// history rows and surfaced to the API collaborator.
package faults

import (
	"errors"
	"fmt"
	"strings"
)

// Code identifies a failure class. Codes are stable strings; they appear in
// StatusHistory metadata and in API responses.
type Code string

// Validation codes.
const (
	InvalidInfoHash        Code = "InvalidInfoHash"
	InvalidFileName        Code = "InvalidFileName"
	InvalidFileSize        Code = "InvalidFileSize"
	V2OnlyNotSupported     Code = "V2OnlyNotSupported"
	InvalidS3Config        Code = "InvalidS3Config"
	InvalidCredentialsJSON Code = "InvalidCredentialsJson"
	MissingRequiredFields  Code = "MissingRequiredFields"
	InvalidProfile         Code = "InvalidProfile"
)

// Authorization codes.
const (
	Unauthorized       Code = "Unauthorized"
	AccessDenied       Code = "AccessDenied"
	InvalidCredentials Code = "InvalidCredentials"
)

// Not-found codes.
const (
	JobNotFound     Code = "JobNotFound"
	UserNotFound    Code = "UserNotFound"
	ProfileNotFound Code = "ProfileNotFound"
	FileNotFound    Code = "FileNotFound"
	BucketNotFound  Code = "BucketNotFound"
	TorrentNotFound Code = "TorrentNotFound"
)

// Conflict codes.
const (
	JobAlreadyExists    Code = "JobAlreadyExists"
	AlreadyDisconnected Code = "AlreadyDisconnected"
	JobNotCancellable   Code = "JobNotCancellable"
	JobActive           Code = "JobActive"
	JobRetrying         Code = "JobRetrying"
	JobCompleted        Code = "JobCompleted"
	JobCancelled        Code = "JobCancelled"
	ProfileInUse        Code = "ProfileInUse"
)

// Resource-state codes.
const (
	InactiveProfile Code = "InactiveProfile"
	NoCredentials   Code = "NoCredentials"
	NoRefreshToken  Code = "NoRefreshToken"
)

// Provider/transport codes.
const (
	S3Error              Code = "S3Error"
	BucketAccessDenied   Code = "BucketAccessDenied"
	TokenExchangeFailed  Code = "TokenExchangeFailed"
	RefreshFailed        Code = "RefreshFailed"
	UploadPartFailed     Code = "UploadPartFailed"
	CompleteUploadFailed Code = "CompleteUploadFailed"
	InitUploadFailed     Code = "InitUploadFailed"
	ListPartsFailed      Code = "ListPartsFailed"
	ReadError            Code = "ReadError"
)

// Local-resource codes.
const (
	InsufficientDiskSpace Code = "InsufficientDiskSpace"
)

// Fault is a classified error. Stages wrap transport errors into Faults so
// the caller can route retryable versus terminal failures.
type Fault struct {
	Code    Code
	Message string
	Err     error
}

func (f *Fault) Error() string {
	if f.Message != "" {
		return fmt.Sprintf("%s: %s", f.Code, f.Message)
	}
	if f.Err != nil {
		return fmt.Sprintf("%s: %v", f.Code, f.Err)
	}
	return string(f.Code)
}

func (f *Fault) Unwrap() error {
	return f.Err
}

// New creates a Fault with a message.
func New(code Code, format string, args ...interface{}) *Fault {
	return &Fault{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Wrap creates a Fault wrapping an underlying error.
func Wrap(code Code, err error) *Fault {
	return &Fault{Code: code, Err: err}
}

// CodeOf extracts the Code from err, or empty if err carries none.
func CodeOf(err error) Code {
	var f *Fault
	if errors.As(err, &f) {
		return f.Code
	}
	return ""
}

// Is reports whether err carries the given code.
func Is(err error, code Code) bool {
	return CodeOf(err) == code
}

// Retryable reports whether a stage error should route through a *_RETRY
// status rather than failing the job terminally. Classification is by code
// first, then by transport error text for errors that arrive unclassified.
func Retryable(err error) bool {
	switch CodeOf(err) {
	case TokenExchangeFailed, RefreshFailed, UploadPartFailed,
		CompleteUploadFailed, InitUploadFailed, ListPartsFailed, S3Error,
		InsufficientDiskSpace:
		return true
	case AccessDenied, BucketAccessDenied, BucketNotFound, InvalidCredentials,
		NoCredentials, NoRefreshToken, InvalidCredentialsJSON,
		V2OnlyNotSupported, InvalidS3Config, FileNotFound:
		return false
	}
	return transientText(err)
}

// transientText classifies unwrapped transport errors by message text.
// The string sets mirror what S3 and Drive actually return.
func transientText(err error) bool {
	if err == nil {
		return false
	}
	s := strings.ToLower(err.Error())

	transient := []string{
		"tls handshake timeout",
		"connection reset",
		"i/o timeout",
		"connection refused",
		"broken pipe",
		"timeout",
		"requesttimeout",
		"internalerror",
		"serviceunavailable",
		"slowdown",
		"throttl",
		"server busy",
		"429",
		"500",
		"502",
		"503",
		"504",
	}
	for _, t := range transient {
		if strings.Contains(s, t) {
			return true
		}
	}
	return false
}
