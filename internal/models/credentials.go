package models

import (
	"encoding/json"

	"github.com/torreclou/torreclou/internal/faults"
)

// DriveCredentials are parsed from a GoogleDrive profile's CredentialsJSON.
type DriveCredentials struct {
	ClientID     string `json:"client_id"`
	ClientSecret string `json:"client_secret"`
	RefreshToken string `json:"refresh_token"`
}

// S3Credentials are parsed from an S3 profile's CredentialsJSON. Endpoint is
// optional and selects an S3-compatible service other than AWS.
type S3Credentials struct {
	AccessKeyID     string `json:"access_key_id"`
	SecretAccessKey string `json:"secret_access_key"`
	Region          string `json:"region"`
	Bucket          string `json:"bucket"`
	Endpoint        string `json:"endpoint,omitempty"`
}

// DriveCredentialsOf parses and validates Drive credentials from a profile.
func DriveCredentialsOf(p *StorageProfile) (*DriveCredentials, error) {
	if p.CredentialsJSON == "" {
		return nil, faults.New(faults.NoCredentials, "profile %d has no credentials", p.ID)
	}
	var c DriveCredentials
	if err := json.Unmarshal([]byte(p.CredentialsJSON), &c); err != nil {
		return nil, faults.Wrap(faults.InvalidCredentialsJSON, err)
	}
	if c.ClientID == "" || c.ClientSecret == "" {
		return nil, faults.New(faults.MissingRequiredFields, "drive credentials missing client id or secret")
	}
	if c.RefreshToken == "" {
		return nil, faults.New(faults.NoRefreshToken, "profile %d has no refresh token", p.ID)
	}
	return &c, nil
}

// S3CredentialsOf parses and validates S3 credentials from a profile.
func S3CredentialsOf(p *StorageProfile) (*S3Credentials, error) {
	if p.CredentialsJSON == "" {
		return nil, faults.New(faults.NoCredentials, "profile %d has no credentials", p.ID)
	}
	var c S3Credentials
	if err := json.Unmarshal([]byte(p.CredentialsJSON), &c); err != nil {
		return nil, faults.Wrap(faults.InvalidCredentialsJSON, err)
	}
	if c.AccessKeyID == "" || c.SecretAccessKey == "" {
		return nil, faults.New(faults.MissingRequiredFields, "s3 credentials missing access key or secret")
	}
	if c.Bucket == "" {
		return nil, faults.New(faults.InvalidS3Config, "s3 credentials missing bucket")
	}
	return &c, nil
}
