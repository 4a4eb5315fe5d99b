// Package drive is the Google Drive transport: folder management and the
// resumable upload protocol over the Drive v3 REST API.
//
// Uploads go through resumable sessions. A session URI is valid for about a
// week on the provider side; interrupted transfers probe the session for the
// confirmed offset and continue from there instead of restarting.
package drive

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"

	"github.com/torreclou/torreclou/internal/faults"
	"github.com/torreclou/torreclou/internal/logging"
	"github.com/torreclou/torreclou/internal/models"
)

const (
	apiBase    = "https://www.googleapis.com/drive/v3"
	uploadBase = "https://www.googleapis.com/upload/drive/v3"

	folderMimeType = "application/vnd.google-apps.folder"

	// DefaultChunkSize is the resumable-upload chunk size. Drive requires
	// chunks to be multiples of 256 KiB; 10 MiB satisfies that.
	DefaultChunkSize = 10 << 20
)

// Client talks to the Drive API on behalf of one storage profile.
type Client struct {
	hc        *http.Client
	chunkSize int64
	log       *logging.Logger
}

// NewClient builds a Drive client from a profile's refresh-token
// credentials. Access tokens are minted and renewed transparently by the
// oauth2 transport; transient HTTP failures retry underneath it.
func NewClient(ctx context.Context, creds *models.DriveCredentials, log *logging.Logger) (*Client, error) {
	cfg := &oauth2.Config{
		ClientID:     creds.ClientID,
		ClientSecret: creds.ClientSecret,
		Endpoint:     google.Endpoint,
	}

	rc := retryablehttp.NewClient()
	rc.RetryMax = 4
	rc.RetryWaitMin = time.Second
	rc.RetryWaitMax = 30 * time.Second
	rc.Logger = nil

	ts := cfg.TokenSource(ctx, &oauth2.Token{RefreshToken: creds.RefreshToken})
	if _, err := ts.Token(); err != nil {
		return nil, faults.Wrap(faults.TokenExchangeFailed, err)
	}

	hc := &http.Client{
		Transport: &oauth2.Transport{
			Source: oauth2.ReuseTokenSource(nil, ts),
			Base:   &retryablehttp.RoundTripper{Client: rc},
		},
	}
	return &Client{hc: hc, chunkSize: DefaultChunkSize, log: log.Component("drive")}, nil
}

type driveFile struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	MimeType string `json:"mimeType"`
}

type fileList struct {
	Files []driveFile `json:"files"`
}

// EnsureFolder returns the id of the named folder under parentID, creating
// it when absent. An empty parentID means the Drive root.
func (c *Client) EnsureFolder(ctx context.Context, name, parentID string) (string, error) {
	parent := parentID
	if parent == "" {
		parent = "root"
	}
	q := fmt.Sprintf("name = '%s' and mimeType = '%s' and '%s' in parents and trashed = false",
		strings.ReplaceAll(name, "'", `\'`), folderMimeType, parent)

	u := apiBase + "/files?fields=files(id,name)&q=" + url.QueryEscape(q)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return "", err
	}
	resp, err := c.hc.Do(req)
	if err != nil {
		return "", classify(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", classifyStatus(resp, "folder lookup")
	}

	var list fileList
	if err := json.NewDecoder(resp.Body).Decode(&list); err != nil {
		return "", fmt.Errorf("failed to decode folder list: %w", err)
	}
	if len(list.Files) > 0 {
		return list.Files[0].ID, nil
	}

	return c.createFolder(ctx, name, parent)
}

func (c *Client) createFolder(ctx context.Context, name, parent string) (string, error) {
	body, _ := json.Marshal(map[string]any{
		"name":     name,
		"mimeType": folderMimeType,
		"parents":  []string{parent},
	})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, apiBase+"/files?fields=id", strings.NewReader(string(body)))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.hc.Do(req)
	if err != nil {
		return "", classify(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return "", classifyStatus(resp, "folder create")
	}

	var f driveFile
	if err := json.NewDecoder(resp.Body).Decode(&f); err != nil {
		return "", fmt.Errorf("failed to decode created folder: %w", err)
	}
	return f.ID, nil
}

// FindFile returns the id of a non-folder child with the given name under
// parentID, or empty when absent. Used to skip files a prior worker already
// uploaded but did not get to record.
func (c *Client) FindFile(ctx context.Context, name, parentID string) (string, error) {
	q := fmt.Sprintf("name = '%s' and '%s' in parents and mimeType != '%s' and trashed = false",
		strings.ReplaceAll(name, "'", `\'`), parentID, folderMimeType)

	u := apiBase + "/files?fields=files(id,name)&q=" + url.QueryEscape(q)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return "", err
	}
	resp, err := c.hc.Do(req)
	if err != nil {
		return "", classify(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", classifyStatus(resp, "file lookup")
	}

	var list fileList
	if err := json.NewDecoder(resp.Body).Decode(&list); err != nil {
		return "", fmt.Errorf("failed to decode file list: %w", err)
	}
	if len(list.Files) == 0 {
		return "", nil
	}
	return list.Files[0].ID, nil
}

// CreateSession opens a resumable upload session for a file of the given
// size under parentID and returns the session URI.
func (c *Client) CreateSession(ctx context.Context, name, parentID string, size int64) (string, error) {
	body, _ := json.Marshal(map[string]any{
		"name":    name,
		"parents": []string{parentID},
	})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		uploadBase+"/files?uploadType=resumable", strings.NewReader(string(body)))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Upload-Content-Length", strconv.FormatInt(size, 10))

	resp, err := c.hc.Do(req)
	if err != nil {
		return "", classify(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", faults.Wrap(faults.InitUploadFailed, statusError(resp, "session create"))
	}

	uri := resp.Header.Get("Location")
	if uri == "" {
		return "", faults.New(faults.InitUploadFailed, "session create returned no location")
	}
	return uri, nil
}

// SessionOffset probes a session and returns the next byte offset to send.
// completed is true with the remote file id when the upload already
// finished; ok is false when the session is gone and must be recreated.
func (c *Client) SessionOffset(ctx context.Context, sessionURI string, size int64) (offset int64, completed bool, remoteID string, ok bool, err error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, sessionURI, nil)
	if err != nil {
		return 0, false, "", false, err
	}
	req.Header.Set("Content-Range", fmt.Sprintf("bytes */%d", size))

	resp, err := c.hc.Do(req)
	if err != nil {
		return 0, false, "", false, classify(err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusOK || resp.StatusCode == http.StatusCreated:
		var f driveFile
		if derr := json.NewDecoder(resp.Body).Decode(&f); derr != nil {
			return 0, false, "", false, fmt.Errorf("failed to decode finished upload: %w", derr)
		}
		return size, true, f.ID, true, nil
	case resp.StatusCode == 308:
		return nextOffset(resp.Header.Get("Range")), false, "", true, nil
	case resp.StatusCode == http.StatusNotFound || resp.StatusCode == http.StatusGone:
		return 0, false, "", false, nil
	default:
		return 0, false, "", false, faults.Wrap(faults.UploadPartFailed, statusError(resp, "session probe"))
	}
}

// UploadFile streams localPath into the session starting at offset and
// returns the remote file id. onProgress, if set, receives sent byte
// deltas. A 308 response continues from the server-confirmed offset, so a
// chunk lost in transit is re-sent rather than skipped.
func (c *Client) UploadFile(ctx context.Context, sessionURI, localPath string, offset, size int64, onProgress func(delta int64)) (string, error) {
	file, err := os.Open(localPath)
	if err != nil {
		return "", faults.Wrap(faults.ReadError, err)
	}
	defer file.Close()

	if size == 0 {
		return c.uploadEmpty(ctx, sessionURI)
	}

	for offset < size {
		end := offset + c.chunkSize
		if end > size {
			end = size
		}
		if _, err := file.Seek(offset, io.SeekStart); err != nil {
			return "", faults.Wrap(faults.ReadError, err)
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodPut, sessionURI,
			io.LimitReader(file, end-offset))
		if err != nil {
			return "", err
		}
		req.ContentLength = end - offset
		req.Header.Set("Content-Range", fmt.Sprintf("bytes %d-%d/%d", offset, end-1, size))

		resp, err := c.hc.Do(req)
		if err != nil {
			return "", classify(err)
		}

		switch {
		case resp.StatusCode == http.StatusOK || resp.StatusCode == http.StatusCreated:
			var f driveFile
			derr := json.NewDecoder(resp.Body).Decode(&f)
			resp.Body.Close()
			if derr != nil {
				return "", fmt.Errorf("failed to decode finished upload: %w", derr)
			}
			if onProgress != nil {
				onProgress(size - offset)
			}
			return f.ID, nil
		case resp.StatusCode == 308:
			next := nextOffset(resp.Header.Get("Range"))
			resp.Body.Close()
			if onProgress != nil && next > offset {
				onProgress(next - offset)
			}
			offset = next
		default:
			ferr := classifyStatus(resp, "chunk upload")
			resp.Body.Close()
			return "", ferr
		}
	}

	return "", faults.New(faults.UploadPartFailed, "session ended without a completion response")
}

func (c *Client) uploadEmpty(ctx context.Context, sessionURI string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, sessionURI, nil)
	if err != nil {
		return "", err
	}
	req.ContentLength = 0

	resp, err := c.hc.Do(req)
	if err != nil {
		return "", classify(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return "", classifyStatus(resp, "empty upload")
	}

	var f driveFile
	if err := json.NewDecoder(resp.Body).Decode(&f); err != nil {
		return "", fmt.Errorf("failed to decode finished upload: %w", err)
	}
	return f.ID, nil
}

// nextOffset parses a 308 Range header ("bytes=0-12345") into the next
// offset to send. No header means nothing was received.
func nextOffset(rangeHeader string) int64 {
	if rangeHeader == "" {
		return 0
	}
	idx := strings.LastIndex(rangeHeader, "-")
	if idx < 0 {
		return 0
	}
	last, err := strconv.ParseInt(rangeHeader[idx+1:], 10, 64)
	if err != nil {
		return 0
	}
	return last + 1
}

func statusError(resp *http.Response, op string) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
	return fmt.Errorf("%s: %s: %s", op, resp.Status, strings.TrimSpace(string(body)))
}

// classifyStatus maps a Drive HTTP status to a fault code.
func classifyStatus(resp *http.Response, op string) error {
	err := statusError(resp, op)
	switch resp.StatusCode {
	case http.StatusUnauthorized:
		return faults.Wrap(faults.RefreshFailed, err)
	case http.StatusForbidden:
		return faults.Wrap(faults.AccessDenied, err)
	default:
		return faults.Wrap(faults.UploadPartFailed, err)
	}
}

// classify maps a transport-level error to a fault code. Token refresh
// failures surface through the oauth2 transport as RetrieveError.
func classify(err error) error {
	var rerr *oauth2.RetrieveError
	if errors.As(err, &rerr) {
		if rerr.Response != nil && rerr.Response.StatusCode == http.StatusBadRequest {
			// invalid_grant: the refresh token was revoked.
			return faults.Wrap(faults.NoRefreshToken, err)
		}
		return faults.Wrap(faults.RefreshFailed, err)
	}
	return faults.Wrap(faults.UploadPartFailed, err)
}
