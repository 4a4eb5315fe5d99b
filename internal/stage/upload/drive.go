package upload

import (
	"context"
	"fmt"
	"os"
	"path"
	"strings"
	"time"

	"github.com/torreclou/torreclou/internal/cloud/drive"
	"github.com/torreclou/torreclou/internal/config"
	"github.com/torreclou/torreclou/internal/faults"
	"github.com/torreclou/torreclou/internal/lease"
	"github.com/torreclou/torreclou/internal/logging"
	"github.com/torreclou/torreclou/internal/models"
	"github.com/torreclou/torreclou/internal/pathutil"
	"github.com/torreclou/torreclou/internal/progress"
	"github.com/torreclou/torreclou/internal/stage"
	"github.com/torreclou/torreclou/internal/status"
	"github.com/torreclou/torreclou/internal/store"
)

// DriveStage uploads a finished download into the user's Google Drive.
type DriveStage struct {
	common
	cache *progress.Cache
}

// NewDriveStage creates the Drive upload stage.
func NewDriveStage(st *store.Store, leases *lease.Manager, cache *progress.Cache, cfg *config.Config, log *logging.Logger) *DriveStage {
	return &DriveStage{
		common: common{st: st, leases: leases, cfg: cfg, log: log.Component("upload.drive")},
		cache:  cache,
	}
}

// Run executes one Drive upload attempt for a job.
func (s *DriveStage) Run(ctx context.Context, jobID int64) error {
	job, ok, err := s.gate(ctx, jobID)
	if err != nil || !ok {
		return err
	}
	log := s.log.Job(jobID)

	l, err := s.leases.Acquire(ctx, lease.DriveKey(jobID), s.cfg.LeaseTTL)
	if err != nil {
		return err
	}
	if l == nil {
		log.Info().Msg("upload lease held elsewhere, yielding")
		return nil
	}
	defer s.leases.Release(context.WithoutCancel(ctx), l)

	leaseCtx, stopRenew := s.keepLeaseAlive(ctx, l)
	defer stopRenew()

	if err := s.enter(leaseCtx, job); err != nil {
		return err
	}

	if err := s.upload(leaseCtx, job, log); err != nil {
		return s.routeFailure(leaseCtx, job, err, models.JobGoogleDriveFailed, log)
	}

	if err := s.st.WithTx(ctx, func(tx *store.Store) error {
		job.CurrentStateLabel = "upload complete"
		return status.TransitionJob(ctx, tx, job, models.JobCompleted, models.SourceWorker)
	}); err != nil {
		return err
	}

	if err := s.cache.Clear(ctx, jobID); err != nil {
		log.Error().Err(err).Msg("failed to clear upload cache")
	}
	if err := os.RemoveAll(job.DownloadPath); err != nil {
		log.Error().Err(err).Str("path", job.DownloadPath).Msg("failed to remove download dir")
	}
	log.Info().Msg("drive upload finished")
	return nil
}

func (s *DriveStage) upload(ctx context.Context, job *models.Job, log *logging.Logger) error {
	profile, err := s.st.ProfileByID(ctx, job.StorageProfileID)
	if err != nil {
		return err
	}
	if profile.ProviderType != models.ProviderGoogleDrive {
		return faults.New(faults.InvalidProfile, "profile %d is %s, not GoogleDrive", profile.ID, profile.ProviderType)
	}

	creds, err := models.DriveCredentialsOf(profile)
	if err != nil {
		return err
	}
	client, err := drive.NewClient(ctx, creds, s.log)
	if err != nil {
		return err
	}

	entries, err := pathutil.WalkContent(job.DownloadPath)
	if err != nil {
		return faults.Wrap(faults.ReadError, err)
	}
	if len(entries) == 0 {
		return faults.New(faults.FileNotFound, "download dir %s holds no content", job.DownloadPath)
	}

	rootID, err := s.ensureRoot(ctx, client, job)
	if err != nil {
		return err
	}
	folders, err := s.ensureFolders(ctx, client, rootID, entries)
	if err != nil {
		return err
	}

	completed, err := s.cache.Completed(ctx, job.ID)
	if err != nil {
		return err
	}

	total := pathutil.TotalSize(entries)
	var uploaded int64
	for _, e := range entries {
		if _, done := completed[e.RelPath]; done {
			uploaded += e.Size
			continue
		}
		if err := s.uploadFile(ctx, client, job, e, folders, rootID, &uploaded, total, log); err != nil {
			return err
		}
	}
	return nil
}

// ensureRoot finds or creates the job's remote root folder, remembering it
// across attempts so retries land in the same folder.
func (s *DriveStage) ensureRoot(ctx context.Context, client *drive.Client, job *models.Job) (string, error) {
	rootID, err := s.cache.RootFolder(ctx, job.ID)
	if err != nil {
		return "", err
	}
	if rootID != "" {
		return rootID, nil
	}

	name := fmt.Sprintf("Torrent_%d_%s", job.ID, time.Now().UTC().Format("20060102_150405"))
	rootID, err = client.EnsureFolder(ctx, name, "")
	if err != nil {
		return "", err
	}
	if err := s.cache.SetRootFolder(ctx, job.ID, rootID); err != nil {
		return "", err
	}
	return rootID, nil
}

// ensureFolders mirrors the relative directory structure under the root,
// parents first. Entries are sorted, so a parent always precedes its
// children.
func (s *DriveStage) ensureFolders(ctx context.Context, client *drive.Client, rootID string, entries []pathutil.Entry) (map[string]string, error) {
	folders := map[string]string{".": rootID, "": rootID}
	for _, e := range entries {
		dir := path.Dir(e.RelPath)
		if _, ok := folders[dir]; ok {
			continue
		}

		parent := rootID
		partial := ""
		for _, seg := range splitPath(dir) {
			if partial == "" {
				partial = seg
			} else {
				partial = partial + "/" + seg
			}
			if id, ok := folders[partial]; ok {
				parent = id
				continue
			}
			id, err := client.EnsureFolder(ctx, seg, parent)
			if err != nil {
				return nil, err
			}
			folders[partial] = id
			parent = id
		}
	}
	return folders, nil
}

func (s *DriveStage) uploadFile(ctx context.Context, client *drive.Client, job *models.Job, e pathutil.Entry, folders map[string]string, rootID string, uploaded *int64, total int64, log *logging.Logger) error {
	parent, ok := folders[path.Dir(e.RelPath)]
	if !ok {
		parent = rootID
	}
	name := path.Base(e.RelPath)

	// A prior worker may have finished this file without recording it.
	if id, err := client.FindFile(ctx, name, parent); err != nil {
		return err
	} else if id != "" {
		*uploaded += e.Size
		return s.cache.MarkCompleted(ctx, job.ID, e.RelPath, id)
	}

	sessionURI, err := s.cache.Session(ctx, job.ID, e.RelPath)
	if err != nil {
		return err
	}

	var offset int64
	if sessionURI != "" {
		off, finished, remoteID, valid, err := client.SessionOffset(ctx, sessionURI, e.Size)
		if err != nil {
			return err
		}
		switch {
		case finished:
			*uploaded += e.Size
			return s.cache.MarkCompleted(ctx, job.ID, e.RelPath, remoteID)
		case valid:
			offset = off
		default:
			sessionURI = ""
		}
	}
	if sessionURI == "" {
		sessionURI, err = client.CreateSession(ctx, name, parent, e.Size)
		if err != nil {
			return err
		}
		if err := s.cache.SetSession(ctx, job.ID, e.RelPath, sessionURI); err != nil {
			return err
		}
	}

	lastBeat := time.Time{}
	remoteID, err := client.UploadFile(ctx, sessionURI, e.AbsPath, offset, e.Size, func(delta int64) {
		*uploaded += delta
		if time.Since(lastBeat) >= s.cfg.HeartbeatInterval {
			lastBeat = time.Now()
			label := fmt.Sprintf("uploading to Drive %s / %s",
				stage.FormatBytes(*uploaded), stage.FormatBytes(total))
			if herr := s.st.TouchJobHeartbeat(ctx, job.ID, job.BytesDownloaded, label); herr != nil {
				log.Error().Err(herr).Msg("heartbeat persist failed")
			}
		}
	})
	if err != nil {
		return err
	}
	return s.cache.MarkCompleted(ctx, job.ID, e.RelPath, remoteID)
}

func splitPath(p string) []string {
	if p == "" || p == "." {
		return nil
	}
	var segs []string
	for _, seg := range strings.Split(p, "/") {
		if seg != "" {
			segs = append(segs, seg)
		}
	}
	return segs
}
