// Package download is the torrent download stage.
//
// The stage owns the job from the DOWNLOADING transition until the upload
// handoff: it drives the torrent engine against the job's download
// directory, restricts the engine to the selected files, persists progress
// heartbeats, and hands the finished directory to the provider's upload
// stream. Piece completion state lives in the download directory, so a
// restarted worker verifies existing pieces instead of re-downloading.
package download

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/anacrolix/torrent"
	"github.com/anacrolix/torrent/storage"
	"github.com/hashicorp/go-retryablehttp"

	"github.com/torreclou/torreclou/internal/config"
	"github.com/torreclou/torreclou/internal/diskspace"
	"github.com/torreclou/torreclou/internal/faults"
	"github.com/torreclou/torreclou/internal/logging"
	"github.com/torreclou/torreclou/internal/models"
	"github.com/torreclou/torreclou/internal/pathutil"
	"github.com/torreclou/torreclou/internal/stage"
	"github.com/torreclou/torreclou/internal/status"
	"github.com/torreclou/torreclou/internal/store"
	"github.com/torreclou/torreclou/internal/stream"
)

// Stage executes download tasks.
type Stage struct {
	st     *store.Store
	events *stream.Log
	cfg    *config.Config
	hc     *retryablehttp.Client
	log    *logging.Logger
}

// New creates the download stage.
func New(st *store.Store, events *stream.Log, cfg *config.Config, log *logging.Logger) *Stage {
	hc := retryablehttp.NewClient()
	hc.RetryMax = 3
	hc.Logger = nil
	return &Stage{
		st:     st,
		events: events,
		cfg:    cfg,
		hc:     hc,
		log:    log.Component("download"),
	}
}

// Run executes one download attempt for a job. Retryable failures move the
// job to TORRENT_DOWNLOAD_RETRY and return the error so the task runtime
// reschedules; terminal failures move it to TORRENT_FAILED and return nil.
func (s *Stage) Run(ctx context.Context, jobID int64) error {
	job, err := s.st.JobByID(ctx, jobID)
	if err != nil {
		if faults.Is(err, faults.JobNotFound) {
			s.log.Warn().Int64("job_id", jobID).Msg("job gone, dropping download task")
			return nil
		}
		return err
	}

	ok, reason := stage.ShouldRun(job, models.JobQueued, models.JobTorrentDownloadRetry)
	if !ok {
		s.log.Info().Int64("job_id", jobID).Str("reason", reason).Msg("skipping download")
		return nil
	}

	log := s.log.Job(jobID)

	downloadPath := filepath.Join(s.cfg.TorrentRoot, strconv.FormatInt(jobID, 10))
	if err := os.MkdirAll(downloadPath, 0o755); err != nil {
		return fmt.Errorf("failed to create download dir: %w", err)
	}

	now := time.Now().UTC()
	job.DownloadPath = downloadPath
	// First attempt only; a retry keeps the original start time.
	if job.StartedAt == nil {
		job.StartedAt = &now
	}
	job.LastHeartbeat = &now
	if err := s.st.WithTx(ctx, func(tx *store.Store) error {
		return status.TransitionJob(ctx, tx, job, models.JobDownloading, models.SourceWorker)
	}); err != nil {
		return err
	}

	if err := s.download(ctx, job, log); err != nil {
		return s.routeFailure(ctx, job, err, log)
	}

	profile, err := s.st.ProfileByID(ctx, job.StorageProfileID)
	if err != nil {
		return s.routeFailure(ctx, job, err, log)
	}

	if err := s.st.WithTx(ctx, func(tx *store.Store) error {
		job.CurrentStateLabel = "download complete"
		// The task handle is cleared so the upload dispatcher's
		// idempotency gate sees a job with no pending task.
		job.BackgroundTaskID = ""
		return status.TransitionJob(ctx, tx, job, models.JobPendingUpload, models.SourceWorker)
	}); err != nil {
		return err
	}

	// Handoff after the status commit: the stream is at-least-once and the
	// upload stage's entry gate absorbs duplicates.
	handoff := stream.UploadHandoff{
		JobID:            job.ID,
		DownloadPath:     job.DownloadPath,
		StorageProfileID: job.StorageProfileID,
		UserID:           job.UserID,
		CreatedAt:        time.Now().UTC(),
	}
	if err := s.events.Append(ctx, stream.UploadStream(profile.ProviderType), handoff.Fields()); err != nil {
		return err
	}

	log.Info().Str("provider", string(profile.ProviderType)).Msg("download finished, handed off to upload")
	return nil
}

func (s *Stage) download(ctx context.Context, job *models.Job, log *logging.Logger) error {
	torrentFile, err := s.resolveTorrent(ctx, job)
	if err != nil {
		return err
	}

	client, err := s.newEngine(job.DownloadPath)
	if err != nil {
		return err
	}
	defer client.Close()

	t, err := client.AddTorrentFromFile(torrentFile)
	if err != nil {
		return faults.Wrap(faults.TorrentNotFound, err)
	}

	select {
	case <-t.GotInfo():
	case <-ctx.Done():
		return s.onInterrupted(ctx, job, log)
	}

	info := t.Info()
	if len(info.Pieces) == 0 {
		return faults.New(faults.V2OnlyNotSupported, "torrent %s carries no v1 piece hashes", t.InfoHash().HexString())
	}

	selected := selectFiles(t, job.SelectedFilePaths)
	if len(selected) == 0 {
		return faults.New(faults.FileNotFound, "selection matches no files in torrent %s", t.InfoHash().HexString())
	}

	var total int64
	for _, f := range selected {
		total += f.Length()
	}
	if err := diskspace.Check(job.DownloadPath, total); err != nil {
		return err
	}
	for _, f := range selected {
		f.Download()
	}
	job.TotalBytes = total
	if err := s.st.UpdateJob(ctx, job); err != nil {
		return err
	}

	log.Info().Int("files", len(selected)).Str("size", stage.FormatBytes(total)).Msg("download started")
	return s.monitor(ctx, job, selected, total, log)
}

// monitor polls the engine until the selected files complete, persisting a
// heartbeat with progress counters on its own slower cadence.
func (s *Stage) monitor(ctx context.Context, job *models.Job, selected []*torrent.File, total int64, log *logging.Logger) error {
	ticker := time.NewTicker(s.cfg.MonitorInterval)
	defer ticker.Stop()

	speed := stage.NewSpeed(30 * time.Second)
	lastBeat := time.Time{}

	for {
		select {
		case <-ctx.Done():
			return s.onInterrupted(ctx, job, log)
		case <-ticker.C:
		}

		var done int64
		complete := true
		for _, f := range selected {
			c := f.BytesCompleted()
			done += c
			if c < f.Length() {
				complete = false
			}
		}
		speed.Observe(done)

		if complete {
			job.BytesDownloaded = done
			return nil
		}

		if time.Since(lastBeat) >= s.cfg.HeartbeatInterval {
			lastBeat = time.Now()
			job.BytesDownloaded = done
			label := fmt.Sprintf("downloading %s / %s (%s)",
				stage.FormatBytes(done), stage.FormatBytes(total),
				stage.FormatRate(speed.PerSecond()))
			if err := s.st.TouchJobHeartbeat(ctx, job.ID, done, label); err != nil {
				log.Error().Err(err).Msg("heartbeat persist failed")
			}

			// Cancellation is observed through the store: the cancel path
			// flips the status and cancels the task context, but the status
			// check also covers a cancel raced against task pickup.
			current, err := s.st.JobByID(ctx, job.ID)
			if err == nil && current.Status == models.JobCancelled {
				log.Info().Msg("download cancelled, keeping partial data")
				return errCancelled
			}
		}
	}
}

var errCancelled = errors.New("job cancelled")

// onInterrupted distinguishes user cancellation from a shutdown. Either way
// the download directory stays on disk: the engine's Close (deferred in
// download) flushes piece completion, so a later retry of the same content
// verifies pieces instead of refetching them. Reclaiming cancelled data
// happens out of band, never on the cancel path.
func (s *Stage) onInterrupted(ctx context.Context, job *models.Job, log *logging.Logger) error {
	current, err := s.st.JobByID(context.WithoutCancel(ctx), job.ID)
	if err == nil && current.Status == models.JobCancelled {
		log.Info().Msg("download cancelled, keeping partial data")
		return errCancelled
	}
	return ctx.Err()
}

// routeFailure maps a stage error onto the retry/terminal status split.
func (s *Stage) routeFailure(ctx context.Context, job *models.Job, stageErr error, log *logging.Logger) error {
	if errors.Is(stageErr, errCancelled) {
		return nil
	}
	if ctx.Err() != nil || errors.Is(stageErr, context.Canceled) || errors.Is(stageErr, context.DeadlineExceeded) {
		// Shutdown mid-download: leave DOWNLOADING for the recovery
		// supervisor, which owns stale-job routing.
		return stageErr
	}

	bg := context.WithoutCancel(ctx)
	code := faults.CodeOf(stageErr)

	if code != "" && !faults.Retryable(stageErr) {
		log.Error().Err(stageErr).Str("code", string(code)).Msg("download failed terminally")
		if err := s.st.WithTx(bg, func(tx *store.Store) error {
			return status.TransitionJob(bg, tx, job, models.JobTorrentFailed, models.SourceWorker,
				status.WithError(stageErr.Error()),
				status.WithMetadata(map[string]any{"code": string(code)}))
		}); err != nil {
			return err
		}
		return nil
	}

	log.Warn().Err(stageErr).Msg("download attempt failed, scheduling retry")
	job.RetryCount++
	next := time.Now().UTC().Add(s.cfg.TaskDelay(job.RetryCount))
	job.NextRetryAt = &next
	if err := s.st.WithTx(bg, func(tx *store.Store) error {
		return status.TransitionJob(bg, tx, job, models.JobTorrentDownloadRetry, models.SourceWorker,
			status.WithError(stageErr.Error()))
	}); err != nil {
		return err
	}
	return stageErr
}

// newEngine builds a torrent client rooted at the job's download dir. The
// piece completion database sits next to the data, which is what makes a
// restarted download verify instead of refetch.
func (s *Stage) newEngine(dataDir string) (*torrent.Client, error) {
	pc, err := storage.NewBoltPieceCompletion(dataDir)
	if err != nil {
		return nil, fmt.Errorf("failed to open piece completion db: %w", err)
	}

	cfg := torrent.NewDefaultClientConfig()
	cfg.DataDir = dataDir
	cfg.DefaultStorage = storage.NewFileWithCompletion(dataDir, pc)
	cfg.Seed = false
	cfg.ListenPort = 0

	client, err := torrent.NewClient(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to start torrent engine: %w", err)
	}
	return client, nil
}

// resolveTorrent returns a local .torrent path for the job's requested
// file, fetching and caching remote metainfo under <root>/torrents.
func (s *Stage) resolveTorrent(ctx context.Context, job *models.Job) (string, error) {
	rf, err := s.st.RequestedFileByID(ctx, job.RequestedFileID)
	if err != nil {
		return "", err
	}

	if rf.TorrentPath != "" {
		if _, err := os.Stat(rf.TorrentPath); err == nil {
			return rf.TorrentPath, nil
		}
	}

	if rf.TorrentURL == "" {
		return "", faults.New(faults.TorrentNotFound, "requested file %d has no torrent source", rf.ID)
	}

	cacheDir := filepath.Join(s.cfg.TorrentRoot, "torrents")
	if err := os.MkdirAll(cacheDir, 0o755); err != nil {
		return "", fmt.Errorf("failed to create torrent cache dir: %w", err)
	}
	cached := filepath.Join(cacheDir, rf.InfoHash+".torrent")
	if _, err := os.Stat(cached); err == nil {
		return cached, nil
	}

	req, err := retryablehttp.NewRequest("GET", rf.TorrentURL, nil)
	if err != nil {
		return "", faults.Wrap(faults.TorrentNotFound, err)
	}
	req = req.WithContext(ctx)

	resp, err := s.hc.Do(req)
	if err != nil {
		return "", fmt.Errorf("failed to fetch torrent: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != 200 {
		return "", faults.New(faults.TorrentNotFound, "torrent fetch returned %s", resp.Status)
	}

	tmp := cached + ".tmp"
	out, err := os.Create(tmp)
	if err != nil {
		return "", err
	}
	if _, err := io.Copy(out, resp.Body); err != nil {
		out.Close()
		os.Remove(tmp)
		return "", fmt.Errorf("failed to save torrent: %w", err)
	}
	if err := out.Close(); err != nil {
		os.Remove(tmp)
		return "", err
	}
	if err := os.Rename(tmp, cached); err != nil {
		return "", err
	}
	return cached, nil
}

// selectFiles applies the job's selection to the torrent's file list and
// deprioritizes everything else.
func selectFiles(t *torrent.Torrent, selection []string) []*torrent.File {
	var selected []*torrent.File
	for _, f := range t.Files() {
		if pathutil.Selected(f.Path(), selection) {
			selected = append(selected, f)
		} else {
			f.SetPriority(torrent.PiecePriorityNone)
		}
	}
	return selected
}
