// Package stage holds the pieces shared by the download, upload and sync
// stages: the idempotency gate applied on entry and the transfer speed
// tracker behind the human-readable state labels.
package stage

import (
	"fmt"
	"sync"
	"time"

	"github.com/torreclou/torreclou/internal/models"
)

// ShouldRun is the entry gate of every stage handler. Re-delivered work
// for a job already past the stage (or terminal) is skipped, not failed:
// the handler logs the reason and returns success so the message gets
// acknowledged.
func ShouldRun(job *models.Job, allowed ...models.JobStatus) (bool, string) {
	for _, s := range allowed {
		if job.Status == s {
			return true, ""
		}
	}
	return false, fmt.Sprintf("job %d is %s", job.ID, job.Status)
}

// Speed tracks a transfer rate over a sliding window of samples.
type Speed struct {
	mu      sync.Mutex
	window  time.Duration
	samples []sample
}

type sample struct {
	at    time.Time
	bytes int64
}

// NewSpeed creates a tracker averaging over the given window.
func NewSpeed(window time.Duration) *Speed {
	if window <= 0 {
		window = 30 * time.Second
	}
	return &Speed{window: window}
}

// Observe records the cumulative byte count at the current time.
func (s *Speed) Observe(totalBytes int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now()
	s.samples = append(s.samples, sample{at: now, bytes: totalBytes})

	cutoff := now.Add(-s.window)
	i := 0
	for i < len(s.samples)-1 && s.samples[i].at.Before(cutoff) {
		i++
	}
	s.samples = s.samples[i:]
}

// PerSecond returns the average rate in bytes per second over the window.
func (s *Speed) PerSecond() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.samples) < 2 {
		return 0
	}
	first, last := s.samples[0], s.samples[len(s.samples)-1]
	secs := last.at.Sub(first.at).Seconds()
	if secs <= 0 {
		return 0
	}
	return float64(last.bytes-first.bytes) / secs
}

// FormatRate renders a byte rate like "12.3 MB/s".
func FormatRate(bytesPerSec float64) string {
	switch {
	case bytesPerSec >= 1<<30:
		return fmt.Sprintf("%.1f GB/s", bytesPerSec/(1<<30))
	case bytesPerSec >= 1<<20:
		return fmt.Sprintf("%.1f MB/s", bytesPerSec/(1<<20))
	case bytesPerSec >= 1<<10:
		return fmt.Sprintf("%.1f KB/s", bytesPerSec/(1<<10))
	default:
		return fmt.Sprintf("%.0f B/s", bytesPerSec)
	}
}

// FormatBytes renders a byte count like "1.5 GB".
func FormatBytes(n int64) string {
	switch {
	case n >= 1<<30:
		return fmt.Sprintf("%.1f GB", float64(n)/(1<<30))
	case n >= 1<<20:
		return fmt.Sprintf("%.1f MB", float64(n)/(1<<20))
	case n >= 1<<10:
		return fmt.Sprintf("%.1f KB", float64(n)/(1<<10))
	default:
		return fmt.Sprintf("%d B", n)
	}
}
