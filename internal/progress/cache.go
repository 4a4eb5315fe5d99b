// Package progress is the process-external per-job upload cache.
//
// A restarted upload worker finds prior work in O(1): the remote root
// folder id, the relativePath -> remoteId map of finished files, and any
// in-progress resumable session URIs. Entries expire with the upload lease
// horizon so abandoned jobs do not accumulate state.
package progress

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// TTL bounds how long cached upload state outlives its last touch.
const TTL = 24 * time.Hour

// Cache stores per-job upload bookkeeping in Redis hashes.
type Cache struct {
	rdb redis.UniversalClient
}

// NewCache creates a progress cache.
func NewCache(rdb redis.UniversalClient) *Cache {
	return &Cache{rdb: rdb}
}

func rootKey(jobID int64) string {
	return fmt.Sprintf("upload:%d:root", jobID)
}

func filesKey(jobID int64) string {
	return fmt.Sprintf("upload:%d:files", jobID)
}

func sessionsKey(jobID int64) string {
	return fmt.Sprintf("upload:%d:sessions", jobID)
}

// SetRootFolder records the remote root folder id of a job.
func (c *Cache) SetRootFolder(ctx context.Context, jobID int64, folderID string) error {
	if err := c.rdb.Set(ctx, rootKey(jobID), folderID, TTL).Err(); err != nil {
		return fmt.Errorf("failed to cache root folder for job %d: %w", jobID, err)
	}
	return nil
}

// RootFolder returns the cached remote root folder id, or empty.
func (c *Cache) RootFolder(ctx context.Context, jobID int64) (string, error) {
	v, err := c.rdb.Get(ctx, rootKey(jobID)).Result()
	if err == redis.Nil {
		return "", nil
	}
	return v, err
}

// MarkCompleted records a finished file's remote id keyed by relative path.
func (c *Cache) MarkCompleted(ctx context.Context, jobID int64, relPath, remoteID string) error {
	pipe := c.rdb.TxPipeline()
	pipe.HSet(ctx, filesKey(jobID), relPath, remoteID)
	pipe.Expire(ctx, filesKey(jobID), TTL)
	pipe.HDel(ctx, sessionsKey(jobID), relPath)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to mark %s completed for job %d: %w", relPath, jobID, err)
	}
	return nil
}

// Completed returns the relativePath -> remoteId map of finished files.
func (c *Cache) Completed(ctx context.Context, jobID int64) (map[string]string, error) {
	m, err := c.rdb.HGetAll(ctx, filesKey(jobID)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to load completed files for job %d: %w", jobID, err)
	}
	return m, nil
}

// SetSession records an in-progress resumable session URI for a file.
func (c *Cache) SetSession(ctx context.Context, jobID int64, relPath, sessionURI string) error {
	pipe := c.rdb.TxPipeline()
	pipe.HSet(ctx, sessionsKey(jobID), relPath, sessionURI)
	pipe.Expire(ctx, sessionsKey(jobID), TTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to cache session for job %d: %w", jobID, err)
	}
	return nil
}

// Session returns the cached resumable session URI for a file, or empty.
func (c *Cache) Session(ctx context.Context, jobID int64, relPath string) (string, error) {
	v, err := c.rdb.HGet(ctx, sessionsKey(jobID), relPath).Result()
	if err == redis.Nil {
		return "", nil
	}
	return v, err
}

// Clear drops all cached state of a job after terminal completion.
func (c *Cache) Clear(ctx context.Context, jobID int64) error {
	return c.rdb.Del(ctx, rootKey(jobID), filesKey(jobID), sessionsKey(jobID)).Err()
}
