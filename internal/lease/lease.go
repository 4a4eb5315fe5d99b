// Package lease implements named Redis locks with per-key TTL.
//
// A lease guarantees at-most-one active upload/sync worker per job. Locks
// are set with NX+PX and a unique token; release and renew are
// compare-and-set Lua scripts so an expired lease can never be released or
// extended by its original holder.
package lease

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

var releaseScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
end
return 0
`)

var renewScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("pexpire", KEYS[1], ARGV[2])
end
return 0
`)

// Lease is a held lock. Zero value is invalid; obtain via Manager.Acquire.
type Lease struct {
	Key   string
	Token string
}

// Manager acquires and releases leases against one Redis instance.
type Manager struct {
	rdb redis.UniversalClient
}

// NewManager creates a lease manager.
func NewManager(rdb redis.UniversalClient) *Manager {
	return &Manager{rdb: rdb}
}

// DriveKey is the lock key for the Drive upload stage of a job.
func DriveKey(jobID int64) string {
	return fmt.Sprintf("gdrive:lock:%d", jobID)
}

// S3Key is the lock key for the S3 upload/sync stage of a job.
func S3Key(jobID int64) string {
	return fmt.Sprintf("s3:lock:%d", jobID)
}

// Acquire attempts to take the named lock. Returns nil (no error) when
// another worker holds it; the caller logs and returns success to the task
// runtime.
func (m *Manager) Acquire(ctx context.Context, key string, ttl time.Duration) (*Lease, error) {
	token := uuid.NewString()
	ok, err := m.rdb.SetNX(ctx, key, token, ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to acquire lease %s: %w", key, err)
	}
	if !ok {
		return nil, nil
	}
	return &Lease{Key: key, Token: token}, nil
}

// Renew extends a held lease. Returns false when the lease has expired or
// was taken over; the holder must stop mutating the job.
func (m *Manager) Renew(ctx context.Context, l *Lease, ttl time.Duration) (bool, error) {
	n, err := renewScript.Run(ctx, m.rdb, []string{l.Key}, l.Token, ttl.Milliseconds()).Int64()
	if err != nil {
		return false, fmt.Errorf("failed to renew lease %s: %w", l.Key, err)
	}
	return n == 1, nil
}

// Release drops a held lease. Releasing an already-expired lease is a no-op.
func (m *Manager) Release(ctx context.Context, l *Lease) error {
	if l == nil {
		return nil
	}
	_, err := releaseScript.Run(ctx, m.rdb, []string{l.Key}, l.Token).Int64()
	if err != nil {
		return fmt.Errorf("failed to release lease %s: %w", l.Key, err)
	}
	return nil
}

// Delete force-removes a lock regardless of holder. Admin path only.
func (m *Manager) Delete(ctx context.Context, key string) error {
	return m.rdb.Del(ctx, key).Err()
}
