// Package stream is the durable event log used to hand work between stages.
//
// Streams are append-only with consumer-group semantics: one message goes
// to one consumer in a group and must be acknowledged explicitly. A message
// is acknowledged only after the background task has been enqueued and the
// job's task id persisted, so delivery stays at-least-once.
package stream

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/torreclou/torreclou/internal/models"
)

// Stream names.
const (
	JobsStream = "jobs:stream"
	SyncStream = "sync:stream"
)

// Consumer groups.
const (
	GroupTorrentWorkers = "torrent-workers"
	GroupSyncWorkers    = "sync-workers"
)

// UploadStream returns the per-provider upload handoff stream, e.g.
// uploads:googledrive:stream.
func UploadStream(provider models.ProviderType) string {
	return fmt.Sprintf("uploads:%s:stream", strings.ToLower(string(provider)))
}

// UploadGroup returns the consumer group for a provider's upload stream.
func UploadGroup(provider models.ProviderType) string {
	return fmt.Sprintf("%s-workers", strings.ToLower(string(provider)))
}

// Message is one delivered stream entry.
type Message struct {
	ID     string
	Values map[string]string
}

// Int64 reads an integer field from the message.
func (m Message) Int64(key string) (int64, error) {
	v, ok := m.Values[key]
	if !ok {
		return 0, fmt.Errorf("stream message %s missing field %q", m.ID, key)
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("stream message %s field %q: %w", m.ID, key, err)
	}
	return n, nil
}

// Log appends to and consumes Redis streams.
type Log struct {
	rdb redis.UniversalClient
}

// NewLog creates an event log over one Redis instance.
func NewLog(rdb redis.UniversalClient) *Log {
	return &Log{rdb: rdb}
}

// Append adds one entry to a stream.
func (l *Log) Append(ctx context.Context, stream string, values map[string]string) error {
	args := make(map[string]interface{}, len(values))
	for k, v := range values {
		args[k] = v
	}
	if err := l.rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: stream,
		Values: args,
	}).Err(); err != nil {
		return fmt.Errorf("failed to append to %s: %w", stream, err)
	}
	return nil
}

// EnsureGroup creates the consumer group (and the stream) if absent.
func (l *Log) EnsureGroup(ctx context.Context, stream, group string) error {
	err := l.rdb.XGroupCreateMkStream(ctx, stream, group, "0").Err()
	if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
		return fmt.Errorf("failed to create group %s on %s: %w", group, stream, err)
	}
	return nil
}

// ReadGroup blocking-reads a batch of new messages for a consumer.
// Returns an empty slice on block timeout.
func (l *Log) ReadGroup(ctx context.Context, stream, group, consumer string, count int64, block time.Duration) ([]Message, error) {
	res, err := l.rdb.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    group,
		Consumer: consumer,
		Streams:  []string{stream, ">"},
		Count:    count,
		Block:    block,
	}).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read %s as %s: %w", stream, group, err)
	}

	var out []Message
	for _, xs := range res {
		for _, entry := range xs.Messages {
			values := make(map[string]string, len(entry.Values))
			for k, v := range entry.Values {
				values[k] = fmt.Sprint(v)
			}
			out = append(out, Message{ID: entry.ID, Values: values})
		}
	}
	return out, nil
}

// ClaimStale reclaims messages pending longer than minIdle from dead
// consumers in the group.
func (l *Log) ClaimStale(ctx context.Context, stream, group, consumer string, minIdle time.Duration, count int64) ([]Message, error) {
	entries, _, err := l.rdb.XAutoClaim(ctx, &redis.XAutoClaimArgs{
		Stream:   stream,
		Group:    group,
		Consumer: consumer,
		MinIdle:  minIdle,
		Start:    "0-0",
		Count:    count,
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to claim stale on %s: %w", stream, err)
	}

	out := make([]Message, 0, len(entries))
	for _, entry := range entries {
		values := make(map[string]string, len(entry.Values))
		for k, v := range entry.Values {
			values[k] = fmt.Sprint(v)
		}
		out = append(out, Message{ID: entry.ID, Values: values})
	}
	return out, nil
}

// Ack acknowledges one delivered message.
func (l *Log) Ack(ctx context.Context, stream, group, id string) error {
	if err := l.rdb.XAck(ctx, stream, group, id).Err(); err != nil {
		return fmt.Errorf("failed to ack %s on %s: %w", id, stream, err)
	}
	return nil
}

// ---- Typed payloads ----

// JobQueued announces a freshly created job on jobs:stream.
type JobQueued struct {
	JobID int64
}

// Fields encodes the message for XAdd.
func (m JobQueued) Fields() map[string]string {
	return map[string]string{"jobId": strconv.FormatInt(m.JobID, 10)}
}

// ParseJobQueued decodes a jobs:stream entry.
func ParseJobQueued(msg Message) (JobQueued, error) {
	jobID, err := msg.Int64("jobId")
	return JobQueued{JobID: jobID}, err
}

// UploadHandoff announces a completed download on uploads:<provider>:stream.
type UploadHandoff struct {
	JobID            int64
	DownloadPath     string
	StorageProfileID int64
	UserID           int64
	CreatedAt        time.Time
}

// Fields encodes the message for XAdd.
func (m UploadHandoff) Fields() map[string]string {
	return map[string]string{
		"jobId":            strconv.FormatInt(m.JobID, 10),
		"downloadPath":     m.DownloadPath,
		"storageProfileId": strconv.FormatInt(m.StorageProfileID, 10),
		"userId":           strconv.FormatInt(m.UserID, 10),
		"createdAt":        m.CreatedAt.UTC().Format(time.RFC3339),
	}
}

// ParseUploadHandoff decodes an upload stream entry.
func ParseUploadHandoff(msg Message) (UploadHandoff, error) {
	var out UploadHandoff
	var err error
	if out.JobID, err = msg.Int64("jobId"); err != nil {
		return out, err
	}
	out.DownloadPath = msg.Values["downloadPath"]
	if out.StorageProfileID, err = msg.Int64("storageProfileId"); err != nil {
		return out, err
	}
	if out.UserID, err = msg.Int64("userId"); err != nil {
		return out, err
	}
	if raw := msg.Values["createdAt"]; raw != "" {
		out.CreatedAt, err = time.Parse(time.RFC3339, raw)
		if err != nil {
			return out, fmt.Errorf("stream message %s field createdAt: %w", msg.ID, err)
		}
	}
	return out, nil
}

// SyncHandoff announces a settled upload on sync:stream.
type SyncHandoff struct {
	JobID  int64
	SyncID int64
}

// Fields encodes the message for XAdd.
func (m SyncHandoff) Fields() map[string]string {
	return map[string]string{
		"jobId":  strconv.FormatInt(m.JobID, 10),
		"syncId": strconv.FormatInt(m.SyncID, 10),
	}
}

// ParseSyncHandoff decodes a sync:stream entry.
func ParseSyncHandoff(msg Message) (SyncHandoff, error) {
	var out SyncHandoff
	var err error
	if out.JobID, err = msg.Int64("jobId"); err != nil {
		return out, err
	}
	out.SyncID, err = msg.Int64("syncId")
	return out, err
}
