// Package config provides configuration for TorreClou worker processes.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/ini.v1"
)

// Config is the process-wide worker configuration. It is instantiated once
// at startup and passed down; there are no mutable singletons.
//
// Config file (INI):
//
//	[worker]
//	queues = torrents,googledrive,s3,sync,default
//	workers_per_queue = 4
//
//	[store]
//	database = /var/lib/torreclou/torreclou.db
//
//	[redis]
//	addr = localhost:6379
//	db = 0
//
//	[torrent]
//	root = /var/lib/torreclou/downloads
//
//	[upload]
//	part_size_mib = 10
//
//	[recovery]
//	scan_interval_minutes = 2
//	stale_threshold_minutes = 5
//
// Credentials and addresses may be overridden by environment variables
// (TORRECLOU_REDIS_ADDR, TORRECLOU_REDIS_PASSWORD, TORRECLOU_DATABASE,
// TORRECLOU_TORRENT_ROOT).
type Config struct {
	// Queues this worker subscribes to.
	Queues []string

	// WorkersPerQueue is the fixed pool size per subscribed queue.
	// Minimum: 1, Maximum: 32, Default: 4
	WorkersPerQueue int

	// DatabasePath is the sqlite database file.
	DatabasePath string

	// RedisAddr, RedisPassword, RedisDB configure leases, streams and the
	// upload progress cache.
	RedisAddr     string
	RedisPassword string
	RedisDB       int

	// TorrentRoot is the base directory for downloads; each job gets
	// <TorrentRoot>/<jobID>. Cached .torrent inputs live under
	// <TorrentRoot>/torrents.
	TorrentRoot string

	// PartSize is the fixed upload part size in bytes. Default 10 MiB.
	PartSize int64

	// LeaseTTL bounds how long an upload/sync worker may hold a job.
	LeaseTTL time.Duration

	// TaskMaxAttempts and TaskDelays control the task runtime's retry
	// schedule. Defaults: 3 attempts, 60s/300s/900s.
	TaskMaxAttempts int
	TaskDelays      []time.Duration

	// RecoveryInterval is the supervisor scan period. Default 2m.
	RecoveryInterval time.Duration

	// StaleThreshold is the heartbeat age past which an in-progress entity
	// is considered orphaned. Default 5m.
	StaleThreshold time.Duration

	// Download stage cadences.
	MonitorInterval   time.Duration // engine poll, default 2s
	HeartbeatInterval time.Duration // progress persist, default 5s

	// SyncProgressInterval is the minimum cadence for persisting sync
	// progress. Default 10s.
	SyncProgressInterval time.Duration

	// SyncSettleDelay is the wait after sync completion before the local
	// directory is deleted. Default 30s.
	SyncSettleDelay time.Duration
}

// Validation errors.
var (
	ErrMissingDatabase    = errors.New("store database path is required")
	ErrMissingRedisAddr   = errors.New("redis addr is required")
	ErrMissingTorrentRoot = errors.New("torrent root is required")
	ErrInvalidWorkerCount = errors.New("workers_per_queue must be between 1 and 32")
	ErrInvalidPartSize    = errors.New("part_size_mib must be between 5 and 1024")
	ErrNoQueues           = errors.New("at least one queue must be configured")
	ErrUnknownQueue       = errors.New("unknown queue name")
)

// KnownQueues are the named queues of the task runtime.
var KnownQueues = []string{"torrents", "googledrive", "s3", "sync", "default"}

// DefaultDataDir returns the platform default data directory.
func DefaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "/var/lib/torreclou"
	}
	return filepath.Join(home, ".local", "share", "torreclou")
}

// New returns a Config with default values.
func New() *Config {
	dataDir := DefaultDataDir()
	return &Config{
		Queues:          append([]string(nil), KnownQueues...),
		WorkersPerQueue: 4,
		DatabasePath:    filepath.Join(dataDir, "torreclou.db"),
		RedisAddr:       "localhost:6379",
		TorrentRoot:     filepath.Join(dataDir, "downloads"),
		PartSize:        10 << 20,
		LeaseTTL:        2 * time.Hour,
		TaskMaxAttempts: 3,
		TaskDelays: []time.Duration{
			60 * time.Second,
			300 * time.Second,
			900 * time.Second,
		},
		RecoveryInterval:     2 * time.Minute,
		StaleThreshold:       5 * time.Minute,
		MonitorInterval:      2 * time.Second,
		HeartbeatInterval:    5 * time.Second,
		SyncProgressInterval: 10 * time.Second,
		SyncSettleDelay:      30 * time.Second,
	}
}

// Load reads configuration from an INI file and applies environment
// overrides. A missing file yields defaults without error.
func Load(path string) (*Config, error) {
	cfg := New()

	if path != "" {
		if _, err := os.Stat(path); err == nil {
			file, err := ini.Load(path)
			if err != nil {
				return nil, fmt.Errorf("failed to load config: %w", err)
			}
			applyFile(cfg, file)
		}
	}

	applyEnv(cfg)
	return cfg, nil
}

func applyFile(cfg *Config, file *ini.File) {
	worker := file.Section("worker")
	if v := worker.Key("queues").String(); v != "" {
		cfg.Queues = splitList(v)
	}
	cfg.WorkersPerQueue = worker.Key("workers_per_queue").MustInt(cfg.WorkersPerQueue)

	cfg.DatabasePath = file.Section("store").Key("database").MustString(cfg.DatabasePath)

	redis := file.Section("redis")
	cfg.RedisAddr = redis.Key("addr").MustString(cfg.RedisAddr)
	cfg.RedisPassword = redis.Key("password").MustString(cfg.RedisPassword)
	cfg.RedisDB = redis.Key("db").MustInt(cfg.RedisDB)

	cfg.TorrentRoot = file.Section("torrent").Key("root").MustString(cfg.TorrentRoot)

	if mib := file.Section("upload").Key("part_size_mib").MustInt64(0); mib > 0 {
		cfg.PartSize = mib << 20
	}

	recovery := file.Section("recovery")
	if m := recovery.Key("scan_interval_minutes").MustInt(0); m > 0 {
		cfg.RecoveryInterval = time.Duration(m) * time.Minute
	}
	if m := recovery.Key("stale_threshold_minutes").MustInt(0); m > 0 {
		cfg.StaleThreshold = time.Duration(m) * time.Minute
	}
}

func applyEnv(cfg *Config) {
	if v := os.Getenv("TORRECLOU_REDIS_ADDR"); v != "" {
		cfg.RedisAddr = v
	}
	if v := os.Getenv("TORRECLOU_REDIS_PASSWORD"); v != "" {
		cfg.RedisPassword = v
	}
	if v := os.Getenv("TORRECLOU_DATABASE"); v != "" {
		cfg.DatabasePath = v
	}
	if v := os.Getenv("TORRECLOU_TORRENT_ROOT"); v != "" {
		cfg.TorrentRoot = v
	}
	if v := os.Getenv("TORRECLOU_QUEUES"); v != "" {
		cfg.Queues = splitList(v)
	}
}

// Validate checks the configuration and returns the first problem found.
func (cfg *Config) Validate() error {
	if strings.TrimSpace(cfg.DatabasePath) == "" {
		return ErrMissingDatabase
	}
	if strings.TrimSpace(cfg.RedisAddr) == "" {
		return ErrMissingRedisAddr
	}
	if strings.TrimSpace(cfg.TorrentRoot) == "" {
		return ErrMissingTorrentRoot
	}
	if cfg.WorkersPerQueue < 1 || cfg.WorkersPerQueue > 32 {
		return ErrInvalidWorkerCount
	}
	if cfg.PartSize < 5<<20 || cfg.PartSize > 1024<<20 {
		return ErrInvalidPartSize
	}
	if len(cfg.Queues) == 0 {
		return ErrNoQueues
	}
	for _, q := range cfg.Queues {
		if !isKnownQueue(q) {
			return fmt.Errorf("%w: %q", ErrUnknownQueue, q)
		}
	}
	return nil
}

// TaskDelay returns the delay before the given retry attempt (1-based).
// Attempts past the schedule reuse the last entry.
func (cfg *Config) TaskDelay(attempt int) time.Duration {
	if len(cfg.TaskDelays) == 0 {
		return time.Minute
	}
	if attempt < 1 {
		attempt = 1
	}
	if attempt > len(cfg.TaskDelays) {
		attempt = len(cfg.TaskDelays)
	}
	return cfg.TaskDelays[attempt-1]
}

func isKnownQueue(name string) bool {
	for _, q := range KnownQueues {
		if q == name {
			return true
		}
	}
	return false
}

func splitList(v string) []string {
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}
