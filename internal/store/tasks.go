package store

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"
)

// TaskStatus is the runtime-level state of a background task. These are the
// states the recovery supervisor reconciles against.
type TaskStatus string

const (
	TaskEnqueued   TaskStatus = "Enqueued"
	TaskScheduled  TaskStatus = "Scheduled"
	TaskProcessing TaskStatus = "Processing"
	TaskSucceeded  TaskStatus = "Succeeded"
	TaskFailed     TaskStatus = "Failed"
	TaskDeleted    TaskStatus = "Deleted"
)

// BackgroundTask is one durable execution envelope. The stage semantics live
// in the payload; the runtime only tracks attempts and scheduling.
type BackgroundTask struct {
	ID      string `gorm:"primaryKey;size:64"`
	Queue   string `gorm:"index;size:32"`
	Type    string `gorm:"size:64"`
	Payload string

	Status      TaskStatus `gorm:"index;size:16"`
	Attempt     int
	MaxAttempts int
	NextRunAt   time.Time `gorm:"index"`
	LastError   string

	CreatedAt time.Time
	UpdatedAt time.Time
}

// EnqueueTask inserts a task ready to run.
func (s *Store) EnqueueTask(ctx context.Context, t *BackgroundTask) error {
	if t.Status == "" {
		t.Status = TaskEnqueued
	}
	if t.NextRunAt.IsZero() {
		t.NextRunAt = time.Now().UTC()
	}
	return s.db.WithContext(ctx).Create(t).Error
}

// TaskByID loads a task; returns nil if the row is gone.
func (s *Store) TaskByID(ctx context.Context, id string) (*BackgroundTask, error) {
	var t BackgroundTask
	err := s.db.WithContext(ctx).First(&t, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &t, nil
}

// ClaimDueTask atomically claims the oldest due task on one of the given
// queues, moving it to Processing. Returns nil when nothing is due. The
// claim is an optimistic status-guarded update, so parallel runtimes never
// execute the same attempt twice.
func (s *Store) ClaimDueTask(ctx context.Context, queues []string, now time.Time) (*BackgroundTask, error) {
	var claimed *BackgroundTask
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var t BackgroundTask
		err := tx.
			Where("queue IN ?", queues).
			Where("status IN ?", []TaskStatus{TaskEnqueued, TaskScheduled}).
			Where("next_run_at <= ?", now).
			Order("next_run_at asc").
			First(&t).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil
		}
		if err != nil {
			return err
		}

		res := tx.Model(&BackgroundTask{}).
			Where("id = ? AND status = ?", t.ID, t.Status).
			Updates(map[string]interface{}{
				"status":  TaskProcessing,
				"attempt": t.Attempt + 1,
			})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			// Lost the race to another runtime; caller polls again.
			return nil
		}
		t.Status = TaskProcessing
		t.Attempt++
		claimed = &t
		return nil
	})
	return claimed, err
}

// RescheduleTask moves a Processing task back to Scheduled for a later
// attempt.
func (s *Store) RescheduleTask(ctx context.Context, id string, runAt time.Time, lastError string) error {
	return s.db.WithContext(ctx).Model(&BackgroundTask{}).Where("id = ?", id).
		Updates(map[string]interface{}{
			"status":      TaskScheduled,
			"next_run_at": runAt,
			"last_error":  lastError,
		}).Error
}

// FinishTask marks a task terminally Succeeded or Failed.
func (s *Store) FinishTask(ctx context.Context, id string, status TaskStatus, lastError string) error {
	return s.db.WithContext(ctx).Model(&BackgroundTask{}).Where("id = ?", id).
		Updates(map[string]interface{}{
			"status":     status,
			"last_error": lastError,
		}).Error
}

// DeleteTask tombstones a task (admin/cleanup path).
func (s *Store) DeleteTask(ctx context.Context, id string) error {
	return s.db.WithContext(ctx).Model(&BackgroundTask{}).Where("id = ?", id).
		Update("status", TaskDeleted).Error
}
