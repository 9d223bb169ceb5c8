// Package queue is the durable FIFO of typed tasks consumed by the worker
// process. Tasks live in the primary store; claiming flips the oldest QUEUED
// row to PROCESSING inside the transaction that reads it, so each task is
// handled by exactly one worker even with several consumers running.
package queue

import (
	"encoding/json"
	"errors"
	"fmt"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/disco-paas/disco/db"
)

// Task names dispatched through the queue.
const (
	TaskProcessDeployment    = "PROCESS_DEPLOYMENT"
	TaskProcessGithubWebhook = "PROCESS_GITHUB_WEBHOOK"
)

// Queue wraps the tasks table.
type Queue struct {
	gdb *gorm.DB
}

// New creates a queue on the primary store.
func New(store *db.Store) *Queue {
	return &Queue{gdb: store.DB()}
}

// Enqueue writes a QUEUED task with a JSON body.
func (q *Queue) Enqueue(name string, body any) (*db.Task, error) {
	data, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("encoding task body: %w", err)
	}
	task := &db.Task{
		ID:     db.NewID(),
		Name:   name,
		Status: db.TaskStatusQueued,
		Body:   string(data),
	}
	if err := q.gdb.Create(task).Error; err != nil {
		return nil, fmt.Errorf("enqueuing task: %w", err)
	}
	return task, nil
}

// ClaimNext atomically selects the oldest QUEUED task and marks it
// PROCESSING. Returns nil when the queue is empty.
func (q *Queue) ClaimNext() (*db.Task, error) {
	var task db.Task
	err := q.gdb.Transaction(func(tx *gorm.DB) error {
		err := tx.Clauses(clause.Locking{Strength: "UPDATE", Options: "SKIP LOCKED"}).
			Where("status = ?", db.TaskStatusQueued).
			Order("created_at").
			First(&task).Error
		if err != nil {
			return err
		}
		return tx.Model(&db.Task{}).
			Where("id = ?", task.ID).
			Update("status", db.TaskStatusProcessing).Error
	})
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("claiming task: %w", err)
	}
	task.Status = db.TaskStatusProcessing
	return &task, nil
}

// Complete marks a task COMPLETED with a result. Calling it on a task that
// already reached a terminal status is a no-op.
func (q *Queue) Complete(taskID string, result any) error {
	return q.finish(taskID, db.TaskStatusCompleted, result)
}

// Fail marks a task FAILED with a result. Idempotent like Complete.
func (q *Queue) Fail(taskID string, result any) error {
	return q.finish(taskID, db.TaskStatusFailed, result)
}

func (q *Queue) finish(taskID, status string, result any) error {
	var resultJSON *string
	if result != nil {
		data, err := json.Marshal(result)
		if err != nil {
			return fmt.Errorf("encoding task result: %w", err)
		}
		s := string(data)
		resultJSON = &s
	}
	// Only a non-terminal task can be finished; a second call matches no row.
	err := q.gdb.Model(&db.Task{}).
		Where("id = ? AND status IN ?", taskID,
			[]string{db.TaskStatusQueued, db.TaskStatusProcessing}).
		Updates(map[string]any{"status": status, "result": resultJSON}).Error
	if err != nil {
		return fmt.Errorf("finishing task: %w", err)
	}
	return nil
}

// Get fetches a task by id.
func (q *Queue) Get(taskID string) (*db.Task, error) {
	var task db.Task
	if err := q.gdb.Where("id = ?", taskID).First(&task).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, db.ErrNotFound
		}
		return nil, err
	}
	return &task, nil
}
