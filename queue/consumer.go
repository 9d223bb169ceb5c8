package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/disco-paas/disco/common"
	"github.com/disco-paas/disco/db"
)

// HandlerFunc processes one claimed task. The returned value is stored as the
// task result.
type HandlerFunc func(ctx context.Context, body json.RawMessage) (any, error)

// Consumer drains the queue: poll, claim, dispatch to the handler registered
// for the task name. Handler panics and errors mark the task FAILED with
// {"reason": "EXCEPTION"}; the loop always continues. Tasks are not retried.
type Consumer struct {
	queue    *Queue
	handlers map[string]HandlerFunc
	interval time.Duration
	log      *logrus.Logger
}

// NewConsumer creates a consumer polling at the given interval.
func NewConsumer(queue *Queue, interval time.Duration) *Consumer {
	if interval <= 0 {
		interval = 500 * time.Millisecond
	}
	return &Consumer{
		queue:    queue,
		handlers: map[string]HandlerFunc{},
		interval: interval,
		log:      common.Logger,
	}
}

// Register binds a handler to a task name. Handlers must be idempotent or
// tolerate re-drive.
func (c *Consumer) Register(name string, handler HandlerFunc) {
	c.handlers[name] = handler
}

// Run drains the queue until ctx is cancelled.
func (c *Consumer) Run(ctx context.Context) error {
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}

		for {
			task, err := c.queue.ClaimNext()
			if err != nil {
				c.log.WithError(err).Error("claiming task")
				break
			}
			if task == nil {
				break
			}
			c.process(ctx, task)
		}
	}
}

func (c *Consumer) process(ctx context.Context, task *db.Task) {
	log := c.log.WithFields(logrus.Fields{"task": task.ID, "name": task.Name})

	handler, ok := c.handlers[task.Name]
	if !ok {
		log.Error("no handler registered for task")
		if err := c.queue.Fail(task.ID, map[string]string{"reason": "NO_HANDLER"}); err != nil {
			log.WithError(err).Error("failing task")
		}
		return
	}

	result, err := c.run(ctx, handler, json.RawMessage(task.Body))
	if err != nil {
		log.WithError(err).Error("task failed")
		if ferr := c.queue.Fail(task.ID, map[string]string{"reason": "EXCEPTION"}); ferr != nil {
			log.WithError(ferr).Error("failing task")
		}
		return
	}

	if err := c.queue.Complete(task.ID, result); err != nil {
		log.WithError(err).Error("completing task")
	}
}

// run invokes the handler, converting panics into errors so one bad task
// never takes the consumer down.
func (c *Consumer) run(ctx context.Context, handler HandlerFunc, body json.RawMessage) (result any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic in task handler: %v", r)
		}
	}()
	return handler(ctx, body)
}
