// Package scheduler is the daemon's cooperative loop: fixed-cadence
// maintenance, per-project cron services derived from live deployments, and
// ad-hoc cancellable background tasks. One tick per UTC second.
package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/disco-paas/disco/common"
	"github.com/disco-paas/disco/db"
	"github.com/disco-paas/disco/security"
	"github.com/disco-paas/disco/swarm"
)

// Job is one registered maintenance function.
type Job struct {
	Name string
	Run  func(ctx context.Context) error
}

// Scheduler owns the tick loop and the three task collections.
type Scheduler struct {
	store  *db.Store
	driver *swarm.Driver
	crypto *security.Crypto
	log    *logrus.Logger

	mu      sync.Mutex
	crons   map[string]*projectCron
	pending []*queueTask
	running map[uint64]*queueTask
	nextID  uint64

	minuteJobs []Job
	hourJobs   []Job
	dayJobs    []Job
}

type queueTask struct {
	id     uint64
	fn     func(ctx context.Context)
	ctx    context.Context
	cancel context.CancelFunc
}

func New(store *db.Store, driver *swarm.Driver, crypto *security.Crypto) *Scheduler {
	return &Scheduler{
		store:   store,
		driver:  driver,
		crypto:  crypto,
		log:     common.Logger,
		crons:   map[string]*projectCron{},
		running: map[uint64]*queueTask{},
	}
}

// EveryMinute registers a maintenance job fired at each UTC minute boundary.
func (s *Scheduler) EveryMinute(name string, fn func(ctx context.Context) error) {
	s.minuteJobs = append(s.minuteJobs, Job{Name: name, Run: fn})
}

// EveryHour registers a maintenance job fired at each UTC hour boundary.
func (s *Scheduler) EveryHour(name string, fn func(ctx context.Context) error) {
	s.hourJobs = append(s.hourJobs, Job{Name: name, Run: fn})
}

// EveryDay registers a maintenance job fired at UTC midnight.
func (s *Scheduler) EveryDay(name string, fn func(ctx context.Context) error) {
	s.dayJobs = append(s.dayJobs, Job{Name: name, Run: fn})
}

// Enqueue schedules fn to run on the next tick and returns a handle usable
// with Cancel. Cancellation aborts the task's context, not any container it
// may have started.
func (s *Scheduler) Enqueue(fn func(ctx context.Context)) uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	ctx, cancel := context.WithCancel(context.Background())
	task := &queueTask{id: s.nextID, fn: fn, ctx: ctx, cancel: cancel}
	s.pending = append(s.pending, task)
	return task.id
}

// Cancel aborts a queued or running task.
func (s *Scheduler) Cancel(id uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, task := range s.pending {
		if task.id == id {
			task.cancel()
			s.pending = append(s.pending[:i], s.pending[i+1:]...)
			return
		}
	}
	if task, ok := s.running[id]; ok {
		task.cancel()
	}
}

// Run drives the loop until ctx is cancelled. Each iteration sleeps to the
// next UTC-second boundary, then fires whatever that second owes.
func (s *Scheduler) Run(ctx context.Context) error {
	for {
		now := time.Now().UTC()
		boundary := now.Truncate(time.Second).Add(time.Second)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(boundary.Sub(now)):
		}
		s.tick(ctx, time.Now().UTC())
	}
}

func (s *Scheduler) tick(ctx context.Context, now time.Time) {
	if now.Second() == 0 {
		s.fire(ctx, s.minuteJobs)
		if now.Minute() == 0 {
			s.fire(ctx, s.hourJobs)
			if now.Hour() == 0 {
				s.fire(ctx, s.dayJobs)
			}
		}
	}
	s.fireProjectCrons(ctx, now)
	s.drainQueue()
}

func (s *Scheduler) fire(ctx context.Context, jobs []Job) {
	for _, job := range jobs {
		job := job
		go func() {
			if err := job.Run(ctx); err != nil {
				s.log.WithError(err).WithField("job", job.Name).Error("maintenance job failed")
			}
		}()
	}
}

func (s *Scheduler) drainQueue() {
	s.mu.Lock()
	tasks := s.pending
	s.pending = nil
	for _, task := range tasks {
		s.running[task.id] = task
	}
	s.mu.Unlock()

	for _, task := range tasks {
		task := task
		go func() {
			defer func() {
				task.cancel()
				s.mu.Lock()
				delete(s.running, task.id)
				s.mu.Unlock()
			}()
			task.fn(task.ctx)
		}()
	}
}
