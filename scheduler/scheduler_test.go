package scheduler

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/disco-paas/disco/manifest"
	"github.com/disco-paas/disco/swarm"
)

func testScheduler() (*Scheduler, *swarm.MockClient) {
	mock := swarm.NewMockClient()
	return New(nil, swarm.NewDriver(mock, "", "", ""), nil), mock
}

func parseManifest(t *testing.T, data string) *manifest.Manifest {
	m, err := manifest.Parse([]byte(data))
	require.NoError(t, err)
	return m
}

func TestApplyAddsCrons(t *testing.T) {
	s, _ := testScheduler()
	now := time.Date(2024, 5, 1, 12, 0, 30, 0, time.UTC)

	m := parseManifest(t, `{"version":"1.0","services":{
		"worker":{"type":"cron","schedule":"*/5 * * * *","command":"run-job","image":"default"}
	},"images":{"default":{"pull":"alpine"}}}`)
	s.apply("api", 3, m, []string{"FOO=1"}, "", now)

	c, ok := s.crons["api/worker"]
	require.True(t, ok)
	assert.Equal(t, "alpine", c.Image)
	assert.Equal(t, "run-job", c.Command)
	assert.Contains(t, c.Env, "FOO=1")
	assert.Contains(t, c.Env, "DISCO_SERVICE_NAME=worker")
	assert.Equal(t, []string{"api-network-3"}, c.Networks)
	assert.False(t, c.Paused)
	// */5: next firing after 12:00:30 is 12:05:00.
	assert.Equal(t, time.Date(2024, 5, 1, 12, 5, 0, 0, time.UTC), c.Next)
}

func TestApplyScheduleChangeResetsNext(t *testing.T) {
	s, _ := testScheduler()
	now := time.Date(2024, 5, 1, 12, 0, 30, 0, time.UTC)

	five := parseManifest(t, `{"version":"1.0","services":{
		"worker":{"type":"cron","schedule":"*/5 * * * *","command":"x","image":"default"}
	},"images":{"default":{"pull":"alpine"}}}`)
	s.apply("api", 1, five, nil, "", now)
	firstNext := s.crons["api/worker"].Next

	// Same schedule text: next fire survives the reload.
	s.apply("api", 2, five, nil, "", now.Add(time.Minute))
	assert.Equal(t, firstNext, s.crons["api/worker"].Next)
	assert.Equal(t, 2, s.crons["api/worker"].Number, "image and number update in place")

	// Changed schedule text: next fire recomputes.
	every := parseManifest(t, `{"version":"1.0","services":{
		"worker":{"type":"cron","schedule":"* * * * *","command":"x","image":"default"}
	},"images":{"default":{"pull":"alpine"}}}`)
	s.apply("api", 3, every, nil, "", now.Add(time.Minute))
	assert.Equal(t, time.Date(2024, 5, 1, 12, 2, 0, 0, time.UTC), s.crons["api/worker"].Next)
}

func TestApplyRemovesDisappearedCrons(t *testing.T) {
	s, _ := testScheduler()
	now := time.Now().UTC()

	withCron := parseManifest(t, `{"version":"1.0","services":{
		"worker":{"type":"cron","schedule":"* * * * *","command":"x","image":"default"}
	},"images":{"default":{"pull":"alpine"}}}`)
	s.apply("api", 1, withCron, nil, "", now)
	require.Contains(t, s.crons, "api/worker")

	withoutCron := parseManifest(t, `{"version":"1.0","services":{"web":{}}}`)
	s.apply("api", 2, withoutCron, nil, "", now)
	assert.NotContains(t, s.crons, "api/worker")
}

func TestPauseAndResume(t *testing.T) {
	s, mock := testScheduler()
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

	m := parseManifest(t, `{"version":"1.0","services":{
		"worker":{"type":"cron","schedule":"* * * * *","command":"x","image":"default"}
	},"images":{"default":{"pull":"alpine"}}}`)
	s.apply("api", 1, m, nil, "", now)
	s.PauseProjectCrons("api")

	due := s.crons["api/worker"].Next.Add(time.Second)
	s.fireProjectCrons(context.Background(), due)
	assert.False(t, mock.ContainerCreateCalled, "paused cron must not fire")

	// apply clears the paused flag.
	s.apply("api", 1, m, nil, "", now)
	assert.False(t, s.crons["api/worker"].Paused)
}

func TestFireAdvancesNext(t *testing.T) {
	s, _ := testScheduler()
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

	m := parseManifest(t, `{"version":"1.0","services":{
		"worker":{"type":"cron","schedule":"* * * * *","command":"x","image":"default"}
	},"images":{"default":{"pull":"alpine"}}}`)
	s.apply("api", 1, m, nil, "", now)
	first := s.crons["api/worker"].Next

	s.fireProjectCrons(context.Background(), first)
	assert.True(t, s.crons["api/worker"].Next.After(first))
}

func TestQueueTaskRunsAndCancels(t *testing.T) {
	s, _ := testScheduler()

	var ran atomic.Bool
	done := make(chan struct{})
	s.Enqueue(func(ctx context.Context) {
		ran.Store(true)
		close(done)
	})
	s.drainQueue()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("queued task never ran")
	}
	assert.True(t, ran.Load())

	// Cancel before drain: the task never runs.
	var cancelled atomic.Bool
	id := s.Enqueue(func(ctx context.Context) {
		cancelled.Store(true)
	})
	s.Cancel(id)
	s.drainQueue()
	time.Sleep(50 * time.Millisecond)
	assert.False(t, cancelled.Load())

	// Cancel during run: the task's context aborts.
	aborted := make(chan struct{})
	started := make(chan uint64, 1)
	runningID := s.Enqueue(func(ctx context.Context) {
		started <- 1
		<-ctx.Done()
		close(aborted)
	})
	s.drainQueue()
	<-started
	s.Cancel(runningID)
	select {
	case <-aborted:
	case <-time.After(time.Second):
		t.Fatal("running task context was not cancelled")
	}
}

func TestMaintenanceCadence(t *testing.T) {
	s, _ := testScheduler()

	var minutes, hours, days atomic.Int32
	s.EveryMinute("m", func(ctx context.Context) error { minutes.Add(1); return nil })
	s.EveryHour("h", func(ctx context.Context) error { hours.Add(1); return nil })
	s.EveryDay("d", func(ctx context.Context) error { days.Add(1); return nil })

	ctx := context.Background()
	s.tick(ctx, time.Date(2024, 5, 1, 12, 30, 15, 0, time.UTC)) // mid-minute: nothing
	s.tick(ctx, time.Date(2024, 5, 1, 12, 30, 0, 0, time.UTC))  // minute boundary
	s.tick(ctx, time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC))   // hour boundary
	s.tick(ctx, time.Date(2024, 5, 2, 0, 0, 0, 0, time.UTC))    // midnight

	assert.Eventually(t, func() bool {
		return minutes.Load() == 3 && hours.Load() == 2 && days.Load() == 1
	}, time.Second, 10*time.Millisecond)
}
