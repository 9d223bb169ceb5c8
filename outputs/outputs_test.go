package outputs

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *Store {
	store, err := NewStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(store.Close)
	return store
}

func TestAppendAndRead(t *testing.T) {
	store := newTestStore(t)
	src := DeploymentSource("abc123")

	require.NoError(t, store.Append(src, "Starting deployment"))
	require.NoError(t, store.Append(src, "Building image"))
	require.NoError(t, store.Append(src, "Done"))

	records, err := store.ReadFrom(src, 0)
	require.NoError(t, err)
	require.Len(t, records, 3)

	// Monotonic contiguous ids, in order.
	for i, record := range records {
		assert.Equal(t, uint64(i+1), record.ID)
		assert.False(t, record.Terminal())
	}
	assert.Equal(t, "Starting deployment", *records[0].Text)
	assert.Equal(t, "Done", *records[2].Text)

	// ReadFrom resumes after a given id.
	tail, err := store.ReadFrom(src, 2)
	require.NoError(t, err)
	require.Len(t, tail, 1)
	assert.Equal(t, "Done", *tail[0].Text)
}

func TestTerminalSentinel(t *testing.T) {
	store := newTestStore(t)
	src := RunSource("run1")

	require.NoError(t, store.Append(src, "output line"))
	require.NoError(t, store.Terminate(src))

	records, err := store.ReadFrom(src, 0)
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.False(t, records[0].Terminal())
	assert.True(t, records[1].Terminal())
	assert.Nil(t, records[1].Text)
}

func TestFollow(t *testing.T) {
	store := newTestStore(t)
	src := DeploymentSource("follow-test")

	require.NoError(t, store.Append(src, "line 1"))

	stop := make(chan struct{})
	defer close(stop)
	ch, err := store.Follow(src, 0, stop)
	require.NoError(t, err)

	// Replay of existing records.
	record := <-ch
	assert.Equal(t, "line 1", *record.Text)

	// Live records arrive as appended.
	require.NoError(t, store.Append(src, "line 2"))
	select {
	case record = <-ch:
		assert.Equal(t, "line 2", *record.Text)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for live record")
	}

	// The sentinel ends the stream: channel closes after delivering it.
	require.NoError(t, store.Terminate(src))
	var last []Record
	for record := range ch {
		last = append(last, record)
	}
	require.NotEmpty(t, last)
	assert.True(t, last[len(last)-1].Terminal())
}

func TestFollowFromOffset(t *testing.T) {
	store := newTestStore(t)
	src := DeploymentSource("offset")

	for i := 1; i <= 5; i++ {
		require.NoError(t, store.Append(src, fmt.Sprintf("line %d", i)))
	}
	require.NoError(t, store.Terminate(src))

	stop := make(chan struct{})
	defer close(stop)
	ch, err := store.Follow(src, 3, stop)
	require.NoError(t, err)

	var texts []string
	for record := range ch {
		if !record.Terminal() {
			texts = append(texts, *record.Text)
		}
	}
	assert.Equal(t, []string{"line 4", "line 5"}, texts)
}

func TestEvictIdle(t *testing.T) {
	store := newTestStore(t)

	require.NoError(t, store.Append(DeploymentSource("a"), "x"))
	require.NoError(t, store.Append(DeploymentSource("b"), "y"))

	// Nothing is idle yet.
	assert.Equal(t, 0, store.EvictIdle(time.Minute))

	// With a zero TTL everything is idle.
	assert.Equal(t, 2, store.EvictIdle(0))

	// Data survives eviction; the database reopens lazily.
	records, err := store.ReadFrom(DeploymentSource("a"), 0)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, "x", *records[0].Text)
}

func TestEvictIdleSixHourWindow(t *testing.T) {
	store := newTestStore(t)

	require.NoError(t, store.Append(DeploymentSource("stale"), "x"))
	store.sources[DeploymentSource("stale")].lastUsed = time.Now().Add(-IdleTTL - time.Minute)
	require.NoError(t, store.Append(DeploymentSource("busy"), "y"))

	// A source idle past the six-hour window goes; a recently used one stays.
	assert.Equal(t, 1, store.EvictIdle(IdleTTL))
	_, open := store.sources[DeploymentSource("stale")]
	assert.False(t, open)
	_, open = store.sources[DeploymentSource("busy")]
	assert.True(t, open)
}

func TestDelete(t *testing.T) {
	store := newTestStore(t)
	src := RunSource("gone")

	require.NoError(t, store.Append(src, "x"))
	require.NoError(t, store.Delete(src))

	records, err := store.ReadFrom(src, 0)
	require.NoError(t, err)
	assert.Empty(t, records)
}
