package loghub

import (
	"context"
	"encoding/json"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/disco-paas/disco/db"
	"github.com/disco-paas/disco/swarm"
)

func sendDatagram(t *testing.T, addr net.Addr, entry Entry) {
	t.Helper()
	conn, err := net.Dial("udp", addr.String())
	require.NoError(t, err)
	defer conn.Close()
	data, err := json.Marshal(entry)
	require.NoError(t, err)
	_, err = conn.Write(data)
	require.NoError(t, err)
}

func TestLogsHubFanOut(t *testing.T) {
	hub := NewLogsHub("127.0.0.1:0")

	all, cancelAll, err := hub.Subscribe("", "")
	require.NoError(t, err)
	defer cancelAll()
	blogOnly, cancelBlog, err := hub.Subscribe("blog", "")
	require.NoError(t, err)
	defer cancelBlog()

	require.True(t, hub.Active())
	addr := hub.Addr()
	require.NotNil(t, addr)

	sendDatagram(t, addr, Entry{
		Message:   "request served",
		Container: "api-web.3.xyz",
		Labels: map[string]string{
			swarm.LabelProjectName: "api",
			swarm.LabelServiceName: "web",
		},
	})

	select {
	case entry := <-all:
		assert.Equal(t, "request served", entry.Message)
		assert.Equal(t, "api", entry.Project())
		assert.Equal(t, "web", entry.Service())
		assert.False(t, entry.Timestamp.IsZero())
	case <-time.After(2 * time.Second):
		t.Fatal("unfiltered subscriber received nothing")
	}
	select {
	case entry := <-blogOnly:
		t.Fatalf("blog subscriber received foreign entry: %+v", entry)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestLogsHubStopsWithLastSubscriber(t *testing.T) {
	hub := NewLogsHub("127.0.0.1:0")

	_, cancelA, err := hub.Subscribe("", "")
	require.NoError(t, err)
	_, cancelB, err := hub.Subscribe("", "")
	require.NoError(t, err)
	require.True(t, hub.Active())

	cancelA()
	assert.True(t, hub.Active())
	cancelB()
	assert.False(t, hub.Active())
	assert.Nil(t, hub.Addr())

	// Double cancel is a no-op.
	cancelB()
}

func TestLogsHubReplaysRetained(t *testing.T) {
	hub := NewLogsHub("127.0.0.1:0")
	hub.entries = []Entry{
		{Timestamp: time.Now().UTC(), Message: "older", Labels: map[string]string{swarm.LabelProjectName: "blog"}},
		{Timestamp: time.Now().UTC(), Message: "other project", Labels: map[string]string{swarm.LabelProjectName: "api"}},
	}

	ch, cancel, err := hub.Subscribe("blog", "")
	require.NoError(t, err)
	defer cancel()

	select {
	case entry := <-ch:
		assert.Equal(t, "older", entry.Message)
	default:
		t.Fatal("retained entry not replayed")
	}
	select {
	case entry := <-ch:
		t.Fatalf("foreign retained entry replayed: %+v", entry)
	default:
	}
}

func TestLogsHubEviction(t *testing.T) {
	now := time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)
	hub := NewLogsHub("127.0.0.1:0")
	hub.entries = []Entry{
		{Timestamp: now.Add(-2 * time.Hour), Message: "stale"},
		{Timestamp: now.Add(-30 * time.Minute), Message: "recent"},
		{Timestamp: now, Message: "fresh"},
	}

	hub.EvictOld(now)

	require.Len(t, hub.entries, 2)
	assert.Equal(t, "recent", hub.entries[0].Message)
	assert.Equal(t, "fresh", hub.entries[1].Message)
}

func tunnelRig(t *testing.T) (*TunnelsHub, *swarm.MockClient) {
	t.Helper()
	mock := swarm.NewMockClient()
	driver := swarm.NewDriver(mock, "", "", "")
	return NewTunnelsHub(nil, driver, "linuxserver/openssh-server:latest"), mock
}

func addMockTunnelService(driver *swarm.Driver, name string) {
	_, _ = driver.CreateService(context.Background(), swarm.ServiceConfig{
		Name:     name,
		Image:    "linuxserver/openssh-server:latest",
		Replicas: 1,
		Labels: map[string]string{
			swarm.LabelProjectName: "blog",
			swarm.LabelTunnel:      "true",
		},
	})
}

func TestTunnelSweepExpired(t *testing.T) {
	hub, mock := tunnelRig(t)
	now := time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)

	addMockTunnelService(hub.driver, "blog-tunnel.aaa")
	addMockTunnelService(hub.driver, "blog-tunnel.bbb")
	hub.active = map[string]*Tunnel{
		"aaa": {ID: "aaa", Project: "blog", Name: "blog-tunnel.aaa", ExpiresAt: now.Add(-time.Minute)},
		"bbb": {ID: "bbb", Project: "blog", Name: "blog-tunnel.bbb", ExpiresAt: now.Add(10 * time.Minute)},
	}

	require.NoError(t, hub.SweepExpired(context.Background(), now))

	assert.NotContains(t, mock.Services, "blog-tunnel.aaa")
	assert.Contains(t, mock.Services, "blog-tunnel.bbb")
	assert.NotContains(t, hub.active, "aaa")
	assert.Contains(t, hub.active, "bbb")
}

func TestTunnelSweepRogue(t *testing.T) {
	hub, mock := tunnelRig(t)

	addMockTunnelService(hub.driver, "blog-tunnel.known")
	addMockTunnelService(hub.driver, "blog-tunnel.orphan")
	// A labelled-but-unrelated service must survive the sweep.
	_, err := hub.driver.CreateService(context.Background(), swarm.ServiceConfig{
		Name:     "blog-web.3",
		Image:    "nginx",
		Replicas: 1,
		Labels:   map[string]string{swarm.LabelProjectName: "blog"},
	})
	require.NoError(t, err)
	hub.active = map[string]*Tunnel{
		"known": {ID: "known", Project: "blog", Name: "blog-tunnel.known", ExpiresAt: time.Now().Add(time.Hour)},
	}

	require.NoError(t, hub.SweepRogue(context.Background()))

	assert.Contains(t, mock.Services, "blog-tunnel.known")
	assert.NotContains(t, mock.Services, "blog-tunnel.orphan")
	assert.Contains(t, mock.Services, "blog-web.3")
}

func TestTunnelRenew(t *testing.T) {
	hub, _ := tunnelRig(t)
	hub.active = map[string]*Tunnel{
		"aaa": {ID: "aaa", Name: "blog-tunnel.aaa", ExpiresAt: time.Now().UTC()},
	}

	before := hub.active["aaa"].ExpiresAt
	renewed, err := hub.Renew("aaa")
	require.NoError(t, err)
	assert.True(t, renewed.ExpiresAt.After(before))

	_, err = hub.Renew("missing")
	assert.ErrorIs(t, err, db.ErrNotFound)
}

func TestSyslogRouteURL(t *testing.T) {
	assert.Equal(t,
		"syslog+tls://logs.example.com:6514?filter.labels=disco.log.core:true",
		routeURL(db.SyslogEntry{URL: "syslog+tls://logs.example.com:6514", Type: db.SyslogTypeCore}))
	assert.Equal(t,
		"syslog://drain.example.com:514",
		routeURL(db.SyslogEntry{URL: "syslog://drain.example.com:514", Type: db.SyslogTypeGlobal}))
}
