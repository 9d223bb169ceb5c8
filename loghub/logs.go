// Package loghub holds the daemon-lifetime registries behind log streaming,
// tunnels and syslog forwarding: a UDP log intake fanning out to followers,
// the active-tunnel set with its expiry sweeps, and the logspout reconciler.
package loghub

import (
	"encoding/json"
	"net"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/disco-paas/disco/common"
	"github.com/disco-paas/disco/swarm"
)

// Retention bounds the in-memory log ring. Followers that connect late see
// at most this much history.
const Retention = time.Hour

// subscriberBuffer is the per-follower channel depth; a stalled follower
// drops lines rather than blocking the intake.
const subscriberBuffer = 256

// Entry is one log line received on the UDP intake, as the forwarder emits
// it: a JSON datagram per line.
type Entry struct {
	Timestamp time.Time         `json:"timestamp"`
	Message   string            `json:"message"`
	Container string            `json:"container"`
	Labels    map[string]string `json:"labels"`
}

// Project returns the project label stamped on the originating container.
func (e Entry) Project() string { return e.Labels[swarm.LabelProjectName] }

// Service returns the service label stamped on the originating container.
func (e Entry) Service() string { return e.Labels[swarm.LabelServiceName] }

type logSubscriber struct {
	project string // empty matches all projects
	service string // empty matches all services
	ch      chan Entry
}

func (s *logSubscriber) matches(e Entry) bool {
	if s.project != "" && e.Project() != s.project {
		return false
	}
	if s.service != "" && e.Service() != s.service {
		return false
	}
	return true
}

// LogsHub receives log datagrams and fans them out to followers. The UDP
// listener runs on demand: it starts with the first subscriber and stops
// with the last, so idle daemons bind nothing.
type LogsHub struct {
	addr string
	log  *logrus.Logger

	mu      sync.Mutex
	entries []Entry
	subs    map[*logSubscriber]struct{}
	conn    *net.UDPConn
}

// NewLogsHub creates a hub listening (on demand) on addr, e.g. ":5140".
func NewLogsHub(addr string) *LogsHub {
	return &LogsHub{
		addr: addr,
		log:  common.Logger,
		subs: map[*logSubscriber]struct{}{},
	}
}

// Subscribe registers a follower filtered by project and service (either may
// be empty for no filtering). Retained entries matching the filter are
// replayed first. The returned cancel func must be called exactly once.
func (h *LogsHub) Subscribe(project, service string) (<-chan Entry, func(), error) {
	sub := &logSubscriber{
		project: project,
		service: service,
		ch:      make(chan Entry, subscriberBuffer),
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	if h.conn == nil {
		if err := h.listen(); err != nil {
			return nil, nil, err
		}
	}
	for _, e := range h.entries {
		if sub.matches(e) {
			select {
			case sub.ch <- e:
			default:
			}
		}
	}
	h.subs[sub] = struct{}{}

	cancel := func() {
		h.mu.Lock()
		defer h.mu.Unlock()
		if _, ok := h.subs[sub]; !ok {
			return
		}
		delete(h.subs, sub)
		close(sub.ch)
		if len(h.subs) == 0 && h.conn != nil {
			_ = h.conn.Close()
			h.conn = nil
		}
	}
	return sub.ch, cancel, nil
}

// listen binds the intake socket and starts the read loop. Caller holds mu.
func (h *LogsHub) listen() error {
	udpAddr, err := net.ResolveUDPAddr("udp", h.addr)
	if err != nil {
		return err
	}
	conn, err := net.ListenUDP("udp", udpAddr)
	if err != nil {
		return err
	}
	h.conn = conn
	h.log.WithField("addr", h.addr).Info("log intake listening")

	go h.read(conn)
	return nil
}

func (h *LogsHub) read(conn *net.UDPConn) {
	buf := make([]byte, 64*1024)
	for {
		n, _, err := conn.ReadFromUDP(buf)
		if err != nil {
			// Closed by the last unsubscribe; anything else is also fatal
			// for this listener, a new subscriber re-binds.
			h.mu.Lock()
			if h.conn == conn {
				h.conn = nil
			}
			h.mu.Unlock()
			return
		}
		var entry Entry
		if err := json.Unmarshal(buf[:n], &entry); err != nil {
			h.log.WithError(err).Debug("log datagram not decodable")
			continue
		}
		if entry.Timestamp.IsZero() {
			entry.Timestamp = time.Now().UTC()
		}
		h.publish(entry)
	}
}

func (h *LogsHub) publish(entry Entry) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.entries = append(h.entries, entry)
	h.evictLocked(time.Now().UTC())
	for sub := range h.subs {
		if !sub.matches(entry) {
			continue
		}
		select {
		case sub.ch <- entry:
		default:
			// Slow follower: drop the line for them, never stall intake.
		}
	}
}

// EvictOld drops retained entries older than Retention. The hourly
// maintenance cron calls this so the ring shrinks even with no traffic.
func (h *LogsHub) EvictOld(now time.Time) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.evictLocked(now)
}

func (h *LogsHub) evictLocked(now time.Time) {
	cutoff := now.Add(-Retention)
	keep := 0
	for keep < len(h.entries) && h.entries[keep].Timestamp.Before(cutoff) {
		keep++
	}
	if keep > 0 {
		h.entries = append([]Entry{}, h.entries[keep:]...)
	}
}

// Active reports whether the intake socket is currently bound.
func (h *LogsHub) Active() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.conn != nil
}

// Addr returns the bound intake address, or nil while idle. With an
// OS-assigned port this is how the daemon learns where to point the
// forwarder.
func (h *LogsHub) Addr() net.Addr {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.conn == nil {
		return nil
	}
	return h.conn.LocalAddr()
}
