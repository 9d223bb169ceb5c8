package loghub

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/disco-paas/disco/common"
	"github.com/disco-paas/disco/db"
	"github.com/disco-paas/disco/manifest"
	"github.com/disco-paas/disco/swarm"
)

// TunnelTTL is the lifetime of a tunnel service between renewals. Clients
// renew while connected; the minute sweep removes what nobody renews.
const TunnelTTL = 15 * time.Minute

// tunnelSSHPort is the port the tunnel image's SSH daemon listens on.
const tunnelSSHPort = 2222

// Tunnel is one active SSH tunnel service reaching into a project network.
type Tunnel struct {
	ID        string
	Project   string
	Service   string
	Name      string // swarm service name
	Port      int    // published host port
	ExpiresAt time.Time
}

// TunnelsHub owns the active-tunnel registry: creation, renewal and the two
// sweeps (expiry every minute, rogue services every hour).
type TunnelsHub struct {
	store  *db.Store
	driver *swarm.Driver
	image  string
	log    *logrus.Logger

	mu     sync.Mutex
	active map[string]*Tunnel
}

// NewTunnelsHub creates the hub. image is the SSH server image tunnels run.
func NewTunnelsHub(store *db.Store, driver *swarm.Driver, image string) *TunnelsHub {
	return &TunnelsHub{
		store:  store,
		driver: driver,
		image:  image,
		log:    common.Logger,
		active: map[string]*Tunnel{},
	}
}

// Create spins up a tunnel service attached to the project's live network,
// publishing its SSH daemon on the given host port.
func (h *TunnelsHub) Create(ctx context.Context, project *db.Project, service string, publishPort int) (*Tunnel, error) {
	live, err := h.store.GetLiveDeployment(project.ID)
	if err != nil {
		return nil, fmt.Errorf("%w: must deploy first", db.ErrConflict)
	}
	if live.DiscoFile != nil {
		m, err := manifest.Parse([]byte(*live.DiscoFile))
		if err != nil {
			return nil, err
		}
		if _, ok := m.Services[service]; !ok {
			return nil, fmt.Errorf("%w: no service named %q", db.ErrNotFound, service)
		}
	}

	id := db.NewID()
	tunnel := &Tunnel{
		ID:        id,
		Project:   project.Name,
		Service:   service,
		Name:      fmt.Sprintf("%s-tunnel.%s", project.Name, id),
		Port:      publishPort,
		ExpiresAt: time.Now().UTC().Add(TunnelTTL),
	}

	_, err = h.driver.CreateService(ctx, swarm.ServiceConfig{
		Name:     tunnel.Name,
		Image:    h.image,
		Replicas: 1,
		Networks: []string{swarm.NetworkName(project.Name, live.Number)},
		Labels: map[string]string{
			swarm.LabelProjectName: project.Name,
			swarm.LabelTunnel:      "true",
		},
		PublishedPorts: []swarm.PortMapping{{
			PublishedAs:   uint32(publishPort),
			ContainerPort: tunnelSSHPort,
		}},
	})
	if err != nil {
		return nil, err
	}

	h.mu.Lock()
	h.active[id] = tunnel
	h.mu.Unlock()

	h.log.WithFields(logrus.Fields{
		"project": project.Name,
		"service": service,
		"tunnel":  tunnel.Name,
		"port":    publishPort,
	}).Info("tunnel created")
	return tunnel, nil
}

// Renew pushes a tunnel's expiry forward. Unknown ids report not found so
// clients learn their tunnel was swept.
func (h *TunnelsHub) Renew(id string) (*Tunnel, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	tunnel, ok := h.active[id]
	if !ok {
		return nil, fmt.Errorf("%w: tunnel %s", db.ErrNotFound, id)
	}
	tunnel.ExpiresAt = time.Now().UTC().Add(TunnelTTL)
	return tunnel, nil
}

// Close removes a tunnel immediately.
func (h *TunnelsHub) Close(ctx context.Context, id string) error {
	h.mu.Lock()
	tunnel, ok := h.active[id]
	if ok {
		delete(h.active, id)
	}
	h.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: tunnel %s", db.ErrNotFound, id)
	}
	return h.driver.RemoveService(ctx, tunnel.Name)
}

// SweepExpired removes tunnels past their expiry. Runs on the minute tick.
func (h *TunnelsHub) SweepExpired(ctx context.Context, now time.Time) error {
	h.mu.Lock()
	var expired []*Tunnel
	for id, tunnel := range h.active {
		if now.After(tunnel.ExpiresAt) {
			expired = append(expired, tunnel)
			delete(h.active, id)
		}
	}
	h.mu.Unlock()

	for _, tunnel := range expired {
		if err := h.driver.RemoveService(ctx, tunnel.Name); err != nil {
			h.log.WithError(err).WithField("tunnel", tunnel.Name).Warn("expired tunnel not removed")
			continue
		}
		h.log.WithField("tunnel", tunnel.Name).Info("expired tunnel removed")
	}
	return nil
}

// SweepRogue removes tunnel-labelled services absent from the registry, the
// leftovers of a daemon restart. Runs on the hour tick.
func (h *TunnelsHub) SweepRogue(ctx context.Context) error {
	services, err := h.driver.ListLabeledServices(ctx, swarm.LabelTunnel)
	if err != nil {
		return err
	}

	h.mu.Lock()
	known := make(map[string]bool, len(h.active))
	for _, tunnel := range h.active {
		known[tunnel.Name] = true
	}
	h.mu.Unlock()

	for _, svc := range services {
		if known[svc.Name] {
			continue
		}
		if err := h.driver.RemoveService(ctx, svc.Name); err != nil {
			h.log.WithError(err).WithField("tunnel", svc.Name).Warn("rogue tunnel not removed")
			continue
		}
		h.log.WithField("tunnel", svc.Name).Info("rogue tunnel removed")
	}
	return nil
}

// Active returns a snapshot of the registry, for the status endpoint.
func (h *TunnelsHub) Active() []Tunnel {
	h.mu.Lock()
	defer h.mu.Unlock()
	tunnels := make([]Tunnel, 0, len(h.active))
	for _, tunnel := range h.active {
		tunnels = append(tunnels, *tunnel)
	}
	return tunnels
}
