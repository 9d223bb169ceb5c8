package loghub

import (
	"context"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/disco-paas/disco/common"
	"github.com/disco-paas/disco/db"
	"github.com/disco-paas/disco/swarm"
)

// The forwarder service. One global logspout instance routes container
// output to every configured syslog drain.
const (
	syslogServiceName = "disco-syslog"
	logspoutImage     = "gliderlabs/logspout:latest"
	dockerSocket      = "/var/run/docker.sock"
)

// SyslogsHub reconciles the logspout forwarder service against the
// SYSLOG_URLS runtime setting.
type SyslogsHub struct {
	store  *db.Store
	driver *swarm.Driver
	log    *logrus.Logger

	mu sync.Mutex
}

func NewSyslogsHub(store *db.Store, driver *swarm.Driver) *SyslogsHub {
	return &SyslogsHub{store: store, driver: driver, log: common.Logger}
}

// Watch re-reconciles whenever the syslog URL list changes.
func (h *SyslogsHub) Watch(ctx context.Context) {
	h.store.SubscribeValues(func(key string, _ *string) {
		if key != db.KeySyslogURLs {
			return
		}
		if err := h.Reconcile(ctx); err != nil {
			h.log.WithError(err).Error("syslog reconcile failed")
		}
	})
}

// Reconcile makes the forwarder service match the configured drains: absent
// when the list is empty, otherwise recreated with the current route set.
// CORE drains are narrowed to platform containers via a label filter.
func (h *SyslogsHub) Reconcile(ctx context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	entries, err := h.store.GetSyslogEntries()
	if err != nil {
		return err
	}

	// Recreate from scratch: logspout takes its routes as command args, so
	// any change means a new service anyway.
	if err := h.driver.RemoveService(ctx, syslogServiceName); err != nil {
		return err
	}
	if len(entries) == 0 {
		h.log.Info("no syslog drains configured, forwarder removed")
		return nil
	}

	routes := make([]string, 0, len(entries))
	for _, entry := range entries {
		routes = append(routes, routeURL(entry))
	}

	_, err = h.driver.CreateService(ctx, swarm.ServiceConfig{
		Name:     syslogServiceName,
		Image:    logspoutImage,
		Command:  append([]string{"/bin/logspout"}, routes...),
		Replicas: 1,
		Labels: map[string]string{
			swarm.LabelLogCore: "true",
		},
		Binds: []swarm.BindMapping{{
			Source:      dockerSocket,
			Destination: "/var/run/docker.sock",
		}},
	})
	if err != nil {
		return err
	}
	h.log.WithField("drains", len(entries)).Info("syslog forwarder reconciled")
	return nil
}

// routeURL appends the platform-only label filter to CORE drains.
func routeURL(entry db.SyslogEntry) string {
	if entry.Type == db.SyslogTypeCore {
		return entry.URL + "?filter.labels=" + swarm.LabelLogCore + ":true"
	}
	return entry.URL
}
