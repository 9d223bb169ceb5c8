// Package caddy drives the reverse proxy through its admin API. The proxy's
// JSON config is the source of truth; the driver holds no state and every
// operation is an idempotent upsert or delete against a stable object id.
package caddy

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/docker/go-connections/sockets"
	"github.com/sirupsen/logrus"

	"github.com/disco-paas/disco/common"
)

// serverRoutesPath is where project routes live in the proxy config. The
// bootstrap config names the single HTTP server "disco".
const serverRoutesPath = "/config/apps/http/servers/disco/routes"

// ProxyError is a non-2xx admin API response.
type ProxyError struct {
	Status int
	Body   string
}

func (e *ProxyError) Error() string {
	return fmt.Sprintf("proxy admin API returned %d: %s", e.Status, e.Body)
}

// Driver talks to the proxy admin endpoint over its unix socket.
type Driver struct {
	http       *http.Client
	base       string
	daemonAddr string
	log        *logrus.Logger
}

// NewDriver connects to the admin socket. daemonAddr is the dial address of
// the disco daemon itself, used for the /.disco passthrough subroute.
func NewDriver(socketPath, daemonAddr string) (*Driver, error) {
	transport := &http.Transport{}
	if err := sockets.ConfigureTransport(transport, "unix", socketPath); err != nil {
		return nil, fmt.Errorf("configuring proxy admin transport: %w", err)
	}
	return &Driver{
		http:       &http.Client{Transport: transport, Timeout: 10 * time.Second},
		base:       "http://caddy",
		daemonAddr: daemonAddr,
		log:        common.Logger,
	}, nil
}

// NewDriverWithClient builds a driver over an explicit HTTP client and base
// URL, for admin endpoints not reached through the unix socket (tests, TCP).
func NewDriverWithClient(client *http.Client, base, daemonAddr string) *Driver {
	return &Driver{
		http:       client,
		base:       base,
		daemonAddr: daemonAddr,
		log:        common.Logger,
	}
}

// UpsertProjectRoute PUTs the whole route object for a project: its domains,
// the daemon passthrough and the web upstream. Replacement is atomic on the
// proxy side.
func (d *Driver) UpsertProjectRoute(ctx context.Context, project string, domains []string, upstream Handler) error {
	route := projectRoute(project, domains, d.daemonAddr, upstream)
	return d.upsert(ctx, RouteID(project), route)
}

// RemoveProjectRoute deletes a project's route. Absent routes are fine.
func (d *Driver) RemoveProjectRoute(ctx context.Context, project string) error {
	return d.remove(ctx, RouteID(project))
}

// PointToContainer swaps the project's web upstream to a Swarm service
// without touching the rest of the route object. This is the cutover step.
func (d *Driver) PointToContainer(ctx context.Context, project, service string, port int) error {
	return d.do(ctx, http.MethodPatch, "/id/"+HandlerID(project), handlerRoute(project, ContainerUpstream(service, port)))
}

// PointToStatic swaps the project's web upstream to the static files of a
// deployment.
func (d *Driver) PointToStatic(ctx context.Context, project string, number int) error {
	return d.do(ctx, http.MethodPatch, "/id/"+HandlerID(project), handlerRoute(project, StaticUpstream(project, number)))
}

// AddApexWWWRedirect publishes a 308 redirect from one half of an apex/www
// pair to the other. domainID keys the route so the redirect follows its
// owning domain record.
func (d *Driver) AddApexWWWRedirect(ctx context.Context, domainID, from, to string) error {
	return d.upsert(ctx, RedirectID(domainID), redirectRoute(domainID, from, to))
}

// RemoveApexWWWRedirect withdraws a domain's redirect if one is published.
func (d *Driver) RemoveApexWWWRedirect(ctx context.Context, domainID string) error {
	return d.remove(ctx, RedirectID(domainID))
}

// upsert replaces the object at id, appending a new route when the id does
// not exist yet.
func (d *Driver) upsert(ctx context.Context, id string, route Route) error {
	err := d.do(ctx, http.MethodPatch, "/id/"+id, route)
	if isUnknownID(err) {
		return d.do(ctx, http.MethodPost, serverRoutesPath, route)
	}
	return err
}

func (d *Driver) remove(ctx context.Context, id string) error {
	err := d.do(ctx, http.MethodDelete, "/id/"+id, nil)
	if isUnknownID(err) {
		return nil
	}
	return err
}

func (d *Driver) do(ctx context.Context, method, path string, body any) error {
	var reader io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encoding proxy config: %w", err)
		}
		reader = bytes.NewReader(encoded)
	}
	req, err := http.NewRequestWithContext(ctx, method, d.base+path, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := d.http.Do(req)
	if err != nil {
		return fmt.Errorf("proxy admin API unreachable: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return &ProxyError{Status: resp.StatusCode, Body: strings.TrimSpace(string(raw))}
	}
	return nil
}

// isUnknownID reports whether err is the admin API rejecting an id it has no
// object for. The API answers 404, or 500 with an "unknown object id" body,
// depending on the path form.
func isUnknownID(err error) bool {
	proxyErr, ok := err.(*ProxyError)
	if !ok {
		return false
	}
	if proxyErr.Status == http.StatusNotFound {
		return true
	}
	return strings.Contains(strings.ToLower(proxyErr.Body), "unknown object id")
}
