package caddy

import (
	"fmt"
	"strconv"
)

// Route is a node of the proxy's JSON route tree. Objects carry an "@id" so
// they can be addressed directly through the admin API.
type Route struct {
	ID       string    `json:"@id,omitempty"`
	Match    []Match   `json:"match,omitempty"`
	Handle   []Handler `json:"handle,omitempty"`
	Terminal bool      `json:"terminal,omitempty"`
}

// Match narrows a route to hosts or path prefixes.
type Match struct {
	Host []string `json:"host,omitempty"`
	Path []string `json:"path,omitempty"`
}

// Handler is the union of the handler modules disco emits: subroute,
// reverse_proxy, file_server and static_response.
type Handler struct {
	Handler    string              `json:"handler"`
	Routes     []Route             `json:"routes,omitempty"`
	Upstreams  []Upstream          `json:"upstreams,omitempty"`
	Root       string              `json:"root,omitempty"`
	StatusCode int                 `json:"status_code,omitempty"`
	Headers    map[string][]string `json:"headers,omitempty"`
}

// Upstream is one reverse_proxy backend.
type Upstream struct {
	Dial string `json:"dial"`
}

// RouteID returns the stable id of a project's route object.
func RouteID(project string) string {
	return "disco-project-" + project
}

// HandlerID returns the stable id of the project's web-upstream subroute.
func HandlerID(project string) string {
	return "disco-project-handler-" + project
}

// RedirectID returns the stable id of a domain's apex/www redirect route.
func RedirectID(domainID string) string {
	return "disco-redirect-" + domainID
}

// ContainerUpstream points a project's web traffic at a Swarm service.
func ContainerUpstream(service string, port int) Handler {
	return Handler{
		Handler:   "reverse_proxy",
		Upstreams: []Upstream{{Dial: service + ":" + strconv.Itoa(port)}},
	}
}

// StaticUpstream serves a project's web traffic from the deployment's
// published static files.
func StaticUpstream(project string, number int) Handler {
	return Handler{
		Handler: "file_server",
		Root:    StaticSiteRoot(project, number),
	}
}

// StaticSiteRoot returns the path the deploy pipeline copies a static site to.
func StaticSiteRoot(project string, number int) string {
	return fmt.Sprintf("/disco/srv/%s/%d", project, number)
}

// projectRoute builds the whole route object for a project: a subroute
// passing /.disco traffic to the daemon, then the web upstream as fallback.
// The fallback carries its own id so cutover can swap it without touching the
// rest of the object.
func projectRoute(project string, domains []string, daemonAddr string, upstream Handler) Route {
	return Route{
		ID:    RouteID(project),
		Match: []Match{{Host: domains}},
		Handle: []Handler{{
			Handler: "subroute",
			Routes: []Route{
				{
					Match: []Match{{Path: []string{"/.disco*"}}},
					Handle: []Handler{{
						Handler:   "reverse_proxy",
						Upstreams: []Upstream{{Dial: daemonAddr}},
					}},
				},
				handlerRoute(project, upstream),
			},
		}},
		Terminal: true,
	}
}

func handlerRoute(project string, upstream Handler) Route {
	return Route{
		ID:     HandlerID(project),
		Handle: []Handler{upstream},
	}
}

func redirectRoute(domainID, from, to string) Route {
	return Route{
		ID:    RedirectID(domainID),
		Match: []Match{{Host: []string{from}}},
		Handle: []Handler{{
			Handler:    "static_response",
			StatusCode: 308,
			Headers: map[string][]string{
				"Location": {"https://" + to + "{http.request.uri}"},
			},
		}},
		Terminal: true,
	}
}
