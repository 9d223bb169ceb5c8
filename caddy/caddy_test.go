package caddy

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/disco-paas/disco/common"
)

type adminCall struct {
	Method string
	Path   string
	Body   string
}

func testDriver(t *testing.T, handler http.HandlerFunc) (*Driver, *[]adminCall) {
	calls := &[]adminCall{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw, _ := io.ReadAll(r.Body)
		*calls = append(*calls, adminCall{Method: r.Method, Path: r.URL.Path, Body: string(raw)})
		handler(w, r)
	}))
	t.Cleanup(srv.Close)
	return &Driver{
		http:       srv.Client(),
		base:       srv.URL,
		daemonAddr: "disco:2380",
		log:        common.Logger,
	}, calls
}

func TestUpsertProjectRoutePatchesExisting(t *testing.T) {
	driver, calls := testDriver(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	err := driver.UpsertProjectRoute(context.Background(), "blog",
		[]string{"blog.example.com"}, StaticUpstream("blog", 1))
	require.NoError(t, err)

	require.Len(t, *calls, 1)
	call := (*calls)[0]
	assert.Equal(t, http.MethodPatch, call.Method)
	assert.Equal(t, "/id/disco-project-blog", call.Path)

	var route Route
	require.NoError(t, json.Unmarshal([]byte(call.Body), &route))
	assert.Equal(t, "disco-project-blog", route.ID)
	assert.True(t, route.Terminal)
	require.Len(t, route.Match, 1)
	assert.Equal(t, []string{"blog.example.com"}, route.Match[0].Host)

	require.Len(t, route.Handle, 1)
	sub := route.Handle[0]
	assert.Equal(t, "subroute", sub.Handler)
	require.Len(t, sub.Routes, 2)

	// Daemon passthrough first, web upstream as fallback.
	passthrough := sub.Routes[0]
	require.Len(t, passthrough.Match, 1)
	assert.Equal(t, []string{"/.disco*"}, passthrough.Match[0].Path)
	assert.Equal(t, "disco:2380", passthrough.Handle[0].Upstreams[0].Dial)

	fallback := sub.Routes[1]
	assert.Equal(t, "disco-project-handler-blog", fallback.ID)
	assert.Equal(t, "file_server", fallback.Handle[0].Handler)
	assert.Equal(t, "/disco/srv/blog/1", fallback.Handle[0].Root)
}

func TestUpsertProjectRouteAppendsWhenAbsent(t *testing.T) {
	driver, calls := testDriver(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPatch {
			w.WriteHeader(http.StatusInternalServerError)
			_, _ = w.Write([]byte(`{"error":"unknown object id 'disco-project-blog'"}`))
			return
		}
		w.WriteHeader(http.StatusOK)
	})

	err := driver.UpsertProjectRoute(context.Background(), "blog",
		[]string{"blog.example.com"}, StaticUpstream("blog", 1))
	require.NoError(t, err)

	require.Len(t, *calls, 2)
	assert.Equal(t, http.MethodPost, (*calls)[1].Method)
	assert.Equal(t, serverRoutesPath, (*calls)[1].Path)
}

func TestPointToContainer(t *testing.T) {
	driver, calls := testDriver(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	require.NoError(t, driver.PointToContainer(context.Background(), "blog", "blog-web.4", 8000))

	require.Len(t, *calls, 1)
	call := (*calls)[0]
	assert.Equal(t, http.MethodPatch, call.Method)
	assert.Equal(t, "/id/disco-project-handler-blog", call.Path)

	var route Route
	require.NoError(t, json.Unmarshal([]byte(call.Body), &route))
	assert.Equal(t, "disco-project-handler-blog", route.ID)
	require.Len(t, route.Handle, 1)
	assert.Equal(t, "reverse_proxy", route.Handle[0].Handler)
	assert.Equal(t, "blog-web.4:8000", route.Handle[0].Upstreams[0].Dial)
}

func TestRemoveProjectRouteToleratesAbsent(t *testing.T) {
	driver, _ := testDriver(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})

	assert.NoError(t, driver.RemoveProjectRoute(context.Background(), "blog"))
}

func TestApexWWWRedirect(t *testing.T) {
	driver, calls := testDriver(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	err := driver.AddApexWWWRedirect(context.Background(), "dom1", "www.example.com", "example.com")
	require.NoError(t, err)

	require.Len(t, *calls, 1)
	call := (*calls)[0]
	assert.Equal(t, "/id/disco-redirect-dom1", call.Path)

	var route Route
	require.NoError(t, json.Unmarshal([]byte(call.Body), &route))
	assert.Equal(t, []string{"www.example.com"}, route.Match[0].Host)
	handler := route.Handle[0]
	assert.Equal(t, "static_response", handler.Handler)
	assert.Equal(t, 308, handler.StatusCode)
	assert.Equal(t, []string{"https://example.com{http.request.uri}"}, handler.Headers["Location"])
}

func TestProxyErrorSurfaced(t *testing.T) {
	driver, _ := testDriver(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte("invalid route"))
	})

	err := driver.PointToStatic(context.Background(), "blog", 2)
	require.Error(t, err)
	var proxyErr *ProxyError
	require.ErrorAs(t, err, &proxyErr)
	assert.Equal(t, http.StatusBadRequest, proxyErr.Status)
	assert.Equal(t, "invalid route", proxyErr.Body)
}
