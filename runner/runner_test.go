package runner

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/disco-paas/disco/db"
	"github.com/disco-paas/disco/manifest"
	"github.com/disco-paas/disco/swarm"
)

func TestParseCGIResponse(t *testing.T) {
	tests := []struct {
		name   string
		output string
		status int
		reason string
		header map[string]string
		body   string
	}{
		{
			name:   "minimal",
			output: "status: 200 OK\r\n\r\nhello",
			status: 200,
			reason: "OK",
			header: map[string]string{},
			body:   "hello",
		},
		{
			name:   "headers and body",
			output: "Status: 201 Created\r\nContent-Type: application/json\r\nX-Request-Id: abc\r\n\r\n{\"ok\":true}",
			status: 201,
			reason: "Created",
			header: map[string]string{"Content-Type": "application/json", "X-Request-Id": "abc"},
			body:   `{"ok":true}`,
		},
		{
			name:   "bare lf endings",
			output: "status: 404 Not Found\nContent-Type: text/plain\n\ngone",
			status: 404,
			reason: "Not Found",
			header: map[string]string{"Content-Type": "text/plain"},
			body:   "gone",
		},
		{
			name:   "no reason phrase",
			output: "STATUS: 204\r\n\r\n",
			status: 204,
			reason: "",
			header: map[string]string{},
			body:   "",
		},
		{
			name:   "empty body",
			output: "status: 500 Internal Server Error\r\n\r\n",
			status: 500,
			reason: "Internal Server Error",
			header: map[string]string{},
			body:   "",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, err := ParseCGIResponse([]byte(tt.output))
			require.NoError(t, err)
			assert.Equal(t, tt.status, resp.StatusCode)
			assert.Equal(t, tt.reason, resp.Reason)
			assert.Equal(t, tt.header, resp.Headers)
			assert.Equal(t, tt.body, string(resp.Body))
		})
	}
}

func TestParseCGIResponseMalformed(t *testing.T) {
	tests := []struct {
		name   string
		output string
	}{
		{"empty", ""},
		{"no separator", "status: 200 OK\r\nbody without blank line"},
		{"missing status line", "Content-Type: text/plain\r\n\r\nbody"},
		{"non-numeric status", "status: abc OK\r\n\r\n"},
		{"status out of range", "status: 42 Wat\r\n\r\n"},
		{"header without colon", "status: 200 OK\r\nbroken header\r\n\r\nbody"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseCGIResponse([]byte(tt.output))
			require.Error(t, err)
			var cgiErr *CGIResponseError
			require.ErrorAs(t, err, &cgiErr)
			assert.Equal(t, tt.output, string(cgiErr.Output))
		})
	}
}

func TestCGIEnv(t *testing.T) {
	env := cgiEnv(CGIRequest{
		Method:      "POST",
		PathInfo:    "/hooks/build",
		QueryString: "force=1",
		ContentType: "application/json",
		Body:        []byte(`{"ref":"main"}`),
	})

	assert.Contains(t, env, "CONTENT_LENGTH=14")
	assert.Contains(t, env, "CONTENT_TYPE=application/json")
	assert.Contains(t, env, "GATEWAY_INTERFACE=CGI/1.1")
	assert.Contains(t, env, "PATH_INFO=/hooks/build")
	assert.Contains(t, env, "QUERY_STRING=force=1")
	assert.Contains(t, env, "REQUEST_METHOD=POST")
	assert.Contains(t, env, "SERVER_PROTOCOL=HTTP/1.1")
	assert.Contains(t, env, "SERVER_PORT=80")
	assert.Contains(t, env, "SERVER_SOFTWARE=Disco")
}

func TestShellArgs(t *testing.T) {
	m, err := manifest.Parse([]byte(`{"version":"1.0","services":{"web":{}}}`))
	require.NoError(t, err)
	target := &target{
		project:    &db.Project{ID: "p1", Name: "blog"},
		deployment: &db.Deployment{ID: "d1", Number: 3},
		manifest:   m,
	}

	args := shellArgs("blog-shell.abc", "disco/project-blog-web:3", target, []string{"FOO=1"})

	assert.Equal(t, "run", args[0])
	assert.Contains(t, args, "--rm")
	assert.Contains(t, args, "--tty")
	assert.Contains(t, args, "--interactive")
	assert.Contains(t, args, "blog-shell.abc")
	assert.Contains(t, args, "blog-network-3")
	assert.Contains(t, args, "FOO=1")
	assert.Contains(t, args, "--cpus")
	assert.Contains(t, args, "0.5")
	assert.Contains(t, args, "--memory")
	assert.Contains(t, args, "512m")
	assert.Contains(t, args, "--log-driver")
	assert.Contains(t, args, "none")
	assert.Contains(t, args, swarm.LabelShell+"=true")

	// image then /bin/sh close the invocation
	assert.Equal(t, "/bin/sh", args[len(args)-1])
	assert.Equal(t, "disco/project-blog-web:3", args[len(args)-2])
}

func TestImageFor(t *testing.T) {
	m, err := manifest.Parse([]byte(`{
		"version": "1.0",
		"images": {"pinned": {"pull": "postgres:16"}},
		"services": {
			"web": {"port": 8000},
			"pg": {"image": "pinned", "command": "postgres"},
			"assets": {"type": "static", "publicPath": "dist"}
		}
	}`))
	require.NoError(t, err)
	r := &Runner{driver: swarm.NewDriver(swarm.NewMockClient(), "", "", "")}
	tgt := &target{
		project:    &db.Project{ID: "p1", Name: "blog"},
		deployment: &db.Deployment{ID: "d1", Number: 3},
		manifest:   m,
	}

	img, err := r.imageFor(tgt, "web")
	require.NoError(t, err)
	assert.Equal(t, "disco/project-blog-default:3", img)

	img, err = r.imageFor(tgt, "pg")
	require.NoError(t, err)
	assert.Equal(t, "postgres:16", img)

	_, err = r.imageFor(tgt, "nope")
	assert.ErrorIs(t, err, db.ErrNotFound)

	// Static services never build an image; runs against them are rejected.
	_, err = r.imageFor(tgt, "assets")
	assert.ErrorIs(t, err, db.ErrConflict)
}

func TestLineSink(t *testing.T) {
	var lines []string
	sink := &lineSink{emit: func(line string) { lines = append(lines, line) }}

	_, err := sink.Write([]byte("first li"))
	require.NoError(t, err)
	_, err = sink.Write([]byte("ne\r\nsecond line\npartial"))
	require.NoError(t, err)

	assert.Equal(t, []string{"first line", "second line"}, lines)

	sink.flush()
	assert.Equal(t, []string{"first line", "second line", "partial"}, lines)
}
