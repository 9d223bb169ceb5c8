package runner

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/disco-paas/disco/db"
	"github.com/disco-paas/disco/manifest"
	"github.com/disco-paas/disco/swarm"
)

// CGITTL is generous: CGI containers are removed synchronously after the
// response; the label only covers crashes between create and remove.
const CGITTL = time.Hour

// CGIRequest is one HTTP request forwarded to a cgi-type service.
type CGIRequest struct {
	Method      string
	PathInfo    string
	QueryString string
	ContentType string
	Body        []byte
	Timeout     int
}

// CGIResponse is the parsed script output.
type CGIResponse struct {
	StatusCode int
	Reason     string
	Headers    map[string]string
	Body       []byte
}

// CGIResponseError reports script output that does not follow the CGI
// response shape. The raw output travels with it so callers can surface it.
type CGIResponseError struct {
	Reason string
	Output []byte
}

func (e *CGIResponseError) Error() string {
	return "malformed cgi response: " + e.Reason
}

// RunCGI spawns an ephemeral container for a cgi-type service, pipes the
// request body to its stdin with the CGI/1.1 environment set, and parses the
// script's stdout into a response.
func (r *Runner) RunCGI(ctx context.Context, project *db.Project, service string, req CGIRequest) (*CGIResponse, error) {
	t, err := r.resolveTarget(project)
	if err != nil {
		return nil, err
	}
	svc, ok := t.manifest.Services[service]
	if !ok {
		return nil, fmt.Errorf("%w: no service named %q", db.ErrNotFound, service)
	}
	if svc.Type != manifest.TypeCGI {
		return nil, fmt.Errorf("%w: service %q is not a cgi service", db.ErrConflict, service)
	}
	image, err := r.imageFor(t, service)
	if err != nil {
		return nil, err
	}
	env, err := r.containerEnv(t, service)
	if err != nil {
		return nil, err
	}
	env = append(env, cgiEnv(req)...)

	timeout := req.Timeout
	if timeout <= 0 {
		timeout = svc.Timeout
	}
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, time.Duration(timeout)*time.Second)
		defer cancel()
	}

	cfg := swarm.ContainerConfig{
		Name:    swarm.CGIContainerName(project.Name, db.NewID()),
		Image:   image,
		Env:     env,
		Network: swarm.NetworkName(project.Name, t.deployment.Number),
		Labels:  swarm.EphemeralLabels(project.Name, swarm.LabelCGI, time.Now().UTC().Add(CGITTL)),
	}
	if svc.Command != "" {
		cfg.Command = []string{"/bin/sh", "-c", svc.Command}
	}

	out, err := r.driver.RunAttached(ctx, cfg, bytes.NewReader(req.Body))
	if err != nil {
		return nil, err
	}
	resp, err := ParseCGIResponse(out.Stdout)
	if err != nil {
		r.log.WithField("project", project.Name).WithField("service", service).
			Warn("cgi script produced malformed output")
		return nil, err
	}
	return resp, nil
}

// cgiEnv builds the RFC 3875 request meta-variables.
func cgiEnv(req CGIRequest) []string {
	return []string{
		"CONTENT_LENGTH=" + strconv.Itoa(len(req.Body)),
		"CONTENT_TYPE=" + req.ContentType,
		"GATEWAY_INTERFACE=CGI/1.1",
		"PATH_INFO=" + req.PathInfo,
		"QUERY_STRING=" + req.QueryString,
		"REQUEST_METHOD=" + req.Method,
		"SERVER_PROTOCOL=HTTP/1.1",
		"SERVER_PORT=80",
		"SERVER_SOFTWARE=Disco",
	}
}

// ParseCGIResponse splits script output into status line, headers and body:
//
//	status: <code> <reason>\r\n
//	<Header>: <value>\r\n
//	\r\n
//	<body>
//
// The status keyword is case-insensitive. Bare-LF line endings are accepted.
func ParseCGIResponse(output []byte) (*CGIResponse, error) {
	head, body, found := bytes.Cut(output, []byte("\r\n\r\n"))
	if !found {
		head, body, found = bytes.Cut(output, []byte("\n\n"))
	}
	if !found {
		return nil, &CGIResponseError{Reason: "no header/body separator", Output: output}
	}

	scanner := bufio.NewScanner(bytes.NewReader(head))
	if !scanner.Scan() {
		return nil, &CGIResponseError{Reason: "empty header block", Output: output}
	}
	statusLine := strings.TrimRight(scanner.Text(), "\r")
	key, rest, ok := strings.Cut(statusLine, ":")
	if !ok || !strings.EqualFold(strings.TrimSpace(key), "status") {
		return nil, &CGIResponseError{Reason: "missing status line", Output: output}
	}
	codeText, reason, _ := strings.Cut(strings.TrimSpace(rest), " ")
	code, err := strconv.Atoi(codeText)
	if err != nil || code < 100 || code > 599 {
		return nil, &CGIResponseError{Reason: "invalid status code " + codeText, Output: output}
	}

	headers := map[string]string{}
	for scanner.Scan() {
		line := strings.TrimRight(scanner.Text(), "\r")
		if line == "" {
			continue
		}
		name, value, ok := strings.Cut(line, ":")
		if !ok {
			return nil, &CGIResponseError{Reason: "malformed header line " + strconv.Quote(line), Output: output}
		}
		headers[strings.TrimSpace(name)] = strings.TrimSpace(value)
	}

	return &CGIResponse{
		StatusCode: code,
		Reason:     strings.TrimSpace(reason),
		Headers:    headers,
		Body:       body,
	}, nil
}
