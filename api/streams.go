package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"

	"github.com/disco-paas/disco/outputs"
)

// sseHeaders prepares the response for server-sent events.
func sseHeaders(c echo.Context) (*echo.Response, http.Flusher) {
	resp := c.Response()
	resp.Header().Set(echo.HeaderContentType, "text/event-stream")
	resp.Header().Set("Cache-Control", "no-cache")
	resp.Header().Set("Connection", "keep-alive")
	resp.WriteHeader(http.StatusOK)
	flusher, _ := resp.Writer.(http.Flusher)
	return resp, flusher
}

// afterID reads the SSE resume position: Last-Event-ID header or ?after.
func afterID(c echo.Context) uint64 {
	raw := c.Request().Header.Get("Last-Event-ID")
	if raw == "" {
		raw = c.QueryParam("after")
	}
	id, _ := strconv.ParseUint(raw, 10, 64)
	return id
}

// followOutput streams an output source as SSE until its terminal record or
// client disconnect.
func (s *Server) followOutput(c echo.Context, source string) error {
	records, err := s.outputs.Follow(source, afterID(c), c.Request().Context().Done())
	if err != nil {
		return err
	}

	resp, flusher := sseHeaders(c)
	for record := range records {
		if record.Terminal() {
			fmt.Fprint(resp, "event: end\ndata: \n\n")
			if flusher != nil {
				flusher.Flush()
			}
			break
		}
		fmt.Fprintf(resp, "id: %d\ndata: %s\n\n", record.ID, *record.Text)
		if flusher != nil {
			flusher.Flush()
		}
	}
	return nil
}

func (s *Server) deploymentOutput(c echo.Context) error {
	_, deployment, err := s.deploymentParam(c)
	if err != nil {
		return err
	}
	return s.followOutput(c, outputs.DeploymentSource(deployment.ID))
}

// streamLogs serves the global log aggregator as SSE, optionally filtered by
// project and service query params.
func (s *Server) streamLogs(c echo.Context) error {
	entries, cancel, err := s.logs.Subscribe(c.QueryParam("project"), c.QueryParam("service"))
	if err != nil {
		return err
	}
	defer cancel()

	resp, flusher := sseHeaders(c)
	done := c.Request().Context().Done()
	for {
		select {
		case entry, ok := <-entries:
			if !ok {
				return nil
			}
			data, err := json.Marshal(entry)
			if err != nil {
				continue
			}
			fmt.Fprintf(resp, "data: %s\n\n", data)
			if flusher != nil {
				flusher.Flush()
			}
		case <-done:
			return nil
		}
	}
}
