package api

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"

	"github.com/disco-paas/disco/db"
	"github.com/disco-paas/disco/outputs"
	"github.com/disco-paas/disco/runner"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  32 * 1024,
	WriteBufferSize: 32 * 1024,
	// Origin enforcement happens through credentials, not the Origin header:
	// the CLI is not a browser.
	CheckOrigin: func(*http.Request) bool { return true },
}

type runView struct {
	Number  int       `json:"number"`
	Service string    `json:"service"`
	Command string    `json:"command"`
	Status  string    `json:"status"`
	Created time.Time `json:"created"`
}

func newRunView(run *db.CommandRun) runView {
	return runView{
		Number:  run.Number,
		Service: run.ServiceName,
		Command: run.Command,
		Status:  run.Status,
		Created: run.CreatedAt,
	}
}

func (s *Server) listRuns(c echo.Context) error {
	project, err := s.projectParam(c)
	if err != nil {
		return err
	}
	limit, _ := strconv.Atoi(c.QueryParam("limit"))
	runs, err := s.store.ListCommandRuns(project.ID, limit)
	if err != nil {
		return err
	}
	views := make([]runView, 0, len(runs))
	for i := range runs {
		views = append(views, newRunView(&runs[i]))
	}
	return c.JSON(http.StatusOK, views)
}

type createRunRequest struct {
	Service     string `json:"service"`
	Command     string `json:"command"`
	Timeout     int    `json:"timeout,omitempty"`
	Interactive bool   `json:"interactive,omitempty"`
	APIKeyEnv   bool   `json:"apiKeyEnv,omitempty"`
}

func (s *Server) createRun(c echo.Context) error {
	project, err := s.projectParam(c)
	if err != nil {
		return err
	}
	var req createRunRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if req.Service == "" || req.Command == "" {
		return echo.NewHTTPError(http.StatusUnprocessableEntity, "service and command are required")
	}
	var byKey *string
	if key := requestAPIKey(c); key != nil {
		byKey = &key.ID
	}

	run, start, err := s.runner.CreateCommandRun(c.Request().Context(), project, runner.CommandRunOptions{
		Service:       req.Service,
		Command:       req.Command,
		Timeout:       req.Timeout,
		Interactive:   req.Interactive,
		IncludeAPIKey: req.APIKeyEnv,
		ByAPIKeyID:    byKey,
	})
	if err != nil {
		return err
	}

	// Non-interactive runs start immediately and stream into their output
	// source; interactive ones wait for the attach endpoint.
	go func() {
		if err := start(context.Background()); err != nil {
			s.log.WithError(err).WithField("run", run.ID).Error("command run failed to start")
		}
	}()

	return c.JSON(http.StatusCreated, map[string]any{"run": newRunView(run)})
}

// runParam resolves :name/:number to a command run.
func (s *Server) runParam(c echo.Context) (*db.Project, *db.CommandRun, error) {
	project, err := s.projectParam(c)
	if err != nil {
		return nil, nil, err
	}
	number, err := strconv.Atoi(c.Param("number"))
	if err != nil {
		return nil, nil, echo.NewHTTPError(http.StatusBadRequest, "invalid run number")
	}
	run, err := s.store.GetCommandRunByNumber(project.ID, number)
	if err != nil {
		return nil, nil, err
	}
	return project, run, nil
}

func (s *Server) runOutput(c echo.Context) error {
	_, run, err := s.runParam(c)
	if err != nil {
		return err
	}
	return s.followOutput(c, outputs.RunSource(run.ID))
}

// attachRun bridges an interactive run's stdio over a websocket: binary
// frames both ways, a final text frame carrying the exit code.
func (s *Server) attachRun(c echo.Context) error {
	project, run, err := s.runParam(c)
	if err != nil {
		return err
	}
	if run.Status != db.CommandRunStatusCreated {
		return echo.NewHTTPError(http.StatusUnprocessableEntity,
			fmt.Sprintf("run %d is %s, only created runs attach", run.Number, run.Status))
	}

	conn, err := upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		return err
	}
	defer conn.Close()

	stdin := &wsFrameReader{conn: conn}
	stdout := &wsFrameWriter{conn: conn}
	exit, err := s.runner.AttachCommandRun(c.Request().Context(), project.Name, run, stdin, stdout)
	if err != nil {
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseInternalServerErr, err.Error()),
			time.Now().Add(5*time.Second))
		return nil
	}
	_ = stdout.writeJSON(map[string]any{"type": "exit", "code": exit})
	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(5*time.Second))
	return nil
}

// shell upgrades and hands the connection to the runner; authentication is a
// JWT in the first frame, so this route carries no basic auth.
func (s *Server) shell(c echo.Context) error {
	project, err := s.projectParam(c)
	if err != nil {
		return err
	}
	conn, err := upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		return err
	}
	defer conn.Close()
	if err := s.runner.Shell(c.Request().Context(), project, c.Param("service"), conn); err != nil {
		s.log.WithError(err).WithField("project", project.Name).Warn("shell session error")
	}
	return nil
}

// cgi forwards one HTTP request into an ephemeral container of a cgi-type
// service and relays the parsed script response.
func (s *Server) cgi(c echo.Context) error {
	project, err := s.projectParam(c)
	if err != nil {
		return err
	}
	body, err := io.ReadAll(c.Request().Body)
	if err != nil {
		return err
	}
	pathInfo := "/" + c.Param("*")

	resp, err := s.runner.RunCGI(c.Request().Context(), project, c.Param("service"), runner.CGIRequest{
		Method:      c.Request().Method,
		PathInfo:    pathInfo,
		QueryString: c.QueryString(),
		ContentType: c.Request().Header.Get(echo.HeaderContentType),
		Body:        body,
	})
	if err != nil {
		return err
	}
	for name, value := range resp.Headers {
		c.Response().Header().Set(name, value)
	}
	return c.Blob(resp.StatusCode, resp.Headers["Content-Type"], resp.Body)
}

// wsFrameReader exposes a websocket's binary frames as an io.Reader.
type wsFrameReader struct {
	conn *websocket.Conn
	buf  []byte
}

func (r *wsFrameReader) Read(p []byte) (int, error) {
	for len(r.buf) == 0 {
		messageType, data, err := r.conn.ReadMessage()
		if err != nil {
			return 0, io.EOF
		}
		if messageType != websocket.BinaryMessage {
			continue
		}
		r.buf = data
	}
	n := copy(p, r.buf)
	r.buf = r.buf[n:]
	return n, nil
}

// wsFrameWriter exposes a websocket as an io.Writer of binary frames. The
// mutex serializes the stdio copier against the final exit frame.
type wsFrameWriter struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func (w *wsFrameWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if err := w.conn.WriteMessage(websocket.BinaryMessage, p); err != nil {
		return 0, err
	}
	return len(p), nil
}

func (w *wsFrameWriter) writeJSON(v any) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.conn.WriteJSON(v)
}
