package api

import (
	"io"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
)

// receiveWebhook is the GitHub-App ingress. Authentication is the HMAC
// signature; the body is enqueued untouched for the worker.
func (s *Server) receiveWebhook(c echo.Context) error {
	body, err := io.ReadAll(c.Request().Body)
	if err != nil {
		return err
	}
	header := c.Request().Header
	err = s.hooks.Receive(c.Request().Context(),
		header.Get("X-GitHub-Hook-Installation-Target-Type"),
		header.Get("X-GitHub-Hook-Installation-Target-Id"),
		header.Get("X-GitHub-Event"),
		header.Get("X-Hub-Signature-256"),
		body,
	)
	if err != nil {
		return err
	}
	return c.NoContent(http.StatusAccepted)
}

type tunnelView struct {
	ID      string `json:"id"`
	Service string `json:"service"`
	Port    int    `json:"port"`
	Expires string `json:"expires"`
}

func (s *Server) createTunnel(c echo.Context) error {
	project, err := s.projectParam(c)
	if err != nil {
		return err
	}
	var req struct {
		Service string `json:"service"`
		Port    int    `json:"port"`
	}
	if err := c.Bind(&req); err != nil || req.Service == "" || req.Port == 0 {
		return echo.NewHTTPError(http.StatusUnprocessableEntity, "service and port are required")
	}
	tunnel, err := s.tunnels.Create(c.Request().Context(), project, req.Service, req.Port)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusCreated, map[string]any{"tunnel": tunnelView{
		ID:      tunnel.ID,
		Service: tunnel.Service,
		Port:    tunnel.Port,
		Expires: tunnel.ExpiresAt.Format(time.RFC3339),
	}})
}

func (s *Server) renewTunnel(c echo.Context) error {
	tunnel, err := s.tunnels.Renew(c.Param("id"))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, map[string]any{"tunnel": tunnelView{
		ID:      tunnel.ID,
		Service: tunnel.Service,
		Port:    tunnel.Port,
		Expires: tunnel.ExpiresAt.Format(time.RFC3339),
	}})
}

func (s *Server) closeTunnel(c echo.Context) error {
	if err := s.tunnels.Close(c.Request().Context(), c.Param("id")); err != nil {
		return err
	}
	return c.NoContent(http.StatusNoContent)
}
