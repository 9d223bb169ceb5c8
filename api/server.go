// Package api binds the daemon's HTTP surface: project and deployment
// management, command runs, the shell and tunnel websockets, the CGI
// endpoint, log streaming and the GitHub webhook ingress.
package api

import (
	"context"
	"fmt"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/sirupsen/logrus"

	"github.com/disco-paas/disco/common"
	"github.com/disco-paas/disco/config"
	"github.com/disco-paas/disco/db"
	"github.com/disco-paas/disco/deploy"
	"github.com/disco-paas/disco/github"
	"github.com/disco-paas/disco/loghub"
	"github.com/disco-paas/disco/outputs"
	"github.com/disco-paas/disco/runner"
	"github.com/disco-paas/disco/security"
)

// Server is the daemon's HTTP frontend.
type Server struct {
	echo    *echo.Echo
	cfg     *config.Config
	store   *db.Store
	engine  *deploy.Engine
	runner  *runner.Runner
	hooks   *github.Webhooks
	outputs *outputs.Store
	logs    *loghub.LogsHub
	tunnels *loghub.TunnelsHub
	jwt     *security.JWTService
	origins *corsOrigins
	log     *logrus.Logger
}

// Params carries the server's dependencies.
type Params struct {
	Config  *config.Config
	Store   *db.Store
	Engine  *deploy.Engine
	Runner  *runner.Runner
	Hooks   *github.Webhooks
	Outputs *outputs.Store
	Logs    *loghub.LogsHub
	Tunnels *loghub.TunnelsHub
	JWT     *security.JWTService
}

// NewServer builds the echo app with its middleware stack and routes.
func NewServer(p Params) (*Server, error) {
	origins, err := newCORSOrigins(p.Store)
	if err != nil {
		return nil, err
	}

	s := &Server{
		cfg:     p.Config,
		store:   p.Store,
		engine:  p.Engine,
		runner:  p.Runner,
		hooks:   p.Hooks,
		outputs: p.Outputs,
		logs:    p.Logs,
		tunnels: p.Tunnels,
		jwt:     p.JWT,
		origins: origins,
		log:     common.Logger,
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.HTTPErrorHandler = HTTPErrorHandler
	e.Use(middleware.Recover())
	e.Use(middleware.RequestID())
	e.Use(s.requestLogger())
	if p.Config.HTTP.BodyLimit != "" {
		e.Use(middleware.BodyLimit(p.Config.HTTP.BodyLimit))
	}
	e.Use(middleware.CORSWithConfig(middleware.CORSConfig{
		AllowOriginFunc: origins.allow,
		AllowMethods: []string{
			http.MethodGet, http.MethodPost, http.MethodPut,
			http.MethodDelete, http.MethodOptions,
		},
		AllowHeaders: []string{
			echo.HeaderOrigin, echo.HeaderContentType,
			echo.HeaderAccept, echo.HeaderAuthorization,
		},
	}))

	s.echo = e
	s.routes()
	return s, nil
}

func (s *Server) routes() {
	e := s.echo

	// Unauthenticated surface: health, the webhook ingress (HMAC-guarded),
	// invite consumption (the invitee holds no key yet) and the shell
	// websocket (JWT in the first frame).
	e.GET("/health", s.health)
	e.POST("/.webhooks/github-apps", s.receiveWebhook)
	e.POST("/api/api-key-invites/:id", s.consumeInvite)
	e.GET("/api/projects/:name/shell/:service", s.shell)

	api := e.Group("/api", APIKeyAuth(s.store))

	api.GET("/projects", s.listProjects)
	api.POST("/projects", s.createProject)
	api.GET("/projects/:name", s.getProject)
	api.DELETE("/projects/:name", s.deleteProject)

	api.GET("/projects/:name/domains", s.listDomains)
	api.POST("/projects/:name/domains", s.addDomain)
	api.DELETE("/projects/:name/domains/:domain", s.removeDomain)

	api.GET("/projects/:name/env", s.listEnv)
	api.POST("/projects/:name/env", s.setEnv)
	api.DELETE("/projects/:name/env/:var", s.deleteEnv)

	api.GET("/projects/:name/deployments", s.listDeployments)
	api.POST("/projects/:name/deployments", s.createDeployment)
	api.GET("/projects/:name/deployments/:number", s.getDeployment)
	api.GET("/projects/:name/deployments/:number/output", s.deploymentOutput)

	api.POST("/projects/:name/scale", s.scale)

	api.GET("/projects/:name/runs", s.listRuns)
	api.POST("/projects/:name/runs", s.createRun)
	api.GET("/projects/:name/runs/:number/output", s.runOutput)
	api.GET("/projects/:name/runs/:number/attach", s.attachRun)

	api.Any("/projects/:name/cgi/:service", s.cgi)
	api.Any("/projects/:name/cgi/:service/*", s.cgi)

	api.POST("/projects/:name/tunnels", s.createTunnel)
	api.POST("/tunnels/:id/renew", s.renewTunnel)
	api.DELETE("/tunnels/:id", s.closeTunnel)

	api.GET("/logs", s.streamLogs)

	api.GET("/api-keys", s.listAPIKeys)
	api.DELETE("/api-keys/:id", s.deleteAPIKey)
	api.POST("/api-key-invites", s.createInvite)
	api.GET("/shell-token", s.shellToken)

	api.GET("/cors-origins", s.listCORSOrigins)
	api.POST("/cors-origins", s.addCORSOrigin)
	api.DELETE("/cors-origins", s.removeCORSOrigin)

	api.GET("/syslog-urls", s.listSyslogURLs)
	api.POST("/syslog-urls", s.addSyslogURL)
	api.DELETE("/syslog-urls", s.removeSyslogURL)

	api.GET("/settings/:key", s.getSetting)
	api.PUT("/settings/:key", s.putSetting)
}

func (s *Server) requestLogger() echo.MiddlewareFunc {
	return middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogStatus: true,
		LogMethod: true,
		LogURI:    true,
		LogError:  true,
		LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {
			entry := s.log.WithFields(logrus.Fields{
				"method": v.Method,
				"uri":    v.URI,
				"status": v.Status,
			})
			if v.Error != nil {
				entry.WithError(v.Error).Warn("request")
			} else {
				entry.Info("request")
			}
			return nil
		},
	})
}

func (s *Server) health(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{"status": "healthy"})
}

// Start blocks serving until Shutdown or a listener error.
func (s *Server) Start() error {
	addr := fmt.Sprintf(":%d", s.cfg.HTTP.Port)
	s.log.WithField("addr", addr).Info("http server listening")
	err := s.echo.Start(addr)
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.echo.Shutdown(ctx)
}
