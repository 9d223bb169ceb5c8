package api

import (
	"net/http"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/disco-paas/disco/db"
)

// shellTokenTTL bounds how long a minted shell/tunnel JWT stays valid. The
// CLI mints one right before opening the websocket.
const shellTokenTTL = 5 * time.Minute

type apiKeyView struct {
	Name      string    `json:"name"`
	PublicKey string    `json:"publicKey"`
	Created   time.Time `json:"created"`
}

func (s *Server) listAPIKeys(c echo.Context) error {
	keys, err := s.store.ListAPIKeys()
	if err != nil {
		return err
	}
	views := make([]apiKeyView, 0, len(keys))
	for _, key := range keys {
		views = append(views, apiKeyView{
			Name:      key.Name,
			PublicKey: key.PublicKey,
			Created:   key.CreatedAt,
		})
	}
	return c.JSON(http.StatusOK, views)
}

func (s *Server) deleteAPIKey(c echo.Context) error {
	// The path carries the public identifier; secrets never appear in URLs.
	key, err := s.store.GetAPIKeyByPublicKey(c.Param("id"))
	if err != nil {
		return err
	}
	if err := s.store.DeleteAPIKey(key.ID); err != nil {
		return err
	}
	return c.NoContent(http.StatusNoContent)
}

func (s *Server) createInvite(c echo.Context) error {
	var req struct {
		Name string `json:"name"`
	}
	if err := c.Bind(&req); err != nil || req.Name == "" {
		return echo.NewHTTPError(http.StatusUnprocessableEntity, "name is required")
	}
	var byKey *string
	if key := requestAPIKey(c); key != nil {
		byKey = &key.ID
	}
	invite, err := s.store.CreateAPIKeyInvite(req.Name, db.InviteMaxAge, byKey)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusCreated, map[string]any{
		"invite": map[string]any{
			"id":      invite.ID,
			"name":    invite.Name,
			"expires": invite.ExpiresAt,
		},
	})
}

// consumeInvite is unauthenticated: the invitee holds only the invite id and
// walks away with a fresh api key.
func (s *Server) consumeInvite(c echo.Context) error {
	key, err := s.store.ConsumeAPIKeyInvite(c.Param("id"))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusCreated, map[string]any{
		"apiKey": map[string]string{
			"id":        key.ID,
			"name":      key.Name,
			"publicKey": key.PublicKey,
		},
	})
}

// shellToken mints the short-lived JWT the shell and tunnel websockets
// expect in their first frame.
func (s *Server) shellToken(c echo.Context) error {
	key := requestAPIKey(c)
	token, err := s.jwt.Mint(key.PublicKey, key.Name, shellTokenTTL)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, map[string]string{"token": token})
}

func (s *Server) listCORSOrigins(c echo.Context) error {
	origins, err := s.store.ListCORSOrigins()
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, map[string][]string{"origins": origins})
}

func (s *Server) addCORSOrigin(c echo.Context) error {
	var req struct {
		Origin string `json:"origin"`
	}
	if err := c.Bind(&req); err != nil || req.Origin == "" {
		return echo.NewHTTPError(http.StatusUnprocessableEntity, "origin is required")
	}
	if _, err := s.store.AddCORSOrigin(req.Origin); err != nil {
		return err
	}
	s.origins.add(req.Origin)
	return c.NoContent(http.StatusCreated)
}

func (s *Server) removeCORSOrigin(c echo.Context) error {
	var req struct {
		Origin string `json:"origin"`
	}
	if err := c.Bind(&req); err != nil || req.Origin == "" {
		return echo.NewHTTPError(http.StatusUnprocessableEntity, "origin is required")
	}
	if err := s.store.RemoveCORSOrigin(req.Origin); err != nil {
		return err
	}
	s.origins.remove(req.Origin)
	return c.NoContent(http.StatusNoContent)
}

func (s *Server) listSyslogURLs(c echo.Context) error {
	urls, err := s.store.ListSyslogURLs()
	if err != nil {
		return err
	}
	views := make([]map[string]string, 0, len(urls))
	for _, u := range urls {
		views = append(views, map[string]string{"url": u.URL, "type": u.Type})
	}
	return c.JSON(http.StatusOK, map[string]any{"syslogUrls": views})
}

func (s *Server) addSyslogURL(c echo.Context) error {
	var req struct {
		URL  string `json:"url"`
		Type string `json:"type"`
	}
	if err := c.Bind(&req); err != nil || req.URL == "" {
		return echo.NewHTTPError(http.StatusUnprocessableEntity, "url is required")
	}
	if req.Type == "" {
		req.Type = db.SyslogTypeGlobal
	}
	if _, err := s.store.AddSyslogURL(req.URL, req.Type); err != nil {
		return err
	}
	return s.publishSyslogEntries(c, http.StatusCreated)
}

func (s *Server) removeSyslogURL(c echo.Context) error {
	var req struct {
		URL string `json:"url"`
	}
	if err := c.Bind(&req); err != nil || req.URL == "" {
		return echo.NewHTTPError(http.StatusUnprocessableEntity, "url is required")
	}
	if err := s.store.RemoveSyslogURL(req.URL); err != nil {
		return err
	}
	return s.publishSyslogEntries(c, http.StatusNoContent)
}

// publishSyslogEntries rewrites the SYSLOG_URLS setting from the table; the
// value subscription then reconciles the forwarder service.
func (s *Server) publishSyslogEntries(c echo.Context, status int) error {
	urls, err := s.store.ListSyslogURLs()
	if err != nil {
		return err
	}
	entries := make([]db.SyslogEntry, 0, len(urls))
	for _, u := range urls {
		entries = append(entries, db.SyslogEntry{URL: u.URL, Type: u.Type})
	}
	if err := s.store.SetSyslogEntries(entries); err != nil {
		return err
	}
	return c.NoContent(status)
}

// settableKeys limits the settings endpoint to the known runtime keys.
var settableKeys = map[string]bool{
	db.KeyDiscoHost:    true,
	db.KeyDiscoIP:      true,
	db.KeyRegistryHost: true,
}

func (s *Server) getSetting(c echo.Context) error {
	key := c.Param("key")
	if !settableKeys[key] {
		return echo.NewHTTPError(http.StatusNotFound, "unknown setting")
	}
	value, err := s.store.GetValue(key)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, map[string]any{"key": key, "value": value})
}

func (s *Server) putSetting(c echo.Context) error {
	key := c.Param("key")
	if !settableKeys[key] {
		return echo.NewHTTPError(http.StatusNotFound, "unknown setting")
	}
	var req struct {
		Value *string `json:"value"`
	}
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if err := s.store.SetValue(key, req.Value); err != nil {
		return err
	}
	return c.NoContent(http.StatusNoContent)
}
