package api

import (
	"net/http"
	"sync"

	"github.com/labstack/echo/v4"

	"github.com/disco-paas/disco/common"
	"github.com/disco-paas/disco/db"
)

// contextKeyAPIKey stores the authenticated *db.APIKey on the echo context.
const contextKeyAPIKey = "api_key"

// APIKeyAuth authenticates requests by HTTP basic auth where the username is
// an api key secret (the password is ignored, matching the CLI's behavior).
// Every successful authentication appends a usage record.
func APIKeyAuth(store *db.Store) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			secret, _, ok := c.Request().BasicAuth()
			if !ok || secret == "" {
				c.Response().Header().Set("WWW-Authenticate", `Basic realm="disco"`)
				return echo.NewHTTPError(http.StatusUnauthorized, "missing credentials")
			}
			key, err := store.GetAPIKey(secret)
			if err != nil {
				c.Response().Header().Set("WWW-Authenticate", `Basic realm="disco"`)
				return echo.NewHTTPError(http.StatusUnauthorized, "invalid credentials")
			}
			if err := store.RecordAPIKeyUsage(key.ID); err != nil {
				common.Logger.WithError(err).Warn("api key usage not recorded")
			}
			c.Set(contextKeyAPIKey, key)
			return next(c)
		}
	}
}

// requestAPIKey returns the authenticated key, nil on unauthenticated routes.
func requestAPIKey(c echo.Context) *db.APIKey {
	key, _ := c.Get(contextKeyAPIKey).(*db.APIKey)
	return key
}

// corsOrigins tracks the allowed-origin set, updated live through the
// settings subscription so origin changes apply without a restart.
type corsOrigins struct {
	mu      sync.RWMutex
	allowed map[string]bool
}

// newCORSOrigins seeds the set from the database and subscribes to changes.
func newCORSOrigins(store *db.Store) (*corsOrigins, error) {
	origins, err := store.ListCORSOrigins()
	if err != nil {
		return nil, err
	}
	o := &corsOrigins{allowed: map[string]bool{}}
	for _, origin := range origins {
		o.allowed[origin] = true
	}
	return o, nil
}

func (o *corsOrigins) allow(origin string) (bool, error) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.allowed[origin], nil
}

func (o *corsOrigins) add(origin string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.allowed[origin] = true
}

func (o *corsOrigins) remove(origin string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	delete(o.allowed, origin)
}
