package swarm

import (
	"encoding/base64"
	"encoding/json"
	"fmt"

	"github.com/docker/docker/api/types/registry"
	"github.com/sirupsen/logrus"

	"github.com/disco-paas/disco/common"
)

// ContainerError is the typed failure surfaced by every driver operation.
type ContainerError struct {
	Op       string
	Message  string
	ExitCode int
}

func (e *ContainerError) Error() string {
	if e.ExitCode != 0 {
		return fmt.Sprintf("container engine %s failed (exit %d): %s", e.Op, e.ExitCode, e.Message)
	}
	return fmt.Sprintf("container engine %s failed: %s", e.Op, e.Message)
}

func containerErr(op string, err error) error {
	if err == nil {
		return nil
	}
	return &ContainerError{Op: op, Message: err.Error()}
}

// Driver exposes the container engine operations disco needs. Operations are
// idempotent where the engine permits: removing an absent object is not an
// error, creating an existing network falls through.
type Driver struct {
	cli          Client
	registryHost string
	registryAuth string
	log          *logrus.Logger
}

// NewDriver creates a driver. Registry credentials may be empty for a
// node-local setup.
func NewDriver(cli Client, registryHost, registryUser, registryPassword string) *Driver {
	d := &Driver{
		cli:          cli,
		registryHost: registryHost,
		log:          common.Logger,
	}
	if registryUser != "" {
		d.registryAuth = registryAuthHeader(registryUser, registryPassword)
	}
	return d
}

// RegistryHost returns the configured registry host, empty for local-only.
func (d *Driver) RegistryHost() string { return d.registryHost }

func registryAuthHeader(username, password string) string {
	authConfig := registry.AuthConfig{
		Username: username,
		Password: password,
	}
	encodedJSON, err := json.Marshal(authConfig)
	if err != nil {
		// AuthConfig is a plain struct; this cannot fail.
		panic(err)
	}
	return base64.URLEncoding.EncodeToString(encodedJSON)
}
