// Package runner spawns the ephemeral containers behind command runs,
// interactive shells and CGI requests. All three share the live deployment's
// image, env, network and volumes; they differ only in I/O shape.
package runner

import (
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/disco-paas/disco/common"
	"github.com/disco-paas/disco/db"
	"github.com/disco-paas/disco/deploy"
	"github.com/disco-paas/disco/manifest"
	"github.com/disco-paas/disco/outputs"
	"github.com/disco-paas/disco/security"
	"github.com/disco-paas/disco/swarm"
)

// Runner wires the shared dependencies of the three ephemeral subsystems.
type Runner struct {
	store   *db.Store
	driver  *swarm.Driver
	crypto  *security.Crypto
	outputs *outputs.Store
	jwt     *security.JWTService
	log     *logrus.Logger
}

func New(store *db.Store, driver *swarm.Driver, crypto *security.Crypto, out *outputs.Store, jwt *security.JWTService) *Runner {
	return &Runner{
		store:   store,
		driver:  driver,
		crypto:  crypto,
		outputs: out,
		jwt:     jwt,
		log:     common.Logger,
	}
}

// target is a resolved live deployment: the only admissible source of
// images, env and networks for ephemeral containers.
type target struct {
	project    *db.Project
	deployment *db.Deployment
	manifest   *manifest.Manifest
}

// resolveTarget loads the project's live deployment and its captured
// manifest. Projects without a live deployment cannot run anything.
func (r *Runner) resolveTarget(project *db.Project) (*target, error) {
	live, err := r.store.GetLiveDeployment(project.ID)
	if err != nil {
		return nil, fmt.Errorf("%w: must deploy first", db.ErrConflict)
	}
	if live.DiscoFile == nil {
		return nil, fmt.Errorf("deployment %d of %s has no captured manifest", live.Number, project.Name)
	}
	m, err := manifest.Parse([]byte(*live.DiscoFile))
	if err != nil {
		return nil, err
	}
	return &target{project: project, deployment: live, manifest: m}, nil
}

// imageFor resolves the image an ephemeral container for the service runs
// from: the service's pull pin, or the tag built for the live deployment.
func (r *Runner) imageFor(t *target, service string) (string, error) {
	svc, ok := t.manifest.Services[service]
	if !ok {
		return "", fmt.Errorf("%w: no service named %q", db.ErrNotFound, service)
	}
	if svc.Type == manifest.TypeStatic {
		return "", fmt.Errorf("%w: service %q is static, nothing to run", db.ErrConflict, service)
	}
	img, ok := t.manifest.ImageFor(service)
	if ok && img.IsPull() {
		return img.Pull, nil
	}
	return swarm.ImageName(r.driver.RegistryHost(), t.project.Name, svc.Image, t.deployment.Number), nil
}

// containerEnv builds the service environment shared with the deployment's
// long-running containers.
func (r *Runner) containerEnv(t *target, service string) ([]string, error) {
	domains, err := r.store.ListDomains(t.project.ID)
	if err != nil {
		return nil, err
	}
	return deploy.ContainerEnv(r.store, r.crypto, t.project, t.deployment, service, domains)
}
