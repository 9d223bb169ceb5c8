// Package deploy is the deployment engine: it turns a queued deployment row
// into running Swarm services with an atomic traffic cutover, and rolls back
// to the predecessor when a step fails.
package deploy

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/disco-paas/disco/caddy"
	"github.com/disco-paas/disco/common"
	"github.com/disco-paas/disco/db"
	"github.com/disco-paas/disco/github"
	"github.com/disco-paas/disco/manifest"
	"github.com/disco-paas/disco/outputs"
	"github.com/disco-paas/disco/queue"
	"github.com/disco-paas/disco/security"
	"github.com/disco-paas/disco/swarm"
)

// CronScheduler is what the engine needs from the scheduler after a rollout.
// The worker process runs with a nil scheduler; there the daemon's reconcile
// tick picks the changes up.
type CronScheduler interface {
	PauseProjectCrons(project string)
	ReloadAndResumeProjectCrons(ctx context.Context, project string, number int) error
	RemoveProjectCrons(project string)
}

// Engine wires the drivers and stores behind the deployment pipeline.
type Engine struct {
	store   *db.Store
	queue   *queue.Queue
	driver  *swarm.Driver
	proxy   *caddy.Driver
	crypto  *security.Crypto
	outputs *outputs.Store
	repos   *github.Repos
	crons   CronScheduler

	srvDir         string
	caddyContainer string
	log            *logrus.Logger
}

// Params collects the engine's dependencies.
type Params struct {
	Store   *db.Store
	Queue   *queue.Queue
	Driver  *swarm.Driver
	Proxy   *caddy.Driver
	Crypto  *security.Crypto
	Outputs *outputs.Store
	Repos   *github.Repos
	Crons   CronScheduler

	// SrvDir is where static docroots are published (/disco/srv).
	SrvDir string
	// CaddyContainer is the reverse-proxy container name to peer with web
	// services.
	CaddyContainer string
}

func NewEngine(p Params) *Engine {
	return &Engine{
		store:          p.Store,
		queue:          p.Queue,
		driver:         p.Driver,
		proxy:          p.Proxy,
		crypto:         p.Crypto,
		outputs:        p.Outputs,
		repos:          p.Repos,
		crons:          p.Crons,
		srvDir:         p.SrvDir,
		caddyContainer: p.CaddyContainer,
		log:            common.Logger,
	}
}

// processDeploymentTask is the PROCESS_DEPLOYMENT queue payload.
type processDeploymentTask struct {
	DeploymentID string `json:"deployment_id"`
}

// StartDeployment allocates the next deployment number, snapshots the
// project's env vars onto it and enqueues the pipeline task. A deployment
// already in flight for the project is a conflict.
func (e *Engine) StartDeployment(ctx context.Context, project *db.Project, commit, discoFile, byAPIKeyID *string) (*db.Deployment, error) {
	inFlight, err := e.store.GetInFlightDeployment(project.ID)
	if err != nil && !errors.Is(err, db.ErrNotFound) {
		return nil, err
	}
	if inFlight != nil {
		return nil, fmt.Errorf("%w: deployment %d is still %s", db.ErrConflict, inFlight.Number, inFlight.Status)
	}

	var registryHost *string
	if host := e.driver.RegistryHost(); host != "" {
		registryHost = &host
	}
	deployment, err := e.store.AddDeployment(db.NewDeploymentParams{
		Project:      project,
		CommitHash:   commit,
		DiscoFile:    discoFile,
		RegistryHost: registryHost,
		ByAPIKeyID:   byAPIKeyID,
	})
	if err != nil {
		return nil, err
	}
	if err := e.store.SnapshotEnvVariables(project.ID, deployment.ID); err != nil {
		return nil, err
	}
	task, err := e.queue.Enqueue(queue.TaskProcessDeployment, processDeploymentTask{DeploymentID: deployment.ID})
	if err != nil {
		return nil, err
	}
	if err := e.store.SetDeploymentTask(deployment.ID, task.ID); err != nil {
		return nil, err
	}
	return deployment, nil
}

// ProcessDeployment is the worker-side handler for PROCESS_DEPLOYMENT tasks.
// Pipeline errors never bubble up as task errors; they end in a FAILED
// deployment row with a recovery attempt, which is a handled outcome.
func (e *Engine) ProcessDeployment(ctx context.Context, body json.RawMessage) (any, error) {
	var task processDeploymentTask
	if err := json.Unmarshal(body, &task); err != nil {
		return nil, fmt.Errorf("decoding deployment task: %w", err)
	}
	status, err := e.process(ctx, task.DeploymentID)
	if err != nil {
		return nil, err
	}
	return map[string]string{"deployment_id": task.DeploymentID, "status": string(status)}, nil
}

// Scale changes replica counts of live container services. Unknown or
// non-container services are rejected before any engine call is made.
func (e *Engine) Scale(ctx context.Context, project *db.Project, replicas map[string]uint64) error {
	live, err := e.store.GetLiveDeployment(project.ID)
	if err != nil {
		if errors.Is(err, db.ErrNotFound) {
			return fmt.Errorf("%w: must deploy first", db.ErrConflict)
		}
		return err
	}
	m, err := e.deploymentManifest(live)
	if err != nil {
		return err
	}
	for name := range replicas {
		svc, ok := m.Services[name]
		if !ok {
			return fmt.Errorf("%w: no service named %q", db.ErrNotFound, name)
		}
		if svc.Type != manifest.TypeContainer {
			return fmt.Errorf("service %q is type %s, only container services scale", name, svc.Type)
		}
	}
	for name, count := range replicas {
		serviceName := swarm.ServiceName(project.Name, name, live.Number)
		if err := e.driver.ScaleService(ctx, serviceName, count); err != nil {
			return err
		}
		e.log.WithFields(logrus.Fields{"service": serviceName, "replicas": count}).Info("service scaled")
	}
	return nil
}

// EnvPair is one plaintext environment variable update.
type EnvPair struct {
	Name  string
	Value string
}

// SetEnvVariables seals and upserts env vars, then redeploys with the live
// deployment's commit and manifest so the change rolls out atomically. There
// is no in-place env update.
func (e *Engine) SetEnvVariables(ctx context.Context, project *db.Project, pairs []EnvPair, byAPIKeyID *string) (*db.Deployment, error) {
	for _, pair := range pairs {
		sealed, err := e.crypto.EncryptString(pair.Value)
		if err != nil {
			return nil, err
		}
		if err := e.store.UpsertEnvVariable(project.ID, pair.Name, sealed, byAPIKeyID); err != nil {
			return nil, err
		}
	}

	live, err := e.store.GetLiveDeployment(project.ID)
	if err != nil {
		if errors.Is(err, db.ErrNotFound) {
			// Nothing deployed yet; the vars apply on the first deployment.
			return nil, nil
		}
		return nil, err
	}
	return e.StartDeployment(ctx, project, live.CommitHash, live.DiscoFile, byAPIKeyID)
}

// RemoveProject tears a project down: services, networks, proxy route, crons,
// worktree, output streams, then the database rows.
func (e *Engine) RemoveProject(ctx context.Context, project *db.Project) error {
	if e.crons != nil {
		e.crons.RemoveProjectCrons(project.Name)
	}
	services, err := e.driver.ListProjectServices(ctx, project.Name)
	if err != nil {
		return err
	}
	for _, svc := range services {
		if err := e.driver.RemoveService(ctx, svc.ID); err != nil {
			return err
		}
	}
	networks, err := e.driver.ListProjectNetworks(ctx, project.Name)
	if err != nil {
		return err
	}
	for _, network := range networks {
		_ = e.driver.DisconnectContainer(ctx, network, e.caddyContainer)
		if err := e.driver.RemoveNetwork(ctx, network); err != nil {
			return err
		}
	}
	if err := e.proxy.RemoveProjectRoute(ctx, project.Name); err != nil {
		return err
	}
	domains, err := e.store.ListDomains(project.ID)
	if err != nil {
		return err
	}
	for _, domain := range domains {
		if err := e.proxy.RemoveApexWWWRedirect(ctx, domain.ID); err != nil {
			return err
		}
	}
	if err := e.repos.RemoveWorktree(project.Name); err != nil {
		return err
	}
	deployments, err := e.store.ListDeployments(project.ID)
	if err != nil {
		return err
	}
	for _, deployment := range deployments {
		if err := e.outputs.Delete(outputs.DeploymentSource(deployment.ID)); err != nil {
			e.log.WithError(err).WithField("deployment", deployment.ID).Warn("output stream not deleted")
		}
	}
	if err := e.store.DeleteProject(project.ID); err != nil {
		return err
	}
	e.log.WithField("project", project.Name).Info("project removed")
	return nil
}

// ApplyDomains reprograms the proxy after a domain change: the project route
// gets the current domain set, and the apex/www auto-redirects are
// re-evaluated. When a project owns apex X and nobody owns www.X, www.X
// redirects to X; the mirror applies for a project owning only www.X.
func (e *Engine) ApplyDomains(ctx context.Context, project *db.Project) error {
	domains, err := e.store.ListDomains(project.ID)
	if err != nil {
		return err
	}

	live, err := e.store.GetLiveDeployment(project.ID)
	if err != nil && !errors.Is(err, db.ErrNotFound) {
		return err
	}
	if live != nil && len(domains) > 0 {
		m, err := e.deploymentManifest(live)
		if err != nil {
			return err
		}
		if web, ok := m.WebService(); ok {
			names := make([]string, 0, len(domains))
			for _, d := range domains {
				names = append(names, d.Name)
			}
			var upstream caddy.Handler
			if web.Type == manifest.TypeContainer {
				upstream = caddy.ContainerUpstream(
					swarm.ServiceName(project.Name, manifest.WebServiceName, live.Number), web.Port)
			} else {
				upstream = caddy.StaticUpstream(project.Name, live.Number)
			}
			if err := e.proxy.UpsertProjectRoute(ctx, project.Name, names, upstream); err != nil {
				return err
			}
		}
	}

	for _, domain := range domains {
		counterpart := "www." + domain.Name
		redirectFrom := counterpart
		if strings.HasPrefix(domain.Name, "www.") {
			counterpart = strings.TrimPrefix(domain.Name, "www.")
			redirectFrom = counterpart
		}
		_, err := e.store.GetDomainByName(counterpart)
		switch {
		case errors.Is(err, db.ErrNotFound):
			if err := e.proxy.AddApexWWWRedirect(ctx, domain.ID, redirectFrom, domain.Name); err != nil {
				return err
			}
		case err != nil:
			return err
		default:
			// Counterpart is owned; any earlier auto-redirect must go.
			if err := e.proxy.RemoveApexWWWRedirect(ctx, domain.ID); err != nil {
				return err
			}
		}
	}
	return nil
}

// DetachDomain removes a domain plus its auto-redirect, then re-evaluates
// the rest of the project's routing.
func (e *Engine) DetachDomain(ctx context.Context, project *db.Project, name string) error {
	domain, err := e.store.GetDomainByName(name)
	if err != nil {
		return err
	}
	if domain.ProjectID != project.ID {
		return db.ErrNotFound
	}
	if err := e.proxy.RemoveApexWWWRedirect(ctx, domain.ID); err != nil {
		return err
	}
	if err := e.store.RemoveDomain(project.ID, name); err != nil {
		return err
	}
	return e.ApplyDomains(ctx, project)
}

func (e *Engine) deploymentManifest(deployment *db.Deployment) (*manifest.Manifest, error) {
	if deployment.DiscoFile == nil {
		return nil, fmt.Errorf("deployment %s has no captured manifest", deployment.ID)
	}
	return manifest.Parse([]byte(*deployment.DiscoFile))
}
