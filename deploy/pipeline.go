package deploy

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"

	"github.com/docker/go-units"
	"github.com/sirupsen/logrus"

	"github.com/disco-paas/disco/caddy"
	"github.com/disco-paas/disco/db"
	"github.com/disco-paas/disco/manifest"
	"github.com/disco-paas/disco/outputs"
	"github.com/disco-paas/disco/swarm"
)

// emit appends a line to a deployment's output stream. Stream write failures
// must not fail the deployment; they are logged and dropped.
func (e *Engine) emit(source, line string) {
	if err := e.outputs.Append(source, line); err != nil {
		e.log.WithError(err).WithField("source", source).Warn("output line dropped")
	}
}

// run is the resolved state of one pipeline execution. In recovery mode the
// roles are swapped: deployment is the last-known-good predecessor being
// restored, prev is the deployment that just failed, and source still points
// at the failed deployment's output stream so the operator sees one log.
type run struct {
	project      *db.Project
	deployment   *db.Deployment
	prev         *db.Deployment
	manifest     *manifest.Manifest
	prevManifest *manifest.Manifest
	domains      []db.ProjectDomain
	recovery     bool
	source       string
}

// process drives one PROCESS_DEPLOYMENT task end to end. Pipeline failures
// are converted into a FAILED row plus a best-effort rollback; only
// infrastructure faults (row missing, stream unwritable) surface as errors.
func (e *Engine) process(ctx context.Context, deploymentID string) (Status, error) {
	deployment, err := e.store.GetDeployment(deploymentID)
	if err != nil {
		return "", err
	}
	current := Status(deployment.Status)
	if current != StatusQueued {
		// Re-driven task; the status tells the whole story.
		e.log.WithFields(logrus.Fields{"deployment": deploymentID, "status": current}).
			Warn("skipping deployment not in QUEUED")
		return current, nil
	}
	project, err := e.store.GetProjectByName(deployment.ProjectName)
	if err != nil {
		return "", err
	}

	if err := e.transition(deployment, StatusInProgress); err != nil {
		return "", err
	}
	source := outputs.DeploymentSource(deployment.ID)
	defer func() {
		if err := e.outputs.Terminate(source); err != nil {
			e.log.WithError(err).WithField("deployment", deployment.ID).Warn("output stream not terminated")
		}
	}()
	e.emit(source, fmt.Sprintf("Starting deployment %d of %s", deployment.Number, project.Name))

	prev, err := e.store.GetLiveDeployment(project.ID)
	if err != nil && !errors.Is(err, db.ErrNotFound) {
		return "", err
	}

	if e.crons != nil {
		e.crons.PauseProjectCrons(project.Name)
	}

	r, err := e.buildRun(project, deployment, prev, false, source)
	if err == nil {
		err = e.execute(ctx, r)
	}
	if err != nil {
		e.emit(source, fmt.Sprintf("Deployment failed: %v", err))
		if terr := e.transition(deployment, StatusFailed); terr != nil {
			return "", terr
		}
		if prev != nil {
			e.emit(source, fmt.Sprintf("Rolling back to deployment %d", prev.Number))
			e.recover(ctx, project, prev, deployment, source)
		}
		return StatusFailed, nil
	}

	if err := e.transition(deployment, StatusComplete); err != nil {
		return "", err
	}
	e.emit(source, fmt.Sprintf("Deployment %d complete", deployment.Number))

	e.retire(ctx, r)
	if e.crons != nil {
		if err := e.crons.ReloadAndResumeProjectCrons(ctx, project.Name, deployment.Number); err != nil {
			e.log.WithError(err).WithField("project", project.Name).Warn("cron reload failed")
		}
	}
	return StatusComplete, nil
}

// recover re-runs the pipeline with roles swapped to restore traffic to the
// last-known-good deployment. Every step logs and continues on error; a
// partial rollback must never abort the rollback.
func (e *Engine) recover(ctx context.Context, project *db.Project, good, failed *db.Deployment, source string) {
	r, err := e.buildRun(project, good, failed, true, source)
	if err != nil {
		e.emit(source, fmt.Sprintf("Rollback aborted: %v", err))
		return
	}
	if err := e.execute(ctx, r); err != nil {
		// Unreachable: recovery steps swallow their own errors.
		e.emit(source, fmt.Sprintf("Rollback error: %v", err))
	}
	e.retire(ctx, r)
	e.emit(source, fmt.Sprintf("Rollback to deployment %d finished", good.Number))
}

func (e *Engine) buildRun(project *db.Project, deployment, prev *db.Deployment, recovery bool, source string) (*run, error) {
	domains, err := e.store.ListDomains(project.ID)
	if err != nil {
		return nil, err
	}
	r := &run{
		project:    project,
		deployment: deployment,
		prev:       prev,
		domains:    domains,
		recovery:   recovery,
		source:     source,
	}
	if deployment.DiscoFile != nil {
		if r.manifest, err = manifest.Parse([]byte(*deployment.DiscoFile)); err != nil {
			return nil, err
		}
	}
	if prev != nil && prev.DiscoFile != nil {
		if r.prevManifest, err = manifest.Parse([]byte(*prev.DiscoFile)); err != nil {
			e.log.WithError(err).WithField("deployment", prev.ID).Warn("predecessor manifest unreadable")
		}
	}
	return r, nil
}

// execute runs the pipeline steps in order. In recovery mode each step logs
// its error and continues.
func (e *Engine) execute(ctx context.Context, r *run) error {
	steps := []struct {
		name string
		fn   func(context.Context, *run) error
	}{
		{"checkout", e.stepCheckout},
		{"manifest", e.stepManifest},
		{"build", e.stepBuild},
		{"static", e.stepStatic},
		{"networks", e.stepNetworks},
		{"port conflicts", e.stepPortConflicts},
		{"rollout", e.stepRollout},
		{"cutover", e.stepCutover},
	}
	for _, step := range steps {
		if err := step.fn(ctx, r); err != nil {
			if r.recovery {
				e.emit(r.source, fmt.Sprintf("Rollback step %s failed, continuing: %v", step.name, err))
				continue
			}
			return fmt.Errorf("%s: %w", step.name, err)
		}
	}
	return nil
}

// stepCheckout brings the worktree to the deployment's commit. Skipped for
// projects without a bound repo or deployments created from an uploaded
// manifest.
func (e *Engine) stepCheckout(ctx context.Context, r *run) error {
	if r.deployment.CommitHash == nil {
		return nil
	}
	repo, err := e.store.GetGithubRepo(r.project.ID)
	if err != nil {
		if errors.Is(err, db.ErrNotFound) {
			return nil
		}
		return err
	}
	repoURL := "https://github.com/" + repo.FullName + ".git"
	resolved, err := e.repos.Checkout(ctx, r.project.Name, repoURL, *r.deployment.CommitHash)
	if err != nil {
		return err
	}
	e.emit(r.source, "Checked out commit "+resolved)
	if !r.recovery && resolved != *r.deployment.CommitHash {
		if err := e.store.SetDeploymentCommit(r.deployment.ID, resolved); err != nil {
			return err
		}
		r.deployment.CommitHash = &resolved
	}
	return nil
}

// stepManifest loads disco.json from the worktree when the deployment was
// created without one, falling back to the default manifest. The bytes are
// frozen onto the row; they never change once the deployment left QUEUED.
func (e *Engine) stepManifest(ctx context.Context, r *run) error {
	if r.manifest != nil {
		return nil
	}
	var raw []byte
	path := filepath.Join(e.repos.WorktreePath(r.project.Name), "disco.json")
	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		raw = data
	case os.IsNotExist(err):
		e.emit(r.source, "No disco.json found, using default manifest")
		raw, err = manifest.Default().Serialize()
		if err != nil {
			return err
		}
	default:
		return err
	}
	m, err := manifest.Parse(raw)
	if err != nil {
		return err
	}
	if !r.recovery {
		if err := e.store.SetDeploymentDiscoFile(r.deployment.ID, string(raw)); err != nil {
			return err
		}
		discoFile := string(raw)
		r.deployment.DiscoFile = &discoFile
	}
	r.manifest = m
	return nil
}

// buildDef identifies one distinct build: image keys sharing a dockerfile
// and context produce one build plus tag aliases.
type buildDef struct {
	dockerfile string
	context    string
}

func imageBuildDef(img manifest.Image) buildDef {
	def := buildDef{dockerfile: img.Dockerfile, context: img.Context}
	if def.dockerfile == "" {
		def.dockerfile = "Dockerfile"
	}
	if def.context == "" {
		def.context = "."
	}
	return def
}

// stepBuild builds and pushes every image referenced by an executing,
// non-pull service. Build output streams into the deployment log.
func (e *Engine) stepBuild(ctx context.Context, r *run) error {
	images := r.manifest.BuildImages()
	keys := make([]string, 0, len(images))
	for key := range images {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	worktree := e.repos.WorktreePath(r.project.Name)
	built := map[buildDef]string{}
	for _, key := range keys {
		img := images[key]
		tag := swarm.ImageName(e.driver.RegistryHost(), r.project.Name, key, r.deployment.Number)
		def := imageBuildDef(img)
		if source, ok := built[def]; ok {
			e.emit(r.source, fmt.Sprintf("Tagging image %s as %s", source, tag))
			if err := e.driver.TagImage(ctx, source, tag); err != nil {
				return err
			}
		} else {
			contextDir := filepath.Join(worktree, def.context)
			e.emit(r.source, "Building image "+tag)
			if err := e.driver.BuildImage(ctx, contextDir, def.dockerfile, tag, func(line string) {
				e.emit(r.source, line)
			}); err != nil {
				return err
			}
			built[def] = tag
		}
		if e.driver.RegistryHost() != "" {
			e.emit(r.source, "Pushing image "+tag)
			if err := e.driver.PushImage(ctx, tag, func(line string) {
				e.emit(r.source, line)
			}); err != nil {
				return err
			}
		}
	}
	return nil
}

// stepStatic publishes static docroots under the srv dir.
func (e *Engine) stepStatic(ctx context.Context, r *run) error {
	for name, svc := range r.manifest.Services {
		if svc.Type != manifest.TypeStatic && svc.Type != manifest.TypeGenerator {
			continue
		}
		if svc.PublicPath == "" {
			continue
		}
		src := filepath.Join(e.repos.WorktreePath(r.project.Name), svc.PublicPath)
		dst := filepath.Join(e.srvDir, r.project.Name, strconv.Itoa(r.deployment.Number))
		if err := os.MkdirAll(dst, 0o755); err != nil {
			return err
		}
		if err := os.CopyFS(dst, os.DirFS(src)); err != nil {
			return fmt.Errorf("publishing static files for %s: %w", name, err)
		}
		e.emit(r.source, "Published static files for "+name)
	}
	return nil
}

// stepNetworks creates the deployment's overlay network, and the proxy
// peering network when a web service exists.
func (e *Engine) stepNetworks(ctx context.Context, r *run) error {
	number := r.deployment.Number
	labels := swarm.DeploymentLabels(r.project.Name, "", number)
	if err := e.driver.CreateNetwork(ctx, swarm.NetworkName(r.project.Name, number), labels); err != nil {
		return err
	}
	if r.manifest.HasWeb() {
		caddyNet := swarm.CaddyNetworkName(r.project.Name, number)
		if err := e.driver.CreateNetwork(ctx, caddyNet, labels); err != nil {
			return err
		}
		if err := e.driver.ConnectContainer(ctx, caddyNet, e.caddyContainer); err != nil {
			return err
		}
	}
	return nil
}

// stepPortConflicts stops predecessor services whose published host ports the
// new deployment claims, so service creation does not hit a bind conflict.
func (e *Engine) stepPortConflicts(ctx context.Context, r *run) error {
	if r.prev == nil || r.prevManifest == nil {
		return nil
	}
	claimed := map[int]bool{}
	for _, svc := range r.manifest.Services {
		for _, port := range svc.PublishedPorts {
			claimed[port.PublishedAs] = true
		}
	}
	for name, svc := range r.prevManifest.Services {
		for _, port := range svc.PublishedPorts {
			if claimed[port.PublishedAs] {
				serviceName := swarm.ServiceName(r.project.Name, name, r.prev.Number)
				e.emit(r.source, fmt.Sprintf("Stopping %s to free port %d", serviceName, port.PublishedAs))
				if err := e.driver.RemoveService(ctx, serviceName); err != nil {
					return err
				}
				break
			}
		}
	}
	return nil
}

// stepRollout creates the Swarm services of the new deployment.
func (e *Engine) stepRollout(ctx context.Context, r *run) error {
	names := r.manifest.ContainerServices()
	sort.Strings(names)
	for _, name := range names {
		cfg, err := e.serviceConfig(r, name)
		if err != nil {
			return err
		}
		e.emit(r.source, "Starting service "+cfg.Name)
		if _, err := e.driver.CreateService(ctx, cfg); err != nil {
			return err
		}
	}
	return nil
}

// stepCutover reprograms the proxy route. This is the live moment.
func (e *Engine) stepCutover(ctx context.Context, r *run) error {
	web, ok := r.manifest.WebService()
	if !ok || len(r.domains) == 0 {
		return nil
	}
	domains := make([]string, 0, len(r.domains))
	for _, d := range r.domains {
		domains = append(domains, d.Name)
	}
	var upstream caddy.Handler
	if web.Type == manifest.TypeContainer {
		upstream = caddy.ContainerUpstream(
			swarm.ServiceName(r.project.Name, manifest.WebServiceName, r.deployment.Number), web.Port)
	} else {
		upstream = caddy.StaticUpstream(r.project.Name, r.deployment.Number)
	}
	if err := e.proxy.UpsertProjectRoute(ctx, r.project.Name, domains, upstream); err != nil {
		return err
	}
	e.emit(r.source, fmt.Sprintf("Traffic now routed to deployment %d", r.deployment.Number))
	return nil
}

// retire removes every project service and network that is not part of the
// deployment that just went live. Best-effort: traffic has already cut over.
func (e *Engine) retire(ctx context.Context, r *run) {
	number := strconv.Itoa(r.deployment.Number)
	services, err := e.driver.ListProjectServices(ctx, r.project.Name)
	if err != nil {
		e.log.WithError(err).WithField("project", r.project.Name).Warn("retire: listing services failed")
		return
	}
	for _, svc := range services {
		if svc.Labels[swarm.LabelDeploymentNumber] == number {
			continue
		}
		e.emit(r.source, "Removing service "+svc.Name)
		if err := e.driver.RemoveService(ctx, svc.ID); err != nil {
			e.log.WithError(err).WithField("service", svc.Name).Warn("retire: service removal failed")
		}
	}

	keep := map[string]bool{
		swarm.NetworkName(r.project.Name, r.deployment.Number):      true,
		swarm.CaddyNetworkName(r.project.Name, r.deployment.Number): true,
	}
	networks, err := e.driver.ListProjectNetworks(ctx, r.project.Name)
	if err != nil {
		e.log.WithError(err).WithField("project", r.project.Name).Warn("retire: listing networks failed")
		return
	}
	for _, network := range networks {
		if keep[network] {
			continue
		}
		_ = e.driver.DisconnectContainer(ctx, network, e.caddyContainer)
		if err := e.driver.RemoveNetwork(ctx, network); err != nil {
			e.log.WithError(err).WithField("network", network).Warn("retire: network removal failed")
		}
	}
}

// serviceConfig assembles the Swarm service definition for one container
// service of the deployment.
func (e *Engine) serviceConfig(r *run, name string) (swarm.ServiceConfig, error) {
	svc := r.manifest.Services[name]
	image, err := e.resolveImage(r, name, svc)
	if err != nil {
		return swarm.ServiceConfig{}, err
	}
	env, err := e.containerEnv(r, name)
	if err != nil {
		return swarm.ServiceConfig{}, err
	}

	cfg := swarm.ServiceConfig{
		Name:     swarm.ServiceName(r.project.Name, name, r.deployment.Number),
		Image:    image,
		Env:      env,
		Replicas: 1,
		Networks: []string{swarm.NetworkName(r.project.Name, r.deployment.Number)},
		Labels:   swarm.DeploymentLabels(r.project.Name, name, r.deployment.Number),
	}
	if name == manifest.WebServiceName {
		cfg.Networks = append(cfg.Networks, swarm.CaddyNetworkName(r.project.Name, r.deployment.Number))
	}
	if err := applyServiceRuntime(&cfg, r.project.Name, svc); err != nil {
		return swarm.ServiceConfig{}, err
	}
	return cfg, nil
}

// applyServiceRuntime copies the manifest service's runtime shape onto the
// Swarm config: command, published ports, volumes, health probe and resource
// limits plus reservations.
func applyServiceRuntime(cfg *swarm.ServiceConfig, project string, svc manifest.Service) error {
	if svc.Command != "" {
		cfg.Command = []string{"/bin/sh", "-c", svc.Command}
	}
	cfg.Health = svc.Health
	for _, port := range svc.PublishedPorts {
		cfg.PublishedPorts = append(cfg.PublishedPorts, swarm.PortMapping{
			PublishedAs:   uint32(port.PublishedAs),
			ContainerPort: uint32(port.FromContainerPort),
			Protocol:      port.Protocol,
		})
	}
	for _, vol := range svc.Volumes {
		cfg.Volumes = append(cfg.Volumes, swarm.VolumeMapping{
			Name:        project + "-" + vol.Name,
			Destination: vol.DestinationPath,
		})
	}
	if svc.Resources == nil {
		return nil
	}
	cfg.CPULimit = svc.Resources.CPULimit
	cfg.CPUReservation = svc.Resources.CPUReservation
	if svc.Resources.MemoryLimit != "" {
		bytes, err := units.RAMInBytes(svc.Resources.MemoryLimit)
		if err != nil {
			return err
		}
		cfg.MemoryLimit = bytes
	}
	if svc.Resources.MemoryReservation != "" {
		bytes, err := units.RAMInBytes(svc.Resources.MemoryReservation)
		if err != nil {
			return err
		}
		cfg.MemoryReservation = bytes
	}
	return nil
}

func (e *Engine) resolveImage(r *run, name string, svc manifest.Service) (string, error) {
	img, ok := r.manifest.ImageFor(name)
	if !ok {
		return "", fmt.Errorf("service %q references unknown image %q", name, svc.Image)
	}
	if img.IsPull() {
		return img.Pull, nil
	}
	return swarm.ImageName(e.driver.RegistryHost(), r.project.Name, svc.Image, r.deployment.Number), nil
}

func (e *Engine) containerEnv(r *run, serviceName string) ([]string, error) {
	return ContainerEnv(e.store, e.crypto, r.project, r.deployment, serviceName, r.domains)
}

// transition guards a status change against the legal-transition table.
func (e *Engine) transition(deployment *db.Deployment, target Status) error {
	current := Status(deployment.Status)
	if !current.CanTransitionTo(target) {
		return fmt.Errorf("illegal deployment transition %s -> %s", current, target)
	}
	if err := e.store.SetDeploymentStatus(deployment.ID, string(target)); err != nil {
		return err
	}
	deployment.Status = string(target)
	return nil
}
