package scheduler

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"

	"github.com/disco-paas/disco/db"
	"github.com/disco-paas/disco/manifest"
	"github.com/disco-paas/disco/swarm"
)

var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

// projectCron is one scheduled service of a live deployment, resolved down to
// everything needed to spawn its container.
type projectCron struct {
	Project      string
	Service      string
	Number       int
	Image        string
	Command      string
	Env          []string
	Networks     []string
	Volumes      []swarm.VolumeMapping
	Timeout      time.Duration
	ScheduleText string
	Schedule     cron.Schedule
	Next         time.Time
	Paused       bool
}

func cronKey(project, service string) string { return project + "/" + service }

// PauseProjectCrons suppresses firings for a project during a deploy's
// critical window.
func (s *Scheduler) PauseProjectCrons(project string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range s.crons {
		if c.Project == project {
			c.Paused = true
		}
	}
}

// RemoveProjectCrons drops every cron of a project. Called on project delete.
func (s *Scheduler) RemoveProjectCrons(project string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for key, c := range s.crons {
		if c.Project == project {
			delete(s.crons, key)
		}
	}
}

// ReloadAndResumeProjectCrons reconciles a project's crons against the
// deployment that just went live: surviving services update in place (next
// fire resets only when the schedule text changed), disappeared services are
// removed, new ones added, and the paused flag clears on all of them.
func (s *Scheduler) ReloadAndResumeProjectCrons(ctx context.Context, project string, number int) error {
	p, err := s.store.GetProjectByName(project)
	if err != nil {
		return err
	}
	deployment, err := s.store.GetDeploymentByNumber(p.ID, number)
	if err != nil {
		return err
	}
	if deployment.DiscoFile == nil {
		return fmt.Errorf("deployment %d of %s has no captured manifest", number, project)
	}
	m, err := manifest.Parse([]byte(*deployment.DiscoFile))
	if err != nil {
		return err
	}
	env, err := s.cronEnv(p, deployment)
	if err != nil {
		return err
	}
	registry := s.driver.RegistryHost()
	s.apply(project, number, m, env, registry, time.Now().UTC())
	return nil
}

// apply is the in-memory half of the reload, separated so it can be driven
// directly in tests.
func (s *Scheduler) apply(project string, number int, m *manifest.Manifest, env []string, registry string, now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()

	seen := map[string]bool{}
	for _, name := range m.CronServices() {
		svc := m.Services[name]
		schedule, err := cronParser.Parse(svc.Schedule)
		if err != nil {
			// The manifest validator rejects bad schedules before deploy.
			s.log.WithError(err).WithField("service", name).Error("unparseable cron schedule")
			continue
		}
		image := s.cronImage(m, project, name, number, registry)
		key := cronKey(project, name)
		seen[key] = true

		next := schedule.Next(now)
		if existing, ok := s.crons[key]; ok && existing.ScheduleText == svc.Schedule {
			next = existing.Next
		}
		s.crons[key] = &projectCron{
			Project:      project,
			Service:      name,
			Number:       number,
			Image:        image,
			Command:      svc.Command,
			Env:          append(append([]string{}, env...), "DISCO_SERVICE_NAME="+name),
			Networks:     []string{swarm.NetworkName(project, number)},
			Volumes:      cronVolumes(project, svc),
			Timeout:      time.Duration(svc.Timeout) * time.Second,
			ScheduleText: svc.Schedule,
			Schedule:     schedule,
			Next:         next,
			Paused:       false,
		}
	}
	for key, c := range s.crons {
		if c.Project == project && !seen[key] {
			delete(s.crons, key)
		}
	}
}

func (s *Scheduler) cronImage(m *manifest.Manifest, project, service string, number int, registry string) string {
	img, ok := m.ImageFor(service)
	if ok && img.IsPull() {
		return img.Pull
	}
	return swarm.ImageName(registry, project, m.Services[service].Image, number)
}

func cronVolumes(project string, svc manifest.Service) []swarm.VolumeMapping {
	var volumes []swarm.VolumeMapping
	for _, vol := range svc.Volumes {
		volumes = append(volumes, swarm.VolumeMapping{
			Name:        project + "-" + vol.Name,
			Destination: vol.DestinationPath,
		})
	}
	return volumes
}

// cronEnv decrypts the deployment's env snapshot and adds the DISCO_*
// injections shared by every scheduled container.
func (s *Scheduler) cronEnv(project *db.Project, deployment *db.Deployment) ([]string, error) {
	vars, err := s.store.ListDeploymentEnvVariables(deployment.ID)
	if err != nil {
		return nil, err
	}
	env := make([]string, 0, len(vars)+4)
	for _, v := range vars {
		value, err := s.crypto.DecryptString(v.Value)
		if err != nil {
			return nil, fmt.Errorf("unsealing env var %s: %w", v.Name, err)
		}
		env = append(env, v.Name+"="+value)
	}
	env = append(env,
		"DISCO_PROJECT_NAME="+project.Name,
		"DISCO_DEPLOYMENT_NUMBER="+strconv.Itoa(deployment.Number),
	)
	host, err := s.store.GetValueString(db.KeyDiscoHost)
	if err != nil {
		return nil, err
	}
	if host != "" {
		env = append(env, "DISCO_HOST="+host)
	}
	return env, nil
}

// fireProjectCrons spawns a container for every due, unpaused cron and
// advances its next-fire time. Failures are logged, never retried; the next
// schedule tick is the retry.
func (s *Scheduler) fireProjectCrons(ctx context.Context, now time.Time) {
	s.mu.Lock()
	var due []*projectCron
	for _, c := range s.crons {
		if c.Paused || c.Next.After(now) {
			continue
		}
		due = append(due, c)
		c.Next = c.Schedule.Next(now)
	}
	s.mu.Unlock()

	for _, c := range due {
		c := c
		go s.runCron(ctx, c)
	}
}

func (s *Scheduler) runCron(ctx context.Context, c *projectCron) {
	log := s.log.WithFields(logrus.Fields{"project": c.Project, "service": c.Service})

	runCtx := ctx
	if c.Timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, c.Timeout)
		defer cancel()
	}

	name := swarm.ServiceName(c.Project, c.Service, c.Number)
	// A previous firing may have left its container behind.
	if err := s.driver.RemoveContainer(runCtx, name); err != nil {
		log.WithError(err).Warn("could not remove previous cron container")
		return
	}
	cfg := swarm.ContainerConfig{
		Name:     name,
		Image:    c.Image,
		Env:      c.Env,
		Labels:   swarm.DeploymentLabels(c.Project, c.Service, c.Number),
		Volumes:  c.Volumes,
		CPULimit: 0,
	}
	if len(c.Networks) > 0 {
		cfg.Network = c.Networks[0]
	}
	if c.Command != "" {
		cfg.Command = []string{"/bin/sh", "-c", c.Command}
	}
	out, err := s.driver.RunAttached(runCtx, cfg, nil)
	if err != nil {
		log.WithError(err).Error("cron run failed")
		return
	}
	if out.Exit != 0 {
		log.WithField("exit", out.Exit).Error("cron exited non-zero")
	}
}
