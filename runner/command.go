package runner

import (
	"context"
	"io"
	"time"

	"github.com/docker/docker/pkg/stdcopy"
	"github.com/sirupsen/logrus"

	"github.com/disco-paas/disco/db"
	"github.com/disco-paas/disco/outputs"
	"github.com/disco-paas/disco/swarm"
)

// RunTTL bounds how long a run container may exist before the hourly sweep
// reaps it; it also catches containers whose caller died before startup.
const RunTTL = 24 * time.Hour

// CommandRunOptions describes one command run request.
type CommandRunOptions struct {
	Service       string
	Command       string
	Timeout       int
	Interactive   bool
	IncludeAPIKey bool
	ByAPIKeyID    *string
}

// Starter launches a created command run. The caller decides when: typically
// as a deferred scheduler task, or not at all for interactive runs whose
// WebSocket endpoint attaches first.
type Starter func(ctx context.Context) error

// CreateCommandRun validates the target service against the live deployment,
// records the run row in CREATED status and returns a starter closure. The
// container is docker-created, never auto-started, so an interactive caller
// can attach before the first byte of output.
func (r *Runner) CreateCommandRun(ctx context.Context, project *db.Project, opts CommandRunOptions) (*db.CommandRun, Starter, error) {
	t, err := r.resolveTarget(project)
	if err != nil {
		return nil, nil, err
	}
	image, err := r.imageFor(t, opts.Service)
	if err != nil {
		return nil, nil, err
	}
	env, err := r.containerEnv(t, opts.Service)
	if err != nil {
		return nil, nil, err
	}
	if ip, kerr := r.store.GetValueString(db.KeyDiscoIP); kerr == nil && ip != "" {
		env = append(env, "DISCO_IP="+ip)
	}
	if opts.IncludeAPIKey && opts.ByAPIKeyID != nil {
		env = append(env, "DISCO_API_KEY="+*opts.ByAPIKeyID)
	}

	run, err := r.store.AddCommandRun(db.NewCommandRunParams{
		Project:      project,
		ServiceName:  opts.Service,
		Command:      opts.Command,
		DeploymentID: t.deployment.ID,
		Timeout:      opts.Timeout,
		ByAPIKeyID:   opts.ByAPIKeyID,
	})
	if err != nil {
		return nil, nil, err
	}

	svc := t.manifest.Services[opts.Service]
	cfg := swarm.ContainerConfig{
		Name:    swarm.RunContainerName(project.Name, run.Number),
		Image:   image,
		Command: []string{"/bin/sh", "-c", opts.Command},
		Env:     env,
		Network: swarm.NetworkName(project.Name, t.deployment.Number),
		Labels:  swarm.EphemeralLabels(project.Name, swarm.LabelRun, time.Now().UTC().Add(RunTTL)),
		TTY:     opts.Interactive,
		Stdin:   opts.Interactive,
	}
	for _, vol := range svc.Volumes {
		cfg.Volumes = append(cfg.Volumes, swarm.VolumeMapping{
			Name:        project.Name + "-" + vol.Name,
			Destination: vol.DestinationPath,
		})
	}

	starter := func(ctx context.Context) error {
		return r.startCommandRun(ctx, run, cfg, opts)
	}
	return run, starter, nil
}

// startCommandRun creates the container and, for non-interactive runs,
// drives it to completion while streaming output into the run's source.
// Interactive runs stop after creation; AttachCommandRun takes over.
func (r *Runner) startCommandRun(ctx context.Context, run *db.CommandRun, cfg swarm.ContainerConfig, opts CommandRunOptions) error {
	if opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, time.Duration(opts.Timeout)*time.Second)
		defer cancel()
	}

	containerID, err := r.driver.CreateContainer(ctx, cfg)
	if err != nil {
		_ = r.store.SetCommandRunStatus(run.ID, db.CommandRunStatusFailed)
		return err
	}
	if err := r.store.SetCommandRunStatus(run.ID, db.CommandRunStatusStarted); err != nil {
		return err
	}
	if opts.Interactive {
		return nil
	}

	source := outputs.RunSource(run.ID)
	defer func() {
		if err := r.outputs.Terminate(source); err != nil {
			r.log.WithError(err).WithField("run", run.ID).Warn("run output not terminated")
		}
		removeCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := r.driver.RemoveContainer(removeCtx, containerID); err != nil {
			r.log.WithError(err).WithField("run", run.ID).Warn("run container not removed")
		}
	}()

	attach, err := r.driver.AttachContainer(ctx, containerID, false)
	if err != nil {
		_ = r.store.SetCommandRunStatus(run.ID, db.CommandRunStatusFailed)
		return err
	}
	defer attach.Close()

	if err := r.driver.StartContainer(ctx, containerID); err != nil {
		_ = r.store.SetCommandRunStatus(run.ID, db.CommandRunStatusFailed)
		return err
	}

	copyDone := make(chan error, 1)
	go func() {
		sink := &lineSink{emit: func(line string) {
			if err := r.outputs.Append(source, line); err != nil {
				r.log.WithError(err).WithField("run", run.ID).Warn("run output line dropped")
			}
		}}
		_, err := stdcopy.StdCopy(sink, sink, attach.Reader)
		sink.flush()
		copyDone <- err
	}()

	exit, err := r.driver.WaitContainer(ctx, containerID)
	if err != nil {
		_ = r.store.SetCommandRunStatus(run.ID, db.CommandRunStatusFailed)
		return err
	}
	select {
	case <-copyDone:
	case <-ctx.Done():
	}

	status := db.CommandRunStatusFinished
	if exit != 0 {
		status = db.CommandRunStatusFailed
	}
	r.log.WithFields(logrus.Fields{"run": run.ID, "exit": exit}).Info("command run finished")
	return r.store.SetCommandRunStatus(run.ID, status)
}

// AttachCommandRun starts a created interactive run and bridges its stdio to
// the caller until the container exits. Returns the exit code.
func (r *Runner) AttachCommandRun(ctx context.Context, project string, run *db.CommandRun, stdin io.Reader, stdout io.Writer) (int, error) {
	containerID := swarm.RunContainerName(project, run.Number)
	attach, err := r.driver.AttachContainer(ctx, containerID, true)
	if err != nil {
		return -1, err
	}
	defer attach.Close()

	if err := r.driver.StartContainer(ctx, containerID); err != nil {
		return -1, err
	}

	go func() {
		_, _ = io.Copy(attach.Conn, stdin)
		_ = attach.CloseWrite()
	}()
	go func() {
		// TTY containers multiplex nothing: raw copy.
		_, _ = io.Copy(stdout, attach.Reader)
	}()

	exit, err := r.driver.WaitContainer(ctx, containerID)
	if err != nil {
		return -1, err
	}

	status := db.CommandRunStatusFinished
	if exit != 0 {
		status = db.CommandRunStatusFailed
	}
	if err := r.store.SetCommandRunStatus(run.ID, status); err != nil {
		return exit, err
	}
	removeCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	_ = r.driver.RemoveContainer(removeCtx, containerID)
	return exit, nil
}

// SweepExpired removes ephemeral containers whose TTL label has passed.
// Registered on the scheduler's hour tick.
func (r *Runner) SweepExpired(ctx context.Context) error {
	now := time.Now().UTC()
	for _, kind := range []string{swarm.LabelRun, swarm.LabelShell, swarm.LabelCGI} {
		expired, err := r.driver.ExpiredContainers(ctx, kind, now)
		if err != nil {
			return err
		}
		for _, id := range expired {
			if err := r.driver.RemoveContainer(ctx, id); err != nil {
				r.log.WithError(err).WithField("container", id).Warn("expired container not removed")
				continue
			}
			r.log.WithFields(logrus.Fields{"container": id, "kind": kind}).Info("expired container removed")
		}
	}
	return nil
}

// lineSink buffers stream bytes and emits complete lines.
type lineSink struct {
	emit func(string)
	buf  []byte
}

func (s *lineSink) Write(p []byte) (int, error) {
	s.buf = append(s.buf, p...)
	for {
		i := indexByte(s.buf, '\n')
		if i < 0 {
			return len(p), nil
		}
		line := string(s.buf[:i])
		s.buf = s.buf[i+1:]
		if len(line) > 0 && line[len(line)-1] == '\r' {
			line = line[:len(line)-1]
		}
		s.emit(line)
	}
}

func (s *lineSink) flush() {
	if len(s.buf) > 0 {
		s.emit(string(s.buf))
		s.buf = nil
	}
}

func indexByte(b []byte, c byte) int {
	for i, x := range b {
		if x == c {
			return i
		}
	}
	return -1
}
