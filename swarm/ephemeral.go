package swarm

import (
	"context"
	"io"
	"strconv"
	"time"

	"github.com/docker/docker/api/types"
	containertypes "github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	networktypes "github.com/docker/docker/api/types/network"
	"github.com/docker/docker/errdefs"
	"github.com/docker/docker/pkg/stdcopy"
)

// ContainerConfig describes one ephemeral container: a command run, a CGI
// invocation or a shell host. These are plain containers, not services; they
// run once and are reaped by the TTL sweep if the caller dies first.
type ContainerConfig struct {
	Name    string
	Image   string
	Command []string
	Env     []string
	Network string
	Labels  map[string]string
	Volumes []VolumeMapping
	TTY     bool
	Stdin   bool

	CPULimit    float64
	MemoryLimit int64
}

// CreateContainer creates (without starting) an ephemeral container and
// returns its ID. Deferred start lets the caller attach first so no output is
// lost.
func (d *Driver) CreateContainer(ctx context.Context, cfg ContainerConfig) (string, error) {
	hostConfig := &containertypes.HostConfig{
		AutoRemove: false,
		Mounts:     volumeMounts(cfg.Volumes),
	}
	if cfg.CPULimit > 0 {
		hostConfig.NanoCPUs = int64(cfg.CPULimit * 1e9)
	}
	if cfg.MemoryLimit > 0 {
		hostConfig.Memory = cfg.MemoryLimit
	}
	var networking *networktypes.NetworkingConfig
	if cfg.Network != "" {
		networking = &networktypes.NetworkingConfig{
			EndpointsConfig: map[string]*networktypes.EndpointSettings{
				cfg.Network: {},
			},
		}
	}
	resp, err := d.cli.ContainerCreate(ctx, &containertypes.Config{
		Image:        cfg.Image,
		Cmd:          cfg.Command,
		Env:          cfg.Env,
		Labels:       cfg.Labels,
		Tty:          cfg.TTY,
		OpenStdin:    cfg.Stdin,
		StdinOnce:    cfg.Stdin,
		AttachStdin:  cfg.Stdin,
		AttachStdout: true,
		AttachStderr: true,
	}, hostConfig, networking, nil, cfg.Name)
	if err != nil {
		return "", containerErr("container create", err)
	}
	return resp.ID, nil
}

// StartContainer starts a created container.
func (d *Driver) StartContainer(ctx context.Context, id string) error {
	return containerErr("container start", d.cli.ContainerStart(ctx, id, containertypes.StartOptions{}))
}

// AttachContainer attaches to a created container's streams before start.
func (d *Driver) AttachContainer(ctx context.Context, id string, stdin bool) (types.HijackedResponse, error) {
	resp, err := d.cli.ContainerAttach(ctx, id, containertypes.AttachOptions{
		Stream: true,
		Stdin:  stdin,
		Stdout: true,
		Stderr: true,
	})
	if err != nil {
		return types.HijackedResponse{}, containerErr("container attach", err)
	}
	return resp, nil
}

// WaitContainer blocks until the container exits and returns its exit code.
func (d *Driver) WaitContainer(ctx context.Context, id string) (int, error) {
	statusCh, errCh := d.cli.ContainerWait(ctx, id, containertypes.WaitConditionNotRunning)
	select {
	case err := <-errCh:
		return -1, containerErr("container wait", err)
	case status := <-statusCh:
		if status.Error != nil {
			return -1, &ContainerError{Op: "container wait", Message: status.Error.Message}
		}
		return int(status.StatusCode), nil
	case <-ctx.Done():
		return -1, ctx.Err()
	}
}

// RemoveContainer force-removes a container; absent containers are ignored.
func (d *Driver) RemoveContainer(ctx context.Context, id string) error {
	err := d.cli.ContainerRemove(ctx, id, containertypes.RemoveOptions{Force: true})
	if err != nil && !errdefs.IsNotFound(err) {
		return containerErr("container remove", err)
	}
	return nil
}

// ResizeContainer resizes the container's TTY.
func (d *Driver) ResizeContainer(ctx context.Context, id string, height, width uint) error {
	return containerErr("container resize", d.cli.ContainerResize(ctx, id, containertypes.ResizeOptions{
		Height: height,
		Width:  width,
	}))
}

// RunOutput captures the split streams of a finished attached run.
type RunOutput struct {
	Stdout []byte
	Stderr []byte
	Exit   int
}

// RunAttached creates, starts and waits an ephemeral container, feeding stdin
// (may be nil) and collecting both output streams. This is the synchronous
// path behind CGI.
func (d *Driver) RunAttached(ctx context.Context, cfg ContainerConfig, stdin io.Reader) (*RunOutput, error) {
	cfg.Stdin = stdin != nil
	id, err := d.CreateContainer(ctx, cfg)
	if err != nil {
		return nil, err
	}
	defer func() {
		removeCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := d.RemoveContainer(removeCtx, id); err != nil {
			d.log.WithError(err).WithField("container", cfg.Name).Warn("ephemeral container not removed")
		}
	}()

	attach, err := d.AttachContainer(ctx, id, cfg.Stdin)
	if err != nil {
		return nil, err
	}
	defer attach.Close()

	if err := d.StartContainer(ctx, id); err != nil {
		return nil, err
	}

	if stdin != nil {
		go func() {
			_, _ = io.Copy(attach.Conn, stdin)
			_ = attach.CloseWrite()
		}()
	}

	var out RunOutput
	copyDone := make(chan error, 1)
	go func() {
		stdout := &sliceWriter{buf: &out.Stdout}
		stderr := &sliceWriter{buf: &out.Stderr}
		_, err := stdcopy.StdCopy(stdout, stderr, attach.Reader)
		copyDone <- err
	}()

	exit, err := d.WaitContainer(ctx, id)
	if err != nil {
		return nil, err
	}
	select {
	case err := <-copyDone:
		if err != nil && err != io.EOF {
			return nil, containerErr("container output", err)
		}
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	out.Exit = exit
	return &out, nil
}

// ExpiredContainers lists ephemeral containers whose TTL label has passed.
// kind is LabelRun, LabelShell or LabelCGI.
func (d *Driver) ExpiredContainers(ctx context.Context, kind string, now time.Time) ([]string, error) {
	summaries, err := d.cli.ContainerList(ctx, containertypes.ListOptions{
		All:     true,
		Filters: filters.NewArgs(filters.Arg("label", kind+"=true")),
	})
	if err != nil {
		return nil, containerErr("container list", err)
	}
	var expired []string
	for _, summary := range summaries {
		raw, ok := summary.Labels[kind+".expires"]
		if !ok {
			continue
		}
		expires, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			continue
		}
		if now.Unix() >= expires {
			expired = append(expired, summary.ID)
		}
	}
	return expired, nil
}

type sliceWriter struct {
	buf *[]byte
}

func (w *sliceWriter) Write(p []byte) (int, error) {
	*w.buf = append(*w.buf, p...)
	return len(p), nil
}
