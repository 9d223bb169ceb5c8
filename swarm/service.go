package swarm

import (
	"context"
	"strconv"
	"strings"

	"github.com/docker/docker/api/types"
	containertypes "github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/mount"
	swarmtypes "github.com/docker/docker/api/types/swarm"
	"github.com/docker/docker/errdefs"
)

// ServiceConfig is everything the deploy pipeline decides about one Swarm
// service before handing it to the engine.
type ServiceConfig struct {
	Name     string
	Image    string
	Command  []string
	Env      []string
	Replicas uint64
	Networks []string
	Labels   map[string]string

	PublishedPorts []PortMapping
	Volumes        []VolumeMapping
	Binds          []BindMapping

	// Health is a shell command probed inside the task containers; empty
	// means no health check.
	Health string

	CPULimit          float64 // fraction of a core, 0 means unlimited
	CPUReservation    float64 // fraction of a core, 0 means none
	MemoryLimit       int64   // bytes, 0 means unlimited
	MemoryReservation int64   // bytes, 0 means none
}

// PortMapping publishes a container port on the node.
type PortMapping struct {
	PublishedAs   uint32
	ContainerPort uint32
	Protocol      string // tcp or udp, empty means tcp
}

// VolumeMapping mounts a named volume into the task containers.
type VolumeMapping struct {
	Name        string
	Destination string
}

// BindMapping bind-mounts a host path, used only by platform services such
// as the syslog forwarder that needs the docker socket.
type BindMapping struct {
	Source      string
	Destination string
}

// CreateService creates a Swarm service and returns its ID.
func (d *Driver) CreateService(ctx context.Context, cfg ServiceConfig) (string, error) {
	replicas := cfg.Replicas
	spec := swarmtypes.ServiceSpec{
		Annotations: swarmtypes.Annotations{
			Name:   cfg.Name,
			Labels: cfg.Labels,
		},
		TaskTemplate: swarmtypes.TaskSpec{
			ContainerSpec: &swarmtypes.ContainerSpec{
				Image:   cfg.Image,
				Command: cfg.Command,
				Env:     cfg.Env,
				Labels:  cfg.Labels,
				Mounts:  append(volumeMounts(cfg.Volumes), bindMounts(cfg.Binds)...),
			},
			RestartPolicy: &swarmtypes.RestartPolicy{
				Condition: swarmtypes.RestartPolicyConditionAny,
			},
			Resources: taskResources(cfg),
			Networks:  networkAttachments(cfg.Networks),
		},
		Mode: swarmtypes.ServiceMode{
			Replicated: &swarmtypes.ReplicatedService{Replicas: &replicas},
		},
	}
	if cfg.Health != "" {
		spec.TaskTemplate.ContainerSpec.Healthcheck = &containertypes.HealthConfig{
			Test: []string{"CMD-SHELL", cfg.Health},
		}
	}
	if len(cfg.PublishedPorts) > 0 {
		ports := make([]swarmtypes.PortConfig, 0, len(cfg.PublishedPorts))
		for _, p := range cfg.PublishedPorts {
			ports = append(ports, swarmtypes.PortConfig{
				Protocol:      portProtocol(p.Protocol),
				TargetPort:    p.ContainerPort,
				PublishedPort: p.PublishedAs,
				PublishMode:   swarmtypes.PortConfigPublishModeIngress,
			})
		}
		spec.EndpointSpec = &swarmtypes.EndpointSpec{Ports: ports}
	}

	resp, err := d.cli.ServiceCreate(ctx, spec, types.ServiceCreateOptions{
		EncodedRegistryAuth: d.registryAuth,
	})
	if err != nil {
		return "", containerErr("service create", err)
	}
	for _, warning := range resp.Warnings {
		d.log.WithField("service", cfg.Name).Warn(warning)
	}
	return resp.ID, nil
}

// RemoveService removes a service by name or ID. A missing service is not an
// error; retirement runs against whatever a half-finished deployment left.
func (d *Driver) RemoveService(ctx context.Context, service string) error {
	err := d.cli.ServiceRemove(ctx, service)
	if err != nil && !errdefs.IsNotFound(err) {
		return containerErr("service remove", err)
	}
	return nil
}

// ScaleService sets the replica count of an existing service.
func (d *Driver) ScaleService(ctx context.Context, service string, replicas uint64) error {
	current, _, err := d.cli.ServiceInspectWithRaw(ctx, service, types.ServiceInspectOptions{})
	if err != nil {
		return containerErr("service inspect", err)
	}
	spec := current.Spec
	spec.Mode = swarmtypes.ServiceMode{
		Replicated: &swarmtypes.ReplicatedService{Replicas: &replicas},
	}
	_, err = d.cli.ServiceUpdate(ctx, current.ID, current.Version, spec, types.ServiceUpdateOptions{
		EncodedRegistryAuth: d.registryAuth,
	})
	return containerErr("service update", err)
}

// ServiceInfo is the subset of service state the daemon inspects.
type ServiceInfo struct {
	ID     string
	Name   string
	Labels map[string]string
}

// ListProjectServices lists services labelled for one project, across all of
// its deployments.
func (d *Driver) ListProjectServices(ctx context.Context, project string) ([]ServiceInfo, error) {
	return d.listServices(ctx, filters.NewArgs(
		filters.Arg("label", LabelProjectName+"="+project),
	))
}

// ListDeploymentServices lists services belonging to one deployment of a
// project.
func (d *Driver) ListDeploymentServices(ctx context.Context, project string, number int) ([]ServiceInfo, error) {
	return d.listServices(ctx, filters.NewArgs(
		filters.Arg("label", LabelProjectName+"="+project),
		filters.Arg("label", LabelDeploymentNumber+"="+strconv.Itoa(number)),
	))
}

// ListLabeledServices lists services carrying <label>=true, regardless of
// project.
func (d *Driver) ListLabeledServices(ctx context.Context, label string) ([]ServiceInfo, error) {
	return d.listServices(ctx, filters.NewArgs(
		filters.Arg("label", label+"=true"),
	))
}

func (d *Driver) listServices(ctx context.Context, args filters.Args) ([]ServiceInfo, error) {
	services, err := d.cli.ServiceList(ctx, types.ServiceListOptions{Filters: args})
	if err != nil {
		return nil, containerErr("service list", err)
	}
	infos := make([]ServiceInfo, 0, len(services))
	for _, svc := range services {
		infos = append(infos, ServiceInfo{
			ID:     svc.ID,
			Name:   svc.Spec.Name,
			Labels: svc.Spec.Labels,
		})
	}
	return infos, nil
}

// ProjectImages lists image tags built for a project, used by the deployment
// GC to drop tags no live deployment references.
func (d *Driver) ProjectImages(ctx context.Context, project string) ([]string, error) {
	summaries, err := d.cli.ImageList(ctx, image.ListOptions{})
	if err != nil {
		return nil, containerErr("image list", err)
	}
	prefix := "disco/project-" + project + "-"
	if d.registryHost != "" {
		prefix = d.registryHost + "/" + prefix
	}
	var tags []string
	for _, summary := range summaries {
		for _, tag := range summary.RepoTags {
			if strings.HasPrefix(tag, prefix) {
				tags = append(tags, tag)
			}
		}
	}
	return tags, nil
}

func volumeMounts(volumes []VolumeMapping) []mount.Mount {
	if len(volumes) == 0 {
		return nil
	}
	mounts := make([]mount.Mount, 0, len(volumes))
	for _, v := range volumes {
		mounts = append(mounts, mount.Mount{
			Type:   mount.TypeVolume,
			Source: v.Name,
			Target: v.Destination,
		})
	}
	return mounts
}

func bindMounts(binds []BindMapping) []mount.Mount {
	if len(binds) == 0 {
		return nil
	}
	mounts := make([]mount.Mount, 0, len(binds))
	for _, b := range binds {
		mounts = append(mounts, mount.Mount{
			Type:   mount.TypeBind,
			Source: b.Source,
			Target: b.Destination,
		})
	}
	return mounts
}

func taskResources(cfg ServiceConfig) *swarmtypes.ResourceRequirements {
	var req swarmtypes.ResourceRequirements
	if cfg.CPULimit > 0 || cfg.MemoryLimit > 0 {
		limit := &swarmtypes.Limit{MemoryBytes: cfg.MemoryLimit}
		if cfg.CPULimit > 0 {
			limit.NanoCPUs = int64(cfg.CPULimit * 1e9)
		}
		req.Limits = limit
	}
	if cfg.CPUReservation > 0 || cfg.MemoryReservation > 0 {
		reservation := &swarmtypes.Resources{MemoryBytes: cfg.MemoryReservation}
		if cfg.CPUReservation > 0 {
			reservation.NanoCPUs = int64(cfg.CPUReservation * 1e9)
		}
		req.Reservations = reservation
	}
	if req.Limits == nil && req.Reservations == nil {
		return nil
	}
	return &req
}

func portProtocol(protocol string) swarmtypes.PortConfigProtocol {
	if protocol == "udp" {
		return swarmtypes.PortConfigProtocolUDP
	}
	return swarmtypes.PortConfigProtocolTCP
}

func networkAttachments(names []string) []swarmtypes.NetworkAttachmentConfig {
	attachments := make([]swarmtypes.NetworkAttachmentConfig, 0, len(names))
	for _, name := range names {
		attachments = append(attachments, swarmtypes.NetworkAttachmentConfig{Target: name})
	}
	return attachments
}
