package swarm

import (
	"context"

	"github.com/docker/docker/api/types/filters"
	networktypes "github.com/docker/docker/api/types/network"
	"github.com/docker/docker/errdefs"
)

// CreateNetwork creates an attachable overlay network. Creating a network
// that already exists is not an error so deployment recovery can re-run the
// step.
func (d *Driver) CreateNetwork(ctx context.Context, name string, labels map[string]string) error {
	_, err := d.cli.NetworkCreate(ctx, name, networktypes.CreateOptions{
		Driver:     "overlay",
		Attachable: true,
		Labels:     labels,
	})
	if err != nil && !errdefs.IsConflict(err) {
		return containerErr("network create", err)
	}
	return nil
}

// RemoveNetwork removes a network; absent networks are ignored.
func (d *Driver) RemoveNetwork(ctx context.Context, name string) error {
	err := d.cli.NetworkRemove(ctx, name)
	if err != nil && !errdefs.IsNotFound(err) {
		return containerErr("network remove", err)
	}
	return nil
}

// ConnectContainer attaches a running container to a network. Already
// connected is fine.
func (d *Driver) ConnectContainer(ctx context.Context, network, container string) error {
	err := d.cli.NetworkConnect(ctx, network, container, nil)
	if err != nil && !errdefs.IsConflict(err) {
		return containerErr("network connect", err)
	}
	return nil
}

// DisconnectContainer detaches a container from a network. Used during
// cutover to unplug the reverse proxy from the retired deployment's network.
func (d *Driver) DisconnectContainer(ctx context.Context, network, container string) error {
	err := d.cli.NetworkDisconnect(ctx, network, container, true)
	if err != nil && !errdefs.IsNotFound(err) {
		return containerErr("network disconnect", err)
	}
	return nil
}

// ListProjectNetworks lists the networks labelled for a project.
func (d *Driver) ListProjectNetworks(ctx context.Context, project string) ([]string, error) {
	summaries, err := d.cli.NetworkList(ctx, networktypes.ListOptions{
		Filters: filters.NewArgs(filters.Arg("label", LabelProjectName+"="+project)),
	})
	if err != nil {
		return nil, containerErr("network list", err)
	}
	names := make([]string, 0, len(summaries))
	for _, summary := range summaries {
		names = append(names, summary.Name)
	}
	return names, nil
}
