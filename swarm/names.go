package swarm

import (
	"fmt"
	"strconv"
	"time"
)

// Object labels stamped on every service, network and container disco
// creates. The TTL-sweep and retirement logic select on these.
const (
	LabelProjectName      = "disco.project.name"
	LabelServiceName      = "disco.service.name"
	LabelDeploymentNumber = "disco.deployment.number"

	LabelRun   = "disco.run"
	LabelShell = "disco.shell"
	LabelCGI   = "disco.cgi"

	LabelRunExpires   = "disco.run.expires"
	LabelShellExpires = "disco.shell.expires"
	LabelCGIExpires   = "disco.cgi.expires"

	// LabelTunnel marks ephemeral tunnel services; the hourly rogue sweep
	// removes any that outlived the hub's registry.
	LabelTunnel = "disco.tunnel"

	// LabelLogCore marks daemon-owned services so CORE syslog drains capture
	// only platform logs.
	LabelLogCore = "disco.log.core"
)

// ImageName returns the tag for a built project image:
// disco/project-<project>-<imageKey>:<number>, optionally registry-prefixed.
func ImageName(registryHost, project, imageKey string, number int) string {
	name := fmt.Sprintf("disco/project-%s-%s:%d", project, imageKey, number)
	if registryHost != "" {
		return registryHost + "/" + name
	}
	return name
}

// ServiceName returns <project>-<service>.<number>.
func ServiceName(project, service string, number int) string {
	return fmt.Sprintf("%s-%s.%d", project, service, number)
}

// RunContainerName returns <project>-run.<number>.
func RunContainerName(project string, number int) string {
	return fmt.Sprintf("%s-run.%d", project, number)
}

// ShellContainerName returns <project>-shell.<suffix>. The suffix is unique
// per session; shells are not numbered like runs.
func ShellContainerName(project, suffix string) string {
	return fmt.Sprintf("%s-shell.%s", project, suffix)
}

// CGIContainerName returns <project>-cgi.<suffix>.
func CGIContainerName(project, suffix string) string {
	return fmt.Sprintf("%s-cgi.%s", project, suffix)
}

// NetworkName returns the per-deployment overlay network name.
func NetworkName(project string, number int) string {
	return fmt.Sprintf("%s-network-%d", project, number)
}

// CaddyNetworkName returns the network peering the reverse proxy with the
// deployment's web service.
func CaddyNetworkName(project string, number int) string {
	return fmt.Sprintf("%s-caddy-%d", project, number)
}

// DeploymentLabels returns the standard label set for deployment objects.
func DeploymentLabels(project, service string, number int) map[string]string {
	return map[string]string{
		LabelProjectName:      project,
		LabelServiceName:      service,
		LabelDeploymentNumber: strconv.Itoa(number),
	}
}

// EphemeralLabels returns the label set for a TTL-bound ephemeral container.
// kind is LabelRun, LabelShell or LabelCGI.
func EphemeralLabels(project, kind string, expires time.Time) map[string]string {
	return map[string]string{
		LabelProjectName:  project,
		kind:              "true",
		kind + ".expires": strconv.FormatInt(expires.Unix(), 10),
	}
}
