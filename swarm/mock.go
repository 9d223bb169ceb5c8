package swarm

import (
	"context"
	"io"
	"net"
	"strings"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/build"
	containertypes "github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/image"
	networktypes "github.com/docker/docker/api/types/network"
	swarmtypes "github.com/docker/docker/api/types/swarm"
	"github.com/docker/docker/api/types/volume"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
)

// MockClient is an in-memory implementation of Client for testing
type MockClient struct {
	// Containers to return from ContainerList
	Containers []containertypes.Summary
	// Images to return from ImageList
	Images []image.Summary
	// Services created through ServiceCreate, keyed by name
	Services map[string]swarmtypes.ServiceSpec
	// Networks created through NetworkCreate
	Networks map[string]string
	// NetworkListResponse to return from NetworkList
	NetworkListResponse []networktypes.Summary
	// BuildStream overrides the ImageBuild response body
	BuildStream string
	// WaitExitCode to return from ContainerWait
	WaitExitCode int64
	// Error to return from operations
	Err error
	// Track function calls
	ImageBuildCalled        bool
	ImageTagCalled          bool
	ImagePushCalled         bool
	ImagePullCalled         bool
	ImagesPruneCalled       bool
	BuildCachePruneCalled   bool
	ServiceCreateCalled     bool
	ServiceRemoveCalled     bool
	ServiceUpdateCalled     bool
	ContainerCreateCalled   bool
	ContainerStartCalled    bool
	ContainerStopCalled     bool
	ContainerRemoveCalled   bool
	ContainerResizeCalled   bool
	NetworkCreateCalled     bool
	NetworkRemoveCalled     bool
	NetworkConnectCalled    bool
	NetworkDisconnectCalled bool
	// Store last call parameters
	LastImageTag      string
	LastServiceName   string
	LastServiceSpec   swarmtypes.ServiceSpec
	LastContainerID   string
	LastContainerName string
	LastNetworkName   string
	RemovedServices   []string
	// BuiltTags collects the first tag of every ImageBuild call
	BuiltTags []string
	// TaggedImages maps target to source for every ImageTag call
	TaggedImages map[string]string
}

// NewMockClient creates a new mock engine client
func NewMockClient() *MockClient {
	return &MockClient{
		Containers: []containertypes.Summary{},
		Images:     []image.Summary{},
		Services:   make(map[string]swarmtypes.ServiceSpec),
		Networks:   make(map[string]string),
	}
}

// ImageBuild mocks building an image
func (m *MockClient) ImageBuild(ctx context.Context, buildContext io.Reader, options build.ImageBuildOptions) (build.ImageBuildResponse, error) {
	m.ImageBuildCalled = true
	if len(options.Tags) > 0 {
		m.LastImageTag = options.Tags[0]
		m.BuiltTags = append(m.BuiltTags, options.Tags[0])
	}
	if m.Err != nil {
		return build.ImageBuildResponse{}, m.Err
	}
	stream := m.BuildStream
	if stream == "" {
		stream = `{"stream":"Successfully built mock-image\n"}`
	}
	return build.ImageBuildResponse{
		Body: io.NopCloser(strings.NewReader(stream)),
	}, nil
}

// ImageTag mocks aliasing an image tag
func (m *MockClient) ImageTag(ctx context.Context, source, target string) error {
	m.ImageTagCalled = true
	if m.Err != nil {
		return m.Err
	}
	if m.TaggedImages == nil {
		m.TaggedImages = make(map[string]string)
	}
	m.TaggedImages[target] = source
	return nil
}

// ImagePush mocks pushing an image
func (m *MockClient) ImagePush(ctx context.Context, image string, options image.PushOptions) (io.ReadCloser, error) {
	m.ImagePushCalled = true
	m.LastImageTag = image
	if m.Err != nil {
		return nil, m.Err
	}
	return io.NopCloser(strings.NewReader(`{"status":"Push complete"}`)), nil
}

// ImagePull mocks pulling an image
func (m *MockClient) ImagePull(ctx context.Context, refStr string, options image.PullOptions) (io.ReadCloser, error) {
	m.ImagePullCalled = true
	m.LastImageTag = refStr
	if m.Err != nil {
		return nil, m.Err
	}
	return io.NopCloser(strings.NewReader(`{"status":"Pull complete"}`)), nil
}

// ImageList mocks listing images
func (m *MockClient) ImageList(ctx context.Context, options image.ListOptions) ([]image.Summary, error) {
	if m.Err != nil {
		return nil, m.Err
	}
	return m.Images, nil
}

// ImagesPrune mocks pruning dangling images
func (m *MockClient) ImagesPrune(ctx context.Context, pruneFilter filters.Args) (image.PruneReport, error) {
	m.ImagesPruneCalled = true
	if m.Err != nil {
		return image.PruneReport{}, m.Err
	}
	return image.PruneReport{}, nil
}

// BuildCachePrune mocks pruning the build cache
func (m *MockClient) BuildCachePrune(ctx context.Context, opts build.CachePruneOptions) (*build.CachePruneReport, error) {
	m.BuildCachePruneCalled = true
	if m.Err != nil {
		return nil, m.Err
	}
	return &build.CachePruneReport{}, nil
}

// ServiceCreate mocks creating a Swarm service
func (m *MockClient) ServiceCreate(ctx context.Context, service swarmtypes.ServiceSpec, options types.ServiceCreateOptions) (swarmtypes.ServiceCreateResponse, error) {
	m.ServiceCreateCalled = true
	m.LastServiceName = service.Name
	m.LastServiceSpec = service
	if m.Err != nil {
		return swarmtypes.ServiceCreateResponse{}, m.Err
	}
	m.Services[service.Name] = service
	return swarmtypes.ServiceCreateResponse{ID: "mock-service-id-" + service.Name}, nil
}

// ServiceList mocks listing services, honoring label filters
func (m *MockClient) ServiceList(ctx context.Context, options types.ServiceListOptions) ([]swarmtypes.Service, error) {
	if m.Err != nil {
		return nil, m.Err
	}
	services := make([]swarmtypes.Service, 0, len(m.Services))
	for name, spec := range m.Services {
		if !matchesLabelFilters(spec.Annotations.Labels, options.Filters) {
			continue
		}
		services = append(services, swarmtypes.Service{
			ID:   "mock-service-id-" + name,
			Spec: spec,
		})
	}
	return services, nil
}

func matchesLabelFilters(labels map[string]string, args filters.Args) bool {
	for _, want := range args.Get("label") {
		key, value, hasValue := strings.Cut(want, "=")
		got, ok := labels[key]
		if !ok {
			return false
		}
		if hasValue && got != value {
			return false
		}
	}
	return true
}

// ServiceRemove mocks removing a service
func (m *MockClient) ServiceRemove(ctx context.Context, serviceID string) error {
	m.ServiceRemoveCalled = true
	m.RemovedServices = append(m.RemovedServices, serviceID)
	if m.Err != nil {
		return m.Err
	}
	delete(m.Services, strings.TrimPrefix(serviceID, "mock-service-id-"))
	return nil
}

// ServiceInspectWithRaw mocks inspecting a service
func (m *MockClient) ServiceInspectWithRaw(ctx context.Context, serviceID string, opts types.ServiceInspectOptions) (swarmtypes.Service, []byte, error) {
	if m.Err != nil {
		return swarmtypes.Service{}, nil, m.Err
	}
	name := strings.TrimPrefix(serviceID, "mock-service-id-")
	spec, ok := m.Services[name]
	if !ok {
		spec = swarmtypes.ServiceSpec{Annotations: swarmtypes.Annotations{Name: name}}
	}
	return swarmtypes.Service{ID: serviceID, Spec: spec}, nil, nil
}

// ServiceUpdate mocks updating a service
func (m *MockClient) ServiceUpdate(ctx context.Context, serviceID string, version swarmtypes.Version, service swarmtypes.ServiceSpec, options types.ServiceUpdateOptions) (swarmtypes.ServiceUpdateResponse, error) {
	m.ServiceUpdateCalled = true
	m.LastServiceName = service.Name
	m.LastServiceSpec = service
	if m.Err != nil {
		return swarmtypes.ServiceUpdateResponse{}, m.Err
	}
	m.Services[service.Name] = service
	return swarmtypes.ServiceUpdateResponse{}, nil
}

// ContainerCreate mocks creating a container with v28.x signature (includes Platform parameter)
func (m *MockClient) ContainerCreate(
	ctx context.Context,
	config *containertypes.Config,
	hostConfig *containertypes.HostConfig,
	networkingConfig *networktypes.NetworkingConfig,
	platform *ocispec.Platform,
	containerName string,
) (containertypes.CreateResponse, error) {
	m.ContainerCreateCalled = true
	m.LastContainerName = containerName
	if m.Err != nil {
		return containertypes.CreateResponse{}, m.Err
	}
	return containertypes.CreateResponse{ID: "mock-container-id-" + containerName}, nil
}

// ContainerStart mocks starting a container
func (m *MockClient) ContainerStart(ctx context.Context, containerID string, options containertypes.StartOptions) error {
	m.ContainerStartCalled = true
	m.LastContainerID = containerID
	return m.Err
}

// ContainerStop mocks stopping a container
func (m *MockClient) ContainerStop(ctx context.Context, containerID string, options containertypes.StopOptions) error {
	m.ContainerStopCalled = true
	m.LastContainerID = containerID
	return m.Err
}

// ContainerRemove mocks removing a container
func (m *MockClient) ContainerRemove(ctx context.Context, containerID string, options containertypes.RemoveOptions) error {
	m.ContainerRemoveCalled = true
	m.LastContainerID = containerID
	return m.Err
}

// ContainerWait mocks waiting for a container
func (m *MockClient) ContainerWait(ctx context.Context, containerID string, condition containertypes.WaitCondition) (<-chan containertypes.WaitResponse, <-chan error) {
	m.LastContainerID = containerID

	statusCh := make(chan containertypes.WaitResponse, 1)
	errCh := make(chan error, 1)

	if m.Err != nil {
		errCh <- m.Err
	} else {
		statusCh <- containertypes.WaitResponse{StatusCode: m.WaitExitCode}
	}

	return statusCh, errCh
}

// ContainerAttach mocks attaching to a container with a pipe pair
func (m *MockClient) ContainerAttach(ctx context.Context, containerID string, options containertypes.AttachOptions) (types.HijackedResponse, error) {
	m.LastContainerID = containerID
	if m.Err != nil {
		return types.HijackedResponse{}, m.Err
	}
	server, client := net.Pipe()
	go func() {
		_, _ = io.Copy(io.Discard, server)
		_ = server.Close()
	}()
	return types.NewHijackedResponse(client, ""), nil
}

// ContainerResize mocks resizing a container TTY
func (m *MockClient) ContainerResize(ctx context.Context, containerID string, options containertypes.ResizeOptions) error {
	m.ContainerResizeCalled = true
	m.LastContainerID = containerID
	return m.Err
}

// ContainerList mocks listing containers
func (m *MockClient) ContainerList(ctx context.Context, options containertypes.ListOptions) ([]containertypes.Summary, error) {
	if m.Err != nil {
		return nil, m.Err
	}
	return m.Containers, nil
}

// ContainerLogs mocks getting container logs
func (m *MockClient) ContainerLogs(ctx context.Context, containerID string, options containertypes.LogsOptions) (io.ReadCloser, error) {
	m.LastContainerID = containerID
	if m.Err != nil {
		return nil, m.Err
	}
	return io.NopCloser(strings.NewReader("mock container logs")), nil
}

// NetworkCreate mocks creating a network
func (m *MockClient) NetworkCreate(ctx context.Context, name string, options networktypes.CreateOptions) (networktypes.CreateResponse, error) {
	m.NetworkCreateCalled = true
	m.LastNetworkName = name
	if m.Err != nil {
		return networktypes.CreateResponse{}, m.Err
	}

	networkID := "mock-network-id-" + name
	m.Networks[name] = networkID
	return networktypes.CreateResponse{ID: networkID}, nil
}

// NetworkRemove mocks removing a network
func (m *MockClient) NetworkRemove(ctx context.Context, networkID string) error {
	m.NetworkRemoveCalled = true
	m.LastNetworkName = networkID
	if m.Err != nil {
		return m.Err
	}
	delete(m.Networks, strings.TrimPrefix(networkID, "mock-network-id-"))
	return nil
}

// NetworkConnect mocks connecting a container to a network
func (m *MockClient) NetworkConnect(ctx context.Context, networkID, containerID string, config *networktypes.EndpointSettings) error {
	m.NetworkConnectCalled = true
	m.LastNetworkName = networkID
	m.LastContainerID = containerID
	return m.Err
}

// NetworkDisconnect mocks disconnecting a container from a network
func (m *MockClient) NetworkDisconnect(ctx context.Context, networkID, containerID string, force bool) error {
	m.NetworkDisconnectCalled = true
	m.LastNetworkName = networkID
	m.LastContainerID = containerID
	return m.Err
}

// NetworkList mocks listing networks
func (m *MockClient) NetworkList(ctx context.Context, options networktypes.ListOptions) ([]networktypes.Summary, error) {
	if m.Err != nil {
		return nil, m.Err
	}
	return m.NetworkListResponse, nil
}

// VolumeList mocks listing volumes
func (m *MockClient) VolumeList(ctx context.Context, options volume.ListOptions) (volume.ListResponse, error) {
	if m.Err != nil {
		return volume.ListResponse{}, m.Err
	}
	return volume.ListResponse{}, nil
}

// Close mocks closing the client
func (m *MockClient) Close() error {
	return nil
}
