// Package manifest models the per-project disco.json document: the contract
// between user configuration and the deployment engine.
//
// Parsing is total: Parse either returns a fully validated Manifest with all
// defaults materialized, or an *InvalidManifestError naming the offending
// path. Nothing downstream of Parse needs to re-validate.
package manifest

import (
	"encoding/json"
	"fmt"

	units "github.com/docker/go-units"
	"github.com/robfig/cron/v3"
)

// ServiceType enumerates the kinds of services a manifest may declare.
type ServiceType string

const (
	TypeContainer ServiceType = "container"
	TypeStatic    ServiceType = "static"
	TypeGenerator ServiceType = "generator"
	TypeCommand   ServiceType = "command"
	TypeCron      ServiceType = "cron"
	TypeCGI       ServiceType = "cgi"
)

var validTypes = map[ServiceType]bool{
	TypeContainer: true,
	TypeStatic:    true,
	TypeGenerator: true,
	TypeCommand:   true,
	TypeCron:      true,
	TypeCGI:       true,
}

// DefaultImageKey is the synthetic image injected when services execute but
// declare no image of their own.
const DefaultImageKey = "default"

const (
	defaultPort    = 8000
	defaultTimeout = 300
)

// WebServiceName is the single service name eligible for HTTP cutover.
const WebServiceName = "web"

// cronParser accepts the standard five-field cron grammar.
var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

// InvalidManifestError reports a structural or semantic defect in a manifest,
// with the JSON-ish path of the offending field.
type InvalidManifestError struct {
	Path    string
	Message string
}

func (e *InvalidManifestError) Error() string {
	if e.Path == "" {
		return fmt.Sprintf("invalid manifest: %s", e.Message)
	}
	return fmt.Sprintf("invalid manifest: %s: %s", e.Path, e.Message)
}

func invalid(path, format string, args ...any) error {
	return &InvalidManifestError{Path: path, Message: fmt.Sprintf(format, args...)}
}

// Manifest is a parsed, validated disco.json document.
type Manifest struct {
	Version  string             `json:"version"`
	Services map[string]Service `json:"services"`
	Images   map[string]Image   `json:"images,omitempty"`
}

// Service declares one workload of a project.
type Service struct {
	Type              ServiceType     `json:"type,omitempty"`
	Image             string          `json:"image,omitempty"`
	Port              int             `json:"port,omitempty"`
	Command           string          `json:"command,omitempty"`
	PublishedPorts    []PublishedPort `json:"publishedPorts,omitempty"`
	Volumes           []Volume        `json:"volumes,omitempty"`
	Schedule          string          `json:"schedule,omitempty"`
	ExposedInternally bool            `json:"exposedInternally,omitempty"`
	Timeout           int             `json:"timeout,omitempty"`
	Health            string          `json:"health,omitempty"`
	Resources         *Resources      `json:"resources,omitempty"`
	PublicPath        string          `json:"publicPath,omitempty"`
}

// PublishedPort maps a container port onto a host port.
type PublishedPort struct {
	PublishedAs       int    `json:"publishedAs"`
	FromContainerPort int    `json:"fromContainerPort"`
	Protocol          string `json:"protocol,omitempty"` // tcp or udp
}

// Volume mounts a named volume at a path inside the service.
type Volume struct {
	Name            string `json:"name"`
	DestinationPath string `json:"destinationPath"`
}

// Resources caps and reserves CPU and memory for a service.
type Resources struct {
	CPULimit          float64 `json:"cpuLimit,omitempty"`
	CPUReservation    float64 `json:"cpuReservation,omitempty"`
	MemoryLimit       string  `json:"memoryLimit,omitempty"`
	MemoryReservation string  `json:"memoryReservation,omitempty"`
}

// Image describes how to obtain a service image: either a build (dockerfile +
// context) or a pull pin.
type Image struct {
	Dockerfile string `json:"dockerfile,omitempty"`
	Context    string `json:"context,omitempty"`
	Pull       string `json:"pull,omitempty"`
}

// IsPull reports whether the image is a registry pin rather than a build.
func (i Image) IsPull() bool { return i.Pull != "" }

// Default returns the manifest used when a project carries no disco.json:
// a single container web service on the default port.
func Default() *Manifest {
	m, err := Parse([]byte(`{"version":"1.0","services":{"web":{}}}`))
	if err != nil {
		// The literal above is known valid.
		panic(err)
	}
	return m
}

// Parse decodes and validates manifest bytes, materializing defaults.
func Parse(data []byte) (*Manifest, error) {
	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, invalid("", "not valid JSON: %v", err)
	}
	if m.Version == "" {
		return nil, invalid("version", "version is required")
	}
	if m.Services == nil {
		m.Services = map[string]Service{}
	}

	for name, svc := range m.Services {
		validated, err := validateService(name, svc)
		if err != nil {
			return nil, err
		}
		m.Services[name] = validated
	}
	for name, img := range m.Images {
		if err := validateImage(name, img); err != nil {
			return nil, err
		}
	}

	m.injectDefaultImage()

	for name, svc := range m.Services {
		if _, ok := m.Images[svc.Image]; !ok && serviceExecutes(svc) {
			return nil, invalid("services."+name+".image", "unknown image %q", svc.Image)
		}
	}
	return &m, nil
}

func validateService(name string, svc Service) (Service, error) {
	path := "services." + name

	if svc.Type == "" {
		svc.Type = TypeContainer
	}
	if !validTypes[svc.Type] {
		return svc, invalid(path+".type", "unknown service type %q", svc.Type)
	}
	if svc.Image == "" && serviceExecutes(svc) {
		svc.Image = DefaultImageKey
	}
	if svc.Port == 0 {
		svc.Port = defaultPort
	}
	if svc.Timeout == 0 {
		svc.Timeout = defaultTimeout
	}

	if svc.Type == TypeCron {
		if svc.Schedule == "" {
			return svc, invalid(path+".schedule", "cron services require a schedule")
		}
		if _, err := cronParser.Parse(svc.Schedule); err != nil {
			return svc, invalid(path+".schedule", "invalid cron expression %q", svc.Schedule)
		}
	}

	for i, p := range svc.PublishedPorts {
		if p.Protocol == "" {
			p.Protocol = "tcp"
			svc.PublishedPorts[i] = p
		}
		if p.Protocol != "tcp" && p.Protocol != "udp" {
			return svc, invalid(fmt.Sprintf("%s.publishedPorts[%d].protocol", path, i),
				"protocol must be tcp or udp, got %q", p.Protocol)
		}
		if p.PublishedAs <= 0 || p.FromContainerPort <= 0 {
			return svc, invalid(fmt.Sprintf("%s.publishedPorts[%d]", path, i),
				"ports must be positive")
		}
	}

	if svc.Resources != nil {
		if err := validateResources(path+".resources", svc.Resources); err != nil {
			return svc, err
		}
	}
	return svc, nil
}

func validateResources(path string, r *Resources) error {
	if r.CPULimit < 0 {
		return invalid(path+".cpuLimit", "cpu limit must be positive")
	}
	if r.CPUReservation < 0 {
		return invalid(path+".cpuReservation", "cpu reservation must be positive")
	}
	if r.CPULimit != 0 && r.CPUReservation != 0 && r.CPULimit < r.CPUReservation {
		return invalid(path, "cpu limit must be >= cpu reservation")
	}

	var limitBytes, reservationBytes int64
	if r.MemoryLimit != "" {
		b, err := units.RAMInBytes(r.MemoryLimit)
		if err != nil {
			return invalid(path+".memoryLimit", "invalid memory format %q", r.MemoryLimit)
		}
		limitBytes = b
	}
	if r.MemoryReservation != "" {
		b, err := units.RAMInBytes(r.MemoryReservation)
		if err != nil {
			return invalid(path+".memoryReservation", "invalid memory format %q", r.MemoryReservation)
		}
		reservationBytes = b
	}
	if limitBytes != 0 && reservationBytes != 0 && limitBytes < reservationBytes {
		return invalid(path, "memory limit must be >= memory reservation")
	}
	return nil
}

func validateImage(name string, img Image) error {
	path := "images." + name
	if img.Pull != "" && (img.Dockerfile != "" || img.Context != "") {
		return invalid(path, "an image is either a pull pin or a build, not both")
	}
	return nil
}

// serviceExecutes reports whether the service will actually run a process.
// A pure static site with no build command never executes, so it needs no
// image.
func serviceExecutes(svc Service) bool {
	if svc.Type == TypeStatic && svc.Command == "" {
		return false
	}
	return true
}

// injectDefaultImage adds the synthetic "default" image (Dockerfile at the
// repository root) when some service executes without naming an explicit
// image, and never otherwise.
func (m *Manifest) injectDefaultImage() {
	needed := false
	for _, svc := range m.Services {
		if serviceExecutes(svc) && svc.Image == DefaultImageKey {
			needed = true
			break
		}
	}
	if !needed {
		return
	}
	if m.Images == nil {
		m.Images = map[string]Image{}
	}
	if _, ok := m.Images[DefaultImageKey]; !ok {
		m.Images[DefaultImageKey] = Image{Dockerfile: "Dockerfile", Context: "."}
	}
}

// Serialize renders the manifest back to JSON. Parse(Serialize(m)) equals m
// for every valid manifest.
func (m *Manifest) Serialize() ([]byte, error) {
	return json.Marshal(m)
}

// WebService returns the web service, if declared.
func (m *Manifest) WebService() (Service, bool) {
	svc, ok := m.Services[WebServiceName]
	return svc, ok
}

// HasWeb reports whether the manifest declares a web service at all.
func (m *Manifest) HasWeb() bool {
	_, ok := m.Services[WebServiceName]
	return ok
}

// ContainerServices returns the names of all long-running container services.
func (m *Manifest) ContainerServices() []string {
	return m.servicesOfType(TypeContainer)
}

// CronServices returns the names of all cron services.
func (m *Manifest) CronServices() []string {
	return m.servicesOfType(TypeCron)
}

func (m *Manifest) servicesOfType(t ServiceType) []string {
	var names []string
	for name, svc := range m.Services {
		if svc.Type == t {
			names = append(names, name)
		}
	}
	return names
}

// BuildImages returns the images that require a build (not pull pins),
// restricted to images actually referenced by an executing service.
func (m *Manifest) BuildImages() map[string]Image {
	referenced := map[string]bool{}
	for _, svc := range m.Services {
		if serviceExecutes(svc) {
			referenced[svc.Image] = true
		}
	}
	out := map[string]Image{}
	for name, img := range m.Images {
		if referenced[name] && !img.IsPull() {
			out[name] = img
		}
	}
	return out
}

// ImageFor resolves the image declaration a service runs from.
func (m *Manifest) ImageFor(serviceName string) (Image, bool) {
	svc, ok := m.Services[serviceName]
	if !ok {
		return Image{}, false
	}
	img, ok := m.Images[svc.Image]
	return img, ok
}
