package deploy

import (
	"context"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/disco-paas/disco/db"
	"github.com/disco-paas/disco/github"
	"github.com/disco-paas/disco/manifest"
	"github.com/disco-paas/disco/outputs"
	"github.com/disco-paas/disco/swarm"
)

func TestApplyServiceRuntime(t *testing.T) {
	m, err := manifest.Parse([]byte(`{
		"version": "1.0",
		"services": {
			"web": {
				"port": 8000,
				"command": "./server",
				"health": "curl -f http://localhost:8000/health",
				"publishedPorts": [
					{"publishedAs": 27015, "fromContainerPort": 27015, "protocol": "udp"},
					{"publishedAs": 8080, "fromContainerPort": 8000}
				],
				"resources": {
					"cpuLimit": 1,
					"cpuReservation": 0.25,
					"memoryLimit": "1g",
					"memoryReservation": "256m"
				}
			}
		}
	}`))
	require.NoError(t, err)

	var cfg swarm.ServiceConfig
	require.NoError(t, applyServiceRuntime(&cfg, "blog", m.Services["web"]))

	assert.Equal(t, []string{"/bin/sh", "-c", "./server"}, cfg.Command)
	assert.Equal(t, "curl -f http://localhost:8000/health", cfg.Health)
	require.Len(t, cfg.PublishedPorts, 2)
	assert.Equal(t, "udp", cfg.PublishedPorts[0].Protocol)
	assert.Equal(t, uint32(27015), cfg.PublishedPorts[0].PublishedAs)
	assert.Equal(t, "tcp", cfg.PublishedPorts[1].Protocol)
	assert.Equal(t, 1.0, cfg.CPULimit)
	assert.Equal(t, 0.25, cfg.CPUReservation)
	assert.Equal(t, int64(1024*1024*1024), cfg.MemoryLimit)
	assert.Equal(t, int64(256*1024*1024), cfg.MemoryReservation)
}

func TestApplyServiceRuntimeBare(t *testing.T) {
	m, err := manifest.Parse([]byte(`{"version":"1.0","services":{"web":{"port":8000}}}`))
	require.NoError(t, err)

	var cfg swarm.ServiceConfig
	require.NoError(t, applyServiceRuntime(&cfg, "blog", m.Services["web"]))

	assert.Nil(t, cfg.Command)
	assert.Empty(t, cfg.Health)
	assert.Empty(t, cfg.PublishedPorts)
	assert.Zero(t, cfg.CPULimit)
	assert.Zero(t, cfg.CPUReservation)
	assert.Zero(t, cfg.MemoryLimit)
	assert.Zero(t, cfg.MemoryReservation)
}

func TestImageBuildDef(t *testing.T) {
	// Omitted dockerfile and context normalize to the repo-root default, so
	// an empty image definition matches an explicit one.
	assert.Equal(t,
		imageBuildDef(manifest.Image{Dockerfile: "Dockerfile", Context: "."}),
		imageBuildDef(manifest.Image{}))
	assert.NotEqual(t,
		imageBuildDef(manifest.Image{Dockerfile: "Dockerfile.worker"}),
		imageBuildDef(manifest.Image{}))
}

// buildTestEngine wires an engine with just enough behind it to run the
// build step against the mock engine client.
func buildTestEngine(t *testing.T) (*Engine, *swarm.MockClient) {
	t.Helper()
	mock := swarm.NewMockClient()
	out, err := outputs.NewStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(out.Close)
	repos := github.NewRepos(t.TempDir())
	require.NoError(t, os.MkdirAll(repos.WorktreePath("blog"), 0o755))
	engine := NewEngine(Params{
		Driver:  swarm.NewDriver(mock, "", "", ""),
		Outputs: out,
		Repos:   repos,
	})
	return engine, mock
}

func buildTestRun(t *testing.T, discoFile string) *run {
	t.Helper()
	m, err := manifest.Parse([]byte(discoFile))
	require.NoError(t, err)
	return &run{
		project:    &db.Project{ID: "p1", Name: "blog"},
		deployment: &db.Deployment{ID: "d1", Number: 1},
		manifest:   m,
		source:     outputs.DeploymentSource("d1"),
	}
}

func TestStepBuildSharedDefinition(t *testing.T) {
	engine, mock := buildTestEngine(t)
	r := buildTestRun(t, `{
		"version": "1.0",
		"images": {"app": {}, "jobs": {}},
		"services": {
			"web": {"image": "app", "port": 8000},
			"worker": {"image": "jobs", "command": "run-jobs"}
		}
	}`)

	require.NoError(t, engine.stepBuild(context.Background(), r))

	// One build for the shared {dockerfile, context} pair, the second key
	// becomes a tag alias of the first.
	assert.Equal(t, []string{"disco/project-blog-app:1"}, mock.BuiltTags)
	assert.Equal(t, map[string]string{
		"disco/project-blog-jobs:1": "disco/project-blog-app:1",
	}, mock.TaggedImages)
}

func TestStepBuildDistinctDefinitions(t *testing.T) {
	engine, mock := buildTestEngine(t)
	r := buildTestRun(t, `{
		"version": "1.0",
		"images": {"app": {}, "jobs": {"dockerfile": "Dockerfile.jobs"}},
		"services": {
			"web": {"image": "app", "port": 8000},
			"worker": {"image": "jobs", "command": "run-jobs"}
		}
	}`)

	require.NoError(t, engine.stepBuild(context.Background(), r))

	assert.Equal(t, []string{"disco/project-blog-app:1", "disco/project-blog-jobs:1"}, mock.BuiltTags)
	assert.False(t, mock.ImageTagCalled)
}
