//go:build integration

package deploy

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/disco-paas/disco/caddy"
	"github.com/disco-paas/disco/db"
	gh "github.com/disco-paas/disco/github"
	"github.com/disco-paas/disco/outputs"
	"github.com/disco-paas/disco/queue"
	"github.com/disco-paas/disco/security"
	"github.com/disco-paas/disco/swarm"
)

type testRig struct {
	engine   *Engine
	store    *db.Store
	mock     *swarm.MockClient
	routes   map[string]json.RawMessage
	out      *outputs.Store
	reposDir string
	srvDir   string
}

func setupEngine(t *testing.T) *testRig {
	ctx := context.Background()

	req := testcontainers.ContainerRequest{
		Image:        "postgres:16-alpine",
		ExposedPorts: []string{"5432/tcp"},
		Env: map[string]string{
			"POSTGRES_USER":     "disco",
			"POSTGRES_PASSWORD": "disco",
			"POSTGRES_DB":       "disco",
		},
		WaitingFor: wait.ForLog("database system is ready to accept connections").
			WithOccurrence(2).
			WithStartupTimeout(60 * time.Second),
	}
	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = container.Terminate(ctx) })

	host, err := container.Host(ctx)
	require.NoError(t, err)
	port, err := container.MappedPort(ctx, "5432")
	require.NoError(t, err)

	dsn := fmt.Sprintf("host=%s port=%s user=disco password=disco dbname=disco sslmode=disable", host, port.Port())
	gdb, err := gorm.Open(postgres.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)
	require.NoError(t, db.Migrate(gdb))
	store := db.New(gdb)

	// Fake proxy admin endpoint: remembers the last body PATCHed per id.
	routes := map[string]json.RawMessage{}
	proxySrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.HasPrefix(r.URL.Path, "/id/") {
			id := strings.TrimPrefix(r.URL.Path, "/id/")
			switch r.Method {
			case http.MethodDelete:
				delete(routes, id)
			default:
				var body json.RawMessage
				if err := json.NewDecoder(r.Body).Decode(&body); err == nil {
					routes[id] = body
				}
			}
		}
		w.WriteHeader(http.StatusOK)
	}))
	t.Cleanup(proxySrv.Close)
	proxy := caddy.NewDriverWithClient(proxySrv.Client(), proxySrv.URL, "disco:2380")

	crypto, err := security.NewCryptoFromKey(make([]byte, security.KeySize))
	require.NoError(t, err)

	out, err := outputs.NewStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(out.Close)

	mock := swarm.NewMockClient()
	reposDir := t.TempDir()
	srvDir := t.TempDir()
	engine := NewEngine(Params{
		Store:          store,
		Queue:          queue.New(store),
		Driver:         swarm.NewDriver(mock, "", "", ""),
		Proxy:          proxy,
		Crypto:         crypto,
		Outputs:        out,
		Repos:          gh.NewRepos(reposDir),
		SrvDir:         srvDir,
		CaddyContainer: "disco-caddy",
	})
	return &testRig{
		engine:   engine,
		store:    store,
		mock:     mock,
		routes:   routes,
		out:      out,
		reposDir: reposDir,
		srvDir:   srvDir,
	}
}

func deployManifest(t *testing.T, rig *testRig, project *db.Project, discoFile string) *db.Deployment {
	deployment, err := rig.engine.StartDeployment(context.Background(), project, nil, &discoFile, nil)
	require.NoError(t, err)

	status, err := rig.engine.process(context.Background(), deployment.ID)
	require.NoError(t, err)
	require.Equal(t, StatusComplete, status)
	return deployment
}

func TestFirstStaticDeploy(t *testing.T) {
	rig := setupEngine(t)
	project, err := rig.store.CreateProject("blog", nil)
	require.NoError(t, err)
	_, err = rig.store.AddDomain(project.ID, "blog.example.com")
	require.NoError(t, err)

	distDir := filepath.Join(rig.reposDir, "blog", "dist")
	require.NoError(t, os.MkdirAll(distDir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(distDir, "index.html"), []byte("<h1>hi</h1>"), 0o644))

	discoFile := `{"version":"1.0","services":{"web":{"type":"static","publicPath":"dist"}}}`
	deployment, err := rig.engine.StartDeployment(context.Background(), project, nil, &discoFile, nil)
	require.NoError(t, err)
	assert.Equal(t, 1, deployment.Number)
	assert.Equal(t, db.DeploymentStatusQueued, deployment.Status)

	status, err := rig.engine.process(context.Background(), deployment.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusComplete, status)

	// Route points at the static docroot of deployment 1.
	route, ok := rig.routes["disco-project-blog"]
	require.True(t, ok, "project route published")
	assert.Contains(t, string(route), `"root":"/disco/srv/blog/1"`)
	assert.Contains(t, string(route), "blog.example.com")

	// No container services for a pure static site, but the caddy peering
	// network exists for web.
	assert.Empty(t, rig.mock.Services)
	assert.Contains(t, rig.mock.Networks, "blog-caddy-1")

	// The docroot was published.
	published := filepath.Join(rig.srvDir, "blog", "1", "index.html")
	content, err := os.ReadFile(published)
	require.NoError(t, err)
	assert.Equal(t, "<h1>hi</h1>", string(content))

	// The output stream is terminated.
	records, err := rig.out.ReadFrom(outputs.DeploymentSource(deployment.ID), 0)
	require.NoError(t, err)
	require.NotEmpty(t, records)
	assert.True(t, records[len(records)-1].Terminal())
}

func TestCutoverRetiresPredecessor(t *testing.T) {
	rig := setupEngine(t)
	project, err := rig.store.CreateProject("api", nil)
	require.NoError(t, err)
	_, err = rig.store.AddDomain(project.ID, "api.example.com")
	require.NoError(t, err)

	discoFile := `{"version":"1.0","services":{"web":{"image":"default","port":8000}},"images":{"default":{"pull":"nginx:alpine"}}}`
	deployManifest(t, rig, project, discoFile)
	require.Contains(t, rig.mock.Services, "api-web.1")

	deployManifest(t, rig, project, discoFile)

	assert.Contains(t, rig.mock.Services, "api-web.2")
	assert.NotContains(t, rig.mock.Services, "api-web.1", "predecessor service retired")

	handler, ok := rig.routes["disco-project-api"]
	require.True(t, ok)
	assert.Contains(t, string(handler), `"dial":"api-web.2:8000"`)
}

func TestFailedBuildRollsBack(t *testing.T) {
	rig := setupEngine(t)
	project, err := rig.store.CreateProject("api", nil)
	require.NoError(t, err)
	_, err = rig.store.AddDomain(project.ID, "api.example.com")
	require.NoError(t, err)

	pinned := `{"version":"1.0","services":{"web":{"image":"default","port":8000}},"images":{"default":{"pull":"nginx:alpine"}}}`
	good := deployManifest(t, rig, project, pinned)

	// The next deployment builds an image, and the build stream reports an
	// engine-side failure.
	rig.mock.BuildStream = `{"error":"executor failed","errorDetail":{"message":"executor failed","code":1}}`
	built := `{"version":"1.0","services":{"web":{"image":"default","port":8000}},"images":{"default":{"dockerfile":"Dockerfile"}}}`
	failed, err := rig.engine.StartDeployment(context.Background(), project, nil, &built, nil)
	require.NoError(t, err)

	status, err := rig.engine.process(context.Background(), failed.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, status)

	stored, err := rig.store.GetDeployment(failed.ID)
	require.NoError(t, err)
	assert.Equal(t, db.DeploymentStatusFailed, stored.Status)

	// The predecessor is still live and its service was restored by recovery.
	live, err := rig.store.GetLiveDeployment(project.ID)
	require.NoError(t, err)
	assert.Equal(t, good.ID, live.ID)
	assert.Contains(t, rig.mock.Services, "api-web.1")

	handler, ok := rig.routes["disco-project-api"]
	require.True(t, ok)
	assert.Contains(t, string(handler), `"dial":"api-web.1:8000"`)
}

func TestEnvChangeTriggersRedeploy(t *testing.T) {
	rig := setupEngine(t)
	project, err := rig.store.CreateProject("api", nil)
	require.NoError(t, err)

	discoFile := `{"version":"1.0","services":{"web":{"image":"default","port":8000}},"images":{"default":{"pull":"nginx:alpine"}}}`
	deployManifest(t, rig, project, discoFile)

	next, err := rig.engine.SetEnvVariables(context.Background(), project,
		[]EnvPair{{Name: "FOO", Value: "1"}}, nil)
	require.NoError(t, err)
	require.NotNil(t, next)
	assert.Equal(t, 2, next.Number)
	require.NotNil(t, next.DiscoFile)
	assert.JSONEq(t, discoFile, *next.DiscoFile)

	status, err := rig.engine.process(context.Background(), next.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusComplete, status)

	spec := rig.mock.Services["api-web.2"]
	assert.Contains(t, spec.TaskTemplate.ContainerSpec.Env, "FOO=1")
	assert.Contains(t, spec.TaskTemplate.ContainerSpec.Env, "DISCO_PROJECT_NAME=api")
	assert.Contains(t, spec.TaskTemplate.ContainerSpec.Env, "DISCO_DEPLOYMENT_NUMBER=2")
}

func TestInFlightDeploymentBlocksNext(t *testing.T) {
	rig := setupEngine(t)
	project, err := rig.store.CreateProject("api", nil)
	require.NoError(t, err)

	discoFile := `{"version":"1.0","services":{"web":{}}}`
	_, err = rig.engine.StartDeployment(context.Background(), project, nil, &discoFile, nil)
	require.NoError(t, err)

	_, err = rig.engine.StartDeployment(context.Background(), project, nil, &discoFile, nil)
	assert.ErrorIs(t, err, db.ErrConflict)
}
