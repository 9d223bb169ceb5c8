//go:build integration

package db

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// setupPostgres starts a PostgreSQL container and returns a migrated Store.
func setupPostgres(t *testing.T) *Store {
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
	require.NoError(t, err, "failed to start postgres container")
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
	require.NoError(t, Migrate(gdb))

	return New(gdb)
}

func TestDeploymentNumbers(t *testing.T) {
	store := setupPostgres(t)

	project, err := store.CreateProject("api", nil)
	require.NoError(t, err)

	// Numbers are contiguous from 1 in creation order.
	var deployments []*Deployment
	for i := 0; i < 5; i++ {
		d, err := store.AddDeployment(NewDeploymentParams{Project: project})
		require.NoError(t, err)
		deployments = append(deployments, d)
		assert.Equal(t, i+1, d.Number)
		assert.Equal(t, DeploymentStatusQueued, d.Status)
	}

	// A second project starts over at 1.
	other, err := store.CreateProject("blog", nil)
	require.NoError(t, err)
	d, err := store.AddDeployment(NewDeploymentParams{Project: other})
	require.NoError(t, err)
	assert.Equal(t, 1, d.Number)

	// Predecessor tracking: only COMPLETE deployments count.
	require.NoError(t, store.SetDeploymentStatus(deployments[1].ID, DeploymentStatusComplete))
	next, err := store.AddDeployment(NewDeploymentParams{Project: project})
	require.NoError(t, err)
	require.NotNil(t, next.PrevDeploymentID)
	assert.Equal(t, deployments[1].ID, *next.PrevDeploymentID)
}

func TestLiveDeploymentUniqueness(t *testing.T) {
	store := setupPostgres(t)

	project, err := store.CreateProject("api", nil)
	require.NoError(t, err)

	_, err = store.GetLiveDeployment(project.ID)
	assert.ErrorIs(t, err, ErrNotFound)

	d1, err := store.AddDeployment(NewDeploymentParams{Project: project})
	require.NoError(t, err)
	d2, err := store.AddDeployment(NewDeploymentParams{Project: project})
	require.NoError(t, err)

	require.NoError(t, store.SetDeploymentStatus(d1.ID, DeploymentStatusComplete))
	live, err := store.GetLiveDeployment(project.ID)
	require.NoError(t, err)
	assert.Equal(t, d1.ID, live.ID)

	// A newer COMPLETE takes over liveness; the old row is untouched.
	require.NoError(t, store.SetDeploymentStatus(d2.ID, DeploymentStatusComplete))
	live, err = store.GetLiveDeployment(project.ID)
	require.NoError(t, err)
	assert.Equal(t, d2.ID, live.ID)

	// FAILED never becomes live.
	d3, err := store.AddDeployment(NewDeploymentParams{Project: project})
	require.NoError(t, err)
	require.NoError(t, store.SetDeploymentStatus(d3.ID, DeploymentStatusFailed))
	live, err = store.GetLiveDeployment(project.ID)
	require.NoError(t, err)
	assert.Equal(t, d2.ID, live.ID)
}

func TestLastAPIKeyProtected(t *testing.T) {
	store := setupPostgres(t)

	first, err := store.CreateAPIKey("first")
	require.NoError(t, err)

	err = store.DeleteAPIKey(first.ID)
	assert.ErrorIs(t, err, ErrConflict, "deleting the last key must be rejected")

	second, err := store.CreateAPIKey("second")
	require.NoError(t, err)
	require.NoError(t, store.DeleteAPIKey(first.ID))

	_, err = store.GetAPIKey(first.ID)
	assert.ErrorIs(t, err, ErrNotFound)

	err = store.DeleteAPIKey(second.ID)
	assert.ErrorIs(t, err, ErrConflict)
}

func TestAPIKeyInviteFlow(t *testing.T) {
	store := setupPostgres(t)

	invite, err := store.CreateAPIKeyInvite("teammate", time.Hour, nil)
	require.NoError(t, err)
	assert.WithinDuration(t, time.Now().Add(time.Hour), invite.ExpiresAt, time.Minute)

	key, err := store.ConsumeAPIKeyInvite(invite.ID)
	require.NoError(t, err)
	assert.Equal(t, "teammate", key.Name)

	// Single use.
	_, err = store.ConsumeAPIKeyInvite(invite.ID)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestCORSOriginIdempotent(t *testing.T) {
	store := setupPostgres(t)

	a, err := store.AddCORSOrigin("https://app.example.com")
	require.NoError(t, err)
	b, err := store.AddCORSOrigin("https://app.example.com")
	require.NoError(t, err)
	assert.Equal(t, a.ID, b.ID, "re-adding an origin is a no-op")

	origins, err := store.ListCORSOrigins()
	require.NoError(t, err)
	assert.Equal(t, []string{"https://app.example.com"}, origins)
}

func TestDomainExclusivity(t *testing.T) {
	store := setupPostgres(t)

	p1, err := store.CreateProject("api", nil)
	require.NoError(t, err)
	p2, err := store.CreateProject("blog", nil)
	require.NoError(t, err)

	_, err = store.AddDomain(p1.ID, "Example.com")
	require.NoError(t, err)

	_, err = store.AddDomain(p2.ID, "example.com")
	assert.ErrorIs(t, err, ErrConflict, "a domain maps to exactly one project")

	owner, err := store.GetDomainByName("EXAMPLE.com")
	require.NoError(t, err)
	assert.Equal(t, p1.ID, owner.ProjectID)
}

func TestKeyValueSubscribers(t *testing.T) {
	store := setupPostgres(t)

	var got []string
	store.SubscribeValues(func(key string, value *string) {
		if value != nil {
			got = append(got, key+"="+*value)
		}
	})

	host := "disco.example.com"
	require.NoError(t, store.SetValue(KeyDiscoHost, &host))

	v, err := store.GetValueString(KeyDiscoHost)
	require.NoError(t, err)
	assert.Equal(t, host, v)
	assert.Equal(t, []string{"DISCO_HOST=disco.example.com"}, got)
}

func TestKeyValueCrossProcessVisibility(t *testing.T) {
	store := setupPostgres(t)
	// A second store over the same database stands in for the other process
	// (daemon vs worker); each keeps its own cache.
	other := New(store.DB())

	v, err := store.GetValue(KeyRegistryHost)
	require.NoError(t, err)
	require.Nil(t, v)

	host := "registry.example.com"
	require.NoError(t, other.SetValue(KeyRegistryHost, &host))

	// The earlier miss must not stick; the write lands in the table and the
	// first store sees it on the next read.
	got, err := store.GetValueString(KeyRegistryHost)
	require.NoError(t, err)
	assert.Equal(t, host, got)
}

func TestEnvVariableSnapshot(t *testing.T) {
	store := setupPostgres(t)

	project, err := store.CreateProject("api", nil)
	require.NoError(t, err)
	require.NoError(t, store.UpsertEnvVariable(project.ID, "FOO", []byte("sealed-1"), nil))
	require.NoError(t, store.UpsertEnvVariable(project.ID, "BAR", []byte("sealed-2"), nil))
	// Upserting again overwrites, not duplicates.
	require.NoError(t, store.UpsertEnvVariable(project.ID, "FOO", []byte("sealed-3"), nil))

	vars, err := store.ListEnvVariables(project.ID)
	require.NoError(t, err)
	require.Len(t, vars, 2)

	d, err := store.AddDeployment(NewDeploymentParams{Project: project})
	require.NoError(t, err)
	require.NoError(t, store.SnapshotEnvVariables(project.ID, d.ID))

	snapshot, err := store.ListDeploymentEnvVariables(d.ID)
	require.NoError(t, err)
	require.Len(t, snapshot, 2)
	assert.Equal(t, "BAR", snapshot[0].Name)
	assert.Equal(t, []byte("sealed-3"), snapshot[1].Value)
}
