package cli

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/disco-paas/disco/api"
	"github.com/disco-paas/disco/caddy"
	"github.com/disco-paas/disco/common"
	"github.com/disco-paas/disco/db"
	"github.com/disco-paas/disco/deploy"
	"github.com/disco-paas/disco/github"
	"github.com/disco-paas/disco/loghub"
	"github.com/disco-paas/disco/outputs"
	"github.com/disco-paas/disco/queue"
	"github.com/disco-paas/disco/runner"
	"github.com/disco-paas/disco/scheduler"
	"github.com/disco-paas/disco/security"
	"github.com/disco-paas/disco/swarm"
)

var daemonCmd = &cobra.Command{
	Use:   "daemon",
	Short: "serve the HTTP API, schedulers and hubs",
	RunE:  runDaemon,
}

// runDaemon builds the full dependency graph and serves until SIGINT or
// SIGTERM, then drains the HTTP server within the configured timeout. Any
// startup fault (unreachable database, missing encryption key, dead docker
// socket) aborts with a non-zero exit.
func runDaemon(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	log := common.Logger

	store, err := db.Open(cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("opening primary store: %w", err)
	}
	crypto, err := security.NewCrypto(cfg.EncryptionKeyPath)
	if err != nil {
		return fmt.Errorf("loading encryption key: %w", err)
	}
	docker, err := swarm.NewClient(cfg.DockerSocket)
	if err != nil {
		return fmt.Errorf("connecting to docker: %w", err)
	}
	driver := swarm.NewDriver(docker, cfg.Registry.Host, cfg.Registry.Username, cfg.Registry.Password)
	proxy, err := caddy.NewDriver(cfg.CaddySocket, cfg.DaemonAddr)
	if err != nil {
		return fmt.Errorf("connecting to proxy admin: %w", err)
	}
	out, err := outputs.NewStore(cfg.OutputsDir())
	if err != nil {
		return fmt.Errorf("opening output store: %w", err)
	}

	q := queue.New(store)
	repos := github.NewRepos(cfg.ProjectsDir())
	sched := scheduler.New(store, driver, crypto)

	engine := deploy.NewEngine(deploy.Params{
		Store:          store,
		Queue:          q,
		Driver:         driver,
		Proxy:          proxy,
		Crypto:         crypto,
		Outputs:        out,
		Repos:          repos,
		Crons:          sched,
		SrvDir:         cfg.SrvDir(),
		CaddyContainer: cfg.CaddyContainer,
	})
	hooks := github.NewWebhooks(store, q, crypto, engine)

	jwt := security.NewJWTService(apiKeySecretLookup(store))
	run := runner.New(store, driver, crypto, out, jwt)

	logs := loghub.NewLogsHub(cfg.Syslog.BindAddr)
	tunnels := loghub.NewTunnelsHub(store, driver, cfg.TunnelImage)
	syslogs := loghub.NewSyslogsHub(store, driver)

	registerMaintenance(sched, maintenanceDeps{
		store:   store,
		driver:  driver,
		runner:  run,
		outputs: out,
		logs:    logs,
		tunnels: tunnels,
		syslogs: syslogs,
	})

	server, err := api.NewServer(api.Params{
		Config:  cfg,
		Store:   store,
		Engine:  engine,
		Runner:  run,
		Hooks:   hooks,
		Outputs: out,
		Logs:    logs,
		Tunnels: tunnels,
		JWT:     jwt,
	})
	if err != nil {
		return fmt.Errorf("building http server: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Deployments land through the worker process, so the daemon's cron
	// table starts cold and drifts whenever a rollout completes elsewhere.
	// Seed it now and re-reconcile every minute.
	reloadProjectCrons(ctx, store, sched)

	go syslogs.Watch(ctx)
	go func() {
		if err := sched.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			log.WithError(err).Error("scheduler stopped")
		}
	}()

	serverErr := make(chan error, 1)
	go func() { serverErr <- server.Start() }()

	select {
	case err := <-serverErr:
		return err
	case <-ctx.Done():
	}
	stop()

	log.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.HTTP.ShutdownTimeout)
	defer cancel()
	return server.Shutdown(shutdownCtx)
}

// apiKeySecretLookup resolves a JWT kid (an api key's public identifier) to
// its signing secret.
func apiKeySecretLookup(store *db.Store) security.KeyLookup {
	return func(kid string) ([]byte, error) {
		key, err := store.GetAPIKeyByPublicKey(kid)
		if err != nil {
			return nil, err
		}
		return []byte(key.ID), nil
	}
}

type maintenanceDeps struct {
	store   *db.Store
	driver  *swarm.Driver
	runner  *runner.Runner
	outputs *outputs.Store
	logs    *loghub.LogsHub
	tunnels *loghub.TunnelsHub
	syslogs *loghub.SyslogsHub
}

// registerMaintenance wires the fixed-cadence housekeeping: expiry sweeps on
// the tight cadences, garbage collection on the slow ones.
func registerMaintenance(sched *scheduler.Scheduler, deps maintenanceDeps) {
	sched.EveryMinute("sweep expired tunnels", func(ctx context.Context) error {
		return deps.tunnels.SweepExpired(ctx, time.Now().UTC())
	})
	sched.EveryMinute("reconcile project crons", func(ctx context.Context) error {
		reloadProjectCrons(ctx, deps.store, sched)
		return nil
	})

	sched.EveryHour("sweep expired run containers", deps.runner.SweepExpired)
	sched.EveryHour("sweep rogue tunnels", deps.tunnels.SweepRogue)
	sched.EveryHour("evict retained logs", func(ctx context.Context) error {
		deps.logs.EvictOld(time.Now().UTC())
		return nil
	})
	sched.EveryHour("evict idle output databases", func(ctx context.Context) error {
		deps.outputs.EvictIdle(outputs.IdleTTL)
		return nil
	})
	sched.EveryHour("prune api key usages", func(ctx context.Context) error {
		return deps.store.PruneAPIKeyUsages()
	})

	sched.EveryDay("reconcile syslog forwarder", deps.syslogs.Reconcile)
	sched.EveryDay("prune dangling images", deps.driver.PruneImages)
	sched.EveryDay("prune build cache", deps.driver.PruneBuilder)
}

// reloadProjectCrons rebuilds the in-memory cron table from every project's
// live deployment. Per-project failures are logged and skipped so one broken
// manifest never blanks the others.
func reloadProjectCrons(ctx context.Context, store *db.Store, sched *scheduler.Scheduler) {
	projects, err := store.ListProjects()
	if err != nil {
		common.Logger.WithError(err).Error("listing projects for cron reload")
		return
	}
	for _, project := range projects {
		live, err := store.GetLiveDeployment(project.ID)
		if errors.Is(err, db.ErrNotFound) {
			continue
		}
		if err != nil {
			common.Logger.WithError(err).WithField("project", project.Name).Error("resolving live deployment")
			continue
		}
		if err := sched.ReloadAndResumeProjectCrons(ctx, project.Name, live.Number); err != nil {
			common.Logger.WithError(err).WithField("project", project.Name).Error("reloading project crons")
		}
	}
}
