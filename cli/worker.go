package cli

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/disco-paas/disco/caddy"
	"github.com/disco-paas/disco/common"
	"github.com/disco-paas/disco/db"
	"github.com/disco-paas/disco/deploy"
	"github.com/disco-paas/disco/github"
	"github.com/disco-paas/disco/outputs"
	"github.com/disco-paas/disco/queue"
	"github.com/disco-paas/disco/security"
	"github.com/disco-paas/disco/swarm"
)

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "drain the task queue",
	RunE:  runWorker,
}

// runWorker builds the deployment engine without a scheduler (the daemon's
// reconcile tick picks up cron changes) and polls the queue until SIGINT or
// SIGTERM.
func runWorker(cmd *cobra.Command, args []string) error {
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

	engine := deploy.NewEngine(deploy.Params{
		Store:          store,
		Queue:          q,
		Driver:         driver,
		Proxy:          proxy,
		Crypto:         crypto,
		Outputs:        out,
		Repos:          repos,
		SrvDir:         cfg.SrvDir(),
		CaddyContainer: cfg.CaddyContainer,
	})
	hooks := github.NewWebhooks(store, q, crypto, engine)

	consumer := queue.NewConsumer(q, cfg.Worker.PollInterval)
	consumer.Register(queue.TaskProcessDeployment, engine.ProcessDeployment)
	consumer.Register(queue.TaskProcessGithubWebhook, hooks.Process)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	log.Info("worker polling queue")
	if err := consumer.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	log.Info("worker stopped")
	return nil
}
