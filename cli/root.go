// Package cli defines the disco command tree: the daemon serving the HTTP
// API and schedulers, and the worker draining the task queue. Both processes
// read the same configuration; a node typically runs one of each.
package cli

import (
	"github.com/spf13/cobra"

	"github.com/disco-paas/disco/common"
	"github.com/disco-paas/disco/config"
)

// cfgFile holds the --config flag value. Empty means defaults plus DISCO_*
// environment variables.
var cfgFile string

// RootCmd is the disco entry point. It carries only the global flags; the
// actual processes are the daemon and worker subcommands.
var RootCmd = &cobra.Command{
	Use:   "disco",
	Short: "single-node container deployment platform",
	Long: `Disco deploys projects from git pushes or explicit requests: it builds
images, rolls out Swarm services with an atomic traffic cutover, wires the
reverse proxy, and runs crons, one-off commands, shells and tunnels against
the live deployment.

The daemon serves the HTTP API, the log and tunnel hubs and the maintenance
schedule. The worker drains the task queue (deployments, webhook processing).
Run one of each per node:

  disco daemon --config /etc/disco/config.yaml
  disco worker --config /etc/disco/config.yaml`,
	SilenceUsage: true,
}

func init() {
	RootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is built-ins plus DISCO_* env vars)")
	RootCmd.AddCommand(daemonCmd)
	RootCmd.AddCommand(workerCmd)
}

// loadConfig reads the configuration and points the process logger at the
// configured level and format.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, err
	}
	common.Setup(cfg.Log.Level, cfg.Log.Format)
	return cfg, nil
}
