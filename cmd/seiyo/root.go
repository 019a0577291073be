// ABOUTME: cobra command tree for seiyo: pipeline runs and recovery, game inspection, saves, and the API server.
// ABOUTME: Global flags pick the config file and override the data directory and store backend.
package main

import (
	"context"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/hiratazx/SeiyoHighFork-sub002/config"
	"github.com/hiratazx/SeiyoHighFork-sub002/stages"
)

// env carries the process-level collaborators commands write to and build from.
type env struct {
	out    io.Writer
	errOut io.Writer
	deps   func(ctx context.Context, cfg *config.Config) (stages.Deps, error)
}

type globalFlags struct {
	configPath string
	dataDir    string
	store      string
	provider   string
	model      string
}

func newRootCommand(e *env) *cobra.Command {
	var g globalFlags
	root := &cobra.Command{
		Use:           "seiyo",
		Short:         "Generate and play a school-life visual novel with resumable AI pipelines",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	pf := root.PersistentFlags()
	pf.StringVar(&g.configPath, "config", "", "config file (default $XDG_CONFIG_HOME/seiyo/config.yaml)")
	pf.StringVar(&g.dataDir, "data-dir", "", "data directory (default $XDG_DATA_HOME/seiyo)")
	pf.StringVar(&g.store, "store", "", "pipeline state backend: fs or sqlite")
	pf.StringVar(&g.provider, "provider", "", "LLM provider: anthropic, openai, gemini")
	pf.StringVar(&g.model, "model", "", "LLM model name")

	c := &cli{env: e, flags: &g}
	root.AddCommand(
		c.newRunCommand(),
		c.newRetryCommand(),
		c.newStatusCommand(),
		c.newAcceptCommand(),
		c.newResetCommand(),
		c.newDashboardCommand(),
		c.newNextCommand(),
		c.newHistoryCommand(),
		c.newExportCommand(),
		c.newImportCommand(),
		c.newServeCommand(),
	)
	return root
}

// cli binds commands to the global flags and environment.
type cli struct {
	env   *env
	flags *globalFlags
}

// loadConfig reads configuration and applies flag overrides.
func (c *cli) loadConfig() (*config.Config, error) {
	cfg, err := config.Load(c.flags.configPath)
	if err != nil {
		return nil, err
	}
	if c.flags.dataDir != "" {
		cfg.DataDir = c.flags.dataDir
	}
	if c.flags.store != "" {
		cfg.Store = c.flags.store
	}
	if c.flags.provider != "" {
		cfg.LLM.Provider = c.flags.provider
	}
	if c.flags.model != "" {
		cfg.LLM.Model = c.flags.model
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// open builds an App. withLLM resolves generation backends, which needs an API key.
func (c *cli) open(ctx context.Context, withLLM bool) (*App, error) {
	cfg, err := c.loadConfig()
	if err != nil {
		return nil, err
	}
	var deps stages.Deps
	if withLLM {
		deps, err = c.env.deps(ctx, cfg)
		if err != nil {
			return nil, err
		}
	}
	return openApp(cfg, deps)
}

func (c *cli) printf(format string, args ...any) {
	fmt.Fprintf(c.env.out, format, args...)
}

func (c *cli) eprintf(format string, args ...any) {
	fmt.Fprintf(c.env.errOut, format, args...)
}
