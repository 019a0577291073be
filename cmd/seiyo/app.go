// ABOUTME: App wires configuration into stores, the runner, coordinator, watchdog, tab lock, and event fan-out.
// ABOUTME: Every command builds one App; Close releases the lock and flushes the progress log.
package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"

	"github.com/hiratazx/SeiyoHighFork-sub002/config"
	"github.com/hiratazx/SeiyoHighFork-sub002/llm"
	"github.com/hiratazx/SeiyoHighFork-sub002/pipeline"
	"github.com/hiratazx/SeiyoHighFork-sub002/session"
	"github.com/hiratazx/SeiyoHighFork-sub002/stages"
	"github.com/hiratazx/SeiyoHighFork-sub002/tablock"
)

// App holds the collaborators a command works with.
type App struct {
	Config   *config.Config
	States   pipeline.StateStore
	Games    *session.FileStore
	Runner   *pipeline.Runner
	Coord    *pipeline.Coordinator
	Events   *pipeline.EventBus
	Watchdog *pipeline.Watchdog
	Lock     *tablock.FileLock

	progress *pipeline.ProgressLogger
	closers  []func() error

	mu       sync.RWMutex
	listener func(pipeline.Event)
}

// openApp builds an App from cfg. deps supplies the generation backends;
// commands that never run a stage pass the zero value.
func openApp(cfg *config.Config, deps stages.Deps) (*App, error) {
	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}
	a := &App{Config: cfg, Events: pipeline.NewEventBus(0)}

	switch cfg.Store {
	case "sqlite":
		store, err := pipeline.OpenSQLiteStateStore(filepath.Join(cfg.DataDir, "pipelines.db"))
		if err != nil {
			return nil, err
		}
		a.States = store
		a.closers = append(a.closers, store.Close)
	default:
		store, err := pipeline.NewFSStateStore(filepath.Join(cfg.DataDir, "pipelines"))
		if err != nil {
			return nil, err
		}
		a.States = store
	}

	games, err := session.NewFileStore(cfg.DataDir, cfg.Order())
	if err != nil {
		a.Close()
		return nil, err
	}
	a.Games = games

	if progress, err := pipeline.NewProgressLogger(filepath.Join(cfg.DataDir, "progress")); err != nil {
		log.Printf("component=cli action=progress_log_disabled err=%v", err)
	} else {
		a.progress = progress
		a.closers = append(a.closers, progress.Close)
	}

	if deps.ImageDir == "" {
		deps.ImageDir = filepath.Join(cfg.DataDir, "images")
	}

	rcfg := pipeline.RunnerConfig{
		Store:        a.States,
		Definitions:  stages.Definitions(deps),
		StageTimeout: cfg.Pipeline.StageTimeout,
		EventHandler: a.dispatch,
	}
	if !cfg.Lock.Disabled {
		a.Lock = tablock.New(filepath.Join(cfg.DataDir, "session.lock"),
			tablock.WithStaleAfter(cfg.Lock.StaleAfter),
			tablock.WithInterval(cfg.Lock.Interval),
		)
		rcfg.Guard = a.Lock
		a.closers = append(a.closers, a.Lock.Release)
	}
	runner, err := pipeline.NewRunner(rcfg)
	if err != nil {
		a.Close()
		return nil, err
	}
	a.Runner = runner

	a.Coord = pipeline.NewCoordinator(runner, pipeline.CountdownConfig{
		Success:     cfg.Countdown.Success,
		Error:       cfg.Countdown.Error,
		Timeout:     cfg.Countdown.Timeout,
		AutoAdvance: cfg.Countdown.AutoAdvance,
		AutoRetry:   cfg.Countdown.AutoRetry,
	}, nil, a.publish)

	a.Watchdog = pipeline.NewWatchdog(pipeline.WatchdogConfig{
		StallTimeout:  cfg.Pipeline.StallTimeout,
		CheckInterval: cfg.Pipeline.CheckInterval,
		HardTimeout:   cfg.Pipeline.StageTimeout,
	}, nil, a.dispatch)
	return a, nil
}

// Start launches the watchdog and the lock heartbeat. Both stop with ctx.
func (a *App) Start(ctx context.Context) {
	a.Watchdog.Start(ctx)
	if a.Lock != nil {
		go a.Lock.Heartbeat(ctx)
	}
}

// SetListener installs an extra event handler such as a progress printer
// or the dashboard bridge. nil removes it.
func (a *App) SetListener(fn func(pipeline.Event)) {
	a.mu.Lock()
	a.listener = fn
	a.mu.Unlock()
}

// dispatch fans runner and watchdog events out to every consumer.
func (a *App) dispatch(evt pipeline.Event) {
	a.Watchdog.HandleEvent(evt)
	a.Coord.HandleEvent(evt)
	a.publish(evt)
}

// publish records evt and forwards it to the listener.
func (a *App) publish(evt pipeline.Event) {
	evt = a.Events.Publish(evt)
	if a.progress != nil {
		a.progress.HandleEvent(evt)
	}
	a.mu.RLock()
	fn := a.listener
	a.mu.RUnlock()
	if fn != nil {
		fn(evt)
	}
}

// RunContext loads the game and builds the context for kind. New games take
// their title and premise from the overrides when given.
func (a *App) RunContext(ctx context.Context, kind pipeline.Kind, title, premise string) (pipeline.RunContext, error) {
	g, err := a.Games.LoadOrNew(ctx)
	if err != nil {
		return pipeline.RunContext{}, err
	}
	rc := g.RunContext(kind)
	if kind == pipeline.KindNewGame {
		if title != "" {
			rc.Title = title
		}
		if premise != "" {
			rc.Premise = premise
		}
	}
	if rc.Language == "" {
		rc.Language = a.Config.Language
	}
	return rc, nil
}

// Close releases resources in reverse order of acquisition.
func (a *App) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}

// llmDeps builds the generation backends from configuration.
func llmDeps(ctx context.Context, cfg *config.Config) (stages.Deps, error) {
	policy := llm.DefaultRetryPolicy()
	policy.MaxRetries = cfg.LLM.MaxRetries

	client, err := llm.NewClient(ctx, llm.ProviderConfig{
		Provider: cfg.LLM.Provider,
		Model:    cfg.LLM.Model,
		APIKey:   cfg.LLM.APIKey,
		BaseURL:  cfg.LLM.BaseURL,
	})
	if err != nil {
		return stages.Deps{}, err
	}
	model := cfg.LLM.Model
	if model == "" {
		model = llm.DefaultModel(cfg.LLM.Provider)
	}
	deps := stages.Deps{Text: llm.NewMuxInvoker(cfg.LLM.Provider, client, model, policy)}

	if cfg.LLM.Images {
		key := os.Getenv(llm.APIKeyEnv("openai"))
		if cfg.LLM.Provider == "openai" && cfg.LLM.APIKey != "" {
			key = cfg.LLM.APIKey
		}
		if key == "" {
			return stages.Deps{}, fmt.Errorf("llm.images needs %s", llm.APIKeyEnv("openai"))
		}
		baseURL := ""
		if cfg.LLM.Provider == "openai" {
			baseURL = cfg.LLM.BaseURL
		}
		deps.Images = llm.NewOpenAIImageGenerator(key, cfg.LLM.ImageModel, baseURL, policy)
	}
	return deps, nil
}
