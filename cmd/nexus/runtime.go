package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"gorm.io/gorm"

	"nexus/cli/internal/config"
	"nexus/cli/internal/correlator"
	"nexus/cli/internal/db"
	"nexus/cli/internal/global"
	"nexus/cli/internal/history"
	"nexus/cli/internal/lifecycle"
	"nexus/cli/internal/logging"
	"nexus/cli/internal/memory"
	"nexus/cli/internal/planner"
	"nexus/cli/internal/session"
	"nexus/cli/internal/transport"
)

const historyFileName = "history.db"

// runtimeEnv holds the process-level inputs that tests replace.
type runtimeEnv struct {
	ConfigDir     string
	Dialer        transport.Dialer
	Stdout        io.Writer
	Stderr        io.Writer
	SettleDelay   time.Duration
	PlannerByCore map[planner.Core]planner.Planner
}

// agentRuntime is one wired agent: transport, correlator, session and the history store.
type agentRuntime struct {
	cfg      config.Config
	logger   *slog.Logger
	out      io.Writer
	store    *global.ConfigStore
	fileCore string

	gdb       *gorm.DB
	transport *transport.Transport
	corr      *correlator.Correlator
	session   *session.Session
	events    <-chan session.Event
	unsub     func()

	readyOnce sync.Once
	ready     chan struct{}
	engineMu  sync.Mutex
	engineErr error
}

func newRuntimeLogger(cfg config.Config, w io.Writer) *slog.Logger {
	return logging.NewLogger(logging.Options{
		Level:     cfg.LogLevel,
		Writer:    w,
		Component: "nexus",
		File:      cfg.LogFile,
	})
}

// mergeFileConfig fills settings the environment left empty from the config file.
func mergeFileConfig(cfg config.Config, file global.GlobalConfig) config.Config {
	if strings.TrimSpace(cfg.Core) == "" {
		cfg.Core = file.Core
	}
	if strings.TrimSpace(cfg.BridgeURL) == "" {
		cfg.BridgeURL = file.BridgeURL
	}
	if strings.TrimSpace(cfg.ShellDialect) == "" {
		cfg.ShellDialect = file.ShellDialect
	}
	return cfg
}

func configDir(env runtimeEnv) (string, error) {
	if strings.TrimSpace(env.ConfigDir) != "" {
		return env.ConfigDir, nil
	}
	return global.DefaultConfigDir()
}

func openHistory(cfg config.Config, dir string, logger *slog.Logger) (*gorm.DB, *history.Store, error) {
	path := strings.TrimSpace(cfg.DBPath)
	if path == "" {
		path = filepath.Join(dir, historyFileName)
	}
	gdb, err := db.Open(path, logger.With("module", "db"))
	if err != nil {
		return nil, nil, fmt.Errorf("open history db: %w", err)
	}
	hist, err := history.NewStore(gdb)
	if err != nil {
		_ = db.Close(gdb)
		return nil, nil, err
	}
	return gdb, hist, nil
}

func newAgentRuntime(cfg config.Config, env runtimeEnv) (*agentRuntime, error) {
	logger := newRuntimeLogger(cfg, env.Stderr)
	dir, err := configDir(env)
	if err != nil {
		return nil, err
	}
	store := global.NewConfigStore(dir)
	file, err := store.LoadOrInit()
	if err != nil {
		return nil, err
	}
	explicitCore := strings.TrimSpace(cfg.Core) != ""
	cfg = mergeFileConfig(cfg, file)

	core, err := planner.ParseCore(cfg.Core)
	if err != nil {
		return nil, err
	}
	dialect, err := memory.DialectFor(cfg.ShellDialect)
	if err != nil {
		return nil, err
	}
	gdb, hist, err := openHistory(cfg, dir, logger)
	if err != nil {
		return nil, err
	}

	tr := transport.New(transport.Options{
		URL:         cfg.BridgeURL,
		Dialer:      env.Dialer,
		Logger:      logger.With("module", "transport"),
		SettleDelay: env.SettleDelay,
	})
	corr := correlator.New(tr, correlator.Options{
		Timeout: cfg.RequestTimeout,
		Logger:  logger.With("module", "correlator"),
	})
	tr.SetPoll(corr.Poll)
	planners := env.PlannerByCore
	if planners == nil {
		planners = buildPlanners(cfg, dialect.Name(), logger)
	}
	sess := session.New(session.Options{
		Executor: corr,
		Dialect:  dialect,
		Planners: planners,
		Core:     core,
		Recorder: hist,
		Logger:   logger.With("module", "session"),
	})

	rt := &agentRuntime{
		cfg:       cfg,
		logger:    logger,
		out:       env.Stdout,
		store:     store,
		gdb:       gdb,
		transport: tr,
		corr:      corr,
		session:   sess,
		ready:     make(chan struct{}),
	}
	if !explicitCore {
		rt.fileCore = file.Core
	}
	if rt.out == nil {
		rt.out = io.Discard
	}
	rt.events, rt.unsub = sess.Subscribe(printerBuffer)
	tr.Subscribe(sess.ApplyBridgeEvent)
	tr.SetOnOpen(rt.onOpen)
	return rt, nil
}

func buildPlanners(cfg config.Config, shell string, logger *slog.Logger) map[planner.Core]planner.Planner {
	return map[planner.Core]planner.Planner{
		planner.CoreCloud: planner.NewGemini(planner.GeminiOptions{
			APIKey: cfg.GeminiAPIKey,
			Model:  cfg.GeminiModel,
			Logger: logger.With("module", "planner", "core", string(planner.CoreCloud)),
			Shell:  shell,
		}),
		planner.CoreLocal: planner.NewOllama(planner.OllamaOptions{
			Logger: logger.With("module", "planner", "core", string(planner.CoreLocal)),
			Shell:  shell,
		}),
		planner.CoreOpenAI: planner.NewOpenAI(planner.OpenAIOptions{
			BaseURL: cfg.OpenAIEndpoint,
			Model:   cfg.OpenAIModel,
			APIKey:  cfg.OpenAIAPIKey,
			Logger:  logger.With("module", "planner", "core", string(planner.CoreOpenAI)),
			Shell:   shell,
		}),
	}
}

// onOpen syncs memory and then pushes engine settings from the config file that differ from it.
func (rt *agentRuntime) onOpen(ctx context.Context) {
	defer rt.readyOnce.Do(func() { close(rt.ready) })
	if err := rt.session.SyncMemory(ctx); err != nil {
		rt.logger.Warn("memory sync failed", "err", err)
	}
	file, err := rt.store.LoadOrInit()
	if err != nil {
		rt.logger.Warn("config file unreadable", "path", rt.store.Path(), "err", err)
		return
	}
	rt.setEngineErr(rt.applyEngine(ctx, file.Engine))
}

func (rt *agentRuntime) applyEngine(ctx context.Context, engine global.EngineConfig) error {
	mem := rt.session.Memory()
	url := strings.TrimSpace(engine.OllamaURL)
	model := strings.TrimSpace(engine.OllamaModel)
	if (url == "" || url == mem.OllamaURL) && (model == "" || model == mem.OllamaModel) {
		return nil
	}
	return rt.session.SetConfig(ctx, url, model)
}

func (rt *agentRuntime) applyFileConfig(ctx context.Context, file global.GlobalConfig) {
	if rt.fileCore != "" && file.Core != rt.fileCore {
		if core, err := planner.ParseCore(file.Core); err == nil {
			rt.fileCore = file.Core
			rt.session.SetCore(core)
		}
	}
	if !rt.transport.Connected() {
		return
	}
	if err := rt.applyEngine(ctx, file.Engine); err != nil {
		rt.logger.Warn("engine config not applied", "err", err)
	}
}

func (rt *agentRuntime) setEngineErr(err error) {
	rt.engineMu.Lock()
	rt.engineErr = err
	rt.engineMu.Unlock()
}

func (rt *agentRuntime) lastEngineErr() error {
	rt.engineMu.Lock()
	defer rt.engineMu.Unlock()
	return rt.engineErr
}

// waitReady blocks until the first connection has synced memory.
func (rt *agentRuntime) waitReady(ctx context.Context, timeout time.Duration) error {
	if timeout <= 0 {
		timeout = correlator.DefaultTimeout
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-rt.ready:
		return nil
	case <-timer.C:
		return fmt.Errorf("%w: no bridge at %s after %s", transport.ErrBridgeOffline, rt.transport.URL(), timeout)
	case <-ctx.Done():
		return ctx.Err()
	}
}

// start registers the background jobs shared by every agent command.
func (rt *agentRuntime) start(mgr *lifecycle.Manager) {
	mgr.SetLogger(rt.logger.With("module", "lifecycle"))
	mgr.AddRun("transport", rt.transport.Run)
	mgr.AddRun("printer", rt.print)
	mgr.AddRun("config-watch", func(ctx context.Context) error {
		return rt.store.Watch(ctx, rt.logger.With("module", "config"), func(file global.GlobalConfig) {
			rt.applyFileConfig(ctx, file)
		})
	})
	mgr.AddShutdown("printer", func(context.Context) error {
		rt.unsub()
		return nil
	})
	mgr.AddShutdown("correlator", func(context.Context) error {
		rt.corr.Close()
		return nil
	})
	mgr.AddShutdown("history", func(context.Context) error {
		return db.Close(rt.gdb)
	})
}

func runMissionCommand(ctx context.Context, cfg config.Config, goal string, env runtimeEnv) error {
	rt, err := newAgentRuntime(cfg, env)
	if err != nil {
		return err
	}
	mgr := lifecycle.NewManager()
	rt.start(mgr)
	mgr.AddMain("mission", func(ctx context.Context) error {
		if err := rt.waitReady(ctx, rt.cfg.RequestTimeout); err != nil {
			return err
		}
		_, err := rt.session.StartMission(ctx, goal)
		return err
	})
	return mgr.StartAndWait(ctx)
}

func runAgentCommand(ctx context.Context, cfg config.Config, in io.Reader, env runtimeEnv) error {
	rt, err := newAgentRuntime(cfg, env)
	if err != nil {
		return err
	}
	mgr := lifecycle.NewManager()
	rt.start(mgr)
	mgr.AddMain("agent", func(ctx context.Context) error {
		return rt.repl(ctx, in)
	})
	return mgr.StartAndWait(ctx)
}

func runConfigSetCommand(ctx context.Context, cfg config.Config, engine global.EngineConfig, env runtimeEnv) error {
	dir, err := configDir(env)
	if err != nil {
		return err
	}
	store := global.NewConfigStore(dir)
	file, err := store.LoadOrInit()
	if err != nil {
		return err
	}
	if engine.OllamaURL != "" {
		file.Engine.OllamaURL = engine.OllamaURL
	}
	if engine.OllamaModel != "" {
		file.Engine.OllamaModel = engine.OllamaModel
	}
	if err := store.Save(file); err != nil {
		return err
	}
	out := env.Stdout
	if out == nil {
		out = io.Discard
	}
	fmt.Fprintf(out, "saved %s\n", store.Path())

	env.ConfigDir = dir
	rt, err := newAgentRuntime(cfg, env)
	if err != nil {
		return err
	}
	mgr := lifecycle.NewManager()
	rt.start(mgr)
	mgr.AddMain("engine-sync", func(ctx context.Context) error {
		if err := rt.waitReady(ctx, rt.cfg.RequestTimeout); err != nil {
			return fmt.Errorf("engine config saved locally but not synced: %w", err)
		}
		if err := rt.lastEngineErr(); err != nil {
			return fmt.Errorf("engine config saved locally but not synced: %w", err)
		}
		return nil
	})
	return mgr.StartAndWait(ctx)
}

func runHistoryCommand(ctx context.Context, cfg config.Config, limit int, env runtimeEnv) error {
	dir, err := configDir(env)
	if err != nil {
		return err
	}
	gdb, hist, err := openHistory(cfg, dir, newRuntimeLogger(cfg, env.Stderr))
	if err != nil {
		return err
	}
	defer func() { _ = db.Close(gdb) }()
	entries, err := hist.List(ctx, limit)
	if err != nil {
		return err
	}
	out := env.Stdout
	if out == nil {
		out = io.Discard
	}
	return writeHistory(out, entries)
}
