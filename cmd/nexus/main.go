package main

import (
	"context"
	"io"
	"os"
	"os/signal"
	"syscall"

	"nexus/cli/internal/bridge"
	"nexus/cli/internal/command"
	"nexus/cli/internal/config"
	"nexus/cli/internal/global"
	"nexus/cli/internal/lifecycle"
	"nexus/cli/internal/logging"
)

var version = "dev"

func main() {
	rootCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	env := runtimeEnv{Stdout: os.Stdout, Stderr: os.Stderr}
	app := command.BuildApp(command.Deps{
		LoadConfig: config.LoadConfig,
		Stdin:      os.Stdin,
		RunMission: func(ctx context.Context, cfg config.Config, goal string) error {
			return runMissionCommand(ctx, cfg, goal, env)
		},
		RunAgent: func(ctx context.Context, cfg config.Config, in io.Reader) error {
			return runAgentCommand(ctx, cfg, in, env)
		},
		RunBridge: func(ctx context.Context, cfg config.Config) error {
			return runBridgeCommand(ctx, cfg, env)
		},
		RunHistory: func(ctx context.Context, cfg config.Config, limit int) error {
			return runHistoryCommand(ctx, cfg, limit, env)
		},
		RunConfigSet: func(ctx context.Context, cfg config.Config, engine global.EngineConfig) error {
			return runConfigSetCommand(ctx, cfg, engine, env)
		},
	})
	app.Version = version

	if err := app.RunContext(rootCtx, os.Args); err != nil {
		logging.NewLogger(logging.Options{Level: "error", Writer: os.Stderr, Component: "nexus"}).Error("nexus failed", "err", err)
		os.Exit(1)
	}
}

func runBridgeCommand(ctx context.Context, cfg config.Config, env runtimeEnv) error {
	logger := newRuntimeLogger(cfg, env.Stderr).With("module", "bridge")
	handler := bridge.NewHandler(bridge.NewShellRunner(bridge.DefaultCommandTimeout), bridge.HostStats{}, logger)
	srv := bridge.NewServer(handler, logger)

	mgr := lifecycle.NewManager()
	mgr.SetLogger(logger)
	mgr.AddMain("bridge", func(ctx context.Context) error {
		return srv.ListenAndServe(ctx, cfg.BridgeListen)
	})
	return mgr.StartAndWait(ctx)
}
