package command

import (
	"context"
	"errors"
	"io"
	"os"
	"strings"

	"github.com/urfave/cli/v2"

	"nexus/cli/internal/config"
	"nexus/cli/internal/global"
)

const defaultHistoryLimit = 20

type Deps struct {
	LoadConfig   func() config.Config
	Stdin        io.Reader
	RunMission   func(ctx context.Context, cfg config.Config, goal string) error
	RunAgent     func(ctx context.Context, cfg config.Config, in io.Reader) error
	RunBridge    func(ctx context.Context, cfg config.Config) error
	RunHistory   func(ctx context.Context, cfg config.Config, limit int) error
	RunConfigSet func(ctx context.Context, cfg config.Config, engine global.EngineConfig) error
}

func BuildApp(deps Deps) *cli.App {
	return &cli.App{
		Name:  "nexus",
		Usage: "plan and execute shell missions on a bridged host",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "core", Usage: "planning core: CLOUD, LOCAL or OPENAI"},
			&cli.StringFlag{Name: "bridge-url", Usage: "websocket url of the host bridge"},
			&cli.StringFlag{Name: "dialect", Usage: "host shell dialect: powershell or posix"},
		},
		Action: func(ctx *cli.Context) error {
			return runAgent(ctx.Context, deps, loadConfig(ctx, deps))
		},
		Commands: []*cli.Command{
			{
				Name:      "run",
				Usage:     "execute one mission and exit",
				ArgsUsage: "<goal>",
				Action: func(ctx *cli.Context) error {
					goal := strings.TrimSpace(strings.Join(ctx.Args().Slice(), " "))
					if goal == "" {
						return errors.New("run requires a mission goal")
					}
					return runMission(ctx.Context, deps, loadConfig(ctx, deps), goal)
				},
			},
			{
				Name:  "agent",
				Usage: "read missions from stdin, one per line",
				Action: func(ctx *cli.Context) error {
					return runAgent(ctx.Context, deps, loadConfig(ctx, deps))
				},
			},
			{
				Name:  "bridge",
				Usage: "serve this machine as the host bridge",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "listen", Usage: "listen address"},
				},
				Action: func(ctx *cli.Context) error {
					cfg := loadConfig(ctx, deps)
					if v := strings.TrimSpace(ctx.String("listen")); v != "" {
						cfg.BridgeListen = v
					}
					return runBridge(ctx.Context, deps, cfg)
				},
			},
			{
				Name:  "history",
				Usage: "list recent missions",
				Flags: []cli.Flag{
					&cli.IntFlag{Name: "limit", Value: defaultHistoryLimit, Usage: "number of missions"},
				},
				Action: func(ctx *cli.Context) error {
					return runHistory(ctx.Context, deps, loadConfig(ctx, deps), ctx.Int("limit"))
				},
			},
			{
				Name:  "config",
				Usage: "manage engine settings",
				Subcommands: []*cli.Command{
					{
						Name:  "set",
						Usage: "set the local engine url and model",
						Flags: []cli.Flag{
							&cli.StringFlag{Name: "ollama-url"},
							&cli.StringFlag{Name: "ollama-model"},
						},
						Action: func(ctx *cli.Context) error {
							engine := global.EngineConfig{
								OllamaURL:   strings.TrimSpace(ctx.String("ollama-url")),
								OllamaModel: strings.TrimSpace(ctx.String("ollama-model")),
							}
							if engine.OllamaURL == "" && engine.OllamaModel == "" {
								return errors.New("config set requires --ollama-url or --ollama-model")
							}
							return runConfigSet(ctx.Context, deps, loadConfig(ctx, deps), engine)
						},
					},
				},
			},
		},
	}
}

// loadConfig applies global flags over the environment layer.
func loadConfig(ctx *cli.Context, deps Deps) config.Config {
	var cfg config.Config
	if deps.LoadConfig != nil {
		cfg = deps.LoadConfig()
	} else {
		cfg = config.LoadConfig()
	}
	if v := strings.TrimSpace(ctx.String("core")); v != "" {
		cfg.Core = strings.ToUpper(v)
	}
	if v := strings.TrimSpace(ctx.String("bridge-url")); v != "" {
		cfg.BridgeURL = v
	}
	if v := strings.TrimSpace(ctx.String("dialect")); v != "" {
		cfg.ShellDialect = strings.ToLower(v)
	}
	return cfg
}

func runMission(ctx context.Context, deps Deps, cfg config.Config, goal string) error {
	if deps.RunMission == nil {
		return errors.New("mission runner is not configured")
	}
	return deps.RunMission(ctx, cfg, goal)
}

func runAgent(ctx context.Context, deps Deps, cfg config.Config) error {
	if deps.RunAgent == nil {
		return errors.New("agent runner is not configured")
	}
	in := deps.Stdin
	if in == nil {
		in = os.Stdin
	}
	return deps.RunAgent(ctx, cfg, in)
}

func runBridge(ctx context.Context, deps Deps, cfg config.Config) error {
	if deps.RunBridge == nil {
		return errors.New("bridge runner is not configured")
	}
	return deps.RunBridge(ctx, cfg)
}

func runHistory(ctx context.Context, deps Deps, cfg config.Config, limit int) error {
	if deps.RunHistory == nil {
		return errors.New("history runner is not configured")
	}
	if limit <= 0 {
		limit = defaultHistoryLimit
	}
	return deps.RunHistory(ctx, cfg, limit)
}

func runConfigSet(ctx context.Context, deps Deps, cfg config.Config, engine global.EngineConfig) error {
	if deps.RunConfigSet == nil {
		return errors.New("config set runner is not configured")
	}
	return deps.RunConfigSet(ctx, cfg, engine)
}
