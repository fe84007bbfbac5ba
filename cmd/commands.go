package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/samber/lo"
	"github.com/urfave/cli/v3"

	"github.com/xdimtech/go-wsprobe/handler/interaction"
	"github.com/xdimtech/go-wsprobe/handler/probe"
	"github.com/xdimtech/go-wsprobe/handler/server"
	"github.com/xdimtech/go-wsprobe/handler/shutdown"
	"github.com/xdimtech/go-wsprobe/pkg/cancellation"
	"github.com/xdimtech/go-wsprobe/pkg/config"
	"github.com/xdimtech/go-wsprobe/pkg/keys"
	"github.com/xdimtech/go-wsprobe/pkg/logging"
	"github.com/xdimtech/go-wsprobe/pkg/transport"
	"github.com/xdimtech/go-wsprobe/pkg/utils"
)

func newRootCommand() *cli.Command {
	return &cli.Command{
		Name:  "wsprobe",
		Usage: "Drive a single WebSocket connection by hand",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "Path to config file (default conf/wsprobe.yaml or ./wsprobe.yaml)",
			},
			&cli.StringFlag{
				Name:  "log-level",
				Usage: "debug, info, warn or error",
			},
			&cli.StringFlag{
				Name:  "log-format",
				Usage: "text or json",
			},
		},
		DefaultCommand: "probe",
		Commands: []*cli.Command{
			newProbeCommand(),
			newServeCommand(),
			newConfigCommand(),
		},
	}
}

func newProbeCommand() *cli.Command {
	return &cli.Command{
		Name:  "probe",
		Usage: "Connect, receive and close interactively (esc cancels, ctrl+c quits)",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "url", Aliases: []string{"u"}, Usage: "WebSocket URL to probe"},
			&cli.StringFlag{Name: "transport", Aliases: []string{"t"}, Usage: fmt.Sprintf("one of %v", transport.Names())},
			&cli.IntFlag{Name: "receive-timeout", Usage: "receive deadline in ms, 0 waits until cancelled"},
			&cli.IntFlag{Name: "buffer-size", Usage: "receive buffer size in bytes"},
			&cli.StringFlag{Name: "greeting", Usage: "text message sent after every connect"},
			&cli.BoolFlag{Name: "auto-continue", Usage: "keep receiving without asking"},
			&cli.BoolFlag{Name: "auto-reconnect", Usage: "start the next round without asking"},
			&cli.BoolFlag{Name: "keys-from-stdin", Usage: "read scripted answers from a pipe instead of the terminal, one per prompt"},
		},
		Action: runProbe,
	}
}

func newServeCommand() *cli.Command {
	return &cli.Command{
		Name:  "serve",
		Usage: "Run the echo server to probe against",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "addr", Aliases: []string{"a"}, Usage: "listen address"},
			&cli.StringFlag{Name: "path", Usage: "WebSocket endpoint path"},
			&cli.IntFlag{Name: "push-interval", Usage: "push a payload every n ms, 0 disables"},
			&cli.IntFlag{Name: "payload-bytes", Usage: "size of pushed payloads"},
			&cli.IntFlag{Name: "idle-timeout", Usage: "drop clients silent for n ms, 0 never"},
		},
		Action: runServe,
	}
}

func newConfigCommand() *cli.Command {
	return &cli.Command{
		Name:  "config",
		Usage: "Print the effective configuration as JSON",
		Action: func(_ context.Context, cmd *cli.Command) error {
			conf, err := loadConf(cmd)
			if err != nil {
				return err
			}
			out, err := utils.MarshalIndent(conf)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.Root().Writer, string(out))
			return nil
		},
	}
}

// loadConf reads the configuration and applies the flags the operator set.
func loadConf(cmd *cli.Command) (*config.Conf, error) {
	conf, err := config.Load(cmd.String("config"))
	if err != nil {
		return nil, err
	}

	setString := func(flag string, dst *string) {
		if cmd.IsSet(flag) {
			*dst = cmd.String(flag)
		}
	}
	setInt := func(flag string, dst *int) {
		if cmd.IsSet(flag) {
			*dst = int(cmd.Int(flag))
		}
	}
	setToggle := func(flag string, dst **bool) {
		if cmd.IsSet(flag) {
			*dst = lo.ToPtr(cmd.Bool(flag))
		}
	}

	setString("log-level", &conf.Log.Level)
	setString("log-format", &conf.Log.Format)

	setString("url", &conf.Session.URL)
	setString("transport", &conf.Session.Transport)
	setString("greeting", &conf.Session.Greeting)
	setInt("receive-timeout", &conf.Session.ReceiveTimeoutMs)
	setInt("buffer-size", &conf.Session.BufferSize)
	setToggle("auto-continue", &conf.Toggles.ContinueWithoutDisconnect)
	setToggle("auto-reconnect", &conf.Toggles.AutoReconnect)

	setString("addr", &conf.Server.Addr)
	setString("path", &conf.Server.Path)
	setInt("push-interval", &conf.Server.PushIntervalMs)
	setInt("payload-bytes", &conf.Server.PayloadBytes)
	setInt("idle-timeout", &conf.Server.IdleTimeoutMs)

	if err := conf.Validate(); err != nil {
		return nil, err
	}
	return conf, nil
}

func runProbe(ctx context.Context, cmd *cli.Command) error {
	conf, err := loadConf(cmd)
	if err != nil {
		return err
	}
	log := logging.New(conf.Log, keys.Output(os.Stderr))
	slog.SetDefault(log)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	coord := cancellation.NewCoordinator()
	quit := func() {
		coord.CancelNow()
		cancel()
	}
	shutdown.NewHandler(ctx, quit, shutdown.WithLogger(log)).Handle()

	var src keys.Source = keys.NewTerminalSource(os.Stdin)
	listenerOps := []keys.ListenerOption{keys.WithLogger(log)}
	if cmd.Bool("keys-from-stdin") {
		src = keys.NewReaderSource(os.Stdin)
		listenerOps = append(listenerOps, keys.WithQueuedInput())
	}
	listener := keys.NewListener(src, listenerOps...)
	if err := listener.Start(ctx); err != nil {
		log.Warn("key input unavailable, prompts will fail", "error", err)
	}
	defer listener.Stop()

	policy := interaction.NewPolicy(listener, coord, interaction.TogglesFromConf(conf.Toggles),
		interaction.WithKeyMap(interaction.KeyMapFromConf(conf.Keys)),
		interaction.WithOutput(keys.Output(os.Stdout)),
		interaction.WithLogger(log))
	defer policy.WireCancelOnEscape(listener, nil)()
	defer policy.WireQuit(listener, quit)()

	runner := probe.NewRunner(conf.Session, coord, policy, probe.WithLogger(log))
	return runner.Run(ctx)
}

func runServe(ctx context.Context, cmd *cli.Command) error {
	conf, err := loadConf(cmd)
	if err != nil {
		return err
	}
	log := logging.New(conf.Log, os.Stderr)
	slog.SetDefault(log)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	shutdown.NewHandler(ctx, cancel, shutdown.WithLogger(log)).Handle()

	srv := server.NewWebSocketServer(conf.Server,
		server.WithLogger(log),
		server.WithCloseTimeout(conf.Session.CloseTimeout()))
	return srv.Start(ctx)
}
