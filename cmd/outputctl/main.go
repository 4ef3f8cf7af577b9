// Command outputctl switches the audio output route through outputctld,
// starting it when needed.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"pkt.systems/pslog"

	"github.com/mil-ad/outputctl/internal/config"
	"github.com/mil-ad/outputctl/internal/ipc"
	"github.com/mil-ad/outputctl/internal/launcher"
)

func main() {
	os.Exit(submain(context.Background()))
}

func submain(ctx context.Context) int {
	v := viper.New()
	cmd := newRootCommand(v)
	ctx = withSignalCancel(ctx)
	if err := cmd.ExecuteContext(ctx); err != nil {
		if !errors.Is(err, context.Canceled) {
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
		}
		return 1
	}
	return 0
}

// env is what every subcommand needs, built once flags are parsed.
type env struct {
	cfg      *config.Config
	logger   pslog.Logger
	launcher *launcher.Manager
}

func (e *env) proxy() *ipc.Proxy {
	return ipc.NewProxy(ipc.NewClient(e.cfg.Channel, ipc.ClientOptions{
		Logger:      e.logger.With("sys", "ipc"),
		CallTimeout: e.cfg.Client.CallTimeout,
	}))
}

func newRootCommand(v *viper.Viper) *cobra.Command {
	d := config.Default()
	e := &env{}

	cmd := &cobra.Command{
		Use:           "outputctl",
		Short:         "Switch the audio output between speakers and headphones",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Resolve(v)
			if err != nil {
				return err
			}
			e.cfg = cfg
			e.logger = config.NewLogger("outputctl", cfg.LogLevel)
			e.launcher = launcher.New(launcher.Options{
				Channel:     cfg.Channel,
				ServerPath:  cfg.Server.Path,
				ProcessName: cfg.Server.ProcessName,
				Env:         config.ServerEnv(cfg),
				Handshake:   cfg.Server.Handshake,
				Logger:      e.logger.With("sys", "launcher"),
			})
			return nil
		},
	}

	flags := cmd.PersistentFlags()
	flags.String(config.FlagConfig, "", "config file (default "+config.Path()+")")
	flags.String(config.FlagChannel, d.Channel, "control channel name or socket path")
	flags.String(config.FlagLogLevel, d.LogLevel, "log level")
	flags.String(config.FlagServerPath, d.Server.Path, "server executable, relative to this binary's directory unless absolute")
	flags.Duration(config.FlagCallTimeout, d.Client.CallTimeout, "per-call timeout")

	cmd.AddCommand(
		newStatusCommand(e),
		newModeCommand(e, "speakers"),
		newModeCommand(e, "headphones"),
		newToggleCommand(e),
		newDirectCommand(e),
		newWatchCommand(e),
		newStopCommand(e),
	)

	if err := config.Bind(v, flags); err != nil {
		panic(err)
	}
	for _, sub := range cmd.Commands() {
		if err := config.Bind(v, sub.Flags()); err != nil {
			panic(err)
		}
	}
	return cmd
}

func withSignalCancel(ctx context.Context) context.Context {
	ctx, cancel := context.WithCancel(ctx)
	signals := make(chan os.Signal, 1)
	signal.Notify(signals, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		select {
		case <-signals:
			cancel()
		case <-ctx.Done():
		}
		signal.Stop(signals)
	}()
	return ctx
}
