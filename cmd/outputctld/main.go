// Command outputctld owns the sound device and serves the control channel.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"pkt.systems/pslog"

	"github.com/mil-ad/outputctl/internal/audio"
	"github.com/mil-ad/outputctl/internal/config"
	"github.com/mil-ad/outputctl/internal/daemon"
	"github.com/mil-ad/outputctl/internal/instance"
	"github.com/mil-ad/outputctl/internal/ipc"
)

const shutdownTimeout = 5 * time.Second

func main() {
	os.Exit(submain(context.Background()))
}

func submain(ctx context.Context) int {
	v := viper.New()
	cmd := newRootCommand(v)
	ctx = withSignalCancel(ctx)
	if err := cmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "outputctld: %v\n", err)
		return 1
	}
	return 0
}

func newRootCommand(v *viper.Viper) *cobra.Command {
	d := config.Default()
	cmd := &cobra.Command{
		Use:           "outputctld",
		Short:         "Serve audio output route control to outputctl",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Resolve(v)
			if err != nil {
				return err
			}
			logger := config.NewLogger("outputctld", cfg.LogLevel)
			return run(cmd.Context(), cfg, logger)
		},
	}

	flags := cmd.Flags()
	flags.String(config.FlagConfig, "", "config file (default "+config.Path()+")")
	flags.String(config.FlagChannel, d.Channel, "control channel name or socket path")
	flags.String(config.FlagInstance, d.Instance, "single-instance lock name")
	flags.String(config.FlagLogLevel, d.LogLevel, "log level")
	flags.String(config.FlagBackend, d.Device.Backend, "device backend: pulse or sim")
	flags.String(config.FlagSink, d.Device.Sink, "only use sinks whose name contains this")
	if err := config.Bind(v, flags); err != nil {
		panic(err)
	}
	return cmd
}

func run(ctx context.Context, cfg *config.Config, logger pslog.Logger) error {
	guard, ok, err := instance.TryAcquire(cfg.Instance)
	if err != nil {
		return fmt.Errorf("single instance: %w", err)
	}
	if !ok {
		logger.Info("outputctld.instance.busy", "instance", cfg.Instance)
		return nil
	}
	defer guard.Release()

	facade, err := openFacade(cfg)
	if err != nil {
		return err
	}
	defer facade.Close()

	svc := daemon.NewService(facade, daemon.Options{
		Logger:         logger.With("sys", "daemon"),
		RefreshTimeout: cfg.Server.CallTimeout,
	})
	svc.Start()
	defer svc.Stop()

	srv := ipc.NewServer(svc, svc, ipc.ServerOptions{
		Logger:      logger.With("sys", "ipc"),
		CallTimeout: cfg.Server.CallTimeout,
	})
	if err := srv.Start(cfg.Channel); err != nil {
		return err
	}
	logger.Info("outputctld.ready", "channel", ipc.ChannelPath(cfg.Channel), "backend", cfg.Device.Backend, "pid", os.Getpid())

	<-ctx.Done()
	logger.Info("outputctld.shutdown")

	stopCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Stop(stopCtx); err != nil && !errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("stop server: %w", err)
	}
	return nil
}

func openFacade(cfg *config.Config) (audio.Facade, error) {
	switch cfg.Device.Backend {
	case config.BackendSim:
		return audio.NewSim(audio.Device{ID: "sim0", Name: "Simulated output"}), nil
	case config.BackendPulse:
		p, err := audio.NewPulse(audio.PulseOptions{
			Sink:           cfg.Device.Sink,
			SpeakersPort:   cfg.Device.SpeakersPort,
			HeadphonesPort: cfg.Device.HeadphonesPort,
		})
		if err != nil {
			return nil, fmt.Errorf("open pulseaudio: %w", err)
		}
		return p, nil
	}
	return nil, fmt.Errorf("unknown backend %q", cfg.Device.Backend)
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
