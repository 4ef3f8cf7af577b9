package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/spf13/cobra"
	"pkt.systems/pslog"

	"github.com/mil-ad/outputctl/internal/audio"
	"github.com/mil-ad/outputctl/internal/config"
	"github.com/mil-ad/outputctl/internal/indicator"
	"github.com/mil-ad/outputctl/internal/ipc"
)

const (
	retryAttempts  = 3
	retryDelay     = 250 * time.Millisecond
	disposeTimeout = 5 * time.Second
)

// withRetry retries fn while the service is unavailable. Any other error is
// final.
func withRetry(ctx context.Context, logger pslog.Logger, fn func(ctx context.Context) error) error {
	var err error
	for attempt := 1; ; attempt++ {
		err = fn(ctx)
		if err == nil || !errors.Is(err, ipc.ErrServiceUnavailable) || attempt == retryAttempts {
			return err
		}
		logger.Debug("cli.retry", "attempt", attempt, "error", err)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(retryDelay):
		}
	}
}

// session ensures the server runs, then hands fn a proxy that is closed
// afterwards.
func (e *env) session(ctx context.Context, fn func(p *ipc.Proxy) error) error {
	if err := e.launcher.EnsureRunning(ctx); err != nil {
		return err
	}
	p := e.proxy()
	defer p.Close()
	return fn(p)
}

func newStatusCommand(e *env) *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Print the active output",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			return e.session(ctx, func(p *ipc.Proxy) error {
				var mode audio.OutputMode
				err := withRetry(ctx, e.logger, func(ctx context.Context) error {
					m, err := p.CurrentOutputMode(ctx)
					mode = m
					return err
				})
				if err != nil {
					return err
				}
				if asJSON {
					return json.NewEncoder(cmd.OutOrStdout()).Encode(audio.OutputModeChanged{Mode: mode})
				}
				fmt.Fprintln(cmd.OutOrStdout(), mode)
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print JSON")
	return cmd
}

func newModeCommand(e *env, name string) *cobra.Command {
	return &cobra.Command{
		Use:   name,
		Short: "Switch output to " + name,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			mode, err := audio.ParseOutputMode(name)
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			return e.session(ctx, func(p *ipc.Proxy) error {
				err := withRetry(ctx, e.logger, func(ctx context.Context) error {
					return p.SetOutputMode(ctx, mode)
				})
				if err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), mode)
				return nil
			})
		},
	}
}

func newToggleCommand(e *env) *cobra.Command {
	return &cobra.Command{
		Use:   "toggle",
		Short: "Switch between speakers and headphones",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			return e.session(ctx, func(p *ipc.Proxy) error {
				var current audio.OutputMode
				err := withRetry(ctx, e.logger, func(ctx context.Context) error {
					m, err := p.CurrentOutputMode(ctx)
					current = m
					return err
				})
				if err != nil {
					return err
				}
				next := current.Opposite()
				// Setting a route is idempotent, so a retried write is harmless.
				err = withRetry(ctx, e.logger, func(ctx context.Context) error {
					return p.SetOutputMode(ctx, next)
				})
				if err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), next)
				return nil
			})
		},
	}
}

func newDirectCommand(e *env) *cobra.Command {
	return &cobra.Command{
		Use:       "direct on|off",
		Short:     "Turn the device's direct mode on or off",
		Args:      cobra.MatchAll(cobra.ExactArgs(1), cobra.OnlyValidArgs),
		ValidArgs: []string{"on", "off"},
		RunE: func(cmd *cobra.Command, args []string) error {
			state, err := audio.ParseDirectMode(args[0])
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			return e.session(ctx, func(p *ipc.Proxy) error {
				return withRetry(ctx, e.logger, func(ctx context.Context) error {
					if state == audio.DirectOn {
						return p.EnableDirect(ctx)
					}
					return p.DisableDirect(ctx)
				})
			})
		},
	}
}

func newStopCommand(e *env) *cobra.Command {
	return &cobra.Command{
		Use:   "stop",
		Short: "Terminate outputctld",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return e.launcher.Shutdown(cmd.Context())
		},
	}
}

func newWatchCommand(e *env) *cobra.Command {
	var plain bool
	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Show the active output and toggle it with the space key",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if plain {
				return e.watchPlain(cmd)
			}
			return e.watchTUI(cmd)
		},
	}
	defaults := config.Default()
	flags := cmd.Flags()
	flags.BoolVar(&plain, "plain", false, "print each change as a line instead of drawing a UI")
	flags.Duration(config.FlagPollInterval, defaults.Client.PollInterval, "reconciliation poll interval")
	flags.Bool(config.FlagStopOnExit, defaults.Server.StopOnExit, "stop outputctld when watch exits")
	return cmd
}

func (e *env) appOptions() indicator.AppOptions {
	return indicator.AppOptions{
		PollInterval: e.cfg.Client.PollInterval,
		StopOnExit:   e.cfg.Server.StopOnExit,
		Logger:       e.logger.With("sys", "indicator"),
	}
}

func (e *env) watchPlain(cmd *cobra.Command) error {
	ctx := cmd.Context()
	app := indicator.NewApp(e.launcher, e.proxy(), indicator.NewWriterIndicator(cmd.OutOrStdout()), e.appOptions())
	defer e.dispose(app)

	if err := app.Start(ctx); err != nil {
		return err
	}
	<-ctx.Done()
	return nil
}

func (e *env) watchTUI(cmd *cobra.Command) error {
	ctx := cmd.Context()

	var app *indicator.App
	prog := tea.NewProgram(indicator.NewModel(func() error {
		return app.Toggle(ctx)
	}), tea.WithContext(ctx))

	opts := e.appOptions()
	opts.OnState = func(s indicator.State) {
		prog.Send(indicator.StateMsg{State: s})
	}
	app = indicator.NewApp(e.launcher, e.proxy(), indicator.ProgramIndicator{Program: prog}, opts)
	defer e.dispose(app)

	go func() {
		if err := app.Start(ctx); err != nil {
			prog.Send(indicator.ErrMsg{Err: err})
		}
	}()

	if _, err := prog.Run(); err != nil && !errors.Is(err, tea.ErrProgramKilled) {
		return err
	}
	return nil
}

func (e *env) dispose(app *indicator.App) {
	ctx, cancel := context.WithTimeout(context.Background(), disposeTimeout)
	defer cancel()
	if err := app.Dispose(ctx); err != nil {
		e.logger.Warn("cli.watch.dispose", "error", err)
	}
}
