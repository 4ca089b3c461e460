// Command voiceloop is a push-to-talk and wake-word voice assistant.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/lukasbauer/voiceloop/internal/app"
	"github.com/lukasbauer/voiceloop/internal/logging"
	"github.com/lukasbauer/voiceloop/internal/monitoring"
	"github.com/lukasbauer/voiceloop/internal/wake"
)

var (
	version = "dev"
	envFile string

	cfg    app.Config
	logger zerolog.Logger
	flush  = func() {}
)

func main() {
	rootCmd := &cobra.Command{
		Use:           "voiceloop",
		Short:         "Voice assistant: speak, get an answer, hear it",
		SilenceUsage:  true,
		SilenceErrors: true,
		Version:       version,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if err := app.LoadEnvFile(envFile); err != nil {
				return fmt.Errorf("load %s: %w", envFile, err)
			}
			cfg = app.LoadConfigFromEnv()
			logging.Init(logging.Config{Level: cfg.LogLevel, Format: cfg.LogFormat})
			logger = logging.WithComponent("cli")

			f, err := monitoring.Init(monitoring.Config{
				DSN:         cfg.SentryDSN,
				Environment: cfg.SentryEnvironment,
				Release:     "voiceloop@" + version,
			})
			if err != nil {
				logger.Warn().Err(err).Msg("sentry init failed")
			}
			flush = f
			return nil
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			flush()
		},
	}
	rootCmd.PersistentFlags().StringVar(&envFile, "env-file", ".env", "dotenv file to load before reading the environment")

	rootCmd.AddCommand(talkCmd())
	rootCmd.AddCommand(listenCmd())
	rootCmd.AddCommand(wakeCmd())
	rootCmd.AddCommand(healthCmd())
	rootCmd.AddCommand(historyCmd())
	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(voicesCmd())
	rootCmd.AddCommand(emotionCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		flush()
		os.Exit(1)
	}
}

// withApp builds the App for one command and closes it afterwards.
func withApp(ctx context.Context, fn func(a *app.App) error) error {
	a, err := app.New(ctx, cfg, logging.Logger())
	if err != nil {
		return fmt.Errorf("init app: %w", err)
	}
	defer a.Close()
	return fn(a)
}

func signalContext(cmd *cobra.Command) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
}

func talkCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "talk",
		Short: "Foreground loop: Enter starts or stops a turn, s stops speech, q quits",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signalContext(cmd)
			defer stop()

			return withApp(ctx, func(a *app.App) error {
				as, err := a.NewAssistant(ctx)
				if err != nil {
					return err
				}
				defer as.Close()
				return as.RunTalk(ctx, os.Stdin, os.Stdout)
			})
		},
	}
}

func listenCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "listen",
		Short: "Run the wake-word listener and status server until interrupted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signalContext(cmd)
			defer stop()

			return withApp(ctx, func(a *app.App) error {
				as, err := a.NewAssistant(ctx)
				if err != nil {
					return err
				}
				defer as.Close()
				return as.RunListen(ctx)
			})
		},
	}
}

func wakeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "wake",
		Short: "Control the wake word",
	}

	set := func(enabled bool) func(*cobra.Command, []string) error {
		return func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(a *app.App) error {
				st, err := a.SetWakeWord(cmd.Context(), enabled)
				if errors.Is(err, wake.ErrPermissionMissing) {
					return fmt.Errorf("wake word needs microphone and overlay access: %w", err)
				}
				if err != nil {
					return err
				}
				printWakeStatus(cmd, st)
				return nil
			})
		}
	}

	cmd.AddCommand(&cobra.Command{Use: "on", Short: "Enable the wake word", Args: cobra.NoArgs, RunE: set(true)})
	cmd.AddCommand(&cobra.Command{Use: "off", Short: "Disable the wake word", Args: cobra.NoArgs, RunE: set(false)})
	cmd.AddCommand(&cobra.Command{
		Use:   "status",
		Short: "Show wake word state",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(a *app.App) error {
				st, err := a.WakeStatus(cmd.Context())
				if err != nil {
					return err
				}
				printWakeStatus(cmd, st)
				return nil
			})
		},
	})
	return cmd
}

func printWakeStatus(cmd *cobra.Command, st wake.Status) {
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "enabled:  %t\n", st.Enabled)
	fmt.Fprintf(out, "running:  %t\n", st.Running)
	fmt.Fprintf(out, "mic:      %t\n", st.MicGranted)
	fmt.Fprintf(out, "overlay:  %t\n", st.OverlayGranted)
	if !st.LastTrigger.IsZero() {
		fmt.Fprintf(out, "last:     %s\n", st.LastTrigger.Local().Format(time.RFC1123))
	}
}

func healthCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "health",
		Short: "Check that the backend is reachable",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(a *app.App) error {
				ctx, cancel := context.WithTimeout(cmd.Context(), 10*time.Second)
				defer cancel()
				h, err := a.Backend().Health(ctx)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "backend %s: %s\n", cfg.BackendURL, h.Status)
				return nil
			})
		},
	}
}

func historyCmd() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "history",
		Short: "Print recent conversation messages",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if limit <= 0 {
				return fmt.Errorf("invalid limit %d", limit)
			}
			return withApp(cmd.Context(), func(a *app.App) error {
				msgs, err := a.History(cmd.Context(), limit)
				if err != nil {
					return err
				}
				out := cmd.OutOrStdout()
				for _, m := range msgs {
					who := "Assistant"
					if m.IsUser {
						who = "You"
					}
					fmt.Fprintf(out, "%s  %s: %s\n", m.CreatedAt.Local().Format("2006-01-02 15:04"), who, m.Text)
				}
				return nil
			})
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "number of messages")
	return cmd
}

func migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply database migrations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(a *app.App) error {
				results, err := a.Migrate(cmd.Context())
				if err != nil {
					return err
				}
				if len(results) == 0 {
					fmt.Fprintln(cmd.OutOrStdout(), "database is up to date")
				}
				for _, r := range results {
					fmt.Fprintf(cmd.OutOrStdout(), "applied %d %s\n", r.Version, r.Source)
				}
				return nil
			})
		},
	}
}

func voicesCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "voices",
		Short: "List backend voices",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(a *app.App) error {
				voices, current, err := a.Backend().Voices(cmd.Context())
				if err != nil {
					return err
				}
				for _, v := range voices {
					mark := " "
					if v.ID == current {
						mark = "*"
					}
					fmt.Fprintf(cmd.OutOrStdout(), "%s %s  %s\n", mark, v.ID, v.Name)
				}
				return nil
			})
		},
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "set ID",
		Short: "Select the backend voice",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(a *app.App) error {
				return a.Backend().SetVoice(cmd.Context(), args[0])
			})
		},
	})
	return cmd
}

func emotionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "emotion",
		Short: "Print the backend's emotion state",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(a *app.App) error {
				state, err := a.Backend().EmotionState(cmd.Context())
				if err != nil {
					return err
				}
				for k, v := range state {
					fmt.Fprintf(cmd.OutOrStdout(), "%-12s %v\n", k+":", v)
				}
				return nil
			})
		},
	}
}
