// Package main provides the dossiersync binary entry point.
// Dossiersync joins dossier collaboration sessions and delivers outbound
// messages through an offline-tolerant queue.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/c360studio/dossiersync/config"
	"github.com/c360studio/dossiersync/delivery"
)

const (
	Version   = "0.1.0"
	BuildTime = "dev"
	appName   = "dossiersync"
)

func main() {
	// Add panic recovery
	defer func() {
		if r := recover(); r != nil {
			buf := make([]byte, 4096)
			n := runtime.Stack(buf, false)
			_, _ = fmt.Fprintf(os.Stderr, "PANIC: %v\nStack trace:\n%s\n", r, string(buf[:n]))
			os.Exit(2)
		}
	}()

	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

type globalFlags struct {
	configPath string
	logLevel   string
}

func rootCmd() *cobra.Command {
	var g globalFlags

	cmd := &cobra.Command{
		Use:   appName,
		Short: "Dossier collaboration and outbound message delivery",
		Long: `Dossiersync connects an agent to the dossier collaboration relay.

It provides:
- Presence, live cursors and versioned field edits on a dossier
- Activity and filter-preset sharing
- Outbound messages that are queued while offline and retried on reconnect`,
		SilenceUsage: true,
	}

	cmd.PersistentFlags().StringVarP(&g.configPath, "config", "c", "", "Config file path (YAML)")
	cmd.PersistentFlags().StringVar(&g.logLevel, "log-level", "info", "Log level (debug, info, warn, error)")

	cmd.AddCommand(
		watchCmd(&g),
		editCmd(&g),
		sendCmd(&g),
		queueCmd(&g),
		&cobra.Command{
			Use:   "version",
			Short: "Print version information",
			Run: func(cmd *cobra.Command, args []string) {
				fmt.Fprintf(cmd.OutOrStdout(), "%s version %s (build: %s)\n", appName, Version, BuildTime)
			},
		},
	)

	return cmd
}

func parseLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	}
	return slog.LevelInfo
}

// setup configures logging, loads the configuration and builds the app.
func setup(ctx context.Context, g *globalFlags) (*App, error) {
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: parseLevel(g.logLevel)}))
	slog.SetDefault(logger)

	cfg, err := loadConfig(g.configPath, logger)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	return NewApp(ctx, cfg, logger)
}

func loadConfig(path string, logger *slog.Logger) (*config.Config, error) {
	if path == "" {
		return config.NewLoader(logger).Load()
	}
	cfg, err := config.LoadFromFile(path)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func watchCmd(g *globalFlags) *cobra.Command {
	var metricsAddr string

	cmd := &cobra.Command{
		Use:   "watch <dossier-id>",
		Short: "Join a dossier and print collaboration events",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer cancel()

			app, err := setup(ctx, g)
			if err != nil {
				return err
			}
			defer app.Close(context.Background())

			if metricsAddr != "" {
				srv := &http.Server{
					Addr:              metricsAddr,
					Handler:           promhttp.HandlerFor(app.registry, promhttp.HandlerOpts{}),
					ReadHeaderTimeout: 5 * time.Second,
				}
				go func() {
					if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
						app.logger.Error("Metrics server failed", "error", err)
					}
				}()
				defer srv.Close()
			}

			if err := app.Join(ctx, args[0]); err != nil {
				return fmt.Errorf("join dossier %s: %w", args[0], err)
			}
			if err := app.Watch(ctx); err != nil {
				return err
			}

			app.logger.Info("Watching dossier", "dossier_id", args[0], "participant_id", app.cfg.Participant.ID)
			printEvents(ctx, cmd.OutOrStdout(), app)
			return nil
		},
	}

	cmd.Flags().StringVar(&metricsAddr, "metrics-addr", "", "Serve Prometheus metrics on this address")
	return cmd
}

// event is one line of watch output.
type event struct {
	Kind string `json:"kind"`
	Data any    `json:"data"`
}

// printEvents writes session and queue events as JSON lines until ctx is done.
func printEvents(ctx context.Context, w io.Writer, app *App) {
	enc := json.NewEncoder(w)
	emit := func(kind string, data any) {
		_ = enc.Encode(event{Kind: kind, Data: data})
	}

	s := app.session
	presence, cursors, edits, activity := s.Presence(), s.Cursors(), s.Edits(), s.Activity()
	if presence == nil {
		return
	}

	viewers, stopViewers := presence.Subscribe()
	defer stopViewers()
	visible, stopCursors := cursors.Subscribe()
	defer stopCursors()
	presets, stopPresets := activity.SubscribePresets()
	defer stopPresets()
	online, stopOnline := app.monitor.Subscribe()
	defer stopOnline()

	// Every source closes when the session leaves or the monitor closes.
	for {
		select {
		case <-ctx.Done():
			return
		case v, ok := <-viewers:
			if !ok {
				return
			}
			emit("viewers", v)
		case c, ok := <-visible:
			if !ok {
				return
			}
			emit("cursors", c)
		case p, ok := <-presets:
			if !ok {
				return
			}
			emit("presets", p)
		case ev, ok := <-presence.Events():
			if !ok {
				return
			}
			emit("presence", ev)
		case e, ok := <-edits.Accepted():
			if !ok {
				return
			}
			emit("edit", e)
		case r, ok := <-edits.Rejected():
			if !ok {
				return
			}
			emit("edit_rejected", r)
		case c, ok := <-edits.Conflicts():
			if !ok {
				return
			}
			emit("conflict", c)
		case a, ok := <-activity.Activities():
			if !ok {
				return
			}
			emit("activity", a)
		case o, ok := <-online:
			if !ok {
				return
			}
			emit("online", o)
		case f := <-app.queue.Failures():
			emit("delivery_failed", map[string]any{
				"id":      f.Message.ID,
				"dossier": f.Message.Payload.DossierID,
				"error":   f.Err.Error(),
			})
		}
	}
}

func editCmd(g *globalFlags) *cobra.Command {
	var oldValue string

	cmd := &cobra.Command{
		Use:   "edit <dossier-id> <field> <value>",
		Short: "Propose a field edit on a dossier",
		Long: `Propose a field edit on a dossier.

The value is parsed as JSON when possible and sent as a string otherwise.`,
		Args: cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			app, err := setup(ctx, g)
			if err != nil {
				return err
			}
			defer app.Close(context.Background())

			if err := app.Join(ctx, args[0]); err != nil {
				return fmt.Errorf("join dossier %s: %w", args[0], err)
			}
			var old any
			if cmd.Flags().Changed("old") {
				old = parseValue(oldValue)
			}
			rec, err := app.session.ProposeEdit(ctx, args[1], parseValue(args[2]), old)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s v%d (%s)\n", rec.FieldName, rec.Version, rec.EditID)
			return nil
		},
	}

	cmd.Flags().StringVar(&oldValue, "old", "", "Previous value of the field")
	return cmd
}

// parseValue decodes s as JSON, falling back to the raw string.
func parseValue(s string) any {
	var v any
	if err := json.Unmarshal([]byte(s), &v); err != nil {
		return s
	}
	return v
}

func sendCmd(g *globalFlags) *cobra.Command {
	var req delivery.MessageRequest

	cmd := &cobra.Command{
		Use:   "send",
		Short: "Send an outbound message, queueing it while offline",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			app, err := setup(ctx, g)
			if err != nil {
				return err
			}
			defer app.Close(context.Background())

			msg, err := app.queue.Enqueue(ctx, req)
			if err != nil {
				return fmt.Errorf("send message: %w", err)
			}
			if msg == nil {
				fmt.Fprintf(cmd.OutOrStdout(), "offline: queued (%d pending)\n", app.queue.Len())
				return nil
			}
			fmt.Fprintf(cmd.OutOrStdout(), "sent %s (%s)\n", msg.ID, msg.Status)
			return nil
		},
	}

	cmd.Flags().StringVar(&req.DossierID, "dossier", "", "Dossier ID")
	cmd.Flags().StringVar(&req.Channel, "channel", "email", "Delivery channel (email, sms, whatsapp)")
	cmd.Flags().StringVar(&req.Recipient, "to", "", "Recipient address")
	cmd.Flags().StringVar(&req.Subject, "subject", "", "Message subject")
	cmd.Flags().StringVar(&req.Body, "body", "", "Message body")
	_ = cmd.MarkFlagRequired("dossier")
	_ = cmd.MarkFlagRequired("to")
	_ = cmd.MarkFlagRequired("body")
	return cmd
}

func queueCmd(g *globalFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "queue",
		Short: "Inspect and flush the outbound queue",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List queued messages",
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := setup(cmd.Context(), g)
			if err != nil {
				return err
			}
			defer app.Close(context.Background())
			printQueue(cmd.OutOrStdout(), app.queue.Pending(), time.Now())
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "sync",
		Short: "Deliver queued messages now",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			app, err := setup(ctx, g)
			if err != nil {
				return err
			}
			defer app.Close(context.Background())

			res, err := app.queue.Sync(ctx)
			if err != nil {
				return err
			}
			if res.Skipped {
				fmt.Fprintln(cmd.OutOrStdout(), "offline: nothing attempted")
				return nil
			}
			fmt.Fprintf(cmd.OutOrStdout(), "delivered %d, failed %d, pending %d\n",
				len(res.Delivered), len(res.Failed), res.Retained)
			for _, f := range res.Failed {
				fmt.Fprintf(cmd.OutOrStdout(), "  %s: %v\n", f.Message.ID, f.Err)
			}
			return nil
		},
	})

	return cmd
}

func printQueue(w io.Writer, items []delivery.QueuedMessage, now time.Time) {
	if len(items) == 0 {
		fmt.Fprintln(w, "queue is empty")
		return
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tDOSSIER\tCHANNEL\tRECIPIENT\tQUEUED\tATTEMPTS\tLAST ERROR")
	for _, m := range items {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%d\t%s\n",
			m.ID,
			m.Payload.DossierID,
			m.Payload.Channel,
			m.Payload.Recipient,
			humanize.RelTime(m.EnqueuedAt, now, "ago", "from now"),
			m.RetryCount,
			m.LastError)
	}
	_ = tw.Flush()
}

