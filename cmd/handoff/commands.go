package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"

	mcpserver "github.com/mark3labs/mcp-go/server"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/HendryAvila/handoff/internal/audit"
	"github.com/HendryAvila/handoff/internal/config"
	"github.com/HendryAvila/handoff/internal/escalation"
	"github.com/HendryAvila/handoff/internal/logging"
	"github.com/HendryAvila/handoff/internal/metrics"
	"github.com/HendryAvila/handoff/internal/replay"
	"github.com/HendryAvila/handoff/internal/server"
)

// globalFlags are shared by every subcommand.
type globalFlags struct {
	configPath string
	logLevel   string
}

func newRootCmd() *cobra.Command {
	g := &globalFlags{}

	root := &cobra.Command{
		Use:   "handoff",
		Short: "Escalation policy engine for AI assistants",
		Long: `handoff decides when an assistant must stop retrying a sub-problem
and hand it to a specialized collaborator. It runs as an MCP server over stdio.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&g.configPath, "config", "", "config file (default ~/.handoff/config.toml)")
	root.PersistentFlags().StringVar(&g.logLevel, "log-level", "", "override the configured log level")

	root.AddCommand(
		newServeCmd(g),
		newReplayCmd(g),
		newHistoryCmd(g),
		newSessionsCmd(g),
		newStatsCmd(g),
		newVersionCmd(),
	)
	return root
}

// load reads the config and builds the logger it describes.
func (g *globalFlags) load() (*config.Config, *zap.Logger, error) {
	cfg, err := config.Load(g.configPath)
	if err != nil {
		return nil, nil, err
	}
	if g.logLevel != "" {
		cfg.Log.Level = g.logLevel
	}
	logger, err := logging.New(cfg.Log.Level)
	if err != nil {
		return nil, nil, err
	}
	return cfg, logger, nil
}

func (g *globalFlags) path() string {
	if g.configPath != "" {
		return g.configPath
	}
	return config.DefaultPath()
}

// ─── serve ───────────────────────────────────────────────────────────────────

func newServeCmd(g *globalFlags) *cobra.Command {
	var metricsAddr string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the MCP server on stdio",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := g.load()
			if err != nil {
				return err
			}
			defer func() { _ = logger.Sync() }()
			if metricsAddr != "" {
				cfg.Metrics.Addr = metricsAddr
			}
			return runServe(cmd.Context(), g.path(), cfg, logger)
		},
	}
	cmd.Flags().StringVar(&metricsAddr, "metrics-addr", "", "serve Prometheus metrics on this host:port")
	return cmd
}

func runServe(parent context.Context, cfgPath string, cfg *config.Config, logger *zap.Logger) error {
	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	h, cleanup, err := server.New(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("creating server: %w", err)
	}
	defer cleanup()

	// Config edits retune the running engine. A watcher failure only
	// costs hot reload.
	w, err := config.NewWatcher(cfgPath, func(c *config.Config) {
		p, err := c.ToPolicy()
		if err == nil {
			err = h.SetPolicy(ctx, p)
		}
		if err != nil {
			logger.Warn("reloaded policy rejected", zap.Error(err))
		}
	}, logger)
	if err != nil {
		logger.Warn("config hot reload disabled", zap.Error(err))
	} else {
		if err := w.Start(ctx); err != nil {
			logger.Warn("config hot reload disabled", zap.Error(err))
		}
		defer w.Stop()
	}

	// The stdio session owns the process lifetime: when the host closes
	// stdin, the metrics endpoint shuts down with it.
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		defer stop()
		return mcpserver.ServeStdio(h.MCP)
	})
	if cfg.Metrics.Addr != "" {
		g.Go(func() error {
			if err := metrics.Serve(gctx, cfg.Metrics.Addr, h.Metrics.Handler(), logger); err != nil {
				logger.Warn("metrics endpoint stopped", zap.Error(err))
			}
			return nil
		})
	}
	return g.Wait()
}

// ─── replay ──────────────────────────────────────────────────────────────────

func newReplayCmd(g *globalFlags) *cobra.Command {
	var session string

	cmd := &cobra.Command{
		Use:   "replay [FILE]",
		Short: "Run a JSONL event log through a fresh engine",
		Long: `Replay reads one action event per line (the escalation_submit argument
shape) from FILE, or stdin when FILE is "-", and writes every escalation
record it produces as one JSON line on stdout. With --session it replays
the events audited in that session instead ("latest" for the newest),
under the policies the session recorded at startup and on each config
reload. Sessions without a recorded policy replay under the current
config.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := g.load()
			if err != nil {
				return err
			}
			defer func() { _ = logger.Sync() }()

			if (session == "") == (len(args) == 0) {
				return fmt.Errorf("give exactly one of FILE or --session")
			}

			policy, err := cfg.ToPolicy()
			if err != nil {
				return err
			}
			eng, err := escalation.New(policy, escalation.WithLogger(logger.Named("replay")))
			if err != nil {
				return err
			}

			var sum replay.Summary
			if session != "" {
				sum, err = replaySession(cmd.Context(), cfg, eng, session, cmd.OutOrStdout(), cmd.ErrOrStderr())
			} else {
				sum, err = replayFile(cmd.Context(), eng, args[0], cmd.InOrStdin(), cmd.OutOrStdout())
			}
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.ErrOrStderr(), "%d events: %d accepted, %d rejected, %d resolved, %d escalations\n",
				sum.Lines, sum.Accepted, sum.Rejected, sum.Resolved, sum.Escalations)
			return nil
		},
	}
	cmd.Flags().StringVar(&session, "session", "", `audit session id to replay, or "latest"`)
	return cmd
}

func replayFile(ctx context.Context, eng *escalation.Engine, name string, stdin io.Reader, out io.Writer) (replay.Summary, error) {
	in := stdin
	if name != "-" {
		f, err := os.Open(name)
		if err != nil {
			return replay.Summary{}, err
		}
		defer func() { _ = f.Close() }()
		in = f
	}
	return replay.Run(ctx, eng, in, out)
}

func replaySession(ctx context.Context, cfg *config.Config, eng *escalation.Engine, session string, out, errOut io.Writer) (replay.Summary, error) {
	store, err := audit.New(audit.Config{DataDir: cfg.Storage.DataDir})
	if err != nil {
		return replay.Summary{}, err
	}
	defer func() { _ = store.Close() }()

	if session == "latest" {
		if session, err = store.LatestSession(ctx); err != nil {
			return replay.Summary{}, err
		}
	}
	entries, err := store.Events(ctx, session, "")
	if err != nil {
		return replay.Summary{}, err
	}
	policies, err := store.Policies(ctx, session)
	if err != nil {
		return replay.Summary{}, err
	}
	if len(policies) == 0 {
		fmt.Fprintf(errOut, "session %s recorded no policy; replaying under the current config\n", session)
	}

	events := make([]escalation.ActionEvent, len(entries))
	for i, e := range entries {
		events[i] = e.Event
	}
	return replay.Events(ctx, eng, events, policySchedule(entries, policies), out)
}

// policySchedule places each recorded policy before the first event stored
// after it. Policies recorded after the last event are dropped.
func policySchedule(entries []audit.EventEntry, policies []audit.PolicyEntry) []replay.PolicyChange {
	var changes []replay.PolicyChange
	i := 0
	for _, p := range policies {
		for i < len(entries) && entries[i].ID <= p.AfterEvent {
			i++
		}
		if i == len(entries) {
			break
		}
		changes = append(changes, replay.PolicyChange{Before: i, Policy: p.Policy})
	}
	return changes
}

// ─── history ─────────────────────────────────────────────────────────────────

func newHistoryCmd(g *globalFlags) *cobra.Command {
	var (
		opts    audit.HistoryOptions
		trigger string
		asJSON  bool
	)

	cmd := &cobra.Command{
		Use:   "history",
		Short: "List audited escalations, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, _, err := g.load()
			if err != nil {
				return err
			}
			if trigger != "" {
				t, err := escalation.ParseTriggerKind(trigger)
				if err != nil {
					return err
				}
				opts.Trigger = t
			}

			store, err := audit.New(audit.Config{DataDir: cfg.Storage.DataDir})
			if err != nil {
				return err
			}
			defer func() { _ = store.Close() }()

			entries, err := store.Escalations(cmd.Context(), opts)
			if err != nil {
				return err
			}
			if asJSON {
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(entries)
			}
			return printHistory(cmd.OutOrStdout(), entries)
		},
	}
	cmd.Flags().StringVar(&opts.SubproblemID, "subproblem", "", "only this sub-problem")
	cmd.Flags().StringVar(&opts.SessionID, "session", "", "only this audit session")
	cmd.Flags().StringVar(&trigger, "trigger", "", "only this trigger kind")
	cmd.Flags().IntVar(&opts.Limit, "limit", 20, "maximum entries")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print JSON")
	return cmd
}

func printHistory(w io.Writer, entries []audit.EscalationEntry) error {
	if len(entries) == 0 {
		_, err := fmt.Fprintln(w, "No escalations recorded.")
		return err
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "WHEN\tSUB-PROBLEM\tTRIGGER\tROLE\tORDINAL")
	for _, e := range entries {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%d\n",
			e.CreatedAt, e.Record.SubproblemID, e.Record.Trigger, e.Record.Role, e.Record.Ordinal)
	}
	return tw.Flush()
}

// ─── sessions ────────────────────────────────────────────────────────────────

func newSessionsCmd(g *globalFlags) *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "sessions",
		Short: "List recent audit sessions",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, _, err := g.load()
			if err != nil {
				return err
			}
			store, err := audit.New(audit.Config{DataDir: cfg.Storage.DataDir})
			if err != nil {
				return err
			}
			defer func() { _ = store.Close() }()

			sessions, err := store.Sessions(cmd.Context(), limit)
			if err != nil {
				return err
			}
			if len(sessions) == 0 {
				_, err := fmt.Fprintln(cmd.OutOrStdout(), "No sessions recorded.")
				return err
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "ID\tSTARTED\tENDED\tEVENTS\tESCALATIONS\tLABEL")
			for _, s := range sessions {
				ended := "-"
				if s.EndedAt != nil {
					ended = *s.EndedAt
				}
				fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%d\t%s\n", s.ID, s.StartedAt, ended, s.Events, s.Escalations, s.Label)
			}
			return tw.Flush()
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 10, "maximum sessions")
	return cmd
}

// ─── stats ───────────────────────────────────────────────────────────────────

func newStatsCmd(g *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Show audit totals by trigger and role",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, _, err := g.load()
			if err != nil {
				return err
			}
			store, err := audit.New(audit.Config{DataDir: cfg.Storage.DataDir})
			if err != nil {
				return err
			}
			defer func() { _ = store.Close() }()

			st, err := store.Stats(cmd.Context())
			if err != nil {
				return err
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(st)
		},
	}
}

// ─── version ─────────────────────────────────────────────────────────────────

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "handoff v%s\n", server.Version)
		},
	}
}
