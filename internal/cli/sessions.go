package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/harun/skipper/internal/config"
	"github.com/harun/skipper/pkg/conversation"
	"github.com/harun/skipper/pkg/runner"
	"github.com/harun/skipper/pkg/session"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

var pruneMax int

var sessionsCmd = &cobra.Command{
	Use:   "sessions",
	Short: "Manage stored sessions",
	Long:  `List, inspect, repair, delete and prune the conversation histories kept in the session store.`,
}

var sessionsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List session keys",
	Args:  cobra.NoArgs,
	RunE: withStore(func(ctx context.Context, cmd *cobra.Command, _ []string, env storeEnv) error {
		keys, err := env.store.List(ctx)
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		if len(keys) == 0 {
			fmt.Fprintln(out, "No sessions.")
			return nil
		}
		for _, key := range keys {
			log, err := env.store.Load(ctx, key)
			if err != nil {
				fmt.Fprintf(out, "%s\t(unreadable: %v)\n", key, err)
				continue
			}
			fmt.Fprintf(out, "%s\t%d messages\n", key, len(log))
		}
		return nil
	}),
}

var sessionsShowCmd = &cobra.Command{
	Use:   "show <session>",
	Short: "Print a session's history",
	Args:  cobra.ExactArgs(1),
	RunE: withStore(func(ctx context.Context, cmd *cobra.Command, args []string, env storeEnv) error {
		log, err := env.store.Load(ctx, args[0])
		if err != nil {
			return err
		}
		if len(log) == 0 {
			return fmt.Errorf("session %q not found", args[0])
		}
		printLog(cmd.OutOrStdout(), log)
		return nil
	}),
}

var sessionsRepairCmd = &cobra.Command{
	Use:   "repair <session>",
	Short: "Repair broken tool call pairs in a session",
	Args:  cobra.ExactArgs(1),
	RunE: withStore(func(ctx context.Context, cmd *cobra.Command, args []string, env storeEnv) error {
		report, err := runner.RepairSession(ctx, env.store, args[0], env.logger)
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		if !report.Changed() {
			fmt.Fprintf(out, "Session %s is consistent.\n", args[0])
			return nil
		}
		fmt.Fprintf(out, "Repaired session %s in %d passes: %d orphan calls, %d orphan returns, %d empty messages removed.\n",
			args[0], report.Passes, len(report.RemovedCalls), report.RemovedReturns, report.RemovedEmpty)
		return nil
	}),
}

var sessionsDeleteCmd = &cobra.Command{
	Use:   "delete <session>",
	Short: "Delete a session",
	Args:  cobra.ExactArgs(1),
	RunE: withStore(func(ctx context.Context, cmd *cobra.Command, args []string, env storeEnv) error {
		if err := env.store.Delete(ctx, args[0]); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Deleted session %s.\n", args[0])
		return nil
	}),
}

var sessionsPruneCmd = &cobra.Command{
	Use:   "prune",
	Short: "Trim every session to the newest messages",
	Args:  cobra.NoArgs,
	RunE: withStore(func(ctx context.Context, cmd *cobra.Command, _ []string, env storeEnv) error {
		limit := pruneMax
		if limit <= 0 {
			limit = env.cfg.Session.MaxMessages
		}
		if limit <= 0 {
			return fmt.Errorf("nothing to prune: no message limit configured")
		}
		n, err := session.Prune(ctx, env.store, limit, env.logger)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Pruned %d sessions to at most %d messages.\n", n, limit)
		return nil
	}),
}

func init() {
	sessionsPruneCmd.Flags().IntVar(&pruneMax, "max", 0, "messages to keep per session (default session.max_messages)")

	sessionsCmd.AddCommand(sessionsListCmd, sessionsShowCmd, sessionsRepairCmd, sessionsDeleteCmd, sessionsPruneCmd)
	rootCmd.AddCommand(sessionsCmd)
}

// storeEnv is what the session subcommands need: config, store and a logger
type storeEnv struct {
	cfg    *config.Config
	store  session.Store
	logger zerolog.Logger
}

func withStore(fn func(ctx context.Context, cmd *cobra.Command, args []string, env storeEnv) error) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		log, err := newLogger(cfg)
		if err != nil {
			return err
		}
		defer log.Close()

		store, err := openStore(cfg, log.Zerolog())
		if err != nil {
			return err
		}
		defer store.Close()

		return fn(cmd.Context(), cmd, args, storeEnv{cfg: cfg, store: store, logger: log.Component("sessions")})
	}
}

func printLog(w io.Writer, log conversation.Log) {
	for i, msg := range log {
		fmt.Fprintf(w, "#%d %s", i+1, msg.Role)
		if !msg.Timestamp.IsZero() {
			fmt.Fprintf(w, " %s", msg.Timestamp.Format("2006-01-02 15:04:05"))
		}
		fmt.Fprintln(w)
		for _, part := range msg.Parts {
			fmt.Fprintf(w, "  %s\n", describePart(part))
		}
	}
}

func describePart(p conversation.Part) string {
	switch p.Kind {
	case conversation.PartToolCall:
		args, _ := json.Marshal(p.Args)
		return fmt.Sprintf("[call %s] %s %s", p.ToolCallID, p.ToolName, args)
	case conversation.PartToolReturn:
		status := "ok"
		if p.IsError {
			status = "error"
		}
		return fmt.Sprintf("[return %s %s] %s", p.ToolCallID, status, truncate(p.Result, 200))
	case conversation.PartSystemPrompt:
		return "[system] " + truncate(p.Text, 80)
	default:
		return truncate(p.Text, 500)
	}
}

func truncate(s string, n int) string {
	s = strings.ReplaceAll(s, "\n", " ")
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
