package cli

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/harun/skipper/internal/tracing"
	"github.com/harun/skipper/pkg/runner"
	"github.com/spf13/cobra"
)

const defaultSessionKey = "cli-main"

var (
	runSession       string
	runPlan          bool
	runYolo          bool
	runDryRun        bool
	runMaxIterations int
	runTimeout       time.Duration
)

var runCmd = &cobra.Command{
	Use:   "run [prompt]",
	Short: "Run one agent turn",
	Long: `Run one agent turn against the workspace. The agent keeps calling tools
until it declares the task complete, hits the iteration limit, or asks for
guidance. History is stored under the session key and resumed on the next run.`,
	Args: cobra.MinimumNArgs(1),
	RunE: runTurn,
}

func init() {
	runCmd.Flags().StringVarP(&runSession, "session", "s", defaultSessionKey, "session key to resume")
	runCmd.Flags().BoolVar(&runPlan, "plan", false, "plan mode: only read-only tools run")
	runCmd.Flags().BoolVar(&runYolo, "yolo", false, "skip every confirmation prompt")
	runCmd.Flags().BoolVar(&runDryRun, "dry-run", false, "use a scripted model instead of a provider")
	runCmd.Flags().IntVar(&runMaxIterations, "max-iterations", 0, "override the iteration limit")
	runCmd.Flags().DurationVar(&runTimeout, "timeout", 0, "override the turn timeout")
	rootCmd.AddCommand(runCmd)
}

func runTurn(cmd *cobra.Command, args []string) error {
	prompt := strings.TrimSpace(strings.Join(args, " "))
	if prompt == "" {
		return errors.New("prompt is required")
	}

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if runMaxIterations > 0 {
		cfg.Turn.MaxIterations = runMaxIterations
	}
	if runTimeout > 0 {
		cfg.Turn.TimeoutSeconds = int(runTimeout.Round(time.Second) / time.Second)
	}

	a, err := newApp(cfg, appOptions{
		DryRun: runDryRun,
		Yolo:   runYolo,
		Plan:   runPlan,
		In:     cmd.InOrStdin(),
		ErrOut: cmd.ErrOrStderr(),
	})
	if err != nil {
		return err
	}
	defer a.Close()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	ctx = tracing.WithSessionKey(tracing.NewRequestContext(ctx), runSession)

	out := cmd.OutOrStdout()
	streamed := false
	res, err := a.runner.Run(ctx, runner.Params{
		SessionKey: runSession,
		Prompt:     prompt,
		OnDelta: func(delta string) {
			streamed = true
			fmt.Fprint(out, delta)
		},
	})
	if streamed {
		fmt.Fprintln(out)
	}
	if err != nil {
		if res.Aborted || errors.Is(err, context.Canceled) {
			fmt.Fprintln(cmd.ErrOrStderr(), "Turn aborted.")
		}
		return err
	}
	if res.Repair.Changed() {
		fmt.Fprintf(cmd.ErrOrStderr(), "Repaired session history (%d passes).\n", res.Repair.Passes)
	}

	if !streamed {
		fmt.Fprintln(out, res.FinalText)
	}
	fmt.Fprintf(cmd.ErrOrStderr(), "\n[%s] session=%s iterations=%d tokens in=%d out=%d\n",
		res.Status, res.SessionKey, res.Iterations, res.Usage.InputTokens, res.Usage.OutputTokens)
	return nil
}
