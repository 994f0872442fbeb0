package cli

import (
	"fmt"
	"io"
	"os"

	"github.com/harun/skipper/internal/config"
	"github.com/harun/skipper/pkg/toolexecutor"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show configuration and storage status",
	Long:  `Show the active configuration, the session store and the tool allowlist.`,
	Args:  cobra.NoArgs,
	RunE:  runStatus,
}

func init() {
	rootCmd.AddCommand(statusCmd)
}

func runStatus(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	log, err := newLogger(cfg)
	if err != nil {
		return err
	}
	defer log.Close()

	out := cmd.OutOrStdout()
	configPath := config.NewLoader(cfgFile).GetConfigPath()
	if _, err := os.Stat(configPath); err != nil {
		configPath += " (not found, using defaults)"
	}

	fmt.Fprintf(out, "Version:   %s\n", version)
	fmt.Fprintf(out, "Config:    %s\n", configPath)
	fmt.Fprintf(out, "Workspace: %s\n", cfg.WorkspacePath)
	fmt.Fprintf(out, "Model:     %s/%s\n", cfg.Model.Provider, cfg.Model.Name)
	fmt.Fprintf(out, "API key:   %s\n", keyState(cfg))
	fmt.Fprintf(out, "Mode:      %s\n", authMode(cfg.Auth))

	store, err := openStore(cfg, log.Zerolog())
	if err != nil {
		fmt.Fprintf(out, "Sessions:  unavailable (%v)\n", err)
	} else {
		defer store.Close()
		keys, err := store.List(cmd.Context())
		if err != nil {
			fmt.Fprintf(out, "Sessions:  unavailable (%v)\n", err)
		} else {
			fmt.Fprintf(out, "Sessions:  %d (%s)\n", len(keys), cfg.Session.Store)
		}
	}

	printAllowlist(out, cfg, log.Component("status"))
	return nil
}

func printAllowlist(out io.Writer, cfg *config.Config, logger zerolog.Logger) {
	am, err := toolexecutor.NewAllowlistManager(cfg.Auth.AllowlistPath, logger)
	if err != nil {
		fmt.Fprintf(out, "Allowlist: unavailable (%v)\n", err)
		return
	}
	fmt.Fprintf(out, "Allowlist: %d entries (%s)\n", am.Count(), cfg.Auth.AllowlistPath)
	for _, e := range am.List() {
		if e.Reason != "" {
			fmt.Fprintf(out, "  %s  %s\n", e.Pattern, e.Reason)
		} else {
			fmt.Fprintf(out, "  %s\n", e.Pattern)
		}
	}
}

func keyState(cfg *config.Config) string {
	switch {
	case cfg.Model.Provider == config.ProviderScripted:
		return "not required"
	case cfg.Model.APIKey == "":
		return "missing"
	default:
		return "set"
	}
}

func authMode(a config.AuthConfig) string {
	switch {
	case a.Unrestricted:
		return "unrestricted"
	case a.PlanMode:
		return "plan"
	default:
		return "confirm mutations"
	}
}
