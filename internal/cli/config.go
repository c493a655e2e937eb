package cli

import (
	"sort"
	"strings"

	"github.com/spf13/cobra"

	"portfolio-screener/internal/config"
	"portfolio-screener/internal/freshness"
)

func newConfigCmd(app *App) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Configuration management",
		Long:  "View application configuration and the freshness policy.",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Show current configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			output := NewOutput(cmd)
			if output.IsJSON() {
				return output.JSON(app.Config)
			}
			return showConfig(output, app.Config)
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "path",
		Short: "Show configuration file path",
		RunE: func(cmd *cobra.Command, args []string) error {
			output := NewOutput(cmd)
			if output.IsJSON() {
				return output.JSON(map[string]string{"path": app.Config.File})
			}
			output.Println(app.Config.File)
			return nil
		},
	})

	return cmd
}

func showConfig(output *Output, cfg *config.Config) error {
	policy, err := cfg.Policy()
	if err != nil {
		return err
	}

	output.Bold("Cache")
	output.Printf("  Enabled:      %v\n", cfg.Cache.Enabled)
	output.Printf("  Database:     %s\n", cfg.Cache.Path)
	output.Println()

	output.Bold("Freshness")
	table := NewTable(output, "CLASS", "TTL", "ATTRIBUTES")
	byClass := make(map[freshness.Class][]string)
	for _, a := range policy.Attributes() {
		c, _ := policy.Classify(a)
		byClass[c] = append(byClass[c], a)
	}
	for _, c := range []freshness.Class{freshness.Immutable, freshness.Longterm, freshness.Medium, freshness.Short, freshness.Current} {
		table.AddRow(string(c), FormatTTL(policy.TTL(c)), strings.Join(byClass[c], ", "))
	}
	table.Render()
	output.Println()

	output.Bold("Fetch")
	output.Printf("  Concurrency:  %d\n", cfg.Fetch.Concurrency)
	output.Printf("  Max attempts: %d\n", cfg.Fetch.MaxAttempts)
	output.Printf("  Rate limit:   %.1f/s\n", cfg.Fetch.RatePerSecond)
	if len(cfg.TASE.Symbols) > 0 {
		ids := make([]string, 0, len(cfg.TASE.Symbols))
		for id := range cfg.TASE.Symbols {
			ids = append(ids, id)
		}
		sort.Strings(ids)
		output.Printf("  TASE symbols:\n")
		for _, id := range ids {
			output.Printf("    %s -> %s\n", id, cfg.TASE.Symbols[id])
		}
	}
	output.Println()

	output.Bold("Server")
	output.Printf("  Address:      %s\n", cfg.Server.Addr)
	if cfg.Warmup.Schedule != "" {
		output.Printf("  Warm-up:      %s (%d identifiers)\n", cfg.Warmup.Schedule, len(cfg.Warmup.Identifiers))
	} else {
		output.Printf("  Warm-up:      disabled\n")
	}

	return nil
}
