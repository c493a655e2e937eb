package config

import (
	"fmt"
	"os"
	"path/filepath"
)

const configTemplate = `# Portfolio Screener Configuration

[cache]
# Serve and store fetched data locally
enabled = true
# SQLite database file
path = "~/.config/portfolio-screener/cache.db"

# Time-to-live per freshness class, in days or "inf".
# immutable and historical never expire; current is never cached.
[cache.ttl_days]
longterm = 365
medium = 90
short = 7

[fetch]
# Identifiers fetched in parallel per batch
concurrency = 3
# Attempts per upstream call
max_attempts = 3
# Upstream requests per second, 0 for unlimited
rate_per_second = 2.0

# Numeric TASE identifiers served through Yahoo
[tase.symbols]
# "1183441" = "TEVA.TA"

[server]
addr = "127.0.0.1:8000"

[warmup]
# Cron expression, e.g. "0 18 * * 1-5". Empty disables warm-up.
schedule = ""
identifiers = []
attributes = ["name", "price", "trailingPE"]

[log]
# debug, info, warn, error
level = "info"
# Also write rotated logs under ~/.config/portfolio-screener/logs
file = true
`

func createTemplateConfig(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}

	if err := os.WriteFile(path, []byte(configTemplate), 0644); err != nil {
		return fmt.Errorf("writing config template: %w", err)
	}

	return nil
}

// Template returns the default config file contents.
func Template() string {
	return configTemplate
}
