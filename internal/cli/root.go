package cli

import (
	"math"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"portfolio-screener/internal/cache"
	"portfolio-screener/internal/config"
	"portfolio-screener/internal/fetcher"
	"portfolio-screener/internal/logging"
	"portfolio-screener/internal/resilience"
	"portfolio-screener/internal/store"
	"portfolio-screener/pkg/utils"
)

// Version information
var (
	Version   = "0.1.0"
	BuildDate = "unknown"
)

// App holds the application dependencies. The cache service is built on
// first use so that commands like version and config path need no store.
type App struct {
	Config   *config.Config
	Logger   zerolog.Logger
	Store    store.Store
	Breakers *resilience.Breakers
	Service  *cache.Service

	// NewFetcher builds the upstream source. Tests replace it.
	NewFetcher func(app *App) fetcher.Fetcher

	configPath string
	noCache    bool
	cacheDB    string
	debug      bool
}

// NewRootCmd creates the root command for the CLI.
func NewRootCmd() *cobra.Command {
	app := &App{
		Logger:     zerolog.Nop(),
		NewFetcher: defaultFetcher,
	}
	return newRootCmd(app)
}

func newRootCmd(app *App) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "screener",
		Short: "Portfolio Screener - cached securities data",
		Long: `Portfolio Screener fetches security attributes and daily price history
from Yahoo Finance and keeps them in a local SQLite cache.

Each attribute belongs to a freshness class (immutable, longterm, medium,
short, current). Cached values are served while their class is fresh; anything
stale or missing is fetched and written back.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return app.load(cmd)
		},
		PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
			return app.Close()
		},
	}

	// Global flags
	flags := rootCmd.PersistentFlags()
	flags.StringVar(&app.configPath, "config", "", "config file (default: ~/.config/portfolio-screener/config.toml)")
	flags.Bool("json", false, "output in JSON format")
	flags.BoolVar(&app.debug, "debug", false, "enable debug logging")
	flags.BoolVar(&app.noCache, "no-cache", false, "bypass the cache for this run")
	flags.StringVar(&app.cacheDB, "cache-db", "", "cache database path (overrides config)")

	rootCmd.AddCommand(newVersionCmd())
	rootCmd.AddCommand(newConfigCmd(app))
	rootCmd.AddCommand(newFetchCmd(app))
	rootCmd.AddCommand(newHistoryCmd(app))
	rootCmd.AddCommand(newCacheCmd(app))
	rootCmd.AddCommand(newServeCmd(app))

	return rootCmd
}

// load reads configuration and sets up logging.
func (a *App) load(cmd *cobra.Command) error {
	if a.Config != nil {
		return nil
	}

	cfg, err := config.Load(a.configPath)
	if err != nil {
		return err
	}
	if a.cacheDB != "" {
		cfg.Cache.Path = a.cacheDB
	}
	a.Config = cfg

	lc := cfg.Logging()
	if a.debug {
		lc.Level = "debug"
	}
	a.Logger = logging.NewLoggerWithConfig(lc)
	a.Logger.Debug().Str("config", cfg.File).Str("command", cmd.CommandPath()).Msg("Configuration loaded")
	return nil
}

// CacheService returns the cache service, building it on first use. A
// store that cannot be opened leaves the service in degraded mode.
func (a *App) CacheService() (*cache.Service, error) {
	if a.Service != nil {
		return a.Service, nil
	}

	policy, err := a.Config.Policy()
	if err != nil {
		return nil, err
	}

	if a.Store == nil {
		st, err := store.NewSQLiteStore(a.Config.Cache.Path)
		if err != nil {
			a.Logger.Warn().Err(err).Str("path", a.Config.Cache.Path).Msg("Failed to open cache store, continuing without cache")
		} else {
			a.Store = st
			a.Logger.Debug().Str("path", st.Path()).Msg("SQLite store initialized")
		}
	}

	if a.Breakers == nil {
		a.Breakers = resilience.NewBreakers(resilience.DefaultCircuitBreakerConfig())
	}

	a.Service = cache.New(a.Store, a.NewFetcher(a), policy, cache.Options{
		Enabled:     a.Config.Cache.Enabled && !a.noCache,
		Concurrency: a.Config.Fetch.Concurrency,
	}, a.Logger)
	return a.Service, nil
}

// Close releases the store.
func (a *App) Close() error {
	if a.Store == nil {
		return nil
	}
	err := a.Store.Close()
	a.Store = nil
	a.Service = nil
	return err
}

func defaultFetcher(a *App) fetcher.Fetcher {
	cfg := a.Config.Fetch

	retry := utils.DefaultRetryConfig()
	retry.MaxAttempts = cfg.MaxAttempts

	burst := int(math.Ceil(cfg.RatePerSecond))
	if burst < 1 {
		burst = 1
	}

	yahoo := fetcher.NewResilient(fetcher.NewYahooFetcher(a.Logger), fetcher.ResilientConfig{
		Name:     fetcher.SourceYahoo,
		Breakers: a.Breakers,
		Limiter:  resilience.NewRateLimiter(cfg.RatePerSecond, burst),
		Retry:    retry,
	}, a.Logger)

	return fetcher.NewRouter(yahoo, nil, a.Config.TASE.Symbols)
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return nil
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			output := NewOutput(cmd)
			if output.IsJSON() {
				return output.JSON(map[string]string{
					"version":    Version,
					"build_date": BuildDate,
				})
			}
			output.Printf("Portfolio Screener v%s\n", Version)
			output.Dim("Build date: %s", BuildDate)
			return nil
		},
	}
}
