package cli

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"portfolio-screener/internal/models"
	"portfolio-screener/internal/query"
)

type rangeFlags struct {
	period string
	start  string
	end    string
}

func (f *rangeFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVarP(&f.period, "period", "p", "", "relative range ending today, e.g. 5d, 2w, 6m, 1y")
	cmd.Flags().StringVar(&f.start, "start", "", "range start (YYYY-MM-DD)")
	cmd.Flags().StringVar(&f.end, "end", "", "range end (YYYY-MM-DD)")
}

func newFetchCmd(app *App) *cobra.Command {
	var attrs []string
	var rf rangeFlags

	cmd := &cobra.Command{
		Use:   "fetch <identifier>...",
		Short: "Fetch attributes, and optionally history, for identifiers",
		Long: `Fetch attributes for one or more identifiers. Fresh cached values are
served from the cache; everything else is fetched and written back.

Identifiers are Yahoo symbols (AAPL, TEVA.TA, ^GSPC) or numeric TASE
security numbers mapped in the config.`,
		Example: `  screener fetch AAPL MSFT -a name,price,pe
  screener fetch 1183441 -a price --period 1m
  screener fetch AAPL -a market_cap --json`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runFetch(cmd, app, query.Params{
				Identifiers: args,
				Attributes:  attrs,
				Period:      rf.period,
				Start:       rf.start,
				End:         rf.end,
			})
		},
	}

	cmd.Flags().StringSliceVarP(&attrs, "attributes", "a", nil, "attributes to fetch (comma separated)")
	rf.register(cmd)
	return cmd
}

func newHistoryCmd(app *App) *cobra.Command {
	var rf rangeFlags

	cmd := &cobra.Command{
		Use:   "history <identifier>...",
		Short: "Show daily price history",
		Example: `  screener history AAPL --period 3m
  screener history TEVA.TA --start 2024-01-01 --end 2024-06-30`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if rf.period == "" && rf.start == "" && rf.end == "" {
				rf.period = "1m"
			}
			return runFetch(cmd, app, query.Params{
				Identifiers: args,
				Period:      rf.period,
				Start:       rf.start,
				End:         rf.end,
			})
		},
	}

	rf.register(cmd)
	return cmd
}

func runFetch(cmd *cobra.Command, app *App, params query.Params) error {
	output := NewOutput(cmd)

	q, err := query.Parse(params, time.Now())
	if err != nil {
		return err
	}

	svc, err := app.CacheService()
	if err != nil {
		return err
	}

	results, err := svc.Batch(cmd.Context(), q.Requests())
	if err != nil {
		return err
	}

	if output.IsJSON() {
		return output.JSON(results)
	}

	for i, r := range results {
		if i > 0 {
			output.Println()
		}
		printResult(output, q, r)
	}

	if !svc.Enabled() {
		output.Dim("(cache disabled)")
	} else if svc.Degraded() {
		output.Warning("Cache store unavailable: every value was fetched")
	}

	failed := 0
	for _, r := range results {
		if r.Failed {
			failed++
		}
	}
	if failed > 0 {
		return fmt.Errorf("%d of %d identifiers failed", failed, len(results))
	}
	return nil
}

func printResult(output *Output, q query.Query, r *models.Result) {
	output.Bold("%s", r.Identifier)
	if r.Failed {
		output.Error("  %s", r.Error)
	}

	if len(q.Attributes) > 0 {
		origin := make(map[string]string, len(q.Attributes))
		for _, a := range r.FromCache {
			origin[a] = OriginCache
		}
		for _, a := range r.Fetched {
			origin[a] = OriginFetched
		}
		for _, a := range r.Stale {
			if origin[a] == "" {
				origin[a] = OriginStale
			}
		}

		table := NewTable(output, "ATTRIBUTE", "VALUE", "SOURCE")
		for _, a := range q.Attributes {
			value := "-"
			if v, ok := r.Attributes[a]; ok {
				value = TruncateString(FormatValue(a, v), 60)
			}
			if a == "change_pct" {
				if v, ok := r.Attributes[a]; ok && !v.IsNull() {
					value = output.FormatChange(v.Num)
				}
			}
			table.AddRow(a, value, output.OriginTag(origin[a]))
		}
		table.Render()
	}

	if q.HasRange() {
		if len(q.Attributes) > 0 {
			output.Println()
		}
		printHistory(output, r)
	}
}

func printHistory(output *Output, r *models.Result) {
	if len(r.History) == 0 {
		output.Dim("  no rows")
	} else {
		table := NewTable(output, "DATE", "OPEN", "HIGH", "LOW", "CLOSE", "VOLUME", "CHANGE")
		for _, row := range r.History {
			change := "-"
			if row.ChangePct != nil {
				change = output.FormatChange(*row.ChangePct)
			}
			table.AddRow(
				FormatDate(row.Date),
				FormatOptional(row.Open, FormatPrice),
				FormatOptional(row.High, FormatPrice),
				FormatOptional(row.Low, FormatPrice),
				FormatOptional(row.Close, FormatPrice),
				FormatOptional(row.Volume, compactVolume),
				change,
			)
		}
		table.Render()
	}

	if len(r.MissingDates) > 0 {
		first, last := r.MissingDates[0], r.MissingDates[len(r.MissingDates)-1]
		output.Warning("  %d date(s) unavailable between %s and %s", len(r.MissingDates), first, last)
	}
}

func compactVolume(v float64) string {
	return FormatValue("volume", models.Number(v))
}
