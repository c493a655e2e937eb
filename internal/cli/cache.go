package cli

import (
	"fmt"
	"sort"

	"github.com/spf13/cobra"

	apperrors "portfolio-screener/internal/errors"
	"portfolio-screener/internal/models"
	"portfolio-screener/internal/query"
	"portfolio-screener/pkg/utils"
)

func newCacheCmd(app *App) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cache",
		Short: "Inspect and maintain the local cache",
	}

	cmd.AddCommand(newCacheStatsCmd(app))
	cmd.AddCommand(newCacheDatesCmd(app))
	cmd.AddCommand(newCacheDeleteCmd(app))
	cmd.AddCommand(newCacheWipeCmd(app))
	return cmd
}

func newCacheStatsCmd(app *App) *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Show cache statistics",
		RunE: func(cmd *cobra.Command, args []string) error {
			output := NewOutput(cmd)

			svc, err := app.CacheService()
			if err != nil {
				return err
			}
			stats, err := svc.Stats(cmd.Context())
			if err != nil {
				return err
			}

			if output.IsJSON() {
				return output.JSON(stats)
			}

			output.Box("Cache", []string{
				fmt.Sprintf("Database:        %s", stats.Path),
				fmt.Sprintf("Size:            %s", utils.FormatBytes(stats.SizeBytes)),
				fmt.Sprintf("Securities:      %s", utils.FormatNumber(float64(stats.Securities), 0)),
				fmt.Sprintf("History rows:    %s", utils.FormatNumber(float64(stats.HistoricalRows), 0)),
				fmt.Sprintf("History range:   %s .. %s", FormatDate(stats.OldestDate), FormatDate(stats.NewestDate)),
				fmt.Sprintf("Last fetch:      %s", FormatDateTime(stats.LastFetchedAt)),
			})
			return nil
		},
	}
}

func newCacheDatesCmd(app *App) *cobra.Command {
	return &cobra.Command{
		Use:   "dates <identifier>",
		Short: "List cached history dates for an identifier",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			output := NewOutput(cmd)

			ids := query.ParseIdentifiers(args[0])
			if len(ids) != 1 {
				return apperrors.NewValidationError("identifier", args[0], "exactly one identifier is required", nil)
			}
			if err := query.ValidateIdentifier(ids[0]); err != nil {
				return err
			}

			svc, err := app.CacheService()
			if err != nil {
				return err
			}
			if svc.Degraded() {
				return apperrors.ErrStoreUnavailable
			}

			set, err := app.Store.CachedDates(cmd.Context(), ids[0])
			if err != nil {
				return err
			}
			dates := make([]models.Date, 0, len(set))
			for d := range set {
				dates = append(dates, d)
			}
			sort.Slice(dates, func(i, j int) bool { return dates[i].Before(dates[j]) })

			if output.IsJSON() {
				return output.JSON(map[string]interface{}{"identifier": ids[0], "dates": dates})
			}

			if len(dates) == 0 {
				output.Dim("No cached history for %s", ids[0])
				return nil
			}
			for _, span := range contiguousSpans(dates) {
				if span[0] == span[1] {
					output.Printf("  %s\n", span[0])
				} else {
					output.Printf("  %s .. %s\n", span[0], span[1])
				}
			}
			output.Dim("%d date(s)", len(dates))
			return nil
		},
	}
}

// contiguousSpans collapses sorted dates into [first, last] runs of
// consecutive days.
func contiguousSpans(dates []models.Date) [][2]models.Date {
	var spans [][2]models.Date
	for _, d := range dates {
		if n := len(spans); n > 0 && spans[n-1][1].AddDays(1) == d {
			spans[n-1][1] = d
			continue
		}
		spans = append(spans, [2]models.Date{d, d})
	}
	return spans
}

func newCacheDeleteCmd(app *App) *cobra.Command {
	return &cobra.Command{
		Use:   "delete <identifier>...",
		Short: "Remove identifiers from the cache",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			output := NewOutput(cmd)

			svc, err := app.CacheService()
			if err != nil {
				return err
			}
			if svc.Degraded() {
				return apperrors.ErrStoreUnavailable
			}

			ids := query.ParseIdentifiers(args...)
			for _, id := range ids {
				if err := app.Store.Delete(cmd.Context(), id); err != nil {
					return err
				}
			}

			if output.IsJSON() {
				return output.JSON(map[string]interface{}{"deleted": ids})
			}
			output.Success("Removed %d identifier(s) from the cache", len(ids))
			return nil
		},
	}
}

func newCacheWipeCmd(app *App) *cobra.Command {
	var yes bool

	cmd := &cobra.Command{
		Use:   "wipe",
		Short: "Delete every cached record and history row",
		RunE: func(cmd *cobra.Command, args []string) error {
			output := NewOutput(cmd)
			if !yes {
				return fmt.Errorf("refusing to wipe the cache without --yes")
			}

			svc, err := app.CacheService()
			if err != nil {
				return err
			}
			if svc.Degraded() {
				return apperrors.ErrStoreUnavailable
			}
			if err := app.Store.Wipe(cmd.Context()); err != nil {
				return err
			}

			if output.IsJSON() {
				return output.JSON(map[string]bool{"wiped": true})
			}
			output.Success("Cache wiped")
			return nil
		},
	}

	cmd.Flags().BoolVarP(&yes, "yes", "y", false, "confirm the wipe")
	return cmd
}
