package cache

import (
	"sort"

	"portfolio-screener/internal/models"
)

// Merge combines servable and freshly fetched values restricted to exactly
// the requested attributes. Fetched values win. Attributes found in neither
// are left out.
func Merge(servable, fetched models.Attributes, requested []string) models.Attributes {
	out := make(models.Attributes, len(requested))
	for _, a := range requested {
		if v, ok := fetched[a]; ok {
			out[a] = v
			continue
		}
		if v, ok := servable[a]; ok {
			out[a] = v
		}
	}
	return out
}

// MergeRows combines cached and fetched rows into one ascending sequence
// within [start, end] with one row per date. A cached row always wins over
// a fetched row for the same date.
func MergeRows(cached, fetched []models.HistoricalRow, start, end models.Date) []models.HistoricalRow {
	byDate := make(map[models.Date]models.HistoricalRow, len(cached)+len(fetched))

	add := func(rows []models.HistoricalRow) {
		for _, r := range rows {
			if r.Date.Before(start) || r.Date.After(end) {
				continue
			}
			if _, ok := byDate[r.Date]; ok {
				continue
			}
			byDate[r.Date] = r
		}
	}
	add(cached)
	add(fetched)

	out := make([]models.HistoricalRow, 0, len(byDate))
	for _, r := range byDate {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Date.Before(out[j].Date) })
	return out
}

// rowsToPersist returns the fetched rows that were missing and are final,
// i.e. dated strictly before cutoff.
func rowsToPersist(fetched []models.HistoricalRow, missing []models.Date, cutoff models.Date) []models.HistoricalRow {
	want := make(map[models.Date]bool, len(missing))
	for _, d := range missing {
		want[d] = true
	}

	var out []models.HistoricalRow
	for _, r := range fetched {
		if !want[r.Date] || !r.Date.Before(cutoff) {
			continue
		}
		// Only the first row per date is kept.
		delete(want, r.Date)
		out = append(out, r)
	}
	return out
}
