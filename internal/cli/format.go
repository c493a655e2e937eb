package cli

import (
	"fmt"
	"math"
	"strings"
	"time"

	"portfolio-screener/internal/models"
	"portfolio-screener/pkg/utils"
)

// FormatPercent formats a percentage with sign.
func FormatPercent(value float64) string {
	return utils.FormatPercent(value)
}

// FormatPrice formats a price with two decimals, or four below 10.
func FormatPrice(price float64) string {
	if math.Abs(price) >= 10 {
		return utils.FormatNumber(price, 2)
	}
	return utils.FormatNumber(price, 4)
}

// FormatValue formats an attribute value for display.
func FormatValue(name string, v models.Value) string {
	if v.IsNull() {
		return "-"
	}
	switch v.Kind {
	case models.KindNumber:
		switch name {
		case "price", "last", "open", "high", "low":
			return FormatPrice(v.Num)
		case "change_pct":
			return FormatPercent(v.Num)
		case "dividendYield", "expense_rate":
			return fmt.Sprintf("%.2f%%", v.Num)
		case "market_cap", "volume", "avgDailyVolume3mnth":
			return utils.FormatCompact(v.Num)
		}
		return utils.FormatNumber(v.Num, 2)
	case models.KindTime:
		return FormatDateTime(v.Time)
	}
	return v.String()
}

// FormatOptional formats a nullable number.
func FormatOptional(f *float64, format func(float64) string) string {
	if f == nil {
		return "-"
	}
	return format(*f)
}

// FormatDate formats a date.
func FormatDate(d models.Date) string {
	if d.IsZero() {
		return "-"
	}
	return d.String()
}

// FormatDateTime formats a timestamp in UTC.
func FormatDateTime(t time.Time) string {
	if t.IsZero() {
		return "never"
	}
	return t.UTC().Format("2006-01-02 15:04:05 UTC")
}

// FormatDuration formats a duration in human-readable form.
func FormatDuration(d time.Duration) string {
	if d < time.Minute {
		return fmt.Sprintf("%ds", int(d.Seconds()))
	} else if d < time.Hour {
		return fmt.Sprintf("%dm %ds", int(d.Minutes()), int(d.Seconds())%60)
	} else if d < 24*time.Hour {
		return fmt.Sprintf("%dh %dm", int(d.Hours()), int(d.Minutes())%60)
	}
	days := int(d.Hours()) / 24
	hours := int(d.Hours()) % 24
	return fmt.Sprintf("%dd %dh", days, hours)
}

// FormatTTL formats a freshness TTL.
func FormatTTL(d time.Duration) string {
	switch {
	case d < 0:
		return "never expires"
	case d == 0:
		return "never cached"
	}
	return FormatDuration(d)
}

// TruncateString truncates a string to max length with ellipsis.
func TruncateString(s string, maxLen int) string {
	r := []rune(s)
	if len(r) <= maxLen {
		return s
	}
	if maxLen <= 3 {
		return string(r[:maxLen])
	}
	return string(r[:maxLen-3]) + "..."
}

// PadRight pads a string to the right.
func PadRight(s string, length int) string {
	if n := len([]rune(s)); n < length {
		return s + strings.Repeat(" ", length-n)
	}
	return s
}
