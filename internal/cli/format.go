package cli

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"virtual-trader/internal/catalog"
	"virtual-trader/internal/models"
	"virtual-trader/pkg/utils"
)

// FormatMoney formats an account amount in dollars.
func FormatMoney(amount float64) string {
	return utils.FormatCurrency(amount)
}

// FormatPnL formats P&L with sign.
func FormatPnL(pnl float64) string {
	return utils.FormatPnL(pnl)
}

// FormatPercent formats a percentage with sign.
func FormatPercent(value float64) string {
	return utils.FormatPercent(value)
}

// FormatVolume trims trailing zeros from a lot size.
func FormatVolume(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

var instruments = catalog.Default()

// FormatPrice prints a quote with the symbol's display precision.
func FormatPrice(symbol string, price float64) string {
	return instruments.FormatPrice(symbol, price)
}

// FormatTime formats a timestamp for tables.
func FormatTime(t time.Time, layout string) string {
	if t.IsZero() {
		return "-"
	}
	if layout == "" {
		layout = "2006-01-02 15:04:05"
	}
	return t.Local().Format(layout)
}

// FormatDuration formats a duration compactly, e.g. "2d 3h" or "4m 10s".
func FormatDuration(d time.Duration) string {
	if d < 0 {
		d = -d
	}
	switch {
	case d < time.Minute:
		return fmt.Sprintf("%ds", int(d.Seconds()))
	case d < time.Hour:
		return fmt.Sprintf("%dm %ds", int(d.Minutes()), int(d.Seconds())%60)
	case d < 24*time.Hour:
		return fmt.Sprintf("%dh %dm", int(d.Hours()), int(d.Minutes())%60)
	}
	days := int(d.Hours()) / 24
	return fmt.Sprintf("%dd %dh", days, int(d.Hours())%24)
}

// FormatSide colors a direction.
func (o *Output) FormatSide(d models.Direction) string {
	if d == models.DirectionBuy {
		return o.Green(string(d))
	}
	return o.Red(string(d))
}

// FormatStatus colors a trade status.
func (o *Output) FormatStatus(s models.TradeStatus) string {
	if s == models.TradeOpen {
		return o.Cyan(string(s))
	}
	return o.DimText(string(s))
}

// TruncateString shortens s to maxLen runes, ending in "...".
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

// ShortID returns the tail of an id, enough to tell trades apart.
func ShortID(id string) string {
	if len(id) <= 8 {
		return id
	}
	return id[len(id)-8:]
}

// MatchID resolves ref against ids: an exact id, or a unique suffix such
// as the one ShortID prints. Unknown refs are returned unchanged so the
// backend reports them as not found.
func MatchID(ref string, ids []string) (string, error) {
	var match []string
	for _, id := range ids {
		if id == ref {
			return ref, nil
		}
		if ref != "" && strings.HasSuffix(id, ref) {
			match = append(match, id)
		}
	}
	switch len(match) {
	case 0:
		return ref, nil
	case 1:
		return match[0], nil
	}
	return "", fmt.Errorf("id %q is ambiguous (%d matches)", ref, len(match))
}

// ParseDirection accepts BUY/SELL and the long/short aliases.
func ParseDirection(s string) (models.Direction, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "BUY", "LONG", "B":
		return models.DirectionBuy, nil
	case "SELL", "SHORT", "S":
		return models.DirectionSell, nil
	}
	return "", fmt.Errorf("invalid direction %q: use BUY or SELL", s)
}

// ParseDate accepts RFC 3339 timestamps and plain dates.
func ParseDate(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t, nil
	}
	if t, err := time.Parse("2006-01-02", s); err == nil {
		return t, nil
	}
	return time.Time{}, fmt.Errorf("invalid date %q: use YYYY-MM-DD or RFC 3339", s)
}
