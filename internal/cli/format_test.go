package cli

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"virtual-trader/internal/models"
)

func TestFormatDuration(t *testing.T) {
	assert.Equal(t, "42s", FormatDuration(42*time.Second))
	assert.Equal(t, "4m 10s", FormatDuration(4*time.Minute+10*time.Second))
	assert.Equal(t, "2h 5m", FormatDuration(2*time.Hour+5*time.Minute))
	assert.Equal(t, "3d 1h", FormatDuration(73*time.Hour))
	assert.Equal(t, "42s", FormatDuration(-42*time.Second))
}

func TestFormatPrice(t *testing.T) {
	assert.Equal(t, "1.08750", FormatPrice("EURUSD", 1.0875))
	assert.Equal(t, "43250.75", FormatPrice("BTCUSD", 43250.75))
	assert.Equal(t, "12.50", FormatPrice("UNKNOWN", 12.5))
}

func TestMatchID(t *testing.T) {
	ids := []string{"01J9Z3AAAA11112222", "01J9Z3BBBB33332222", "01J9Z3CCCC44445555"}

	got, err := MatchID("44445555", ids)
	require.NoError(t, err)
	assert.Equal(t, ids[2], got)

	_, err = MatchID("2222", ids)
	assert.ErrorContains(t, err, "ambiguous")

	got, err = MatchID("missing", ids)
	require.NoError(t, err)
	assert.Equal(t, "missing", got)
}

func TestParseDate(t *testing.T) {
	d, err := ParseDate("2024-03-01")
	require.NoError(t, err)
	assert.Equal(t, time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC), d)

	d, err = ParseDate("2024-03-01T12:30:00Z")
	require.NoError(t, err)
	assert.Equal(t, 12, d.Hour())

	_, err = ParseDate("03/01/2024")
	assert.Error(t, err)
}

func TestTradeRows(t *testing.T) {
	closePrice, final := 1.09, -12.5
	rows := TradeRows([]models.Trade{{
		ID: "t1", Symbol: "EURUSD", Direction: models.DirectionBuy, Volume: 0.1,
		PnL: 3, FinalPnL: &final, ClosePrice: &closePrice, Status: models.TradeClosed,
		OpenTime: time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC),
	}})
	require.Len(t, rows, 1)
	assert.Equal(t, -12.5, rows[0].PnL)
	assert.Equal(t, "1.09", rows[0].ClosePrice)
	assert.Empty(t, rows[0].StopLoss)
	assert.Equal(t, "2024-03-01T09:00:00Z", rows[0].OpenTime)
	assert.Empty(t, rows[0].CloseTime)
}
