package session

import (
	"virtual-trader/internal/models"
	"virtual-trader/internal/trading"
)

// RowWriter queues row writes for background persistence. *store.Gateway
// implements it.
type RowWriter interface {
	InsertTrade(t *models.Trade)
	UpdateTrade(t *models.Trade)
	DeleteTrade(t *models.Trade)
	UpsertPortfolio(p *models.Portfolio)
	UpsertPosition(p *models.Position)
	DeletePosition(p *models.Position)
}

// GatewaySink forwards account changes to w in commit order.
func GatewaySink(w RowWriter) trading.ChangeSink {
	return trading.ChangeSinkFunc(func(changes ...trading.Change) {
		for _, c := range changes {
			persist(w, c)
		}
	})
}

// persist writes one change and reports whether its kind was known.
func persist(w RowWriter, c trading.Change) bool {
	switch c.Kind {
	case trading.ChangeTradeInserted:
		w.InsertTrade(c.Trade)
	case trading.ChangeTradeUpdated:
		w.UpdateTrade(c.Trade)
	case trading.ChangeTradeDeleted:
		w.DeleteTrade(c.Trade)
	case trading.ChangePortfolioUpserted:
		w.UpsertPortfolio(c.Portfolio)
	case trading.ChangePositionUpserted:
		w.UpsertPosition(c.Position)
	case trading.ChangePositionDeleted:
		w.DeletePosition(c.Position)
	default:
		return false
	}
	return true
}
