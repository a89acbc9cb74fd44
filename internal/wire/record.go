package wire

import (
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/S0c5/p2p-orderbook/internal/book"
)

// OrderRecord is the wire form of an order. RemainQty is carried for
// observability, but a receiving node re-executes the order from scratch:
// fills are recomputed locally, never transmitted.
type OrderRecord struct {
	ID        string           `json:"id"`
	Pair      string           `json:"pair"`
	Side      string           `json:"side"`
	Qty       decimal.Decimal  `json:"qty"`
	RemainQty decimal.Decimal  `json:"remain_qty"`
	Price     *decimal.Decimal `json:"price,omitempty"` // absent for market orders
	Type      string           `json:"type"`
	Status    string           `json:"status"`
}

// ToRecord converts an order to its wire form.
func ToRecord(o *book.Order) OrderRecord {
	rec := OrderRecord{
		ID:        o.ID,
		Pair:      o.Pair,
		Side:      string(o.Side),
		Qty:       o.Qty,
		RemainQty: o.RemainQty,
		Type:      string(o.Type),
		Status:    string(o.Status),
	}
	if o.Type == book.Limit {
		price := o.Price
		rec.Price = &price
	}
	return rec
}

// Order rebuilds a validated order from its wire form. RemainQty is reset to
// the full quantity so the local engine recomputes every fill; the status
// from the wire is kept so a received order is never re-announced.
func (r OrderRecord) Order() (*book.Order, error) {
	var (
		o   *book.Order
		err error
	)
	switch book.OrderType(r.Type) {
	case book.Limit:
		if r.Price == nil {
			return nil, fmt.Errorf("order %s: limit order without price", r.ID)
		}
		o, err = book.NewLimit(r.ID, r.Pair, book.Side(r.Side), r.Qty, *r.Price)
	case book.Market:
		o, err = book.NewMarket(r.ID, r.Pair, book.Side(r.Side), r.Qty)
	default:
		return nil, fmt.Errorf("order %s: unknown type %q", r.ID, r.Type)
	}
	if err != nil {
		return nil, fmt.Errorf("order %s: %w", r.ID, err)
	}
	if r.Status != "" {
		o.Status = book.Status(r.Status)
	}
	return o, nil
}
