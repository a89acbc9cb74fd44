package book

import (
	"errors"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Side of an order relative to the book.
type Side string

const (
	Bid Side = "Bid"
	Ask Side = "Ask"
)

// OrderType discriminates the two order variants. Limit orders carry a price
// and may rest in the book; market orders exist only for one matching pass.
type OrderType string

const (
	Limit  OrderType = "Limit"
	Market OrderType = "Market"
)

// Status tracks an order's broadcast lifecycle on the node that handles it.
type Status string

const (
	// StatusToAnnounce marks an order submitted locally and not yet
	// broadcast to peers.
	StatusToAnnounce Status = "TO_ANNOUNCE"
	// StatusToUpdate marks an order already broadcast (or received from a
	// peer); it must never be announced again.
	StatusToUpdate Status = "TO_UPDATE"
	// StatusDumped marks an order exported in a snapshot.
	StatusDumped Status = "DUMPED"
)

// Validation failures returned by the order constructors. Orders that fail
// construction must not be submitted.
var (
	ErrMissingPair  = errors.New("order: pair is required")
	ErrInvalidSide  = errors.New("order: side must be Bid or Ask")
	ErrInvalidQty   = errors.New("order: qty must be greater than 0")
	ErrInvalidPrice = errors.New("order: limit price must be greater than 0")
)

// Order is the single value type for both variants, discriminated by Type.
// Quantities and prices are decimals so that their encoded form is identical
// on every node.
type Order struct {
	ID        string
	Pair      string
	Side      Side
	Type      OrderType
	Qty       decimal.Decimal
	RemainQty decimal.Decimal
	Price     decimal.Decimal // meaningful for Limit orders only
	Status    Status
}

// NewLimit builds a validated limit order. An empty id gets a generated one,
// unique within the node's lifetime.
func NewLimit(id, pair string, side Side, qty, price decimal.Decimal) (*Order, error) {
	o, err := newBase(id, pair, side, qty)
	if err != nil {
		return nil, err
	}
	if !price.IsPositive() {
		return nil, ErrInvalidPrice
	}
	o.Type = Limit
	o.Price = price
	return o, nil
}

// NewMarket builds a validated market order.
func NewMarket(id, pair string, side Side, qty decimal.Decimal) (*Order, error) {
	o, err := newBase(id, pair, side, qty)
	if err != nil {
		return nil, err
	}
	o.Type = Market
	return o, nil
}

func newBase(id, pair string, side Side, qty decimal.Decimal) (*Order, error) {
	if pair == "" {
		return nil, ErrMissingPair
	}
	if side != Bid && side != Ask {
		return nil, ErrInvalidSide
	}
	if !qty.IsPositive() {
		return nil, ErrInvalidQty
	}
	if id == "" {
		id = uuid.NewString()
	}
	return &Order{
		ID:        id,
		Pair:      pair,
		Side:      side,
		Qty:       qty,
		RemainQty: qty,
		Status:    StatusToAnnounce,
	}, nil
}
