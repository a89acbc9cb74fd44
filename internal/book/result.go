package book

import "github.com/shopspring/decimal"

// ResultKind discriminates the outcome of executing one order.
type ResultKind int32

const (
	ResultUnknown ResultKind = iota
	// Placed: a limit order matched nothing and now rests in the book.
	Placed
	// Filled: the taker's quantity was fully consumed.
	Filled
	// PartialFilled: some fills occurred but taker quantity remains.
	PartialFilled
	// Unfilled: a market order found no counter-orders; nothing rests.
	Unfilled
	// DuplicatedOrder: the id already exists in the book; state unchanged.
	DuplicatedOrder
)

func (k ResultKind) String() string {
	switch k {
	case Placed:
		return "Placed"
	case Filled:
		return "Filled"
	case PartialFilled:
		return "PartialFilled"
	case Unfilled:
		return "Unfilled"
	case DuplicatedOrder:
		return "DuplicatedOrder"
	default:
		return "Unknown"
	}
}

// Fill is one match event between a taker and a maker. Fills are ephemeral:
// they are reported to listeners and never stored or transmitted.
type Fill struct {
	TakerID   string
	MakerID   string
	Qty       decimal.Decimal
	Price     decimal.Decimal // the maker's price
	TakerSide Side
	TotalFill bool // true when the maker was fully consumed
}

// MatchResult is the outcome of Book.Execute for a single order.
type MatchResult struct {
	Kind    ResultKind
	OrderID string
	Fills   []Fill // ordered by execution, empty for Placed/Unfilled/DuplicatedOrder
}
