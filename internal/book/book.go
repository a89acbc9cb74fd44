package book

import (
	"github.com/emirpasic/gods/maps/treemap"
	"github.com/shopspring/decimal"
)

// Book is the matching engine for one pair. It is pure and synchronous: no
// I/O, no goroutines, no locking. Callers are expected to serialize access
// (the processing pipeline runs one order at a time).
//
// Limit orders are stored in the order map for their full life, including
// after a complete fill. Market orders are never stored.
type Book struct {
	pair    string
	orders  map[string]*Order
	arrival []string // limit order ids in acceptance order, drives Dump
	bids    *treemap.Map
	asks    *treemap.Map
}

// level is the FIFO queue of resting order ids at one price.
type level struct {
	ids []string
}

func newPriceTree() *treemap.Map {
	return treemap.NewWith(func(a, b interface{}) int {
		return a.(decimal.Decimal).Cmp(b.(decimal.Decimal))
	})
}

func New(pair string) *Book {
	return &Book{
		pair:   pair,
		orders: make(map[string]*Order),
		bids:   newPriceTree(),
		asks:   newPriceTree(),
	}
}

func (b *Book) Pair() string { return b.pair }

// Execute runs one order through the engine and returns the match result.
// A duplicate id is rejected idempotently: no matching, no state change.
func (b *Book) Execute(o *Order) MatchResult {
	if _, exists := b.orders[o.ID]; exists {
		return MatchResult{Kind: DuplicatedOrder, OrderID: o.ID}
	}
	if o.Type == Limit {
		return b.limit(o)
	}
	return b.market(o)
}

// limit stores the order first, matches it against the opposite side bounded
// by its own price, and rests any remainder at the tail of its price level.
func (b *Book) limit(o *Order) MatchResult {
	b.orders[o.ID] = o
	b.arrival = append(b.arrival, o.ID)

	var fills []Fill
	if o.Side == Ask {
		fills = b.matchBids(o, &o.Price)
	} else {
		fills = b.matchAsks(o, &o.Price)
	}

	if o.RemainQty.IsPositive() {
		b.rest(o)
	}

	if len(fills) == 0 {
		return MatchResult{Kind: Placed, OrderID: o.ID}
	}
	kind := PartialFilled
	if o.RemainQty.IsZero() {
		kind = Filled
	}
	return MatchResult{Kind: kind, OrderID: o.ID, Fills: fills}
}

// market matches with no price bound. The remainder, if any, is discarded:
// market orders never rest and never enter the order map.
func (b *Book) market(o *Order) MatchResult {
	var fills []Fill
	if o.Side == Ask {
		fills = b.matchBids(o, nil)
	} else {
		fills = b.matchAsks(o, nil)
	}

	if len(fills) == 0 {
		return MatchResult{Kind: Unfilled, OrderID: o.ID}
	}
	kind := PartialFilled
	if o.RemainQty.IsZero() {
		kind = Filled
	}
	return MatchResult{Kind: kind, OrderID: o.ID, Fills: fills}
}

// matchAsks consumes resting asks from the lowest price upward. A nil limit
// matches every level; otherwise only asks priced at or below the limit
// qualify.
func (b *Book) matchAsks(taker *Order, limit *decimal.Decimal) []Fill {
	var fills []Fill
	for _, price := range ascendingPrices(b.asks) {
		if taker.RemainQty.IsZero() {
			break
		}
		if limit != nil && price.GreaterThan(*limit) {
			break
		}
		fills = append(fills, b.processQueue(b.asks, price, taker)...)
	}
	return fills
}

// matchBids consumes resting bids from the highest price downward. A nil
// limit matches every level; otherwise only bids priced at or above the
// limit qualify.
func (b *Book) matchBids(taker *Order, limit *decimal.Decimal) []Fill {
	var fills []Fill
	for _, price := range descendingPrices(b.bids) {
		if taker.RemainQty.IsZero() {
			break
		}
		if limit != nil && price.LessThan(*limit) {
			break
		}
		fills = append(fills, b.processQueue(b.bids, price, taker)...)
	}
	return fills
}

// processQueue walks one price level FIFO. A maker covered entirely by the
// taker's remainder emits a total fill and is spliced out immediately; a
// maker larger than the remainder emits a partial fill, keeps its place at
// the head of the queue, and exhausts the taker. Drained levels are removed
// from the tree.
func (b *Book) processQueue(tree *treemap.Map, price decimal.Decimal, taker *Order) []Fill {
	v, ok := tree.Get(price)
	if !ok {
		return nil
	}
	q := v.(*level)

	var fills []Fill
	consumed := 0
	for _, id := range q.ids {
		if taker.RemainQty.IsZero() {
			break
		}
		maker := b.orders[id]
		if taker.RemainQty.GreaterThanOrEqual(maker.RemainQty) {
			fills = append(fills, Fill{
				TakerID:   taker.ID,
				MakerID:   maker.ID,
				Qty:       maker.RemainQty,
				Price:     maker.Price,
				TakerSide: taker.Side,
				TotalFill: true,
			})
			taker.RemainQty = taker.RemainQty.Sub(maker.RemainQty)
			maker.RemainQty = decimal.Zero
			consumed++
			continue
		}
		fills = append(fills, Fill{
			TakerID:   taker.ID,
			MakerID:   maker.ID,
			Qty:       taker.RemainQty,
			Price:     maker.Price,
			TakerSide: taker.Side,
			TotalFill: false,
		})
		maker.RemainQty = maker.RemainQty.Sub(taker.RemainQty)
		taker.RemainQty = decimal.Zero
		break
	}

	q.ids = q.ids[consumed:]
	if len(q.ids) == 0 {
		tree.Remove(price)
	}
	return fills
}

// rest appends a limit order with remaining quantity to the tail of its own
// side's price level, creating the level when absent.
func (b *Book) rest(o *Order) {
	tree := b.asks
	if o.Side == Bid {
		tree = b.bids
	}
	v, ok := tree.Get(o.Price)
	if !ok {
		v = &level{}
		tree.Put(o.Price, v)
	}
	q := v.(*level)
	q.ids = append(q.ids, o.ID)
}

// PriceLevel is one aggregated depth entry.
type PriceLevel struct {
	Price decimal.Decimal
	Qty   decimal.Decimal
}

// DepthView is the aggregate remaining quantity per price level. Asks are
// ascending, bids descending; levels with zero aggregate are absent.
type DepthView struct {
	Bids []PriceLevel
	Asks []PriceLevel
}

func (b *Book) Depth() DepthView {
	var d DepthView
	for _, price := range ascendingPrices(b.asks) {
		if lv := b.aggregate(b.asks, price); lv != nil {
			d.Asks = append(d.Asks, *lv)
		}
	}
	for _, price := range descendingPrices(b.bids) {
		if lv := b.aggregate(b.bids, price); lv != nil {
			d.Bids = append(d.Bids, *lv)
		}
	}
	return d
}

func (b *Book) aggregate(tree *treemap.Map, price decimal.Decimal) *PriceLevel {
	v, ok := tree.Get(price)
	if !ok {
		return nil
	}
	total := decimal.Zero
	for _, id := range v.(*level).ids {
		total = total.Add(b.orders[id].RemainQty)
	}
	if total.IsZero() {
		return nil
	}
	return &PriceLevel{Price: price, Qty: total}
}

// Dump exports every stored limit order, filled or resting, in acceptance
// order. Exported copies are stamped DUMPED; book state is untouched. The
// export replays deterministically because acceptance order is preserved.
func (b *Book) Dump() []Order {
	out := make([]Order, 0, len(b.arrival))
	for _, id := range b.arrival {
		o := *b.orders[id]
		o.Status = StatusDumped
		out = append(out, o)
	}
	return out
}

func ascendingPrices(tree *treemap.Map) []decimal.Decimal {
	prices := make([]decimal.Decimal, 0, tree.Size())
	it := tree.Iterator()
	for it.Next() {
		prices = append(prices, it.Key().(decimal.Decimal))
	}
	return prices
}

func descendingPrices(tree *treemap.Map) []decimal.Decimal {
	prices := make([]decimal.Decimal, 0, tree.Size())
	it := tree.Iterator()
	for it.End(); it.Prev(); {
		prices = append(prices, it.Key().(decimal.Decimal))
	}
	return prices
}
