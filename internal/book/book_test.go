package book_test

import (
	"reflect"
	"testing"

	"github.com/shopspring/decimal"

	"github.com/S0c5/p2p-orderbook/internal/book"
)

func dec(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return d
}

func limit(t *testing.T, b *book.Book, id string, side book.Side, qty, price string) book.MatchResult {
	t.Helper()
	o, err := book.NewLimit(id, b.Pair(), side, dec(qty), dec(price))
	if err != nil {
		t.Fatalf("NewLimit(%s): %v", id, err)
	}
	return b.Execute(o)
}

func market(t *testing.T, b *book.Book, id string, side book.Side, qty string) book.MatchResult {
	t.Helper()
	o, err := book.NewMarket(id, b.Pair(), side, dec(qty))
	if err != nil {
		t.Fatalf("NewMarket(%s): %v", id, err)
	}
	return b.Execute(o)
}

// ============================================================================
// Test: order construction
// ============================================================================

func TestNewLimit_Validation(t *testing.T) {
	cases := []struct {
		name  string
		pair  string
		side  book.Side
		qty   string
		price string
		want  error
	}{
		{"missing pair", "", book.Ask, "1", "1", book.ErrMissingPair},
		{"bad side", "BTCUSD", book.Side("Hold"), "1", "1", book.ErrInvalidSide},
		{"zero qty", "BTCUSD", book.Bid, "0", "1", book.ErrInvalidQty},
		{"negative qty", "BTCUSD", book.Bid, "-5", "1", book.ErrInvalidQty},
		{"zero price", "BTCUSD", book.Bid, "1", "0", book.ErrInvalidPrice},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := book.NewLimit("", tc.pair, tc.side, dec(tc.qty), dec(tc.price))
			if err != tc.want {
				t.Errorf("got %v, want %v", err, tc.want)
			}
		})
	}
}

func TestNewLimit_GeneratesID(t *testing.T) {
	a, err := book.NewLimit("", "BTCUSD", book.Ask, dec("1"), dec("1"))
	if err != nil {
		t.Fatal(err)
	}
	b, _ := book.NewLimit("", "BTCUSD", book.Ask, dec("1"), dec("1"))
	if a.ID == "" || a.ID == b.ID {
		t.Errorf("generated ids must be unique and non-empty: %q vs %q", a.ID, b.ID)
	}
	if a.Status != book.StatusToAnnounce {
		t.Errorf("new orders start TO_ANNOUNCE, got %s", a.Status)
	}
	if !a.RemainQty.Equal(a.Qty) {
		t.Errorf("remain qty must start at full qty")
	}
}

// ============================================================================
// Test: limit order placement and crossing
// ============================================================================

func TestLimit_NonCrossingOrdersRest(t *testing.T) {
	b := book.New("BTCUSD")

	if res := limit(t, b, "1", book.Ask, "1000", "2"); res.Kind != book.Placed || res.OrderID != "1" {
		t.Fatalf("ask: got %s/%s, want Placed/1", res.Kind, res.OrderID)
	}
	if res := limit(t, b, "2", book.Bid, "1000", "1"); res.Kind != book.Placed || res.OrderID != "2" {
		t.Fatalf("bid: got %s/%s, want Placed/2", res.Kind, res.OrderID)
	}

	d := b.Depth()
	if len(d.Asks) != 1 || len(d.Bids) != 1 {
		t.Fatalf("expected one level per side, got %+v", d)
	}
}

func TestLimit_AskCrossesRestingBid(t *testing.T) {
	b := book.New("USDTUSD")

	limit(t, b, "1", book.Bid, "1000", "10")
	res := limit(t, b, "2", book.Ask, "1000", "9")

	if res.Kind != book.Filled {
		t.Fatalf("got %s, want Filled", res.Kind)
	}
	if len(res.Fills) != 1 {
		t.Fatalf("got %d fills, want 1", len(res.Fills))
	}
	f := res.Fills[0]
	if f.TakerID != "2" || f.MakerID != "1" {
		t.Errorf("fill taker/maker = %s/%s, want 2/1", f.TakerID, f.MakerID)
	}
	if !f.Price.Equal(dec("10")) {
		t.Errorf("fill executes at the maker's price: got %s, want 10", f.Price)
	}
	if f.TakerSide != book.Ask || !f.TotalFill {
		t.Errorf("unexpected fill fields: %+v", f)
	}
}

func TestLimit_BidBoundStopsWalk(t *testing.T) {
	b := book.New("BTCUSD")

	limit(t, b, "1", book.Ask, "100", "10")
	limit(t, b, "2", book.Ask, "100", "20")

	// Bid at 15 may only consume the ask at 10; remainder rests at 15.
	res := limit(t, b, "3", book.Bid, "150", "15")
	if res.Kind != book.PartialFilled {
		t.Fatalf("got %s, want PartialFilled", res.Kind)
	}
	if len(res.Fills) != 1 || res.Fills[0].MakerID != "1" {
		t.Fatalf("expected single fill against order 1, got %+v", res.Fills)
	}

	d := b.Depth()
	if len(d.Bids) != 1 || !d.Bids[0].Price.Equal(dec("15")) || !d.Bids[0].Qty.Equal(dec("50")) {
		t.Errorf("remainder should rest as 50@15, got %+v", d.Bids)
	}
	if len(d.Asks) != 1 || !d.Asks[0].Price.Equal(dec("20")) {
		t.Errorf("ask at 20 must survive, got %+v", d.Asks)
	}
}

// ============================================================================
// Test: market orders
// ============================================================================

func TestMarket_PartialFillThenUnfilled(t *testing.T) {
	b := book.New("BTCUSD")

	limit(t, b, "1", book.Ask, "1000", "10")

	res := market(t, b, "2", book.Bid, "2000")
	if res.Kind != book.PartialFilled {
		t.Fatalf("got %s, want PartialFilled", res.Kind)
	}
	if len(res.Fills) != 1 {
		t.Fatalf("got %d fills, want 1", len(res.Fills))
	}
	f := res.Fills[0]
	if !f.Qty.Equal(dec("1000")) || !f.Price.Equal(dec("10")) || !f.TotalFill {
		t.Errorf("want fill 1000@10 total, got %+v", f)
	}

	// The ask side is now empty; a second market bid matches nothing and
	// nothing rests.
	res = market(t, b, "3", book.Bid, "2000")
	if res.Kind != book.Unfilled {
		t.Fatalf("got %s, want Unfilled", res.Kind)
	}
	if d := b.Depth(); len(d.Asks) != 0 || len(d.Bids) != 0 {
		t.Errorf("market orders must never rest, depth %+v", d)
	}
}

func TestMarket_MultiLevelSweep(t *testing.T) {
	b := book.New("BTCUSD")

	limit(t, b, "1", book.Ask, "100", "10")
	limit(t, b, "2", book.Ask, "100", "20")
	limit(t, b, "3", book.Ask, "100", "30")

	res := market(t, b, "4", book.Bid, "300")
	if res.Kind != book.Filled {
		t.Fatalf("got %s, want Filled", res.Kind)
	}
	if len(res.Fills) != 3 {
		t.Fatalf("got %d fills, want 3", len(res.Fills))
	}
	wantMakers := []string{"1", "2", "3"}
	wantPrices := []string{"10", "20", "30"}
	for i, f := range res.Fills {
		if f.MakerID != wantMakers[i] {
			t.Errorf("fill %d maker = %s, want %s", i, f.MakerID, wantMakers[i])
		}
		if !f.Price.Equal(dec(wantPrices[i])) {
			t.Errorf("fill %d price = %s, want %s", i, f.Price, wantPrices[i])
		}
		if !f.TotalFill {
			t.Errorf("fill %d should be a total fill", i)
		}
	}

	if res := market(t, b, "5", book.Bid, "300"); res.Kind != book.Unfilled {
		t.Errorf("swept book must yield Unfilled, got %s", res.Kind)
	}
}

// ============================================================================
// Test: price-time priority
// ============================================================================

func TestFIFO_TieBreakAtSamePrice(t *testing.T) {
	b := book.New("BTCUSD")

	limit(t, b, "A", book.Ask, "100", "10")
	limit(t, b, "B", book.Ask, "100", "10")

	res := market(t, b, "T", book.Bid, "100")
	if res.Kind != book.Filled {
		t.Fatalf("got %s, want Filled", res.Kind)
	}
	if len(res.Fills) != 1 || res.Fills[0].MakerID != "A" {
		t.Fatalf("first arrival must fill first, got %+v", res.Fills)
	}

	d := b.Depth()
	if len(d.Asks) != 1 || !d.Asks[0].Qty.Equal(dec("100")) {
		t.Errorf("B must remain resting with 100, got %+v", d.Asks)
	}
}

func TestQuiescence_NoCrossedBookAfterSettling(t *testing.T) {
	b := book.New("BTCUSD")

	limit(t, b, "1", book.Bid, "100", "9")
	limit(t, b, "2", book.Ask, "100", "11")
	limit(t, b, "3", book.Bid, "300", "10")
	limit(t, b, "4", book.Ask, "250", "10")
	limit(t, b, "5", book.Bid, "80", "12")
	limit(t, b, "6", book.Ask, "500", "8")
	market(t, b, "7", book.Bid, "120")

	d := b.Depth()
	if len(d.Bids) > 0 && len(d.Asks) > 0 {
		bestBid, bestAsk := d.Bids[0].Price, d.Asks[0].Price
		if bestBid.GreaterThanOrEqual(bestAsk) {
			t.Errorf("book is crossed: best bid %s >= best ask %s", bestBid, bestAsk)
		}
	}
}

// ============================================================================
// Test: duplicate rejection and depth
// ============================================================================

func TestDuplicateID_RejectedWithoutStateChange(t *testing.T) {
	b := book.New("BTCUSD")

	limit(t, b, "1", book.Ask, "100", "10")
	before := b.Depth()

	res := limit(t, b, "1", book.Ask, "500", "7")
	if res.Kind != book.DuplicatedOrder || res.OrderID != "1" {
		t.Fatalf("got %s/%s, want DuplicatedOrder/1", res.Kind, res.OrderID)
	}

	if after := b.Depth(); !reflect.DeepEqual(before, after) {
		t.Errorf("duplicate must not touch the book: before %+v, after %+v", before, after)
	}
}

func TestDepth_ExcludesDrainedLevels(t *testing.T) {
	b := book.New("BTCUSD")

	limit(t, b, "1", book.Ask, "100", "10")
	limit(t, b, "2", book.Ask, "100", "20")
	market(t, b, "3", book.Bid, "100")

	d := b.Depth()
	for _, lv := range d.Asks {
		if lv.Price.Equal(dec("10")) {
			t.Errorf("drained level 10 must be absent, got %+v", d.Asks)
		}
		if lv.Qty.IsZero() {
			t.Errorf("zero-aggregate level leaked into depth: %+v", lv)
		}
	}
	if len(d.Asks) != 1 || !d.Asks[0].Price.Equal(dec("20")) {
		t.Errorf("expected only the level at 20, got %+v", d.Asks)
	}
}

func TestDepth_SideOrdering(t *testing.T) {
	b := book.New("BTCUSD")

	limit(t, b, "1", book.Ask, "10", "30")
	limit(t, b, "2", book.Ask, "10", "10")
	limit(t, b, "3", book.Ask, "10", "20")
	limit(t, b, "4", book.Bid, "10", "3")
	limit(t, b, "5", book.Bid, "10", "1")
	limit(t, b, "6", book.Bid, "10", "2")

	d := b.Depth()
	for i := 1; i < len(d.Asks); i++ {
		if !d.Asks[i-1].Price.LessThan(d.Asks[i].Price) {
			t.Errorf("asks must ascend: %+v", d.Asks)
		}
	}
	for i := 1; i < len(d.Bids); i++ {
		if !d.Bids[i-1].Price.GreaterThan(d.Bids[i].Price) {
			t.Errorf("bids must descend: %+v", d.Bids)
		}
	}
}

// ============================================================================
// Test: dump/export
// ============================================================================

func TestDump_ExportsAllLimitOrdersInArrivalOrder(t *testing.T) {
	b := book.New("BTCUSD")

	limit(t, b, "1", book.Ask, "100", "10")
	limit(t, b, "2", book.Bid, "100", "10") // fully fills against 1
	market(t, b, "3", book.Bid, "50")       // markets never export

	dump := b.Dump()
	if len(dump) != 2 {
		t.Fatalf("got %d orders, want 2 (filled limit orders stay exported)", len(dump))
	}
	if dump[0].ID != "1" || dump[1].ID != "2" {
		t.Errorf("dump must preserve arrival order, got %s,%s", dump[0].ID, dump[1].ID)
	}
	for _, o := range dump {
		if o.Status != book.StatusDumped {
			t.Errorf("order %s status = %s, want %s", o.ID, o.Status, book.StatusDumped)
		}
	}

	// Export must not disturb engine state.
	if res := limit(t, b, "4", book.Ask, "10", "99"); res.Kind != book.Placed {
		t.Errorf("book must stay usable after dump, got %s", res.Kind)
	}
}
