package replication_test

import (
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/S0c5/p2p-orderbook/internal/book"
	"github.com/S0c5/p2p-orderbook/internal/node"
	"github.com/S0c5/p2p-orderbook/internal/observability"
	"github.com/S0c5/p2p-orderbook/internal/replication"
	"github.com/S0c5/p2p-orderbook/internal/testutil"
	"github.com/S0c5/p2p-orderbook/internal/transport/membus"
)

func dec(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return d
}

// newClusterNode wires a node to the in-process bus. tries bounds the
// discovery budget: a node started into an empty directory with tries=1
// self-promotes almost immediately, while a large budget keeps a node
// searching long enough to find a publisher elected by someone else.
func newClusterNode(t *testing.T, bus *membus.Bus, id string, tries int) *node.Node {
	t.Helper()
	return node.New(node.Config{
		NodeID:           id,
		Endpoint:         "feed." + id,
		LookupTries:      tries,
		LookupInterval:   20 * time.Millisecond,
		AnnounceInterval: 50 * time.Millisecond,
	}, bus, bus, observability.NewLoggerWithLevel(id, zerolog.Disabled), observability.NewMetrics(prometheus.NewRegistry()))
}

func start(t *testing.T, n *node.Node) {
	t.Helper()
	if err := n.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(n.Stop)
}

func submitLimit(t *testing.T, n *node.Node, id string, side book.Side, qty, price string) {
	t.Helper()
	o, err := book.NewLimit(id, "BTCUSD", side, dec(qty), dec(price))
	if err != nil {
		t.Fatal(err)
	}
	n.Submit(o)
}

func askAt(n *node.Node, price, qty string) bool {
	for _, lvl := range n.Depth("BTCUSD").Asks {
		if lvl.Price.Equal(dec(price)) {
			return lvl.Qty.Equal(dec(qty))
		}
	}
	return false
}

func emptyBook(n *node.Node) bool {
	d := n.Depth("BTCUSD")
	return len(d.Asks) == 0 && len(d.Bids) == 0
}

func TestCluster_ThreeNodesConvergeWithoutDoubleCount(t *testing.T) {
	bus := membus.New()

	a := newClusterNode(t, bus, "A", 1)
	start(t, a)
	if a.Role() != replication.RolePublisher {
		t.Fatalf("first node must publish, got %s", a.Role())
	}

	b := newClusterNode(t, bus, "B", 10)
	start(t, b)
	c := newClusterNode(t, bus, "C", 10)
	start(t, c)
	if b.Role() != replication.RoleFollower || c.Role() != replication.RoleFollower {
		t.Fatalf("late nodes must follow, got %s/%s", b.Role(), c.Role())
	}

	submitLimit(t, b, "b1", book.Ask, "10", "5")
	submitLimit(t, c, "c1", book.Ask, "20", "5")

	for _, n := range []*node.Node{a, b, c} {
		testutil.Eventually(t, 3*time.Second, func() bool {
			return askAt(n, "5", "30")
		}, "every book shows exactly 30 asked at 5")
	}
}

func TestCluster_LateJoinerCatchesUpViaSync(t *testing.T) {
	bus := membus.New()

	a := newClusterNode(t, bus, "A", 1)
	start(t, a)

	// A crossing pair leaves the book empty at 10; only the resting ask
	// at 20 survives. The joiner must replay to the same end state, which
	// means re-running the fills locally, not just copying quantities.
	submitLimit(t, a, "s1", book.Ask, "100", "10")
	submitLimit(t, a, "s2", book.Bid, "100", "10")
	submitLimit(t, a, "s3", book.Ask, "50", "20")
	testutil.Eventually(t, 2*time.Second, func() bool {
		return askAt(a, "20", "50") && len(a.Depth("BTCUSD").Bids) == 0
	}, "publisher settles before the joiner arrives")

	d := newClusterNode(t, bus, "D", 10)
	start(t, d)

	testutil.Eventually(t, 3*time.Second, func() bool {
		return askAt(d, "20", "50") && len(d.Depth("BTCUSD").Bids) == 0
	}, "joiner replays to the publisher's book")
}

func TestCluster_FailoverElectsSurvivorAndKeepsConverging(t *testing.T) {
	bus := membus.New()

	a := newClusterNode(t, bus, "A", 1)
	start(t, a)
	// Staggered budgets make the election deterministic: B runs out of
	// lookups first and self-promotes while C and D are still searching.
	b := newClusterNode(t, bus, "B", 3)
	start(t, b)
	c := newClusterNode(t, bus, "C", 40)
	start(t, c)
	d := newClusterNode(t, bus, "D", 40)
	start(t, d)

	submitLimit(t, a, "x1", book.Ask, "10", "5")
	for _, n := range []*node.Node{a, b, c, d} {
		testutil.Eventually(t, 3*time.Second, func() bool {
			return askAt(n, "5", "10")
		}, "cluster converges before the failure")
	}

	a.Stop()

	testutil.Eventually(t, 5*time.Second, func() bool {
		return b.Role() == replication.RolePublisher
	}, "shortest budget self-promotes")
	testutil.Eventually(t, 5*time.Second, func() bool {
		return c.Role() == replication.RoleFollower && d.Role() == replication.RoleFollower
	}, "remaining nodes re-attach to the new publisher")

	submitLimit(t, c, "c2", book.Ask, "5", "5")
	for _, n := range []*node.Node{b, c, d} {
		testutil.Eventually(t, 5*time.Second, func() bool {
			return askAt(n, "5", "15")
		}, "survivors keep converging after failover")
	}
}
