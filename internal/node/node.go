// Package node assembles a cluster node: the book registry, the replicator,
// and the processing pipeline that serializes every order through
// Match → Announce in strict submission order.
package node

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/S0c5/p2p-orderbook/internal/book"
	"github.com/S0c5/p2p-orderbook/internal/observability"
	"github.com/S0c5/p2p-orderbook/internal/replication"
	"github.com/S0c5/p2p-orderbook/internal/wire"
)

// DefaultChannel is the rendezvous name nodes agree on unless configured.
const DefaultChannel = "p2p-orderbook"

var ErrAlreadyStarted = errors.New("node: already started")

// Config for one node. Zero values get working defaults.
type Config struct {
	// NodeID identifies this node in message envelopes. Generated when empty.
	NodeID string
	// Channel is the shared rendezvous name.
	Channel string
	// Endpoint is this node's feed address when it publishes. Derived from
	// NodeID when empty.
	Endpoint string
	// QueueCapacity bounds the processing pipeline. Submitters block while
	// the queue is full.
	QueueCapacity int
	// LookupTries and LookupInterval bound the discovery budget.
	LookupTries    int
	LookupInterval time.Duration
	// AnnounceInterval is the publisher re-announce cadence.
	AnnounceInterval time.Duration
}

func (c Config) withDefaults() Config {
	if c.NodeID == "" {
		c.NodeID = uuid.NewString()
	}
	if c.Channel == "" {
		c.Channel = DefaultChannel
	}
	if c.Endpoint == "" {
		c.Endpoint = "p2p.orderbook.feed." + c.NodeID
	}
	if c.QueueCapacity <= 0 {
		c.QueueCapacity = 10_000
	}
	if c.LookupTries <= 0 {
		c.LookupTries = 30
	}
	if c.LookupInterval <= 0 {
		c.LookupInterval = time.Second
	}
	if c.AnnounceInterval <= 0 {
		c.AnnounceInterval = 5 * time.Second
	}
	return c
}

// Execution is delivered to listeners once per completed match, in pipeline
// order.
type Execution struct {
	Order  *book.Order
	Result book.MatchResult
}

// Node is the embedding API: submit orders, read depth, observe executions.
type Node struct {
	cfg     Config
	log     zerolog.Logger
	metrics *observability.Metrics

	mu       sync.Mutex // guards registry
	registry *book.Registry

	repl      *replication.Replicator
	queue     chan *book.Order
	listeners []func(Execution)

	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	started bool
}

func New(cfg Config, dir replication.Directory, tr replication.Transport,
	log zerolog.Logger, metrics *observability.Metrics) *Node {
	cfg = cfg.withDefaults()
	n := &Node{
		cfg:      cfg,
		log:      log,
		metrics:  metrics,
		registry: book.NewRegistry(),
		queue:    make(chan *book.Order, cfg.QueueCapacity),
	}
	n.repl = replication.New(replication.Config{
		Channel:          cfg.Channel,
		NodeID:           cfg.NodeID,
		Endpoint:         cfg.Endpoint,
		LookupTries:      cfg.LookupTries,
		LookupInterval:   cfg.LookupInterval,
		AnnounceInterval: cfg.AnnounceInterval,
	}, dir, tr, n, n, log, metrics)
	return n
}

// ID returns the node id used in message envelopes.
func (n *Node) ID() string { return n.cfg.NodeID }

// Role reports whether the node currently publishes or follows.
func (n *Node) Role() replication.Role { return n.repl.Role() }

// OnExecution registers a listener. Must be called before Start; listeners
// run on the pipeline worker, so they observe executions in order.
func (n *Node) OnExecution(fn func(Execution)) {
	n.listeners = append(n.listeners, fn)
}

// Start launches the pipeline worker and joins the cluster. It blocks
// through discovery: on return the node holds a role.
func (n *Node) Start(ctx context.Context) error {
	if n.started {
		return ErrAlreadyStarted
	}
	n.started = true
	n.ctx, n.cancel = context.WithCancel(ctx)

	// The worker must drain before discovery completes: a snapshot replay
	// can enqueue a full book.
	n.wg.Add(1)
	go n.worker()

	if err := n.repl.Start(n.ctx); err != nil {
		n.cancel()
		n.wg.Wait()
		return err
	}
	n.log.Info().Str("node", n.cfg.NodeID).Stringer("role", n.repl.Role()).Msg("node online")
	return nil
}

// Stop halts replication and the pipeline. Queued orders are dropped.
func (n *Node) Stop() {
	if !n.started {
		return
	}
	n.repl.Stop()
	n.cancel()
	n.wg.Wait()
}

// Submit enqueues an order, blocking while the pipeline is full. Orders are
// processed strictly in submission order. Call after Start.
func (n *Node) Submit(o *book.Order) {
	if n.ctx == nil {
		n.queue <- o
		return
	}
	select {
	case n.queue <- o:
		n.metrics.QueueDepth.Set(float64(len(n.queue)))
	case <-n.ctx.Done():
		n.log.Warn().Str("order", o.ID).Msg("node stopped, order dropped")
	}
}

// Enqueue feeds an order received from a peer into the same pipeline.
func (n *Node) Enqueue(o *book.Order) {
	n.Submit(o)
}

// Snapshot exports every stored limit order across all pairs, for the sync
// responder.
func (n *Node) Snapshot() []wire.OrderRecord {
	n.mu.Lock()
	orders := n.registry.Dump()
	n.mu.Unlock()

	records := make([]wire.OrderRecord, 0, len(orders))
	for i := range orders {
		records = append(records, wire.ToRecord(&orders[i]))
	}
	return records
}

// Depth returns the aggregated book for pair.
func (n *Node) Depth(pair string) book.DepthView {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.registry.GetOrCreate(pair).Depth()
}

func (n *Node) worker() {
	defer n.wg.Done()
	for {
		select {
		case <-n.ctx.Done():
			return
		case o := <-n.queue:
			n.metrics.QueueDepth.Set(float64(len(n.queue)))
			n.process(o)
		}
	}
}

// process runs the two pipeline stages: match, then announce. The announce
// stage only fires for orders this node originated and has not broadcast
// yet; the status stamp prevents a flood echo from being announced again.
func (n *Node) process(o *book.Order) {
	n.mu.Lock()
	res := n.registry.GetOrCreate(o.Pair).Execute(o)
	n.mu.Unlock()

	n.metrics.OrdersProcessed.WithLabelValues(res.Kind.String()).Inc()
	n.metrics.FillsTotal.Add(float64(len(res.Fills)))
	for _, fn := range n.listeners {
		fn(Execution{Order: o, Result: res})
	}

	if o.Status == book.StatusToAnnounce {
		o.Status = book.StatusToUpdate
		if err := n.repl.Broadcast(o); err != nil {
			n.log.Warn().Err(err).Str("order", o.ID).Msg("broadcast failed")
		}
	}
}
