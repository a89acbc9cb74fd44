package replication

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/S0c5/p2p-orderbook/internal/book"
	"github.com/S0c5/p2p-orderbook/internal/observability"
	"github.com/S0c5/p2p-orderbook/internal/wire"
)

// Role of a node in the star topology. The two roles are mutually exclusive
// but a node may flip between them over its lifetime.
type Role int32

const (
	RoleUnassigned Role = iota
	RoleFollower
	RolePublisher
)

func (r Role) String() string {
	switch r {
	case RoleFollower:
		return "follower"
	case RolePublisher:
		return "publisher"
	default:
		return "unassigned"
	}
}

// OrderSink receives orders that passed the delivery guards. The sink is the
// processing pipeline: it serializes execution with locally submitted orders.
type OrderSink interface {
	Enqueue(o *book.Order)
}

// SnapshotSource provides the full export used to answer REQ_SYNC.
type SnapshotSource interface {
	Snapshot() []wire.OrderRecord
}

// Config for a Replicator.
type Config struct {
	// Channel is the shared rendezvous name all peers agree on.
	Channel string
	// NodeID identifies this node in message envelopes.
	NodeID string
	// Endpoint is the address this node listens on when it is the publisher.
	Endpoint string
	// LookupTries bounds the discovery retry budget.
	LookupTries int
	// LookupInterval is the fixed delay between lookup attempts.
	LookupInterval time.Duration
	// AnnounceInterval is the publisher's re-announce cadence.
	AnnounceInterval time.Duration
}

// Replicator implements the peer replication protocol: discovery and
// publisher election, message flooding with deduplication, snapshot
// resynchronization, and failover with self-promotion.
//
// The seen-id sets grow for the lifetime of the node. The protocol defines
// no expiry for them, so none is applied; long-lived deployments trade
// memory for the guarantee that a replayed message can never double-apply.
type Replicator struct {
	cfg     Config
	dir     Directory
	tr      Transport
	sink    OrderSink
	snap    SnapshotSource
	log     zerolog.Logger
	metrics *observability.Metrics

	mu         sync.Mutex
	role       Role
	listener   Listener
	conn       Conn
	seenReqs   map[string]struct{}
	seenOrders map[string]struct{}
	dead       map[string]struct{}
	stopped    bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func New(cfg Config, dir Directory, tr Transport, sink OrderSink, snap SnapshotSource,
	log zerolog.Logger, metrics *observability.Metrics) *Replicator {
	return &Replicator{
		cfg:        cfg,
		dir:        dir,
		tr:         tr,
		sink:       sink,
		snap:       snap,
		log:        log,
		metrics:    metrics,
		seenReqs:   make(map[string]struct{}),
		seenOrders: make(map[string]struct{}),
		dead:       make(map[string]struct{}),
	}
}

// Start runs discovery and takes a role: follower of a discovered publisher,
// or publisher when the lookup budget yields nothing.
func (r *Replicator) Start(ctx context.Context) error {
	r.ctx, r.cancel = context.WithCancel(ctx)
	return r.assumeRole(r.ctx)
}

// assumeRole loops discovery until the node holds a role. Candidates that
// fail to connect join the dead set and are excluded from later rounds.
func (r *Replicator) assumeRole(ctx context.Context) error {
	for {
		endpoint, err := r.discover(ctx)
		if err != nil {
			return err
		}
		if endpoint == "" {
			return r.becomePublisher(ctx)
		}
		if err := r.becomeFollower(ctx, endpoint); err != nil {
			r.log.Warn().Str("endpoint", endpoint).Err(err).
				Msg("connect to publisher failed, excluding candidate")
			r.markDead(endpoint)
			continue
		}
		return nil
	}
}

// discover queries the directory up to the configured budget. An exhausted
// budget returns an empty endpoint, never an error: it means this node
// should publish.
func (r *Replicator) discover(ctx context.Context) (string, error) {
	for try := 0; try < r.cfg.LookupTries; try++ {
		if try > 0 {
			select {
			case <-ctx.Done():
				return "", ctx.Err()
			case <-time.After(r.cfg.LookupInterval):
			}
		}

		r.metrics.LookupRounds.Inc()
		endpoints, err := r.dir.Lookup(ctx, r.cfg.Channel)
		if err != nil {
			r.log.Warn().Err(err).Msg("directory lookup failed")
			continue
		}
		if ep := r.pickCandidate(endpoints); ep != "" {
			return ep, nil
		}
	}
	return "", nil
}

// pickCandidate returns the first endpoint that is neither this node nor a
// known-dead host.
func (r *Replicator) pickCandidate(endpoints []string) string {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, ep := range endpoints {
		if ep == r.cfg.Endpoint {
			continue
		}
		if _, excluded := r.dead[ep]; excluded {
			continue
		}
		return ep
	}
	return ""
}

func (r *Replicator) becomePublisher(ctx context.Context) error {
	ln, err := r.tr.Listen(ctx, r.cfg.Endpoint)
	if err != nil {
		return err
	}
	ln.OnMessage(r.onInbound)

	r.mu.Lock()
	r.listener = ln
	r.conn = nil
	r.role = RolePublisher
	r.mu.Unlock()
	r.metrics.Role.Set(1)

	if err := r.dir.Announce(ctx, r.cfg.Channel, r.cfg.Endpoint); err != nil {
		r.log.Warn().Err(err).Msg("initial announce failed")
	}
	r.wg.Add(1)
	go r.announceLoop(ctx)

	r.log.Info().Str("endpoint", r.cfg.Endpoint).Msg("elected as publisher")
	return nil
}

func (r *Replicator) becomeFollower(ctx context.Context, endpoint string) error {
	conn, err := r.tr.Connect(ctx, endpoint)
	if err != nil {
		return err
	}
	conn.OnMessage(r.onInbound)
	conn.OnClose(func() { r.onPublisherLost(endpoint) })

	r.mu.Lock()
	r.conn = conn
	r.listener = nil
	r.role = RoleFollower
	r.mu.Unlock()
	r.metrics.Role.Set(0)

	r.log.Info().Str("publisher", endpoint).Msg("following publisher")

	// Ask for the full book state right after the connection opens.
	env, err := wire.NewEnvelope(wire.CmdReqSync, wire.SyncReqArgs{}, r.cfg.NodeID)
	if err != nil {
		return err
	}
	data, err := env.Encode()
	if err != nil {
		return err
	}
	if err := conn.Send(data); err != nil {
		r.log.Warn().Err(err).Msg("sync request failed")
	}
	return nil
}

// onPublisherLost re-runs discovery excluding the failed host. When nothing
// reachable remains, the node self-promotes to publisher.
func (r *Replicator) onPublisherLost(endpoint string) {
	r.mu.Lock()
	if r.stopped {
		r.mu.Unlock()
		return
	}
	r.mu.Unlock()

	r.metrics.Reconnects.Inc()
	r.markDead(endpoint)
	r.log.Warn().Str("publisher", endpoint).Msg("publisher lost, rediscovering")

	if err := r.assumeRole(r.ctx); err != nil {
		r.log.Error().Err(err).Msg("failover aborted")
	}
}

func (r *Replicator) markDead(endpoint string) {
	r.mu.Lock()
	r.dead[endpoint] = struct{}{}
	r.mu.Unlock()
}

func (r *Replicator) announceLoop(ctx context.Context) {
	defer r.wg.Done()
	ticker := time.NewTicker(r.cfg.AnnounceInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := r.dir.Announce(ctx, r.cfg.Channel, r.cfg.Endpoint); err != nil {
				r.log.Warn().Err(err).Msg("announce failed")
			}
		}
	}
}

// onInbound applies the delivery guards in order (self-origin, req dedup,
// order dedup) and dispatches the message. The publisher then rebroadcasts
// the raw message to all subscribers, completing the flood.
func (r *Replicator) onInbound(raw []byte) {
	env, err := wire.Decode(raw)
	if err != nil {
		r.metrics.MessagesDropped.WithLabelValues(observability.DropMalformed).Inc()
		r.log.Warn().Err(err).Msg("dropping malformed message")
		return
	}
	r.metrics.MessagesIn.WithLabelValues(string(env.Cmd)).Inc()

	r.mu.Lock()
	if env.From == r.cfg.NodeID {
		r.mu.Unlock()
		r.metrics.MessagesDropped.WithLabelValues(observability.DropSelfOrigin).Inc()
		return
	}
	if _, seen := r.seenReqs[env.ReqID]; seen {
		r.mu.Unlock()
		r.metrics.MessagesDropped.WithLabelValues(observability.DropReqSeen).Inc()
		return
	}
	r.seenReqs[env.ReqID] = struct{}{}
	role := r.role
	ln := r.listener
	r.mu.Unlock()

	switch env.Cmd {
	case wire.CmdOrder:
		r.handleOrder(env)
	case wire.CmdReqSync:
		if role == RolePublisher {
			r.serveSync()
		}
	case wire.CmdSync:
		r.handleSync(env)
	default:
		r.log.Warn().Str("cmd", string(env.Cmd)).Msg("unknown cmd")
	}

	if role == RolePublisher && ln != nil {
		if err := ln.Publish(raw); err != nil {
			r.log.Warn().Err(err).Msg("rebroadcast failed")
		}
	}
}

func (r *Replicator) handleOrder(env wire.Envelope) {
	var args wire.OrderArgs
	if err := env.DecodeArgs(&args); err != nil {
		r.metrics.MessagesDropped.WithLabelValues(observability.DropMalformed).Inc()
		r.log.Warn().Err(err).Msg("dropping bad order args")
		return
	}
	r.applyRecord(args.Order)
}

func (r *Replicator) handleSync(env wire.Envelope) {
	var args wire.SyncArgs
	if err := env.DecodeArgs(&args); err != nil {
		r.metrics.MessagesDropped.WithLabelValues(observability.DropMalformed).Inc()
		r.log.Warn().Err(err).Msg("dropping bad sync args")
		return
	}
	r.log.Info().Int("orders", len(args.Orders)).Msg("replaying snapshot")
	for _, rec := range args.Orders {
		if r.applyRecord(rec) {
			r.metrics.SyncReplayed.Inc()
		}
	}
}

// applyRecord runs the order-id guard and hands a fresh order to the sink.
// Fills are recomputed locally by the engine, never taken from the wire.
func (r *Replicator) applyRecord(rec wire.OrderRecord) bool {
	r.mu.Lock()
	if _, seen := r.seenOrders[rec.ID]; seen {
		r.mu.Unlock()
		r.metrics.MessagesDropped.WithLabelValues(observability.DropOrderSeen).Inc()
		return false
	}
	r.seenOrders[rec.ID] = struct{}{}
	r.mu.Unlock()

	o, err := rec.Order()
	if err != nil {
		r.metrics.MessagesDropped.WithLabelValues(observability.DropMalformed).Inc()
		r.log.Warn().Err(err).Msg("dropping invalid order record")
		return false
	}
	r.sink.Enqueue(o)
	return true
}

func (r *Replicator) serveSync() {
	records := r.snap.Snapshot()
	env, err := wire.NewEnvelope(wire.CmdSync, wire.SyncArgs{Orders: records}, r.cfg.NodeID)
	if err != nil {
		r.log.Error().Err(err).Msg("build sync response")
		return
	}
	data, err := env.Encode()
	if err != nil {
		r.log.Error().Err(err).Msg("encode sync response")
		return
	}

	r.mu.Lock()
	ln := r.listener
	r.mu.Unlock()
	if ln == nil {
		return
	}
	if err := ln.Publish(data); err != nil {
		r.log.Warn().Err(err).Msg("publish sync response")
		return
	}
	r.metrics.SyncsServed.Inc()
	r.log.Info().Int("orders", len(records)).Msg("served snapshot")
}

// Broadcast floods a locally processed order to the cluster: published on
// the feed when this node is the publisher, sent upstream for relay when it
// is a follower. The order id joins the seen set so a flood echo can never
// re-enter the pipeline.
func (r *Replicator) Broadcast(o *book.Order) error {
	env, err := wire.NewEnvelope(wire.CmdOrder, wire.OrderArgs{Order: wire.ToRecord(o)}, r.cfg.NodeID)
	if err != nil {
		return err
	}
	data, err := env.Encode()
	if err != nil {
		return err
	}

	r.mu.Lock()
	r.seenOrders[o.ID] = struct{}{}
	role := r.role
	ln := r.listener
	conn := r.conn
	r.mu.Unlock()

	switch {
	case role == RolePublisher && ln != nil:
		err = ln.Publish(data)
	case role == RoleFollower && conn != nil:
		err = conn.Send(data)
	}
	if err != nil {
		return err
	}
	r.metrics.Broadcasts.Inc()
	return nil
}

// Role reports the node's current role.
func (r *Replicator) Role() Role {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.role
}

// Stop halts the announce cadence and closes the network handles. A stopped
// follower does not attempt failover.
func (r *Replicator) Stop() {
	r.mu.Lock()
	if r.stopped {
		r.mu.Unlock()
		return
	}
	r.stopped = true
	ln := r.listener
	conn := r.conn
	r.mu.Unlock()

	if r.cancel != nil {
		r.cancel()
	}
	if conn != nil {
		conn.Close()
	}
	if ln != nil {
		ln.Close()
	}
	r.wg.Wait()
}
