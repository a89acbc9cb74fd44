// Package natsbus implements the rendezvous directory and the pub/sub
// transport over NATS core subjects.
//
// An endpoint is a NATS subject. The publisher broadcasts its feed on the
// endpoint subject, receives follower traffic on "<endpoint>.up", and beats
// on "<endpoint>.hb"; a follower watches the heartbeat and reports the
// publisher lost after a silent window. Discovery is request/reply on
// "<prefix>.dir.<channel>": every announced publisher answers lookups with
// its endpoint.
package natsbus

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"

	"github.com/S0c5/p2p-orderbook/internal/replication"
)

const (
	defaultPrefix     = "p2p.orderbook"
	defaultHeartbeat  = 2 * time.Second
	defaultHBTimeout  = 6 * time.Second
	defaultLookupWait = 500 * time.Millisecond
)

// Connect establishes a NATS connection with unlimited reconnects and logged
// state changes.
func Connect(url string, log zerolog.Logger) (*nats.Conn, error) {
	nc, err := nats.Connect(url,
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			log.Warn().Err(err).Msg("nats disconnected")
		}),
		nats.ReconnectHandler(func(_ *nats.Conn) {
			log.Info().Msg("nats reconnected")
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("nats connect: %w", err)
	}
	return nc, nil
}

// Bus implements replication.Directory and replication.Transport over one
// NATS connection.
type Bus struct {
	nc  *nats.Conn
	log zerolog.Logger

	prefix     string
	hbInterval time.Duration
	hbTimeout  time.Duration
	lookupWait time.Duration

	mu        sync.Mutex
	announces map[string]*nats.Subscription // channel|endpoint -> dir responder
}

var (
	_ replication.Directory = (*Bus)(nil)
	_ replication.Transport = (*Bus)(nil)
)

// Option tweaks Bus timing; defaults suit a LAN deployment.
type Option func(*Bus)

func WithSubjectPrefix(prefix string) Option {
	return func(b *Bus) { b.prefix = prefix }
}

func WithHeartbeat(interval, timeout time.Duration) Option {
	return func(b *Bus) { b.hbInterval = interval; b.hbTimeout = timeout }
}

func WithLookupWait(d time.Duration) Option {
	return func(b *Bus) { b.lookupWait = d }
}

func New(nc *nats.Conn, log zerolog.Logger, opts ...Option) *Bus {
	b := &Bus{
		nc:         nc,
		log:        log,
		prefix:     defaultPrefix,
		hbInterval: defaultHeartbeat,
		hbTimeout:  defaultHBTimeout,
		lookupWait: defaultLookupWait,
		announces:  make(map[string]*nats.Subscription),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

func (b *Bus) dirSubject(channel string) string {
	return fmt.Sprintf("%s.dir.%s", b.prefix, channel)
}

// Announce registers a lookup responder answering with endpoint. Repeated
// announces for the same channel and endpoint refresh nothing: a live
// responder is the registration.
func (b *Bus) Announce(_ context.Context, channel, endpoint string) error {
	key := channel + "|" + endpoint

	b.mu.Lock()
	defer b.mu.Unlock()
	if _, live := b.announces[key]; live {
		return nil
	}

	sub, err := b.nc.Subscribe(b.dirSubject(channel), func(m *nats.Msg) {
		if err := m.Respond([]byte(endpoint)); err != nil {
			b.log.Warn().Err(err).Msg("dir respond failed")
		}
	})
	if err != nil {
		return fmt.Errorf("announce %s: %w", channel, err)
	}
	b.announces[key] = sub
	return nil
}

// Lookup requests the channel's directory subject and returns the first
// answering publisher. No answer within the lookup window is a negative
// result, not an error.
func (b *Bus) Lookup(ctx context.Context, channel string) ([]string, error) {
	reqCtx, cancel := context.WithTimeout(ctx, b.lookupWait)
	defer cancel()

	msg, err := b.nc.RequestWithContext(reqCtx, b.dirSubject(channel), nil)
	switch {
	case err == nil:
		return []string{string(msg.Data)}, nil
	case errors.Is(err, context.DeadlineExceeded),
		errors.Is(err, nats.ErrNoResponders),
		errors.Is(err, nats.ErrTimeout):
		return nil, nil
	default:
		return nil, fmt.Errorf("lookup %s: %w", channel, err)
	}
}

// dropAnnounces removes every directory responder answering with endpoint.
func (b *Bus) dropAnnounces(endpoint string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for key, sub := range b.announces {
		if len(key) > len(endpoint) && key[len(key)-len(endpoint):] == endpoint {
			sub.Unsubscribe()
			delete(b.announces, key)
		}
	}
}

// Listen opens the publisher side: upstream subscription plus heartbeat.
func (b *Bus) Listen(_ context.Context, endpoint string) (replication.Listener, error) {
	l := &listener{bus: b, endpoint: endpoint, quit: make(chan struct{})}

	sub, err := b.nc.Subscribe(endpoint+".up", func(m *nats.Msg) {
		l.handle(m.Data)
	})
	if err != nil {
		return nil, fmt.Errorf("listen %s: %w", endpoint, err)
	}
	l.upSub = sub

	go l.heartbeat()
	return l, nil
}

// Connect opens the follower side: feed and heartbeat subscriptions plus a
// watchdog that reports the publisher lost after a silent window.
func (b *Bus) Connect(_ context.Context, endpoint string) (replication.Conn, error) {
	c := &conn{bus: b, endpoint: endpoint}
	c.watchdog = time.AfterFunc(b.hbTimeout, c.expire)

	feedSub, err := b.nc.Subscribe(endpoint, func(m *nats.Msg) {
		c.watchdog.Reset(b.hbTimeout)
		c.handle(m.Data)
	})
	if err != nil {
		c.watchdog.Stop()
		return nil, fmt.Errorf("connect %s: %w", endpoint, err)
	}
	c.feedSub = feedSub

	hbSub, err := b.nc.Subscribe(endpoint+".hb", func(*nats.Msg) {
		c.watchdog.Reset(b.hbTimeout)
	})
	if err != nil {
		c.watchdog.Stop()
		feedSub.Unsubscribe()
		return nil, fmt.Errorf("connect %s: %w", endpoint, err)
	}
	c.hbSub = hbSub

	return c, nil
}

type listener struct {
	bus      *Bus
	endpoint string
	upSub    *nats.Subscription
	quit     chan struct{}

	mu      sync.Mutex
	handler func([]byte)
	closed  bool
}

func (l *listener) OnMessage(handler func([]byte)) {
	l.mu.Lock()
	l.handler = handler
	l.mu.Unlock()
}

func (l *listener) handle(msg []byte) {
	l.mu.Lock()
	h := l.handler
	l.mu.Unlock()
	if h != nil {
		h(msg)
	}
}

func (l *listener) Publish(msg []byte) error {
	return l.bus.nc.Publish(l.endpoint, msg)
}

func (l *listener) heartbeat() {
	ticker := time.NewTicker(l.bus.hbInterval)
	defer ticker.Stop()
	for {
		select {
		case <-l.quit:
			return
		case <-ticker.C:
			if err := l.bus.nc.Publish(l.endpoint+".hb", []byte{1}); err != nil {
				l.bus.log.Warn().Err(err).Msg("heartbeat publish failed")
			}
		}
	}
}

// Close stops heartbeats, drops the directory responder, and unsubscribes.
// Followers notice through the missed-heartbeat watchdog.
func (l *listener) Close() error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return nil
	}
	l.closed = true
	close(l.quit)
	l.mu.Unlock()

	l.bus.dropAnnounces(l.endpoint)
	return l.upSub.Unsubscribe()
}

type conn struct {
	bus      *Bus
	endpoint string
	feedSub  *nats.Subscription
	hbSub    *nats.Subscription
	watchdog *time.Timer

	mu      sync.Mutex
	handler func([]byte)
	onClose func()
	closed  bool
}

func (c *conn) OnMessage(handler func([]byte)) {
	c.mu.Lock()
	c.handler = handler
	c.mu.Unlock()
}

func (c *conn) OnClose(handler func()) {
	c.mu.Lock()
	c.onClose = handler
	c.mu.Unlock()
}

func (c *conn) handle(msg []byte) {
	c.mu.Lock()
	h := c.handler
	c.mu.Unlock()
	if h != nil {
		h(msg)
	}
}

func (c *conn) Send(msg []byte) error {
	return c.bus.nc.Publish(c.endpoint+".up", msg)
}

// expire fires when no feed traffic or heartbeat arrived for the timeout
// window: the publisher is treated as gone.
func (c *conn) expire() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	cb := c.onClose
	c.mu.Unlock()

	c.feedSub.Unsubscribe()
	c.hbSub.Unsubscribe()
	if cb != nil {
		cb()
	}
}

func (c *conn) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	c.watchdog.Stop()
	c.feedSub.Unsubscribe()
	return c.hbSub.Unsubscribe()
}
