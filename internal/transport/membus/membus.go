// Package membus is an in-process rendezvous directory and pub/sub transport.
// It exists for single-process clusters: tests spin up several nodes against
// one Bus and exercise the full replication protocol without a network.
package membus

import (
	"context"
	"errors"
	"sync"

	"github.com/S0c5/p2p-orderbook/internal/replication"
)

var ErrNoListener = errors.New("membus: no listener at endpoint")

const inboxSize = 1024

// Bus is a process-local directory plus transport. It implements both
// replication.Directory and replication.Transport.
type Bus struct {
	mu        sync.Mutex
	listeners map[string]*listener
	channels  map[string][]string // channel -> endpoints, announce order
}

var (
	_ replication.Directory = (*Bus)(nil)
	_ replication.Transport = (*Bus)(nil)
)

func New() *Bus {
	return &Bus{
		listeners: make(map[string]*listener),
		channels:  make(map[string][]string),
	}
}

// Announce registers endpoint under channel. Repeated announces are no-ops.
func (b *Bus) Announce(_ context.Context, channel, endpoint string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, ep := range b.channels[channel] {
		if ep == endpoint {
			return nil
		}
	}
	b.channels[channel] = append(b.channels[channel], endpoint)
	return nil
}

// Lookup returns announced endpoints whose listeners are still open, in
// announce order. Stale announcements of closed listeners are filtered out.
func (b *Bus) Lookup(_ context.Context, channel string) ([]string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []string
	for _, ep := range b.channels[channel] {
		if _, open := b.listeners[ep]; open {
			out = append(out, ep)
		}
	}
	return out, nil
}

// Listen opens the publisher side of endpoint.
func (b *Bus) Listen(_ context.Context, endpoint string) (replication.Listener, error) {
	l := &listener{
		bus:      b,
		endpoint: endpoint,
		conns:    make(map[*conn]struct{}),
		inbox:    make(chan []byte, inboxSize),
		quit:     make(chan struct{}),
	}
	l.cond = sync.NewCond(&l.mu)

	b.mu.Lock()
	b.listeners[endpoint] = l
	b.mu.Unlock()

	go l.pump()
	return l, nil
}

// Connect opens a subscriber connection to the listener at endpoint.
func (b *Bus) Connect(_ context.Context, endpoint string) (replication.Conn, error) {
	b.mu.Lock()
	l, ok := b.listeners[endpoint]
	b.mu.Unlock()
	if !ok {
		return nil, ErrNoListener
	}

	c := &conn{
		ln:    l,
		inbox: make(chan []byte, inboxSize),
		quit:  make(chan struct{}),
	}
	c.cond = sync.NewCond(&c.mu)

	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return nil, ErrNoListener
	}
	l.conns[c] = struct{}{}
	l.mu.Unlock()

	go c.pump()
	return c, nil
}

// listener is the publisher half of a membus endpoint.
type listener struct {
	bus      *Bus
	endpoint string

	mu      sync.Mutex
	cond    *sync.Cond
	handler func([]byte)
	conns   map[*conn]struct{}
	closed  bool

	inbox chan []byte
	quit  chan struct{}
}

func (l *listener) OnMessage(handler func([]byte)) {
	l.mu.Lock()
	l.handler = handler
	l.cond.Broadcast()
	l.mu.Unlock()
}

// Publish broadcasts to every subscriber. Delivery order is preserved per
// subscriber by its pump goroutine.
func (l *listener) Publish(msg []byte) error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return ErrNoListener
	}
	conns := make([]*conn, 0, len(l.conns))
	for c := range l.conns {
		conns = append(conns, c)
	}
	l.mu.Unlock()

	for _, c := range conns {
		c.deliver(msg)
	}
	return nil
}

// deliver queues an upstream message from a subscriber.
func (l *listener) deliver(msg []byte) error {
	l.mu.Lock()
	closed := l.closed
	l.mu.Unlock()
	if closed {
		return ErrNoListener
	}
	select {
	case l.inbox <- msg:
		return nil
	case <-l.quit:
		return ErrNoListener
	}
}

func (l *listener) pump() {
	for {
		select {
		case <-l.quit:
			return
		case msg := <-l.inbox:
			h := l.waitHandler()
			if h == nil {
				return
			}
			h(msg)
		}
	}
}

func (l *listener) waitHandler() func([]byte) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for l.handler == nil && !l.closed {
		l.cond.Wait()
	}
	if l.closed {
		return nil
	}
	return l.handler
}

// Close shuts the endpoint down and severs every subscriber, firing their
// OnClose handlers. Subsequent lookups no longer return the endpoint.
func (l *listener) Close() error {
	l.bus.mu.Lock()
	delete(l.bus.listeners, l.endpoint)
	l.bus.mu.Unlock()

	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return nil
	}
	l.closed = true
	conns := make([]*conn, 0, len(l.conns))
	for c := range l.conns {
		conns = append(conns, c)
	}
	l.conns = make(map[*conn]struct{})
	l.cond.Broadcast()
	close(l.quit)
	l.mu.Unlock()

	for _, c := range conns {
		go c.closeByPeer()
	}
	return nil
}

func (l *listener) detach(c *conn) {
	l.mu.Lock()
	delete(l.conns, c)
	l.mu.Unlock()
}

// conn is the subscriber half of a membus connection.
type conn struct {
	ln *listener

	mu      sync.Mutex
	cond    *sync.Cond
	handler func([]byte)
	onClose func()
	closed  bool

	inbox chan []byte
	quit  chan struct{}
}

func (c *conn) OnMessage(handler func([]byte)) {
	c.mu.Lock()
	c.handler = handler
	c.cond.Broadcast()
	c.mu.Unlock()
}

func (c *conn) OnClose(handler func()) {
	c.mu.Lock()
	c.onClose = handler
	c.mu.Unlock()
}

// Send delivers upstream to the publisher.
func (c *conn) Send(msg []byte) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrNoListener
	}
	ln := c.ln
	c.mu.Unlock()
	return ln.deliver(msg)
}

// deliver queues a broadcast message from the publisher.
func (c *conn) deliver(msg []byte) {
	select {
	case c.inbox <- msg:
	case <-c.quit:
	}
}

func (c *conn) pump() {
	for {
		select {
		case <-c.quit:
			return
		case msg := <-c.inbox:
			h := c.waitHandler()
			if h == nil {
				return
			}
			h(msg)
		}
	}
}

func (c *conn) waitHandler() func([]byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for c.handler == nil && !c.closed {
		c.cond.Wait()
	}
	if c.closed {
		return nil
	}
	return c.handler
}

// closeByPeer is invoked when the listener goes away: it fires the OnClose
// handler so the protocol can fail over.
func (c *conn) closeByPeer() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	cb := c.onClose
	c.cond.Broadcast()
	close(c.quit)
	c.mu.Unlock()

	if cb != nil {
		cb()
	}
}

// Close severs the connection locally without firing OnClose.
func (c *conn) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.cond.Broadcast()
	close(c.quit)
	ln := c.ln
	c.mu.Unlock()

	ln.detach(c)
	return nil
}
