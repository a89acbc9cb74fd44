// Package replication turns a local book registry into a replicated cluster
// node: it discovers a publishing peer through a rendezvous directory, floods
// order events over a star topology rooted at the publisher, deduplicates
// redundant delivery, and resynchronizes late joiners with a snapshot replay.
//
// The package owns only the protocol. Directory and Transport are contracts
// implemented elsewhere (NATS in transport/natsbus, in-process in
// transport/membus).
package replication

import "context"

// Directory is the rendezvous service peers use to find the current
// publisher of a channel.
type Directory interface {
	// Announce registers endpoint as a publisher of channel. Publishers
	// call it on a fixed cadence; repeated calls refresh the registration.
	Announce(ctx context.Context, channel, endpoint string) error

	// Lookup returns the endpoints currently announced for channel. An
	// empty result is a negative answer, not an error.
	Lookup(ctx context.Context, channel string) ([]string, error)
}

// Transport opens the pub/sub legs of the star topology.
type Transport interface {
	// Listen opens the publisher side of endpoint.
	Listen(ctx context.Context, endpoint string) (Listener, error)

	// Connect opens a subscriber connection to a publisher's endpoint.
	Connect(ctx context.Context, endpoint string) (Conn, error)
}

// Listener is the publisher's side: it broadcasts to every subscriber and
// receives the messages followers send upstream.
type Listener interface {
	// Publish broadcasts msg to all current subscribers.
	Publish(msg []byte) error

	// OnMessage registers the handler for messages sent by subscribers.
	// It must be called once, before any message can arrive.
	OnMessage(handler func(msg []byte))

	Close() error
}

// Conn is a follower's connection to the publisher.
type Conn interface {
	// Send delivers msg upstream to the publisher.
	Send(msg []byte) error

	// OnMessage registers the handler for broadcast messages.
	OnMessage(handler func(msg []byte))

	// OnClose registers the handler invoked when the connection to the
	// publisher is lost. It is not invoked after a local Close.
	OnClose(handler func())

	Close() error
}
