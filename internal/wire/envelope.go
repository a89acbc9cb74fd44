// Package wire defines the JSON messages exchanged between peers. Decimal
// fields encode as quoted decimal strings, so a record serializes to the
// same bytes on every node.
package wire

import (
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
)

// Cmd is the envelope discriminator.
type Cmd string

const (
	// CmdOrder propagates one order to the cluster.
	CmdOrder Cmd = "ORDER"
	// CmdReqSync asks the publisher for a full snapshot.
	CmdReqSync Cmd = "REQ_SYNC"
	// CmdSync carries the snapshot response.
	CmdSync Cmd = "SYNC"
)

// Envelope wraps every peer message. ReqID is unique per message and is the
// key for flood deduplication; From identifies the originating node.
type Envelope struct {
	Cmd   Cmd             `json:"cmd"`
	Args  json.RawMessage `json:"args"`
	From  string          `json:"from"`
	ReqID string          `json:"req_id"`
}

// OrderArgs is the payload of an ORDER message.
type OrderArgs struct {
	Order OrderRecord `json:"order"`
}

// SyncReqArgs is the (empty) payload of a REQ_SYNC message.
type SyncReqArgs struct{}

// SyncArgs is the payload of a SYNC message: the publisher's full export.
type SyncArgs struct {
	Orders []OrderRecord `json:"orders"`
}

// NewEnvelope marshals args and assigns a fresh ReqID.
func NewEnvelope(cmd Cmd, args interface{}, from string) (Envelope, error) {
	raw, err := json.Marshal(args)
	if err != nil {
		return Envelope{}, fmt.Errorf("marshal %s args: %w", cmd, err)
	}
	return Envelope{
		Cmd:   cmd,
		Args:  raw,
		From:  from,
		ReqID: uuid.NewString(),
	}, nil
}

// Encode serializes the envelope for the transport.
func (e Envelope) Encode() ([]byte, error) {
	data, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("encode envelope: %w", err)
	}
	return data, nil
}

// Decode parses a raw transport message into an envelope.
func Decode(data []byte) (Envelope, error) {
	var e Envelope
	if err := json.Unmarshal(data, &e); err != nil {
		return Envelope{}, fmt.Errorf("decode envelope: %w", err)
	}
	return e, nil
}

// DecodeArgs parses the envelope payload into the cmd-specific args type.
func (e Envelope) DecodeArgs(into interface{}) error {
	if err := json.Unmarshal(e.Args, into); err != nil {
		return fmt.Errorf("decode %s args: %w", e.Cmd, err)
	}
	return nil
}
