package maginet

import (
	"encoding/json"
	"fmt"
	"time"
)

const ProtocolVersion = 1

// reserved envelope types. Everything else routes through the event bus.
const (
	MsgTypeChannelPatch    = "sync:channel-patch"
	MsgTypeChannelSnapshot = "sync:channel-snapshot"
	MsgTypePeerSync        = "peer-sync"
	MsgTypePeerConnected   = "peer-connected"
)

// stamped by the client at send time, never by the caller
type EnvelopeMeta struct {
	Version   int    `json:"version,omitempty"`
	RoomId    string `json:"roomId,omitempty"`
	From      PeerId `json:"from,omitempty"`
	MessageId Id     `json:"msgId"`
	SentAt    int64  `json:"ts,omitempty"`
	RoomToken string `json:"roomToken,omitempty"`
}

// the wire message shape. `Type` and `Payload` are always present,
// payload may be any structured value including null.
// An envelope is created fresh per send and never mutated after creation.
type Envelope struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
	Meta    *EnvelopeMeta   `json:"meta,omitempty"`
}

func NewEnvelope(messageType string, payload any) (*Envelope, error) {
	payloadJson, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return &Envelope{
		Type:    messageType,
		Payload: payloadJson,
	}, nil
}

func RequireEnvelope(messageType string, payload any) *Envelope {
	envelope, err := NewEnvelope(messageType, payload)
	if err != nil {
		panic(err)
	}
	return envelope
}

// a value is a valid envelope iff it has a string type and a payload key
// (explicit null payload is valid, a missing payload key is not)
func (self *Envelope) Validate() error {
	if self.Type == "" {
		return fmt.Errorf("envelope missing type")
	}
	if self.Payload == nil {
		return fmt.Errorf("envelope missing payload")
	}
	return nil
}

func (self *Envelope) DecodePayload(out any) error {
	return json.Unmarshal(self.Payload, out)
}

func (self *Envelope) Encode() ([]byte, error) {
	return json.Marshal(self)
}

// transports call this at the receive boundary. Malformed inbound data is
// rejected here and reported via the transport error callback,
// never raised into application handlers.
func DecodeEnvelope(b []byte) (*Envelope, error) {
	envelope := &Envelope{}
	if err := json.Unmarshal(b, envelope); err != nil {
		return nil, fmt.Errorf("malformed envelope: %w", err)
	}
	if err := envelope.Validate(); err != nil {
		return nil, fmt.Errorf("malformed envelope: %w", err)
	}
	return envelope, nil
}

// returns a copy with meta stamped. The original is left untouched since
// envelopes are immutable after creation.
func stampEnvelope(envelope *Envelope, version int, roomId string, from PeerId, roomToken string) *Envelope {
	stamped := &Envelope{
		Type:    envelope.Type,
		Payload: envelope.Payload,
		Meta: &EnvelopeMeta{
			Version:   version,
			RoomId:    roomId,
			From:      from,
			MessageId: NewId(),
			SentAt:    time.Now().UnixMilli(),
			RoomToken: roomToken,
		},
	}
	return stamped
}
