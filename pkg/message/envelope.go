package message

import (
	"encoding/json"
	"errors"
	"time"
)

// ErrEmptyEnvelope is returned when decoding an empty payload.
var ErrEmptyEnvelope = errors.New("envelope payload cannot be empty")

// Envelope is the minimal wire frame exchanged over a transport. It carries
// only what delivery reliability needs: an idempotent message identity, the
// payload, and an optional acknowledgment reference. Everything else about
// the wire format belongs to the transport provider.
type Envelope struct {
	ID        string    `json:"id"`
	SessionID string    `json:"sessionId,omitempty"`
	Sender    string    `json:"sender"`
	Kind      Kind      `json:"kind"`
	Payload   []byte    `json:"payload,omitempty"`
	AckFor    string    `json:"ackFor,omitempty"`
	SentAt    time.Time `json:"sentAt"`
}

// IsAck reports whether the envelope acknowledges another message.
func (e *Envelope) IsAck() bool {
	return e.AckFor != ""
}

// Encode serializes the envelope for transport.
func (e *Envelope) Encode() ([]byte, error) {
	return json.Marshal(e)
}

// DecodeEnvelope parses an envelope received from a transport.
func DecodeEnvelope(data []byte) (*Envelope, error) {
	if len(data) == 0 {
		return nil, ErrEmptyEnvelope
	}
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, err
	}
	return &env, nil
}
