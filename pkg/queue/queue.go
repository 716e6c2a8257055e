// Package queue carries protection work from the gateway to the worker over
// a Redis list, with a dead-letter list for payloads that can never be
// processed.
package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

// Envelope is the wire format of one queued protection job. OriginalKey
// travels under the wire name storage_key.
type Envelope struct {
	ImageID     string `json:"image_id"`
	OriginalKey string `json:"storage_key"`
}

// Encode renders the envelope as queue payload bytes.
func (e Envelope) Encode() ([]byte, error) {
	if e.ImageID == "" || e.OriginalKey == "" {
		return nil, fmt.Errorf("queue: envelope requires image_id and storage_key")
	}
	return json.Marshal(e)
}

// DecodeEnvelope parses payload bytes. Payloads that do not carry both
// fields are malformed; the caller routes them to the dead-letter list.
func DecodeEnvelope(data []byte) (Envelope, error) {
	var e Envelope
	if err := json.Unmarshal(data, &e); err != nil {
		return Envelope{}, fmt.Errorf("queue: malformed envelope: %w", err)
	}
	if e.ImageID == "" {
		return Envelope{}, fmt.Errorf("queue: envelope missing image_id")
	}
	if e.OriginalKey == "" {
		return Envelope{}, fmt.Errorf("queue: envelope missing storage_key")
	}
	return e, nil
}

// DeadLetter wraps an unprocessable payload with the reason it was parked.
type DeadLetter struct {
	Payload  string    `json:"payload"`
	Reason   string    `json:"reason"`
	FailedAt time.Time `json:"failed_at"`
}

// Queue is the at-least-once work channel between gateway and workers.
// Consumers must tolerate redelivery of an envelope they already handled.
type Queue interface {
	Enqueue(ctx context.Context, env Envelope) error
	// Take blocks up to timeout for the next payload. ok is false when the
	// window elapsed with nothing to do, so callers can poll a shutdown
	// flag between waits.
	Take(ctx context.Context, timeout time.Duration) (payload []byte, ok bool, err error)
	Length(ctx context.Context) (int64, error)
	// Park moves an unprocessable payload to the dead-letter list. Parked
	// payloads are never silently dropped.
	Park(ctx context.Context, payload []byte, reason string) error
}
