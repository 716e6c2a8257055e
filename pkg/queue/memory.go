package queue

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// MemQueue is an in-process Queue for dev mode and tests.
type MemQueue struct {
	// items is buffered generously; dev workloads never approach the cap.
	items chan []byte

	mu     sync.Mutex // guards parked
	parked []DeadLetter
}

func NewMemQueue() *MemQueue {
	return &MemQueue{items: make(chan []byte, 4096)}
}

func (q *MemQueue) Enqueue(ctx context.Context, env Envelope) error {
	payload, err := env.Encode()
	if err != nil {
		return err
	}
	select {
	case q.items <- payload:
		return nil
	default:
		return fmt.Errorf("queue: memory queue full")
	}
}

// EnqueueRaw bypasses envelope validation so tests can inject malformed
// payloads the way a misbehaving producer would.
func (q *MemQueue) EnqueueRaw(payload []byte) error {
	select {
	case q.items <- payload:
		return nil
	default:
		return fmt.Errorf("queue: memory queue full")
	}
}

func (q *MemQueue) Take(ctx context.Context, timeout time.Duration) ([]byte, bool, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case payload := <-q.items:
		return payload, true, nil
	case <-timer.C:
		return nil, false, nil
	case <-ctx.Done():
		return nil, false, ctx.Err()
	}
}

func (q *MemQueue) Length(ctx context.Context) (int64, error) {
	return int64(len(q.items)), nil
}

func (q *MemQueue) Park(ctx context.Context, payload []byte, reason string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.parked = append(q.parked, DeadLetter{
		Payload:  string(payload),
		Reason:   reason,
		FailedAt: time.Now().UTC(),
	})
	return nil
}

// DeadLetters returns a copy of the parked payloads.
func (q *MemQueue) DeadLetters() []DeadLetter {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]DeadLetter, len(q.parked))
	copy(out, q.parked)
	return out
}
