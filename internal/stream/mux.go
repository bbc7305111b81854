package stream

import (
	"context"
	"sync"
	"time"

	"crossquery.app/conductor/internal/oerr"
)

// DefaultBuffer is the per-request event buffer. A slow consumer fills
// it and producers block, which is the backpressure mechanism: the
// pipeline slows to the consumer's pace instead of buffering unbounded.
const DefaultBuffer = 64

// Mux is the single ordered event channel for one request. Producers
// share it; exactly one consumer drains Events(). Sends are serialized
// under a mutex so event order matches emit order, and the terminal
// complete event is guaranteed to be last.
type Mux struct {
	sessionID string
	ch        chan Event
	mu        sync.Mutex
	closed    bool
}

func NewMux(sessionID string, buffer int) *Mux {
	if buffer <= 0 {
		buffer = DefaultBuffer
	}
	return &Mux{sessionID: sessionID, ch: make(chan Event, buffer)}
}

// Events is the consumer side. The channel closes after the complete
// event has been delivered.
func (m *Mux) Events() <-chan Event {
	return m.ch
}

// Emit queues an event, blocking while the buffer is full. Emitting
// after Complete is a no-op: late producers (a worker finishing during
// the cancellation grace period) must not reopen a finished stream.
func (m *Mux) Emit(ctx context.Context, t EventType, data D) error {
	if t == EventComplete {
		return oerr.Newf(oerr.KindUnknown, "complete must be sent via Complete")
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil
	}

	select {
	case m.ch <- Event{Type: t, SessionID: m.sessionID, At: time.Now(), Data: data}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Complete sends the terminal event and closes the stream. Safe to call
// more than once; only the first call emits.
func (m *Mux) Complete(data D) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return
	}
	m.closed = true
	m.ch <- Event{Type: EventComplete, SessionID: m.sessionID, At: time.Now(), Data: data}
	close(m.ch)
}
