package server

import (
	"errors"
	"sync"

	"github.com/zot/livequery/internal/observable"
)

// Backpressure policies.
const (
	PolicyCoalesce   = "coalesce"
	PolicyDisconnect = "disconnect"
)

// overflowFactor bounds how far frames that cannot be coalesced may run past
// the buffer size.
const overflowFactor = 4

var (
	// ErrOverflow means the connection fell too far behind and must close.
	ErrOverflow = errors.New("outbound queue overflow")
	// ErrQueueClosed is returned by Push after Close.
	ErrQueueClosed = errors.New("outbound queue closed")
)

// Outbound is the bounded queue of encoded frames waiting for one
// connection's writer. Push never blocks.
type Outbound struct {
	mu        sync.Mutex
	frames    []observable.Frame
	limit     int
	policy    string
	ready     chan struct{}
	done      chan struct{}
	closed    bool
	coalesced int
}

// NewOutbound creates a queue holding limit frames before policy applies.
func NewOutbound(limit int, policy string) *Outbound {
	if limit < 1 {
		limit = 1
	}
	if policy == "" {
		policy = PolicyCoalesce
	}
	return &Outbound{
		limit:  limit,
		policy: policy,
		ready:  make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
}

// Push queues f. ErrOverflow tells the caller to close the connection.
func (q *Outbound) Push(f observable.Frame) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return ErrQueueClosed
	}
	if len(q.frames) >= q.limit {
		if q.policy == PolicyDisconnect {
			return ErrOverflow
		}
		if f.Coalesce {
			f = q.coalesce(f)
		}
		if len(q.frames) >= q.limit*overflowFactor {
			return ErrOverflow
		}
	}
	q.frames = append(q.frames, f)
	select {
	case q.ready <- struct{}{}:
	default:
	}
	return nil
}

// coalesce drops every queued value or diff frame of f's observable and
// turns f into a full value, so the client never sees a patch against a
// base it skipped.
func (q *Outbound) coalesce(f observable.Frame) observable.Frame {
	kept := q.frames[:0]
	for _, queued := range q.frames {
		if queued.Coalesce && queued.Observable == f.Observable {
			q.coalesced++
			continue
		}
		kept = append(kept, queued)
	}
	for i := len(kept); i < len(q.frames); i++ {
		q.frames[i] = observable.Frame{}
	}
	q.frames = kept
	f.Data = f.Full
	return f
}

// Drain removes and returns the queued frame bytes in order.
func (q *Outbound) Drain() [][]byte {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.frames) == 0 {
		return nil
	}
	out := make([][]byte, len(q.frames))
	for i, f := range q.frames {
		out[i] = f.Data
	}
	q.frames = nil
	return out
}

// Ready is signalled when frames are waiting.
func (q *Outbound) Ready() <-chan struct{} {
	return q.ready
}

// Done is closed by Close.
func (q *Outbound) Done() <-chan struct{} {
	return q.done
}

// Close discards the queue; later pushes fail.
func (q *Outbound) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.closed = true
	q.frames = nil
	close(q.done)
}

// Len returns the number of queued frames.
func (q *Outbound) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.frames)
}

// Coalesced returns how many frames were replaced by full values.
func (q *Outbound) Coalesced() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.coalesced
}
