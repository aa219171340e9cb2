package instance

import (
	"sync"

	"github.com/gammazero/deque"

	"github.com/roach88/substrate/internal/ident"
	"github.com/roach88/substrate/internal/protocol"
	"github.com/roach88/substrate/internal/value"
)

// OpKind distinguishes operation kinds.
type OpKind int

const (
	// OpSet is a merge-write plus subscription fan-out.
	OpSet OpKind = iota + 1
	// OpMsg is a protocol message from a peer.
	OpMsg
)

func (k OpKind) String() string {
	switch k {
	case OpSet:
		return "set"
	case OpMsg:
		return "msg"
	default:
		return "unknown"
	}
}

// LocalOrigin marks a Set that did not come from a peer.
const LocalOrigin uint64 = 0

// Operation is one unit of work for the worker.
type Operation struct {
	Kind OpKind

	// Set fields.
	ID     ident.ID
	Value  value.Value
	Origin uint64
	Done   chan<- error // receives the result when non-nil; must be buffered

	// Msg fields.
	Msg  protocol.Message
	From uint64
}

// opQueue is a thread-safe unbounded FIFO of operations.
//
// Producers are any goroutine; the only consumer is the Run loop. The
// signal channel (buffered, size 1) coalesces wakeups so the consumer can
// select on it alongside ctx.Done().
type opQueue struct {
	mu     sync.Mutex
	ops    *deque.Deque[Operation]
	closed bool
	signal chan struct{}
}

func newOpQueue() *opQueue {
	return &opQueue{
		ops:    deque.New[Operation](0, 64),
		signal: make(chan struct{}, 1),
	}
}

// Enqueue adds op to the back of the queue.
// Returns false if the queue is closed.
func (q *opQueue) Enqueue(op Operation) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return false
	}

	q.ops.PushBack(op)
	queueLength.Set(float64(q.ops.Len()))

	select {
	case q.signal <- struct{}{}:
	default:
	}

	return true
}

// TryDequeue removes the front operation without blocking.
func (q *opQueue) TryDequeue() (Operation, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.ops.Len() == 0 {
		return Operation{}, false
	}
	op := q.ops.PopFront()
	queueLength.Set(float64(q.ops.Len()))
	return op, true
}

// Wait returns a channel that signals when operations may be available.
// It is closed by Close.
func (q *opQueue) Wait() <-chan struct{} {
	return q.signal
}

func (q *opQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.ops.Len()
}

// Close stops further enqueues and wakes the consumer. Operations already
// queued are still handed out by TryDequeue.
func (q *opQueue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return
	}
	q.closed = true
	close(q.signal)
}
