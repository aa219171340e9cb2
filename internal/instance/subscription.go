package instance

import (
	"context"
	"sync"

	"github.com/eapache/channels"

	"github.com/roach88/substrate/internal/ident"
	"github.com/roach88/substrate/internal/protocol"
	"github.com/roach88/substrate/internal/value"
)

// SubKind tags a Subscription.
type SubKind int

const (
	// SubPeer forwards updates to a connection as UPDATE messages.
	SubPeer SubKind = iota + 1
	// SubChannel sends updates on a Go channel through an unbounded buffer.
	SubChannel
	// SubCallback invokes a function on the worker goroutine.
	SubCallback
)

func (k SubKind) String() string {
	switch k {
	case SubPeer:
		return "peer"
	case SubChannel:
		return "channel"
	case SubCallback:
		return "callback"
	default:
		return "unknown"
	}
}

// Update is one change notification: the full value now visible at the
// subscribed identifier.
type Update struct {
	ID    ident.ID
	Value value.Value
}

// Subscription is a notification sink. Construct with Peer, Channel or
// Callback.
type Subscription struct {
	Kind SubKind

	Conn uint64 // SubPeer

	C    chan<- Update   // SubChannel
	Done <-chan struct{} // SubChannel; optional

	Func func(Update) // SubCallback
}

// Peer subscribes a connection.
func Peer(connID uint64) Subscription {
	return Subscription{Kind: SubPeer, Conn: connID}
}

// Channel subscribes a channel. Updates are buffered without bound and
// forwarded to c in order, so a slow reader misses nothing. Once done is
// closed, pending updates are discarded and the subscription is pruned.
func Channel(c chan<- Update, done <-chan struct{}) Subscription {
	return Subscription{Kind: SubChannel, C: c, Done: done}
}

// Callback subscribes fn. fn runs on the worker and must return quickly
// without calling back into blocking instance APIs.
func Callback(fn func(Update)) Subscription {
	return Subscription{Kind: SubCallback, Func: fn}
}

type subRecord struct {
	id   ident.ID
	sub  Subscription
	pump *pump // SubChannel
}

// pump forwards a channel subscription's updates from an unbounded
// buffer to the subscriber, keeping the worker from blocking on it.
type pump struct {
	buf *channels.InfiniteChannel

	mu     sync.Mutex
	closed bool
	stop   chan struct{}
}

func startPump(c chan<- Update, done <-chan struct{}) *pump {
	p := &pump{buf: channels.NewInfiniteChannel(), stop: make(chan struct{})}
	go p.run(c, done)
	return p
}

func (p *pump) run(c chan<- Update, done <-chan struct{}) {
	defer p.discard()
	for v := range p.buf.Out() {
		select {
		case c <- v.(Update):
		case <-done:
			return
		case <-p.stop:
			return
		}
	}
}

// send buffers u. It reports false once the pump has been stopped.
func (p *pump) send(u Update) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return false
	}
	p.buf.In() <- u
	return true
}

// close stops forwarding. Updates not yet handed to the subscriber are
// dropped.
func (p *pump) close() {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return
	}
	p.closed = true
	close(p.stop)
	p.buf.Close()
}

// discard closes the buffer and empties it so its goroutine can exit.
func (p *pump) discard() {
	p.close()
	for range p.buf.Out() {
	}
}

// Sub registers s for changes at id. Changes at ancestors and
// descendants of id are reported too. Duplicates are not suppressed.
//
// s receives every update from Set operations enqueued after Sub returns.
func (i *Instance) Sub(id ident.ID, s Subscription) {
	id = i.normalize(id)

	r := subRecord{id: id, sub: s}
	if s.Kind == SubChannel {
		r.pump = startPump(s.C, s.Done)
	}

	i.subsMu.Lock()
	defer i.subsMu.Unlock()
	i.subs = append(i.subs, r)
}

// SubRemote subscribes locally to id and asks the owning peer to send
// GIVE followed by UPDATEs. For a local namespace it is just Sub.
func (i *Instance) SubRemote(id ident.ID, s Subscription) error {
	id = i.normalize(id)
	i.Sub(id, s)

	conn, remote := i.routeOf(id)
	if !remote {
		return nil
	}
	return conn.send(protocol.GetSub(id))
}

// matchingSubs returns the records whose identifier is related to id,
// in registration order.
func (i *Instance) matchingSubs(id ident.ID) []subRecord {
	i.subsMu.Lock()
	defer i.subsMu.Unlock()

	var out []subRecord
	for _, r := range i.subs {
		if r.id.Related(id) {
			out = append(out, r)
		}
	}
	return out
}

// fanOut notifies every subscription related to id except the origin
// peer. Each subscription is notified once with the value at its own
// identifier.
func (i *Instance) fanOut(ctx context.Context, id ident.ID, origin uint64) {
	var dead []subRecord

	for _, r := range i.matchingSubs(id) {
		if r.sub.Kind == SubPeer && origin != LocalOrigin && r.sub.Conn == origin {
			continue
		}

		v, err := i.read(ctx, r.id)
		if err != nil {
			i.logger.Warn("subscription read failed", "id", r.id.String(), "error", err)
			notifications.WithLabelValues("dropped").Inc()
			continue
		}

		if i.deliver(r, Update{ID: r.id, Value: v}) {
			notifications.WithLabelValues("delivered").Inc()
			continue
		}
		notifications.WithLabelValues("dropped").Inc()
		if i.unreachable(r.sub) {
			dead = append(dead, r)
		}
	}

	if len(dead) > 0 {
		i.prune(func(r subRecord) bool {
			for _, d := range dead {
				if sameSub(r, d) {
					return true
				}
			}
			return false
		})
	}
}

// deliver hands u to the sink and reports whether it was accepted.
func (i *Instance) deliver(r subRecord, u Update) bool {
	switch r.sub.Kind {
	case SubPeer:
		conn, ok := i.connection(r.sub.Conn)
		if !ok {
			return false
		}
		return conn.send(protocol.Update(u.ID, u.Value)) == nil

	case SubChannel:
		if r.sub.Done != nil {
			select {
			case <-r.sub.Done:
				return false
			default:
			}
		}
		return r.pump.send(u)

	case SubCallback:
		r.sub.Func(u)
		return true

	default:
		i.logger.Error("unknown subscription kind", "kind", int(r.sub.Kind))
		return false
	}
}

// unreachable reports whether a subscription can never be delivered to
// again.
func (i *Instance) unreachable(s Subscription) bool {
	switch s.Kind {
	case SubPeer:
		_, ok := i.connection(s.Conn)
		return !ok
	case SubChannel:
		if s.Done == nil {
			return false
		}
		select {
		case <-s.Done:
			return true
		default:
			return false
		}
	default:
		return false
	}
}

// prune removes every subscription record matching drop, keeping the
// order of the rest.
func (i *Instance) prune(drop func(subRecord) bool) {
	i.subsMu.Lock()
	defer i.subsMu.Unlock()

	kept := i.subs[:0]
	for _, r := range i.subs {
		if !drop(r) {
			kept = append(kept, r)
			continue
		}
		if r.pump != nil {
			r.pump.close()
		}
	}
	// Clear the tail so dropped records can be collected.
	clear(i.subs[len(kept):])
	i.subs = kept
}

// SubCount returns the number of registered subscriptions.
func (i *Instance) SubCount() int {
	i.subsMu.Lock()
	defer i.subsMu.Unlock()
	return len(i.subs)
}

func sameSub(a, b subRecord) bool {
	if !a.id.Equal(b.id) || a.sub.Kind != b.sub.Kind {
		return false
	}
	switch a.sub.Kind {
	case SubPeer:
		return a.sub.Conn == b.sub.Conn
	case SubChannel:
		return a.sub.C == b.sub.C && a.sub.Done == b.sub.Done
	default:
		return false
	}
}
