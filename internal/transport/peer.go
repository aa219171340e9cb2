package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/roach88/substrate/internal/fault"
	"github.com/roach88/substrate/internal/instance"
	"github.com/roach88/substrate/internal/protocol"
)

const (
	// writeTimeout bounds a single message write.
	writeTimeout = 5 * time.Second
	// drainTimeout bounds how long Close waits for queued messages to go out.
	drainTimeout = 5 * time.Second
)

// state is the connection state.
type state uint8

const (
	stateOpening state = iota
	stateActive
	stateClosing
	stateClosed
)

func (s state) String() string {
	switch s {
	case stateOpening:
		return "opening"
	case stateActive:
		return "active"
	case stateClosing:
		return "closing"
	case stateClosed:
		return "closed"
	default:
		return fmt.Sprintf("[malformed: %d]", s)
	}
}

// validStateTransitions are allowed connection state transitions.
var validStateTransitions = map[state][]state{
	stateOpening: {
		stateActive,
	},
	stateActive: {
		stateClosing,
	},
	stateClosing: {
		stateClosed,
	},
	// No transitions from Closed state.
	stateClosed: {},
}

// framer moves whole frames over one underlying connection.
type framer interface {
	ReadFrame() ([]byte, error)
	WriteMessage(protocol.Message) error
	SetWriteDeadline(t time.Time) error
	Close() error
}

// Peer binds a framed connection to an instance connection: decoded
// frames go to GotMsg, the connection's outbox is written back out.
type Peer struct {
	mu    sync.Mutex
	state state

	inst   *instance.Instance
	conn   *instance.Conn
	framer framer
	kind   string

	closeFramer sync.Once
	outDone     chan struct{}
	done        chan struct{}
	quitWg      sync.WaitGroup

	logger *slog.Logger
}

func attach(inst *instance.Instance, f framer, kind string, o *options) *Peer {
	initMetrics()

	p := &Peer{
		state:   stateOpening,
		inst:    inst,
		conn:    inst.NewConnection(),
		framer:  f,
		kind:    kind,
		outDone: make(chan struct{}),
		done:    make(chan struct{}),
	}
	p.logger = o.logger.With("component", "transport", "transport", kind, "conn", p.conn.ID())

	// Active before the workers start, so a worker that fails at once
	// still finds a closable peer.
	p.mu.Lock()
	p.setStateLocked(stateActive)
	p.mu.Unlock()

	p.quitWg.Add(2)
	go func() {
		defer p.quitWg.Done()
		p.workerIncoming()
	}()
	go func() {
		defer p.quitWg.Done()
		p.workerOutgoing()
	}()

	peersActive.WithLabelValues(kind).Inc()
	p.logger.Debug("peer attached")

	if o.advertise {
		if err := inst.AdvertiseNamespace(p.conn.ID()); err != nil {
			p.logger.Warn("failed to advertise namespace", "err", err)
		}
	}
	return p
}

// ID returns the instance connection id.
func (p *Peer) ID() uint64 {
	return p.conn.ID()
}

// Done is closed once the peer is fully shut down.
func (p *Peer) Done() <-chan struct{} {
	return p.done
}

func (p *Peer) setStateLocked(s state) {
	// Validate state transition.
	dests := validStateTransitions[p.state]

	var valid bool
	for _, dest := range dests {
		if dest == s {
			valid = true
			break
		}
	}

	if !valid {
		panic(fmt.Sprintf("invalid state transition: %s -> %s", p.state, s))
	}

	p.state = s
}

// Close unregisters the connection, waits for queued messages to be
// written and closes the underlying connection.
func (p *Peer) Close() {
	p.beginClose()
	p.waitDrained()
	p.shutdownFramer()
	<-p.done
	p.quitWg.Wait()
}

// beginClose moves an active peer to closing and unregisters it, which
// closes its outbox.
func (p *Peer) beginClose() {
	p.mu.Lock()
	if p.state != stateActive {
		p.mu.Unlock()
		return
	}
	p.setStateLocked(stateClosing)
	p.mu.Unlock()

	p.inst.RemoveConnection(p.conn.ID())
}

func (p *Peer) waitDrained() {
	select {
	case <-p.outDone:
	case <-time.After(drainTimeout):
		p.logger.Warn("timed out draining outbox", "pending", p.conn.Pending())
	}
}

func (p *Peer) shutdownFramer() {
	p.closeFramer.Do(func() {
		if err := p.framer.Close(); err != nil {
			p.logger.Debug("error while closing connection", "err", err)
		}
	})
}

func (p *Peer) workerIncoming() {
	defer func() {
		p.beginClose()
		p.waitDrained()
		p.shutdownFramer()

		p.mu.Lock()
		p.setStateLocked(stateClosed)
		p.mu.Unlock()

		peersActive.WithLabelValues(p.kind).Dec()
		p.logger.Debug("peer closed")
		close(p.done)
	}()

	for {
		frame, err := p.framer.ReadFrame()
		if err != nil {
			if !isClosed(err) {
				p.logger.Error("error while receiving message", "err", err)
			}
			return
		}
		messagesTotal.WithLabelValues(p.kind, "in").Inc()

		msg, err := protocol.Unmarshal(frame)
		if err != nil {
			decodeFailures.WithLabelValues(p.kind).Inc()
			p.logger.Warn("dropping malformed message", "err", err)
			continue
		}
		if err := p.inst.GotMsg(p.conn.ID(), msg); err != nil {
			p.logger.Debug("instance no longer accepting messages", "err", err)
			return
		}
	}
}

func (p *Peer) workerOutgoing() {
	defer close(p.outDone)

	for {
		msg, ok := p.conn.Next(context.Background())
		if !ok {
			// Connection has been unregistered and the outbox drained.
			return
		}

		if err := p.framer.SetWriteDeadline(time.Now().Add(writeTimeout)); err != nil {
			p.logger.Error("error setting connection deadline", "err", err)
		}
		if err := p.framer.WriteMessage(msg); err != nil {
			if !isClosed(err) {
				p.logger.Error("error while sending message", "err", err, "cmd", msg.Cmd.String())
			}
			// Unblock the reader so the peer shuts down.
			p.shutdownFramer()
			return
		}
		messagesTotal.WithLabelValues(p.kind, "out").Inc()
	}
}

// isClosed reports whether err just means the other end went away.
func isClosed(err error) bool {
	return errors.Is(err, io.EOF) ||
		errors.Is(err, io.ErrClosedPipe) ||
		errors.Is(err, net.ErrClosed) ||
		fault.KindOf(err) == fault.KindChannelClosed ||
		isWebsocketClose(err)
}
