package transport

import (
	"context"
	"errors"
	"net"
	"sync"

	"github.com/roach88/substrate/internal/instance"
)

// Server attaches accepted connections to an instance and tracks them
// until they close.
type Server struct {
	inst *instance.Instance
	opts *options

	mu    sync.Mutex
	peers map[*Peer]struct{}
	wg    sync.WaitGroup
}

// NewServer creates a server for inst.
func NewServer(inst *instance.Instance, opts ...Option) *Server {
	return &Server{
		inst:  inst,
		opts:  newOptions(opts),
		peers: make(map[*Peer]struct{}),
	}
}

// Peers returns the number of attached peers.
func (s *Server) Peers() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.peers)
}

func (s *Server) attach(f framer, kind string) *Peer {
	p := attach(s.inst, f, kind, s.opts)

	s.mu.Lock()
	s.peers[p] = struct{}{}
	s.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		<-p.Done()

		s.mu.Lock()
		delete(s.peers, p)
		s.mu.Unlock()
	}()
	return p
}

// closePeers closes every attached peer and waits for them to finish.
func (s *Server) closePeers() {
	s.mu.Lock()
	peers := make([]*Peer, 0, len(s.peers))
	for p := range s.peers {
		peers = append(peers, p)
	}
	s.mu.Unlock()

	var wg sync.WaitGroup
	for _, p := range peers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			p.Close()
		}()
	}
	wg.Wait()
	s.wg.Wait()
}

// ServeStream accepts connections on ln until ctx is cancelled, then
// closes ln and every peer it attached.
func (s *Server) ServeStream(ctx context.Context, ln net.Listener) error {
	logger := s.opts.logger.With("component", "transport", "addr", ln.Addr().String())

	stop := context.AfterFunc(ctx, func() {
		_ = ln.Close()
	})
	defer stop()
	defer s.closePeers()

	logger.Info("listening")
	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				logger.Info("listener closed")
				return nil
			}
			return err
		}
		s.attach(newStreamFramer(conn), "socket")
	}
}
