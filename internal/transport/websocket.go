package transport

import (
	"context"
	"errors"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/felixge/httpsnoop"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/roach88/substrate/internal/fault"
	"github.com/roach88/substrate/internal/instance"
	"github.com/roach88/substrate/internal/protocol"
)

const (
	// WebsocketPath is where the peer protocol is served.
	WebsocketPath = "/ws"
	// MetricsPath is where Prometheus metrics are served.
	MetricsPath = "/metrics"

	shutdownTimeout = 5 * time.Second
)

type wsFramer struct {
	conn *websocket.Conn
	wmu  sync.Mutex
}

// ReadFrame returns the payload of the next data message. Text messages
// are passed through and fail to decode.
func (f *wsFramer) ReadFrame() ([]byte, error) {
	_, data, err := f.conn.ReadMessage()
	if err != nil {
		return nil, err
	}
	return data, nil
}

func (f *wsFramer) WriteMessage(m protocol.Message) error {
	body, err := protocol.Marshal(m)
	if err != nil {
		return err
	}

	f.wmu.Lock()
	defer f.wmu.Unlock()
	return f.conn.WriteMessage(websocket.BinaryMessage, body)
}

func (f *wsFramer) SetWriteDeadline(t time.Time) error {
	return f.conn.SetWriteDeadline(t)
}

func (f *wsFramer) Close() error {
	_ = f.conn.WriteControl(
		websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second),
	)
	return f.conn.Close()
}

func isWebsocketClose(err error) bool {
	return websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) ||
		errors.Is(err, websocket.ErrCloseSent)
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
}

// Handler returns the HTTP surface: WebsocketPath upgrades to a peer
// connection, MetricsPath serves Prometheus metrics.
func (s *Server) Handler() http.Handler {
	r := mux.NewRouter()
	r.Use(s.logRequests)

	r.Methods(http.MethodGet).Path(WebsocketPath).HandlerFunc(s.upgrade)
	r.Methods(http.MethodGet).Path(MetricsPath).Handler(promhttp.Handler())
	return r
}

func (s *Server) logRequests(handler http.Handler) http.Handler {
	return http.HandlerFunc(func(writer http.ResponseWriter, request *http.Request) {
		m := httpsnoop.CaptureMetrics(handler, writer, request)
		s.opts.logger.Info("handled",
			"method", request.Method,
			"url", request.URL,
			"duration", m.Duration,
			"status", m.Code,
		)
	})
}

func (s *Server) upgrade(writer http.ResponseWriter, request *http.Request) {
	conn, err := upgrader.Upgrade(writer, request, nil)
	if err != nil {
		s.opts.logger.Error("failed to upgrade", "err", err)
		return
	}

	p := s.attach(&wsFramer{conn: conn}, "websocket")
	<-p.Done()
}

// ServeWebsocket serves the HTTP surface on ln until ctx is cancelled,
// then shuts the server down and closes every peer.
func (s *Server) ServeWebsocket(ctx context.Context, ln net.Listener) error {
	httpServer := &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	stop := context.AfterFunc(ctx, func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			s.opts.logger.Error("http shutdown failed", "err", err)
		}
	})
	defer stop()
	defer s.closePeers()

	s.opts.logger.Info("serving websocket", "component", "transport", "addr", ln.Addr().String())
	if err := httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fault.IO("serve http", err)
	}
	return nil
}

// ServeWebsocket listens on addr and serves inst over websockets until
// ctx is cancelled.
func ServeWebsocket(ctx context.Context, inst *instance.Instance, addr string, opts ...Option) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fault.IO("listen on "+addr, err)
	}
	return NewServer(inst, opts...).ServeWebsocket(ctx, ln)
}

// DialWebsocket connects inst to the instance serving url, for example
// ws://host:8080/ws.
func DialWebsocket(ctx context.Context, inst *instance.Instance, url string, opts ...Option) (*Peer, error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, fault.IO("dial "+url, err)
	}
	return attach(inst, &wsFramer{conn: conn}, "websocket", newOptions(opts)), nil
}
