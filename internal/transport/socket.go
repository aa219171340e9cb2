package transport

import (
	"context"
	"errors"
	"io/fs"
	"net"
	"os"
	"time"

	"github.com/roach88/substrate/internal/fault"
	"github.com/roach88/substrate/internal/instance"
	"github.com/roach88/substrate/internal/protocol"
)

// probeTimeout bounds the liveness check on an existing socket file.
const probeTimeout = time.Second

type streamFramer struct {
	conn  net.Conn
	codec *protocol.Codec
}

func newStreamFramer(conn net.Conn) *streamFramer {
	return &streamFramer{conn: conn, codec: protocol.NewCodec(conn)}
}

func (f *streamFramer) ReadFrame() ([]byte, error) {
	return f.codec.ReadFrame()
}

func (f *streamFramer) WriteMessage(m protocol.Message) error {
	return f.codec.Write(m)
}

func (f *streamFramer) SetWriteDeadline(t time.Time) error {
	return f.conn.SetWriteDeadline(t)
}

func (f *streamFramer) Close() error {
	return f.conn.Close()
}

// ListenSocket listens on a unix stream socket at path. A leftover
// socket file nobody answers on is replaced; a live one is
// fault.ErrAlreadyOpen.
func ListenSocket(path string) (net.Listener, error) {
	if _, err := os.Stat(path); err == nil {
		if Probe(path) {
			return nil, fault.Newf(fault.KindAlreadyOpen, "socket %s is in use", path)
		}
		if err := os.Remove(path); err != nil {
			return nil, fault.IO("remove stale socket", err)
		}
	} else if !errors.Is(err, fs.ErrNotExist) {
		return nil, fault.IO("stat socket", err)
	}

	ln, err := net.Listen("unix", path)
	if err != nil {
		return nil, fault.IO("listen on "+path, err)
	}
	return ln, nil
}

// ServeSocket serves inst on a unix socket at path until ctx is
// cancelled.
func ServeSocket(ctx context.Context, inst *instance.Instance, path string, opts ...Option) error {
	ln, err := ListenSocket(path)
	if err != nil {
		return err
	}
	return NewServer(inst, opts...).ServeStream(ctx, ln)
}

// DialSocket connects inst to the instance serving path.
func DialSocket(ctx context.Context, inst *instance.Instance, path string, opts ...Option) (*Peer, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "unix", path)
	if err != nil {
		return nil, fault.IO("dial "+path, err)
	}
	return Attach(inst, conn, opts...), nil
}

// Attach runs the peer protocol for inst over an established stream
// connection.
func Attach(inst *instance.Instance, conn net.Conn, opts ...Option) *Peer {
	return attach(inst, newStreamFramer(conn), "socket", newOptions(opts))
}

// Probe reports whether something accepts connections at path.
func Probe(path string) bool {
	conn, err := net.DialTimeout("unix", path, probeTimeout)
	if err != nil {
		return false
	}
	_ = conn.Close()
	return true
}
