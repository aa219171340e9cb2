package cli

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/roach88/substrate/internal/config"
	"github.com/roach88/substrate/internal/fault"
	"github.com/roach88/substrate/internal/ident"
	"github.com/roach88/substrate/internal/instance"
	"github.com/roach88/substrate/internal/transport"
	"github.com/roach88/substrate/internal/value"
)

const (
	// requestTimeout bounds a single client request.
	requestTimeout = 10 * time.Second
	// namespaceTimeout bounds the wait for the server's advertisement.
	namespaceTimeout = 2 * time.Second
)

// loadConfig reads the configuration file, if any. Without one the tree
// is an empty map and every option takes its default.
func (o *RootOptions) loadConfig() (value.Value, config.Options, error) {
	cfg := value.Value(value.NewMap())
	if o.Config != "" {
		loaded, err := config.Load(o.Config)
		if err != nil {
			return nil, config.Options{}, WrapExitError(ExitCommandError, "failed to load config", err)
		}
		if !value.IsNull(loaded) {
			cfg = loaded
		}
	}
	opts, err := config.FromValue(cfg)
	if err != nil {
		return nil, config.Options{}, WrapExitError(ExitCommandError, "invalid config", err)
	}
	return cfg, opts, nil
}

// socketPath is the configured socket or <root>/socket.
func (o *RootOptions) socketPath(opts config.Options) string {
	if opts.Listen.Socket != "" {
		return opts.Listen.Socket
	}
	return filepath.Join(o.Root, "socket")
}

// client is a memory-backed instance whose default namespace is served
// by a running instance over its socket.
type client struct {
	inst *instance.Instance
	peer *transport.Peer

	stop context.CancelFunc
	done chan error
}

// connect dials the running instance. The namespace comes from the
// config file when one is given, otherwise from the server's
// advertisement.
func (o *RootOptions) connect(ctx context.Context, cmd *cobra.Command) (*client, error) {
	_, opts, err := o.loadConfig()
	if err != nil {
		return nil, err
	}
	path := o.socketPath(opts)
	f := o.formatter(cmd)
	f.VerboseLog("connecting to %s", path)

	// The client's own lifecycle logs are noise unless asked for.
	logger := slog.Default()
	if !o.Verbose {
		logger = slog.New(slog.NewTextHandler(cmd.ErrOrStderr(), &slog.HandlerOptions{Level: slog.LevelWarn}))
	}
	c := &client{
		inst: instance.New(instance.WithLogger(logger)),
		done: make(chan error, 1),
	}
	runCtx, stop := context.WithCancel(context.Background())
	c.stop = stop
	go func() { c.done <- c.inst.Run(runCtx) }()

	peer, err := transport.DialSocket(ctx, c.inst, path, transport.WithoutAdvertise(), transport.WithLogger(logger))
	if err != nil {
		c.Close()
		return nil, WrapExitError(ExitFailure, "instance not running at "+path, err)
	}
	c.peer = peer

	ns := opts.Namespace
	if o.Config == "" {
		ns, err = awaitNamespace(ctx, c.inst, peer.ID())
		if err != nil {
			c.Close()
			return nil, WrapExitError(ExitFailure, "no namespace from "+path, err)
		}
	}
	c.inst.SetNamespace(ns)
	c.inst.ConnectionSetNamespace(peer.ID(), ns)

	f.VerboseLog("connected to %s, namespace %s", path, ns)
	return c, nil
}

// Close disconnects and stops the client instance.
func (c *client) Close() {
	if c.peer != nil {
		c.peer.Close()
	}
	c.stop()
	<-c.done
	_ = c.inst.Close()
}

// awaitNamespace waits until the peer on connID has advertised the
// namespace it serves.
func awaitNamespace(ctx context.Context, inst *instance.Instance, connID uint64) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, namespaceTimeout)
	defer cancel()

	id := ident.New("inst", "con_by_id", strconv.FormatUint(connID, 10), "peer", "0", "config", "namespace")

	updates := make(chan instance.Update, 1)
	done := make(chan struct{})
	defer close(done)
	inst.Sub(id, instance.Channel(updates, done))

	for {
		v, err := inst.Get(id).AsDataFull(ctx)
		if err != nil {
			return "", err
		}
		if ns, ok := v.(value.Text); ok && ns != "" {
			return string(ns), nil
		}

		select {
		case <-updates:
		case <-ctx.Done():
			return "", fault.Wrap(fault.KindChannelClosed, "waiting for namespace advertisement", ctx.Err())
		}
	}
}

// parseID parses a command-line identifier.
func parseID(arg string) (ident.ID, error) {
	id := ident.Parse(arg)
	if len(id) == 0 {
		return nil, NewExitError(ExitCommandError, fmt.Sprintf("invalid identifier %q", arg))
	}
	return id, nil
}

// commandContext returns cmd's context, or Background when unset.
func commandContext(cmd *cobra.Command) context.Context {
	if ctx := cmd.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}

// idResult is the output of commands that name an item.
type idResult struct {
	ID string `json:"id"`
}

func (r idResult) String() string {
	return r.ID
}
