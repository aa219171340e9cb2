package cli

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"

	"github.com/hashicorp/go-multierror"
	"github.com/spf13/cobra"

	"github.com/roach88/substrate/internal/config"
	"github.com/roach88/substrate/internal/instance"
	"github.com/roach88/substrate/internal/store"
	"github.com/roach88/substrate/internal/transport"
	"github.com/roach88/substrate/internal/value"
)

// NewRunCommand creates the run command.
func NewRunCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Start the instance",
		Long: `Start an instance on the store root and serve it until interrupted.

The configuration tree is stored as item 0 of the default namespace.
Without a store section the instance keeps its data on disk under the
root. The instance listens on <root>/socket (or listen.socket), on a
websocket when listen.websocket is set, and dials every configured peer.

Example:
  substrate run --root ~/.substrate
  substrate run --config substrate.yaml --verbose`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runInstance(cmd, rootOpts)
		},
	}
}

func runInstance(cmd *cobra.Command, opts *RootOptions) error {
	cfg, _, err := opts.loadConfig()
	if err != nil {
		return err
	}
	cfg, err = withStoreDefaults(cfg, opts.Root)
	if err != nil {
		return WrapExitError(ExitCommandError, "invalid config", err)
	}
	o, err := config.FromValue(cfg)
	if err != nil {
		return WrapExitError(ExitCommandError, "invalid config", err)
	}

	if err := os.MkdirAll(opts.Root, 0o755); err != nil {
		return WrapExitError(ExitCommandError, "failed to create store root", err)
	}

	// Setup signal handling for graceful shutdown
	ctx, cancel := context.WithCancel(commandContext(cmd))
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigChan) // Prevent signal handler leak

	go func() {
		select {
		case sig := <-sigChan:
			slog.Info("received signal, shutting down", "signal", sig)
			cancel()
		case <-ctx.Done():
			// Parent context cancelled (e.g., from test)
		}
	}()

	slog.Info("opening store", "kind", o.Store.Kind, "path", o.Store.Path)
	inst, err := instance.WithConfig(ctx, cfg, instance.WithLogger(slog.Default()))
	if err != nil {
		return WrapExitError(ExitFailure, "failed to open instance", err)
	}

	socket := opts.socketPath(o)
	ln, err := transport.ListenSocket(socket)
	if err != nil {
		_ = inst.Close()
		return WrapExitError(ExitFailure, "failed to listen", err)
	}

	var (
		wg     sync.WaitGroup
		mu     sync.Mutex
		result *multierror.Error
	)
	fail := func(err error) {
		mu.Lock()
		result = multierror.Append(result, err)
		mu.Unlock()
		cancel()
	}

	// The worker outlives ctx so that Close can apply what is queued.
	runDone := make(chan struct{})
	go func() {
		defer close(runDone)
		if err := inst.Run(context.WithoutCancel(ctx)); err != nil {
			fail(fmt.Errorf("instance: %w", err))
		}
	}()

	tOpts := []transport.Option{transport.WithLogger(slog.Default())}

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := transport.NewServer(inst, tOpts...).ServeStream(ctx, ln); err != nil {
			fail(fmt.Errorf("socket: %w", err))
		}
	}()

	if o.Listen.Websocket != "" {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := transport.ServeWebsocket(ctx, inst, o.Listen.Websocket, tOpts...); err != nil {
				fail(fmt.Errorf("websocket: %w", err))
			}
		}()
	}

	for _, p := range o.Peers {
		peer, err := dialPeer(ctx, inst, p, tOpts)
		if err != nil {
			// A missing peer is not fatal; it may come up later and dial us.
			slog.Warn("failed to dial peer", "socket", p.Socket, "url", p.URL, "err", err)
			continue
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			select {
			case <-ctx.Done():
				peer.Close()
			case <-peer.Done():
			}
		}()
	}

	slog.Info("instance running", "namespace", inst.DefaultNamespace(), "socket", socket, "run_id", inst.RunID())
	fmt.Fprintln(cmd.OutOrStdout(), "Instance running on", socket)

	<-ctx.Done()
	wg.Wait()

	closeErr := inst.Close()
	<-runDone

	mu.Lock()
	defer mu.Unlock()
	if closeErr != nil {
		result = multierror.Append(result, closeErr)
	}
	if err := result.ErrorOrNil(); err != nil {
		return WrapExitError(ExitFailure, "instance error", err)
	}

	slog.Info("instance stopped gracefully")
	return nil
}

// dialPeer connects to a configured peer. When the peer entry names a
// namespace it is routed to the connection right away rather than
// waiting for the peer to advertise it.
func dialPeer(ctx context.Context, inst *instance.Instance, p config.Peer, opts []transport.Option) (*transport.Peer, error) {
	var (
		peer *transport.Peer
		err  error
	)
	if p.URL != "" {
		peer, err = transport.DialWebsocket(ctx, inst, p.URL, opts...)
	} else {
		peer, err = transport.DialSocket(ctx, inst, p.Socket, opts...)
	}
	if err != nil {
		return nil, err
	}
	if p.Namespace != "" {
		inst.ConnectionSetNamespace(peer.ID(), p.Namespace)
	}
	return peer, nil
}

// withStoreDefaults fills in the store section: a disk store at root when
// none is configured, and a path under root for file-backed kinds that
// name none.
func withStoreDefaults(cfg value.Value, root string) (value.Value, error) {
	kind, err := value.GetPath(cfg, []string{"store", "kind"})
	if err != nil {
		return nil, err
	}
	if value.IsNull(kind) {
		kind = value.Text(store.KindDisk)
		if cfg, err = value.SetPath(cfg, []string{"store", "kind"}, kind); err != nil {
			return nil, err
		}
	}

	path, err := value.GetPath(cfg, []string{"store", "path"})
	if err != nil || !value.IsNull(path) {
		return cfg, err
	}

	var def string
	switch k, _ := kind.(value.Text); store.Kind(k) {
	case store.KindDisk:
		def = root
	case store.KindSQLite:
		def = filepath.Join(root, "substrate.db")
	case store.KindBolt:
		def = filepath.Join(root, "substrate.bolt")
	default:
		return cfg, nil
	}
	return value.SetPath(cfg, []string{"store", "path"}, value.Text(def))
}
