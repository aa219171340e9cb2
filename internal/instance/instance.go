package instance

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/hashicorp/go-multierror"

	"github.com/roach88/substrate/internal/config"
	"github.com/roach88/substrate/internal/fault"
	"github.com/roach88/substrate/internal/ident"
	"github.com/roach88/substrate/internal/protocol"
	"github.com/roach88/substrate/internal/store"
	"github.com/roach88/substrate/internal/value"
)

// Instance owns a store, the operation queue and its single worker, the
// subscription table, the connection registry, the wait tables and the
// namespace table.
//
// Thread-safety model:
//   - Set, GotMsg, Sub and every other exported method: safe from any goroutine
//   - Run: must be called from exactly one goroutine
//
// All writes go through the queue and are applied by Run in enqueue
// order. Reads go straight to the store.
type Instance struct {
	store  store.Store
	queue  *opQueue
	clock  *Clock
	logger *slog.Logger
	runID  string

	nsMu       sync.RWMutex
	defaultNS  string
	namespaces map[string]Route

	subsMu sync.Mutex
	subs   []subRecord

	connMu sync.RWMutex
	conns  map[uint64]*Conn

	waitMu      sync.Mutex
	giveWaits   map[string][]chan value.Value
	createWaits []chan ident.ID

	running   atomic.Bool
	stopped   chan struct{}
	closeOnce sync.Once
}

// Option configures an Instance.
type Option func(*Instance)

// WithStore sets the store. The instance takes ownership and closes it.
func WithStore(s store.Store) Option {
	return func(i *Instance) {
		i.store = s
	}
}

// WithLogger sets the base logger.
func WithLogger(l *slog.Logger) Option {
	return func(i *Instance) {
		i.logger = l
	}
}

// WithNamespace sets the default namespace.
func WithNamespace(ns string) Option {
	return func(i *Instance) {
		i.defaultNS = ns
	}
}

// New creates an instance. Without WithStore it uses a memory store.
// Call Run to start applying operations.
func New(opts ...Option) *Instance {
	initMetrics()

	i := &Instance{
		queue:      newOpQueue(),
		clock:      NewClock(),
		runID:      uuid.Must(uuid.NewV7()).String(),
		defaultNS:  DefaultNamespace,
		namespaces: make(map[string]Route),
		conns:      make(map[uint64]*Conn),
		giveWaits:  make(map[string][]chan value.Value),
		stopped:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(i)
	}
	if i.store == nil {
		i.store = store.NewMemory()
	}
	if i.logger == nil {
		i.logger = slog.Default()
	}
	i.logger = i.logger.With("component", "instance", "run_id", i.runID)
	i.namespaces[i.defaultNS] = Route{Local: true}

	return i
}

// WithConfig opens the store named by cfg, creates an instance on it and
// installs cfg as item 0 of the default namespace before returning.
func WithConfig(ctx context.Context, cfg value.Value, opts ...Option) (*Instance, error) {
	o, err := config.FromValue(cfg)
	if err != nil {
		return nil, err
	}

	st, err := store.Open(ctx, store.Options{Kind: store.Kind(o.Store.Kind), Path: o.Store.Path})
	if err != nil {
		return nil, err
	}

	opts = append([]Option{WithNamespace(o.Namespace)}, opts...)
	opts = append(opts, WithStore(st))
	i := New(opts...)

	// The worker is not running yet, so applying directly keeps the
	// single-writer rule and guarantees NewItem never hands out key 0.
	if err := i.applySet(ctx, ident.New(i.DefaultNamespace(), "0"), cfg, LocalOrigin); err != nil {
		return nil, multierror.Append(err, i.store.Close()).ErrorOrNil()
	}
	return i, nil
}

// RunID identifies this instance run.
func (i *Instance) RunID() string {
	return i.runID
}

// Store returns the underlying store.
func (i *Instance) Store() store.Store {
	return i.store
}

// Run is the single worker loop. It applies queued operations one at a
// time until ctx is cancelled or Close is called.
//
// Errors from individual operations are logged and the loop continues.
func (i *Instance) Run(ctx context.Context) error {
	if !i.running.CompareAndSwap(false, true) {
		return fault.New(fault.KindUnhandled, "instance is already running")
	}
	defer close(i.stopped)

	i.logger.Info("instance starting", "namespace", i.DefaultNamespace())

	for {
		op, ok := i.queue.TryDequeue()
		if ok {
			if err := i.process(ctx, op); err != nil {
				i.logOpError(op, err)
			}
			continue
		}

		select {
		case <-ctx.Done():
			i.logger.Info("instance stopping: context cancelled")
			i.queue.Close()
			i.drain()
			return ctx.Err()

		case <-i.queue.Wait():
			if i.queue.Len() == 0 {
				i.logger.Info("instance stopping: queue closed")
				return nil
			}
		}
	}
}

// drain fails every operation left in a closed queue.
func (i *Instance) drain() {
	for {
		op, ok := i.queue.TryDequeue()
		if !ok {
			return
		}
		if op.Done != nil {
			op.Done <- fault.ErrChannelClosed
		}
	}
}

// Close stops the worker after it has applied everything already queued,
// drops all connections and subscriptions and closes the store. If Run
// was never started, queued operations are failed instead.
func (i *Instance) Close() error {
	var result *multierror.Error

	i.closeOnce.Do(func() {
		i.queue.Close()
		if i.running.Load() {
			<-i.stopped
		} else {
			i.drain()
		}
		for _, id := range i.Connections() {
			i.RemoveConnection(id)
		}
		i.prune(func(subRecord) bool { return true })
		if err := i.store.Close(); err != nil {
			result = multierror.Append(result, err)
		}
		i.logger.Info("instance closed")
	})

	return result.ErrorOrNil()
}

func (i *Instance) enqueue(op Operation) error {
	if !i.queue.Enqueue(op) {
		return fault.ErrChannelClosed
	}
	return nil
}

// Set merges v into the value at id. For a local namespace the write is
// enqueued and Set returns immediately; for a namespace routed to a peer
// an UPDATE is sent.
func (i *Instance) Set(id ident.ID, v value.Value) error {
	id, err := i.validID(id)
	if err != nil {
		return err
	}
	if conn, remote := i.routeOf(id); remote {
		return conn.send(protocol.Update(id, v))
	}
	return i.enqueue(Operation{Kind: OpSet, ID: id, Value: v, Origin: LocalOrigin})
}

// SetBlocking is Set followed by a completion barrier: it returns once
// the write has been applied, or with the error that prevented it.
// For a remote namespace the barrier is a GET answered after the UPDATE.
func (i *Instance) SetBlocking(ctx context.Context, id ident.ID, v value.Value) error {
	id, err := i.validID(id)
	if err != nil {
		return err
	}

	if conn, remote := i.routeOf(id); remote {
		if err := conn.send(protocol.Update(id, v)); err != nil {
			return err
		}
		_, err := i.getRemote(ctx, conn, id)
		return err
	}

	done := make(chan error, 1)
	if err := i.enqueue(Operation{Kind: OpSet, ID: id, Value: v, Origin: LocalOrigin, Done: done}); err != nil {
		return err
	}
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// GotMsg enqueues a message received from connection from.
func (i *Instance) GotMsg(from uint64, msg protocol.Message) error {
	return i.enqueue(Operation{Kind: OpMsg, Msg: msg, From: from})
}

// NewItem reserves a fresh key in the default namespace. When that
// namespace is routed to a peer, the peer is asked with CREATE.
func (i *Instance) NewItem(ctx context.Context) (Item, error) {
	ns := i.DefaultNamespace()

	if conn, remote := i.connFor(ns); remote {
		ch := i.CreateMsgWait()
		if err := conn.send(protocol.Create()); err != nil {
			i.CancelCreateWait(ch)
			return Item{}, err
		}
		select {
		case id := <-ch:
			return Item{inst: i, id: id}, nil
		case <-ctx.Done():
			i.CancelCreateWait(ch)
			return Item{}, ctx.Err()
		}
	}

	key, err := i.store.NewID(ctx)
	if err != nil {
		return Item{}, err
	}
	return Item{inst: i, id: ident.New(ns, key)}, nil
}

// Get returns a view of the datum at id.
func (i *Instance) Get(id ident.ID) Item {
	return Item{inst: i, id: i.normalize(id)}
}

// AdvertiseNamespace tells the peer on connID which namespace this
// instance serves.
func (i *Instance) AdvertiseNamespace(connID uint64) error {
	conn, ok := i.connection(connID)
	if !ok {
		return fault.Newf(fault.KindChannelClosed, "connection %d not registered", connID)
	}
	return conn.send(protocol.Update(advertiseID, value.Text(i.DefaultNamespace())))
}

func (i *Instance) validID(id ident.ID) (ident.ID, error) {
	id = i.normalize(id)
	if !id.Valid() {
		return nil, fault.Newf(fault.KindDecode, "malformed identifier %q", id.String())
	}
	return id, nil
}

// read returns the value at id from the store or the instance tree.
func (i *Instance) read(ctx context.Context, id ident.ID) (value.Value, error) {
	if id.Namespace() == instNamespace {
		return value.GetPath(i.instTree(), id[1:])
	}
	return i.store.GetFull(ctx, id)
}

func (i *Instance) getRemote(ctx context.Context, conn *Conn, id ident.ID) (value.Value, error) {
	ch := i.GiveMsgWait(id)
	if err := conn.send(protocol.Get(id)); err != nil {
		i.CancelGiveWait(id, ch)
		return nil, err
	}
	select {
	case v := <-ch:
		return v, nil
	case <-ctx.Done():
		i.CancelGiveWait(id, ch)
		return nil, ctx.Err()
	}
}

func (i *Instance) logOpError(op Operation, err error) {
	opsFailed.WithLabelValues(op.Kind.String()).Inc()

	switch op.Kind {
	case OpSet:
		i.logger.Error("set failed",
			"error", err,
			"id", op.ID.String(),
			"origin", op.Origin,
		)
	case OpMsg:
		i.logger.Error("message handling failed",
			"error", err,
			"cmd", op.Msg.Cmd.String(),
			"id", op.Msg.ID.String(),
			"from", op.From,
		)
	default:
		i.logger.Error("operation failed", "error", err, "kind", int(op.Kind))
	}
}
