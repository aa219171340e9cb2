package harness

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/roach88/substrate/internal/fault"
	"github.com/roach88/substrate/internal/ident"
	"github.com/roach88/substrate/internal/instance"
	"github.com/roach88/substrate/internal/store"
	"github.com/roach88/substrate/internal/transport"
	"github.com/roach88/substrate/internal/value"
)

// stepTimeout bounds every step and the wait for a link's routes.
const stepTimeout = 5 * time.Second

// Option configures a run.
type Option func(*options)

type options struct {
	dir    string
	logger *slog.Logger
}

// WithDir sets the directory that file-backed stores are created in.
func WithDir(dir string) Option {
	return func(o *options) {
		o.dir = dir
	}
}

// WithLogger sets the logger handed to every instance and peer.
// Logs are discarded by default.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) {
		o.logger = l
	}
}

// node is one running instance of a scenario.
type node struct {
	spec InstanceSpec
	inst *instance.Instance
	stop context.CancelFunc
	done chan error
}

// subscription is a named channel subscription.
type subscription struct {
	on      string
	updates chan instance.Update
	done    chan struct{}
}

// Harness holds the instances, links and subscriptions of one run.
type Harness struct {
	opts  options
	nodes map[string]*node
	order []*node
	peers []*transport.Peer
	subs  map[string]*subscription
}

// Run executes a scenario and returns the result.
//
// Every run starts fresh instances. Execution stops at the first failing
// step; assertions are evaluated only when the whole flow succeeded. The
// returned error reports a harness failure, such as a store that could
// not be opened, rather than a failed check.
func Run(ctx context.Context, scenario *Scenario, opts ...Option) (*Result, error) {
	o := options{logger: slog.New(slog.NewTextHandler(io.Discard, nil))}
	for _, opt := range opts {
		opt(&o)
	}

	h := &Harness{
		opts:  o,
		nodes: make(map[string]*node),
		subs:  make(map[string]*subscription),
	}
	defer h.close()

	for _, spec := range scenario.Instances {
		if err := h.start(ctx, spec); err != nil {
			return nil, fmt.Errorf("failed to start %s: %w", spec.Name, err)
		}
	}
	for _, l := range scenario.Links {
		if err := h.link(ctx, h.nodes[l[0]], h.nodes[l[1]]); err != nil {
			return nil, fmt.Errorf("failed to link %s and %s: %w", l[0], l[1], err)
		}
	}

	result := NewResult()
	for i, step := range scenario.Flow {
		if err := h.execute(ctx, step, result); err != nil {
			result.AddError(fmt.Sprintf("flow[%d] %s on %s: %v", i, step.Op, step.On, err))
			return result, nil
		}
	}

	for _, msg := range EvaluateAssertions(ctx, result, scenario.Assertions, h.instance) {
		result.AddError(msg)
	}
	return result, nil
}

// start opens and runs the instance described by spec.
func (h *Harness) start(ctx context.Context, spec InstanceSpec) error {
	storeCfg := value.NewMap()
	if spec.Store != "" {
		storeCfg = append(storeCfg, value.E("kind", value.Text(spec.Store)))
	}

	var path string
	switch store.Kind(spec.Store) {
	case store.KindDisk:
		path = spec.Name
	case store.KindSQLite:
		path = spec.Name + ".db"
	case store.KindBolt:
		path = spec.Name + ".bolt"
	}
	if path != "" {
		if h.opts.dir == "" {
			return fault.Newf(fault.KindIO, "store %q needs a directory", spec.Store)
		}
		storeCfg = append(storeCfg, value.E("path", value.Text(filepath.Join(h.opts.dir, path))))
	}

	cfg := value.NewMap(
		value.E("namespace", value.Text(spec.namespace())),
		value.E("store", storeCfg),
	)
	inst, err := instance.WithConfig(ctx, cfg, instance.WithLogger(h.opts.logger.With("instance", spec.Name)))
	if err != nil {
		return err
	}

	runCtx, stop := context.WithCancel(context.WithoutCancel(ctx))
	n := &node{spec: spec, inst: inst, stop: stop, done: make(chan error, 1)}
	go func() { n.done <- inst.Run(runCtx) }()

	h.nodes[spec.Name] = n
	h.order = append(h.order, n)
	return nil
}

// link joins a and b over an in-process stream and waits until each
// routes the other's namespace.
func (h *Harness) link(ctx context.Context, a, b *node) error {
	ca, cb := net.Pipe()
	h.peers = append(h.peers,
		transport.Attach(a.inst, ca, transport.WithLogger(h.opts.logger)),
		transport.Attach(b.inst, cb, transport.WithLogger(h.opts.logger)),
	)

	if a.spec.namespace() == b.spec.namespace() {
		return nil
	}

	ctx, cancel := context.WithTimeout(ctx, stepTimeout)
	defer cancel()

	ticker := time.NewTicker(time.Millisecond)
	defer ticker.Stop()
	for {
		if !a.inst.NamespaceFromString(b.spec.namespace()).Local &&
			!b.inst.NamespaceFromString(a.spec.namespace()).Local {
			return nil
		}
		select {
		case <-ticker.C:
		case <-ctx.Done():
			return fmt.Errorf("namespaces not advertised: %w", ctx.Err())
		}
	}
}

// execute runs one step and records it in the trace.
func (h *Harness) execute(ctx context.Context, step Step, r *Result) error {
	n := h.nodes[step.On]

	ctx, cancel := context.WithTimeout(ctx, stepTimeout)
	defer cancel()

	switch step.Op {
	case OpSet:
		v, err := nodeValue(step.Value)
		if err != nil {
			return err
		}
		item := n.inst.Get(ident.Parse(step.ID))
		err = item.SetBlocking(ctx, v)
		if step.Fails != "" {
			if err == nil {
				return fmt.Errorf("expected a %s error, the write succeeded", step.Fails)
			}
			if got := fault.KindOf(err); string(got) != step.Fails {
				return fmt.Errorf("expected a %s error, got %s: %w", step.Fails, got, err)
			}
			r.AddTrace(step.On, step.Op, item.String(), "!"+step.Fails)
			return nil
		}
		if err != nil {
			return err
		}
		r.AddTrace(step.On, step.Op, item.String(), render(v))
		return nil

	case OpGet:
		item := n.inst.Get(ident.Parse(step.ID))
		v, err := item.AsDataFull(ctx)
		if err != nil {
			return err
		}
		r.AddTrace(step.On, step.Op, item.String(), render(v))
		return expectValue(step.Expect, v)

	case OpCreate:
		item, err := n.inst.NewItem(ctx)
		if err != nil {
			return err
		}
		r.AddTrace(step.On, step.Op, item.String(), "")
		return expectValue(step.Expect, value.Text(item.String()))

	case OpSub:
		return h.subscribe(ctx, n, step, r)

	case OpUpdates:
		s := h.subs[step.Sub]
		var last value.Value = value.Null{}
		for got := 0; got < step.Count; got++ {
			select {
			case u := <-s.updates:
				last = u.Value
				r.AddTrace(s.on, "update", u.ID.String(), render(u.Value))
			case <-ctx.Done():
				return fmt.Errorf("received %d of %d updates on %s: %w", got, step.Count, step.Sub, ctx.Err())
			}
		}
		return expectValue(step.Expect, last)

	default:
		return fault.Newf(fault.KindUnknownCommand, "unknown op %q", step.Op)
	}
}

// subscribe registers a named channel subscription. A remote one waits
// for the owner's reply to the subscribe request, after which every
// later change is delivered.
func (h *Harness) subscribe(ctx context.Context, n *node, step Step, r *Result) error {
	id := n.inst.Get(ident.Parse(step.ID)).ID()
	s := &subscription{
		on:      step.On,
		updates: make(chan instance.Update, 64),
		done:    make(chan struct{}),
	}
	h.subs[step.Sub] = s

	remote := !n.inst.NamespaceFromString(id.Namespace()).Local
	var first <-chan value.Value
	if remote {
		first = n.inst.GiveMsgWait(id)
	}
	if err := n.inst.SubRemote(id, instance.Channel(s.updates, s.done)); err != nil {
		if remote {
			n.inst.CancelGiveWait(id, first)
		}
		return err
	}
	if remote {
		select {
		case <-first:
		case <-ctx.Done():
			n.inst.CancelGiveWait(id, first)
			return fmt.Errorf("no reply to subscribe: %w", ctx.Err())
		}
	}

	r.AddTrace(step.On, step.Op, id.String(), step.Sub)
	return nil
}

// instance returns the running instance named name.
func (h *Harness) instance(name string) (*instance.Instance, bool) {
	n, ok := h.nodes[name]
	if !ok {
		return nil, false
	}
	return n.inst, true
}

// close tears down subscriptions, links and instances in that order.
func (h *Harness) close() {
	for _, s := range h.subs {
		close(s.done)
	}
	for _, p := range h.peers {
		p.Close()
	}
	for _, n := range h.order {
		n.stop()
		if err := <-n.done; err != nil && !errors.Is(err, context.Canceled) {
			h.opts.logger.Warn("instance stopped with error", "instance", n.spec.Name, "err", err)
		}
		if err := n.inst.Close(); err != nil {
			h.opts.logger.Warn("failed to close instance", "instance", n.spec.Name, "err", err)
		}
	}
}

// render is the compact JSON form of v used in traces.
func render(v value.Value) string {
	b, err := value.MarshalJSON(v)
	if err != nil {
		return fmt.Sprintf("<%v>", err)
	}
	return string(b)
}

// expectValue compares v with the expected node, if any.
func expectValue(expect *yaml.Node, v value.Value) error {
	if expect == nil {
		return nil
	}
	want, err := nodeValue(expect)
	if err != nil {
		return err
	}
	if !value.Equal(want, v) {
		return fmt.Errorf("expected %s, got %s", render(want), render(v))
	}
	return nil
}
