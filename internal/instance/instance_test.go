package instance

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/substrate/internal/fault"
	"github.com/roach88/substrate/internal/ident"
	"github.com/roach88/substrate/internal/protocol"
	"github.com/roach88/substrate/internal/store"
	"github.com/roach88/substrate/internal/testutil"
	"github.com/roach88/substrate/internal/value"
)

// startInstance creates an instance and runs its worker until the test ends.
func startInstance(t *testing.T, opts ...Option) *Instance {
	t.Helper()
	inst := New(opts...)
	run(t, inst)
	return inst
}

func run(t *testing.T, inst *Instance) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- inst.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		<-done
		inst.Close()
	})
}

// fakePeer is a registered connection whose outbox is collected on msgs.
type fakePeer struct {
	inst *Instance
	conn *Conn
	msgs chan protocol.Message
}

func newFakePeer(inst *Instance) *fakePeer {
	p := &fakePeer{inst: inst, conn: inst.NewConnection(), msgs: make(chan protocol.Message, 256)}
	go func() {
		defer close(p.msgs)
		for {
			m, ok := p.conn.Next(context.Background())
			if !ok {
				return
			}
			p.msgs <- m
		}
	}()
	return p
}

func (p *fakePeer) send(t *testing.T, m protocol.Message) {
	t.Helper()
	require.NoError(t, p.inst.GotMsg(p.conn.ID(), m))
}

// barrier returns once everything enqueued before it has been applied.
func barrier(t *testing.T, inst *Instance) {
	t.Helper()
	require.NoError(t, inst.SetBlocking(context.Background(), ident.Parse("local/999999"), value.Null{}))
}

func TestSetAndGetRoundTrip(t *testing.T) {
	ctx := context.Background()
	inst := startInstance(t)

	require.NoError(t, inst.SetBlocking(ctx, ident.Parse("local/1/config/hi"), value.Text("hello")))

	got, err := inst.Get(ident.Parse("local/1")).AsDataFull(ctx)
	require.NoError(t, err)
	want := value.NewMap(value.E("config", value.NewMap(value.E("hi", value.Text("hello")))))
	assert.True(t, value.Equal(want, got), "got %v", got)
}

func TestSet_NormalizesShortIdentifiers(t *testing.T) {
	ctx := context.Background()
	inst := startInstance(t, WithNamespace("home"))

	require.NoError(t, inst.SetBlocking(ctx, ident.Parse("4/name"), value.Text("n")))

	item := inst.Get(ident.FromString("4"))
	assert.Equal(t, "home/4", item.ID().String())
	got, err := item.AsDataFull(ctx)
	require.NoError(t, err)
	assert.True(t, value.Equal(value.NewMap(value.E("name", value.Text("n"))), got))
}

func TestSet_MergesIntoExistingValue(t *testing.T) {
	ctx := context.Background()
	inst := startInstance(t)

	require.NoError(t, inst.SetBlocking(ctx, ident.Parse("local/1"), value.NewMap(
		value.E("config", value.NewMap(
			value.E("hi", value.Text("hello")),
			value.E("test", value.NewMap(value.E("inner", value.Text("inner")))),
		)),
	)))
	require.NoError(t, inst.SetBlocking(ctx, ident.Parse("local/1/config/test/inner"), value.Text("new inner")))

	got, err := inst.Get(ident.Parse("local/1")).AsDataFull(ctx)
	require.NoError(t, err)
	want := value.NewMap(
		value.E("config", value.NewMap(
			value.E("hi", value.Text("hello")),
			value.E("test", value.NewMap(value.E("inner", value.Text("new inner")))),
		)),
	)
	assert.True(t, value.Equal(want, got), "got %v", got)
}

func TestSetBlocking_ThroughLeafFails(t *testing.T) {
	ctx := context.Background()
	inst := startInstance(t)

	require.NoError(t, inst.SetBlocking(ctx, ident.Parse("local/1/leaf"), value.Text("x")))

	err := inst.SetBlocking(ctx, ident.Parse("local/1/leaf/child"), value.Text("y"))
	require.Error(t, err)
	assert.True(t, errors.Is(err, fault.ErrNotAMap))

	// The worker keeps going after a failed operation.
	require.NoError(t, inst.SetBlocking(ctx, ident.Parse("local/1/other"), value.Bool(true)))
}

func TestSet_RejectsMalformedIdentifier(t *testing.T) {
	inst := startInstance(t)

	err := inst.Set(ident.Parse("local/abc"), value.Null{})
	require.NoError(t, err, "key is validated by the store, not at enqueue")

	err = inst.SetBlocking(context.Background(), ident.Parse("local/abc"), value.Null{})
	assert.True(t, errors.Is(err, fault.ErrDecode))
}

func TestItem_AsRaw(t *testing.T) {
	ctx := context.Background()
	inst := startInstance(t)

	require.NoError(t, inst.Get(ident.Parse("local/1/blob")).SetBlocking(ctx, value.Bytes("raw")))

	raw, err := inst.Get(ident.Parse("local/1/blob")).AsRaw(ctx)
	require.NoError(t, err)
	assert.Equal(t, []byte("raw"), raw)
}

func TestNewItem_ReturnsFreshKeys(t *testing.T) {
	ctx := context.Background()
	inst := startInstance(t)

	a, err := inst.NewItem(ctx)
	require.NoError(t, err)
	b, err := inst.NewItem(ctx)
	require.NoError(t, err)

	assert.Equal(t, "local/0", a.ID().String())
	assert.Equal(t, "local/1", b.ID().String())
}

func TestSubscriber_SeesUpdatesInOrder(t *testing.T) {
	inst := startInstance(t)

	ch := make(chan Update, 64)
	inst.Sub(ident.Parse("local/1"), Channel(ch, nil))

	for k := 0; k < 50; k++ {
		require.NoError(t, inst.Set(ident.Parse("local/1/n"), value.NewInt(int64(k))))
	}
	barrier(t, inst)

	for k := 0; k < 50; k++ {
		u := testutil.Recv(t, ch)
		assert.Equal(t, "local/1", u.ID.String())
		n, _ := u.Value.(value.Map).Get("n")
		assert.Equal(t, value.NewInt(int64(k)), n)
	}
	testutil.NoRecv(t, ch, 20*time.Millisecond)
}

func TestConcurrentWritersSerialize(t *testing.T) {
	ctx := context.Background()
	inst := startInstance(t)

	var (
		mu   sync.Mutex
		seen []value.Value
	)
	inst.Sub(ident.Parse("local/1"), Callback(func(u Update) {
		mu.Lock()
		seen = append(seen, u.Value)
		mu.Unlock()
	}))

	var wg sync.WaitGroup
	for k := 0; k < 100; k++ {
		wg.Add(1)
		go func(k int) {
			defer wg.Done()
			assert.NoError(t, inst.Set(ident.Parse("local/1/counter"), value.NewInt(int64(k))))
		}(k)
	}
	wg.Wait()
	barrier(t, inst)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, seen, 100)

	last, _ := seen[99].(value.Map).Get("counter")
	got, err := inst.Get(ident.Parse("local/1/counter")).AsDataFull(ctx)
	require.NoError(t, err)
	assert.Equal(t, last, got, "stored value is the last one applied")
}

func TestFanOut_AncestorsAndDescendants(t *testing.T) {
	inst := startInstance(t)

	parent := make(chan Update, 8)
	child := make(chan Update, 8)
	other := make(chan Update, 8)
	inst.Sub(ident.Parse("local/1"), Channel(parent, nil))
	inst.Sub(ident.Parse("local/1/a"), Channel(child, nil))
	inst.Sub(ident.Parse("local/2"), Channel(other, nil))

	require.NoError(t, inst.Set(ident.Parse("local/1/a/b"), value.Text("deep")))
	barrier(t, inst)

	u := testutil.Recv(t, parent)
	assert.Equal(t, "local/1", u.ID.String())

	u = testutil.Recv(t, child)
	assert.Equal(t, "local/1/a", u.ID.String())
	assert.True(t, value.Equal(value.NewMap(value.E("b", value.Text("deep"))), u.Value))

	testutil.NoRecv(t, other, 20*time.Millisecond)
}

func TestChannelSubscription_SlowReaderMissesNothing(t *testing.T) {
	inst := startInstance(t)

	ch := make(chan Update, 1)
	inst.Sub(ident.Parse("local/1"), Channel(ch, nil))

	for k := 1; k <= 100; k++ {
		require.NoError(t, inst.Set(ident.Parse("local/1/n"), value.NewInt(int64(k))))
	}
	barrier(t, inst)

	for k := 1; k <= 100; k++ {
		u := testutil.Recv(t, ch)
		n, _ := u.Value.(value.Map).Get("n")
		require.Equal(t, value.NewInt(int64(k)), n, "update %d", k)
	}
	testutil.NoRecv(t, ch, 20*time.Millisecond)
	assert.Equal(t, 1, inst.SubCount())
}

func TestFanOut_RegistrationOrder(t *testing.T) {
	inst := startInstance(t)

	var order []string
	for _, id := range []string{"local/1/a", "local/1", "local/1/a/b", "local/1/a"} {
		inst.Sub(ident.Parse(id), Callback(func(u Update) {
			order = append(order, id)
		}))
	}

	require.NoError(t, inst.Set(ident.Parse("local/1/a/b"), value.Text("x")))
	barrier(t, inst)

	// Callbacks run on the worker; the barrier orders this read after them.
	assert.Equal(t, []string{"local/1/a", "local/1", "local/1/a/b", "local/1/a"}, order)
}

func TestChannelSubscription_DoneClosedIsPruned(t *testing.T) {
	inst := startInstance(t)

	ch := make(chan Update, 4)
	done := make(chan struct{})
	inst.Sub(ident.Parse("local/1"), Channel(ch, done))
	require.Equal(t, 1, inst.SubCount())

	close(done)
	require.NoError(t, inst.Set(ident.Parse("local/1/n"), value.NewInt(1)))
	barrier(t, inst)

	testutil.NoRecv(t, ch, 20*time.Millisecond)
	assert.Equal(t, 0, inst.SubCount())
}

func TestWithConfig(t *testing.T) {
	ctx := context.Background()
	cfg := value.NewMap(
		value.E("namespace", value.Text("home")),
		value.E("store", value.NewMap(value.E("kind", value.Text("memory")))),
	)

	inst, err := WithConfig(ctx, cfg)
	require.NoError(t, err)
	run(t, inst)

	assert.Equal(t, "home", inst.DefaultNamespace())

	got, err := inst.Get(ident.Parse("home/0")).AsDataFull(ctx)
	require.NoError(t, err)
	assert.True(t, value.Equal(cfg, got))

	item, err := inst.NewItem(ctx)
	require.NoError(t, err)
	assert.Equal(t, "home/1", item.ID().String())
}

func TestWithConfig_DiskStore(t *testing.T) {
	ctx := context.Background()
	root := t.TempDir()
	cfg := value.NewMap(value.E("store", value.NewMap(
		value.E("kind", value.Text("disk")),
		value.E("path", value.Text(root)),
	)))

	inst, err := WithConfig(ctx, cfg)
	require.NoError(t, err)
	run(t, inst)

	_, err = WithConfig(ctx, cfg)
	assert.True(t, errors.Is(err, fault.ErrAlreadyOpen))
}

func TestClose_AppliesQueuedOperations(t *testing.T) {
	ctx := context.Background()
	mem := store.NewMemory()
	inst := New(WithStore(mem))

	done := make(chan error, 1)
	go func() { done <- inst.Run(context.Background()) }()
	require.Eventually(t, func() bool { return inst.running.Load() }, time.Second, time.Millisecond)

	require.NoError(t, inst.Set(ident.Parse("local/1"), value.Text("kept")))
	require.NoError(t, inst.Close())
	require.NoError(t, testutil.Recv(t, done))

	got, err := mem.GetFull(ctx, ident.Parse("local/1"))
	require.NoError(t, err)
	assert.Equal(t, value.Text("kept"), got)

	assert.True(t, errors.Is(inst.Set(ident.Parse("local/1"), value.Null{}), fault.ErrChannelClosed))
}

func TestClose_WithoutRunFailsQueuedOperations(t *testing.T) {
	inst := New()

	done := make(chan error, 1)
	require.NoError(t, inst.enqueue(Operation{
		Kind:   OpSet,
		ID:     ident.Parse("local/1"),
		Value:  value.Text("never"),
		Origin: LocalOrigin,
		Done:   done,
	}))
	require.NoError(t, inst.Close())

	assert.True(t, errors.Is(testutil.Recv(t, done), fault.ErrChannelClosed))
}

func TestClose_StopsChannelSubscriptions(t *testing.T) {
	inst := New()
	inst.Sub(ident.Parse("local/1"), Channel(make(chan Update), nil))
	require.Equal(t, 1, inst.SubCount())

	require.NoError(t, inst.Close())
	assert.Equal(t, 0, inst.SubCount())
}

func TestRun_OnlyOnce(t *testing.T) {
	inst := startInstance(t)

	// Give the first Run a moment to claim the instance.
	require.Eventually(t, func() bool { return inst.running.Load() }, time.Second, time.Millisecond)
	assert.Error(t, inst.Run(context.Background()))
}

func TestInstTree(t *testing.T) {
	ctx := context.Background()
	inst := startInstance(t)
	p := newFakePeer(inst)

	got, err := inst.Get(ident.Parse("inst/run_id")).AsDataFull(ctx)
	require.NoError(t, err)
	assert.Equal(t, value.Text(inst.RunID()), got)

	got, err = inst.Get(ident.Parse("inst/namespaces/local")).AsDataFull(ctx)
	require.NoError(t, err)
	assert.Equal(t, value.Text("local"), got)

	conns, err := inst.Get(ident.Parse("inst/con_by_id")).AsDataFull(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"1"}, conns.(value.Map).Keys())
	assert.Equal(t, uint64(1), p.conn.ID())

	err = inst.SetBlocking(ctx, ident.Parse("inst/run_id"), value.Text("x"))
	assert.Error(t, err, "instance tree is read-only outside peer subtrees")
}
