package instance

import (
	"context"
	"errors"
	"path/filepath"
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

// link connects two running instances through in-memory connections and
// has each advertise its namespace to the other.
func link(t *testing.T, a, b *Instance) (ab, ba *Conn) {
	t.Helper()
	ab = a.NewConnection()
	ba = b.NewConnection()

	pump := func(from *Conn, to *Instance, as uint64) {
		for {
			m, ok := from.Next(context.Background())
			if !ok {
				return
			}
			if err := to.GotMsg(as, m); err != nil {
				return
			}
		}
	}
	go pump(ab, b, ba.ID())
	go pump(ba, a, ab.ID())

	require.NoError(t, a.AdvertiseNamespace(ab.ID()))
	require.NoError(t, b.AdvertiseNamespace(ba.ID()))

	require.Eventually(t, func() bool {
		return !a.NamespaceFromString(b.DefaultNamespace()).Local &&
			!b.NamespaceFromString(a.DefaultNamespace()).Local
	}, testutil.DefaultTimeout, time.Millisecond)
	return ab, ba
}

func TestPeerUpdateNotSentBackToOrigin(t *testing.T) {
	inst := startInstance(t)
	a := newFakePeer(inst)
	b := newFakePeer(inst)

	a.send(t, protocol.Sub(ident.Parse("local/1")))
	b.send(t, protocol.Sub(ident.Parse("local/1")))
	a.send(t, protocol.Update(ident.Parse("local/1/x"), value.NewInt(1)))
	barrier(t, inst)

	m := testutil.Recv(t, b.msgs)
	assert.Equal(t, protocol.CmdUpdate, m.Cmd)
	assert.Equal(t, "local/1", m.ID.String())
	assert.True(t, value.Equal(value.NewMap(value.E("x", value.NewInt(1))), m.Data))

	testutil.NoRecv(t, a.msgs, 20*time.Millisecond)
	testutil.NoRecv(t, b.msgs, 20*time.Millisecond)
}

func TestPeerUpdateRequestAppliedAndFannedOut(t *testing.T) {
	ctx := context.Background()
	inst := startInstance(t)
	a := newFakePeer(inst)
	b := newFakePeer(inst)

	a.send(t, protocol.Sub(ident.Parse("local/1")))
	b.send(t, protocol.Sub(ident.Parse("local/1")))
	a.send(t, protocol.UpdateRequest(ident.Parse("local/1/x"), value.Text("asked")))
	barrier(t, inst)

	got, err := inst.Get(ident.Parse("local/1/x")).AsDataFull(ctx)
	require.NoError(t, err)
	assert.Equal(t, value.Text("asked"), got)

	m := testutil.Recv(t, b.msgs)
	assert.Equal(t, protocol.CmdUpdate, m.Cmd)
	assert.Equal(t, "local/1", m.ID.String())
	assert.True(t, value.Equal(value.NewMap(value.E("x", value.Text("asked"))), m.Data))

	testutil.NoRecv(t, a.msgs, 20*time.Millisecond)
	testutil.NoRecv(t, b.msgs, 20*time.Millisecond)
}

func TestPeerUpdateWithInvalidNamespaceRejected(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	disk, err := store.OpenDisk(ctx, filepath.Join(dir, "node"))
	require.NoError(t, err)
	inst := startInstance(t, WithStore(disk))
	p := newFakePeer(inst)

	for _, id := range []ident.ID{ident.New("../../escaped", "1"), ident.New("", "1"), ident.New("..", "1")} {
		err := inst.dispatch(ctx, p.conn.ID(), protocol.Update(id, value.Text("x")))
		assert.True(t, errors.Is(err, fault.ErrDecode), "%q: %v", id.String(), err)

		p.send(t, protocol.UpdateRequest(id, value.Text("x")))
	}
	barrier(t, inst)

	assert.NoFileExists(t, filepath.Join(dir, "escaped", "1"))
	assert.NoFileExists(t, filepath.Join(dir, "node", "store", "1"))
	assert.NoFileExists(t, filepath.Join(dir, "node", "1"))

	require.NoError(t, inst.SetBlocking(ctx, ident.Parse("local/1/after"), value.Bool(true)))
}

func TestLocalSetReachesEveryPeer(t *testing.T) {
	inst := startInstance(t)
	a := newFakePeer(inst)
	b := newFakePeer(inst)

	a.send(t, protocol.Sub(ident.Parse("local/1")))
	b.send(t, protocol.Sub(ident.Parse("local/1")))
	barrier(t, inst)
	require.NoError(t, inst.Set(ident.Parse("local/1/x"), value.Text("v")))
	barrier(t, inst)

	for _, p := range []*fakePeer{a, b} {
		m := testutil.Recv(t, p.msgs)
		assert.Equal(t, protocol.CmdUpdate, m.Cmd)
		assert.Equal(t, "local/1", m.ID.String())
	}
}

func TestCreateRepliesWithFreshIdentifiers(t *testing.T) {
	inst := startInstance(t)
	p := newFakePeer(inst)

	p.send(t, protocol.Create())
	p.send(t, protocol.Create())

	first := testutil.Recv(t, p.msgs)
	second := testutil.Recv(t, p.msgs)
	assert.Equal(t, protocol.CmdCreateReply, first.Cmd)
	assert.Equal(t, "local/0", first.ID.String())
	assert.Equal(t, "local/1", second.ID.String())
}

func TestGetRepliesWithGive(t *testing.T) {
	ctx := context.Background()
	inst := startInstance(t)
	p := newFakePeer(inst)

	require.NoError(t, inst.SetBlocking(ctx, ident.Parse("local/3/name"), value.Text("three")))
	p.send(t, protocol.Get(ident.Parse("3/name")))

	m := testutil.Recv(t, p.msgs)
	assert.Equal(t, protocol.CmdGive, m.Cmd)
	assert.Equal(t, "local/3/name", m.ID.String())
	assert.Equal(t, value.Text("three"), m.Data)
}

func TestGetSubGivesThenUpdates(t *testing.T) {
	ctx := context.Background()
	inst := startInstance(t)
	p := newFakePeer(inst)

	require.NoError(t, inst.SetBlocking(ctx, ident.Parse("local/3/n"), value.NewInt(1)))
	p.send(t, protocol.GetSub(ident.Parse("local/3")))
	barrier(t, inst)
	require.NoError(t, inst.SetBlocking(ctx, ident.Parse("local/3/n"), value.NewInt(2)))

	give := testutil.Recv(t, p.msgs)
	assert.Equal(t, protocol.CmdGive, give.Cmd)
	n, _ := give.Data.(value.Map).Get("n")
	assert.Equal(t, value.NewInt(1), n)

	upd := testutil.Recv(t, p.msgs)
	assert.Equal(t, protocol.CmdUpdate, upd.Cmd)
	n, _ = upd.Data.(value.Map).Get("n")
	assert.Equal(t, value.NewInt(2), n)
}

func TestUnknownCommandKeepsWorkerRunning(t *testing.T) {
	ctx := context.Background()
	inst := startInstance(t)
	p := newFakePeer(inst)

	err := inst.dispatch(ctx, p.conn.ID(), protocol.Message{Cmd: protocol.Command(99), ID: ident.Parse("local/1")})
	assert.True(t, errors.Is(err, fault.ErrUnknownCommand))
	assert.Contains(t, err.Error(), "unhandled message")

	p.send(t, protocol.Message{Cmd: protocol.Command(99), ID: ident.Parse("local/1")})
	require.NoError(t, inst.SetBlocking(ctx, ident.Parse("local/1/after"), value.Bool(true)))
}

func TestGiveWait(t *testing.T) {
	inst := startInstance(t)
	p := newFakePeer(inst)

	first := inst.GiveMsgWait(ident.Parse("local/5"))
	second := inst.GiveMsgWait(ident.Parse("5"))
	cancelled := inst.GiveMsgWait(ident.Parse("local/5"))
	inst.CancelGiveWait(ident.Parse("local/5"), cancelled)

	p.send(t, protocol.Give(ident.Parse("local/5"), value.Text("five")))

	assert.Equal(t, value.Text("five"), testutil.Recv(t, first))
	assert.Equal(t, value.Text("five"), testutil.Recv(t, second))
	testutil.NoRecv(t, cancelled, 20*time.Millisecond)
}

func TestCreateWaitResolvesOldestFirst(t *testing.T) {
	inst := startInstance(t)
	p := newFakePeer(inst)

	first := inst.CreateMsgWait()
	second := inst.CreateMsgWait()

	p.send(t, protocol.CreateReply(ident.Parse("remote/7")))
	p.send(t, protocol.CreateReply(ident.Parse("remote/8")))

	assert.Equal(t, "remote/7", testutil.Recv(t, first).String())
	assert.Equal(t, "remote/8", testutil.Recv(t, second).String())
}

func TestNamespaceAdvertisement(t *testing.T) {
	ctx := context.Background()
	inst := startInstance(t)
	p := newFakePeer(inst)

	p.send(t, protocol.Update(advertiseID, value.Text("remote")))
	barrier(t, inst)

	r := inst.NamespaceFromString("remote")
	assert.False(t, r.Local)
	assert.Equal(t, p.conn.ID(), r.Conn)
	assert.Equal(t, "remote", p.conn.Namespace())

	got, err := inst.Get(ident.Parse("inst/namespaces/remote")).AsDataFull(ctx)
	require.NoError(t, err)
	assert.Equal(t, value.Text("con/1"), got)

	got, err = inst.Get(ident.Parse("inst/con_by_id/1/peer/0/config/namespace")).AsDataFull(ctx)
	require.NoError(t, err)
	assert.Equal(t, value.Text("remote"), got)
}

func TestNamespaceAdvertisement_LocalWins(t *testing.T) {
	inst := startInstance(t)
	p := newFakePeer(inst)

	p.send(t, protocol.Update(advertiseID, value.Text("local")))
	barrier(t, inst)

	assert.True(t, inst.NamespaceFromString("local").Local)
}

func TestNamespaceAdvertisement_OtherConnectionRejected(t *testing.T) {
	ctx := context.Background()
	inst := startInstance(t)
	a := newFakePeer(inst)
	newFakePeer(inst) // connection 2

	a.send(t, protocol.Update(ident.Parse("inst/con_by_id/2/peer/0/config/namespace"), value.Text("stolen")))
	barrier(t, inst)

	assert.True(t, inst.NamespaceFromString("stolen").Local)
	got, err := inst.Get(ident.New("inst", "con_by_id", "2", "peer")).AsDataFull(ctx)
	require.NoError(t, err)
	assert.Equal(t, value.Null{}, got)
}

func TestRemoveConnection(t *testing.T) {
	inst := startInstance(t)
	p := newFakePeer(inst)

	p.send(t, protocol.Sub(ident.Parse("local/1")))
	p.send(t, protocol.Update(advertiseID, value.Text("remote")))
	barrier(t, inst)
	require.Equal(t, 1, inst.SubCount())
	require.False(t, inst.NamespaceFromString("remote").Local)

	inst.RemoveConnection(p.conn.ID())

	assert.Equal(t, 0, inst.SubCount())
	assert.True(t, inst.NamespaceFromString("remote").Local)
	assert.Empty(t, inst.Connections())
	assert.True(t, errors.Is(p.conn.Send(protocol.Create()), fault.ErrChannelClosed))

	for range p.msgs {
	}
}

func TestRemoteRouting(t *testing.T) {
	ctx := context.Background()
	a := startInstance(t, WithNamespace("alpha"))
	b := startInstance(t, WithNamespace("beta"))
	link(t, a, b)

	require.NoError(t, a.SetBlocking(ctx, ident.Parse("beta/1/greeting"), value.Text("from alpha")))

	got, err := b.Get(ident.Parse("beta/1/greeting")).AsDataFull(ctx)
	require.NoError(t, err)
	assert.Equal(t, value.Text("from alpha"), got)

	got, err = a.Get(ident.Parse("beta/1")).AsDataFull(ctx)
	require.NoError(t, err)
	assert.True(t, value.Equal(value.NewMap(value.E("greeting", value.Text("from alpha"))), got))

	raw, err := a.Get(ident.Parse("beta/1/greeting")).AsRaw(ctx)
	require.NoError(t, err)
	assert.Equal(t, []byte("from alpha"), raw)
}

func TestRemoteSubscription(t *testing.T) {
	ctx := context.Background()
	a := startInstance(t, WithNamespace("alpha"))
	b := startInstance(t, WithNamespace("beta"))
	link(t, a, b)

	ch := make(chan Update, 8)
	require.NoError(t, a.SubRemote(ident.Parse("beta/2"), Channel(ch, nil)))
	require.Eventually(t, func() bool { return b.SubCount() == 1 }, testutil.DefaultTimeout, time.Millisecond)

	require.NoError(t, b.SetBlocking(ctx, ident.Parse("beta/2/state"), value.Text("on")))

	u := testutil.Recv(t, ch)
	assert.Equal(t, "beta/2", u.ID.String())
	assert.True(t, value.Equal(value.NewMap(value.E("state", value.Text("on"))), u.Value))
}

func TestNewItem_RemoteDefaultNamespace(t *testing.T) {
	ctx := context.Background()
	server := startInstance(t, WithNamespace("home"))
	client := startInstance(t, WithNamespace("home"))

	sc := server.NewConnection()
	cc := client.NewConnection()
	go func() {
		for {
			m, ok := cc.Next(context.Background())
			if !ok || server.GotMsg(sc.ID(), m) != nil {
				return
			}
		}
	}()
	go func() {
		for {
			m, ok := sc.Next(context.Background())
			if !ok || client.GotMsg(cc.ID(), m) != nil {
				return
			}
		}
	}()
	client.ConnectionSetNamespace(cc.ID(), "home")

	item, err := client.NewItem(ctx)
	require.NoError(t, err)
	assert.Equal(t, "home/0", item.ID().String())

	require.NoError(t, item.SetBlocking(ctx, value.Text("remote write")))
	got, err := server.Get(item.ID()).AsDataFull(ctx)
	require.NoError(t, err)
	assert.Equal(t, value.Text("remote write"), got)
}

func TestRemoteGet_ContextCancelled(t *testing.T) {
	inst := startInstance(t)
	p := newFakePeer(inst)
	inst.ConnectionSetNamespace(p.conn.ID(), "silent")

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := inst.Get(ident.Parse("silent/1")).AsDataFull(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	m := testutil.Recv(t, p.msgs)
	assert.Equal(t, protocol.CmdGet, m.Cmd)
}
