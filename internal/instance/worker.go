package instance

import (
	"context"
	"fmt"

	"github.com/roach88/substrate/internal/fault"
	"github.com/roach88/substrate/internal/ident"
	"github.com/roach88/substrate/internal/protocol"
	"github.com/roach88/substrate/internal/value"
)

// process applies one operation.
// Called only from the Run goroutine.
func (i *Instance) process(ctx context.Context, op Operation) error {
	switch op.Kind {
	case OpSet:
		err := i.applySet(ctx, op.ID, op.Value, op.Origin)
		if op.Done != nil {
			op.Done <- err
		}
		if err == nil {
			opsApplied.WithLabelValues(op.Kind.String()).Inc()
		}
		return err

	case OpMsg:
		err := i.dispatch(ctx, op.From, op.Msg)
		if err == nil {
			opsApplied.WithLabelValues(op.Kind.String()).Inc()
		}
		return err

	default:
		return fault.Newf(fault.KindUnhandled, "unknown operation kind %d", op.Kind)
	}
}

// applySet merges v into the value at id, stores the result and notifies
// subscribers other than origin.
func (i *Instance) applySet(ctx context.Context, id ident.ID, v value.Value, origin uint64) error {
	if id.Namespace() == instNamespace {
		return i.applyInstSet(ctx, id, v, origin)
	}

	cur, err := i.store.GetFull(ctx, id)
	if err != nil {
		return fmt.Errorf("read %s: %w", id, err)
	}
	if err := i.store.Set(ctx, id, value.Merge(cur, v)); err != nil {
		return err
	}

	i.fanOut(ctx, id, origin)
	return nil
}

// dispatch handles one peer message by command.
func (i *Instance) dispatch(ctx context.Context, from uint64, msg protocol.Message) error {
	id := i.normalize(msg.ID)

	i.logger.Debug("message received", "cmd", msg.Cmd.String(), "id", id.String(), "from", from)

	switch msg.Cmd {
	case protocol.CmdGet:
		return i.give(ctx, from, id)

	case protocol.CmdGetSub:
		if err := i.give(ctx, from, id); err != nil {
			return err
		}
		i.Sub(id, Peer(from))
		return nil

	case protocol.CmdSub:
		if !id.Valid() {
			return malformed(msg)
		}
		i.Sub(id, Peer(from))
		return nil

	case protocol.CmdUpdate, protocol.CmdUpdateRequest:
		if !id.Valid() {
			return malformed(msg)
		}
		// Applied in place rather than re-enqueued, so a peer's later
		// messages observe its own write.
		return i.applySet(ctx, id, msg.Data, from)

	case protocol.CmdGive:
		if n := i.resolveGive(id, msg.Data); n == 0 {
			i.logger.Warn("GIVE with no waiter", "id", id.String(), "from", from)
		}
		return nil

	case protocol.CmdCreate:
		key, err := i.store.NewID(ctx)
		if err != nil {
			return err
		}
		return i.reply(from, protocol.CreateReply(ident.New(i.DefaultNamespace(), key)))

	case protocol.CmdCreateReply:
		if !i.resolveCreate(msg.ID) {
			i.logger.Warn("CREATE-REPLY with no waiter", "id", msg.ID.String(), "from", from)
		}
		return nil

	default:
		return &fault.Error{
			Kind:    fault.KindUnknownCommand,
			Message: fmt.Sprintf("unhandled message: %s", msg.Cmd),
		}
	}
}

// give replies GIVE with the value at id.
func (i *Instance) give(ctx context.Context, to uint64, id ident.ID) error {
	if !id.Valid() {
		return fault.Newf(fault.KindDecode, "malformed identifier %q", id.String())
	}
	v, err := i.read(ctx, id)
	if err != nil {
		return err
	}
	return i.reply(to, protocol.Give(id, v))
}

func (i *Instance) reply(to uint64, m protocol.Message) error {
	conn, ok := i.connection(to)
	if !ok {
		return fault.Newf(fault.KindChannelClosed, "reply %s: connection %d gone", m.Cmd, to)
	}
	return conn.send(m)
}

func malformed(msg protocol.Message) error {
	return fault.Newf(fault.KindDecode, "%s: malformed identifier %q", msg.Cmd, msg.ID.String())
}
