package instance

import (
	"context"

	"github.com/roach88/substrate/internal/ident"
	"github.com/roach88/substrate/internal/value"
)

// Item is a view of the datum at one identifier.
type Item struct {
	inst *Instance
	id   ident.ID
}

// ID returns the item's identifier.
func (it Item) ID() ident.ID {
	return it.id
}

// AsDataFull returns the full value at the item's identifier. For a
// namespace routed to a peer it sends GET and waits for GIVE until ctx
// is done.
func (it Item) AsDataFull(ctx context.Context) (value.Value, error) {
	if conn, remote := it.inst.routeOf(it.id); remote {
		return it.inst.getRemote(ctx, conn, it.id)
	}
	return it.inst.read(ctx, it.id)
}

// AsRaw returns the bytes of a Text or Bytes leaf.
func (it Item) AsRaw(ctx context.Context) ([]byte, error) {
	if _, remote := it.inst.routeOf(it.id); remote || it.id.Namespace() == instNamespace {
		v, err := it.AsDataFull(ctx)
		if err != nil {
			return nil, err
		}
		return value.GetRaw(v, nil)
	}
	return it.inst.store.GetRaw(ctx, it.id)
}

// Set merges v into the item.
func (it Item) Set(v value.Value) error {
	return it.inst.Set(it.id, v)
}

// SetBlocking merges v into the item and waits until it is applied.
func (it Item) SetBlocking(ctx context.Context, v value.Value) error {
	return it.inst.SetBlocking(ctx, it.id, v)
}

// Sub subscribes s to the item.
func (it Item) Sub(s Subscription) {
	it.inst.Sub(it.id, s)
}

func (it Item) String() string {
	return it.id.String()
}
