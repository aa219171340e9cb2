package instance

import (
	"context"
	"slices"
	"strconv"

	"github.com/roach88/substrate/internal/fault"
	"github.com/roach88/substrate/internal/ident"
	"github.com/roach88/substrate/internal/value"
)

// The inst namespace is a virtual tree describing this instance:
//
//	inst/run_id
//	inst/namespace
//	inst/con_by_id/<id>/namespace
//	inst/con_by_id/<id>/peer/...     what the peer advertised about itself
//	inst/namespaces/<ns>             "local" or "con/<id>"
//
// Only the peer subtree is writable.
const instNamespace = "inst"

// selfSegment stands for the sending connection in a peer's UPDATE.
const selfSegment = "self"

// advertiseID is where a peer announces the namespace it serves.
var advertiseID = ident.New(instNamespace, "con_by_id", selfSegment, "peer", "0", "config", "namespace")

var advertisedNamespacePath = []string{"0", "config", "namespace"}

// instTree materializes the inst namespace.
func (i *Instance) instTree() value.Value {
	ids := i.Connections()
	slices.Sort(ids)

	byID := make(value.Map, 0, len(ids))
	for _, id := range ids {
		conn, ok := i.connection(id)
		if !ok {
			continue
		}
		byID = append(byID, value.E(strconv.FormatUint(id, 10), value.NewMap(
			value.E("namespace", value.Text(conn.Namespace())),
			value.E("peer", conn.peerInfo()),
		)))
	}

	table := i.Namespaces()
	names := make([]string, 0, len(table))
	for ns := range table {
		names = append(names, ns)
	}
	slices.Sort(names)
	namespaces := make(value.Map, 0, len(names))
	for _, ns := range names {
		namespaces = append(namespaces, value.E(ns, value.Text(table[ns].String())))
	}

	return value.NewMap(
		value.E("run_id", value.Text(i.runID)),
		value.E("namespace", value.Text(i.DefaultNamespace())),
		value.E("con_by_id", byID),
		value.E("namespaces", namespaces),
	)
}

// applyInstSet handles writes into the inst namespace. A peer may write
// under inst/con_by_id/self/peer; "self" is rewritten to its connection
// id. Advertising peer/0/config/namespace routes that namespace to the
// connection.
func (i *Instance) applyInstSet(ctx context.Context, id ident.ID, v value.Value, origin uint64) error {
	if len(id) < 5 || id[1] != "con_by_id" || id[3] != "peer" {
		return fault.Newf(fault.KindUnhandled, "instance tree is read-only at %q", id.String())
	}

	target := origin
	if id[2] != selfSegment {
		n, err := strconv.ParseUint(id[2], 10, 64)
		if err != nil {
			return fault.Newf(fault.KindDecode, "malformed connection id in %q", id.String())
		}
		if origin != LocalOrigin && n != origin {
			return fault.Newf(fault.KindUnhandled, "connection %d may not write %q", origin, id.String())
		}
		target = n
	}
	if target == LocalOrigin {
		return fault.Newf(fault.KindUnhandled, "%q needs a connection", id.String())
	}

	conn, ok := i.connection(target)
	if !ok {
		return fault.Newf(fault.KindChannelClosed, "connection %d not registered", target)
	}

	path := id[4:]
	info := conn.peerInfo()
	cur, err := value.GetPath(info, path)
	if err != nil {
		return err
	}
	info, err = value.SetPath(info, path, value.Merge(cur, v))
	if err != nil {
		return err
	}
	conn.setPeerInfo(info)

	if adv, err := value.GetPath(info, advertisedNamespacePath); err == nil {
		if ns, ok := adv.(value.Text); ok && ns != "" {
			i.adoptPeerNamespace(target, string(ns))
		}
	}

	rewritten := id.Clone()
	rewritten[2] = strconv.FormatUint(target, 10)
	i.fanOut(ctx, rewritten, origin)
	return nil
}

// adoptPeerNamespace routes ns to a connection unless it is served here.
func (i *Instance) adoptPeerNamespace(connID uint64, ns string) {
	if ns == instNamespace {
		i.logger.Warn("peer advertised reserved namespace", "namespace", ns, "conn", connID)
		return
	}
	r, known := i.Namespaces()[ns]
	if known && r.Local {
		i.logger.Debug("peer advertised a local namespace, ignoring", "namespace", ns, "conn", connID)
		return
	}
	if known && r.Conn == connID {
		return
	}
	i.ConnectionSetNamespace(connID, ns)
}
