package instance

import (
	"strconv"

	"github.com/roach88/substrate/internal/ident"
)

// DefaultNamespace is used when no namespace is configured.
const DefaultNamespace = "local"

// Route says where a namespace lives.
type Route struct {
	Local bool
	Conn  uint64
}

func (r Route) String() string {
	if r.Local {
		return "local"
	}
	return "con/" + strconv.FormatUint(r.Conn, 10)
}

// NamespaceFromString resolves ns through the namespace table. Namespaces
// that are not in the table are served by the local store.
func (i *Instance) NamespaceFromString(ns string) Route {
	i.nsMu.RLock()
	defer i.nsMu.RUnlock()

	if r, ok := i.namespaces[ns]; ok {
		return r
	}
	return Route{Local: true}
}

// SetNamespace makes ns the default namespace and routes it locally.
func (i *Instance) SetNamespace(ns string) {
	i.nsMu.Lock()
	defer i.nsMu.Unlock()

	i.defaultNS = ns
	i.namespaces[ns] = Route{Local: true}
}

// DefaultNamespace returns the namespace prepended to short identifiers.
func (i *Instance) DefaultNamespace() string {
	i.nsMu.RLock()
	defer i.nsMu.RUnlock()
	return i.defaultNS
}

// ConnectionSetNamespace routes ns to a connection.
func (i *Instance) ConnectionSetNamespace(connID uint64, ns string) {
	if conn, ok := i.connection(connID); ok {
		conn.setNamespace(ns)
	}

	i.nsMu.Lock()
	i.namespaces[ns] = Route{Conn: connID}
	i.nsMu.Unlock()

	i.logger.Info("namespace routed to connection", "namespace", ns, "conn", connID)
}

// Namespaces returns a copy of the namespace table.
func (i *Instance) Namespaces() map[string]Route {
	i.nsMu.RLock()
	defer i.nsMu.RUnlock()

	out := make(map[string]Route, len(i.namespaces))
	for ns, r := range i.namespaces {
		out[ns] = r
	}
	return out
}

// normalize prepends the default namespace when id lacks one.
func (i *Instance) normalize(id ident.ID) ident.ID {
	return id.WithDefaultNamespace(i.DefaultNamespace())
}

// routeOf returns the connection serving id's namespace, if it is remote
// and the connection is still registered.
func (i *Instance) routeOf(id ident.ID) (*Conn, bool) {
	return i.connFor(id.Namespace())
}

func (i *Instance) connFor(ns string) (*Conn, bool) {
	r := i.NamespaceFromString(ns)
	if r.Local {
		return nil, false
	}
	return i.connection(r.Conn)
}
