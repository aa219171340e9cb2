// Package instance implements the substrate runtime: a single-writer
// operation loop over a store, with subscriptions, peer connections and
// request/reply correlation.
//
// # Data flow for a write
//
//	Set(id, v) -> queue -> Run: GetFull, Merge, store.Set -> fan-out
//
// Fan-out reaches every subscription whose identifier is an ancestor,
// descendant or equal of the written one, except a Peer subscription for
// the connection the write came from.
//
// # Peers
//
// A transport registers each peer with NewConnection, feeds decoded
// messages to GotMsg and drains the connection's outbox with Conn.Next.
// Namespaces routed to a connection turn local calls into protocol
// messages: Set sends UPDATE, Item.AsDataFull sends GET and waits for
// GIVE, NewItem sends CREATE and waits for CREATE-REPLY.
package instance
