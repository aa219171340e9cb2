// Package transport carries the peer protocol over unix stream sockets
// and websockets.
//
// Every accepted or dialed connection becomes a Peer: one goroutine
// decodes frames and hands them to Instance.GotMsg, another drains the
// instance connection's outbox onto the wire. When either side stops,
// the connection is unregistered from the instance and closed.
//
// Stream sockets frame each message with a 4-byte big-endian length;
// websockets carry one message per binary frame.
package transport
