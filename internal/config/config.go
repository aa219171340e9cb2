// Package config turns a configuration tree into typed options.
//
// The whole tree is kept as a value.Value: the instance stores it as item
// 0 of its default namespace, so every field stays readable and
// subscribable at runtime. Options picks out the fields the process
// itself acts on.
package config

import (
	"github.com/roach88/substrate/internal/fault"
	"github.com/roach88/substrate/internal/ident"
	"github.com/roach88/substrate/internal/value"
)

// Defaults.
const (
	DefaultNamespace = "local"
	DefaultStore     = "memory"
)

// Options are the settings read from a configuration tree.
type Options struct {
	Namespace string
	Store     Store
	Listen    Listen
	Peers     []Peer
}

// Store selects the store realization.
type Store struct {
	Kind string
	Path string
}

// Listen names the endpoints the run command serves.
type Listen struct {
	Socket    string
	Websocket string
}

// Peer is an instance to dial at startup. Exactly one of Socket and URL
// is set.
type Peer struct {
	Namespace string
	Socket    string
	URL       string
}

// FromValue reads Options from cfg. Absent fields take their defaults;
// fields of the wrong type are a Decode error.
//
//	namespace: home
//	store: {kind: disk, path: /var/lib/substrate}
//	listen: {socket: /run/substrate.sock, websocket: ":8080"}
//	peers:
//	  - {namespace: office, url: ws://office:8080/ws}
func FromValue(cfg value.Value) (Options, error) {
	o := Options{
		Namespace: DefaultNamespace,
		Store:     Store{Kind: DefaultStore},
	}
	if value.IsNull(cfg) {
		return o, nil
	}
	if _, ok := cfg.(value.Map); !ok {
		return Options{}, fault.Newf(fault.KindDecode, "config root is %s, not map", value.TypeName(cfg))
	}

	fields := []struct {
		path []string
		dst  *string
	}{
		{[]string{"namespace"}, &o.Namespace},
		{[]string{"store", "kind"}, &o.Store.Kind},
		{[]string{"store", "path"}, &o.Store.Path},
		{[]string{"listen", "socket"}, &o.Listen.Socket},
		{[]string{"listen", "websocket"}, &o.Listen.Websocket},
	}
	for _, f := range fields {
		if err := text(cfg, f.path, f.dst); err != nil {
			return Options{}, err
		}
	}
	if o.Namespace == "" {
		return Options{}, fault.New(fault.KindDecode, "config namespace is empty")
	}
	if err := ident.CheckNamespace(o.Namespace); err != nil {
		return Options{}, fault.Wrap(fault.KindDecode, "config namespace", err)
	}

	peers, err := value.GetPath(cfg, []string{"peers"})
	if err != nil {
		return Options{}, err
	}
	switch list := peers.(type) {
	case value.Null:
	case value.Array:
		for n, item := range list {
			p, err := peerFrom(item)
			if err != nil {
				return Options{}, fault.Wrap(fault.KindDecode, "config peers", err)
			}
			if p.Socket == "" && p.URL == "" {
				return Options{}, fault.Newf(fault.KindDecode, "config peer %d has neither socket nor url", n)
			}
			o.Peers = append(o.Peers, p)
		}
	default:
		return Options{}, fault.Newf(fault.KindDecode, "config peers is %s, not array", value.TypeName(peers))
	}

	return o, nil
}

func peerFrom(v value.Value) (Peer, error) {
	var p Peer
	for key, dst := range map[string]*string{
		"namespace": &p.Namespace,
		"socket":    &p.Socket,
		"url":       &p.URL,
	} {
		if err := text(v, []string{key}, dst); err != nil {
			return Peer{}, err
		}
	}
	return p, nil
}

// text copies the Text leaf at path into dst, leaving dst alone when the
// leaf is absent.
func text(v value.Value, path []string, dst *string) error {
	leaf, err := value.GetPath(v, path)
	if err != nil {
		return err
	}
	switch x := leaf.(type) {
	case value.Null:
		return nil
	case value.Text:
		*dst = string(x)
		return nil
	default:
		return fault.Newf(fault.KindDecode, "config %v is %s, not text", path, value.TypeName(leaf))
	}
}
