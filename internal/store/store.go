package store

import (
	"context"
	"fmt"
	"iter"
	"math"
	"strconv"

	"github.com/roach88/substrate/internal/fault"
	"github.com/roach88/substrate/internal/ident"
	"github.com/roach88/substrate/internal/value"
)

// Store is the capability set every realization provides.
type Store interface {
	// NewID reserves and returns the next unused store key as text.
	NewID(ctx context.Context) (string, error)

	// Set installs v at id. If a value already exists under id's
	// namespace and key, v is placed at id's sub-path within it.
	Set(ctx context.Context, id ident.ID, v value.Value) error

	// GetFull returns the value at id. An absent key yields Null.
	GetFull(ctx context.Context, id ident.ID) (value.Value, error)

	// GetRaw returns the bytes of the Text or Bytes leaf at id.
	GetRaw(ctx context.Context, id ident.ID) ([]byte, error)

	// FirstID returns the smallest key present in ns.
	FirstID(ctx context.Context, ns string) (uint64, bool, error)

	// NextID returns the smallest key in ns greater than prev.
	NextID(ctx context.Context, ns string, prev uint64) (uint64, bool, error)

	Close() error
}

// Kind names a realization.
type Kind string

const (
	KindMemory Kind = "memory"
	KindDisk   Kind = "disk"
	KindSQLite Kind = "sqlite"
	KindBolt   Kind = "bolt"
)

// Options selects and locates a realization.
type Options struct {
	Kind Kind

	// Path is the directory (disk) or database file (sqlite, bolt).
	// Ignored for memory.
	Path string
}

// Open opens the realization named by opts.Kind.
// An empty kind opens a memory store.
func Open(ctx context.Context, opts Options) (Store, error) {
	switch opts.Kind {
	case "", KindMemory:
		return NewMemory(), nil
	case KindDisk:
		return OpenDisk(ctx, opts.Path)
	case KindSQLite:
		return OpenSQLite(ctx, opts.Path)
	case KindBolt:
		return OpenBolt(ctx, opts.Path)
	default:
		return nil, fault.Newf(fault.KindUnhandled, "unknown store kind %q", opts.Kind)
	}
}

// IterateIDs yields every key present in ns in ascending order.
// The sequence can be ranged over any number of times; each pass starts
// again from FirstID. Iteration stops at the first error.
func IterateIDs(ctx context.Context, s Store, ns string) iter.Seq2[uint64, error] {
	return func(yield func(uint64, error) bool) {
		key, ok, err := s.FirstID(ctx, ns)
		for {
			if err != nil {
				yield(0, err)
				return
			}
			if !ok {
				return
			}
			if !yield(key, nil) {
				return
			}
			key, ok, err = s.NextID(ctx, ns, key)
		}
	}
}

// keyOf validates id and returns its namespace and numeric key. Key
// refuses namespaces that could leave a file-backed store's root.
func keyOf(id ident.ID) (string, uint64, error) {
	k, err := id.Key()
	if err != nil {
		return "", 0, err
	}
	return id.Namespace(), k, nil
}

// applySet computes the new stored root for a Set at id.
func applySet(root value.Value, id ident.ID, v value.Value) (value.Value, error) {
	if root == nil {
		root = value.Null{}
	}
	next, err := value.SetPath(root, id.SubPath(), v)
	if err != nil {
		return nil, fmt.Errorf("set %s: %w", id, err)
	}
	return next, nil
}

// advance returns the counter value after key has been written.
func advance(next, key uint64) uint64 {
	if key >= next && key < math.MaxUint64 {
		return key + 1
	}
	return next
}

func formatKey(k uint64) string {
	return strconv.FormatUint(k, 10)
}

// getFull descends root along id's sub-path.
func getFull(root value.Value, id ident.ID) (value.Value, error) {
	if root == nil {
		return value.Null{}, nil
	}
	return value.GetPath(root, id.SubPath())
}

func getRaw(root value.Value, id ident.ID) ([]byte, error) {
	if root == nil {
		root = value.Null{}
	}
	return value.GetRaw(root, id.SubPath())
}
