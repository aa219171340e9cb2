package store

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/roach88/substrate/internal/fault"
	"github.com/roach88/substrate/internal/ident"
	"github.com/roach88/substrate/internal/value"
)

var (
	bucketMeta    = []byte("meta")
	bucketEntries = []byte("entries")
	keyNextID     = []byte("next_id")
)

// boltLockTimeout bounds the wait for bbolt's exclusive file lock.
const boltLockTimeout = time.Second

// Bolt keeps values in a bbolt file. Each namespace is a nested bucket
// under "entries"; keys are big-endian uint64 so cursor order is numeric.
type Bolt struct {
	db *bolt.DB
}

// OpenBolt opens (creating if needed) the bbolt file at path.
// Fails with fault.ErrAlreadyOpen if another process holds the file lock.
func OpenBolt(_ context.Context, path string) (*Bolt, error) {
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: boltLockTimeout})
	if errors.Is(err, bolt.ErrTimeout) {
		return nil, &fault.Error{Kind: fault.KindAlreadyOpen, Message: "store already opened: " + path, Err: err}
	}
	if err != nil {
		return nil, fault.IO("open bolt database", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(bucketMeta); err != nil {
			return err
		}
		_, err := tx.CreateBucketIfNotExists(bucketEntries)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fault.IO("create buckets", err)
	}
	return &Bolt{db: db}, nil
}

func (b *Bolt) Close() error {
	if err := b.db.Close(); err != nil {
		return fault.IO("close bolt database", err)
	}
	return nil
}

func (b *Bolt) NewID(_ context.Context) (string, error) {
	var next uint64
	err := b.db.Update(func(tx *bolt.Tx) error {
		meta := tx.Bucket(bucketMeta)
		next = decodeKey(meta.Get(keyNextID))
		return meta.Put(keyNextID, encodeKey(next+1))
	})
	if err != nil {
		return "", fault.IO("new id", err)
	}
	return formatKey(next), nil
}

func (b *Bolt) Set(_ context.Context, id ident.ID, v value.Value) error {
	ns, k, err := keyOf(id)
	if err != nil {
		return err
	}

	return b.db.Update(func(tx *bolt.Tx) error {
		bucket, err := tx.Bucket(bucketEntries).CreateBucketIfNotExists([]byte(ns))
		if err != nil {
			return fault.IO("create namespace bucket", err)
		}
		root, err := decodeStored(bucket.Get(encodeKey(k)), ns, k)
		if err != nil {
			return err
		}
		next, err := applySet(root, id, v)
		if err != nil {
			return err
		}
		data, err := value.MarshalCBOR(next)
		if err != nil {
			return fmt.Errorf("set %s: %w", id, err)
		}
		if err := bucket.Put(encodeKey(k), data); err != nil {
			return fault.IO("write entry", err)
		}

		meta := tx.Bucket(bucketMeta)
		counter := decodeKey(meta.Get(keyNextID))
		if n := advance(counter, k); n != counter {
			return meta.Put(keyNextID, encodeKey(n))
		}
		return nil
	})
}

func (b *Bolt) GetFull(_ context.Context, id ident.ID) (value.Value, error) {
	root, err := b.load(id)
	if err != nil {
		return nil, err
	}
	return getFull(root, id)
}

func (b *Bolt) GetRaw(_ context.Context, id ident.ID) ([]byte, error) {
	root, err := b.load(id)
	if err != nil {
		return nil, err
	}
	return getRaw(root, id)
}

func (b *Bolt) FirstID(_ context.Context, ns string) (key uint64, ok bool, err error) {
	err = b.db.View(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(bucketEntries).Bucket([]byte(ns))
		if bucket == nil {
			return nil
		}
		if k, _ := bucket.Cursor().First(); k != nil {
			key, ok = decodeKey(k), true
		}
		return nil
	})
	return key, ok, err
}

func (b *Bolt) NextID(_ context.Context, ns string, prev uint64) (key uint64, ok bool, err error) {
	if prev == ^uint64(0) {
		return 0, false, nil
	}
	err = b.db.View(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(bucketEntries).Bucket([]byte(ns))
		if bucket == nil {
			return nil
		}
		if k, _ := bucket.Cursor().Seek(encodeKey(prev + 1)); k != nil {
			key, ok = decodeKey(k), true
		}
		return nil
	})
	return key, ok, err
}

func (b *Bolt) load(id ident.ID) (value.Value, error) {
	ns, k, err := keyOf(id)
	if err != nil {
		return nil, err
	}
	var root value.Value
	err = b.db.View(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(bucketEntries).Bucket([]byte(ns))
		if bucket == nil {
			return nil
		}
		// Get's slice is only valid inside the transaction; decoding copies.
		root, err = decodeStored(bucket.Get(encodeKey(k)), ns, k)
		return err
	})
	return root, err
}

func decodeStored(data []byte, ns string, k uint64) (value.Value, error) {
	if data == nil {
		return nil, nil
	}
	v, err := value.UnmarshalCBOR(data)
	if err != nil {
		return nil, fmt.Errorf("%s/%d: %w", ns, k, err)
	}
	return v, nil
}

func encodeKey(k uint64) []byte {
	return binary.BigEndian.AppendUint64(nil, k)
}

func decodeKey(b []byte) uint64 {
	if len(b) != 8 {
		return 0
	}
	return binary.BigEndian.Uint64(b)
}
