package store

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"
	"sync"

	"golang.org/x/sys/unix"

	"github.com/roach88/substrate/internal/fault"
	"github.com/roach88/substrate/internal/ident"
	"github.com/roach88/substrate/internal/value"
)

// On-disk layout below the store root.
const (
	pidFile    = "pid"
	nextIDFile = "next_id"
	dataDir    = "store"
)

// Disk keeps one CBOR file per key under a root directory.
//
// Layout:
//
//	<root>/pid                    ASCII process id of the owner
//	<root>/next_id                ASCII decimal of the next unused key
//	<root>/store/<ns>/<key>       CBOR encoding of one value
type Disk struct {
	root string

	mu     sync.Mutex
	closed bool
}

// OpenDisk opens (creating if needed) the store rooted at root.
// Fails with fault.ErrAlreadyOpen if the pid file names a live process.
func OpenDisk(_ context.Context, root string) (*Disk, error) {
	if root == "" {
		return nil, fault.New(fault.KindIO, "disk store requires a root directory")
	}
	if err := os.MkdirAll(filepath.Join(root, dataDir), 0o755); err != nil {
		return nil, fault.IO("create store directory", err)
	}

	if err := acquirePid(filepath.Join(root, pidFile)); err != nil {
		return nil, err
	}

	return &Disk{root: root}, nil
}

// acquirePid claims the pid file for this process.
func acquirePid(path string) error {
	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if pid, perr := strconv.Atoi(strings.TrimSpace(string(data))); perr == nil && processAlive(pid) {
			return &fault.Error{
				Kind:    fault.KindAlreadyOpen,
				Message: fmt.Sprintf("store already opened by pid %d", pid),
			}
		}
	case errors.Is(err, fs.ErrNotExist):
	default:
		return fault.IO("read pid file", err)
	}

	if err := writeFileAtomic(path, []byte(strconv.Itoa(os.Getpid()))); err != nil {
		return fault.IO("write pid file", err)
	}
	return nil
}

// processAlive probes pid with signal 0. EPERM means the process exists
// but belongs to someone else.
func processAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	err := unix.Kill(pid, 0)
	return err == nil || errors.Is(err, unix.EPERM)
}

// Root returns the store directory.
func (d *Disk) Root() string {
	return d.root
}

func (d *Disk) NewID(_ context.Context) (string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	next, err := d.readNextID()
	if err != nil {
		return "", err
	}
	if err := d.writeNextID(next + 1); err != nil {
		return "", err
	}
	return formatKey(next), nil
}

func (d *Disk) Set(_ context.Context, id ident.ID, v value.Value) error {
	ns, k, err := keyOf(id)
	if err != nil {
		return err
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	root, err := d.load(ns, k)
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

	dir := filepath.Join(d.root, dataDir, ns)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fault.IO("create namespace directory", err)
	}
	if err := writeFileAtomic(filepath.Join(dir, formatKey(k)), data); err != nil {
		return fault.IO("write "+id.Trimmed().String(), err)
	}

	counter, err := d.readNextID()
	if err != nil {
		return err
	}
	if n := advance(counter, k); n != counter {
		return d.writeNextID(n)
	}
	return nil
}

func (d *Disk) GetFull(_ context.Context, id ident.ID) (value.Value, error) {
	ns, k, err := keyOf(id)
	if err != nil {
		return nil, err
	}
	d.mu.Lock()
	root, err := d.load(ns, k)
	d.mu.Unlock()
	if err != nil {
		return nil, err
	}
	return getFull(root, id)
}

func (d *Disk) GetRaw(_ context.Context, id ident.ID) ([]byte, error) {
	ns, k, err := keyOf(id)
	if err != nil {
		return nil, err
	}
	d.mu.Lock()
	root, err := d.load(ns, k)
	d.mu.Unlock()
	if err != nil {
		return nil, err
	}
	return getRaw(root, id)
}

func (d *Disk) FirstID(_ context.Context, ns string) (uint64, bool, error) {
	keys, err := d.keys(ns)
	if err != nil || len(keys) == 0 {
		return 0, false, err
	}
	return keys[0], true, nil
}

func (d *Disk) NextID(_ context.Context, ns string, prev uint64) (uint64, bool, error) {
	keys, err := d.keys(ns)
	if err != nil {
		return 0, false, err
	}
	i, found := slices.BinarySearch(keys, prev)
	if found {
		i++
	}
	if i >= len(keys) {
		return 0, false, nil
	}
	return keys[i], true, nil
}

// Close releases the pid lock. Further calls are no-ops.
func (d *Disk) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		return nil
	}
	d.closed = true
	if err := os.Remove(filepath.Join(d.root, pidFile)); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fault.IO("remove pid file", err)
	}
	return nil
}

// load returns the stored root for (ns, k), or nil if absent.
func (d *Disk) load(ns string, k uint64) (value.Value, error) {
	data, err := os.ReadFile(filepath.Join(d.root, dataDir, ns, formatKey(k)))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fault.IO("read value file", err)
	}
	v, err := value.UnmarshalCBOR(data)
	if err != nil {
		return nil, fmt.Errorf("%s/%d: %w", ns, k, err)
	}
	return v, nil
}

// keys lists the numeric file names in a namespace directory, ascending.
// Temporary files and anything that is not a key are skipped.
func (d *Disk) keys(ns string) ([]uint64, error) {
	if err := ident.CheckNamespace(ns); err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(filepath.Join(d.root, dataDir, ns))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fault.IO("list namespace "+ns, err)
	}

	keys := make([]uint64, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		k, err := strconv.ParseUint(e.Name(), 10, 64)
		if err != nil {
			continue
		}
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys, nil
}

func (d *Disk) readNextID() (uint64, error) {
	data, err := os.ReadFile(filepath.Join(d.root, nextIDFile))
	if errors.Is(err, fs.ErrNotExist) {
		return 0, nil
	}
	if err != nil {
		return 0, fault.IO("read next_id", err)
	}
	n, err := strconv.ParseUint(strings.TrimSpace(string(data)), 10, 64)
	if err != nil {
		return 0, fault.Decode("parse next_id", err)
	}
	return n, nil
}

func (d *Disk) writeNextID(n uint64) error {
	if err := writeFileAtomic(filepath.Join(d.root, nextIDFile), []byte(formatKey(n))); err != nil {
		return fault.IO("write next_id", err)
	}
	return nil
}

// writeFileAtomic writes data to a temporary file beside path and renames
// it into place, so readers never observe a partial file.
func writeFileAtomic(path string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), ".tmp-"+filepath.Base(path)+"-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return err
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return err
	}
	return nil
}
