// Package store persists values by store key within a namespace.
//
// Every realization offers the same capability set (see Store):
//   - NewID: reserve the next unused key, persisting the advance first
//   - Set: install a value, or set_path into the stored one and overwrite
//   - GetFull / GetRaw: read the value (or a leaf's bytes) at an identifier
//   - FirstID / NextID: ascending, restartable key iteration
//
// # Realizations
//
//   - memory: maps behind one RWMutex; nothing survives Close
//   - disk: a directory with pid lock, next_id counter and one CBOR file per key
//   - sqlite: WAL-mode database with a single writer connection
//   - bolt: bbolt file, one bucket per namespace
//
// The disk and bolt realizations enforce single-process exclusion and fail
// with fault.ErrAlreadyOpen while another holder is alive.
//
// Stores are safe for concurrent use, but the instance funnels every write
// through its operation queue, so in practice there is one writer.
package store
