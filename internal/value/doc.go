// Package value implements the structured value model of the data tree.
//
// A Value is one of Null, Bool, Int (128-bit signed), Text, Bytes, Map
// (ordered, text keys) or Array. Every datum in the tree is addressed by a
// path of map keys below a stored root value.
//
// Operations:
//   - Merge: recursive map merge, anything else replaces
//   - GetPath / SetPath: navigation and copy-on-write update by path
//   - GetRaw: byte view of a Text or Bytes leaf
//   - Parse: coercion of command-line text into a typed leaf
//
// Values travel between processes and to disk as self-describing CBOR
// (MarshalCBOR / UnmarshalCBOR). Map order survives the round trip.
//
// This package imports nothing internal except fault.
package value
