// Package ident implements identifiers: ordered text segments that are
// both a persistence key and a path into a structured value.
//
// Segment 0 is the namespace, segment 1 the store key, and the remaining
// segments form the sub-path into the value stored under that key.
package ident

import (
	"path/filepath"
	"strconv"
	"strings"

	"golang.org/x/text/unicode/norm"

	"github.com/roach88/substrate/internal/fault"
)

// Separator joins segments in the textual form of an identifier.
const Separator = "/"

// ID is an ordered sequence of text segments.
// A valid ID has at least two segments: namespace and store key.
type ID []string

// New creates an ID from pre-split segments.
// Segments are NFC-normalized so that canonically equivalent keys
// address the same datum.
func New(segments ...string) ID {
	id := make(ID, len(segments))
	for i, s := range segments {
		id[i] = norm.NFC.String(s)
	}
	return id
}

// Parse splits a slash-delimited string into an ID.
// Empty segments (leading, trailing or doubled slashes) are dropped.
func Parse(s string) ID {
	parts := strings.Split(s, Separator)
	segs := make([]string, 0, len(parts))
	for _, p := range parts {
		if p != "" {
			segs = append(segs, p)
		}
	}
	return New(segs...)
}

// FromString creates a single-segment ID. It is not Valid until a
// namespace is prepended with WithDefaultNamespace.
func FromString(s string) ID {
	return New(s)
}

// Valid reports whether the ID has a usable namespace and a store key.
func (id ID) Valid() bool {
	return len(id) >= 2 && ValidNamespace(id[0])
}

// ValidNamespace reports whether ns can name a namespace. Namespaces
// become directory names in file-backed stores, so the empty string,
// "." and "..", and anything holding a path separator or NUL are
// refused.
func ValidNamespace(ns string) bool {
	switch ns {
	case "", ".", "..":
		return false
	}
	return !strings.ContainsAny(ns, Separator+string(filepath.Separator)+"\x00")
}

// CheckNamespace returns a decode error when ns is not a valid namespace.
func CheckNamespace(ns string) error {
	if !ValidNamespace(ns) {
		return fault.Newf(fault.KindDecode, "invalid namespace %q", ns)
	}
	return nil
}

// Namespace returns segment 0, or "" for an empty ID.
func (id ID) Namespace() string {
	return id.NthPart(0)
}

// StorePart returns segment 1, or "" if absent.
func (id ID) StorePart() string {
	return id.NthPart(1)
}

// SubPath returns segments 2..n. The result aliases id.
func (id ID) SubPath() []string {
	if len(id) <= 2 {
		return nil
	}
	return id[2:]
}

// NthPart returns segment i, or "" if out of range.
func (id ID) NthPart(i int) string {
	if i < 0 || i >= len(id) {
		return ""
	}
	return id[i]
}

// Key parses the store part as an unsigned 64-bit integer.
func (id ID) Key() (uint64, error) {
	if len(id) >= 1 {
		if err := CheckNamespace(id[0]); err != nil {
			return 0, err
		}
	}
	if !id.Valid() {
		return 0, fault.Newf(fault.KindDecode, "malformed identifier %q: missing store key", id.String())
	}
	k, err := strconv.ParseUint(id[1], 10, 64)
	if err != nil {
		return 0, &fault.Error{
			Kind:    fault.KindDecode,
			Message: "malformed identifier " + strconv.Quote(id.String()),
			Err:     err,
		}
	}
	return k, nil
}

// Trimmed returns the namespace and store key only.
func (id ID) Trimmed() ID {
	if len(id) <= 2 {
		return id.Clone()
	}
	return id[:2].Clone()
}

// Child returns a copy of id with more segments appended.
func (id ID) Child(segments ...string) ID {
	out := make(ID, 0, len(id)+len(segments))
	out = append(out, id...)
	return append(out, New(segments...)...)
}

// WithDefaultNamespace prepends ns when the ID has no namespace: fewer
// than two segments, or a first segment that is a bare store key.
func (id ID) WithDefaultNamespace(ns string) ID {
	if len(id) >= 2 && !isKey(id[0]) {
		return id
	}
	out := make(ID, 0, len(id)+1)
	out = append(out, norm.NFC.String(ns))
	return append(out, id...)
}

// HasPrefix reports whether prefix is a leading sub-sequence of id.
func (id ID) HasPrefix(prefix ID) bool {
	if len(prefix) > len(id) {
		return false
	}
	for i := range prefix {
		if id[i] != prefix[i] {
			return false
		}
	}
	return true
}

// Related reports whether one ID is a prefix of the other, meaning a
// change at one can change the value seen at the other.
func (id ID) Related(other ID) bool {
	return id.HasPrefix(other) || other.HasPrefix(id)
}

// Equal reports segment-wise equality.
func (id ID) Equal(other ID) bool {
	return len(id) == len(other) && id.HasPrefix(other)
}

// Clone returns a copy that does not share storage with id.
func (id ID) Clone() ID {
	out := make(ID, len(id))
	copy(out, id)
	return out
}

// String returns the slash-delimited form.
func (id ID) String() string {
	return strings.Join(id, Separator)
}

func isKey(s string) bool {
	_, err := strconv.ParseUint(s, 10, 64)
	return err == nil
}
