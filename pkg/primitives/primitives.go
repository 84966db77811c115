package primitives

import (
	"cmp"
	"fmt"
	"hash/fnv"
)

// EntityKind names a class of records ("Customer", "Address", "CD").
// Cache enablement and ownership rules are declared per kind.
type EntityKind string

// RecordID identifies a single record. The key is opaque to the core and
// only unique within its kind.
type RecordID struct {
	Kind EntityKind
	Key  string
}

// NewRecordID builds a RecordID from a kind and a key.
func NewRecordID(kind EntityKind, key string) RecordID {
	return RecordID{Kind: kind, Key: key}
}

// IsZero reports whether the id has neither kind nor key.
func (r RecordID) IsZero() bool {
	return r.Kind == "" && r.Key == ""
}

// Valid reports whether the id is usable as a store key.
func (r RecordID) Valid() bool {
	return r.Kind != "" && r.Key != ""
}

// Compare orders ids by kind, then lexically by key.
func (r RecordID) Compare(other RecordID) int {
	if c := cmp.Compare(r.Kind, other.Kind); c != 0 {
		return c
	}
	return cmp.Compare(r.Key, other.Key)
}

// Less is the ordering used by the B-tree backed store.
func (r RecordID) Less(other RecordID) bool {
	return r.Compare(other) < 0
}

// Equals checks if two record ids are equal.
func (r RecordID) Equals(other RecordID) bool {
	return r == other
}

// HashCode returns an FNV-1a hash of the id.
func (r RecordID) HashCode() HashCode {
	h := fnv.New64a()
	h.Write([]byte(r.Kind))
	h.Write([]byte{0})
	h.Write([]byte(r.Key))
	return HashCode(h.Sum64())
}

func (r RecordID) String() string {
	return fmt.Sprintf("%s#%s", r.Kind, r.Key)
}
