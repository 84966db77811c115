package primitives

import "fmt"

// Version is the optimistic concurrency counter of a record. The first
// persisted version of a record is InitialVersion and every committed write
// increments it by exactly one.
type Version uint64

// HashCode represents a hash value used for fast comparisons or lookups.
type HashCode uint64

// Sentinel values for versions
const (
	// NoVersion marks "record not observed" (never persisted, or not read).
	NoVersion Version = 0

	// InitialVersion is assigned on first persist.
	InitialVersion Version = 1
)

// Next returns the version following v.
func (v Version) Next() Version {
	return v + 1
}

// IsValid reports whether v belongs to a persisted record.
func (v Version) IsValid() bool {
	return v != NoVersion
}

func (v Version) String() string {
	return fmt.Sprintf("v%d", uint64(v))
}
