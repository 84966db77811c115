package store

import (
	"context"

	"entitytx/pkg/primitives"
	"entitytx/pkg/record"
)

// Op is the kind of change a Mutation makes.
type Op int

const (
	// OpInsert creates a record at version 1. Fails if the id exists.
	OpInsert Op = iota
	// OpUpdate replaces the payload and increments the version.
	OpUpdate
	// OpTouch increments the version and keeps the payload.
	OpTouch
	// OpDelete removes the record and cascades to owned records.
	OpDelete
	// OpVerify only checks the version.
	OpVerify
)

func (op Op) String() string {
	switch op {
	case OpInsert:
		return "INSERT"
	case OpUpdate:
		return "UPDATE"
	case OpTouch:
		return "TOUCH"
	case OpDelete:
		return "DELETE"
	case OpVerify:
		return "VERIFY"
	default:
		return "UNKNOWN"
	}
}

// Mutation is one change in an Apply batch.
type Mutation struct {
	Op       Op
	ID       primitives.RecordID
	Payload  record.Payload     // Insert, Update
	Expected primitives.Version // every op except Insert
}

// Outcome reports the effect of one Mutation.
type Outcome struct {
	ID primitives.RecordID
	Op Op

	// Version is the record's version after the batch; NoVersion when the
	// mutation removed it.
	Version primitives.Version

	// Payload is the record's payload after the batch, nil when removed.
	Payload record.Payload

	// Removed lists records this mutation deleted besides ID itself:
	// cascaded owned records for OpDelete, orphans for OpUpdate.
	Removed []primitives.RecordID
}

// Store is the Versioned Record Store contract.
type Store interface {
	// Get returns the current record or a NotFound error.
	Get(ctx context.Context, id primitives.RecordID) (record.Record, error)

	// Insert persists a new record at version 1.
	Insert(ctx context.Context, id primitives.RecordID, payload record.Payload) (primitives.Version, error)

	// Put replaces the payload if expected equals the stored version and
	// returns the new version.
	Put(ctx context.Context, id primitives.RecordID, payload record.Payload, expected primitives.Version) (primitives.Version, error)

	// Delete removes the record if expected equals the stored version and
	// returns every removed id, the record itself first.
	Delete(ctx context.Context, id primitives.RecordID, expected primitives.Version) ([]primitives.RecordID, error)

	// Apply validates and applies a batch all-or-nothing.
	Apply(ctx context.Context, batch []Mutation) ([]Outcome, error)

	// Scan returns every record of a kind ordered by key.
	Scan(ctx context.Context, kind primitives.EntityKind) ([]record.Record, error)

	// NextKey hands out the next generated key for a kind.
	NextKey(ctx context.Context, kind primitives.EntityKind) (string, error)

	// Rules returns the ownership rules the store was built with.
	Rules() *Rules

	Close() error
}

// Put runs a single Update through s.Apply. Engines use it to implement
// Store.Put.
func Put(ctx context.Context, s Store, id primitives.RecordID, payload record.Payload, expected primitives.Version) (primitives.Version, error) {
	out, err := s.Apply(ctx, []Mutation{{Op: OpUpdate, ID: id, Payload: payload, Expected: expected}})
	if err != nil {
		return primitives.NoVersion, err
	}
	return out[0].Version, nil
}

// Insert runs a single Insert through s.Apply.
func Insert(ctx context.Context, s Store, id primitives.RecordID, payload record.Payload) (primitives.Version, error) {
	out, err := s.Apply(ctx, []Mutation{{Op: OpInsert, ID: id, Payload: payload}})
	if err != nil {
		return primitives.NoVersion, err
	}
	return out[0].Version, nil
}

// Delete runs a single Delete through s.Apply.
func Delete(ctx context.Context, s Store, id primitives.RecordID, expected primitives.Version) ([]primitives.RecordID, error) {
	out, err := s.Apply(ctx, []Mutation{{Op: OpDelete, ID: id, Expected: expected}})
	if err != nil {
		return nil, err
	}
	return append([]primitives.RecordID{id}, out[0].Removed...), nil
}
