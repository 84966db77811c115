// Package store defines the Versioned Record Store: the boundary between the
// transaction coordinator and a persistence engine.
//
// A store holds records keyed by [primitives.RecordID], each with a version
// that starts at 1 and increases by exactly one on every applied write.
// Writes are compare-and-set: they name the version the caller observed and
// fail with a version conflict if the stored version moved on.
//
// # Batches
//
// [Store.Apply] is the primitive every engine implements. A batch of
// [Mutation] values is validated in full against the current state before
// anything is written; the first failing check aborts the batch and leaves
// the store untouched. Put, Insert and Delete are single-mutation batches.
//
// # Ownership
//
// [Rules] replace annotation-driven cascade metadata. A rule says that a
// record of the owner kind exclusively owns the record of the owned kind
// whose key is stored in the owner's reference attribute. Deleting an owner
// deletes its owned records recursively; an update that changes the
// reference removes the record previously referenced (orphan removal).
//
// Engines live in subpackages: memstore (B-tree in memory) and sqlstore
// (SQLite).
package store
