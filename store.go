package txkv

import "errors"

type (
	// TableID identifies a table or index storage region in the tier.
	TableID uint64

	// Key is a row key. All tier keys are unsigned 64-bit; record payloads
	// are opaque bytes whose interpretation is owned by this package.
	Key uint64
)

// Snapshot identifies which committed versions of data are visible to a
// transaction.
type Snapshot struct {
	Version uint64
}

// TableRef is the tier-side handle of a table keyspace.
type TableRef struct {
	ID   TableID
	Name string
}

// VersionedRecord is the result of a snapshot read.
type VersionedRecord struct {
	Data    []byte // nil if not found
	Version uint64
}

func (r VersionedRecord) Found() bool {
	return r.Data != nil
}

// KV is one entry of a range read.
type KV struct {
	Key  Key
	Data []byte
}

// Ack is the empty result of a mutation request.
type Ack struct{}

// ErrTableNotFound is returned by Store.GetTable for an unknown table name.
var ErrTableNotFound = errors.New("txkv: table not found")

// Store is the remote row-storage tier: versioned get/insert/update/remove
// and commit of opaque byte records, plus compensating reverts. Every call
// is asynchronous; reads and mutations return futures that complete when
// the tier acknowledges the request.
//
// Mutations become visible to Range and to reads at newer snapshots as soon
// as they are acknowledged; Commit finalizes the snapshot and is the point
// where the tier may report a conflict.
type Store interface {
	// GetTable resolves a table name to its tier-side handle.
	GetTable(name string) *Future[TableRef]

	// CreateTable creates a fresh table keyspace.
	CreateTable(name string) (TableRef, error)

	// Begin allocates a new snapshot.
	Begin() (Snapshot, error)

	// Get reads the newest version of a record visible at snap.
	Get(snap Snapshot, table TableID, key Key) *Future[VersionedRecord]

	// Insert stores a new record. Fails if the key already holds one.
	Insert(table TableID, key Key, rec []byte) *Future[Ack]

	// Update replaces an existing record.
	Update(table TableID, key Key, rec []byte) *Future[Ack]

	// Remove deletes a record.
	Remove(table TableID, key Key) *Future[Ack]

	// Revert is a compensating write: it undoes the most recent mutation of
	// (table, key). Reverting a key with no mutations acknowledges as a
	// no-op, so undo-log replay is safe even if forward writes never ran.
	Revert(table TableID, key Key) *Future[Ack]

	// Range reads every live record of a table.
	Range(table TableID) *Future[[]KV]

	// Commit finalizes a snapshot. Returns ErrConflict if the tier cannot
	// commit it.
	Commit(snap Snapshot) error
}
