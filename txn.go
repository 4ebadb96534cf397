package txkv

import (
	"log/slog"
	"slices"

	"github.com/pingcap/errors"
)

// TxnState is the lifecycle state of a transaction. Committed and RolledBack
// are terminal.
type TxnState uint8

const (
	TxnActive TxnState = iota
	TxnCommitted
	TxnRolledBack
)

func (s TxnState) String() string {
	switch s {
	case TxnActive:
		return "active"
	case TxnCommitted:
		return "committed"
	case TxnRolledBack:
		return "rolled back"
	default:
		return "invalid"
	}
}

const currentSchemaVersion = 1

type rowChangeKind uint8

const (
	rcInsert rowChangeKind = 1
	rcUpdate rowChangeKind = 2
	rcRemove rowChangeKind = 3
)

// rowChange is one staged row mutation. Repeated mutations of the same key
// collapse into the change the tier will eventually see: an insert over a
// staged remove becomes an update, a remove of a staged insert vanishes.
type rowChange struct {
	kind  rowChangeKind
	tuple *Tuple // nil for removes
}

// txnTable is the per-transaction view of an opened table: the shared handle
// plus this transaction's staged rows and index overlays.
type txnTable struct {
	ot       *openTable
	changes  map[Key]*rowChange
	overlays []*indexOverlay
}

// Txn is a transaction: a snapshot of the tier plus staged local state.
// Reads see committed data as of the snapshot with this transaction's own
// staged writes layered on top. Nothing reaches the tier before Commit.
//
// A Txn must not be used from multiple goroutines.
type Txn struct {
	store    Store
	reg      *registry
	logger   *slog.Logger
	snap     Snapshot
	readOnly bool
	state    TxnState
	tables   map[TableID]*txnTable
}

func (tx *Txn) State() TxnState { return tx.state }

func (tx *Txn) active() error {
	if tx.state != TxnActive {
		return errors.Annotatef(ErrTxnFinished, "state %v", tx.state)
	}
	return nil
}

func (tx *Txn) writable() error {
	if err := tx.active(); err != nil {
		return err
	}
	if tx.readOnly {
		return ErrReadOnlyTxn
	}
	return nil
}

func (tx *Txn) bind(ot *openTable) *txnTable {
	if tt := tx.tables[ot.table.id]; tt != nil {
		return tt
	}
	tt := &txnTable{ot: ot, changes: make(map[Key]*rowChange)}
	for _, meta := range ot.indexes {
		tt.overlays = append(tt.overlays, newIndexOverlay(meta.def, meta.fieldIDs, meta.tree(tx.store)))
	}
	tx.tables[ot.table.id] = tt
	return tt
}

// OpenTable resolves an existing table. The first open per client reads the
// catalog and discovers index regions; later opens are answered from the
// shared cache without touching the tier.
func (tx *Txn) OpenTable(name string) (*Table, error) {
	if err := tx.active(); err != nil {
		return nil, err
	}
	ot, err := tx.reg.open(tx.snap, name)
	if err != nil {
		return nil, err
	}
	return tx.bind(ot).ot.table, nil
}

// CreateTable provisions a new table with its index regions. Creation takes
// effect immediately; it is not part of the transaction's commit.
func (tx *Txn) CreateTable(name string, schema *Schema) (*Table, error) {
	if err := tx.writable(); err != nil {
		return nil, err
	}
	ot, err := tx.reg.create(name, schema)
	if err != nil {
		return nil, err
	}
	return tx.bind(ot).ot.table, nil
}

func (tx *Txn) table(tbl *Table) (*txnTable, error) {
	if tt := tx.tables[tbl.id]; tt != nil {
		return tt, nil
	}
	return nil, errors.Errorf("txkv: table %q was not opened by this transaction", tbl.name)
}

// effective returns the row as this transaction sees it: staged state first,
// then the committed record at the snapshot.
func (tx *Txn) effective(tt *txnTable, key Key) (*Tuple, bool, error) {
	if ch := tt.changes[key]; ch != nil {
		if ch.kind == rcRemove {
			return nil, false, nil
		}
		return ch.tuple, true, nil
	}
	rec, err := tx.store.Get(tx.snap, tt.ot.table.id, key).Wait()
	if err != nil {
		return nil, false, errors.Annotatef(err, "txkv: get %s/%d", tt.ot.table.name, key)
	}
	if !rec.Found() {
		return nil, false, nil
	}
	t, _, err := decodeRecord(tt.ot.table.schema, rec.Data)
	if err != nil {
		return nil, false, errors.Annotatef(err, "txkv: get %s/%d", tt.ot.table.name, key)
	}
	return t, true, nil
}

// Get reads a row. Rows staged by this transaction are visible; rows removed
// by it are not. Returns ErrRowNotFound for a missing row.
func (tx *Txn) Get(tbl *Table, key Key) (*Tuple, error) {
	if err := tx.active(); err != nil {
		return nil, err
	}
	tt, err := tx.table(tbl)
	if err != nil {
		return nil, err
	}
	t, ok, err := tx.effective(tt, key)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, errors.Annotatef(ErrRowNotFound, "%s/%d", tbl.name, key)
	}
	return t.clone(), nil
}

// Insert stages a new row. Fails with ErrRowExists if the row is visible to
// this transaction, including rows it staged itself.
func (tx *Txn) Insert(tbl *Table, key Key, t *Tuple) error {
	if err := tx.writable(); err != nil {
		return err
	}
	tt, err := tx.table(tbl)
	if err != nil {
		return err
	}
	if err := t.validate(tbl.name); err != nil {
		return err
	}
	_, exists, err := tx.effective(tt, key)
	if err != nil {
		return err
	}
	if exists {
		return errors.Annotatef(ErrRowExists, "%s/%d", tbl.name, key)
	}

	staged := t.clone()
	if ch := tt.changes[key]; ch != nil && ch.kind == rcRemove {
		// The committed row still exists underneath; the tier will see a
		// replacement, not a fresh insert.
		ch.kind, ch.tuple = rcUpdate, staged
	} else {
		tt.changes[key] = &rowChange{kind: rcInsert, tuple: staged}
	}
	for _, ov := range tt.overlays {
		ov.onInsert(staged, key)
	}
	return nil
}

// Update stages a replacement of an existing row. Index entries are restaged
// only for indexes whose field values actually changed.
func (tx *Txn) Update(tbl *Table, key Key, t *Tuple) error {
	if err := tx.writable(); err != nil {
		return err
	}
	tt, err := tx.table(tbl)
	if err != nil {
		return err
	}
	if err := t.validate(tbl.name); err != nil {
		return err
	}
	old, exists, err := tx.effective(tt, key)
	if err != nil {
		return err
	}
	if !exists {
		return errors.Annotatef(ErrRowNotFound, "%s/%d", tbl.name, key)
	}

	staged := t.clone()
	if ch := tt.changes[key]; ch != nil {
		ch.tuple = staged // kind stays: an updated staged insert is still an insert
	} else {
		tt.changes[key] = &rowChange{kind: rcUpdate, tuple: staged}
	}
	for _, ov := range tt.overlays {
		ov.onUpdate(old, staged, key)
	}
	return nil
}

// Remove stages a deletion of an existing row.
func (tx *Txn) Remove(tbl *Table, key Key) error {
	if err := tx.writable(); err != nil {
		return err
	}
	tt, err := tx.table(tbl)
	if err != nil {
		return err
	}
	old, exists, err := tx.effective(tt, key)
	if err != nil {
		return err
	}
	if !exists {
		return errors.Annotatef(ErrRowNotFound, "%s/%d", tbl.name, key)
	}

	if ch := tt.changes[key]; ch != nil && ch.kind == rcInsert {
		delete(tt.changes, key) // never reached the tier, nothing to remove
	} else {
		tt.changes[key] = &rowChange{kind: rcRemove}
	}
	for _, ov := range tt.overlays {
		ov.onRemove(old, key)
	}
	return nil
}

// LowerBound opens an index scan starting at the first entry whose indexed
// field values are >= prefix. The scan merges committed entries with this
// transaction's staged ones.
func (tx *Txn) LowerBound(tbl *Table, indexName string, prefix []Field) (*IndexIterator, error) {
	if err := tx.active(); err != nil {
		return nil, err
	}
	tt, err := tx.table(tbl)
	if err != nil {
		return nil, err
	}
	for _, ov := range tt.overlays {
		if ov.def.Name == indexName {
			return ov.lowerBound(prefix)
		}
	}
	return nil, errors.Errorf("txkv: table %q has no index %q", tbl.name, indexName)
}

// CreateCounter provisions a named counter. Like table creation, this takes
// effect immediately.
func (tx *Txn) CreateCounter(name string) (*RemoteCounter, error) {
	if err := tx.writable(); err != nil {
		return nil, err
	}
	return tx.reg.createCounter(name)
}

// GetCounter returns a handle to an existing counter.
func (tx *Txn) GetCounter(name string) (*RemoteCounter, error) {
	if err := tx.active(); err != nil {
		return nil, err
	}
	return tx.reg.getCounter(name), nil
}

// Rollback discards the transaction. An active transaction has written
// nothing to the tier, so this only drops staged state. Rolling back an
// already rolled back transaction is a no-op; rolling back a committed one
// is an error.
func (tx *Txn) Rollback() error {
	switch tx.state {
	case TxnActive:
		// Nothing was written, but the snapshot is still finalized so the
		// tier can release it.
		return tx.finishRollback(nil)
	case TxnRolledBack:
		return nil
	default:
		return errors.Annotatef(ErrTxnFinished, "state %v", tx.state)
	}
}

// finishRollback finalizes the snapshot with the tier, moves the transaction
// to its terminal rolled-back state, and passes cause through. Every
// rollback path ends here.
func (tx *Txn) finishRollback(cause error) error {
	if err := tx.store.Commit(tx.snap); err != nil {
		tx.logger.Warn("could not finalize snapshot of rolled back transaction",
			"version", tx.snap.Version, "error", err)
	}
	tx.state = TxnRolledBack
	tx.tables = nil
	return cause
}

// commit plan, fixed before anything is written to the tier.

type plannedRow struct {
	table TableID
	key   Key
	kind  rowChangeKind
	data  []byte
}

type plannedIndex struct {
	tree  *indexTree
	entry treeEntry
	op    stagedOp
}

type commitPlan struct {
	rows    []plannedRow
	indexes []plannedIndex
	undo    []undoRecord
	nChunks int
}

// plan freezes the transaction's staged state into writeback order: rows
// first, index entries second. Entry ids for new index entries are allocated
// here so the undo log can name them before they are written.
func (tx *Txn) plan() (*commitPlan, error) {
	p := &commitPlan{}

	tableIDs := make([]TableID, 0, len(tx.tables))
	for tableID := range tx.tables {
		tableIDs = append(tableIDs, tableID)
	}
	slices.Sort(tableIDs)
	for _, tableID := range tableIDs {
		tt := tx.tables[tableID]
		keys := make([]Key, 0, len(tt.changes))
		for key := range tt.changes {
			keys = append(keys, key)
		}
		slices.Sort(keys)
		for _, key := range keys {
			ch := tt.changes[key]
			var data []byte
			if ch.kind != rcRemove {
				var err error
				data, err = encodeRecord(nil, currentSchemaVersion, ch.tuple)
				if err != nil {
					return nil, errors.Annotatef(err, "txkv: encode %s/%d", tt.ot.table.name, key)
				}
			}
			p.rows = append(p.rows, plannedRow{table: tableID, key: key, kind: ch.kind, data: data})
			p.undo = append(p.undo, undoRecord{kind: undoRow, table: tableID, key: key})
		}

		for _, ov := range tt.overlays {
			for _, se := range ov.stagedOps() {
				pi := plannedIndex{tree: ov.tree, op: se.op}
				switch se.op {
				case stagedInsert:
					id, err := tx.reg.entryIDs.Next()
					if err != nil {
						return nil, errors.Annotatef(err, "txkv: index %s", ov.def.Name)
					}
					pi.entry = treeEntry{
						key:    indexKey{fields: se.fields, version: tx.snap.Version, disamb: uint32(id)},
						rowKey: se.rowKey,
						id:     id,
					}
					p.undo = append(p.undo, undoRecord{
						kind: undoIndexInsert, table: ov.tree.nodeRegion, key: Key(id),
						fields: se.fields, rowKey: se.rowKey,
					})
				case stagedDelete:
					existing, ok, err := ov.tree.find(se.fields, se.rowKey)
					if err != nil {
						return nil, errors.Annotatef(err, "txkv: index %s", ov.def.Name)
					}
					if !ok {
						return nil, errors.Errorf("txkv: index %s has no entry for row %d", ov.def.Name, se.rowKey)
					}
					pi.entry = existing
					p.undo = append(p.undo, undoRecord{
						kind: undoIndexDelete, table: ov.tree.nodeRegion, key: Key(existing.id),
						fields: se.fields, rowKey: se.rowKey,
					})
				}
				p.indexes = append(p.indexes, pi)
			}
		}
	}
	return p, nil
}

// Commit pushes the transaction to the tier in a fixed order: the undo log
// becomes durable first, then row records, then index entries, then the
// snapshot is finalized. Every phase is fully acknowledged before the next
// starts. Any failure, including a tier conflict at the final step, rolls
// the writeback back via compensating reverts and leaves the transaction
// RolledBack.
func (tx *Txn) Commit() error {
	if err := tx.active(); err != nil {
		return err
	}
	if tx.readOnly {
		return ErrReadOnlyTxn
	}

	p, err := tx.plan()
	if err != nil {
		return tx.finishRollback(err)
	}
	if len(p.undo) == 0 {
		tx.state = TxnCommitted
		return nil
	}

	futures, nChunks, err := writeUndoLog(tx.store, tx.reg.txLogID, tx.snap.Version, p.undo)
	if err != nil {
		return tx.finishRollback(err)
	}
	p.nChunks = nChunks
	if err := waitAll(futures); err != nil {
		return tx.failCommit(p, errors.Annotate(err, "txkv: undo log write"))
	}

	rowFutures := make([]*Future[Ack], len(p.rows))
	for i, pr := range p.rows {
		switch pr.kind {
		case rcInsert:
			rowFutures[i] = tx.store.Insert(pr.table, pr.key, pr.data)
		case rcUpdate:
			rowFutures[i] = tx.store.Update(pr.table, pr.key, pr.data)
		case rcRemove:
			rowFutures[i] = tx.store.Remove(pr.table, pr.key)
		}
	}
	if err := waitAll(rowFutures); err != nil {
		return tx.failCommit(p, errors.Annotate(err, "txkv: row writeback"))
	}

	idxFutures := make([]*Future[Ack], len(p.indexes))
	for i, pi := range p.indexes {
		if pi.op == stagedInsert {
			idxFutures[i] = pi.tree.applyInsert(pi.entry)
		} else {
			idxFutures[i] = pi.tree.applyDelete(pi.entry)
		}
	}
	if err := waitAll(idxFutures); err != nil {
		return tx.failCommit(p, errors.Annotate(err, "txkv: index writeback"))
	}

	if err := tx.store.Commit(tx.snap); err != nil {
		return tx.failCommit(p, errors.Annotatef(ErrConflict, "%v", err))
	}

	if err := dropUndoLog(tx.store, tx.reg.txLogID, tx.snap.Version, p.nChunks); err != nil {
		tx.logger.Warn("could not drop undo log of committed transaction",
			"version", tx.snap.Version, "error", err)
	}
	tx.state = TxnCommitted
	tx.tables = nil
	return nil
}

// failCommit compensates whatever part of the writeback may have reached the
// tier, in reverse order: index entries first, then rows. Reverts of writes
// that were never issued acknowledge as no-ops.
func (tx *Txn) failCommit(p *commitPlan, cause error) error {
	revertFutures := make([]*Future[Ack], 0, len(p.indexes)+len(p.rows))
	for i := len(p.indexes) - 1; i >= 0; i-- {
		pi := p.indexes[i]
		if pi.op == stagedInsert {
			revertFutures = append(revertFutures, pi.tree.revertInsert(pi.entry))
		} else {
			revertFutures = append(revertFutures, pi.tree.revertDelete(pi.entry))
		}
	}
	for i := len(p.rows) - 1; i >= 0; i-- {
		pr := p.rows[i]
		revertFutures = append(revertFutures, tx.store.Revert(pr.table, pr.key))
	}
	if err := waitAll(revertFutures); err != nil {
		tx.logger.Error("rollback compensation failed",
			"version", tx.snap.Version, "error", err)
	}
	if p.nChunks > 0 {
		if err := dropUndoLog(tx.store, tx.reg.txLogID, tx.snap.Version, p.nChunks); err != nil {
			tx.logger.Warn("could not drop undo log of rolled back transaction",
				"version", tx.snap.Version, "error", err)
		}
	}
	// The snapshot's writes have been compensated, so the tier has nothing
	// left to refuse when the teardown finalizes it.
	tx.logger.Debug("transaction rolled back", "version", tx.snap.Version, "cause", cause)
	return tx.finishRollback(cause)
}
