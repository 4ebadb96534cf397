package txkv

import (
	"sort"

	"github.com/google/btree"
)

// Each open index gets a per-transaction overlay: the staged cache of this
// transaction's uncommitted index mutations layered over the shared persisted
// structure. Reads merge both sides; commit drains the staged side into the
// persisted one.

type stagedOp uint8

const (
	stagedInsert stagedOp = 1
	stagedDelete stagedOp = 2
)

func (op stagedOp) String() string {
	switch op {
	case stagedInsert:
		return "insert"
	case stagedDelete:
		return "delete"
	default:
		return "invalid"
	}
}

// stagedEntry is one uncommitted index mutation: the indexed field values of
// the affected row plus the row key. Staged entries carry the max version
// marker implicitly; a real version is assigned only at commit.
type stagedEntry struct {
	fields []Field
	rowKey Key
	op     stagedOp
}

// stagedKey is the key a staged entry would carry if written: the max
// version marker with a zero disambiguator, sorting after every committed
// version of the same fields.
func (e stagedEntry) stagedKey() indexKey {
	return indexKey{fields: e.fields, version: maxVersionMarker, disamb: 0}
}

func stagedEntryLess(a, b stagedEntry) bool {
	if c := fieldsCompare(a.fields, b.fields); c != 0 {
		return c < 0
	}
	return a.rowKey < b.rowKey
}

type indexOverlay struct {
	def      IndexDef
	fieldIDs []int
	tree     *indexTree
	staged   *btree.BTreeG[stagedEntry]
}

func newIndexOverlay(def IndexDef, fieldIDs []int, tree *indexTree) *indexOverlay {
	return &indexOverlay{
		def:      def,
		fieldIDs: fieldIDs,
		tree:     tree,
		staged:   btree.NewG(8, stagedEntryLess),
	}
}

// keyFields extracts the indexed field values of a row, in index field order.
func (ov *indexOverlay) keyFields(t *Tuple) []Field {
	fields := make([]Field, len(ov.fieldIDs))
	for i, id := range ov.fieldIDs {
		fields[i] = t.At(id)
	}
	return fields
}

// A mutation staged against its own opposite cancels out instead of
// stacking, so an insert-then-remove of the same row within one transaction
// leaves no trace in the index.
func (ov *indexOverlay) stage(fields []Field, rowKey Key, op stagedOp) {
	probe := stagedEntry{fields: fields, rowKey: rowKey}
	if prev, ok := ov.staged.Get(probe); ok && prev.op != op {
		ov.staged.Delete(probe)
		return
	}
	probe.op = op
	ov.staged.ReplaceOrInsert(probe)
}

func (ov *indexOverlay) onInsert(t *Tuple, rowKey Key) {
	ov.stage(ov.keyFields(t), rowKey, stagedInsert)
}

func (ov *indexOverlay) onRemove(old *Tuple, rowKey Key) {
	ov.stage(ov.keyFields(old), rowKey, stagedDelete)
}

// onUpdate stages nothing when the indexed fields did not change.
func (ov *indexOverlay) onUpdate(old, updated *Tuple, rowKey Key) {
	oldFields := ov.keyFields(old)
	newFields := ov.keyFields(updated)
	if fieldsCompare(oldFields, newFields) == 0 {
		return
	}
	ov.stage(oldFields, rowKey, stagedDelete)
	ov.stage(newFields, rowKey, stagedInsert)
}

// stagedOps returns every staged mutation in key order, for commit planning.
func (ov *indexOverlay) stagedOps() []stagedEntry {
	out := make([]stagedEntry, 0, ov.staged.Len())
	ov.staged.Ascend(func(e stagedEntry) bool {
		out = append(out, e)
		return true
	})
	return out
}

// IndexEntry is one row reference yielded by an index scan.
type IndexEntry struct {
	Fields []Field
	RowKey Key
}

// lowerBound opens a merged scan over the persisted structure and the staged
// cache, starting at the first entry whose indexed fields are >= prefix.
func (ov *indexOverlay) lowerBound(prefix []Field) (*IndexIterator, error) {
	cursor, err := ov.tree.lowerBound(seekKey(prefix))
	if err != nil {
		return nil, err
	}
	var staged []stagedEntry
	ov.staged.AscendGreaterOrEqual(stagedEntry{fields: prefix}, func(e stagedEntry) bool {
		staged = append(staged, e)
		return true
	})
	it := &IndexIterator{tree: cursor, staged: staged}
	it.advance()
	return it, nil
}

// IndexIterator yields merged index entries in ascending field order. A
// staged delete masks the matching persisted entry; a staged insert appears
// as if committed. The iterator is done exactly when both sides are
// exhausted.
type IndexIterator struct {
	tree   *treeCursor
	staged []stagedEntry
	spos   int

	cur   IndexEntry
	curOK bool

	haveLast   bool
	lastFields []Field
	lastRow    Key
}

func (it *IndexIterator) Done() bool {
	return !it.curOK
}

func (it *IndexIterator) Entry() IndexEntry {
	if !it.curOK {
		panic("txkv: Entry called on a finished index iterator")
	}
	return it.cur
}

func (it *IndexIterator) Next() {
	if !it.curOK {
		panic("txkv: Next called on a finished index iterator")
	}
	it.advance()
}

func (it *IndexIterator) advance() {
	for {
		treeDone := it.tree.done()
		stagedDone := it.spos >= len(it.staged)
		if treeDone && stagedDone {
			it.curOK = false
			return
		}

		// Persisted entries sort before staged ones for equal fields, since
		// staged entries carry the max version marker.
		takeTree := !treeDone &&
			(stagedDone || fieldsCompare(it.tree.current().key.fields, it.staged[it.spos].fields) <= 0)

		if takeTree {
			e := it.tree.current()
			it.tree.next()
			if it.stagedDeleteMasks(e.key.fields, e.rowKey) {
				continue
			}
			if it.emit(e.key.fields, e.rowKey) {
				return
			}
			continue
		}

		se := it.staged[it.spos]
		it.spos++
		if se.op == stagedDelete {
			continue
		}
		if it.emit(se.fields, se.rowKey) {
			return
		}
	}
}

// emit reports whether the entry was yielded; duplicates of the previously
// yielded (fields, row key) pair are suppressed.
func (it *IndexIterator) emit(fields []Field, rowKey Key) bool {
	if it.haveLast && rowKey == it.lastRow && fieldsCompare(fields, it.lastFields) == 0 {
		return false
	}
	it.cur = IndexEntry{Fields: fields, RowKey: rowKey}
	it.curOK = true
	it.haveLast = true
	it.lastFields = fields
	it.lastRow = rowKey
	return true
}

func (it *IndexIterator) stagedDeleteMasks(fields []Field, rowKey Key) bool {
	probe := stagedEntry{fields: fields, rowKey: rowKey}
	i := sort.Search(len(it.staged), func(i int) bool {
		return !stagedEntryLess(it.staged[i], probe)
	})
	if i < len(it.staged) {
		e := it.staged[i]
		if e.rowKey == rowKey && fieldsCompare(e.fields, fields) == 0 {
			return e.op == stagedDelete
		}
	}
	return false
}
