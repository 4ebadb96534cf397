package txkv

import (
	"sync"

	"github.com/google/btree"
	"github.com/pingcap/errors"
)

// The persisted index structure stores one entry per allocated id in the
// index's node region; the pointer region holds the structure's root record.
// An in-memory ordered view of the entries is cached per region and shared
// by every transaction on the same client.

// treeEntry is one persisted index entry: a committed composite key mapping
// to a row key, stored under entry id in the node region.
type treeEntry struct {
	key    indexKey
	rowKey Key
	id     uint64
}

func treeEntryLess(a, b treeEntry) bool {
	if c := a.key.compare(b.key); c != 0 {
		return c < 0
	}
	return a.rowKey < b.rowKey
}

// entry record: framed key wire form, then the row key.
func encodeTreeEntry(e treeEntry) ([]byte, error) {
	keyRaw, err := e.key.encode(nil)
	if err != nil {
		return nil, err
	}
	buf := appendVarbytes(nil, keyRaw)
	buf = appendUvarint(buf, uint64(e.rowKey))
	return buf, nil
}

func decodeTreeEntry(id uint64, data []byte) (treeEntry, error) {
	d := makeByteDecoder(data)
	keyRaw, err := d.VarBytes()
	if err != nil {
		return treeEntry{}, err
	}
	key, err := decodeIndexKey(keyRaw)
	if err != nil {
		return treeEntry{}, err
	}
	rowKey, err := d.Uvarint()
	if err != nil {
		return treeEntry{}, err
	}
	return treeEntry{key: key, rowKey: Key(rowKey), id: id}, nil
}

// root record, stored in the pointer region under key 0.
const treeRootKey = Key(0)

func encodeTreeRoot(fieldCount int) []byte {
	buf := appendUvarint(nil, 1) // structure format version
	buf = appendUvarint(buf, uint64(fieldCount))
	return buf
}

// treeCache is the shared in-memory node cache of one index's persisted
// structure. Lazily loaded on first use; mutated only at index writeback and
// rollback compensation.
type treeCache struct {
	mu      sync.Mutex
	loaded  bool
	entries *btree.BTreeG[treeEntry]
}

func newTreeCache() *treeCache {
	return &treeCache{entries: btree.NewG(16, treeEntryLess)}
}

// invalidate drops the loaded state so the next use reloads from the tier.
func (c *treeCache) invalidate() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.loaded = false
	c.entries = btree.NewG(16, treeEntryLess)
}

// indexTree gives one transaction access to a persisted index structure.
// The heavy state (node cache) lives in the shared treeCache; the tree value
// itself is cheap and constructed per overlay.
type indexTree struct {
	store      Store
	nodeRegion TableID
	ptrRegion  TableID
	cache      *treeCache
}

func (t *indexTree) load() error {
	t.cache.mu.Lock()
	defer t.cache.mu.Unlock()
	if t.cache.loaded {
		return nil
	}

	root, err := t.store.Range(t.ptrRegion).Wait()
	if err != nil {
		return errors.Annotate(err, "txkv: index structure root")
	}
	if len(root) == 0 {
		return errors.Errorf("txkv: index structure in region %d is not initialized", t.ptrRegion)
	}

	kvs, err := t.store.Range(t.nodeRegion).Wait()
	if err != nil {
		return errors.Annotate(err, "txkv: index structure nodes")
	}
	for _, kv := range kvs {
		e, err := decodeTreeEntry(uint64(kv.Key), kv.Data)
		if err != nil {
			return err
		}
		t.cache.entries.ReplaceOrInsert(e)
	}
	t.cache.loaded = true
	return nil
}

// lowerBound returns a cursor positioned at the first persisted entry whose
// key is >= k. The cursor iterates a point-in-time copy of the node cache,
// so concurrent writebacks by other transactions do not disturb it.
func (t *indexTree) lowerBound(k indexKey) (*treeCursor, error) {
	if err := t.load(); err != nil {
		return nil, err
	}
	t.cache.mu.Lock()
	snapshot := t.cache.entries.Clone()
	t.cache.mu.Unlock()

	var entries []treeEntry
	snapshot.AscendGreaterOrEqual(treeEntry{key: k}, func(e treeEntry) bool {
		entries = append(entries, e)
		return true
	})
	return &treeCursor{entries: entries}, nil
}

// find locates the persisted entry for (fields, rowKey), if any.
func (t *indexTree) find(fields []Field, rowKey Key) (treeEntry, bool, error) {
	if err := t.load(); err != nil {
		return treeEntry{}, false, err
	}
	t.cache.mu.Lock()
	defer t.cache.mu.Unlock()

	var found treeEntry
	var ok bool
	t.cache.entries.AscendGreaterOrEqual(treeEntry{key: seekKey(fields)}, func(e treeEntry) bool {
		if fieldsCompare(e.key.fields, fields) != 0 {
			return false
		}
		if e.rowKey == rowKey {
			found, ok = e, true
			return false
		}
		return true
	})
	return found, ok, nil
}

// applyInsert makes a committed entry durable and visible in the shared
// cache. The caller has already allocated the entry id and fixed the
// committed key (real version marker, disambiguator).
func (t *indexTree) applyInsert(e treeEntry) *Future[Ack] {
	data, err := encodeTreeEntry(e)
	if err != nil {
		return failedFuture[Ack](err)
	}
	t.cache.mu.Lock()
	t.cache.entries.ReplaceOrInsert(e)
	t.cache.mu.Unlock()
	return t.store.Insert(t.nodeRegion, Key(e.id), data)
}

func (t *indexTree) applyDelete(e treeEntry) *Future[Ack] {
	t.cache.mu.Lock()
	t.cache.entries.Delete(e)
	t.cache.mu.Unlock()
	return t.store.Remove(t.nodeRegion, Key(e.id))
}

// revertInsert compensates an applied insert during rollback.
func (t *indexTree) revertInsert(e treeEntry) *Future[Ack] {
	t.cache.mu.Lock()
	t.cache.entries.Delete(e)
	t.cache.mu.Unlock()
	return t.store.Revert(t.nodeRegion, Key(e.id))
}

// revertDelete compensates an applied delete during rollback, restoring the
// entry in the shared cache.
func (t *indexTree) revertDelete(e treeEntry) *Future[Ack] {
	t.cache.mu.Lock()
	t.cache.entries.ReplaceOrInsert(e)
	t.cache.mu.Unlock()
	return t.store.Revert(t.nodeRegion, Key(e.id))
}

// treeCursor iterates persisted entries in ascending key order.
type treeCursor struct {
	entries []treeEntry
	pos     int
}

func (c *treeCursor) done() bool {
	return c.pos >= len(c.entries)
}

func (c *treeCursor) current() treeEntry {
	return c.entries[c.pos]
}

func (c *treeCursor) next() {
	c.pos++
}
