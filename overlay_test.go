package txkv

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func newTestTree(t *testing.T) (*MemStore, *indexTree) {
	t.Helper()
	store := NewMemStore()
	nodeRef, err := store.CreateTable("idx_nodes")
	require.NoError(t, err)
	ptrRef, err := store.CreateTable("idx_ptrs")
	require.NoError(t, err)
	_, err = store.Insert(ptrRef.ID, treeRootKey, encodeTreeRoot(1)).Wait()
	require.NoError(t, err)
	return store, &indexTree{store: store, nodeRegion: nodeRef.ID, ptrRegion: ptrRef.ID, cache: newTreeCache()}
}

func textEntry(s string, rowKey Key, id uint64) treeEntry {
	return treeEntry{
		key:    indexKey{fields: []Field{TextField(s)}, version: 1, disamb: uint32(id)},
		rowKey: rowKey,
		id:     id,
	}
}

func testOverlay(tree *indexTree) *indexOverlay {
	return newIndexOverlay(IndexDef{Name: "i", Fields: []string{"f"}}, []int{0}, tree)
}

func collect(t *testing.T, it *IndexIterator) []IndexEntry {
	t.Helper()
	var out []IndexEntry
	for !it.Done() {
		out = append(out, it.Entry())
		it.Next()
	}
	return out
}

func TestTreeEntryRoundtrip(t *testing.T) {
	e := textEntry("hello", 42, 7)
	raw, err := encodeTreeEntry(e)
	require.NoError(t, err)
	got, err := decodeTreeEntry(7, raw)
	require.NoError(t, err)
	require.Zero(t, e.key.compare(got.key))
	require.Equal(t, e.rowKey, got.rowKey)
	require.Equal(t, e.id, got.id)
}

func TestTreeLoadRequiresRoot(t *testing.T) {
	store := NewMemStore()
	nodeRef, err := store.CreateTable("n")
	require.NoError(t, err)
	ptrRef, err := store.CreateTable("p")
	require.NoError(t, err)
	tree := &indexTree{store: store, nodeRegion: nodeRef.ID, ptrRegion: ptrRef.ID, cache: newTreeCache()}
	err = tree.load()
	require.ErrorContains(t, err, "not initialized")
}

func TestMergedIteratorMasksAndMerges(t *testing.T) {
	_, tree := newTestTree(t)
	_, err := tree.applyInsert(textEntry("a", 1, 10)).Wait()
	require.NoError(t, err)
	_, err = tree.applyInsert(textEntry("c", 3, 11)).Wait()
	require.NoError(t, err)

	ov := testOverlay(tree)
	ov.stage([]Field{TextField("b")}, 2, stagedInsert)
	ov.stage([]Field{TextField("c")}, 3, stagedDelete)

	it, err := ov.lowerBound(nil)
	require.NoError(t, err)
	entries := collect(t, it)
	require.Len(t, entries, 2)
	require.Equal(t, "a", entries[0].Fields[0].Text())
	require.Equal(t, Key(1), entries[0].RowKey)
	require.Equal(t, "b", entries[1].Fields[0].Text())
	require.Equal(t, Key(2), entries[1].RowKey)

	// Seeking past the staged delete's group.
	it, err = ov.lowerBound([]Field{TextField("b")})
	require.NoError(t, err)
	entries = collect(t, it)
	require.Len(t, entries, 1)
	require.Equal(t, "b", entries[0].Fields[0].Text())

	require.Panics(t, func() { it.Entry() })
}

func TestMergedIteratorDoneOnlyWhenBothExhausted(t *testing.T) {
	_, tree := newTestTree(t)
	_, err := tree.applyInsert(textEntry("a", 1, 10)).Wait()
	require.NoError(t, err)

	// Empty staged side: iterator still yields persisted entries.
	ov := testOverlay(tree)
	it, err := ov.lowerBound(nil)
	require.NoError(t, err)
	require.False(t, it.Done())
	it.Next()
	require.True(t, it.Done())

	// Empty persisted side: staged entries still come out.
	_, emptyTree := newTestTree(t)
	ov = testOverlay(emptyTree)
	ov.stage([]Field{TextField("z")}, 9, stagedInsert)
	it, err = ov.lowerBound(nil)
	require.NoError(t, err)
	require.Len(t, collect(t, it), 1)
}

func TestStagedOppositeOpsCancel(t *testing.T) {
	_, tree := newTestTree(t)
	ov := testOverlay(tree)

	ov.stage([]Field{TextField("a")}, 1, stagedInsert)
	ov.stage([]Field{TextField("a")}, 1, stagedDelete)
	require.Empty(t, ov.stagedOps())

	ov.stage([]Field{TextField("b")}, 2, stagedDelete)
	ov.stage([]Field{TextField("b")}, 2, stagedInsert)
	require.Empty(t, ov.stagedOps())

	// Different row keys do not cancel.
	ov.stage([]Field{TextField("c")}, 3, stagedInsert)
	ov.stage([]Field{TextField("c")}, 4, stagedDelete)
	require.Len(t, ov.stagedOps(), 2)
}

func TestOverlayUpdateWithUnchangedFieldsIsNoop(t *testing.T) {
	_, tree := newTestTree(t)
	ov := testOverlay(tree)
	schema := NewSchema().AddField("f", TypeText, true).AddField("extra", TypeInt, false)

	old := NewTuple(schema).Set("f", TextField("same")).Set("extra", IntField(1))
	updated := NewTuple(schema).Set("f", TextField("same")).Set("extra", IntField(2))
	ov.onUpdate(old, updated, 1)
	require.Empty(t, ov.stagedOps())

	changed := NewTuple(schema).Set("f", TextField("different")).Set("extra", IntField(2))
	ov.onUpdate(old, changed, 1)
	require.Len(t, ov.stagedOps(), 2)
}

func TestTreeRevertOps(t *testing.T) {
	store, tree := newTestTree(t)
	e := textEntry("a", 1, 10)
	_, err := tree.applyInsert(e).Wait()
	require.NoError(t, err)
	_, err = tree.revertInsert(e).Wait()
	require.NoError(t, err)

	kvs, err := store.Range(tree.nodeRegion).Wait()
	require.NoError(t, err)
	require.Empty(t, kvs)
	_, ok, err := tree.find(e.key.fields, e.rowKey)
	require.NoError(t, err)
	require.False(t, ok)

	_, err = tree.applyInsert(e).Wait()
	require.NoError(t, err)
	_, err = tree.applyDelete(e).Wait()
	require.NoError(t, err)
	_, err = tree.revertDelete(e).Wait()
	require.NoError(t, err)
	got, ok, err := tree.find(e.key.fields, e.rowKey)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, e.id, got.id)
}
