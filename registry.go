package txkv

import (
	"log/slog"

	"github.com/pingcap/errors"
	"github.com/vmihailenco/msgpack/v5"
	"github.com/zhangyunhao116/skipmap"
)

// entryIDCounterName is the reserved counter that allocates persisted index
// entry ids. Ids are unique across every index region; the low 32 bits
// double as the committed key disambiguator.
const entryIDCounterName = "__index_entry_ids"

// indexMeta is the shared, immutable description of one opened index: its
// resolved storage regions and the shared node cache.
type indexMeta struct {
	def        IndexDef
	fieldIDs   []int
	nodeRegion TableID
	ptrRegion  TableID
	cache      *treeCache
}

func (m *indexMeta) tree(store Store) *indexTree {
	return &indexTree{store: store, nodeRegion: m.nodeRegion, ptrRegion: m.ptrRegion, cache: m.cache}
}

// openTable bundles a table handle with its opened indexes.
type openTable struct {
	table   *Table
	indexes []*indexMeta
}

// registry is the client-wide cache of opened tables, indexes and counters.
// Discovery races are resolved first-wins: when two transactions open the
// same table concurrently, every later lookup sees whichever discovery
// finished first, and the loser's handles are discarded.
type registry struct {
	store  Store
	logger *slog.Logger

	catalogID TableID
	txLogID   TableID
	counterID TableID

	tables   *skipmap.StringMap[*openTable]
	counters *skipmap.StringMap[*RemoteCounter]
	entryIDs *RemoteCounter
}

func newRegistry(store Store, logger *slog.Logger, catalogID, txLogID, counterID TableID) *registry {
	r := &registry{
		store:     store,
		logger:    logger,
		catalogID: catalogID,
		txLogID:   txLogID,
		counterID: counterID,
		tables:    skipmap.NewString[*openTable](),
		counters:  skipmap.NewString[*RemoteCounter](),
	}
	r.entryIDs = newRemoteCounter(store, counterID, entryIDCounterName)
	return r
}

// ensureEntryIDCounter initializes the entry id counter cell, tolerating a
// cell created by an earlier run or a concurrent client.
func (r *registry) ensureEntryIDCounter() error {
	err := r.entryIDs.create()
	if err != nil && errors.Cause(err) != ErrRowExists {
		return err
	}
	return nil
}

// open resolves a table by name, reading the catalog and discovering index
// regions on first use. Cache hits answer without touching the tier.
func (r *registry) open(snap Snapshot, name string) (*openTable, error) {
	if ot, ok := r.tables.Load(name); ok {
		return ot, nil
	}

	ref, err := r.store.GetTable(name).Wait()
	if err != nil {
		return nil, &OpenTableError{Table: name, Err: err}
	}
	rec, err := r.store.Get(snap, r.catalogID, Key(ref.ID)).Wait()
	if err != nil {
		return nil, &OpenTableError{Table: name, Err: err}
	}
	if !rec.Found() {
		return nil, &OpenTableError{Table: name, Err: errors.New("txkv: table has no catalog record")}
	}
	var srec schemaRecord
	if err := msgpack.Unmarshal(rec.Data, &srec); err != nil {
		return nil, &OpenTableError{Table: name, Err: err}
	}
	schema := schemaFromRecord(srec)
	tbl := &Table{id: ref.ID, name: name, schema: schema}

	ot, err := r.discoverIndexes(tbl)
	if err != nil {
		return nil, err
	}
	actual, _ := r.tables.LoadOrStore(name, ot)
	r.logger.Debug("opened table", "table", name, "id", uint64(ref.ID), "indexes", len(actual.indexes))
	return actual, nil
}

// discoverIndexes resolves the node and pointer regions of every declared
// index. Region lookups for all indexes are issued concurrently.
func (r *registry) discoverIndexes(tbl *Table) (*openTable, error) {
	indexes := tbl.schema.Indexes()
	nodeFutures := make([]*Future[TableRef], len(indexes))
	ptrFutures := make([]*Future[TableRef], len(indexes))
	for i, idx := range indexes {
		nodeFutures[i] = r.store.GetTable(indexNodeRegionName(idx.Name))
		ptrFutures[i] = r.store.GetTable(indexPtrRegionName(idx.Name))
	}

	ot := &openTable{table: tbl}
	for i, idx := range indexes {
		nodeRef, err := nodeFutures[i].Wait()
		if err != nil {
			return nil, &OpenTableError{Table: tbl.name, Index: idx.Name, Err: err}
		}
		ptrRef, err := ptrFutures[i].Wait()
		if err != nil {
			return nil, &OpenTableError{Table: tbl.name, Index: idx.Name, Err: err}
		}
		ot.indexes = append(ot.indexes, &indexMeta{
			def:        idx,
			fieldIDs:   tbl.schema.indexFieldIDs(idx),
			nodeRegion: nodeRef.ID,
			ptrRegion:  ptrRef.ID,
			cache:      newTreeCache(),
		})
	}
	return ot, nil
}

// create provisions a fresh table: the row keyspace, its catalog record, and
// one node plus one pointer region per declared index, with the structure
// root written into the pointer region.
func (r *registry) create(name string, schema *Schema) (*openTable, error) {
	ref, err := r.store.CreateTable(name)
	if err != nil {
		return nil, &OpenTableError{Table: name, Err: err}
	}
	data, err := msgpack.Marshal(schema.record(name))
	if err != nil {
		return nil, &OpenTableError{Table: name, Err: err}
	}
	if _, err := r.store.Insert(r.catalogID, Key(ref.ID), data).Wait(); err != nil {
		return nil, &OpenTableError{Table: name, Err: err}
	}

	tbl := &Table{id: ref.ID, name: name, schema: schema}
	ot := &openTable{table: tbl}
	for _, idx := range schema.Indexes() {
		nodeRef, err := r.store.CreateTable(indexNodeRegionName(idx.Name))
		if err != nil {
			return nil, &OpenTableError{Table: name, Index: idx.Name, Err: err}
		}
		ptrRef, err := r.store.CreateTable(indexPtrRegionName(idx.Name))
		if err != nil {
			return nil, &OpenTableError{Table: name, Index: idx.Name, Err: err}
		}
		if _, err := r.store.Insert(ptrRef.ID, treeRootKey, encodeTreeRoot(len(idx.Fields))).Wait(); err != nil {
			return nil, &OpenTableError{Table: name, Index: idx.Name, Err: err}
		}
		ot.indexes = append(ot.indexes, &indexMeta{
			def:        idx,
			fieldIDs:   schema.indexFieldIDs(idx),
			nodeRegion: nodeRef.ID,
			ptrRegion:  ptrRef.ID,
			cache:      newTreeCache(),
		})
	}

	actual, loaded := r.tables.LoadOrStore(name, ot)
	if loaded {
		r.logger.Warn("lost table creation race", "table", name)
	} else {
		r.logger.Debug("created table", "table", name, "id", uint64(ref.ID), "indexes", len(ot.indexes))
	}
	return actual, nil
}

// invalidateRegion drops the loaded node cache of any index stored in the
// given region, forcing a reload on next use. Called after recovery reverts
// index entries behind the caches' back.
func (r *registry) invalidateRegion(region TableID) {
	r.tables.Range(func(_ string, ot *openTable) bool {
		for _, meta := range ot.indexes {
			if meta.nodeRegion == region {
				meta.cache.invalidate()
			}
		}
		return true
	})
}

// createCounter provisions a named counter cell.
func (r *registry) createCounter(name string) (*RemoteCounter, error) {
	c := newRemoteCounter(r.store, r.counterID, name)
	if err := c.create(); err != nil {
		return nil, err
	}
	actual, _ := r.counters.LoadOrStore(name, c)
	return actual, nil
}

// getCounter returns a handle for an existing counter. A missing cell is
// reported on first reservation, not here.
func (r *registry) getCounter(name string) *RemoteCounter {
	actual, _ := r.counters.LoadOrStore(name, newRemoteCounter(r.store, r.counterID, name))
	return actual
}
