package txkv

import (
	"slices"
	"sync"

	"github.com/pingcap/errors"
)

// StoreOpKind identifies a storage-tier request in the MemStore journal.
type StoreOpKind string

const (
	StoreOpGetTable StoreOpKind = "gettable"
	StoreOpGet      StoreOpKind = "get"
	StoreOpInsert   StoreOpKind = "insert"
	StoreOpUpdate   StoreOpKind = "update"
	StoreOpRemove   StoreOpKind = "remove"
	StoreOpRevert   StoreOpKind = "revert"
	StoreOpRange    StoreOpKind = "range"
	StoreOpCommit   StoreOpKind = "commit"
)

// StoreOp is one journaled request, in issue order.
type StoreOp struct {
	Kind  StoreOpKind
	Table TableID
	Key   Key
}

// MemStore is a transient in-memory implementation of the storage tier.
// It keeps full version history per key (so Revert can compensate), journals
// every request in issue order, and can be told to fail the next commit,
// which makes it suitable both as a test double and for instrumenting the
// commit protocol's ordering guarantees.
type MemStore struct {
	mu          sync.Mutex
	byName      map[string]*memTable
	byID        map[TableID]*memTable
	lastTableID uint64
	lastVersion uint64
	journal     []StoreOp
	commitErr   error
}

var _ Store = (*MemStore)(nil)

func NewMemStore() *MemStore {
	return &MemStore{
		byName: make(map[string]*memTable),
		byID:   make(map[TableID]*memTable),
	}
}

type memTable struct {
	ref  TableRef
	recs map[Key][]memVersion
}

type memVersion struct {
	data    []byte // nil is a tombstone
	version uint64
}

// Journal returns a copy of all requests issued so far, in order.
func (s *MemStore) Journal() []StoreOp {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.journal)
}

func (s *MemStore) ResetJournal() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.journal = nil
}

// FailNextCommit makes the next Commit call fail with err, simulating a
// storage-tier conflict.
func (s *MemStore) FailNextCommit(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.commitErr = err
}

func (s *MemStore) record(kind StoreOpKind, table TableID, key Key) {
	s.journal = append(s.journal, StoreOp{Kind: kind, Table: table, Key: key})
}

func (s *MemStore) GetTable(name string) *Future[TableRef] {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.record(StoreOpGetTable, 0, 0)
	t := s.byName[name]
	if t == nil {
		return failedFuture[TableRef](errors.Annotatef(ErrTableNotFound, "%q", name))
	}
	return resolvedFuture(t.ref)
}

func (s *MemStore) CreateTable(name string) (TableRef, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.byName[name] != nil {
		return TableRef{}, errors.Errorf("txkv: table %q already exists", name)
	}
	s.lastTableID++
	t := &memTable{
		ref:  TableRef{ID: TableID(s.lastTableID), Name: name},
		recs: make(map[Key][]memVersion),
	}
	s.byName[name] = t
	s.byID[t.ref.ID] = t
	return t.ref, nil
}

func (s *MemStore) Begin() (Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastVersion++
	return Snapshot{Version: s.lastVersion}, nil
}

func (s *MemStore) Get(snap Snapshot, table TableID, key Key) *Future[VersionedRecord] {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.record(StoreOpGet, table, key)
	t := s.byID[table]
	if t == nil {
		return failedFuture[VersionedRecord](errors.Errorf("txkv: no table %d", table))
	}
	versions := t.recs[key]
	for i := len(versions) - 1; i >= 0; i-- {
		v := versions[i]
		if v.version <= snap.Version {
			if v.data == nil {
				break
			}
			return resolvedFuture(VersionedRecord{Data: slices.Clone(v.data), Version: v.version})
		}
	}
	return resolvedFuture(VersionedRecord{})
}

func (s *MemStore) Insert(table TableID, key Key, rec []byte) *Future[Ack] {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.record(StoreOpInsert, table, key)
	t := s.byID[table]
	if t == nil {
		return failedFuture[Ack](errors.Errorf("txkv: no table %d", table))
	}
	if live(t.recs[key]) != nil {
		return failedFuture[Ack](errors.Annotatef(ErrRowExists, "table %d key %d", table, key))
	}
	s.lastVersion++
	t.recs[key] = append(t.recs[key], memVersion{data: slices.Clone(rec), version: s.lastVersion})
	return resolvedFuture(Ack{})
}

func (s *MemStore) Update(table TableID, key Key, rec []byte) *Future[Ack] {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.record(StoreOpUpdate, table, key)
	t := s.byID[table]
	if t == nil {
		return failedFuture[Ack](errors.Errorf("txkv: no table %d", table))
	}
	if live(t.recs[key]) == nil {
		return failedFuture[Ack](errors.Annotatef(ErrRowNotFound, "table %d key %d", table, key))
	}
	s.lastVersion++
	t.recs[key] = append(t.recs[key], memVersion{data: slices.Clone(rec), version: s.lastVersion})
	return resolvedFuture(Ack{})
}

func (s *MemStore) Remove(table TableID, key Key) *Future[Ack] {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.record(StoreOpRemove, table, key)
	t := s.byID[table]
	if t == nil {
		return failedFuture[Ack](errors.Errorf("txkv: no table %d", table))
	}
	s.lastVersion++
	t.recs[key] = append(t.recs[key], memVersion{data: nil, version: s.lastVersion})
	return resolvedFuture(Ack{})
}

func (s *MemStore) Revert(table TableID, key Key) *Future[Ack] {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.record(StoreOpRevert, table, key)
	t := s.byID[table]
	if t == nil {
		return failedFuture[Ack](errors.Errorf("txkv: no table %d", table))
	}
	if n := len(t.recs[key]); n > 0 {
		t.recs[key] = t.recs[key][:n-1]
	}
	return resolvedFuture(Ack{})
}

func (s *MemStore) Range(table TableID) *Future[[]KV] {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.record(StoreOpRange, table, 0)
	t := s.byID[table]
	if t == nil {
		return failedFuture[[]KV](errors.Errorf("txkv: no table %d", table))
	}
	var result []KV
	for key, versions := range t.recs {
		if data := live(versions); data != nil {
			result = append(result, KV{Key: key, Data: slices.Clone(data)})
		}
	}
	slices.SortFunc(result, func(a, b KV) int {
		if a.Key < b.Key {
			return -1
		} else if a.Key > b.Key {
			return 1
		}
		return 0
	})
	return resolvedFuture(result)
}

func (s *MemStore) Commit(snap Snapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.record(StoreOpCommit, 0, Key(snap.Version))
	if err := s.commitErr; err != nil {
		s.commitErr = nil
		return err
	}
	return nil
}

func live(versions []memVersion) []byte {
	if n := len(versions); n > 0 {
		return versions[n-1].data
	}
	return nil
}
