package txkv

import (
	"bytes"
	"encoding/binary"
	"math"
	"time"

	"github.com/pingcap/errors"
	"go.etcd.io/bbolt"
)

// BoltStore is a durable single-node implementation of the storage tier
// backed by a Bolt file. Each table keyspace is a bucket; every mutation is
// kept as a separate version under a (row key, version) composite key so
// that Revert can compensate the most recent write.
type BoltStore struct {
	bdb *bbolt.DB
}

var _ Store = (*BoltStore)(nil)

var (
	boltMetaBucket  = []byte("__meta")
	boltNamesBucket = []byte("__names")
	boltLastTableID = []byte("lastTableID")
	boltLastVersion = []byte("lastVersion")
)

type BoltOptions struct {
	IsTesting bool
}

func OpenBolt(path string, opt BoltOptions) (*BoltStore, error) {
	bopt := *bbolt.DefaultOptions
	bopt.Timeout = 10 * time.Second
	if opt.IsTesting {
		bopt.NoSync = true
		bopt.NoFreelistSync = true
	}
	bdb, err := bbolt.Open(path, 0666, &bopt)
	if err != nil {
		return nil, errors.Annotate(err, "txkv: bolt store")
	}
	err = bdb.Update(func(btx *bbolt.Tx) error {
		if _, err := btx.CreateBucketIfNotExists(boltMetaBucket); err != nil {
			return err
		}
		_, err := btx.CreateBucketIfNotExists(boltNamesBucket)
		return err
	})
	if err != nil {
		return nil, errors.Annotate(err, "txkv: bolt store")
	}
	return &BoltStore{bdb: bdb}, nil
}

func (s *BoltStore) Close() error {
	return s.bdb.Close()
}

func (s *BoltStore) nextSeq(btx *bbolt.Tx, key []byte) uint64 {
	meta := nonNil(btx.Bucket(boltMetaBucket))
	var v uint64
	if raw := meta.Get(key); len(raw) == 8 {
		v = binary.BigEndian.Uint64(raw)
	}
	v++
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], v)
	ensure(meta.Put(key, buf[:]))
	return v
}

func boltTableBucketName(table TableID) []byte {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], uint64(table))
	return buf[:]
}

// version key: 8-byte row key, 8-byte version, both big-endian.
func boltVersionKey(key Key, version uint64) []byte {
	var buf [16]byte
	binary.BigEndian.PutUint64(buf[:8], uint64(key))
	binary.BigEndian.PutUint64(buf[8:], version)
	return buf[:]
}

// record value: 1-byte liveness marker (0 = tombstone), then record bytes.
func boltRecordValue(rec []byte) []byte {
	if rec == nil {
		return []byte{0}
	}
	out := make([]byte, 1+len(rec))
	out[0] = 1
	copy(out[1:], rec)
	return out
}

func (s *BoltStore) GetTable(name string) *Future[TableRef] {
	var ref TableRef
	err := s.bdb.View(func(btx *bbolt.Tx) error {
		raw := nonNil(btx.Bucket(boltNamesBucket)).Get([]byte(name))
		if raw == nil {
			return errors.Annotatef(ErrTableNotFound, "%q", name)
		}
		ref = TableRef{ID: TableID(binary.BigEndian.Uint64(raw)), Name: name}
		return nil
	})
	if err != nil {
		return failedFuture[TableRef](err)
	}
	return resolvedFuture(ref)
}

func (s *BoltStore) CreateTable(name string) (TableRef, error) {
	var ref TableRef
	err := s.bdb.Update(func(btx *bbolt.Tx) error {
		names := nonNil(btx.Bucket(boltNamesBucket))
		if names.Get([]byte(name)) != nil {
			return errors.Errorf("txkv: table %q already exists", name)
		}
		id := s.nextSeq(btx, boltLastTableID)
		var buf [8]byte
		binary.BigEndian.PutUint64(buf[:], id)
		if err := names.Put([]byte(name), buf[:]); err != nil {
			return err
		}
		if _, err := btx.CreateBucket(boltTableBucketName(TableID(id))); err != nil {
			return err
		}
		ref = TableRef{ID: TableID(id), Name: name}
		return nil
	})
	if err != nil {
		return TableRef{}, err
	}
	return ref, nil
}

func (s *BoltStore) Begin() (Snapshot, error) {
	var snap Snapshot
	err := s.bdb.Update(func(btx *bbolt.Tx) error {
		snap = Snapshot{Version: s.nextSeq(btx, boltLastVersion)}
		return nil
	})
	return snap, err
}

func (s *BoltStore) Get(snap Snapshot, table TableID, key Key) *Future[VersionedRecord] {
	var rec VersionedRecord
	err := s.bdb.View(func(btx *bbolt.Tx) error {
		b := btx.Bucket(boltTableBucketName(table))
		if b == nil {
			return errors.Errorf("txkv: no table %d", table)
		}
		c := b.Cursor()
		// First entry past the visible range, then one step back.
		k, v := c.Seek(boltVersionKey(key, snap.Version+1))
		if k == nil {
			k, v = c.Last()
		} else {
			k, v = c.Prev()
		}
		if k == nil || binary.BigEndian.Uint64(k[:8]) != uint64(key) {
			return nil
		}
		version := binary.BigEndian.Uint64(k[8:])
		if version > snap.Version {
			return nil
		}
		if v[0] == 0 {
			return nil // tombstone
		}
		rec = VersionedRecord{Data: bytes.Clone(v[1:]), Version: version}
		return nil
	})
	if err != nil {
		return failedFuture[VersionedRecord](err)
	}
	return resolvedFuture(rec)
}

func (s *BoltStore) put(table TableID, key Key, rec []byte, mustExist, mustNotExist bool) *Future[Ack] {
	err := s.bdb.Update(func(btx *bbolt.Tx) error {
		b := btx.Bucket(boltTableBucketName(table))
		if b == nil {
			return errors.Errorf("txkv: no table %d", table)
		}
		if mustExist || mustNotExist {
			_, existing := boltNewest(b, key)
			alive := existing != nil && existing[0] != 0
			if mustNotExist && alive {
				return errors.Annotatef(ErrRowExists, "table %d key %d", table, key)
			}
			if mustExist && !alive {
				return errors.Annotatef(ErrRowNotFound, "table %d key %d", table, key)
			}
		}
		version := s.nextSeq(btx, boltLastVersion)
		return b.Put(boltVersionKey(key, version), boltRecordValue(rec))
	})
	if err != nil {
		return failedFuture[Ack](err)
	}
	return resolvedFuture(Ack{})
}

func (s *BoltStore) Insert(table TableID, key Key, rec []byte) *Future[Ack] {
	return s.put(table, key, rec, false, true)
}

func (s *BoltStore) Update(table TableID, key Key, rec []byte) *Future[Ack] {
	return s.put(table, key, rec, true, false)
}

func (s *BoltStore) Remove(table TableID, key Key) *Future[Ack] {
	return s.put(table, key, nil, false, false)
}

func (s *BoltStore) Revert(table TableID, key Key) *Future[Ack] {
	err := s.bdb.Update(func(btx *bbolt.Tx) error {
		b := btx.Bucket(boltTableBucketName(table))
		if b == nil {
			return errors.Errorf("txkv: no table %d", table)
		}
		k, _ := boltNewest(b, key)
		if k == nil {
			return nil // nothing to compensate
		}
		return b.Delete(k)
	})
	if err != nil {
		return failedFuture[Ack](err)
	}
	return resolvedFuture(Ack{})
}

func (s *BoltStore) Range(table TableID) *Future[[]KV] {
	var result []KV
	err := s.bdb.View(func(btx *bbolt.Tx) error {
		b := btx.Bucket(boltTableBucketName(table))
		if b == nil {
			return errors.Errorf("txkv: no table %d", table)
		}
		c := b.Cursor()
		var curKey uint64
		var curVal []byte
		var have bool
		flush := func() {
			if have && curVal != nil {
				result = append(result, KV{Key: Key(curKey), Data: curVal})
			}
		}
		for k, v := c.First(); k != nil; k, v = c.Next() {
			rowKey := binary.BigEndian.Uint64(k[:8])
			if !have || rowKey != curKey {
				flush()
				curKey, have = rowKey, true
			}
			if v[0] == 0 {
				curVal = nil
			} else {
				curVal = bytes.Clone(v[1:])
			}
		}
		flush()
		return nil
	})
	if err != nil {
		return failedFuture[[]KV](err)
	}
	return resolvedFuture(result)
}

func (s *BoltStore) Commit(snap Snapshot) error {
	// A single-node tier has no cross-transaction conflict detection;
	// finalizing a snapshot is unconditional.
	return nil
}

func boltNewest(b *bbolt.Bucket, key Key) ([]byte, []byte) {
	c := b.Cursor()
	k, v := c.Seek(boltVersionKey(key, math.MaxUint64))
	if k == nil {
		k, v = c.Last()
	} else if binary.BigEndian.Uint64(k[:8]) != uint64(key) || binary.BigEndian.Uint64(k[8:]) != math.MaxUint64 {
		k, v = c.Prev()
	}
	if k == nil || binary.BigEndian.Uint64(k[:8]) != uint64(key) {
		return nil, nil
	}
	return bytes.Clone(k), bytes.Clone(v)
}
