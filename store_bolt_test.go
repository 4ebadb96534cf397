package txkv

import (
	"path/filepath"
	"testing"

	"github.com/pingcap/errors"
	"github.com/stretchr/testify/require"
)

func newTestBolt(t *testing.T) *BoltStore {
	t.Helper()
	store, err := OpenBolt(filepath.Join(t.TempDir(), "test.db"), BoltOptions{IsTesting: true})
	require.NoError(t, err)
	t.Cleanup(func() {
		require.NoError(t, store.Close())
	})
	return store
}

func TestBoltTables(t *testing.T) {
	store := newTestBolt(t)

	_, err := store.GetTable("nope").Wait()
	require.Equal(t, ErrTableNotFound, errors.Cause(err))

	ref, err := store.CreateTable("things")
	require.NoError(t, err)
	require.NotZero(t, ref.ID)

	again, err := store.GetTable("things").Wait()
	require.NoError(t, err)
	require.Equal(t, ref, again)

	_, err = store.CreateTable("things")
	require.ErrorContains(t, err, "already exists")
}

func TestBoltSnapshotReads(t *testing.T) {
	store := newTestBolt(t)
	ref, err := store.CreateTable("things")
	require.NoError(t, err)

	before, err := store.Begin()
	require.NoError(t, err)
	_, err = store.Insert(ref.ID, 1, []byte("v1")).Wait()
	require.NoError(t, err)
	after, err := store.Begin()
	require.NoError(t, err)

	rec, err := store.Get(before, ref.ID, 1).Wait()
	require.NoError(t, err)
	require.False(t, rec.Found(), "write after snapshot must be invisible")

	rec, err = store.Get(after, ref.ID, 1).Wait()
	require.NoError(t, err)
	require.True(t, rec.Found())
	require.Equal(t, []byte("v1"), rec.Data)

	_, err = store.Update(ref.ID, 1, []byte("v2")).Wait()
	require.NoError(t, err)
	rec, err = store.Get(after, ref.ID, 1).Wait()
	require.NoError(t, err)
	require.Equal(t, []byte("v1"), rec.Data, "older snapshot keeps seeing the older version")

	latest, err := store.Begin()
	require.NoError(t, err)
	rec, err = store.Get(latest, ref.ID, 1).Wait()
	require.NoError(t, err)
	require.Equal(t, []byte("v2"), rec.Data)
}

func TestBoltMutationConstraints(t *testing.T) {
	store := newTestBolt(t)
	ref, err := store.CreateTable("things")
	require.NoError(t, err)

	_, err = store.Update(ref.ID, 1, []byte("x")).Wait()
	require.Equal(t, ErrRowNotFound, errors.Cause(err))

	_, err = store.Insert(ref.ID, 1, []byte("x")).Wait()
	require.NoError(t, err)
	_, err = store.Insert(ref.ID, 1, []byte("y")).Wait()
	require.Equal(t, ErrRowExists, errors.Cause(err))

	_, err = store.Remove(ref.ID, 1).Wait()
	require.NoError(t, err)
	_, err = store.Insert(ref.ID, 1, []byte("z")).Wait()
	require.NoError(t, err, "insert over a tombstone")
}

func TestBoltRevert(t *testing.T) {
	store := newTestBolt(t)
	ref, err := store.CreateTable("things")
	require.NoError(t, err)

	_, err = store.Insert(ref.ID, 1, []byte("v1")).Wait()
	require.NoError(t, err)
	_, err = store.Update(ref.ID, 1, []byte("v2")).Wait()
	require.NoError(t, err)

	_, err = store.Revert(ref.ID, 1).Wait()
	require.NoError(t, err)
	snap, err := store.Begin()
	require.NoError(t, err)
	rec, err := store.Get(snap, ref.ID, 1).Wait()
	require.NoError(t, err)
	require.Equal(t, []byte("v1"), rec.Data)

	_, err = store.Revert(ref.ID, 1).Wait()
	require.NoError(t, err)
	rec, err = store.Get(snap, ref.ID, 1).Wait()
	require.NoError(t, err)
	require.False(t, rec.Found())

	// Reverting a key that was never written is a no-op.
	_, err = store.Revert(ref.ID, 2).Wait()
	require.NoError(t, err)
}

func TestBoltRange(t *testing.T) {
	store := newTestBolt(t)
	ref, err := store.CreateTable("things")
	require.NoError(t, err)

	for i := Key(1); i <= 3; i++ {
		_, err = store.Insert(ref.ID, i, []byte{byte(i)}).Wait()
		require.NoError(t, err)
	}
	_, err = store.Remove(ref.ID, 2).Wait()
	require.NoError(t, err)

	kvs, err := store.Range(ref.ID).Wait()
	require.NoError(t, err)
	require.Len(t, kvs, 2)
	require.Equal(t, Key(1), kvs[0].Key)
	require.Equal(t, Key(3), kvs[1].Key)
}

func TestBoltBackedClient(t *testing.T) {
	store := newTestBolt(t)
	c, err := Open(store, Options{})
	require.NoError(t, err)
	createPeople(t, c)
	insertPerson(t, c, 1, "ada")

	// A second client over the same file sees committed state.
	c2, err := Open(store, Options{})
	require.NoError(t, err)
	tx, err := c2.Begin()
	require.NoError(t, err)
	tbl, err := tx.OpenTable("people")
	require.NoError(t, err)
	row, err := tx.Get(tbl, 1)
	require.NoError(t, err)
	require.Equal(t, "ada", row.Field("name").Text())
	require.Equal(t, map[string]Key{"ada": 1}, scanNames(t, tx, tbl, ""))
	require.NoError(t, tx.Rollback())
}
