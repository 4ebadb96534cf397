package txkv

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestCounterBatchedReservation(t *testing.T) {
	store := NewMemStore()
	ref, err := store.CreateTable("counters")
	require.NoError(t, err)

	counter := newRemoteCounter(store, ref.ID, "seq")
	require.NoError(t, counter.create())

	store.ResetJournal()
	first, err := counter.Next()
	require.NoError(t, err)
	require.Equal(t, uint64(1), first, "zero is reserved as no-identifier")
	reserveOps := len(store.Journal())
	require.Positive(t, reserveOps)

	// The rest of the batch is served locally.
	for want := uint64(2); want < counterBatchSize; want++ {
		v, err := counter.Next()
		require.NoError(t, err)
		require.Equal(t, want, v)
	}
	require.Equal(t, reserveOps, len(store.Journal()))

	// Draining the batch triggers one more reservation.
	v, err := counter.Next()
	require.NoError(t, err)
	require.Equal(t, uint64(counterBatchSize), v)
	require.Greater(t, len(store.Journal()), reserveOps)
}

func TestCounterHandlesAreIndependent(t *testing.T) {
	store := NewMemStore()
	ref, err := store.CreateTable("counters")
	require.NoError(t, err)

	a := newRemoteCounter(store, ref.ID, "seq")
	require.NoError(t, a.create())
	b := newRemoteCounter(store, ref.ID, "seq")

	v1, err := a.Next()
	require.NoError(t, err)
	v2, err := b.Next()
	require.NoError(t, err)
	require.NotEqual(t, v1, v2, "separate handles reserve separate batches")
}

func TestCounterMissingCell(t *testing.T) {
	store := NewMemStore()
	ref, err := store.CreateTable("counters")
	require.NoError(t, err)

	counter := newRemoteCounter(store, ref.ID, "never-created")
	_, err = counter.Next()
	require.ErrorContains(t, err, "missing or malformed")
}

func TestCounterKeysDiffer(t *testing.T) {
	require.NotEqual(t, counterKey("a"), counterKey("b"))
	require.Equal(t, counterKey("a"), counterKey("a"))
}
