package txkv

import (
	"encoding/binary"
	"sync"

	"github.com/cespare/xxhash/v2"
	"github.com/pingcap/errors"
)

// counterBatchSize is how many identifiers a client reserves from the tier
// per round trip.
const counterBatchSize = 100

// RemoteCounter is a monotonically-increasing identifier source backed by a
// cell in the __counter table. Counters hand out identifiers in reserved
// batches; identifiers are unique but may have gaps.
type RemoteCounter struct {
	store Store
	table TableID
	key   Key

	mu    sync.Mutex
	next  uint64
	limit uint64
}

// counterKey maps a counter name to its cell in the counter table.
func counterKey(name string) Key {
	return Key(xxhash.Sum64String(name))
}

func newRemoteCounter(store Store, table TableID, name string) *RemoteCounter {
	return &RemoteCounter{store: store, table: table, key: counterKey(name)}
}

// create initializes the counter cell. Fails if the cell already exists.
func (c *RemoteCounter) create() error {
	var buf [8]byte
	_, err := c.store.Insert(c.table, c.key, buf[:]).Wait()
	return errors.Annotate(err, "txkv: create counter")
}

// Next returns the next identifier, reserving a fresh batch from the tier
// when the local reservation runs out.
func (c *RemoteCounter) Next() (uint64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.next == c.limit {
		if err := c.reserveLocked(counterBatchSize); err != nil {
			return 0, err
		}
	}
	v := c.next
	c.next++
	return v, nil
}

func (c *RemoteCounter) reserveLocked(n uint64) error {
	snap, err := c.store.Begin()
	if err != nil {
		return errors.Annotate(err, "txkv: counter")
	}
	rec, err := c.store.Get(snap, c.table, c.key).Wait()
	if err != nil {
		return errors.Annotate(err, "txkv: counter")
	}
	if !rec.Found() || len(rec.Data) != 8 {
		return errors.Errorf("txkv: counter cell %d is missing or malformed", c.key)
	}
	base := binary.BigEndian.Uint64(rec.Data)

	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], base+n)
	if _, err := c.store.Update(c.table, c.key, buf[:]).Wait(); err != nil {
		return errors.Annotate(err, "txkv: counter")
	}
	if err := c.store.Commit(snap); err != nil {
		return errors.Annotate(err, "txkv: counter")
	}

	c.next, c.limit = base, base+n
	if c.next == 0 {
		c.next++ // zero is reserved as "no identifier"
	}
	return nil
}
