package txkv

import (
	"io"
	"log/slog"

	"github.com/pingcap/errors"
)

// Options configure a client.
type Options struct {
	// Logger receives structured diagnostics. Defaults to the process-wide
	// logger when Verbose is set, otherwise logging is off.
	Logger  *slog.Logger
	Verbose bool
}

// Client is the entry point: it owns the connection to the storage tier, the
// shared table and counter registry, and the system tables. A single client
// is meant to be shared by all goroutines of a process.
type Client struct {
	store  Store
	logger *slog.Logger
	reg    *registry
}

// Open connects to a storage tier, provisioning the system tables on first
// contact.
func Open(store Store, opt Options) (*Client, error) {
	logger := opt.Logger
	if logger == nil {
		if opt.Verbose {
			logger = slog.Default()
		} else {
			logger = slog.New(slog.NewTextHandler(io.Discard, nil))
		}
	}

	catalogID, err := ensureSystemTable(store, catalogTableName)
	if err != nil {
		return nil, err
	}
	txLogID, err := ensureSystemTable(store, txLogTableName)
	if err != nil {
		return nil, err
	}
	counterID, err := ensureSystemTable(store, counterTableName)
	if err != nil {
		return nil, err
	}

	c := &Client{
		store:  store,
		logger: logger,
		reg:    newRegistry(store, logger, catalogID, txLogID, counterID),
	}
	if err := c.reg.ensureEntryIDCounter(); err != nil {
		return nil, err
	}
	return c, nil
}

// ensureSystemTable resolves a system table, creating it on first contact.
// A creation race against another client is settled by re-resolving.
func ensureSystemTable(store Store, name string) (TableID, error) {
	ref, err := store.GetTable(name).Wait()
	if err == nil {
		return ref.ID, nil
	}
	if errors.Cause(err) != ErrTableNotFound {
		return 0, errors.Annotatef(err, "txkv: system table %s", name)
	}
	ref, err = store.CreateTable(name)
	if err != nil {
		ref, err = store.GetTable(name).Wait()
		if err != nil {
			return 0, errors.Annotatef(err, "txkv: system table %s", name)
		}
	}
	return ref.ID, nil
}

// Begin starts a read-write transaction.
func (c *Client) Begin() (*Txn, error) {
	return c.begin(false)
}

// BeginReadOnly starts a read-only transaction. It can never observe
// uncommitted state and its Commit is rejected.
func (c *Client) BeginReadOnly() (*Txn, error) {
	return c.begin(true)
}

func (c *Client) begin(readOnly bool) (*Txn, error) {
	snap, err := c.store.Begin()
	if err != nil {
		return nil, errors.Annotate(err, "txkv: begin")
	}
	return &Txn{
		store:    c.store,
		reg:      c.reg,
		logger:   c.logger,
		snap:     snap,
		readOnly: readOnly,
		tables:   make(map[TableID]*txnTable),
	}, nil
}

// Update runs fn in a read-write transaction, committing when fn returns nil
// and rolling back otherwise. If fn settles the transaction itself, its
// outcome stands.
func (c *Client) Update(fn func(tx *Txn) error) error {
	tx, err := c.Begin()
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		if tx.State() == TxnActive {
			ensure(tx.Rollback())
		}
		return err
	}
	if tx.State() != TxnActive {
		return nil
	}
	return tx.Commit()
}

// View runs fn in a read-only transaction.
func (c *Client) View(fn func(tx *Txn) error) error {
	tx, err := c.BeginReadOnly()
	if err != nil {
		return err
	}
	defer func() {
		if tx.State() == TxnActive {
			ensure(tx.Rollback())
		}
	}()
	return fn(tx)
}

// RollbackPersisted compensates a transaction whose undo log survived a
// crash mid-commit. It replays the log in reverse, reverting every write the
// failed transaction may have made, invalidates affected index caches, and
// drops the log. A version with no persisted log is a no-op.
func (c *Client) RollbackPersisted(version uint64) error {
	snap, err := c.store.Begin()
	if err != nil {
		return errors.Annotate(err, "txkv: recovery")
	}
	records, nChunks, err := readUndoLog(c.store, snap, c.reg.txLogID, version)
	if err != nil {
		return errors.Annotatef(err, "txkv: recovery of version %d", version)
	}
	if records == nil {
		return nil
	}

	futures := make([]*Future[Ack], 0, len(records))
	for i := len(records) - 1; i >= 0; i-- {
		r := records[i]
		futures = append(futures, c.store.Revert(r.table, r.key))
		if r.kind != undoRow {
			c.reg.invalidateRegion(r.table)
		}
	}
	if err := waitAll(futures); err != nil {
		return errors.Annotatef(err, "txkv: recovery of version %d", version)
	}
	if err := dropUndoLog(c.store, c.reg.txLogID, version, nChunks); err != nil {
		c.logger.Warn("could not drop recovered undo log", "version", version, "error", err)
	}
	c.logger.Info("rolled back persisted transaction", "version", version, "records", len(records))
	return nil
}

// Close releases the client. The storage tier is closed if it supports it.
func (c *Client) Close() error {
	if closer, ok := c.store.(io.Closer); ok {
		return closer.Close()
	}
	return nil
}
