/*
Package txkv implements a transactional data-access layer on top of a
distributed, multi-versioned key-value storage tier.

The storage tier only exposes independent per-key get/put/commit operations;
txkv builds multi-row, multi-structure transactions (primary rows plus
secondary indexes) with snapshot-isolation semantics on top of it.

We implement:

1. Tables, collections of tuples validated against a declared schema.

2. Secondary indexes, maintained transactionally alongside row writes. Within
a transaction, index reads see a merged view of the persisted index structure
and the transaction's own staged (not-yet-durable) mutations.

3. An undo log, persisted durably before any forward write, so that a
transaction's row and index writes either all become visible or are fully
compensated on rollback.

4. Remote counters, monotonically-increasing identifier sources backed by a
tiny dedicated table.

# Technical Details

**Tables and regions.**
Every table and every index storage region is a flat keyspace in the storage
tier with unsigned 64-bit keys and opaque byte records. Each secondary index
occupies two regions: a node region (persisted index entries) and a pointer
region (structure-internal indirection). Region names derive from the index
name: "__index_nodes_" + name and "__index_ptrs_" + name, so regions can be
rediscovered without a separate name registry.

**System tables.**
"__tables" holds msgpack-encoded table schemas keyed by table id.
"__txlog" holds undo log chunks keyed by (snapshot version << 16) | chunk#.
"__counter" holds remote counter cells.

## Binary encoding

**Field**: 1-byte type tag, then a type-specific payload. No-type and null
carry no payload; fixed-width numerics carry their native width big-endian;
text/blob carry a 4-byte big-endian length followed by raw bytes.

**Index key**: concatenation of each key field's wire form, followed by an
8-byte version marker and a 4-byte disambiguator. Staged (uncommitted)
entries carry the maximal version marker so they sort after every committed
version of the same field combination.

**Record** (row value): uvarint flags (format version bits, compression bit),
uvarint schema version, then the tuple payload (uvarint field count followed
by field wire forms), optionally snappy-compressed.

**Undo log**: 8-byte xxhash64 checksum of the body, then the body: uvarint
record count followed by framed records. Row record: kind byte, uvarint
table id, uvarint row key. Index record: kind byte, uvarint node region id,
uvarint entry id, length-prefixed key field bytes, uvarint row key. The
serialized log is split into raw chunks of at most 1024 bytes, and a
transaction's full log is the concatenation of its chunks in chunk order.
*/
package txkv
