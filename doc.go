/*
Package coldoc implements a document layer on top of wide-column stores
(sorted row key / column family / qualifier / value / timestamp).

We implement:

1. Tables, collections of semi-structured documents identified by an _id
field, flattened into columns and routed to families by a per-table
locality map.

2. Secondary indexes, simple (one field) and composite (several fields
concatenated), ascending or descending, unique or not, derived from base
rows into a sibling index table.

3. Queries, a Mongo-style predicate document ($and/$or plus per-field
comparison operators) translated into the store's native filter-expression
tree and pushed down to a filtered scan.

The store itself is an external collaborator behind the Store interface;
reference backends live in the memstore and boltstore packages. Optional
store features (filter scans, counters, version rollback, column ranges,
append, administration) are independent capability interfaces; operations
needing a capability the backend lacks fail with UnsupportedCapability.

# Technical Details

**Document encoding.**
A document is flattened into one column per tree node. The qualifier is
the dot-joined field path ("store.books", "tags.0"); the value is a
two-byte type tag followed by the scalar payload. Arrays store their
length as a tagged int32 at the array's own path; nested objects store a
marker column. Payloads of ordered kinds use order-preserving encodings
(sign-flipped big-endian integers, transformed IEEE754 doubles), so byte
comparison of stored values agrees with value order within a kind — the
property index keys and pushed-down filters rely on.

**Row keys.**
Document row key = optional per-table key prefix, then the type-tagged
encoding of _id. The end of a prefix scan is PrefixSuccessor(prefix); the
table's end-of-range is the explicit KeyAfterAll sentinel, distinct from
the legitimate empty key.

**Index cells.**
Simple index row key: name ++ 0x00 ++ value bytes (bit-complemented when
descending) ++ base row key. Composite: name ++ 0x00 ++ concatenated value
bytes ++ one big-endian uint32 length per component, so the key splits
without ambiguity. Unique entries store the base row key as the cell value
under a fixed marker qualifier; non-unique entries use the base row key as
the qualifier, so equal indexed values from different rows become distinct
cells. Index writes follow the base-row write and are not atomic with it;
Table.RebuildIndexes recovers a diverged index table.

**Catalog.**
One metadata record per table (family list, locality map, append-only
flag, key prefix) lives in the reserved __catalog__ store table, msgpack
encoded, written at creation and read on open.
*/
package coldoc
