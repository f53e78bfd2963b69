package tuplkv

/*
TuplKV is the transactional core of an embedded key/value storage engine: a
lock manager with scoped owners and deadlock detection, a trigger pipeline
which observes mutations through decorated views, and the fragmented-value
trash which couples large-value replacement to the undo log so rollback
always finds a live copy.

The on-disk page layout, the redo log writer, replication and the schema
catalog are external collaborators; this module consumes ordered key/value
stores and a durability barrier through small interfaces.

The module is organized into the following packages:

* `kv/locks`: the lock table (sharded, keyed by index id and key), lock
  scopes with nested sub-scopes and unlock groups, and the best-effort
  deadlock detector.
* `kv/transaction`: transactions, indexes, cursors, view decorators, the
  trigger list, the fragmented trash and the in-memory undo log.
* `kv/storage`: ordered store abstraction with memory and badger backed
  implementations, plus fragment bookkeeping hooks.
* `kv/util/codec`: big-endian and reverse varint key codecs.
* `kv/config`: engine configuration, loadable from TOML.
*/
