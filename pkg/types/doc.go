/*
Package types holds the shared vocabulary of the Sophia storage engine.

Every subsystem speaks in terms of these definitions: record flags, read
orders, engine status, planner task kinds, and the sentinel errors surfaced
across package boundaries. Keeping them in one leaf package avoids import
cycles between the storage layers (record, page, node) and the coordination
layers (mvcc, planner, engine).

# Record flags

Flags is a bit-union stamped into every record's meta prefix:

	Delete  - tombstone; the key is removed at this LSN
	Upsert  - operand for the scheme's merge function
	Get     - read-only MVCC intent, never persisted
	Dup     - non-head entry of a version chain
	Begin   - WAL transaction group header

# Engine status

The environment moves through Offline -> Recover -> Online and terminates in
Shutdown. Malfunction is entered on unrecoverable I/O or corruption; once set
it is sticky until the environment is closed, and all further writes are
rejected with ErrMalfunction.
*/
package types
