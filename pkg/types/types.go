package types

import "errors"

// Flags is the meta bit-union carried by every record.
type Flags uint8

const (
	FlagNone   Flags = 0
	FlagDelete Flags = 1 << 0 // tombstone
	FlagUpsert Flags = 1 << 1 // merge-function operand
	FlagGet    Flags = 1 << 2 // read-only MVCC intent
	FlagDup    Flags = 1 << 3 // duplicate (non-head) version
	FlagBegin  Flags = 1 << 4 // multi-record WAL group header
)

// Has reports whether all bits of q are set.
func (f Flags) Has(q Flags) bool { return f&q == q }

// Order selects the direction and boundary behavior of a range read.
type Order uint8

const (
	OrderLT Order = iota
	OrderLTE
	OrderGT
	OrderGTE
	OrderEQ
)

// Forward reports whether the order scans toward greater keys.
func (o Order) Forward() bool { return o == OrderGT || o == OrderGTE || o == OrderEQ }

// Inclusive reports whether the seek key itself may match.
func (o Order) Inclusive() bool { return o == OrderLTE || o == OrderGTE || o == OrderEQ }

func (o Order) String() string {
	switch o {
	case OrderLT:
		return "<"
	case OrderLTE:
		return "<="
	case OrderGT:
		return ">"
	case OrderGTE:
		return ">="
	case OrderEQ:
		return "="
	}
	return "?"
}

// Status is the engine lifecycle word.
type Status uint32

const (
	StatusOffline Status = iota
	StatusRecover
	StatusOnline
	StatusShutdown
	StatusMalfunction
)

func (s Status) String() string {
	switch s {
	case StatusOffline:
		return "offline"
	case StatusRecover:
		return "recover"
	case StatusOnline:
		return "online"
	case StatusShutdown:
		return "shutdown"
	case StatusMalfunction:
		return "malfunction"
	}
	return "unknown"
}

// Active reports whether the engine accepts work in this state.
func (s Status) Active() bool { return s == StatusOnline || s == StatusRecover }

// TaskKind identifies a planner task.
type TaskKind uint8

const (
	TaskNone TaskKind = iota
	TaskCheckpoint
	TaskCompaction
	TaskGC
	TaskExpire
	TaskBackup
	TaskNodeGC
	TaskShutdown
)

func (k TaskKind) String() string {
	switch k {
	case TaskNone:
		return "none"
	case TaskCheckpoint:
		return "checkpoint"
	case TaskCompaction:
		return "compaction"
	case TaskGC:
		return "gc"
	case TaskExpire:
		return "expire"
	case TaskBackup:
		return "backup"
	case TaskNodeGC:
		return "nodegc"
	case TaskShutdown:
		return "shutdown"
	}
	return "unknown"
}

// Sentinel errors shared across subsystem boundaries.
var (
	// ErrConflict is returned from commit when a concurrent transaction
	// committed a newer version of a key in the write set. The transaction
	// has already been rolled back when this surfaces.
	ErrConflict = errors.New("transaction rolled back: write conflict")

	// ErrLock is returned from commit when a key in the write set is held
	// by an uncommitted concurrent transaction. The caller may retry the
	// commit or roll back; the transaction is still live.
	ErrLock = errors.New("transaction locked by concurrent writer")

	// ErrCorrupted reports a CRC or magic mismatch in a node or WAL file.
	ErrCorrupted = errors.New("storage corrupted")

	// ErrMalfunction reports that the engine entered its degraded state;
	// all writes are rejected until the environment is closed.
	ErrMalfunction = errors.New("engine malfunction")

	// ErrShutdown reports that the engine is shutting down or offline.
	ErrShutdown = errors.New("engine is not online")

	// ErrNotFound reports a missing key or store.
	ErrNotFound = errors.New("not found")

	// ErrReadonly reports a write attempted through a read-only transaction.
	ErrReadonly = errors.New("transaction is read-only")
)
