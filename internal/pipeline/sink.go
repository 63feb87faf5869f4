package pipeline

import (
	"context"

	"walpipe/internal/decode"
	"walpipe/internal/schema"
	"walpipe/internal/wire"
)

// RowOp tags which DML operation WriteRow is being asked to apply.
type RowOp int

const (
	OpInsert RowOp = iota
	OpUpdate
	OpDelete
)

func (o RowOp) String() string {
	switch o {
	case OpInsert:
		return "insert"
	case OpUpdate:
		return "update"
	case OpDelete:
		return "delete"
	default:
		return "unknown"
	}
}

// TableStatus is one table's backfill progress, persisted sink-side.
type TableStatus int

const (
	TableNotStarted TableStatus = iota
	TableCopying
	TableCopied
)

// TableState is a table's resumption entry: whether it still needs
// backfilling, is mid-backfill at some cursor, or has finished.
type TableState struct {
	Status TableStatus
	Cursor string
}

// ResumptionState is what the engine asks the sink for at startup, per the
// sink contract's get_resumption_state().
type ResumptionState struct {
	PerTable        map[string]TableState // key: "namespace.table"
	LastCommitLSN   wire.LSN
	LastDurableLSN  wire.LSN
	IsTransactional bool
}

// Sink is the one component the engine drives; it owns durability.
// Transactional sinks commit atomically with commit_lsn/snapshot_lsn and
// their own idempotency-by-LSN is sufficient; non-transactional sinks rely
// on the engine's dedup window (see dedup.go) across restarts.
type Sink interface {
	GetResumptionState(ctx context.Context) (ResumptionState, error)
	DeclareTransactional() bool

	BeginTxn(ctx context.Context, commitLSN wire.LSN, xid uint32) error
	WriteRow(ctx context.Context, rel *schema.Relation, op RowOp, row decode.Row) error
	Truncate(ctx context.Context, rels []*schema.Relation, cascade, restartIdentity bool) error
	CommitTxn(ctx context.Context) (wire.LSN, error)
	AbortTxn(ctx context.Context) error

	WriteBackfillSchema(ctx context.Context, rel *schema.Relation) error
	WriteBackfillRow(ctx context.Context, rel *schema.Relation, row decode.Row) error
	EndBackfill(ctx context.Context, rel *schema.Relation, snapshotLSN wire.LSN) error
}
