// Package pipeline drives one source against one sink: interleaving an
// initial per-table backfill with an ongoing CDC stream, applying events to
// the sink inside transaction boundaries, and feeding back the sink's
// durable position so the upstream slot can reclaim WAL. Grounded on
// internal/engine/engine.go's reader -> parser -> transformer -> publisher
// -> checkpointer pipeline shape, generalized from one fixed wiring to a
// single Sink interface the caller supplies.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"walpipe/internal/backfill"
	"walpipe/internal/conn"
	"walpipe/internal/config"
	"walpipe/internal/errs"
	"walpipe/internal/metrics"
	"walpipe/internal/schema"
	"walpipe/internal/source"
	"walpipe/internal/wire"
)

// Phase is the engine's coarse state, per the state machine:
// Init -> BackfillingTable(rel) -> ... -> BackfillComplete ->
// Streaming{InTxn|BetweenTxn} -> Shutdown.
type Phase int

const (
	PhaseInit Phase = iota
	PhaseBackfillingTable
	PhaseBackfillComplete
	PhaseStreamingBetweenTxn
	PhaseStreamingInTxn
	PhaseShutdown
)

func (p Phase) String() string {
	switch p {
	case PhaseInit:
		return "init"
	case PhaseBackfillingTable:
		return "backfilling_table"
	case PhaseBackfillComplete:
		return "backfill_complete"
	case PhaseStreamingBetweenTxn:
		return "streaming_between_txn"
	case PhaseStreamingInTxn:
		return "streaming_in_txn"
	case PhaseShutdown:
		return "shutdown"
	default:
		return "unknown"
	}
}

// State is a point-in-time snapshot the engine exposes for health reporting.
type State struct {
	Phase             Phase
	Table             string
	ApplyLSN          wire.LSN
	ConfirmedFlushLSN wire.LSN
}

// Source is the subset of *source.Source the engine drives; declared here
// as an interface, rather than taking the concrete type directly, so tests
// can exercise the engine's orchestration logic against a fake without a
// database.
type Source interface {
	Tables(ctx context.Context) ([]string, error)
	DescribeRelation(ctx context.Context, namespace, name string) (*schema.Relation, error)
	EnsureSlot(ctx context.Context) (conn.SlotCreation, error)
	IdentifySystem(ctx context.Context) (wire.LSN, error)
	ExportSnapshot(ctx context.Context, lsn wire.LSN) (*backfill.Snapshot, error)
	Backfill(ctx context.Context, snap *backfill.Snapshot, rel *schema.Relation, out chan<- backfill.Event) error
	CDC(ctx context.Context, startLSN wire.LSN, out chan<- source.Event) error
	ReportDurable(lsn wire.LSN)
}

// Engine owns the sink: it is the only component that calls its methods.
type Engine struct {
	src  Source
	sink Sink
	cfg  config.Config

	logger *zap.Logger
	m      *metrics.Metrics

	mu    sync.RWMutex
	state State
}

func New(src Source, sink Sink, cfg config.Config, logger *zap.Logger, m *metrics.Metrics) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	if m == nil {
		m = metrics.GlobalMetrics
	}
	return &Engine{src: src, sink: sink, cfg: cfg, logger: logger, m: m, state: State{Phase: PhaseInit}}
}

// State returns the engine's current snapshot; safe to call concurrently
// with Run, intended for a health endpoint's poll.
func (e *Engine) State() State {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.state
}

func (e *Engine) setPhase(phase Phase, table string) {
	e.mu.Lock()
	e.state.Phase, e.state.Table = phase, table
	e.mu.Unlock()
}

func (e *Engine) setLSNs(apply, confirmed wire.LSN) {
	e.mu.Lock()
	if apply > 0 {
		e.state.ApplyLSN = apply
	}
	if confirmed > 0 {
		e.state.ConfirmedFlushLSN = confirmed
	}
	e.mu.Unlock()
}

// Run executes the startup sequence and then the CDC loop until ctx is
// cancelled or a fatal error occurs.
func (e *Engine) Run(ctx context.Context) error {
	defer e.setPhase(PhaseShutdown, "")

	resume, err := e.sink.GetResumptionState(ctx)
	if err != nil {
		return fmt.Errorf("get resumption state: %w", err)
	}
	e.setLSNs(resume.LastCommitLSN, resume.LastDurableLSN)

	var minSnapshotLSN wire.LSN
	backfilled := false

	if e.cfg.Action == config.ActionBoth || e.cfg.Action == config.ActionBackfillOnly {
		minSnapshotLSN, backfilled, err = e.runBackfill(ctx, resume)
		if err != nil {
			return err
		}
	}
	e.setPhase(PhaseBackfillComplete, "")

	if e.cfg.Action == config.ActionBackfillOnly {
		return nil
	}

	startLSN := resume.LastDurableLSN
	if backfilled && minSnapshotLSN > startLSN {
		startLSN = minSnapshotLSN
	}
	if startLSN == 0 {
		startLSN, err = e.src.IdentifySystem(ctx)
		if err != nil {
			return fmt.Errorf("identify system for initial cdc position: %w", err)
		}
	}

	return e.runCDC(ctx, startLSN, resume)
}

// runBackfill streams every not-yet-copied table to the sink in oid
// ascending order, under one consistent snapshot shared by every table.
// It returns the minimum snapshot_lsn across tables actually backfilled
// this run, and whether any table was backfilled at all.
func (e *Engine) runBackfill(ctx context.Context, resume ResumptionState) (wire.LSN, bool, error) {
	tableNames, err := e.src.Tables(ctx)
	if err != nil {
		return 0, false, fmt.Errorf("resolve tables: %w", err)
	}

	type pendingTable struct {
		qualifiedName string
		rel           *schema.Relation
	}
	var todo []pendingTable
	for _, qn := range tableNames {
		if resume.PerTable[qn].Status == TableCopied {
			continue
		}
		namespace, name, ok := splitQualifiedName(qn)
		if !ok {
			return 0, false, fmt.Errorf("malformed table name %q, expected schema.table", qn)
		}
		rel, err := e.src.DescribeRelation(ctx, namespace, name)
		if err != nil {
			return 0, false, fmt.Errorf("describe relation %s: %w", qn, err)
		}
		todo = append(todo, pendingTable{qualifiedName: qn, rel: rel})
	}
	if len(todo) == 0 {
		return 0, false, nil
	}
	sort.Slice(todo, func(i, j int) bool { return todo[i].rel.OID < todo[j].rel.OID })

	snap, release, err := e.bindBackfillSnapshot(ctx)
	if err != nil {
		return 0, false, err
	}
	if release != nil {
		defer release()
	}

	var minLSN wire.LSN
	for _, t := range todo {
		e.setPhase(PhaseBackfillingTable, t.qualifiedName)
		lsn, err := e.backfillOneTable(ctx, snap, t.rel)
		if err != nil {
			return 0, false, fmt.Errorf("backfill %s: %w", t.qualifiedName, err)
		}
		if minLSN == 0 || lsn < minLSN {
			minLSN = lsn
		}
		e.m.BackfillTablesDone.Inc()
	}
	return minLSN, true, nil
}

// bindBackfillSnapshot obtains the consistent snapshot every table backfill
// this run will bind to: the one captured at slot creation, if the slot
// didn't already exist, or a freshly exported one otherwise.
func (e *Engine) bindBackfillSnapshot(ctx context.Context) (*backfill.Snapshot, func(), error) {
	creation, err := e.src.EnsureSlot(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("ensure slot: %w", err)
	}
	if creation.Created {
		return backfill.FromSlotCreation(creation.SnapshotName, creation.ConsistentLSN), nil, nil
	}
	lsn, err := e.src.IdentifySystem(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("identify system for snapshot export: %w", err)
	}
	snap, err := e.src.ExportSnapshot(ctx, lsn)
	if err != nil {
		return nil, nil, fmt.Errorf("export snapshot: %w", err)
	}
	return snap, func() { snap.Release(ctx) }, nil
}

func (e *Engine) backfillOneTable(ctx context.Context, snap *backfill.Snapshot, rel *schema.Relation) (wire.LSN, error) {
	start := time.Now()
	out := make(chan backfill.Event, e.cfg.ParsedEventBufferSize)
	errCh := make(chan error, 1)
	go func() { errCh <- e.src.Backfill(ctx, snap, rel, out) }()

	var snapshotLSN wire.LSN
	for ev := range out {
		switch ev.Kind {
		case backfill.EventTableSchema:
			if err := e.sink.WriteBackfillSchema(ctx, ev.Relation); err != nil {
				return 0, err
			}
		case backfill.EventRow:
			if err := e.sink.WriteBackfillRow(ctx, ev.Relation, ev.Row); err != nil {
				return 0, err
			}
			e.m.BackfillRowsCopied.Inc()
		case backfill.EventTableEnd:
			if err := e.sink.EndBackfill(ctx, ev.Relation, ev.SnapshotLSN); err != nil {
				return 0, err
			}
			snapshotLSN = ev.SnapshotLSN
		}
	}
	if err := <-errCh; err != nil {
		return 0, err
	}
	e.m.BackfillDuration.Observe(uint64(time.Since(start).Seconds()))
	return snapshotLSN, nil
}

// runCDC runs the transactional apply loop and dedup rules until the
// source's event stream ends.
func (e *Engine) runCDC(ctx context.Context, startLSN wire.LSN, resume ResumptionState) error {
	dedup := newDedupWindow(resume.LastDurableLSN, e.cfg.ResumeDedupWindow)
	nonTransactional := !e.sink.DeclareTransactional()

	events := make(chan source.Event, e.cfg.ParsedEventBufferSize)
	errCh := make(chan error, 1)
	go func() { errCh <- e.src.CDC(ctx, startLSN, events) }()

	var (
		applyLSN          = startLSN
		confirmedFlushLSN = resume.LastDurableLSN
		txnCommitLSN      wire.LSN
		txnXid            uint32
		txnSuppressed     bool
	)
	e.setPhase(PhaseStreamingBetweenTxn, "")

	for ev := range events {
		e.m.EventsTotal.Inc()
		switch ev.Kind {
		case source.EventBegin:
			e.setPhase(PhaseStreamingInTxn, "")
			txnCommitLSN, txnXid = ev.CommitLSN, ev.Xid
			txnSuppressed = nonTransactional && dedup.ShouldSuppress(txnCommitLSN)
			if !txnSuppressed {
				err := e.retrySink(ctx, false, func() error { return e.sink.BeginTxn(ctx, txnCommitLSN, txnXid) })
				if err != nil {
					return fmt.Errorf("begin txn: %w", err)
				}
			}

		case source.EventInsert:
			if txnSuppressed {
				continue
			}
			err := e.retrySink(ctx, true, func() error { return e.sink.WriteRow(ctx, ev.Relation, OpInsert, ev.New) })
			if err != nil {
				return fmt.Errorf("write insert for %s: %w", ev.Relation.QualifiedName(), err)
			}

		case source.EventUpdate:
			if txnSuppressed {
				continue
			}
			err := e.retrySink(ctx, true, func() error { return e.sink.WriteRow(ctx, ev.Relation, OpUpdate, ev.New) })
			if err != nil {
				return fmt.Errorf("write update for %s: %w", ev.Relation.QualifiedName(), err)
			}

		case source.EventDelete:
			if txnSuppressed {
				continue
			}
			err := e.retrySink(ctx, true, func() error { return e.sink.WriteRow(ctx, ev.Relation, OpDelete, ev.Old) })
			if err != nil {
				return fmt.Errorf("write delete for %s: %w", ev.Relation.QualifiedName(), err)
			}

		case source.EventTruncate:
			if txnSuppressed {
				continue
			}
			err := e.retrySink(ctx, true, func() error {
				return e.sink.Truncate(ctx, ev.TruncateRelations, ev.TruncateCascade, ev.TruncateRestartIdentity)
			})
			if err != nil {
				return fmt.Errorf("truncate: %w", err)
			}

		case source.EventCommit:
			applyLSN = ev.CommitLSN
			if !txnSuppressed {
				var durable wire.LSN
				err := e.retrySink(ctx, false, func() error {
					d, err := e.sink.CommitTxn(ctx)
					durable = d
					return err
				})
				if err != nil {
					return fmt.Errorf("commit txn: %w", err)
				}
				if nonTransactional {
					dedup.Observe(txnCommitLSN)
				}
				if durable > confirmedFlushLSN {
					confirmedFlushLSN = durable
					e.src.ReportDurable(durable)
				}
			}
			e.setLSNs(applyLSN, confirmedFlushLSN)
			e.setPhase(PhaseStreamingBetweenTxn, "")

		case source.EventRelation, source.EventOrigin:
			// Schema updates are applied transparently inside the source;
			// Origin is metadata the pipeline doesn't filter on.
		}
	}
	return <-errCh
}

// retrySink invokes op and, on a retryable *errs.SinkError, backs off and
// invokes it again until it succeeds, returns a non-retryable error, or ctx
// is cancelled. abortBeforeRetry controls whether a partially applied
// transaction is discarded via sink.AbortTxn before the retry: true for a
// mid-transaction write, false for BeginTxn (nothing applied yet) and
// CommitTxn (the rows are already handed to the sink; aborting would throw
// away work the retry is meant to land, not redo it).
func (e *Engine) retrySink(ctx context.Context, abortBeforeRetry bool, op func() error) error {
	backoff := time.Second
	const maxBackoff = 30 * time.Second
	for {
		err := op()
		if err == nil {
			return nil
		}
		var sinkErr *errs.SinkError
		if !errors.As(err, &sinkErr) || !sinkErr.Retryable {
			return err
		}
		if abortBeforeRetry {
			if abortErr := e.sink.AbortTxn(ctx); abortErr != nil {
				return fmt.Errorf("abort txn after retryable sink error in %s: %w", sinkErr.Op, abortErr)
			}
		}
		e.m.SinkRetries.Inc()
		e.logger.Warn("retryable sink error, retrying after backoff",
			zap.String("op", sinkErr.Op), zap.Duration("backoff", backoff), zap.Error(err))
		select {
		case <-ctx.Done():
			return err
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > maxBackoff {
			backoff = maxBackoff
		}
	}
}

func splitQualifiedName(qn string) (namespace, name string, ok bool) {
	i := strings.IndexByte(qn, '.')
	if i < 0 {
		return "", "", false
	}
	return qn[:i], qn[i+1:], true
}
