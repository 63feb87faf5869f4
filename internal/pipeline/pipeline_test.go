package pipeline

import (
	"context"
	"errors"
	"testing"

	"walpipe/internal/backfill"
	"walpipe/internal/conn"
	"walpipe/internal/config"
	"walpipe/internal/decode"
	"walpipe/internal/errs"
	"walpipe/internal/schema"
	"walpipe/internal/source"
	"walpipe/internal/wire"
)

// fakeSource is a hand-rolled double for Source, grounded on the engine's
// actual call sequence rather than mocking every method generically.
type fakeSource struct {
	tables          []string
	relations       map[string]*schema.Relation
	slotCreation    conn.SlotCreation
	identifyLSN     wire.LSN
	backfillRows    map[string][]decode.Row
	cdcEvents       []source.Event
	cdcStartLSN     wire.LSN
	reportedDurable []wire.LSN
}

func (f *fakeSource) Tables(ctx context.Context) ([]string, error) { return f.tables, nil }

func (f *fakeSource) DescribeRelation(ctx context.Context, namespace, name string) (*schema.Relation, error) {
	return f.relations[namespace+"."+name], nil
}

func (f *fakeSource) EnsureSlot(ctx context.Context) (conn.SlotCreation, error) {
	return f.slotCreation, nil
}

func (f *fakeSource) IdentifySystem(ctx context.Context) (wire.LSN, error) {
	return f.identifyLSN, nil
}

func (f *fakeSource) ExportSnapshot(ctx context.Context, lsn wire.LSN) (*backfill.Snapshot, error) {
	return backfill.FromSlotCreation("", lsn), nil
}

func (f *fakeSource) Backfill(ctx context.Context, snap *backfill.Snapshot, rel *schema.Relation, out chan<- backfill.Event) error {
	defer close(out)
	out <- backfill.Event{Kind: backfill.EventTableSchema, Relation: rel}
	for _, row := range f.backfillRows[rel.QualifiedName()] {
		out <- backfill.Event{Kind: backfill.EventRow, Relation: rel, Row: row}
	}
	out <- backfill.Event{Kind: backfill.EventTableEnd, Relation: rel, SnapshotLSN: snap.LSN()}
	return nil
}

func (f *fakeSource) CDC(ctx context.Context, startLSN wire.LSN, out chan<- source.Event) error {
	defer close(out)
	f.cdcStartLSN = startLSN
	for _, ev := range f.cdcEvents {
		out <- ev
	}
	return nil
}

func (f *fakeSource) ReportDurable(lsn wire.LSN) {
	f.reportedDurable = append(f.reportedDurable, lsn)
}

// fakeSink records every call it receives in order, so tests can assert on
// the exact sequence the engine drives it through.
type fakeSink struct {
	resume          ResumptionState
	transactional   bool
	calls           []string
	rows            []decode.Row
	durableToReturn wire.LSN

	// writeFailuresRemaining makes WriteRow fail this many times before
	// succeeding, returning a *errs.SinkError with Retryable set to
	// writeFailureRetryable.
	writeFailuresRemaining int
	writeFailureRetryable  bool
}

func (f *fakeSink) GetResumptionState(ctx context.Context) (ResumptionState, error) { return f.resume, nil }
func (f *fakeSink) DeclareTransactional() bool                                      { return f.transactional }

func (f *fakeSink) BeginTxn(ctx context.Context, commitLSN wire.LSN, xid uint32) error {
	f.calls = append(f.calls, "begin")
	return nil
}

func (f *fakeSink) WriteRow(ctx context.Context, rel *schema.Relation, op RowOp, row decode.Row) error {
	if f.writeFailuresRemaining > 0 {
		f.writeFailuresRemaining--
		f.calls = append(f.calls, "write_error")
		return &errs.SinkError{Op: "write_row", Retryable: f.writeFailureRetryable, Err: errors.New("boom")}
	}
	f.calls = append(f.calls, "write:"+op.String())
	f.rows = append(f.rows, row)
	return nil
}

func (f *fakeSink) Truncate(ctx context.Context, rels []*schema.Relation, cascade, restart bool) error {
	f.calls = append(f.calls, "truncate")
	return nil
}

func (f *fakeSink) CommitTxn(ctx context.Context) (wire.LSN, error) {
	f.calls = append(f.calls, "commit")
	return f.durableToReturn, nil
}

func (f *fakeSink) AbortTxn(ctx context.Context) error {
	f.calls = append(f.calls, "abort")
	return nil
}

func (f *fakeSink) WriteBackfillSchema(ctx context.Context, rel *schema.Relation) error {
	f.calls = append(f.calls, "backfill_schema:"+rel.QualifiedName())
	return nil
}

func (f *fakeSink) WriteBackfillRow(ctx context.Context, rel *schema.Relation, row decode.Row) error {
	f.calls = append(f.calls, "backfill_row")
	return nil
}

func (f *fakeSink) EndBackfill(ctx context.Context, rel *schema.Relation, snapshotLSN wire.LSN) error {
	f.calls = append(f.calls, "backfill_end")
	return nil
}

func testRelation(oid uint32, ns, name string) *schema.Relation {
	return &schema.Relation{OID: oid, Namespace: ns, Name: name, ReplicaIdentity: wire.ReplicaIdentityFull}
}

func TestRunBackfillOrdersTablesByOIDAscending(t *testing.T) {
	src := &fakeSource{
		tables: []string{"public.orders", "public.accounts"},
		relations: map[string]*schema.Relation{
			"public.orders":   testRelation(50, "public", "orders"),
			"public.accounts": testRelation(10, "public", "accounts"),
		},
		slotCreation: conn.SlotCreation{Created: true, ConsistentLSN: 100, SnapshotName: "snap1"},
	}
	sink := &fakeSink{resume: ResumptionState{PerTable: map[string]TableState{}}, transactional: true}
	eng := New(src, sink, config.Config{Action: config.ActionBackfillOnly, ParsedEventBufferSize: 4}, nil, nil)

	if err := eng.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}

	var order []string
	for _, c := range sink.calls {
		if len(c) > len("backfill_schema:") && c[:len("backfill_schema:")] == "backfill_schema:" {
			order = append(order, c)
		}
	}
	if len(order) != 2 || order[0] != "backfill_schema:public.accounts" || order[1] != "backfill_schema:public.orders" {
		t.Fatalf("expected accounts (oid 10) before orders (oid 50), got %v", order)
	}
}

func TestRunBackfillSkipsAlreadyCopiedTables(t *testing.T) {
	src := &fakeSource{
		tables: []string{"public.orders"},
		relations: map[string]*schema.Relation{
			"public.orders": testRelation(1, "public", "orders"),
		},
		slotCreation: conn.SlotCreation{Created: true},
	}
	sink := &fakeSink{
		resume: ResumptionState{PerTable: map[string]TableState{"public.orders": {Status: TableCopied}}},
	}
	eng := New(src, sink, config.Config{Action: config.ActionBackfillOnly}, nil, nil)
	if err := eng.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}
	for _, c := range sink.calls {
		if c == "backfill_schema:public.orders" {
			t.Fatal("expected already-copied table to be skipped")
		}
	}
}

func TestRunCDCAppliesRowsInsideTransaction(t *testing.T) {
	rel := testRelation(1, "public", "orders")
	src := &fakeSource{
		cdcEvents: []source.Event{
			{Kind: source.EventBegin, CommitLSN: 10, Xid: 1},
			{Kind: source.EventInsert, Relation: rel, New: decode.Row{}},
			{Kind: source.EventCommit, CommitLSN: 10},
		},
	}
	sink := &fakeSink{resume: ResumptionState{}, transactional: true, durableToReturn: 10}
	eng := New(src, sink, config.Config{Action: config.ActionCDCOnly, ParsedEventBufferSize: 4}, nil, nil)

	if err := eng.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}
	want := []string{"begin", "write:insert", "commit"}
	if len(sink.calls) != len(want) {
		t.Fatalf("calls = %v", sink.calls)
	}
	for i, c := range want {
		if sink.calls[i] != c {
			t.Fatalf("calls[%d] = %q, want %q (full: %v)", i, sink.calls[i], c, sink.calls)
		}
	}
	if len(src.reportedDurable) != 1 || src.reportedDurable[0] != 10 {
		t.Fatalf("reportedDurable = %v", src.reportedDurable)
	}
}

func TestRunCDCSuppressesAlreadyDurableCommitsForNonTransactionalSink(t *testing.T) {
	rel := testRelation(1, "public", "orders")
	src := &fakeSource{
		cdcEvents: []source.Event{
			{Kind: source.EventBegin, CommitLSN: 5, Xid: 1},
			{Kind: source.EventInsert, Relation: rel, New: decode.Row{}},
			{Kind: source.EventCommit, CommitLSN: 5},
			{Kind: source.EventBegin, CommitLSN: 15, Xid: 2},
			{Kind: source.EventInsert, Relation: rel, New: decode.Row{}},
			{Kind: source.EventCommit, CommitLSN: 15},
		},
	}
	sink := &fakeSink{
		resume:          ResumptionState{LastDurableLSN: 10},
		transactional:   false,
		durableToReturn: 15,
	}
	eng := New(src, sink, config.Config{Action: config.ActionCDCOnly, ParsedEventBufferSize: 8, ResumeDedupWindow: 10}, nil, nil)

	if err := eng.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}
	for _, c := range sink.calls {
		if c == "write:insert" {
			// Only the commit_lsn=15 transaction (strictly greater than
			// LastDurableLSN=10) should have reached WriteRow.
		}
	}
	count := 0
	for _, c := range sink.calls {
		if c == "write:insert" {
			count++
		}
	}
	if count != 1 {
		t.Fatalf("expected exactly 1 applied insert after dedup, got %d in %v", count, sink.calls)
	}
}

func TestRunCDCAbortsAndRetriesRetryableSinkError(t *testing.T) {
	rel := testRelation(1, "public", "orders")
	src := &fakeSource{
		cdcEvents: []source.Event{
			{Kind: source.EventBegin, CommitLSN: 10, Xid: 1},
			{Kind: source.EventInsert, Relation: rel, New: decode.Row{}},
			{Kind: source.EventCommit, CommitLSN: 10},
		},
	}
	sink := &fakeSink{
		resume: ResumptionState{}, transactional: true, durableToReturn: 10,
		writeFailuresRemaining: 1, writeFailureRetryable: true,
	}
	eng := New(src, sink, config.Config{Action: config.ActionCDCOnly, ParsedEventBufferSize: 4}, nil, nil)

	if err := eng.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}
	want := []string{"begin", "write_error", "abort", "write:insert", "commit"}
	if len(sink.calls) != len(want) {
		t.Fatalf("calls = %v, want %v", sink.calls, want)
	}
	for i, c := range want {
		if sink.calls[i] != c {
			t.Fatalf("calls[%d] = %q, want %q (full: %v)", i, sink.calls[i], c, sink.calls)
		}
	}
}

func TestRunCDCPropagatesNonRetryableSinkErrorWithoutAbort(t *testing.T) {
	rel := testRelation(1, "public", "orders")
	src := &fakeSource{
		cdcEvents: []source.Event{
			{Kind: source.EventBegin, CommitLSN: 10, Xid: 1},
			{Kind: source.EventInsert, Relation: rel, New: decode.Row{}},
			{Kind: source.EventCommit, CommitLSN: 10},
		},
	}
	sink := &fakeSink{
		resume: ResumptionState{}, transactional: true,
		writeFailuresRemaining: 1, writeFailureRetryable: false,
	}
	eng := New(src, sink, config.Config{Action: config.ActionCDCOnly, ParsedEventBufferSize: 4}, nil, nil)

	err := eng.Run(context.Background())
	if err == nil {
		t.Fatal("expected a fatal error from the non-retryable sink failure")
	}
	var sinkErr *errs.SinkError
	if !errors.As(err, &sinkErr) || sinkErr.Retryable {
		t.Fatalf("expected the underlying non-retryable *errs.SinkError to surface, got %v", err)
	}
	want := []string{"begin", "write_error"}
	if len(sink.calls) != len(want) || sink.calls[0] != want[0] || sink.calls[1] != want[1] {
		t.Fatalf("calls = %v, want %v (no abort on a non-retryable error)", sink.calls, want)
	}
}

func TestRunCDCStartsFromIdentifySystemWhenNoResumeState(t *testing.T) {
	src := &fakeSource{identifyLSN: 42}
	sink := &fakeSink{resume: ResumptionState{}, transactional: true}
	eng := New(src, sink, config.Config{Action: config.ActionCDCOnly}, nil, nil)
	if err := eng.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if src.cdcStartLSN != 42 {
		t.Fatalf("expected CDC to start at the IdentifySystem LSN 42, got %d", src.cdcStartLSN)
	}
}
