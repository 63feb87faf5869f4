package stdout

import (
	"bytes"
	"context"
	"encoding/json"
	"strings"
	"testing"

	"walpipe/internal/decode"
	"walpipe/internal/pipeline"
	"walpipe/internal/schema"
	"walpipe/internal/wire"
)

func testRelation() *schema.Relation {
	return &schema.Relation{OID: 1, Namespace: "public", Name: "orders"}
}

func testRow(id int32) decode.Row {
	return decode.Row{
		Columns: []string{"id"},
		Values:  map[string]decode.Value{"id": {Kind: decode.Present, Native: id}},
	}
}

func TestCommitTxnFlushesBufferedRows(t *testing.T) {
	var buf bytes.Buffer
	s := NewSink(&buf, pipeline.ResumptionState{})
	ctx := context.Background()

	if err := s.BeginTxn(ctx, 10, 1); err != nil {
		t.Fatalf("BeginTxn: %v", err)
	}
	if err := s.WriteRow(ctx, testRelation(), pipeline.OpInsert, testRow(42)); err != nil {
		t.Fatalf("WriteRow: %v", err)
	}
	if buf.Len() != 0 {
		t.Fatalf("expected nothing written before commit, got %q", buf.String())
	}
	durable, err := s.CommitTxn(ctx)
	if err != nil {
		t.Fatalf("CommitTxn: %v", err)
	}
	if durable != 10 {
		t.Fatalf("CommitTxn durable LSN = %v, want 10 (the commit_lsn passed to BeginTxn)", durable)
	}

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 1 {
		t.Fatalf("expected 1 line, got %d: %v", len(lines), lines)
	}
	var decoded struct {
		Kind string `json:"kind"`
		Data rowLine
	}
	if err := json.Unmarshal([]byte(lines[0]), &decoded); err != nil {
		t.Fatalf("unmarshal line: %v", err)
	}
	if decoded.Kind != "row" || decoded.Data.Operation != "insert" {
		t.Fatalf("unexpected line: %+v", decoded)
	}
	if decoded.Data.Row["id"] != float64(42) {
		t.Fatalf("row id = %v, want 42", decoded.Data.Row["id"])
	}
}

func TestAbortTxnDiscardsBufferedRows(t *testing.T) {
	var buf bytes.Buffer
	s := NewSink(&buf, pipeline.ResumptionState{})
	ctx := context.Background()

	_ = s.BeginTxn(ctx, 10, 1)
	_ = s.WriteRow(ctx, testRelation(), pipeline.OpInsert, testRow(1))
	if err := s.AbortTxn(ctx); err != nil {
		t.Fatalf("AbortTxn: %v", err)
	}
	if _, err := s.CommitTxn(ctx); err != nil {
		t.Fatalf("CommitTxn: %v", err)
	}
	if buf.Len() != 0 {
		t.Fatalf("expected nothing flushed after abort, got %q", buf.String())
	}
}

func TestEndBackfillRecordsTableCopied(t *testing.T) {
	var buf bytes.Buffer
	s := NewSink(&buf, pipeline.ResumptionState{})
	ctx := context.Background()

	rel := testRelation()
	if err := s.EndBackfill(ctx, rel, wire.LSN(100)); err != nil {
		t.Fatalf("EndBackfill: %v", err)
	}
	state, err := s.GetResumptionState(ctx)
	if err != nil {
		t.Fatalf("GetResumptionState: %v", err)
	}
	got := state.PerTable[rel.QualifiedName()]
	if got.Status != pipeline.TableCopied {
		t.Fatalf("status = %v, want TableCopied", got.Status)
	}
}

func TestRowToMapOmitsUnchangedMarksOpaqueAsBase64(t *testing.T) {
	row := decode.Row{
		Columns: []string{"a", "b", "c"},
		Values: map[string]decode.Value{
			"a": {Kind: decode.Unchanged},
			"b": {Kind: decode.Opaque, Raw: []byte{0xFF, 0x00}},
			"c": {Kind: decode.Null},
		},
	}
	m := rowToMap(row)
	if _, ok := m["a"]; ok {
		t.Fatalf("expected unchanged column omitted, got %v", m["a"])
	}
	if m["b"] != "/wA=" {
		t.Fatalf("opaque column = %v, want base64 /wA=", m["b"])
	}
	if v, ok := m["c"]; !ok || v != nil {
		t.Fatalf("null column = %v, want explicit nil", v)
	}
}
