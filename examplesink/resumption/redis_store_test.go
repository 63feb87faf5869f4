package resumption

import (
	"testing"

	"walpipe/internal/pipeline"
)

func TestParseLSNRoundTrips(t *testing.T) {
	lsn := parseLSN("0/1708B90")
	if lsn == 0 {
		t.Fatalf("expected non-zero LSN from a well-formed string")
	}
	if lsn.String() != "0/1708B90" {
		t.Fatalf("String() = %q, want 0/1708B90", lsn.String())
	}
}

func TestParseLSNEmptyAndMalformed(t *testing.T) {
	if got := parseLSN(""); got != 0 {
		t.Fatalf("empty string should parse to 0, got %v", got)
	}
	if got := parseLSN("not-an-lsn"); got != 0 {
		t.Fatalf("malformed string should parse to 0, got %v", got)
	}
}

func TestToResumptionStateTranslatesPerTableAndLSNs(t *testing.T) {
	doc := stateDoc{
		PerTable: map[string]tableStateDoc{
			"public.orders": {Status: int(pipeline.TableCopied), Cursor: "0/100"},
		},
		LastCommitLSN:   "0/200",
		LastDurableLSN:  "0/150",
		IsTransactional: true,
	}
	state := toResumptionState(doc)

	if state.PerTable["public.orders"].Status != pipeline.TableCopied {
		t.Fatalf("table status = %v, want TableCopied", state.PerTable["public.orders"].Status)
	}
	if state.PerTable["public.orders"].Cursor != "0/100" {
		t.Fatalf("table cursor = %q, want 0/100", state.PerTable["public.orders"].Cursor)
	}
	if !state.IsTransactional {
		t.Fatal("expected IsTransactional to round-trip true")
	}
	if state.LastCommitLSN == 0 || state.LastDurableLSN == 0 {
		t.Fatalf("expected non-zero LSNs, got commit=%v durable=%v", state.LastCommitLSN, state.LastDurableLSN)
	}
}

func TestToResumptionStateHandlesNilPerTable(t *testing.T) {
	state := toResumptionState(stateDoc{})
	if state.PerTable == nil {
		t.Fatal("expected non-nil PerTable map even from an empty doc")
	}
}
