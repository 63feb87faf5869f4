package jetstream

import (
	"encoding/base64"
	"encoding/json"
	"testing"

	"walpipe/internal/decode"
)

func TestSubjectForBuildsSchemaQualifiedSubject(t *testing.T) {
	if got := subjectFor("public", "orders"); got != "cdc.public.orders" {
		t.Fatalf("subjectFor = %q, want cdc.public.orders", got)
	}
}

func TestRowToMapEncodesEachValueKind(t *testing.T) {
	row := decode.Row{
		Columns: []string{"id", "deleted_at", "blob", "skip_me"},
		Values: map[string]decode.Value{
			"id":         {Kind: decode.Present, Native: int32(7)},
			"deleted_at": {Kind: decode.Null},
			"blob":       {Kind: decode.Opaque, Raw: []byte("hi")},
			"skip_me":    {Kind: decode.Unchanged},
		},
	}
	m := rowToMap(row)

	if m["id"] != int32(7) {
		t.Fatalf("id = %v, want 7", m["id"])
	}
	if v, ok := m["deleted_at"]; !ok || v != nil {
		t.Fatalf("deleted_at = %v, want explicit nil", v)
	}
	if m["blob"] != base64.StdEncoding.EncodeToString([]byte("hi")) {
		t.Fatalf("blob = %v, want base64 of 'hi'", m["blob"])
	}
	if _, ok := m["skip_me"]; ok {
		t.Fatalf("expected unchanged column omitted from the map")
	}
}

func TestCDCEventMarshalsOmitEmptyFields(t *testing.T) {
	evt := cdcEvent{Schema: "public", Table: "orders", Operation: "insert"}
	data, err := json.Marshal(evt)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var out map[string]any
	if err := json.Unmarshal(data, &out); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	for _, absent := range []string{"commit_lsn", "xid", "row"} {
		if _, ok := out[absent]; ok {
			t.Fatalf("expected %q omitted from an empty event, got %v", absent, out[absent])
		}
	}
	if out["schema"] != "public" || out["table"] != "orders" || out["operation"] != "insert" {
		t.Fatalf("unexpected event fields: %v", out)
	}
}
