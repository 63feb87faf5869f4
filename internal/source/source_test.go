package source

import (
	"context"
	"testing"
	"time"

	"walpipe/internal/conn"
	"walpipe/internal/decode"
	"walpipe/internal/schema"
	"walpipe/internal/wire"
)

func newTestSource() *Source {
	return &Source{
		cache: schema.NewCache(nil),
		dec:   decode.NewDecoder(decode.NewMap(), decode.UnknownTypeError),
	}
}

func relationMessage() *wire.RelationMessage {
	return &wire.RelationMessage{
		RelationID:      1,
		Namespace:       "public",
		RelationName:    "orders",
		ReplicaIdentity: wire.ReplicaIdentityFull,
		Columns: []wire.RelationColumn{
			{Name: "id", DataType: 23, PartOfKey: true},
			{Name: "total", DataType: 701},
		},
	}
}

func TestTranslateRelationSeedsCache(t *testing.T) {
	s := newTestSource()
	ev, err := s.translate(context.Background(), conn.Frame{Message: relationMessage()})
	if err != nil {
		t.Fatalf("translate: %v", err)
	}
	if ev.Kind != EventRelation || ev.Relation.Name != "orders" {
		t.Fatalf("unexpected event: %+v", ev)
	}
	if _, err := s.cache.Lookup(1); err != nil {
		t.Fatalf("relation not cached: %v", err)
	}
}

func TestTranslateInsertBeforeRelationFails(t *testing.T) {
	s := newTestSource()
	ins := &wire.InsertMessage{RelationID: 99, Tuple: wire.TupleData{}}
	if _, err := s.translate(context.Background(), conn.Frame{Message: ins}); err == nil {
		t.Fatal("expected UnknownRelation error")
	}
}

func TestTranslateInsertDecodesTuple(t *testing.T) {
	s := newTestSource()
	if _, err := s.translate(context.Background(), conn.Frame{Message: relationMessage()}); err != nil {
		t.Fatalf("seed relation: %v", err)
	}
	ins := &wire.InsertMessage{
		RelationID: 1,
		Tuple: wire.TupleData{Columns: []wire.TupleColumn{
			{Kind: wire.ColumnText, Data: []byte("42")},
			{Kind: wire.ColumnText, Data: []byte("9.99")},
		}},
	}
	ev, err := s.translate(context.Background(), conn.Frame{Message: ins})
	if err != nil {
		t.Fatalf("translate insert: %v", err)
	}
	if ev.Kind != EventInsert {
		t.Fatalf("expected EventInsert, got %v", ev.Kind)
	}
	if got := ev.New.Get("id").Native; got != int32(42) {
		t.Fatalf("id = %v", got)
	}
}

func TestTranslateUpdateWithoutOldTuple(t *testing.T) {
	s := newTestSource()
	rel := relationMessage()
	rel.ReplicaIdentity = wire.ReplicaIdentityDefault
	if _, err := s.translate(context.Background(), conn.Frame{Message: rel}); err != nil {
		t.Fatalf("seed relation: %v", err)
	}
	upd := &wire.UpdateMessage{
		RelationID: 1,
		NewTuple: wire.TupleData{Columns: []wire.TupleColumn{
			{Kind: wire.ColumnText, Data: []byte("1")},
			{Kind: wire.ColumnText, Data: []byte("5.00")},
		}},
	}
	ev, err := s.translate(context.Background(), conn.Frame{Message: upd})
	if err != nil {
		t.Fatalf("translate update: %v", err)
	}
	if ev.HasOld {
		t.Fatal("expected no prior image for replica identity default update")
	}
	if ev.Relation.LookupKey.Kind != schema.LookupKeyIndex {
		t.Fatalf("expected a resolved lookup key fallback, got %+v", ev.Relation.LookupKey)
	}
}

func TestTranslateDeleteCarriesOldTuple(t *testing.T) {
	s := newTestSource()
	if _, err := s.translate(context.Background(), conn.Frame{Message: relationMessage()}); err != nil {
		t.Fatalf("seed relation: %v", err)
	}
	del := &wire.DeleteMessage{
		RelationID: 1,
		OldKind:    wire.OldTupleFull,
		OldTuple: wire.TupleData{Columns: []wire.TupleColumn{
			{Kind: wire.ColumnText, Data: []byte("1")},
			{Kind: wire.ColumnText, Data: []byte("5.00")},
		}},
	}
	ev, err := s.translate(context.Background(), conn.Frame{Message: del})
	if err != nil {
		t.Fatalf("translate delete: %v", err)
	}
	if !ev.HasOld || ev.Kind != EventDelete {
		t.Fatalf("unexpected event: %+v", ev)
	}
}

func TestTranslateTruncateResolvesAllRelations(t *testing.T) {
	s := newTestSource()
	if _, err := s.translate(context.Background(), conn.Frame{Message: relationMessage()}); err != nil {
		t.Fatalf("seed relation: %v", err)
	}
	trunc := &wire.TruncateMessage{RelationIDs: []uint32{1}, Cascade: true}
	ev, err := s.translate(context.Background(), conn.Frame{Message: trunc})
	if err != nil {
		t.Fatalf("translate truncate: %v", err)
	}
	if len(ev.TruncateRelations) != 1 || !ev.TruncateCascade {
		t.Fatalf("unexpected truncate event: %+v", ev)
	}
}

func TestTranslateBeginCommitCarryLSNs(t *testing.T) {
	s := newTestSource()
	begin := &wire.BeginMessage{FinalLSN: 100, Xid: 7, CommitTime: time.Unix(0, 0)}
	ev, err := s.translate(context.Background(), conn.Frame{Message: begin})
	if err != nil || ev.Kind != EventBegin || ev.CommitLSN != 100 || ev.Xid != 7 {
		t.Fatalf("unexpected begin event: %+v err=%v", ev, err)
	}

	commit := &wire.CommitMessage{CommitLSN: 100, EndLSN: 200}
	ev, err = s.translate(context.Background(), conn.Frame{Message: commit})
	if err != nil || ev.Kind != EventCommit || ev.EndLSN != 200 {
		t.Fatalf("unexpected commit event: %+v err=%v", ev, err)
	}
}

func TestTranslateExtensionMessageIgnored(t *testing.T) {
	s := newTestSource()
	ev, err := s.translate(context.Background(), conn.Frame{Message: &wire.ExtensionMessage{Tag: 'S'}})
	if err != nil {
		t.Fatalf("translate: %v", err)
	}
	if ev != nil {
		t.Fatalf("expected nil event for extension tag, got %+v", ev)
	}
}

func TestReportDurableDoesNotBlockOnFullChannel(t *testing.T) {
	s := newTestSource()
	s.advance = make(chan wire.LSN, 1)
	s.ReportDurable(10)
	s.ReportDurable(20)
	select {
	case got := <-s.advance:
		if got != 20 {
			t.Fatalf("expected latest value 20, got %d", got)
		}
	default:
		t.Fatal("expected a pending advance value")
	}
}
