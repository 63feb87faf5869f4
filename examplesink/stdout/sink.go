// Package stdout provides a minimal transactional pipeline.Sink that writes
// one JSON line per applied event to an io.Writer — no broker, no
// checkpoint store, useful for examples and for driving the pipeline in
// tests without standing up Redis or NATS.
package stdout

import (
	"bufio"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"sync"

	"walpipe/internal/decode"
	"walpipe/internal/pipeline"
	"walpipe/internal/schema"
	"walpipe/internal/wire"
)

// Sink commits atomically in the sense that matters to the pipeline
// contract: it buffers a transaction's lines in memory and only flushes
// them to w on CommitTxn, so a crash mid-transaction leaves w untouched.
type Sink struct {
	w      *bufio.Writer
	mu     sync.Mutex
	resume pipeline.ResumptionState

	buffered  []line
	commitLSN wire.LSN
}

type line struct {
	Kind string `json:"kind"`
	v    any
}

func NewSink(w io.Writer, resume pipeline.ResumptionState) *Sink {
	if resume.PerTable == nil {
		resume.PerTable = map[string]pipeline.TableState{}
	}
	return &Sink{w: bufio.NewWriter(w), resume: resume}
}

func (s *Sink) GetResumptionState(ctx context.Context) (pipeline.ResumptionState, error) {
	return s.resume, nil
}

func (s *Sink) DeclareTransactional() bool { return true }

func (s *Sink) BeginTxn(ctx context.Context, commitLSN wire.LSN, xid uint32) error {
	s.buffered = s.buffered[:0]
	s.commitLSN = commitLSN
	return nil
}

func (s *Sink) WriteRow(ctx context.Context, rel *schema.Relation, op pipeline.RowOp, row decode.Row) error {
	s.buffered = append(s.buffered, line{Kind: "row", v: rowLine{
		Operation: op.String(),
		Schema:    rel.Namespace,
		Table:     rel.Name,
		Row:       rowToMap(row),
	}})
	return nil
}

func (s *Sink) Truncate(ctx context.Context, rels []*schema.Relation, cascade, restartIdentity bool) error {
	names := make([]string, len(rels))
	for i, rel := range rels {
		names[i] = rel.QualifiedName()
	}
	s.buffered = append(s.buffered, line{Kind: "truncate", v: truncateLine{Tables: names, Cascade: cascade, RestartIdentity: restartIdentity}})
	return nil
}

// CommitTxn flushes every buffered line for this transaction and reports
// its own commit_lsn as durable, since each flush is synchronous.
func (s *Sink) CommitTxn(ctx context.Context) (wire.LSN, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, l := range s.buffered {
		if err := s.writeJSON(l.Kind, l.v); err != nil {
			return 0, err
		}
	}
	s.buffered = s.buffered[:0]
	if err := s.w.Flush(); err != nil {
		return 0, fmt.Errorf("flush stdout sink: %w", err)
	}
	return s.commitLSN, nil
}

func (s *Sink) AbortTxn(ctx context.Context) error {
	s.buffered = s.buffered[:0]
	return nil
}

func (s *Sink) WriteBackfillSchema(ctx context.Context, rel *schema.Relation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cols := make([]string, len(rel.Columns))
	for i, c := range rel.Columns {
		cols[i] = c.Name
	}
	if err := s.writeJSON("backfill_schema", schemaLine{Schema: rel.Namespace, Table: rel.Name, Columns: cols}); err != nil {
		return err
	}
	return s.w.Flush()
}

func (s *Sink) WriteBackfillRow(ctx context.Context, rel *schema.Relation, row decode.Row) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.writeJSON("backfill_row", rowLine{Schema: rel.Namespace, Table: rel.Name, Row: rowToMap(row)}); err != nil {
		return err
	}
	return s.w.Flush()
}

func (s *Sink) EndBackfill(ctx context.Context, rel *schema.Relation, snapshotLSN wire.LSN) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.resume.PerTable[rel.QualifiedName()] = pipeline.TableState{Status: pipeline.TableCopied, Cursor: snapshotLSN.String()}
	if err := s.writeJSON("backfill_end", backfillEndLine{Schema: rel.Namespace, Table: rel.Name, SnapshotLSN: snapshotLSN.String()}); err != nil {
		return err
	}
	return s.w.Flush()
}

func (s *Sink) writeJSON(kind string, v any) error {
	data, err := json.Marshal(struct {
		Kind string `json:"kind"`
		Data any    `json:"data"`
	}{Kind: kind, Data: v})
	if err != nil {
		return fmt.Errorf("marshal %s line: %w", kind, err)
	}
	if _, err := s.w.Write(data); err != nil {
		return err
	}
	return s.w.WriteByte('\n')
}

type rowLine struct {
	Operation string         `json:"operation,omitempty"`
	Schema    string         `json:"schema"`
	Table     string         `json:"table"`
	Row       map[string]any `json:"row"`
}

type truncateLine struct {
	Tables          []string `json:"tables"`
	Cascade         bool     `json:"cascade"`
	RestartIdentity bool     `json:"restart_identity"`
}

type schemaLine struct {
	Schema  string   `json:"schema"`
	Table   string   `json:"table"`
	Columns []string `json:"columns"`
}

type backfillEndLine struct {
	Schema      string `json:"schema"`
	Table       string `json:"table"`
	SnapshotLSN string `json:"snapshot_lsn"`
}

func rowToMap(row decode.Row) map[string]any {
	out := make(map[string]any, len(row.Columns))
	for _, col := range row.Columns {
		v := row.Get(col)
		switch v.Kind {
		case decode.Null:
			out[col] = nil
		case decode.Unchanged:
		case decode.Opaque:
			out[col] = base64.StdEncoding.EncodeToString(v.Raw)
		default:
			out[col] = v.Native
		}
	}
	return out
}
