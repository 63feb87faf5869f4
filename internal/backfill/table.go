package backfill

import (
	"context"
	"fmt"
	"io"

	"github.com/jackc/pgx/v5/pgxpool"

	"walpipe/internal/decode"
	"walpipe/internal/schema"
	"walpipe/internal/wire"
)

// EventKind tags one item of a table's backfill sequence: TableSchema,
// Row, or TableEnd.
type EventKind int

const (
	EventTableSchema EventKind = iota
	EventRow
	EventTableEnd
)

// Event is one item of a table's backfill stream.
type Event struct {
	Kind        EventKind
	Relation    *schema.Relation
	Row         decode.Row
	SnapshotLSN wire.LSN
}

// Streamer runs COPY ... TO STDOUT against a bound snapshot, decoding each
// row with the relation's current column definitions.
type Streamer struct {
	pool *pgxpool.Pool
	dec  *decode.Decoder
}

func NewStreamer(pool *pgxpool.Pool, dec *decode.Decoder) *Streamer {
	return &Streamer{pool: pool, dec: dec}
}

// Table streams one table's rows under snap, sending a TableSchema event,
// then one Row event per row in COPY order, then a TableEnd event carrying
// snap's LSN. The caller is responsible for ordering tables (this design
// says oid ascending) and for closing out after every table finishes.
func (s *Streamer) Table(ctx context.Context, snap *Snapshot, rel *schema.Relation, out chan<- Event) error {
	select {
	case out <- Event{Kind: EventTableSchema, Relation: rel}:
	case <-ctx.Done():
		return ctx.Err()
	}

	conn, tx, err := bind(ctx, s.pool, snap)
	if err != nil {
		return err
	}
	defer func() {
		_ = tx.Commit(ctx)
		conn.Release()
	}()

	identifier := schema.QuoteIdentifier(rel.Namespace, rel.Name)
	pr, pw := io.Pipe()
	copyErrCh := make(chan error, 1)
	go func() {
		_, err := conn.Conn().PgConn().CopyTo(ctx, pw,
			fmt.Sprintf("COPY %s TO STDOUT WITH (FORMAT text)", identifier))
		_ = pw.CloseWithError(err)
		copyErrCh <- err
	}()

	reader := newCopyTextReader(pr)
	for {
		fields, err := reader.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return fmt.Errorf("read copy stream for %s: %w", rel.QualifiedName(), err)
		}
		row, err := s.decodeTextFields(rel, fields)
		if err != nil {
			return err
		}
		select {
		case out <- Event{Kind: EventRow, Relation: rel, Row: row}:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if err := <-copyErrCh; err != nil {
		return fmt.Errorf("copy %s: %w", rel.QualifiedName(), err)
	}

	select {
	case out <- Event{Kind: EventTableEnd, Relation: rel, SnapshotLSN: snap.LSN()}:
	case <-ctx.Done():
		return ctx.Err()
	}
	return nil
}

func (s *Streamer) decodeTextFields(rel *schema.Relation, fields [][]byte) (decode.Row, error) {
	if len(fields) != len(rel.Columns) {
		return decode.Row{}, fmt.Errorf("copy row for %s has %d fields, relation has %d columns",
			rel.QualifiedName(), len(fields), len(rel.Columns))
	}
	cols := make([]wire.TupleColumn, len(fields))
	for i, f := range fields {
		if f == nil {
			cols[i] = wire.TupleColumn{Kind: wire.ColumnNull}
			continue
		}
		cols[i] = wire.TupleColumn{Kind: wire.ColumnText, Data: f}
	}
	return s.dec.Tuple(rel, wire.TupleData{Columns: cols})
}
