// Package backfill streams a snapshot-consistent copy of each table's
// existing rows ahead of CDC, grounded on the snapshot-export pattern in
// josephjohncox-WALlaby/connectors/sources/postgres/backfill.go
// (pg_export_snapshot / SET TRANSACTION SNAPSHOT / COPY ... TO STDOUT).
package backfill

import (
	"context"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"walpipe/internal/wire"
)

// Snapshot pins a consistent view of the database that every table backfill
// binds to via SET TRANSACTION SNAPSHOT, so two tables backfilled at
// different times still see the database as of the same instant: the
// replication slot's creation for a snapshot from FromSlotCreation, or the
// pg_export_snapshot() call for one from Export.
type Snapshot struct {
	name string
	lsn  wire.LSN
	conn *pgxpool.Conn
	tx   pgx.Tx
}

// Name is the exported snapshot identifier usable in SET TRANSACTION
// SNAPSHOT on another connection.
func (s *Snapshot) Name() string { return s.name }

// LSN is the consistent point this snapshot was captured at.
func (s *Snapshot) LSN() wire.LSN { return s.lsn }

// FromSlotCreation wraps a snapshot name and LSN already captured by
// CREATE_REPLICATION_SLOT ... EXPORT_SNAPSHOT (internal/conn.SlotCreation),
// the common case when the slot didn't exist yet.
func FromSlotCreation(name string, lsn wire.LSN) *Snapshot {
	return &Snapshot{name: name, lsn: lsn}
}

// Export opens a REPEATABLE READ READ ONLY transaction on a fresh
// connection and calls pg_export_snapshot(), for the case where the slot
// already existed and no snapshot was captured at creation time. The
// caller must call Release when done with every table backfill that binds
// to this snapshot.
func Export(ctx context.Context, pool *pgxpool.Pool, lsn wire.LSN) (*Snapshot, error) {
	conn, err := pool.Acquire(ctx)
	if err != nil {
		return nil, fmt.Errorf("acquire snapshot connection: %w", err)
	}
	tx, err := conn.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.RepeatableRead, AccessMode: pgx.ReadOnly})
	if err != nil {
		conn.Release()
		return nil, fmt.Errorf("begin snapshot transaction: %w", err)
	}
	var name string
	if err := tx.QueryRow(ctx, "SELECT pg_export_snapshot()").Scan(&name); err != nil {
		_ = tx.Rollback(ctx)
		conn.Release()
		return nil, fmt.Errorf("export snapshot: %w", err)
	}
	return &Snapshot{name: name, lsn: lsn, conn: conn, tx: tx}, nil
}

// Release closes the exporting transaction and connection, if Export
// opened one. A Snapshot built by FromSlotCreation has nothing to release.
func (s *Snapshot) Release(ctx context.Context) {
	if s.tx != nil {
		_ = s.tx.Commit(ctx)
		s.tx = nil
	}
	if s.conn != nil {
		s.conn.Release()
		s.conn = nil
	}
}

// bind acquires a connection from pool and sets its transaction snapshot to
// s, returning a transaction ready to COPY from under a consistent view.
func bind(ctx context.Context, pool *pgxpool.Pool, s *Snapshot) (*pgxpool.Conn, pgx.Tx, error) {
	conn, err := pool.Acquire(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("acquire backfill connection: %w", err)
	}
	tx, err := conn.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.RepeatableRead, AccessMode: pgx.ReadOnly})
	if err != nil {
		conn.Release()
		return nil, nil, fmt.Errorf("begin backfill transaction: %w", err)
	}
	if s.name != "" {
		// SET TRANSACTION SNAPSHOT takes an Sconst in the grammar, not a
		// bind parameter, so the name has to be embedded as a literal.
		// Safe here because the name is server-generated by
		// pg_export_snapshot()/CREATE_REPLICATION_SLOT, never user input.
		stmt := fmt.Sprintf("SET TRANSACTION SNAPSHOT '%s'", quoteLiteral(s.name))
		if _, err := tx.Exec(ctx, stmt); err != nil {
			_ = tx.Rollback(ctx)
			conn.Release()
			return nil, nil, fmt.Errorf("set transaction snapshot: %w", err)
		}
	}
	return conn, tx, nil
}

func quoteLiteral(s string) string {
	return strings.ReplaceAll(s, "'", "''")
}
