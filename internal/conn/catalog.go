package conn

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Catalog is a pooled, non-replication connection used for schema lookups,
// publication/table-list queries, and CREATE_REPLICATION_SLOT's companion
// catalog work that the replication-mode connection can't do (it only
// speaks the replication sub-protocol once started).
type Catalog struct {
	pool *pgxpool.Pool
}

func NewCatalog(pool *pgxpool.Pool) *Catalog {
	return &Catalog{pool: pool}
}

// SlotExists reports whether a logical replication slot by this name
// already exists, per pg_replication_slots.
func (c *Catalog) SlotExists(ctx context.Context, name string) (bool, error) {
	var exists bool
	err := c.pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM pg_replication_slots WHERE slot_name = $1 AND slot_type = 'logical')`,
		name).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check replication slot: %w", err)
	}
	return exists, nil
}

// ConfirmedFlushLSN reads the slot's last confirmed_flush_lsn as text. No
// code in this module calls it: when the sink has no resumption state,
// internal/pipeline starts CDC from IdentifySystem's position instead.
func (c *Catalog) ConfirmedFlushLSN(ctx context.Context, slot string) (string, error) {
	var lsn string
	err := c.pool.QueryRow(ctx,
		`SELECT confirmed_flush_lsn::text FROM pg_replication_slots WHERE slot_name = $1`, slot).Scan(&lsn)
	if err != nil {
		return "", fmt.Errorf("read confirmed_flush_lsn: %w", err)
	}
	return lsn, nil
}

// PublicationExists reports whether a publication by this name exists.
func (c *Catalog) PublicationExists(ctx context.Context, name string) (bool, error) {
	var exists bool
	err := c.pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM pg_publication WHERE pubname = $1)`, name).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check publication: %w", err)
	}
	return exists, nil
}

// PublicationTables lists the schema-qualified tables covered by a
// publication; used to drive backfill table discovery.
func (c *Catalog) PublicationTables(ctx context.Context, name string) ([]string, error) {
	var allTables bool
	if err := c.pool.QueryRow(ctx, `SELECT puballtables FROM pg_publication WHERE pubname = $1`, name).Scan(&allTables); err != nil {
		return nil, fmt.Errorf("read publication: %w", err)
	}
	if allTables {
		rows, err := c.pool.Query(ctx,
			`SELECT schemaname, tablename FROM pg_tables
			 WHERE schemaname NOT IN ('pg_catalog', 'information_schema')
			 ORDER BY schemaname, tablename`)
		if err != nil {
			return nil, fmt.Errorf("list all tables: %w", err)
		}
		return scanQualifiedNames(rows)
	}

	rows, err := c.pool.Query(ctx,
		`SELECT schemaname, tablename FROM pg_publication_tables WHERE pubname = $1 ORDER BY schemaname, tablename`,
		name)
	if err != nil {
		return nil, fmt.Errorf("list publication tables: %w", err)
	}
	return scanQualifiedNames(rows)
}

// RelationDescriptor is the catalog-sourced shape of a table's structure,
// used to seed the schema cache for a table that hasn't yet had a wire
// Relation message announced for it — the case for every backfill table,
// since pgoutput only announces a relation the first time it appears in
// the CDC stream.
type RelationDescriptor struct {
	OID             uint32
	Namespace       string
	Name            string
	ReplicaIdentity byte
	Columns         []RelationColumnDescriptor
}

type RelationColumnDescriptor struct {
	Name         string
	TypeOID      uint32
	TypeModifier int32
	PartOfKey    bool
}

// DescribeRelation reads oid, replica identity, and column list for a
// schema-qualified table directly from the catalog, independent of any
// Relation message having arrived on the replication stream yet.
func (c *Catalog) DescribeRelation(ctx context.Context, namespace, name string) (RelationDescriptor, error) {
	var desc RelationDescriptor
	desc.Namespace, desc.Name = namespace, name

	err := c.pool.QueryRow(ctx,
		`SELECT c.oid, c.relreplident FROM pg_class c
		 JOIN pg_namespace n ON n.oid = c.relnamespace
		 WHERE n.nspname = $1 AND c.relname = $2`, namespace, name,
	).Scan(&desc.OID, &desc.ReplicaIdentity)
	if err != nil {
		return RelationDescriptor{}, fmt.Errorf("describe relation %s.%s: %w", namespace, name, err)
	}

	rows, err := c.pool.Query(ctx,
		`SELECT a.attname, a.atttypid, a.atttypmod,
		        EXISTS (
		          SELECT 1 FROM pg_index i
		          WHERE i.indrelid = a.attrelid AND i.indisreplident
		            AND a.attnum = ANY(i.indkey)
		        ) AS part_of_key
		 FROM pg_attribute a
		 WHERE a.attrelid = $1 AND a.attnum > 0 AND NOT a.attisdropped
		 ORDER BY a.attnum`, desc.OID)
	if err != nil {
		return RelationDescriptor{}, fmt.Errorf("describe columns for %s.%s: %w", namespace, name, err)
	}
	defer rows.Close()
	for rows.Next() {
		var col RelationColumnDescriptor
		if err := rows.Scan(&col.Name, &col.TypeOID, &col.TypeModifier, &col.PartOfKey); err != nil {
			return RelationDescriptor{}, fmt.Errorf("scan column for %s.%s: %w", namespace, name, err)
		}
		desc.Columns = append(desc.Columns, col)
	}
	if err := rows.Err(); err != nil {
		return RelationDescriptor{}, fmt.Errorf("iterate columns for %s.%s: %w", namespace, name, err)
	}
	return desc, nil
}

func scanQualifiedNames(rows pgx.Rows) ([]string, error) {
	defer rows.Close()
	out := make([]string, 0)
	for rows.Next() {
		var schema, table string
		if err := rows.Scan(&schema, &table); err != nil {
			return nil, fmt.Errorf("scan table: %w", err)
		}
		out = append(out, schema+"."+table)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate tables: %w", err)
	}
	return out, nil
}
