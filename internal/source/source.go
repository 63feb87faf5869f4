package source

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"walpipe/internal/backfill"
	"walpipe/internal/conn"
	"walpipe/internal/config"
	"walpipe/internal/decode"
	"walpipe/internal/errs"
	"walpipe/internal/metrics"
	"walpipe/internal/schema"
	"walpipe/internal/wire"
)

// Source ties the replication client, the snapshot streamer, the schema
// cache, and the value decoder together behind four operations: tables(),
// backfill(rel), cdc(start_lsn), report_durable(lsn).
type Source struct {
	cfg config.Config

	pool     *pgxpool.Pool
	catalog  *conn.Catalog
	client   *conn.Client
	streamer *backfill.Streamer
	cache    *schema.Cache
	dec      *decode.Decoder

	logger *zap.Logger
	m      *metrics.Metrics

	advance chan wire.LSN
}

// New dials the catalog pool and builds the client/streamer/cache/decoder
// this Source will orchestrate. The replication connection itself is
// opened lazily by conn.Client on first use.
func New(ctx context.Context, cfg config.Config, logger *zap.Logger, m *metrics.Metrics) (*Source, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if m == nil {
		m = metrics.GlobalMetrics
	}

	poolCfg, err := pgxpool.ParseConfig(cfg.DatabaseURL)
	if err != nil {
		return nil, &errs.ConnectError{Op: "parse catalog pool config", Err: err}
	}
	if err := conn.ApplyTLSMode(&poolCfg.ConnConfig.Config, cfg.TLSMode); err != nil {
		return nil, &errs.ConnectError{Op: "apply tls_mode", Err: err}
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, &errs.ConnectError{Op: "connect catalog pool", Err: err}
	}

	policy := decode.UnknownTypeError
	if cfg.UnknownTypes == config.UnknownTypesBytes {
		policy = decode.UnknownTypeOpaqueBytes
	}

	client := conn.NewClient(cfg.DatabaseURL, cfg.TLSMode, conn.SlotConfig{
		SlotName:            cfg.SlotName,
		Publications:        cfg.Publications,
		CreateSlotIfMissing: cfg.CreateSlotIfMissing,
	}, cfg.StandbyStatusInterval, logger, m)

	cache := schema.NewCache(pool)
	dec := decode.NewDecoder(decode.NewMap(), policy)

	return &Source{
		cfg:      cfg,
		pool:     pool,
		catalog:  conn.NewCatalog(pool),
		client:   client,
		streamer: backfill.NewStreamer(pool, dec),
		cache:    cache,
		dec:      dec,
		logger:   logger,
		m:        m,
		advance:  make(chan wire.LSN, 1),
	}, nil
}

// Close releases the catalog pool. The replication connection is owned and
// closed internally by conn.Client as part of StreamFrom returning.
func (s *Source) Close() {
	s.pool.Close()
}

// IdentifySystem reports the server's current WAL position.
func (s *Source) IdentifySystem(ctx context.Context) (wire.LSN, error) {
	return s.client.IdentifySystem(ctx)
}

// EnsureSlot creates the replication slot if absent. When
// CreateSlotIfMissing is false, a missing slot is reported as
// errs.MissingSlot instead of being created.
func (s *Source) EnsureSlot(ctx context.Context) (conn.SlotCreation, error) {
	if !s.cfg.CreateSlotIfMissing {
		exists, err := s.catalog.SlotExists(ctx, s.cfg.SlotName)
		if err != nil {
			return conn.SlotCreation{}, &errs.ConnectError{Op: "check replication slot", Err: err}
		}
		if !exists {
			return conn.SlotCreation{}, errs.MissingSlot(s.cfg.SlotName)
		}
	}
	return s.client.EnsureSlot(ctx)
}

// Tables resolves the set of schema-qualified table names to process: from
// an explicit table list if configured, else from the published tables of
// every named publication.
func (s *Source) Tables(ctx context.Context) ([]string, error) {
	if len(s.cfg.TableFilters) > 0 {
		return s.cfg.TableFilters, nil
	}
	seen := make(map[string]struct{})
	var out []string
	for _, pub := range s.cfg.Publications {
		tables, err := s.catalog.PublicationTables(ctx, pub)
		if err != nil {
			return nil, fmt.Errorf("resolve tables for publication %s: %w", pub, err)
		}
		for _, t := range tables {
			if _, ok := seen[t]; !ok {
				seen[t] = struct{}{}
				out = append(out, t)
			}
		}
	}
	return out, nil
}

// DescribeRelation resolves a schema-qualified table ("public.orders")
// directly from the catalog and seeds it into the schema cache, so a
// *schema.Relation is available for backfill before any CDC Relation
// announcement for the oid has arrived.
func (s *Source) DescribeRelation(ctx context.Context, namespace, name string) (*schema.Relation, error) {
	desc, err := s.catalog.DescribeRelation(ctx, namespace, name)
	if err != nil {
		return nil, err
	}
	if err := schema.ValidateReplicaIdentity(wire.ReplicaIdentity(desc.ReplicaIdentity)); err != nil {
		return nil, err
	}
	cols := make([]schema.Column, len(desc.Columns))
	for i, c := range desc.Columns {
		cols[i] = schema.Column{Name: c.Name, TypeOID: c.TypeOID, TypeModifier: c.TypeModifier, PartOfKey: c.PartOfKey}
	}
	rel := s.cache.Seed(schema.CatalogDescriptor{
		OID:             desc.OID,
		Namespace:       desc.Namespace,
		Name:            desc.Name,
		ReplicaIdentity: wire.ReplicaIdentity(desc.ReplicaIdentity),
		Columns:         cols,
	})
	if rel.ReplicaIdentity == wire.ReplicaIdentityDefault {
		if _, err := s.cache.ResolveLookupKey(ctx, rel); err != nil {
			return nil, err
		}
	}
	return rel, nil
}

// Backfill streams rel's snapshot rows to out under snap. rel must already
// be a *schema.Relation the caller resolved (typically via
// catalog.DescribeRelation fed through schema.Cache — see
// internal/pipeline for the oid-ascending ordering tables must be
// backfilled in).
func (s *Source) Backfill(ctx context.Context, snap *backfill.Snapshot, rel *schema.Relation, out chan<- backfill.Event) error {
	defer close(out)
	return s.streamer.Table(ctx, snap, rel, out)
}

// ExportSnapshot opens a fresh transaction-scoped snapshot for backfill
// when the slot already existed and no snapshot was captured at creation.
func (s *Source) ExportSnapshot(ctx context.Context, lsn wire.LSN) (*backfill.Snapshot, error) {
	return backfill.Export(ctx, s.pool, lsn)
}

// CDC starts logical replication at startLSN and translates decoded frames
// into typed Events on out. It returns when ctx is cancelled or the
// underlying client gives up after a fatal error. The schema cache is
// consulted and updated transparently: Relation messages update it before
// any Insert/Update/Delete/Truncate referencing that oid is translated.
func (s *Source) CDC(ctx context.Context, startLSN wire.LSN, out chan<- Event) error {
	defer close(out)

	frames := make(chan conn.Frame, cap(out))
	errCh := make(chan error, 1)
	go func() {
		errCh <- s.client.StreamFrom(ctx, startLSN, frames, s.advance)
	}()

	for frame := range frames {
		ev, err := s.translate(ctx, frame)
		if err != nil {
			return err
		}
		if ev == nil {
			continue
		}
		select {
		case out <- *ev:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return <-errCh
}

// ReportDurable feeds the sink's newly durable LSN back to the replication
// client so its next StandbyStatusUpdate reflects it.
func (s *Source) ReportDurable(lsn wire.LSN) {
	select {
	case s.advance <- lsn:
	default:
		// A pending advance not yet picked up by the client is superseded;
		// LSNs only move forward so the newer value is always sufficient.
		select {
		case <-s.advance:
		default:
		}
		s.advance <- lsn
	}
}

// translate turns one decoded wire.Message into an Event, or nil when the
// message carries no event the pipeline needs to see.
func (s *Source) translate(ctx context.Context, frame conn.Frame) (*Event, error) {
	switch m := frame.Message.(type) {
	case *wire.BeginMessage:
		return &Event{Kind: EventBegin, WALStart: frame.WALStart, CommitLSN: m.FinalLSN, Xid: m.Xid, CommitTime: m.CommitTime}, nil

	case *wire.CommitMessage:
		return &Event{Kind: EventCommit, WALStart: frame.WALStart, CommitLSN: m.CommitLSN, EndLSN: m.EndLSN, CommitTime: m.CommitTime}, nil

	case *wire.OriginMessage:
		return &Event{Kind: EventOrigin, WALStart: frame.WALStart, CommitLSN: m.CommitLSN, OriginName: m.Name}, nil

	case *wire.RelationMessage:
		if err := schema.ValidateReplicaIdentity(m.ReplicaIdentity); err != nil {
			return nil, err
		}
		rel := s.cache.Observe(m)
		if rel.ReplicaIdentity == wire.ReplicaIdentityDefault {
			if _, err := s.cache.ResolveLookupKey(ctx, rel); err != nil {
				return nil, err
			}
		}
		return &Event{Kind: EventRelation, WALStart: frame.WALStart, Relation: rel}, nil

	case *wire.TypeMessage:
		return nil, nil

	case *wire.InsertMessage:
		rel, err := s.cache.Lookup(m.RelationID)
		if err != nil {
			return nil, err
		}
		row, err := s.dec.Tuple(rel, m.Tuple)
		if err != nil {
			return nil, err
		}
		return &Event{Kind: EventInsert, WALStart: frame.WALStart, Relation: rel, New: row}, nil

	case *wire.UpdateMessage:
		rel, err := s.cache.Lookup(m.RelationID)
		if err != nil {
			return nil, err
		}
		newRow, err := s.dec.Tuple(rel, m.NewTuple)
		if err != nil {
			return nil, err
		}
		ev := &Event{Kind: EventUpdate, WALStart: frame.WALStart, Relation: rel, New: newRow}
		if m.OldTuple != nil {
			oldRow, err := s.dec.Tuple(rel, *m.OldTuple)
			if err != nil {
				return nil, err
			}
			ev.Old, ev.HasOld = oldRow, true
		}
		return ev, nil

	case *wire.DeleteMessage:
		rel, err := s.cache.Lookup(m.RelationID)
		if err != nil {
			return nil, err
		}
		oldRow, err := s.dec.Tuple(rel, m.OldTuple)
		if err != nil {
			return nil, err
		}
		return &Event{Kind: EventDelete, WALStart: frame.WALStart, Relation: rel, Old: oldRow, HasOld: true}, nil

	case *wire.TruncateMessage:
		rels := make([]*schema.Relation, 0, len(m.RelationIDs))
		for _, oid := range m.RelationIDs {
			rel, err := s.cache.Lookup(oid)
			if err != nil {
				return nil, err
			}
			rels = append(rels, rel)
		}
		return &Event{
			Kind:                    EventTruncate,
			WALStart:                frame.WALStart,
			TruncateRelations:       rels,
			TruncateCascade:         m.Cascade,
			TruncateRestartIdentity: m.RestartIdentity,
		}, nil

	case *wire.ExtensionMessage:
		// Streaming in-progress transactions and two-phase commit tags are
		// recognized by the wire codec but not translated into events yet.
		return nil, nil

	default:
		return nil, fmt.Errorf("translate: unhandled message type %T", m)
	}
}
