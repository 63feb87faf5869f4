// Package jetstream adapts internal/publisher's NATS JetStream publishing
// into a pipeline.Sink: a non-transactional sink whose durability unit is
// one JetStream ack per row, not one Postgres transaction. It relies on the
// pipeline engine's dedup window (internal/pipeline/dedup.go) to tolerate
// re-seeing events after a resume, the way declareTransactional()==false
// is meant to be used.
package jetstream

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"walpipe/examplesink/resumption"
	"walpipe/internal/decode"
	"walpipe/internal/metrics"
	"walpipe/internal/pipeline"
	"walpipe/internal/schema"
	"walpipe/internal/wire"
)

// Options configures the JetStream connection and stream, mirroring
// publisher.JetStreamOptions.
type Options struct {
	URLs           []string
	Username       string
	Password       string
	ConnectTimeout time.Duration
	PublishTimeout time.Duration
	StreamName     string
}

// Sink publishes each applied row to subject cdc.{schema}.{table} and each
// backfilled row to cdc.backfill.{schema}.{table}, as JSON.
type Sink struct {
	opts   Options
	nc     *nats.Conn
	js     nats.JetStreamContext
	logger *zap.Logger
	m      *metrics.Metrics

	resume *resumption.Store

	txnCommitLSN wire.LSN
	txnXid       uint32
	pending      []nats.PubAckFuture
	pendingCount int
}

func NewSink(opts Options, resumeStore *resumption.Store, logger *zap.Logger) (*Sink, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Sink{opts: opts, logger: logger, m: metrics.GlobalMetrics, resume: resumeStore}
	if err := s.connect(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Sink) connect() error {
	if len(s.opts.URLs) == 0 {
		return fmt.Errorf("jetstream sink: no NATS URLs configured")
	}
	natsOpts := []nats.Option{
		nats.Timeout(s.opts.ConnectTimeout),
		nats.Name("walpipe-jetstream-sink"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2 * time.Second),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			s.logger.Warn("nats disconnected", zap.Error(err))
		}),
	}
	if s.opts.Username != "" {
		natsOpts = append(natsOpts, nats.UserInfo(s.opts.Username, s.opts.Password))
	}
	nc, err := nats.Connect(strings.Join(s.opts.URLs, ","), natsOpts...)
	if err != nil {
		return fmt.Errorf("jetstream sink: connect: %w", err)
	}
	js, err := nc.JetStream(nats.PublishAsyncMaxPending(256))
	if err != nil {
		_ = nc.Drain()
		return fmt.Errorf("jetstream sink: jetstream context: %w", err)
	}
	streamName := s.opts.StreamName
	if streamName == "" {
		streamName = "CDC"
	}
	if _, err := js.StreamInfo(streamName); err != nil {
		if _, err := js.AddStream(&nats.StreamConfig{
			Name:      streamName,
			Subjects:  []string{"cdc.>"},
			Retention: nats.LimitsPolicy,
		}); err != nil {
			_ = nc.Drain()
			return fmt.Errorf("jetstream sink: create stream: %w", err)
		}
	}
	s.nc, s.js = nc, js
	return nil
}

func (s *Sink) Close() error {
	if s.nc != nil {
		return s.nc.Drain()
	}
	return nil
}

func (s *Sink) GetResumptionState(ctx context.Context) (pipeline.ResumptionState, error) {
	return s.resume.Load(ctx)
}

// DeclareTransactional reports false: acking each row independently is the
// whole point of using JetStream here, so the engine's dedup window (keyed
// on commit_lsn) is what protects against re-applying a commit this sink
// already acked before a prior crash.
func (s *Sink) DeclareTransactional() bool {
	_ = s.resume.SetTransactional(context.Background(), false)
	return false
}

func (s *Sink) BeginTxn(ctx context.Context, commitLSN wire.LSN, xid uint32) error {
	s.txnCommitLSN, s.txnXid = commitLSN, xid
	s.pending = s.pending[:0]
	s.pendingCount = 0
	return nil
}

func (s *Sink) WriteRow(ctx context.Context, rel *schema.Relation, op pipeline.RowOp, row decode.Row) error {
	evt := cdcEvent{
		CommitLSN: s.txnCommitLSN.String(),
		Xid:       s.txnXid,
		Schema:    rel.Namespace,
		Table:     rel.Name,
		Operation: op.String(),
		Row:       rowToMap(row),
	}
	data, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("marshal cdc event: %w", err)
	}
	pa, err := s.js.PublishAsync(subjectFor(rel.Namespace, rel.Name), data)
	if err != nil {
		return fmt.Errorf("publish %s.%s: %w", rel.Namespace, rel.Name, err)
	}
	s.pending = append(s.pending, pa)
	s.pendingCount++
	return nil
}

func (s *Sink) Truncate(ctx context.Context, rels []*schema.Relation, cascade, restartIdentity bool) error {
	for _, rel := range rels {
		evt := cdcEvent{
			CommitLSN: s.txnCommitLSN.String(),
			Xid:       s.txnXid,
			Schema:    rel.Namespace,
			Table:     rel.Name,
			Operation: "truncate",
		}
		data, err := json.Marshal(evt)
		if err != nil {
			return fmt.Errorf("marshal truncate event: %w", err)
		}
		pa, err := s.js.PublishAsync(subjectFor(rel.Namespace, rel.Name), data)
		if err != nil {
			return fmt.Errorf("publish truncate %s.%s: %w", rel.Namespace, rel.Name, err)
		}
		s.pending = append(s.pending, pa)
		s.pendingCount++
	}
	return nil
}

// CommitTxn waits for every row published since BeginTxn to be acked, then
// records the transaction's commit LSN as durable. JetStream's per-message
// ack is the durability boundary here, not a Postgres-style atomic commit:
// a transaction with five rows can durably persist three of them and fail
// on the fourth, which is why this sink must be paired with the dedup
// window rather than relying on its own atomicity.
func (s *Sink) CommitTxn(ctx context.Context) (wire.LSN, error) {
	timeout := s.opts.PublishTimeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()

	for _, pa := range s.pending {
		select {
		case <-ctx.Done():
			return 0, ctx.Err()
		case <-pa.Ok():
			s.m.JetstreamPublished.Inc()
		case err := <-pa.Err():
			s.m.JetstreamAckFailure.Inc()
			return 0, fmt.Errorf("jetstream ack failed for commit_lsn=%s: %w", s.txnCommitLSN, err)
		case <-deadline.C:
			s.m.JetstreamAckFailure.Inc()
			return 0, fmt.Errorf("jetstream ack timeout for commit_lsn=%s", s.txnCommitLSN)
		}
	}
	if err := s.resume.SaveDurable(ctx, s.txnCommitLSN, s.txnCommitLSN); err != nil {
		return 0, err
	}
	return s.txnCommitLSN, nil
}

// AbortTxn cannot retract messages already published to JetStream; it only
// resets local transaction state, leaving the dedup window to suppress the
// already-acked rows if this commit_lsn is ever replayed after a restart.
func (s *Sink) AbortTxn(ctx context.Context) error {
	s.pending = s.pending[:0]
	s.pendingCount = 0
	return nil
}

func (s *Sink) WriteBackfillSchema(ctx context.Context, rel *schema.Relation) error {
	return nil
}

func (s *Sink) WriteBackfillRow(ctx context.Context, rel *schema.Relation, row decode.Row) error {
	evt := cdcEvent{Schema: rel.Namespace, Table: rel.Name, Operation: "backfill", Row: rowToMap(row)}
	data, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("marshal backfill row: %w", err)
	}
	subject := fmt.Sprintf("cdc.backfill.%s.%s", rel.Namespace, rel.Name)
	if _, err := s.js.PublishAsync(subject, data); err != nil {
		return fmt.Errorf("publish backfill row %s.%s: %w", rel.Namespace, rel.Name, err)
	}
	s.m.BackfillRowsCopied.Inc()
	return nil
}

func (s *Sink) EndBackfill(ctx context.Context, rel *schema.Relation, snapshotLSN wire.LSN) error {
	return s.resume.SaveTableState(ctx, rel.QualifiedName(), pipeline.TableCopied, snapshotLSN.String())
}

func subjectFor(namespace, table string) string {
	return fmt.Sprintf("cdc.%s.%s", namespace, table)
}

type cdcEvent struct {
	CommitLSN string         `json:"commit_lsn,omitempty"`
	Xid       uint32         `json:"xid,omitempty"`
	Schema    string         `json:"schema"`
	Table     string         `json:"table"`
	Operation string         `json:"operation"`
	Row       map[string]any `json:"row,omitempty"`
}

func rowToMap(row decode.Row) map[string]any {
	out := make(map[string]any, len(row.Columns))
	for _, col := range row.Columns {
		v := row.Get(col)
		switch v.Kind {
		case decode.Null:
			out[col] = nil
		case decode.Unchanged:
			// TOASTed and not included in this tuple; omit rather than
			// claim it's null.
		case decode.Opaque:
			out[col] = base64.StdEncoding.EncodeToString(v.Raw)
		default:
			out[col] = v.Native
		}
	}
	return out
}
