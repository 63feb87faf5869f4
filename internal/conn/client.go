// Package conn owns the replication-mode connection to PostgreSQL: slot
// lifecycle, START_REPLICATION, the CopyData/XLogData/PrimaryKeepalive
// ingestion loop, and StandbyStatusUpdate feedback. It generalizes a
// wal2json/pgoutput switch down to pgoutput only, handing decoded frames to
// internal/wire instead of forwarding raw bytes to a downstream parser
// goroutine.
package conn

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"math/rand"
	"strings"
	"time"

	"github.com/jackc/pglogrepl"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgproto3"
	"go.uber.org/zap"

	"walpipe/internal/config"
	"walpipe/internal/errs"
	"walpipe/internal/metrics"
	"walpipe/internal/wire"
)

// Frame is one decoded logical-decoding message plus the WAL position it
// arrived at, handed to internal/source for sequencing into CDC events.
type Frame struct {
	WALStart wire.LSN
	Message  wire.Message
}

// SlotConfig describes the replication slot and publication this client
// binds to.
type SlotConfig struct {
	SlotName            string
	Publications        []string
	CreateSlotIfMissing bool
}

// Client streams pgoutput logical-decoding messages from one replication
// slot, reconnecting with backoff on transient failure.
type Client struct {
	databaseURL string
	tlsMode     config.TLSMode
	slot        SlotConfig
	standbyFreq time.Duration

	conn   *pgconn.PgConn
	logger *zap.Logger
	m      *metrics.Metrics
}

func NewClient(databaseURL string, tlsMode config.TLSMode, slot SlotConfig, standbyFreq time.Duration, logger *zap.Logger, m *metrics.Metrics) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	if m == nil {
		m = metrics.GlobalMetrics
	}
	if standbyFreq <= 0 {
		standbyFreq = 10 * time.Second
	}
	return &Client{databaseURL: databaseURL, tlsMode: tlsMode, slot: slot, standbyFreq: standbyFreq, logger: logger, m: m}
}

// connect opens a fresh replication-mode physical connection.
func (c *Client) connect(ctx context.Context) error {
	cfg, err := pgconn.ParseConfig(c.databaseURL)
	if err != nil {
		return &errs.ConnectError{Op: "parse database url", Err: err}
	}
	if err := ApplyTLSMode(cfg, c.tlsMode); err != nil {
		return &errs.ConnectError{Op: "apply tls_mode", Err: err}
	}
	if cfg.RuntimeParams == nil {
		cfg.RuntimeParams = map[string]string{}
	}
	cfg.RuntimeParams["replication"] = "database"
	pgConn, err := pgconn.ConnectConfig(ctx, cfg)
	if err != nil {
		return &errs.ConnectError{Op: "connect replication", Err: err}
	}
	c.conn = pgConn
	return nil
}

func (c *Client) close(ctx context.Context) {
	if c.conn == nil {
		return
	}
	_ = c.conn.Close(ctx)
	c.conn = nil
}

// IdentifySystem reports the server's current WAL position, used as the
// fallback start LSN when no resumption state exists.
func (c *Client) IdentifySystem(ctx context.Context) (wire.LSN, error) {
	if c.conn == nil {
		if err := c.connect(ctx); err != nil {
			return 0, err
		}
	}
	sys, err := pglogrepl.IdentifySystem(ctx, c.conn)
	if err != nil {
		return 0, &errs.ConnectError{Op: "identify system", Err: err}
	}
	return sys.XLogPos, nil
}

// SlotCreation reports what happened when EnsureSlot ran: whether a new
// slot was created, and if so, the consistent-point LSN and the exported
// snapshot name backfill workers should bind to ("capture the
// consistent snapshot LSN"). Both are empty when the slot already existed.
type SlotCreation struct {
	Created       bool
	ConsistentLSN wire.LSN
	SnapshotName  string
}

// EnsureSlot creates the replication slot if it doesn't exist, exporting
// its initial snapshot so a caller can backfill under it before streaming
// begins. If the slot already exists this is a no-op; callers resume from
// their own persisted LSN instead. It issues CREATE_REPLICATION_SLOT
// without first checking CreateSlotIfMissing; internal/source's
// Source.EnsureSlot does that existence check before calling it.
func (c *Client) EnsureSlot(ctx context.Context) (SlotCreation, error) {
	if c.conn == nil {
		if err := c.connect(ctx); err != nil {
			return SlotCreation{}, err
		}
	}
	result, err := pglogrepl.CreateReplicationSlot(ctx, c.conn, c.slot.SlotName, "pgoutput",
		pglogrepl.CreateReplicationSlotOptions{Temporary: false, SnapshotAction: "EXPORT_SNAPSHOT"})
	if err == nil {
		consistent, perr := pglogrepl.ParseLSN(result.ConsistentPoint)
		if perr != nil {
			return SlotCreation{}, &errs.ConnectError{Op: "parse consistent point", Err: perr}
		}
		return SlotCreation{Created: true, ConsistentLSN: consistent, SnapshotName: result.SnapshotName}, nil
	}
	if isSlotAlreadyExists(err) {
		return SlotCreation{Created: false}, nil
	}
	if !c.slot.CreateSlotIfMissing {
		return SlotCreation{}, errs.MissingSlot(c.slot.SlotName)
	}
	return SlotCreation{}, &errs.ConnectError{Op: "create replication slot", Err: err}
}

// StreamFrom starts logical replication at startLSN and forwards decoded
// messages to out until ctx is cancelled or a fatal error occurs. advance
// reports durably-applied LSNs back to the client so it can include them in
// StandbyStatusUpdate; it's read without blocking the hot path.
func (c *Client) StreamFrom(ctx context.Context, startLSN wire.LSN, out chan<- Frame, advance <-chan wire.LSN) error {
	defer close(out)

	resumeLSN := startLSN
	backoff := time.Second
	const maxBackoff = 30 * time.Second
	var confirmedFlush wire.LSN

	for {
		if ctx.Err() != nil {
			return nil
		}

		if c.conn == nil {
			if err := c.connect(ctx); err != nil {
				if isFatal(err) {
					return err
				}
				backoff = c.sleepWithBackoff(ctx, backoff, maxBackoff)
				continue
			}
		}

		if err := c.startReplication(ctx, resumeLSN); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			if isSlotInUse(err) {
				return errs.SlotInUse(c.slot.SlotName)
			}
			if isFatal(err) {
				return err
			}
			c.close(ctx)
			backoff = c.sleepWithBackoff(ctx, backoff, maxBackoff)
			continue
		}
		backoff = time.Second

		lastLSN, err := c.receiveLoop(ctx, resumeLSN, out, advance, &confirmedFlush)
		if ctx.Err() != nil {
			return nil
		}
		if err == nil {
			return nil
		}
		if isFatal(err) {
			return err
		}
		if lastLSN != 0 {
			resumeLSN = lastLSN
		}
		c.m.ReplicationErrors.Inc()
		c.logger.Warn("replication loop error, reconnecting", zap.Error(err), zap.String("resume_lsn", resumeLSN.String()))
		c.close(ctx)
		backoff = c.sleepWithBackoff(ctx, backoff, maxBackoff)
	}
}

func (c *Client) startReplication(ctx context.Context, startLSN wire.LSN) error {
	args := []string{"proto_version '2'", "streaming 'false'"}
	if len(c.slot.Publications) > 0 {
		args = append(args, fmt.Sprintf("publication_names '%s'", strings.Join(c.slot.Publications, ",")))
	}
	if err := pglogrepl.StartReplication(ctx, c.conn, c.slot.SlotName, startLSN, pglogrepl.StartReplicationOptions{
		PluginArgs: args,
	}); err != nil {
		return fmt.Errorf("start replication: %w", err)
	}
	return nil
}

func (c *Client) receiveLoop(ctx context.Context, startLSN wire.LSN, out chan<- Frame, advance <-chan wire.LSN, confirmedFlush *wire.LSN) (wire.LSN, error) {
	lastLSN := startLSN
	deadline := time.Now().Add(c.standbyFreq)

	for {
		select {
		case lsn := <-advance:
			if lsn > *confirmedFlush {
				*confirmedFlush = lsn
				deadline = time.Now().Add(c.standbyFreq)
				if err := c.sendStandbyStatus(ctx, lastLSN, *confirmedFlush, false); err != nil {
					c.logger.Warn("send standby status failed", zap.Error(err))
				}
			}
		default:
		}

		if ctx.Err() != nil {
			return lastLSN, nil
		}
		msgCtx, cancel := context.WithDeadline(ctx, deadline)
		msg, err := c.conn.ReceiveMessage(msgCtx)
		cancel()
		if err != nil {
			if pgconn.Timeout(err) {
				deadline = time.Now().Add(c.standbyFreq)
				if err := c.sendStandbyStatus(ctx, lastLSN, *confirmedFlush, false); err != nil {
					c.logger.Warn("send standby status failed", zap.Error(err))
				}
				continue
			}
			if ctx.Err() != nil {
				return lastLSN, nil
			}
			return lastLSN, fmt.Errorf("receive replication message: %w", err)
		}

		switch m := msg.(type) {
		case *pgproto3.ErrorResponse:
			return lastLSN, fatalError{fmt.Errorf("replication error response: %s", m.Message)}
		case *pgproto3.CopyData:
			if len(m.Data) == 0 {
				continue
			}
			switch m.Data[0] {
			case pglogrepl.XLogDataByteID:
				xld, err := pglogrepl.ParseXLogData(m.Data[1:])
				if err != nil {
					c.m.ReplicationErrors.Inc()
					c.logger.Warn("parse xlog data failed", zap.Error(err))
					continue
				}
				lastLSN = xld.WALStart
				decoded, _, err := wire.Decode(xld.WALData)
				if err != nil {
					c.m.DecodeErrors.Inc()
					return lastLSN, err
				}
				select {
				case <-ctx.Done():
					return lastLSN, nil
				case out <- Frame{WALStart: xld.WALStart, Message: decoded}:
				}
			case pglogrepl.PrimaryKeepaliveMessageByteID:
				pkm, err := pglogrepl.ParsePrimaryKeepaliveMessage(m.Data[1:])
				if err != nil {
					c.m.ReplicationErrors.Inc()
					c.logger.Warn("parse keepalive failed", zap.Error(err))
					continue
				}
				if pkm.ServerWALEnd > lastLSN {
					lastLSN = pkm.ServerWALEnd
				}
				deadline = time.Now().Add(c.standbyFreq)
				if err := c.sendStandbyStatus(ctx, lastLSN, *confirmedFlush, pkm.ReplyRequested); err != nil {
					c.logger.Warn("send standby status failed", zap.Error(err))
				}
			default:
				c.logger.Warn("unexpected replication copydata", zap.Uint8("id", m.Data[0]))
			}
		default:
			c.logger.Warn("unexpected replication message", zap.String("type", fmt.Sprintf("%T", m)))
		}
	}
}

func (c *Client) sendStandbyStatus(ctx context.Context, receivedLSN, flushedLSN wire.LSN, requestReply bool) error {
	if receivedLSN == 0 {
		return nil
	}
	c.m.StandbyStatusSent.Inc()
	return pglogrepl.SendStandbyStatusUpdate(ctx, c.conn, pglogrepl.StandbyStatusUpdate{
		WALWritePosition: receivedLSN,
		WALFlushPosition: flushedLSN,
		WALApplyPosition: flushedLSN,
		ReplyRequested:   requestReply,
	})
}

func (c *Client) sleepWithBackoff(ctx context.Context, backoff, max time.Duration) time.Duration {
	delay := withJitter(backoff)
	select {
	case <-ctx.Done():
		return backoff
	case <-time.After(delay):
	}
	return nextBackoff(backoff, max)
}

type fatalError struct{ err error }

func (e fatalError) Error() string { return e.err.Error() }
func (e fatalError) Unwrap() error { return e.err }

func isFatal(err error) bool {
	if err == nil {
		return false
	}
	var fatal fatalError
	if errors.As(err, &fatal) {
		return true
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return isFatalPgError(pgErr)
	}
	return false
}

func isFatalPgError(err *pgconn.PgError) bool {
	if err == nil {
		return false
	}
	if strings.HasPrefix(err.Code, "28") {
		return true
	}
	switch err.Code {
	case "42501", "42704", "55006":
		return true
	default:
		return false
	}
}

// isSlotInUse reports whether err is PostgreSQL's 55006
// object_not_in_prerequisite_state for a replication slot already
// streamed by another connection.
func isSlotInUse(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "55006"
	}
	return false
}

func isSlotAlreadyExists(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "42710" // duplicate_object
	}
	return false
}

// ApplyTLSMode mutates cfg's TLSConfig, and Fallbacks for "prefer", to
// match mode the way libpq's sslmode connection parameter governs a plain
// pgconn.Connect. Shared by Client.connect and internal/source.New so
// both the replication and catalog connections honor the same setting.
// Returns an error for anything other than disable/prefer/require rather
// than silently falling back to no TLS.
func ApplyTLSMode(cfg *pgconn.Config, mode config.TLSMode) error {
	switch mode {
	case config.TLSDisable:
		cfg.TLSConfig = nil
		return nil
	case config.TLSRequire:
		cfg.TLSConfig = &tls.Config{InsecureSkipVerify: true}
		return nil
	case config.TLSPrefer:
		cfg.TLSConfig = &tls.Config{InsecureSkipVerify: true}
		cfg.Fallbacks = append([]*pgconn.FallbackConfig{{
			Host:      cfg.Host,
			Port:      cfg.Port,
			TLSConfig: nil,
		}}, cfg.Fallbacks...)
		return nil
	default:
		return fmt.Errorf("unrecognized tls_mode %q", mode)
	}
}

func nextBackoff(current, max time.Duration) time.Duration {
	if current <= 0 {
		return time.Second
	}
	next := current * 2
	if next > max {
		return max
	}
	return next
}

func withJitter(base time.Duration) time.Duration {
	if base <= 0 {
		base = time.Second
	}
	spread := base / 2
	extra := time.Duration(rand.Int63n(int64(spread) + 1))
	return base + extra
}
