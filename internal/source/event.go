// Package source assembles the replication client's decoded frames and the
// snapshot streamer's backfill rows into two event sequences: a finite
// per-table backfill stream and an infinite CDC stream. Tuple decoding
// happens here, against the schema cache, so callers never see a raw
// wire.TupleData — only typed decode.Row values attached to the
// schema.Relation they belong to.
package source

import (
	"time"

	"walpipe/internal/decode"
	"walpipe/internal/schema"
	"walpipe/internal/wire"
)

// EventKind tags one item of the CDC stream CDC event
// union.
type EventKind int

const (
	EventBegin EventKind = iota
	EventCommit
	EventInsert
	EventUpdate
	EventDelete
	EventTruncate
	EventRelation
	EventOrigin
	EventKeepalive
)

func (k EventKind) String() string {
	switch k {
	case EventBegin:
		return "Begin"
	case EventCommit:
		return "Commit"
	case EventInsert:
		return "Insert"
	case EventUpdate:
		return "Update"
	case EventDelete:
		return "Delete"
	case EventTruncate:
		return "Truncate"
	case EventRelation:
		return "Relation"
	case EventOrigin:
		return "Origin"
	case EventKeepalive:
		return "Keepalive"
	default:
		return "Unknown"
	}
}

// Event is one item of the CDC stream. Which fields are meaningful depends
// on Kind.
type Event struct {
	Kind EventKind

	WALStart wire.LSN

	// Begin / Commit
	CommitLSN  wire.LSN
	EndLSN     wire.LSN
	Xid        uint32
	CommitTime time.Time

	// Insert / Update / Delete
	Relation *schema.Relation
	New      decode.Row
	Old      decode.Row
	HasOld   bool

	// Truncate
	TruncateRelations       []*schema.Relation
	TruncateCascade         bool
	TruncateRestartIdentity bool

	// Origin
	OriginName string

	// Keepalive
	ServerLSN   wire.LSN
	ShouldReply bool
}
