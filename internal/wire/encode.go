package wire

import (
	"time"

	"github.com/jackc/pgio"

	"walpipe/internal/errs"
)

// Encode serializes msg back into its wire form. It exists primarily to
// give the decoder a round-trip partner for tests (decode(encode(msg)) ==
// msg); a from-scratch replication client never needs to
// *emit* logical-decoding messages, only StandbyStatusUpdate frames, which
// internal/conn builds directly with pglogrepl.
func Encode(msg Message) ([]byte, error) {
	buf := make([]byte, 0, 64)
	switch m := msg.(type) {
	case *BeginMessage:
		buf = append(buf, 'B')
		buf = pgio.AppendInt64(buf, int64(m.FinalLSN))
		buf = pgio.AppendInt64(buf, pgMicros(m.CommitTime))
		buf = pgio.AppendUint32(buf, m.Xid)
	case *CommitMessage:
		buf = append(buf, 'C')
		buf = append(buf, m.Flags)
		buf = pgio.AppendInt64(buf, int64(m.CommitLSN))
		buf = pgio.AppendInt64(buf, int64(m.EndLSN))
		buf = pgio.AppendInt64(buf, pgMicros(m.CommitTime))
	case *OriginMessage:
		buf = append(buf, 'O')
		buf = pgio.AppendInt64(buf, int64(m.CommitLSN))
		buf = appendCString(buf, m.Name)
	case *RelationMessage:
		buf = append(buf, 'R')
		buf = pgio.AppendUint32(buf, m.RelationID)
		buf = appendCString(buf, m.Namespace)
		buf = appendCString(buf, m.RelationName)
		buf = append(buf, byte(m.ReplicaIdentity))
		buf = pgio.AppendInt16(buf, int16(len(m.Columns)))
		for _, c := range m.Columns {
			var flags byte
			if c.PartOfKey {
				flags = 0x1
			}
			buf = append(buf, flags)
			buf = appendCString(buf, c.Name)
			buf = pgio.AppendUint32(buf, c.DataType)
			buf = pgio.AppendInt32(buf, c.TypeModifier)
		}
	case *TypeMessage:
		buf = append(buf, 'Y')
		buf = pgio.AppendUint32(buf, m.DataType)
		buf = appendCString(buf, m.Namespace)
		buf = appendCString(buf, m.Name)
	case *InsertMessage:
		buf = append(buf, 'I')
		buf = pgio.AppendUint32(buf, m.RelationID)
		buf = append(buf, 'N')
		buf = appendTupleData(buf, m.Tuple)
	case *UpdateMessage:
		buf = append(buf, 'U')
		buf = pgio.AppendUint32(buf, m.RelationID)
		if m.OldKind != OldTupleNone {
			buf = append(buf, byte(m.OldKind))
			buf = appendTupleData(buf, *m.OldTuple)
		}
		buf = append(buf, 'N')
		buf = appendTupleData(buf, m.NewTuple)
	case *DeleteMessage:
		buf = append(buf, 'D')
		buf = pgio.AppendUint32(buf, m.RelationID)
		buf = append(buf, byte(m.OldKind))
		buf = appendTupleData(buf, m.OldTuple)
	case *TruncateMessage:
		buf = append(buf, 'T')
		buf = pgio.AppendInt32(buf, int32(len(m.RelationIDs)))
		var flags byte
		if m.Cascade {
			flags |= 0x1
		}
		if m.RestartIdentity {
			flags |= 0x2
		}
		buf = append(buf, flags)
		for _, id := range m.RelationIDs {
			buf = pgio.AppendUint32(buf, id)
		}
	case *ExtensionMessage:
		buf = append(buf, m.Tag)
	default:
		return nil, &errs.ProtocolError{Reason: "encode: unsupported message type"}
	}
	return buf, nil
}

func pgMicros(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.Sub(pgEpoch).Microseconds()
}

func appendCString(buf []byte, s string) []byte {
	buf = append(buf, s...)
	return append(buf, 0)
}

func appendTupleData(buf []byte, t TupleData) []byte {
	buf = pgio.AppendInt16(buf, int16(len(t.Columns)))
	for _, c := range t.Columns {
		buf = append(buf, byte(c.Kind))
		if c.Kind == ColumnText || c.Kind == ColumnBinary {
			buf = pgio.AppendInt32(buf, int32(len(c.Data)))
			buf = append(buf, c.Data...)
		}
	}
	return buf
}
