package wire

import (
	"encoding/binary"
	"time"

	"walpipe/internal/errs"
)

// Decode parses exactly one logical-decoding message from buf, starting at
// offset 0. It returns the parsed Message and the number of bytes consumed.
// A short or malformed buffer fails with a *errs.ProtocolError built by
// MalformedFrame, citing the offset and the tag or field that didn't fit.
func Decode(buf []byte) (Message, int, error) {
	if len(buf) < 1 {
		return nil, 0, errs.MalformedFrame(0, 0, 0)
	}
	tag := buf[0]
	d := &decoder{buf: buf, off: 1}

	switch tag {
	case 'B':
		return d.decodeBegin()
	case 'C':
		return d.decodeCommit()
	case 'O':
		return d.decodeOrigin()
	case 'R':
		return d.decodeRelation()
	case 'Y':
		return d.decodeType()
	case 'I':
		return d.decodeInsert()
	case 'U':
		return d.decodeUpdate()
	case 'D':
		return d.decodeDelete()
	case 'T':
		return d.decodeTruncate()
	case 'S', 'E', 'c', 'A', 'b', 'P', 'K', 'r':
		// Two-phase / streaming-in-progress extension tags: recognized,
		// not decoded. See ExtensionMessage doc comment.
		return &ExtensionMessage{Tag: tag}, len(buf), nil
	default:
		return nil, 0, errs.MalformedFrame(0, 'B', tag)
	}
}

// decoder reads sequentially from buf, tracking how many bytes have been
// consumed so Decode can report it on both success and failure.
type decoder struct {
	buf []byte
	off int
}

func (d *decoder) need(n int) error {
	if d.off+n > len(d.buf) {
		return errs.MalformedFrame(d.off, 0, 0)
	}
	return nil
}

func (d *decoder) uint8() (uint8, error) {
	if err := d.need(1); err != nil {
		return 0, err
	}
	v := d.buf[d.off]
	d.off++
	return v, nil
}

func (d *decoder) int8() (int8, error) {
	v, err := d.uint8()
	return int8(v), err
}

func (d *decoder) uint16() (uint16, error) {
	if err := d.need(2); err != nil {
		return 0, err
	}
	v := binary.BigEndian.Uint16(d.buf[d.off:])
	d.off += 2
	return v, nil
}

func (d *decoder) int16() (int16, error) {
	v, err := d.uint16()
	return int16(v), err
}

func (d *decoder) uint32() (uint32, error) {
	if err := d.need(4); err != nil {
		return 0, err
	}
	v := binary.BigEndian.Uint32(d.buf[d.off:])
	d.off += 4
	return v, nil
}

func (d *decoder) int32() (int32, error) {
	v, err := d.uint32()
	return int32(v), err
}

func (d *decoder) int64() (int64, error) {
	if err := d.need(8); err != nil {
		return 0, err
	}
	v := binary.BigEndian.Uint64(d.buf[d.off:])
	d.off += 8
	return int64(v), nil
}

func (d *decoder) lsn() (LSN, error) {
	v, err := d.int64()
	return LSN(v), err
}

// pgTimestamp reads an int64 microseconds-since-pgEpoch value.
func (d *decoder) pgTimestamp() (time.Time, error) {
	v, err := d.int64()
	if err != nil {
		return time.Time{}, err
	}
	if v == 0 {
		return time.Time{}, nil
	}
	return pgEpoch.Add(time.Duration(v) * time.Microsecond), nil
}

// cstring reads a NUL-terminated string.
func (d *decoder) cstring() (string, error) {
	start := d.off
	for i := d.off; i < len(d.buf); i++ {
		if d.buf[i] == 0 {
			s := string(d.buf[start:i])
			d.off = i + 1
			return s, nil
		}
	}
	return "", errs.MalformedFrame(start, 0, 0)
}

// bytesN reads n raw bytes.
func (d *decoder) bytesN(n int32) ([]byte, error) {
	if n < 0 {
		return nil, errs.MalformedFrame(d.off, 0, 0)
	}
	if err := d.need(int(n)); err != nil {
		return nil, err
	}
	out := make([]byte, n)
	copy(out, d.buf[d.off:d.off+int(n)])
	d.off += int(n)
	return out, nil
}

func (d *decoder) decodeBegin() (Message, int, error) {
	finalLSN, err := d.lsn()
	if err != nil {
		return nil, 0, err
	}
	ts, err := d.pgTimestamp()
	if err != nil {
		return nil, 0, err
	}
	xid, err := d.uint32()
	if err != nil {
		return nil, 0, err
	}
	return &BeginMessage{FinalLSN: finalLSN, CommitTime: ts, Xid: xid}, d.off, nil
}

func (d *decoder) decodeCommit() (Message, int, error) {
	flags, err := d.uint8()
	if err != nil {
		return nil, 0, err
	}
	commitLSN, err := d.lsn()
	if err != nil {
		return nil, 0, err
	}
	endLSN, err := d.lsn()
	if err != nil {
		return nil, 0, err
	}
	ts, err := d.pgTimestamp()
	if err != nil {
		return nil, 0, err
	}
	return &CommitMessage{Flags: flags, CommitLSN: commitLSN, EndLSN: endLSN, CommitTime: ts}, d.off, nil
}

func (d *decoder) decodeOrigin() (Message, int, error) {
	lsn, err := d.lsn()
	if err != nil {
		return nil, 0, err
	}
	name, err := d.cstring()
	if err != nil {
		return nil, 0, err
	}
	return &OriginMessage{CommitLSN: lsn, Name: name}, d.off, nil
}

func (d *decoder) decodeRelation() (Message, int, error) {
	relID, err := d.uint32()
	if err != nil {
		return nil, 0, err
	}
	ns, err := d.cstring()
	if err != nil {
		return nil, 0, err
	}
	name, err := d.cstring()
	if err != nil {
		return nil, 0, err
	}
	identity, err := d.uint8()
	if err != nil {
		return nil, 0, err
	}
	numCols, err := d.int16()
	if err != nil {
		return nil, 0, err
	}
	cols := make([]RelationColumn, 0, numCols)
	for i := int16(0); i < numCols; i++ {
		flags, err := d.uint8()
		if err != nil {
			return nil, 0, err
		}
		cname, err := d.cstring()
		if err != nil {
			return nil, 0, err
		}
		dtype, err := d.uint32()
		if err != nil {
			return nil, 0, err
		}
		tmod, err := d.int32()
		if err != nil {
			return nil, 0, err
		}
		cols = append(cols, RelationColumn{
			PartOfKey:    flags&0x1 != 0,
			Name:         cname,
			DataType:     dtype,
			TypeModifier: tmod,
		})
	}
	return &RelationMessage{
		RelationID:      relID,
		Namespace:       ns,
		RelationName:    name,
		ReplicaIdentity: ReplicaIdentity(identity),
		Columns:         cols,
	}, d.off, nil
}

func (d *decoder) decodeType() (Message, int, error) {
	oid, err := d.uint32()
	if err != nil {
		return nil, 0, err
	}
	ns, err := d.cstring()
	if err != nil {
		return nil, 0, err
	}
	name, err := d.cstring()
	if err != nil {
		return nil, 0, err
	}
	return &TypeMessage{DataType: oid, Namespace: ns, Name: name}, d.off, nil
}

// decodeTupleData reads a tuple block: int16 column count followed by, per
// column, a one-byte kind tag and (for 't'/'b') an int32 length-prefixed
// payload.
func (d *decoder) decodeTupleData() (TupleData, error) {
	n, err := d.int16()
	if err != nil {
		return TupleData{}, err
	}
	cols := make([]TupleColumn, 0, n)
	for i := int16(0); i < n; i++ {
		kindByte, err := d.uint8()
		if err != nil {
			return TupleData{}, err
		}
		kind := ColumnKind(kindByte)
		switch kind {
		case ColumnNull, ColumnUnchanged:
			cols = append(cols, TupleColumn{Kind: kind})
		case ColumnText, ColumnBinary:
			length, err := d.int32()
			if err != nil {
				return TupleData{}, err
			}
			data, err := d.bytesN(length)
			if err != nil {
				return TupleData{}, err
			}
			cols = append(cols, TupleColumn{Kind: kind, Data: data})
		default:
			return TupleData{}, errs.MalformedFrame(d.off-1, byte(ColumnText), kindByte)
		}
	}
	return TupleData{Columns: cols}, nil
}

func (d *decoder) decodeInsert() (Message, int, error) {
	relID, err := d.uint32()
	if err != nil {
		return nil, 0, err
	}
	marker, err := d.uint8()
	if err != nil {
		return nil, 0, err
	}
	if marker != 'N' {
		return nil, 0, errs.MalformedFrame(d.off-1, 'N', marker)
	}
	tuple, err := d.decodeTupleData()
	if err != nil {
		return nil, 0, err
	}
	return &InsertMessage{RelationID: relID, Tuple: tuple}, d.off, nil
}

func (d *decoder) decodeUpdate() (Message, int, error) {
	relID, err := d.uint32()
	if err != nil {
		return nil, 0, err
	}
	marker, err := d.uint8()
	if err != nil {
		return nil, 0, err
	}
	var oldKind OldTupleKind
	var oldTuple *TupleData
	if marker == byte(OldTupleKey) || marker == byte(OldTupleFull) {
		oldKind = OldTupleKind(marker)
		t, err := d.decodeTupleData()
		if err != nil {
			return nil, 0, err
		}
		oldTuple = &t
		marker, err = d.uint8()
		if err != nil {
			return nil, 0, err
		}
	}
	if marker != 'N' {
		return nil, 0, errs.MalformedFrame(d.off-1, 'N', marker)
	}
	newTuple, err := d.decodeTupleData()
	if err != nil {
		return nil, 0, err
	}
	return &UpdateMessage{RelationID: relID, OldKind: oldKind, OldTuple: oldTuple, NewTuple: newTuple}, d.off, nil
}

func (d *decoder) decodeDelete() (Message, int, error) {
	relID, err := d.uint32()
	if err != nil {
		return nil, 0, err
	}
	marker, err := d.uint8()
	if err != nil {
		return nil, 0, err
	}
	if marker != byte(OldTupleKey) && marker != byte(OldTupleFull) {
		return nil, 0, errs.MalformedFrame(d.off-1, byte(OldTupleKey), marker)
	}
	tuple, err := d.decodeTupleData()
	if err != nil {
		return nil, 0, err
	}
	return &DeleteMessage{RelationID: relID, OldKind: OldTupleKind(marker), OldTuple: tuple}, d.off, nil
}

func (d *decoder) decodeTruncate() (Message, int, error) {
	numRels, err := d.int32()
	if err != nil {
		return nil, 0, err
	}
	flags, err := d.uint8()
	if err != nil {
		return nil, 0, err
	}
	ids := make([]uint32, 0, numRels)
	for i := int32(0); i < numRels; i++ {
		id, err := d.uint32()
		if err != nil {
			return nil, 0, err
		}
		ids = append(ids, id)
	}
	return &TruncateMessage{
		RelationIDs:     ids,
		Cascade:         flags&0x1 != 0,
		RestartIdentity: flags&0x2 != 0,
	}, d.off, nil
}
