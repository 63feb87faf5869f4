// Package decode turns wire.TupleColumn payloads into typed Go values,
// using pgx's pgtype.Map the same way decodeColumn in
// internal/parser/pgoutput.go does, plus a raw-JSON codec so JSON/JSONB
// survive untouched instead of being re-marshaled through Go's map
// ordering.
package decode

import (
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5/pgtype"

	"walpipe/internal/errs"
	"walpipe/internal/wire"
)

// Kind tags how a Value should be interpreted; mirrors wire.ColumnKind but
// lives in this package so callers outside internal/wire never need to
// import it just to branch on null/unchanged/present.
type Kind int

const (
	// Null is an explicit SQL NULL.
	Null Kind = iota
	// Unchanged marks a TOASTed column omitted from the wire because it
	// wasn't modified by this change — the prior value, if needed, has to
	// come from somewhere else (a prior image or a side lookup).
	Unchanged
	// Present carries a decoded value in Native.
	Present
	// Opaque carries the raw wire bytes because no registered codec
	// decoded them; the unknown_types policy controls whether this is an
	// error or a fallback (see Decoder.Column).
	Opaque
)

// Value is the decoded form of one tuple column.
type Value struct {
	Kind   Kind
	Native any    // valid when Kind == Present
	Raw    []byte // valid when Kind == Opaque; the undecoded wire bytes
}

// NewMap builds a pgtype.Map with JSON/JSONB registered to decode to
// json.RawMessage instead of being round-tripped through map[string]any,
// which would silently reorder object keys.
func NewMap() *pgtype.Map {
	m := pgtype.NewMap()
	registerRawJSONCodecs(m)
	return m
}

func registerRawJSONCodecs(m *pgtype.Map) {
	m.RegisterType(&pgtype.Type{
		Name:  "json",
		OID:   pgtype.JSONOID,
		Codec: &pgtype.JSONCodec{Marshal: json.Marshal, Unmarshal: rawJSONUnmarshal},
	})
	m.RegisterType(&pgtype.Type{
		Name:  "jsonb",
		OID:   pgtype.JSONBOID,
		Codec: &pgtype.JSONBCodec{Marshal: json.Marshal, Unmarshal: rawJSONUnmarshal},
	})
}

func rawJSONUnmarshal(src []byte, dst any) error {
	switch target := dst.(type) {
	case *any:
		if src == nil {
			*target = nil
			return nil
		}
		raw := make([]byte, len(src))
		copy(raw, src)
		*target = json.RawMessage(raw)
		return nil
	case *json.RawMessage:
		if src == nil {
			*target = nil
			return nil
		}
		raw := make([]byte, len(src))
		copy(raw, src)
		*target = raw
		return nil
	default:
		return json.Unmarshal(src, dst)
	}
}

// UnknownTypePolicy controls what Column does when a type oid has no
// registered codec.
type UnknownTypePolicy int

const (
	// UnknownTypeError fails the column decode with errs.UnknownType.
	UnknownTypeError UnknownTypePolicy = iota
	// UnknownTypeOpaqueBytes returns Value{Kind: Opaque, Raw: ...} instead
	// of failing, per this design's unknown_types=bytes configuration knob.
	UnknownTypeOpaqueBytes
)

// Decoder decodes tuple columns against a shared pgtype.Map.
type Decoder struct {
	types  *pgtype.Map
	policy UnknownTypePolicy
}

func NewDecoder(types *pgtype.Map, policy UnknownTypePolicy) *Decoder {
	if types == nil {
		types = NewMap()
	}
	return &Decoder{types: types, policy: policy}
}

// Column decodes a single tuple column given its SQL type oid. Text-format
// ('t') and binary-format ('b') payloads are both supported since pgoutput
// can emit either depending on the column's codec.
func (d *Decoder) Column(name string, oid uint32, col wire.TupleColumn) (Value, error) {
	switch col.Kind {
	case wire.ColumnNull:
		return Value{Kind: Null}, nil
	case wire.ColumnUnchanged:
		return Value{Kind: Unchanged}, nil
	}

	format := int16(pgtype.TextFormatCode)
	if col.Kind == wire.ColumnBinary {
		format = pgtype.BinaryFormatCode
	}

	dt, ok := d.types.TypeForOID(oid)
	if !ok {
		return d.unknownType(oid, col.Data)
	}

	// Arrays of a type we don't otherwise recognize still decode fine via
	// pgtype's generic array codec, so TypeForOID succeeding is sufficient;
	// no special-casing needed for "array of T" vs "T" here.
	native, err := dt.Codec.DecodeValue(d.types, oid, format, col.Data)
	if err != nil {
		return Value{}, &errs.ValueDecodeError{Column: name, Type: oid, Cause: err}
	}
	return Value{Kind: Present, Native: native}, nil
}

func (d *Decoder) unknownType(oid uint32, raw []byte) (Value, error) {
	switch d.policy {
	case UnknownTypeOpaqueBytes:
		out := make([]byte, len(raw))
		copy(out, raw)
		return Value{Kind: Opaque, Raw: out}, nil
	default:
		return Value{}, errs.UnknownType(oid)
	}
}

// String renders a Value for logging/debugging; not used for data output.
func (v Value) String() string {
	switch v.Kind {
	case Null:
		return "<null>"
	case Unchanged:
		return "<unchanged>"
	case Opaque:
		return fmt.Sprintf("<opaque %d bytes>", len(v.Raw))
	default:
		return fmt.Sprintf("%v", v.Native)
	}
}
