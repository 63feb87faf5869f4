package decode

import (
	"walpipe/internal/errs"
	"walpipe/internal/schema"
	"walpipe/internal/wire"
)

// Row is a decoded tuple, column name to Value, in relation column order.
type Row struct {
	Columns []string
	Values  map[string]Value
}

// Get returns the value for a column, or the zero Value (Kind Null) if the
// column isn't present — which should not happen for a well-formed tuple
// matching its Relation, but callers built against an older Relation
// definition (see schema.Cache.Observe) may ask for a dropped column.
func (r Row) Get(name string) Value {
	return r.Values[name]
}

// Tuple decodes one wire.TupleData against rel's current column list. The
// tuple and the relation are assumed to agree on column count and order, as
// pgoutput guarantees for any Insert/Update/Delete referencing that
// relation's current definition.
func (d *Decoder) Tuple(rel *schema.Relation, tuple wire.TupleData) (Row, error) {
	if len(tuple.Columns) != len(rel.Columns) {
		return Row{}, &errs.ProtocolError{
			Reason: "tuple column count does not match relation definition",
		}
	}
	names := make([]string, len(rel.Columns))
	values := make(map[string]Value, len(rel.Columns))
	for i, col := range rel.Columns {
		names[i] = col.Name
		v, err := d.Column(col.Name, col.TypeOID, tuple.Columns[i])
		if err != nil {
			return Row{}, err
		}
		values[col.Name] = v
	}
	return Row{Columns: names, Values: values}, nil
}
