// Package typecast resolves per-column decoders for query results.
//
// Casts are looked up in three tables in order: per-cursor, per-connection and
// the default table the engine was constructed with. The default table is
// immutable after construction, so there is no hidden process-global state.
package typecast

import (
	"strconv"

	"github.com/lib/pq/oid"
)

// Cast decodes the wire text representation of a single value. A nil input
// slice represents SQL NULL and must decode to nil.
type Cast func(data []byte) (any, error)

// Table maps a backend type id to a cast.
type Table struct {
	casts map[oid.Oid]Cast
}

// NewTable builds a table from an explicit mapping. The mapping is copied.
func NewTable(casts map[oid.Oid]Cast) *Table {
	t := &Table{casts: make(map[oid.Oid]Cast, len(casts))}
	for k, v := range casts {
		t.casts[k] = v
	}

	return t
}

// Register binds a cast for the given type ids.
func (t *Table) Register(cast Cast, oids ...oid.Oid) {
	if t.casts == nil {
		t.casts = make(map[oid.Oid]Cast)
	}

	for _, o := range oids {
		t.casts[o] = cast
	}
}

// Lookup returns the cast bound to the type id, or nil.
func (t *Table) Lookup(o oid.Oid) Cast {
	if t == nil || t.casts == nil {
		return nil
	}

	return t.casts[o]
}

// Resolve probes the tables in order and falls back to String.
// Nil tables are skipped.
func Resolve(o oid.Oid, tables ...*Table) Cast {
	for _, t := range tables {
		if c := t.Lookup(o); c != nil {
			return c
		}
	}

	return String
}

// String casts any value to its textual form. It is the builtin default.
func String(data []byte) (any, error) {
	if data == nil {
		return nil, nil
	}

	return string(data), nil
}

// Integer casts int2/int4/int8 and oid values.
func Integer(data []byte) (any, error) {
	if data == nil {
		return nil, nil
	}

	return strconv.ParseInt(string(data), 10, 64)
}

// Float casts float4/float8/numeric values.
func Float(data []byte) (any, error) {
	if data == nil {
		return nil, nil
	}

	return strconv.ParseFloat(string(data), 64)
}

// Boolean casts bool values: the backend sends "t" or "f".
func Boolean(data []byte) (any, error) {
	if data == nil {
		return nil, nil
	}

	return len(data) > 0 && (data[0] == 't' || data[0] == 'T'), nil
}

// Binary casts bytea values, returning the raw bytes unchanged.
func Binary(data []byte) (any, error) {
	if data == nil {
		return nil, nil
	}

	out := make([]byte, len(data))
	copy(out, data)

	return out, nil
}

// Default returns the basic cast table the engine uses when the caller does
// not supply one.
func Default() *Table {
	t := NewTable(nil)
	t.Register(Integer, oid.T_int2, oid.T_int4, oid.T_int8, oid.T_oid)
	t.Register(Float, oid.T_float4, oid.T_float8, oid.T_numeric)
	t.Register(Boolean, oid.T_bool)
	t.Register(Binary, oid.T_bytea)
	t.Register(String, oid.T_text, oid.T_varchar, oid.T_bpchar, oid.T_name)

	return t
}
