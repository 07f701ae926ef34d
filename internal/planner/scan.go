package planner

import (
	"fmt"
	"strings"
	"time"

	"relengine/internal/dbexec"
	"relengine/internal/schema"
)

// Record is one decoded row keyed by field name. Related rows attached by
// the loader are stored under the relation name.
type Record map[string]any

// ScanRecords reads every row, decoding the columns in fields order, and
// closes rows. Rows are fully drained before returning so the connection is
// free for the next statement.
func ScanRecords(rows dbexec.Rows, e *schema.Entity, fields []string) ([]Record, error) {
	defer rows.Close()

	decoders := make([]*schema.Field, len(fields))
	for i, name := range fields {
		f, ok := e.Field(name)
		if !ok {
			return nil, fmt.Errorf("unknown field %q on %s", name, e.Name)
		}
		decoders[i] = f
	}

	var out []Record
	raw := make([]any, len(fields))
	dest := make([]any, len(fields))
	for i := range raw {
		dest[i] = &raw[i]
	}
	for rows.Next() {
		for i := range raw {
			raw[i] = nil
		}
		if err := rows.Scan(dest...); err != nil {
			return nil, err
		}
		rec := make(Record, len(fields))
		for i, f := range decoders {
			v, err := f.Decode(raw[i])
			if err != nil {
				return nil, err
			}
			rec[f.Name] = v
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

// ScanRaw reads every row as raw driver values and closes rows.
func ScanRaw(rows dbexec.Rows, width int) ([][]any, error) {
	defer rows.Close()
	var out [][]any
	for rows.Next() {
		raw := make([]any, width)
		dest := make([]any, width)
		for i := range raw {
			dest[i] = &raw[i]
		}
		if err := rows.Scan(dest...); err != nil {
			return nil, err
		}
		out = append(out, raw)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

// Tuple extracts the values of fields from rec.
func (r Record) Tuple(fields []string) ParentTuple {
	values := make([]any, len(fields))
	for i, name := range fields {
		values[i] = r[name]
	}
	return ParentTuple{Values: values}
}

// HasNull reports whether any value of the tuple is nil.
func (t ParentTuple) HasNull() bool {
	for _, v := range t.Values {
		if v == nil {
			return true
		}
	}
	return false
}

// Key returns a comparable identity for canonical tuple values.
func (t ParentTuple) Key() string {
	var b strings.Builder
	for i, v := range t.Values {
		if i > 0 {
			b.WriteByte(0)
		}
		switch x := v.(type) {
		case time.Time:
			b.WriteString(x.UTC().Format(time.RFC3339Nano))
		default:
			fmt.Fprintf(&b, "%T:%v", v, v)
		}
	}
	return b.String()
}
