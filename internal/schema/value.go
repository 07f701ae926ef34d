package schema

import (
	"fmt"
	"math"
	"reflect"
	"strconv"
	"strings"
	"time"
)

var timestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02 15:04:05.999999999-07:00",
	"2006-01-02 15:04:05.999999999",
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05",
	"2006-01-02",
}

// Coerce validates a caller-supplied value against the field and returns the
// canonical Go value bound into statements. nil is accepted only for
// nullable fields.
func (f *Field) Coerce(v any) (any, error) {
	if v == nil {
		if !f.Nullable {
			return nil, fmt.Errorf("field %s is not nullable", f.Name)
		}
		return nil, nil
	}
	out, err := CoerceKind(f.Kind, v)
	if err != nil {
		return nil, fmt.Errorf("field %s: %w", f.Name, err)
	}
	return out, nil
}

// CoerceKind converts v to the canonical representation of kind:
// int64, string, bool, time.Time (UTC) or float64.
func CoerceKind(kind Kind, v any) (any, error) {
	switch kind {
	case KindInt:
		return coerceInt(v)
	case KindFloat:
		return coerceFloat(v)
	case KindText:
		switch x := v.(type) {
		case string:
			return x, nil
		case []byte:
			return string(x), nil
		}
	case KindBool:
		if b, ok := v.(bool); ok {
			return b, nil
		}
	case KindTimestamp:
		switch x := v.(type) {
		case time.Time:
			return x.UTC(), nil
		case string:
			return parseTimestamp(x)
		}
	}
	return nil, fmt.Errorf("expected %s, got %T", kind, v)
}

func coerceInt(v any) (any, error) {
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return rv.Int(), nil
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		u := rv.Uint()
		if u > math.MaxInt64 {
			return nil, fmt.Errorf("integer %d overflows int64", u)
		}
		return int64(u), nil
	case reflect.Float32, reflect.Float64:
		f := rv.Float()
		if f != math.Trunc(f) {
			return nil, fmt.Errorf("expected int, got fractional %v", f)
		}
		if f < -(1<<63) || f >= 1<<63 {
			return nil, fmt.Errorf("number %v overflows int64", f)
		}
		return int64(f), nil
	}
	return nil, fmt.Errorf("expected int, got %T", v)
}

func coerceFloat(v any) (any, error) {
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return float64(rv.Int()), nil
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return float64(rv.Uint()), nil
	case reflect.Float32, reflect.Float64:
		return rv.Float(), nil
	}
	return nil, fmt.Errorf("expected float, got %T", v)
}

func parseTimestamp(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	for _, layout := range timestampLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("cannot parse %q as timestamp", s)
}

// Decode converts a value scanned from the store into the field's canonical
// representation.
func (f *Field) Decode(raw any) (any, error) {
	out, err := DecodeKind(f.Kind, raw)
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", f.Name, err)
	}
	return out, nil
}

// DecodeKind converts a driver value to the canonical representation of kind.
// Drivers hand back []byte for DECIMAL and text columns, and int64 for
// booleans stored as integers.
func DecodeKind(kind Kind, raw any) (any, error) {
	if raw == nil {
		return nil, nil
	}
	if b, ok := raw.([]byte); ok {
		raw = string(b)
	}
	switch kind {
	case KindInt:
		switch x := raw.(type) {
		case int64:
			return x, nil
		case float64:
			return int64(x), nil
		case string:
			if i, err := strconv.ParseInt(x, 10, 64); err == nil {
				return i, nil
			}
			f, err := strconv.ParseFloat(x, 64)
			if err != nil {
				return nil, err
			}
			return int64(f), nil
		}
	case KindFloat:
		switch x := raw.(type) {
		case float64:
			return x, nil
		case int64:
			return float64(x), nil
		case string:
			return strconv.ParseFloat(x, 64)
		}
	case KindText:
		switch x := raw.(type) {
		case string:
			return x, nil
		case time.Time:
			return x.UTC().Format(time.RFC3339Nano), nil
		default:
			return fmt.Sprint(x), nil
		}
	case KindBool:
		switch x := raw.(type) {
		case bool:
			return x, nil
		case int64:
			return x != 0, nil
		case string:
			return strconv.ParseBool(x)
		}
	case KindTimestamp:
		switch x := raw.(type) {
		case time.Time:
			return x.UTC(), nil
		case string:
			return parseTimestamp(x)
		}
	}
	return nil, fmt.Errorf("cannot decode %T as %s", raw, kind)
}
