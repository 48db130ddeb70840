// Package rowcodec compares, filters and serialises rows.
package rowcodec

import (
	"fmt"
	"time"

	"github.com/devrev/pairdb/store-access/internal/model"
)

// ColumnType is the storage type of a column
type ColumnType string

const (
	TypeNull    ColumnType = "null"
	TypeBool    ColumnType = "bool"
	TypeInt64   ColumnType = "int64"
	TypeFloat64 ColumnType = "float64"
	TypeString  ColumnType = "string"
	TypeBytes   ColumnType = "bytes"
	TypeTime    ColumnType = "time"
)

// TypeOf returns the column type of a value
func TypeOf(v model.Value) (ColumnType, error) {
	switch v.(type) {
	case nil:
		return TypeNull, nil
	case bool:
		return TypeBool, nil
	case int, int32, int64:
		return TypeInt64, nil
	case float32, float64:
		return TypeFloat64, nil
	case string:
		return TypeString, nil
	case []byte:
		return TypeBytes, nil
	case time.Time:
		return TypeTime, nil
	default:
		return "", fmt.Errorf("unsupported column value type %T", v)
	}
}

// TypesOf returns the column types of a template row
func TypesOf(template model.Row) ([]ColumnType, error) {
	out := make([]ColumnType, len(template))
	for i, v := range template {
		t, err := TypeOf(v)
		if err != nil {
			return nil, fmt.Errorf("column %d: %w", i, err)
		}
		out[i] = t
	}
	return out, nil
}

// Zero returns the template value for a column type
func (t ColumnType) Zero() model.Value {
	switch t {
	case TypeBool:
		return false
	case TypeInt64:
		return int64(0)
	case TypeFloat64:
		return float64(0)
	case TypeString:
		return ""
	case TypeBytes:
		return []byte{}
	case TypeTime:
		return time.Time{}
	default:
		return nil
	}
}

// Template builds a template row from column types
func Template(types []ColumnType) model.Row {
	out := make(model.Row, len(types))
	for i, t := range types {
		out[i] = t.Zero()
	}
	return out
}

// Normalize widens integers to int64 and floats to float64
func Normalize(v model.Value) model.Value {
	switch x := v.(type) {
	case int:
		return int64(x)
	case int32:
		return int64(x)
	case float32:
		return float64(x)
	default:
		return v
	}
}

// NormalizeRow normalizes every value of a row into a new row
func NormalizeRow(r model.Row) model.Row {
	out := make(model.Row, len(r))
	for i, v := range r {
		out[i] = Normalize(v)
	}
	return out
}

// Conforms checks that row matches the template's width and column types.
// Nil is accepted in every column.
func Conforms(row model.Row, types []ColumnType) error {
	if len(row) != len(types) {
		return fmt.Errorf("row has %d columns, template has %d", len(row), len(types))
	}
	for i, v := range row {
		if v == nil || types[i] == TypeNull {
			continue
		}
		t, err := TypeOf(v)
		if err != nil {
			return fmt.Errorf("column %d: %w", i, err)
		}
		if t != types[i] {
			return fmt.Errorf("column %d is %s, template expects %s", i, t, types[i])
		}
	}
	return nil
}
