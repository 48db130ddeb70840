package rowcodec

import (
	"fmt"
	"time"

	"github.com/go-json-experiment/json"

	"github.com/devrev/pairdb/store-access/internal/model"
)

// EncodedValue is the JSON form of one typed column value
type EncodedValue struct {
	Type  ColumnType `json:"t"`
	Bool  *bool      `json:"bo,omitempty"`
	Int   *int64     `json:"i,omitempty"`
	Float *float64   `json:"f,omitempty"`
	Str   *string    `json:"s,omitempty"`
	Bytes []byte     `json:"b,omitempty"`
	Time  *time.Time `json:"tm,omitempty"`
}

// EncodeValue converts a value to its typed JSON form
func EncodeValue(v model.Value) (EncodedValue, error) {
	v = Normalize(v)
	t, err := TypeOf(v)
	if err != nil {
		return EncodedValue{}, err
	}
	ev := EncodedValue{Type: t}
	switch x := v.(type) {
	case bool:
		ev.Bool = &x
	case int64:
		ev.Int = &x
	case float64:
		ev.Float = &x
	case string:
		ev.Str = &x
	case []byte:
		ev.Bytes = x
	case time.Time:
		ev.Time = &x
	}
	return ev, nil
}

// Decode converts a typed JSON value back to a column value
func (ev EncodedValue) Decode() (model.Value, error) {
	switch ev.Type {
	case TypeNull:
		return nil, nil
	case TypeBool:
		if ev.Bool == nil {
			return nil, nil
		}
		return *ev.Bool, nil
	case TypeInt64:
		if ev.Int == nil {
			return nil, nil
		}
		return *ev.Int, nil
	case TypeFloat64:
		if ev.Float == nil {
			return nil, nil
		}
		return *ev.Float, nil
	case TypeString:
		if ev.Str == nil {
			return nil, nil
		}
		return *ev.Str, nil
	case TypeBytes:
		if ev.Bytes == nil {
			return []byte{}, nil
		}
		return ev.Bytes, nil
	case TypeTime:
		if ev.Time == nil {
			return nil, nil
		}
		return *ev.Time, nil
	default:
		return nil, fmt.Errorf("unknown column type %q", ev.Type)
	}
}

// EncodeValues converts a row to typed JSON values
func EncodeValues(r model.Row) ([]EncodedValue, error) {
	out := make([]EncodedValue, len(r))
	for i, v := range r {
		ev, err := EncodeValue(v)
		if err != nil {
			return nil, fmt.Errorf("column %d: %w", i, err)
		}
		out[i] = ev
	}
	return out, nil
}

// DecodeValues converts typed JSON values back to a row
func DecodeValues(values []EncodedValue) (model.Row, error) {
	out := make(model.Row, len(values))
	for i, ev := range values {
		v, err := ev.Decode()
		if err != nil {
			return nil, fmt.Errorf("column %d: %w", i, err)
		}
		out[i] = v
	}
	return out, nil
}

// EncodeRow serialises a row
func EncodeRow(r model.Row) ([]byte, error) {
	values, err := EncodeValues(r)
	if err != nil {
		return nil, err
	}
	return json.Marshal(values)
}

// DecodeRow parses a row serialised by EncodeRow
func DecodeRow(data []byte) (model.Row, error) {
	var values []EncodedValue
	if err := json.Unmarshal(data, &values); err != nil {
		return nil, fmt.Errorf("failed to decode row: %w", err)
	}
	return DecodeValues(values)
}

// Descriptor is the persisted form of a conglomerate descriptor
type Descriptor struct {
	Implementation string                 `json:"implementation"`
	Version        int                    `json:"version"`
	ConglomerateID model.ConglomerateID   `json:"conglom_id"`
	ContainerID    model.ContainerID      `json:"container_id"`
	Columns        []ColumnType           `json:"columns"`
	Ordering       []model.ColumnOrdering `json:"ordering,omitempty"`
	Collations     []model.CollationID    `json:"collations,omitempty"`
	Temporary      bool                   `json:"temporary,omitempty"`
	Properties     model.Properties       `json:"properties,omitempty"`
}

// EncodeDescriptor serialises a descriptor for container metadata
func EncodeDescriptor(d *Descriptor) ([]byte, error) {
	return json.Marshal(d)
}

// DecodeDescriptor parses container metadata
func DecodeDescriptor(data []byte) (*Descriptor, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("empty conglomerate descriptor")
	}
	var d Descriptor
	if err := json.Unmarshal(data, &d); err != nil {
		return nil, fmt.Errorf("failed to decode conglomerate descriptor: %w", err)
	}
	return &d, nil
}
