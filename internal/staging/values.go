package staging

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
)

// jsonPrefix marks a cell holding a JSON-encoded non-scalar value.
const jsonPrefix = "JSON::"

// Record is a single staged row keyed by property name.
type Record map[string]any

// encodeValue converts a property value into something SQLite stores without
// losing its shape. Strings and numbers pass through; everything else is
// marker-encoded JSON. Byte slices are stored as text, as are unsigned
// integers above math.MaxInt64.
func encodeValue(v any) (any, error) {
	switch val := v.(type) {
	case nil:
		return nil, nil
	case string:
		if strings.HasPrefix(val, jsonPrefix) {
			return marshalMarked(val)
		}
		return val, nil
	case json.RawMessage:
		return jsonPrefix + string(val), nil
	case []byte:
		return encodeValue(string(val))
	case uint:
		return encodeUint(uint64(val)), nil
	case uint64:
		return encodeUint(val), nil
	case int, int8, int16, int32, int64,
		uint8, uint16, uint32,
		float32, float64:
		return val, nil
	case json.Number:
		if i, err := val.Int64(); err == nil {
			return i, nil
		}
		if f, err := val.Float64(); err == nil {
			return f, nil
		}
		return val.String(), nil
	default:
		return marshalMarked(val)
	}
}

// encodeUint keeps values SQLite cannot hold as INTEGER as exact decimal text.
func encodeUint(v uint64) any {
	if v > math.MaxInt64 {
		return strconv.FormatUint(v, 10)
	}
	return int64(v)
}

func marshalMarked(v any) (string, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("staging: encode value: %w", err)
	}
	return jsonPrefix + string(data), nil
}

// decodeValue reverses encodeValue for a value scanned out of SQLite.
func decodeValue(v any) (any, error) {
	switch val := v.(type) {
	case []byte:
		return decodeString(string(val))
	case string:
		return decodeString(val)
	default:
		return val, nil
	}
}

func decodeString(s string) (any, error) {
	if !strings.HasPrefix(s, jsonPrefix) {
		return s, nil
	}
	var out any
	if err := json.Unmarshal([]byte(s[len(jsonPrefix):]), &out); err != nil {
		return nil, fmt.Errorf("staging: decode value: %w", err)
	}
	return out, nil
}
