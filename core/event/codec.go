package event

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"math/big"
	"reflect"
	"time"
)

// Set is an ordered collection encoded with a distinct type tag so it
// round-trips as a set rather than a plain list.
type Set []any

// Type tags written by the codec. Tagged values are encoded as
// {"$type": tag, "value": ...} envelopes.
const (
	tagKey    = "$type"
	tagValue  = "value"
	tagTime   = "time"
	tagBigInt = "bigint"
	tagBytes  = "bytes"
	tagSet    = "set"
	tagMap    = "map"
	tagCycle  = "cycle"
)

// Marshal encodes an event payload as typed JSON.
//
// Plain JSON cannot distinguish a date from a string or a big integer from a
// float, and it loops forever on cyclic object graphs. Marshal tags
// time.Time, *big.Int, []byte, Set, and non-string-keyed maps with a $type
// envelope so Unmarshal restores them, and cuts cycles by replacing a
// revisited container with a cycle marker (decoded as nil).
//
// Structs without special handling pass through encoding/json untyped; node
// payloads are expected to be map/slice/scalar shaped.
func Marshal(v any) ([]byte, error) {
	encoded, err := encodeValue(v, make(map[uintptr]bool))
	if err != nil {
		return nil, err
	}

	data, err := json.Marshal(encoded)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal typed payload: %w", err)
	}
	return data, nil
}

// Unmarshal decodes typed JSON produced by Marshal.
func Unmarshal(data []byte) (any, error) {
	var raw any
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("failed to unmarshal typed payload: %w", err)
	}
	return decodeValue(raw), nil
}

// MarshalData encodes an event's Data field, treating nil as empty.
func MarshalData(data map[string]any) ([]byte, error) {
	if data == nil {
		return []byte("null"), nil
	}
	return Marshal(data)
}

// UnmarshalData decodes an event's Data field written by MarshalData.
func UnmarshalData(raw []byte) (map[string]any, error) {
	v, err := Unmarshal(raw)
	if err != nil {
		return nil, err
	}
	if v == nil {
		return nil, nil
	}
	m, ok := v.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("event data is %T, not an object", v)
	}
	return m, nil
}

func envelope(tag string, value any) map[string]any {
	return map[string]any{tagKey: tag, tagValue: value}
}

// encodeValue converts v into a JSON-safe tree with type envelopes. visited
// tracks container identities on the current path for cycle cutting.
func encodeValue(v any, visited map[uintptr]bool) (any, error) {
	switch val := v.(type) {
	case nil:
		return nil, nil
	case time.Time:
		return envelope(tagTime, val.Format(time.RFC3339Nano)), nil
	case *time.Time:
		if val == nil {
			return nil, nil
		}
		return envelope(tagTime, val.Format(time.RFC3339Nano)), nil
	case *big.Int:
		if val == nil {
			return nil, nil
		}
		return envelope(tagBigInt, val.String()), nil
	case big.Int:
		return envelope(tagBigInt, val.String()), nil
	case []byte:
		return envelope(tagBytes, base64.StdEncoding.EncodeToString(val)), nil
	case Set:
		items, err := encodeSlice(reflect.ValueOf([]any(val)), visited)
		if err != nil {
			return nil, err
		}
		return envelope(tagSet, items), nil
	case string, bool,
		int, int8, int16, int32, int64,
		uint, uint8, uint16, uint32, uint64,
		float32, float64, json.Number:
		return val, nil
	}

	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Pointer, reflect.Interface:
		if rv.IsNil() {
			return nil, nil
		}
		if rv.Kind() == reflect.Pointer {
			ptr := rv.Pointer()
			if visited[ptr] {
				return envelope(tagCycle, nil), nil
			}
			visited[ptr] = true
			defer delete(visited, ptr)
		}
		return encodeValue(rv.Elem().Interface(), visited)

	case reflect.Map:
		ptr := rv.Pointer()
		if visited[ptr] {
			return envelope(tagCycle, nil), nil
		}
		visited[ptr] = true
		defer delete(visited, ptr)
		return encodeMap(rv, visited)

	case reflect.Slice:
		ptr := rv.Pointer()
		if visited[ptr] {
			return envelope(tagCycle, nil), nil
		}
		visited[ptr] = true
		defer delete(visited, ptr)
		return encodeSlice(rv, visited)

	case reflect.Array:
		return encodeSlice(rv, visited)

	default:
		// Structs and anything else defer to encoding/json untagged.
		return v, nil
	}
}

// encodeMap encodes a map value. String-keyed maps stay JSON objects unless a
// key collides with the tag key; everything else becomes a tagged pair list
// so key types survive the round trip.
func encodeMap(rv reflect.Value, visited map[uintptr]bool) (any, error) {
	if rv.Type().Key().Kind() == reflect.String {
		plain := true
		for _, key := range rv.MapKeys() {
			if key.String() == tagKey {
				plain = false
				break
			}
		}
		if plain {
			out := make(map[string]any, rv.Len())
			for _, key := range rv.MapKeys() {
				encoded, err := encodeValue(rv.MapIndex(key).Interface(), visited)
				if err != nil {
					return nil, err
				}
				out[key.String()] = encoded
			}
			return out, nil
		}
	}

	pairs := make([]any, 0, rv.Len())
	for _, key := range rv.MapKeys() {
		encodedKey, err := encodeValue(key.Interface(), visited)
		if err != nil {
			return nil, err
		}
		encodedVal, err := encodeValue(rv.MapIndex(key).Interface(), visited)
		if err != nil {
			return nil, err
		}
		pairs = append(pairs, []any{encodedKey, encodedVal})
	}
	return envelope(tagMap, pairs), nil
}

func encodeSlice(rv reflect.Value, visited map[uintptr]bool) ([]any, error) {
	out := make([]any, rv.Len())
	for i := 0; i < rv.Len(); i++ {
		encoded, err := encodeValue(rv.Index(i).Interface(), visited)
		if err != nil {
			return nil, err
		}
		out[i] = encoded
	}
	return out, nil
}

// decodeValue walks a decoded JSON tree and restores tagged envelopes.
func decodeValue(v any) any {
	switch val := v.(type) {
	case map[string]any:
		tag, ok := val[tagKey].(string)
		if !ok {
			out := make(map[string]any, len(val))
			for k, item := range val {
				out[k] = decodeValue(item)
			}
			return out
		}
		return decodeTagged(tag, val[tagValue])

	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = decodeValue(item)
		}
		return out

	default:
		return v
	}
}

func decodeTagged(tag string, value any) any {
	switch tag {
	case tagTime:
		s, ok := value.(string)
		if !ok {
			return value
		}
		t, err := time.Parse(time.RFC3339Nano, s)
		if err != nil {
			return value
		}
		return t

	case tagBigInt:
		s, ok := value.(string)
		if !ok {
			return value
		}
		n, ok := new(big.Int).SetString(s, 10)
		if !ok {
			return value
		}
		return n

	case tagBytes:
		s, ok := value.(string)
		if !ok {
			return value
		}
		b, err := base64.StdEncoding.DecodeString(s)
		if err != nil {
			return value
		}
		return b

	case tagSet:
		items, ok := value.([]any)
		if !ok {
			return value
		}
		out := make(Set, len(items))
		for i, item := range items {
			out[i] = decodeValue(item)
		}
		return out

	case tagMap:
		pairs, ok := value.([]any)
		if !ok {
			return value
		}
		out := make(map[any]any, len(pairs))
		for _, p := range pairs {
			pair, ok := p.([]any)
			if !ok || len(pair) != 2 {
				continue
			}
			out[decodeValue(pair[0])] = decodeValue(pair[1])
		}
		return out

	case tagCycle:
		return nil

	default:
		return value
	}
}
