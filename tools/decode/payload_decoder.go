package decode

import (
	"encoding/json"
	"fmt"
	"reflect"
	"strconv"

	"github.com/mitchellh/mapstructure"
)

// Options customizes Decode behavior.
type Options struct {
	// Weakly typed decoding (default true): "123" -> int, 1.0 -> int64, etc.
	// Frame payloads travel as JSON; numbers arrive as json.Number (lossless
	// for int64 ids) or, from plain json.Unmarshal, as float64.
	WeaklyTypedInput bool
}

func DefaultOptions() Options {
	return Options{
		WeaklyTypedInput: true,
	}
}

// DecodeMap decodes a loose map (e.g. a frame payload) into a typed payload
// struct T. Struct fields are read through their `json` tags.
func DecodeMap[T any](m map[string]any, opts ...Options) (*T, error) {
	if m == nil {
		return nil, fmt.Errorf("payload map is nil")
	}

	cfg := DefaultOptions()
	if len(opts) > 0 {
		cfg = opts[0]
	}

	var out T
	decCfg := &mapstructure.DecoderConfig{
		TagName:          "json",
		Result:           &out,
		WeaklyTypedInput: cfg.WeaklyTypedInput,
		DecodeHook: mapstructure.ComposeDecodeHookFunc(
			jsonNumberHook(),
			floatToIntHook(),
			jsonRawStringToMapHook(),
		),
	}

	dec, err := mapstructure.NewDecoder(decCfg)
	if err != nil {
		return nil, fmt.Errorf("new decoder: %w", err)
	}

	if err := dec.Decode(m); err != nil {
		return nil, fmt.Errorf("decode payload: %w", err)
	}
	return &out, nil
}

// ReadString reads a string field from a loose map.
func ReadString(m map[string]any, key string) (string, error) {
	v, ok := m[key]
	if !ok || v == nil {
		return "", fmt.Errorf("missing field %q", key)
	}
	s, ok := v.(string)
	if !ok {
		return "", fmt.Errorf("field %q not string (got %T)", key, v)
	}
	return s, nil
}

// ReadInt64 reads an integer field (tolerates float64 / int / numeric string).
func ReadInt64(m map[string]any, key string) (int64, error) {
	v, ok := m[key]
	if !ok || v == nil {
		return 0, fmt.Errorf("missing field %q", key)
	}
	switch t := v.(type) {
	case float64:
		return int64(t), nil
	case int64:
		return t, nil
	case int32:
		return int64(t), nil
	case int:
		return int64(t), nil
	case json.Number:
		return t.Int64()
	case string:
		n, err := strconv.ParseInt(t, 10, 64)
		if err != nil {
			return 0, fmt.Errorf("field %q string parse int64: %w", key, err)
		}
		return n, nil
	default:
		return 0, fmt.Errorf("field %q type %T not number", key, v)
	}
}

// jsonNumberHook converts json.Number exactly into numeric targets. It must
// run before the weak string conversions so full-precision int64 ids never
// take a float64 detour.
func jsonNumberHook() mapstructure.DecodeHookFunc {
	return func(from, to reflect.Kind, data any) (any, error) {
		n, ok := data.(json.Number)
		if !ok {
			return data, nil
		}
		switch to {
		case reflect.Int, reflect.Int32, reflect.Int64:
			v, err := n.Int64()
			if err != nil {
				return nil, fmt.Errorf("number %q not int64: %w", n, err)
			}
			switch to {
			case reflect.Int:
				return int(v), nil
			case reflect.Int32:
				return int32(v), nil
			}
			return v, nil
		case reflect.Float64:
			return n.Float64()
		case reflect.String:
			return n.String(), nil
		}
		return data, nil
	}
}

// floatToIntHook converts float64 to int / int32 / int64 targets.
func floatToIntHook() mapstructure.DecodeHookFunc {
	return func(from, to reflect.Kind, data any) (any, error) {
		if from != reflect.Float64 {
			return data, nil
		}
		switch to {
		case reflect.Int:
			return int(data.(float64)), nil
		case reflect.Int32:
			return int32(data.(float64)), nil
		case reflect.Int64:
			return int64(data.(float64)), nil
		}
		return data, nil
	}
}

// jsonRawStringToMapHook converts embedded JSON strings to map[string]any.
func jsonRawStringToMapHook() mapstructure.DecodeHookFunc {
	return func(from, to reflect.Kind, data any) (any, error) {
		if from != reflect.String || to != reflect.Map {
			return data, nil
		}
		var m map[string]any
		if err := json.Unmarshal([]byte(data.(string)), &m); err == nil {
			return m, nil
		}
		return data, nil
	}
}
