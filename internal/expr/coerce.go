package expr

import (
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/google/cel-go/common/types"
	"github.com/google/cel-go/common/types/ref"
	"github.com/google/cel-go/common/types/traits"
)

// Coerce converts an evaluated CEL value to a rate-limit/auth descriptor
// string per spec §4.4's table: strings pass through, numbers use their
// canonical decimal form, booleans become "true"/"false", null drops the
// item (ok=false), lists/maps serialize as JSON.
func Coerce(v ref.Val) (s string, ok bool, err error) {
	switch val := v.(type) {
	case types.Null:
		return "", false, nil
	case types.String:
		return string(val), true, nil
	case types.Bool:
		if bool(val) {
			return "true", true, nil
		}
		return "false", true, nil
	case types.Int:
		return strconv.FormatInt(int64(val), 10), true, nil
	case types.Uint:
		return strconv.FormatUint(uint64(val), 10), true, nil
	case types.Double:
		return strconv.FormatFloat(float64(val), 'g', -1, 64), true, nil
	case types.Bytes:
		return string(val), true, nil
	default:
		native, err := toJSONCompatible(v)
		if err != nil {
			return "", false, err
		}
		b, merr := json.Marshal(native)
		if merr != nil {
			return "", false, merr
		}
		return string(b), true, nil
	}
}

// toJSONCompatible walks a CEL list/map value into plain Go
// maps/slices/scalars suitable for encoding/json, without relying on
// reflection-based ConvertToNative (which needs a concrete target type per
// call site).
func toJSONCompatible(v ref.Val) (any, error) {
	switch val := v.(type) {
	case types.Null:
		return nil, nil
	case types.String:
		return string(val), nil
	case types.Bool:
		return bool(val), nil
	case types.Int:
		return int64(val), nil
	case types.Uint:
		return uint64(val), nil
	case types.Double:
		return float64(val), nil
	case types.Bytes:
		return string(val), nil
	case traits.Lister:
		it := val.Iterator()
		out := make([]any, 0)
		for it.HasNext() == types.True {
			elem, err := toJSONCompatible(it.Next())
			if err != nil {
				return nil, err
			}
			out = append(out, elem)
		}
		return out, nil
	case traits.Mapper:
		out := make(map[string]any)
		it := val.Iterator()
		for it.HasNext() == types.True {
			k := it.Next()
			mv := val.Get(k)
			key, ok, err := Coerce(k)
			if err != nil {
				return nil, err
			}
			if !ok {
				continue
			}
			elem, err := toJSONCompatible(mv)
			if err != nil {
				return nil, err
			}
			out[key] = elem
		}
		return out, nil
	default:
		return nil, fmt.Errorf("coerce: unsupported CEL value type %T", v)
	}
}
