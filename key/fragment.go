package key

import (
	"fmt"
	"strconv"
	"time"
)

// Keyable is implemented by reference objects that contribute identity
// to a cache key.
//
// Contract:
// - Determinism: FragmentKey must return the same string for the same
//   logical object across calls and process restarts. Memory addresses
//   and map iteration order must not leak into the result.
// - A good shape is "<type>:<primary-id>" or "<type>:<primary-id>:<version>".
type Keyable interface {
	// FragmentKey returns the stable identity of the object.
	FragmentKey() string
}

// Canonical converts one vary-on value to its canonical string form.
//
// Literals (strings, integers, floats, booleans, time.Time) convert
// directly. Reference objects must implement Keyable. Anything else
// fails with ErrUnkeyable: default formatting of arbitrary structs is
// not stable enough to key a cache entry on.
func Canonical(v any) (string, error) {
	switch val := v.(type) {
	case Keyable:
		return val.FragmentKey(), nil
	case string:
		return val, nil
	case []byte:
		return string(val), nil
	case bool:
		return strconv.FormatBool(val), nil
	case int:
		return strconv.Itoa(val), nil
	case int8:
		return strconv.FormatInt(int64(val), 10), nil
	case int16:
		return strconv.FormatInt(int64(val), 10), nil
	case int32:
		return strconv.FormatInt(int64(val), 10), nil
	case int64:
		return strconv.FormatInt(val, 10), nil
	case uint:
		return strconv.FormatUint(uint64(val), 10), nil
	case uint8:
		return strconv.FormatUint(uint64(val), 10), nil
	case uint16:
		return strconv.FormatUint(uint64(val), 10), nil
	case uint32:
		return strconv.FormatUint(uint64(val), 10), nil
	case uint64:
		return strconv.FormatUint(val, 10), nil
	case float32:
		return strconv.FormatFloat(float64(val), 'g', -1, 32), nil
	case float64:
		return strconv.FormatFloat(val, 'g', -1, 64), nil
	case time.Time:
		return val.UTC().Format(time.RFC3339Nano), nil
	case nil:
		return "", nil
	default:
		return "", fmt.Errorf("%w: %T", ErrUnkeyable, v)
	}
}
