package store

import (
	"encoding/json"
	"reflect"
)

// Decode copies a stored value into out, which must be a non-nil pointer.
// The in-memory store hands values back with their original Go types, while
// JSON backends such as RedisStore return generic maps and slices. A direct
// type match is assigned; anything else is round-tripped through JSON.
// Consumers must use Decode instead of type-asserting stored values so
// both backends stay substitutable.
func Decode(v, out any) bool {
	if v == nil || out == nil {
		return false
	}
	dst := reflect.ValueOf(out)
	if dst.Kind() != reflect.Pointer || dst.IsNil() {
		return false
	}
	elem := dst.Elem()

	src := reflect.ValueOf(v)
	if src.Type() == elem.Type() {
		elem.Set(src)
		return true
	}
	if src.Kind() == reflect.Pointer && !src.IsNil() && src.Type().Elem() == elem.Type() {
		elem.Set(src.Elem())
		return true
	}

	raw, err := json.Marshal(v)
	if err != nil {
		return false
	}
	return json.Unmarshal(raw, out) == nil
}
