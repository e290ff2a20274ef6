package cache

import (
	"encoding/json"
	"fmt"
	"reflect"
	"sort"
	"strconv"
	"strings"

	"github.com/cespare/xxhash/v2"
)

const (
	// ActionSeparator separates the action name from its parameter segment.
	ActionSeparator = ":"
	// ParamSeparator separates individual parameter values.
	ParamSeparator = "|"
	// MaxParamsLength is the longest parameter segment kept verbatim. Longer
	// segments are replaced with their xxhash64 digest.
	MaxParamsLength = 256
)

// actionKeySerializer renders keys as "<service>.<action>:v1|v2|...".
type actionKeySerializer struct {
	maxParamsLength int
}

// NewDefaultKeySerializer creates a new instance of the default key serializer.
func NewDefaultKeySerializer() KeySerializer {
	return &actionKeySerializer{maxParamsLength: MaxParamsLength}
}

// SerializeKey builds the cache key for action from the ordered key values.
func (s *actionKeySerializer) SerializeKey(action string, args ...any) string {
	if len(args) == 0 {
		return action
	}

	parts := make([]string, len(args))
	for i, arg := range args {
		parts[i] = s.serializeValue(arg)
	}

	params := strings.Join(parts, ParamSeparator)
	if s.maxParamsLength > 0 && len(params) > s.maxParamsLength {
		params = strconv.FormatUint(xxhash.Sum64String(params), 16)
	}

	return action + ActionSeparator + params
}

func (s *actionKeySerializer) serializeValue(v any) string {
	if v == nil {
		return "nil"
	}

	switch val := v.(type) {
	case string:
		return escapeString(val)
	case []byte:
		return escapeString(string(val))
	case bool:
		return strconv.FormatBool(val)
	case int, int8, int16, int32, int64, uint, uint8, uint16, uint32, uint64:
		return fmt.Sprintf("%d", val)
	case float32:
		return strconv.FormatFloat(float64(val), 'f', -1, 32)
	case float64:
		return strconv.FormatFloat(val, 'f', -1, 64)
	case fmt.Stringer:
		return val.String()
	}

	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Ptr, reflect.Interface:
		if rv.IsNil() {
			return "nil"
		}
		return s.serializeValue(rv.Elem().Interface())
	case reflect.Slice, reflect.Array:
		if rv.Kind() == reflect.Slice && rv.IsNil() {
			return "[]"
		}
		items := make([]string, rv.Len())
		for i := range items {
			items[i] = s.serializeValue(rv.Index(i).Interface())
		}
		return "[" + strings.Join(items, ",") + "]"
	case reflect.Map:
		return s.serializeMap(rv)
	case reflect.Func, reflect.Chan:
		return fmt.Sprintf("%s:%p", rv.Kind(), v)
	}

	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprintf("%T", v)
	}
	return string(data)
}

var stringEscaper = strings.NewReplacer(`\`, `\\`, ParamSeparator, `\`+ParamSeparator)

// escapeString keeps string segments apart from the nil marker and from the
// parameter separator: "nil" renders as \nil, "\" and "|" are backslash escaped.
func escapeString(s string) string {
	if s == "nil" {
		return `\nil`
	}
	return stringEscaper.Replace(s)
}

// serializeMap renders k=v pairs sorted by the rendered key.
func (s *actionKeySerializer) serializeMap(rv reflect.Value) string {
	if rv.IsNil() {
		return "{}"
	}

	pairs := make([]string, 0, rv.Len())
	iter := rv.MapRange()
	for iter.Next() {
		k := s.serializeValue(iter.Key().Interface())
		v := s.serializeValue(iter.Value().Interface())
		pairs = append(pairs, k+"="+v)
	}
	sort.Strings(pairs)

	return "{" + strings.Join(pairs, ",") + "}"
}
