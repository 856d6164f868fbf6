package resolver

import (
	"encoding/json"
	"strconv"
	"strings"

	"github.com/rs/zerolog"
)

// object is a decoded JSON record whose fields are validated one at a time
type object map[string]json.RawMessage

func decodeObject(raw []byte) (object, error) {
	var obj object
	if err := json.Unmarshal(raw, &obj); err != nil {
		return nil, err
	}
	return obj, nil
}

func (o object) has(key string) bool {
	v, ok := o[key]
	return ok && !isNull(v)
}

// str returns a string field; absent, null and non-string values yield ""
func (o object) str(key string) string {
	v, ok := o[key]
	if !ok || isNull(v) {
		return ""
	}
	var s string
	if err := json.Unmarshal(v, &s); err != nil {
		return ""
	}
	return s
}

// integer reads a number or numeric string. ok is false when the field is
// absent or malformed; malformed values are logged against name.
func (o object) integer(logger zerolog.Logger, key, name string) (int, bool) {
	v, ok := o[key]
	if !ok || isNull(v) {
		return 0, false
	}
	n, err := parseInt(v)
	if err != nil {
		logger.Warn().Str("field", name).RawJSON("value", v).Msg("Expected integer value, ignoring field")
		return 0, false
	}
	return n, true
}

// parseInt accepts 8080, 8080.0 and "8080"
func parseInt(raw json.RawMessage) (int, error) {
	var num json.Number
	if err := json.Unmarshal(raw, &num); err == nil {
		if n, err := num.Int64(); err == nil {
			return int(n), nil
		}
		f, err := num.Float64()
		if err != nil {
			return 0, err
		}
		if f != float64(int(f)) {
			return 0, strconv.ErrSyntax
		}
		return int(f), nil
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return 0, err
	}
	return strconv.Atoi(strings.TrimSpace(s))
}

func isNull(raw json.RawMessage) bool {
	return strings.TrimSpace(string(raw)) == "null"
}
