package bus

import (
	"strconv"
	"strings"
)

// maxSafeInteger is the largest integer a JSON number can carry without
// losing precision (2^53 - 1). Identifiers above this bound must travel
// as strings.
const maxSafeInteger = 1<<53 - 1

// minIDDigits is the shortest digit run the decoder will consider for
// re-promotion to int64. Thirteen digits puts the cutoff well above
// ordinary counters while still catching snowflake-style identifiers.
const minIDDigits = 13

// Encode converts a payload into a wire-safe representation. Any 64-bit
// integer too large for a JSON number is stringified; nested maps and
// slices are walked recursively. All other values pass through unchanged.
func Encode(payload map[string]any) map[string]any {
	if payload == nil {
		return nil
	}
	out := make(map[string]any, len(payload))
	for k, v := range payload {
		out[k] = encodeValue(v)
	}
	return out
}

func encodeValue(v any) any {
	switch val := v.(type) {
	case int64:
		if val > maxSafeInteger || val < -maxSafeInteger {
			return strconv.FormatInt(val, 10)
		}
		return val
	case uint64:
		if val > maxSafeInteger {
			return strconv.FormatUint(val, 10)
		}
		return val
	case int:
		// 64-bit on every supported platform; same bound applies.
		if int64(val) > maxSafeInteger || int64(val) < -maxSafeInteger {
			return strconv.FormatInt(int64(val), 10)
		}
		return val
	case uint:
		if uint64(val) > maxSafeInteger {
			return strconv.FormatUint(uint64(val), 10)
		}
		return val
	case map[string]any:
		return Encode(val)
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = encodeValue(item)
		}
		return out
	default:
		return v
	}
}

// Decode is the inverse of Encode. A string value is promoted back to
// int64 when it is a run of at least thirteen digits and its key ends in
// an identifier suffix ("Id" or "_id"). Everything else passes through,
// recursing into nested maps and slices.
//
// The promotion is shape-based rather than schema-based: a legitimate
// 13+-digit numeric string stored under an identifier-suffixed key would
// be mis-promoted. Producers cannot opt out of the heuristic.
func Decode(payload map[string]any) map[string]any {
	if payload == nil {
		return nil
	}
	out := make(map[string]any, len(payload))
	for k, v := range payload {
		out[k] = decodeValue(k, v)
	}
	return out
}

func decodeValue(key string, v any) any {
	switch val := v.(type) {
	case string:
		if isIDKey(key) && isBigDigits(val) {
			if n, err := strconv.ParseInt(val, 10, 64); err == nil {
				return n
			}
		}
		return val
	case map[string]any:
		return Decode(val)
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = decodeValue(key, item)
		}
		return out
	default:
		return v
	}
}

func isIDKey(key string) bool {
	return strings.HasSuffix(key, "Id") || strings.HasSuffix(key, "_id")
}

func isBigDigits(s string) bool {
	if len(s) < minIDDigits {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}
