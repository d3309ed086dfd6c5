package detect

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"
)

// CanonicalHash produces a stable digest over a row's comparison fields.
// Fields are serialized as k=v pairs sorted by field name and joined with
// an ASCII unit separator, so field order and map iteration order never
// affect the digest. When compareColumns is empty every field participates.
func CanonicalHash(fields map[string]any, compareColumns []string) string {
	var cols []string
	if len(compareColumns) > 0 {
		for _, c := range compareColumns {
			if _, ok := fields[c]; ok {
				cols = append(cols, c)
			}
		}
	} else {
		for c := range fields {
			cols = append(cols, c)
		}
	}
	sort.Strings(cols)

	parts := make([]string, len(cols))
	for i, c := range cols {
		parts[i] = c + "=" + canonicalValue(fields[c])
	}

	sum := sha256.Sum256([]byte(strings.Join(parts, "\x1f")))
	return hex.EncodeToString(sum[:])
}

// canonicalValue renders a scalar in a platform-independent form. Times
// normalize to UTC RFC3339Nano and floats use the shortest round-trip
// representation so the same logical value always hashes identically.
func canonicalValue(v any) string {
	switch tv := v.(type) {
	case nil:
		return "\x00"
	case string:
		return tv
	case []byte:
		return string(tv)
	case bool:
		return strconv.FormatBool(tv)
	case int:
		return strconv.FormatInt(int64(tv), 10)
	case int32:
		return strconv.FormatInt(int64(tv), 10)
	case int64:
		return strconv.FormatInt(tv, 10)
	case float32:
		return strconv.FormatFloat(float64(tv), 'g', -1, 64)
	case float64:
		return strconv.FormatFloat(tv, 'g', -1, 64)
	case time.Time:
		return tv.UTC().Format(time.RFC3339Nano)
	case *time.Time:
		if tv == nil {
			return "\x00"
		}
		return tv.UTC().Format(time.RFC3339Nano)
	default:
		return fmt.Sprintf("%v", tv)
	}
}
