package dbpath

import (
	"math"
	"strconv"
	"strings"
)

const (
	// MinName sorts before every valid key
	MinName = "[MIN_NAME]"

	// MaxName sorts after every valid key
	MaxName = "[MAX_NAME]"
)

// ParseIntKey reports whether key looks like a 32-bit integer ("-?0*\d{1,10}" in range).
// Such keys sort numerically ahead of all other keys.
func ParseIntKey(key string) (int64, bool) {
	digits := strings.TrimPrefix(key, "-")
	if digits == "" {
		return 0, false
	}
	for i := 0; i < len(digits); i++ {
		if digits[i] < '0' || digits[i] > '9' {
			return 0, false
		}
	}
	significant := strings.TrimLeft(digits, "0")
	if len(significant) > 10 {
		return 0, false
	}
	if significant == "" {
		return 0, true
	}
	v, err := strconv.ParseInt(significant, 10, 64)
	if err != nil {
		return 0, false
	}
	if key[0] == '-' {
		v = -v
	}
	if v < math.MinInt32 || v > math.MaxInt32 {
		return 0, false
	}
	return v, true
}

// CompareKeys implements the default child ordering:
// integer-looking keys first by numeric value (shorter spelling first on ties, so "1" < "01"),
// then all remaining keys lexically.
func CompareKeys(a, b string) int {
	if a == b {
		return 0
	}
	if a == MinName || b == MaxName {
		return -1
	}
	if b == MinName || a == MaxName {
		return 1
	}
	ai, aok := ParseIntKey(a)
	bi, bok := ParseIntKey(b)
	switch {
	case aok && bok:
		if ai == bi {
			return len(a) - len(b)
		}
		if ai < bi {
			return -1
		}
		return 1
	case aok:
		return -1
	case bok:
		return 1
	case a < b:
		return -1
	default:
		return 1
	}
}
