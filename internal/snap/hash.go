package snap

import (
	"crypto/sha1"
	"encoding/base64"
	"fmt"
	"math"
)

// ieee754Hex renders the big-endian bit pattern of v as 16 hex digits
func ieee754Hex(v float64) string {
	return fmt.Sprintf("%016x", math.Float64bits(v))
}

func priorityHashText(p Node) string {
	l, ok := p.(*LeafNode)
	if !ok {
		return ""
	}
	switch v := l.value.(type) {
	case float64:
		return "number:" + ieee754Hex(v)
	case string:
		return "string:" + v
	default:
		return leafTypeName(v) + ":" + leafHashValue(v)
	}
}

func sha1Base64(s string) string {
	sum := sha1.Sum([]byte(s))
	return base64.StdEncoding.EncodeToString(sum[:])
}
