// Package validation checks keys, paths, values and priorities before they enter the
// engine. Every check runs before any state is touched.
package validation

import (
	"fmt"
	"math"
	"regexp"
	"sort"
	"strings"

	"github.com/goccy/go-json"

	"github.com/erauner12/treesync/internal/dbpath"
	"github.com/erauner12/treesync/internal/snap"
)

const (
	// MaxLeafSize is the largest string leaf accepted, in bytes
	MaxLeafSize = 10 * 1024 * 1024

	// MaxPathDepth is the deepest a value may nest below the root
	MaxPathDepth = 32

	// MaxPathBytes bounds the UTF-8 length of a path with its separators
	MaxPathBytes = 768

	infoKey = ".info"
)

var (
	invalidKeyChars  = regexp.MustCompile(`[\[\].#$/\x00-\x1F\x7F]`)
	invalidPathChars = regexp.MustCompile(`[\[\].#$\x00-\x1F\x7F]`)
	infoPrefix       = regexp.MustCompile(`^/*\.info(/|$)`)
)

// IsValidKey reports whether key may name a child
func IsValidKey(key string) bool {
	return key != "" && !invalidKeyChars.MatchString(key)
}

// ValidateKey returns ErrInvalidKey unless key may name a child
func ValidateKey(key string) error {
	if !IsValidKey(key) {
		return fmt.Errorf("%w: %q", ErrInvalidKey, key)
	}
	return nil
}

// ValidatePathString checks a slash separated path as typed by a caller
func ValidatePathString(s string) error {
	if invalidPathChars.MatchString(s) {
		return fmt.Errorf("%w: %q contains . # $ [ ] or a control character", ErrInvalidPath, s)
	}
	return ValidatePath(dbpath.New(s))
}

// ValidateRootPathString is ValidatePathString except that a leading .info segment is allowed
func ValidateRootPathString(s string) error {
	return ValidatePathString(infoPrefix.ReplaceAllString(s, "/"))
}

// ValidatePath checks depth and byte length limits
func ValidatePath(p dbpath.Path) error {
	if p.Len() > MaxPathDepth {
		return fmt.Errorf("%w: %s is more than %d levels deep", ErrInvalidPath, p, MaxPathDepth)
	}
	if n := pathBytes(p); n > MaxPathBytes {
		return fmt.Errorf("%w: %s is %d bytes long, limit is %d", ErrInvalidPath, p, n, MaxPathBytes)
	}
	return nil
}

// ValidateWritablePath rejects writes under /.info
func ValidateWritablePath(p dbpath.Path) error {
	if p.Front() == infoKey {
		return fmt.Errorf("%w: %s", ErrReadOnlyPath, p)
	}
	return nil
}

func pathBytes(p dbpath.Path) int {
	n := 0
	for i, seg := range p.Segments() {
		if i > 0 {
			n++
		}
		n += len(seg)
	}
	return n
}

// ValidatePriority accepts nil, finite numbers, strings and {".sv": name}
func ValidatePriority(priority any) error {
	switch p := priority.(type) {
	case nil, string:
		return nil
	case map[string]any:
		if _, ok := p[".sv"].(string); ok && len(p) == 1 {
			return nil
		}
		return fmt.Errorf("%w: objects other than a server value are not allowed", ErrInvalidPriority)
	case snap.Node:
		if p.IsEmpty() || p.IsLeaf() && p.Priority().IsEmpty() {
			if _, isBool := p.Val(false).(bool); !isBool {
				return nil
			}
		}
		return fmt.Errorf("%w: %v", ErrInvalidPriority, p.Val(true))
	}
	f, ok := number(priority)
	if !ok {
		return fmt.Errorf("%w: %T", ErrInvalidPriority, priority)
	}
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return fmt.Errorf("%w: %v", ErrInvalidPriority, f)
	}
	return nil
}

// ValidateData checks a value about to be written at path
func ValidateData(path dbpath.Path, data any) error {
	if err := ValidatePath(path); err != nil {
		return err
	}
	return validateData(path, data)
}

func validateData(path dbpath.Path, data any) error {
	switch v := data.(type) {
	case nil, bool:
		return nil
	case string:
		if len(v) > MaxLeafSize {
			return fmt.Errorf("%w: string at %s is %d bytes, limit is %d", ErrLeafTooLarge, path, len(v), MaxLeafSize)
		}
		return nil
	case snap.Node:
		return nil
	case []any:
		for i, child := range v {
			if err := validateChild(path.Child(fmt.Sprint(i)), child); err != nil {
				return err
			}
		}
		return nil
	case map[string]any:
		return validateObject(path, v)
	}
	f, ok := number(data)
	if !ok {
		return fmt.Errorf("%w: %T at %s", ErrInvalidData, data, path)
	}
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return fmt.Errorf("%w: %v at %s", ErrInvalidData, f, path)
	}
	return nil
}

func validateObject(path dbpath.Path, obj map[string]any) error {
	hasValue, hasChild := false, false
	for key, child := range obj {
		switch key {
		case snap.PriorityKey:
			if err := ValidatePriority(child); err != nil {
				return fmt.Errorf("%w at %s", err, path)
			}
			continue
		case ".value":
			hasValue = true
		case ".sv":
			if _, ok := child.(string); !ok {
				return fmt.Errorf("%w: .sv at %s must name a server value", ErrInvalidData, path)
			}
			continue
		default:
			if !IsValidKey(key) {
				return fmt.Errorf("%w: %q at %s", ErrInvalidKey, key, path)
			}
			hasChild = true
		}
		if err := validateChild(path.Child(key), child); err != nil {
			return err
		}
	}
	if hasValue && hasChild {
		return fmt.Errorf("%w at %s", ErrValueWithChildren, path)
	}
	return nil
}

func validateChild(path dbpath.Path, data any) error {
	if err := ValidatePath(path); err != nil {
		return err
	}
	return validateData(path, data)
}

// ValidateMerge checks the children of an update at path. Keys may be slash separated
// paths whose last segment may be .priority; no key may be an ancestor of another.
func ValidateMerge(path dbpath.Path, children map[string]any) error {
	paths := make([]dbpath.Path, 0, len(children))
	for key, child := range children {
		rel := dbpath.New(key)
		if rel.IsEmpty() {
			return fmt.Errorf("%w: empty update key", ErrInvalidKey)
		}
		for i, seg := range rel.Segments() {
			if seg == snap.PriorityKey && i == rel.Len()-1 {
				continue
			}
			if !IsValidKey(seg) {
				return fmt.Errorf("%w: %q in update key %q", ErrInvalidKey, seg, key)
			}
		}
		full := path.Join(rel)
		if rel.Back() == snap.PriorityKey {
			if err := ValidatePriority(child); err != nil {
				return fmt.Errorf("%w at %s", err, full)
			}
		} else if err := ValidateData(full, child); err != nil {
			return err
		}
		paths = append(paths, rel)
	}

	sort.Slice(paths, func(i, j int) bool { return dbpath.Compare(paths[i], paths[j]) < 0 })
	for i := 1; i < len(paths); i++ {
		if paths[i-1].Contains(paths[i]) {
			return fmt.Errorf("%w: %s and %s", ErrAncestorMergePath, paths[i-1], paths[i])
		}
	}
	return nil
}

// ValidateKeyPath checks every segment of a caller supplied child path, e.g. for Child("a/b")
func ValidateKeyPath(s string) error {
	for _, seg := range strings.Split(strings.Trim(s, "/"), "/") {
		if err := ValidateKey(seg); err != nil {
			return err
		}
	}
	return nil
}

func number(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int8:
		return float64(n), true
	case int16:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint:
		return float64(n), true
	case uint8:
		return float64(n), true
	case uint16:
		return float64(n), true
	case uint32:
		return float64(n), true
	case uint64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	}
	return 0, false
}
