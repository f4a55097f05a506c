package snap

import (
	"strconv"
	"strings"

	"github.com/benbjohnson/immutable"
	"github.com/goccy/go-json"
)

// NodeFromJSON converts decoded JSON (or equivalent Go values) into a Node.
//
// Objects may carry ".priority" and ".value" metadata; other keys starting with "." are
// ignored. {".sv": name} becomes a deferred leaf. nil and empty objects become Empty.
// An optional priority overrides none found in the data.
func NodeFromJSON(data any, priority ...any) Node {
	var prio any
	if len(priority) > 0 {
		prio = priority[0]
	}
	return nodeFromJSON(data, prio)
}

func nodeFromJSON(data any, prio any) Node {
	if data == nil {
		return Empty
	}
	if obj, ok := data.(map[string]any); ok {
		if p, ok := obj[PriorityKey]; ok {
			prio = p
		}
		if v, ok := obj[".value"]; ok && v != nil {
			data = v
		}
	}
	if obj, ok := data.(map[string]any); ok {
		if name, ok := obj[".sv"].(string); ok {
			return NewLeaf(Deferred{Name: name}, priorityFromJSON(prio))
		}
	}

	switch v := data.(type) {
	case map[string]any:
		return childrenFromMap(v, priorityFromJSON(prio))
	case []any:
		m := make(map[string]any, len(v))
		for i, e := range v {
			m[strconv.Itoa(i)] = e
		}
		return childrenFromMap(m, priorityFromJSON(prio))
	case Node:
		if p := priorityFromJSON(prio); !p.IsEmpty() {
			return v.UpdatePriority(p)
		}
		return v
	}

	if leaf, ok := primitive(data); ok {
		return NewLeaf(leaf, priorityFromJSON(prio))
	}
	return Empty
}

func childrenFromMap(obj map[string]any, priority Node) Node {
	children := immutable.NewSortedMapBuilder[string, Node](keyComparer{})
	for k, raw := range obj {
		if strings.HasPrefix(k, ".") {
			continue
		}
		child := nodeFromJSON(raw, nil)
		if !child.IsEmpty() {
			children.Set(k, child)
		}
	}
	if children.Len() == 0 {
		return Empty
	}
	m := children.Map()
	return newChildrenNode(m, priority, defaultIndexMap.rebuild(m))
}

// primitive normalizes Go scalars into leaf values; all numbers become float64
func primitive(v any) (any, bool) {
	switch n := v.(type) {
	case string, bool, float64:
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
		if err != nil {
			return nil, false
		}
		return f, true
	}
	return nil, false
}

// priorityFromJSON accepts nil, strings, numbers and {".sv": name}; anything else is dropped
func priorityFromJSON(p any) Node {
	if p == nil {
		return Empty
	}
	if n, ok := p.(Node); ok {
		if validatePriorityNode(n) {
			return n
		}
		return Empty
	}
	if obj, ok := p.(map[string]any); ok {
		if name, ok := obj[".sv"].(string); ok {
			return NewLeaf(Deferred{Name: name}, nil)
		}
		return Empty
	}
	v, ok := primitive(p)
	if !ok {
		return Empty
	}
	if _, isBool := v.(bool); isBool {
		return Empty
	}
	return NewLeaf(v, nil)
}
