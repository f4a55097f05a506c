// Package view computes what each query sees: filters, caches, the view processor that
// applies operations to them, and the event generator that diffs the results.
package view

import (
	"github.com/goccy/go-json"

	"github.com/erauner12/treesync/internal/dbpath"
	"github.com/erauner12/treesync/internal/snap"
)

// DefaultIdentifier identifies the unfiltered query at a path
const DefaultIdentifier = "default"

// Wire protocol keys of a query object
const (
	wireStartValue = "sp"
	wireStartName  = "sn"
	wireEndValue   = "ep"
	wireEndName    = "en"
	wireLimit      = "l"
	wireViewFrom   = "vf"
	wireIndex      = "i"
	viewFromLeft   = "l"
	viewFromRight  = "r"
)

// QueryParams selects an ordered window of children. The zero value is not usable;
// start from DefaultParams.
type QueryParams struct {
	index snap.Index

	limitSet bool
	limit    int
	viewFrom string

	startSet     bool
	startNameSet bool
	startValue   any
	startName    string

	endSet     bool
	endNameSet bool
	endValue   any
	endName    string
}

// DefaultParams loads all data ordered by priority
var DefaultParams = QueryParams{index: snap.PriorityIndex}

// OrderBy selects the ordering index
func (p QueryParams) OrderBy(idx snap.Index) QueryParams {
	p.index = idx
	return p
}

// LimitToFirst keeps the first n children
func (p QueryParams) LimitToFirst(n int) QueryParams {
	p.limitSet, p.limit, p.viewFrom = true, n, viewFromLeft
	return p
}

// LimitToLast keeps the last n children
func (p QueryParams) LimitToLast(n int) QueryParams {
	p.limitSet, p.limit, p.viewFrom = true, n, viewFromRight
	return p
}

// StartAt keeps children at or after (value, name). An empty name means no name bound.
func (p QueryParams) StartAt(value any, name string) QueryParams {
	p.startSet, p.startValue = true, value
	p.startNameSet, p.startName = name != "", name
	return p
}

// EndAt keeps children at or before (value, name). An empty name means no name bound.
func (p QueryParams) EndAt(value any, name string) QueryParams {
	p.endSet, p.endValue = true, value
	p.endNameSet, p.endName = name != "", name
	return p
}

// EqualTo is StartAt and EndAt on the same bound
func (p QueryParams) EqualTo(value any, name string) QueryParams {
	return p.StartAt(value, name).EndAt(value, name)
}

func (p QueryParams) Index() snap.Index { return p.index }
func (p QueryParams) HasLimit() bool    { return p.limitSet }
func (p QueryParams) Limit() int        { return p.limit }
func (p QueryParams) HasStart() bool    { return p.startSet }
func (p QueryParams) HasEnd() bool      { return p.endSet }

// HasAnchoredLimit reports whether the limit is anchored to one end explicitly
func (p QueryParams) HasAnchoredLimit() bool {
	return p.limitSet && p.viewFrom != ""
}

// IsViewFromLeft reports whether the window is taken from the lowest children
func (p QueryParams) IsViewFromLeft() bool {
	if p.viewFrom == "" {
		return p.startSet
	}
	return p.viewFrom == viewFromLeft
}

// StartPost is the lowest child the query accepts
func (p QueryParams) StartPost() snap.NamedNode {
	if !p.startSet {
		return p.index.MinPost()
	}
	name := dbpath.MinName
	if p.startNameSet {
		name = p.startName
	}
	return p.index.MakePost(p.startValue, name)
}

// EndPost is the highest child the query accepts
func (p QueryParams) EndPost() snap.NamedNode {
	if !p.endSet {
		return p.index.MaxPost()
	}
	name := dbpath.MaxName
	if p.endNameSet {
		name = p.endName
	}
	return p.index.MakePost(p.endValue, name)
}

// LoadsAllData reports whether the query has no window at all
func (p QueryParams) LoadsAllData() bool {
	return !(p.startSet || p.endSet || p.limitSet)
}

// IsDefault reports whether the query is the plain priority ordered listener
func (p QueryParams) IsDefault() bool {
	return p.LoadsAllData() && p.index.Equal(snap.PriorityIndex)
}

// Wire returns the query object sent to the server
func (p QueryParams) Wire() map[string]any {
	obj := map[string]any{}
	if p.startSet {
		obj[wireStartValue] = p.startValue
		if p.startNameSet {
			obj[wireStartName] = p.startName
		}
	}
	if p.endSet {
		obj[wireEndValue] = p.endValue
		if p.endNameSet {
			obj[wireEndName] = p.endName
		}
	}
	if p.limitSet {
		obj[wireLimit] = p.limit
		vf := p.viewFrom
		if vf == "" {
			vf = viewFromRight
			if p.IsViewFromLeft() {
				vf = viewFromLeft
			}
		}
		obj[wireViewFrom] = vf
	}
	if !p.index.Equal(snap.PriorityIndex) {
		obj[wireIndex] = p.index.String()
	}
	return obj
}

// ParamsFromWire rebuilds params from a query object
func ParamsFromWire(obj map[string]any) QueryParams {
	p := DefaultParams
	if i, ok := obj[wireIndex].(string); ok {
		switch i {
		case ".key":
			p.index = snap.KeyIndex
		case ".value":
			p.index = snap.ValueIndex
		case ".priority":
		default:
			p.index = snap.PathIndex(dbpath.New(i))
		}
	}
	if v, ok := obj[wireStartValue]; ok {
		name, _ := obj[wireStartName].(string)
		p = p.StartAt(v, name)
	}
	if v, ok := obj[wireEndValue]; ok {
		name, _ := obj[wireEndName].(string)
		p = p.EndAt(v, name)
	}
	if l, ok := obj[wireLimit]; ok {
		n := toInt(l)
		if vf, _ := obj[wireViewFrom].(string); vf == viewFromRight {
			p = p.LimitToLast(n)
		} else {
			p = p.LimitToFirst(n)
		}
	}
	return p
}

func toInt(v any) int {
	switch n := v.(type) {
	case int:
		return n
	case int64:
		return int(n)
	case float64:
		return int(n)
	case json.Number:
		i, _ := n.Int64()
		return int(i)
	}
	return 0
}

// Identifier is a stable key for the params; equal params share views
func (p QueryParams) Identifier() string {
	if p.IsDefault() {
		return DefaultIdentifier
	}
	// map keys are marshalled in sorted order
	b, err := json.Marshal(p.Wire())
	if err != nil {
		return "invalid"
	}
	return string(b)
}

// Filter returns the node filter implementing the params
func (p QueryParams) Filter() NodeFilter {
	switch {
	case p.LoadsAllData():
		return NewIndexedFilter(p.index)
	case p.limitSet:
		return NewLimitedFilter(p)
	default:
		return NewRangedFilter(p)
	}
}

// QuerySpec is a location plus the params applied to it
type QuerySpec struct {
	Path   dbpath.Path
	Params QueryParams
}

// DefaultQuery listens to everything at path
func DefaultQuery(path dbpath.Path) QuerySpec {
	return QuerySpec{Path: path, Params: DefaultParams}
}

// Identifier identifies the params; the path is not part of it
func (q QuerySpec) Identifier() string {
	return q.Params.Identifier()
}

// LoadsAllData reports whether the query covers all data at its path
func (q QuerySpec) LoadsAllData() bool {
	return q.Params.LoadsAllData()
}

// IsDefault reports whether the query is the default one
func (q QuerySpec) IsDefault() bool {
	return q.Params.IsDefault()
}

func (q QuerySpec) String() string {
	return q.Path.String() + ":" + q.Identifier()
}
