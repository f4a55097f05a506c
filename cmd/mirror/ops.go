package main

import (
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/goccy/go-json"

	"github.com/erauner12/treesync/internal/view"
)

// multiFlag collects a flag given several times
type multiFlag []string

func (m *multiFlag) String() string { return strings.Join(*m, ",") }

func (m *multiFlag) Set(v string) error {
	*m = append(*m, v)
	return nil
}

type opKind string

const (
	opSet  opKind = "set"
	opPush opKind = "push"
	opIncr opKind = "incr"
)

type op struct {
	kind  opKind
	path  string
	value any
}

// parseAssignment splits "path=json"
func parseAssignment(s string) (string, any, error) {
	path, raw, ok := strings.Cut(s, "=")
	if !ok || path == "" {
		return "", nil, fmt.Errorf("%q: want path=json", s)
	}
	var value any
	if err := json.Unmarshal([]byte(raw), &value); err != nil {
		return "", nil, fmt.Errorf("%q: value is not json: %w", s, err)
	}
	return path, value, nil
}

// buildOps returns writes in the order -set, -push, -incr
func buildOps(sets, pushes, incrs []string) ([]op, error) {
	var ops []op
	for _, s := range sets {
		path, value, err := parseAssignment(s)
		if err != nil {
			return nil, fmt.Errorf("-set %w", err)
		}
		ops = append(ops, op{kind: opSet, path: path, value: value})
	}
	for _, s := range pushes {
		path, value, err := parseAssignment(s)
		if err != nil {
			return nil, fmt.Errorf("-push %w", err)
		}
		ops = append(ops, op{kind: opPush, path: path, value: value})
	}
	for _, path := range incrs {
		ops = append(ops, op{kind: opIncr, path: path})
	}
	return ops, nil
}

// increment adds one to a number; anything else becomes 1
func increment(current any) (any, bool) {
	n, _ := current.(float64)
	return n + 1, true
}

// line is one JSON line of output
type line struct {
	Event     string `json:"event"`
	Path      string `json:"path"`
	Val       any    `json:"val"`
	PrevName  string `json:"prevName,omitempty"`
	Committed *bool  `json:"committed,omitempty"`
	Error     string `json:"error,omitempty"`
}

// printer writes lines from any goroutine
type printer struct {
	mu  sync.Mutex
	enc *json.Encoder
}

func newPrinter(w io.Writer) *printer {
	return &printer{enc: json.NewEncoder(w)}
}

func (p *printer) print(l line) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.enc.Encode(l)
}

func (p *printer) valueRegistration() *view.ValueRegistration {
	return view.NewValueRegistration(
		func(s view.Snapshot) { p.print(line{Event: "value", Path: s.Path().String(), Val: s.Val()}) },
		func(err error) { p.print(line{Event: "cancel", Error: err.Error()}) },
	)
}

func (p *printer) childRegistration() *view.ChildRegistration {
	child := func(event string) view.ChildFunc {
		return func(s view.Snapshot, prevName string) {
			p.print(line{Event: event, Path: s.Path().String(), Val: s.Val(), PrevName: prevName})
		}
	}
	return view.NewChildRegistration(view.ChildCallbacks{
		Added:   child("child_added"),
		Changed: child("child_changed"),
		Removed: child("child_removed"),
		Moved:   child("child_moved"),
		Cancel:  func(err error) { p.print(line{Event: "cancel", Error: err.Error()}) },
	})
}

func (p *printer) result(o op, path string, err error, committed *bool, val any) {
	l := line{Event: string(o.kind), Path: path, Val: val, Committed: committed}
	if err != nil {
		l.Error = err.Error()
	}
	p.print(l)
}
