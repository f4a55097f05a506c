package validation

import (
	"errors"
	"math"
	"strings"
	"testing"

	"github.com/erauner12/treesync/internal/dbpath"
)

func TestValidateKey(t *testing.T) {
	tests := []struct {
		key     string
		wantErr bool
	}{
		{"a_b-1", false},
		{"ünïcode", false},
		{"a.b", true},
		{"a#b", true},
		{"", true},
		{"a$b", true},
		{"a[0]", true},
		{"a/b", true},
		{"tab\there", true},
	}
	for _, tt := range tests {
		t.Run(tt.key, func(t *testing.T) {
			err := ValidateKey(tt.key)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ValidateKey(%q) error = %v, wantErr %v", tt.key, err, tt.wantErr)
			}
			if err != nil && !errors.Is(err, ErrInvalidKey) {
				t.Errorf("ValidateKey(%q) error = %v, want ErrInvalidKey", tt.key, err)
			}
		})
	}
}

func TestValidatePathStrings(t *testing.T) {
	tests := []struct {
		name    string
		fn      func(string) error
		in      string
		wantErr error
	}{
		{"plain", ValidatePathString, "/users/ada/name", nil},
		{"dot", ValidatePathString, "/users/a.b", ErrInvalidPath},
		{"info not a root", ValidatePathString, "/.info/connected", ErrInvalidPath},
		{"info root", ValidateRootPathString, "/.info/connected", nil},
		{"info bare", ValidateRootPathString, ".info", nil},
		{"info lookalike", ValidateRootPathString, "/.infox", ErrInvalidPath},
		{"too deep", ValidatePathString, strings.Repeat("/a", MaxPathDepth+1), ErrInvalidPath},
		{"too long", ValidatePathString, "/" + strings.Repeat("x", MaxPathBytes+1), ErrInvalidPath},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.fn(tt.in)
			if !errors.Is(err, tt.wantErr) || (tt.wantErr == nil && err != nil) {
				t.Errorf("validate(%q) = %v, want %v", tt.in, err, tt.wantErr)
			}
		})
	}
}

func TestValidateWritablePath(t *testing.T) {
	if err := ValidateWritablePath(dbpath.New("/.info/connected")); !errors.Is(err, ErrReadOnlyPath) {
		t.Errorf("ValidateWritablePath(/.info/connected) = %v, want ErrReadOnlyPath", err)
	}
	if err := ValidateWritablePath(dbpath.New("/info")); err != nil {
		t.Errorf("ValidateWritablePath(/info) = %v, want nil", err)
	}
}

func TestValidatePriority(t *testing.T) {
	tests := []struct {
		name    string
		in      any
		wantErr bool
	}{
		{"nil", nil, false},
		{"number", 3.5, false},
		{"int", 7, false},
		{"string", "b", false},
		{"server value", map[string]any{".sv": "timestamp"}, false},
		{"bool", true, true},
		{"nan", math.NaN(), true},
		{"infinity", math.Inf(1), true},
		{"object", map[string]any{"a": 1.0}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidatePriority(tt.in)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ValidatePriority(%v) error = %v, wantErr %v", tt.in, err, tt.wantErr)
			}
			if err != nil && !errors.Is(err, ErrInvalidPriority) {
				t.Errorf("ValidatePriority(%v) error = %v, want ErrInvalidPriority", tt.in, err)
			}
		})
	}
}

func TestValidateData(t *testing.T) {
	tests := []struct {
		name    string
		in      any
		wantErr error
	}{
		{"object", map[string]any{"a": 1.0, "b": []any{"x", true}, ".priority": 2.0}, nil},
		{"value with priority", map[string]any{".value": "x", ".priority": 1.0}, nil},
		{"server value", map[string]any{".sv": "timestamp"}, nil},
		{"bad key", map[string]any{"a.b": 1.0}, ErrInvalidKey},
		{"nested bad key", map[string]any{"a": map[string]any{"$x": 1.0}}, ErrInvalidKey},
		{"value and children", map[string]any{".value": 1.0, "a": 2.0}, ErrValueWithChildren},
		{"bad priority", map[string]any{".priority": true}, ErrInvalidPriority},
		{"nan", math.NaN(), ErrInvalidData},
		{"func", func() {}, ErrInvalidData},
		{"huge leaf", strings.Repeat("x", MaxLeafSize+1), ErrLeafTooLarge},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateData(dbpath.New("/root"), tt.in)
			if !errors.Is(err, tt.wantErr) || (tt.wantErr == nil && err != nil) {
				t.Errorf("ValidateData() = %v, want %v", err, tt.wantErr)
			}
		})
	}
}

func TestValidateMerge(t *testing.T) {
	tests := []struct {
		name    string
		in      map[string]any
		wantErr error
	}{
		{"siblings", map[string]any{"a": 1.0, "b/c": 2.0}, nil},
		{"priority leaf", map[string]any{"a/.priority": 1.0, "b": 2.0}, nil},
		{"ancestor", map[string]any{"a": 1.0, "a/b": 2.0}, ErrAncestorMergePath},
		{"priority in the middle", map[string]any{".priority/a": 1.0}, ErrInvalidKey},
		{"bad segment", map[string]any{"a/b#": 1.0}, ErrInvalidKey},
		{"bad priority", map[string]any{"a/.priority": false}, ErrInvalidPriority},
		{"bad value", map[string]any{"a": map[string]any{".value": 1.0, "b": 1.0}}, ErrValueWithChildren},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateMerge(dbpath.New("/root"), tt.in)
			if !errors.Is(err, tt.wantErr) || (tt.wantErr == nil && err != nil) {
				t.Errorf("ValidateMerge() = %v, want %v", err, tt.wantErr)
			}
		})
	}
}
