package validation

import "errors"

var (
	// ErrInvalidKey indicates a key that is empty or holds one of . # $ [ ] / or a control character
	ErrInvalidKey = errors.New("invalid key")

	// ErrInvalidPath indicates a path string with forbidden characters, too many segments or too many bytes
	ErrInvalidPath = errors.New("invalid path")

	// ErrLeafTooLarge indicates a string leaf longer than MaxLeafSize bytes
	ErrLeafTooLarge = errors.New("leaf value too large")

	// ErrValueWithChildren indicates an object carrying both ".value" and ordinary children
	ErrValueWithChildren = errors.New(".value cannot be combined with children")

	// ErrInvalidPriority indicates a priority that is not null, a finite number, a string or a server value
	ErrInvalidPriority = errors.New("invalid priority")

	// ErrInvalidData indicates a value with no JSON representation (NaN, functions, channels, ...)
	ErrInvalidData = errors.New("invalid data")

	// ErrReadOnlyPath indicates a write under /.info
	ErrReadOnlyPath = errors.New("path is read-only")

	// ErrAncestorMergePath indicates an update whose keys contain both a path and one of its ancestors
	ErrAncestorMergePath = errors.New("update contains a path and its ancestor")
)
