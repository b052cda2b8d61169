package engine

import "errors"

// Rejection kinds. Every public entry point is validate-then-commit: these
// are all raised before any state mutation, so a rejected transaction leaves
// the engine byte-identical to before it arrived.
var (
	ErrValidation         = errors.New("validation failed")
	ErrInsufficientMargin = errors.New("insufficient margin")
	ErrNotAuthorized      = errors.New("not authorized")
	ErrAlreadyTerminal    = errors.New("order already terminal")
	ErrStaleOracle        = errors.New("stale oracle price")
	ErrSpreadViolation    = errors.New("price outside oracle spread bounds")
	ErrDuplicateOrder     = errors.New("duplicate order")
)
