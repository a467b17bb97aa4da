package domain

import "errors"

var (
	// ErrValidation signals malformed input: missing breakdown, unknown key, negative or non-numeric amount.
	ErrValidation = errors.New("shipping change: validation failed")
	// ErrPatch is returned when the order API rejects or fails a patch. The cause is logged, never wrapped.
	ErrPatch = errors.New("order could not be patched")
	// ErrInvariant signals an internal contract breach such as an unknown patch path or a second apply.
	ErrInvariant = errors.New("shipping change: invariant violation")
	// ErrConfiguration signals a missing host collaborator, such as the reject action.
	ErrConfiguration = errors.New("shipping change: configuration error")
)
