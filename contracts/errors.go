package contracts

import "errors"

var (
	// ErrMalformedEnvelope indicates a wire body that cannot be decoded or
	// lacks a required field. Malformed messages are never retried.
	ErrMalformedEnvelope = errors.New("contracts: malformed envelope")
)
