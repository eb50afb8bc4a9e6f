package sessionpool

import "github.com/pkg/errors"

var (
	// ErrEngineUnavailable is returned when the engine could not provide a base session.
	// The pool stays in a degraded state and every Acquire fails fast with it.
	ErrEngineUnavailable = errors.New("sessionpool: inference engine unavailable")
	// ErrPoolUnavailable is returned by Acquire before Init and after Shutdown.
	ErrPoolUnavailable = errors.New("sessionpool: pool not initialized or shut down")
)
