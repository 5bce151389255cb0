package solver

import "errors"

// Sentinel errors shared by the dispatcher, runner, pool and stores. Callers
// match them with errors.Is; producers wrap them with context.
var (
	// ErrValidation marks a submission missing required fields.
	ErrValidation = errors.New("validation failed")
	// ErrUnknownTask marks a lookup for an id the store has never seen.
	ErrUnknownTask = errors.New("unknown task")
	// ErrInteractionTimeout marks an interaction loop that ran out of attempts.
	ErrInteractionTimeout = errors.New("interaction attempts exhausted")
	// ErrSession marks a failure setting up or driving a browser session.
	ErrSession = errors.New("browser session failed")
	// ErrPoolInit marks a worker that could not be constructed at startup.
	ErrPoolInit = errors.New("worker pool initialization failed")
	// ErrStoreIO marks a failure reading or writing durable result state.
	ErrStoreIO = errors.New("result store io failed")
	// ErrAlreadyResolved marks a second terminal write for the same task.
	ErrAlreadyResolved = errors.New("task already resolved")
	// ErrEngineUnsupported marks an engine kind with no automation adapter.
	ErrEngineUnsupported = errors.New("engine kind not supported")
)
