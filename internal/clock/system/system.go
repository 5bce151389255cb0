// Package system provides the wall clock used to stamp task results and events.
package system

import (
	"time"

	"github.com/JakeFAU/turnstile-solver/internal/solver"
)

var _ solver.Clock = Clock{}

// Clock reports UTC wall time. Readings keep Go's monotonic component, so
// elapsed solve times computed with Sub are immune to wall clock steps.
type Clock struct{}

// New returns the system clock.
func New() Clock {
	return Clock{}
}

// Now returns the current UTC time.
func (Clock) Now() time.Time {
	return time.Now().UTC()
}
