//go:build linux

package instrument

import "context"

// Instrument is the uniform lifecycle contract the CLI layer drives.
// Calls must follow setup, run, collect; teardown is safe at any point
// after construction, including after a failure.
type Instrument interface {
	Setup(ctx context.Context) error
	Run(ctx context.Context) error
	Collect(ctx context.Context) (*RunResult, error)
	Teardown() error
	State() State
}

// New builds the instrument variant for kind.
func New(kind Kind, ectx *ExecutionContext) Instrument {
	switch kind {
	case KindValgrind:
		return NewValgrind(ectx)
	case KindMemory:
		return NewMemory(ectx)
	default:
		return NewWalltime(ectx)
	}
}
