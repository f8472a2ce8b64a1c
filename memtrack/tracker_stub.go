//go:build !linux

package memtrack

import "errors"

// ErrUnsupported reports that allocation tracking needs Linux.
var ErrUnsupported = errors.New("memtrack: allocation tracking requires linux")

// Config selects the probe object and the instrumented allocator.
type Config struct {
	ObjectPath string
	LibCPath   string
}

// Tracker is unavailable on this platform.
type Tracker struct{}

func NewTracker(Config) (*Tracker, error) { return nil, ErrUnsupported }
func (*Tracker) Track(int32) error        { return ErrUnsupported }
func (*Tracker) Untrack(int32) error      { return ErrUnsupported }
func (*Tracker) Hierarchy() *Hierarchy    { return nil }
func (*Tracker) Close()                   {}
