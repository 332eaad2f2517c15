// Package ports hands out local TCP ports to worker processes.
//
// Each live worker holds exactly one port from the configured range; the
// allocator guarantees no port is held twice.
package ports

import (
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"
)

var (
	// ErrExhausted is returned when every port in the range is held.
	ErrExhausted = errors.New("ports: range exhausted")

	// ErrInvalidRange is returned by New for an empty or out-of-bounds range.
	ErrInvalidRange = errors.New("ports: invalid range")
)

// Allocator assigns the lowest free port in an inclusive range.
// All methods are safe for concurrent use.
type Allocator struct {
	min, max int

	mu   sync.Mutex
	held map[int]struct{}

	// probe reports whether a port is free at the OS level. Nil skips the check.
	probe func(port int) bool
}

// Option configures an Allocator.
type Option func(*Allocator)

// WithProbeBind makes Allocate skip ports another process has already bound.
func WithProbeBind() Option {
	return func(a *Allocator) { a.probe = canBind }
}

// New creates an allocator over [min, max].
func New(min, max int, opts ...Option) (*Allocator, error) {
	if min < 1 || max > 65535 || min > max {
		return nil, fmt.Errorf("%w: %d-%d", ErrInvalidRange, min, max)
	}
	a := &Allocator{
		min:  min,
		max:  max,
		held: make(map[int]struct{}),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a, nil
}

// Allocate reserves and returns the lowest free port.
func (a *Allocator) Allocate() (int, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	for p := a.min; p <= a.max; p++ {
		if _, taken := a.held[p]; taken {
			continue
		}
		if a.probe != nil && !a.probe(p) {
			continue
		}
		a.held[p] = struct{}{}
		return p, nil
	}
	return 0, ErrExhausted
}

// Release returns a port to the pool. Releasing a free port is a no-op.
func (a *Allocator) Release(port int) {
	a.mu.Lock()
	delete(a.held, port)
	a.mu.Unlock()
}

// InUse returns the number of held ports.
func (a *Allocator) InUse() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.held)
}

// Capacity returns the size of the range.
func (a *Allocator) Capacity() int {
	return a.max - a.min + 1
}

func canBind(port int) bool {
	l, err := net.Listen("tcp", net.JoinHostPort("127.0.0.1", strconv.Itoa(port)))
	if err != nil {
		return false
	}
	l.Close() //nolint:errcheck // probe only
	return true
}
