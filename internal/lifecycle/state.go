// Package lifecycle runs worker versions through install and activation.
package lifecycle

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
)

type State int

const (
	StateParsed State = iota
	StateInstalling
	StateInstalled
	StateActivating
	StateActivated
	StateRedundant
)

func (s State) String() string {
	switch s {
	case StateParsed:
		return "parsed"
	case StateInstalling:
		return "installing"
	case StateInstalled:
		return "installed"
	case StateActivating:
		return "activating"
	case StateActivated:
		return "activated"
	case StateRedundant:
		return "redundant"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

func (s State) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

func (s *State) UnmarshalText(b []byte) error {
	for st := StateParsed; st <= StateRedundant; st++ {
		if st.String() == string(b) {
			*s = st
			return nil
		}
	}
	return fmt.Errorf("lifecycle: unknown state %q", b)
}

// Hooks are the worker's install and activate handlers. Each returns once
// the work it started has settled.
type Hooks interface {
	Install(ctx context.Context) error
	Activate(ctx context.Context) error
}

// Version is one deployed worker instance.
type Version struct {
	ID    string
	hooks Hooks

	mu    sync.Mutex
	state State

	skipWaiting atomic.Bool
}

func NewVersion(id string, hooks Hooks) *Version {
	return &Version{ID: id, hooks: hooks}
}

func (v *Version) State() State {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.state
}

func (v *Version) Hooks() Hooks { return v.hooks }

func (v *Version) setState(s State) {
	v.mu.Lock()
	v.state = s
	v.mu.Unlock()
}
