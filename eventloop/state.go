package eventloop

import (
	"sync/atomic"
)

// LoopState represents the lifecycle of a [Loop].
//
//	StateAwake → StateRunning        [Run]
//	StateRunning → StateAwake        [Quit observed, Run returns]
//	StateAwake → StateTerminated     [Close]
//
// A loop may be run again after Run returns, until it is closed.
type LoopState uint32

const (
	// StateAwake indicates the loop exists but is not polling.
	StateAwake LoopState = iota
	// StateRunning indicates Run is executing on the owner goroutine.
	StateRunning
	// StateTerminated indicates the loop's descriptors have been released.
	StateTerminated
)

func (s LoopState) String() string {
	switch s {
	case StateAwake:
		return "Awake"
	case StateRunning:
		return "Running"
	case StateTerminated:
		return "Terminated"
	default:
		return "Unknown"
	}
}

// loopState is an atomic LoopState, supporting CAS transitions.
type loopState struct {
	v atomic.Uint32
}

func (s *loopState) Load() LoopState { return LoopState(s.v.Load()) }

func (s *loopState) Store(state LoopState) { s.v.Store(uint32(state)) }

func (s *loopState) TryTransition(from, to LoopState) bool {
	return s.v.CompareAndSwap(uint32(from), uint32(to))
}
