package eventloop

import (
	"errors"
	"fmt"
)

// Standard errors.
var (
	// ErrLoopAlreadyRunning is returned when Run is called on a loop that is already running.
	ErrLoopAlreadyRunning = errors.New("eventloop: loop is already running")

	// ErrLoopTerminated is returned when operations are attempted on a closed loop.
	ErrLoopTerminated = errors.New("eventloop: loop has been terminated")

	// ErrNotOwner is returned when Run is called from a goroutine other than
	// the one that constructed the loop.
	ErrNotOwner = errors.New("eventloop: loop must run on the goroutine that created it")

	// ErrNotInLoop is the panic value raised when a loop-confined method is
	// called from another goroutine.
	ErrNotInLoop = errors.New("eventloop: called outside the loop goroutine")

	// ErrChannelsRemain is returned by Close while user channels are still
	// registered.
	ErrChannelsRemain = errors.New("eventloop: channels still registered")

	ErrChannelNotRegistered = errors.New("eventloop: channel not registered")
	ErrChannelForeignLoop   = errors.New("eventloop: channel belongs to another loop")
)

// PanicError wraps a value recovered from a task, timer or channel callback.
type PanicError struct {
	Value any
}

func (e PanicError) Error() string {
	return "eventloop: recovered panic: " + formatPanic(e.Value)
}

// Unwrap returns the underlying error if the panic value is an error type.
func (e PanicError) Unwrap() error {
	if err, ok := e.Value.(error); ok {
		return err
	}
	return nil
}

func formatPanic(v any) string {
	switch v := v.(type) {
	case error:
		return v.Error()
	case string:
		return v
	default:
		return fmt.Sprint(v)
	}
}
