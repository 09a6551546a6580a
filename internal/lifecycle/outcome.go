package lifecycle

import (
	"errors"
	"fmt"
)

// Status classifies how a component finished shutting down.
type Status int

const (
	StatusCompleted Status = iota
	StatusFailed
	StatusTimedOut
	StatusPanicked
)

// String returns the lowercase label used in logs and metrics.
func (s Status) String() string {
	switch s {
	case StatusCompleted:
		return "completed"
	case StatusFailed:
		return "failed"
	case StatusTimedOut:
		return "timed_out"
	case StatusPanicked:
		return "panicked"
	default:
		return "unknown"
	}
}

// Outcome is the result of shutting down one component.
type Outcome struct {
	Status Status
	Err    error
}

// Completed reports a clean shutdown.
func Completed() Outcome { return Outcome{Status: StatusCompleted} }

// Failed reports a shutdown that returned err.
func Failed(err error) Outcome {
	if err == nil {
		err = errors.New("unspecified failure")
	}
	return Outcome{Status: StatusFailed, Err: err}
}

// TimedOut reports a component that did not finish within its deadline.
func TimedOut(err error) Outcome { return Outcome{Status: StatusTimedOut, Err: err} }

// Panicked reports a component whose shutdown or serve loop panicked.
func Panicked(reason any) Outcome {
	if err, ok := reason.(error); ok {
		return Outcome{Status: StatusPanicked, Err: fmt.Errorf("panic: %w", err)}
	}
	return Outcome{Status: StatusPanicked, Err: fmt.Errorf("panic: %v", reason)}
}

// OK reports whether the outcome is Completed.
func (o Outcome) OK() bool { return o.Status == StatusCompleted }

func (o Outcome) String() string {
	if o.Err == nil {
		return o.Status.String()
	}
	return fmt.Sprintf("%s (%v)", o.Status, o.Err)
}
