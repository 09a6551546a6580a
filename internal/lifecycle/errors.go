package lifecycle

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Sentinel errors for the lifecycle taxonomy.
var (
	ErrBindFailure            = errors.New("listener bind failed")
	ErrListenerFault          = errors.New("listener serve loop fault")
	ErrManagerShutdownFailure = errors.New("manager shutdown failed")
	ErrManagerShutdownTimeout = errors.New("manager shutdown timed out")
	ErrAwaitTimeout           = errors.New("timed out waiting for shutdown report")
	ErrDuplicateRegistration  = errors.New("manager already registered")
	ErrRegistryClosed         = errors.New("registry closed: shutdown already started")
	ErrShutdownStarted        = errors.New("shutdown already started")
	ErrInvalidPhase           = errors.New("phase must be >= 0")
	ErrNotBound               = errors.New("listener not bound")
	ErrAlreadyDrained         = errors.New("listener already drained")
	ErrInvalidConfig          = errors.New("invalid lifecycle configuration")
	ErrAlreadyStarted         = errors.New("orchestrator already started")
)

// BindError is returned by Bind and Orchestrator.Start when the listener
// could not be brought up.
type BindError struct {
	Addr    string
	Timeout time.Duration // non-zero when the transport factory did not answer in time
	Err     error
}

func (e *BindError) Error() string {
	if e.Timeout > 0 {
		return fmt.Sprintf("bind %s: no answer from transport after %s", e.Addr, e.Timeout)
	}
	return fmt.Sprintf("bind %s: %v", e.Addr, e.Err)
}

func (e *BindError) Unwrap() []error {
	if e.Err == nil {
		return []error{ErrBindFailure}
	}
	return []error{ErrBindFailure, e.Err}
}

// ShutdownError is returned by Registry.ShutdownAll when at least one
// manager did not complete. Results holds every entry, not only the failures.
type ShutdownError struct {
	Results []ManagerResult
}

func (e *ShutdownError) Error() string {
	var failed []string
	for _, r := range e.Results {
		if !r.Outcome.OK() {
			failed = append(failed, fmt.Sprintf("%s: %s", r.Name, r.Outcome))
		}
	}
	return fmt.Sprintf("%d of %d managers did not shut down cleanly (%s)",
		len(failed), len(e.Results), strings.Join(failed, "; "))
}

// Failed returns the names of managers that did not complete.
func (e *ShutdownError) Failed() []string {
	var names []string
	for _, r := range e.Results {
		if !r.Outcome.OK() {
			names = append(names, r.Name)
		}
	}
	return names
}

func (e *ShutdownError) Unwrap() []error {
	var errs []error
	var failed, timedOut bool
	for _, r := range e.Results {
		switch r.Outcome.Status {
		case StatusFailed, StatusPanicked:
			failed = true
			if r.Outcome.Err != nil {
				errs = append(errs, r.Outcome.Err)
			}
		case StatusTimedOut:
			timedOut = true
		}
	}
	if failed {
		errs = append(errs, ErrManagerShutdownFailure)
	}
	if timedOut {
		errs = append(errs, ErrManagerShutdownTimeout)
	}
	return errs
}
