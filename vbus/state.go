// Package vbus implements the device registry layered on the vbstore
// client. Every device publishes its own state under its store node and
// follows the state its peer (the otherend) publishes.
package vbus

import (
	"fmt"
	"strconv"
	"strings"
)

// State is the published state of one side of a device.
type State int

const (
	StateUnknown State = iota
	StateInitialising
	StateInitWait
	StateInitialised
	StateConnected
	StateClosing
	StateClosed
	StateReconfiguring
	StateReconfigured
	StateSuspending
	StateSuspended
	StateResuming
)

var stateNames = [...]string{
	StateUnknown:       "Unknown",
	StateInitialising:  "Initialising",
	StateInitWait:      "InitWait",
	StateInitialised:   "Initialised",
	StateConnected:     "Connected",
	StateClosing:       "Closing",
	StateClosed:        "Closed",
	StateReconfiguring: "Reconfiguring",
	StateReconfigured:  "Reconfigured",
	StateSuspending:    "Suspending",
	StateSuspended:     "Suspended",
	StateResuming:      "Resuming",
}

func (s State) String() string {
	if s >= 0 && int(s) < len(stateNames) {
		return stateNames[s]
	}

	return fmt.Sprintf("State(%d)", int(s))
}

// ParseState decodes a state as stored: its decimal number.
func ParseState(v string) (State, error) {
	n, err := strconv.Atoi(strings.TrimRight(v, "\x00"))
	if err != nil {
		return StateUnknown, fmt.Errorf("state %q: %w", v, err)
	}

	if n < 0 || n >= len(stateNames) {
		return StateUnknown, fmt.Errorf("state %d: %w", n, ErrBadState)
	}

	return State(n), nil
}
