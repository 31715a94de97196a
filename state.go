package juice

import (
	"fmt"

	"github.com/thesyncim/juice/internal/abi"
)

// State is the ICE connection state of an Agent.
type State int

const (
	StateDisconnected State = iota
	StateGathering
	StateConnecting
	StateConnected
	StateCompleted
	StateFailed
)

var stateNames = [...]string{
	StateDisconnected: "disconnected",
	StateGathering:    "gathering",
	StateConnecting:   "connecting",
	StateConnected:    "connected",
	StateCompleted:    "completed",
	StateFailed:       "failed",
}

func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return fmt.Sprintf("state(%d)", int(s))
	}
	return stateNames[s]
}

// stateFromCode decodes a juice_state_t.
func stateFromCode(code int32) (State, error) {
	if code < abi.StateDisconnected || code > abi.StateFailed {
		return 0, fmt.Errorf("juice: unknown state code %d", code)
	}
	return State(code), nil
}
