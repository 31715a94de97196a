package juice

import "github.com/thesyncim/juice/internal/abi"

// ConcurrencyMode selects how the engine schedules agent I/O and callbacks.
type ConcurrencyMode uint8

const (
	ConcurrencyPoll   ConcurrencyMode = iota // one shared thread for all agents (default)
	ConcurrencyMux                           // shared thread and a single shared UDP socket
	ConcurrencyThread                        // one thread per agent
)

func (m ConcurrencyMode) String() string {
	switch m {
	case ConcurrencyPoll:
		return "poll"
	case ConcurrencyMux:
		return "mux"
	case ConcurrencyThread:
		return "thread"
	default:
		return "unknown"
	}
}

func (m ConcurrencyMode) native() abi.ConcurrencyMode {
	switch m {
	case ConcurrencyMux:
		return abi.ConcurrencyMux
	case ConcurrencyThread:
		return abi.ConcurrencyThread
	default:
		return abi.ConcurrencyPoll
	}
}
