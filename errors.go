package juice

import (
	"fmt"

	"github.com/thesyncim/juice/internal/abi"
)

// Error is a libjuice failure class. Every error returned by this package
// matches exactly one of the values below with errors.Is.
type Error int

const (
	// ErrInvalidArgument: a parameter was rejected, by this package (for
	// example a string with an embedded NUL) or by the engine.
	ErrInvalidArgument Error = iota + 1
	// ErrFailed: the engine could not complete the operation, or the handle
	// is already closed.
	ErrFailed
	// ErrNotAvailable: the operation is not possible in the current state,
	// for example sending before a candidate pair is selected.
	ErrNotAvailable
)

func (e Error) Error() string {
	switch e {
	case ErrInvalidArgument:
		return "juice: invalid argument"
	case ErrFailed:
		return "juice: failed"
	case ErrNotAvailable:
		return "juice: not available"
	default:
		return fmt.Sprintf("juice: error %d", int(e))
	}
}

// resultFromCode maps a libjuice return code. A code outside the documented
// set means the engine broke its contract and panics.
func resultFromCode(code int32) error {
	switch code {
	case abi.OK:
		return nil
	case abi.ErrInvalid:
		return ErrInvalidArgument
	case abi.ErrFailed:
		return ErrFailed
	case abi.ErrNotAvail:
		return ErrNotAvailable
	default:
		panic(fmt.Sprintf("juice: engine returned undocumented code %d", code))
	}
}

// check maps code and records failures per operation.
func check(op string, code int32) error {
	err := resultFromCode(code)
	if err != nil {
		nativeErrors.WithLabelValues(op, err.(Error).label()).Inc()
	}
	return err
}

func (e Error) label() string {
	switch e {
	case ErrInvalidArgument:
		return "invalid"
	case ErrFailed:
		return "failed"
	case ErrNotAvailable:
		return "not_available"
	default:
		return "unknown"
	}
}
