// Package libjuice binds the native libjuice library to the abi.Engine
// contract.
//
// By default the library is loaded at runtime with purego (CGO_ENABLED=0
// works). Building with -tags juicecgo links it with cgo through pkg-config
// instead. Set JUICE_LIB_PATH to the exact library file or JUICE_LIB_DIR to
// the directory holding it.
package libjuice

import (
	"errors"

	"github.com/thesyncim/juice/internal/abi"
)

// ErrLibraryNotFound is returned by Open when no candidate path loads.
var ErrLibraryNotFound = errors.New("libjuice: library not found")

// Available reports whether libjuice can be used in this process.
func Available() bool {
	_, err := Open()
	return err == nil
}

var _ abi.Engine = engine{}

// engine is stateless; everything lives in the native library.
type engine struct{}

func (engine) Name() string { return "libjuice" }
