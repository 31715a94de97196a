package juice

import (
	"fmt"
	"os"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/thesyncim/juice/internal/abi"
	"github.com/thesyncim/juice/internal/libjuice"
	"github.com/thesyncim/juice/internal/pion"
)

// Backend identifies the engine behind agents and servers.
type Backend uint8

const (
	BackendAuto     Backend = iota // JUICE_BACKEND, else libjuice when loadable, else pion
	BackendLibjuice                // native libjuice (purego, or cgo with -tags juicecgo)
	BackendPion                    // pure Go, pion/ice and pion/turn
	backendCount
)

// backendMeta contains static metadata about a backend.
type backendMeta struct {
	Name   string
	Native bool
}

// Static metadata table - indexed by Backend.
var backendInfo = [backendCount]backendMeta{
	BackendAuto:     {"auto", false},
	BackendLibjuice: {"libjuice", true},
	BackendPion:     {"pion", false},
}

// String returns the backend name.
func (b Backend) String() string {
	if b >= backendCount {
		return "unknown"
	}
	return backendInfo[b].Name
}

// Native reports whether the backend calls into a C library.
func (b Backend) Native() bool {
	if b >= backendCount {
		return false
	}
	return backendInfo[b].Native
}

// Available reports whether the backend is usable at runtime.
func (b Backend) Available() bool {
	switch b {
	case BackendAuto, BackendPion:
		return true
	case BackendLibjuice:
		return libjuice.Available()
	default:
		return false
	}
}

// IsLibjuiceAvailable reports whether the native library can be loaded.
func IsLibjuiceAvailable() bool { return BackendLibjuice.Available() }

// ParseBackend parses a backend name as accepted by JUICE_BACKEND.
func ParseBackend(s string) (Backend, error) {
	name := strings.ToLower(strings.TrimSpace(s))
	if name == "" {
		return BackendAuto, nil
	}
	for b := Backend(0); b < backendCount; b++ {
		if backendInfo[b].Name == name {
			return b, nil
		}
	}
	return BackendAuto, fmt.Errorf("juice: unknown backend %q: %w", s, ErrInvalidArgument)
}

// resolve picks the concrete backend for b.
func (b Backend) resolve() (Backend, error) {
	if b != BackendAuto {
		if b >= backendCount {
			return b, fmt.Errorf("juice: backend %d: %w", b, ErrInvalidArgument)
		}
		return b, nil
	}
	if env := os.Getenv("JUICE_BACKEND"); env != "" {
		parsed, err := ParseBackend(env)
		if err != nil {
			return b, err
		}
		if parsed != BackendAuto {
			return parsed, nil
		}
	}
	if libjuice.Available() {
		return BackendLibjuice, nil
	}
	return BackendPion, nil
}

var (
	enginesMu sync.Mutex
	engines   [backendCount]abi.Engine
)

// engine returns the engine serving b, opening it and wiring its native
// log output on first use.
func (b Backend) engine() (abi.Engine, Backend, error) {
	concrete, err := b.resolve()
	if err != nil {
		return nil, b, err
	}

	enginesMu.Lock()
	defer enginesMu.Unlock()
	if e := engines[concrete]; e != nil {
		return e, concrete, nil
	}

	var e abi.Engine
	switch concrete {
	case BackendLibjuice:
		e, err = libjuice.Open()
		if err != nil {
			return nil, concrete, fmt.Errorf("%w: %w", ErrNotAvailable, err)
		}
	case BackendPion:
		e = pion.Shared()
	}
	e.SetLogHandler(nativeLog)
	e.SetLogLevel(nativeLogLevel(Logger()))
	engines[concrete] = e
	Logger().Debug("engine ready", zap.String("backend", concrete.String()))
	return e, concrete, nil
}

// openEngines returns the engines initialized so far.
func openEngines() []abi.Engine {
	enginesMu.Lock()
	defer enginesMu.Unlock()
	var out []abi.Engine
	for _, e := range engines {
		if e != nil {
			out = append(out, e)
		}
	}
	return out
}
