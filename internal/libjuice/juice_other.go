//go:build !darwin && !linux

package libjuice

import (
	"fmt"
	"runtime"

	"github.com/thesyncim/juice/internal/abi"
)

// Open always fails: the runtime loader only supports darwin and linux.
func Open() (abi.Engine, error) {
	return nil, fmt.Errorf("%w: unsupported on %s", ErrLibraryNotFound, runtime.GOOS)
}

func (engine) Create(*abi.AgentConfig) uintptr { return 0 }
func (engine) Destroy(uintptr) {}
func (engine) GatherCandidates(uintptr) int32 { return abi.ErrNotAvail }
func (engine) LocalDescription(uintptr, []byte) int32 { return abi.ErrNotAvail }
func (engine) SetRemoteDescription(uintptr, []byte) int32 { return abi.ErrNotAvail }
func (engine) AddRemoteCandidate(uintptr, []byte) int32 { return abi.ErrNotAvail }
func (engine) SetRemoteGatheringDone(uintptr) int32 { return abi.ErrNotAvail }
func (engine) Send(uintptr, []byte) int32 { return abi.ErrNotAvail }
func (engine) State(uintptr) int32 { return abi.StateFailed }
func (engine) SelectedCandidates(uintptr, []byte, []byte) int32 { return abi.ErrNotAvail }
func (engine) SelectedAddresses(uintptr, []byte, []byte) int32 { return abi.ErrNotAvail }
func (engine) ServerCreate(*abi.ServerConfig) uintptr { return 0 }
func (engine) ServerDestroy(uintptr) {}
func (engine) ServerPort(uintptr) uint16 { return 0 }
func (engine) ServerAddCredentials(uintptr, *abi.ServerCredentials, uint64) int32 {
	return abi.ErrNotAvail
}
func (engine) SetLogLevel(abi.LogLevel) {}
func (engine) SetLogHandler(abi.LogHandler) {}
