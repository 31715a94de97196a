//go:build (darwin || linux) && cgo && juicecgo

package libjuice

/*
#include <juice/juice.h>
*/
import "C"

import (
	"unsafe"

	"github.com/thesyncim/juice/internal/abi"
)

//export juiceGoStateChanged
func juiceGoStateChanged(agent *C.juice_agent_t, state C.juice_state_t, user unsafe.Pointer) {
	if cb := tableFor(user); cb != nil && cb.StateChanged != nil {
		cb.StateChanged(uintptr(unsafe.Pointer(agent)), int32(state), uintptr(user))
	}
}

//export juiceGoCandidate
func juiceGoCandidate(agent *C.juice_agent_t, sdp *C.char, user unsafe.Pointer) {
	if cb := tableFor(user); cb != nil && cb.Candidate != nil {
		cb.Candidate(uintptr(unsafe.Pointer(agent)), C.GoString(sdp), uintptr(user))
	}
}

//export juiceGoGatheringDone
func juiceGoGatheringDone(agent *C.juice_agent_t, user unsafe.Pointer) {
	if cb := tableFor(user); cb != nil && cb.GatheringDone != nil {
		cb.GatheringDone(uintptr(unsafe.Pointer(agent)), uintptr(user))
	}
}

//export juiceGoRecv
func juiceGoRecv(agent *C.juice_agent_t, data *C.char, size C.size_t, user unsafe.Pointer) {
	if cb := tableFor(user); cb != nil && cb.Recv != nil {
		var buf []byte
		if data != nil && size > 0 {
			buf = unsafe.Slice((*byte)(unsafe.Pointer(data)), int(size))
		}
		cb.Recv(uintptr(unsafe.Pointer(agent)), buf, uintptr(user))
	}
}

//export juiceGoLog
func juiceGoLog(level C.juice_log_level_t, message *C.char) {
	if fn := logHandler.Load(); fn != nil {
		fn(abi.LogLevel(level), C.GoString(message))
	}
}
