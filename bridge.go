package juice

import (
	"go.uber.org/zap"

	"github.com/thesyncim/juice/internal/abi"
)

// bridge is the callback table handed to every engine. The same pointer is
// used for all agents so purego registers each trampoline only once.
var bridge = &abi.Callbacks{
	StateChanged:  onStateChanged,
	Candidate:     onCandidate,
	GatheringDone: onGatheringDone,
	Recv:          onRecv,
}

// deliver resolves the holder for token. Unknown tokens belong to agents
// whose construction failed or that are being torn down.
func deliver(event string, token uintptr) *holder {
	hd := lookupHolder(token)
	if hd == nil {
		callbacksDropped.WithLabelValues("unknown_agent").Inc()
		return nil
	}
	callbacksTotal.WithLabelValues(event).Inc()
	return hd
}

// recoverCallback keeps an application panic from unwinding into the engine.
func recoverCallback(event string, token uintptr) {
	if r := recover(); r != nil {
		callbacksDropped.WithLabelValues("panic").Inc()
		Logger().Error("handler panicked",
			zap.String("event", event),
			zap.Uintptr("agent", token),
			zap.Any("panic", r))
	}
}

func onStateChanged(_ uintptr, state int32, user uintptr) {
	defer recoverCallback("state_changed", user)
	hd := deliver("state_changed", user)
	if hd == nil {
		return
	}
	s, err := stateFromCode(state)
	if err != nil {
		callbacksDropped.WithLabelValues("bad_state").Inc()
		Logger().Warn("dropping state change", zap.Uintptr("agent", user), zap.Error(err))
		return
	}
	hd.onStateChanged(s)
}

func onCandidate(_ uintptr, sdp string, user uintptr) {
	defer recoverCallback("candidate", user)
	if hd := deliver("candidate", user); hd != nil {
		hd.onCandidate(sdp)
	}
}

func onGatheringDone(_, user uintptr) {
	defer recoverCallback("gathering_done", user)
	if hd := deliver("gathering_done", user); hd != nil {
		hd.onGatheringDone()
	}
}

func onRecv(_ uintptr, data []byte, user uintptr) {
	defer recoverCallback("recv", user)
	if hd := deliver("recv", user); hd != nil {
		hd.onRecv(data)
	}
}
