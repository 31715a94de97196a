package juice

import (
	"sync"

	"github.com/thesyncim/juice/internal/abi"
)

// holder is the callback target of one agent. Engines only ever see its
// registry token, so a late or stray callback resolves to nothing instead
// of a freed object.
type holder struct {
	token   uintptr
	agent   uintptr // native handle, set once create succeeds
	engine  abi.Engine
	backend Backend

	mu      sync.Mutex
	handler Handler
}

// Global callback state
var (
	holdersMu    sync.RWMutex
	holders      = make(map[uintptr]*holder)
	holdersCount uintptr
)

func registerHolder(h Handler) *holder {
	holdersMu.Lock()
	defer holdersMu.Unlock()
	holdersCount++
	hd := &holder{token: holdersCount, handler: h}
	holders[hd.token] = hd
	return hd
}

func unregisterHolder(hd *holder) {
	holdersMu.Lock()
	delete(holders, hd.token)
	holdersMu.Unlock()
}

func lookupHolder(token uintptr) *holder {
	holdersMu.RLock()
	defer holdersMu.RUnlock()
	return holders[token]
}

func (hd *holder) onStateChanged(s State) {
	hd.mu.Lock()
	defer hd.mu.Unlock()
	if hd.handler.StateChanged != nil {
		hd.handler.StateChanged(s)
	}
}

func (hd *holder) onCandidate(sdp string) {
	hd.mu.Lock()
	defer hd.mu.Unlock()
	if hd.handler.Candidate != nil {
		hd.handler.Candidate(sdp)
	}
}

func (hd *holder) onGatheringDone() {
	hd.mu.Lock()
	defer hd.mu.Unlock()
	if hd.handler.GatheringDone != nil {
		hd.handler.GatheringDone()
	}
}

func (hd *holder) onRecv(data []byte) {
	hd.mu.Lock()
	defer hd.mu.Unlock()
	if hd.handler.Recv != nil {
		hd.handler.Recv(data)
	}
}
