package juice

import (
	"net/netip"
	"runtime"
	"sync"

	"go.uber.org/zap"

	"github.com/thesyncim/juice/internal/abi"
)

// Builder configures and creates an Agent. Setters only affect the builder.
type Builder struct {
	handler Handler
	config  agentConfig
	backend Backend
}

// NewBuilder returns a builder using the default STUN server, no TURN
// servers, engine-chosen ports and ConcurrencyPoll.
func NewBuilder(h Handler) *Builder {
	return &Builder{handler: h, config: defaultAgentConfig()}
}

// SetStunServer replaces the STUN server.
func (b *Builder) SetStunServer(host string, port uint16) error {
	buf, err := cString("stun server host", host)
	if err != nil {
		return err
	}
	b.config.stun = stunServer{host: buf, port: port}
	return nil
}

// AddTurnServer appends a TURN relay.
func (b *Builder) AddTurnServer(host string, port uint16, username, password string) error {
	h, err := cString("turn server host", host)
	if err != nil {
		return err
	}
	u, err := cString("turn server username", username)
	if err != nil {
		return err
	}
	p, err := cString("turn server password", password)
	if err != nil {
		return err
	}
	b.config.turn = append(b.config.turn, turnServer{host: h, username: u, password: p, port: port})
	return nil
}

// SetBindAddress restricts the agent to one local address.
func (b *Builder) SetBindAddress(addr netip.Addr) {
	b.config.bind = addrString(addr)
}

// SetPortRange restricts local UDP ports. (0, 0) lets the engine choose.
func (b *Builder) SetPortRange(begin, end uint16) {
	b.config.portBegin, b.config.portEnd = begin, end
}

// SetConcurrencyMode selects how the engine schedules the agent's I/O and
// callbacks. The default is ConcurrencyPoll.
func (b *Builder) SetConcurrencyMode(m ConcurrencyMode) {
	b.config.mode = m
}

// SetBackend selects the engine. The default is BackendAuto.
func (b *Builder) SetBackend(backend Backend) {
	b.backend = backend
}

// Build creates the agent. On failure no handler callback is ever invoked.
func (b *Builder) Build() (*Agent, error) {
	e, backend, err := b.backend.engine()
	if err != nil {
		return nil, err
	}

	hd := registerHolder(b.handler)
	hd.engine = e
	hd.backend = backend

	agent := e.Create(b.config.marshal(hd.token))
	if agent == 0 {
		unregisterHolder(hd)
		nativeErrors.WithLabelValues("create", ErrFailed.label()).Inc()
		return nil, ErrFailed
	}
	hd.agent = agent

	a := &Agent{holder: hd}
	agentsActive.Inc()
	runtime.SetFinalizer(a, (*Agent).Close)
	Logger().Debug("agent created",
		zap.Uintptr("agent", hd.token),
		zap.String("backend", backend.String()),
		zap.Stringer("mode", b.config.mode))
	return a, nil
}

// Agent is an ICE agent. All methods are safe for concurrent use, including
// from handler callbacks (except Close).
type Agent struct {
	holder *holder

	// mu is held for reading around engine calls so Close waits for them.
	mu     sync.RWMutex
	closed bool
}

// Backend returns the engine serving the agent.
func (a *Agent) Backend() Backend { return a.holder.backend }

// do runs fn against the live native handle, or fails with ErrFailed after
// Close.
func (a *Agent) do(op string, fn func(e abi.Engine, h uintptr) int32) error {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.closed {
		return ErrFailed
	}
	return check(op, fn(a.holder.engine, a.holder.agent))
}

// State returns the current connection state.
func (a *Agent) State() State {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.closed {
		return StateDisconnected
	}
	s, err := stateFromCode(a.holder.engine.State(a.holder.agent))
	if err != nil {
		panic(err)
	}
	return s
}

// LocalDescription returns the local SDP description. If the ICE role is
// not known yet, calling it makes this agent controlling.
func (a *Agent) LocalDescription() (string, error) {
	buf := make([]byte, abi.MaxSDPStringLen)
	err := a.do("get_local_description", func(e abi.Engine, h uintptr) int32 {
		return e.LocalDescription(h, buf)
	})
	if err != nil {
		return "", err
	}
	return abi.GoString(buf), nil
}

// GatherCandidates starts gathering. It does not wait; candidates arrive
// through Handler.Candidate and completion through Handler.GatheringDone.
func (a *Agent) GatherCandidates() error {
	return a.do("gather_candidates", func(e abi.Engine, h uintptr) int32 {
		return e.GatherCandidates(h)
	})
}

// SetRemoteDescription sets the remote SDP description. If the ICE role is
// not known yet, calling it makes this agent controlled.
func (a *Agent) SetRemoteDescription(sdp string) error {
	buf, err := cString("remote description", sdp)
	if err != nil {
		return err
	}
	return a.do("set_remote_description", func(e abi.Engine, h uintptr) int32 {
		return e.SetRemoteDescription(h, buf)
	})
}

// AddRemoteCandidate adds one trickled remote candidate.
func (a *Agent) AddRemoteCandidate(sdp string) error {
	buf, err := cString("remote candidate", sdp)
	if err != nil {
		return err
	}
	return a.do("add_remote_candidate", func(e abi.Engine, h uintptr) int32 {
		return e.AddRemoteCandidate(h, buf)
	})
}

// SetRemoteGatheringDone signals that the remote peer finished gathering.
// Once local gathering is done too, the agent fails as soon as every
// candidate pair has failed.
func (a *Agent) SetRemoteGatheringDone() error {
	return a.do("set_remote_gathering_done", func(e abi.Engine, h uintptr) int32 {
		return e.SetRemoteGatheringDone(h)
	})
}

// Send sends one datagram over the selected candidate pair.
func (a *Agent) Send(data []byte) error {
	return a.do("send", func(e abi.Engine, h uintptr) int32 {
		return e.Send(h, data)
	})
}

// SelectedCandidates returns the selected local and remote candidates in
// SDP attribute form.
func (a *Agent) SelectedCandidates() (local, remote string, err error) {
	l := make([]byte, abi.MaxCandidateSDPStringLen)
	r := make([]byte, abi.MaxCandidateSDPStringLen)
	err = a.do("get_selected_candidates", func(e abi.Engine, h uintptr) int32 {
		return e.SelectedCandidates(h, l, r)
	})
	if err != nil {
		return "", "", err
	}
	return abi.GoString(l), abi.GoString(r), nil
}

// SelectedAddresses returns the selected local and remote transport
// addresses.
func (a *Agent) SelectedAddresses() (local, remote string, err error) {
	l := make([]byte, abi.MaxAddressStringLen)
	r := make([]byte, abi.MaxAddressStringLen)
	err = a.do("get_selected_addresses", func(e abi.Engine, h uintptr) int32 {
		return e.SelectedAddresses(h, l, r)
	})
	if err != nil {
		return "", "", err
	}
	return abi.GoString(l), abi.GoString(r), nil
}

// Close destroys the agent. When it returns no handler callback is running
// or will run. It is safe to call more than once, but not from one of the
// agent's own callbacks.
func (a *Agent) Close() error {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return nil
	}
	a.closed = true
	a.mu.Unlock()
	runtime.SetFinalizer(a, nil)

	hd := a.holder
	hd.engine.Destroy(hd.agent)
	unregisterHolder(hd)
	agentsActive.Dec()
	Logger().Debug("agent closed", zap.Uintptr("agent", hd.token))
	return nil
}
