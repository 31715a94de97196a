package pion

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/looplab/fsm"
	"github.com/pion/ice/v4"
	"github.com/pion/logging"
	"github.com/pion/sdp/v3"
	"github.com/pion/stun/v3"

	"github.com/thesyncim/juice/internal/abi"
)

const (
	defaultServerPort = 3478
	receiveMTU        = 65536
	stunGatherTimeout = 3 * time.Second

	// Once both sides are done gathering, checks count as exhausted when
	// every pair stays failed for checkStrikes consecutive ticks.
	checkWatchInterval = 250 * time.Millisecond
	checkStrikes       = 2
)

// fsm states, one per juice_state_t
const (
	stDisconnected = "disconnected"
	stGathering    = "gathering"
	stConnecting   = "connecting"
	stConnected    = "connected"
	stCompleted    = "completed"
	stFailed       = "failed"
)

var stateCodes = map[string]int32{
	stDisconnected: abi.StateDisconnected,
	stGathering:    abi.StateGathering,
	stConnecting:   abi.StateConnecting,
	stConnected:    abi.StateConnected,
	stCompleted:    abi.StateCompleted,
	stFailed:       abi.StateFailed,
}

// fsm events
const (
	evGather     = "gather"
	evConnect    = "connect"
	evConnected  = "connected"
	evComplete   = "complete"
	evDisconnect = "disconnect"
	evFail       = "fail"
)

var agentEvents = fsm.Events{
	{Name: evGather, Src: []string{stDisconnected}, Dst: stGathering},
	{Name: evConnect, Src: []string{stDisconnected, stGathering}, Dst: stConnecting},
	{Name: evConnected, Src: []string{stConnecting}, Dst: stConnected},
	{Name: evComplete, Src: []string{stConnected}, Dst: stCompleted},
	{Name: evDisconnect, Src: []string{stConnected, stCompleted}, Dst: stConnecting},
	{Name: evFail, Src: []string{stDisconnected, stGathering, stConnecting, stConnected, stCompleted}, Dst: stFailed},
}

type role uint8

const (
	roleUnknown role = iota
	roleControlling
	roleControlled
)

type agent struct {
	id         uuid.UUID
	tiebreaker uint64
	handle     uintptr
	user   uintptr
	cb     abi.Callbacks
	engine *Engine
	log    logging.LeveledLogger

	ice     *ice.Agent
	disp    *dispatcher
	mode    abi.ConcurrencyMode
	mux     *sharedMux
	ctx     context.Context
	cancel  context.CancelFunc
	workers sync.WaitGroup

	// stateMu orders transitions so state events are queued in the order
	// they happen.
	stateMu sync.Mutex
	fsm     *fsm.FSM
	state   atomic.Int32

	mu            sync.Mutex
	role          role
	gatherStarted bool
	remoteSet     bool
	conn          *ice.Conn

	gatheringDone       atomic.Bool
	remoteGatheringDone atomic.Bool

	// deliverMu is held while a callback runs; closed is set under it so
	// destroy waits for an in-flight callback and suppresses later ones.
	deliverMu sync.Mutex
	closed    bool
}

func newAgent(e *Engine, h uintptr, cfg *abi.AgentConfig) (*agent, error) {
	a := &agent{
		id:     uuid.New(),
		handle: h,
		user:   cfg.UserPtr,
		engine: e,
		mode:   cfg.ConcurrencyMode,
	}
	if cfg.Callbacks != nil {
		a.cb = *cfg.Callbacks
	}
	a.tiebreaker = binary.BigEndian.Uint64(a.id[:8]) | 1
	a.log = e.newLogger("agent " + a.id.String())
	a.ctx, a.cancel = context.WithCancel(context.Background())
	a.fsm = fsm.NewFSM(stDisconnected, agentEvents, fsm.Callbacks{
		"enter_state": func(_ context.Context, ev *fsm.Event) {
			a.enterState(ev.Dst)
		},
	})

	iceCfg, err := a.iceConfig(cfg)
	if err != nil {
		a.cancel()
		return nil, err
	}

	switch cfg.ConcurrencyMode {
	case abi.ConcurrencyThread:
		a.disp = newDispatcher()
	case abi.ConcurrencyMux:
		m, err := e.acquireMux(abi.GoString(cfg.BindAddress), cfg.LocalPortRangeBegin)
		if err != nil {
			a.cancel()
			return nil, fmt.Errorf("mux socket: %w", err)
		}
		a.mux = m
		iceCfg.UDPMux = m.mux
		iceCfg.UDPMuxSrflx = m.mux
		iceCfg.NetworkTypes = []ice.NetworkType{ice.NetworkTypeUDP4}
		a.disp = e.acquirePoll()
	default:
		a.disp = e.acquirePoll()
	}

	a.ice, err = ice.NewAgent(iceCfg)
	if err != nil {
		a.release()
		a.cancel()
		return nil, err
	}
	if err := a.ice.OnCandidate(a.onCandidate); err != nil {
		_ = a.ice.Close()
		a.release()
		a.cancel()
		return nil, err
	}
	if err := a.ice.OnConnectionStateChange(a.onConnectionState); err != nil {
		_ = a.ice.Close()
		a.release()
		a.cancel()
		return nil, err
	}
	a.log.Debugf("created, mode %d", cfg.ConcurrencyMode)
	return a, nil
}

func (a *agent) iceConfig(cfg *abi.AgentConfig) (*ice.AgentConfig, error) {
	var urls []*stun.URI
	if host := abi.GoString(cfg.StunServerHost); host != "" {
		urls = append(urls, &stun.URI{
			Scheme: stun.SchemeTypeSTUN,
			Host:   host,
			Port:   portOrDefault(cfg.StunServerPort),
			Proto:  stun.ProtoTypeUDP,
		})
	}
	for _, t := range cfg.TurnServers {
		host := abi.GoString(t.Host)
		if host == "" {
			continue
		}
		urls = append(urls, &stun.URI{
			Scheme:   stun.SchemeTypeTURN,
			Host:     host,
			Port:     portOrDefault(t.Port),
			Username: abi.GoString(t.Username),
			Password: abi.GoString(t.Password),
			Proto:    stun.ProtoTypeUDP,
		})
	}

	portMin, portMax := cfg.LocalPortRangeBegin, cfg.LocalPortRangeEnd
	if portMin != 0 && portMax < portMin {
		portMax = 65535
	}

	timeout := stunGatherTimeout
	iceCfg := &ice.AgentConfig{
		Urls:              urls,
		PortMin:           portMin,
		PortMax:           portMax,
		MulticastDNSMode:  ice.MulticastDNSModeDisabled,
		NetworkTypes:      []ice.NetworkType{ice.NetworkTypeUDP4, ice.NetworkTypeUDP6},
		CandidateTypes:    []ice.CandidateType{ice.CandidateTypeHost, ice.CandidateTypeServerReflexive, ice.CandidateTypeRelay},
		LoggerFactory:     a.engine.loggerFactory(),
		IncludeLoopback:   true,
		STUNGatherTimeout: &timeout,
	}

	if bind := abi.GoString(cfg.BindAddress); bind != "" {
		addr, err := netip.ParseAddr(bind)
		if err != nil {
			return nil, fmt.Errorf("bind address %q: %w", bind, err)
		}
		if !addr.IsUnspecified() {
			ip := net.IP(addr.AsSlice())
			iceCfg.IPFilter = func(candidate net.IP) bool { return candidate.Equal(ip) }
		}
	}
	return iceCfg, nil
}

func portOrDefault(p uint16) int {
	if p == 0 {
		return defaultServerPort
	}
	return int(p)
}

func (a *agent) release() {
	switch a.mode {
	case abi.ConcurrencyThread:
		if a.disp != nil {
			a.disp.close()
		}
	case abi.ConcurrencyMux:
		if a.disp != nil {
			a.engine.releasePoll()
		}
		if a.mux != nil {
			a.engine.releaseMux(a.mux)
		}
	default:
		if a.disp != nil {
			a.engine.releasePoll()
		}
	}
}

func (a *agent) close() {
	a.cancel()
	if err := a.ice.Close(); err != nil {
		a.log.Debugf("close: %v", err)
	}
	a.workers.Wait()

	a.deliverMu.Lock()
	a.closed = true
	a.deliverMu.Unlock()

	a.release()
	a.log.Debug("destroyed")
}

// post runs fn on the dispatcher unless the agent has been destroyed.
func (a *agent) post(fn func()) {
	a.disp.post(func() {
		a.deliverMu.Lock()
		defer a.deliverMu.Unlock()
		if a.closed {
			return
		}
		fn()
	})
}

func (a *agent) transition(event string) {
	a.stateMu.Lock()
	defer a.stateMu.Unlock()
	if err := a.fsm.Event(a.ctx, event); err != nil {
		var noTransition fsm.NoTransitionError
		var invalid fsm.InvalidEventError
		if !errors.As(err, &noTransition) && !errors.As(err, &invalid) {
			a.log.Debugf("event %s: %v", event, err)
		}
	}
}

func (a *agent) enterState(dst string) {
	code := stateCodes[dst]
	a.state.Store(code)
	a.log.Debugf("state %s", dst)
	if a.cb.StateChanged == nil {
		return
	}
	a.post(func() {
		a.cb.StateChanged(a.handle, code, a.user)
	})
}

func (a *agent) onCandidate(c ice.Candidate) {
	if c == nil {
		a.gatheringDone.Store(true)
		if a.cb.GatheringDone != nil {
			a.post(func() {
				a.cb.GatheringDone(a.handle, a.user)
			})
		}
		return
	}
	if a.cb.Candidate == nil {
		return
	}
	line := candidateLine(c.Marshal())
	a.post(func() {
		a.cb.Candidate(a.handle, line, a.user)
	})
}

func (a *agent) onConnectionState(s ice.ConnectionState) {
	switch s {
	case ice.ConnectionStateConnected:
		a.transition(evConnected)
		a.mu.Lock()
		established := a.conn != nil
		a.mu.Unlock()
		if established {
			a.transition(evComplete)
		}
	case ice.ConnectionStateDisconnected:
		a.transition(evDisconnect)
	case ice.ConnectionStateFailed:
		a.transition(evFail)
	}
}

func (a *agent) gatherCandidates() int32 {
	a.mu.Lock()
	if a.gatherStarted {
		a.mu.Unlock()
		return abi.OK
	}
	a.gatherStarted = true
	a.mu.Unlock()

	a.transition(evGather)
	if err := a.ice.GatherCandidates(); err != nil {
		a.log.Errorf("gather: %v", err)
		a.transition(evFail)
		return abi.ErrFailed
	}
	return abi.OK
}

// localDescription makes the agent controlling if no role was decided yet.
func (a *agent) localDescription(buf []byte) int32 {
	a.mu.Lock()
	if a.role == roleUnknown {
		a.role = roleControlling
	}
	r := a.role
	a.mu.Unlock()

	ufrag, pwd, err := a.ice.GetLocalUserCredentials()
	if err != nil {
		return abi.ErrFailed
	}
	cands, err := a.ice.GetLocalCandidates()
	if err != nil {
		return abi.ErrFailed
	}
	d := description{
		Ufrag:           ufrag,
		Pwd:             pwd,
		EndOfCandidates: a.gatheringDone.Load(),
	}
	if r == roleControlling {
		d.Tiebreaker = a.tiebreaker
	}
	for _, c := range cands {
		d.Candidates = append(d.Candidates, c.Marshal())
	}
	if !abi.PutString(buf, d.String()) {
		return abi.ErrFailed
	}
	return abi.OK
}

// setRemoteDescription makes the agent controlled if no role was decided yet
// and starts connectivity checks. When both agents described themselves as
// controlling, the one with the lower tie-breaker becomes controlled.
func (a *agent) setRemoteDescription(s string) int32 {
	d, err := parseDescription(s)
	if err != nil {
		a.log.Warnf("remote description: %v", err)
		return abi.ErrInvalid
	}
	localUfrag, _, err := a.ice.GetLocalUserCredentials()
	if err != nil {
		return abi.ErrFailed
	}

	a.mu.Lock()
	if a.remoteSet {
		a.mu.Unlock()
		return abi.ErrFailed
	}
	a.remoteSet = true
	switch {
	case a.role == roleUnknown:
		a.role = roleControlled
	case a.role == roleControlling && d.Tiebreaker != 0 && yields(a.tiebreaker, localUfrag, d):
		a.log.Infof("role conflict: remote tie-breaker %d wins, switching to controlled", d.Tiebreaker)
		a.role = roleControlled
	}
	r := a.role
	a.mu.Unlock()

	for _, raw := range d.Candidates {
		if err := a.addCandidate(raw); err != nil {
			a.log.Warnf("remote candidate %q: %v", raw, err)
		}
	}
	if d.EndOfCandidates {
		a.remoteGatheringDone.Store(true)
	}

	a.transition(evConnect)
	a.workers.Add(1)
	go a.connect(r, d.Ufrag, d.Pwd)
	return abi.OK
}

// yields reports whether the local side of a controlling/controlling
// conflict gives up the controlling role. Equal tie-breakers fall back to
// comparing ufrags so both sides still agree.
func yields(tiebreaker uint64, ufrag string, remote description) bool {
	if tiebreaker != remote.Tiebreaker {
		return tiebreaker < remote.Tiebreaker
	}
	return ufrag < remote.Ufrag
}

func (a *agent) addCandidate(raw string) error {
	c, err := ice.UnmarshalCandidate(raw)
	if err != nil {
		return err
	}
	return a.ice.AddRemoteCandidate(c)
}

func (a *agent) addRemoteCandidate(line string) int32 {
	attr, ok := parseAttribute(line)
	if !ok {
		return abi.ErrInvalid
	}
	switch {
	case attr.IsICECandidate():
		if err := a.addCandidate(attr.Value); err != nil {
			a.log.Warnf("remote candidate %q: %v", attr.Value, err)
			return abi.ErrInvalid
		}
	case attr.Key == sdp.AttrKeyEndOfCandidates:
		a.remoteGatheringDone.Store(true)
	default:
		return abi.ErrInvalid
	}
	return abi.OK
}

func (a *agent) connect(r role, ufrag, pwd string) {
	defer a.workers.Done()

	ctx, cancel := context.WithCancel(a.ctx)
	defer cancel()
	a.workers.Add(1)
	go a.watchChecks(ctx, cancel)

	var (
		conn *ice.Conn
		err  error
	)
	if r == roleControlling {
		conn, err = a.ice.Dial(ctx, ufrag, pwd)
	} else {
		conn, err = a.ice.Accept(ctx, ufrag, pwd)
	}
	if err != nil {
		if ctx.Err() == nil {
			a.log.Warnf("connectivity checks: %v", err)
			a.transition(evFail)
		}
		return
	}
	if ctx.Err() != nil {
		// destroyed or already failed by watchChecks
		return
	}
	cancel()

	a.mu.Lock()
	a.conn = conn
	a.mu.Unlock()

	a.transition(evConnected)
	a.transition(evComplete)
	a.readLoop(conn)
}

// watchChecks fails the agent once local and remote gathering are done and
// every candidate pair has failed. The ice agent itself keeps waiting for a
// pair that can no longer appear.
func (a *agent) watchChecks(ctx context.Context, stop context.CancelFunc) {
	defer a.workers.Done()

	ticker := time.NewTicker(checkWatchInterval)
	defer ticker.Stop()
	strikes := 0
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		if !a.checksExhausted() {
			strikes = 0
			continue
		}
		if strikes++; strikes < checkStrikes {
			continue
		}
		a.log.Warn("connectivity checks exhausted")
		a.transition(evFail)
		stop()
		return
	}
}

func (a *agent) checksExhausted() bool {
	if !a.gatheringDone.Load() || !a.remoteGatheringDone.Load() {
		return false
	}
	for _, p := range a.ice.GetCandidatePairsStats() {
		if p.State != ice.CandidatePairStateFailed {
			return false
		}
	}
	return true
}

func (a *agent) readLoop(conn *ice.Conn) {
	buf := make([]byte, receiveMTU)
	for {
		n, err := conn.Read(buf)
		if err != nil {
			return
		}
		if a.cb.Recv == nil {
			continue
		}
		pkt := make([]byte, n)
		copy(pkt, buf[:n])
		a.post(func() {
			a.cb.Recv(a.handle, pkt, a.user)
		})
	}
}

func (a *agent) send(data []byte) int32 {
	a.mu.Lock()
	conn := a.conn
	a.mu.Unlock()
	if conn == nil {
		return abi.ErrNotAvail
	}
	if _, err := conn.Write(data); err != nil {
		a.log.Debugf("send: %v", err)
		return abi.ErrFailed
	}
	return abi.OK
}

func (a *agent) selected(local, remote []byte, format func(ice.Candidate) string) int32 {
	pair, err := a.ice.GetSelectedCandidatePair()
	if err != nil {
		return abi.ErrFailed
	}
	if pair == nil {
		return abi.ErrNotAvail
	}
	if !abi.PutString(local, format(pair.Local)) || !abi.PutString(remote, format(pair.Remote)) {
		return abi.ErrFailed
	}
	return abi.OK
}
