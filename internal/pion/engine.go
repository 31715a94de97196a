// Package pion implements the libjuice engine contract in pure Go on top of
// pion/ice and pion/turn.
//
// Handles are opaque integers, operations return libjuice codes, and agent
// callbacks run on engine-owned dispatcher goroutines chosen by the
// concurrency mode:
//
//   - poll: one dispatcher shared by every agent of the engine
//   - mux: the shared dispatcher, plus one UDP socket shared by all agents
//     with the same bind address and port
//   - thread: one dispatcher per agent
//
// Destroy is synchronous: once it returns no callback for that agent runs.
package pion

import (
	"net"
	"strconv"
	"sync"
	"sync/atomic"

	"github.com/pion/ice/v4"
	"github.com/pion/logging"

	"github.com/thesyncim/juice/internal/abi"
)

// Engine is a pion-backed abi.Engine. The zero value is not usable; call New.
type Engine struct {
	mu       sync.RWMutex
	next     uintptr
	agents   map[uintptr]*agent
	servers  map[uintptr]*server
	poll     *dispatcher
	pollRefs int
	muxes    map[string]*sharedMux

	logLevel   atomic.Int32
	logHandler atomic.Pointer[abi.LogHandler]
}

var _ abi.Engine = (*Engine)(nil)

var (
	sharedOnce   sync.Once
	sharedEngine *Engine
)

// Shared returns the process-wide engine, mirroring libjuice's global
// poll thread and log settings.
func Shared() *Engine {
	sharedOnce.Do(func() {
		sharedEngine = New()
	})
	return sharedEngine
}

// New returns an engine with its own dispatcher, sockets and log settings.
func New() *Engine {
	e := &Engine{
		agents:  make(map[uintptr]*agent),
		servers: make(map[uintptr]*server),
		muxes:   make(map[string]*sharedMux),
	}
	e.logLevel.Store(int32(abi.LogWarn))
	return e
}

func (e *Engine) Name() string { return "pion" }

func (e *Engine) loggerFactory() logging.LoggerFactory { return loggerFactory{e: e} }

func (e *Engine) newLogger(scope string) logging.LeveledLogger {
	return loggerFactory{e: e}.NewLogger(scope)
}

func (e *Engine) SetLogLevel(level abi.LogLevel) { e.logLevel.Store(int32(level)) }

func (e *Engine) SetLogHandler(h abi.LogHandler) {
	if h == nil {
		e.logHandler.Store(nil)
		return
	}
	e.logHandler.Store(&h)
}

func (e *Engine) allocHandle() uintptr {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.next++
	return e.next
}

// acquirePoll returns the shared dispatcher, starting it on first use.
func (e *Engine) acquirePoll() *dispatcher {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.poll == nil {
		e.poll = newDispatcher()
	}
	e.pollRefs++
	return e.poll
}

func (e *Engine) releasePoll() {
	e.mu.Lock()
	var d *dispatcher
	e.pollRefs--
	if e.pollRefs == 0 {
		d, e.poll = e.poll, nil
	}
	e.mu.Unlock()
	if d != nil {
		d.close()
	}
}

// sharedMux is a UDP socket multiplexing the host and server reflexive
// traffic of every agent bound to the same address.
type sharedMux struct {
	key  string
	refs int
	mux  *ice.UniversalUDPMuxDefault
}

func (e *Engine) acquireMux(bind string, port uint16) (*sharedMux, error) {
	if bind == "" {
		bind = "0.0.0.0"
	}
	key := net.JoinHostPort(bind, strconv.Itoa(int(port)))

	e.mu.Lock()
	defer e.mu.Unlock()
	if m := e.muxes[key]; m != nil {
		m.refs++
		return m, nil
	}
	conn, err := net.ListenPacket("udp4", key)
	if err != nil {
		return nil, err
	}
	mux := ice.NewUniversalUDPMuxDefault(ice.UniversalUDPMuxParams{
		Logger:  e.newLogger("mux"),
		UDPConn: conn,
	})
	m := &sharedMux{key: key, refs: 1, mux: mux}
	e.muxes[key] = m
	return m, nil
}

func (e *Engine) releaseMux(m *sharedMux) {
	e.mu.Lock()
	m.refs--
	last := m.refs == 0
	if last {
		delete(e.muxes, m.key)
	}
	e.mu.Unlock()
	if last {
		_ = m.mux.Close()
	}
}

func (e *Engine) agent(h uintptr) *agent {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.agents[h]
}

func (e *Engine) Create(cfg *abi.AgentConfig) uintptr {
	h := e.allocHandle()
	a, err := newAgent(e, h, cfg)
	if err != nil {
		e.newLogger("agent").Errorf("create failed: %v", err)
		return 0
	}
	e.mu.Lock()
	e.agents[h] = a
	e.mu.Unlock()
	return h
}

func (e *Engine) Destroy(h uintptr) {
	e.mu.Lock()
	a := e.agents[h]
	delete(e.agents, h)
	e.mu.Unlock()
	if a != nil {
		a.close()
	}
}

func (e *Engine) GatherCandidates(h uintptr) int32 {
	a := e.agent(h)
	if a == nil {
		return abi.ErrInvalid
	}
	return a.gatherCandidates()
}

func (e *Engine) LocalDescription(h uintptr, buf []byte) int32 {
	a := e.agent(h)
	if a == nil || len(buf) == 0 {
		return abi.ErrInvalid
	}
	return a.localDescription(buf)
}

func (e *Engine) SetRemoteDescription(h uintptr, sdp []byte) int32 {
	a := e.agent(h)
	if a == nil {
		return abi.ErrInvalid
	}
	return a.setRemoteDescription(abi.GoString(sdp))
}

func (e *Engine) AddRemoteCandidate(h uintptr, sdp []byte) int32 {
	a := e.agent(h)
	if a == nil {
		return abi.ErrInvalid
	}
	return a.addRemoteCandidate(abi.GoString(sdp))
}

// SetRemoteGatheringDone lets the agent fail once its own gathering is done
// and every candidate pair has failed.
func (e *Engine) SetRemoteGatheringDone(h uintptr) int32 {
	a := e.agent(h)
	if a == nil {
		return abi.ErrInvalid
	}
	a.remoteGatheringDone.Store(true)
	return abi.OK
}

func (e *Engine) Send(h uintptr, data []byte) int32 {
	a := e.agent(h)
	if a == nil {
		return abi.ErrInvalid
	}
	return a.send(data)
}

func (e *Engine) State(h uintptr) int32 {
	a := e.agent(h)
	if a == nil {
		return abi.StateDisconnected
	}
	return a.state.Load()
}

func (e *Engine) SelectedCandidates(h uintptr, local, remote []byte) int32 {
	a := e.agent(h)
	if a == nil || len(local) == 0 || len(remote) == 0 {
		return abi.ErrInvalid
	}
	return a.selected(local, remote, func(c ice.Candidate) string {
		return candidateLine(c.Marshal())
	})
}

func (e *Engine) SelectedAddresses(h uintptr, local, remote []byte) int32 {
	a := e.agent(h)
	if a == nil || len(local) == 0 || len(remote) == 0 {
		return abi.ErrInvalid
	}
	return a.selected(local, remote, func(c ice.Candidate) string {
		return net.JoinHostPort(c.Address(), strconv.Itoa(c.Port()))
	})
}

func (e *Engine) server(h uintptr) *server {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.servers[h]
}

func (e *Engine) ServerCreate(cfg *abi.ServerConfig) uintptr {
	h := e.allocHandle()
	s, err := newServer(e, cfg)
	if err != nil {
		e.newLogger("server").Errorf("create failed: %v", err)
		return 0
	}
	e.mu.Lock()
	e.servers[h] = s
	e.mu.Unlock()
	return h
}

func (e *Engine) ServerDestroy(h uintptr) {
	e.mu.Lock()
	s := e.servers[h]
	delete(e.servers, h)
	e.mu.Unlock()
	if s != nil {
		s.close()
	}
}

func (e *Engine) ServerPort(h uintptr) uint16 {
	if s := e.server(h); s != nil {
		return s.port
	}
	return 0
}

func (e *Engine) ServerAddCredentials(h uintptr, creds *abi.ServerCredentials, lifetimeMs uint64) int32 {
	s := e.server(h)
	if s == nil || creds == nil {
		return abi.ErrInvalid
	}
	s.addCredentials(abi.GoString(creds.Username), abi.GoString(creds.Password), int(creds.AllocationsQuota), lifetimeMs)
	return abi.OK
}
