package juice

import (
	"fmt"
	"math"
	"net/netip"
	"runtime"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/thesyncim/juice/internal/abi"
)

// Credentials is a TURN user. It is immutable once created.
type Credentials struct {
	username []byte
	password []byte
	quota    int32
}

// NewCredentials validates a TURN user. quota bounds the allocations the
// user may hold at once; quota <= 0 means no per-user quota.
func NewCredentials(username, password string, quota int) (Credentials, error) {
	u, err := cString("credentials username", username)
	if err != nil {
		return Credentials{}, err
	}
	p, err := cString("credentials password", password)
	if err != nil {
		return Credentials{}, err
	}
	if quota < 0 {
		quota = 0
	}
	return Credentials{username: u, password: p, quota: clampInt32(uint64(quota))}, nil
}

// Username returns the user name.
func (c Credentials) Username() string { return abi.GoString(c.username) }

// valid reports whether c came from NewCredentials. The zero value has no
// username buffer for the engine to read.
func (c Credentials) valid() bool {
	return c.username != nil && c.password != nil
}

func (c Credentials) native() abi.ServerCredentials {
	return abi.ServerCredentials{Username: c.username, Password: c.password, AllocationsQuota: c.quota}
}

func clampInt32(v uint64) int32 {
	if v > math.MaxInt32 {
		return math.MaxInt32
	}
	return int32(v)
}

// ServerBuilder configures and creates a TURN relay Server.
type ServerBuilder struct {
	credentials    []Credentials
	bind           []byte
	external       []byte
	port           uint16
	relayBegin     uint16
	relayEnd       uint16
	realm          []byte
	maxAllocations int32
	maxPeers       int32
	backend        Backend
}

// NewServerBuilder returns a builder with engine defaults for every option.
// At least one credential must be added before Build.
func NewServerBuilder() *ServerBuilder {
	return &ServerBuilder{}
}

// AddCredentials appends a TURN user. A zero Credentials makes Build fail
// with ErrInvalidArgument.
func (b *ServerBuilder) AddCredentials(c Credentials) {
	b.credentials = append(b.credentials, c)
}

// SetCredentials replaces the credential list.
func (b *ServerBuilder) SetCredentials(cs []Credentials) {
	b.credentials = append([]Credentials(nil), cs...)
}

// SetBindAddress sets the listen address and port. An invalid address
// leaves the engine to choose; port 0 means the default (3478).
func (b *ServerBuilder) SetBindAddress(addr netip.AddrPort) {
	b.bind = addrString(addr.Addr())
	b.port = addr.Port()
}

// SetExternalAddress sets the address advertised in relayed candidates.
func (b *ServerBuilder) SetExternalAddress(addr netip.Addr) {
	b.external = addrString(addr)
}

// SetRelayPortRange restricts the UDP ports used for relayed addresses.
// (0, 0) lets the engine choose.
func (b *ServerBuilder) SetRelayPortRange(begin, end uint16) {
	b.relayBegin, b.relayEnd = begin, end
}

// SetRealm sets the authentication realm. The engine default is "libjuice".
func (b *ServerBuilder) SetRealm(realm string) error {
	buf, err := cString("realm", realm)
	if err != nil {
		return err
	}
	b.realm = buf
	return nil
}

// SetAllocationsLimit bounds concurrent allocations. Zero means the engine
// default and values above math.MaxInt32 are clamped.
func (b *ServerBuilder) SetAllocationsLimit(n uint32) {
	b.maxAllocations = clampInt32(uint64(n))
}

// SetPeersLimit bounds the peers per allocation, clamped like
// SetAllocationsLimit.
func (b *ServerBuilder) SetPeersLimit(n uint32) {
	b.maxPeers = clampInt32(uint64(n))
}

// SetBackend selects the engine. The default is BackendAuto.
func (b *ServerBuilder) SetBackend(backend Backend) {
	b.backend = backend
}

func (b *ServerBuilder) marshal() *abi.ServerConfig {
	cfg := &abi.ServerConfig{
		MaxAllocations:      b.maxAllocations,
		MaxPeers:            b.maxPeers,
		BindAddress:         b.bind,
		ExternalAddress:     b.external,
		Port:                b.port,
		RelayPortRangeBegin: b.relayBegin,
		RelayPortRangeEnd:   b.relayEnd,
		Realm:               b.realm,
	}
	for _, c := range b.credentials {
		cfg.Credentials = append(cfg.Credentials, c.native())
	}
	return cfg
}

// Build starts the server.
func (b *ServerBuilder) Build() (*Server, error) {
	if len(b.credentials) == 0 {
		return nil, ErrInvalidArgument
	}
	for _, c := range b.credentials {
		if !c.valid() {
			return nil, fmt.Errorf("juice: credentials not created by NewCredentials: %w", ErrInvalidArgument)
		}
	}
	e, backend, err := b.backend.engine()
	if err != nil {
		return nil, err
	}
	h := e.ServerCreate(b.marshal())
	if h == 0 {
		nativeErrors.WithLabelValues("server_create", ErrFailed.label()).Inc()
		return nil, ErrFailed
	}

	s := &Server{engine: e, handle: h, backend: backend}
	serversActive.Inc()
	runtime.SetFinalizer(s, (*Server).Close)
	Logger().Debug("server created",
		zap.String("backend", backend.String()),
		zap.Uint16("port", s.Port()),
		zap.Int("credentials", len(b.credentials)))
	return s, nil
}

// Server is a TURN relay. It invokes no application callbacks.
type Server struct {
	engine  abi.Engine
	handle  uintptr
	backend Backend

	mu     sync.RWMutex
	closed bool
}

// Port returns the UDP port the server listens on, or 0 once closed.
func (s *Server) Port() uint16 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return 0
	}
	return s.engine.ServerPort(s.handle)
}

// Backend returns the engine serving the relay.
func (s *Server) Backend() Backend { return s.backend }

// AddCredentials adds a user to the running server. A zero lifetime means
// the credentials never expire. A zero Credentials is rejected with
// ErrInvalidArgument.
func (s *Server) AddCredentials(c Credentials, lifetime time.Duration) error {
	if lifetime < 0 || !c.valid() {
		return ErrInvalidArgument
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return ErrFailed
	}
	native := c.native()
	return check("server_add_credentials", s.engine.ServerAddCredentials(s.handle, &native, uint64(lifetime.Milliseconds())))
}

// Close stops the server. It is safe to call more than once.
func (s *Server) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	runtime.SetFinalizer(s, nil)
	s.engine.ServerDestroy(s.handle)
	serversActive.Dec()
	return nil
}
