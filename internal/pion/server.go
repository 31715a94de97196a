package pion

import (
	"fmt"
	"net"
	"net/netip"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pion/logging"
	"github.com/pion/turn/v4"

	"github.com/thesyncim/juice/internal/abi"
)

// libjuice server defaults
const (
	defaultRealm          = "libjuice"
	defaultMaxAllocations = 1000
	defaultMaxPeers       = 16

	// An admitted allocation holds its slot this long before the allocation
	// must exist; pion/turn does not report allocations that fail after the
	// quota check.
	defaultReserveTimeout = 5 * time.Second
)

type credential struct {
	password string
	quota    int // <= 0: unlimited
	expires  time.Time
}

// reservation is a slot taken by admit and not yet claimed by an allocation.
type reservation struct {
	username string
	expires  time.Time
}

func (c credential) expired(now time.Time) bool {
	return !c.expires.IsZero() && now.After(c.expires)
}

// server is a TURN relay enforcing libjuice's credential, allocation and
// peer limits on top of pion/turn.
type server struct {
	id    uuid.UUID
	log   logging.LeveledLogger
	turn  *turn.Server
	port  uint16
	realm string

	maxAllocations int
	maxPeers       int
	reserveTimeout time.Duration

	mu          sync.Mutex
	credentials map[string]credential
	allocations map[string]int                 // per username, reservations included
	pending     map[string]reservation         // client address -> reserved slot
	peers       map[string]map[string]struct{} // client address -> peer IPs
	total       int
}

func newServer(e *Engine, cfg *abi.ServerConfig) (*server, error) {
	s := &server{
		id:             uuid.New(),
		realm:          abi.GoString(cfg.Realm),
		maxAllocations: int(cfg.MaxAllocations),
		maxPeers:       int(cfg.MaxPeers),
		reserveTimeout: defaultReserveTimeout,
		credentials:    make(map[string]credential),
		allocations:    make(map[string]int),
		pending:        make(map[string]reservation),
		peers:          make(map[string]map[string]struct{}),
	}
	s.log = e.newLogger("server " + s.id.String())
	if s.realm == "" {
		s.realm = defaultRealm
	}
	if s.maxAllocations <= 0 {
		s.maxAllocations = defaultMaxAllocations
	}
	if s.maxPeers <= 0 {
		s.maxPeers = defaultMaxPeers
	}
	for _, c := range cfg.Credentials {
		s.addCredentials(abi.GoString(c.Username), abi.GoString(c.Password), int(c.AllocationsQuota), 0)
	}

	bind := netip.IPv4Unspecified()
	if b := abi.GoString(cfg.BindAddress); b != "" {
		addr, err := netip.ParseAddr(b)
		if err != nil {
			return nil, fmt.Errorf("bind address %q: %w", b, err)
		}
		bind = addr
	}
	port := cfg.Port
	if port == 0 {
		port = defaultServerPort
	}

	network := "udp4"
	if bind.Is6() {
		network = "udp6"
	}
	conn, err := net.ListenPacket(network, netip.AddrPortFrom(bind, port).String())
	if err != nil {
		return nil, err
	}
	if udpAddr, ok := conn.LocalAddr().(*net.UDPAddr); ok {
		s.port = uint16(udpAddr.Port)
	}

	relayIP, err := relayAddress(abi.GoString(cfg.ExternalAddress), bind)
	if err != nil {
		_ = conn.Close()
		return nil, err
	}

	var gen turn.RelayAddressGenerator
	if cfg.RelayPortRangeBegin != 0 && cfg.RelayPortRangeEnd >= cfg.RelayPortRangeBegin {
		gen = &turn.RelayAddressGeneratorPortRange{
			RelayAddress: relayIP,
			MinPort:      cfg.RelayPortRangeBegin,
			MaxPort:      cfg.RelayPortRangeEnd,
			Address:      bind.String(),
		}
	} else {
		gen = &turn.RelayAddressGeneratorStatic{
			RelayAddress: relayIP,
			Address:      bind.String(),
		}
	}

	s.turn, err = turn.NewServer(turn.ServerConfig{
		Realm:         s.realm,
		LoggerFactory: e.loggerFactory(),
		AuthHandler:   s.authenticate,
		QuotaHandler:  s.admit,
		EventHandler: turn.EventHandler{
			OnAllocationCreated: s.onAllocationCreated,
			OnAllocationDeleted: s.onAllocationDeleted,
			OnPermissionCreated: s.onPermissionCreated,
			OnPermissionDeleted: s.onPermissionDeleted,
		},
		PacketConnConfigs: []turn.PacketConnConfig{{
			PacketConn:            conn,
			RelayAddressGenerator: gen,
			PermissionHandler:     s.permit,
		}},
	})
	if err != nil {
		_ = conn.Close()
		return nil, err
	}
	s.log.Infof("listening on %s, relay address %s", conn.LocalAddr(), relayIP)
	return s, nil
}

// relayAddress picks the address advertised in relayed candidates: the
// external address, else the bind address, else the first non-loopback
// IPv4 interface address, else loopback.
func relayAddress(external string, bind netip.Addr) (net.IP, error) {
	if external != "" {
		addr, err := netip.ParseAddr(external)
		if err != nil {
			return nil, fmt.Errorf("external address %q: %w", external, err)
		}
		return net.IP(addr.AsSlice()), nil
	}
	if !bind.IsUnspecified() {
		return net.IP(bind.AsSlice()), nil
	}
	if addrs, err := net.InterfaceAddrs(); err == nil {
		for _, a := range addrs {
			if ipNet, ok := a.(*net.IPNet); ok && !ipNet.IP.IsLoopback() && ipNet.IP.To4() != nil {
				return ipNet.IP.To4(), nil
			}
		}
	}
	return net.IPv4(127, 0, 0, 1), nil
}

func (s *server) addCredentials(username, password string, quota int, lifetimeMs uint64) {
	c := credential{password: password, quota: quota}
	if lifetimeMs > 0 {
		c.expires = time.Now().Add(time.Duration(lifetimeMs) * time.Millisecond)
	}
	s.mu.Lock()
	s.credentials[username] = c
	s.mu.Unlock()
}

func (s *server) authenticate(username, realm string, src net.Addr) ([]byte, bool) {
	s.mu.Lock()
	c, ok := s.credentials[username]
	if ok && c.expired(time.Now()) {
		delete(s.credentials, username)
		ok = false
	}
	s.mu.Unlock()
	if !ok {
		s.log.Debugf("rejected %q from %s", username, src)
		return nil, false
	}
	return turn.GenerateAuthKey(username, realm, c.password), true
}

// admit reserves an allocation slot for src, so concurrent allocate
// requests cannot overshoot the limits between the check and the
// allocation.
func (s *server) admit(username, _ string, src net.Addr) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now()
	for key, r := range s.pending {
		if now.After(r.expires) {
			s.release(r.username)
			delete(s.pending, key)
		}
	}
	key := src.String()
	if r, ok := s.pending[key]; ok {
		// retransmitted allocate request
		s.release(r.username)
		delete(s.pending, key)
	}

	if s.total >= s.maxAllocations {
		s.log.Warnf("allocation limit reached, rejecting %s", src)
		return false
	}
	if c := s.credentials[username]; c.quota > 0 && s.allocations[username] >= c.quota {
		s.log.Warnf("quota reached for %q", username)
		return false
	}
	s.total++
	s.allocations[username]++
	s.pending[key] = reservation{username: username, expires: now.Add(s.reserveTimeout)}
	return true
}

// release returns one slot of username. Callers hold s.mu.
func (s *server) release(username string) {
	s.total--
	s.allocations[username]--
	if s.allocations[username] <= 0 {
		delete(s.allocations, username)
	}
}

func (s *server) permit(client net.Addr, peer net.IP) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	set := s.peers[client.String()]
	if _, ok := set[peer.String()]; ok {
		return true
	}
	return len(set) < s.maxPeers
}

func (s *server) onAllocationCreated(src, _ net.Addr, _, username, _ string, relay net.Addr, _ int) {
	s.mu.Lock()
	key := src.String()
	r, reserved := s.pending[key]
	delete(s.pending, key)
	if !reserved || r.username != username {
		if reserved {
			s.release(r.username)
		}
		s.total++
		s.allocations[username]++
	}
	s.mu.Unlock()
	s.log.Debugf("allocation %s for %s", relay, src)
}

func (s *server) onAllocationDeleted(src, _ net.Addr, _, username, _ string) {
	s.mu.Lock()
	s.release(username)
	delete(s.peers, src.String())
	s.mu.Unlock()
}

func (s *server) onPermissionCreated(src, _ net.Addr, _, _, _ string, _ net.Addr, peer net.IP) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := src.String()
	if s.peers[key] == nil {
		s.peers[key] = make(map[string]struct{})
	}
	s.peers[key][peer.String()] = struct{}{}
}

func (s *server) onPermissionDeleted(src, _ net.Addr, _, _, _ string, _ net.Addr, peer net.IP) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if set := s.peers[src.String()]; set != nil {
		delete(set, peer.String())
	}
}

func (s *server) allocationCount() int {
	return s.turn.AllocationCount()
}

func (s *server) close() {
	if err := s.turn.Close(); err != nil {
		s.log.Debugf("close: %v", err)
	}
}
