package juice

import (
	"fmt"
	"net/netip"

	"github.com/thesyncim/juice/internal/abi"
)

const (
	DefaultStunHost = "stun.l.google.com"
	DefaultStunPort = 19302
)

// cString converts s to an owned NUL-terminated buffer.
func cString(field, s string) ([]byte, error) {
	buf, ok := abi.CString(s)
	if !ok {
		return nil, fmt.Errorf("juice: %s contains a NUL byte: %w", field, ErrInvalidArgument)
	}
	return buf, nil
}

type stunServer struct {
	host []byte
	port uint16
}

type turnServer struct {
	host     []byte
	username []byte
	password []byte
	port     uint16
}

// agentConfig is what a Builder accumulates. Strings are already validated
// and NUL-terminated, so marshaling cannot fail.
type agentConfig struct {
	stun      stunServer
	turn      []turnServer
	bind      []byte
	portBegin uint16
	portEnd   uint16
	mode      ConcurrencyMode
}

func defaultAgentConfig() agentConfig {
	host, _ := abi.CString(DefaultStunHost)
	return agentConfig{stun: stunServer{host: host, port: DefaultStunPort}}
}

// marshal builds the juice_config_t for one create call. The returned value
// shares the builder's buffers, which outlive the call.
func (c *agentConfig) marshal(token uintptr) *abi.AgentConfig {
	cfg := &abi.AgentConfig{
		ConcurrencyMode:     c.mode.native(),
		StunServerHost:      c.stun.host,
		StunServerPort:      c.stun.port,
		BindAddress:         c.bind,
		LocalPortRangeBegin: c.portBegin,
		LocalPortRangeEnd:   c.portEnd,
		Callbacks:           bridge,
		UserPtr:             token,
	}
	for _, t := range c.turn {
		cfg.TurnServers = append(cfg.TurnServers, abi.TurnServer{
			Host:     t.host,
			Username: t.username,
			Password: t.password,
			Port:     t.port,
		})
	}
	return cfg
}

// addrString formats an address for the engine, zero Addr meaning none.
func addrString(addr netip.Addr) []byte {
	if !addr.IsValid() {
		return nil
	}
	buf, _ := abi.CString(addr.String())
	return buf
}
