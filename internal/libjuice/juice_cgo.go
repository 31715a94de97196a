//go:build (darwin || linux) && cgo && juicecgo

package libjuice

/*
#cgo pkg-config: libjuice
#include <juice/juice.h>
#include <stdint.h>
#include <stdlib.h>

extern void juiceGoStateChanged(juice_agent_t *agent, juice_state_t state, void *user_ptr);
extern void juiceGoCandidate(juice_agent_t *agent, char *sdp, void *user_ptr);
extern void juiceGoGatheringDone(juice_agent_t *agent, void *user_ptr);
extern void juiceGoRecv(juice_agent_t *agent, char *data, size_t size, void *user_ptr);
extern void juiceGoLog(juice_log_level_t level, char *message);

static void juice_go_set_callbacks(juice_config_t *config) {
	config->cb_state_changed = (juice_cb_state_changed_t)juiceGoStateChanged;
	config->cb_candidate = (juice_cb_candidate_t)juiceGoCandidate;
	config->cb_gathering_done = (juice_cb_gathering_done_t)juiceGoGatheringDone;
	config->cb_recv = (juice_cb_recv_t)juiceGoRecv;
}

static void juice_go_set_user_ptr(juice_config_t *config, uintptr_t user) {
	config->user_ptr = (void *)user;
}

static void juice_go_set_log_handler(void) {
	juice_set_log_handler((juice_log_cb_t)juiceGoLog);
}
*/
import "C"

import (
	"sync"
	"unsafe"

	"github.com/thesyncim/juice/internal/abi"
)

// Open returns the linked engine. With cgo the library is resolved at link
// time, so this never fails.
func Open() (abi.Engine, error) {
	return engine{}, nil
}

// C strings live until the cgo allocation list is freed.
type cAllocs []unsafe.Pointer

func (a *cAllocs) str(b []byte) *C.char {
	if len(b) == 0 {
		return nil
	}
	p := C.CBytes(b)
	*a = append(*a, p)
	return (*C.char)(p)
}

func (a *cAllocs) free() {
	for _, p := range *a {
		C.free(p)
	}
}

// Callback tables keyed by user pointer. An entry exists from just before
// juice_create until juice_destroy returns.
var (
	tablesMu sync.RWMutex
	tables   = make(map[uintptr]*abi.Callbacks)
)

func tableFor(user unsafe.Pointer) *abi.Callbacks {
	tablesMu.RLock()
	cb := tables[uintptr(user)]
	tablesMu.RUnlock()
	return cb
}

// userPtr maps an agent handle to the user pointer its callbacks carry.
var (
	agentsMu sync.Mutex
	agents   = make(map[uintptr]uintptr)
)

func (engine) Create(cfg *abi.AgentConfig) uintptr {
	var allocs cAllocs
	defer allocs.free()

	var c C.juice_config_t
	c.concurrency_mode = C.juice_concurrency_mode_t(cfg.ConcurrencyMode)
	c.stun_server_host = allocs.str(cfg.StunServerHost)
	c.stun_server_port = C.uint16_t(cfg.StunServerPort)
	c.bind_address = allocs.str(cfg.BindAddress)
	c.local_port_range_begin = C.uint16_t(cfg.LocalPortRangeBegin)
	c.local_port_range_end = C.uint16_t(cfg.LocalPortRangeEnd)
	C.juice_go_set_user_ptr(&c, C.uintptr_t(cfg.UserPtr))

	if n := len(cfg.TurnServers); n > 0 {
		size := C.size_t(n) * C.size_t(unsafe.Sizeof(C.juice_turn_server_t{}))
		arr := C.calloc(1, size)
		allocs = append(allocs, arr)
		servers := unsafe.Slice((*C.juice_turn_server_t)(arr), n)
		for i, s := range cfg.TurnServers {
			servers[i].host = allocs.str(s.Host)
			servers[i].username = allocs.str(s.Username)
			servers[i].password = allocs.str(s.Password)
			servers[i].port = C.uint16_t(s.Port)
		}
		c.turn_servers = (*C.juice_turn_server_t)(arr)
		c.turn_servers_count = C.int(n)
	}

	if cfg.Callbacks != nil {
		C.juice_go_set_callbacks(&c)
		tablesMu.Lock()
		tables[cfg.UserPtr] = cfg.Callbacks
		tablesMu.Unlock()
	}

	agent := uintptr(unsafe.Pointer(C.juice_create(&c)))
	if agent == 0 {
		tablesMu.Lock()
		delete(tables, cfg.UserPtr)
		tablesMu.Unlock()
		return 0
	}
	agentsMu.Lock()
	agents[agent] = cfg.UserPtr
	agentsMu.Unlock()
	return agent
}

func cAgent(agent uintptr) *C.juice_agent_t {
	return (*C.juice_agent_t)(unsafe.Pointer(agent)) //nolint:govet // native handle
}

func (engine) Destroy(agent uintptr) {
	C.juice_destroy(cAgent(agent))

	agentsMu.Lock()
	user, ok := agents[agent]
	delete(agents, agent)
	agentsMu.Unlock()
	if ok {
		tablesMu.Lock()
		delete(tables, user)
		tablesMu.Unlock()
	}
}

func (engine) GatherCandidates(agent uintptr) int32 {
	return int32(C.juice_gather_candidates(cAgent(agent)))
}

func (engine) LocalDescription(agent uintptr, buf []byte) int32 {
	return int32(C.juice_get_local_description(cAgent(agent), (*C.char)(unsafe.Pointer(&buf[0])), C.size_t(len(buf))))
}

func (engine) SetRemoteDescription(agent uintptr, sdp []byte) int32 {
	return int32(C.juice_set_remote_description(cAgent(agent), (*C.char)(unsafe.Pointer(&sdp[0]))))
}

func (engine) AddRemoteCandidate(agent uintptr, sdp []byte) int32 {
	return int32(C.juice_add_remote_candidate(cAgent(agent), (*C.char)(unsafe.Pointer(&sdp[0]))))
}

func (engine) SetRemoteGatheringDone(agent uintptr) int32 {
	return int32(C.juice_set_remote_gathering_done(cAgent(agent)))
}

func (engine) Send(agent uintptr, data []byte) int32 {
	if len(data) == 0 {
		return int32(C.juice_send(cAgent(agent), nil, 0))
	}
	return int32(C.juice_send(cAgent(agent), (*C.char)(unsafe.Pointer(&data[0])), C.size_t(len(data))))
}

func (engine) State(agent uintptr) int32 {
	return int32(C.juice_get_state(cAgent(agent)))
}

func (engine) SelectedCandidates(agent uintptr, local, remote []byte) int32 {
	return int32(C.juice_get_selected_candidates(cAgent(agent),
		(*C.char)(unsafe.Pointer(&local[0])), C.size_t(len(local)),
		(*C.char)(unsafe.Pointer(&remote[0])), C.size_t(len(remote))))
}

func (engine) SelectedAddresses(agent uintptr, local, remote []byte) int32 {
	return int32(C.juice_get_selected_addresses(cAgent(agent),
		(*C.char)(unsafe.Pointer(&local[0])), C.size_t(len(local)),
		(*C.char)(unsafe.Pointer(&remote[0])), C.size_t(len(remote))))
}

func cServer(server uintptr) *C.juice_server_t {
	return (*C.juice_server_t)(unsafe.Pointer(server)) //nolint:govet // native handle
}

func (engine) ServerCreate(cfg *abi.ServerConfig) uintptr {
	for _, cr := range cfg.Credentials {
		if len(cr.Username) == 0 || len(cr.Password) == 0 {
			return 0
		}
	}
	var allocs cAllocs
	defer allocs.free()

	var c C.juice_server_config_t
	c.max_allocations = C.int(cfg.MaxAllocations)
	c.max_peers = C.int(cfg.MaxPeers)
	c.bind_address = allocs.str(cfg.BindAddress)
	c.external_address = allocs.str(cfg.ExternalAddress)
	c.port = C.uint16_t(cfg.Port)
	c.relay_port_range_begin = C.uint16_t(cfg.RelayPortRangeBegin)
	c.relay_port_range_end = C.uint16_t(cfg.RelayPortRangeEnd)
	c.realm = allocs.str(cfg.Realm)

	if n := len(cfg.Credentials); n > 0 {
		size := C.size_t(n) * C.size_t(unsafe.Sizeof(C.juice_server_credentials_t{}))
		arr := C.calloc(1, size)
		allocs = append(allocs, arr)
		creds := unsafe.Slice((*C.juice_server_credentials_t)(arr), n)
		for i, cr := range cfg.Credentials {
			creds[i].username = allocs.str(cr.Username)
			creds[i].password = allocs.str(cr.Password)
			creds[i].allocations_quota = C.int(cr.AllocationsQuota)
		}
		c.credentials = (*C.juice_server_credentials_t)(arr)
		c.credentials_count = C.int(n)
	}

	return uintptr(unsafe.Pointer(C.juice_server_create(&c)))
}

func (engine) ServerDestroy(server uintptr) { C.juice_server_destroy(cServer(server)) }

func (engine) ServerPort(server uintptr) uint16 {
	return uint16(C.juice_server_get_port(cServer(server)))
}

func (engine) ServerAddCredentials(server uintptr, creds *abi.ServerCredentials, lifetimeMs uint64) int32 {
	if len(creds.Username) == 0 || len(creds.Password) == 0 {
		return abi.ErrInvalid
	}
	var allocs cAllocs
	defer allocs.free()

	var c C.juice_server_credentials_t
	c.username = allocs.str(creds.Username)
	c.password = allocs.str(creds.Password)
	c.allocations_quota = C.int(creds.AllocationsQuota)
	return int32(C.juice_server_add_credentials(cServer(server), &c, C.ulong(lifetimeMs)))
}

func (engine) SetLogLevel(level abi.LogLevel) {
	C.juice_set_log_level(C.juice_log_level_t(level))
}

var (
	logHandler atomicLogHandler
	logOnce    sync.Once
)

func (engine) SetLogHandler(h abi.LogHandler) {
	logHandler.Store(h)
	logOnce.Do(func() {
		C.juice_go_set_log_handler()
	})
}
