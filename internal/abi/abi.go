// Package abi describes the libjuice C contract in Go terms.
//
// Both engines (the libjuice binding and the pure-Go pion engine) speak this
// contract: integer return codes, integer states, NUL-terminated text
// buffers and callbacks carrying an opaque user pointer.
package abi

// Return codes from juice.h.
const (
	OK          int32 = 0
	ErrInvalid  int32 = -1
	ErrFailed   int32 = -2
	ErrNotAvail int32 = -3
)

// juice_state_t
const (
	StateDisconnected int32 = iota
	StateGathering
	StateConnecting
	StateConnected
	StateCompleted
	StateFailed
)

// ConcurrencyMode mirrors juice_concurrency_mode_t.
type ConcurrencyMode int32

const (
	ConcurrencyPoll   ConcurrencyMode = 0 // shared poll thread
	ConcurrencyMux    ConcurrencyMode = 1 // shared poll thread and shared UDP socket
	ConcurrencyThread ConcurrencyMode = 2 // one thread per agent
)

// LogLevel mirrors juice_log_level_t.
type LogLevel int32

const (
	LogVerbose LogLevel = iota
	LogDebug
	LogInfo
	LogWarn
	LogError
	LogFatal
	LogNone
)

// MaxSDPStringLen is JUICE_MAX_SDP_STRING_LEN.
const MaxSDPStringLen = 4096

// MaxAddressStringLen is JUICE_MAX_ADDRESS_STRING_LEN.
const MaxAddressStringLen = 64

// MaxCandidateSDPStringLen is JUICE_MAX_CANDIDATE_SDP_STRING_LEN.
const MaxCandidateSDPStringLen = 256

// Callbacks is the callback table of juice_config_t. Engines invoke these
// from their own threads with the user pointer given at creation.
//
// Payloads are Go values: native bindings copy or view C memory before the
// call. The slice passed to Recv is only valid for the duration of the call.
type Callbacks struct {
	StateChanged  func(agent uintptr, state int32, user uintptr)
	Candidate     func(agent uintptr, sdp string, user uintptr)
	GatheringDone func(agent, user uintptr)
	Recv          func(agent uintptr, data []byte, user uintptr)
}

// TurnServer is juice_turn_server_t. Strings are NUL-terminated.
type TurnServer struct {
	Host     []byte
	Username []byte
	Password []byte
	Port     uint16
}

// AgentConfig is juice_config_t. Byte slices are NUL-terminated and nil
// means NULL. The config only needs to live until Create returns.
type AgentConfig struct {
	ConcurrencyMode     ConcurrencyMode
	StunServerHost      []byte
	StunServerPort      uint16
	TurnServers         []TurnServer
	BindAddress         []byte
	LocalPortRangeBegin uint16
	LocalPortRangeEnd   uint16
	Callbacks           *Callbacks
	UserPtr             uintptr
}

// ServerCredentials is juice_server_credentials_t.
type ServerCredentials struct {
	Username         []byte
	Password         []byte
	AllocationsQuota int32
}

// ServerConfig is juice_server_config_t.
type ServerConfig struct {
	Credentials         []ServerCredentials
	MaxAllocations      int32
	MaxPeers            int32
	BindAddress         []byte
	ExternalAddress     []byte
	Port                uint16
	RelayPortRangeBegin uint16
	RelayPortRangeEnd   uint16
	Realm               []byte
}

// LogHandler is juice_log_cb_t with the message already copied out.
type LogHandler func(level LogLevel, message string)

// Engine is the juice.h function table. Handles are opaque and zero means
// NULL. Text outputs are written NUL-terminated into caller buffers.
type Engine interface {
	Name() string

	Create(cfg *AgentConfig) uintptr
	Destroy(agent uintptr)
	GatherCandidates(agent uintptr) int32
	LocalDescription(agent uintptr, buf []byte) int32
	SetRemoteDescription(agent uintptr, sdp []byte) int32
	AddRemoteCandidate(agent uintptr, sdp []byte) int32
	SetRemoteGatheringDone(agent uintptr) int32
	Send(agent uintptr, data []byte) int32
	State(agent uintptr) int32
	SelectedCandidates(agent uintptr, local, remote []byte) int32
	SelectedAddresses(agent uintptr, local, remote []byte) int32

	ServerCreate(cfg *ServerConfig) uintptr
	ServerDestroy(server uintptr)
	ServerPort(server uintptr) uint16
	ServerAddCredentials(server uintptr, creds *ServerCredentials, lifetimeMs uint64) int32

	SetLogLevel(level LogLevel)
	SetLogHandler(h LogHandler)
}
