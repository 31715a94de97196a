//go:build (darwin || linux) && !(cgo && juicecgo)

package libjuice

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"sync"
	"unsafe"

	"github.com/ebitengine/purego"

	"github.com/thesyncim/juice/internal/abi"
)

var (
	juiceOnce    sync.Once
	juiceHandle  uintptr
	juiceInitErr error
)

// libjuice function pointers
var (
	juiceCreate                 func(config *juiceConfig) uintptr
	juiceDestroy                func(agent uintptr)
	juiceGatherCandidates       func(agent uintptr) int32
	juiceGetLocalDescription    func(agent uintptr, buffer *byte, size uintptr) int32
	juiceSetRemoteDescription   func(agent uintptr, sdp *byte) int32
	juiceAddRemoteCandidate     func(agent uintptr, sdp *byte) int32
	juiceSetRemoteGatheringDone func(agent uintptr) int32
	juiceSend                   func(agent uintptr, data *byte, size uintptr) int32
	juiceGetState               func(agent uintptr) int32
	juiceGetSelectedCandidates  func(agent uintptr, local *byte, localSize uintptr, remote *byte, remoteSize uintptr) int32
	juiceGetSelectedAddresses   func(agent uintptr, local *byte, localSize uintptr, remote *byte, remoteSize uintptr) int32
	juiceSetLogLevel            func(level int32)
	juiceSetLogHandler          func(cb uintptr)

	juiceServerCreate         func(config *juiceServerConfig) uintptr
	juiceServerDestroy        func(server uintptr)
	juiceServerGetPort        func(server uintptr) uint16
	juiceServerAddCredentials func(server uintptr, credentials *juiceServerCredentials, lifetimeMs uint64) int32
)

// C layouts from juice.h. Field order and widths must match exactly.
type juiceTurnServer struct {
	host     uintptr
	username uintptr
	password uintptr
	port     uint16
}

type juiceConfig struct {
	concurrencyMode     int32
	stunServerHost      uintptr
	stunServerPort      uint16
	turnServers         uintptr
	turnServersCount    int32
	bindAddress         uintptr
	localPortRangeBegin uint16
	localPortRangeEnd   uint16
	cbStateChanged      uintptr
	cbCandidate         uintptr
	cbGatheringDone     uintptr
	cbRecv              uintptr
	userPtr             uintptr
}

type juiceServerCredentials struct {
	username         uintptr
	password         uintptr
	allocationsQuota int32
}

type juiceServerConfig struct {
	credentials         uintptr
	credentialsCount    int32
	maxAllocations      int32
	maxPeers            int32
	bindAddress         uintptr
	externalAddress     uintptr
	port                uint16
	relayPortRangeBegin uint16
	relayPortRangeEnd   uint16
	realm               uintptr
}

// Open loads libjuice once and returns the engine bound to it.
func Open() (abi.Engine, error) {
	juiceOnce.Do(func() {
		juiceInitErr = loadJuiceLib()
	})
	if juiceInitErr != nil {
		return nil, juiceInitErr
	}
	return engine{}, nil
}

func loadJuiceLib() error {
	var lastErr error
	for _, path := range juiceLibPaths() {
		handle, err := purego.Dlopen(path, purego.RTLD_NOW|purego.RTLD_GLOBAL)
		if err != nil {
			lastErr = err
			continue
		}
		juiceHandle = handle
		if err := loadJuiceSymbols(); err != nil {
			purego.Dlclose(handle)
			lastErr = err
			continue
		}
		return nil
	}
	if lastErr != nil {
		return fmt.Errorf("%w: %v", ErrLibraryNotFound, lastErr)
	}
	return ErrLibraryNotFound
}

func juiceLibPaths() []string {
	var paths []string

	libName := "libjuice.so"
	if runtime.GOOS == "darwin" {
		libName = "libjuice.dylib"
	}

	// Environment variable overrides
	if envPath := os.Getenv("JUICE_LIB_PATH"); envPath != "" {
		paths = append(paths, envPath)
	}
	if envDir := os.Getenv("JUICE_LIB_DIR"); envDir != "" {
		paths = append(paths, filepath.Join(envDir, libName))
	}

	if exe, err := os.Executable(); err == nil {
		exeDir := filepath.Dir(exe)
		paths = append(paths,
			filepath.Join(exeDir, libName),
			filepath.Join(exeDir, "..", "lib", libName),
		)
	}

	if root := findModuleRoot(); root != "" {
		paths = append(paths, filepath.Join(root, "build", libName))
	}

	switch runtime.GOOS {
	case "darwin":
		paths = append(paths,
			libName,
			"/usr/local/lib/libjuice.dylib",
			"/opt/homebrew/lib/libjuice.dylib",
		)
	case "linux":
		paths = append(paths,
			libName,
			"libjuice.so.1",
			"/usr/local/lib/libjuice.so",
			"/usr/lib/libjuice.so",
			"/usr/lib/x86_64-linux-gnu/libjuice.so.1",
			"/usr/lib/aarch64-linux-gnu/libjuice.so.1",
		)
	}

	return paths
}

// findModuleRoot walks up from the working directory to the directory
// containing go.mod.
func findModuleRoot() string {
	dir, err := os.Getwd()
	if err != nil {
		return ""
	}
	for {
		if _, err := os.Stat(filepath.Join(dir, "go.mod")); err == nil {
			return dir
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return ""
		}
		dir = parent
	}
}

func loadJuiceSymbols() (err error) {
	defer func() {
		// RegisterLibFunc panics on a missing symbol.
		if r := recover(); r != nil {
			err = fmt.Errorf("libjuice: %v", r)
		}
	}()

	purego.RegisterLibFunc(&juiceCreate, juiceHandle, "juice_create")
	purego.RegisterLibFunc(&juiceDestroy, juiceHandle, "juice_destroy")
	purego.RegisterLibFunc(&juiceGatherCandidates, juiceHandle, "juice_gather_candidates")
	purego.RegisterLibFunc(&juiceGetLocalDescription, juiceHandle, "juice_get_local_description")
	purego.RegisterLibFunc(&juiceSetRemoteDescription, juiceHandle, "juice_set_remote_description")
	purego.RegisterLibFunc(&juiceAddRemoteCandidate, juiceHandle, "juice_add_remote_candidate")
	purego.RegisterLibFunc(&juiceSetRemoteGatheringDone, juiceHandle, "juice_set_remote_gathering_done")
	purego.RegisterLibFunc(&juiceSend, juiceHandle, "juice_send")
	purego.RegisterLibFunc(&juiceGetState, juiceHandle, "juice_get_state")
	purego.RegisterLibFunc(&juiceGetSelectedCandidates, juiceHandle, "juice_get_selected_candidates")
	purego.RegisterLibFunc(&juiceGetSelectedAddresses, juiceHandle, "juice_get_selected_addresses")
	purego.RegisterLibFunc(&juiceSetLogLevel, juiceHandle, "juice_set_log_level")
	purego.RegisterLibFunc(&juiceSetLogHandler, juiceHandle, "juice_set_log_handler")

	purego.RegisterLibFunc(&juiceServerCreate, juiceHandle, "juice_server_create")
	purego.RegisterLibFunc(&juiceServerDestroy, juiceHandle, "juice_server_destroy")
	purego.RegisterLibFunc(&juiceServerGetPort, juiceHandle, "juice_server_get_port")
	purego.RegisterLibFunc(&juiceServerAddCredentials, juiceHandle, "juice_server_add_credentials")
	return nil
}

// Callback trampolines. purego.NewCallback slots are never released, so
// each distinct table is registered once and reused. Candidate and Recv
// payloads point into libjuice memory and are converted before the Go
// callback runs.
type callbackPtrs struct {
	stateChanged  uintptr
	candidate     uintptr
	gatheringDone uintptr
	recv          uintptr
}

var (
	callbacksMu sync.Mutex
	callbacks   = make(map[*abi.Callbacks]callbackPtrs)

	logHandler atomicLogHandler
	logOnce    sync.Once
	logCb      uintptr
)

func callbackTable(cb *abi.Callbacks) callbackPtrs {
	if cb == nil {
		return callbackPtrs{}
	}
	callbacksMu.Lock()
	defer callbacksMu.Unlock()
	if ptrs, ok := callbacks[cb]; ok {
		return ptrs
	}
	var ptrs callbackPtrs
	if cb.StateChanged != nil {
		ptrs.stateChanged = purego.NewCallback(cb.StateChanged)
	}
	if fn := cb.Candidate; fn != nil {
		ptrs.candidate = purego.NewCallback(func(agent, sdp, user uintptr) {
			fn(agent, abi.GoStringPtr(sdp), user)
		})
	}
	if cb.GatheringDone != nil {
		ptrs.gatheringDone = purego.NewCallback(cb.GatheringDone)
	}
	if fn := cb.Recv; fn != nil {
		ptrs.recv = purego.NewCallback(func(agent, data, size, user uintptr) {
			fn(agent, abi.Bytes(data, size), user)
		})
	}
	callbacks[cb] = ptrs
	return ptrs
}

func (engine) Create(cfg *abi.AgentConfig) uintptr {
	var pinner runtime.Pinner
	defer pinner.Unpin()

	pin := func(b []byte) uintptr {
		if len(b) == 0 {
			return 0
		}
		pinner.Pin(&b[0])
		return abi.Ptr(b)
	}

	ptrs := callbackTable(cfg.Callbacks)
	c := &juiceConfig{
		concurrencyMode:     int32(cfg.ConcurrencyMode),
		stunServerHost:      pin(cfg.StunServerHost),
		stunServerPort:      cfg.StunServerPort,
		bindAddress:         pin(cfg.BindAddress),
		localPortRangeBegin: cfg.LocalPortRangeBegin,
		localPortRangeEnd:   cfg.LocalPortRangeEnd,
		cbStateChanged:      ptrs.stateChanged,
		cbCandidate:         ptrs.candidate,
		cbGatheringDone:     ptrs.gatheringDone,
		cbRecv:              ptrs.recv,
		userPtr:             cfg.UserPtr,
	}
	if n := len(cfg.TurnServers); n > 0 {
		servers := make([]juiceTurnServer, n)
		for i, s := range cfg.TurnServers {
			servers[i] = juiceTurnServer{
				host:     pin(s.Host),
				username: pin(s.Username),
				password: pin(s.Password),
				port:     s.Port,
			}
		}
		pinner.Pin(&servers[0])
		c.turnServers = uintptr(unsafe.Pointer(&servers[0]))
		c.turnServersCount = int32(n)
	}
	pinner.Pin(c)

	return juiceCreate(c)
}

func (engine) Destroy(agent uintptr) { juiceDestroy(agent) }

func (engine) GatherCandidates(agent uintptr) int32 { return juiceGatherCandidates(agent) }

func (engine) LocalDescription(agent uintptr, buf []byte) int32 {
	return juiceGetLocalDescription(agent, &buf[0], uintptr(len(buf)))
}

func (engine) SetRemoteDescription(agent uintptr, sdp []byte) int32 {
	return juiceSetRemoteDescription(agent, &sdp[0])
}

func (engine) AddRemoteCandidate(agent uintptr, sdp []byte) int32 {
	return juiceAddRemoteCandidate(agent, &sdp[0])
}

func (engine) SetRemoteGatheringDone(agent uintptr) int32 {
	return juiceSetRemoteGatheringDone(agent)
}

func (engine) Send(agent uintptr, data []byte) int32 {
	if len(data) == 0 {
		// juice_send accepts a NULL buffer with zero size.
		return juiceSend(agent, nil, 0)
	}
	return juiceSend(agent, &data[0], uintptr(len(data)))
}

func (engine) State(agent uintptr) int32 { return juiceGetState(agent) }

func (engine) SelectedCandidates(agent uintptr, local, remote []byte) int32 {
	return juiceGetSelectedCandidates(agent, &local[0], uintptr(len(local)), &remote[0], uintptr(len(remote)))
}

func (engine) SelectedAddresses(agent uintptr, local, remote []byte) int32 {
	return juiceGetSelectedAddresses(agent, &local[0], uintptr(len(local)), &remote[0], uintptr(len(remote)))
}

func (engine) ServerCreate(cfg *abi.ServerConfig) uintptr {
	for _, cr := range cfg.Credentials {
		if len(cr.Username) == 0 || len(cr.Password) == 0 {
			return 0
		}
	}
	var pinner runtime.Pinner
	defer pinner.Unpin()

	pin := func(b []byte) uintptr {
		if len(b) == 0 {
			return 0
		}
		pinner.Pin(&b[0])
		return abi.Ptr(b)
	}

	c := &juiceServerConfig{
		maxAllocations:      cfg.MaxAllocations,
		maxPeers:            cfg.MaxPeers,
		bindAddress:         pin(cfg.BindAddress),
		externalAddress:     pin(cfg.ExternalAddress),
		port:                cfg.Port,
		relayPortRangeBegin: cfg.RelayPortRangeBegin,
		relayPortRangeEnd:   cfg.RelayPortRangeEnd,
		realm:               pin(cfg.Realm),
	}
	if n := len(cfg.Credentials); n > 0 {
		creds := make([]juiceServerCredentials, n)
		for i, cr := range cfg.Credentials {
			creds[i] = juiceServerCredentials{
				username:         pin(cr.Username),
				password:         pin(cr.Password),
				allocationsQuota: cr.AllocationsQuota,
			}
		}
		pinner.Pin(&creds[0])
		c.credentials = uintptr(unsafe.Pointer(&creds[0]))
		c.credentialsCount = int32(n)
	}
	pinner.Pin(c)

	return juiceServerCreate(c)
}

func (engine) ServerDestroy(server uintptr) { juiceServerDestroy(server) }

func (engine) ServerPort(server uintptr) uint16 { return juiceServerGetPort(server) }

func (engine) ServerAddCredentials(server uintptr, creds *abi.ServerCredentials, lifetimeMs uint64) int32 {
	if len(creds.Username) == 0 || len(creds.Password) == 0 {
		return abi.ErrInvalid
	}
	var pinner runtime.Pinner
	defer pinner.Unpin()

	pinner.Pin(&creds.Username[0])
	pinner.Pin(&creds.Password[0])
	c := &juiceServerCredentials{
		username:         abi.Ptr(creds.Username),
		password:         abi.Ptr(creds.Password),
		allocationsQuota: creds.AllocationsQuota,
	}
	pinner.Pin(c)
	return juiceServerAddCredentials(server, c, lifetimeMs)
}

func (engine) SetLogLevel(level abi.LogLevel) { juiceSetLogLevel(int32(level)) }

// SetLogHandler installs h as the process-wide libjuice log sink. The
// native trampoline is installed once; later calls swap the Go handler.
func (engine) SetLogHandler(h abi.LogHandler) {
	logHandler.Store(h)
	logOnce.Do(func() {
		logCb = purego.NewCallback(func(level int32, message uintptr) {
			if fn := logHandler.Load(); fn != nil {
				fn(abi.LogLevel(level), abi.GoStringPtr(message))
			}
		})
		juiceSetLogHandler(logCb)
	})
}
