// Package juice provides ICE agents and a TURN relay server in Go, backed by
// libjuice or by a pure-Go engine built on pion/ice and pion/turn.
//
// Key pieces include:
//   - Builder/Agent: gather candidates, exchange descriptions, send datagrams
//   - Handler: state, candidate, gathering-done and receive callbacks
//   - ServerBuilder/Server/Credentials: a TURN relay with per-user quotas
//   - Error/State: the libjuice result codes and connection states
//
// # Architecture
//
//	Builder -> config marshal -> engine create -> Agent
//	engine threads -> callback bridge -> holder registry -> Handler
//
// Engines never see Go pointers. Each agent registers a holder and the
// engine is handed only its registry token, so a callback arriving after
// Close resolves to nothing and is dropped.
//
// # Backends
//
// BackendAuto uses JUICE_BACKEND ("libjuice" or "pion") when set, otherwise
// libjuice if the shared library loads, otherwise pion.
//
// # Native Library
//
// By default the package loads libjuice with purego (CGO_ENABLED=0). Set
// JUICE_LIB_PATH to the exact library path or JUICE_LIB_DIR to the directory
// containing it. With -tags juicecgo and CGO enabled it links libjuice
// through pkg-config instead.
//
// Native strings and packets are copied or viewed at the binding boundary,
// so engine callbacks only ever carry Go values. Run the tests with -race
// (make test-race) to have checkptr verify this.
//
// # Observability
//
// SetLogger routes package and engine logs to a zap logger. RegisterMetrics
// exposes callback and error counters to Prometheus.
package juice
