//go:build cgo && (darwin || linux) && juicecgo

// Package cgo_benchmark provides CGO benchmarks for comparison with purego.
package cgo_benchmark

/*
#cgo pkg-config: libjuice
#include <juice/juice.h>
#include <string.h>

// Creates and destroys an agent without STUN or callbacks (allocation and
// thread start-up overhead).
int cgo_juice_create_destroy() {
    juice_config_t config;
    memset(&config, 0, sizeof(config));
    juice_agent_t *agent = juice_create(&config);
    if (!agent)
        return -1;
    juice_destroy(agent);
    return 0;
}

// Reads the local description of an existing agent.
int cgo_juice_get_local_description(juice_agent_t *agent) {
    char buffer[JUICE_MAX_SDP_STRING_LEN];
    return juice_get_local_description(agent, buffer, JUICE_MAX_SDP_STRING_LEN);
}

juice_agent_t *cgo_juice_create() {
    juice_config_t config;
    memset(&config, 0, sizeof(config));
    return juice_create(&config);
}

// Minimal CGO function - just a noop to measure pure call overhead
int cgo_noop() {
    return 42;
}
*/
import "C"

// Noop calls a minimal C function to measure pure call overhead
func Noop() int {
	return int(C.cgo_noop())
}

// CreateDestroy creates and destroys a libjuice agent
func CreateDestroy() int {
	return int(C.cgo_juice_create_destroy())
}

// Agent is a bare libjuice agent for description benchmarks.
type Agent struct {
	ptr *C.juice_agent_t
}

// NewAgent creates an agent with an empty config.
func NewAgent() *Agent {
	p := C.cgo_juice_create()
	if p == nil {
		return nil
	}
	return &Agent{ptr: p}
}

// LocalDescription calls juice_get_local_description via CGO
func (a *Agent) LocalDescription() int {
	return int(C.cgo_juice_get_local_description(a.ptr))
}

// Close destroys the agent.
func (a *Agent) Close() {
	C.juice_destroy(a.ptr)
}
