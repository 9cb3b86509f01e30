// Package backends defines the interface an execution provider needs to
// implement to run kernels for graphrt, along with a registry of providers.
//
// A backend owns the device memory (see Allocator), the hardware queues that
// kernels enqueue work on, and the fences that order cross-queue uses of a
// value. The engine never interprets device semantics: it only calls through
// these interfaces at the points the execution plan dictates.
package backends

import (
	"os"
	"strings"

	"github.com/gomlx/exceptions"
)

// DeviceNum identifies which device of a backend holds a buffer or runs a
// kernel. It should be between 0 and Backend.NumDevices.
type DeviceNum int

// QueueID identifies one hardware queue (stream) of a backend. Kernels
// assigned to different queues of the same backend may run out of order with
// respect to each other; fences bridge those boundaries.
type QueueID int

// HostProvider is the name of the generic host (CPU) execution provider.
//
// It is also the provider identity forced onto fence transitions for inputs
// whose declared memory residency is host-readable: reading host memory never
// needs a device-side wait, whatever backend the node otherwise runs on.
const HostProvider = "host"

// Backend is the API an execution provider implements to be driven by the
// engine.
type Backend interface {
	// Name returns the short name of the backend, used as the provider
	// identity in fence transitions. E.g.: "host".
	Name() string

	// Description is a longer description of the backend for pretty-printing.
	Description() string

	// NumDevices returns the number of devices available.
	NumDevices() DeviceNum

	// NumQueues returns the number of hardware queues the backend exposes.
	// Queue 0 always exists.
	NumQueues() int

	// Allocator returns the allocator for the given device. Buffers allocated
	// by it are owned by whoever allocated them and must be returned with
	// Allocator.Free.
	Allocator(deviceNum DeviceNum) Allocator

	// NewFence creates a fence for one value that may cross a queue or
	// provider boundary. The value name is for diagnostics only.
	NewFence(valueName string) Fence

	// Finalize releases all associated resources immediately and makes the
	// backend invalid.
	Finalize()
}

// Constructor takes a config string (possibly empty) and returns a Backend.
type Constructor func(config string) Backend

var (
	registeredConstructors = make(map[string]Constructor)
	firstRegistered        string
)

// Register a backend constructor under the given name.
//
// To be safe, call Register during initialization of a package.
func Register(name string, constructor Constructor) {
	if len(registeredConstructors) == 0 {
		firstRegistered = name
	}
	registeredConstructors[name] = constructor
}

// DefaultConfig is the backend configuration to use if GRAPHRT_BACKEND is not
// set. See NewWithConfig for the format.
var DefaultConfig string

// GRAPHRT_BACKEND is the environment variable with the default backend
// configuration. The format is "<backend_name>:<backend_configuration>",
// where "<backend_configuration>" is backend specific.
const GRAPHRT_BACKEND = "GRAPHRT_BACKEND"

// New returns a new Backend using the default configuration:
//
// 1. The environment variable GRAPHRT_BACKEND, if set.
// 2. The variable DefaultConfig, if set.
// 3. The first registered backend with an empty configuration.
//
// It panics if no backend was registered.
func New() Backend {
	config, found := os.LookupEnv(GRAPHRT_BACKEND)
	if found {
		return NewWithConfig(config)
	}
	if DefaultConfig != "" {
		return NewWithConfig(DefaultConfig)
	}
	return NewWithConfig("")
}

// NewWithConfig creates a Backend from a configuration string formatted as
// "<backend_name>:<backend_configuration>".
func NewWithConfig(config string) Backend {
	if len(registeredConstructors) == 0 {
		exceptions.Panicf(`no registered backends for graphrt -- maybe import the host one with import _ "github.com/gomlx/graphrt/backends/host"?`)
	}
	backendName := firstRegistered
	backendConfig := config
	if idx := strings.Index(config, ":"); idx != -1 {
		backendName = config[:idx]
		backendConfig = config[idx+1:]
	}
	constructor, found := registeredConstructors[backendName]
	if !found {
		exceptions.Panicf("can't find backend %q for configuration %q given", backendName, config)
	}
	return constructor(backendConfig)
}
