package lvm

import (
	"context"
	"sync"

	"github.com/google/uuid"

	"github.com/oriys/nova/internal/logging"
)

// DefaultMaxCommands is the process-wide bound on concurrent LVM
// subprocess invocations. It caps both read and mutating calls,
// giving the host toolchain implicit back-pressure.
const DefaultMaxCommands = 10

// DeviceResolver supplies the current set of backing device paths used to
// build the LVM filter, cached behind a dirty flag.
type DeviceResolver struct {
	mu     sync.Mutex
	stale  bool
	cached []string
	enum   DeviceEnumerator
}

// NewDeviceResolver wraps a DeviceEnumerator with the invalidate/cache
// behavior of Current and Invalidate below.
func NewDeviceResolver(enum DeviceEnumerator) *DeviceResolver {
	return &DeviceResolver{stale: true, enum: enum}
}

// Current returns the cached device set, refreshing it first if
// Invalidate was called since the last refresh.
func (r *DeviceResolver) Current(ctx context.Context) ([]string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.stale {
		devs, err := r.enum.CurrentDevicePaths(ctx)
		if err != nil {
			return nil, err
		}
		r.cached = devs
		r.stale = false
	}
	return r.cached, nil
}

// Invalidate marks the cached device set dirty; the next Current call
// re-queries the enumerator.
func (r *DeviceResolver) Invalidate() {
	r.mu.Lock()
	r.stale = true
	r.mu.Unlock()
}

// CommandRunner invokes the external LVM toolchain under a bounded
// semaphore, building the device filter and retrying once on a stale
// filter.
type CommandRunner struct {
	sem      chan struct{}
	devices  *DeviceResolver
	executor CommandExecutor
	metrics  *Metrics // optional; nil disables metrics recording
}

// NewCommandRunner builds a CommandRunner bound to maxCommands concurrent
// invocations (0 uses DefaultMaxCommands).
func NewCommandRunner(executor CommandExecutor, devices *DeviceResolver, maxCommands int, m *Metrics) *CommandRunner {
	if maxCommands <= 0 {
		maxCommands = DefaultMaxCommands
	}
	return &CommandRunner{
		sem:      make(chan struct{}, maxCommands),
		devices:  devices,
		executor: executor,
		metrics:  m,
	}
}

// Run invokes argv with the given device filter (or the resolver's
// current set if devices is empty), retrying once with a refreshed
// device list on failure or unexpectedly empty output. It raises
// the first error if the refreshed device set is unchanged and usePolld
// was true (nothing to gain from a retry in that case).
func (r *CommandRunner) Run(ctx context.Context, argv []string, devices []string, usePolld bool) ([]string, error) {
	r.sem <- struct{}{}
	r.metrics.setInflight(len(r.sem))
	defer func() {
		<-r.sem
		r.metrics.setInflight(len(r.sem))
	}()

	reqID := uuid.New().String()[:8]
	stop := r.metrics.observeCommand(argv)
	defer stop()

	first := devices
	if len(first) == 0 {
		d, err := r.devices.Current(ctx)
		if err != nil {
			return nil, err
		}
		first = d
	}

	out, err := r.executor.Run(ctx, argv, first, usePolld)
	if err == nil && len(out) > 0 {
		return out, nil
	}

	r.devices.Invalidate()
	refreshed, rerr := r.devices.Current(ctx)
	if rerr != nil {
		if err != nil {
			r.metrics.recordCommandError(argv)
		}
		return out, err
	}

	if !sameDevices(refreshed, first) || !usePolld {
		logging.Op().Warn("lvm: command failed or returned no data, retrying with refreshed device list",
			"req_id", reqID, "cmd", argv, "error", err)
		out2, err2 := r.executor.Run(ctx, argv, refreshed, usePolld)
		if err2 != nil {
			r.metrics.recordCommandError(argv)
		}
		return out2, err2
	}

	if err != nil {
		r.metrics.recordCommandError(argv)
	}
	return out, err
}

// RunWithError runs argv and never returns an error via panic/raise
// semantics: it always returns whatever stdout was captured alongside
// the error, letting ReloadEngine decide what to do with partial output.
func (r *CommandRunner) RunWithError(ctx context.Context, argv []string, devices []string, usePolld bool) ([]string, error) {
	return r.Run(ctx, argv, devices, usePolld)
}

func sameDevices(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	seen := make(map[string]int, len(a))
	for _, d := range a {
		seen[d]++
	}
	for _, d := range b {
		seen[d]--
	}
	for _, c := range seen {
		if c != 0 {
			return false
		}
	}
	return true
}
