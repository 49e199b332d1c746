package worker

import (
	"math"
	"runtime"
	"runtime/debug"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"

	"github.com/archipelago-go/archipelago/internal/protocol"
)

// DetectThreads returns the number of logical CPUs on this host.
func DetectThreads() int {
	n, err := cpu.Counts(true)
	if err != nil || n < 1 {
		return runtime.NumCPU()
	}
	return n
}

// HostMemory reads the heartbeat figures for this host. The maximum is the
// Go memory limit when one is set, otherwise total RAM.
func HostMemory() (protocol.Beat, error) {
	vm, err := mem.VirtualMemory()
	if err != nil {
		return protocol.Beat{}, err
	}

	maxBytes := vm.Total
	if limit := debug.SetMemoryLimit(-1); limit > 0 && limit != math.MaxInt64 && uint64(limit) < maxBytes {
		maxBytes = uint64(limit)
	}
	return protocol.Beat{
		RAMAvailableMB: int(vm.Available >> 20),
		RAMTotalMB:     int(vm.Total >> 20),
		RAMMaxMB:       int(maxBytes >> 20),
		SentAt:         time.Now().UTC(),
	}, nil
}
