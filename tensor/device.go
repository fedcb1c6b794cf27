package tensor

import (
	"fmt"
	"runtime"
	"strings"
	"sync"

	"github.com/klauspost/cpuid/v2"
)

// Device is the execution context that layers and passes run on. It is passed
// explicitly to everything that allocates parameters or computes on them.
type Device struct {
	Type    DeviceType
	Name    string
	Workers int
}

// NewDevice resolves a device by name. Only "cpu" is available; workers <= 0
// selects the number of logical cores.
func NewDevice(name string, workers int) (*Device, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", "cpu":
		return NewCPUDevice(workers), nil
	default:
		return nil, fmt.Errorf("unsupported device %q: only cpu is available", name)
	}
}

// NewCPUDevice creates a CPU device description.
func NewCPUDevice(workers int) *Device {
	if workers <= 0 {
		workers = cpuid.CPU.LogicalCores
		if workers <= 0 {
			workers = runtime.NumCPU()
		}
	}

	name := cpuid.CPU.BrandName
	if name == "" {
		name = runtime.GOARCH
	}

	return &Device{
		Type:    CPU,
		Name:    name,
		Workers: workers,
	}
}

func (d *Device) String() string {
	return fmt.Sprintf("%s (%s, %d workers)", d.Type, d.Name, d.Workers)
}

// parallelFor runs fn over [0, n) split into contiguous chunks, one per worker.
func (d *Device) parallelFor(n int, fn func(start, end int)) {
	workers := 1
	if d != nil && d.Workers > 1 {
		workers = d.Workers
	}
	if workers > n {
		workers = n
	}
	if workers <= 1 {
		fn(0, n)
		return
	}

	chunk := (n + workers - 1) / workers
	var wg sync.WaitGroup
	for start := 0; start < n; start += chunk {
		end := start + chunk
		if end > n {
			end = n
		}
		wg.Add(1)
		go func(start, end int) {
			defer wg.Done()
			fn(start, end)
		}(start, end)
	}
	wg.Wait()
}
