// Package diagnostics reports process-level health figures (CPU, memory,
// goroutine count): a plain struct built on demand and serialized by the
// HTTP layer. Process-level figures come from gopsutil rather than runtime
// alone, since runtime.MemStats only covers the Go heap, not the OS-level
// RSS/CPU figures an operator actually wants.
package diagnostics

import (
	"context"
	"os"
	"runtime"
	"time"

	"github.com/shirou/gopsutil/v3/mem"
	"github.com/shirou/gopsutil/v3/process"
)

// Report is the process-health snapshot returned by Collect.
type Report struct {
	Goroutines     int       `json:"goroutines"`
	CPUPercent     float64   `json:"cpu_percent"`
	RSSBytes       uint64    `json:"rss_bytes"`
	VirtualMemUsed float64   `json:"virtual_mem_used_percent"`
	CollectedAt    time.Time `json:"collected_at"`
}

// Collector gathers process-health figures for the diagnostics endpoint.
type Collector struct {
	proc *process.Process
}

// New creates a collector bound to the current process.
func New() (*Collector, error) {
	p, err := process.NewProcess(int32(os.Getpid()))
	if err != nil {
		return nil, err
	}
	return &Collector{proc: p}, nil
}

// Collect gathers a diagnostics snapshot. It never fails hard: a metric that
// cannot be read is left at its zero value rather than aborting the whole
// report, since diagnostics must stay available even when one gopsutil probe
// is unsupported on the host platform.
func (c *Collector) Collect(ctx context.Context) Report {
	r := Report{
		Goroutines:  runtime.NumGoroutine(),
		CollectedAt: time.Now(),
	}
	if c.proc != nil {
		if pct, err := c.proc.CPUPercentWithContext(ctx); err == nil {
			r.CPUPercent = pct
		}
		if mi, err := c.proc.MemoryInfoWithContext(ctx); err == nil && mi != nil {
			r.RSSBytes = mi.RSS
		}
	}
	if vm, err := mem.VirtualMemoryWithContext(ctx); err == nil && vm != nil {
		r.VirtualMemUsed = vm.UsedPercent
	}
	return r
}
