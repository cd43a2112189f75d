// Package procstat samples resource usage of the running bridge process.
package procstat

import (
	"context"
	"fmt"
	"os"
	"runtime"
	"time"

	"github.com/shirou/gopsutil/v3/process"
)

type Stats struct {
	PID        int32   `json:"pid"`
	RSSBytes   uint64  `json:"rssBytes"`
	CPUPercent float64 `json:"cpuPercent"`
	Threads    int32   `json:"threads"`
	Goroutines int     `json:"goroutines"`
	Uptime     string  `json:"uptime"`
}

type Sampler struct {
	proc    *process.Process
	started time.Time
}

// New returns a sampler for the current process.
func New() (*Sampler, error) {
	return ForPID(int32(os.Getpid()))
}

func ForPID(pid int32) (*Sampler, error) {
	p, err := process.NewProcess(pid)
	if err != nil {
		return nil, fmt.Errorf("inspect pid %d: %w", pid, err)
	}
	started := time.Now()
	if ms, err := p.CreateTime(); err == nil {
		started = time.UnixMilli(ms)
	}
	return &Sampler{proc: p, started: started}, nil
}

func (s *Sampler) Sample(ctx context.Context) (Stats, error) {
	mem, err := s.proc.MemoryInfoWithContext(ctx)
	if err != nil {
		return Stats{}, fmt.Errorf("memory info: %w", err)
	}
	cpu, err := s.proc.CPUPercentWithContext(ctx)
	if err != nil {
		return Stats{}, fmt.Errorf("cpu percent: %w", err)
	}
	// Thread count is not available on every platform.
	threads, _ := s.proc.NumThreadsWithContext(ctx)

	return Stats{
		PID:        s.proc.Pid,
		RSSBytes:   mem.RSS,
		CPUPercent: cpu,
		Threads:    threads,
		Goroutines: runtime.NumGoroutine(),
		Uptime:     time.Since(s.started).Truncate(time.Second).String(),
	}, nil
}
