package monitor

import (
	"fmt"
	"os"
	"runtime"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v3/process"
)

// ProcessInfo describes the coordinator process itself.
type ProcessInfo struct {
	PID        int       `json:"pid"`
	CPUPercent float64   `json:"cpuPercent"`
	RSSBytes   uint64    `json:"rssBytes"`
	Goroutines int       `json:"goroutines"`
	NumFDs     int32     `json:"numFds,omitempty"`
	StartTime  time.Time `json:"startTime"`
	SampledAt  time.Time `json:"sampledAt"`
}

// ProcessSampler reads resource usage for one pid. CPU percent is measured
// between successive samples.
type ProcessSampler struct {
	mu    sync.Mutex
	proc  *process.Process
	start time.Time
	last  ProcessInfo
}

// NewProcessSampler samples the current process.
func NewProcessSampler() (*ProcessSampler, error) {
	return NewProcessSamplerFor(os.Getpid())
}

// NewProcessSamplerFor samples pid.
func NewProcessSamplerFor(pid int) (*ProcessSampler, error) {
	p, err := process.NewProcess(int32(pid))
	if err != nil {
		return nil, fmt.Errorf("open process %d: %w", pid, err)
	}
	s := &ProcessSampler{proc: p}
	if ms, err := p.CreateTime(); err == nil {
		s.start = time.UnixMilli(ms)
	}
	return s, nil
}

// Sample reads current usage. Fields the platform cannot report are left
// zero; an error is returned only if nothing could be read.
func (s *ProcessSampler) Sample() (ProcessInfo, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	info := ProcessInfo{
		PID:        int(s.proc.Pid),
		Goroutines: runtime.NumGoroutine(),
		StartTime:  s.start,
		SampledAt:  time.Now(),
	}

	var cpuErr, memErr error
	if pct, err := s.proc.Percent(0); err == nil {
		info.CPUPercent = pct
	} else {
		cpuErr = err
	}
	if mem, err := s.proc.MemoryInfo(); err == nil && mem != nil {
		info.RSSBytes = mem.RSS
	} else {
		memErr = err
	}
	if n, err := s.proc.NumFDs(); err == nil {
		info.NumFDs = n
	}

	if cpuErr != nil && memErr != nil {
		return info, fmt.Errorf("sample process %d: %w", info.PID, cpuErr)
	}
	s.last = info
	return info, nil
}

// Last returns the most recent successful sample.
func (s *ProcessSampler) Last() ProcessInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.last
}
