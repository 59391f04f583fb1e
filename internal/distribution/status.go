package distribution

import (
	"net/http"
	"os"
	"runtime"
	"time"

	"github.com/shirou/gopsutil/v3/process"
)

// ServerStatus is the process-level health report served at /api/status.
type ServerStatus struct {
	Timestamp  int64   `json:"ts"`
	UptimeMs   int64   `json:"uptimeMs"`
	Streams    int     `json:"streams"`
	Listeners  int64   `json:"listeners"`
	Goroutines int     `json:"goroutines"`
	HeapBytes  uint64  `json:"heapBytes"`
	RSSBytes   uint64  `json:"rssBytes,omitempty"`
	CPUPercent float64 `json:"cpuPercent,omitempty"`
	Threads    int32   `json:"threads,omitempty"`
}

// processSampler reads OS-level figures for the current process. Any
// figure the platform cannot report is left zero.
type processSampler struct {
	proc *process.Process
}

func newProcessSampler() *processSampler {
	p, err := process.NewProcess(int32(os.Getpid()))
	if err != nil {
		return &processSampler{}
	}
	return &processSampler{proc: p}
}

func (ps *processSampler) fill(st *ServerStatus) {
	if ps.proc == nil {
		return
	}
	if mem, err := ps.proc.MemoryInfo(); err == nil && mem != nil {
		st.RSSBytes = mem.RSS
	}
	if cpu, err := ps.proc.CPUPercent(); err == nil {
		st.CPUPercent = cpu
	}
	if n, err := ps.proc.NumThreads(); err == nil {
		st.Threads = n
	}
}

// Status returns the current process health figures.
func (s *Server) Status() ServerStatus {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)

	s.mu.RLock()
	streams := len(s.streams)
	s.mu.RUnlock()

	st := ServerStatus{
		Timestamp:  time.Now().UnixMilli(),
		UptimeMs:   time.Since(s.started).Milliseconds(),
		Streams:    streams,
		Listeners:  s.listeners.Load(),
		Goroutines: runtime.NumGoroutine(),
		HeapBytes:  ms.HeapAlloc,
	}
	s.status.fill(&st)
	return st
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.Status())
}
