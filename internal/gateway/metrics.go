package gateway

import (
	"runtime"
	"time"
)

// RuntimeStats is the process section of the health response.
type RuntimeStats struct {
	Goroutines  int     `json:"goroutines"`
	HeapAllocMB float64 `json:"heap_alloc_mb"`
	SysMB       float64 `json:"sys_mb"`
	GCRuns      uint32  `json:"gc_runs"`
	CPUCores    int     `json:"cpu_cores"`
	UptimeSec   int64   `json:"uptime_sec"`
	TS          string  `json:"ts"`
}

// CollectRuntime samples the Go runtime.
func CollectRuntime(start time.Time) RuntimeStats {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	return RuntimeStats{
		Goroutines:  runtime.NumGoroutine(),
		HeapAllocMB: float64(ms.HeapAlloc) / 1024 / 1024,
		SysMB:       float64(ms.Sys) / 1024 / 1024,
		GCRuns:      ms.NumGC,
		CPUCores:    runtime.NumCPU(),
		UptimeSec:   int64(time.Since(start).Seconds()),
		TS:          time.Now().UTC().Format(time.RFC3339Nano),
	}
}
