package diagnostics

import (
	"os"
	"runtime"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/load"
	"github.com/shirou/gopsutil/v3/mem"
	"github.com/shirou/gopsutil/v3/process"
)

// ProcessStats holds resource usage of this process.
type ProcessStats struct {
	PID         int32         `json:"pid"`
	RSSMB       float64       `json:"rss_mb"`
	CPUPercent  float64       `json:"cpu_percent"`
	OpenFDs     int32         `json:"open_fds"`
	Threads     int32         `json:"threads"`
	Goroutines  int           `json:"goroutines"`
	HeapAllocMB float64       `json:"heap_alloc_mb"`
	HeapInUseMB float64       `json:"heap_in_use_mb"`
	NumGC       uint32        `json:"num_gc"`
	Uptime      time.Duration `json:"uptime"`
}

// SystemStats holds host-wide resource usage. Fields stay zero when the
// platform does not expose them.
type SystemStats struct {
	CPUThreads  int     `json:"cpu_threads"`
	MemTotalMB  float64 `json:"mem_total_mb"`
	MemUsedMB   float64 `json:"mem_used_mb"`
	MemPercent  float64 `json:"mem_percent"`
	LoadAvg1    float64 `json:"load_avg_1"`
	LoadAvg5    float64 `json:"load_avg_5"`
	LoadAvg15   float64 `json:"load_avg_15"`
	DiskPath    string  `json:"disk_path,omitempty"`
	DiskTotalGB float64 `json:"disk_total_gb,omitempty"`
	DiskUsedGB  float64 `json:"disk_used_gb,omitempty"`
	DiskPercent float64 `json:"disk_percent,omitempty"`
}

const mb = 1024 * 1024

func collectProcess(uptime time.Duration) ProcessStats {
	var memStats runtime.MemStats
	runtime.ReadMemStats(&memStats)

	stats := ProcessStats{
		PID:         int32(os.Getpid()),
		Goroutines:  runtime.NumGoroutine(),
		HeapAllocMB: float64(memStats.HeapAlloc) / mb,
		HeapInUseMB: float64(memStats.HeapInuse) / mb,
		NumGC:       memStats.NumGC,
		Uptime:      uptime,
	}

	proc, err := process.NewProcess(stats.PID)
	if err != nil {
		return stats
	}
	if info, err := proc.MemoryInfo(); err == nil && info != nil {
		stats.RSSMB = float64(info.RSS) / mb
	}
	if pct, err := proc.CPUPercent(); err == nil {
		stats.CPUPercent = pct
	}
	if fds, err := proc.NumFDs(); err == nil {
		stats.OpenFDs = fds
	}
	if threads, err := proc.NumThreads(); err == nil {
		stats.Threads = threads
	}
	return stats
}

// collectSystem reads host statistics. diskPath selects the filesystem whose
// usage is reported, normally the one holding the journal.
func collectSystem(diskPath string) SystemStats {
	var stats SystemStats

	if threads, err := cpu.Counts(true); err == nil {
		stats.CPUThreads = threads
	}
	if vm, err := mem.VirtualMemory(); err == nil {
		stats.MemTotalMB = float64(vm.Total) / mb
		stats.MemUsedMB = float64(vm.Used) / mb
		stats.MemPercent = vm.UsedPercent
	}
	if avg, err := load.Avg(); err == nil {
		stats.LoadAvg1 = avg.Load1
		stats.LoadAvg5 = avg.Load5
		stats.LoadAvg15 = avg.Load15
	}
	if diskPath != "" {
		if usage, err := disk.Usage(diskPath); err == nil {
			stats.DiskPath = diskPath
			stats.DiskTotalGB = float64(usage.Total) / mb / 1024
			stats.DiskUsedGB = float64(usage.Used) / mb / 1024
			stats.DiskPercent = usage.UsedPercent
		}
	}
	return stats
}
