package pools

import (
	"runtime"
	"runtime/debug"
	"time"
)

// GCConfig holds GC tuning parameters. Zero fields leave the runtime
// default in place.
type GCConfig struct {
	// GOGC is the collection target percentage.
	GOGC int
	// MemoryLimit is the soft heap limit in bytes.
	MemoryLimit int64
}

// ApplyGCConfig applies cfg and returns the previous GOGC value.
func ApplyGCConfig(cfg GCConfig) int {
	prev := -1
	if cfg.GOGC > 0 {
		prev = debug.SetGCPercent(cfg.GOGC)
	}
	if cfg.MemoryLimit > 0 {
		debug.SetMemoryLimit(cfg.MemoryLimit)
	}
	return prev
}

type GCStats struct {
	NumGC        uint32        `json:"num_gc"`
	PauseTotal   time.Duration `json:"pause_total"`
	LastPause    time.Duration `json:"last_pause"`
	AllocBytes   uint64        `json:"alloc_bytes"`
	Sys          uint64        `json:"sys"`
	NumGoroutine int           `json:"num_goroutine"`
}

func GetGCStats() GCStats {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)

	stats := GCStats{
		NumGC:        ms.NumGC,
		PauseTotal:   time.Duration(ms.PauseTotalNs),
		AllocBytes:   ms.Alloc,
		Sys:          ms.Sys,
		NumGoroutine: runtime.NumGoroutine(),
	}
	if ms.NumGC > 0 {
		stats.LastPause = time.Duration(ms.PauseNs[(ms.NumGC+255)%256])
	}
	return stats
}
