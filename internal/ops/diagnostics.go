package ops

import (
	"runtime"
	"time"
)

// SystemStats contains runtime statistics for the engine process
type SystemStats struct {
	Version   string
	Commit    string
	Uptime    time.Duration
	StartTime time.Time

	GoVersion       string
	NumGoroutines   int
	MemAllocMB      float64
	MemTotalAllocMB float64
	MemSysMB        float64
	NumGC           uint32
}

// EngineStats is a snapshot of the sync engine's externally-visible state.
// The sources are injected as plain values so diagnostics stays free of
// domain imports.
type EngineStats struct {
	RelayCount      int
	ConnectedRelays int
	PendingCount    int
	PublishedCount  int
	IsOnline        bool
	IsSyncing       bool
}

// DiagnosticsCollector collects system diagnostics
type DiagnosticsCollector struct {
	version   string
	commit    string
	startTime time.Time

	relaySource func() (connected, total int)
	syncSource  func() EngineStats
}

// NewDiagnosticsCollector creates a new diagnostics collector
func NewDiagnosticsCollector(version, commit string) *DiagnosticsCollector {
	return &DiagnosticsCollector{
		version:   version,
		commit:    commit,
		startTime: time.Now(),
	}
}

// SetRelaySource wires in a relay-count provider
func (d *DiagnosticsCollector) SetRelaySource(fn func() (connected, total int)) {
	d.relaySource = fn
}

// SetSyncSource wires in a sync-state provider
func (d *DiagnosticsCollector) SetSyncSource(fn func() EngineStats) {
	d.syncSource = fn
}

// CollectSystemStats collects process-level statistics
func (d *DiagnosticsCollector) CollectSystemStats() *SystemStats {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)

	return &SystemStats{
		Version:         d.version,
		Commit:          d.commit,
		Uptime:          time.Since(d.startTime),
		StartTime:       d.startTime,
		GoVersion:       runtime.Version(),
		NumGoroutines:   runtime.NumGoroutine(),
		MemAllocMB:      float64(m.Alloc) / 1024 / 1024,
		MemTotalAllocMB: float64(m.TotalAlloc) / 1024 / 1024,
		MemSysMB:        float64(m.Sys) / 1024 / 1024,
		NumGC:           m.NumGC,
	}
}

// CollectEngineStats merges the injected relay and sync snapshots
func (d *DiagnosticsCollector) CollectEngineStats() *EngineStats {
	stats := &EngineStats{}
	if d.syncSource != nil {
		s := d.syncSource()
		stats.PendingCount = s.PendingCount
		stats.PublishedCount = s.PublishedCount
		stats.IsOnline = s.IsOnline
		stats.IsSyncing = s.IsSyncing
	}
	if d.relaySource != nil {
		stats.ConnectedRelays, stats.RelayCount = d.relaySource()
	}
	return stats
}

// LogSnapshot writes one diagnostics line through the engine logger
func (d *DiagnosticsCollector) LogSnapshot(logger *Logger) {
	sys := d.CollectSystemStats()
	eng := d.CollectEngineStats()

	logger.WithComponent("diagnostics").Info("engine snapshot",
		"uptime", sys.Uptime.Round(time.Second).String(),
		"goroutines", sys.NumGoroutines,
		"mem_alloc_mb", sys.MemAllocMB,
		"relays_connected", eng.ConnectedRelays,
		"relays_total", eng.RelayCount,
		"pending", eng.PendingCount,
		"published", eng.PublishedCount,
		"online", eng.IsOnline)
}
