// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package session

import (
	"log/slog"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/load"
	"github.com/shirou/gopsutil/v3/mem"
)

// SystemStats holds collected system metrics.
type SystemStats struct {
	CPUPercent       float64
	MemoryPercent    float64
	DiskUsagePercent float64
	LoadAverage      float64
}

// SystemMonitor collects system metrics periodically.
type SystemMonitor struct {
	logger  *slog.Logger
	tapeDir string
	close   chan struct{}
	wg      sync.WaitGroup
	stats   SystemStats
	mu      sync.RWMutex
}

// NewSystemMonitor creates a new SystemMonitor. tapeDir aponta para o
// diretório de fitas monitorado (vazio = raiz).
func NewSystemMonitor(logger *slog.Logger, tapeDir string) *SystemMonitor {
	return &SystemMonitor{
		logger:  logger.With("component", "system_monitor"),
		tapeDir: tapeDir,
		close:   make(chan struct{}),
	}
}

// Start begins periodic metric collection.
func (sm *SystemMonitor) Start() {
	sm.wg.Add(1)
	go sm.run()
}

// Stop stops the monitor.
func (sm *SystemMonitor) Stop() {
	close(sm.close)
	sm.wg.Wait()
}

// Stats returns the latest collected stats.
func (sm *SystemMonitor) Stats() SystemStats {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	return sm.stats
}

func (sm *SystemMonitor) run() {
	defer sm.wg.Done()

	ticker := time.NewTicker(15 * time.Second)
	defer ticker.Stop()

	// Initial collection
	sm.collect()

	for {
		select {
		case <-sm.close:
			return
		case <-ticker.C:
			sm.collect()
		}
	}
}

func (sm *SystemMonitor) collect() {
	stats := SystemStats{}

	// CPU
	if percentage, err := cpu.Percent(0, false); err == nil && len(percentage) > 0 {
		stats.CPUPercent = percentage[0]
	} else {
		sm.logger.Debug("failed to collect cpu stats", "error", err)
	}

	// Memory
	if v, err := mem.VirtualMemory(); err == nil {
		stats.MemoryPercent = v.UsedPercent
	} else {
		sm.logger.Debug("failed to collect memory stats", "error", err)
	}

	// Disk do diretório de fitas
	dir := sm.tapeDir
	if dir == "" {
		dir = "/"
	}
	if d, err := disk.Usage(dir); err == nil {
		stats.DiskUsagePercent = d.UsedPercent
	} else {
		sm.logger.Debug("failed to collect disk stats", "error", err)
	}

	// Load Avg
	if l, err := load.Avg(); err == nil {
		stats.LoadAverage = l.Load1
	} else {
		sm.logger.Debug("failed to collect load stats", "error", err)
	}

	sm.mu.Lock()
	sm.stats = stats
	sm.mu.Unlock()
}

// StartStatsReporter loga métricas do daemon periodicamente até o canal
// stop fechar.
func (d *Daemon) StartStatsReporter(monitor *SystemMonitor, stop <-chan struct{}) {
	ticker := time.NewTicker(15 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			st := monitor.Stats()
			d.log.Info("daemon stats",
				"active_sessions", d.ActiveSessions.Load(),
				"total_sessions", d.TotalSessions.Load(),
				"cpu_percent", st.CPUPercent,
				"mem_percent", st.MemoryPercent,
				"disk_percent", st.DiskUsagePercent,
				"load1", st.LoadAverage,
			)
		}
	}
}
