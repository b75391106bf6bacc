// ABOUTME: Host telemetry snapshot and the Collector interface agents sample from.
// ABOUTME: Normalize turns a raw snapshot into the clamped record reported to Core.

package metrics

import (
	"context"
	"math"
	"os"
	"runtime"
	"time"

	"github.com/2389/hostlink/internal/protocol"
)

// Snapshot is one sample of host state.
type Snapshot struct {
	Hostname      string     `json:"hostname"`
	OS            string     `json:"os"`
	Arch          string     `json:"arch"`
	CPUCount      int        `json:"cpu_count"`
	CPUPercent    float64    `json:"cpu_percent"`
	MemoryTotal   uint64     `json:"memory_total"`
	MemoryUsed    uint64     `json:"memory_used"`
	MemoryPercent float64    `json:"memory_percent"`
	DiskTotal     uint64     `json:"disk_total"`
	DiskUsed      uint64     `json:"disk_used"`
	DiskPercent   float64    `json:"disk_percent"`
	NetBytesRecv  uint64     `json:"net_bytes_recv"`
	NetBytesSent  uint64     `json:"net_bytes_sent"`
	LoadAverage   []float64  `json:"load_average"`
	UptimeSeconds float64    `json:"uptime_seconds"`
	KernelVersion string     `json:"kernel_version,omitempty"`
	CollectedAt   time.Time  `json:"collected_at"`
	Environment   []EnvEntry `json:"environment,omitempty"`
}

// EnvEntry is one exported environment variable, value possibly masked.
type EnvEntry struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

// Collector samples host state. CollectBasic is cheap and must not block on
// I/O for long; CollectAll may take a CPU delta measurement.
type Collector interface {
	CollectAll(ctx context.Context) (*Snapshot, error)
	CollectBasic(ctx context.Context) (*Snapshot, error)
}

// Counters are agent-side tallies included in every record.
type Counters struct {
	ActiveTasks    int
	CompletedTasks int
	ErrorCount     int
}

// maxNetworkMB caps reported network counters.
const maxNetworkMB = 100.0

// Normalize converts a snapshot into a MetricsRecord. Percentages are clamped
// to [0,100], network counters are reported in MB capped at 100, counts are
// non-negative and the load average always has three entries.
func Normalize(agentID string, s *Snapshot, c Counters) protocol.MetricsRecord {
	rec := protocol.MetricsRecord{
		AgentID:        agentID,
		ActiveTasks:    max(c.ActiveTasks, 0),
		CompletedTasks: max(c.CompletedTasks, 0),
		ErrorCount:     max(c.ErrorCount, 0),
		Timestamp:      time.Now().UTC(),
	}
	if s == nil {
		return rec
	}

	rec.CPUUsage = clamp(s.CPUPercent, 0, 100)
	rec.MemoryUsage = clamp(s.MemoryPercent, 0, 100)
	rec.DiskUsage = clamp(s.DiskPercent, 0, 100)
	rec.UptimeSeconds = clamp(s.UptimeSeconds, 0, math.MaxFloat64)
	rec.NetworkIn = clamp(float64(s.NetBytesRecv)/(1024*1024), 0, maxNetworkMB)
	rec.NetworkOut = clamp(float64(s.NetBytesSent)/(1024*1024), 0, maxNetworkMB)
	for i := 0; i < len(rec.LoadAverage) && i < len(s.LoadAverage); i++ {
		rec.LoadAverage[i] = clamp(s.LoadAverage[i], 0, math.MaxFloat64)
	}
	if !s.CollectedAt.IsZero() {
		rec.Timestamp = s.CollectedAt.UTC()
	}
	return rec
}

func clamp(v, lo, hi float64) float64 {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return lo
	}
	return math.Min(math.Max(v, lo), hi)
}

// Basic returns a snapshot with only the fields available on every platform.
func Basic() *Snapshot {
	hostname, _ := os.Hostname()
	return &Snapshot{
		Hostname:    hostname,
		OS:          runtime.GOOS,
		Arch:        runtime.GOARCH,
		CPUCount:    runtime.NumCPU(),
		LoadAverage: []float64{0, 0, 0},
		CollectedAt: time.Now().UTC(),
	}
}
