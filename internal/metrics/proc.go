// ABOUTME: Collector backed by the Linux /proc filesystem.
// ABOUTME: Parses meminfo, loadavg, uptime, net/dev and stat, computing CPU usage from deltas.

package metrics

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"
)

// cpuSampleWindow is how long CollectAll waits between two /proc/stat reads.
const cpuSampleWindow = 250 * time.Millisecond

// ProcCollector reads host state from a procfs mount.
type ProcCollector struct {
	root     string
	diskPath string

	mu        sync.Mutex
	prevIdle  uint64
	prevTotal uint64
}

// NewProcCollector returns a collector reading /proc and reporting disk usage
// for the root filesystem.
func NewProcCollector() *ProcCollector {
	return &ProcCollector{root: "/proc", diskPath: "/"}
}

// CollectBasic samples everything except a fresh CPU window; CPU usage is the
// delta since the previous call.
func (c *ProcCollector) CollectBasic(ctx context.Context) (*Snapshot, error) {
	s := Basic()

	if err := c.readMemInfo(s); err != nil {
		return nil, err
	}
	c.readLoadAvg(s)
	c.readUptime(s)
	c.readNetDev(s)
	c.readKernel(s)
	fillDisk(c.diskPath, s)

	if idle, total, err := c.readCPU(); err == nil {
		s.CPUPercent = c.cpuDelta(idle, total)
	}
	return s, nil
}

// CollectAll takes two CPU readings a short window apart so the first sample
// already has a meaningful CPU figure.
func (c *ProcCollector) CollectAll(ctx context.Context) (*Snapshot, error) {
	if idle, total, err := c.readCPU(); err == nil {
		c.cpuDelta(idle, total)
	}

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-time.After(cpuSampleWindow):
	}

	return c.CollectBasic(ctx)
}

func (c *ProcCollector) cpuDelta(idle, total uint64) float64 {
	c.mu.Lock()
	defer c.mu.Unlock()

	prevIdle, prevTotal := c.prevIdle, c.prevTotal
	c.prevIdle, c.prevTotal = idle, total

	if prevTotal == 0 || total <= prevTotal {
		return 0
	}
	dTotal := float64(total - prevTotal)
	dIdle := float64(idle - prevIdle)
	return (dTotal - dIdle) / dTotal * 100
}

func (c *ProcCollector) path(name string) string {
	return filepath.Join(c.root, name)
}

func (c *ProcCollector) readMemInfo(s *Snapshot) error {
	f, err := os.Open(c.path("meminfo"))
	if err != nil {
		return fmt.Errorf("reading meminfo: %w", err)
	}
	defer f.Close()

	var total, available uint64
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) < 2 {
			continue
		}
		kb, err := strconv.ParseUint(fields[1], 10, 64)
		if err != nil {
			continue
		}
		switch fields[0] {
		case "MemTotal:":
			total = kb * 1024
		case "MemAvailable:":
			available = kb * 1024
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("scanning meminfo: %w", err)
	}

	s.MemoryTotal = total
	if total > 0 && available <= total {
		s.MemoryUsed = total - available
		s.MemoryPercent = float64(s.MemoryUsed) / float64(total) * 100
	}
	return nil
}

func (c *ProcCollector) readLoadAvg(s *Snapshot) {
	data, err := os.ReadFile(c.path("loadavg"))
	if err != nil {
		return
	}
	fields := strings.Fields(string(data))
	for i := 0; i < 3 && i < len(fields); i++ {
		if v, err := strconv.ParseFloat(fields[i], 64); err == nil {
			s.LoadAverage[i] = v
		}
	}
}

func (c *ProcCollector) readUptime(s *Snapshot) {
	data, err := os.ReadFile(c.path("uptime"))
	if err != nil {
		return
	}
	fields := strings.Fields(string(data))
	if len(fields) == 0 {
		return
	}
	if v, err := strconv.ParseFloat(fields[0], 64); err == nil {
		s.UptimeSeconds = v
	}
}

func (c *ProcCollector) readKernel(s *Snapshot) {
	data, err := os.ReadFile(c.path("sys/kernel/osrelease"))
	if err != nil {
		return
	}
	s.KernelVersion = strings.TrimSpace(string(data))
}

// readNetDev sums receive and transmit byte counters over non-loopback interfaces.
func (c *ProcCollector) readNetDev(s *Snapshot) {
	f, err := os.Open(c.path("net/dev"))
	if err != nil {
		return
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		iface, counters, ok := strings.Cut(scanner.Text(), ":")
		if !ok {
			continue
		}
		if strings.TrimSpace(iface) == "lo" {
			continue
		}
		fields := strings.Fields(counters)
		if len(fields) < 9 {
			continue
		}
		recv, err1 := strconv.ParseUint(fields[0], 10, 64)
		sent, err2 := strconv.ParseUint(fields[8], 10, 64)
		if err1 != nil || err2 != nil {
			continue
		}
		s.NetBytesRecv += recv
		s.NetBytesSent += sent
	}
}

// readCPU returns idle (idle+iowait) and total jiffies from the aggregate cpu line.
func (c *ProcCollector) readCPU() (idle, total uint64, err error) {
	f, err := os.Open(c.path("stat"))
	if err != nil {
		return 0, 0, fmt.Errorf("reading stat: %w", err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) < 5 || fields[0] != "cpu" {
			continue
		}
		for i, field := range fields[1:] {
			v, err := strconv.ParseUint(field, 10, 64)
			if err != nil {
				continue
			}
			total += v
			if i == 3 || i == 4 {
				idle += v
			}
		}
		return idle, total, nil
	}
	return 0, 0, fmt.Errorf("no aggregate cpu line in %s", c.path("stat"))
}
