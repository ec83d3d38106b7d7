//go:build linux

package sampler

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/sys/unix"

	"github.com/hostpulse/hostpulse/pkg/telemetry"
)

// firstSampleWindow is the synchronous delta window used when no previous
// CPU counter reading exists yet. Long enough for the kernel tick counters
// to move, short enough not to stall the first emission noticeably.
const firstSampleWindow = 150 * time.Millisecond

// systemSampler reads Linux host counters from procfs. The previous CPU
// counter reading is hidden state scoped to this instance; two samplers on
// the same host compute their own deltas.
type systemSampler struct {
	logger *slog.Logger
	opts   Options
	net    *netInfoReader

	mu       sync.Mutex
	prevCPU  cpuCounters
	havePrev bool

	firstWindow time.Duration
}

// NewSystem returns the platform sampler for this host.
func NewSystem(logger *slog.Logger, opts Options) Sampler {
	o := opts.withDefaults()
	return &systemSampler{
		logger:      logger,
		opts:        o,
		net:         newNetInfoReader(logger, o.PublicIPURL),
		firstWindow: firstSampleWindow,
	}
}

func (s *systemSampler) Identity(ctx context.Context) (*telemetry.Identity, error) {
	var uts unix.Utsname
	if err := unix.Uname(&uts); err != nil {
		return nil, &CollectionError{Counter: "uname", Err: err}
	}

	cpu, err := s.readCPUInfo()
	if err != nil {
		return nil, err
	}

	mem, err := s.readMemInfo()
	if err != nil {
		return nil, err
	}

	disks, err := s.readDiskTotals()
	if err != nil {
		return nil, err
	}

	return &telemetry.Identity{
		Fingerprint: s.opts.Fingerprint,
		OS: telemetry.OSInfo{
			System:    charsToString(uts.Sysname[:]),
			Release:   charsToString(uts.Release[:]),
			Version:   charsToString(uts.Version[:]),
			Machine:   charsToString(uts.Machine[:]),
			Processor: cpu.Model,
		},
		CPU:         cpu,
		MemTotalGiB: telemetry.BytesToGiB(mem.total),
		Disks:       disks,
		Network:     s.net.read(ctx),
	}, nil
}

func (s *systemSampler) Snapshot(ctx context.Context) (*telemetry.Snapshot, error) {
	cpuPct, err := s.cpuPercent(ctx)
	if err != nil {
		return nil, err
	}

	mem, err := s.readMemInfo()
	if err != nil {
		return nil, err
	}
	used := mem.total - mem.available
	memPct := 0.0
	if mem.total > 0 {
		memPct = 100 * float64(used) / float64(mem.total)
	}

	diskPct, diskUsage, err := s.readDiskUsage()
	if err != nil {
		return nil, err
	}

	return &telemetry.Snapshot{
		Timestamp: time.Now(),
		Usage: telemetry.Usage{
			CPUPct:     cpuPct,
			MemPct:     memPct,
			MemUsedGiB: telemetry.BytesToGiB(used),
			DiskPct:    diskPct,
			Disks:      diskUsage,
		},
	}, nil
}

// cpuCounters holds aggregate jiffies from the first line of /proc/stat.
type cpuCounters struct {
	busy  uint64
	total uint64
}

// cpuPercent computes utilization from the counter delta since the previous
// call. The first call takes a short synchronous window instead of
// reporting a meaningless 0%.
func (s *systemSampler) cpuPercent(ctx context.Context) (float64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cur, err := s.readCPUCounters()
	if err != nil {
		return 0, err
	}

	if !s.havePrev {
		s.prevCPU = cur
		s.havePrev = true
		select {
		case <-time.After(s.firstWindow):
		case <-ctx.Done():
			return 0, ctx.Err()
		}
		if cur, err = s.readCPUCounters(); err != nil {
			return 0, err
		}
	}

	dBusy := cur.busy - s.prevCPU.busy
	dTotal := cur.total - s.prevCPU.total
	s.prevCPU = cur

	if dTotal == 0 {
		return 0, nil
	}
	return 100 * float64(dBusy) / float64(dTotal), nil
}

// readCPUCounters parses the aggregate "cpu" line of /proc/stat.
// Fields: user nice system idle iowait irq softirq [steal ...], in jiffies.
func (s *systemSampler) readCPUCounters() (cpuCounters, error) {
	path := s.opts.ProcPath + "/stat"
	data, err := os.ReadFile(path)
	if err != nil {
		return cpuCounters{}, &CollectionError{Counter: "cpu", Err: err}
	}

	for _, line := range strings.Split(string(data), "\n") {
		fields := strings.Fields(line)
		if len(fields) < 8 || fields[0] != "cpu" {
			continue
		}
		var vals []uint64
		for _, f := range fields[1:] {
			v, err := strconv.ParseUint(f, 10, 64)
			if err != nil {
				return cpuCounters{}, &CollectionError{Counter: "cpu", Err: fmt.Errorf("parsing %s: %w", path, err)}
			}
			vals = append(vals, v)
		}
		var c cpuCounters
		for _, v := range vals {
			c.total += v
		}
		// idle + iowait are the non-busy buckets
		c.busy = c.total - vals[3] - vals[4]
		return c, nil
	}
	return cpuCounters{}, &CollectionError{Counter: "cpu", Err: fmt.Errorf("no aggregate cpu line in %s", path)}
}

type memCounters struct {
	total     uint64
	available uint64
}

func (s *systemSampler) readMemInfo() (memCounters, error) {
	path := s.opts.ProcPath + "/meminfo"
	data, err := os.ReadFile(path)
	if err != nil {
		return memCounters{}, &CollectionError{Counter: "memory", Err: err}
	}

	var mem memCounters
	for _, line := range strings.Split(string(data), "\n") {
		fields := strings.Fields(line)
		if len(fields) < 2 {
			continue
		}
		// values are in kB
		v, err := strconv.ParseUint(fields[1], 10, 64)
		if err != nil {
			continue
		}
		switch fields[0] {
		case "MemTotal:":
			mem.total = v * 1024
		case "MemAvailable:":
			mem.available = v * 1024
		}
	}
	if mem.total == 0 {
		return memCounters{}, &CollectionError{Counter: "memory", Err: fmt.Errorf("no MemTotal in %s", path)}
	}
	return mem, nil
}

func (s *systemSampler) readCPUInfo() (telemetry.CPUInfo, error) {
	path := s.opts.ProcPath + "/cpuinfo"
	data, err := os.ReadFile(path)
	if err != nil {
		return telemetry.CPUInfo{}, &CollectionError{Counter: "cpuinfo", Err: err}
	}

	info := telemetry.CPUInfo{}
	cores := map[string]struct{}{}
	var physicalID, coreID string

	flush := func() {
		if physicalID != "" || coreID != "" {
			cores[physicalID+"/"+coreID] = struct{}{}
		}
		physicalID, coreID = "", ""
	}

	for _, line := range strings.Split(string(data), "\n") {
		key, value, found := strings.Cut(line, ":")
		if !found {
			flush()
			continue
		}
		key = strings.TrimSpace(key)
		value = strings.TrimSpace(value)
		switch key {
		case "processor":
			info.LogicalCores++
		case "model name":
			info.Model = value
		case "physical id":
			physicalID = value
		case "core id":
			coreID = value
		}
	}
	flush()

	info.PhysicalCores = len(cores)
	if info.PhysicalCores == 0 {
		info.PhysicalCores = info.LogicalCores
	}
	if info.LogicalCores == 0 {
		return telemetry.CPUInfo{}, &CollectionError{Counter: "cpuinfo", Err: fmt.Errorf("no processor entries in %s", path)}
	}
	return info, nil
}

// mountEntry is one /dev-backed row of /proc/self/mounts.
type mountEntry struct {
	device     string
	mountpoint string
	fstype     string
}

func (s *systemSampler) readMounts() ([]mountEntry, error) {
	path := s.opts.ProcPath + "/self/mounts"
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, &CollectionError{Counter: "disk", Err: err}
	}

	seen := map[string]struct{}{}
	var mounts []mountEntry
	for _, line := range strings.Split(string(data), "\n") {
		fields := strings.Fields(line)
		if len(fields) < 3 || !strings.HasPrefix(fields[0], "/dev/") {
			continue
		}
		if _, dup := seen[fields[0]]; dup {
			continue
		}
		seen[fields[0]] = struct{}{}
		mounts = append(mounts, mountEntry{device: fields[0], mountpoint: fields[1], fstype: fields[2]})
	}
	return mounts, nil
}

func (s *systemSampler) readDiskTotals() ([]telemetry.DiskInfo, error) {
	mounts, err := s.readMounts()
	if err != nil {
		return nil, err
	}

	disks := make([]telemetry.DiskInfo, 0, len(mounts))
	for _, m := range mounts {
		total, _, err := statfs(m.mountpoint)
		if err != nil {
			s.logger.With("mountpoint", m.mountpoint, "err", err).Debug("skipping unreadable mount")
			continue
		}
		disks = append(disks, telemetry.DiskInfo{
			Device:     m.device,
			Mountpoint: m.mountpoint,
			FSType:     m.fstype,
			TotalGiB:   telemetry.BytesToGiB(total),
		})
	}
	return disks, nil
}

func (s *systemSampler) readDiskUsage() (float64, []telemetry.DiskUsage, error) {
	rootTotal, rootFree, err := statfs(s.opts.RootMount)
	if err != nil {
		return 0, nil, &CollectionError{Counter: "disk", Err: err}
	}
	rootPct := 0.0
	if rootTotal > 0 {
		rootPct = 100 * float64(rootTotal-rootFree) / float64(rootTotal)
	}

	mounts, err := s.readMounts()
	if err != nil {
		return 0, nil, err
	}
	usage := make([]telemetry.DiskUsage, 0, len(mounts))
	for _, m := range mounts {
		total, free, err := statfs(m.mountpoint)
		if err != nil {
			continue
		}
		usage = append(usage, telemetry.DiskUsage{
			Device:  m.device,
			UsedGiB: telemetry.BytesToGiB(total - free),
		})
	}
	return rootPct, usage, nil
}

func statfs(path string) (total, free uint64, err error) {
	var st unix.Statfs_t
	if err := unix.Statfs(path, &st); err != nil {
		return 0, 0, err
	}
	bsize := uint64(st.Bsize)
	return st.Blocks * bsize, st.Bavail * bsize, nil
}

func charsToString(b []byte) string {
	if i := strings.IndexByte(string(b), 0); i >= 0 {
		return string(b[:i])
	}
	return string(b)
}
