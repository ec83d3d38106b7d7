// Package telemetry defines the JSON wire types exchanged with the
// collector. Field names are the collector's contract; changing them
// breaks attribution on the remote side.
package telemetry

import "time"

// Envelope message types.
const (
	TypeHardwareInfo     = "hardware_info"
	TypeUsageInfo        = "usage_info"
	TypeGetServices      = "get_services"
	TypeSetWatchServices = "set_watch_services"
	TypeRestartService   = "restart_service"
)

// Envelope is the self-describing frame sent on every message. Exactly one
// of the payload fields is set, selected by Type.
type Envelope struct {
	SystemID  string  `json:"system_id"`
	Timestamp float64 `json:"timestamp"`
	Type      string  `json:"type"`

	Hardware        *Identity       `json:"hardware,omitempty"`
	Usage           *Usage          `json:"usage,omitempty"`
	WatchedServices []ServiceStatus `json:"watched_services,omitempty"`
	Services        []ServiceUnit   `json:"services,omitempty"`

	OK    string `json:"ok,omitempty"`
	Error string `json:"error,omitempty"`
}

// Command is a collector-initiated message read off the stream.
type Command struct {
	Type     string   `json:"type"`
	Services []string `json:"services,omitempty"`
	Service  string   `json:"service,omitempty"`
}

// Identity describes the host's hardware and software facts. Read once per
// connection; immutable once read.
type Identity struct {
	Fingerprint string      `json:"fingerprint,omitempty"`
	OS          OSInfo      `json:"os"`
	CPU         CPUInfo     `json:"cpu"`
	MemTotalGiB float64     `json:"mem_total_gib"`
	Disks       []DiskInfo  `json:"disks"`
	Network     NetworkInfo `json:"network"`
}

type OSInfo struct {
	System    string `json:"system"`
	Release   string `json:"release"`
	Version   string `json:"version"`
	Machine   string `json:"machine"`
	Processor string `json:"processor"`
}

type CPUInfo struct {
	Model         string `json:"model,omitempty"`
	PhysicalCores int    `json:"physical_cores"`
	LogicalCores  int    `json:"logical_cores"`
}

type DiskInfo struct {
	Device     string  `json:"device"`
	Mountpoint string  `json:"mountpoint"`
	FSType     string  `json:"fstype"`
	TotalGiB   float64 `json:"total_gib"`
}

type NetworkInfo struct {
	Hostname   string              `json:"hostname"`
	FQDN       string              `json:"fqdn,omitempty"`
	LocalIP    string              `json:"local_ip,omitempty"`
	PublicIP   string              `json:"public_ip,omitempty"`
	Interfaces map[string][]string `json:"interfaces"`
}

// Snapshot is one point-in-time utilization reading.
type Snapshot struct {
	Timestamp time.Time
	Usage     Usage
}

type Usage struct {
	CPUPct     float64     `json:"cpu_pct"`
	MemPct     float64     `json:"mem_pct"`
	MemUsedGiB float64     `json:"mem_used_gib"`
	DiskPct    float64     `json:"disk_pct"`
	Disks      []DiskUsage `json:"disks"`
}

type DiskUsage struct {
	Device  string  `json:"device"`
	UsedGiB float64 `json:"used_gib"`
}

// ServiceUnit is one entry from the host's service manager listing.
type ServiceUnit struct {
	Name   string `json:"name"`
	Load   string `json:"load,omitempty"`
	Active string `json:"active,omitempty"`
	Sub    string `json:"sub,omitempty"`
}

// ServiceStatus reports whether a watched unit is currently running.
type ServiceStatus struct {
	Name          string `json:"name"`
	IsRunning     bool   `json:"is_running"`
	StatusMessage string `json:"status_message,omitempty"`
}

// UnixSeconds converts t to the collector's float-seconds timestamp format.
func UnixSeconds(t time.Time) float64 {
	return float64(t.UnixNano()) / float64(time.Second)
}

// BytesToGiB converts a byte count to GiB with one decimal of precision,
// matching the collector's display units.
func BytesToGiB(b uint64) float64 {
	return float64(int64(float64(b)/(1<<30)*10+0.5)) / 10
}
