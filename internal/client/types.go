package client

import "time"

// Instance mirrors instance.Instance's wire shape — a decoupled copy so
// this package has no compile-time dependency on the daemon's internal
// packages, matching the corpus's own client/server type separation.
type Instance struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	State     string    `json:"state"`
	ErrorMsg  string    `json:"error_msg,omitempty"`
	Config    VMConfig  `json:"config"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// VMConfig mirrors instance.VMConfig's wire shape.
type VMConfig struct {
	VCPUs      int    `json:"vcpus"`
	MemoryMB   int    `json:"memory_mb"`
	DiskGB     int    `json:"disk_gb"`
	KernelPath string `json:"kernel_path"`
	RootfsPath string `json:"rootfs_path"`
	BootArgs   string `json:"boot_args,omitempty"`
}

// Metrics mirrors instance.Metrics's wire shape.
type Metrics struct {
	CPUUsage      float64 `json:"cpu_usage"`
	MemoryUsedKB  uint64  `json:"memory_used_kb"`
	MemoryTotalKB uint64  `json:"memory_total_kb"`
	RxBytes       uint64  `json:"rx_bytes"`
	TxBytes       uint64  `json:"tx_bytes"`
}

// StatusResult mirrors orchestrator.StatusResult's wire shape.
type StatusResult struct {
	Instance Instance `json:"Instance"`
	Report   struct {
		State   string   `json:"State"`
		Metrics *Metrics `json:"Metrics,omitempty"`
	} `json:"Report"`
}

// ExecResult mirrors vmm.ExecResult's wire shape.
type ExecResult struct {
	ExitCode int32  `json:"ExitCode"`
	Stdout   []byte `json:"Stdout,omitempty"`
	Stderr   []byte `json:"Stderr,omitempty"`
}

// LogEntry mirrors logstore.Entry's wire shape.
type LogEntry struct {
	Timestamp time.Time `json:"ts"`
	Stream    string    `json:"stream"`
	Line      string    `json:"line"`
	Source    string    `json:"source"`
	Instance  string    `json:"instance"`
	ExecID    string    `json:"exec_id,omitempty"`
}

// ConfigEntry mirrors orchestrator.ConfigEntry's wire shape.
type ConfigEntry struct {
	Key    string `json:"Key"`
	Value  string `json:"Value"`
	Secret bool   `json:"Secret"`
}

// DataMount mirrors instance.DataMount's wire shape.
type DataMount struct {
	HostPath  string    `json:"host_path"`
	GuestPath string    `json:"guest_path"`
	SyncedAt  time.Time `json:"synced_at"`
}
