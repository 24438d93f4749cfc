package pve

// Node is one hypervisor cluster member as returned by /nodes.
type Node struct {
	Node   string  `json:"node"`
	Status string  `json:"status"`
	CPU    float64 `json:"cpu"`
	MaxCPU int     `json:"maxcpu"`
	Uptime uint64  `json:"uptime"`
}

// ClusterResource is one entry from /cluster/resources. Only the guest
// fields the aggregator needs are mapped.
type ClusterResource struct {
	ID       string `json:"id"`
	Type     string `json:"type"` // "qemu", "lxc", "node", "storage"
	VMID     int    `json:"vmid"`
	Name     string `json:"name"`
	Node     string `json:"node"`
	Status   string `json:"status"`
	Template int    `json:"template"`
}

// Storage is one storage definition from /nodes/{node}/storage.
type Storage struct {
	Storage string `json:"storage"`
	Type    string `json:"type"`
	Content string `json:"content"` // comma-separated; "backup" marks vzdump targets
	Active  int    `json:"active"`
	Shared  int    `json:"shared"`
}

// StorageContent is one volume from /nodes/{node}/storage/{storage}/content.
type StorageContent struct {
	Volid   string `json:"volid"`
	Content string `json:"content"`
	VMID    int    `json:"vmid"`
	CTime   int64  `json:"ctime"`
	Size    int64  `json:"size"`
	Format  string `json:"format"`
	Notes   string `json:"notes,omitempty"`
}

// Snapshot is one guest snapshot from /nodes/{node}/{type}/{vmid}/snapshot.
type Snapshot struct {
	Name        string `json:"name"`
	SnapTime    int64  `json:"snaptime"`
	Description string `json:"description,omitempty"`
	Parent      string `json:"parent,omitempty"`
}

// Task is one finished task from /cluster/tasks. Backup tasks have
// type "vzdump"; a status other than "OK" means the run failed.
type Task struct {
	UPID      string `json:"upid"`
	Node      string `json:"node"`
	Type      string `json:"type"`
	ID        string `json:"id"` // vmid for vzdump tasks
	Status    string `json:"status"`
	StartTime int64  `json:"starttime"`
	EndTime   int64  `json:"endtime"`
}

// VersionInfo is the reply of /version, used as a connectivity probe.
type VersionInfo struct {
	Version string `json:"version"`
	Release string `json:"release"`
}
