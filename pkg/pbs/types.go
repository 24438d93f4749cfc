package pbs

// Datastore is one datastore from /admin/datastore.
type Datastore struct {
	Store   string `json:"store"`
	Comment string `json:"comment,omitempty"`
}

// Namespace is one namespace from /admin/datastore/{store}/namespace.
type Namespace struct {
	NS     string `json:"ns"`
	Parent string `json:"parent,omitempty"`
}

// SnapshotVerification is the verification state attached to a backup
// snapshot, when the server has verified it.
type SnapshotVerification struct {
	State string `json:"state"` // "ok" or "failed"
	UPID  string `json:"upid,omitempty"`
}

// BackupSnapshot is one backup group member from
// /admin/datastore/{store}/snapshots.
type BackupSnapshot struct {
	BackupType   string                `json:"backup-type"` // "vm" or "ct"
	BackupID     string                `json:"backup-id"`   // vmid as string
	BackupTime   int64                 `json:"backup-time"`
	Size         int64                 `json:"size"`
	Protected    bool                  `json:"protected"`
	Comment      string                `json:"comment,omitempty"`
	Verification *SnapshotVerification `json:"verification,omitempty"`
}

// VersionInfo is the reply of /version, used as a connectivity probe.
type VersionInfo struct {
	Version string `json:"version"`
	Release string `json:"release"`
}
