package ingest

import "time"

// RebuildRequest asks a worker to bring a tenant's index up to date.
type RebuildRequest struct {
	TenantID string `json:"tenant_id"`
	// SourceDir overrides the tenant's directory under the corpus root.
	SourceDir string `json:"source_dir,omitempty"`
	// Force rebuilds even when the index is current.
	Force bool `json:"force,omitempty"`
}

// RebuiltEvent announces a finished build.
type RebuiltEvent struct {
	TenantID   string    `json:"tenant_id"`
	Chunks     int       `json:"chunks"`
	Generation string    `json:"generation"`
	Skipped    bool      `json:"skipped,omitempty"`
	BuiltAt    time.Time `json:"built_at"`
}

// DeadLetter is published when a request cannot be completed.
type DeadLetter struct {
	Request RebuildRequest `json:"request"`
	Error   string         `json:"error"`
	Retries int            `json:"retries"`
}
