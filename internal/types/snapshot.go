package types

import "time"

// SnapshotFileKind describes how a file's content is stored in an undo snapshot
type SnapshotFileKind string

const (
	// SnapshotFull stores the complete file content
	SnapshotFull SnapshotFileKind = "full"
	// SnapshotDelta stores a unified diff against the previous snapshot of the same path
	SnapshotDelta SnapshotFileKind = "delta"
	// SnapshotAbsent records that the file did not exist; restore deletes it
	SnapshotAbsent SnapshotFileKind = "absent"
)

// SnapshotRecord is one undo snapshot: the pre-mutation content of every file an Act touches
type SnapshotRecord struct {
	Seq       int64           `json:"seq"`
	ID        string          `json:"id"`
	RunID     string          `json:"run_id,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
	Files     []*SnapshotFile `json:"files"`
}

// Paths returns the file paths covered by the snapshot
func (s *SnapshotRecord) Paths() []string {
	out := make([]string, 0, len(s.Files))
	for _, f := range s.Files {
		out = append(out, f.Path)
	}
	return out
}

// SnapshotFile is the stored content of one file inside a snapshot
type SnapshotFile struct {
	SnapshotID     string           `json:"snapshot_id"`
	Path           string           `json:"path"`
	Kind           SnapshotFileKind `json:"kind"`
	BaseSnapshotID string           `json:"base_snapshot_id,omitempty"` // Delta base (previous snapshot of this path)
	Depth          int              `json:"depth"`                      // Number of deltas since the last full copy
	Payload        []byte           `json:"-"`
	ContentHash    string           `json:"content_hash"` // SHA-256 of the full reconstructed content
	Size           int64            `json:"size"`         // Length of the full reconstructed content
}

// StoredBytes returns how many payload bytes this entry occupies
func (f *SnapshotFile) StoredBytes() int64 {
	return int64(len(f.Payload))
}
