package rrdp

// SnapshotReason classifies why a delta update was abandoned in favor
// of a full snapshot fetch (spec §4.3, §6). Exported as Prometheus-style
// labels by internal/metrics.
type SnapshotReason string

const (
	ReasonNone                 SnapshotReason = ""
	ReasonNewRepository        SnapshotReason = "new-repository"
	ReasonNewSession           SnapshotReason = "new-session"
	ReasonInconsistentDeltaSet SnapshotReason = "inconsistent-delta-set"
	ReasonDeltaMutation        SnapshotReason = "delta-mutation"
	ReasonLargeSerial          SnapshotReason = "large-serial"
	ReasonOutdatedLocal        SnapshotReason = "outdated-local"
	ReasonConflictingDelta     SnapshotReason = "conflicting-delta"
	ReasonTooManyDeltas        SnapshotReason = "too-many-deltas"
	ReasonCorruptLocalCopy     SnapshotReason = "corrupt-local-copy"
)
