package storage

import "time"

// CacheEntry records one application's cached vendor artifact together with
// the conditional-fetch validators the vendor returned for it. There is at
// most one entry per application; a successful fetch overwrites it.
type CacheEntry struct {
	AppID string
	// ETag is the entity tag returned by the vendor, if any
	ETag string
	// LastModified is the Last-Modified value returned by the vendor, if any
	LastModified string
	// SourceURL is the URL the artifact was fetched from; a changed URL
	// invalidates the entry
	SourceURL string
	// Fingerprint is the SHA-256 of the cached bytes
	Fingerprint string
	// Location is the local path of the cached artifact
	Location    string
	RetrievedAt time.Time
}

// RunPhase marks how far an application's pipeline has progressed
type RunPhase string

const (
	// PhasePending indicates the pipeline has not started
	PhasePending RunPhase = "pending"
	// PhaseDownload indicates the artifact fetch is in progress or was the last completed step
	PhaseDownload RunPhase = "download"
	// PhaseVerify indicates signature verification
	PhaseVerify RunPhase = "verify"
	// PhaseNormalize indicates package normalization
	PhaseNormalize RunPhase = "normalize"
	// PhaseReconcile indicates remote state reconciliation
	PhaseReconcile RunPhase = "reconcile"
	// PhaseCompleted indicates the pipeline finished successfully
	PhaseCompleted RunPhase = "completed"
	// PhaseFailed indicates the pipeline stopped on an error
	PhaseFailed RunPhase = "failed"
)

// phaseOrder gives each phase a forward-only ordinal
var phaseOrder = map[RunPhase]int{
	PhasePending:   0,
	PhaseDownload:  1,
	PhaseVerify:    2,
	PhaseNormalize: 3,
	PhaseReconcile: 4,
	PhaseCompleted: 5,
	PhaseFailed:    5,
}

// Ordinal returns the forward-only position of a phase
func (p RunPhase) Ordinal() int {
	return phaseOrder[p]
}

// RunState is the persisted pipeline state for one application within one
// run. It is written after every phase transition so a crashed run can be
// resumed without repeating completed phases.
type RunState struct {
	RunID    string
	AppID    string
	Phase    RunPhase
	Attempts int
	// LastError is the message of the most recent failure, empty on success
	LastError  string
	StartedAt  time.Time
	FinishedAt time.Time

	// Resume data: everything a re-entered run needs to skip completed phases
	ArtifactPath   string
	NormalizedPath string
	Version        string
	Fingerprint    string
	CacheHit       bool
}
