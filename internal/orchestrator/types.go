package orchestrator

import (
	"context"
	"time"

	"github.com/vives-io/JAAP/internal/download"
	"github.com/vives-io/JAAP/internal/packaging"
	"github.com/vives-io/JAAP/internal/reconcile"
	"github.com/vives-io/JAAP/internal/registry"
	"github.com/vives-io/JAAP/internal/rollout"
	"github.com/vives-io/JAAP/internal/verify"
)

// Outcome is the terminal result of one application's pipeline
type Outcome string

const (
	// OutcomeSuccess indicates every phase completed
	OutcomeSuccess Outcome = "success"
	// OutcomeManualIntervention indicates the remote title is missing and a
	// human must create it; not a bug, but not a success either
	OutcomeManualIntervention Outcome = "manual_intervention_required"
	// OutcomeFailed indicates the pipeline stopped on an error
	OutcomeFailed Outcome = "failed"
	// OutcomeSkipped indicates the application never started because the
	// circuit breaker was open
	OutcomeSkipped Outcome = "skipped_circuit_open"
)

// AppResult is the per-application entry of a run summary
type AppResult struct {
	AppID   string
	Outcome Outcome
	// Reason carries the failure or skip explanation, empty on success
	Reason   string
	Version  string
	CacheHit bool
	Duration time.Duration
	// Actions lists the reconciler's mutations, or its plan in a dry run
	Actions []reconcile.Action
}

// Summary aggregates one run. Every requested application appears exactly
// once; a missing entry would itself be a defect.
type Summary struct {
	RunID      string
	Cycle      string
	DryRun     bool
	StartedAt  time.Time
	FinishedAt time.Time
	Results    []AppResult

	Succeeded          int
	Failed             int
	ManualIntervention int
	Skipped            int
	CacheHits          uint64
	CacheMisses        uint64
}

// Options control one run
type Options struct {
	// Apps is the set of application IDs to process; the literal "all"
	// expands to the whole catalog
	Apps []string
	// CycleName pins the run to a named cycle instead of resolving by date
	CycleName string
	// DryRun suppresses every mutating call and records intended actions
	DryRun bool
	// Force bypasses conditional fetching and re-downloads everything
	Force bool
	// RetryFrom re-enters a failed run at the given phase, reusing the
	// artifacts recorded by the previous attempt
	RetryFrom string
	// Workers bounds how many application pipelines run concurrently
	Workers int64
}

// SourceResolver resolves an application's download source to a concrete URL
type SourceResolver interface {
	Resolve(ctx context.Context, spec *registry.ApplicationSpec) (*registry.ResolvedDownload, error)
}

// Fetcher retrieves vendor artifacts through the cache
type Fetcher interface {
	Fetch(ctx context.Context, spec *registry.ApplicationSpec, resolved *registry.ResolvedDownload, opts download.FetchOptions) (*download.FetchResult, error)
	Metrics() download.Metrics
}

// ArtifactVerifier authenticates downloaded artifacts
type ArtifactVerifier interface {
	Verify(path, expectedTeamID string) (*verify.Metadata, error)
}

// PackageNormalizer produces deployment-ready packages
type PackageNormalizer interface {
	Normalize(artifact *download.Artifact, metadata *verify.Metadata) (*packaging.NormalizedPackage, error)
}

// Reconciler converges the remote system with a normalized package
type Reconciler interface {
	Reconcile(ctx context.Context, pkg *packaging.NormalizedPackage, titleName string, cycle rollout.Cycle) (*reconcile.Result, error)
}
