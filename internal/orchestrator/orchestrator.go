// Package orchestrator is the top-level run controller. It fans the
// per-application pipeline (download, verify, normalize, reconcile) out
// across a bounded worker pool, persists resumable run state after every
// phase transition, and aggregates one outcome per application.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/semaphore"

	"github.com/vives-io/JAAP/internal/download"
	"github.com/vives-io/JAAP/internal/packaging"
	"github.com/vives-io/JAAP/internal/reconcile"
	"github.com/vives-io/JAAP/internal/registry"
	"github.com/vives-io/JAAP/internal/resilience"
	"github.com/vives-io/JAAP/internal/rollout"
	"github.com/vives-io/JAAP/internal/storage"
	"github.com/vives-io/JAAP/internal/verify"
)

// defaultWorkers bounds concurrent application pipelines
const defaultWorkers = 5

// Orchestrator sequences the patch pipeline across the application set
type Orchestrator struct {
	registry   *registry.Registry
	resolver   SourceResolver
	store      *storage.Manager
	fetcher    Fetcher
	verifier   ArtifactVerifier
	normalizer PackageNormalizer
	reconciler Reconciler
	cycles     *rollout.Table
	breaker    *resilience.CircuitBreaker
	logger     *logrus.Logger
}

// NewOrchestrator wires the pipeline components together
func NewOrchestrator(
	reg *registry.Registry,
	resolver SourceResolver,
	store *storage.Manager,
	fetcher Fetcher,
	verifier ArtifactVerifier,
	normalizer PackageNormalizer,
	reconciler Reconciler,
	cycles *rollout.Table,
	breaker *resilience.CircuitBreaker,
	logger *logrus.Logger,
) *Orchestrator {
	return &Orchestrator{
		registry:   reg,
		resolver:   resolver,
		store:      store,
		fetcher:    fetcher,
		verifier:   verifier,
		normalizer: normalizer,
		reconciler: reconciler,
		cycles:     cycles,
		breaker:    breaker,
		logger:     logger,
	}
}

// Run executes the pipeline for the requested applications and returns the
// aggregate summary. Configuration problems fail the whole run before any
// application starts; everything after that is isolated per application.
func (o *Orchestrator) Run(ctx context.Context, opts Options) (*Summary, error) {
	cycle, err := o.resolveCycle(opts)
	if err != nil {
		return nil, err
	}

	appIDs, err := o.resolveApps(opts.Apps)
	if err != nil {
		return nil, err
	}

	workers := opts.Workers
	if workers <= 0 {
		workers = defaultWorkers
	}

	runID := fmt.Sprintf("run-%s", uuid.New().String())
	summary := &Summary{
		RunID:     runID,
		Cycle:     cycle.Name,
		DryRun:    opts.DryRun,
		StartedAt: time.Now(),
	}

	o.logger.WithFields(logrus.Fields{
		"run":     runID,
		"apps":    len(appIDs),
		"cycle":   cycle.Name,
		"dry_run": opts.DryRun,
	}).Info("Starting workflow run")

	sem := semaphore.NewWeighted(workers)
	results := make(chan AppResult, len(appIDs))
	var wg sync.WaitGroup

	for _, appID := range appIDs {
		appID := appID
		wg.Add(1)
		go func() {
			defer wg.Done()

			if err := sem.Acquire(ctx, 1); err != nil {
				results <- AppResult{AppID: appID, Outcome: OutcomeFailed, Reason: err.Error()}
				return
			}
			defer sem.Release(1)

			// The breaker is consulted at start: applications queued behind
			// a tripped breaker are skipped without a single network call.
			if !o.breaker.Allow() {
				o.logger.WithField("app", appID).Warn("Circuit open, skipping application")
				results <- AppResult{AppID: appID, Outcome: OutcomeSkipped, Reason: resilience.ErrCircuitOpen.Error()}
				return
			}

			result := o.runPipeline(ctx, runID, appID, cycle, opts)
			switch result.Outcome {
			case OutcomeSuccess:
				o.breaker.RecordSuccess()
			case OutcomeFailed:
				o.breaker.RecordFailure()
			}
			results <- result
		}()
	}

	wg.Wait()
	close(results)

	collected := make(map[string]AppResult, len(appIDs))
	for result := range results {
		collected[result.AppID] = result
	}
	for _, appID := range appIDs {
		result, ok := collected[appID]
		if !ok {
			// An application absent from the summary is itself a defect.
			result = AppResult{AppID: appID, Outcome: OutcomeFailed, Reason: "no outcome recorded"}
		}
		summary.Results = append(summary.Results, result)
		switch result.Outcome {
		case OutcomeSuccess:
			summary.Succeeded++
		case OutcomeManualIntervention:
			summary.ManualIntervention++
		case OutcomeFailed:
			summary.Failed++
		case OutcomeSkipped:
			summary.Skipped++
		}
	}

	metrics := o.fetcher.Metrics()
	summary.CacheHits = metrics.CacheHits
	summary.CacheMisses = metrics.CacheMisses
	summary.FinishedAt = time.Now()

	o.logger.WithFields(logrus.Fields{
		"run":       runID,
		"succeeded": summary.Succeeded,
		"failed":    summary.Failed,
		"manual":    summary.ManualIntervention,
		"skipped":   summary.Skipped,
	}).Info("Workflow run finished")

	return summary, nil
}

func (o *Orchestrator) resolveCycle(opts Options) (rollout.Cycle, error) {
	if opts.CycleName != "" {
		cycle, ok := o.cycles.ByName(opts.CycleName)
		if !ok {
			return rollout.Cycle{}, fmt.Errorf("unknown cycle %q", opts.CycleName)
		}
		return cycle, nil
	}
	return o.cycles.ResolveAt(time.Now()), nil
}

func (o *Orchestrator) resolveApps(apps []string) ([]string, error) {
	if len(apps) == 1 && strings.EqualFold(apps[0], "all") {
		return o.registry.IDs(), nil
	}

	ids := make([]string, 0, len(apps))
	seen := make(map[string]struct{}, len(apps))
	for _, app := range apps {
		id := strings.ToLower(app)
		if _, ok := o.registry.Get(id); !ok {
			return nil, fmt.Errorf("application %q is not in the catalog", app)
		}
		// a repeated ID runs once
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		ids = append(ids, id)
	}
	if len(ids) == 0 {
		return nil, fmt.Errorf("no applications requested")
	}
	return ids, nil
}

// runPipeline executes the phases for one application. Phases run strictly
// in order; run state is persisted before each phase starts so a crash
// leaves behind an accurate marker, and resume data is persisted as phases
// complete.
func (o *Orchestrator) runPipeline(ctx context.Context, runID, appID string, cycle rollout.Cycle, opts Options) AppResult {
	started := time.Now()
	spec, _ := o.registry.Get(appID)
	log := o.logger.WithFields(logrus.Fields{"run": runID, "app": appID})

	state := &storage.RunState{
		RunID:     runID,
		AppID:     appID,
		Phase:     storage.PhasePending,
		StartedAt: started,
	}

	startPhase := storage.PhaseDownload
	if opts.RetryFrom != "" {
		resumed, phase, err := o.resumeState(appID, storage.RunPhase(opts.RetryFrom))
		if err != nil {
			return o.fail(state, opts.DryRun, started, err)
		}
		if resumed != nil {
			state.ArtifactPath = resumed.ArtifactPath
			state.NormalizedPath = resumed.NormalizedPath
			state.Version = resumed.Version
			state.Fingerprint = resumed.Fingerprint
			state.CacheHit = resumed.CacheHit
			startPhase = phase
			log.WithField("phase", phase).Info("Resuming from prior run state")
		}
	}

	var artifact *download.Artifact
	var metadata *verify.Metadata
	var pkg *packaging.NormalizedPackage

	// Download
	if startPhase.Ordinal() <= storage.PhaseDownload.Ordinal() {
		if err := o.enterPhase(ctx, state, storage.PhaseDownload, opts.DryRun); err != nil {
			return o.fail(state, opts.DryRun, started, err)
		}

		resolved, err := o.resolver.Resolve(ctx, spec)
		if err != nil {
			return o.fail(state, opts.DryRun, started, err)
		}

		fetched, err := o.fetcher.Fetch(ctx, spec, resolved, download.FetchOptions{
			Force:  opts.Force,
			DryRun: opts.DryRun,
		})
		if err != nil {
			return o.fail(state, opts.DryRun, started, err)
		}

		artifact = fetched.Artifact
		state.ArtifactPath = artifact.Path
		state.CacheHit = fetched.CacheHit
	} else {
		artifact = &download.Artifact{
			AppID:    appID,
			Path:     state.ArtifactPath,
			FileName: filepath.Base(state.ArtifactPath),
		}
	}

	// Verify
	if startPhase.Ordinal() <= storage.PhaseVerify.Ordinal() {
		if err := o.enterPhase(ctx, state, storage.PhaseVerify, opts.DryRun); err != nil {
			return o.fail(state, opts.DryRun, started, err)
		}

		var err error
		metadata, err = o.verifier.Verify(artifact.Path, spec.TeamID)
		if err != nil {
			return o.fail(state, opts.DryRun, started, err)
		}
		state.Version = metadata.Version
	} else {
		metadata = &verify.Metadata{Version: state.Version, TeamID: spec.TeamID}
	}

	// Normalize
	if startPhase.Ordinal() <= storage.PhaseNormalize.Ordinal() {
		if err := o.enterPhase(ctx, state, storage.PhaseNormalize, opts.DryRun); err != nil {
			return o.fail(state, opts.DryRun, started, err)
		}

		var err error
		pkg, err = o.normalizer.Normalize(artifact, metadata)
		if err != nil {
			return o.fail(state, opts.DryRun, started, err)
		}
		state.NormalizedPath = pkg.Path
		state.Fingerprint = pkg.Fingerprint
	} else {
		pkg = &packaging.NormalizedPackage{
			AppID:       appID,
			Version:     state.Version,
			FileName:    filepath.Base(state.NormalizedPath),
			Fingerprint: state.Fingerprint,
			Path:        state.NormalizedPath,
		}
	}

	// Reconcile
	if err := o.enterPhase(ctx, state, storage.PhaseReconcile, opts.DryRun); err != nil {
		return o.fail(state, opts.DryRun, started, err)
	}

	recResult, err := o.reconciler.Reconcile(ctx, pkg, spec.PatchTitle, cycle)
	if err != nil {
		if errors.Is(err, reconcile.ErrTitleMissing) {
			log.Warn("Patch title missing, manual intervention required")
			o.finishPhase(state, storage.PhaseFailed, err.Error(), opts.DryRun)
			return AppResult{
				AppID:    appID,
				Outcome:  OutcomeManualIntervention,
				Reason:   err.Error(),
				Version:  state.Version,
				CacheHit: state.CacheHit,
				Duration: time.Since(started),
			}
		}
		return o.fail(state, opts.DryRun, started, err)
	}

	o.finishPhase(state, storage.PhaseCompleted, "", opts.DryRun)
	log.WithFields(logrus.Fields{
		"version":   pkg.Version,
		"mutations": recResult.Mutations,
	}).Info("Application pipeline completed")

	return AppResult{
		AppID:    appID,
		Outcome:  OutcomeSuccess,
		Version:  pkg.Version,
		CacheHit: state.CacheHit,
		Duration: time.Since(started),
		Actions:  recResult.Actions,
	}
}

// resumeState loads the previous attempt's state when retrying from a phase
func (o *Orchestrator) resumeState(appID string, from storage.RunPhase) (*storage.RunState, storage.RunPhase, error) {
	if _, ok := phaseByName(from); !ok {
		return nil, "", fmt.Errorf("unknown retry phase %q", from)
	}

	previous, found, err := o.store.LatestRunState(appID)
	if err != nil {
		return nil, "", err
	}
	if !found {
		return nil, "", nil
	}
	return previous, from, nil
}

func phaseByName(phase storage.RunPhase) (storage.RunPhase, bool) {
	switch phase {
	case storage.PhaseDownload, storage.PhaseVerify, storage.PhaseNormalize, storage.PhaseReconcile:
		return phase, true
	default:
		return "", false
	}
}

// enterPhase checks for cancellation and persists the forward transition.
// Dry runs never persist state; there is nothing to resume.
func (o *Orchestrator) enterPhase(ctx context.Context, state *storage.RunState, phase storage.RunPhase, dryRun bool) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	state.Phase = phase
	state.Attempts++

	if dryRun {
		return nil
	}
	return o.store.SaveRunState(state)
}

func (o *Orchestrator) finishPhase(state *storage.RunState, phase storage.RunPhase, lastError string, dryRun bool) {
	state.Phase = phase
	state.LastError = lastError
	state.FinishedAt = time.Now()

	if dryRun {
		return
	}
	if err := o.store.SaveRunState(state); err != nil {
		o.logger.WithError(err).Error("Failed to persist final run state")
	}
}

func (o *Orchestrator) fail(state *storage.RunState, dryRun bool, started time.Time, err error) AppResult {
	o.logger.WithFields(logrus.Fields{
		"app":   state.AppID,
		"phase": state.Phase,
	}).WithError(err).Error("Application pipeline failed")

	o.finishPhase(state, storage.PhaseFailed, err.Error(), dryRun)

	return AppResult{
		AppID:    state.AppID,
		Outcome:  OutcomeFailed,
		Reason:   err.Error(),
		Version:  state.Version,
		CacheHit: state.CacheHit,
		Duration: time.Since(started),
	}
}
