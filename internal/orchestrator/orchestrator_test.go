package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vives-io/JAAP/internal/download"
	"github.com/vives-io/JAAP/internal/packaging"
	"github.com/vives-io/JAAP/internal/reconcile"
	"github.com/vives-io/JAAP/internal/registry"
	"github.com/vives-io/JAAP/internal/resilience"
	"github.com/vives-io/JAAP/internal/rollout"
	"github.com/vives-io/JAAP/internal/storage"
	"github.com/vives-io/JAAP/internal/verify"
)

const testCatalog = `
applications:
  chrome:
    name: Google Chrome
    patch_title: Google Chrome
    source:
      kind: direct
      url: https://example.com/chrome.pkg
  slack:
    name: Slack
    patch_title: Slack
    source:
      kind: direct
      url: https://example.com/slack.pkg
  zoom:
    name: Zoom
    patch_title: Zoom Client for Meetings
    source:
      kind: direct
      url: https://example.com/zoom.pkg
  firefox:
    name: Mozilla Firefox
    patch_title: Mozilla Firefox
    source:
      kind: direct
      url: https://example.com/firefox.pkg
`

const testCycles = `
cycles:
  - name: pilot
    week: 1
    smart_group: Patch - Pilot
`

type stubResolver struct{}

func (stubResolver) Resolve(ctx context.Context, spec *registry.ApplicationSpec) (*registry.ResolvedDownload, error) {
	return &registry.ResolvedDownload{
		URL:         spec.Source.URL,
		FileName:    spec.ID + ".pkg",
		PackageType: "pkg",
	}, nil
}

type stubFetcher struct {
	mu      sync.Mutex
	dir     string
	failFor map[string]error
	fetched []string
	metrics download.Metrics
}

func (s *stubFetcher) Fetch(ctx context.Context, spec *registry.ApplicationSpec, resolved *registry.ResolvedDownload, opts download.FetchOptions) (*download.FetchResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err, ok := s.failFor[spec.ID]; ok {
		return nil, err
	}
	s.fetched = append(s.fetched, spec.ID)
	s.metrics.CacheMisses++
	return &download.FetchResult{
		Artifact: &download.Artifact{
			AppID:       spec.ID,
			Path:        filepath.Join(s.dir, spec.ID+".pkg"),
			FileName:    spec.ID + ".pkg",
			PackageType: "pkg",
			Fingerprint: "fp-" + spec.ID,
		},
	}, nil
}

func (s *stubFetcher) Metrics() download.Metrics {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.metrics
}

type stubVerifier struct{}

func (stubVerifier) Verify(path, expectedTeamID string) (*verify.Metadata, error) {
	return &verify.Metadata{Version: "1.2.3", TeamID: expectedTeamID}, nil
}

type stubNormalizer struct{}

func (stubNormalizer) Normalize(artifact *download.Artifact, metadata *verify.Metadata) (*packaging.NormalizedPackage, error) {
	return &packaging.NormalizedPackage{
		AppID:       artifact.AppID,
		Version:     metadata.Version,
		FileName:    fmt.Sprintf("%s-%s.pkg", artifact.AppID, metadata.Version),
		Fingerprint: artifact.Fingerprint,
		Path:        artifact.Path,
	}, nil
}

type stubReconciler struct {
	mu      sync.Mutex
	failFor map[string]error
	calls   []string
}

func (s *stubReconciler) Reconcile(ctx context.Context, pkg *packaging.NormalizedPackage, titleName string, cycle rollout.Cycle) (*reconcile.Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, titleName)
	if err, ok := s.failFor[titleName]; ok {
		return nil, err
	}
	return &reconcile.Result{
		State:   reconcile.StateConverged,
		Actions: []reconcile.Action{{Kind: "create-policy", Detail: titleName}},
	}, nil
}

type testEnv struct {
	orchestrator *Orchestrator
	store        *storage.Manager
	fetcher      *stubFetcher
	reconciler   *stubReconciler
	breaker      *resilience.CircuitBreaker
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	logger := logrus.New()
	logger.SetLevel(logrus.ErrorLevel)

	reg, err := registry.Parse([]byte(testCatalog), logger)
	require.NoError(t, err)

	cycles, err := rollout.ParseTable([]byte(testCycles))
	require.NoError(t, err)

	store, err := storage.NewManager(t.TempDir(), logger)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	fetcher := &stubFetcher{dir: t.TempDir(), failFor: map[string]error{}}
	rec := &stubReconciler{failFor: map[string]error{}}
	breaker := resilience.NewCircuitBreaker("test", nil, nil)

	orch := NewOrchestrator(
		reg, stubResolver{}, store, fetcher,
		stubVerifier{}, stubNormalizer{}, rec,
		cycles, breaker, logger,
	)

	return &testEnv{
		orchestrator: orch,
		store:        store,
		fetcher:      fetcher,
		reconciler:   rec,
		breaker:      breaker,
	}
}

func outcomes(summary *Summary) map[string]Outcome {
	m := make(map[string]Outcome, len(summary.Results))
	for _, result := range summary.Results {
		m[result.AppID] = result.Outcome
	}
	return m
}

func TestRunAllSucceed(t *testing.T) {
	env := newTestEnv(t)

	summary, err := env.orchestrator.Run(context.Background(), Options{
		Apps:      []string{"chrome", "slack"},
		CycleName: "pilot",
	})
	require.NoError(t, err)

	assert.Equal(t, 2, summary.Succeeded)
	assert.Zero(t, summary.Failed)
	assert.Len(t, summary.Results, 2)
	assert.Equal(t, "pilot", summary.Cycle)
	assert.Equal(t, uint64(2), summary.CacheMisses)

	for _, result := range summary.Results {
		assert.Equal(t, OutcomeSuccess, result.Outcome)
		assert.Equal(t, "1.2.3", result.Version)
		assert.NotEmpty(t, result.Actions)
	}

	// run state records completion for resumability
	state, found, err := env.store.LatestRunState("chrome")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, storage.PhaseCompleted, state.Phase)
	assert.Equal(t, summary.RunID, state.RunID)
}

func TestRunAllExpandsCatalog(t *testing.T) {
	env := newTestEnv(t)

	summary, err := env.orchestrator.Run(context.Background(), Options{
		Apps:      []string{"all"},
		CycleName: "pilot",
	})
	require.NoError(t, err)
	assert.Len(t, summary.Results, 4)
}

func TestRunDeduplicatesRequestedApps(t *testing.T) {
	env := newTestEnv(t)

	summary, err := env.orchestrator.Run(context.Background(), Options{
		Apps:      []string{"chrome", "Chrome", "chrome"},
		CycleName: "pilot",
	})
	require.NoError(t, err)

	assert.Len(t, summary.Results, 1)
	assert.Equal(t, 1, summary.Succeeded)
	assert.Equal(t, []string{"chrome"}, env.fetcher.fetched)
}

func TestRunRejectsUnknownApp(t *testing.T) {
	env := newTestEnv(t)

	_, err := env.orchestrator.Run(context.Background(), Options{
		Apps:      []string{"chrome", "doom"},
		CycleName: "pilot",
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "doom")
}

func TestRunRejectsUnknownCycle(t *testing.T) {
	env := newTestEnv(t)

	_, err := env.orchestrator.Run(context.Background(), Options{
		Apps:      []string{"chrome"},
		CycleName: "nonexistent",
	})
	assert.Error(t, err)
}

func TestRunFailureIsIsolated(t *testing.T) {
	env := newTestEnv(t)
	env.fetcher.failFor["slack"] = errors.New("vendor endpoint returned 404")

	summary, err := env.orchestrator.Run(context.Background(), Options{
		Apps:      []string{"chrome", "slack", "zoom"},
		CycleName: "pilot",
	})
	require.NoError(t, err)

	byApp := outcomes(summary)
	assert.Equal(t, OutcomeSuccess, byApp["chrome"])
	assert.Equal(t, OutcomeFailed, byApp["slack"])
	assert.Equal(t, OutcomeSuccess, byApp["zoom"])
	assert.Equal(t, 2, summary.Succeeded)
	assert.Equal(t, 1, summary.Failed)

	state, found, err := env.store.LatestRunState("slack")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, storage.PhaseFailed, state.Phase)
	assert.Contains(t, state.LastError, "404")
}

func TestRunManualInterventionDoesNotBlockOthers(t *testing.T) {
	env := newTestEnv(t)
	env.reconciler.failFor["Google Chrome"] = fmt.Errorf("%w: %q", reconcile.ErrTitleMissing, "Google Chrome")

	summary, err := env.orchestrator.Run(context.Background(), Options{
		Apps:      []string{"chrome", "slack"},
		CycleName: "pilot",
	})
	require.NoError(t, err)

	byApp := outcomes(summary)
	assert.Equal(t, OutcomeManualIntervention, byApp["chrome"])
	assert.Equal(t, OutcomeSuccess, byApp["slack"])
	assert.Equal(t, 1, summary.ManualIntervention)
	assert.Equal(t, 1, summary.Succeeded)

	// a missing title is not a system failure; the breaker stays closed
	assert.Equal(t, resilience.BreakerClosed, env.breaker.State())
}

func TestRunSkipsWhenBreakerOpen(t *testing.T) {
	env := newTestEnv(t)
	for i := 0; i < 3; i++ {
		env.breaker.RecordFailure()
	}
	require.Equal(t, resilience.BreakerOpen, env.breaker.State())

	summary, err := env.orchestrator.Run(context.Background(), Options{
		Apps:      []string{"chrome", "slack"},
		CycleName: "pilot",
	})
	require.NoError(t, err)

	assert.Equal(t, 2, summary.Skipped)
	assert.Zero(t, summary.Succeeded)
	// skipped applications never reach the network
	assert.Empty(t, env.fetcher.fetched)
}

func TestRunConsecutiveFailuresTripBreaker(t *testing.T) {
	env := newTestEnv(t)
	for _, id := range []string{"chrome", "slack", "zoom", "firefox"} {
		env.fetcher.failFor[id] = errors.New("vendor endpoint unreachable")
	}

	summary, err := env.orchestrator.Run(context.Background(), Options{
		Apps:      []string{"chrome", "slack", "zoom", "firefox"},
		CycleName: "pilot",
		Workers:   1,
	})
	require.NoError(t, err)

	// the third failure opens the breaker; the last application is skipped
	assert.Equal(t, 3, summary.Failed)
	assert.Equal(t, 1, summary.Skipped)
	assert.Equal(t, resilience.BreakerOpen, env.breaker.State())
}

func TestRunDryRunPersistsNothing(t *testing.T) {
	env := newTestEnv(t)

	summary, err := env.orchestrator.Run(context.Background(), Options{
		Apps:      []string{"chrome"},
		CycleName: "pilot",
		DryRun:    true,
	})
	require.NoError(t, err)
	assert.True(t, summary.DryRun)
	assert.Equal(t, 1, summary.Succeeded)

	_, found, err := env.store.LatestRunState("chrome")
	require.NoError(t, err)
	assert.False(t, found, "dry runs must leave no run state behind")
}

func TestRunRetryFromReusesPriorArtifacts(t *testing.T) {
	env := newTestEnv(t)

	// a previous run failed at reconcile, leaving its artifacts behind
	require.NoError(t, env.store.SaveRunState(&storage.RunState{
		RunID:          "run-old",
		AppID:          "chrome",
		Phase:          storage.PhaseFailed,
		ArtifactPath:   "/prior/chrome.pkg",
		NormalizedPath: "/prior/chrome-1.2.3.pkg",
		Version:        "1.2.3",
		Fingerprint:    "fp-prior",
	}))

	summary, err := env.orchestrator.Run(context.Background(), Options{
		Apps:      []string{"chrome"},
		CycleName: "pilot",
		RetryFrom: "reconcile",
	})
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Succeeded)

	// the download phase is skipped entirely
	assert.Empty(t, env.fetcher.fetched)
	assert.Equal(t, []string{"Google Chrome"}, env.reconciler.calls)
}

func TestRunRejectsUnknownRetryPhase(t *testing.T) {
	env := newTestEnv(t)

	summary, err := env.orchestrator.Run(context.Background(), Options{
		Apps:      []string{"chrome"},
		CycleName: "pilot",
		RetryFrom: "teleport",
	})
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Failed)
}
