// Package reconcile converges the remote patch management system with a
// normalized package: title, then definition, then package attachment, then
// policy. Remote state is observed fresh at every step and never trusted
// from a previous run; each mutation is a single idempotent call, so a
// crashed run resumes from whatever state the remote system actually is in.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/vives-io/JAAP/internal/packaging"
	"github.com/vives-io/JAAP/internal/registry"
	"github.com/vives-io/JAAP/internal/resilience"
	"github.com/vives-io/JAAP/internal/rollout"
	"github.com/vives-io/JAAP/pkg/api"
	"github.com/vives-io/JAAP/pkg/client"
)

// ErrTitleMissing is returned when the remote system has no patch title for
// the application. Title creation is a taxonomy decision outside this
// automation's authority, so the application is surfaced for manual
// intervention instead of self-healed.
var ErrTitleMissing = errors.New("patch title does not exist")

// maxPasses bounds the observe/apply loop; convergence needs at most one
// pass per transition
const maxPasses = 8

// State is the observed position of the remote system relative to the
// normalized package
type State string

const (
	// StateTitleMissing means the remote system has no title for the application
	StateTitleMissing State = "title_missing"
	// StateDefinitionMissing means the title exists but has no definition for this version
	StateDefinitionMissing State = "definition_missing"
	// StatePackageUnattached means the definition exists but the package is absent, stale or unlinked
	StatePackageUnattached State = "package_unattached"
	// StatePolicyMissing means no policy scopes this title to the target cohort
	StatePolicyMissing State = "policy_missing"
	// StatePolicyStale means the cohort's policy targets an older version
	StatePolicyStale State = "policy_stale"
	// StateConverged means the remote system already matches the package
	StateConverged State = "converged"
)

// Action records one mutation the reconciler performed, or would perform in
// a dry run
type Action struct {
	Kind   string
	Detail string
}

// Result is the outcome of one reconciliation
type Result struct {
	// State is the final observed state; StateConverged on success
	State State
	// Actions lists the mutations performed (or planned, in a dry run)
	Actions []Action
	// Mutations counts the mutating calls actually issued
	Mutations int

	TitleID  string
	PolicyID string
}

// RemoteAPI is the slice of the patch management client the reconciler
// drives. Lookups return a presence flag instead of a null-like value.
type RemoteAPI interface {
	GetPatchTitleByName(ctx context.Context, name string) (*api.PatchTitle, bool, error)
	GetDefinition(ctx context.Context, titleID, version string) (*api.PatchDefinition, bool, error)
	CreateDefinition(ctx context.Context, definition *api.PatchDefinition) (*api.PatchDefinition, error)
	AttachPackage(ctx context.Context, titleID, version, packageID string) error
	GetPackageByFileName(ctx context.Context, fileName string) (*api.Package, bool, error)
	UploadPackage(ctx context.Context, fileName string, contents io.Reader) (*api.Package, error)
	ReplacePackage(ctx context.Context, packageID, fileName string, contents io.Reader) (*api.Package, error)
	GetPolicyForGroup(ctx context.Context, titleID, groupID string) (*api.PatchPolicy, bool, error)
	CreatePolicy(ctx context.Context, policy *api.PatchPolicy) (*api.PatchPolicy, error)
	UpdatePolicy(ctx context.Context, policy *api.PatchPolicy) (*api.PatchPolicy, error)
	GetComputerGroupByName(ctx context.Context, name string) (*api.ComputerGroup, bool, error)
}

// Reconciler drives the remote state machine
type Reconciler struct {
	client RemoteAPI
	retry  *resilience.RetryPolicy
	logger *logrus.Logger
	dryRun bool
}

// NewReconciler creates a reconciler
func NewReconciler(client RemoteAPI, retry *resilience.RetryPolicy, logger *logrus.Logger) *Reconciler {
	return &Reconciler{client: client, retry: retry, logger: logger}
}

// WithDryRun makes the reconciler record mutations instead of issuing them
func (r *Reconciler) WithDryRun(dryRun bool) *Reconciler {
	r.dryRun = dryRun
	return r
}

// observation is one fresh read of everything the state machine depends on
type observation struct {
	state      State
	title      *api.PatchTitle
	group      *api.ComputerGroup
	definition *api.PatchDefinition
	remotePkg  *api.Package
	policy     *api.PatchPolicy
}

// Reconcile converges the remote system with the package for one cycle's
// cohort. Re-running against an already-converged system issues zero
// mutating calls.
func (r *Reconciler) Reconcile(ctx context.Context, pkg *packaging.NormalizedPackage, titleName string, cycle rollout.Cycle) (*Result, error) {
	result := &Result{}

	if r.dryRun {
		return r.plan(ctx, pkg, titleName, cycle)
	}

	for pass := 0; pass < maxPasses; pass++ {
		obs, err := r.observe(ctx, pkg, titleName, cycle)
		if err != nil {
			return result, err
		}
		result.State = obs.state
		if obs.title != nil {
			result.TitleID = obs.title.ID
		}
		if obs.policy != nil {
			result.PolicyID = obs.policy.ID
		}

		if obs.state == StateTitleMissing {
			return result, fmt.Errorf("%w: %q", ErrTitleMissing, titleName)
		}
		if obs.state == StateConverged {
			return result, nil
		}

		if err := r.apply(ctx, obs, pkg, cycle, result); err != nil {
			if errors.Is(err, client.ErrConflict) {
				// A concurrent runner won this transition. The resource it
				// created is the one we wanted; the next observation sees it.
				r.logger.WithFields(logrus.Fields{
					"title": obs.title.Name,
					"state": string(obs.state),
				}).Info("Lost a mutation race, re-observing")
				continue
			}
			return result, err
		}
	}

	return result, fmt.Errorf("reconciliation did not converge after %d passes", maxPasses)
}

// observe derives the current remote state from fresh reads
func (r *Reconciler) observe(ctx context.Context, pkg *packaging.NormalizedPackage, titleName string, cycle rollout.Cycle) (*observation, error) {
	obs := &observation{}

	var found bool
	err := r.retry.Do(ctx, func(ctx context.Context) error {
		var err error
		obs.title, found, err = r.client.GetPatchTitleByName(ctx, titleName)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to look up patch title: %w", err)
	}
	if !found {
		obs.state = StateTitleMissing
		return obs, nil
	}

	err = r.retry.Do(ctx, func(ctx context.Context) error {
		var err error
		obs.group, found, err = r.client.GetComputerGroupByName(ctx, cycle.SmartGroup)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to look up smart group: %w", err)
	}
	if !found {
		return nil, fmt.Errorf("smart group %q for cycle %q does not exist", cycle.SmartGroup, cycle.Name)
	}

	err = r.retry.Do(ctx, func(ctx context.Context) error {
		var err error
		obs.definition, found, err = r.client.GetDefinition(ctx, obs.title.ID, pkg.Version)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to look up patch definition: %w", err)
	}
	if !found {
		obs.state = StateDefinitionMissing
		return obs, nil
	}

	err = r.retry.Do(ctx, func(ctx context.Context) error {
		var err error
		obs.remotePkg, found, err = r.client.GetPackageByFileName(ctx, pkg.FileName)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to look up remote package: %w", err)
	}
	if !found || obs.remotePkg.Checksum != pkg.Fingerprint ||
		obs.definition.PackageID == "" || obs.definition.PackageID != obs.remotePkg.ID {
		obs.state = StatePackageUnattached
		return obs, nil
	}

	err = r.retry.Do(ctx, func(ctx context.Context) error {
		var err error
		obs.policy, found, err = r.client.GetPolicyForGroup(ctx, obs.title.ID, obs.group.ID)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to look up patch policy: %w", err)
	}
	if !found {
		obs.state = StatePolicyMissing
		return obs, nil
	}
	if registry.CompareVersions(obs.policy.TargetVersion, pkg.Version) < 0 {
		obs.state = StatePolicyStale
		return obs, nil
	}

	obs.state = StateConverged
	return obs, nil
}

// apply performs the single transition the observed state calls for
func (r *Reconciler) apply(ctx context.Context, obs *observation, pkg *packaging.NormalizedPackage, cycle rollout.Cycle, result *Result) error {
	switch obs.state {
	case StateDefinitionMissing:
		return r.createDefinition(ctx, obs, pkg, result)
	case StatePackageUnattached:
		return r.attachPackage(ctx, obs, pkg, result)
	case StatePolicyMissing:
		return r.createPolicy(ctx, obs, pkg, cycle, result)
	case StatePolicyStale:
		return r.updatePolicy(ctx, obs, pkg, result)
	default:
		return fmt.Errorf("no transition applies in state %s", obs.state)
	}
}

func (r *Reconciler) createDefinition(ctx context.Context, obs *observation, pkg *packaging.NormalizedPackage, result *Result) error {
	definition := &api.PatchDefinition{
		TitleID:     obs.title.ID,
		Version:     pkg.Version,
		ReleaseDate: time.Now().UTC(),
	}

	err := r.retry.Do(ctx, func(ctx context.Context) error {
		_, err := r.client.CreateDefinition(ctx, definition)
		return err
	})
	if err != nil {
		return fmt.Errorf("failed to create definition %s: %w", pkg.Version, err)
	}

	r.record(result, "create-definition", pkg.Version)
	r.logger.WithFields(logrus.Fields{
		"title":   obs.title.Name,
		"version": pkg.Version,
	}).Info("Created patch definition")
	return nil
}

// attachPackage makes the distribution endpoint hold the package bytes and
// links the package to the definition. A remote package with the same name
// but a different fingerprint is replaced explicitly, never skipped.
func (r *Reconciler) attachPackage(ctx context.Context, obs *observation, pkg *packaging.NormalizedPackage, result *Result) error {
	remotePkg := obs.remotePkg

	switch {
	case remotePkg == nil:
		err := r.retry.Do(ctx, func(ctx context.Context) error {
			contents, openErr := os.Open(pkg.Path)
			if openErr != nil {
				return openErr
			}
			defer contents.Close()

			var uploadErr error
			remotePkg, uploadErr = r.client.UploadPackage(ctx, pkg.FileName, contents)
			return uploadErr
		})
		if err != nil {
			return fmt.Errorf("failed to upload package %s: %w", pkg.FileName, err)
		}
		r.record(result, "upload-package", pkg.FileName)

	case remotePkg.Checksum != pkg.Fingerprint:
		r.logger.WithFields(logrus.Fields{
			"package": pkg.FileName,
			"remote":  remotePkg.Checksum,
			"local":   pkg.Fingerprint,
		}).Warn("Remote package fingerprint differs, replacing")

		err := r.retry.Do(ctx, func(ctx context.Context) error {
			contents, openErr := os.Open(pkg.Path)
			if openErr != nil {
				return openErr
			}
			defer contents.Close()

			var replaceErr error
			remotePkg, replaceErr = r.client.ReplacePackage(ctx, remotePkg.ID, pkg.FileName, contents)
			return replaceErr
		})
		if err != nil {
			return fmt.Errorf("failed to replace package %s: %w", pkg.FileName, err)
		}
		r.record(result, "replace-package", pkg.FileName)
	}

	err := r.retry.Do(ctx, func(ctx context.Context) error {
		return r.client.AttachPackage(ctx, obs.title.ID, pkg.Version, remotePkg.ID)
	})
	if err != nil {
		return fmt.Errorf("failed to attach package to definition %s: %w", pkg.Version, err)
	}

	r.record(result, "attach-package", fmt.Sprintf("%s -> %s", remotePkg.ID, pkg.Version))
	return nil
}

func (r *Reconciler) createPolicy(ctx context.Context, obs *observation, pkg *packaging.NormalizedPackage, cycle rollout.Cycle, result *Result) error {
	policy := &api.PatchPolicy{
		Name:            fmt.Sprintf("Patch - %s - %s", obs.title.Name, cycle.Name),
		TitleID:         obs.title.ID,
		TargetVersion:   pkg.Version,
		Enabled:         true,
		ComputerGroupID: obs.group.ID,
		ReleaseDate:     time.Now().UnixMilli(),
		UserInteraction: cycle.UserInteraction.ToAPI(),
	}

	err := r.retry.Do(ctx, func(ctx context.Context) error {
		_, err := r.client.CreatePolicy(ctx, policy)
		return err
	})
	if err != nil {
		return fmt.Errorf("failed to create policy for cycle %s: %w", cycle.Name, err)
	}

	r.record(result, "create-policy", policy.Name)
	r.logger.WithFields(logrus.Fields{
		"policy": policy.Name,
		"cohort": cycle.SmartGroup,
	}).Info("Created patch policy")
	return nil
}

// updatePolicy raises an existing policy to the new version in place; a
// title plus cohort pair owns exactly one policy, never duplicates
func (r *Reconciler) updatePolicy(ctx context.Context, obs *observation, pkg *packaging.NormalizedPackage, result *Result) error {
	updated := *obs.policy
	updated.TargetVersion = pkg.Version

	err := r.retry.Do(ctx, func(ctx context.Context) error {
		_, err := r.client.UpdatePolicy(ctx, &updated)
		return err
	})
	if err != nil {
		return fmt.Errorf("failed to update policy %s: %w", obs.policy.Name, err)
	}

	r.record(result, "update-policy", fmt.Sprintf("%s -> %s", obs.policy.TargetVersion, pkg.Version))
	return nil
}

func (r *Reconciler) record(result *Result, kind, detail string) {
	result.Actions = append(result.Actions, Action{Kind: kind, Detail: detail})
	result.Mutations++
}
