package reconcile

import (
	"context"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/vives-io/JAAP/internal/packaging"
	"github.com/vives-io/JAAP/internal/registry"
	"github.com/vives-io/JAAP/internal/rollout"
	"github.com/vives-io/JAAP/pkg/api"
)

// plan runs the reconciler's read and decision logic without issuing any
// mutating call. Unlike the convergence loop it reads everything up front,
// because planned mutations never change what the remote system reports.
// Mutations stays zero; Actions carries the plan.
func (r *Reconciler) plan(ctx context.Context, pkg *packaging.NormalizedPackage, titleName string, cycle rollout.Cycle) (*Result, error) {
	result := &Result{}

	var title *api.PatchTitle
	var found bool
	err := r.retry.Do(ctx, func(ctx context.Context) error {
		var err error
		title, found, err = r.client.GetPatchTitleByName(ctx, titleName)
		return err
	})
	if err != nil {
		return result, fmt.Errorf("failed to look up patch title: %w", err)
	}
	if !found {
		result.State = StateTitleMissing
		return result, fmt.Errorf("%w: %q", ErrTitleMissing, titleName)
	}
	result.TitleID = title.ID

	var group *api.ComputerGroup
	err = r.retry.Do(ctx, func(ctx context.Context) error {
		var err error
		group, found, err = r.client.GetComputerGroupByName(ctx, cycle.SmartGroup)
		return err
	})
	if err != nil {
		return result, fmt.Errorf("failed to look up smart group: %w", err)
	}
	if !found {
		return result, fmt.Errorf("smart group %q for cycle %q does not exist", cycle.SmartGroup, cycle.Name)
	}

	var definition *api.PatchDefinition
	var haveDefinition bool
	err = r.retry.Do(ctx, func(ctx context.Context) error {
		var err error
		definition, haveDefinition, err = r.client.GetDefinition(ctx, title.ID, pkg.Version)
		return err
	})
	if err != nil {
		return result, fmt.Errorf("failed to look up patch definition: %w", err)
	}

	var remotePkg *api.Package
	var havePkg bool
	err = r.retry.Do(ctx, func(ctx context.Context) error {
		var err error
		remotePkg, havePkg, err = r.client.GetPackageByFileName(ctx, pkg.FileName)
		return err
	})
	if err != nil {
		return result, fmt.Errorf("failed to look up remote package: %w", err)
	}

	var policy *api.PatchPolicy
	var havePolicy bool
	err = r.retry.Do(ctx, func(ctx context.Context) error {
		var err error
		policy, havePolicy, err = r.client.GetPolicyForGroup(ctx, title.ID, group.ID)
		return err
	})
	if err != nil {
		return result, fmt.Errorf("failed to look up patch policy: %w", err)
	}
	if havePolicy {
		result.PolicyID = policy.ID
	}

	planned := func(kind, detail string) {
		result.Actions = append(result.Actions, Action{Kind: kind, Detail: detail})
	}

	if !haveDefinition {
		result.State = StateDefinitionMissing
		planned("create-definition", pkg.Version)
	}

	packageCurrent := havePkg && remotePkg.Checksum == pkg.Fingerprint &&
		haveDefinition && definition.PackageID == remotePkg.ID
	if !packageCurrent {
		if result.State == "" {
			result.State = StatePackageUnattached
		}
		switch {
		case !havePkg:
			planned("upload-package", pkg.FileName)
		case remotePkg.Checksum != pkg.Fingerprint:
			planned("replace-package", pkg.FileName)
		}
		planned("attach-package", pkg.Version)
	}

	switch {
	case !havePolicy:
		if result.State == "" {
			result.State = StatePolicyMissing
		}
		planned("create-policy", fmt.Sprintf("Patch - %s - %s", title.Name, cycle.Name))
	case registry.CompareVersions(policy.TargetVersion, pkg.Version) < 0:
		if result.State == "" {
			result.State = StatePolicyStale
		}
		planned("update-policy", fmt.Sprintf("%s -> %s", policy.TargetVersion, pkg.Version))
	}

	if result.State == "" {
		result.State = StateConverged
	}

	r.logger.WithFields(logrus.Fields{
		"state":   string(result.State),
		"actions": len(result.Actions),
	}).Info("Dry run: planned reconciliation actions")

	return result, nil
}
