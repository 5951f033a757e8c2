package api

import "time"

// AuthToken represents a bearer token issued by the patch management server
type AuthToken struct {
	Token   string    `json:"token"`
	Expires time.Time `json:"expires"`
}

// PatchTitle represents a patch software title in the remote system
type PatchTitle struct {
	ID             string `json:"id"`
	Name           string `json:"name"`
	Publisher      string `json:"publisher,omitempty"`
	CurrentVersion string `json:"currentVersion,omitempty"`
	SourceID       string `json:"sourceId,omitempty"`
}

// PatchDefinition represents the metadata for one version of a patch title
type PatchDefinition struct {
	ID          string    `json:"id"`
	TitleID     string    `json:"softwareTitleId"`
	Version     string    `json:"version"`
	ReleaseDate time.Time `json:"releaseDate,omitempty"`
	// PackageID is empty while no package has been attached to this version
	PackageID    string `json:"packageId,omitempty"`
	MinimumOS    string `json:"minimumOperatingSystem,omitempty"`
	RebootNeeded bool   `json:"rebootRequired"`
}

// Package represents an uploaded deployment package
type Package struct {
	ID       string `json:"id"`
	FileName string `json:"fileName"`
	// Checksum is the SHA-256 fingerprint of the package bytes as recorded
	// by the distribution endpoint
	Checksum string `json:"checksumSha256,omitempty"`
	Size     int64  `json:"size,omitempty"`
	Category string `json:"category,omitempty"`
}

// PatchPolicy represents a scoped deployment rule for a patch title
type PatchPolicy struct {
	ID              string `json:"id"`
	Name            string `json:"name"`
	TitleID         string `json:"softwareTitleId"`
	TargetVersion   string `json:"targetPatchVersion"`
	Enabled         bool   `json:"enabled"`
	ComputerGroupID string `json:"computerGroupId"`
	// ReleaseDate is epoch milliseconds, matching the remote API convention
	ReleaseDate     int64            `json:"releaseDate,omitempty"`
	UserInteraction *UserInteraction `json:"userInteraction,omitempty"`
}

// UserInteraction holds the end-user facing settings of a patch policy
type UserInteraction struct {
	MessageStart    string `json:"messageStart,omitempty"`
	MessageFinish   string `json:"messageFinish,omitempty"`
	AllowDeferral   bool   `json:"allowDeferral"`
	DeferralPeriod  int    `json:"deferralPeriod,omitempty"`
	DeadlineEnabled bool   `json:"deadlineEnabled"`
	DeadlinePeriod  int    `json:"deadlinePeriod,omitempty"`
}

// ComputerGroup represents a smart group of managed devices (a cohort)
type ComputerGroup struct {
	ID      string `json:"id"`
	Name    string `json:"name"`
	IsSmart bool   `json:"isSmart"`
	Size    int    `json:"size,omitempty"`
}

// ListResponse is the envelope the remote API wraps collection reads in
type ListResponse[T any] struct {
	TotalCount int `json:"totalCount"`
	Results    []T `json:"results"`
}
