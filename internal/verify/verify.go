// Package verify authenticates downloaded artifacts before anything else
// may touch them. It opens the artifact's container format, extracts the
// declared version and the signing identity (the vendor's team ID), and
// fails closed when the identity does not match the one configured for the
// application.
//
// Verification failures are content problems, never transient faults, and
// are therefore never retried.
package verify

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/sirupsen/logrus"
)

var (
	// ErrSignatureMismatch is returned when the artifact's signing identity
	// does not match the expected one, or the artifact carries no identity
	ErrSignatureMismatch = errors.New("signing identity mismatch")

	// ErrUnsupportedContainer is returned for container formats the
	// verifier cannot open
	ErrUnsupportedContainer = errors.New("unsupported container format")

	// ErrContainerInvalid is returned when the container exists but cannot
	// be parsed
	ErrContainerInvalid = errors.New("container cannot be opened")
)

// Metadata is the canonical metadata extracted from a verified artifact
type Metadata struct {
	// Version is the artifact's declared version
	Version string
	// BundleID is the application's bundle identifier, when present
	BundleID string
	// TeamID is the signing identity found in the artifact
	TeamID string
}

// Verifier validates artifact authenticity
type Verifier struct {
	logger *logrus.Logger
}

// NewVerifier creates a verifier
func NewVerifier(logger *logrus.Logger) *Verifier {
	return &Verifier{logger: logger}
}

// Verify extracts the artifact's metadata and checks its signing identity
// against the expected one. No downstream step may run on an artifact this
// returns an error for.
func (v *Verifier) Verify(path, expectedTeamID string) (*Metadata, error) {
	if expectedTeamID == "" {
		return nil, fmt.Errorf("%w: no expected signing identity configured", ErrSignatureMismatch)
	}

	var metadata *Metadata
	var err error

	switch strings.ToLower(filepath.Ext(path)) {
	case ".pkg":
		metadata, err = parseXarPackage(path)
	case ".zip":
		metadata, err = parseZipBundle(path)
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedContainer, filepath.Ext(path))
	}
	if err != nil {
		return nil, err
	}

	if metadata.TeamID == "" {
		return nil, fmt.Errorf("%w: artifact carries no signing identity", ErrSignatureMismatch)
	}
	if metadata.TeamID != expectedTeamID {
		v.logger.WithFields(logrus.Fields{
			"expected": expectedTeamID,
			"found":    metadata.TeamID,
		}).Error("Signing identity mismatch")
		return nil, fmt.Errorf("%w: expected %s, found %s", ErrSignatureMismatch, expectedTeamID, metadata.TeamID)
	}
	if metadata.Version == "" {
		return nil, fmt.Errorf("%w: artifact declares no version", ErrContainerInvalid)
	}

	v.logger.WithFields(logrus.Fields{
		"version": metadata.Version,
		"team_id": metadata.TeamID,
	}).Info("Artifact verified")

	return metadata, nil
}
