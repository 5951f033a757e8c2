// Package packaging turns verified artifacts into deployment-ready packages
// with a canonical name and a stable content fingerprint. Normalization is a
// deterministic pure transform: the same artifact bytes and metadata always
// produce bit-identical output, so a crashed run can safely re-enter this
// phase.
package packaging

import (
	"archive/zip"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/vives-io/JAAP/internal/download"
	"github.com/vives-io/JAAP/internal/verify"
)

// zipEpoch is the fixed timestamp written into canonicalized zip entries;
// wall-clock times would break bit-identical reprocessing
var zipEpoch = time.Date(1980, 1, 1, 0, 0, 0, 0, time.UTC)

// NormalizedPackage is the deployment-ready output of one pipeline run.
// Immutable after creation; at most one is current per application.
type NormalizedPackage struct {
	AppID string
	// Version is the canonical version string from verification
	Version string
	// FileName is the canonical package name: <app id>-<version>.<ext>
	FileName string
	// Fingerprint is the SHA-256 of the final package bytes
	Fingerprint string
	// Path is the local location of the package file
	Path string
}

// Normalizer converts verified artifacts into deployment packages
type Normalizer struct {
	// packagePath decides where normalized packages land, keyed by
	// application ID and canonical file name
	packagePath func(appID, fileName string) string
	logger      *logrus.Logger
}

// NewNormalizer creates a normalizer writing through the given path mapper
func NewNormalizer(packagePath func(appID, fileName string) string, logger *logrus.Logger) *Normalizer {
	return &Normalizer{packagePath: packagePath, logger: logger}
}

// Normalize produces the canonical package for a verified artifact.
// Installer packages pass through byte for byte; zip bundles are rewritten
// into a canonical archive so that re-zipped vendor downloads with identical
// contents fingerprint identically.
func (n *Normalizer) Normalize(artifact *download.Artifact, metadata *verify.Metadata) (*NormalizedPackage, error) {
	ext := strings.ToLower(filepath.Ext(artifact.Path))

	fileName := fmt.Sprintf("%s-%s%s", artifact.AppID, metadata.Version, ext)
	outPath := n.packagePath(artifact.AppID, fileName)

	if err := os.MkdirAll(filepath.Dir(outPath), 0755); err != nil {
		return nil, fmt.Errorf("failed to create package directory: %w", err)
	}

	var fingerprint string
	var err error
	switch ext {
	case ".pkg":
		fingerprint, err = copyPackage(artifact.Path, outPath)
	case ".zip":
		fingerprint, err = canonicalizeZip(artifact.Path, outPath)
	default:
		return nil, fmt.Errorf("cannot normalize container format %q", ext)
	}
	if err != nil {
		return nil, err
	}

	n.logger.WithFields(logrus.Fields{
		"app":         artifact.AppID,
		"file":        fileName,
		"fingerprint": fingerprint,
	}).Info("Normalized package")

	return &NormalizedPackage{
		AppID:       artifact.AppID,
		Version:     metadata.Version,
		FileName:    fileName,
		Fingerprint: fingerprint,
		Path:        outPath,
	}, nil
}

// copyPackage copies installer bytes unchanged and fingerprints them
func copyPackage(src, dst string) (string, error) {
	in, err := os.Open(src)
	if err != nil {
		return "", fmt.Errorf("failed to open artifact: %w", err)
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return "", fmt.Errorf("failed to create package: %w", err)
	}

	hasher := sha256.New()
	_, err = io.Copy(io.MultiWriter(out, hasher), in)
	if closeErr := out.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		return "", fmt.Errorf("failed to write package: %w", err)
	}

	return hex.EncodeToString(hasher.Sum(nil)), nil
}

// canonicalizeZip rewrites a zip archive with sorted entries, a fixed
// timestamp and stable compression settings
func canonicalizeZip(src, dst string) (string, error) {
	reader, err := zip.OpenReader(src)
	if err != nil {
		return "", fmt.Errorf("failed to open zip artifact: %w", err)
	}
	defer reader.Close()

	entries := make([]*zip.File, len(reader.File))
	copy(entries, reader.File)
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Name < entries[j].Name
	})

	out, err := os.Create(dst)
	if err != nil {
		return "", fmt.Errorf("failed to create package: %w", err)
	}
	defer out.Close()

	hasher := sha256.New()
	writer := zip.NewWriter(io.MultiWriter(out, hasher))

	for _, entry := range entries {
		header := &zip.FileHeader{
			Name:     entry.Name,
			Method:   zip.Deflate,
			Modified: zipEpoch,
		}
		header.SetMode(entry.Mode())
		if strings.HasSuffix(entry.Name, "/") {
			header.Method = zip.Store
		}

		w, err := writer.CreateHeader(header)
		if err != nil {
			return "", fmt.Errorf("failed to write zip entry %q: %w", entry.Name, err)
		}
		if strings.HasSuffix(entry.Name, "/") {
			continue
		}

		rc, err := entry.Open()
		if err != nil {
			return "", fmt.Errorf("failed to read zip entry %q: %w", entry.Name, err)
		}
		_, err = io.Copy(w, rc)
		rc.Close()
		if err != nil {
			return "", fmt.Errorf("failed to copy zip entry %q: %w", entry.Name, err)
		}
	}

	if err := writer.Close(); err != nil {
		return "", fmt.Errorf("failed to finalize package: %w", err)
	}

	return hex.EncodeToString(hasher.Sum(nil)), nil
}
