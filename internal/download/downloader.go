// Package download fetches vendor artifacts with conditional-request
// caching. A cached artifact whose validators still match the vendor's is
// reused without transferring bytes; everything else is downloaded in full
// and committed back to the cache.
package download

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/vives-io/JAAP/internal/registry"
	"github.com/vives-io/JAAP/internal/resilience"
	"github.com/vives-io/JAAP/internal/storage"
)

const userAgent = "JAAP/1.0 (Macintosh; Intel Mac OS X)"

// Artifact is a downloaded, unverified file plus what the source declared
// about it. It lives only within one pipeline run.
type Artifact struct {
	AppID string
	Path  string
	// FileName is the artifact's name as the vendor serves it
	FileName string
	// PackageType is the container format: pkg, zip or dmg
	PackageType string
	// DeclaredVersion is what the download source claimed, empty when the
	// source does not advertise versions; never trusted over the verifier
	DeclaredVersion string
	// Fingerprint is the SHA-256 of the artifact bytes
	Fingerprint string
}

// FetchResult is the outcome of one fetch
type FetchResult struct {
	Artifact *Artifact
	// CacheHit is true when the vendor confirmed the cached bytes are current
	CacheHit bool
}

// Metrics contains the downloader's counters
type Metrics struct {
	CacheHits    uint64
	CacheMisses  uint64
	BytesFetched int64
}

// Downloader fetches vendor artifacts through the cache
type Downloader struct {
	store      *storage.Manager
	httpClient *http.Client
	retry      *resilience.RetryPolicy
	logger     *logrus.Logger

	mu      sync.Mutex
	metrics Metrics
}

// NewDownloader creates a downloader backed by the given store
func NewDownloader(store *storage.Manager, retry *resilience.RetryPolicy, logger *logrus.Logger) *Downloader {
	return &Downloader{
		store: store,
		httpClient: &http.Client{
			Timeout: 10 * time.Minute,
		},
		retry:  retry,
		logger: logger,
	}
}

// WithHTTPClient replaces the underlying HTTP client, used by tests
func (d *Downloader) WithHTTPClient(httpClient *http.Client) *Downloader {
	d.httpClient = httpClient
	return d
}

// Metrics returns a copy of the downloader's counters
func (d *Downloader) Metrics() Metrics {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.metrics
}

// FetchOptions control one fetch
type FetchOptions struct {
	// Force bypasses the conditional request and downloads unconditionally
	Force bool
	// DryRun downloads as needed for later read-only phases but never
	// commits a cache entry
	DryRun bool
}

// Fetch retrieves the artifact for one application. When a cache entry
// exists for the same URL, the request carries the cached validators and a
// "not modified" answer short-circuits to the cached file without touching
// the cache entry. Transient transport failures are retried with backoff;
// 4xx responses fail immediately.
func (d *Downloader) Fetch(ctx context.Context, spec *registry.ApplicationSpec, resolved *registry.ResolvedDownload, opts FetchOptions) (*FetchResult, error) {
	entry, cached, err := d.store.CacheLookup(spec.ID)
	if err != nil {
		return nil, err
	}

	// A changed URL or a force flag invalidates the conditional request,
	// not the entry itself; a successful download overwrites it.
	useValidators := cached && !opts.Force && entry.SourceURL == resolved.URL &&
		fileExists(entry.Location)

	var result *FetchResult
	err = d.retry.Do(ctx, func(ctx context.Context) error {
		var attemptErr error
		result, attemptErr = d.fetchOnce(ctx, spec, resolved, entry, useValidators, opts.DryRun)
		return attemptErr
	})
	if err != nil {
		return nil, err
	}

	d.mu.Lock()
	if result.CacheHit {
		d.metrics.CacheHits++
	} else {
		d.metrics.CacheMisses++
	}
	d.mu.Unlock()

	return result, nil
}

func (d *Downloader) fetchOnce(ctx context.Context, spec *registry.ApplicationSpec, resolved *registry.ResolvedDownload, entry *storage.CacheEntry, useValidators, dryRun bool) (*FetchResult, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, resolved.URL, nil)
	if err != nil {
		return nil, fmt.Errorf("invalid download URL %q: %w", resolved.URL, err)
	}
	req.Header.Set("User-Agent", userAgent)

	if useValidators {
		if entry.ETag != "" {
			req.Header.Set("If-None-Match", entry.ETag)
		}
		if entry.LastModified != "" {
			req.Header.Set("If-Modified-Since", entry.LastModified)
		}
	}

	resp, err := d.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotModified:
		d.logger.WithField("app", spec.ID).Info("Cache hit, vendor content unchanged")
		return &FetchResult{
			Artifact: &Artifact{
				AppID:           spec.ID,
				Path:            entry.Location,
				FileName:        filepath.Base(entry.Location),
				PackageType:     resolved.PackageType,
				DeclaredVersion: resolved.Version,
				Fingerprint:     entry.Fingerprint,
			},
			CacheHit: true,
		}, nil

	case resp.StatusCode == http.StatusOK:
		return d.downloadBody(spec, resolved, resp, dryRun)

	default:
		return nil, &downloadError{
			url:        resolved.URL,
			statusCode: resp.StatusCode,
		}
	}
}

// downloadBody streams the response to the artifact directory, fingerprints
// it, and commits the new cache entry
func (d *Downloader) downloadBody(spec *registry.ApplicationSpec, resolved *registry.ResolvedDownload, resp *http.Response, dryRun bool) (*FetchResult, error) {
	fileName := resolved.FileName
	if fileName == "" {
		fileName = spec.ID + extensionFor(resolved.PackageType)
	}
	finalPath := d.store.ArtifactPath(spec.ID, fileName)

	if err := os.MkdirAll(filepath.Dir(finalPath), 0755); err != nil {
		return nil, fmt.Errorf("failed to create artifact directory: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(finalPath), ".download-*")
	if err != nil {
		return nil, fmt.Errorf("failed to create temp file: %w", err)
	}
	defer os.Remove(tmp.Name())

	hasher := sha256.New()
	written, err := io.Copy(io.MultiWriter(tmp, hasher), resp.Body)
	if closeErr := tmp.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		return nil, fmt.Errorf("failed to write artifact: %w", err)
	}

	if err := os.Rename(tmp.Name(), finalPath); err != nil {
		return nil, fmt.Errorf("failed to place artifact: %w", err)
	}

	fingerprint := hex.EncodeToString(hasher.Sum(nil))

	if dryRun {
		d.logger.WithField("app", spec.ID).Info("Dry run: skipping cache commit")
	} else {
		newEntry := &storage.CacheEntry{
			AppID:        spec.ID,
			ETag:         resp.Header.Get("ETag"),
			LastModified: resp.Header.Get("Last-Modified"),
			SourceURL:    resolved.URL,
			Fingerprint:  fingerprint,
			Location:     finalPath,
			RetrievedAt:  time.Now(),
		}
		if err := d.store.CacheCommit(newEntry); err != nil {
			return nil, err
		}
	}

	d.mu.Lock()
	d.metrics.BytesFetched += written
	d.mu.Unlock()

	d.logger.WithFields(logrus.Fields{
		"app":   spec.ID,
		"bytes": written,
		"file":  fileName,
	}).Info("Downloaded artifact")

	return &FetchResult{
		Artifact: &Artifact{
			AppID:           spec.ID,
			Path:            finalPath,
			FileName:        fileName,
			PackageType:     resolved.PackageType,
			DeclaredVersion: resolved.Version,
			Fingerprint:     fingerprint,
		},
		CacheHit: false,
	}, nil
}

// downloadError classifies HTTP download failures: server-side failures are
// transient, everything else (404, malformed requests) is fatal
type downloadError struct {
	url        string
	statusCode int
}

func (e *downloadError) Error() string {
	return fmt.Sprintf("download of %s failed with status %d", e.url, e.statusCode)
}

// IsRetryable reports whether the failure is worth retrying
func (e *downloadError) IsRetryable() bool {
	return e.statusCode >= 500 || e.statusCode == http.StatusTooManyRequests
}

func extensionFor(packageType string) string {
	switch packageType {
	case "pkg":
		return ".pkg"
	case "zip":
		return ".zip"
	case "dmg":
		return ".dmg"
	default:
		return ""
	}
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}
