package packaging

import (
	"archive/zip"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vives-io/JAAP/internal/download"
	"github.com/vives-io/JAAP/internal/verify"
)

func newTestNormalizer(t *testing.T) *Normalizer {
	t.Helper()
	logger := logrus.New()
	logger.SetLevel(logrus.ErrorLevel)

	dir := t.TempDir()
	return NewNormalizer(func(appID, fileName string) string {
		return filepath.Join(dir, appID, fileName)
	}, logger)
}

func writeZip(t *testing.T, path string, entries map[string]string, order []string) {
	t.Helper()
	f, err := os.Create(path)
	require.NoError(t, err)
	defer f.Close()

	w := zip.NewWriter(f)
	for _, name := range order {
		entry, err := w.Create(name)
		require.NoError(t, err)
		_, err = entry.Write([]byte(entries[name]))
		require.NoError(t, err)
	}
	require.NoError(t, w.Close())
}

func TestNormalizePkgPassesThrough(t *testing.T) {
	normalizer := newTestNormalizer(t)

	src := filepath.Join(t.TempDir(), "chrome.pkg")
	require.NoError(t, os.WriteFile(src, []byte("installer bytes"), 0644))

	pkg, err := normalizer.Normalize(
		&download.Artifact{AppID: "chrome", Path: src},
		&verify.Metadata{Version: "121.0.1"},
	)
	require.NoError(t, err)
	assert.Equal(t, "chrome-121.0.1.pkg", pkg.FileName)
	assert.NotEmpty(t, pkg.Fingerprint)

	// pkg bytes are untouched
	out, err := os.ReadFile(pkg.Path)
	require.NoError(t, err)
	assert.Equal(t, []byte("installer bytes"), out)
}

func TestNormalizeZipIsDeterministic(t *testing.T) {
	normalizer := newTestNormalizer(t)
	entries := map[string]string{
		"App.app/Contents/Info.plist":  "<plist/>",
		"App.app/Contents/MacOS/App":   "binary",
		"App.app/Contents/Resources/a": "resource",
	}

	dir := t.TempDir()
	forward := filepath.Join(dir, "forward.zip")
	writeZip(t, forward, entries, []string{
		"App.app/Contents/Info.plist",
		"App.app/Contents/MacOS/App",
		"App.app/Contents/Resources/a",
	})

	// same contents, reversed entry order
	reversed := filepath.Join(dir, "reversed.zip")
	writeZip(t, reversed, entries, []string{
		"App.app/Contents/Resources/a",
		"App.app/Contents/MacOS/App",
		"App.app/Contents/Info.plist",
	})

	first, err := normalizer.Normalize(
		&download.Artifact{AppID: "iterm2", Path: forward},
		&verify.Metadata{Version: "3.5.0"},
	)
	require.NoError(t, err)

	second, err := normalizer.Normalize(
		&download.Artifact{AppID: "iterm2", Path: reversed},
		&verify.Metadata{Version: "3.5.0"},
	)
	require.NoError(t, err)

	assert.Equal(t, first.Fingerprint, second.Fingerprint)
}

func TestNormalizeZipReprocessingIsIdempotent(t *testing.T) {
	normalizer := newTestNormalizer(t)

	src := filepath.Join(t.TempDir(), "app.zip")
	writeZip(t, src, map[string]string{"App.app/Contents/MacOS/App": "binary"},
		[]string{"App.app/Contents/MacOS/App"})

	first, err := normalizer.Normalize(
		&download.Artifact{AppID: "iterm2", Path: src},
		&verify.Metadata{Version: "3.5.0"},
	)
	require.NoError(t, err)

	second, err := normalizer.Normalize(
		&download.Artifact{AppID: "iterm2", Path: src},
		&verify.Metadata{Version: "3.5.0"},
	)
	require.NoError(t, err)

	assert.Equal(t, first.Fingerprint, second.Fingerprint)
	assert.Equal(t, first.Path, second.Path)
}

func TestNormalizeZipContentsSurvive(t *testing.T) {
	normalizer := newTestNormalizer(t)

	src := filepath.Join(t.TempDir(), "app.zip")
	writeZip(t, src, map[string]string{"App.app/Contents/MacOS/App": "binary"},
		[]string{"App.app/Contents/MacOS/App"})

	pkg, err := normalizer.Normalize(
		&download.Artifact{AppID: "iterm2", Path: src},
		&verify.Metadata{Version: "3.5.0"},
	)
	require.NoError(t, err)

	reader, err := zip.OpenReader(pkg.Path)
	require.NoError(t, err)
	defer reader.Close()

	require.Len(t, reader.File, 1)
	entry := reader.File[0]
	assert.Equal(t, "App.app/Contents/MacOS/App", entry.Name)
	assert.Equal(t, zipEpoch, entry.Modified.UTC())

	rc, err := entry.Open()
	require.NoError(t, err)
	defer rc.Close()
	data, err := io.ReadAll(rc)
	require.NoError(t, err)
	assert.Equal(t, "binary", string(data))
}

func TestNormalizeRejectsUnknownFormat(t *testing.T) {
	normalizer := newTestNormalizer(t)

	src := filepath.Join(t.TempDir(), "app.dmg")
	require.NoError(t, os.WriteFile(src, []byte("dmg bytes"), 0644))

	_, err := normalizer.Normalize(
		&download.Artifact{AppID: "app", Path: src},
		&verify.Metadata{Version: "1.0"},
	)
	assert.Error(t, err)
}
