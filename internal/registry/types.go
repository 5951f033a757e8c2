package registry

// SourceKind identifies how an application's vendor artifact is located
type SourceKind string

const (
	// SourceDirect is a fixed download URL
	SourceDirect SourceKind = "direct"
	// SourceGitHub resolves the latest release of a GitHub repository
	SourceGitHub SourceKind = "github"
	// SourceSparkle resolves the newest item of a Sparkle update feed
	SourceSparkle SourceKind = "sparkle"
)

// DownloadSource describes where and how to fetch an application's artifact
type DownloadSource struct {
	Kind SourceKind `yaml:"kind"`
	// URL is the download URL for direct sources
	URL string `yaml:"url,omitempty"`
	// ARMURL overrides URL on arm64 hosts, when the vendor splits downloads
	ARMURL string `yaml:"arm_url,omitempty"`
	// GitHubRepo is the owner/name pair for github sources
	GitHubRepo string `yaml:"github_repo,omitempty"`
	// FeedURL is the appcast URL for sparkle sources
	FeedURL string `yaml:"feed_url,omitempty"`
	// PackageType is the expected container format (pkg or zip); inferred
	// from the resolved URL when empty
	PackageType string `yaml:"package_type,omitempty"`
}

// ApplicationSpec is the immutable per-application configuration.
// It is loaded once per run and never mutated.
type ApplicationSpec struct {
	// ID is the registry key, e.g. "chrome"
	ID string `yaml:"-"`
	// Name is the human readable application name
	Name string `yaml:"name"`
	// BundleID is the application's bundle identifier
	BundleID string `yaml:"bundle_id"`
	// TeamID is the expected signing identity; defaults from the known
	// vendor table when empty
	TeamID string `yaml:"team_id,omitempty"`
	// PatchTitle is the name of the patch software title in the remote system
	PatchTitle string `yaml:"patch_title"`
	// Source describes where the vendor artifact comes from
	Source DownloadSource `yaml:"source"`
}

// ResolvedDownload is the concrete download produced by resolving a source:
// a single URL, plus whatever the source declared about the artifact
type ResolvedDownload struct {
	URL string
	// Version is the version the source declared, empty for direct sources
	// that do not advertise one; the verifier extracts the authoritative
	// version from the artifact itself
	Version     string
	FileName    string
	PackageType string
}
