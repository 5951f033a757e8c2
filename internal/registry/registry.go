// Package registry holds the application catalog: which applications are
// managed, where their vendor artifacts come from, and which signing
// identity and patch title each one maps to.
package registry

import (
	"fmt"
	"os"
	"runtime"
	"sort"
	"strconv"
	"strings"

	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"
)

// knownTeamIDs maps application IDs to the signing identities of well-known
// vendors, used when a spec does not configure one explicitly
var knownTeamIDs = map[string]string{
	"1password": "2BUA8C4S2C",
	"chrome":    "EQHXZ8M8AV",
	"firefox":   "43AQ936H96",
	"slack":     "BQR82RBBHL",
	"zoom":      "BJ4HAAB9B3",
	"docker":    "9BNSXJN65R",
	"vscode":    "UBF8T346G9",
	"notion":    "LBQJ5QBXR8",
}

// Registry is the loaded application catalog
type Registry struct {
	applications map[string]*ApplicationSpec
	arch         string
	logger       *logrus.Logger
}

// catalogFile is the on-disk shape of applications.yaml
type catalogFile struct {
	Applications map[string]*ApplicationSpec `yaml:"applications"`
}

// Load reads and validates the application catalog from a YAML file.
// Validation failures are fatal: a run never starts on a broken catalog.
func Load(path string, logger *logrus.Logger) (*Registry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read application catalog: %w", err)
	}
	return Parse(data, logger)
}

// Parse parses and validates an application catalog
func Parse(data []byte, logger *logrus.Logger) (*Registry, error) {
	if logger == nil {
		logger = logrus.New()
	}

	var catalog catalogFile
	if err := yaml.Unmarshal(data, &catalog); err != nil {
		return nil, fmt.Errorf("failed to parse application catalog: %w", err)
	}
	if len(catalog.Applications) == 0 {
		return nil, fmt.Errorf("application catalog is empty")
	}

	registry := &Registry{
		applications: make(map[string]*ApplicationSpec, len(catalog.Applications)),
		arch:         runtime.GOARCH,
		logger:       logger,
	}

	for id, spec := range catalog.Applications {
		spec.ID = id
		if spec.TeamID == "" {
			spec.TeamID = knownTeamIDs[id]
		}
		if err := validate(spec); err != nil {
			return nil, fmt.Errorf("invalid application %q: %w", id, err)
		}
		registry.applications[id] = spec
	}

	logger.WithField("applications", len(registry.applications)).Info("Loaded application catalog")

	return registry, nil
}

func validate(spec *ApplicationSpec) error {
	if spec.Name == "" {
		return fmt.Errorf("missing name")
	}
	if spec.PatchTitle == "" {
		return fmt.Errorf("missing patch_title")
	}
	if spec.TeamID == "" {
		return fmt.Errorf("missing team_id and no known default")
	}

	switch spec.Source.Kind {
	case SourceDirect:
		if spec.Source.URL == "" {
			return fmt.Errorf("direct source requires url")
		}
	case SourceGitHub:
		if spec.Source.GitHubRepo == "" {
			return fmt.Errorf("github source requires github_repo")
		}
	case SourceSparkle:
		if spec.Source.FeedURL == "" {
			return fmt.Errorf("sparkle source requires feed_url")
		}
	case "":
		return fmt.Errorf("missing source kind")
	default:
		return fmt.Errorf("unknown source kind %q", spec.Source.Kind)
	}

	return nil
}

// Get returns the spec for an application ID.
// The second return value reports whether the application is in the catalog.
func (r *Registry) Get(id string) (*ApplicationSpec, bool) {
	spec, ok := r.applications[strings.ToLower(id)]
	return spec, ok
}

// IDs returns all application IDs in the catalog, sorted
func (r *Registry) IDs() []string {
	ids := make([]string, 0, len(r.applications))
	for id := range r.applications {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// CompareVersions compares two dotted version strings numerically.
// Returns -1, 0 or 1 when a is older than, equal to, or newer than b.
// Non-numeric segments compare as strings so odd vendor schemes stay ordered.
func CompareVersions(a, b string) int {
	as := strings.Split(strings.TrimPrefix(a, "v"), ".")
	bs := strings.Split(strings.TrimPrefix(b, "v"), ".")

	for i := 0; i < len(as) || i < len(bs); i++ {
		var sa, sb string
		if i < len(as) {
			sa = as[i]
		}
		if i < len(bs) {
			sb = bs[i]
		}

		na, errA := strconv.Atoi(sa)
		nb, errB := strconv.Atoi(sb)

		if errA == nil && errB == nil {
			if na != nb {
				if na < nb {
					return -1
				}
				return 1
			}
			continue
		}

		if sa != sb {
			if sa < sb {
				return -1
			}
			return 1
		}
	}

	return 0
}
