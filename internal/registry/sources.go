package registry

import (
	"context"
	"encoding/json"
	"encoding/xml"
	"fmt"
	"net/http"
	"net/url"
	"path"
	"strings"
	"time"
)

// Resolver turns an application's download source into a concrete URL.
// Direct sources resolve locally; feed sources need one network read.
type Resolver struct {
	httpClient *http.Client
	arch       string
	githubAPI  string
}

// NewResolver creates a source resolver
func NewResolver(httpClient *http.Client, arch string) *Resolver {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	return &Resolver{
		httpClient: httpClient,
		arch:       arch,
		githubAPI:  "https://api.github.com",
	}
}

// Resolve produces the concrete download for an application spec
func (r *Resolver) Resolve(ctx context.Context, spec *ApplicationSpec) (*ResolvedDownload, error) {
	switch spec.Source.Kind {
	case SourceDirect:
		return r.resolveDirect(spec), nil
	case SourceGitHub:
		return r.resolveGitHub(ctx, spec)
	case SourceSparkle:
		return r.resolveSparkle(ctx, spec)
	default:
		return nil, fmt.Errorf("unknown source kind %q", spec.Source.Kind)
	}
}

func (r *Resolver) resolveDirect(spec *ApplicationSpec) *ResolvedDownload {
	downloadURL := spec.Source.URL
	if r.arch == "arm64" && spec.Source.ARMURL != "" {
		downloadURL = spec.Source.ARMURL
	}

	return &ResolvedDownload{
		URL:         downloadURL,
		FileName:    fileNameFromURL(downloadURL),
		PackageType: packageType(spec.Source.PackageType, downloadURL),
	}
}

// githubRelease is the subset of the GitHub releases API we read
type githubRelease struct {
	TagName string `json:"tag_name"`
	Assets  []struct {
		Name        string `json:"name"`
		DownloadURL string `json:"browser_download_url"`
	} `json:"assets"`
}

func (r *Resolver) resolveGitHub(ctx context.Context, spec *ApplicationSpec) (*ResolvedDownload, error) {
	apiURL := fmt.Sprintf("%s/repos/%s/releases/latest", r.githubAPI, spec.Source.GitHubRepo)

	var release githubRelease
	if err := r.getJSON(ctx, apiURL, &release); err != nil {
		return nil, fmt.Errorf("failed to read GitHub release for %s: %w", spec.Source.GitHubRepo, err)
	}
	if len(release.Assets) == 0 {
		return nil, fmt.Errorf("GitHub release %s for %s has no assets", release.TagName, spec.Source.GitHubRepo)
	}

	downloadURL := release.Assets[0].DownloadURL
	for _, asset := range release.Assets {
		if matchesArch(strings.ToLower(asset.Name), r.arch) {
			downloadURL = asset.DownloadURL
			break
		}
	}

	return &ResolvedDownload{
		URL:         downloadURL,
		Version:     strings.TrimPrefix(release.TagName, "v"),
		FileName:    fileNameFromURL(downloadURL),
		PackageType: packageType(spec.Source.PackageType, downloadURL),
	}, nil
}

// sparkleFeed is the subset of a Sparkle appcast we read
type sparkleFeed struct {
	Items []struct {
		Version   string `xml:"http://www.andymatuschak.org/xml-namespaces/sparkle version"`
		Enclosure struct {
			URL     string `xml:"url,attr"`
			Version string `xml:"http://www.andymatuschak.org/xml-namespaces/sparkle shortVersionString,attr"`
		} `xml:"enclosure"`
	} `xml:"channel>item"`
}

func (r *Resolver) resolveSparkle(ctx context.Context, spec *ApplicationSpec) (*ResolvedDownload, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, spec.Source.FeedURL, nil)
	if err != nil {
		return nil, err
	}

	resp, err := r.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch Sparkle feed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("Sparkle feed returned status %d", resp.StatusCode)
	}

	var feed sparkleFeed
	if err := xml.NewDecoder(resp.Body).Decode(&feed); err != nil {
		return nil, fmt.Errorf("failed to parse Sparkle feed: %w", err)
	}

	var bestURL, bestVersion string
	for _, item := range feed.Items {
		version := item.Enclosure.Version
		if version == "" {
			version = item.Version
		}
		if version == "" || item.Enclosure.URL == "" {
			continue
		}
		if bestVersion == "" || CompareVersions(version, bestVersion) > 0 {
			bestVersion = version
			bestURL = item.Enclosure.URL
		}
	}

	if bestURL == "" {
		return nil, fmt.Errorf("Sparkle feed %s has no usable items", spec.Source.FeedURL)
	}

	return &ResolvedDownload{
		URL:         bestURL,
		Version:     bestVersion,
		FileName:    fileNameFromURL(bestURL),
		PackageType: packageType(spec.Source.PackageType, bestURL),
	}, nil
}

func (r *Resolver) getJSON(ctx context.Context, rawURL string, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")

	resp, err := r.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func matchesArch(assetName, arch string) bool {
	if arch == "arm64" {
		return strings.Contains(assetName, "arm64") ||
			strings.Contains(assetName, "apple") ||
			strings.Contains(assetName, "aarch64")
	}
	return strings.Contains(assetName, "x86_64") ||
		strings.Contains(assetName, "intel") ||
		strings.Contains(assetName, "x64") ||
		strings.Contains(assetName, "amd64")
}

func fileNameFromURL(rawURL string) string {
	parsed, err := url.Parse(rawURL)
	if err != nil || parsed.Path == "" || parsed.Path == "/" {
		return ""
	}
	name, err := url.PathUnescape(path.Base(parsed.Path))
	if err != nil {
		return path.Base(parsed.Path)
	}
	return name
}

func packageType(configured, downloadURL string) string {
	if configured != "" {
		return configured
	}
	switch strings.ToLower(path.Ext(fileNameFromURL(downloadURL))) {
	case ".pkg":
		return "pkg"
	case ".zip":
		return "zip"
	case ".dmg":
		return "dmg"
	default:
		return ""
	}
}
