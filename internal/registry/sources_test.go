package registry

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResolveDirect(t *testing.T) {
	resolver := NewResolver(nil, "amd64")
	spec := &ApplicationSpec{
		ID: "chrome",
		Source: DownloadSource{
			Kind:        SourceDirect,
			URL:         "https://example.com/downloads/googlechrome.pkg",
			PackageType: "pkg",
		},
	}

	resolved, err := resolver.Resolve(context.Background(), spec)
	require.NoError(t, err)
	assert.Equal(t, "https://example.com/downloads/googlechrome.pkg", resolved.URL)
	assert.Equal(t, "googlechrome.pkg", resolved.FileName)
	assert.Equal(t, "pkg", resolved.PackageType)
	// direct sources carry no declared version
	assert.Empty(t, resolved.Version)
}

func TestResolveDirectPrefersARMURL(t *testing.T) {
	spec := &ApplicationSpec{
		ID: "zoom",
		Source: DownloadSource{
			Kind:   SourceDirect,
			URL:    "https://example.com/zoom-intel.pkg",
			ARMURL: "https://example.com/zoom-arm64.pkg",
		},
	}

	resolved, err := NewResolver(nil, "arm64").Resolve(context.Background(), spec)
	require.NoError(t, err)
	assert.Equal(t, "https://example.com/zoom-arm64.pkg", resolved.URL)

	resolved, err = NewResolver(nil, "amd64").Resolve(context.Background(), spec)
	require.NoError(t, err)
	assert.Equal(t, "https://example.com/zoom-intel.pkg", resolved.URL)
}

func TestResolveGitHub(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/repos/rxhanson/Rectangle/releases/latest", r.URL.Path)
		fmt.Fprint(w, `{
			"tag_name": "v0.80",
			"assets": [
				{"name": "Rectangle0.80-arm64.pkg", "browser_download_url": "https://example.com/Rectangle-arm64.pkg"},
				{"name": "Rectangle0.80-x86_64.pkg", "browser_download_url": "https://example.com/Rectangle-x86_64.pkg"}
			]
		}`)
	}))
	defer server.Close()

	resolver := NewResolver(server.Client(), "amd64")
	resolver.githubAPI = server.URL

	resolved, err := resolver.Resolve(context.Background(), &ApplicationSpec{
		ID:     "rectangle",
		Source: DownloadSource{Kind: SourceGitHub, GitHubRepo: "rxhanson/Rectangle"},
	})
	require.NoError(t, err)
	assert.Equal(t, "https://example.com/Rectangle-x86_64.pkg", resolved.URL)
	assert.Equal(t, "0.80", resolved.Version)
	assert.Equal(t, "pkg", resolved.PackageType)
}

func TestResolveGitHubNoAssets(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"tag_name": "v1.0", "assets": []}`)
	}))
	defer server.Close()

	resolver := NewResolver(server.Client(), "amd64")
	resolver.githubAPI = server.URL

	_, err := resolver.Resolve(context.Background(), &ApplicationSpec{
		ID:     "rectangle",
		Source: DownloadSource{Kind: SourceGitHub, GitHubRepo: "rxhanson/Rectangle"},
	})
	assert.Error(t, err)
}

func TestResolveSparklePicksNewestItem(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `<?xml version="1.0" encoding="utf-8"?>
<rss version="2.0" xmlns:sparkle="http://www.andymatuschak.org/xml-namespaces/sparkle">
  <channel>
    <item>
      <sparkle:version>3.4.19</sparkle:version>
      <enclosure url="https://example.com/iTerm2-3_4_19.zip" sparkle:shortVersionString="3.4.19"/>
    </item>
    <item>
      <sparkle:version>3.5.0</sparkle:version>
      <enclosure url="https://example.com/iTerm2-3_5_0.zip" sparkle:shortVersionString="3.5.0"/>
    </item>
  </channel>
</rss>`)
	}))
	defer server.Close()

	resolver := NewResolver(server.Client(), "amd64")
	resolved, err := resolver.Resolve(context.Background(), &ApplicationSpec{
		ID:     "iterm2",
		Source: DownloadSource{Kind: SourceSparkle, FeedURL: server.URL + "/appcast.xml"},
	})
	require.NoError(t, err)
	assert.Equal(t, "https://example.com/iTerm2-3_5_0.zip", resolved.URL)
	assert.Equal(t, "3.5.0", resolved.Version)
	assert.Equal(t, "zip", resolved.PackageType)
}

func TestResolveSparkleEmptyFeed(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `<?xml version="1.0"?><rss version="2.0"><channel></channel></rss>`)
	}))
	defer server.Close()

	resolver := NewResolver(server.Client(), "amd64")
	_, err := resolver.Resolve(context.Background(), &ApplicationSpec{
		ID:     "iterm2",
		Source: DownloadSource{Kind: SourceSparkle, FeedURL: server.URL},
	})
	assert.Error(t, err)
}

func TestFileNameFromURL(t *testing.T) {
	assert.Equal(t, "app.pkg", fileNameFromURL("https://example.com/downloads/app.pkg?token=abc"))
	assert.Equal(t, "", fileNameFromURL("https://example.com/"))
	assert.Equal(t, "My App.pkg", fileNameFromURL("https://example.com/My%20App.pkg"))
}
