package client

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vives-io/JAAP/pkg/api"
)

// newAuthedServer wraps a handler with the token endpoint and bearer auth
// enforcement the real API performs
func newAuthedServer(t *testing.T, handler http.HandlerFunc) (*httptest.Server, *int32) {
	t.Helper()
	var tokenRequests int32

	mux := http.NewServeMux()
	mux.HandleFunc("/api/v1/auth/token", func(w http.ResponseWriter, r *http.Request) {
		user, pass, ok := r.BasicAuth()
		if !ok || user != "svc-patch" || pass != "hunter2" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		n := atomic.AddInt32(&tokenRequests, 1)
		json.NewEncoder(w).Encode(api.AuthToken{
			Token:   fmt.Sprintf("token-%d", n),
			Expires: time.Now().Add(20 * time.Minute),
		})
	})
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasPrefix(r.Header.Get("Authorization"), "Bearer token-") {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		handler(w, r)
	})

	server := httptest.NewServer(mux)
	t.Cleanup(server.Close)
	return server, &tokenRequests
}

func newTestClient(server *httptest.Server) *Client {
	return NewClient(server.URL, "svc-patch", "hunter2", WithHTTPClient(server.Client()))
}

func TestAuthenticateRejectedCredentials(t *testing.T) {
	server, _ := newAuthedServer(t, func(w http.ResponseWriter, r *http.Request) {})

	client := NewClient(server.URL, "svc-patch", "wrong", WithHTTPClient(server.Client()))
	err := client.Authenticate(context.Background())
	require.Error(t, err)

	var statusErr *StatusError
	require.ErrorAs(t, err, &statusErr)
	assert.Equal(t, http.StatusUnauthorized, statusErr.StatusCode)
}

func TestTokenIsReusedAcrossCalls(t *testing.T) {
	server, tokenRequests := newAuthedServer(t, func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(api.ListResponse[api.PatchTitle]{})
	})
	client := newTestClient(server)

	for i := 0; i < 3; i++ {
		_, _, err := client.GetPatchTitleByName(context.Background(), "Google Chrome")
		require.NoError(t, err)
	}
	assert.Equal(t, int32(1), atomic.LoadInt32(tokenRequests))
}

func TestExpiredTokenIsReplayedOnce(t *testing.T) {
	var apiCalls int32
	server, tokenRequests := newAuthedServer(t, func(w http.ResponseWriter, r *http.Request) {
		// the first bearer token is stale from the API's point of view
		if atomic.AddInt32(&apiCalls, 1) == 1 {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		json.NewEncoder(w).Encode(api.ListResponse[api.PatchTitle]{
			TotalCount: 1,
			Results:    []api.PatchTitle{{ID: "42", Name: "Google Chrome"}},
		})
	})
	client := newTestClient(server)

	title, found, err := client.GetPatchTitleByName(context.Background(), "Google Chrome")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "42", title.ID)
	assert.Equal(t, int32(2), atomic.LoadInt32(tokenRequests))
}

func TestPersistentUnauthorizedSurfacesErrAuthExpired(t *testing.T) {
	server, _ := newAuthedServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	})
	client := newTestClient(server)

	_, _, err := client.GetPatchTitleByName(context.Background(), "Google Chrome")
	assert.ErrorIs(t, err, ErrAuthExpired)
}

func TestGetPatchTitleByNameNotFound(t *testing.T) {
	server, _ := newAuthedServer(t, func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(api.ListResponse[api.PatchTitle]{})
	})
	client := newTestClient(server)

	title, found, err := client.GetPatchTitleByName(context.Background(), "Obscure App")
	require.NoError(t, err)
	assert.False(t, found)
	assert.Nil(t, title)
}

func TestCreateDefinitionConflictReturnsExisting(t *testing.T) {
	server, _ := newAuthedServer(t, func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodPost:
			w.WriteHeader(http.StatusConflict)
		case r.Method == http.MethodGet:
			json.NewEncoder(w).Encode(api.ListResponse[api.PatchDefinition]{
				TotalCount: 1,
				Results: []api.PatchDefinition{
					{ID: "def-1", TitleID: "42", Version: "121.0.1"},
				},
			})
		}
	})
	client := newTestClient(server)

	created, err := client.CreateDefinition(context.Background(), &api.PatchDefinition{
		TitleID: "42",
		Version: "121.0.1",
	})
	require.NoError(t, err)
	assert.Equal(t, "def-1", created.ID)
}

func TestAttachPackageConflictIsConvergence(t *testing.T) {
	server, _ := newAuthedServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusConflict)
	})
	client := newTestClient(server)

	err := client.AttachPackage(context.Background(), "42", "121.0.1", "pkg-1")
	assert.NoError(t, err)
}

func TestUploadPackage(t *testing.T) {
	server, _ := newAuthedServer(t, func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		require.NoError(t, r.ParseMultipartForm(1<<20))

		// the body is streamed, never buffered up front
		assert.Equal(t, int64(-1), r.ContentLength)

		file, header, err := r.FormFile("file")
		require.NoError(t, err)
		defer file.Close()
		assert.Equal(t, "chrome-121.0.1.pkg", header.Filename)

		json.NewEncoder(w).Encode(api.Package{ID: "pkg-1", FileName: header.Filename})
	})
	client := newTestClient(server)

	pkg, err := client.UploadPackage(context.Background(), "chrome-121.0.1.pkg", strings.NewReader("installer bytes"))
	require.NoError(t, err)
	assert.Equal(t, "pkg-1", pkg.ID)
}

func TestUploadPackageReplaysAfterStaleToken(t *testing.T) {
	var uploads int32
	server, tokenRequests := newAuthedServer(t, func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&uploads, 1) == 1 {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}

		require.NoError(t, r.ParseMultipartForm(1<<20))
		file, _, err := r.FormFile("file")
		require.NoError(t, err)
		defer file.Close()

		data, err := io.ReadAll(file)
		require.NoError(t, err)
		// the rewound body arrives intact on the replay
		assert.Equal(t, "installer bytes", string(data))

		json.NewEncoder(w).Encode(api.Package{ID: "pkg-1"})
	})
	client := newTestClient(server)

	pkg, err := client.UploadPackage(context.Background(), "chrome-121.0.1.pkg", strings.NewReader("installer bytes"))
	require.NoError(t, err)
	assert.Equal(t, "pkg-1", pkg.ID)
	assert.Equal(t, int32(2), atomic.LoadInt32(tokenRequests))
}

func TestUploadPackageNonSeekableBodyCannotReplay(t *testing.T) {
	server, _ := newAuthedServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	})
	client := newTestClient(server)

	// a LimitedReader cannot be rewound
	body := io.LimitReader(strings.NewReader("installer bytes"), 15)
	_, err := client.UploadPackage(context.Background(), "chrome-121.0.1.pkg", body)
	assert.ErrorIs(t, err, ErrAuthExpired)
}

func TestGetPolicyForGroupFiltersOnGroup(t *testing.T) {
	server, _ := newAuthedServer(t, func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(api.ListResponse[api.PatchPolicy]{
			TotalCount: 2,
			Results: []api.PatchPolicy{
				{ID: "pol-1", TitleID: "42", ComputerGroupID: "grp-pilot"},
				{ID: "pol-2", TitleID: "42", ComputerGroupID: "grp-broad"},
			},
		})
	})
	client := newTestClient(server)

	policy, found, err := client.GetPolicyForGroup(context.Background(), "42", "grp-broad")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "pol-2", policy.ID)

	_, found, err = client.GetPolicyForGroup(context.Background(), "42", "grp-unknown")
	require.NoError(t, err)
	assert.False(t, found)
}

func TestServerErrorsCarryRetryability(t *testing.T) {
	server, _ := newAuthedServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
		json.NewEncoder(w).Encode(map[string]string{"message": "maintenance window"})
	})
	client := newTestClient(server)

	_, _, err := client.GetPatchTitleByName(context.Background(), "Google Chrome")
	require.Error(t, err)

	var statusErr *StatusError
	require.ErrorAs(t, err, &statusErr)
	assert.Equal(t, http.StatusServiceUnavailable, statusErr.StatusCode)
	assert.True(t, statusErr.IsRetryable())
	assert.Contains(t, statusErr.Error(), "maintenance window")
}

func TestClientErrorsAreNotRetryable(t *testing.T) {
	assert.False(t, (&StatusError{StatusCode: 400}).IsRetryable())
	assert.False(t, (&StatusError{StatusCode: 404}).IsRetryable())
	assert.True(t, (&StatusError{StatusCode: 429}).IsRetryable())
	assert.True(t, (&StatusError{StatusCode: 502}).IsRetryable())
}
