// Package client implements an authenticated HTTPS client for the remote
// patch management API: token issuance, patch titles, definitions, packages,
// patch policies and computer groups.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/vives-io/JAAP/pkg/api"
)

// tokenRefreshWindow is how long before expiry a token is proactively renewed
const tokenRefreshWindow = 60 * time.Second

var (
	// ErrAuthExpired is returned when a request was rejected for
	// authentication reasons even after a token refresh
	ErrAuthExpired = errors.New("authentication expired and refresh failed")

	// ErrConflict is returned when the remote system rejected a mutation
	// because the resource changed underneath us
	ErrConflict = errors.New("remote resource conflict")
)

// StatusError represents a non-2xx response from the remote API
type StatusError struct {
	StatusCode int
	Message    string
}

// Error returns the string representation of the status error
func (e *StatusError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("remote API error %d: %s", e.StatusCode, e.Message)
	}
	return fmt.Sprintf("remote API error %d", e.StatusCode)
}

// IsRetryable reports whether the response indicates a transient condition
func (e *StatusError) IsRetryable() bool {
	return e.StatusCode >= 500 || e.StatusCode == http.StatusTooManyRequests
}

// Client is an authenticated client for the patch management API
type Client struct {
	baseURL    string
	username   string
	password   string
	httpClient *http.Client

	tokenMu     sync.Mutex
	token       string
	tokenExpiry time.Time
}

// ClientOption is a function that configures a Client
type ClientOption func(*Client)

// WithTimeout sets the per-call timeout for the HTTP client
func WithTimeout(timeout time.Duration) ClientOption {
	return func(c *Client) {
		c.httpClient.Timeout = timeout
	}
}

// WithHTTPClient replaces the underlying HTTP client
func WithHTTPClient(httpClient *http.Client) ClientOption {
	return func(c *Client) {
		c.httpClient = httpClient
	}
}

// NewClient creates a new patch management API client
func NewClient(baseURL, username, password string, options ...ClientOption) *Client {
	client := &Client{
		baseURL:  baseURL,
		username: username,
		password: password,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}

	for _, option := range options {
		option(client)
	}

	return client
}

// Authenticate obtains a fresh bearer token from the auth endpoint
func (c *Client) Authenticate(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/v1/auth/token", nil)
	if err != nil {
		return err
	}
	req.SetBasicAuth(c.username, c.password)
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return &StatusError{StatusCode: resp.StatusCode, Message: "token request rejected"}
	}

	var token api.AuthToken
	if err := json.NewDecoder(resp.Body).Decode(&token); err != nil {
		return fmt.Errorf("failed to decode auth token: %w", err)
	}

	c.tokenMu.Lock()
	c.token = token.Token
	c.tokenExpiry = token.Expires
	c.tokenMu.Unlock()

	return nil
}

// ensureToken refreshes the bearer token when it is missing or close to expiry
func (c *Client) ensureToken(ctx context.Context) error {
	c.tokenMu.Lock()
	valid := c.token != "" && time.Now().Add(tokenRefreshWindow).Before(c.tokenExpiry)
	c.tokenMu.Unlock()

	if valid {
		return nil
	}
	return c.Authenticate(ctx)
}

// GetPatchTitleByName looks up a patch software title by its exact name.
// The second return value reports whether the title exists.
func (c *Client) GetPatchTitleByName(ctx context.Context, name string) (*api.PatchTitle, bool, error) {
	path := "/api/v2/patch-software-titles?filter=" + url.QueryEscape(fmt.Sprintf("name==%q", name))

	var list api.ListResponse[api.PatchTitle]
	if err := c.getJSON(ctx, path, &list); err != nil {
		return nil, false, err
	}
	if list.TotalCount == 0 || len(list.Results) == 0 {
		return nil, false, nil
	}
	return &list.Results[0], true, nil
}

// ListDefinitions returns all patch definitions for a title
func (c *Client) ListDefinitions(ctx context.Context, titleID string) ([]api.PatchDefinition, error) {
	path := fmt.Sprintf("/api/v2/patch-software-titles/%s/definitions", url.PathEscape(titleID))

	var list api.ListResponse[api.PatchDefinition]
	if err := c.getJSON(ctx, path, &list); err != nil {
		return nil, err
	}
	return list.Results, nil
}

// GetDefinition looks up the patch definition for one version of a title.
// The second return value reports whether the definition exists.
func (c *Client) GetDefinition(ctx context.Context, titleID, version string) (*api.PatchDefinition, bool, error) {
	definitions, err := c.ListDefinitions(ctx, titleID)
	if err != nil {
		return nil, false, err
	}
	for i := range definitions {
		if definitions[i].Version == version {
			return &definitions[i], true, nil
		}
	}
	return nil, false, nil
}

// CreateDefinition creates a patch definition for a version of a title.
// Creating a version that already exists is treated as convergence, not an
// error: the existing definition is fetched and returned.
func (c *Client) CreateDefinition(ctx context.Context, definition *api.PatchDefinition) (*api.PatchDefinition, error) {
	path := fmt.Sprintf("/api/v2/patch-software-titles/%s/definitions", url.PathEscape(definition.TitleID))

	var created api.PatchDefinition
	err := c.postJSON(ctx, path, definition, &created)
	if err != nil {
		if errors.Is(err, ErrConflict) {
			existing, found, lookupErr := c.GetDefinition(ctx, definition.TitleID, definition.Version)
			if lookupErr != nil {
				return nil, lookupErr
			}
			if found {
				return existing, nil
			}
		}
		return nil, err
	}
	return &created, nil
}

// AttachPackage links an uploaded package to a definition version
func (c *Client) AttachPackage(ctx context.Context, titleID, version, packageID string) error {
	path := fmt.Sprintf("/api/v2/patch-software-titles/%s/definitions/%s/package",
		url.PathEscape(titleID), url.PathEscape(version))

	payload := map[string]string{"packageId": packageID}
	err := c.postJSON(ctx, path, payload, nil)
	if errors.Is(err, ErrConflict) {
		// Already attached; the desired state is reached.
		return nil
	}
	return err
}

// GetPackageByFileName looks up an uploaded package by its file name.
// The second return value reports whether the package exists.
func (c *Client) GetPackageByFileName(ctx context.Context, fileName string) (*api.Package, bool, error) {
	path := "/api/v1/packages?filter=" + url.QueryEscape(fmt.Sprintf("fileName==%q", fileName))

	var list api.ListResponse[api.Package]
	if err := c.getJSON(ctx, path, &list); err != nil {
		return nil, false, err
	}
	if list.TotalCount == 0 || len(list.Results) == 0 {
		return nil, false, nil
	}
	return &list.Results[0], true, nil
}

// UploadPackage uploads package bytes to the distribution endpoint and
// returns the created package record
func (c *Client) UploadPackage(ctx context.Context, fileName string, contents io.Reader) (*api.Package, error) {
	return c.uploadPackage(ctx, http.MethodPost, "/api/v1/packages", fileName, contents)
}

// ReplacePackage replaces the bytes of an existing package in place
func (c *Client) ReplacePackage(ctx context.Context, packageID, fileName string, contents io.Reader) (*api.Package, error) {
	path := fmt.Sprintf("/api/v1/packages/%s", url.PathEscape(packageID))
	return c.uploadPackage(ctx, http.MethodPut, path, fileName, contents)
}

// uploadPackage streams the multipart body straight from the reader;
// installer packages run to hundreds of megabytes and are never buffered in
// memory. The 401 refresh-and-replay is only possible when the reader can
// be rewound.
func (c *Client) uploadPackage(ctx context.Context, method, path, fileName string, contents io.Reader) (*api.Package, error) {
	refreshed := false
	for {
		if err := c.ensureToken(ctx); err != nil {
			return nil, fmt.Errorf("failed to obtain auth token: %w", err)
		}

		pr, pw := io.Pipe()
		writer := multipart.NewWriter(pw)
		go func() {
			part, err := writer.CreateFormFile("file", fileName)
			if err == nil {
				_, err = io.Copy(part, contents)
			}
			if err == nil {
				err = writer.Close()
			}
			pw.CloseWithError(err)
		}()

		req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, pr)
		if err != nil {
			pr.Close()
			return nil, err
		}
		req.Header.Set("Accept", "application/json")
		req.Header.Set("Content-Type", writer.FormDataContentType())

		c.tokenMu.Lock()
		req.Header.Set("Authorization", "Bearer "+c.token)
		c.tokenMu.Unlock()

		resp, err := c.httpClient.Do(req)
		if err != nil {
			return nil, err
		}

		if resp.StatusCode == http.StatusUnauthorized {
			resp.Body.Close()
			seeker, ok := contents.(io.Seeker)
			if refreshed || !ok {
				return nil, ErrAuthExpired
			}
			if _, err := seeker.Seek(0, io.SeekStart); err != nil {
				return nil, fmt.Errorf("failed to rewind package for replay: %w", err)
			}
			refreshed = true
			c.tokenMu.Lock()
			c.token = ""
			c.tokenMu.Unlock()
			continue
		}

		var uploaded api.Package
		if err := c.consumeResponse(resp, &uploaded); err != nil {
			return nil, err
		}
		return &uploaded, nil
	}
}

// GetPolicyForGroup looks up the patch policy scoping a title to a computer
// group. The second return value reports whether the policy exists.
func (c *Client) GetPolicyForGroup(ctx context.Context, titleID, groupID string) (*api.PatchPolicy, bool, error) {
	path := "/api/v2/patch-policies?filter=" + url.QueryEscape(fmt.Sprintf("softwareTitleId==%q", titleID))

	var list api.ListResponse[api.PatchPolicy]
	if err := c.getJSON(ctx, path, &list); err != nil {
		return nil, false, err
	}
	for i := range list.Results {
		if list.Results[i].ComputerGroupID == groupID {
			return &list.Results[i], true, nil
		}
	}
	return nil, false, nil
}

// CreatePolicy creates a new patch policy
func (c *Client) CreatePolicy(ctx context.Context, policy *api.PatchPolicy) (*api.PatchPolicy, error) {
	var created api.PatchPolicy
	if err := c.postJSON(ctx, "/api/v2/patch-policies", policy, &created); err != nil {
		return nil, err
	}
	return &created, nil
}

// UpdatePolicy updates an existing patch policy in place
func (c *Client) UpdatePolicy(ctx context.Context, policy *api.PatchPolicy) (*api.PatchPolicy, error) {
	path := fmt.Sprintf("/api/v2/patch-policies/%s", url.PathEscape(policy.ID))

	var updated api.PatchPolicy
	if err := c.doJSONBody(ctx, http.MethodPut, path, policy, &updated); err != nil {
		return nil, err
	}
	return &updated, nil
}

// GetComputerGroupByName looks up a smart group by its exact name.
// The second return value reports whether the group exists.
func (c *Client) GetComputerGroupByName(ctx context.Context, name string) (*api.ComputerGroup, bool, error) {
	path := "/api/v1/computer-groups?filter=" + url.QueryEscape(fmt.Sprintf("name==%q", name))

	var list api.ListResponse[api.ComputerGroup]
	if err := c.getJSON(ctx, path, &list); err != nil {
		return nil, false, err
	}
	if list.TotalCount == 0 || len(list.Results) == 0 {
		return nil, false, nil
	}
	return &list.Results[0], true, nil
}

func (c *Client) getJSON(ctx context.Context, path string, out interface{}) error {
	return c.doJSON(ctx, http.MethodGet, path, "", nil, out)
}

func (c *Client) postJSON(ctx context.Context, path string, in, out interface{}) error {
	return c.doJSONBody(ctx, http.MethodPost, path, in, out)
}

func (c *Client) doJSONBody(ctx context.Context, method, path string, in, out interface{}) error {
	data, err := json.Marshal(in)
	if err != nil {
		return err
	}
	return c.doJSON(ctx, method, path, "application/json", bytes.NewReader(data), out)
}

// doJSON performs an authenticated request. A 401 is handled by refreshing
// the token and replaying the request exactly once; a second rejection is
// surfaced as ErrAuthExpired.
func (c *Client) doJSON(ctx context.Context, method, path, contentType string, body io.Reader, out interface{}) error {
	var bodyBytes []byte
	if body != nil {
		var err error
		bodyBytes, err = io.ReadAll(body)
		if err != nil {
			return err
		}
	}

	refreshed := false
	for {
		if err := c.ensureToken(ctx); err != nil {
			return fmt.Errorf("failed to obtain auth token: %w", err)
		}

		var reqBody io.Reader
		if bodyBytes != nil {
			reqBody = bytes.NewReader(bodyBytes)
		}

		req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reqBody)
		if err != nil {
			return err
		}
		req.Header.Set("Accept", "application/json")
		if contentType != "" {
			req.Header.Set("Content-Type", contentType)
		}

		c.tokenMu.Lock()
		req.Header.Set("Authorization", "Bearer "+c.token)
		c.tokenMu.Unlock()

		resp, err := c.httpClient.Do(req)
		if err != nil {
			return err
		}

		if resp.StatusCode == http.StatusUnauthorized {
			resp.Body.Close()
			if refreshed {
				return ErrAuthExpired
			}
			refreshed = true
			c.tokenMu.Lock()
			c.token = ""
			c.tokenMu.Unlock()
			continue
		}

		return c.consumeResponse(resp, out)
	}
}

func (c *Client) consumeResponse(resp *http.Response, out interface{}) error {
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusConflict {
		return ErrConflict
	}

	if resp.StatusCode >= 400 {
		message := ""
		var apiErr struct {
			Message string `json:"message"`
		}
		if err := json.NewDecoder(resp.Body).Decode(&apiErr); err == nil {
			message = apiErr.Message
		}
		return &StatusError{StatusCode: resp.StatusCode, Message: message}
	}

	if out == nil {
		io.Copy(io.Discard, resp.Body)
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
