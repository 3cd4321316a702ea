package api

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"go-swarm-history/internal/models"

	log "github.com/sirupsen/logrus"
)

// Custom Error Types
var (
	ErrTimeout     = errors.New("API request timed out")
	ErrUnreachable = errors.New("API backend unreachable")
	ErrStatus      = errors.New("unexpected HTTP status code")
	ErrNoSession   = errors.New("no session_id received")
)

// Client talks to a SwarmUI-style backend. The base URL comes from an
// explicit Config at construction time and can be swapped at runtime via
// UpdateBaseURL; there is no ambient global configuration.
type Client struct {
	HttpClient *http.Client

	mu      sync.RWMutex
	baseURL string
}

// NewClient creates a new API client. A nil httpClient gets a default
// with the configured fixed timeout.
func NewClient(cfg models.Config, httpClient *http.Client) *Client {
	if httpClient == nil {
		timeout := time.Duration(cfg.ApiClientTimeoutSec) * time.Second
		if timeout <= 0 {
			timeout = 30 * time.Second
		}
		httpClient = &http.Client{Timeout: timeout}
	}
	return &Client{
		HttpClient: httpClient,
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
	}
}

// BaseURL returns the currently configured backend base URL.
func (c *Client) BaseURL() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.baseURL
}

// UpdateBaseURL points the client at a different backend. Subsequent
// requests use the new URL; in-flight requests are unaffected.
func (c *Client) UpdateBaseURL(baseURL string) {
	c.mu.Lock()
	c.baseURL = strings.TrimRight(baseURL, "/")
	c.mu.Unlock()
	log.Infof("API base URL updated to %s", baseURL)
}

// NewSession requests a fresh session from the backend.
func (c *Client) NewSession() (string, error) {
	var resp models.SessionResponse
	if err := c.postJSON("/API/GetNewSession", struct{}{}, &resp); err != nil {
		return "", err
	}
	if resp.SessionID == "" {
		return "", ErrNoSession
	}
	return resp.SessionID, nil
}

// ListFiles fetches the remote file listing. The metadata attached to
// each file is an opaque JSON string the caller parses defensively.
func (c *Client) ListFiles(path string, depth int, sortBy string, sortReverse bool, sessionID string) (models.ListFilesResponse, error) {
	req := models.ListFilesRequest{
		Path:        path,
		Depth:       depth,
		SortBy:      sortBy,
		SortReverse: sortReverse,
		SessionID:   sessionID,
	}
	var resp models.ListFilesResponse
	if err := c.postJSON("/API/ListImages", req, &resp); err != nil {
		return models.ListFilesResponse{}, err
	}
	return resp, nil
}

// ViewURL constructs the full-resolution fetch endpoint for a listed file.
func (c *Client) ViewURL(filename string) string {
	clean := models.StripRawPrefix(filename)
	return fmt.Sprintf("%s/View/local/raw/%s", c.BaseURL(), url.PathEscape(clean))
}

// FetchImage downloads the full-resolution bytes for a filename and
// returns them base64-encoded, matching what the thumbnail pipeline
// consumes.
func (c *Client) FetchImage(filename string, sessionID string) (string, error) {
	reqURL := c.ViewURL(filename)
	httpReq, err := http.NewRequest(http.MethodGet, reqURL, nil)
	if err != nil {
		return "", fmt.Errorf("error creating request for %s: %w", reqURL, err)
	}
	if sessionID != "" {
		httpReq.Header.Set("X-Session-Id", sessionID)
	}

	resp, err := c.HttpClient.Do(httpReq)
	if err != nil {
		return "", classifyTransportError(err, reqURL)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("%w: received status %d from %s", ErrStatus, resp.StatusCode, reqURL)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("error reading image body from %s: %w", reqURL, err)
	}
	return base64.StdEncoding.EncodeToString(body), nil
}

// postJSON issues a JSON POST against the backend and decodes the reply.
func (c *Client) postJSON(path string, payload interface{}, out interface{}) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("error marshalling request payload: %w", err)
	}

	reqURL := c.BaseURL() + path
	httpReq, err := http.NewRequest(http.MethodPost, reqURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("error creating request for %s: %w", reqURL, err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.HttpClient.Do(httpReq)
	if err != nil {
		return classifyTransportError(err, reqURL)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%w: received status %d from %s", ErrStatus, resp.StatusCode, reqURL)
	}

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("error reading response body from %s: %w", reqURL, err)
	}
	if err := json.Unmarshal(respBody, out); err != nil {
		log.Debugf("Response body causing unmarshal error: %s", string(respBody))
		return fmt.Errorf("error unmarshalling response from %s: %w", reqURL, err)
	}
	return nil
}

// classifyTransportError folds transport failures into the taxonomy the
// reconciliation engine relies on: timeouts and unreachable backends are
// distinguished so callers can log rather than surface them.
func classifyTransportError(err error, reqURL string) error {
	var netErr interface{ Timeout() bool }
	if errors.As(err, &netErr) && netErr.Timeout() {
		return fmt.Errorf("%w: %s: %v", ErrTimeout, reqURL, err)
	}
	return fmt.Errorf("%w: %s: %v", ErrUnreachable, reqURL, err)
}

// IsNetworkError reports whether err is a timeout or unreachable-backend
// failure. These are never surfaced to the user as errors.
func IsNetworkError(err error) bool {
	return errors.Is(err, ErrTimeout) || errors.Is(err, ErrUnreachable)
}
