// Package remotestore provides clients for the remote message archive that
// the sync reconciler converges with: an HTTP/JSON client for a hosted
// archive, and an in-memory implementation for tests and demos.
package remotestore

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/meshrelay/meshrelay-go/pkg/storage"
)

// ErrTokenExpired is returned when the configured bearer token has expired.
var ErrTokenExpired = errors.New("auth token expired")

// Config holds configuration for the remote archive client.
type Config struct {
	// BaseURL is the archive server root, e.g. https://archive.example.com.
	BaseURL string

	// AuthToken is the bearer token presented on every request. When it is
	// a JWT its expiry is checked locally before each request.
	AuthToken string

	// Timeout bounds each HTTP request.
	Timeout time.Duration
}

// SetDefaults sets sensible default values for unset configuration fields.
func (c *Config) SetDefaults() {
	if c.Timeout <= 0 {
		c.Timeout = 10 * time.Second
	}
}

// Client is an HTTP/JSON client for the remote message archive.
type Client struct {
	config     Config
	httpClient *http.Client
	baseURL    *url.URL
}

// NewClient creates a remote archive client.
func NewClient(config Config) (*Client, error) {
	config.SetDefaults()

	if config.BaseURL == "" {
		return nil, fmt.Errorf("BaseURL is required")
	}
	baseURL, err := url.Parse(config.BaseURL)
	if err != nil {
		return nil, fmt.Errorf("invalid BaseURL: %w", err)
	}

	return &Client{
		config:     config,
		httpClient: &http.Client{Timeout: config.Timeout},
		baseURL:    baseURL,
	}, nil
}

// Get fetches one archived record by id.
func (c *Client) Get(ctx context.Context, id string) (*storage.RemoteRecord, error) {
	path := fmt.Sprintf("/api/v1/messages/%s", url.PathEscape(id))
	var record storage.RemoteRecord
	if err := c.doRequestWithQuery(ctx, http.MethodGet, path, nil, nil, &record); err != nil {
		return nil, err
	}
	return &record, nil
}

// Put uploads a record. The archive keys records by id, so repeating a Put
// for the same id overwrites with identical content and is safe to retry.
func (c *Client) Put(ctx context.Context, record *storage.RemoteRecord) error {
	path := fmt.Sprintf("/api/v1/messages/%s", url.PathEscape(record.ID))
	if err := c.doRequestWithQuery(ctx, http.MethodPut, path, nil, record, nil); err != nil {
		return fmt.Errorf("failed to upload message %s: %w", record.ID, err)
	}
	return nil
}

// Query returns up to limit records with timestamps strictly after since,
// in ascending timestamp order.
func (c *Client) Query(ctx context.Context, since time.Time, limit int) ([]*storage.RemoteRecord, error) {
	queryParams := url.Values{}
	if !since.IsZero() {
		queryParams.Set("since", since.UTC().Format(time.RFC3339Nano))
	}
	if limit > 0 {
		queryParams.Set("limit", strconv.Itoa(limit))
	}

	var records []*storage.RemoteRecord
	if err := c.doRequestWithQuery(ctx, http.MethodGet, "/api/v1/messages", queryParams, nil, &records); err != nil {
		return nil, fmt.Errorf("failed to query messages: %w", err)
	}
	return records, nil
}

// TokenExpired reports whether the configured token is a JWT whose expiry
// has passed. Opaque tokens are never reported as expired.
func (c *Client) TokenExpired() bool {
	if c.config.AuthToken == "" {
		return false
	}
	parser := jwt.NewParser()
	token, _, err := parser.ParseUnverified(c.config.AuthToken, jwt.MapClaims{})
	if err != nil {
		return false
	}
	exp, err := token.Claims.GetExpirationTime()
	if err != nil || exp == nil {
		return false
	}
	return exp.Before(time.Now())
}

func (c *Client) doRequestWithQuery(ctx context.Context, method, path string,
	queryParams url.Values, reqBody, respBody interface{}) error {

	if c.TokenExpired() {
		return ErrTokenExpired
	}

	u := &url.URL{Path: path}
	if len(queryParams) > 0 {
		u.RawQuery = queryParams.Encode()
	}
	fullURL := c.baseURL.ResolveReference(u)

	var bodyReader io.Reader
	if reqBody != nil {
		jsonBody, err := json.Marshal(reqBody)
		if err != nil {
			return fmt.Errorf("failed to marshal request body: %w", err)
		}
		bodyReader = bytes.NewBuffer(jsonBody)
	}

	req, err := http.NewRequestWithContext(ctx, method, fullURL.String(), bodyReader)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	if reqBody != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.config.AuthToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.config.AuthToken)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	bodyBytes, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response body: %w", err)
	}

	if resp.StatusCode == http.StatusNotFound {
		return storage.ErrNotFound
	}
	if resp.StatusCode >= 400 {
		var errResp struct {
			Error string `json:"error"`
		}
		if err := json.Unmarshal(bodyBytes, &errResp); err != nil || errResp.Error == "" {
			return fmt.Errorf("API error (%d): %s", resp.StatusCode, string(bodyBytes))
		}
		return fmt.Errorf("API error (%d): %s", resp.StatusCode, errResp.Error)
	}

	if respBody != nil && len(bodyBytes) > 0 {
		if err := json.Unmarshal(bodyBytes, respBody); err != nil {
			return fmt.Errorf("failed to parse response: %w", err)
		}
	}
	return nil
}

// Verify that Client implements the RemoteStore interface at compile time
var _ storage.RemoteStore = (*Client)(nil)
