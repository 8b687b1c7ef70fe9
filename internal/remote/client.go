// Package remote talks to the upstream clinic API over HTTP.
//
// The client does exactly one attempt per Send and classifies the
// outcome into the two failure families the outbox cares about:
// NetworkError (transient, retry later with the same idempotency key)
// and ValidationError (permanent, the payload itself was rejected).
// Pull pages are retried transparently with exponential backoff since
// reads carry no side effects.
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
	"golang.org/x/mod/semver"

	"github.com/omrozmn/x-ear-sub010/internal/record"
)

// Config controls how the client reaches the clinic backend.
type Config struct {
	// BaseURL is the root of the clinic API, without a trailing slash.
	BaseURL string

	// Token, when set, is sent as a bearer credential on every request.
	Token string

	// DeviceID is reported in the X-Device-Id header so the backend can
	// attribute writes per device.
	DeviceID string

	// MinServerVersion rejects backends older than this version during
	// the handshake. Accepts "2.1.0" or "v2.1.0". Empty disables the
	// check.
	MinServerVersion string

	// PageSize bounds how many records a single pull page requests.
	PageSize int

	// MaxPullTries bounds attempts per page fetch, first try included.
	MaxPullTries uint

	// Timeout applies per request when HTTPClient is nil.
	Timeout time.Duration

	// HTTPClient overrides the default transport, mainly for tests.
	HTTPClient *http.Client

	// Logger receives warnings. If nil, logs go to stderr.
	Logger *log.Logger

	// Observer, when set, is told after every attempt whether the
	// backend was reachable at the transport level. An HTTP error
	// status still counts as reachable.
	Observer func(reachable bool)
}

// DefaultConfig returns client settings suitable for a local backend.
func DefaultConfig() *Config {
	return &Config{
		BaseURL:      "http://127.0.0.1:8080",
		PageSize:     100,
		MaxPullTries: 4,
		Timeout:      15 * time.Second,
	}
}

// Client is a thin HTTP client for the clinic API.
type Client struct {
	baseURL    string
	token      string
	deviceID   string
	minVersion string
	pageSize   int
	pullTries  uint
	httpClient *http.Client
	logger     *log.Logger
	observe    func(bool)
}

// New creates a client from cfg. A nil cfg uses DefaultConfig.
func New(cfg *Config) (*Client, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	base := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if base == "" {
		return nil, fmt.Errorf("base URL is required")
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = 15 * time.Second
		}
		httpClient = &http.Client{Timeout: timeout}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = log.New(os.Stderr, "[remote] ", log.LstdFlags)
	}
	pageSize := cfg.PageSize
	if pageSize <= 0 {
		pageSize = 100
	}
	pullTries := cfg.MaxPullTries
	if pullTries == 0 {
		pullTries = 4
	}
	return &Client{
		baseURL:    base,
		token:      strings.TrimSpace(cfg.Token),
		deviceID:   strings.TrimSpace(cfg.DeviceID),
		minVersion: strings.TrimSpace(cfg.MinServerVersion),
		pageSize:   pageSize,
		pullTries:  pullTries,
		httpClient: httpClient,
		logger:     logger,
		observe:    cfg.Observer,
	}, nil
}

// PulledRecord is one entity as the backend returned it. ID and
// UpdatedAt are extracted for merge decisions; Body keeps the entity
// exactly as received.
type PulledRecord struct {
	ID        string
	UpdatedAt time.Time
	Body      json.RawMessage
}

// Page is one window of a cursor pull.
type Page struct {
	Records    []PulledRecord
	HasNext    bool
	NextCursor string
}

// Send submits one outbox operation. The operation's idempotency key
// travels in the Idempotency-Key header so a backend that already
// processed it answers success instead of duplicating the write.
//
// A nil return means the backend acknowledged the operation. Errors
// are either *NetworkError (retry later) or *ValidationError (the
// payload is permanently rejected).
func (c *Client) Send(ctx context.Context, op *record.Operation) error {
	if op == nil {
		return fmt.Errorf("operation is required")
	}
	var body []byte
	if op.Method != record.MethodDelete && len(op.Payload) > 0 {
		body = op.Payload
	}
	header := http.Header{"Idempotency-Key": {op.IdempotencyKey}}
	label := string(op.Method) + " " + op.Endpoint
	status, payload, err := c.do(ctx, string(op.Method), op.Endpoint, body, header)
	if err != nil {
		return err
	}
	return classify(label, status, payload)
}

// PullPage fetches one page of records from endpoint, retrying
// transient failures with exponential backoff. An empty cursor starts
// from the beginning.
func (c *Client) PullPage(ctx context.Context, endpoint, cursor string) (*Page, error) {
	operation := func() (*Page, error) {
		page, err := c.fetchPage(ctx, endpoint, cursor)
		if err != nil {
			var verr *ValidationError
			if errors.As(err, &verr) {
				return nil, backoff.Permanent(err)
			}
			return nil, err
		}
		return page, nil
	}
	expo := backoff.NewExponentialBackOff()
	expo.InitialInterval = 200 * time.Millisecond
	return backoff.Retry(ctx, operation,
		backoff.WithBackOff(expo),
		backoff.WithMaxTries(c.pullTries))
}

// CheckVersion performs the startup handshake against GET /api/version
// and returns the version the server reported. The error is a
// *VersionError when the server is below the configured minimum.
func (c *Client) CheckVersion(ctx context.Context) (string, error) {
	status, payload, err := c.do(ctx, http.MethodGet, "/api/version", nil, nil)
	if err != nil {
		return "", err
	}
	if err := classify("GET /api/version", status, payload); err != nil {
		return "", err
	}
	var v struct {
		Version string `json:"version"`
	}
	if err := json.Unmarshal(payload, &v); err != nil {
		return "", fmt.Errorf("decode version response: %w", err)
	}
	server := ensureV(v.Version)
	if !semver.IsValid(server) {
		return v.Version, fmt.Errorf("server reported unparseable version %q", v.Version)
	}
	if c.minVersion != "" && semver.Compare(server, ensureV(c.minVersion)) < 0 {
		return v.Version, &VersionError{Server: v.Version, Minimum: c.minVersion}
	}
	return v.Version, nil
}

func (c *Client) fetchPage(ctx context.Context, endpoint, cursor string) (*Page, error) {
	q := url.Values{}
	q.Set("limit", strconv.Itoa(c.pageSize))
	if cursor != "" {
		q.Set("cursor", cursor)
	}
	label := "pull " + endpoint
	status, payload, err := c.do(ctx, http.MethodGet, endpoint+"?"+q.Encode(), nil, nil)
	if err != nil {
		return nil, err
	}
	if err := classify(label, status, payload); err != nil {
		return nil, err
	}

	var env struct {
		Data       []json.RawMessage `json:"data"`
		Pagination struct {
			HasNext    bool   `json:"hasNext"`
			NextCursor string `json:"nextCursor"`
		} `json:"pagination"`
	}
	if err := json.Unmarshal(payload, &env); err != nil {
		return nil, fmt.Errorf("decode pull page: %w", err)
	}

	page := &Page{
		HasNext:    env.Pagination.HasNext,
		NextCursor: env.Pagination.NextCursor,
	}
	for _, raw := range env.Data {
		var probe struct {
			ID        string    `json:"id"`
			UpdatedAt time.Time `json:"updatedAt"`
		}
		if err := json.Unmarshal(raw, &probe); err != nil || probe.ID == "" {
			c.logger.Printf("Warning: skipping pulled record without usable id")
			continue
		}
		page.Records = append(page.Records, PulledRecord{
			ID:        probe.ID,
			UpdatedAt: probe.UpdatedAt,
			Body:      raw,
		})
	}
	return page, nil
}

// do performs one HTTP round trip and reports transport reachability
// to the observer. It never retries.
func (c *Client) do(ctx context.Context, method, path string, body []byte, header http.Header) (int, []byte, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return 0, nil, fmt.Errorf("build %s %s: %w", method, path, err)
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	if c.deviceID != "" {
		req.Header.Set("X-Device-Id", c.deviceID)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for key, values := range header {
		for _, value := range values {
			req.Header.Set(key, value)
		}
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.reportReachable(false)
		return 0, nil, &NetworkError{Op: method + " " + path, Err: err}
	}
	c.reportReachable(true)
	payload, readErr := io.ReadAll(resp.Body)
	resp.Body.Close()
	if readErr != nil {
		return 0, nil, &NetworkError{Op: method + " " + path, Err: readErr}
	}
	return resp.StatusCode, payload, nil
}

func (c *Client) reportReachable(ok bool) {
	if c.observe != nil {
		c.observe(ok)
	}
}

// classify maps a response status to the outbox error taxonomy.
// Timeouts and throttling stay transient even though they are 4xx.
func classify(label string, status int, payload []byte) error {
	if status >= 200 && status <= 299 {
		return nil
	}
	if permanentStatus(status) {
		var errBody struct {
			Code    string `json:"code"`
			Message string `json:"message"`
		}
		_ = json.Unmarshal(payload, &errBody)
		if errBody.Message == "" {
			errBody.Message = http.StatusText(status)
		}
		return &ValidationError{StatusCode: status, Code: errBody.Code, Message: errBody.Message}
	}
	return &NetworkError{Op: label, StatusCode: status, Err: errors.New(http.StatusText(status))}
}

func permanentStatus(status int) bool {
	if status < 400 || status > 499 {
		return false
	}
	return status != http.StatusRequestTimeout && status != http.StatusTooManyRequests
}

func ensureV(version string) string {
	version = strings.TrimSpace(version)
	if version == "" || strings.HasPrefix(version, "v") {
		return version
	}
	return "v" + version
}
