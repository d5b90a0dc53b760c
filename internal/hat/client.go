// Package hat provides a client for the table and record endpoints of a HAT personal data store.
package hat

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"path"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/whiteshadow-gr/Hospify-sub000/internal/logging"
)

// DefaultTimeout is the maximum time to wait for a HAT response.
const DefaultTimeout = 30 * time.Second

// AuthHeader carries the access token on every request.
const AuthHeader = "X-Auth-Token"

var (
	// ErrTableNotFound is returned when the HAT answers 404 for a table or its records.
	ErrTableNotFound = errors.New("table not found")
	// ErrUnauthorized is returned when the HAT rejects the access token.
	ErrUnauthorized = errors.New("access token rejected")
)

// StatusError is returned for any unexpected HTTP status.
type StatusError struct {
	Op         string
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s: HAT returned status %d: %s", e.Op, e.StatusCode, e.Body)
}

// Is maps 404 and 401/403 onto the package sentinels.
func (e *StatusError) Is(target error) bool {
	switch target {
	case ErrTableNotFound:
		return e.StatusCode == http.StatusNotFound
	case ErrUnauthorized:
		return e.StatusCode == http.StatusUnauthorized || e.StatusCode == http.StatusForbidden
	}
	return false
}

// Field is a column of a HAT table.
type Field struct {
	ID   int64  `json:"id,omitempty"`
	Name string `json:"name"`
}

// Table is a HAT table definition as returned by the lookup endpoints.
type Table struct {
	ID     int64   `json:"id"`
	Name   string  `json:"name"`
	Source string  `json:"source"`
	Fields []Field `json:"fields"`
}

// TableDefinition is the body of a create-table request.
type TableDefinition struct {
	Name   string  `json:"name"`
	Source string  `json:"source"`
	Fields []Field `json:"fields"`
}

// Record identifies one posted record.
type Record struct {
	Name        string `json:"name"`
	LastUpdated string `json:"lastUpdated,omitempty"`
}

// FieldRef identifies the field a value belongs to.
type FieldRef struct {
	ID   int64  `json:"id"`
	Name string `json:"name"`
}

// Value is a single serialized field value.
type Value struct {
	Field FieldRef `json:"field"`
	Value string   `json:"value"`
}

// RecordValues is one record with its values, as posted to /data/record/values.
type RecordValues struct {
	Record Record  `json:"record"`
	Values []Value `json:"values"`
}

// RecordAck is the server acknowledgement for one persisted record.
type RecordAck struct {
	Record Record `json:"record"`
}

// Client provides access to a single user's HAT.
type Client struct {
	baseURL    string
	httpClient *http.Client
	logger     *zap.Logger
}

// NewClient creates a client for the HAT at baseURL (e.g. https://alice.hubofallthings.net).
func NewClient(baseURL string, timeout time.Duration, logger *zap.Logger) *Client {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Client{
		baseURL:    baseURL,
		httpClient: &http.Client{Timeout: timeout, Transport: NewTransport()},
		logger:     logger.Named("hat"),
	}
}

// NewTransport returns the TLS-only transport used for HAT and token requests.
func NewTransport() *http.Transport {
	return &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		TLSClientConfig: &tls.Config{
			MinVersion: tls.VersionTLS12,
		},
		DialContext: (&net.Dialer{
			Timeout:   30 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		MaxIdleConns:          10,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
	}
}

// LookupTable finds a table by name and source.
// Returns an error matching ErrTableNotFound when the HAT answers 404.
func (c *Client) LookupTable(ctx context.Context, token, name, source string) (*Table, error) {
	endpoint, err := c.buildURL("data", "table")
	if err != nil {
		return nil, err
	}
	endpoint += "?" + url.Values{"name": {name}, "source": {source}}.Encode()

	var table Table
	if err := c.do(ctx, "lookup table", http.MethodGet, endpoint, token, nil, &table); err != nil {
		return nil, err
	}
	if table.ID == 0 {
		return nil, fmt.Errorf("lookup table: response has no table id")
	}
	return &table, nil
}

// GetTable fetches a table and its current field list by identifier.
func (c *Client) GetTable(ctx context.Context, token string, tableID int64) (*Table, error) {
	endpoint, err := c.buildURL("data", "table", strconv.FormatInt(tableID, 10))
	if err != nil {
		return nil, err
	}

	var table Table
	if err := c.do(ctx, "get table", http.MethodGet, endpoint, token, nil, &table); err != nil {
		return nil, err
	}
	if table.Fields == nil {
		return nil, fmt.Errorf("get table: response has no fields")
	}
	return &table, nil
}

// CreateTable creates a table definition.
func (c *Client) CreateTable(ctx context.Context, token string, def TableDefinition) error {
	endpoint, err := c.buildURL("data", "table")
	if err != nil {
		return err
	}

	c.logger.Info("Creating HAT table",
		zap.String("name", def.Name),
		zap.String("source", def.Source),
		zap.Int("fields", len(def.Fields)))

	return c.do(ctx, "create table", http.MethodPost, endpoint, token, def, nil)
}

// PostRecords submits all records in a single request and returns the acknowledgements.
func (c *Client) PostRecords(ctx context.Context, token string, records []RecordValues) ([]RecordAck, error) {
	endpoint, err := c.buildURL("data", "record", "values")
	if err != nil {
		return nil, err
	}

	var acks []RecordAck
	if err := c.do(ctx, "post records", http.MethodPost, endpoint, token, records, &acks); err != nil {
		return nil, err
	}
	return acks, nil
}

// do executes a request and decodes a 2xx JSON response into out (when non-nil).
func (c *Client) do(ctx context.Context, op, method, endpoint, token string, in, out any) error {
	var body io.Reader
	if in != nil {
		raw, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("%s: failed to encode request: %w", op, err)
		}
		body = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, endpoint, body)
	if err != nil {
		return fmt.Errorf("%s: failed to create request: %w", op, err)
	}
	req.Header.Set(AuthHeader, token)
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%s: failed to call HAT: %w", op, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("%s: failed to read response: %w", op, err)
	}

	c.logger.Debug("HAT request",
		zap.String("op", op),
		zap.String("method", method),
		zap.String("url", endpoint),
		zap.Int("status", resp.StatusCode),
		zap.Duration("elapsed", time.Since(start)))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		sanitized := logging.Sanitize(string(respBody))
		if resp.StatusCode != http.StatusNotFound {
			c.logger.Warn("HAT returned error",
				zap.String("op", op),
				zap.Int("status", resp.StatusCode),
				zap.String("body", sanitized))
		}
		return &StatusError{Op: op, StatusCode: resp.StatusCode, Body: sanitized}
	}

	if out == nil {
		return nil
	}
	if err := json.Unmarshal(respBody, out); err != nil {
		return fmt.Errorf("%s: failed to parse response: %w", op, err)
	}
	return nil
}

// buildURL constructs a URL by parsing the base and joining path segments.
func (c *Client) buildURL(pathSegments ...string) (string, error) {
	u, err := url.Parse(c.baseURL)
	if err != nil {
		return "", fmt.Errorf("invalid base URL: %w", err)
	}

	segments := append([]string{"/", u.Path}, pathSegments...)
	u.Path = path.Join(segments...)

	return u.String(), nil
}
