// Package pbs is a read-only client for backup server instances. The
// poller uses it to enumerate datastores, namespaces and the backup
// snapshots stored in them.
package pbs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/backwatch/backwatch/pkg/tlsutil"
)

// ErrAuth marks credential failures so callers can distinguish them from
// transient network errors.
var ErrAuth = errors.New("authentication failed")

// ClientConfig holds connection settings for one backup server.
type ClientConfig struct {
	Host        string // host[:port], protocol optional (defaults to https)
	TokenID     string // user@realm!tokenname
	TokenSecret string
	Fingerprint string
	VerifySSL   bool
	Timeout     time.Duration
}

// Client talks to a single backup server instance.
type Client struct {
	baseURL    string
	httpClient *http.Client
	config     ClientConfig
}

// NewClient validates the config and builds a client. No network calls
// are made; use Version to probe connectivity.
func NewClient(cfg ClientConfig) (*Client, error) {
	if cfg.TokenID == "" || cfg.TokenSecret == "" {
		return nil, fmt.Errorf("token id and secret are required")
	}
	if !strings.Contains(cfg.TokenID, "!") || !strings.Contains(cfg.TokenID, "@") {
		return nil, fmt.Errorf("invalid token id %q, expected user@realm!tokenname", cfg.TokenID)
	}
	if !strings.HasPrefix(cfg.Host, "http://") && !strings.HasPrefix(cfg.Host, "https://") {
		cfg.Host = "https://" + cfg.Host
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	return &Client{
		baseURL:    strings.TrimSuffix(cfg.Host, "/") + "/api2/json",
		httpClient: tlsutil.NewHTTPClient(cfg.VerifySSL, cfg.Fingerprint, timeout),
		config:     cfg,
	}, nil
}

func (c *Client) get(ctx context.Context, path string, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", fmt.Sprintf("PBSAPIToken=%s:%s", c.config.TokenID, c.config.TokenSecret))

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusUnauthorized, resp.StatusCode == http.StatusForbidden:
		return fmt.Errorf("%w: status %d", ErrAuth, resp.StatusCode)
	case resp.StatusCode >= 400:
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("API error %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var envelope struct {
		Data json.RawMessage `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&envelope); err != nil {
		return fmt.Errorf("decoding response: %w", err)
	}
	if out != nil && len(envelope.Data) > 0 {
		if err := json.Unmarshal(envelope.Data, out); err != nil {
			return fmt.Errorf("decoding data: %w", err)
		}
	}
	return nil
}

// Version probes the endpoint. Used by the connectivity test.
func (c *Client) Version(ctx context.Context) (*VersionInfo, error) {
	var v VersionInfo
	if err := c.get(ctx, "/version", &v); err != nil {
		return nil, err
	}
	return &v, nil
}

// GetDatastores lists datastores the token can see.
func (c *Client) GetDatastores(ctx context.Context) ([]Datastore, error) {
	var stores []Datastore
	if err := c.get(ctx, "/admin/datastore", &stores); err != nil {
		return nil, err
	}
	return stores, nil
}

// GetNamespaces lists namespaces of one datastore. Servers without
// namespace support return a 400/404; callers treat that as the root
// namespace only.
func (c *Client) GetNamespaces(ctx context.Context, store string) ([]Namespace, error) {
	var namespaces []Namespace
	path := fmt.Sprintf("/admin/datastore/%s/namespace?max-depth=7", url.PathEscape(store))
	if err := c.get(ctx, path, &namespaces); err != nil {
		return nil, err
	}
	return namespaces, nil
}

// GetSnapshots lists backup snapshots in one datastore namespace. Pass
// an empty namespace for the root.
func (c *Client) GetSnapshots(ctx context.Context, store, namespace string) ([]BackupSnapshot, error) {
	path := fmt.Sprintf("/admin/datastore/%s/snapshots", url.PathEscape(store))
	if namespace != "" {
		path += "?ns=" + url.QueryEscape(namespace)
	}
	var snapshots []BackupSnapshot
	if err := c.get(ctx, path, &snapshots); err != nil {
		return nil, err
	}
	return snapshots, nil
}
