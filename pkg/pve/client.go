// Package pve is a read-only client for the hypervisor cluster API. It
// covers exactly the surface the poller needs: guest inventory, backup
// volumes, snapshots and finished backup tasks.
package pve

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

// ClientConfig holds connection settings for one hypervisor endpoint.
type ClientConfig struct {
	Host        string // host[:port], protocol optional (defaults to https)
	TokenID     string // user@realm!tokenname
	TokenSecret string
	Fingerprint string
	VerifySSL   bool
	Timeout     time.Duration
}

// Client talks to a single hypervisor cluster entry point.
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
	req.Header.Set("Authorization", fmt.Sprintf("PVEAPIToken=%s=%s", c.config.TokenID, c.config.TokenSecret))

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusUnauthorized,
		resp.StatusCode == http.StatusForbidden,
		resp.StatusCode == 595: // hypervisor-specific "no ticket" status
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

// GetNodes lists cluster members.
func (c *Client) GetNodes(ctx context.Context) ([]Node, error) {
	var nodes []Node
	if err := c.get(ctx, "/nodes", &nodes); err != nil {
		return nil, err
	}
	return nodes, nil
}

// GetGuests lists all VMs and containers across the cluster in one call.
func (c *Client) GetGuests(ctx context.Context) ([]ClusterResource, error) {
	var resources []ClusterResource
	if err := c.get(ctx, "/cluster/resources?type=vm", &resources); err != nil {
		return nil, err
	}
	guests := resources[:0]
	for _, r := range resources {
		if r.Type == "qemu" || r.Type == "lxc" {
			guests = append(guests, r)
		}
	}
	return guests, nil
}

// GetStorage lists storage definitions visible on a node.
func (c *Client) GetStorage(ctx context.Context, node string) ([]Storage, error) {
	var storage []Storage
	if err := c.get(ctx, "/nodes/"+url.PathEscape(node)+"/storage", &storage); err != nil {
		return nil, err
	}
	return storage, nil
}

// GetBackupFiles lists backup volumes on one storage.
func (c *Client) GetBackupFiles(ctx context.Context, node, storage string) ([]StorageContent, error) {
	path := fmt.Sprintf("/nodes/%s/storage/%s/content?content=backup", url.PathEscape(node), url.PathEscape(storage))
	var content []StorageContent
	if err := c.get(ctx, path, &content); err != nil {
		return nil, err
	}
	return content, nil
}

// GetSnapshots lists snapshots of one guest. guestType is "qemu" or "lxc".
func (c *Client) GetSnapshots(ctx context.Context, node, guestType string, vmid int) ([]Snapshot, error) {
	path := fmt.Sprintf("/nodes/%s/%s/%d/snapshot", url.PathEscape(node), guestType, vmid)
	var snapshots []Snapshot
	if err := c.get(ctx, path, &snapshots); err != nil {
		return nil, err
	}
	// The API includes a synthetic "current" entry with no timestamp.
	filtered := snapshots[:0]
	for _, s := range snapshots {
		if s.Name != "current" && s.SnapTime > 0 {
			filtered = append(filtered, s)
		}
	}
	return filtered, nil
}

// GetBackupTasks lists finished vzdump tasks cluster-wide.
func (c *Client) GetBackupTasks(ctx context.Context) ([]Task, error) {
	var tasks []Task
	if err := c.get(ctx, "/cluster/tasks", &tasks); err != nil {
		return nil, err
	}
	backups := tasks[:0]
	for _, t := range tasks {
		if t.Type == "vzdump" && t.EndTime > 0 {
			backups = append(backups, t)
		}
	}
	return backups, nil
}
