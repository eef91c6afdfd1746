// Package proxmox is the hypervisor API collaborator: a thin client for the
// Proxmox VE REST API, the environment create/destroy lifecycle, and the
// periodic status reconciliation loop.
package proxmox

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/spyre-sh/spyre/internal/common/config"
	"github.com/spyre-sh/spyre/internal/common/logger"
)

// Client is the subset of the hypervisor API the controller uses.
type Client interface {
	// NextID asks the cluster for the next free container id.
	NextID(ctx context.Context) (int, error)
	// CreateContainer creates an LXC container. Synchronous from the
	// caller's point of view: it waits for the creation task to finish.
	CreateContainer(ctx context.Context, req CreateRequest) error
	// StartContainer starts a stopped container.
	StartContainer(ctx context.Context, vmid int) error
	// StopContainer force-stops a running container.
	StopContainer(ctx context.Context, vmid int) error
	// DestroyContainer deletes a container and its volumes.
	DestroyContainer(ctx context.Context, vmid int) error
	// ContainerStatus returns the hypervisor-side status string
	// ("running", "stopped").
	ContainerStatus(ctx context.Context, vmid int) (string, error)
	// ContainerAddress returns the first non-loopback IPv4 address of the
	// container, or empty when none is assigned yet.
	ContainerAddress(ctx context.Context, vmid int) (string, error)
}

// CreateRequest carries the LXC creation parameters.
type CreateRequest struct {
	VMID       int
	Hostname   string
	OSTemplate string
	Password   string
	Storage    string
	RootFSGB   int
	MemoryMB   int
	Cores      int
	Bridge     string
	SSHKeys    string
}

type apiClient struct {
	baseURL string
	node    string
	auth    string
	http    *http.Client
	log     *logger.Logger
}

// NewClient builds a Proxmox API client from configuration. The API token is
// sent as a PVEAPIToken authorization header on every request.
func NewClient(cfg config.ProxmoxConfig, log *logger.Logger) (Client, error) {
	if strings.TrimSpace(cfg.APIURL) == "" {
		return nil, fmt.Errorf("proxmox api url is not configured")
	}
	if cfg.TokenID == "" || cfg.TokenSecret == "" {
		return nil, fmt.Errorf("proxmox api token is not configured")
	}
	return &apiClient{
		baseURL: strings.TrimRight(cfg.APIURL, "/"),
		node:    cfg.Node,
		auth:    fmt.Sprintf("PVEAPIToken=%s=%s", cfg.TokenID, cfg.TokenSecret),
		http: &http.Client{
			Timeout: 30 * time.Second,
			Transport: &http.Transport{
				// Proxmox nodes ship self-signed certificates.
				TLSClientConfig: &tls.Config{InsecureSkipVerify: true},
			},
		},
		log: log,
	}, nil
}

func (c *apiClient) NextID(ctx context.Context) (int, error) {
	var id string
	if err := c.do(ctx, http.MethodGet, "/cluster/nextid", nil, &id); err != nil {
		return 0, err
	}
	vmid, err := strconv.Atoi(id)
	if err != nil {
		return 0, fmt.Errorf("unexpected nextid response %q: %w", id, err)
	}
	return vmid, nil
}

func (c *apiClient) CreateContainer(ctx context.Context, req CreateRequest) error {
	form := url.Values{}
	form.Set("vmid", strconv.Itoa(req.VMID))
	form.Set("hostname", req.Hostname)
	form.Set("ostemplate", req.OSTemplate)
	form.Set("password", req.Password)
	form.Set("storage", req.Storage)
	form.Set("rootfs", fmt.Sprintf("%s:%d", req.Storage, req.RootFSGB))
	form.Set("memory", strconv.Itoa(req.MemoryMB))
	form.Set("cores", strconv.Itoa(req.Cores))
	form.Set("net0", fmt.Sprintf("name=eth0,bridge=%s,ip=dhcp", req.Bridge))
	form.Set("unprivileged", "1")
	form.Set("features", "nesting=1")
	if req.SSHKeys != "" {
		form.Set("ssh-public-keys", req.SSHKeys)
	}

	var upid string
	path := fmt.Sprintf("/nodes/%s/lxc", c.node)
	if err := c.do(ctx, http.MethodPost, path, form, &upid); err != nil {
		return err
	}
	return c.waitTask(ctx, upid)
}

func (c *apiClient) StartContainer(ctx context.Context, vmid int) error {
	var upid string
	path := fmt.Sprintf("/nodes/%s/lxc/%d/status/start", c.node, vmid)
	if err := c.do(ctx, http.MethodPost, path, url.Values{}, &upid); err != nil {
		return err
	}
	return c.waitTask(ctx, upid)
}

func (c *apiClient) StopContainer(ctx context.Context, vmid int) error {
	var upid string
	path := fmt.Sprintf("/nodes/%s/lxc/%d/status/stop", c.node, vmid)
	if err := c.do(ctx, http.MethodPost, path, url.Values{}, &upid); err != nil {
		return err
	}
	return c.waitTask(ctx, upid)
}

func (c *apiClient) DestroyContainer(ctx context.Context, vmid int) error {
	var upid string
	path := fmt.Sprintf("/nodes/%s/lxc/%d?purge=1&destroy-unreferenced-disks=1", c.node, vmid)
	if err := c.do(ctx, http.MethodDelete, path, nil, &upid); err != nil {
		return err
	}
	return c.waitTask(ctx, upid)
}

func (c *apiClient) ContainerStatus(ctx context.Context, vmid int) (string, error) {
	var data struct {
		Status string `json:"status"`
	}
	path := fmt.Sprintf("/nodes/%s/lxc/%d/status/current", c.node, vmid)
	if err := c.do(ctx, http.MethodGet, path, nil, &data); err != nil {
		return "", err
	}
	return data.Status, nil
}

func (c *apiClient) ContainerAddress(ctx context.Context, vmid int) (string, error) {
	var ifaces []struct {
		Name string `json:"name"`
		Inet string `json:"inet"`
	}
	path := fmt.Sprintf("/nodes/%s/lxc/%d/interfaces", c.node, vmid)
	if err := c.do(ctx, http.MethodGet, path, nil, &ifaces); err != nil {
		return "", err
	}
	for _, iface := range ifaces {
		if iface.Name == "lo" || iface.Inet == "" {
			continue
		}
		addr := iface.Inet
		if i := strings.IndexByte(addr, '/'); i >= 0 {
			addr = addr[:i]
		}
		return addr, nil
	}
	return "", nil
}

// waitTask polls a node task (UPID) until it leaves the running state.
func (c *apiClient) waitTask(ctx context.Context, upid string) error {
	if upid == "" {
		return nil
	}
	path := fmt.Sprintf("/nodes/%s/tasks/%s/status", c.node, url.PathEscape(upid))
	for {
		var data struct {
			Status     string `json:"status"`
			ExitStatus string `json:"exitstatus"`
		}
		if err := c.do(ctx, http.MethodGet, path, nil, &data); err != nil {
			return err
		}
		if data.Status != "running" {
			if data.ExitStatus != "OK" {
				return fmt.Errorf("hypervisor task %s failed: %s", upid, data.ExitStatus)
			}
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Second):
		}
	}
}

// do performs one API call. Every Proxmox response wraps its payload in a
// top-level "data" field.
func (c *apiClient) do(ctx context.Context, method, path string, form url.Values, out any) error {
	var body io.Reader
	if form != nil {
		body = strings.NewReader(form.Encode())
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+"/api2/json"+path, body)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", c.auth)
	if form != nil {
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("hypervisor request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return err
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("hypervisor %s %s: %s: %s",
			method, path, resp.Status, strings.TrimSpace(string(raw)))
	}
	if out == nil {
		return nil
	}
	var envelope struct {
		Data json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(raw, &envelope); err != nil {
		return fmt.Errorf("unexpected hypervisor response: %w", err)
	}
	if len(envelope.Data) == 0 || string(envelope.Data) == "null" {
		return nil
	}
	return json.Unmarshal(envelope.Data, out)
}
