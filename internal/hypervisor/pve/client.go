// Package pve implements the hypervisor client over the Proxmox VE REST API.
package pve

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

	"github.com/hashicorp/go-retryablehttp"
	"go.uber.org/zap"

	"github.com/limiquantix/orchestrator/internal/config"
	"github.com/limiquantix/orchestrator/internal/domain"
)

// Client talks to a Proxmox VE cluster with API token authentication.
type Client struct {
	baseURL    string
	authHeader string
	http       *retryablehttp.Client
	logger     *zap.Logger
}

// NewClient creates a new Proxmox VE client.
func NewClient(cfg config.HypervisorConfig, logger *zap.Logger) (*Client, error) {
	base, err := url.Parse(cfg.BaseURL)
	if err != nil || base.Scheme == "" || base.Host == "" {
		return nil, fmt.Errorf("invalid hypervisor base url %q", cfg.BaseURL)
	}

	logger = logger.With(zap.String("component", "pve-client"))

	rc := retryablehttp.NewClient()
	rc.RetryMax = cfg.RetryMax
	if cfg.RetryWaitMin > 0 {
		rc.RetryWaitMin = cfg.RetryWaitMin
	}
	if cfg.RetryWaitMax > 0 {
		rc.RetryWaitMax = cfg.RetryWaitMax
	}
	rc.CheckRetry = checkRetry
	rc.ErrorHandler = retryablehttp.PassthroughErrorHandler
	rc.Logger = leveledLogger{logger.Sugar()}
	rc.HTTPClient.Timeout = cfg.Timeout
	if transport, ok := rc.HTTPClient.Transport.(*http.Transport); ok && cfg.InsecureSkipVerify {
		transport.TLSClientConfig = &tls.Config{InsecureSkipVerify: true} //nolint:gosec // self-signed cluster certificates
	}

	return &Client{
		baseURL:    strings.TrimRight(base.String(), "/") + "/api2/json",
		authHeader: fmt.Sprintf("PVEAPIToken=%s=%s", cfg.TokenID, cfg.TokenSecret),
		http:       rc,
		logger:     logger,
	}, nil
}

// checkRetry retries reads on transient failures. Writes start tasks on the
// cluster and are only retried when the request never got a response.
func checkRetry(ctx context.Context, resp *http.Response, err error) (bool, error) {
	if err == nil && resp != nil && resp.Request != nil && resp.Request.Method != http.MethodGet {
		return false, nil
	}
	return retryablehttp.DefaultRetryPolicy(ctx, resp, err)
}

// APIError is a non-2xx answer from the API.
type APIError struct {
	StatusCode int
	Status     string
	Message    string
}

func (e *APIError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("pve api: %s: %s", e.Status, e.Message)
	}
	return fmt.Sprintf("pve api: %s", e.Status)
}

func (e *APIError) Unwrap() error {
	switch {
	case e.StatusCode == http.StatusNotFound:
		return domain.ErrNotFound
	case e.StatusCode == http.StatusBadRequest:
		return domain.ErrValidation
	case strings.Contains(e.Message, "does not exist"):
		return domain.ErrNotFound
	case strings.Contains(e.Message, "already exists"):
		return domain.ErrConflict
	default:
		return domain.ErrInternal
	}
}

type envelope struct {
	Data   json.RawMessage   `json:"data"`
	Errors map[string]string `json:"errors,omitempty"`
}

// do performs a request and decodes the "data" member of the answer into out.
func (c *Client) do(ctx context.Context, method, path string, form url.Values, out interface{}) error {
	endpoint := c.baseURL + path

	var body io.Reader
	if form != nil {
		if method == http.MethodGet || method == http.MethodDelete {
			endpoint += "?" + form.Encode()
		} else {
			body = strings.NewReader(form.Encode())
		}
	}

	req, err := retryablehttp.NewRequestWithContext(ctx, method, endpoint, body)
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Authorization", c.authHeader)
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %s %s: %v", domain.ErrInternal, method, path, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("%w: failed to read response: %v", domain.ErrInternal, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		apiErr := &APIError{StatusCode: resp.StatusCode, Status: resp.Status}
		var env envelope
		if json.Unmarshal(raw, &env) == nil && len(env.Errors) > 0 {
			parts := make([]string, 0, len(env.Errors))
			for field, msg := range env.Errors {
				parts = append(parts, field+": "+strings.TrimSpace(msg))
			}
			apiErr.Message = strings.Join(parts, "; ")
		} else if reason := resp.Header.Get("Reason"); reason != "" {
			apiErr.Message = reason
		} else if len(raw) > 0 && len(raw) < 512 {
			apiErr.Message = strings.TrimSpace(string(raw))
		}
		c.logger.Debug("API request failed",
			zap.String("method", method),
			zap.String("path", path),
			zap.Int("status", resp.StatusCode),
			zap.String("message", apiErr.Message),
		)
		return apiErr
	}

	if out == nil {
		return nil
	}
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return fmt.Errorf("%w: failed to decode response: %v", domain.ErrInternal, err)
	}
	if err := json.Unmarshal(env.Data, out); err != nil {
		return fmt.Errorf("%w: failed to decode data: %v", domain.ErrInternal, err)
	}
	return nil
}

func vmPath(node string, vmid int) string {
	return fmt.Sprintf("/nodes/%s/qemu/%d", url.PathEscape(node), vmid)
}

type resourceVM struct {
	VMID   int    `json:"vmid"`
	Name   string `json:"name"`
	Node   string `json:"node"`
	Status string `json:"status"`
	Tags   string `json:"tags"`
	Type   string `json:"type"`
}

func (r resourceVM) toDomain() domain.VirtualMachine {
	status := domain.VMPowerState(r.Status)
	switch status {
	case domain.VMStateRunning, domain.VMStateStopped, domain.VMStatePaused:
	default:
		status = domain.VMStateUnknown
	}
	return domain.VirtualMachine{
		ID:     r.VMID,
		Name:   r.Name,
		Node:   r.Node,
		Status: status,
		Tags:   domain.SplitTags(r.Tags),
	}
}

// ListVMs returns every QEMU VM of the cluster.
func (c *Client) ListVMs(ctx context.Context) ([]domain.VirtualMachine, error) {
	var resources []resourceVM
	if err := c.do(ctx, http.MethodGet, "/cluster/resources", url.Values{"type": {"vm"}}, &resources); err != nil {
		return nil, fmt.Errorf("failed to list vms: %w", err)
	}
	vms := make([]domain.VirtualMachine, 0, len(resources))
	for _, r := range resources {
		if r.Type != "" && r.Type != "qemu" {
			continue
		}
		vms = append(vms, r.toDomain())
	}
	return vms, nil
}

// GetVM looks a VM up in the cluster resource view.
func (c *Client) GetVM(ctx context.Context, vmid int) (*domain.VirtualMachine, error) {
	vms, err := c.ListVMs(ctx)
	if err != nil {
		return nil, err
	}
	for i := range vms {
		if vms[i].ID == vmid {
			return &vms[i], nil
		}
	}
	return nil, domain.NotFoundf("vm %d", vmid)
}

// GetVMConfig returns the current configuration of a VM.
func (c *Client) GetVMConfig(ctx context.Context, node string, vmid int) (domain.VMConfig, error) {
	var raw map[string]interface{}
	if err := c.do(ctx, http.MethodGet, vmPath(node, vmid)+"/config", nil, &raw); err != nil {
		return nil, fmt.Errorf("failed to get config of vm %d: %w", vmid, err)
	}
	cfg := make(domain.VMConfig, len(raw))
	for k, v := range raw {
		switch val := v.(type) {
		case string:
			cfg[k] = val
		case float64:
			cfg[k] = strconv.FormatFloat(val, 'f', -1, 64)
		default:
			cfg[k] = fmt.Sprint(val)
		}
	}
	return cfg, nil
}

// StartVM starts a VM and returns the task id.
func (c *Client) StartVM(ctx context.Context, node string, vmid int) (string, error) {
	var upid string
	if err := c.do(ctx, http.MethodPost, vmPath(node, vmid)+"/status/start", url.Values{}, &upid); err != nil {
		return "", fmt.Errorf("failed to start vm %d: %w", vmid, err)
	}
	return upid, nil
}

// StopVM stops a VM and returns the task id.
func (c *Client) StopVM(ctx context.Context, node string, vmid int) (string, error) {
	var upid string
	if err := c.do(ctx, http.MethodPost, vmPath(node, vmid)+"/status/stop", url.Values{}, &upid); err != nil {
		return "", fmt.Errorf("failed to stop vm %d: %w", vmid, err)
	}
	return upid, nil
}

// MigrateVM submits a migration and returns the task id.
func (c *Client) MigrateVM(ctx context.Context, node string, vmid int, params domain.MigrateParams) (string, error) {
	form := url.Values{"target": {params.Target}}
	if params.Online {
		form.Set("online", "1")
	}
	if params.WithLocalDisks {
		form.Set("with-local-disks", "1")
	}
	if params.Force {
		form.Set("force", "1")
	}
	if params.BandwidthLimit > 0 {
		form.Set("bwlimit", strconv.Itoa(params.BandwidthLimit))
	}
	if params.TargetStorage != "" {
		form.Set("targetstorage", params.TargetStorage)
	}
	if params.Transport != "" {
		form.Set("migration_type", string(params.Transport))
	}
	if params.MigrationNetwork != "" {
		form.Set("migration_network", params.MigrationNetwork)
	}

	var upid string
	if err := c.do(ctx, http.MethodPost, vmPath(node, vmid)+"/migrate", form, &upid); err != nil {
		return "", fmt.Errorf("failed to migrate vm %d: %w", vmid, err)
	}
	return upid, nil
}

// TaskStatus returns the status of a task.
func (c *Client) TaskStatus(ctx context.Context, node, upid string) (*domain.TaskStatus, error) {
	var status struct {
		Status     string `json:"status"`
		ExitStatus string `json:"exitstatus"`
		Node       string `json:"node"`
		UPID       string `json:"upid"`
	}
	path := fmt.Sprintf("/nodes/%s/tasks/%s/status", url.PathEscape(node), url.PathEscape(upid))
	if err := c.do(ctx, http.MethodGet, path, nil, &status); err != nil {
		return nil, fmt.Errorf("failed to get task status: %w", err)
	}
	return &domain.TaskStatus{
		ID:         upid,
		Node:       node,
		Status:     status.Status,
		ExitStatus: status.ExitStatus,
	}, nil
}

// StorageConfig returns every storage definition of the cluster.
func (c *Client) StorageConfig(ctx context.Context) ([]domain.StoragePool, error) {
	var storages []struct {
		Storage string `json:"storage"`
		Type    string `json:"type"`
		Shared  int    `json:"shared"`
	}
	if err := c.do(ctx, http.MethodGet, "/storage", nil, &storages); err != nil {
		return nil, fmt.Errorf("failed to list storage: %w", err)
	}
	pools := make([]domain.StoragePool, 0, len(storages))
	for _, s := range storages {
		pools = append(pools, domain.StoragePool{ID: s.Storage, Type: s.Type, Shared: s.Shared == 1})
	}
	return pools, nil
}

// ListNodes returns the cluster members.
func (c *Client) ListNodes(ctx context.Context) ([]domain.ClusterNode, error) {
	var nodes []domain.ClusterNode
	if err := c.do(ctx, http.MethodGet, "/nodes", nil, &nodes); err != nil {
		return nil, fmt.Errorf("failed to list nodes: %w", err)
	}
	return nodes, nil
}

// NodeStatus returns the CPU and memory usage of a node.
func (c *Client) NodeStatus(ctx context.Context, node string) (*domain.NodeStatus, error) {
	var status struct {
		CPU    float64 `json:"cpu"`
		Memory struct {
			Used  int64 `json:"used"`
			Total int64 `json:"total"`
		} `json:"memory"`
	}
	if err := c.do(ctx, http.MethodGet, "/nodes/"+url.PathEscape(node)+"/status", nil, &status); err != nil {
		return nil, fmt.Errorf("failed to get status of node %s: %w", node, err)
	}
	return &domain.NodeStatus{
		Node:        node,
		CPU:         status.CPU,
		MemoryUsed:  status.Memory.Used,
		MemoryTotal: status.Memory.Total,
	}, nil
}

// NextVMID returns the next free VM id.
func (c *Client) NextVMID(ctx context.Context) (int, error) {
	var raw json.RawMessage
	if err := c.do(ctx, http.MethodGet, "/cluster/nextid", nil, &raw); err != nil {
		return 0, fmt.Errorf("failed to allocate vm id: %w", err)
	}
	// The API answers with a string; tolerate a bare number too.
	text := strings.Trim(string(raw), `"`)
	id, err := strconv.Atoi(text)
	if err != nil {
		return 0, fmt.Errorf("%w: unexpected nextid %q", domain.ErrInternal, text)
	}
	return id, nil
}

// CreateVM creates a VM and returns the task id.
func (c *Client) CreateVM(ctx context.Context, node string, params domain.CreateVMParams) (string, error) {
	form := url.Values{
		"vmid":   {strconv.Itoa(params.VMID)},
		"name":   {params.Name},
		"cores":  {strconv.Itoa(params.Cores)},
		"memory": {strconv.Itoa(params.MemoryMiB)},
		"scsi0":  {fmt.Sprintf("%s:%d", params.Storage, params.DiskGiB)},
		"ide2":   {params.Storage + ":cloudinit"},
		"agent":  {"1"},
	}
	net := "virtio,bridge=" + params.Bridge
	if params.VLAN > 0 {
		net += ",tag=" + strconv.Itoa(params.VLAN)
	}
	form.Set("net0", net)
	if params.IPConfig != "" {
		form.Set("ipconfig0", params.IPConfig)
	}
	if len(params.Tags) > 0 {
		form.Set("tags", strings.Join(params.Tags, ";"))
	}
	ci := params.CloudInit
	if ci.User != "" {
		form.Set("ciuser", ci.User)
	}
	if len(ci.SSHKeys) > 0 {
		// The API expects the key list itself to be URL-encoded.
		form.Set("sshkeys", strings.ReplaceAll(url.QueryEscape(strings.Join(ci.SSHKeys, "\n")), "+", "%20"))
	}
	if ci.Nameserver != "" {
		form.Set("nameserver", ci.Nameserver)
	}
	if ci.SearchDomain != "" {
		form.Set("searchdomain", ci.SearchDomain)
	}
	if params.Start {
		form.Set("start", "1")
	}

	var upid string
	if err := c.do(ctx, http.MethodPost, "/nodes/"+url.PathEscape(node)+"/qemu", form, &upid); err != nil {
		return "", fmt.Errorf("failed to create vm %d: %w", params.VMID, err)
	}
	return upid, nil
}

// DeleteVM destroys a VM including its disks and returns the task id.
func (c *Client) DeleteVM(ctx context.Context, node string, vmid int) (string, error) {
	var upid string
	form := url.Values{"purge": {"1"}, "destroy-unreferenced-disks": {"1"}}
	if err := c.do(ctx, http.MethodDelete, vmPath(node, vmid), form, &upid); err != nil {
		return "", fmt.Errorf("failed to delete vm %d: %w", vmid, err)
	}
	return upid, nil
}

// leveledLogger adapts zap to retryablehttp.LeveledLogger.
type leveledLogger struct {
	s *zap.SugaredLogger
}

func (l leveledLogger) Error(msg string, kv ...interface{}) { l.s.Errorw(msg, kv...) }
func (l leveledLogger) Info(msg string, kv ...interface{})  { l.s.Debugw(msg, kv...) }
func (l leveledLogger) Debug(msg string, kv ...interface{}) { l.s.Debugw(msg, kv...) }
func (l leveledLogger) Warn(msg string, kv ...interface{})  { l.s.Warnw(msg, kv...) }
