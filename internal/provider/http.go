package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// HTTPClient is a Provider backed by a Vercel-style REST API
type HTTPClient struct {
	baseURL    string
	token      string
	teamID     string
	httpClient *http.Client
}

// NewHTTPClient creates a new provider API client.
func NewHTTPClient(baseURL, token, teamID string, timeout time.Duration) *HTTPClient {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &HTTPClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		teamID:  teamID,
		httpClient: &http.Client{
			Timeout: timeout,
		},
	}
}

type apiErrorBody struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

// request performs an HTTP request and decodes the JSON response.
func (c *HTTPClient) request(ctx context.Context, op, method, path string, body, result interface{}) error {
	var bodyReader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return Permanentf(op, "failed to marshal request body: %v", err)
		}
		bodyReader = bytes.NewReader(data)
	}

	u := c.baseURL + path
	if c.teamID != "" {
		u += "?teamId=" + url.QueryEscape(c.teamID)
	}

	req, err := http.NewRequestWithContext(ctx, method, u, bodyReader)
	if err != nil {
		return Permanentf(op, "failed to create request: %v", err)
	}

	req.Header.Set("Content-Type", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		// Network failures and client timeouts are retryable
		return Transientf(op, "%v", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return Transientf(op, "failed to read response body: %v", err)
	}

	if resp.StatusCode >= 400 {
		pe := &Error{
			Op:         op,
			StatusCode: resp.StatusCode,
			Message:    strings.TrimSpace(string(respBody)),
			Transient:  transientStatus(resp.StatusCode),
		}
		var apiErr apiErrorBody
		if json.Unmarshal(respBody, &apiErr) == nil && apiErr.Error.Message != "" {
			pe.Code = apiErr.Error.Code
			pe.Message = apiErr.Error.Message
		}
		return pe
	}

	if result != nil && len(respBody) > 0 {
		if err := json.Unmarshal(respBody, result); err != nil {
			return Permanentf(op, "failed to decode response: %v", err)
		}
	}
	return nil
}

type sandboxEnvelope struct {
	Sandbox struct {
		ID        string `json:"id"`
		Status    string `json:"status"`
		Region    string `json:"region"`
		Runtime   string `json:"runtime"`
		VCPUs     int    `json:"vcpus"`
		Memory    int    `json:"memory"`
		Timeout   int64  `json:"timeout"` // milliseconds
		CreatedAt int64  `json:"createdAt"`
	} `json:"sandbox"`
	Routes []struct {
		Port int    `json:"port"`
		URL  string `json:"url"`
	} `json:"routes"`
}

func (e *sandboxEnvelope) toSandbox() *Sandbox {
	s := &Sandbox{
		ID:       e.Sandbox.ID,
		Status:   e.Sandbox.Status,
		Region:   e.Sandbox.Region,
		Runtime:  e.Sandbox.Runtime,
		VCPUs:    e.Sandbox.VCPUs,
		MemoryMB: e.Sandbox.Memory,
		Timeout:  time.Duration(e.Sandbox.Timeout) * time.Millisecond,
	}
	if e.Sandbox.CreatedAt > 0 {
		s.CreatedAt = time.UnixMilli(e.Sandbox.CreatedAt).UTC()
	}
	if len(e.Routes) > 0 {
		s.Domain = e.Routes[0].URL
	}
	return s
}

// CreateSandbox implements Provider
func (c *HTTPClient) CreateSandbox(ctx context.Context, spec SandboxSpec) (*Sandbox, error) {
	body := map[string]any{
		"projectId": spec.ProjectID,
		"resources": map[string]int{"vcpus": spec.VCPUs},
		"timeout":   spec.Timeout.Milliseconds(),
	}
	if spec.TemplateRef != "" {
		body["source"] = map[string]string{"type": "snapshot", "snapshotId": spec.TemplateRef}
	}
	if spec.Runtime != "" {
		body["runtime"] = spec.Runtime
	}
	if spec.Region != "" {
		body["region"] = spec.Region
	}

	var out sandboxEnvelope
	if err := c.request(ctx, "createSandbox", http.MethodPost, "/v1/sandboxes", body, &out); err != nil {
		return nil, err
	}
	if out.Sandbox.ID == "" {
		return nil, Permanentf("createSandbox", "response carried no sandbox id")
	}
	return out.toSandbox(), nil
}

// GetSandbox implements Provider
func (c *HTTPClient) GetSandbox(ctx context.Context, projectID, sandboxID string) (*Sandbox, error) {
	var out sandboxEnvelope
	path := "/v1/sandboxes/" + url.PathEscape(sandboxID)
	if err := c.request(ctx, "getSandbox", http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return out.toSandbox(), nil
}

// CreateDeployment implements Provider
func (c *HTTPClient) CreateDeployment(ctx context.Context, spec DeploymentSpec) (*Deployment, error) {
	if spec.Name == "" {
		spec.Name = spec.ProjectID
	}
	var out Deployment
	if err := c.request(ctx, "createDeployment", http.MethodPost, "/v13/deployments", spec, &out); err != nil {
		return nil, err
	}
	if out.ID == "" {
		return nil, Permanentf("createDeployment", "response carried no deployment id")
	}
	return &out, nil
}

// GetDeployment implements Provider
func (c *HTTPClient) GetDeployment(ctx context.Context, deploymentID string) (*Deployment, error) {
	var out Deployment
	path := "/v13/deployments/" + url.PathEscape(deploymentID)
	if err := c.request(ctx, "getDeployment", http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

var _ Provider = (*HTTPClient)(nil)

// String is used in startup logs
func (c *HTTPClient) String() string {
	return fmt.Sprintf("http(%s)", c.baseURL)
}
