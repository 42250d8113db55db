package serverless

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha1"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"
)

// ErrFunctionNotFound is returned when the platform has no such function.
var ErrFunctionNotFound = errors.New("function not found")

// Function states reported by the platform.
const (
	StatePending = "Pending"
	StateActive  = "Active"
	StateFailed  = "Failed"
)

// Flavor selects the control-plane API dialect.
type Flavor string

const (
	FlavorFC       Flavor = "fc"
	FlavorAgentRun Flavor = "agentrun"
)

// VPCConfig attaches a function to a private network.
type VPCConfig struct {
	VPCID           string   `json:"vpcId"`
	VSwitchIDs      []string `json:"vSwitchIds"`
	SecurityGroupID string   `json:"securityGroupId"`
}

// FunctionSpec describes a function to create.
type FunctionSpec struct {
	Name        string            `json:"functionName"`
	Image       string            `json:"image"`
	Port        int               `json:"port"`
	CPU         float64           `json:"cpu"`
	MemoryMB    int               `json:"memorySize"`
	Timeout     int               `json:"timeout"`
	Environment map[string]string `json:"environmentVariables,omitempty"`
	Labels      map[string]string `json:"tags,omitempty"`
	VPC         *VPCConfig        `json:"vpcConfig,omitempty"`
}

// Function is the platform's view of a function.
type Function struct {
	Name      string `json:"functionName"`
	State     string `json:"state"`
	Reason    string `json:"stateReason,omitempty"`
	InvokeURL string `json:"invokeUrl"`
}

// FunctionClient is the subset of the function platform's control plane
// the provisioner needs.
type FunctionClient interface {
	CreateFunction(ctx context.Context, spec *FunctionSpec) (*Function, error)
	GetFunction(ctx context.Context, name string) (*Function, error)
	DeleteFunction(ctx context.Context, name string) error
	Ping(ctx context.Context) error
}

// RESTClient talks to the control plane over HTTPS with HMAC request
// signing.
type RESTClient struct {
	endpoint        string
	flavor          Flavor
	accessKeyID     string
	accessKeySecret string
	httpClient      *http.Client
	now             func() time.Time
}

// NewRESTClient creates a control-plane client.
func NewRESTClient(endpoint string, flavor Flavor, accessKeyID, accessKeySecret string) *RESTClient {
	return &RESTClient{
		endpoint:        endpoint,
		flavor:          flavor,
		accessKeyID:     accessKeyID,
		accessKeySecret: accessKeySecret,
		httpClient:      &http.Client{Timeout: 30 * time.Second},
		now:             time.Now,
	}
}

var _ FunctionClient = (*RESTClient)(nil)

func (c *RESTClient) basePath() string {
	if c.flavor == FlavorAgentRun {
		return "/2025-09-10/agents/runtimes"
	}
	return "/2023-03-30/functions"
}

// CreateFunction creates a function from spec.
func (c *RESTClient) CreateFunction(ctx context.Context, spec *FunctionSpec) (*Function, error) {
	var fn Function
	if err := c.call(ctx, http.MethodPost, c.basePath(), spec, &fn); err != nil {
		return nil, err
	}
	return &fn, nil
}

// GetFunction returns the function named name.
func (c *RESTClient) GetFunction(ctx context.Context, name string) (*Function, error) {
	var fn Function
	if err := c.call(ctx, http.MethodGet, c.basePath()+"/"+name, nil, &fn); err != nil {
		return nil, err
	}
	return &fn, nil
}

// DeleteFunction deletes the function named name.
func (c *RESTClient) DeleteFunction(ctx context.Context, name string) error {
	return c.call(ctx, http.MethodDelete, c.basePath()+"/"+name, nil, nil)
}

// Ping lists at most one function to check credentials and reachability.
func (c *RESTClient) Ping(ctx context.Context) error {
	return c.call(ctx, http.MethodGet, c.basePath()+"?limit=1", nil, nil)
}

func (c *RESTClient) call(ctx context.Context, method, path string, body any, result any) error {
	var bodyReader io.Reader
	if body != nil {
		bodyBytes, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to marshal request: %w", err)
		}
		bodyReader = bytes.NewReader(bodyBytes)
	}

	httpReq, err := http.NewRequestWithContext(ctx, method, c.endpoint+path, bodyReader)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	date := c.now().UTC().Format(http.TimeFormat)
	httpReq.Header.Set("Date", date)
	httpReq.Header.Set("Authorization", "acs "+c.accessKeyID+":"+c.sign(method, date, path))
	if body != nil {
		httpReq.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return fmt.Errorf("HTTP request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode == http.StatusNotFound {
		return ErrFunctionNotFound
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &APIError{Status: resp.StatusCode, Body: string(respBody)}
	}

	if result != nil && len(respBody) > 0 {
		if err := json.Unmarshal(respBody, result); err != nil {
			return fmt.Errorf("failed to decode response: %w", err)
		}
	}
	return nil
}

func (c *RESTClient) sign(method, date, path string) string {
	mac := hmac.New(sha1.New, []byte(c.accessKeySecret))
	mac.Write([]byte(method + "\n" + date + "\n" + path))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

// APIError is a non-2xx control-plane response.
type APIError struct {
	Status int
	Body   string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("function API error (status %d): %s", e.Status, e.Body)
}

// Quota reports whether the platform rejected the call for capacity reasons.
func (e *APIError) Quota() bool {
	return e.Status == http.StatusTooManyRequests || e.Status == http.StatusPaymentRequired
}
