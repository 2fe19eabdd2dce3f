// Package client provides a typed HTTP client over the control plane's API,
// used by the agentctl CLI, covering the auth, device-auth and deployment
// endpoint surface.
package client

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

// Client provides typed access to the control plane API for interactive tools.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// Option customises client instantiation.
type Option func(*Client)

// WithHTTPClient overrides the default HTTP client.
func WithHTTPClient(h *http.Client) Option {
	return func(c *Client) {
		if h != nil {
			c.httpClient = h
		}
	}
}

// New constructs a Client pointing at the provided API base URL.
func New(base string, opts ...Option) (*Client, error) {
	trimmed := strings.TrimSpace(base)
	if trimmed == "" {
		trimmed = "http://localhost:8080"
	}
	if !strings.HasPrefix(trimmed, "http://") && !strings.HasPrefix(trimmed, "https://") {
		trimmed = "http://" + trimmed
	}
	if _, err := url.Parse(trimmed); err != nil {
		return nil, fmt.Errorf("invalid api base url: %w", err)
	}
	cli := &Client{
		baseURL:    strings.TrimRight(trimmed, "/"),
		httpClient: &http.Client{Timeout: 15 * time.Second},
	}
	for _, opt := range opts {
		opt(cli)
	}
	return cli, nil
}

// APIError represents an error envelope from the API.
type APIError struct {
	Status  int
	Code    string
	Message string
}

func (e APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("api request failed with status %d", e.Status)
	}
	return fmt.Sprintf("api request failed (%d %s): %s", e.Status, e.Code, e.Message)
}

// envelope mirrors httpresp's {success,data,error} response shape.
type envelope struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data,omitempty"`
	Error   *struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

func (c *Client) do(ctx context.Context, method, path string, body any, token string, v any) error {
	if c == nil {
		return fmt.Errorf("client is nil")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	endpoint := c.baseURL + path
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request body: %w", err)
		}
		reader = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, endpoint, reader)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if strings.TrimSpace(token) != "" {
		req.Header.Set("Authorization", "Bearer "+strings.TrimSpace(token))
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("perform request: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}

	var env envelope
	if len(data) > 0 {
		if err := json.Unmarshal(data, &env); err != nil {
			if resp.StatusCode >= http.StatusBadRequest {
				return APIError{Status: resp.StatusCode, Message: strings.TrimSpace(string(data))}
			}
			return fmt.Errorf("decode response: %w", err)
		}
	}

	if resp.StatusCode >= http.StatusBadRequest || !env.Success {
		apiErr := APIError{Status: resp.StatusCode}
		if env.Error != nil {
			apiErr.Code = env.Error.Code
			apiErr.Message = env.Error.Message
		}
		return apiErr
	}

	if v == nil || len(env.Data) == 0 {
		return nil
	}
	if err := json.Unmarshal(env.Data, v); err != nil {
		return fmt.Errorf("decode response data: %w", err)
	}
	return nil
}

// User reflects the API's user payload.
type User struct {
	ID                 string `json:"id"`
	Email              string `json:"email"`
	SubscriptionStatus string `json:"subscriptionStatus"`
	MaxAgents          int    `json:"maxAgents"`
}

// AuthResponse captures the token-plus-user payload from signup and login.
type AuthResponse struct {
	User             User   `json:"user"`
	AccessToken      string `json:"accessToken"`
	RefreshToken     string `json:"refreshToken"`
	ExpiresInSeconds int    `json:"expiresInSecs"`
}

// Signup registers a new account.
func (c *Client) Signup(ctx context.Context, email, password string) (AuthResponse, error) {
	body := map[string]string{"email": email, "password": password}
	var resp AuthResponse
	if err := c.do(ctx, http.MethodPost, "/api/auth/signup", body, "", &resp); err != nil {
		return AuthResponse{}, err
	}
	return resp, nil
}

// Login exchanges credentials for a token pair.
func (c *Client) Login(ctx context.Context, email, password string) (AuthResponse, error) {
	body := map[string]string{"email": email, "password": password}
	var resp AuthResponse
	if err := c.do(ctx, http.MethodPost, "/api/auth/login", body, "", &resp); err != nil {
		return AuthResponse{}, err
	}
	return resp, nil
}

// Me fetches the authenticated user's profile.
func (c *Client) Me(ctx context.Context, token string) (User, error) {
	var u User
	if err := c.do(ctx, http.MethodGet, "/api/me", nil, token, &u); err != nil {
		return User{}, err
	}
	return u, nil
}

// DeviceStartResponse is returned by StartDeviceAuth.
type DeviceStartResponse struct {
	DeviceCode       string `json:"deviceCode"`
	UserCode         string `json:"userCode"`
	VerificationURL  string `json:"verificationUrl"`
	IntervalSeconds  int    `json:"intervalSecs"`
	ExpiresInSeconds int    `json:"expiresInSecs"`
}

// StartDeviceAuth begins a CLI device-authorization challenge.
func (c *Client) StartDeviceAuth(ctx context.Context) (DeviceStartResponse, error) {
	var resp DeviceStartResponse
	if err := c.do(ctx, http.MethodPost, "/api/auth/device/start", nil, "", &resp); err != nil {
		return DeviceStartResponse{}, err
	}
	return resp, nil
}

// DevicePollResponse is returned by PollDeviceAuth.
type DevicePollResponse struct {
	Status           string `json:"status"`
	AccessToken      string `json:"accessToken,omitempty"`
	RefreshToken     string `json:"refreshToken,omitempty"`
	ExpiresInSeconds int    `json:"expiresInSecs,omitempty"`
	IntervalSeconds  int    `json:"intervalSecs,omitempty"`
}

// PollDeviceAuth checks whether a device code has been approved.
func (c *Client) PollDeviceAuth(ctx context.Context, deviceCode string) (DevicePollResponse, error) {
	body := map[string]string{"deviceCode": deviceCode}
	var resp DevicePollResponse
	if err := c.do(ctx, http.MethodPost, "/api/auth/device/poll", body, "", &resp); err != nil {
		return DevicePollResponse{}, err
	}
	return resp, nil
}

// DeviceVerifyResponse is returned by VerifyDeviceAuth.
type DeviceVerifyResponse struct {
	Status string `json:"status"`
}

// VerifyDeviceAuth approves a pending device code from the credential-holding
// side of the flow: the CLI prompts for the account's email and password and
// submits them alongside the user code shown on the waiting device.
func (c *Client) VerifyDeviceAuth(ctx context.Context, userCode, email, password string) (DeviceVerifyResponse, error) {
	body := map[string]string{"userCode": userCode, "email": email, "password": password}
	var resp DeviceVerifyResponse
	if err := c.do(ctx, http.MethodPost, "/api/auth/device/verify", body, "", &resp); err != nil {
		return DeviceVerifyResponse{}, err
	}
	return resp, nil
}

// Deployment mirrors the API's redacted deployment payload. The control
// plane serializes domain.Deployment directly; its top-level fields have no
// json tags, so these field names match its Go field names. The nested
// AgentConfig is tagged "model"/"systemPrompt", which encoding/json matches
// to Config.Model case-insensitively.
type Deployment struct {
	ID               string    `json:"ID"`
	UserID           string    `json:"UserID"`
	Subdomain        string    `json:"Subdomain"`
	Status           string    `json:"Status"`
	ContainerID      *string   `json:"ContainerID"`
	Config           struct {
		Model        string `json:"Model"`
		SystemPrompt string `json:"SystemPrompt"`
	} `json:"Config"`
	ErrorMessage     *string   `json:"ErrorMessage"`
	ProvisioningStep *string   `json:"ProvisioningStep"`
	CreatedAt        time.Time `json:"CreatedAt"`
	UpdatedAt        time.Time `json:"UpdatedAt"`
}

// CreateDeploymentInput captures the payload for deployment creation.
type CreateDeploymentInput struct {
	Subdomain    string `json:"subdomain"`
	Model        string `json:"model"`
	SystemPrompt string `json:"systemPrompt,omitempty"`
}

// CreateDeployment provisions a new deployment.
func (c *Client) CreateDeployment(ctx context.Context, token string, input CreateDeploymentInput) (Deployment, error) {
	var d Deployment
	if err := c.do(ctx, http.MethodPost, "/api/deployments", input, token, &d); err != nil {
		return Deployment{}, err
	}
	return d, nil
}

// ListDeployments returns the authenticated user's deployments.
func (c *Client) ListDeployments(ctx context.Context, token string) ([]Deployment, error) {
	var deployments []Deployment
	if err := c.do(ctx, http.MethodGet, "/api/deployments", nil, token, &deployments); err != nil {
		return nil, err
	}
	return deployments, nil
}

// GetDeployment fetches a single deployment by id.
func (c *Client) GetDeployment(ctx context.Context, token, deploymentID string) (Deployment, error) {
	path := fmt.Sprintf("/api/deployments/%s", url.PathEscape(deploymentID))
	var d Deployment
	if err := c.do(ctx, http.MethodGet, path, nil, token, &d); err != nil {
		return Deployment{}, err
	}
	return d, nil
}

// DeleteDeployment removes a deployment and its container.
func (c *Client) DeleteDeployment(ctx context.Context, token, deploymentID string) error {
	path := fmt.Sprintf("/api/deployments/%s", url.PathEscape(deploymentID))
	return c.do(ctx, http.MethodDelete, path, nil, token, nil)
}

// SpawnDeployment requests that the deployment's container be (re)started.
func (c *Client) SpawnDeployment(ctx context.Context, token, deploymentID string) error {
	path := fmt.Sprintf("/api/deployments/%s/spawn", url.PathEscape(deploymentID))
	return c.do(ctx, http.MethodPost, path, nil, token, nil)
}

// StopDeployment requests that the deployment's container be stopped.
func (c *Client) StopDeployment(ctx context.Context, token, deploymentID string) error {
	path := fmt.Sprintf("/api/deployments/%s/stop", url.PathEscape(deploymentID))
	return c.do(ctx, http.MethodPost, path, nil, token, nil)
}

// RestartDeployment requests that the deployment's container be restarted.
func (c *Client) RestartDeployment(ctx context.Context, token, deploymentID string) error {
	path := fmt.Sprintf("/api/deployments/%s/restart", url.PathEscape(deploymentID))
	return c.do(ctx, http.MethodPost, path, nil, token, nil)
}

// FetchLogs returns recent container logs for a deployment as plain text.
func (c *Client) FetchLogs(ctx context.Context, token, deploymentID string, tail int) (string, error) {
	query := ""
	if tail > 0 {
		query = fmt.Sprintf("?tail=%d", tail)
	}
	path := fmt.Sprintf("/api/deployments/%s/logs%s", url.PathEscape(deploymentID), query)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return "", fmt.Errorf("create request: %w", err)
	}
	if strings.TrimSpace(token) != "" {
		req.Header.Set("Authorization", "Bearer "+strings.TrimSpace(token))
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("perform request: %w", err)
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode >= http.StatusBadRequest {
		return "", APIError{Status: resp.StatusCode, Message: strings.TrimSpace(string(data))}
	}
	return string(data), nil
}
