package httpclient

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/bytedance/sonic"
	"github.com/duetcode/duet/internal/config"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.uber.org/zap"
)

// SandboxClient is the HTTP client for the remote sandbox runtime. Every call
// carries the sandbox API secret; commands are idempotent by message id on the
// runtime side, so deadline-exceeded errors are safe to retry.
type SandboxClient struct {
	BaseURL    string
	APISecret  string
	HTTPClient *http.Client
	Logger     *zap.Logger
}

func NewSandboxClient(cfg *config.Config, log *zap.Logger) *SandboxClient {
	return &SandboxClient{
		BaseURL:   cfg.Sandbox.BaseURL,
		APISecret: cfg.Sandbox.APISecret,
		HTTPClient: &http.Client{
			Timeout:   time.Duration(cfg.Sandbox.StartTimeoutSec) * time.Second,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
		Logger: log,
	}
}

// SandboxRuntimeInfo is the runtime's view of a sandbox instance.
type SandboxRuntimeInfo struct {
	SandboxID string `json:"sandbox_id"`
	Status    string `json:"status"`
	Hostname  string `json:"hostname"`
}

// FlagResponse is the generic ack envelope returned by command endpoints.
type FlagResponse struct {
	Status int    `json:"status"`
	Errmsg string `json:"errmsg"`
}

// StartRequest asks the runtime for a sandbox bound to a session's repository.
type StartRequest struct {
	SessionID  string  `json:"session_id"`
	RepoOwner  string  `json:"repo_owner"`
	RepoName   string  `json:"repo_name"`
	CurrentSha *string `json:"current_sha,omitempty"`
	Workspace  string  `json:"workspace"`
	Deployment string  `json:"deployment"`
}

// ExecuteCommand carries one prompt dispatch.
type ExecuteCommand struct {
	Kind            string         `json:"kind"`
	SessionID       string         `json:"session_id"`
	MessageID       string         `json:"message_id"`
	Content         string         `json:"content"`
	Model           string         `json:"model"`
	ReasoningEffort string         `json:"reasoning_effort,omitempty"`
	Attachments     any            `json:"attachments,omitempty"`
	CallbackContext map[string]any `json:"callback_context,omitempty"`
}

func (c *SandboxClient) do(ctx context.Context, method, endpoint string, payload any, out any) error {
	var body io.Reader
	if payload != nil {
		b, err := sonic.Marshal(payload)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		body = bytes.NewReader(b)
	}

	httpReq, err := http.NewRequestWithContext(ctx, method, endpoint, body)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Authorization", "Bearer "+c.APISecret)
	if payload != nil {
		httpReq.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.HTTPClient.Do(httpReq)
	if err != nil {
		return fmt.Errorf("do request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response body: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		c.Logger.Error("sandbox request failed",
			zap.String("endpoint", endpoint),
			zap.Int("status_code", resp.StatusCode),
			zap.String("body", string(respBody)))
		return fmt.Errorf("request failed with status %d: %s", resp.StatusCode, string(respBody))
	}

	if out == nil {
		return nil
	}
	if err := sonic.Unmarshal(respBody, out); err != nil {
		return fmt.Errorf("unmarshal response: %w", err)
	}
	return nil
}

// Start provisions a sandbox for the session, cloning its repository.
func (c *SandboxClient) Start(ctx context.Context, req StartRequest) (*SandboxRuntimeInfo, error) {
	endpoint := fmt.Sprintf("%s/v1/sandbox", c.BaseURL)
	var result SandboxRuntimeInfo
	if err := c.do(ctx, http.MethodPost, endpoint, req, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// Execute dispatches one prompt to a running sandbox.
func (c *SandboxClient) Execute(ctx context.Context, sandboxID string, cmd ExecuteCommand) (*FlagResponse, error) {
	endpoint := fmt.Sprintf("%s/v1/sandbox/%s/execute", c.BaseURL, sandboxID)
	cmd.Kind = "execute"
	var result FlagResponse
	if err := c.do(ctx, http.MethodPost, endpoint, cmd, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// Stop asks the sandbox to cancel the execution for the given message. The
// cancellation is acknowledged asynchronously via an execution_complete event.
func (c *SandboxClient) Stop(ctx context.Context, sandboxID, messageID string) (*FlagResponse, error) {
	endpoint := fmt.Sprintf("%s/v1/sandbox/%s/stop", c.BaseURL, sandboxID)
	var result FlagResponse
	if err := c.do(ctx, http.MethodPost, endpoint, map[string]string{"message_id": messageID}, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// Terminate tears the sandbox down.
func (c *SandboxClient) Terminate(ctx context.Context, sandboxID string) (*FlagResponse, error) {
	endpoint := fmt.Sprintf("%s/v1/sandbox/%s", c.BaseURL, sandboxID)
	var result FlagResponse
	if err := c.do(ctx, http.MethodDelete, endpoint, nil, &result); err != nil {
		return nil, err
	}
	return &result, nil
}
