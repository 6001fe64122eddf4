// Package browser drives per-session browser daemons: a typed HTTP client
// for the daemon API and a reconciler that converges actual state onto
// desired state.
package browser

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/ashureev/agent-lab/internal/domain"
)

// DaemonStatus is the daemon's self-reported state. A nil *DaemonStatus
// from GetStatus means no daemon exists for the session.
type DaemonStatus struct {
	Running bool `json:"running"`
	Ready   bool `json:"ready"`
	Port    int  `json:"port"`
}

// CommandResult is the typed envelope for an opaque daemon command.
type CommandResult struct {
	ID      string          `json:"id"`
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data,omitempty"`
	Error   string          `json:"error,omitempty"`
}

// DaemonController wraps the external browser-daemon API.
type DaemonController interface {
	// Start launches the daemon on the given stream port, optionally
	// navigating to url once up. Fails with *domain.DaemonStartFailed.
	Start(ctx context.Context, sessionID string, port int, url string) error
	// Stop is idempotent; a missing daemon counts as stopped.
	Stop(ctx context.Context, sessionID string) error
	// Navigate fails with *domain.NavigationFailed.
	Navigate(ctx context.Context, sessionID, url string) error
	// GetStatus returns nil when no daemon exists for the session.
	GetStatus(ctx context.Context, sessionID string) (*DaemonStatus, error)
	// GetCurrentURL returns "" when the daemon has no page open.
	GetCurrentURL(ctx context.Context, sessionID string) (string, error)
	// Launch marks the viewport active so the daemon materializes lazily.
	Launch(ctx context.Context, sessionID string) error
	IsHealthy(ctx context.Context) bool
	ExecuteCommand(ctx context.Context, sessionID string, cmd json.RawMessage) (*CommandResult, error)
}

// HTTPController talks to the daemon manager at baseURL.
type HTTPController struct {
	baseURL string
	client  *http.Client
}

// NewHTTPController creates a controller for the daemon API at baseURL.
func NewHTTPController(baseURL string) *HTTPController {
	return &HTTPController{
		baseURL: baseURL,
		client:  &http.Client{Timeout: 30 * time.Second},
	}
}

func (c *HTTPController) do(ctx context.Context, method, path string, body, out any) (int, error) {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return 0, fmt.Errorf("encode request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return 0, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()

	if out != nil && resp.StatusCode >= 200 && resp.StatusCode < 300 {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return resp.StatusCode, fmt.Errorf("decode response: %w", err)
		}
	}
	return resp.StatusCode, nil
}

func (c *HTTPController) Start(ctx context.Context, sessionID string, port int, url string) error {
	payload := map[string]any{"port": port}
	if url != "" {
		payload["url"] = url
	}
	var envelope struct {
		Port int `json:"port"`
	}
	status, err := c.do(ctx, http.MethodPost, "/sessions/"+sessionID+"/start", payload, &envelope)
	if err != nil {
		return &domain.ConnectionFailed{SessionID: sessionID, Detail: fmt.Sprintf("Invalid response format: %v", err)}
	}
	if status >= 300 {
		return &domain.DaemonStartFailed{SessionID: sessionID, Detail: fmt.Sprintf("daemon API returned %d", status)}
	}
	if envelope.Port == 0 {
		return &domain.ConnectionFailed{SessionID: sessionID, Detail: "Invalid response format: missing port"}
	}
	return nil
}

func (c *HTTPController) Stop(ctx context.Context, sessionID string) error {
	status, err := c.do(ctx, http.MethodPost, "/sessions/"+sessionID+"/stop", nil, nil)
	if err != nil {
		return &domain.ConnectionFailed{SessionID: sessionID, Detail: err.Error()}
	}
	// A daemon that never existed is already stopped.
	if status >= 300 && status != http.StatusNotFound {
		return &domain.DaemonStopFailed{SessionID: sessionID, Detail: fmt.Sprintf("daemon API returned %d", status)}
	}
	return nil
}

func (c *HTTPController) Navigate(ctx context.Context, sessionID, url string) error {
	status, err := c.do(ctx, http.MethodPost, "/sessions/"+sessionID+"/navigate", map[string]string{"url": url}, nil)
	if err != nil {
		return &domain.ConnectionFailed{SessionID: sessionID, Detail: err.Error()}
	}
	if status >= 300 {
		return &domain.NavigationFailed{SessionID: sessionID, URL: url, Detail: fmt.Sprintf("daemon API returned %d", status)}
	}
	return nil
}

func (c *HTTPController) GetStatus(ctx context.Context, sessionID string) (*DaemonStatus, error) {
	var envelope DaemonStatus
	status, err := c.do(ctx, http.MethodGet, "/sessions/"+sessionID+"/status", nil, &envelope)
	if err != nil {
		return nil, &domain.ConnectionFailed{SessionID: sessionID, Detail: fmt.Sprintf("Invalid response format: %v", err)}
	}
	if status == http.StatusNotFound {
		return nil, nil
	}
	if status >= 300 {
		return nil, &domain.ConnectionFailed{SessionID: sessionID, Detail: fmt.Sprintf("daemon API returned %d", status)}
	}
	return &envelope, nil
}

func (c *HTTPController) GetCurrentURL(ctx context.Context, sessionID string) (string, error) {
	var envelope struct {
		URL string `json:"url"`
	}
	status, err := c.do(ctx, http.MethodGet, "/sessions/"+sessionID+"/url", nil, &envelope)
	if err != nil {
		return "", &domain.ConnectionFailed{SessionID: sessionID, Detail: fmt.Sprintf("Invalid response format: %v", err)}
	}
	if status == http.StatusNotFound {
		return "", nil
	}
	if status >= 300 {
		return "", &domain.ConnectionFailed{SessionID: sessionID, Detail: fmt.Sprintf("daemon API returned %d", status)}
	}
	return envelope.URL, nil
}

func (c *HTTPController) Launch(ctx context.Context, sessionID string) error {
	status, err := c.do(ctx, http.MethodPost, "/sessions/"+sessionID+"/launch", nil, nil)
	if err != nil {
		return &domain.ConnectionFailed{SessionID: sessionID, Detail: err.Error()}
	}
	if status >= 300 {
		return &domain.ConnectionFailed{SessionID: sessionID, Detail: fmt.Sprintf("daemon API returned %d", status)}
	}
	return nil
}

func (c *HTTPController) IsHealthy(ctx context.Context) bool {
	status, err := c.do(ctx, http.MethodGet, "/health", nil, nil)
	return err == nil && status == http.StatusOK
}

func (c *HTTPController) ExecuteCommand(ctx context.Context, sessionID string, cmd json.RawMessage) (*CommandResult, error) {
	var envelope CommandResult
	status, err := c.do(ctx, http.MethodPost, "/sessions/"+sessionID+"/command", cmd, &envelope)
	if err != nil {
		return nil, &domain.ConnectionFailed{SessionID: sessionID, Detail: fmt.Sprintf("Invalid response format: %v", err)}
	}
	if status >= 300 {
		return nil, &domain.ConnectionFailed{SessionID: sessionID, Detail: fmt.Sprintf("daemon API returned %d", status)}
	}
	if envelope.ID == "" {
		return nil, &domain.ConnectionFailed{SessionID: sessionID, Detail: "Invalid response format: missing command id"}
	}
	return &envelope, nil
}
