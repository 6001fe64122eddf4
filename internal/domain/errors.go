package domain

import (
	"errors"
	"fmt"
)

// Sentinel errors for the domain error kinds that carry no payload.
var (
	ErrNoPortsAvailable        = errors.New("no ports available")
	ErrNoContainerDefinitions  = errors.New("project has no container definitions")
	ErrSessionNotFound         = errors.New("session not found")
	ErrProjectNotFound         = errors.New("project not found")
	ErrUnauthorized            = errors.New("unauthorized")
	ErrInvalidSubdomain        = errors.New("invalid subdomain")
	ErrUpstreamTimeout         = errors.New("upstream timeout")
	ErrOrchestrationNotFound   = errors.New("orchestration request not found")
	ErrBrowserSessionNotFound  = errors.New("browser session not found")
	ErrContainerNotFound       = errors.New("session container not found")
	ErrPooledSessionsExhausted = errors.New("no pooled sessions available")
)

// ProviderError wraps a sandbox provider failure with the provider's code.
type ProviderError struct {
	Code    string
	Message string
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("provider error %s: %s", e.Code, e.Message)
}

// DaemonStartFailed reports a browser daemon that could not be started.
type DaemonStartFailed struct {
	SessionID string
	Detail    string
}

func (e *DaemonStartFailed) Error() string {
	return fmt.Sprintf("browser daemon start failed for session %s: %s", e.SessionID, e.Detail)
}

// DaemonStopFailed reports a browser daemon that could not be stopped.
type DaemonStopFailed struct {
	SessionID string
	Detail    string
}

func (e *DaemonStopFailed) Error() string {
	return fmt.Sprintf("browser daemon stop failed for session %s: %s", e.SessionID, e.Detail)
}

// NavigationFailed reports a navigation the daemon rejected.
type NavigationFailed struct {
	SessionID string
	URL       string
	Detail    string
}

func (e *NavigationFailed) Error() string {
	return fmt.Sprintf("navigation to %s failed for session %s: %s", e.URL, e.SessionID, e.Detail)
}

// ConnectionFailed reports an unreachable or malformed daemon API.
type ConnectionFailed struct {
	SessionID string
	Detail    string
}

func (e *ConnectionFailed) Error() string {
	return fmt.Sprintf("browser daemon connection failed for session %s: %s", e.SessionID, e.Detail)
}

// InvalidResponse reports a daemon reply that failed schema validation.
type InvalidResponse struct {
	SessionID string
	Detail    string
}

func (e *InvalidResponse) Error() string {
	return fmt.Sprintf("invalid daemon response for session %s: %s", e.SessionID, e.Detail)
}
