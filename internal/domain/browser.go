package domain

import "time"

// BrowserDesired is the reconciler's target state for a session's browser.
type BrowserDesired string

const (
	BrowserWantStopped BrowserDesired = "stopped"
	BrowserWantRunning BrowserDesired = "running"
)

// BrowserActual is the observed state of a session's browser daemon.
type BrowserActual string

const (
	BrowserStopped  BrowserActual = "stopped"
	BrowserStarting BrowserActual = "starting"
	BrowserRunning  BrowserActual = "running"
	BrowserStopping BrowserActual = "stopping"
	BrowserErrored  BrowserActual = "error"
)

// BrowserSessionState is the desired/actual record the browser reconciler
// drives. StreamPort is held by a matching port reservation exactly while
// Actual is starting, running, or stopping.
type BrowserSessionState struct {
	SessionID       string         `json:"sessionId"`
	Desired         BrowserDesired `json:"desired"`
	Actual          BrowserActual  `json:"actual"`
	StreamPort      int            `json:"streamPort,omitempty"`
	LastURL         string         `json:"lastUrl,omitempty"`
	RetryCount      int            `json:"retryCount"`
	ErrorMessage    string         `json:"errorMessage,omitempty"`
	LastHeartbeatAt time.Time      `json:"lastHeartbeatAt,omitempty"`
}

// PortKind distinguishes the two reservation pools.
type PortKind string

const (
	PortKindStream PortKind = "stream"
	PortKindCDP    PortKind = "cdp"
)

// PortReservation records a durable hold on a (port, kind) pair.
type PortReservation struct {
	ID         string    `json:"id"`
	SessionID  string    `json:"sessionId"`
	Port       int       `json:"port"`
	Kind       PortKind  `json:"kind"`
	ReservedAt time.Time `json:"reservedAt"`
	ExpiresAt  time.Time `json:"expiresAt,omitempty"`
}
