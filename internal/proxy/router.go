// Package proxy routes <session>--<port>.<baseDomain> traffic to the right
// container and forwards HTTP and WebSocket streams.
package proxy

import (
	"fmt"
	"net"
	"strconv"
	"strings"
	"sync"

	"github.com/ashureev/agent-lab/internal/domain"
)

// ClusterContainer describes one container being registered for routing.
type ClusterContainer struct {
	ContainerID string
	Hostname    string
	// Ports maps container port to host-bound port; 0 means no host binding
	// and the upstream is reached by hostname on the session network.
	Ports map[int]int
}

// RouteInfo is the public URL for one registered container port.
type RouteInfo struct {
	ContainerPort int    `json:"containerPort"`
	URL           string `json:"url"`
}

type route struct {
	containerPort int
	upstreamHost  string
	upstreamPort  int
}

// Router resolves (sessionID, port) to an upstream address.
type Router struct {
	baseDomain string
	scheme     string

	mu     sync.RWMutex
	routes map[string][]route // sessionID -> routes
}

// NewRouter creates a route table for the given base domain.
func NewRouter(baseDomain string) *Router {
	return &Router{
		baseDomain: strings.TrimSuffix(baseDomain, "."),
		scheme:     "http",
		routes:     make(map[string][]route),
	}
}

// RegisterCluster records routes for every declared port of every container
// in a session's cluster. Idempotent per session: re-registration replaces
// the previous routes.
func (r *Router) RegisterCluster(sessionID, networkName string, containers []ClusterContainer) []RouteInfo {
	var routes []route
	for _, c := range containers {
		for containerPort, hostPort := range c.Ports {
			rt := route{containerPort: containerPort}
			if hostPort > 0 {
				rt.upstreamHost = "127.0.0.1"
				rt.upstreamPort = hostPort
			} else {
				// Containers joined to the session network carry a
				// <session>--<port> DNS alias per declared port.
				rt.upstreamHost = fmt.Sprintf("%s--%d", sessionID, containerPort)
				rt.upstreamPort = containerPort
			}
			routes = append(routes, rt)
		}
	}

	r.mu.Lock()
	r.routes[sessionID] = routes
	r.mu.Unlock()

	return r.urls(sessionID, routes)
}

// UnregisterCluster removes every route for a session; idempotent.
func (r *Router) UnregisterCluster(sessionID string) {
	r.mu.Lock()
	delete(r.routes, sessionID)
	r.mu.Unlock()
}

// GetURLs returns the public URLs for a session's registered ports.
func (r *Router) GetURLs(sessionID string) []RouteInfo {
	r.mu.RLock()
	routes := r.routes[sessionID]
	r.mu.RUnlock()
	return r.urls(sessionID, routes)
}

func (r *Router) urls(sessionID string, routes []route) []RouteInfo {
	infos := make([]RouteInfo, 0, len(routes))
	for _, rt := range routes {
		infos = append(infos, RouteInfo{
			ContainerPort: rt.containerPort,
			URL:           fmt.Sprintf("%s://%s--%d.%s", r.scheme, sessionID, rt.containerPort, r.baseDomain),
		})
	}
	return infos
}

// Resolve returns the upstream address for (sessionID, port).
func (r *Router) Resolve(sessionID string, port int) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, rt := range r.routes[sessionID] {
		if rt.containerPort == port {
			return net.JoinHostPort(rt.upstreamHost, strconv.Itoa(rt.upstreamPort)), true
		}
	}
	return "", false
}

// RouteCount reports the number of sessions with live routes.
func (r *Router) RouteCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.routes)
}

// ParseHost splits "<sessionID>--<port>.<baseDomain>" into its parts.
// The session id and port are separated by exactly one "--" and the port is
// numeric; anything else is domain.ErrInvalidSubdomain.
func ParseHost(host, baseDomain string) (string, int, error) {
	if h, _, err := net.SplitHostPort(host); err == nil {
		host = h
	}
	host = strings.TrimSuffix(host, ".")

	suffix := "." + strings.TrimSuffix(baseDomain, ".")
	if !strings.HasSuffix(host, suffix) {
		return "", 0, domain.ErrInvalidSubdomain
	}
	label := strings.TrimSuffix(host, suffix)

	parts := strings.Split(label, "--")
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", 0, domain.ErrInvalidSubdomain
	}
	if len(parts[1]) > 5 {
		return "", 0, domain.ErrInvalidSubdomain
	}
	port, err := strconv.Atoi(parts[1])
	if err != nil || port < 1 || port > 65535 {
		return "", 0, domain.ErrInvalidSubdomain
	}
	return parts[0], port, nil
}
