package proxy

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"net/http/httputil"
	"net/url"
	"strings"
	"time"
)

var retryBackoff = []time.Duration{50 * time.Millisecond, 200 * time.Millisecond}

// Server is the subdomain proxy listener: it parses the Host header, looks
// up the upstream, and forwards HTTP or WebSocket traffic with permissive
// CORS on every response.
type Server struct {
	router      *Router
	baseDomain  string
	idleTimeout time.Duration

	// dial is swappable in tests.
	dial func(ctx context.Context, network, addr string) (net.Conn, error)
}

// NewServer creates the proxy handler for the given route table.
func NewServer(router *Router, baseDomain string, idleTimeout time.Duration) *Server {
	dialer := &net.Dialer{Timeout: 10 * time.Second}
	return &Server{
		router:      router,
		baseDomain:  baseDomain,
		idleTimeout: idleTimeout,
		dial:        dialer.DialContext,
	}
}

// HTTPServer wraps the handler in an http.Server bound to addr.
func (s *Server) HTTPServer(addr string) *http.Server {
	return &http.Server{
		Addr:        addr,
		Handler:     s,
		ReadTimeout: 30 * time.Second,
		IdleTimeout: s.idleTimeout,
	}
}

func setCORS(h http.Header) {
	h.Set("Access-Control-Allow-Origin", "*")
	h.Set("Access-Control-Allow-Methods", "GET,POST,PUT,PATCH,DELETE,OPTIONS")
	h.Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-Lab-Session-Id")
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodOptions {
		setCORS(w.Header())
		w.WriteHeader(http.StatusNoContent)
		return
	}

	sessionID, port, err := ParseHost(r.Host, s.baseDomain)
	if err != nil {
		setCORS(w.Header())
		http.Error(w, "Invalid subdomain", http.StatusBadRequest)
		return
	}

	upstream, ok := s.router.Resolve(sessionID, port)
	if !ok {
		setCORS(w.Header())
		http.Error(w, "Session or port not available", http.StatusNotFound)
		return
	}

	if isWebSocketUpgrade(r) {
		s.proxyWebSocket(w, r, upstream)
		return
	}
	s.proxyHTTP(w, r, upstream)
}

func isWebSocketUpgrade(r *http.Request) bool {
	return strings.EqualFold(r.Header.Get("Upgrade"), "websocket") &&
		strings.Contains(strings.ToLower(r.Header.Get("Connection")), "upgrade")
}

func (s *Server) proxyHTTP(w http.ResponseWriter, r *http.Request, upstream string) {
	target := &url.URL{Scheme: "http", Host: upstream}

	proxy := &httputil.ReverseProxy{
		Director: func(req *http.Request) {
			req.URL.Scheme = target.Scheme
			req.URL.Host = target.Host
			// Path and query pass through untouched; the upstream sees its
			// own host, not the public subdomain.
			req.Host = target.Host
			if clientIP, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
				req.Header.Set("X-Forwarded-For", clientIP)
			}
			req.Header.Set("X-Forwarded-Host", r.Host)
			req.Header.Set("X-Forwarded-Proto", "http")
		},
		Transport: &retryTransport{base: &http.Transport{
			DialContext:         s.dial,
			MaxIdleConnsPerHost: 8,
			IdleConnTimeout:     s.idleTimeout,
		}},
		ModifyResponse: func(resp *http.Response) error {
			setCORS(resp.Header)
			return nil
		},
		ErrorHandler: func(w http.ResponseWriter, r *http.Request, err error) {
			slog.Warn("Proxy upstream failure", "upstream", upstream, "error", err)
			setCORS(w.Header())
			http.Error(w, "Bad gateway", http.StatusBadGateway)
		},
	}

	proxy.ServeHTTP(w, r)
}

// retryTransport retries connection failures with a short backoff before
// giving up. Requests with a consumed, non-replayable body are not retried.
type retryTransport struct {
	base http.RoundTripper
}

func (t *retryTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	resp, err := t.base.RoundTrip(req)
	if err == nil || !isConnectionError(err) {
		return resp, err
	}

	for _, delay := range retryBackoff {
		if req.Body != nil && req.Body != http.NoBody {
			if req.GetBody == nil {
				return nil, err
			}
			body, bodyErr := req.GetBody()
			if bodyErr != nil {
				return nil, err
			}
			req.Body = body
		}

		select {
		case <-req.Context().Done():
			return nil, req.Context().Err()
		case <-time.After(delay):
		}

		resp, err = t.base.RoundTrip(req)
		if err == nil || !isConnectionError(err) {
			return resp, err
		}
	}
	return nil, err
}

func isConnectionError(err error) bool {
	if err == nil {
		return false
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "connection refused") ||
		strings.Contains(msg, "no such host") ||
		strings.Contains(msg, "connection reset")
}
