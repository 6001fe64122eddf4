package proxy

import (
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"strings"
	"testing"
	"time"
)

func newTestProxy(t *testing.T, upstream *httptest.Server) (*Server, *Router) {
	t.Helper()
	router := NewRouter("lab.localhost")
	if upstream != nil {
		u, err := url.Parse(upstream.URL)
		if err != nil {
			t.Fatalf("parse upstream url: %v", err)
		}
		hostPort, err := strconv.Atoi(u.Port())
		if err != nil {
			t.Fatalf("upstream port: %v", err)
		}
		router.RegisterCluster(sessID, "net", []ClusterContainer{
			{ContainerID: "app", Hostname: "h", Ports: map[int]int{3000: hostPort}},
		})
	}
	return NewServer(router, "lab.localhost", 255*time.Second), router
}

func TestHTTPPassThroughWithCORS(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/foo" || r.URL.RawQuery != "a=1" {
			t.Errorf("upstream saw %s?%s", r.URL.Path, r.URL.RawQuery)
		}
		w.WriteHeader(http.StatusOK)
		io.WriteString(w, "hello")
	}))
	defer upstream.Close()

	srv, _ := newTestProxy(t, upstream)

	req := httptest.NewRequest(http.MethodGet, "http://"+sessID+"--3000.lab.localhost/foo?a=1", nil)
	req.Host = sessID + "--3000.lab.localhost"
	rr := httptest.NewRecorder()
	srv.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d", rr.Code)
	}
	if body := rr.Body.String(); body != "hello" {
		t.Fatalf("body = %q", body)
	}
	if got := rr.Header().Get("Access-Control-Allow-Origin"); got != "*" {
		t.Fatalf("Allow-Origin = %q", got)
	}
}

func TestOptionsShortCircuits(t *testing.T) {
	srv, _ := newTestProxy(t, nil)

	req := httptest.NewRequest(http.MethodOptions, "http://"+sessID+"--3000.lab.localhost/", nil)
	req.Host = sessID + "--3000.lab.localhost"
	rr := httptest.NewRecorder()
	srv.ServeHTTP(rr, req)

	if rr.Code != http.StatusNoContent {
		t.Fatalf("status = %d", rr.Code)
	}
	if !strings.Contains(rr.Header().Get("Access-Control-Allow-Methods"), "PATCH") {
		t.Fatalf("Allow-Methods = %q", rr.Header().Get("Access-Control-Allow-Methods"))
	}
}

func TestInvalidSubdomainIs400(t *testing.T) {
	srv, _ := newTestProxy(t, nil)

	req := httptest.NewRequest(http.MethodGet, "http://not-a-session.lab.localhost/", nil)
	req.Host = "not-a-session.lab.localhost"
	rr := httptest.NewRecorder()
	srv.ServeHTTP(rr, req)

	if rr.Code != http.StatusBadRequest {
		t.Fatalf("status = %d", rr.Code)
	}
	if !strings.Contains(rr.Body.String(), "Invalid subdomain") {
		t.Fatalf("body = %q", rr.Body.String())
	}
}

func TestUnknownSessionIs404(t *testing.T) {
	srv, _ := newTestProxy(t, nil)

	req := httptest.NewRequest(http.MethodGet, "http://"+sessID+"--3000.lab.localhost/", nil)
	req.Host = sessID + "--3000.lab.localhost"
	rr := httptest.NewRecorder()
	srv.ServeHTTP(rr, req)

	if rr.Code != http.StatusNotFound {
		t.Fatalf("status = %d", rr.Code)
	}
	if !strings.Contains(rr.Body.String(), "Session or port not available") {
		t.Fatalf("body = %q", rr.Body.String())
	}
}

func TestUpstreamDownIs502(t *testing.T) {
	// Register a route whose upstream nobody listens on; backoff shortened
	// so the retries stay fast.
	old := retryBackoff
	retryBackoff = []time.Duration{time.Millisecond, time.Millisecond}
	defer func() { retryBackoff = old }()

	router := NewRouter("lab.localhost")
	router.RegisterCluster(sessID, "net", []ClusterContainer{
		{ContainerID: "app", Hostname: "h", Ports: map[int]int{3000: 1}},
	})
	srv := NewServer(router, "lab.localhost", time.Second)

	req := httptest.NewRequest(http.MethodGet, "http://"+sessID+"--3000.lab.localhost/", nil)
	req.Host = sessID + "--3000.lab.localhost"
	rr := httptest.NewRecorder()
	srv.ServeHTTP(rr, req)

	if rr.Code != http.StatusBadGateway {
		t.Fatalf("status = %d", rr.Code)
	}
	if got := rr.Header().Get("Access-Control-Allow-Origin"); got != "*" {
		t.Fatalf("Allow-Origin = %q", got)
	}
}

func TestPostBodyForwarded(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		if string(body) != `{"k":"v"}` {
			t.Errorf("upstream body = %q", body)
		}
		w.WriteHeader(http.StatusCreated)
	}))
	defer upstream.Close()

	srv, _ := newTestProxy(t, upstream)

	req := httptest.NewRequest(http.MethodPost, "http://"+sessID+"--3000.lab.localhost/items", strings.NewReader(`{"k":"v"}`))
	req.Host = sessID + "--3000.lab.localhost"
	rr := httptest.NewRecorder()
	srv.ServeHTTP(rr, req)

	if rr.Code != http.StatusCreated {
		t.Fatalf("status = %d", rr.Code)
	}
}
