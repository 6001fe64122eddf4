package proxy

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"

	"github.com/coder/websocket"
)

// bufferedFrame holds a client frame read before the upstream connected.
type bufferedFrame struct {
	typ  websocket.MessageType
	data []byte
}

// proxyWebSocket upgrades the client immediately, dials the upstream
// asynchronously, and bridges frames in both directions. Client frames that
// arrive before the upstream is up are buffered and flushed in order.
func (s *Server) proxyWebSocket(w http.ResponseWriter, r *http.Request, upstream string) {
	client, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		slog.Warn("WebSocket accept failed", "error", err)
		return
	}
	defer client.Close(websocket.StatusNormalClosure, "proxy closed")

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	upstreamURL := fmt.Sprintf("ws://%s%s", upstream, r.URL.RequestURI())

	var (
		mu       sync.Mutex
		up       *websocket.Conn
		buffered []bufferedFrame
	)

	// Dial the upstream off the read path so the client handshake never
	// waits on it.
	dialDone := make(chan struct{})
	go func() {
		defer close(dialDone)
		conn, _, dialErr := websocket.Dial(ctx, upstreamURL, &websocket.DialOptions{
			HTTPClient: &http.Client{Transport: &http.Transport{DialContext: s.dial}},
		})
		if dialErr != nil {
			slog.Warn("WebSocket upstream dial failed", "upstream", upstreamURL, "error", dialErr)
			cancel()
			return
		}

		mu.Lock()
		up = conn
		frames := buffered
		buffered = nil
		mu.Unlock()

		for _, f := range frames {
			if writeErr := conn.Write(ctx, f.typ, f.data); writeErr != nil {
				slog.Debug("WebSocket flush failed", "error", writeErr)
				cancel()
				return
			}
		}

		// Upstream -> client pump.
		for {
			typ, data, readErr := conn.Read(ctx)
			if readErr != nil {
				cancel()
				return
			}
			if writeErr := client.Write(ctx, typ, data); writeErr != nil {
				cancel()
				return
			}
		}
	}()

	// Client -> upstream pump.
	for {
		typ, data, readErr := client.Read(ctx)
		if readErr != nil {
			cancel()
			break
		}

		mu.Lock()
		conn := up
		if conn == nil {
			buffered = append(buffered, bufferedFrame{typ: typ, data: data})
			mu.Unlock()
			continue
		}
		mu.Unlock()

		if writeErr := conn.Write(ctx, typ, data); writeErr != nil {
			cancel()
			break
		}
	}

	<-dialDone
	mu.Lock()
	if up != nil {
		up.Close(websocket.StatusNormalClosure, "proxy closed")
	}
	mu.Unlock()
}
