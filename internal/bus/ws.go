package bus

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/coder/websocket"
)

// Handler returns the WebSocket endpoint serving the channel protocol.
func (b *Bus) Handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
			OriginPatterns: []string{"*"},
		})
		if err != nil {
			slog.Warn("Bus WebSocket accept failed", "error", err)
			return
		}
		b.serve(r.Context(), conn)
	}
}

func (b *Bus) serve(ctx context.Context, conn *websocket.Conn) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	s := newSocket()
	defer b.dropSocket(s)
	defer conn.Close(websocket.StatusNormalClosure, "bus closed")

	// Writer: the only goroutine touching the connection for writes.
	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		for {
			select {
			case <-ctx.Done():
				return
			case msg := <-s.send:
				data, err := json.Marshal(msg)
				if err != nil {
					slog.Error("Bus message encoding failed", "type", msg.Type, "error", err)
					continue
				}
				if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
					cancel()
					return
				}
			}
		}
	}()

	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			break
		}
		var msg clientMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			// Malformed client JSON is ignored.
			continue
		}
		b.dispatch(ctx, s, msg)
	}

	cancel()
	<-writerDone
}
