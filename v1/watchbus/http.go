package watchbus

import (
	"context"
	"fmt"
	"net/http"
	"strconv"

	"github.com/gorilla/websocket"
)

// Encoder renders a watched value as a single message.
type Encoder[T any] func(T) ([]byte, error)

// capacityFrom reads the "capacity" query parameter, falling back to def.
func capacityFrom(r *http.Request, def int) (int, error) {
	raw := r.URL.Query().Get("capacity")
	if raw == "" {
		return def, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("invalid capacity %q", raw)
	}
	return n, nil
}

// SSEHandler streams WatchBus values over Server-Sent Events. The watcher
// buffer size is taken from the "capacity" query parameter.
func SSEHandler[T any](bus WatchBus[T], encode Encoder[T], defaultCapacity int) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		capacity, err := capacityFrom(r, defaultCapacity)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		flusher, ok := w.(http.Flusher)
		if !ok {
			http.Error(w, "stream unsupported", http.StatusInternalServerError)
			return
		}
		ctx, cancel := context.WithCancel(r.Context())
		ch, err := bus.Watch(ctx, capacity)
		if err != nil {
			cancel()
			http.Error(w, err.Error(), http.StatusServiceUnavailable)
			return
		}
		defer func() {
			cancel()
			_ = bus.Unwatch(context.Background(), ch)
		}()
		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Cache-Control", "no-cache")
		w.Header().Set("Connection", "keep-alive")
		w.WriteHeader(http.StatusOK)
		flusher.Flush()
		for {
			select {
			case v, ok := <-ch:
				if !ok {
					return
				}
				msg, err := encode(v)
				if err != nil {
					continue
				}
				if _, err := fmt.Fprintf(w, "data: %s\n\n", msg); err != nil {
					return
				}
				flusher.Flush()
			case <-ctx.Done():
				return
			}
		}
	}
}

var upgrader = websocket.Upgrader{}

// WebSocketHandler streams WatchBus values over WebSocket, one text message
// per value.
func WebSocketHandler[T any](bus WatchBus[T], encode Encoder[T], defaultCapacity int) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		capacity, err := capacityFrom(r, defaultCapacity)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		ctx, cancel := context.WithCancel(r.Context())
		ch, err := bus.Watch(ctx, capacity)
		if err != nil {
			cancel()
			return
		}
		defer func() {
			cancel()
			_ = bus.Unwatch(context.Background(), ch)
		}()
		// A read error means the peer went away.
		go func() {
			for {
				if _, _, err := conn.ReadMessage(); err != nil {
					cancel()
					return
				}
			}
		}()
		for {
			select {
			case v, ok := <-ch:
				if !ok {
					return
				}
				msg, err := encode(v)
				if err != nil {
					continue
				}
				if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
					return
				}
			case <-ctx.Done():
				return
			}
		}
	}
}
