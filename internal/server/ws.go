package server

import (
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"

	"github.com/openparish/parishd/internal/auth"
	"github.com/openparish/parishd/internal/metrics"
)

const (
	writeTimeout    = 10 * time.Second
	clientQueueSize = 16
)

// EventStream fans lifecycle events out to WebSocket clients. Slow clients
// drop events rather than blocking the registry.
type EventStream struct {
	upgrader websocket.Upgrader

	mu      sync.Mutex
	clients map[*websocket.Conn]chan auth.Event
	closed  bool

	unsubscribe func()
}

// NewEventStream creates the stream and attaches it to the event registry.
func NewEventStream(events *auth.Registry) *EventStream {
	s := &EventStream{
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
		clients: make(map[*websocket.Conn]chan auth.Event),
	}
	s.unsubscribe = events.Subscribe(s.fanout)
	return s
}

func (s *EventStream) fanout(e auth.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for conn, ch := range s.clients {
		select {
		case ch <- e:
		default:
			slog.Debug("Dropping event for slow stream client", "remote", conn.RemoteAddr())
		}
	}
}

// Handle upgrades the connection and streams events until the client
// disconnects.
func (s *EventStream) Handle(c echo.Context) error {
	conn, err := s.upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "websocket upgrade failed")
	}

	ch := make(chan auth.Event, clientQueueSize)

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		_ = conn.Close()
		return nil
	}
	s.clients[conn] = ch
	count := len(s.clients)
	s.mu.Unlock()
	metrics.EventStreamClients.Set(float64(count))

	// Reader: only consumes control frames and detects disconnects.
	go func() {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				s.remove(conn)
				return
			}
		}
	}()

	for event := range ch {
		_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
		if err := conn.WriteJSON(event); err != nil {
			break
		}
	}

	s.remove(conn)
	return nil
}

func (s *EventStream) remove(conn *websocket.Conn) {
	s.mu.Lock()
	ch, ok := s.clients[conn]
	if ok {
		delete(s.clients, conn)
		close(ch)
	}
	count := len(s.clients)
	s.mu.Unlock()

	if ok {
		_ = conn.Close()
		metrics.EventStreamClients.Set(float64(count))
	}
}

// Stop detaches from the registry and closes every client.
func (s *EventStream) Stop() {
	s.unsubscribe()

	s.mu.Lock()
	s.closed = true
	conns := make([]*websocket.Conn, 0, len(s.clients))
	for conn := range s.clients {
		conns = append(conns, conn)
	}
	s.mu.Unlock()

	for _, conn := range conns {
		s.remove(conn)
	}
	metrics.EventStreamClients.Set(0)
}
