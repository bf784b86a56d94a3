// Package feed streams appended ledger records to WebSocket subscribers.
package feed

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"proofmint/internal/domain"
)

// HubConfig configures subscriber connections.
type HubConfig struct {
	// PingInterval is interval for sending ping frames.
	PingInterval time.Duration
	// ReadTimeout is how long a subscriber may stay silent (no pong).
	ReadTimeout time.Duration
	// WriteTimeout is timeout for writing one message.
	WriteTimeout time.Duration
	// SendBuffer is the per-subscriber queue; a full queue drops the subscriber.
	SendBuffer int
}

// DefaultHubConfig returns default subscriber settings.
func DefaultHubConfig() HubConfig {
	return HubConfig{
		PingInterval: 30 * time.Second,
		ReadTimeout:  60 * time.Second,
		WriteTimeout: 10 * time.Second,
		SendBuffer:   64,
	}
}

// Hub fans records out to connected subscribers.
type Hub struct {
	config   HubConfig
	upgrader websocket.Upgrader
	log      logrus.FieldLogger

	mu      sync.Mutex
	clients map[*subscriber]struct{}
	closed  bool

	// done signals shutdown
	done chan struct{}
	wg   sync.WaitGroup
}

type subscriber struct {
	conn     *websocket.Conn
	send     chan []byte
	quit     chan struct{}
	quitOnce sync.Once
}

func (s *subscriber) stop() {
	s.quitOnce.Do(func() { close(s.quit) })
}

// NewHub creates a Hub. A nil config uses DefaultHubConfig.
func NewHub(config *HubConfig, log logrus.FieldLogger) *Hub {
	cfg := DefaultHubConfig()
	if config != nil {
		cfg = *config
	}
	if cfg.SendBuffer <= 0 {
		cfg.SendBuffer = 1
	}
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Hub{
		config:  cfg,
		log:     log,
		clients: make(map[*subscriber]struct{}),
		done:    make(chan struct{}),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
		},
	}
}

// ServeHTTP upgrades the request and registers a subscriber.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote the error response.
		h.log.WithError(err).Debug("Feed upgrade failed")
		return
	}

	s := &subscriber{
		conn: conn,
		send: make(chan []byte, h.config.SendBuffer),
		quit: make(chan struct{}),
	}

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down"),
			time.Now().Add(h.config.WriteTimeout))
		conn.Close()
		return
	}
	h.clients[s] = struct{}{}
	h.wg.Add(2)
	h.mu.Unlock()

	h.log.WithField("remote", r.RemoteAddr).Debug("Feed subscriber connected")
	go h.writeLoop(s)
	go h.readLoop(s)
}

// Publish queues a record for every subscriber. Subscribers whose queue is
// full are disconnected.
func (h *Hub) Publish(_ context.Context, r *domain.SubmissionRecord) error {
	payload, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("marshal feed record: %w", err)
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	for s := range h.clients {
		select {
		case s.send <- payload:
		default:
			h.log.WithField("remote", s.conn.RemoteAddr().String()).Warn("Dropping slow feed subscriber")
			delete(h.clients, s)
			s.stop()
			// Unblocks a writeLoop stuck on a full socket.
			s.conn.Close()
		}
	}
	return nil
}

// Name identifies the publisher in logs and metrics.
func (h *Hub) Name() string { return "feed" }

// Subscribers returns the number of connected subscribers.
func (h *Hub) Subscribers() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// Close disconnects all subscribers and waits for their goroutines.
func (h *Hub) Close() error {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil
	}
	h.closed = true
	close(h.done)
	h.mu.Unlock()

	h.wg.Wait()
	return nil
}

func (h *Hub) remove(s *subscriber) {
	h.mu.Lock()
	delete(h.clients, s)
	h.mu.Unlock()
	s.stop()
}

// writeLoop owns all writes to the connection.
func (h *Hub) writeLoop(s *subscriber) {
	defer h.wg.Done()
	defer func() {
		h.remove(s)
		s.conn.Close()
	}()

	ticker := time.NewTicker(h.config.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-h.done:
			_ = s.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down"),
				time.Now().Add(h.config.WriteTimeout))
			return
		case <-s.quit:
			return
		case payload := <-s.send:
			s.conn.SetWriteDeadline(time.Now().Add(h.config.WriteTimeout))
			if err := s.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				return
			}
		case <-ticker.C:
			s.conn.SetWriteDeadline(time.Now().Add(h.config.WriteTimeout))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// readLoop discards inbound messages and detects disconnects.
func (h *Hub) readLoop(s *subscriber) {
	defer h.wg.Done()
	defer s.stop()

	s.conn.SetReadLimit(512)
	s.conn.SetReadDeadline(time.Now().Add(h.config.ReadTimeout))
	s.conn.SetPongHandler(func(string) error {
		s.conn.SetReadDeadline(time.Now().Add(h.config.ReadTimeout))
		return nil
	})

	for {
		if _, _, err := s.conn.ReadMessage(); err != nil {
			return
		}
	}
}
