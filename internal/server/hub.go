package server

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/Tyrowin/pairchat/internal/auth"
	"github.com/Tyrowin/pairchat/internal/config"
	"github.com/Tyrowin/pairchat/internal/delivery"
	"github.com/Tyrowin/pairchat/internal/logger"
)

var errHubClosed = errors.New("hub is shutting down")

// ClientConfig holds the per-socket limits.
type ClientConfig struct {
	MaxMessageSize int64
	RateLimit      config.RateLimitConfig
}

// Hub owns the pump goroutines of every socket and shuts them down together.
// Who receives what is decided by the delivery layer, not here.
type Hub struct {
	coordinator *delivery.Coordinator
	cfg         ClientConfig
	clients     map[*Client]struct{}
	mutex       sync.Mutex
	wg          sync.WaitGroup
	ctx         context.Context
	cancel      context.CancelFunc
	closed      bool
	log         *logger.Logger
}

// NewHub creates a Hub whose sockets open sessions on coordinator.
func NewHub(coordinator *delivery.Coordinator, cfg ClientConfig, log *logger.Logger) *Hub {
	ctx, cancel := context.WithCancel(context.Background())
	return &Hub{
		coordinator: coordinator,
		cfg:         cfg,
		clients:     make(map[*Client]struct{}),
		ctx:         ctx,
		cancel:      cancel,
		log:         log.With("component", "Hub"),
	}
}

// Serve opens a session for identity on conn and starts its pumps.
func (h *Hub) Serve(conn *websocket.Conn, identity auth.Identity, addr string) error {
	h.mutex.Lock()
	if h.closed {
		h.mutex.Unlock()
		_ = conn.Close()
		return errHubClosed
	}
	client := newClient(conn, addr, h.cfg, h.log)
	h.clients[client] = struct{}{}
	clientCount := len(h.clients)
	h.wg.Add(2)
	h.mutex.Unlock()

	client.session = h.coordinator.Open(identity, client)
	h.log.Info("Client registered", "addr", addr, "user", identity.UserID, "clients", clientCount)

	go func() {
		defer h.wg.Done()
		client.writePump()
	}()
	go func() {
		defer h.wg.Done()
		client.readPump(h.ctx)
		h.remove(client)
	}()
	return nil
}

func (h *Hub) remove(client *Client) {
	h.mutex.Lock()
	delete(h.clients, client)
	clientCount := len(h.clients)
	h.mutex.Unlock()
	h.log.Info("Client unregistered", "addr", client.addr, "clients", clientCount)
}

// Count is the number of sockets with live pumps.
func (h *Hub) Count() int {
	h.mutex.Lock()
	defer h.mutex.Unlock()
	return len(h.clients)
}

// shutdownClients closes every socket; the read pumps then wind down.
func (h *Hub) shutdownClients() {
	h.log.Info("Shutting down all client connections...")

	h.mutex.Lock()
	clients := make([]*Client, 0, len(h.clients))
	for client := range h.clients {
		clients = append(clients, client)
	}
	h.mutex.Unlock()

	for _, client := range clients {
		client.closeConnection()
	}

	h.log.Info("Closed client connections", "count", len(clients))
}

// Shutdown stops accepting sockets, closes the open ones and waits for all
// pump goroutines to finish or for timeout to pass.
func (h *Hub) Shutdown(timeout time.Duration) error {
	h.log.Info("Initiating hub shutdown...")

	h.mutex.Lock()
	h.closed = true
	h.mutex.Unlock()

	h.cancel()
	h.shutdownClients()

	done := make(chan struct{})
	go func() {
		h.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		h.log.Info("Hub shutdown completed successfully")
		return nil
	case <-time.After(timeout):
		h.log.Warn("Hub shutdown timeout reached, some goroutines may still be running")
		return context.DeadlineExceeded
	}
}
