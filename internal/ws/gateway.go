package ws

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/froggyxyz/archiverse-infra/internal/models"
	"github.com/froggyxyz/archiverse-infra/internal/progress"
)

// GatewayConfig configures a progress Gateway.
type GatewayConfig struct {
	Broadcaster progress.Broadcaster
	Logger      *slog.Logger
	// HeartbeatInterval controls how often the gateway sends WebSocket ping
	// frames to connected clients. A zero value disables heartbeats.
	HeartbeatInterval time.Duration
}

// Gateway fans transcode progress events out to the WebSocket connections of
// the media owner. It registers itself as the process-wide subscriber on the
// configured broadcaster.
type Gateway struct {
	logger *slog.Logger

	heartbeatInterval time.Duration

	mu      sync.RWMutex
	clients map[string]map[*client]struct{}
}

// NewGateway initialises a gateway and attaches it to the broadcaster.
func NewGateway(cfg GatewayConfig) (*Gateway, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	g := &Gateway{
		logger:            logger,
		heartbeatInterval: cfg.HeartbeatInterval,
		clients:           make(map[string]map[*client]struct{}),
	}
	if cfg.Broadcaster != nil {
		if err := cfg.Broadcaster.Subscribe(context.Background(), g.Dispatch); err != nil {
			return nil, err
		}
	}
	return g, nil
}

// HandleConnection upgrades the HTTP request to a WebSocket connection for the
// authenticated user and keeps it registered until the peer goes away.
func (g *Gateway) HandleConnection(w http.ResponseWriter, r *http.Request, user models.User) {
	conn, err := Accept(w, r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		<-r.Context().Done()
		cancel()
	}()

	c := &client{
		gateway: g,
		conn:    conn,
		ownerID: user.ID,
		send:    make(chan []byte, 16),
		cancel:  cancel,
	}
	g.register(c)

	go c.writeLoop()
	if g.heartbeatInterval > 0 {
		go c.heartbeatLoop(ctx, g.heartbeatInterval)
	}
	go c.readLoop(ctx)
}

// Dispatch delivers one progress event to every connection of its owner.
// Slow clients are skipped rather than blocked on.
func (g *Gateway) Dispatch(event models.ProgressEvent) {
	if event.OwnerID == "" {
		return
	}
	g.mu.RLock()
	recipients := g.clients[event.OwnerID]
	if len(recipients) == 0 {
		g.mu.RUnlock()
		return
	}
	payload, err := json.Marshal(event)
	if err != nil {
		g.mu.RUnlock()
		g.logger.Error("failed to marshal progress event", "error", err, "media_id", event.MediaID)
		return
	}
	for c := range recipients {
		select {
		case c.send <- payload:
		default:
		}
	}
	g.mu.RUnlock()
}

// ConnectionCount reports the number of open connections for an owner.
func (g *Gateway) ConnectionCount(ownerID string) int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.clients[ownerID])
}

func (g *Gateway) register(c *client) {
	g.mu.Lock()
	if g.clients[c.ownerID] == nil {
		g.clients[c.ownerID] = make(map[*client]struct{})
	}
	g.clients[c.ownerID][c] = struct{}{}
	g.mu.Unlock()
}

func (g *Gateway) unregister(c *client) {
	g.mu.Lock()
	if clients := g.clients[c.ownerID]; clients != nil {
		delete(clients, c)
		if len(clients) == 0 {
			delete(g.clients, c.ownerID)
		}
	}
	g.mu.Unlock()
}

type client struct {
	gateway *Gateway
	conn    *Conn
	ownerID string
	send    chan []byte
	closed  sync.Once
	cancel  context.CancelFunc
}

func (c *client) writeLoop() {
	defer c.close()
	for payload := range c.send {
		if err := c.conn.WriteText(payload); err != nil {
			return
		}
	}
}

func (c *client) heartbeatLoop(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := c.conn.Ping(nil); err != nil {
				c.close()
				return
			}
		}
	}
}

// readLoop drains inbound frames. The progress stream is one-way; anything
// the client sends is discarded, but reading is what detects a closed peer.
func (c *client) readLoop(ctx context.Context) {
	defer c.close()
	for {
		if _, err := c.conn.ReadMessage(ctx); err != nil {
			return
		}
	}
}

func (c *client) close() {
	c.closed.Do(func() {
		if c.cancel != nil {
			c.cancel()
		}
		c.gateway.unregister(c)
		close(c.send)
		_ = c.conn.Close()
	})
}
