// Package relay bridges the in-process message bus over WebSocket so
// agents can take part from outside the controller process. Each remote
// agent connects once, claims its public key, and from then on the
// gateway moves envelopes both ways between the socket and the bus.
package relay

import (
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/agoramarket/agora/internal/bus"
	"github.com/agoramarket/agora/internal/telemetry"
)

const (
	writeDeadline = 5 * time.Second
	pongWait      = 30 * time.Second
	pingInterval  = 20 * time.Second

	// inbound message budget per connection
	inboundRate  = 50
	inboundBurst = 100
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(_ *http.Request) bool { return true },
}

type remoteClient struct {
	pbk  string
	conn *websocket.Conn
	done chan struct{}
}

// Gateway exposes the bus to remote agents over WebSocket.
type Gateway struct {
	bus *bus.Bus
	log telemetry.Tagged

	mu      sync.Mutex
	clients map[string]*remoteClient
}

func NewGateway(b *bus.Bus) *Gateway {
	return &Gateway{
		bus:     b,
		log:     telemetry.Tag("relay"),
		clients: make(map[string]*remoteClient),
	}
}

// HandleWS upgrades a connection for the agent named by ?pbk= and bridges
// it onto the bus. A reconnect under the same pbk displaces the old
// connection.
func (g *Gateway) HandleWS(w http.ResponseWriter, r *http.Request) {
	pbk := r.URL.Query().Get("pbk")
	if pbk == "" {
		http.Error(w, "missing ?pbk= query param", http.StatusBadRequest)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		g.log.Warnf("upgrade failed: %v", err)
		return
	}

	c := &remoteClient{pbk: pbk, conn: conn, done: make(chan struct{})}
	inbox := g.bus.Register(pbk)

	g.mu.Lock()
	if old, ok := g.clients[pbk]; ok {
		old.conn.Close()
	}
	g.clients[pbk] = c
	g.mu.Unlock()

	g.log.Infof("agent connected: %s", pbk)

	go g.writePump(c, inbox)
	go g.readPump(c)
}

// writePump drains the agent's bus inbox onto the socket. It owns the
// connection lifecycle: on exit the client is removed and the socket
// closed. A closed inbox means the pbk was re-registered elsewhere.
func (g *Gateway) writePump(c *remoteClient, inbox <-chan bus.Envelope) {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		g.removeClient(c)
		c.conn.Close()
	}()

	for {
		select {
		case env, ok := <-inbox:
			if !ok {
				return
			}
			data, err := Marshal(env)
			if err != nil {
				g.log.Warnf("marshal for %s: %v", c.pbk, err)
				continue
			}
			c.conn.SetWriteDeadline(time.Now().Add(writeDeadline))
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				g.log.Warnf("write to %s: %v", c.pbk, err)
				return
			}
		case <-c.done:
			return
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeDeadline))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// readPump moves inbound envelopes onto the bus. The sender field must
// match the connection's pbk; a connection cannot speak for another agent.
func (g *Gateway) readPump(c *remoteClient) {
	defer close(c.done)

	limiter := rate.NewLimiter(inboundRate, inboundBurst)

	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		if !limiter.Allow() {
			g.log.Warnf("rate limit exceeded for %s, dropping message", c.pbk)
			continue
		}
		env, err := Unmarshal(data)
		if err != nil {
			g.log.Warnf("bad envelope from %s: %v", c.pbk, err)
			continue
		}
		if env.From != c.pbk {
			g.log.Warnf("spoofed sender %s on connection %s, dropping", env.From, c.pbk)
			continue
		}
		g.bus.Send(env)
	}
}

func (g *Gateway) removeClient(c *remoteClient) {
	g.mu.Lock()
	if cur, ok := g.clients[c.pbk]; ok && cur == c {
		delete(g.clients, c.pbk)
		g.bus.Deregister(c.pbk)
	}
	g.mu.Unlock()
	g.log.Infof("agent disconnected: %s", c.pbk)
}

// ListenAndServe starts the gateway HTTP server.
func (g *Gateway) ListenAndServe(host string, port int) error {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", g.HandleWS)

	addr := fmt.Sprintf("%s:%d", host, port)
	telemetry.Plainf("relay: listening on %s", addr)
	return http.ListenAndServe(addr, mux)
}
