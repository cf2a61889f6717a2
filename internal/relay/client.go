package relay

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/agoramarket/agora/internal/bus"
	"github.com/agoramarket/agora/internal/telemetry"
)

const (
	minBackoff = 1 * time.Second
	maxBackoff = 30 * time.Second
)

// Client connects a remote agent process to the gateway. Locally routed
// envelopes stay on the local bus; everything else leaves through the
// socket via the bus fallback.
type Client struct {
	addr string
	pbk  string
	bus  *bus.Bus
	log  telemetry.Tagged

	// OnReconnect, when set, runs after every re-established connection.
	// Agents hook their state resync here so traffic dropped while the
	// link was down is recovered from the controller's settled history.
	OnReconnect func()

	sessions int

	mu   sync.Mutex
	conn *websocket.Conn
}

func NewClient(addr, pbk string, b *bus.Bus) *Client {
	c := &Client{
		addr: addr,
		pbk:  pbk,
		bus:  b,
		log:  telemetry.Tag("relay-client"),
	}
	b.SetFallback(c.egress)
	return c
}

// ConnectWithRetry connects to the gateway and reconnects on failure with
// exponential backoff. Blocks until ctx is cancelled.
func (c *Client) ConnectWithRetry(ctx context.Context) {
	attempt := 0
	for {
		if ctx.Err() != nil {
			return
		}

		connStart := time.Now()
		err := c.connect(ctx)
		if ctx.Err() != nil {
			return
		}

		if time.Since(connStart) > time.Minute {
			attempt = 0
		}

		attempt++
		backoff := time.Duration(float64(minBackoff) * math.Pow(2, float64(min(attempt-1, 5))))
		if backoff > maxBackoff {
			backoff = maxBackoff
		}

		if err != nil {
			c.log.Warnf("connection lost (attempt %d): %v, retrying in %s", attempt, err, backoff)
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}
	}
}

func (c *Client) connect(ctx context.Context) error {
	url := fmt.Sprintf("ws://%s/ws?pbk=%s", c.addr, c.pbk)
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return fmt.Errorf("dial %s: %w", url, err)
	}
	defer conn.Close()

	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		c.conn = nil
		c.mu.Unlock()
	}()

	c.log.Infof("connected to %s as %s", c.addr, c.pbk)
	c.sessions++
	if c.sessions > 1 && c.OnReconnect != nil {
		c.OnReconnect()
	}

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		_, data, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("read: %w", err)
		}

		env, err := Unmarshal(data)
		if err != nil {
			c.log.Warnf("unmarshal error: %v", err)
			continue
		}
		c.bus.Send(env)
	}
}

// egress writes an envelope with no local inbox out the socket. Called on
// the sender's goroutine; messages sent while disconnected are dropped,
// the agent resyncs through a state update after reconnecting.
func (c *Client) egress(env bus.Envelope) {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()

	if conn == nil {
		c.log.Warnf("not connected, dropping %s to %s", env.Msg.Kind(), env.To)
		return
	}
	data, err := Marshal(env)
	if err != nil {
		c.log.Warnf("marshal error: %v", err)
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return
	}
	c.conn.SetWriteDeadline(time.Now().Add(writeDeadline))
	if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		c.log.Warnf("write error: %v", err)
	}
}
