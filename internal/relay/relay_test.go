package relay

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/agoramarket/agora/internal/bus"
	"github.com/agoramarket/agora/internal/protocol"
)

func recvEnv(t *testing.T, inbox <-chan bus.Envelope) bus.Envelope {
	t.Helper()
	select {
	case env := <-inbox:
		return env
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for envelope")
		return bus.Envelope{}
	}
}

func TestGatewayBridgesBothWays(t *testing.T) {
	serverBus := bus.New()
	gw := NewGateway(serverBus)

	srv := httptest.NewServer(http.HandlerFunc(gw.HandleWS))
	defer srv.Close()
	addr := strings.TrimPrefix(srv.URL, "http://")

	controllerInbox := serverBus.Register("controller")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	clientBus := bus.New()
	agentInbox := clientBus.Register("a1")
	client := NewClient(addr, "a1", clientBus)
	go client.ConnectWithRetry(ctx)

	// outbound: the agent's register crosses the socket onto the server bus
	deadline := time.After(3 * time.Second)
	for {
		clientBus.Send(bus.Envelope{From: "a1", To: "controller", Msg: protocol.Register{AgentName: "alice"}})
		select {
		case env := <-controllerInbox:
			if env.From != "a1" {
				t.Fatalf("register from %q, want a1", env.From)
			}
			reg, ok := env.Msg.(protocol.Register)
			if !ok || reg.AgentName != "alice" {
				t.Fatalf("got %+v, want Register{alice}", env.Msg)
			}
		case <-deadline:
			t.Fatal("register never crossed the socket")
		case <-time.After(100 * time.Millisecond):
			continue // client still connecting, resend
		}
		break
	}

	// inbound: a server-side send to the agent lands on its local bus
	serverBus.Send(bus.Envelope{From: "controller", To: "a1", Msg: protocol.Registered{}})
	env := recvEnv(t, agentInbox)
	if env.Msg.Kind() != (protocol.Registered{}).Kind() {
		t.Fatalf("got %s, want registered", env.Msg.Kind())
	}
}

func TestGatewayDropsSpoofedSender(t *testing.T) {
	serverBus := bus.New()
	gw := NewGateway(serverBus)

	srv := httptest.NewServer(http.HandlerFunc(gw.HandleWS))
	defer srv.Close()
	addr := strings.TrimPrefix(srv.URL, "http://")

	victimInbox := serverBus.Register("victim-target")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	clientBus := bus.New()
	clientBus.Register("mallory")
	client := NewClient(addr, "mallory", clientBus)
	go client.ConnectWithRetry(ctx)

	// sender claims to be someone else; the gateway must not forward it
	deadline := time.NewTimer(1 * time.Second)
	tick := time.NewTicker(100 * time.Millisecond)
	defer deadline.Stop()
	defer tick.Stop()
	for {
		select {
		case <-tick.C:
			clientBus.Send(bus.Envelope{From: "someone-else", To: "victim-target", Msg: protocol.Unregister{}})
		case env := <-victimInbox:
			t.Fatalf("spoofed envelope was forwarded: %+v", env)
		case <-deadline.C:
			return
		}
	}
}

func TestClientRunsReconnectHook(t *testing.T) {
	serverBus := bus.New()
	gw := NewGateway(serverBus)

	srv := httptest.NewServer(http.HandlerFunc(gw.HandleWS))
	defer srv.Close()
	addr := strings.TrimPrefix(srv.URL, "http://")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	clientBus := bus.New()
	agentInbox := clientBus.Register("a1")
	client := NewClient(addr, "a1", clientBus)
	reconnected := make(chan struct{}, 1)
	client.OnReconnect = func() { reconnected <- struct{}{} }
	go client.ConnectWithRetry(ctx)

	// resend until the first session carries traffic end to end
	deadline := time.NewTimer(3 * time.Second)
	tick := time.NewTicker(100 * time.Millisecond)
	defer deadline.Stop()
	defer tick.Stop()
waitConnected:
	for {
		select {
		case <-tick.C:
			serverBus.Send(bus.Envelope{From: "controller", To: "a1", Msg: protocol.Registered{}})
		case <-agentInbox:
			break waitConnected
		case <-deadline.C:
			t.Fatal("first session never came up")
		}
	}

	select {
	case <-reconnected:
		t.Fatal("hook must not run on the first connection")
	default:
	}

	// displacing the pbk closes the gateway side and forces a reconnect
	serverBus.Register("a1")

	select {
	case <-reconnected:
	case <-time.After(10 * time.Second):
		t.Fatal("reconnect hook never ran")
	}
}

func TestGatewayRejectsMissingPbk(t *testing.T) {
	serverBus := bus.New()
	gw := NewGateway(serverBus)

	srv := httptest.NewServer(http.HandlerFunc(gw.HandleWS))
	defer srv.Close()

	resp, err := http.Get(srv.URL)
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status %d, want 400", resp.StatusCode)
	}
}
