package bus

import (
	"sync"
	"testing"

	"github.com/agoramarket/agora/internal/protocol"
)

func TestSendDelivers(t *testing.T) {
	b := New()
	inbox := b.Register("a1")

	b.Send(Envelope{From: "a2", To: "a1", Msg: protocol.Registered{}})

	select {
	case env := <-inbox:
		if env.From != "a2" || env.Msg.Kind() != "registered" {
			t.Errorf("got %+v", env)
		}
	default:
		t.Fatal("nothing delivered")
	}
}

func TestSendToUnknownDrops(t *testing.T) {
	b := New()
	// must not panic or block
	b.Send(Envelope{From: "a1", To: "nobody", Msg: protocol.Registered{}})
}

func TestFallbackCatchesUnrouted(t *testing.T) {
	b := New()
	b.Register("local")

	var caught []Envelope
	b.SetFallback(func(e Envelope) { caught = append(caught, e) })

	b.Send(Envelope{From: "local", To: "remote", Msg: protocol.Unregister{}})
	b.Send(Envelope{From: "x", To: "local", Msg: protocol.Registered{}})

	if len(caught) != 1 || caught[0].To != "remote" {
		t.Fatalf("fallback caught %+v, want just the remote envelope", caught)
	}
}

func TestReregisterReplacesInbox(t *testing.T) {
	b := New()
	old := b.Register("a1")
	fresh := b.Register("a1")

	if _, ok := <-old; ok {
		t.Fatal("old inbox should be closed")
	}

	b.Send(Envelope{From: "x", To: "a1", Msg: protocol.Registered{}})
	select {
	case env := <-fresh:
		if env.Msg.Kind() != "registered" {
			t.Errorf("got %s", env.Msg.Kind())
		}
	default:
		t.Fatal("fresh inbox got nothing")
	}
}

func TestDeregisterCloses(t *testing.T) {
	b := New()
	inbox := b.Register("a1")
	b.Deregister("a1")
	if _, ok := <-inbox; ok {
		t.Fatal("inbox should be closed after deregister")
	}
	// sends after deregister are dropped
	b.Send(Envelope{From: "x", To: "a1", Msg: protocol.Registered{}})
}

func TestFullInboxDropsInsteadOfBlocking(t *testing.T) {
	b := New()
	b.Register("slow")
	for i := 0; i < inboxBuf+10; i++ {
		b.Send(Envelope{From: "x", To: "slow", Msg: protocol.Registered{}})
	}
	// reaching here without blocking is the assertion
}

func TestSendDuringInboxChurnDoesNotPanic(t *testing.T) {
	b := New()
	stop := make(chan struct{})
	var wg sync.WaitGroup

	// Deregister closes the inbox under the write lock while these hammer
	// Send; a send against the closed channel would panic the process
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-stop:
					return
				default:
					b.Send(Envelope{From: "x", To: "churn", Msg: protocol.Registered{}})
				}
			}
		}()
	}

	for i := 0; i < 20000; i++ {
		b.Register("churn")
		b.Deregister("churn")
	}
	close(stop)
	wg.Wait()
}
