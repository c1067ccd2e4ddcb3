package wsserver

import (
	"testing"
	"time"

	"github.com/stat7verse/backbone/internal/eventlog"
)

func newTestClient(id string, queueMax int) *client {
	return &client{id: id, send: make(chan []byte, queueMax), sourceGames: make(map[string]bool)}
}

func TestHubDeliverBroadcastReachesEveryClient(t *testing.T) {
	h := NewHub(testConfig(), nil)
	a := newTestClient("a", 4)
	b := newTestClient("b", 4)
	h.clients[a] = true
	h.clients[b] = true
	h.interest[a] = map[string]bool{}
	h.interest[b] = map[string]bool{}

	h.Deliver(eventlog.Envelope{EventType: eventlog.EventCrossGameEvent}, "tavern", nil)

	if len(a.send) != 1 || len(b.send) != 1 {
		t.Fatalf("expected broadcast to reach both clients, got a=%d b=%d", len(a.send), len(b.send))
	}
}

func TestHubDeliverTargetedReachesInterestedAndSourceOwner(t *testing.T) {
	h := NewHub(testConfig(), nil)
	interested := newTestClient("interested", 4)
	owner := newTestClient("owner", 4)
	bystander := newTestClient("bystander", 4)

	h.clients[interested] = true
	h.clients[owner] = true
	h.clients[bystander] = true
	h.interest[interested] = map[string]bool{"forest": true}
	h.interest[owner] = map[string]bool{}
	h.interest[bystander] = map[string]bool{}
	h.sourceOwner["tavern"] = owner

	target := "forest"
	h.Deliver(eventlog.Envelope{EventType: eventlog.EventCrossGameEvent}, "tavern", &target)

	if len(interested.send) != 1 {
		t.Fatalf("expected interested subscriber to receive the envelope")
	}
	if len(owner.send) != 1 {
		t.Fatalf("expected source owner to receive its own echo")
	}
	if len(bystander.send) != 0 {
		t.Fatalf("expected bystander to receive nothing, got %d", len(bystander.send))
	}
}

func TestHubSendOverrunDisconnects(t *testing.T) {
	h := NewHub(testConfig(), nil)
	c := newTestClient("full", 1)
	h.clients[c] = true
	h.interest[c] = map[string]bool{}
	c.send <- []byte("already queued")

	h.send(c, eventlog.Envelope{EventType: eventlog.EventCrossGameEvent})

	select {
	case gotClient := <-h.unregister:
		if gotClient != c {
			t.Fatal("expected overrun to unregister the overrun client")
		}
	case <-time.After(time.Second):
		t.Fatal("expected an unregister signal after overrun")
	}
}

func TestHubSendToReachesOnlyNamedConnection(t *testing.T) {
	h := NewHub(testConfig(), nil)
	a := newTestClient("a", 4)
	b := newTestClient("b", 4)
	h.clients[a] = true
	h.clients[b] = true

	h.SendTo("b", eventlog.Envelope{EventType: eventlog.EventGameList})

	if len(a.send) != 0 || len(b.send) != 1 {
		t.Fatalf("expected only b to receive, got a=%d b=%d", len(a.send), len(b.send))
	}
}
