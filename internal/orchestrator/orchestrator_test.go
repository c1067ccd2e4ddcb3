package orchestrator

import (
	"context"
	"testing"
	"time"

	"github.com/stat7verse/backbone/internal/config"
	"github.com/stat7verse/backbone/internal/eventlog"
)

type fakeBroadcaster struct {
	delivered []eventlog.Envelope
	sentTo    map[string][]eventlog.Envelope
}

func newFakeBroadcaster() *fakeBroadcaster {
	return &fakeBroadcaster{sentTo: make(map[string][]eventlog.Envelope)}
}

func (f *fakeBroadcaster) Deliver(env eventlog.Envelope, source string, target *string) {
	f.delivered = append(f.delivered, env)
}
func (f *fakeBroadcaster) DeliverAll(env eventlog.Envelope) {
	f.delivered = append(f.delivered, env)
}
func (f *fakeBroadcaster) SendTo(connID string, env eventlog.Envelope) {
	f.sentTo[connID] = append(f.sentTo[connID], env)
}

func testConfig() config.Config {
	return config.Config{
		TickPeriodMS:          5,
		ControlTickDivisor:    2,
		BufferMax:             100,
		PerSubscriberQueueMax: 16,
		ShutdownGraceMS:       50,
		ConnectionGraceMS:     0,
	}
}

func register(t *testing.T, o *Orchestrator, gameID, realmID string, adjacency []string) {
	t.Helper()
	reply := make(chan Response, 1)
	err := o.Submit(context.Background(), Request{
		Kind: CmdRegisterGame,
		Register: RegisterGameInput{
			GameID:    gameID,
			RealmID:   realmID,
			Adjacency: adjacency,
		},
		Reply: reply,
	})
	if err != nil {
		t.Fatalf("submit register: %v", err)
	}
	resp := <-reply
	if resp.Err != nil {
		t.Fatalf("register %s failed: %v", gameID, resp.Err)
	}
}

func TestRegisterDuplicateRejected(t *testing.T) {
	o := New(testConfig(), nil, nil, newFakeBroadcaster(), nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go o.Run(ctx)

	register(t, o, "tavern", "Golden Dragon", []string{"hub"})

	reply := make(chan Response, 1)
	_ = o.Submit(context.Background(), Request{
		Kind:     CmdRegisterGame,
		Register: RegisterGameInput{GameID: "tavern", RealmID: "Golden Dragon 2"},
		Reply:    reply,
	})
	resp := <-reply
	if resp.Err == nil {
		t.Fatal("expected duplicate game id error")
	}
}

func TestPublishUnknownTargetRejected(t *testing.T) {
	o := New(testConfig(), nil, nil, newFakeBroadcaster(), nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go o.Run(ctx)

	register(t, o, "tavern", "Golden Dragon", []string{"hub"})

	ghost := "ghost"
	reply := make(chan Response, 1)
	_ = o.Submit(context.Background(), Request{
		Kind: CmdPublishEvent,
		Publish: PublishEventInput{
			SourceGameID: "tavern",
			TargetGameID: &ghost,
			EventType:    "quest",
			Data:         map[string]any{},
		},
		Reply: reply,
	})
	resp := <-reply
	if resp.Err == nil {
		t.Fatal("expected unknown target error")
	}
	if o.Log().Len() != 1 { // only game_registered
		t.Fatalf("expected no append for rejected publish, log len=%d", o.Log().Len())
	}
}

func TestPublishBroadcastRoutesAndCompletesTick(t *testing.T) {
	b := newFakeBroadcaster()
	o := New(testConfig(), nil, nil, b, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go o.Run(ctx)

	register(t, o, "tavern", "Golden Dragon", []string{"hub"})
	register(t, o, "forest", "Forest", []string{"hub", "wilds"})

	reply := make(chan Response, 1)
	_ = o.Submit(context.Background(), Request{
		Kind: CmdPublishEvent,
		Publish: PublishEventInput{
			SourceGameID: "tavern",
			TargetGameID: nil,
			EventType:    "announce",
			Data:         map[string]any{"msg": "open"},
		},
		Reply: reply,
	})
	resp := <-reply
	if resp.Err != nil {
		t.Fatalf("publish failed: %v", resp.Err)
	}

	deadline := time.After(2 * time.Second)
	for {
		routed, completed := false, false
		for _, env := range b.delivered {
			if env.EventType == eventlog.EventCrossGameEvent && env.Data["event_type_detail"] == "announce" {
				routed = true
			}
			if routed && env.EventType == eventlog.EventControlTickComplete {
				completed = true
			}
		}
		if completed {
			break
		}
		select {
		case <-deadline:
			t.Fatal("timed out waiting for the routed cross_game_event and its control_tick_complete")
		case <-time.After(5 * time.Millisecond):
		}
	}
}

func TestUnregisterUnknownGameRejected(t *testing.T) {
	o := New(testConfig(), nil, nil, newFakeBroadcaster(), nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go o.Run(ctx)

	reply := make(chan Response, 1)
	_ = o.Submit(context.Background(), Request{
		Kind:       CmdUnregisterGame,
		Unregister: UnregisterGameInput{GameID: "ghost"},
		Reply:      reply,
	})
	resp := <-reply
	if resp.Err == nil {
		t.Fatal("expected unknown game id error")
	}
}
