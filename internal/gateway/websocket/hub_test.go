package websocket

import (
	"encoding/json"
	"testing"
	"time"
)

func testClient(hub *Hub, id string) *Client {
	return &Client{
		hub:         hub,
		send:        make(chan []byte, 256),
		sessions:    make(map[string]bool),
		id:          id,
		connectedAt: time.Now(),
	}
}

func TestHubRegistry(t *testing.T) {
	hub := NewHub()
	client := testClient(hub, "c1")

	hub.Register(client)
	if hub.ClientCount() != 1 {
		t.Fatalf("ClientCount = %d, want 1", hub.ClientCount())
	}

	hub.Unregister(client)
	if hub.ClientCount() != 0 {
		t.Fatalf("ClientCount = %d, want 0", hub.ClientCount())
	}

	// The outbound queue is closed on unregister.
	if _, open := <-client.send; open {
		t.Error("send still open after unregister")
	}

	// A second unregister is a no-op.
	hub.Unregister(client)
}

func TestHubUnregisterClearsSubscriptions(t *testing.T) {
	hub := NewHub()
	client := testClient(hub, "c1")

	hub.Register(client)
	hub.Subscribe(client, "s1")
	hub.Unregister(client)

	if _, ok := hub.sessions["s1"]; ok {
		t.Error("session subscriber set not cleaned up")
	}
}

func TestHubSubscribeUnsubscribe(t *testing.T) {
	hub := NewHub()
	client := testClient(hub, "c1")

	hub.Subscribe(client, "s1")
	if !client.sessions["s1"] {
		t.Error("client side of subscription missing")
	}
	if !hub.sessions["s1"][client] {
		t.Error("hub side of subscription missing")
	}

	hub.Unsubscribe(client, "s1")
	if client.sessions["s1"] {
		t.Error("client side of subscription not removed")
	}
	if _, ok := hub.sessions["s1"]; ok {
		t.Error("empty subscriber set not dropped")
	}
}

func TestHubBroadcastTargetsSession(t *testing.T) {
	hub := NewHub()
	go hub.Run()
	defer hub.Stop()

	subscribed := testClient(hub, "subscribed")
	other := testClient(hub, "other")
	hub.Register(subscribed)
	hub.Register(other)
	hub.Subscribe(subscribed, "s1")

	payload := []byte(`{"type":"event","topic":"stream.delta"}`)
	hub.Broadcast("s1", payload)

	select {
	case got := <-subscribed.send:
		if string(got) != string(payload) {
			t.Errorf("received %s, want %s", got, payload)
		}
	case <-time.After(time.Second):
		t.Fatal("subscriber never received the broadcast")
	}

	select {
	case got := <-other.send:
		t.Errorf("unsubscribed client received %s", got)
	case <-time.After(30 * time.Millisecond):
	}
}

func TestHubBroadcastAllReachesEveryone(t *testing.T) {
	hub := NewHub()
	go hub.Run()
	defer hub.Stop()

	a := testClient(hub, "a")
	b := testClient(hub, "b")
	hub.Register(a)
	hub.Register(b)

	hub.BroadcastAll([]byte(`{"type":"event","topic":"config.reloaded"}`))

	for _, c := range []*Client{a, b} {
		select {
		case <-c.send:
		case <-time.After(time.Second):
			t.Fatalf("client %s never received the broadcast", c.id)
		}
	}
}

func TestHubBroadcastEvent(t *testing.T) {
	hub := NewHub()
	go hub.Run()
	defer hub.Stop()

	client := testClient(hub, "c1")
	hub.Register(client)
	hub.Subscribe(client, "s1")

	if err := hub.BroadcastEvent("stream.delta", "s1", map[string]any{"delta": "hello", "message_id": "m1"}); err != nil {
		t.Fatalf("BroadcastEvent: %v", err)
	}

	got := recv(t, client)
	if got.Type != TypeEvent {
		t.Errorf("type = %s, want %s", got.Type, TypeEvent)
	}
	if got.Topic != "stream.delta" {
		t.Errorf("topic = %s, want stream.delta", got.Topic)
	}
	if got.Session != "s1" {
		t.Errorf("session = %s, want s1", got.Session)
	}

	var decoded map[string]any
	if err := json.Unmarshal(got.Payload, &decoded); err != nil {
		t.Fatalf("payload unmarshal: %v", err)
	}
	if decoded["delta"] != "hello" {
		t.Errorf("payload delta = %v, want hello", decoded["delta"])
	}
}

func TestHubBroadcastEventNilPayload(t *testing.T) {
	hub := NewHub()
	go hub.Run()
	defer hub.Stop()

	client := testClient(hub, "c1")
	hub.Register(client)
	hub.Subscribe(client, "s1")

	if err := hub.BroadcastEvent("session.idle", "s1", nil); err != nil {
		t.Fatalf("BroadcastEvent: %v", err)
	}

	got := recv(t, client)
	if got.Type != TypeEvent || got.Topic != "session.idle" {
		t.Errorf("got %+v", got)
	}
	if len(got.Payload) != 0 {
		t.Errorf("payload = %s, want empty", got.Payload)
	}
}

func TestHubStopEndsRun(t *testing.T) {
	hub := NewHub()
	done := make(chan struct{})
	go func() {
		hub.Run()
		close(done)
	}()

	hub.Stop()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not return after Stop")
	}
}
