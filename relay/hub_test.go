package relay

import (
	"encoding/json"
	"io"
	"log/slog"
	"reflect"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/puyokura/cmpprelay/model"
	"github.com/puyokura/cmpprelay/presence"
)

func newTestHub(opts Options) *Hub {
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return NewHub(opts)
}

// connect registers a connection without a websocket; frames land in c.send.
func connect(h *Hub, handle string, buffer int) *Conn {
	c := &Conn{hub: h, handle: presence.Handle(handle), send: make(chan []byte, buffer)}
	h.handleRegister(c)
	return c
}

func send(t *testing.T, h *Hub, c *Conn, typ model.EventType, payload any) {
	t.Helper()
	ev, err := model.NewEvent(typ, payload)
	if err != nil {
		t.Fatal(err)
	}
	h.handleInbound(c, ev)
}

// drain returns the frames queued for c, and whether its channel was closed.
func drain(t *testing.T, c *Conn) ([]model.Event, bool) {
	t.Helper()
	var out []model.Event
	for {
		select {
		case data, ok := <-c.send:
			if !ok {
				return out, true
			}
			var ev model.Event
			if err := json.Unmarshal(data, &ev); err != nil {
				t.Fatalf("bad frame %q: %v", data, err)
			}
			out = append(out, ev)
		default:
			return out, false
		}
	}
}

func onlineOf(t *testing.T, ev model.Event) []string {
	t.Helper()
	if ev.Type != model.EventOnlineUsers {
		t.Fatalf("event type = %s, want online-users", ev.Type)
	}
	var ids []string
	if err := ev.Decode(&ids); err != nil {
		t.Fatal(err)
	}
	return ids
}

func TestJoinBroadcastsOnlineUsersToEveryone(t *testing.T) {
	h := newTestHub(Options{})
	alice := connect(h, "c-alice", 16)
	lurker := connect(h, "c-lurker", 16)

	send(t, h, alice, model.EventUserJoin, "alice")

	for _, c := range []*Conn{alice, lurker} {
		evs, _ := drain(t, c)
		if len(evs) != 1 {
			t.Fatalf("%s got %d frames, want 1", c.handle, len(evs))
		}
		if got := onlineOf(t, evs[0]); !reflect.DeepEqual(got, []string{"alice"}) {
			t.Fatalf("online = %v, want [alice]", got)
		}
	}
}

func TestPrivateMessageReachesOnlyRecipient(t *testing.T) {
	h := newTestHub(Options{})
	alice := connect(h, "c1", 16)
	bob := connect(h, "c2", 16)
	carol := connect(h, "c3", 16)
	send(t, h, alice, model.EventUserJoin, "alice")
	send(t, h, bob, model.EventUserJoin, "bob")
	send(t, h, carol, model.EventUserJoin, "carol")
	for _, c := range []*Conn{alice, bob, carol} {
		drain(t, c)
	}

	send(t, h, alice, model.EventPrivateMessage, model.PrivateMessage{To: "bob", From: "alice", Message: "hi"})

	evs, _ := drain(t, bob)
	if len(evs) != 1 || evs[0].Type != model.EventPrivateMessage {
		t.Fatalf("bob got %+v, want one private-message", evs)
	}
	var pm model.PrivateMessage
	if err := evs[0].Decode(&pm); err != nil {
		t.Fatal(err)
	}
	if pm.From != "alice" || pm.Message != "hi" || pm.To != "" {
		t.Fatalf("delivered payload = %+v", pm)
	}
	if pm.SentAt.IsZero() {
		t.Fatal("expected relay to stamp sentAt")
	}
	if evs, _ := drain(t, carol); len(evs) != 0 {
		t.Fatalf("carol got %d frames, want 0", len(evs))
	}
	if evs, _ := drain(t, alice); len(evs) != 0 {
		t.Fatalf("alice got %d frames, want 0", len(evs))
	}
	if got := testutil.ToFloat64(h.metrics.routed.WithLabelValues("message")); got != 1 {
		t.Fatalf("routed message counter = %v, want 1", got)
	}
}

func TestMessageToDisconnectedRecipientIsDropped(t *testing.T) {
	h := newTestHub(Options{})
	alice := connect(h, "c1", 16)
	bob := connect(h, "c2", 16)
	send(t, h, alice, model.EventUserJoin, "alice")
	send(t, h, bob, model.EventUserJoin, "bob")
	drain(t, alice)

	h.handleLeave(bob)

	evs, _ := drain(t, alice)
	if len(evs) != 1 || !reflect.DeepEqual(onlineOf(t, evs[0]), []string{"alice"}) {
		t.Fatalf("alice expected online-users [alice], got %+v", evs)
	}
	if h.registry.Len() != 1 {
		t.Fatalf("registry size = %d, want 1", h.registry.Len())
	}

	send(t, h, alice, model.EventPrivateMessage, model.PrivateMessage{To: "bob", From: "alice", Message: "hi"})

	if evs, _ := drain(t, alice); len(evs) != 0 {
		t.Fatalf("sender observed %+v, want nothing", evs)
	}
	if got := testutil.ToFloat64(h.metrics.dropped.WithLabelValues(dropRecipientOffline)); got != 1 {
		t.Fatalf("dropped counter = %v, want 1", got)
	}
}

func TestReconnectReplacesEntry(t *testing.T) {
	h := newTestHub(Options{})
	old := connect(h, "old", 16)
	send(t, h, old, model.EventUserJoin, "alice")
	fresh := connect(h, "new", 16)
	send(t, h, fresh, model.EventUserJoin, "alice")
	bob := connect(h, "bob", 16)
	send(t, h, bob, model.EventUserJoin, "bob")
	drain(t, old)
	drain(t, fresh)
	drain(t, bob)

	if h.registry.Len() != 2 {
		t.Fatalf("registry size = %d, want 2", h.registry.Len())
	}

	// the late disconnect of the replaced connection changes nothing
	h.handleLeave(old)
	if evs, _ := drain(t, fresh); len(evs) != 0 {
		t.Fatalf("stale leave broadcast %+v", evs)
	}

	send(t, h, bob, model.EventPrivateMessage, model.PrivateMessage{To: "alice", Message: "still there?"})
	evs, _ := drain(t, fresh)
	if len(evs) != 1 || evs[0].Type != model.EventPrivateMessage {
		t.Fatalf("new connection got %+v, want the message", evs)
	}
}

func TestSenderIdentityIsEnforced(t *testing.T) {
	h := newTestHub(Options{})
	mallory := connect(h, "c1", 16)
	bob := connect(h, "c2", 16)
	send(t, h, mallory, model.EventUserJoin, "mallory")
	send(t, h, bob, model.EventUserJoin, "bob")
	drain(t, bob)

	send(t, h, mallory, model.EventPrivateMessage, model.PrivateMessage{To: "bob", From: "alice", Message: "trust me"})

	evs, _ := drain(t, bob)
	if len(evs) != 1 {
		t.Fatalf("bob got %d frames, want 1", len(evs))
	}
	var pm model.PrivateMessage
	evs[0].Decode(&pm)
	if pm.From != "mallory" {
		t.Fatalf("from = %q, want mallory", pm.From)
	}
}

func TestEventsBeforeJoinAreDropped(t *testing.T) {
	h := newTestHub(Options{})
	anon := connect(h, "c1", 16)
	bob := connect(h, "c2", 16)
	send(t, h, bob, model.EventUserJoin, "bob")
	drain(t, bob)
	drain(t, anon)

	send(t, h, anon, model.EventPrivateMessage, model.PrivateMessage{To: "bob", Message: "hi"})
	send(t, h, anon, model.EventTyping, model.Typing{To: "bob"})

	if evs, _ := drain(t, bob); len(evs) != 0 {
		t.Fatalf("bob got %+v from an unjoined connection", evs)
	}
}

func TestTypingIsRoutedAndRateLimited(t *testing.T) {
	h := newTestHub(Options{TypingRate: 0.001, TypingBurst: 2})
	alice := connect(h, "c1", 16)
	bob := connect(h, "c2", 16)
	send(t, h, alice, model.EventUserJoin, "alice")
	send(t, h, bob, model.EventUserJoin, "bob")
	drain(t, bob)

	for i := 0; i < 3; i++ {
		send(t, h, alice, model.EventTyping, model.Typing{To: "bob", From: "alice"})
	}
	send(t, h, alice, model.EventStopTyping, model.Typing{To: "bob", From: "alice"})

	evs, _ := drain(t, bob)
	var types []model.EventType
	for _, ev := range evs {
		types = append(types, ev.Type)
		var tp model.Typing
		if err := ev.Decode(&tp); err != nil {
			t.Fatal(err)
		}
		if tp.From != "alice" || tp.To != "" {
			t.Fatalf("typing payload = %+v", tp)
		}
	}
	want := []model.EventType{model.EventUserTyping, model.EventUserTyping, model.EventUserStopTyping}
	if !reflect.DeepEqual(types, want) {
		t.Fatalf("bob got %v, want %v", types, want)
	}
	if got := testutil.ToFloat64(h.metrics.dropped.WithLabelValues(dropRateLimited)); got != 1 {
		t.Fatalf("rate limited counter = %v, want 1", got)
	}
}

func TestBannedIdentityIsRefused(t *testing.T) {
	h := newTestHub(Options{Banned: func(id string) bool { return id == "spammer" }})
	c := connect(h, "c1", 16)

	send(t, h, c, model.EventUserJoin, "spammer")

	evs, closed := drain(t, c)
	if !closed {
		t.Fatal("expected banned connection to be closed")
	}
	if len(evs) != 1 || evs[0].Type != model.EventError {
		t.Fatalf("got %+v, want one error frame", evs)
	}
	var ep model.ErrorPayload
	evs[0].Decode(&ep)
	if ep.Code != "banned" {
		t.Fatalf("error code = %q, want banned", ep.Code)
	}
	if h.registry.Len() != 0 {
		t.Fatal("banned identity must not be registered")
	}
}

func TestJoinMustMatchCredentials(t *testing.T) {
	h := newTestHub(Options{})
	c := &Conn{hub: h, handle: "c1", send: make(chan []byte, 16), subject: "alice"}
	h.handleRegister(c)

	send(t, h, c, model.EventUserJoin, "bob")
	evs, _ := drain(t, c)
	if len(evs) != 1 || evs[0].Type != model.EventError {
		t.Fatalf("got %+v, want an error frame", evs)
	}
	if h.registry.Len() != 0 {
		t.Fatal("mismatched join must not register")
	}

	send(t, h, c, model.EventUserJoin, "alice")
	if _, ok := h.registry.Lookup("alice"); !ok {
		t.Fatal("matching join should register")
	}
}

func TestSlowConsumerIsDisconnected(t *testing.T) {
	h := newTestHub(Options{})
	alice := connect(h, "c1", 16)
	bob := connect(h, "c2", 2)
	send(t, h, alice, model.EventUserJoin, "alice")
	send(t, h, bob, model.EventUserJoin, "bob") // two online-users frames fill bob's buffer
	drain(t, alice)

	send(t, h, alice, model.EventPrivateMessage, model.PrivateMessage{To: "bob", Message: "hi"})

	if _, ok := h.registry.Lookup("bob"); ok {
		t.Fatal("slow consumer should have been removed from presence")
	}
	evs, _ := drain(t, alice)
	if len(evs) != 1 || !reflect.DeepEqual(onlineOf(t, evs[0]), []string{"alice"}) {
		t.Fatalf("alice expected updated online set, got %+v", evs)
	}
}

func TestMalformedAndUnknownEvents(t *testing.T) {
	h := newTestHub(Options{})
	c := connect(h, "c1", 16)

	h.handleInbound(c, model.Event{})
	h.handleInbound(c, model.Event{Type: model.EventOnlineUsers})
	send(t, h, c, model.EventUserJoin, "  ")

	evs, closed := drain(t, c)
	if closed {
		t.Fatal("protocol errors must not close the connection")
	}
	codes := make([]string, 0, len(evs))
	for _, ev := range evs {
		var ep model.ErrorPayload
		ev.Decode(&ep)
		codes = append(codes, ep.Code)
	}
	want := []string{"bad_frame", "unknown_event", "bad_request"}
	if !reflect.DeepEqual(codes, want) {
		t.Fatalf("error codes = %v, want %v", codes, want)
	}
}

func TestLeaveIsIdempotent(t *testing.T) {
	h := newTestHub(Options{})
	c := connect(h, "c1", 16)
	send(t, h, c, model.EventUserJoin, "alice")

	h.handleLeave(c)
	h.handleLeave(c) // must not close the channel twice

	if h.registry.Len() != 0 || len(h.conns) != 0 {
		t.Fatalf("state not cleared: registry=%d conns=%d", h.registry.Len(), len(h.conns))
	}
}

func TestSentAtIsPreserved(t *testing.T) {
	h := newTestHub(Options{})
	alice := connect(h, "c1", 16)
	bob := connect(h, "c2", 16)
	send(t, h, alice, model.EventUserJoin, "alice")
	send(t, h, bob, model.EventUserJoin, "bob")
	drain(t, bob)

	at := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	send(t, h, alice, model.EventPrivateMessage, model.PrivateMessage{
		To: "bob", Message: "hi", ChatID: "chat-1", MessageID: "m-1", ClientID: "k-1", SentAt: at,
	})

	evs, _ := drain(t, bob)
	var pm model.PrivateMessage
	evs[0].Decode(&pm)
	if !pm.SentAt.Equal(at) || pm.ChatID != "chat-1" || pm.MessageID != "m-1" || pm.ClientID != "k-1" {
		t.Fatalf("delivered payload = %+v", pm)
	}
}
