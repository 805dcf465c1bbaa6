package vchat

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/go-playground/assert/v2"
	"nhooyr.io/websocket"
)

// newFeedServer serves a change feed that greets with a connected event,
// sends events, then answers pings until the client goes away.
func newFeedServer(t *testing.T, events ...RealtimeEnvelope) (*httptest.Server, *[]RealtimeCommand, *sync.Mutex) {
	t.Helper()
	var mu sync.Mutex
	var received []RealtimeCommand

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/realtime" {
			http.NotFound(w, r)
			return
		}
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close(websocket.StatusNormalClosure, "")
		ctx := r.Context()

		write := func(env RealtimeEnvelope) bool {
			data, _ := json.Marshal(env)
			return conn.Write(ctx, websocket.MessageText, data) == nil
		}
		if !write(RealtimeEnvelope{Type: "connected", Payload: json.RawMessage(`{"userId":"u1"}`)}) {
			return
		}
		for _, ev := range events {
			if !write(ev) {
				return
			}
		}

		for {
			_, data, err := conn.Read(ctx)
			if err != nil {
				return
			}
			var cmd RealtimeCommand
			if json.Unmarshal(data, &cmd) != nil {
				continue
			}
			mu.Lock()
			received = append(received, cmd)
			mu.Unlock()
			if cmd.Type == "ping" {
				payload, _ := json.Marshal(PongPayload{RequestID: cmd.RequestID})
				write(RealtimeEnvelope{Type: "pong", Payload: payload})
			}
		}
	}))
	t.Cleanup(srv.Close)
	return srv, &received, &mu
}

func TestRealtimeDialURL(t *testing.T) {
	rt := NewRealtimeClient("https://chat.example.com/v1/", &RealtimeConfig{
		Token:    "tok",
		Project:  "vchat",
		Channels: []string{"documents"},
	})
	assert.Equal(t, rt.dialURL(), "wss://chat.example.com/v1/realtime?channels%5B%5D=documents&project=vchat&token=tok")

	rt = NewRealtimeClient("http://localhost:8080", nil)
	assert.Equal(t, rt.dialURL(), "ws://localhost:8080/realtime")
	assert.Equal(t, rt.State(), StateDisconnected)
}

func TestRealtimeClient(t *testing.T) {
	event := RealtimeEnvelope{
		Type:    "document.update",
		Payload: json.RawMessage(`{"databaseId":"main","collectionId":"group_messages","documentId":"m1","document":{"$id":"m1","groupDoc":"g1","body":"edited"}}`),
	}
	srv, received, mu := newFeedServer(t, event)

	rt := NewRealtimeClient(srv.URL, &RealtimeConfig{HeartbeatInterval: time.Hour})
	got := make(chan DocumentEvent, 1)
	rt.OnDocument(func(ev DocumentEvent) { got <- ev })
	connected := make(chan struct{}, 1)
	rt.OnConnected(func() { connected <- struct{}{} })

	ctx, cancel := testContext()
	defer cancel()
	assert.Equal(t, rt.Connect(ctx), nil)
	defer rt.Disconnect()
	assert.Equal(t, rt.State(), StateConnected)

	select {
	case <-connected:
	case <-ctx.Done():
		t.Fatal("no connected callback")
	}

	select {
	case ev := <-got:
		assert.Equal(t, ev.Type, "document.update")
		assert.Equal(t, ev.CollectionID, "group_messages")
		assert.Equal(t, ev.Document.ID, "m1")
		assert.Equal(t, ev.Document.Fields["groupDoc"], "g1")
	case <-ctx.Done():
		t.Fatal("no document event")
	}

	assert.Equal(t, rt.Subscribe(ctx, "databases.main.collections.groups.documents"), nil)
	pong, err := rt.Ping(ctx)
	assert.Equal(t, err, nil)
	assert.Equal(t, pong.RequestID, "ping-1")

	mu.Lock()
	assert.Equal(t, len(*received), 2)
	assert.Equal(t, (*received)[0].Type, "subscribe")
	mu.Unlock()

	assert.Equal(t, rt.Disconnect(), nil)
	assert.Equal(t, rt.State(), StateDisconnected)
	_, err = rt.Ping(ctx)
	assert.NotEqual(t, err, nil)
}

func TestRealtimeConnectRejectsUnexpectedGreeting(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close(websocket.StatusNormalClosure, "")
		_ = conn.Write(r.Context(), websocket.MessageText, []byte(`{"type":"error","payload":{"message":"bad token"}}`))
		time.Sleep(50 * time.Millisecond)
	}))
	defer srv.Close()

	rt := NewRealtimeClient(srv.URL, &RealtimeConfig{})
	ctx, cancel := testContext()
	defer cancel()
	assert.NotEqual(t, rt.Connect(ctx), nil)
	assert.Equal(t, rt.State(), StateDisconnected)
}

func TestEngineWatch(t *testing.T) {
	env, r := openTeamRoom(t)
	env.docs.put("group_messages", "m3", map[string]any{"senderID": "d2", "body": "new", "groupDoc": "g1"})

	event := RealtimeEnvelope{
		Type:    "document.create",
		Payload: json.RawMessage(`{"databaseId":"main","collectionId":"group_messages","documentId":"m3","document":{"$id":"m3","groupDoc":"g1"}}`),
	}
	srv, _, _ := newFeedServer(t, event)

	rt := NewRealtimeClient(srv.URL, &RealtimeConfig{HeartbeatInterval: time.Hour})
	env.engine.Watch(rt)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	assert.Equal(t, rt.Connect(ctx), nil)
	defer rt.Disconnect()

	assert.Equal(t, waitFor(func() bool { return len(r.Messages().Data) == 3 }), true)
}

func TestReconnectorBackoff(t *testing.T) {
	r := newReconnector(&RealtimeConfig{
		ReconnectBaseDelay:   100 * time.Millisecond,
		ReconnectMaxDelay:    time.Second,
		MaxReconnectAttempts: 3,
	})
	first := r.nextDelay()
	assert.Equal(t, first >= 100*time.Millisecond && first < 150*time.Millisecond, true)
	second := r.nextDelay()
	assert.Equal(t, second >= 200*time.Millisecond, true)
	assert.Equal(t, r.shouldReconnect(), true)
	r.nextDelay()
	assert.Equal(t, r.shouldReconnect(), false)

	for i := 0; i < 10; i++ {
		r.attempt = 10
		assert.Equal(t, r.nextDelay() <= time.Second, true)
	}
}
