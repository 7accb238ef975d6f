package relay

import (
	"encoding/base64"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/photonpay/photond/internal/eventbus"
)

func dialBoundary(t *testing.T, b *Boundary) *websocket.Conn {
	t.Helper()
	srv := httptest.NewServer(b)
	t.Cleanup(srv.Close)

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial boundary: %v", err)
	}
	t.Cleanup(func() { conn.Close() })

	// Wait for the server side to register the client.
	deadline := time.Now().Add(2 * time.Second)
	for b.ClientCount() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("client never registered")
		}
		time.Sleep(5 * time.Millisecond)
	}
	return conn
}

func TestBoundaryInboundCommandPublished(t *testing.T) {
	bus := eventbus.New()
	defer bus.Shutdown()
	cmdSub := bus.Subscribe(eventbus.TopicCommandInbound)
	defer cmdSub.Close()

	b := NewBoundary(bus, nil)
	conn := dialBoundary(t, b)

	payload := base64.StdEncoding.EncodeToString([]byte("frame"))
	msg := `{"channel":"lightning","method":"getInfo","payload":"` + payload + `","correlationId":"abc"}`
	if err := conn.WriteMessage(websocket.TextMessage, []byte(msg)); err != nil {
		t.Fatalf("write: %v", err)
	}

	select {
	case env := <-cmdSub.C():
		if env.CorrelationID != "abc" || env.Source != eventbus.SourceBoundary {
			t.Fatalf("unexpected envelope: %+v", env)
		}
		cmd := env.Payload.(eventbus.CommandEvent)
		if cmd.Channel != ChannelLightning || cmd.Method != "getInfo" || string(cmd.Payload) != "frame" {
			t.Fatalf("unexpected command: %+v", cmd)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for command event")
	}
}

func TestBoundaryAssignsCorrelationID(t *testing.T) {
	bus := eventbus.New()
	defer bus.Shutdown()
	cmdSub := bus.Subscribe(eventbus.TopicCommandInbound)
	defer cmdSub.Close()

	b := NewBoundary(bus, nil)
	conn := dialBoundary(t, b)

	if err := conn.WriteMessage(websocket.TextMessage, []byte(`{"channel":"walletUnlocker","method":"genSeed"}`)); err != nil {
		t.Fatalf("write: %v", err)
	}

	select {
	case env := <-cmdSub.C():
		if env.CorrelationID == "" {
			t.Fatal("expected a generated correlation id")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for command event")
	}
}

func TestBoundaryMalformedCommandIgnored(t *testing.T) {
	bus := eventbus.New()
	defer bus.Shutdown()
	cmdSub := bus.Subscribe(eventbus.TopicCommandInbound)
	defer cmdSub.Close()

	b := NewBoundary(bus, nil)
	conn := dialBoundary(t, b)

	for _, raw := range []string{"not json", `{"method":"getInfo"}`, `{"channel":"lightning"}`} {
		if err := conn.WriteMessage(websocket.TextMessage, []byte(raw)); err != nil {
			t.Fatalf("write: %v", err)
		}
	}

	select {
	case env := <-cmdSub.C():
		t.Fatalf("malformed command published: %+v", env)
	case <-time.After(300 * time.Millisecond):
	}
}

func TestBoundaryOutboundNotification(t *testing.T) {
	bus := eventbus.New()
	defer bus.Shutdown()

	b := NewBoundary(bus, nil)
	conn := dialBoundary(t, b)

	if err := b.Send(Notification{Name: NotifySyncStatus, Payload: "in-progress"}); err != nil {
		t.Fatalf("send: %v", err)
	}

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}

	var n Notification
	if err := json.Unmarshal(data, &n); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if n.Name != NotifySyncStatus || n.Payload != "in-progress" {
		t.Fatalf("unexpected notification: %+v", n)
	}
}

func TestBoundarySendWithoutClients(t *testing.T) {
	bus := eventbus.New()
	defer bus.Shutdown()

	b := NewBoundary(bus, nil)
	if err := b.Send(Notification{Name: NotifySyncStatus}); err != ErrNoBoundaryClient {
		t.Fatalf("expected ErrNoBoundaryClient, got %v", err)
	}
}

func TestBoundaryOriginRejected(t *testing.T) {
	bus := eventbus.New()
	defer bus.Shutdown()

	b := NewBoundary(bus, func(origin string) bool { return false })
	srv := httptest.NewServer(b)
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	header := map[string][]string{"Origin": {"http://evil.example.com"}}
	if _, _, err := websocket.DefaultDialer.Dial(url, header); err == nil {
		t.Fatal("expected cross-origin upgrade to be rejected")
	}
}
