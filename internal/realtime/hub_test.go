package realtime

import (
	"context"
	"net"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

func startHub(t *testing.T) (*Hub, string) {
	t.Helper()

	hub := NewHub(nil)
	ctx, cancel := context.WithCancel(context.Background())
	go hub.Run(ctx)
	t.Cleanup(cancel)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Skipf("listener not permitted in this environment: %v", err)
	}
	srv := httptest.NewUnstartedServer(hub)
	srv.Listener = ln
	srv.Start()
	t.Cleanup(srv.Close)

	return hub, "ws" + srv.URL[len("http"):]
}

func dial(t *testing.T, url string) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func waitForClients(t *testing.T, hub *Hub, n int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for hub.Clients() < n {
		if time.Now().After(deadline) {
			t.Fatalf("expected %d clients, have %d", n, hub.Clients())
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func readMessage(t *testing.T, conn *websocket.Conn, wait time.Duration) (string, error) {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(wait))
	_, data, err := conn.ReadMessage()
	return string(data), err
}

func TestHub_BroadcastReachesFollowers(t *testing.T) {
	t.Parallel()

	hub, url := startHub(t)
	all := dial(t, url)
	follower := dial(t, url+"?orderId=order-1")
	waitForClients(t, hub, 2)

	hub.Broadcast("order-1", []byte("paid"))

	for name, conn := range map[string]*websocket.Conn{"all": all, "follower": follower} {
		got, err := readMessage(t, conn, 2*time.Second)
		if err != nil {
			t.Fatalf("%s: read: %v", name, err)
		}
		if got != "paid" {
			t.Fatalf("%s: expected %q, got %q", name, "paid", got)
		}
	}
}

func TestHub_FiltersOtherOrders(t *testing.T) {
	t.Parallel()

	hub, url := startHub(t)
	follower := dial(t, url+"?orderId=order-1")
	waitForClients(t, hub, 1)

	hub.Broadcast("order-2", []byte("other"))
	hub.Broadcast("order-1", []byte("mine"))

	got, err := readMessage(t, follower, 2*time.Second)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if got != "mine" {
		t.Fatalf("expected only the followed order, got %q", got)
	}
}

func TestHub_UnregistersClosedClients(t *testing.T) {
	t.Parallel()

	hub, url := startHub(t)
	conn := dial(t, url)
	waitForClients(t, hub, 1)

	conn.Close()

	deadline := time.Now().Add(2 * time.Second)
	for hub.Clients() != 0 {
		if time.Now().After(deadline) {
			t.Fatalf("closed client still registered")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestHub_BroadcastWithoutClientsDoesNotBlock(t *testing.T) {
	hub := NewHub(nil)
	for range 300 {
		hub.Broadcast("order-1", []byte("x"))
	}
}
