package relay

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/chatsync/chatsync/internal/chat"
)

// wsPair starts a relay session behind a websocket server and connects a
// follower session to it. Transports log nowhere since their goroutines may
// outlive the test.
func wsPair(t *testing.T) (*Server, *Session, *Client, *Session, *recorder) {
	t.Helper()
	server := NewServer(zap.NewNop())
	relay := NewSession(Options{Self: alice, Log: zap.NewNop()})
	if err := relay.StartRelay(server); err != nil {
		t.Fatalf("StartRelay() error = %v", err)
	}
	srv := httptest.NewServer(server)
	t.Cleanup(srv.Close)
	t.Cleanup(server.Close)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	client, err := Dial(ctx, "ws"+strings.TrimPrefix(srv.URL, "http"), bob, zap.NewNop())
	if err != nil {
		t.Fatalf("Dial() error = %v", err)
	}
	t.Cleanup(func() { client.Close() })

	follower := NewSession(Options{Self: bob, Log: zap.NewNop()})
	rec := newRecorder()
	follower.SetListener(rec)
	if err := follower.StartFollower(client); err != nil {
		t.Fatalf("StartFollower() error = %v", err)
	}
	waitFor(t, "follower registration", func() bool { return rec.user("alice") })
	return server, relay, client, follower, rec
}

func TestWebsocket_MessageRoundTrip(t *testing.T) {
	_, relay, _, follower, rec := wsPair(t)
	ctx := context.Background()

	msg, err := follower.BroadcastMessage(ctx, "bob", "over the wire")
	if err != nil {
		t.Fatalf("BroadcastMessage() error = %v", err)
	}

	history, _ := relay.Messages(ctx)
	if got := history[msg.Timestamp]; got == nil || got.Text != "over the wire" || got.UserID != "bob" {
		t.Errorf("relay history[%s] = %+v", msg.Timestamp, got)
	}
	waitFor(t, "notification", func() bool {
		m, ok := rec.message(msg.Timestamp)
		return ok && m.Text == "over the wire"
	})
}

func TestWebsocket_PeersAndUsers(t *testing.T) {
	server, _, _, follower, _ := wsPair(t)

	peers := server.Peers()
	if len(peers) != 1 || peers[0].ID != "bob" || peers[0].Name != "bob" {
		t.Errorf("Peers() = %+v", peers)
	}

	users, err := follower.Users(context.Background())
	if err != nil {
		t.Fatalf("Users() error = %v", err)
	}
	if len(users) != 2 {
		t.Errorf("Users() = %v, want alice and bob", users)
	}
}

func TestWebsocket_RemoteError(t *testing.T) {
	_, _, client, _, _ := wsPair(t)

	err := client.Request(context.Background(), "nope", nil, nil)
	var remote *RemoteError
	if !errors.As(err, &remote) {
		t.Fatalf("Request() error = %v, want *RemoteError", err)
	}
	if remote.Method != "nope" || !strings.Contains(remote.Message, "unknown method") {
		t.Errorf("RemoteError = %+v", remote)
	}
}

func TestWebsocket_ServerCloseEndsFollower(t *testing.T) {
	server, relay, client, follower, rec := wsPair(t)

	server.Close()

	select {
	case <-client.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("client not closed after server shutdown")
	}
	waitFor(t, "follower end", func() bool { return follower.Role() == RoleUnconnected })
	waitFor(t, "relay end", func() bool { return relay.Role() == RoleUnconnected })
	if rec.endedCount() != 1 {
		t.Errorf("SessionEnded called %d times, want 1", rec.endedCount())
	}
	if err := client.Request(context.Background(), MethodFetchUsers, nil, nil); err == nil {
		t.Error("Request() after close should fail")
	}
}

func TestWebsocket_FollowerLeaveAnnounced(t *testing.T) {
	_, relay, client, _, _ := wsPair(t)

	client.Close()

	waitFor(t, "leave announcement", func() bool {
		history, _ := relay.Messages(context.Background())
		return countText(history, "bob left the session") == 1
	})
}

func TestServer_RequiresID(t *testing.T) {
	srv := httptest.NewServer(NewServer(nil))
	defer srv.Close()

	resp, err := http.Get(srv.URL)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("status = %d, want %d", resp.StatusCode, http.StatusBadRequest)
	}
}

func TestDial_Unreachable(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	_, err := Dial(ctx, "ws://127.0.0.1:1/relay", bob, nil)
	var connErr *chat.ConnectionError
	if !errors.As(err, &connErr) {
		t.Fatalf("Dial() error = %v, want *chat.ConnectionError", err)
	}
}
