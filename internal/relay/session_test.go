package relay

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap/zaptest"

	"github.com/chatsync/chatsync/internal/chat"
	"github.com/chatsync/chatsync/internal/ratelimit"
)

var (
	alice = chat.User{ID: "alice", Name: "alice"}
	bob   = chat.User{ID: "bob", Name: "bob"}
)

type recorder struct {
	mu       sync.Mutex
	messages map[string]chat.Message
	users    map[string]chat.User
	ended    int
}

func newRecorder() *recorder {
	return &recorder{messages: make(map[string]chat.Message), users: make(map[string]chat.User)}
}

func (r *recorder) MessagesChanged(patch chat.MessagePatch) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for ts, m := range patch {
		if m == nil {
			delete(r.messages, ts)
			continue
		}
		r.messages[ts] = *m
	}
}

func (r *recorder) UsersChanged(users []chat.User) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, u := range users {
		r.users[u.ID] = u
	}
}

func (r *recorder) SessionEnded() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ended++
}

func (r *recorder) message(ts string) (chat.Message, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	m, ok := r.messages[ts]
	return m, ok
}

func (r *recorder) user(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.users[id]
	return ok
}

func (r *recorder) endedCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.ended
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func newTestSession(t *testing.T, self chat.User, opts Options) (*Session, *recorder) {
	t.Helper()
	opts.Self = self
	opts.Log = zaptest.NewLogger(t)
	s := NewSession(opts)
	rec := newRecorder()
	s.SetListener(rec)
	return s, rec
}

func countText(history chat.MessagePatch, substr string) int {
	n := 0
	for _, m := range history {
		if m != nil && strings.Contains(m.Text, substr) {
			n++
		}
	}
	return n
}

func TestSession_FollowerMessageRoundTrip(t *testing.T) {
	ctx := context.Background()
	hub := NewHub()
	relay, relayRec := newTestSession(t, alice, Options{})
	if err := relay.StartRelay(hub); err != nil {
		t.Fatalf("StartRelay() error = %v", err)
	}
	follower, followerRec := newTestSession(t, bob, Options{})
	if err := follower.StartFollower(hub.Join(bob)); err != nil {
		t.Fatalf("StartFollower() error = %v", err)
	}

	msg, err := follower.BroadcastMessage(ctx, "bob", "hi")
	if err != nil {
		t.Fatalf("BroadcastMessage() error = %v", err)
	}
	if msg.Timestamp == "" || msg.UserID != "bob" || msg.Text != "hi" {
		t.Fatalf("BroadcastMessage() = %+v", msg)
	}

	for name, rec := range map[string]*recorder{"relay": relayRec, "follower": followerRec} {
		got, ok := rec.message(msg.Timestamp)
		if !ok {
			t.Errorf("%s did not apply message %s", name, msg.Timestamp)
			continue
		}
		if got.UserID != "bob" || got.Text != "hi" {
			t.Errorf("%s message = %+v", name, got)
		}
	}

	relayHistory, _ := relay.Messages(ctx)
	followerHistory, err := follower.Messages(ctx)
	if err != nil {
		t.Fatalf("follower Messages() error = %v", err)
	}
	if len(relayHistory) != len(followerHistory) {
		t.Errorf("history sizes differ: relay %d, follower %d", len(relayHistory), len(followerHistory))
	}
	if m := followerHistory[msg.Timestamp]; m == nil || m.Text != "hi" {
		t.Errorf("follower history missing message: %+v", followerHistory)
	}
}

func TestSession_StampsAreMonotonic(t *testing.T) {
	frozen := time.Unix(1700000000, 0)
	hub := NewHub()
	relay, _ := newTestSession(t, alice, Options{Now: func() time.Time { return frozen }})
	if err := relay.StartRelay(hub); err != nil {
		t.Fatal(err)
	}

	first, _ := relay.BroadcastMessage(context.Background(), "alice", "one")
	second, _ := relay.BroadcastMessage(context.Background(), "alice", "two")

	if chat.CompareTimestamps(second.Timestamp, first.Timestamp) <= 0 {
		t.Errorf("timestamps not increasing: %q then %q", first.Timestamp, second.Timestamp)
	}
	if second.Timestamp != "1700000000.000002" {
		t.Errorf("second stamp = %q, want 1700000000.000002", second.Timestamp)
	}
}

func TestSession_StartAnnounced(t *testing.T) {
	hub := NewHub()
	relay, rec := newTestSession(t, alice, Options{})
	if err := relay.StartRelay(hub); err != nil {
		t.Fatal(err)
	}

	history, _ := relay.Messages(context.Background())
	if countText(history, "alice started the session") != 1 {
		t.Errorf("history = %+v", history)
	}
	rec.mu.Lock()
	n := len(rec.messages)
	rec.mu.Unlock()
	if n != 1 {
		t.Errorf("listener saw %d messages, want 1", n)
	}
}

func TestSession_FollowerBeforeReady(t *testing.T) {
	ctx := context.Background()
	hub := NewHub()
	follower, _ := newTestSession(t, bob, Options{})
	if err := follower.StartFollower(hub.Join(bob)); err != nil {
		t.Fatal(err)
	}

	users, err := follower.Users(ctx)
	if err != nil || len(users) != 0 {
		t.Errorf("Users() = %v, %v; want empty", users, err)
	}
	history, err := follower.Messages(ctx)
	if err != nil || len(history) != 0 {
		t.Errorf("Messages() = %v, %v; want empty", history, err)
	}
	u, err := follower.UserInfo(ctx, "alice")
	if err != nil || u != nil {
		t.Errorf("UserInfo() = %v, %v; want nil", u, err)
	}
	if _, err := follower.BroadcastMessage(ctx, "bob", "early"); !errors.Is(err, ErrNotReady) {
		t.Errorf("BroadcastMessage() error = %v, want ErrNotReady", err)
	}
}

func TestSession_RegisterGuestOnceAnnounced(t *testing.T) {
	ctx := context.Background()
	hub := NewHub()
	relay, relayRec := newTestSession(t, alice, Options{})
	if err := relay.StartRelay(hub); err != nil {
		t.Fatal(err)
	}
	follower, followerRec := newTestSession(t, bob, Options{})
	if err := follower.StartFollower(hub.Join(bob)); err != nil {
		t.Fatal(err)
	}

	waitFor(t, "follower registration", func() bool { return followerRec.user("alice") })

	history, _ := relay.Messages(ctx)
	if n := countText(history, "bob joined the session"); n != 1 {
		t.Errorf("joined announced %d times, want 1", n)
	}
	if !relayRec.user("bob") {
		t.Error("relay listener did not learn about bob")
	}

	users, err := follower.Users(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := users["alice"]; !ok {
		t.Errorf("users = %v, want alice present", users)
	}
	if _, ok := users["bob"]; !ok {
		t.Errorf("users = %v, want bob present", users)
	}

	u, err := follower.UserInfo(ctx, "bob")
	if err != nil || u == nil || u.Name != "bob" {
		t.Errorf("UserInfo(bob) = %+v, %v", u, err)
	}
	u, err = follower.UserInfo(ctx, "nobody")
	if err != nil || u != nil {
		t.Errorf("UserInfo(nobody) = %+v, %v; want nil", u, err)
	}
}

func TestSession_LeaveAnnouncedOnce(t *testing.T) {
	hub := NewHub()
	relay, _ := newTestSession(t, alice, Options{})
	if err := relay.StartRelay(hub); err != nil {
		t.Fatal(err)
	}

	c := hub.Join(bob)
	c.Leave()
	c.Leave()

	history, _ := relay.Messages(context.Background())
	if n := countText(history, "bob left the session"); n != 1 {
		t.Errorf("left announced %d times, want 1", n)
	}

	users, _ := relay.Users(context.Background())
	if _, ok := users["bob"]; !ok {
		t.Error("departed guest should stay resolvable for old messages")
	}
}

func TestSession_RoleConflict(t *testing.T) {
	hub := NewHub()
	s, _ := newTestSession(t, alice, Options{})
	if err := s.StartRelay(hub); err != nil {
		t.Fatal(err)
	}
	if err := s.StartRelay(NewHub()); !errors.Is(err, ErrRoleConflict) {
		t.Errorf("second StartRelay() error = %v, want ErrRoleConflict", err)
	}
	if err := s.StartFollower(hub.Join(bob)); !errors.Is(err, ErrRoleConflict) {
		t.Errorf("StartFollower() error = %v, want ErrRoleConflict", err)
	}
	if s.Role() != RoleRelay {
		t.Errorf("Role() = %v, want relay", s.Role())
	}
}

func TestSession_TransportLossEndsSession(t *testing.T) {
	hub := NewHub()
	relay, relayRec := newTestSession(t, alice, Options{})
	if err := relay.StartRelay(hub); err != nil {
		t.Fatal(err)
	}
	follower, followerRec := newTestSession(t, bob, Options{})
	if err := follower.StartFollower(hub.Join(bob)); err != nil {
		t.Fatal(err)
	}
	waitFor(t, "follower registration", func() bool { return followerRec.user("alice") })

	hub.Close()

	waitFor(t, "relay end", func() bool { return relay.Role() == RoleUnconnected })
	waitFor(t, "follower end", func() bool { return follower.Role() == RoleUnconnected })
	if relayRec.endedCount() != 1 || followerRec.endedCount() != 1 {
		t.Errorf("ended counts = %d, %d; want 1, 1", relayRec.endedCount(), followerRec.endedCount())
	}

	if _, err := relay.BroadcastMessage(context.Background(), "alice", "late"); !errors.Is(err, ErrNotActive) {
		t.Errorf("BroadcastMessage() after end error = %v, want ErrNotActive", err)
	}
	if err := relay.StartRelay(NewHub()); err != nil {
		t.Errorf("restart after end error = %v", err)
	}
}

func TestSession_EndIsIdempotent(t *testing.T) {
	relay, rec := newTestSession(t, alice, Options{})
	if err := relay.StartRelay(NewHub()); err != nil {
		t.Fatal(err)
	}
	relay.End()
	relay.End()
	if rec.endedCount() != 1 {
		t.Errorf("SessionEnded called %d times, want 1", rec.endedCount())
	}
}

func TestSession_PeerRateLimit(t *testing.T) {
	ctx := context.Background()
	hub := NewHub()
	reg := prometheus.NewRegistry()
	metrics := NewMetrics(reg)
	relay, _ := newTestSession(t, alice, Options{
		Limiter: ratelimit.NewLimiter(ratelimit.Config{Rate: 0.001, Burst: 1}),
		Metrics: metrics,
	})
	if err := relay.StartRelay(hub); err != nil {
		t.Fatal(err)
	}
	follower, _ := newTestSession(t, bob, Options{})
	if err := follower.StartFollower(hub.Join(bob)); err != nil {
		t.Fatal(err)
	}

	if _, err := follower.BroadcastMessage(ctx, "bob", "one"); err != nil {
		t.Fatalf("first message error = %v", err)
	}
	if _, err := follower.BroadcastMessage(ctx, "bob", "two"); !errors.Is(err, ErrRateLimited) {
		t.Errorf("second message error = %v, want ErrRateLimited", err)
	}
	if got := metricValue(t, reg, "chatsync_relay_rate_limited_total"); got != 1 {
		t.Errorf("rate limited counter = %v, want 1", got)
	}
	if _, err := relay.BroadcastMessage(ctx, "alice", "host is not limited"); err != nil {
		t.Errorf("relay BroadcastMessage() error = %v", err)
	}
}

func TestSession_RejectsEmptyMessage(t *testing.T) {
	hub := NewHub()
	relay, _ := newTestSession(t, alice, Options{})
	if err := relay.StartRelay(hub); err != nil {
		t.Fatal(err)
	}
	c := hub.Join(bob)
	waitFor(t, "hub ready", func() bool { return isReady(c) })

	if err := c.Request(context.Background(), MethodMessage, messageRequest{Text: "  "}, nil); err == nil {
		t.Error("expected error for empty message")
	}
}

func TestSession_NotActive(t *testing.T) {
	s, _ := newTestSession(t, alice, Options{})
	if _, err := s.Users(context.Background()); !errors.Is(err, ErrNotActive) {
		t.Errorf("Users() error = %v, want ErrNotActive", err)
	}
	if _, err := s.BroadcastMessage(context.Background(), "alice", "x"); !errors.Is(err, ErrNotActive) {
		t.Errorf("BroadcastMessage() error = %v, want ErrNotActive", err)
	}
}

func TestRole_String(t *testing.T) {
	tests := map[Role]string{RoleUnconnected: "unconnected", RoleRelay: "relay", RoleFollower: "follower"}
	for r, want := range tests {
		if got := r.String(); got != want {
			t.Errorf("Role(%d).String() = %q, want %q", int(r), got, want)
		}
	}
}

// metricValue returns the summed value of every series of a counter or
// gauge family in reg.
func metricValue(t *testing.T, reg *prometheus.Registry, name string) float64 {
	t.Helper()
	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("Gather() error = %v", err)
	}
	var total float64
	for _, mf := range families {
		if mf.GetName() != name {
			continue
		}
		for _, m := range mf.GetMetric() {
			total += m.GetCounter().GetValue() + m.GetGauge().GetValue()
		}
	}
	return total
}
