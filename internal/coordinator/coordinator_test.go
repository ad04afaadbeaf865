package coordinator

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"sort"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap/zaptest"

	"github.com/chatsync/chatsync/internal/chat"
	"github.com/chatsync/chatsync/internal/notify"
	"github.com/chatsync/chatsync/internal/provider"
	"github.com/chatsync/chatsync/internal/store"
)

type harness struct {
	c        *Coordinator
	mock     *provider.MockBackend
	store    *store.Memory
	reg      *prometheus.Registry
	notified atomic.Int32
}

func newHarness(t *testing.T, configure func(*Options)) *harness {
	t.Helper()
	h := &harness{
		mock:  provider.NewMockBackend(chat.ProviderSlack),
		store: store.NewMemory(),
		reg:   prometheus.NewRegistry(),
	}
	opts := Options{
		Backend:  h.mock,
		Store:    h.store,
		Notifier: notify.Func(func(chat.Provider) { h.notified.Add(1) }),
		Log:      zaptest.NewLogger(t),
		Metrics:  NewMetrics(h.reg),
	}
	if configure != nil {
		configure(&opts)
	}
	h.c = New(opts)
	t.Cleanup(func() { h.c.Destroy() })
	return h
}

// connected returns a harness whose backend is connected and whose state
// knows the current user and channel C1 with read marker "100".
func connected(t *testing.T) *harness {
	t.Helper()
	h := newHarness(t, nil)
	if _, err := h.c.InitializeProvider(context.Background()); err != nil {
		t.Fatalf("InitializeProvider() error = %v", err)
	}
	h.c.state.SetChannels([]chat.Channel{{ID: "C1", Name: "general", Type: chat.ChannelTypeChannel, ReadTimestamp: "100"}})
	return h
}

// settle waits for background lookups and refreshes to finish.
func (h *harness) settle() {
	h.c.wg.Wait()
}

func (h *harness) channel(t *testing.T, id string) chat.Channel {
	t.Helper()
	ch, ok := h.c.Channel(id)
	if !ok {
		t.Fatalf("channel %s missing", id)
	}
	return ch
}

func msg(ts, user, text string) *chat.Message {
	return &chat.Message{Timestamp: ts, UserID: user, Text: text}
}

func metricValue(t *testing.T, reg *prometheus.Registry, name string, labels map[string]string) float64 {
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
	series:
		for _, m := range mf.GetMetric() {
			for _, lp := range m.GetLabel() {
				if want, ok := labels[lp.GetName()]; ok && want != lp.GetValue() {
					continue series
				}
			}
			total += m.GetCounter().GetValue() + m.GetGauge().GetValue()
		}
	}
	return total
}

func TestInitializeProvider(t *testing.T) {
	h := newHarness(t, nil)
	u, err := h.c.InitializeProvider(context.Background())
	if err != nil {
		t.Fatalf("InitializeProvider() error = %v", err)
	}
	if u.ID != "me" || u.Provider != chat.ProviderSlack {
		t.Errorf("InitializeProvider() = %+v", u)
	}
	if stored, _ := h.store.CurrentUser(chat.ProviderSlack); stored == nil || stored.ID != "me" {
		t.Errorf("current user not persisted: %+v", stored)
	}

	// A second call must not reconnect.
	h.mock.SetConnectError(errors.New("should not be called"))
	again, err := h.c.InitializeProvider(context.Background())
	if err != nil || again.ID != "me" {
		t.Errorf("second InitializeProvider() = %+v, %v", again, err)
	}
}

func TestInitializeProvider_AuthError(t *testing.T) {
	h := newHarness(t, nil)
	h.mock.SetConnectError(&chat.AuthenticationError{Provider: chat.ProviderSlack, Err: errors.New("invalid_auth")})

	_, err := h.c.InitializeProvider(context.Background())
	if !chat.IsAuthError(err) {
		t.Fatalf("InitializeProvider() error = %v, want auth error", err)
	}
	if h.c.CurrentUser() != nil {
		t.Error("current user set after failed connect")
	}
}

func TestInitializeState_ColdStart(t *testing.T) {
	h := newHarness(t, nil)
	h.mock.SetUsers(chat.User{ID: "u1", Name: "ann"})
	h.mock.SetChannels(chat.Channel{ID: "C1", Name: "general"})
	h.mock.SetPreferences(chat.UserPreferences{MutedChannels: []string{"C1"}})
	ctx := context.Background()
	h.c.InitializeProvider(ctx)

	if err := h.c.InitializeState(ctx); err != nil {
		t.Fatalf("InitializeState() error = %v", err)
	}
	if _, ok := h.c.Users()["u1"]; !ok {
		t.Error("users not loaded")
	}
	if len(h.c.Channels()) != 1 {
		t.Errorf("channels = %v", h.c.Channels())
	}
	if !h.c.Preferences().IsMuted("C1") {
		t.Error("preferences not loaded")
	}
	if users, _ := h.store.Users(chat.ProviderSlack); len(users) != 1 {
		t.Errorf("persisted users = %v", users)
	}

	// Fresh data: a second call does not refetch.
	if err := h.c.InitializeState(ctx); err != nil {
		t.Fatal(err)
	}
	h.settle()
	if h.mock.FetchUsersCalls() != 1 || h.mock.FetchChannelsCalls() != 1 {
		t.Errorf("fetch calls = %d users, %d channels; want 1, 1", h.mock.FetchUsersCalls(), h.mock.FetchChannelsCalls())
	}
}

func TestInitializeState_ColdStartError(t *testing.T) {
	h := newHarness(t, nil)
	h.mock.SetUsersError(errors.New("rate_limited"))
	h.c.InitializeProvider(context.Background())

	if err := h.c.InitializeState(context.Background()); err == nil {
		t.Fatal("expected error")
	}
	if h.mock.FetchChannelsCalls() != 0 {
		t.Error("channels fetched after users failed")
	}
}

func TestInitializeState_WarmStaleRefreshesInBackground(t *testing.T) {
	now := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	h := newHarness(t, func(o *Options) {
		mem := store.NewMemory()
		mem.UpdateUsers(chat.ProviderSlack, map[string]chat.User{"u1": {ID: "u1"}})
		mem.UpdateChannels(chat.ProviderSlack, []chat.Channel{{ID: "C9", Name: "cached"}})
		o.Store = mem
		o.Now = func() time.Time { return now }
	})
	h.mock.SetUsers(chat.User{ID: "u1"}, chat.User{ID: "u2"})
	ctx := context.Background()
	h.c.InitializeProvider(ctx)

	if err := h.c.InitializeState(ctx); err != nil {
		t.Fatalf("InitializeState() error = %v", err)
	}
	h.settle()

	if h.mock.FetchUsersCalls() != 1 {
		t.Errorf("FetchUsersCalls() = %d, want 1", h.mock.FetchUsersCalls())
	}
	if _, ok := h.c.Users()["u2"]; !ok {
		t.Error("background refresh did not merge users")
	}
	// The backend returned no channels, so the cached list survives.
	if chs := h.c.Channels(); len(chs) != 1 || chs[0].ID != "C9" {
		t.Errorf("channels = %v, want cached C9", chs)
	}
	if got := metricValue(t, h.reg, "chatsync_state_refreshes_total", map[string]string{"mode": "stale"}); got != 1 {
		t.Errorf("stale refreshes = %v, want 1", got)
	}

	if err := h.c.InitializeState(ctx); err != nil {
		t.Fatal(err)
	}
	h.settle()
	if h.mock.FetchUsersCalls() != 1 {
		t.Errorf("fresh state refetched: %d calls", h.mock.FetchUsersCalls())
	}
}

func TestNew_LoadsCache(t *testing.T) {
	mem := store.NewMemory()
	mem.UpdateCurrentUser(chat.ProviderSlack, &chat.CurrentUser{ID: "me"})
	mem.UpdateLastChannelID(chat.ProviderSlack, "C7")

	h := newHarness(t, func(o *Options) { o.Store = mem })
	if u := h.c.CurrentUser(); u == nil || u.ID != "me" {
		t.Errorf("CurrentUser() = %+v", u)
	}
	if got := h.c.LastChannelID(); got != "C7" {
		t.Errorf("LastChannelID() = %q, want C7", got)
	}

	h.c.SetLastChannel("C8")
	if got, _ := mem.LastChannelID(chat.ProviderSlack); got != "C8" {
		t.Errorf("persisted last channel = %q, want C8", got)
	}
}

func TestUpdateMessages_ScenarioA(t *testing.T) {
	h := connected(t)
	h.c.UpdateMessages("C1", chat.MessagePatch{"90": msg("90", "u2", "old"), "110": msg("110", "u2", "new")})
	h.settle()

	if got := h.c.GetUnreadCount(h.channel(t, "C1")); got != 1 {
		t.Errorf("GetUnreadCount() = %d, want 1", got)
	}
}

func TestUpdateMessages_ScenarioB(t *testing.T) {
	h := connected(t)
	h.c.UpdateMessages("C1", chat.MessagePatch{"90": msg("90", "u2", "old"), "110": msg("110", "u2", "new")})
	h.c.UpdateMessages("C1", chat.Tombstone("110"))
	h.settle()

	if got := h.c.GetUnreadCount(h.channel(t, "C1")); got != 0 {
		t.Errorf("GetUnreadCount() = %d, want 0", got)
	}
	if _, ok := h.c.Messages("C1")["110"]; ok {
		t.Error("message 110 still present")
	}
}

func TestUpdateMessages_AlwaysNotifies(t *testing.T) {
	h := connected(t)
	before := h.notified.Load()
	h.c.UpdateMessages("C1", chat.Tombstone("nothing-here"))
	if h.notified.Load() != before+1 {
		t.Errorf("notifications = %d, want %d", h.notified.Load(), before+1)
	}
}

func TestUpdateMessages_BackfillsUsers(t *testing.T) {
	h := connected(t)
	h.mock.AddDirectoryUser(chat.User{ID: "u2", Name: "bo"})
	h.mock.AddDirectoryUser(chat.User{ID: "u4", Name: "di"})
	h.c.state.SetUsers(map[string]chat.User{"u1": {ID: "u1"}})

	parent := msg("1", "u1", "parent")
	parent.Replies = map[string]chat.Reply{"5": {UserID: "u4", Timestamp: "5"}}
	h.c.UpdateMessages("C1", chat.MessagePatch{"1": parent, "2": msg("2", "u2", "x"), "3": msg("3", "u3", "y")})
	h.settle()

	users := h.c.Users()
	for _, id := range []string{"u1", "u2", "u4"} {
		if _, ok := users[id]; !ok {
			t.Errorf("user %s missing after backfill", id)
		}
	}
	if !h.c.state.Unresolvable("u3") {
		t.Error("u3 should be remembered as unresolvable")
	}
	// Known users are never refetched.
	if got, want := h.mock.GetUserInfoRequests(), []string{"u2", "u3", "u4"}; !reflect.DeepEqual(got, want) {
		t.Errorf("lookups = %v, want %v", got, want)
	}
}

func TestUpdateMessages_ScenarioE(t *testing.T) {
	h := connected(t)
	h.c.state.SetUsers(map[string]chat.User{"u1": {ID: "u1"}})
	before := h.c.Users()

	h.c.UpdateMessages("C1", chat.MessagePatch{"1": msg("1", "B0BOT", "beep")})
	h.settle()
	h.c.UpdateMessages("C1", chat.MessagePatch{"2": msg("2", "B0BOT", "boop")})
	h.settle()

	if got := h.mock.GetUserInfoRequests(); !reflect.DeepEqual(got, []string{"B0BOT"}) {
		t.Errorf("lookups = %v, want exactly one for B0BOT", got)
	}
	if !reflect.DeepEqual(h.c.Users(), before) {
		t.Errorf("user table changed: %v", h.c.Users())
	}
	if got := metricValue(t, h.reg, "chatsync_user_lookups_total", map[string]string{"result": "not_found"}); got != 1 {
		t.Errorf("not_found lookups = %v, want 1", got)
	}
}

func TestUpdateMessages_FailedLookupRetried(t *testing.T) {
	h := connected(t)
	h.mock.SetUserInfoError("u5", errors.New("timeout"))

	h.c.UpdateMessages("C1", chat.MessagePatch{"1": msg("1", "u5", "x")})
	h.settle()
	h.c.UpdateMessages("C1", chat.MessagePatch{"2": msg("2", "u5", "y")})
	h.settle()

	if got := h.mock.GetUserInfoRequests(); len(got) != 2 {
		t.Errorf("lookups = %v, want two attempts", got)
	}
}

func TestFillUpUsers_Disconnected(t *testing.T) {
	h := newHarness(t, nil)
	h.c.FillUpUsers(context.Background(), []string{"u1"})
	if len(h.mock.GetUserInfoRequests()) != 0 {
		t.Error("lookup issued while disconnected")
	}
	h.mock.AddDirectoryUser(chat.User{ID: "u1"})
	h.c.InitializeProvider(context.Background())
	h.c.FillUpUsers(context.Background(), []string{"u1"})
	if _, ok := h.c.Users()["u1"]; !ok {
		t.Error("released id was not retried after connecting")
	}
}

func TestReactions_ScenarioD(t *testing.T) {
	h := connected(t)
	h.c.UpdateMessages("ch", chat.MessagePatch{"ts": msg("ts", "u1", "x")})

	h.c.AddReaction("ch", "ts", "u2", ":smile:")
	h.c.AddReaction("ch", "ts", "u3", ":smile:")
	got := h.c.Messages("ch")["ts"].Reactions
	want := []chat.Reaction{{Name: ":smile:", Count: 2, UserIDs: []string{"u2", "u3"}}}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("reactions = %+v, want %+v", got, want)
	}

	h.c.RemoveReaction("ch", "ts", "u2", ":smile:")
	got = h.c.Messages("ch")["ts"].Reactions
	want = []chat.Reaction{{Name: ":smile:", Count: 1, UserIDs: []string{"u3"}}}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("reactions = %+v, want %+v", got, want)
	}
}

func TestAddReaction_MissingMessageNoop(t *testing.T) {
	h := connected(t)
	before := h.notified.Load()
	h.c.AddReaction("C1", "404", "u2", "+1")
	if h.notified.Load() != before {
		t.Error("no-op reaction notified observers")
	}
}

func TestUpdateMessageReply(t *testing.T) {
	h := connected(t)
	h.mock.AddDirectoryUser(chat.User{ID: "u9", Name: "replier"})

	h.c.UpdateMessageReply("1", "C1", chat.Reply{UserID: "u9", Timestamp: "2", Text: "orphan"})
	if len(h.c.Messages("C1")) != 0 {
		t.Fatal("reply without parent created a message")
	}

	h.c.UpdateMessages("C1", chat.MessagePatch{"1": msg("1", "me", "parent")})
	h.c.UpdateMessageReply("1", "C1", chat.Reply{UserID: "u9", Timestamp: "2", Text: "hi"})
	h.settle()

	parent := h.c.Messages("C1")["1"]
	if len(parent.Replies) != 1 || parent.Replies["2"].Text != "hi" {
		t.Errorf("parent replies = %+v", parent.Replies)
	}
	if _, ok := h.c.Users()["u9"]; !ok {
		t.Error("reply author not filled in")
	}
}

func TestConcurrentMutationsOnOneChannel(t *testing.T) {
	h := connected(t)
	h.c.UpdateMessages("C1", chat.MessagePatch{"1": msg("1", "me", "parent")})

	const workers = 20
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		i := i
		user := fmt.Sprintf("u%d", i)
		wg.Add(3)
		go func() {
			defer wg.Done()
			h.c.AddReaction("C1", "1", user, "+1")
		}()
		go func() {
			defer wg.Done()
			h.c.UpdateMessageReply("1", "C1", chat.Reply{UserID: user, Timestamp: fmt.Sprintf("2.%03d", i), Text: "reply"})
		}()
		go func() {
			defer wg.Done()
			ts := fmt.Sprintf("3.%03d", i)
			h.c.UpdateMessages("C1", chat.MessagePatch{ts: msg(ts, user, "side")})
		}()
	}
	wg.Wait()
	h.settle()

	messages := h.c.Messages("C1")
	if len(messages) != workers+1 {
		t.Errorf("messages = %d, want %d", len(messages), workers+1)
	}
	parent := messages["1"]
	if len(parent.Replies) != workers {
		t.Errorf("replies = %d, want %d", len(parent.Replies), workers)
	}
	if len(parent.Reactions) != 1 {
		t.Fatalf("reactions = %+v, want one +1 reaction", parent.Reactions)
	}
	r := parent.Reactions[0]
	if r.Count != len(r.UserIDs) || r.Count != workers {
		t.Errorf("reaction count = %d with %d users, want %d", r.Count, len(r.UserIDs), workers)
	}
}

func TestFetchThreadReplies_KeepsConcurrentReaction(t *testing.T) {
	h := connected(t)
	ctx := context.Background()
	h.c.UpdateMessages("C1", chat.MessagePatch{"1": msg("1", "me", "parent")})
	h.c.AddReaction("C1", "1", "me", "eyes")
	h.mock.SetThread("C1", chat.Message{
		Timestamp: "1",
		UserID:    "me",
		Replies:   map[string]chat.Reply{"2": {UserID: "me", Timestamp: "2", Text: "reply"}},
	})

	if err := h.c.FetchThreadReplies(ctx, "C1", "1"); err != nil {
		t.Fatal(err)
	}
	h.settle()

	parent := h.c.Messages("C1")["1"]
	if len(parent.Reactions) != 1 || parent.Reactions[0].Name != "eyes" {
		t.Errorf("reactions = %+v, want eyes kept", parent.Reactions)
	}
	if len(parent.Replies) != 1 {
		t.Errorf("replies = %+v", parent.Replies)
	}
}

func TestSendMessage(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, nil)
	if err := h.c.SendMessage(ctx, "hello", "C1", ""); err != nil {
		t.Fatalf("SendMessage() unauthenticated error = %v", err)
	}
	if len(h.mock.GetSentMessages()) != 0 {
		t.Fatal("message sent without a current user")
	}

	h.c.InitializeProvider(ctx)
	h.c.SendMessage(ctx, "hello", "C1", "")
	h.c.SendMessage(ctx, "in thread", "C1", "1700000000.000100")

	want := []provider.SentMessage{
		{Text: "hello", UserID: "me", ChannelID: "C1"},
		{Text: "in thread", UserID: "me", ChannelID: "C1", ParentTs: "1700000000.000100"},
	}
	if got := h.mock.GetSentMessages(); !reflect.DeepEqual(got, want) {
		t.Errorf("sent = %+v, want %+v", got, want)
	}

	h.mock.SetSendError(errors.New("channel_not_found"))
	if err := h.c.SendMessage(ctx, "x", "C1", ""); err == nil {
		t.Error("expected send error")
	}
}

func TestUpdateReadMarker_AdvancesByOne(t *testing.T) {
	h := connected(t)
	ctx := context.Background()
	h.c.UpdateMessages("C1", chat.MessagePatch{"90": msg("90", "u2", "a"), "110": msg("110", "u2", "b")})

	if err := h.c.UpdateReadMarker(ctx, "C1"); err != nil {
		t.Fatalf("UpdateReadMarker() error = %v", err)
	}
	if got, want := h.mock.GetMarks(), []provider.Mark{{ChannelID: "C1", Timestamp: "111"}}; !reflect.DeepEqual(got, want) {
		t.Errorf("marks = %+v, want %+v", got, want)
	}
	if ch := h.channel(t, "C1"); ch.ReadTimestamp != "111" {
		t.Errorf("ReadTimestamp = %q, want 111", ch.ReadTimestamp)
	}
	if got := h.c.GetUnreadCount(h.channel(t, "C1")); got != 0 {
		t.Errorf("unread after marking = %d, want 0", got)
	}

	h.c.UpdateReadMarker(ctx, "C1")
	if len(h.mock.GetMarks()) != 1 {
		t.Errorf("marked again without newer messages: %+v", h.mock.GetMarks())
	}
}

func TestUpdateReadMarker_BackendNormalizes(t *testing.T) {
	mock := provider.NewMockBackend(chat.ProviderDiscord)
	c := New(Options{Backend: provider.LocalMarkerMock{MockBackend: mock}, Log: zaptest.NewLogger(t)})
	defer c.Destroy()
	ctx := context.Background()
	c.InitializeProvider(ctx)
	c.state.SetChannels([]chat.Channel{{ID: "C1"}})
	c.UpdateMessages("C1", chat.MessagePatch{"1189412359981568000": msg("1189412359981568000", "u2", "x")})

	if err := c.UpdateReadMarker(ctx, "C1"); err != nil {
		t.Fatal(err)
	}
	if got := mock.GetMarks(); len(got) != 1 || got[0].Timestamp != "1189412359981568000" {
		t.Errorf("marks = %+v, want the message id unchanged", got)
	}
}

func TestUpdateReadMarker_FailureKeepsState(t *testing.T) {
	h := connected(t)
	h.c.UpdateMessages("C1", chat.MessagePatch{"110": msg("110", "u2", "b")})
	h.mock.SetMarkError(errors.New("not_in_channel"))

	if err := h.c.UpdateReadMarker(context.Background(), "C1"); err == nil {
		t.Fatal("expected error")
	}
	if ch := h.channel(t, "C1"); ch.ReadTimestamp != "100" {
		t.Errorf("ReadTimestamp = %q, want unchanged 100", ch.ReadTimestamp)
	}
}

func TestUpdateReadMarker_UnknownChannelNoop(t *testing.T) {
	h := connected(t)
	if err := h.c.UpdateReadMarker(context.Background(), "nope"); err != nil {
		t.Errorf("UpdateReadMarker() error = %v", err)
	}
	if len(h.mock.GetMarks()) != 0 {
		t.Error("marked an unknown channel")
	}
}

func TestGetUnreadCount_NoCurrentUser(t *testing.T) {
	h := newHarness(t, nil)
	if got := h.c.GetUnreadCount(chat.Channel{ID: "C1", UnreadCount: 4}); got != 0 {
		t.Errorf("GetUnreadCount() = %d, want 0", got)
	}
}

func TestGetUnreadCount_Muted(t *testing.T) {
	h := connected(t)
	h.mock.SetPreferences(chat.UserPreferences{MutedChannels: []string{"C1"}})
	if err := h.c.LoadUserPreferences(context.Background()); err != nil {
		t.Fatal(err)
	}
	h.c.UpdateMessages("C1", chat.MessagePatch{"110": msg("110", "u2", "x"), "120": msg("120", "u3", "y")})

	if got := h.c.GetUnreadCount(h.channel(t, "C1")); got != 0 {
		t.Errorf("muted GetUnreadCount() = %d, want 0", got)
	}
}

func TestFetchUnreadCounts_IsolatesFailures(t *testing.T) {
	h := connected(t)
	h.c.state.SetChannels([]chat.Channel{{ID: "C1"}, {ID: "C2"}, {ID: "C3", UnreadCount: 2}})
	h.mock.SetChannelInfoError("C1", errors.New("boom"))
	h.mock.SetChannelInfo(chat.Channel{ID: "C2", UnreadCount: 3, ReadTimestamp: "5"})
	h.mock.SetChannelInfo(chat.Channel{ID: "C3", UnreadCount: 2})
	before := h.notified.Load()

	changed := h.c.FetchUnreadCounts(context.Background(), nil)

	if !reflect.DeepEqual(changed, []string{"C2"}) {
		t.Errorf("changed = %v, want [C2]", changed)
	}
	requested := h.mock.GetChannelInfoRequests()
	sort.Strings(requested)
	if !reflect.DeepEqual(requested, []string{"C1", "C2", "C3"}) {
		t.Errorf("requested = %v", requested)
	}
	if ch := h.channel(t, "C2"); ch.UnreadCount != 3 || ch.ReadTimestamp != "5" {
		t.Errorf("C2 = %+v", ch)
	}
	if h.notified.Load() != before+1 {
		t.Errorf("notifications = %d, want one", h.notified.Load()-before)
	}
	if got := metricValue(t, h.reg, "chatsync_unread_messages", nil); got != 5 {
		t.Errorf("unread gauge = %v, want 5", got)
	}

	if changed := h.c.FetchUnreadCounts(context.Background(), nil); len(changed) != 0 {
		t.Errorf("unchanged refetch reported %v", changed)
	}
}

func TestLoadChannelHistoryAndThread(t *testing.T) {
	h := connected(t)
	ctx := context.Background()
	h.mock.SetHistory("C1", chat.MessagePatch{"1": msg("1", "me", "parent"), "2": msg("2", "me", "other")})
	h.mock.SetThread("C1", chat.Message{
		Timestamp: "1",
		UserID:    "me",
		Replies:   map[string]chat.Reply{"3": {UserID: "me", Timestamp: "3", Text: "reply"}},
	})

	if err := h.c.LoadChannelHistory(ctx, "C1"); err != nil {
		t.Fatal(err)
	}
	if len(h.c.Messages("C1")) != 2 {
		t.Fatalf("messages = %v", h.c.Messages("C1"))
	}
	if err := h.c.FetchThreadReplies(ctx, "C1", "1"); err != nil {
		t.Fatal(err)
	}
	parent := h.c.Messages("C1")["1"]
	if parent.Text != "parent" || len(parent.Replies) != 1 {
		t.Errorf("parent = %+v", parent)
	}
	if err := h.c.FetchThreadReplies(ctx, "C1", "2"); !errors.Is(err, chat.ErrNotFound) {
		t.Errorf("FetchThreadReplies() missing thread error = %v", err)
	}
}

func TestCreateIMChannel(t *testing.T) {
	h := connected(t)
	ch, err := h.c.CreateIMChannel(context.Background(), chat.User{ID: "u2", Name: "bo"})
	if err != nil {
		t.Fatal(err)
	}
	if ch.ID != "Du2" {
		t.Errorf("CreateIMChannel() = %+v", ch)
	}
	if _, ok := h.c.Channel("Du2"); !ok {
		t.Error("IM channel not added")
	}
	if stored, _ := h.store.Channels(chat.ProviderSlack); len(stored) != 2 {
		t.Errorf("persisted channels = %v", stored)
	}
}

func TestUpdateSelfPresence(t *testing.T) {
	h := connected(t)
	h.c.state.SetUsers(map[string]chat.User{"me": {ID: "me", Presence: chat.PresenceAvailable}})

	got, err := h.c.UpdateSelfPresence(context.Background(), chat.PresenceDoNotDisturb, 30)
	if err != nil || got != chat.PresenceDoNotDisturb {
		t.Fatalf("UpdateSelfPresence() = %v, %v", got, err)
	}
	if u := h.c.Users()["me"]; u.Presence != chat.PresenceDoNotDisturb {
		t.Errorf("own presence = %v", u.Presence)
	}
}

func TestSubscribePresence(t *testing.T) {
	h := connected(t)
	h.c.state.SetUsers(map[string]chat.User{"u1": {ID: "u1"}, "u2": {ID: "u2"}})
	if err := h.c.SubscribePresence(context.Background()); err != nil {
		t.Fatal(err)
	}
	got := h.mock.GetSubscribed()
	sort.Strings(got)
	if !reflect.DeepEqual(got, []string{"u1", "u2"}) {
		t.Errorf("subscribed = %v", got)
	}
}

func TestHandleEvent(t *testing.T) {
	h := connected(t)
	h.c.state.SetUsers(map[string]chat.User{"u2": {ID: "u2", Presence: chat.PresenceAvailable}})

	h.c.handleEvent(provider.Event{Kind: provider.EventMessages, ChannelID: "C1", Messages: chat.MessagePatch{"110": msg("110", "u2", "x")}})
	h.c.handleEvent(provider.Event{Kind: provider.EventReactionAdded, ChannelID: "C1", Timestamp: "110", UserID: "u2", Reaction: "tada"})
	h.c.handleEvent(provider.Event{Kind: provider.EventThreadReply, ChannelID: "C1", Timestamp: "110", Reply: chat.Reply{UserID: "u2", Timestamp: "111"}})
	h.c.handleEvent(provider.Event{Kind: provider.EventPresence, UserID: "u2", Presence: chat.PresenceIdle})
	h.c.handleEvent(provider.Event{Kind: provider.EventChannel, Channel: chat.Channel{ID: "C2", Name: "random"}})
	h.c.handleEvent(provider.Event{Kind: provider.EventUsers, Users: []chat.User{{ID: "u3", Name: "new"}}})
	h.settle()

	m := h.c.Messages("C1")["110"]
	if len(m.Reactions) != 1 || len(m.Replies) != 1 {
		t.Errorf("message = %+v", m)
	}
	if h.c.Users()["u2"].Presence != chat.PresenceIdle {
		t.Error("presence not applied")
	}
	if _, ok := h.c.Channel("C2"); !ok {
		t.Error("channel event not applied")
	}
	if _, ok := h.c.Users()["u3"]; !ok {
		t.Error("users event not applied")
	}

	h.c.handleEvent(provider.Event{Kind: provider.EventReactionRemoved, ChannelID: "C1", Timestamp: "110", UserID: "u2", Reaction: "tada"})
	if len(h.c.Messages("C1")["110"].Reactions) != 0 {
		t.Error("reaction not removed")
	}
	if got := metricValue(t, h.reg, "chatsync_events_total", map[string]string{"kind": "messages"}); got != 1 {
		t.Errorf("message events = %v, want 1", got)
	}
}

func TestRun_StopsWhenEventsClose(t *testing.T) {
	h := connected(t)
	done := make(chan struct{})
	go func() {
		h.c.Run(context.Background())
		close(done)
	}()

	h.mock.SimulateEvent(provider.Event{Kind: provider.EventMessages, ChannelID: "C1", Messages: chat.MessagePatch{"120": msg("120", "me", "x")}})
	h.c.Destroy()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after Destroy")
	}
	if !h.mock.WasDestroyed() {
		t.Error("backend not destroyed")
	}
}

func TestDisconnectedIsNoop(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	if err := h.c.LoadChannelHistory(ctx, "C1"); err != nil {
		t.Errorf("LoadChannelHistory() error = %v", err)
	}
	if err := h.c.InitializeState(ctx); err != nil {
		t.Errorf("InitializeState() error = %v", err)
	}
	if changed := h.c.FetchUnreadCounts(ctx, nil); changed != nil {
		t.Errorf("FetchUnreadCounts() = %v", changed)
	}
	if ch, err := h.c.CreateIMChannel(ctx, chat.User{ID: "u1"}); ch != nil || err != nil {
		t.Errorf("CreateIMChannel() = %v, %v", ch, err)
	}
	if h.mock.FetchUsersCalls() != 0 {
		t.Error("network call issued while disconnected")
	}
}

func TestClearCache(t *testing.T) {
	h := connected(t)
	h.c.SetLastChannel("C1")
	h.c.ClearCache()

	if h.c.CurrentUser() != nil || len(h.c.Channels()) != 0 {
		t.Error("state survived ClearCache")
	}
	if id, _ := h.store.LastChannelID(chat.ProviderSlack); id != "" {
		t.Errorf("persisted last channel = %q after ClearCache", id)
	}
}

func TestDestroy_Idempotent(t *testing.T) {
	h := connected(t)
	if err := h.c.Destroy(); err != nil {
		t.Fatal(err)
	}
	if err := h.c.Destroy(); err != nil {
		t.Errorf("second Destroy() error = %v", err)
	}
	// Work after Destroy must not spawn lookups.
	h.c.UpdateMessages("C1", chat.MessagePatch{"1": msg("1", "u7", "late")})
	h.settle()
	if len(h.mock.GetUserInfoRequests()) != 0 {
		t.Error("lookup issued after Destroy")
	}
}

func TestChannelLabels(t *testing.T) {
	h := connected(t)
	h.c.state.SetChannels([]chat.Channel{
		{ID: "C1", Name: "general", Type: chat.ChannelTypeChannel, UnreadCount: 2},
		{ID: "D1", Name: "bo", Type: chat.ChannelTypeIM},
		{ID: "G1", Name: "ops", Type: chat.ChannelTypeGroup},
		{ID: "C2", Name: "lobby", Type: chat.ChannelTypeChannel, CategoryName: "text"},
	})

	var got []string
	for _, l := range h.c.ChannelLabels() {
		got = append(got, l.Label)
		if l.Provider != chat.ProviderSlack {
			t.Errorf("label %q provider = %q", l.Label, l.Provider)
		}
		if l.Channel.ID == "C1" && l.Unread != 2 {
			t.Errorf("C1 unread = %d, want 2", l.Unread)
		}
	}
	want := []string{"#general", "@bo", "text/#lobby", "~ops"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("ChannelLabels() = %v, want %v", got, want)
	}
}
