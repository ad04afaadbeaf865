// Package coordinator keeps one backend's local state consistent with the
// backend and signals observers after every visible change.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/chatsync/chatsync/internal/chat"
	"github.com/chatsync/chatsync/internal/notify"
	"github.com/chatsync/chatsync/internal/provider"
	"github.com/chatsync/chatsync/internal/ratelimit"
	"github.com/chatsync/chatsync/internal/state"
	"github.com/chatsync/chatsync/internal/store"
)

const (
	DefaultStaleAfter        = 15 * time.Minute
	DefaultUnreadConcurrency = 8
)

type Options struct {
	Backend  provider.Backend
	Store    store.Store
	Notifier notify.Notifier
	Log      *zap.Logger
	Metrics  *Metrics
	// Limiter throttles single-user lookups, keyed by backend kind
	Limiter           *ratelimit.Limiter
	StaleAfter        time.Duration
	UnreadConcurrency int
	Now               func() time.Time
}

// Coordinator orchestrates one State against its Backend. Every method is
// safe to call while the backend is disconnected; network work then
// degrades to a no-op.
type Coordinator struct {
	kind        chat.Provider
	backend     provider.Backend
	state       *state.State
	store       store.Store
	notifier    notify.Notifier
	log         *zap.Logger
	metrics     *Metrics
	limiter     *ratelimit.Limiter
	staleAfter  time.Duration
	concurrency int
	now         func() time.Time

	ctx        context.Context
	cancel     context.CancelFunc
	refreshing atomic.Bool

	mu      sync.Mutex
	wg      sync.WaitGroup
	stopped bool
}

// New creates a coordinator and seeds its state from the durable cache.
func New(opts Options) *Coordinator {
	log := opts.Log
	if log == nil {
		log = zap.NewNop()
	}
	st := opts.Store
	if st == nil {
		st = store.Nop{}
	}
	n := opts.Notifier
	if n == nil {
		n = notify.Nop
	}
	staleAfter := opts.StaleAfter
	if staleAfter <= 0 {
		staleAfter = DefaultStaleAfter
	}
	concurrency := opts.UnreadConcurrency
	if concurrency <= 0 {
		concurrency = DefaultUnreadConcurrency
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}

	kind := opts.Backend.Kind()
	ctx, cancel := context.WithCancel(context.Background())
	c := &Coordinator{
		kind:        kind,
		backend:     opts.Backend,
		state:       state.New(kind),
		store:       st,
		notifier:    n,
		log:         log.With(zap.String("provider", string(kind))),
		metrics:     opts.Metrics,
		limiter:     opts.Limiter,
		staleAfter:  staleAfter,
		concurrency: concurrency,
		now:         now,
		ctx:         ctx,
		cancel:      cancel,
	}
	c.loadCache()
	return c
}

func (c *Coordinator) Kind() chat.Provider {
	return c.kind
}

func (c *Coordinator) loadCache() {
	if users, err := c.store.Users(c.kind); err != nil {
		c.log.Warn("load cached users", zap.Error(err))
	} else if len(users) > 0 {
		c.state.SetUsers(users)
	}
	if channels, err := c.store.Channels(c.kind); err != nil {
		c.log.Warn("load cached channels", zap.Error(err))
	} else if len(channels) > 0 {
		c.state.SetChannels(channels)
	}
	if u, err := c.store.CurrentUser(c.kind); err != nil {
		c.log.Warn("load cached current user", zap.Error(err))
	} else if u != nil {
		c.state.SetCurrentUser(u)
	}
	if id, err := c.store.LastChannelID(c.kind); err != nil {
		c.log.Warn("load last channel", zap.Error(err))
	} else {
		c.state.SetLastChannelID(id)
	}
}

// InitializeProvider connects the backend unless it already is, and
// returns the current user.
func (c *Coordinator) InitializeProvider(ctx context.Context) (*chat.CurrentUser, error) {
	if c.backend.IsConnected() {
		if u := c.state.CurrentUser(); u != nil {
			return u, nil
		}
	}

	u, err := c.backend.Connect(ctx)
	c.metrics.RecordCall(c.kind, "connect", err)
	if err != nil {
		if chat.IsAuthError(err) {
			c.log.Warn("backend rejected credentials", zap.Error(err))
		} else {
			c.log.Warn("backend connect failed", zap.Error(err))
		}
		return nil, err
	}
	if u.Provider == "" {
		u.Provider = c.kind
	}
	c.state.SetCurrentUser(u)
	if err := c.store.UpdateCurrentUser(c.kind, u); err != nil {
		c.log.Warn("persist current user", zap.Error(err))
	}
	c.log.Info("backend connected", zap.String("user", u.ID))
	c.notify()
	return c.state.CurrentUser(), nil
}

// InitializeState performs a blocking users-then-channels fetch on a cold
// start. On a warm start it only schedules a background refresh, and only
// when the last fetch is older than the staleness window.
func (c *Coordinator) InitializeState(ctx context.Context) error {
	if !c.state.HasUsers() {
		c.metrics.RecordRefresh(c.kind, "cold")
		return c.refresh(ctx)
	}
	if c.now().Sub(c.state.FetchedAt()) < c.staleAfter {
		return nil
	}
	if !c.refreshing.CompareAndSwap(false, true) {
		return nil
	}
	c.metrics.RecordRefresh(c.kind, "stale")
	started := c.background(func(ctx context.Context) {
		defer c.refreshing.Store(false)
		if err := c.refresh(ctx); err != nil {
			c.log.Warn("background refresh failed", zap.Error(err))
		}
	})
	if !started {
		c.refreshing.Store(false)
	}
	return nil
}

// refresh fetches users then channels; channel naming depends on the
// resolved users, so the two calls are sequential.
func (c *Coordinator) refresh(ctx context.Context) error {
	if !c.backend.IsConnected() {
		return nil
	}

	users, err := c.backend.FetchUsers(ctx)
	c.metrics.RecordCall(c.kind, "fetch_users", err)
	if err != nil {
		return fmt.Errorf("fetch users: %w", err)
	}
	c.state.SetUsers(users)
	c.persistUsers()

	channels, err := c.backend.FetchChannels(ctx, c.state.Users())
	c.metrics.RecordCall(c.kind, "fetch_channels", err)
	if err != nil {
		return fmt.Errorf("fetch channels: %w", err)
	}
	if len(channels) > 0 {
		c.state.SetChannels(channels)
		c.persistChannels()
	}
	c.state.MarkFetched(c.now())

	if err := c.LoadUserPreferences(ctx); err != nil {
		c.log.Debug("load preferences", zap.Error(err))
	}
	c.log.Info("state refreshed", zap.Int("users", len(users)), zap.Int("channels", len(channels)))
	c.notify()
	return nil
}

// UpdateMessages merges patch into the channel and schedules lookups for
// authors not yet known. It always notifies.
func (c *Coordinator) UpdateMessages(channelID string, patch chat.MessagePatch) {
	res := c.state.ApplyPatch(channelID, patch)
	c.metrics.RecordPatch(c.kind, res.Upserted, res.Removed)
	c.messagesChanged(channelID)
}

// messagesChanged schedules lookups for unknown authors in channelID and
// notifies. It never writes messages.
func (c *Coordinator) messagesChanged(channelID string) {
	if missing := c.state.ClaimMissingUsers(channelID); len(missing) > 0 {
		started := c.background(func(ctx context.Context) {
			c.resolveUsers(ctx, missing)
		})
		if !started {
			c.state.ResolveLookups(nil, nil, missing)
		}
	}
	c.notify()
}

// FillUpUsers looks up ids that are neither known nor already attempted.
// Ids the backend does not know are remembered and never retried; failed
// lookups may be retried on a later appearance.
func (c *Coordinator) FillUpUsers(ctx context.Context, ids []string) {
	if claimed := c.state.ClaimUsers(ids); len(claimed) > 0 {
		c.resolveUsers(ctx, claimed)
	}
}

func (c *Coordinator) resolveUsers(ctx context.Context, ids []string) {
	if !c.backend.IsConnected() {
		c.state.ResolveLookups(nil, nil, ids)
		return
	}

	var found []chat.User
	var notFound, failed []string
	for i, id := range ids {
		if err := c.limiter.Wait(ctx, string(c.kind)); err != nil {
			failed = append(failed, ids[i:]...)
			break
		}
		u, err := c.backend.FetchUserInfo(ctx, id)
		switch {
		case errors.Is(err, chat.ErrNotFound):
			notFound = append(notFound, id)
		case err != nil:
			c.log.Debug("user lookup failed", zap.String("user", id), zap.Error(err))
			failed = append(failed, id)
		case u == nil:
			notFound = append(notFound, id)
		default:
			found = append(found, *u)
		}
	}

	c.metrics.RecordLookups(c.kind, len(found), len(notFound), len(failed))
	if c.state.ResolveLookups(found, notFound, failed) > 0 {
		c.persistUsers()
		c.notify()
	}
}

// AddReaction is a no-op when the message is not loaded.
func (c *Coordinator) AddReaction(channelID, ts, userID, name string) {
	if !c.state.AddReaction(channelID, ts, userID, name) {
		c.log.Debug("reaction not applied", zap.String("channel", channelID), zap.String("ts", ts),
			zap.Error(chat.ErrStateInconsistency))
		return
	}
	c.notify()
}

func (c *Coordinator) RemoveReaction(channelID, ts, userID, name string) {
	if !c.state.RemoveReaction(channelID, ts, userID, name) {
		return
	}
	c.notify()
}

// UpdateMessageReply upserts reply under its parent in one state mutation,
// then fills in unknown reply authors.
func (c *Coordinator) UpdateMessageReply(parentTs, channelID string, reply chat.Reply) {
	if !c.state.UpsertReply(channelID, parentTs, reply) {
		c.log.Debug("reply parent not loaded", zap.String("channel", channelID), zap.String("parent", parentTs),
			zap.Error(chat.ErrStateInconsistency))
		return
	}
	c.messagesChanged(channelID)
}

// SendMessage posts text, as a thread reply when parentTs is set. Without
// an authenticated user or connection it does nothing.
func (c *Coordinator) SendMessage(ctx context.Context, text, channelID, parentTs string) error {
	u := c.state.CurrentUser()
	if u == nil || !c.backend.IsConnected() {
		return nil
	}

	var err error
	if parentTs != "" {
		err = c.backend.SendThreadReply(ctx, text, u.ID, channelID, parentTs)
		c.metrics.RecordCall(c.kind, "send_thread_reply", err)
	} else {
		err = c.backend.SendMessage(ctx, text, u.ID, channelID)
		c.metrics.RecordCall(c.kind, "send_message", err)
	}
	if err != nil {
		return fmt.Errorf("send to %s: %w", channelID, err)
	}
	return nil
}

// UpdateReadMarker marks the channel read up to its newest loaded message
// when that is past the stored marker.
func (c *Coordinator) UpdateReadMarker(ctx context.Context, channelID string) error {
	ch, ok := c.state.Channel(channelID)
	if !ok || !c.backend.IsConnected() {
		return nil
	}
	latest := c.state.LatestTimestamp(channelID)
	if latest == "" {
		return nil
	}
	if ch.ReadTimestamp != "" && chat.CompareTimestamps(latest, ch.ReadTimestamp) <= 0 {
		return nil
	}

	marker := provider.NormalizeReadMarker(c.backend, latest)
	updated, err := c.backend.MarkChannel(ctx, ch, marker)
	c.metrics.RecordCall(c.kind, "mark_channel", err)
	if err != nil {
		return fmt.Errorf("mark %s: %w", channelID, err)
	}
	if updated == nil {
		return nil
	}
	c.state.UpdateChannel(*updated)
	c.persistChannels()
	c.notify()
	return nil
}

func (c *Coordinator) GetUnreadCount(ch chat.Channel) int {
	return c.state.UnreadCount(ch)
}

// TotalUnread sums the unread count of every channel.
func (c *Coordinator) TotalUnread() int {
	total := 0
	for _, ch := range c.state.Channels() {
		total += c.state.UnreadCount(ch)
	}
	return total
}

// ChannelLabel is one entry of a channel listing.
type ChannelLabel struct {
	Provider chat.Provider
	Channel  chat.Channel
	Label    string
	Unread   int
}

// ChannelLabels lists every channel with its display label and unread
// count, ordered by label.
func (c *Coordinator) ChannelLabels() []ChannelLabel {
	channels := c.state.Channels()
	labels := make([]ChannelLabel, 0, len(channels))
	for _, ch := range channels {
		labels = append(labels, ChannelLabel{
			Provider: c.kind,
			Channel:  ch,
			Label:    channelLabel(ch),
			Unread:   c.state.UnreadCount(ch),
		})
	}
	sort.Slice(labels, func(i, j int) bool {
		return labels[i].Label < labels[j].Label
	})
	return labels
}

func channelLabel(ch chat.Channel) string {
	name := ch.Name
	if name == "" {
		name = ch.ID
	}
	switch ch.Type {
	case chat.ChannelTypeIM:
		name = "@" + name
	case chat.ChannelTypeGroup:
		name = "~" + name
	default:
		name = "#" + name
	}
	if ch.CategoryName != "" {
		return ch.CategoryName + "/" + name
	}
	return name
}

// FetchUnreadCounts refreshes the given channels (all when nil) in
// parallel. A failing channel does not affect the others. It returns the
// ids whose unread count changed.
func (c *Coordinator) FetchUnreadCounts(ctx context.Context, channels []chat.Channel) []string {
	if !c.backend.IsConnected() {
		return nil
	}
	if channels == nil {
		channels = c.state.Channels()
	}

	results := make([]*chat.Channel, len(channels))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.concurrency)
	for i, ch := range channels {
		i, ch := i, ch
		g.Go(func() error {
			info, err := c.backend.FetchChannelInfo(gctx, ch)
			c.metrics.RecordCall(c.kind, "fetch_channel_info", err)
			if err != nil {
				c.log.Debug("channel info failed", zap.String("channel", ch.ID), zap.Error(err))
				return nil
			}
			results[i] = info
			return nil
		})
	}
	_ = g.Wait()

	fetched := make([]chat.Channel, 0, len(results))
	for _, info := range results {
		if info != nil {
			fetched = append(fetched, *info)
		}
	}
	changed := c.state.UpdateUnreadCounts(fetched)
	if len(changed) > 0 {
		c.persistChannels()
		c.notify()
	}
	return changed
}

// LoadChannelHistory fetches the recent history of channelID and merges it.
func (c *Coordinator) LoadChannelHistory(ctx context.Context, channelID string) error {
	if !c.backend.IsConnected() {
		return nil
	}
	patch, err := c.backend.LoadChannelHistory(ctx, channelID)
	c.metrics.RecordCall(c.kind, "load_history", err)
	if err != nil {
		return fmt.Errorf("load history %s: %w", channelID, err)
	}
	c.UpdateMessages(channelID, patch)
	return nil
}

// FetchThreadReplies loads the replies of the message at parentTs.
func (c *Coordinator) FetchThreadReplies(ctx context.Context, channelID, parentTs string) error {
	if !c.backend.IsConnected() {
		return nil
	}
	parent, err := c.backend.FetchThreadReplies(ctx, channelID, parentTs)
	c.metrics.RecordCall(c.kind, "fetch_thread", err)
	if err != nil {
		return fmt.Errorf("fetch thread %s/%s: %w", channelID, parentTs, err)
	}
	if parent == nil {
		return nil
	}
	c.state.MergeThread(channelID, *parent)
	c.messagesChanged(channelID)
	return nil
}

// CreateIMChannel opens a direct conversation with user and adds it to the
// channel list.
func (c *Coordinator) CreateIMChannel(ctx context.Context, user chat.User) (*chat.Channel, error) {
	if !c.backend.IsConnected() {
		return nil, nil
	}
	ch, err := c.backend.CreateIMChannel(ctx, user)
	c.metrics.RecordCall(c.kind, "create_im", err)
	if err != nil {
		return nil, fmt.Errorf("open conversation with %s: %w", user.ID, err)
	}
	if ch == nil {
		return nil, nil
	}
	if ch.Name == "" {
		ch.Name = user.Name
	}
	if c.state.UpdateChannel(*ch) {
		c.persistChannels()
		c.notify()
	}
	return ch, nil
}

// UpdateSelfPresence sets the current user's presence and records what the
// backend settled on.
func (c *Coordinator) UpdateSelfPresence(ctx context.Context, presence chat.Presence, durationMinutes int) (chat.Presence, error) {
	u := c.state.CurrentUser()
	if u == nil || !c.backend.IsConnected() {
		return chat.PresenceUnknown, nil
	}
	got, err := c.backend.UpdateSelfPresence(ctx, presence, durationMinutes)
	c.metrics.RecordCall(c.kind, "update_presence", err)
	if err != nil {
		return chat.PresenceUnknown, fmt.Errorf("update presence: %w", err)
	}
	if c.state.UpdatePresence(u.ID, got) {
		c.notify()
	}
	return got, nil
}

// SubscribePresence asks the backend to push presence for every known user.
func (c *Coordinator) SubscribePresence(ctx context.Context) error {
	if !c.backend.IsConnected() {
		return nil
	}
	users := c.state.Users()
	list := make([]chat.User, 0, len(users))
	for _, u := range users {
		list = append(list, u)
	}
	err := c.backend.SubscribePresence(ctx, list)
	c.metrics.RecordCall(c.kind, "subscribe_presence", err)
	return err
}

// LoadUserPreferences refreshes the muted channel list.
func (c *Coordinator) LoadUserPreferences(ctx context.Context) error {
	if !c.backend.IsConnected() {
		return nil
	}
	prefs, err := c.backend.GetUserPreferences(ctx)
	c.metrics.RecordCall(c.kind, "get_preferences", err)
	if errors.Is(err, chat.ErrUnsupported) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("get preferences: %w", err)
	}
	if prefs != nil {
		c.state.SetPreferences(*prefs)
		c.notify()
	}
	return nil
}

// Run applies backend-pushed events until the backend closes its event
// channel or ctx is done.
func (c *Coordinator) Run(ctx context.Context) {
	events := c.backend.Events()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				c.log.Debug("backend event stream closed")
				return
			}
			c.handleEvent(ev)
		}
	}
}

func (c *Coordinator) handleEvent(ev provider.Event) {
	c.metrics.RecordEvent(c.kind, ev.Kind)

	switch ev.Kind {
	case provider.EventMessages:
		c.UpdateMessages(ev.ChannelID, ev.Messages)
	case provider.EventReactionAdded:
		c.AddReaction(ev.ChannelID, ev.Timestamp, ev.UserID, ev.Reaction)
	case provider.EventReactionRemoved:
		c.RemoveReaction(ev.ChannelID, ev.Timestamp, ev.UserID, ev.Reaction)
	case provider.EventThreadReply:
		c.UpdateMessageReply(ev.Timestamp, ev.ChannelID, ev.Reply)
	case provider.EventPresence:
		if c.state.UpdatePresence(ev.UserID, ev.Presence) {
			c.notify()
		}
	case provider.EventChannel:
		if c.state.UpdateChannel(ev.Channel) {
			c.persistChannels()
			c.notify()
		}
	case provider.EventUsers:
		if c.state.MergeUsers(ev.Users) > 0 {
			c.persistUsers()
			c.notify()
		}
	default:
		c.log.Debug("ignoring event", zap.Stringer("kind", ev.Kind))
	}
}

// Snapshot readers

func (c *Coordinator) CurrentUser() *chat.CurrentUser {
	return c.state.CurrentUser()
}

func (c *Coordinator) Users() map[string]chat.User {
	return c.state.Users()
}

func (c *Coordinator) Channels() []chat.Channel {
	return c.state.Channels()
}

func (c *Coordinator) Channel(id string) (chat.Channel, bool) {
	return c.state.Channel(id)
}

func (c *Coordinator) Messages(channelID string) map[string]chat.Message {
	return c.state.Messages(channelID)
}

func (c *Coordinator) Preferences() chat.UserPreferences {
	return c.state.Preferences()
}

func (c *Coordinator) LastChannelID() string {
	return c.state.LastChannelID()
}

// SetLastChannel remembers the selected channel across restarts.
func (c *Coordinator) SetLastChannel(channelID string) {
	c.state.SetLastChannelID(channelID)
	if err := c.store.UpdateLastChannelID(c.kind, channelID); err != nil {
		c.log.Warn("persist last channel", zap.Error(err))
	}
}

// ClearCache drops in-memory and persisted state, as when credentials are
// removed.
func (c *Coordinator) ClearCache() {
	c.state.Reset()
	if err := c.store.Clear(c.kind); err != nil {
		c.log.Warn("clear persisted state", zap.Error(err))
	}
	c.notify()
}

// Destroy stops background work and releases the backend. It is safe to
// call more than once.
func (c *Coordinator) Destroy() error {
	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		return nil
	}
	c.stopped = true
	c.mu.Unlock()

	c.cancel()
	c.wg.Wait()
	return c.backend.Destroy()
}

// background runs fn on the coordinator's context unless it is stopped.
func (c *Coordinator) background(fn func(ctx context.Context)) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stopped {
		return false
	}
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		fn(c.ctx)
	}()
	return true
}

func (c *Coordinator) notify() {
	c.metrics.SetUnread(c.kind, c.TotalUnread())
	c.notifier.Notify(c.kind)
}

func (c *Coordinator) persistUsers() {
	if err := c.store.UpdateUsers(c.kind, c.state.Users()); err != nil {
		c.log.Warn("persist users", zap.Error(err))
	}
}

func (c *Coordinator) persistChannels() {
	if err := c.store.UpdateChannels(c.kind, c.state.Channels()); err != nil {
		c.log.Warn("persist channels", zap.Error(err))
	}
}
