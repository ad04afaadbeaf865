// Package directory keeps one coordinator per enabled backend and routes
// calls to it by provider. Calls naming a provider that is not enabled are
// no-ops returning zero values.
package directory

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/chatsync/chatsync/internal/chat"
	"github.com/chatsync/chatsync/internal/coordinator"
	"github.com/chatsync/chatsync/internal/notify"
	"github.com/chatsync/chatsync/internal/provider"
	"github.com/chatsync/chatsync/internal/ratelimit"
	"github.com/chatsync/chatsync/internal/store"
)

// Factory creates the backend for p. token is empty for backends that do
// not use one.
type Factory func(p chat.Provider, token string) (provider.Backend, error)

type Options struct {
	Factory           Factory
	Store             store.Store
	Tokens            store.TokenStore
	Log               *zap.Logger
	Metrics           *coordinator.Metrics
	Limiter           *ratelimit.Limiter
	StaleAfter        time.Duration
	UnreadConcurrency int
}

type entry struct {
	c      *coordinator.Coordinator
	cancel context.CancelFunc
	done   chan struct{}
}

type Directory struct {
	opts   Options
	log    *zap.Logger
	events *notify.Broadcaster

	mu      sync.RWMutex
	entries map[chat.Provider]*entry
}

func New(opts Options) *Directory {
	if opts.Log == nil {
		opts.Log = zap.NewNop()
	}
	if opts.Store == nil {
		opts.Store = store.Nop{}
	}
	return &Directory{
		opts:    opts,
		log:     opts.Log,
		events:  notify.NewBroadcaster(),
		entries: make(map[chat.Provider]*entry),
	}
}

// Start migrates legacy tokens and enables every backend that has
// credentials, plus the relay when relayEnabled is set.
func (d *Directory) Start(ctx context.Context, relayEnabled bool) error {
	for _, p := range chat.Providers {
		if !p.MultiTeam() {
			continue
		}
		if team := d.currentTeam(p); team != "" {
			if _, err := d.MigrateLegacyToken(p, team); err != nil {
				d.log.Warn("token migration failed", zap.String("provider", string(p)), zap.Error(err))
			}
		}
	}
	return d.Sync(ctx, relayEnabled)
}

// Enabled reports which backends should be running: those with a stored
// token, and the relay when relayEnabled is set.
func (d *Directory) Enabled(relayEnabled bool) []chat.Provider {
	var out []chat.Provider
	for _, p := range chat.Providers {
		if p == chat.ProviderRelay {
			if relayEnabled {
				out = append(out, p)
			}
			continue
		}
		if d.token(p) != "" {
			out = append(out, p)
		}
	}
	return out
}

// Sync enables and disables backends to match Enabled. Backends come up
// in parallel; one failing does not stop the others.
func (d *Directory) Sync(ctx context.Context, relayEnabled bool) error {
	want := make(map[chat.Provider]bool)
	for _, p := range d.Enabled(relayEnabled) {
		want[p] = true
	}
	for _, p := range d.Providers() {
		if !want[p] {
			d.Disable(p)
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	for p := range want {
		p := p
		g.Go(func() error {
			if err := d.Enable(gctx, p); err != nil {
				d.log.Warn("backend not enabled", zap.String("provider", string(p)), zap.Error(err))
			}
			return nil
		})
	}
	return g.Wait()
}

// Enable creates, connects and loads the backend for p. A backend that
// fails to connect is torn down again and the error returned.
func (d *Directory) Enable(ctx context.Context, p chat.Provider) error {
	if !p.Valid() {
		return fmt.Errorf("unknown provider %q", p)
	}
	if d.opts.Factory == nil {
		return errors.New("no backend factory configured")
	}

	d.mu.Lock()
	if _, ok := d.entries[p]; ok {
		d.mu.Unlock()
		return nil
	}
	backend, err := d.opts.Factory(p, d.token(p))
	if err != nil {
		d.mu.Unlock()
		return fmt.Errorf("create %s backend: %w", p, err)
	}
	c := coordinator.New(coordinator.Options{
		Backend:           backend,
		Store:             d.opts.Store,
		Notifier:          d.events,
		Log:               d.log,
		Metrics:           d.opts.Metrics,
		Limiter:           d.opts.Limiter,
		StaleAfter:        d.opts.StaleAfter,
		UnreadConcurrency: d.opts.UnreadConcurrency,
	})
	runCtx, cancel := context.WithCancel(context.Background())
	e := &entry{c: c, cancel: cancel, done: make(chan struct{})}
	d.entries[p] = e
	d.mu.Unlock()

	go func() {
		defer close(e.done)
		c.Run(runCtx)
	}()
	d.log.Info("backend enabled", zap.String("provider", string(p)))
	d.events.Notify(p)

	if err := d.bringUp(ctx, p, c); err != nil {
		d.Disable(p)
		return err
	}
	return nil
}

func (d *Directory) bringUp(ctx context.Context, p chat.Provider, c *coordinator.Coordinator) error {
	u, err := c.InitializeProvider(ctx)
	if err != nil {
		return fmt.Errorf("connect %s: %w", p, err)
	}
	if u.CurrentTeamID != "" && p.MultiTeam() {
		if _, err := d.MigrateLegacyToken(p, u.CurrentTeamID); err != nil {
			d.log.Warn("token migration failed", zap.String("provider", string(p)), zap.Error(err))
		}
	}
	if err := c.InitializeState(ctx); err != nil {
		d.log.Warn("initial state load failed", zap.String("provider", string(p)), zap.Error(err))
	}
	if err := c.SubscribePresence(ctx); err != nil && !errors.Is(err, chat.ErrUnsupported) {
		d.log.Debug("presence subscription failed", zap.String("provider", string(p)), zap.Error(err))
	}
	c.FetchUnreadCounts(ctx, nil)
	return nil
}

// Disable tears down the backend for p. Its persisted cache is kept.
func (d *Directory) Disable(p chat.Provider) {
	d.mu.Lock()
	e, ok := d.entries[p]
	delete(d.entries, p)
	d.mu.Unlock()
	if !ok {
		return
	}

	if err := e.c.Destroy(); err != nil {
		d.log.Warn("backend destroy failed", zap.String("provider", string(p)), zap.Error(err))
	}
	e.cancel()
	<-e.done
	d.log.Info("backend disabled", zap.String("provider", string(p)))
	d.events.Notify(p)
}

// SignOut disables p and forgets its credentials and cached state.
func (d *Directory) SignOut(p chat.Provider) error {
	team := d.currentTeam(p)
	d.Disable(p)
	if d.opts.Tokens != nil {
		if team != "" {
			if err := d.opts.Tokens.Delete(store.TokenKey(p, team)); err != nil {
				return fmt.Errorf("delete %s token: %w", p, err)
			}
		}
		if err := d.opts.Tokens.Delete(string(p)); err != nil {
			return fmt.Errorf("delete %s token: %w", p, err)
		}
	}
	if err := d.opts.Store.Clear(p); err != nil {
		return fmt.Errorf("clear %s cache: %w", p, err)
	}
	return nil
}

// Stop disables every backend and closes subscriber channels.
func (d *Directory) Stop() {
	for _, p := range d.Providers() {
		d.Disable(p)
	}
	d.events.Close()
}

// MigrateLegacyToken moves a single pre-team token of p under the team
// scoped key. It only acts when the legacy key is present and the team key
// is not, so it runs at most once.
func (d *Directory) MigrateLegacyToken(p chat.Provider, teamID string) (bool, error) {
	tokens := d.opts.Tokens
	if tokens == nil || teamID == "" || !p.MultiTeam() {
		return false, nil
	}
	legacyKey, teamKey := string(p), store.TokenKey(p, teamID)

	legacy, err := tokens.Get(legacyKey)
	if err != nil {
		return false, fmt.Errorf("read legacy token: %w", err)
	}
	if legacy == "" {
		return false, nil
	}
	current, err := tokens.Get(teamKey)
	if err != nil {
		return false, fmt.Errorf("read team token: %w", err)
	}
	if current != "" {
		return false, nil
	}

	if err := tokens.Set(teamKey, legacy); err != nil {
		return false, fmt.Errorf("write team token: %w", err)
	}
	if err := tokens.Delete(legacyKey); err != nil {
		return false, fmt.Errorf("delete legacy token: %w", err)
	}
	d.log.Info("migrated legacy token", zap.String("provider", string(p)), zap.String("team", teamID))
	return true, nil
}

// Subscribe returns a channel receiving the provider of every change and a
// func that ends the subscription.
func (d *Directory) Subscribe() (<-chan chat.Provider, func()) {
	return d.events.Subscribe()
}

// Providers lists enabled backends in canonical order.
func (d *Directory) Providers() []chat.Provider {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]chat.Provider, 0, len(d.entries))
	for _, p := range chat.Providers {
		if _, ok := d.entries[p]; ok {
			out = append(out, p)
		}
	}
	return out
}

func (d *Directory) IsEnabled(p chat.Provider) bool {
	_, ok := d.lookup(p)
	return ok
}

func (d *Directory) lookup(p chat.Provider) (*coordinator.Coordinator, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	e, ok := d.entries[p]
	if !ok {
		return nil, false
	}
	return e.c, true
}

func (d *Directory) token(p chat.Provider) string {
	if d.opts.Tokens == nil {
		return ""
	}
	if team := d.currentTeam(p); team != "" {
		tok, err := d.opts.Tokens.Get(store.TokenKey(p, team))
		if err != nil {
			d.log.Warn("read token", zap.String("provider", string(p)), zap.Error(err))
		} else if tok != "" {
			return tok
		}
	}
	tok, err := d.opts.Tokens.Get(string(p))
	if err != nil {
		d.log.Warn("read token", zap.String("provider", string(p)), zap.Error(err))
		return ""
	}
	return tok
}

// currentTeam returns the team of the cached identity for p, if any.
func (d *Directory) currentTeam(p chat.Provider) string {
	if !p.MultiTeam() {
		return ""
	}
	u, err := d.opts.Store.CurrentUser(p)
	if err != nil || u == nil {
		return ""
	}
	return u.CurrentTeamID
}

// Routed operations

func (d *Directory) SendMessage(ctx context.Context, p chat.Provider, text, channelID, parentTs string) error {
	c, ok := d.lookup(p)
	if !ok {
		return nil
	}
	return c.SendMessage(ctx, text, channelID, parentTs)
}

func (d *Directory) UpdateMessages(p chat.Provider, channelID string, patch chat.MessagePatch) {
	if c, ok := d.lookup(p); ok {
		c.UpdateMessages(channelID, patch)
	}
}

func (d *Directory) AddReaction(p chat.Provider, channelID, ts, userID, name string) {
	if c, ok := d.lookup(p); ok {
		c.AddReaction(channelID, ts, userID, name)
	}
}

func (d *Directory) RemoveReaction(p chat.Provider, channelID, ts, userID, name string) {
	if c, ok := d.lookup(p); ok {
		c.RemoveReaction(channelID, ts, userID, name)
	}
}

func (d *Directory) LoadChannelHistory(ctx context.Context, p chat.Provider, channelID string) error {
	c, ok := d.lookup(p)
	if !ok {
		return nil
	}
	return c.LoadChannelHistory(ctx, channelID)
}

func (d *Directory) FetchThreadReplies(ctx context.Context, p chat.Provider, channelID, parentTs string) error {
	c, ok := d.lookup(p)
	if !ok {
		return nil
	}
	return c.FetchThreadReplies(ctx, channelID, parentTs)
}

func (d *Directory) UpdateReadMarker(ctx context.Context, p chat.Provider, channelID string) error {
	c, ok := d.lookup(p)
	if !ok {
		return nil
	}
	return c.UpdateReadMarker(ctx, channelID)
}

// FetchUnreadCounts refreshes unread counts of every channel of p and
// returns the ids that changed.
func (d *Directory) FetchUnreadCounts(ctx context.Context, p chat.Provider) []string {
	c, ok := d.lookup(p)
	if !ok {
		return nil
	}
	return c.FetchUnreadCounts(ctx, nil)
}

// RefreshState reloads users and channels of p when they are stale.
func (d *Directory) RefreshState(ctx context.Context, p chat.Provider) error {
	c, ok := d.lookup(p)
	if !ok {
		return nil
	}
	return c.InitializeState(ctx)
}

func (d *Directory) GetUnreadCount(p chat.Provider, channelID string) int {
	c, ok := d.lookup(p)
	if !ok {
		return 0
	}
	ch, ok := c.Channel(channelID)
	if !ok {
		return 0
	}
	return c.GetUnreadCount(ch)
}

func (d *Directory) CurrentUser(p chat.Provider) *chat.CurrentUser {
	c, ok := d.lookup(p)
	if !ok {
		return nil
	}
	return c.CurrentUser()
}

func (d *Directory) Users(p chat.Provider) map[string]chat.User {
	c, ok := d.lookup(p)
	if !ok {
		return nil
	}
	return c.Users()
}

func (d *Directory) Channels(p chat.Provider) []chat.Channel {
	c, ok := d.lookup(p)
	if !ok {
		return nil
	}
	return c.Channels()
}

func (d *Directory) Channel(p chat.Provider, channelID string) (chat.Channel, bool) {
	c, ok := d.lookup(p)
	if !ok {
		return chat.Channel{}, false
	}
	return c.Channel(channelID)
}

func (d *Directory) Messages(p chat.Provider, channelID string) map[string]chat.Message {
	c, ok := d.lookup(p)
	if !ok {
		return nil
	}
	return c.Messages(channelID)
}

// CreateIMChannel opens a direct conversation with a known user of p.
func (d *Directory) CreateIMChannel(ctx context.Context, p chat.Provider, userID string) (*chat.Channel, error) {
	c, ok := d.lookup(p)
	if !ok {
		return nil, nil
	}
	u, ok := c.Users()[userID]
	if !ok {
		return nil, fmt.Errorf("user %s: %w", userID, chat.ErrNotFound)
	}
	return c.CreateIMChannel(ctx, u)
}

func (d *Directory) UpdateSelfPresence(ctx context.Context, p chat.Provider, presence chat.Presence, durationMinutes int) (chat.Presence, error) {
	c, ok := d.lookup(p)
	if !ok {
		return chat.PresenceUnknown, nil
	}
	return c.UpdateSelfPresence(ctx, presence, durationMinutes)
}

func (d *Directory) SetLastChannel(p chat.Provider, channelID string) {
	if c, ok := d.lookup(p); ok {
		c.SetLastChannel(channelID)
	}
}

func (d *Directory) LastChannelID(p chat.Provider) string {
	c, ok := d.lookup(p)
	if !ok {
		return ""
	}
	return c.LastChannelID()
}

// Aggregates

// ChannelLabels lists the channels of the given providers, or of every
// enabled provider when none are named, grouped by provider.
func (d *Directory) ChannelLabels(providers ...chat.Provider) []coordinator.ChannelLabel {
	if len(providers) == 0 {
		providers = d.Providers()
	}
	var out []coordinator.ChannelLabel
	for _, p := range providers {
		if c, ok := d.lookup(p); ok {
			out = append(out, c.ChannelLabels()...)
		}
	}
	return out
}

// TeamRef is a team of one backend's signed-in user.
type TeamRef struct {
	Provider chat.Provider
	Team     chat.Team
	Current  bool
}

// Teams lists the teams of every enabled backend's current user.
func (d *Directory) Teams() []TeamRef {
	var out []TeamRef
	for _, p := range d.Providers() {
		c, ok := d.lookup(p)
		if !ok {
			continue
		}
		u := c.CurrentUser()
		if u == nil {
			continue
		}
		teams := append([]chat.Team(nil), u.Teams...)
		sort.Slice(teams, func(i, j int) bool { return teams[i].Name < teams[j].Name })
		for _, t := range teams {
			out = append(out, TeamRef{Provider: p, Team: t, Current: t.ID == u.CurrentTeamID})
		}
	}
	return out
}

// UnreadCounts returns the total unread count per enabled backend.
func (d *Directory) UnreadCounts() map[chat.Provider]int {
	out := make(map[chat.Provider]int)
	for _, p := range d.Providers() {
		if c, ok := d.lookup(p); ok {
			out[p] = c.TotalUnread()
		}
	}
	return out
}

func (d *Directory) TotalUnread() int {
	total := 0
	for _, n := range d.UnreadCounts() {
		total += n
	}
	return total
}
