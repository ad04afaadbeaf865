package provider

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/slack-go/slack"
	"go.uber.org/zap"

	"github.com/chatsync/chatsync/internal/chat"
)

const slackPageSize = 200

var slackAuthErrors = map[string]bool{
	"invalid_auth":     true,
	"not_authed":       true,
	"account_inactive": true,
	"token_revoked":    true,
	"token_expired":    true,
}

// Slack talks to the Slack Web API for directory, history and mutations and
// to RTM for pushed events.
type Slack struct {
	token    string
	api      *slack.Client
	log      *zap.Logger
	realtime bool

	mu        sync.Mutex
	rtm       *slack.RTM
	userID    string
	connected bool
	stopped   bool
	events    chan Event
}

func NewSlack(token string, log *zap.Logger) *Slack {
	return newSlack(token, log, true)
}

func newSlack(token string, log *zap.Logger, realtime bool, opts ...slack.Option) *Slack {
	if log == nil {
		log = zap.NewNop()
	}
	return &Slack{
		token:    token,
		api:      slack.New(token, opts...),
		log:      log.With(zap.String("provider", string(chat.ProviderSlack))),
		realtime: realtime,
		events:   make(chan Event, 100),
	}
}

func (s *Slack) Kind() chat.Provider {
	return chat.ProviderSlack
}

func (s *Slack) Connect(ctx context.Context) (*chat.CurrentUser, error) {
	resp, err := s.api.AuthTestContext(ctx)
	if err != nil {
		if slackAuthErrors[err.Error()] {
			return nil, &chat.AuthenticationError{Provider: chat.ProviderSlack, Err: err}
		}
		return nil, &chat.ConnectionError{Provider: chat.ProviderSlack, Err: err}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return nil, chat.ErrNotConnected
	}
	s.userID = resp.UserID
	s.connected = true
	if s.realtime && s.rtm == nil {
		s.rtm = s.api.NewRTM()
		go s.rtm.ManageConnection()
		go s.consume(s.rtm)
	}

	return &chat.CurrentUser{
		ID:            resp.UserID,
		Name:          resp.User,
		Teams:         []chat.Team{{ID: resp.TeamID, Name: resp.Team}},
		CurrentTeamID: resp.TeamID,
		Provider:      chat.ProviderSlack,
	}, nil
}

func (s *Slack) IsConnected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connected
}

func (s *Slack) FetchUsers(ctx context.Context) (map[string]chat.User, error) {
	if !s.IsConnected() {
		return nil, chat.ErrNotConnected
	}
	users, err := s.api.GetUsersContext(ctx, slack.GetUsersOptionPresence(true))
	if err != nil {
		return nil, fmt.Errorf("list users: %w", err)
	}
	out := make(map[string]chat.User, len(users))
	for _, u := range users {
		out[u.ID] = slackUser(u)
	}
	return out, nil
}

func (s *Slack) FetchUserInfo(ctx context.Context, userID string) (*chat.User, error) {
	if !s.IsConnected() {
		return nil, chat.ErrNotConnected
	}
	// Bot ids share the message user field but are not resolvable as users.
	if strings.HasPrefix(userID, "B") {
		return nil, nil
	}
	u, err := s.api.GetUserInfoContext(ctx, userID)
	if err != nil {
		if err.Error() == "user_not_found" {
			return nil, nil
		}
		return nil, fmt.Errorf("user info %s: %w", userID, err)
	}
	user := slackUser(*u)
	return &user, nil
}

func (s *Slack) FetchChannels(ctx context.Context, knownUsers map[string]chat.User) ([]chat.Channel, error) {
	if !s.IsConnected() {
		return nil, chat.ErrNotConnected
	}
	params := &slack.GetConversationsParameters{
		ExcludeArchived: true,
		Limit:           slackPageSize,
		Types:           []string{"public_channel", "private_channel", "mpim", "im"},
	}
	var out []chat.Channel
	for {
		page, cursor, err := s.api.GetConversationsContext(ctx, params)
		if err != nil {
			return nil, fmt.Errorf("list conversations: %w", err)
		}
		for _, c := range page {
			if !c.IsIM && !c.IsMpIM && !c.IsPrivate && !c.IsMember {
				continue
			}
			out = append(out, slackChannel(c, knownUsers))
		}
		if cursor == "" {
			return out, nil
		}
		params.Cursor = cursor
	}
}

func (s *Slack) FetchChannelInfo(ctx context.Context, ch chat.Channel) (*chat.Channel, error) {
	if !s.IsConnected() {
		return nil, chat.ErrNotConnected
	}
	info, err := s.api.GetConversationInfoContext(ctx, &slack.GetConversationInfoInput{ChannelID: ch.ID})
	if err != nil {
		return nil, fmt.Errorf("conversation info %s: %w", ch.ID, err)
	}
	out := ch
	out.ReadTimestamp = info.LastRead
	out.UnreadCount = info.UnreadCountDisplay
	return &out, nil
}

func (s *Slack) LoadChannelHistory(ctx context.Context, channelID string) (chat.MessagePatch, error) {
	if !s.IsConnected() {
		return nil, chat.ErrNotConnected
	}
	resp, err := s.api.GetConversationHistoryContext(ctx, &slack.GetConversationHistoryParameters{
		ChannelID: channelID,
		Limit:     HistoryLimit,
	})
	if err != nil {
		return nil, fmt.Errorf("conversation history %s: %w", channelID, err)
	}
	patch := make(chat.MessagePatch, len(resp.Messages))
	for _, m := range resp.Messages {
		msg := slackMessage(m.Msg)
		patch[msg.Timestamp] = &msg
	}
	return patch, nil
}

func (s *Slack) SendMessage(ctx context.Context, text, userID, channelID string) error {
	if !s.IsConnected() {
		return chat.ErrNotConnected
	}
	_, _, err := s.api.PostMessageContext(ctx, channelID, slack.MsgOptionText(text, false), slack.MsgOptionAsUser(true))
	if err != nil {
		return fmt.Errorf("post message: %w", err)
	}
	return nil
}

func (s *Slack) SendThreadReply(ctx context.Context, text, userID, channelID, parentTs string) error {
	if !s.IsConnected() {
		return chat.ErrNotConnected
	}
	_, _, err := s.api.PostMessageContext(ctx, channelID,
		slack.MsgOptionText(text, false),
		slack.MsgOptionTS(parentTs),
		slack.MsgOptionAsUser(true))
	if err != nil {
		return fmt.Errorf("post reply: %w", err)
	}
	return nil
}

func (s *Slack) MarkChannel(ctx context.Context, ch chat.Channel, ts string) (*chat.Channel, error) {
	if !s.IsConnected() {
		return nil, chat.ErrNotConnected
	}
	if err := s.api.MarkConversationContext(ctx, ch.ID, ts); err != nil {
		return nil, fmt.Errorf("mark %s: %w", ch.ID, err)
	}
	out := ch
	out.ReadTimestamp = ts
	out.UnreadCount = 0
	return &out, nil
}

func (s *Slack) FetchThreadReplies(ctx context.Context, channelID, parentTs string) (*chat.Message, error) {
	if !s.IsConnected() {
		return nil, chat.ErrNotConnected
	}
	msgs, _, _, err := s.api.GetConversationRepliesContext(ctx, &slack.GetConversationRepliesParameters{
		ChannelID: channelID,
		Timestamp: parentTs,
	})
	if err != nil {
		return nil, fmt.Errorf("conversation replies %s/%s: %w", channelID, parentTs, err)
	}
	if len(msgs) == 0 {
		return nil, chat.ErrNotFound
	}

	parent := slackMessage(msgs[0].Msg)
	parent.Replies = make(map[string]chat.Reply, len(msgs)-1)
	for _, m := range msgs[1:] {
		r := slackReply(m.Msg)
		parent.Replies[r.Timestamp] = r
	}
	return &parent, nil
}

func (s *Slack) CreateIMChannel(ctx context.Context, user chat.User) (*chat.Channel, error) {
	if !s.IsConnected() {
		return nil, chat.ErrNotConnected
	}
	c, _, _, err := s.api.OpenConversationContext(ctx, &slack.OpenConversationParameters{
		Users:    []string{user.ID},
		ReturnIM: true,
	})
	if err != nil {
		return nil, fmt.Errorf("open conversation with %s: %w", user.ID, err)
	}
	return &chat.Channel{ID: c.ID, Name: user.Name, Type: chat.ChannelTypeIM}, nil
}

// UpdateSelfPresence maps doNotDisturb to a snooze, available to auto
// presence with any snooze ended, and everything else to away.
func (s *Slack) UpdateSelfPresence(ctx context.Context, presence chat.Presence, durationMinutes int) (chat.Presence, error) {
	if !s.IsConnected() {
		return chat.PresenceUnknown, chat.ErrNotConnected
	}
	switch presence {
	case chat.PresenceDoNotDisturb:
		if durationMinutes <= 0 {
			durationMinutes = 60
		}
		if _, err := s.api.SetSnoozeContext(ctx, durationMinutes); err != nil {
			return chat.PresenceUnknown, fmt.Errorf("set snooze: %w", err)
		}
		return chat.PresenceDoNotDisturb, nil
	case chat.PresenceAvailable:
		if err := s.api.SetUserPresenceContext(ctx, "auto"); err != nil {
			return chat.PresenceUnknown, fmt.Errorf("set presence: %w", err)
		}
		if _, err := s.api.EndSnoozeContext(ctx); err != nil && err.Error() != "snooze_not_active" {
			s.log.Debug("end snooze failed", zap.Error(err))
		}
		return chat.PresenceAvailable, nil
	default:
		if err := s.api.SetUserPresenceContext(ctx, "away"); err != nil {
			return chat.PresenceUnknown, fmt.Errorf("set presence: %w", err)
		}
		return chat.PresenceIdle, nil
	}
}

func (s *Slack) SubscribePresence(ctx context.Context, users []chat.User) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.connected {
		return chat.ErrNotConnected
	}
	if s.rtm == nil {
		return nil
	}
	ids := make([]string, 0, len(users))
	for _, u := range users {
		if !u.IsBot && !u.IsDeleted {
			ids = append(ids, u.ID)
		}
	}
	s.rtm.SendMessage(s.rtm.NewSubscribeUserPresence(ids))
	return nil
}

func (s *Slack) GetUserPreferences(ctx context.Context) (*chat.UserPreferences, error) {
	if !s.IsConnected() {
		return nil, chat.ErrNotConnected
	}
	carrier, err := s.api.GetUserPrefsContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("user prefs: %w", err)
	}
	prefs := &chat.UserPreferences{}
	if carrier.UserPrefs == nil {
		return prefs, nil
	}
	for _, id := range strings.Split(carrier.UserPrefs.MutedChannels, ",") {
		if id = strings.TrimSpace(id); id != "" {
			prefs.MutedChannels = append(prefs.MutedChannels, id)
		}
	}
	return prefs, nil
}

func (s *Slack) Destroy() error {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return nil
	}
	s.stopped = true
	s.connected = false
	rtm := s.rtm
	close(s.events)
	s.mu.Unlock()

	if rtm == nil {
		return nil
	}
	// consume keeps draining until the managed connection exits.
	if err := rtm.Disconnect(); err != nil && !errors.Is(err, slack.ErrAlreadyDisconnected) {
		return fmt.Errorf("disconnect rtm: %w", err)
	}
	return nil
}

func (s *Slack) Events() <-chan Event {
	return s.events
}

func (s *Slack) consume(rtm *slack.RTM) {
	for ev := range rtm.IncomingEvents {
		if d, ok := ev.Data.(*slack.DisconnectedEvent); ok && d.Intentional {
			return
		}
		s.handleRTM(ev)
	}
}

func (s *Slack) handleRTM(ev slack.RTMEvent) {
	switch data := ev.Data.(type) {
	case *slack.MessageEvent:
		if e, ok := slackMessageEvent(data); ok {
			s.push(e)
		}
	case *slack.ReactionAddedEvent:
		s.push(Event{
			Kind:      EventReactionAdded,
			ChannelID: data.Item.Channel,
			Timestamp: data.Item.Timestamp,
			UserID:    data.User,
			Reaction:  data.Reaction,
		})
	case *slack.ReactionRemovedEvent:
		s.push(Event{
			Kind:      EventReactionRemoved,
			ChannelID: data.Item.Channel,
			Timestamp: data.Item.Timestamp,
			UserID:    data.User,
			Reaction:  data.Reaction,
		})
	case *slack.PresenceChangeEvent:
		ids := data.Users
		if data.User != "" {
			ids = append(ids, data.User)
		}
		for _, id := range ids {
			s.push(Event{Kind: EventPresence, UserID: id, Presence: slackPresence(data.Presence)})
		}
	case *slack.ChannelCreatedEvent:
		s.push(Event{
			Kind:      EventChannel,
			ChannelID: data.Channel.ID,
			Channel:   chat.Channel{ID: data.Channel.ID, Name: data.Channel.Name, Type: chat.ChannelTypeChannel},
		})
	case *slack.ConnectedEvent:
		s.log.Debug("rtm connected", zap.Int("connection_count", data.ConnectionCount))
	case *slack.DisconnectedEvent:
		s.log.Info("rtm disconnected", zap.Bool("intentional", data.Intentional))
	case *slack.InvalidAuthEvent:
		s.log.Warn("rtm rejected credentials")
		s.mu.Lock()
		s.connected = false
		s.mu.Unlock()
	}
}

func (s *Slack) push(ev Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return
	}
	if !emit(s.events, ev) {
		s.log.Warn("event buffer full, dropping", zap.Stringer("kind", ev.Kind))
	}
}

// slackMessageEvent translates an RTM message into a patch or thread reply.
func slackMessageEvent(ev *slack.MessageEvent) (Event, bool) {
	switch ev.SubType {
	case "message_deleted":
		return Event{
			Kind:      EventMessages,
			ChannelID: ev.Channel,
			Messages:  chat.Tombstone(ev.DeletedTimestamp),
		}, true
	case "message_changed":
		if ev.SubMessage == nil {
			return Event{}, false
		}
		sub := *ev.SubMessage
		if isThreadReply(sub) {
			return Event{
				Kind:      EventThreadReply,
				ChannelID: ev.Channel,
				Timestamp: sub.ThreadTimestamp,
				Reply:     slackReply(sub),
			}, true
		}
		msg := slackMessage(sub)
		msg.IsEdited = true
		return Event{
			Kind:      EventMessages,
			ChannelID: ev.Channel,
			Messages:  chat.MessagePatch{msg.Timestamp: &msg},
		}, true
	}

	if isThreadReply(ev.Msg) {
		return Event{
			Kind:      EventThreadReply,
			ChannelID: ev.Channel,
			Timestamp: ev.ThreadTimestamp,
			Reply:     slackReply(ev.Msg),
		}, true
	}
	msg := slackMessage(ev.Msg)
	return Event{
		Kind:      EventMessages,
		ChannelID: ev.Channel,
		Messages:  chat.MessagePatch{msg.Timestamp: &msg},
	}, true
}

func isThreadReply(m slack.Msg) bool {
	return m.ThreadTimestamp != "" && m.ThreadTimestamp != m.Timestamp
}

func slackUser(u slack.User) chat.User {
	name := u.Profile.DisplayName
	if name == "" {
		name = u.Name
	}
	fullName := u.Profile.RealName
	if fullName == "" {
		fullName = u.RealName
	}
	return chat.User{
		ID:            u.ID,
		Name:          name,
		FullName:      fullName,
		Email:         u.Profile.Email,
		ImageURL:      u.Profile.Image192,
		SmallImageURL: u.Profile.Image32,
		Presence:      slackPresence(u.Presence),
		IsBot:         u.IsBot,
		IsDeleted:     u.Deleted,
	}
}

func slackPresence(p string) chat.Presence {
	switch p {
	case "active":
		return chat.PresenceAvailable
	case "away":
		return chat.PresenceIdle
	}
	return chat.PresenceUnknown
}

func slackChannel(c slack.Channel, knownUsers map[string]chat.User) chat.Channel {
	ch := chat.Channel{
		ID:            c.ID,
		Name:          c.Name,
		Type:          chat.ChannelTypeChannel,
		ReadTimestamp: c.LastRead,
		UnreadCount:   c.UnreadCountDisplay,
	}
	switch {
	case c.IsIM:
		ch.Type = chat.ChannelTypeIM
		ch.Name = c.User
		if u, ok := knownUsers[c.User]; ok {
			ch.Name = u.Name
		}
	case c.IsMpIM, c.IsPrivate:
		ch.Type = chat.ChannelTypeGroup
	}
	return ch
}

func slackMessage(m slack.Msg) chat.Message {
	msg := chat.Message{
		Timestamp: m.Timestamp,
		UserID:    m.User,
		Text:      m.Text,
		IsEdited:  m.Edited != nil,
		File:      slackFile(m.Files),
	}
	if msg.UserID == "" {
		msg.UserID = m.BotID
	}
	for _, r := range m.Reactions {
		msg.Reactions = append(msg.Reactions, chat.Reaction{
			Name:    r.Name,
			Count:   len(r.Users),
			UserIDs: append([]string(nil), r.Users...),
		})
	}
	if len(m.Replies) > 0 {
		msg.Replies = make(map[string]chat.Reply, len(m.Replies))
		for _, r := range m.Replies {
			msg.Replies[r.Timestamp] = chat.Reply{UserID: r.User, Timestamp: r.Timestamp}
		}
	}
	return msg
}

func slackReply(m slack.Msg) chat.Reply {
	user := m.User
	if user == "" {
		user = m.BotID
	}
	return chat.Reply{
		UserID:    user,
		Timestamp: m.Timestamp,
		Text:      m.Text,
		File:      slackFile(m.Files),
	}
}

func slackFile(files []slack.File) *chat.File {
	if len(files) == 0 {
		return nil
	}
	return &chat.File{Name: files[0].Name, Permalink: files[0].Permalink}
}
