package provider

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"sync"

	"github.com/bwmarrin/discordgo"
	"go.uber.org/zap"

	"github.com/chatsync/chatsync/internal/chat"
)

const discordMemberPage = 1000

// Discord serves one guild through a bot session. Bots cannot acknowledge
// messages, so read markers live here and unread counts are derived from
// the messages after the marker.
type Discord struct {
	token   string
	guildID string
	log     *zap.Logger

	mu        sync.Mutex
	session   *discordgo.Session
	selfID    string
	connected bool
	stopped   bool
	markers   map[string]string
	events    chan Event
}

func NewDiscord(token, guildID string, log *zap.Logger) *Discord {
	if log == nil {
		log = zap.NewNop()
	}
	return &Discord{
		token:   token,
		guildID: guildID,
		log:     log.With(zap.String("provider", string(chat.ProviderDiscord))),
		markers: make(map[string]string),
		events:  make(chan Event, 100),
	}
}

func (d *Discord) Kind() chat.Provider {
	return chat.ProviderDiscord
}

// NormalizeReadMarker keeps message ids as-is; markers are compared locally.
func (d *Discord) NormalizeReadMarker(ts string) string {
	return ts
}

func (d *Discord) Connect(ctx context.Context) (*chat.CurrentUser, error) {
	session, err := discordgo.New("Bot " + d.token)
	if err != nil {
		return nil, &chat.ConnectionError{Provider: chat.ProviderDiscord, Err: fmt.Errorf("create session: %w", err)}
	}

	session.AddHandler(d.handleMessageCreate)
	session.AddHandler(d.handleMessageUpdate)
	session.AddHandler(d.handleMessageDelete)
	session.AddHandler(d.handleReactionAdd)
	session.AddHandler(d.handleReactionRemove)
	session.AddHandler(d.handlePresenceUpdate)
	session.AddHandler(d.handleChannelCreate)
	session.AddHandler(d.handleChannelUpdate)
	session.Identify.Intents = discordgo.IntentsGuilds |
		discordgo.IntentsGuildMembers |
		discordgo.IntentsGuildPresences |
		discordgo.IntentsGuildMessages |
		discordgo.IntentsGuildMessageReactions |
		discordgo.IntentsDirectMessages |
		discordgo.IntentMessageContent

	self, err := session.User("@me", discordgo.WithContext(ctx))
	if err != nil {
		if isDiscordStatus(err, http.StatusUnauthorized) {
			return nil, &chat.AuthenticationError{Provider: chat.ProviderDiscord, Err: err}
		}
		return nil, &chat.ConnectionError{Provider: chat.ProviderDiscord, Err: err}
	}
	guild, err := session.Guild(d.guildID, discordgo.WithContext(ctx))
	if err != nil {
		return nil, &chat.ConnectionError{Provider: chat.ProviderDiscord, Err: fmt.Errorf("guild %s: %w", d.guildID, err)}
	}
	if err := session.Open(); err != nil {
		return nil, &chat.ConnectionError{Provider: chat.ProviderDiscord, Err: fmt.Errorf("open session: %w", err)}
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.stopped {
		session.Close()
		return nil, chat.ErrNotConnected
	}
	d.session = session
	d.selfID = self.ID
	d.connected = true

	return &chat.CurrentUser{
		ID:            self.ID,
		Name:          self.Username,
		Teams:         []chat.Team{{ID: guild.ID, Name: guild.Name}},
		CurrentTeamID: guild.ID,
		Provider:      chat.ProviderDiscord,
	}, nil
}

func (d *Discord) IsConnected() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.connected
}

func (d *Discord) client() (*discordgo.Session, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.connected || d.session == nil {
		return nil, chat.ErrNotConnected
	}
	return d.session, nil
}

func (d *Discord) FetchUsers(ctx context.Context) (map[string]chat.User, error) {
	s, err := d.client()
	if err != nil {
		return nil, err
	}
	roles, err := s.GuildRoles(d.guildID, discordgo.WithContext(ctx))
	if err != nil {
		return nil, fmt.Errorf("guild roles: %w", err)
	}

	out := make(map[string]chat.User)
	after := ""
	for {
		members, err := s.GuildMembers(d.guildID, after, discordMemberPage, discordgo.WithContext(ctx))
		if err != nil {
			return nil, fmt.Errorf("guild members: %w", err)
		}
		for _, m := range members {
			if m.User == nil {
				continue
			}
			out[m.User.ID] = discordMember(m, roles)
			after = m.User.ID
		}
		if len(members) < discordMemberPage {
			return out, nil
		}
	}
}

func (d *Discord) FetchUserInfo(ctx context.Context, userID string) (*chat.User, error) {
	s, err := d.client()
	if err != nil {
		return nil, err
	}
	m, err := s.GuildMember(d.guildID, userID, discordgo.WithContext(ctx))
	if err != nil {
		if isDiscordStatus(err, http.StatusNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("guild member %s: %w", userID, err)
	}
	if m.User == nil {
		return nil, nil
	}
	roles, err := s.GuildRoles(d.guildID, discordgo.WithContext(ctx))
	if err != nil {
		d.log.Debug("guild roles unavailable", zap.Error(err))
	}
	u := discordMember(m, roles)
	return &u, nil
}

func (d *Discord) FetchChannels(ctx context.Context, knownUsers map[string]chat.User) ([]chat.Channel, error) {
	s, err := d.client()
	if err != nil {
		return nil, err
	}
	channels, err := s.GuildChannels(d.guildID, discordgo.WithContext(ctx))
	if err != nil {
		return nil, fmt.Errorf("guild channels: %w", err)
	}
	out := discordChannels(channels)

	d.mu.Lock()
	for i := range out {
		out[i].ReadTimestamp = d.markers[out[i].ID]
	}
	d.mu.Unlock()
	return out, nil
}

func (d *Discord) FetchChannelInfo(ctx context.Context, ch chat.Channel) (*chat.Channel, error) {
	s, err := d.client()
	if err != nil {
		return nil, err
	}
	d.mu.Lock()
	marker := d.markers[ch.ID]
	selfID := d.selfID
	d.mu.Unlock()

	out := ch
	out.ReadTimestamp = marker
	out.UnreadCount = 0
	if marker == "" {
		return &out, nil
	}
	msgs, err := s.ChannelMessages(ch.ID, HistoryLimit, "", marker, "", discordgo.WithContext(ctx))
	if err != nil {
		return nil, fmt.Errorf("channel messages %s: %w", ch.ID, err)
	}
	for _, m := range msgs {
		if m.Author != nil && m.Author.ID == selfID {
			continue
		}
		out.UnreadCount++
	}
	return &out, nil
}

func (d *Discord) LoadChannelHistory(ctx context.Context, channelID string) (chat.MessagePatch, error) {
	s, err := d.client()
	if err != nil {
		return nil, err
	}
	msgs, err := s.ChannelMessages(channelID, HistoryLimit, "", "", "", discordgo.WithContext(ctx))
	if err != nil {
		return nil, fmt.Errorf("channel messages %s: %w", channelID, err)
	}
	patch := make(chat.MessagePatch, len(msgs))
	for _, m := range msgs {
		msg := discordMessage(m)
		for _, r := range m.Reactions {
			if r.Emoji == nil {
				continue
			}
			name := r.Emoji.APIName()
			users, err := s.MessageReactions(channelID, m.ID, name, 100, "", "", discordgo.WithContext(ctx))
			if err != nil {
				d.log.Debug("reaction users unavailable", zap.String("message", m.ID), zap.Error(err))
				continue
			}
			ids := make([]string, 0, len(users))
			for _, u := range users {
				ids = append(ids, u.ID)
			}
			if len(ids) > 0 {
				msg.Reactions = append(msg.Reactions, chat.Reaction{Name: name, Count: len(ids), UserIDs: ids})
			}
		}
		patch[msg.Timestamp] = &msg
	}
	return patch, nil
}

func (d *Discord) SendMessage(ctx context.Context, text, userID, channelID string) error {
	s, err := d.client()
	if err != nil {
		return err
	}
	if _, err := s.ChannelMessageSend(channelID, text, discordgo.WithContext(ctx)); err != nil {
		return fmt.Errorf("send message: %w", err)
	}
	return nil
}

func (d *Discord) SendThreadReply(ctx context.Context, text, userID, channelID, parentTs string) error {
	s, err := d.client()
	if err != nil {
		return err
	}
	ref := &discordgo.MessageReference{MessageID: parentTs, ChannelID: channelID, GuildID: d.guildID}
	if _, err := s.ChannelMessageSendReply(channelID, text, ref, discordgo.WithContext(ctx)); err != nil {
		return fmt.Errorf("send reply: %w", err)
	}
	return nil
}

func (d *Discord) MarkChannel(ctx context.Context, ch chat.Channel, ts string) (*chat.Channel, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.connected {
		return nil, chat.ErrNotConnected
	}
	d.markers[ch.ID] = ts
	out := ch
	out.ReadTimestamp = ts
	out.UnreadCount = 0
	return &out, nil
}

func (d *Discord) FetchThreadReplies(ctx context.Context, channelID, parentTs string) (*chat.Message, error) {
	return nil, chat.ErrUnsupported
}

func (d *Discord) CreateIMChannel(ctx context.Context, user chat.User) (*chat.Channel, error) {
	s, err := d.client()
	if err != nil {
		return nil, err
	}
	c, err := s.UserChannelCreate(user.ID, discordgo.WithContext(ctx))
	if err != nil {
		return nil, fmt.Errorf("open dm with %s: %w", user.ID, err)
	}
	return &chat.Channel{ID: c.ID, Name: user.Name, Type: chat.ChannelTypeIM}, nil
}

func (d *Discord) UpdateSelfPresence(ctx context.Context, presence chat.Presence, durationMinutes int) (chat.Presence, error) {
	s, err := d.client()
	if err != nil {
		return chat.PresenceUnknown, err
	}
	status := discordStatus(presence)
	if err := s.UpdateStatusComplex(discordgo.UpdateStatusData{Status: string(status)}); err != nil {
		return chat.PresenceUnknown, fmt.Errorf("update status: %w", err)
	}
	return discordPresence(status), nil
}

// SubscribePresence is a no-op: the gateway pushes guild presence updates.
func (d *Discord) SubscribePresence(ctx context.Context, users []chat.User) error {
	if !d.IsConnected() {
		return chat.ErrNotConnected
	}
	return nil
}

// GetUserPreferences returns empty preferences; bots cannot mute channels.
func (d *Discord) GetUserPreferences(ctx context.Context) (*chat.UserPreferences, error) {
	if !d.IsConnected() {
		return nil, chat.ErrNotConnected
	}
	return &chat.UserPreferences{}, nil
}

func (d *Discord) Destroy() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.stopped {
		return nil
	}
	d.stopped = true
	d.connected = false

	var err error
	if d.session != nil {
		err = d.session.Close()
	}
	close(d.events)
	return err
}

func (d *Discord) Events() <-chan Event {
	return d.events
}

func (d *Discord) push(ev Event) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.stopped {
		return
	}
	if !emit(d.events, ev) {
		d.log.Warn("event buffer full, dropping", zap.Stringer("kind", ev.Kind))
	}
}

func (d *Discord) inGuild(guildID string) bool {
	return guildID == "" || guildID == d.guildID
}

func (d *Discord) handleMessageCreate(s *discordgo.Session, m *discordgo.MessageCreate) {
	if m.Message == nil || !d.inGuild(m.GuildID) {
		return
	}
	msg := discordMessage(m.Message)
	d.push(Event{Kind: EventMessages, ChannelID: m.ChannelID, Messages: chat.MessagePatch{msg.Timestamp: &msg}})
}

// handleMessageUpdate ignores partial updates without an author, such as
// embed unfurls, which would otherwise blank the stored message.
func (d *Discord) handleMessageUpdate(s *discordgo.Session, m *discordgo.MessageUpdate) {
	if m.Message == nil || m.Author == nil || !d.inGuild(m.GuildID) {
		return
	}
	msg := discordMessage(m.Message)
	msg.IsEdited = true
	d.push(Event{Kind: EventMessages, ChannelID: m.ChannelID, Messages: chat.MessagePatch{msg.Timestamp: &msg}})
}

func (d *Discord) handleMessageDelete(s *discordgo.Session, m *discordgo.MessageDelete) {
	if m.Message == nil || !d.inGuild(m.GuildID) {
		return
	}
	d.push(Event{Kind: EventMessages, ChannelID: m.ChannelID, Messages: chat.Tombstone(m.ID)})
}

func (d *Discord) handleReactionAdd(s *discordgo.Session, r *discordgo.MessageReactionAdd) {
	if r.MessageReaction == nil || !d.inGuild(r.GuildID) {
		return
	}
	d.push(Event{
		Kind:      EventReactionAdded,
		ChannelID: r.ChannelID,
		Timestamp: r.MessageID,
		UserID:    r.UserID,
		Reaction:  r.Emoji.APIName(),
	})
}

func (d *Discord) handleReactionRemove(s *discordgo.Session, r *discordgo.MessageReactionRemove) {
	if r.MessageReaction == nil || !d.inGuild(r.GuildID) {
		return
	}
	d.push(Event{
		Kind:      EventReactionRemoved,
		ChannelID: r.ChannelID,
		Timestamp: r.MessageID,
		UserID:    r.UserID,
		Reaction:  r.Emoji.APIName(),
	})
}

func (d *Discord) handlePresenceUpdate(s *discordgo.Session, p *discordgo.PresenceUpdate) {
	if p.User == nil || !d.inGuild(p.GuildID) {
		return
	}
	d.push(Event{Kind: EventPresence, UserID: p.User.ID, Presence: discordPresence(p.Status)})
}

func (d *Discord) handleChannelCreate(s *discordgo.Session, c *discordgo.ChannelCreate) {
	d.pushChannel(c.Channel)
}

func (d *Discord) handleChannelUpdate(s *discordgo.Session, c *discordgo.ChannelUpdate) {
	d.pushChannel(c.Channel)
}

func (d *Discord) pushChannel(c *discordgo.Channel) {
	if c == nil || !d.inGuild(c.GuildID) {
		return
	}
	chans := discordChannels([]*discordgo.Channel{c})
	if len(chans) == 0 {
		return
	}
	d.push(Event{Kind: EventChannel, ChannelID: c.ID, Channel: chans[0]})
}

func isDiscordStatus(err error, status int) bool {
	var restErr *discordgo.RESTError
	if !errors.As(err, &restErr) || restErr.Response == nil {
		return false
	}
	return restErr.Response.StatusCode == status
}

// discordMember maps a guild member; RoleName is the highest positioned role.
func discordMember(m *discordgo.Member, roles []*discordgo.Role) chat.User {
	u := chat.User{
		ID:            m.User.ID,
		Name:          m.User.Username,
		FullName:      m.User.DisplayName(),
		ImageURL:      m.User.AvatarURL("256"),
		SmallImageURL: m.User.AvatarURL("32"),
		Presence:      chat.PresenceUnknown,
		IsBot:         m.User.Bot,
	}
	if m.Nick != "" {
		u.FullName = m.Nick
	}

	byID := make(map[string]*discordgo.Role, len(roles))
	for _, r := range roles {
		byID[r.ID] = r
	}
	best := -1
	for _, id := range m.Roles {
		if r, ok := byID[id]; ok && r.Position > best {
			best = r.Position
			u.RoleName = r.Name
		}
	}
	return u
}

// discordChannels keeps text channels and DMs, labelling guild channels
// with their parent category.
func discordChannels(channels []*discordgo.Channel) []chat.Channel {
	categories := make(map[string]string)
	for _, c := range channels {
		if c.Type == discordgo.ChannelTypeGuildCategory {
			categories[c.ID] = c.Name
		}
	}

	sorted := append([]*discordgo.Channel(nil), channels...)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Position < sorted[j].Position })

	var out []chat.Channel
	for _, c := range sorted {
		switch c.Type {
		case discordgo.ChannelTypeGuildText, discordgo.ChannelTypeGuildNews:
			out = append(out, chat.Channel{
				ID:           c.ID,
				Name:         c.Name,
				Type:         chat.ChannelTypeChannel,
				CategoryName: categories[c.ParentID],
			})
		case discordgo.ChannelTypeDM, discordgo.ChannelTypeGroupDM:
			ch := chat.Channel{ID: c.ID, Name: c.Name, Type: chat.ChannelTypeIM}
			if c.Type == discordgo.ChannelTypeGroupDM {
				ch.Type = chat.ChannelTypeGroup
			}
			if ch.Name == "" && len(c.Recipients) > 0 {
				ch.Name = c.Recipients[0].Username
			}
			out = append(out, ch)
		}
	}
	return out
}

// discordMessage maps a message without reactions; reaction users need a
// separate request per emoji.
func discordMessage(m *discordgo.Message) chat.Message {
	msg := chat.Message{
		Timestamp: m.ID,
		Text:      m.Content,
		IsEdited:  m.EditedTimestamp != nil,
	}
	if m.Author != nil {
		msg.UserID = m.Author.ID
	}
	if len(m.Attachments) > 0 {
		msg.File = &chat.File{Name: m.Attachments[0].Filename, Permalink: m.Attachments[0].URL}
	}
	return msg
}

func discordPresence(s discordgo.Status) chat.Presence {
	switch s {
	case discordgo.StatusOnline:
		return chat.PresenceAvailable
	case discordgo.StatusIdle:
		return chat.PresenceIdle
	case discordgo.StatusDoNotDisturb:
		return chat.PresenceDoNotDisturb
	case discordgo.StatusInvisible:
		return chat.PresenceInvisible
	case discordgo.StatusOffline:
		return chat.PresenceOffline
	}
	return chat.PresenceUnknown
}

func discordStatus(p chat.Presence) discordgo.Status {
	switch p {
	case chat.PresenceIdle:
		return discordgo.StatusIdle
	case chat.PresenceDoNotDisturb:
		return discordgo.StatusDoNotDisturb
	case chat.PresenceInvisible, chat.PresenceOffline:
		return discordgo.StatusInvisible
	}
	return discordgo.StatusOnline
}
