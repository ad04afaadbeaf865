package main

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/chatsync/chatsync/internal/chat"
	"github.com/chatsync/chatsync/internal/config"
	"github.com/chatsync/chatsync/internal/directory"
	"github.com/chatsync/chatsync/internal/provider"
	"github.com/chatsync/chatsync/internal/ratelimit"
	"github.com/chatsync/chatsync/internal/relay"
	"github.com/chatsync/chatsync/internal/store"
)

// newFactory builds concrete backends from the config. Tokens come from the
// token store; the relay needs none.
func newFactory(cfg *config.Config, relayMetrics *relay.Metrics, log *zap.Logger) directory.Factory {
	return func(p chat.Provider, token string) (provider.Backend, error) {
		switch p {
		case chat.ProviderSlack:
			if token == "" {
				return nil, fmt.Errorf("no token stored for %s", p)
			}
			return provider.NewSlack(token, log), nil
		case chat.ProviderDiscord:
			if token == "" {
				return nil, fmt.Errorf("no token stored for %s", p)
			}
			return provider.NewDiscord(token, cfg.Providers.Discord.GuildID, log), nil
		case chat.ProviderRelay:
			rc := cfg.Providers.Relay
			session := relay.NewSession(relay.Options{
				Self: chat.User{ID: rc.GetUserID(), Name: rc.GetUserName()},
				Log:  log,
				Limiter: ratelimit.NewLimiter(ratelimit.Config{
					Rate:  cfg.Defaults.GetPeerMessageRate(),
					Burst: cfg.Defaults.GetPeerMessageBurst(),
				}),
				Metrics: relayMetrics,
			})
			var start provider.RelayStarter
			if rc.GetRole() == config.RelayRoleFollower {
				start = provider.JoinRelay(rc.URL, log)
			} else {
				start = provider.HostRelay(rc.GetListen(), rc.GetPath(), log)
			}
			return provider.NewRelay(session, start, log), nil
		default:
			return nil, fmt.Errorf("unknown provider %q", p)
		}
	}
}

type tokenCache interface {
	store.Store
	store.TokenStore
}

// seedTokens copies tokens from the config file into the token store when
// none is stored yet, either under the legacy key or under the team key of
// the cached identity. Stored tokens win so "token set" survives restarts.
func seedTokens(db tokenCache, cfg *config.Config) error {
	seeds := map[chat.Provider]string{
		chat.ProviderSlack:   cfg.Providers.Slack.Token,
		chat.ProviderDiscord: cfg.Providers.Discord.BotToken,
	}
	for p, token := range seeds {
		if token == "" {
			continue
		}
		keys := []string{store.TokenKey(p, "")}
		if u, err := db.CurrentUser(p); err == nil && u != nil && u.CurrentTeamID != "" {
			keys = append(keys, store.TokenKey(p, u.CurrentTeamID))
		}
		stored, err := anyToken(db, keys)
		if err != nil {
			return fmt.Errorf("read %s token: %w", p, err)
		}
		if stored {
			continue
		}
		if err := db.Set(keys[0], token); err != nil {
			return fmt.Errorf("store %s token: %w", p, err)
		}
	}
	return nil
}

func anyToken(tokens store.TokenStore, keys []string) (bool, error) {
	for _, key := range keys {
		tok, err := tokens.Get(key)
		if err != nil {
			return false, err
		}
		if tok != "" {
			return true, nil
		}
	}
	return false, nil
}
