package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/cockroachdb/pebble"
	"go.uber.org/zap"

	"github.com/chatsync/chatsync/internal/chat"
)

// DefaultMaxUsers bounds the user table written to disk. Larger directories
// are kept in memory only.
const DefaultMaxUsers = 5000

const (
	keyUsers       = "users"
	keyChannels    = "channels"
	keyCurrentUser = "current_user"
	keyLastChannel = "last_channel"
)

// Pebble is a Store and TokenStore on one pebble database. Backend state
// lives under "p/<provider>/", tokens under "t/".
type Pebble struct {
	db       *pebble.DB
	log      *zap.Logger
	maxUsers int
}

// Open opens (or creates) the database at path.
func Open(path string, maxUsers int, log *zap.Logger) (*Pebble, error) {
	if log == nil {
		log = zap.NewNop()
	}
	if maxUsers <= 0 {
		maxUsers = DefaultMaxUsers
	}
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, fmt.Errorf("create store dir: %w", err)
	}
	db, err := pebble.Open(path, &pebble.Options{Logger: log.Named("pebble").Sugar()})
	if err != nil {
		return nil, fmt.Errorf("open store %s: %w", path, err)
	}
	log.Info("store opened", zap.String("path", path))
	return &Pebble{db: db, log: log, maxUsers: maxUsers}, nil
}

func (s *Pebble) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func providerPrefix(p chat.Provider) string {
	return "p/" + string(p) + "/"
}

func providerKey(p chat.Provider, name string) []byte {
	return []byte(providerPrefix(p) + name)
}

func tokenKey(key string) []byte {
	return []byte("t/" + key)
}

// get decodes the value at key into out, reporting whether it existed.
func (s *Pebble) get(key []byte, out any) (bool, error) {
	v, closer, err := s.db.Get(key)
	if errors.Is(err, pebble.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("get %s: %w", key, err)
	}
	defer closer.Close()
	if err := json.Unmarshal(v, out); err != nil {
		return false, fmt.Errorf("decode %s: %w", key, err)
	}
	return true, nil
}

func (s *Pebble) put(key []byte, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %s: %w", key, err)
	}
	if err := s.db.Set(key, data, pebble.Sync); err != nil {
		return fmt.Errorf("set %s: %w", key, err)
	}
	return nil
}

func (s *Pebble) Users(p chat.Provider) (map[string]chat.User, error) {
	var users map[string]chat.User
	if _, err := s.get(providerKey(p, keyUsers), &users); err != nil {
		return nil, err
	}
	return users, nil
}

// UpdateUsers persists users unless the table exceeds the size bound, in
// which case any stale copy on disk is dropped instead.
func (s *Pebble) UpdateUsers(p chat.Provider, users map[string]chat.User) error {
	if len(users) > s.maxUsers {
		s.log.Debug("user table too large to persist",
			zap.String("provider", string(p)), zap.Int("users", len(users)), zap.Int("max", s.maxUsers))
		if err := s.db.Delete(providerKey(p, keyUsers), pebble.Sync); err != nil {
			return fmt.Errorf("drop users: %w", err)
		}
		return nil
	}
	return s.put(providerKey(p, keyUsers), users)
}

func (s *Pebble) Channels(p chat.Provider) ([]chat.Channel, error) {
	var channels []chat.Channel
	if _, err := s.get(providerKey(p, keyChannels), &channels); err != nil {
		return nil, err
	}
	return channels, nil
}

func (s *Pebble) UpdateChannels(p chat.Provider, channels []chat.Channel) error {
	return s.put(providerKey(p, keyChannels), channels)
}

func (s *Pebble) CurrentUser(p chat.Provider) (*chat.CurrentUser, error) {
	var u chat.CurrentUser
	ok, err := s.get(providerKey(p, keyCurrentUser), &u)
	if err != nil || !ok {
		return nil, err
	}
	return &u, nil
}

func (s *Pebble) UpdateCurrentUser(p chat.Provider, u *chat.CurrentUser) error {
	if u == nil {
		if err := s.db.Delete(providerKey(p, keyCurrentUser), pebble.Sync); err != nil {
			return fmt.Errorf("delete current user: %w", err)
		}
		return nil
	}
	return s.put(providerKey(p, keyCurrentUser), u)
}

func (s *Pebble) LastChannelID(p chat.Provider) (string, error) {
	var id string
	if _, err := s.get(providerKey(p, keyLastChannel), &id); err != nil {
		return "", err
	}
	return id, nil
}

func (s *Pebble) UpdateLastChannelID(p chat.Provider, id string) error {
	return s.put(providerKey(p, keyLastChannel), id)
}

func (s *Pebble) Clear(p chat.Provider) error {
	prefix := providerPrefix(p)
	// '0' sorts right after '/', so this range covers exactly the prefix.
	end := prefix[:len(prefix)-1] + "0"
	if err := s.db.DeleteRange([]byte(prefix), []byte(end), pebble.Sync); err != nil {
		return fmt.Errorf("clear %s: %w", p, err)
	}
	return nil
}

func (s *Pebble) Get(key string) (string, error) {
	var token string
	if _, err := s.get(tokenKey(key), &token); err != nil {
		return "", err
	}
	return token, nil
}

func (s *Pebble) Set(key, token string) error {
	return s.put(tokenKey(key), token)
}

func (s *Pebble) Delete(key string) error {
	if err := s.db.Delete(tokenKey(key), pebble.Sync); err != nil {
		return fmt.Errorf("delete token %s: %w", key, err)
	}
	return nil
}
