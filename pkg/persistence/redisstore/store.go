// Package redisstore persists turns to Redis. Each turn is stored as YAML
// under its own key and indexed per session in a sorted set scored by the
// time it was written.
package redisstore

import (
	"context"
	"time"

	"github.com/pkg/errors"
	backend "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/turnkit/pkg/turns"
	"github.com/go-go-golems/turnkit/pkg/turns/serde"
)

var (
	ErrTurnNotFound   = errors.New("turn not found")
	ErrMissingSession = errors.New("turn has no session id")
)

const defaultPrefix = "turnkit:"

// Store implements session.TurnPersister on a Redis client.
type Store struct {
	client   *backend.Client
	prefix   string
	ttl      time.Duration
	omitData bool
}

type Option func(*Store)

func WithPrefix(prefix string) Option {
	return func(s *Store) { s.prefix = prefix }
}

// WithTTL expires stored turns after ttl. Zero keeps them forever.
func WithTTL(ttl time.Duration) Option {
	return func(s *Store) { s.ttl = ttl }
}

// WithOmitData drops Turn.Data before writing.
func WithOmitData(omit bool) Option {
	return func(s *Store) { s.omitData = omit }
}

func New(addr, password string, db int, opts ...Option) *Store {
	return NewFromClient(backend.NewClient(&backend.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	}), opts...)
}

// NewFromURL parses a redis:// URL.
func NewFromURL(url string, opts ...Option) (*Store, error) {
	o, err := backend.ParseURL(url)
	if err != nil {
		return nil, errors.Wrap(err, "parse redis url")
	}
	return NewFromClient(backend.NewClient(o), opts...), nil
}

func NewFromClient(client *backend.Client, opts ...Option) *Store {
	s := &Store{client: client, prefix: defaultPrefix}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

func (s *Store) turnKey(sessionID, turnID string) string {
	return s.prefix + "turn:" + sessionID + ":" + turnID
}

func (s *Store) indexKey(sessionID string) string {
	return s.prefix + "session:" + sessionID + ":turns"
}

func (s *Store) sessionsKey() string {
	return s.prefix + "sessions"
}

// PersistTurn writes t and indexes it under its session id. Writing the same
// turn id again overwrites the stored copy and bumps it to the end of the
// index.
func (s *Store) PersistTurn(ctx context.Context, t *turns.Turn) error {
	if t == nil {
		return nil
	}
	sessionID, ok, err := turns.KeyTurnMetaSessionID.Get(t.Metadata)
	if err != nil {
		return errors.Wrap(err, "read session id")
	}
	if !ok || sessionID == "" {
		return ErrMissingSession
	}
	if t.ID == "" {
		return errors.New("turn has no id")
	}

	data, err := serde.ToYAML(t, serde.Options{OmitData: s.omitData})
	if err != nil {
		return errors.Wrap(err, "encode turn")
	}

	now := float64(time.Now().UnixNano())
	pipe := s.client.TxPipeline()
	pipe.Set(ctx, s.turnKey(sessionID, t.ID), data, s.ttl)
	pipe.ZAdd(ctx, s.indexKey(sessionID), backend.Z{Score: now, Member: t.ID})
	pipe.ZAdd(ctx, s.sessionsKey(), backend.Z{Score: now, Member: sessionID})
	if s.ttl > 0 {
		pipe.Expire(ctx, s.indexKey(sessionID), s.ttl)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return errors.Wrap(err, "write turn to redis")
	}
	log.Debug().Str("session_id", sessionID).Str("turn_id", t.ID).Int("bytes", len(data)).Msg("persisted turn")
	return nil
}

func (s *Store) Load(ctx context.Context, sessionID, turnID string) (*turns.Turn, error) {
	val, err := s.client.Get(ctx, s.turnKey(sessionID, turnID)).Bytes()
	if err != nil {
		if errors.Is(err, backend.Nil) {
			return nil, errors.Wrapf(ErrTurnNotFound, "session %s turn %s", sessionID, turnID)
		}
		return nil, errors.Wrap(err, "read turn from redis")
	}
	return serde.FromYAML(val)
}

// List returns the turn ids of a session, oldest write first. Ids whose turn
// key already expired are pruned from the index.
func (s *Store) List(ctx context.Context, sessionID string) ([]string, error) {
	ids, err := s.client.ZRange(ctx, s.indexKey(sessionID), 0, -1).Result()
	if err != nil {
		return nil, errors.Wrap(err, "list turns")
	}
	if s.ttl == 0 || len(ids) == 0 {
		return ids, nil
	}
	live := make([]string, 0, len(ids))
	var stale []any
	for _, id := range ids {
		n, err := s.client.Exists(ctx, s.turnKey(sessionID, id)).Result()
		if err != nil {
			return nil, errors.Wrap(err, "check turn")
		}
		if n == 0 {
			stale = append(stale, id)
			continue
		}
		live = append(live, id)
	}
	if len(stale) > 0 {
		if err := s.client.ZRem(ctx, s.indexKey(sessionID), stale...).Err(); err != nil {
			return nil, errors.Wrap(err, "prune turn index")
		}
	}
	return live, nil
}

// Latest loads the most recently written turn of a session.
func (s *Store) Latest(ctx context.Context, sessionID string) (*turns.Turn, error) {
	ids, err := s.client.ZRevRange(ctx, s.indexKey(sessionID), 0, 0).Result()
	if err != nil {
		return nil, errors.Wrap(err, "read turn index")
	}
	if len(ids) == 0 {
		return nil, errors.Wrapf(ErrTurnNotFound, "session %s", sessionID)
	}
	return s.Load(ctx, sessionID, ids[0])
}

// Sessions lists session ids that have persisted turns, oldest first.
func (s *Store) Sessions(ctx context.Context) ([]string, error) {
	ids, err := s.client.ZRange(ctx, s.sessionsKey(), 0, -1).Result()
	return ids, errors.Wrap(err, "list sessions")
}

// DeleteSession removes every turn of a session and its index.
func (s *Store) DeleteSession(ctx context.Context, sessionID string) error {
	ids, err := s.client.ZRange(ctx, s.indexKey(sessionID), 0, -1).Result()
	if err != nil {
		return errors.Wrap(err, "read turn index")
	}
	pipe := s.client.TxPipeline()
	for _, id := range ids {
		pipe.Del(ctx, s.turnKey(sessionID, id))
	}
	pipe.Del(ctx, s.indexKey(sessionID))
	pipe.ZRem(ctx, s.sessionsKey(), sessionID)
	_, err = pipe.Exec(ctx)
	return errors.Wrap(err, "delete session")
}

func (s *Store) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

func (s *Store) Close() error {
	return s.client.Close()
}
