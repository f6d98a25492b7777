// Package state wraps the external key/value store holding durable per-table
// sync state and the operator control surface. Every value is a short UTF-8
// string; higher-level invariants come from idempotent replay, never from
// cross-key atomicity.
package state

import (
	"context"
	"encoding/json"
	"strconv"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
)

const keyPrefix = "mssql_sync:"

// ErrUnavailable marks transport failures talking to the store. Callers keep
// their in-memory cursor and retry with backoff.
var ErrUnavailable = errors.New("state store unavailable")

// Progress is the UI-facing per-table progress blob. Not authoritative.
type Progress struct {
	Synced    int64 `json:"synced"`
	Total     int64 `json:"total"`
	StartedAt int64 `json:"started_at"`
	UpdatedAt int64 `json:"updated_at"`
}

type Store struct {
	rdb *redis.Client
}

func NewStore(client *redis.Client) *Store {
	return &Store{rdb: client}
}

// Open connects to the store and verifies the connection.
func Open(ctx context.Context, url string) (*Store, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, errors.WithMessage(err, "parse redis url")
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, errors.WithMessage(err, "redis.client.Ping failed")
	}
	return &Store{rdb: client}, nil
}

func (s *Store) Close() error {
	return s.rdb.Close()
}

func unavailable(err error, op string) error {
	return errors.Wrapf(ErrUnavailable, "%s: %v", op, err)
}

// Get returns the raw value for key and whether it exists.
func (s *Store) Get(ctx context.Context, key string) (string, bool, error) {
	val, err := s.rdb.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, unavailable(err, "GET "+key)
	}
	return val, true, nil
}

func (s *Store) Set(ctx context.Context, key, value string) error {
	if err := s.rdb.Set(ctx, key, value, 0).Err(); err != nil {
		return unavailable(err, "SET "+key)
	}
	return nil
}

func (s *Store) Delete(ctx context.Context, key string) error {
	if err := s.rdb.Del(ctx, key).Err(); err != nil {
		return unavailable(err, "DEL "+key)
	}
	return nil
}

// GetMany fetches several keys in one round trip. Missing keys are left out
// of the returned map.
func (s *Store) GetMany(ctx context.Context, keys []string) (map[string]string, error) {
	if len(keys) == 0 {
		return map[string]string{}, nil
	}
	vals, err := s.rdb.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, unavailable(err, "MGET")
	}
	out := make(map[string]string, len(keys))
	for i, key := range keys {
		if str, ok := vals[i].(string); ok {
			out[key] = str
		}
	}
	return out, nil
}

func keyEnabled(table string) string       { return keyPrefix + "enabled:" + table }
func keyForceFullLoad(table string) string { return keyPrefix + "force_full_load:" + table }
func keyVersion(table string) string       { return keyPrefix + "version:" + table }
func keyProgress(table string) string      { return keyPrefix + "progress:" + table }
func keyConfig(name string) string         { return keyPrefix + "config:" + name }

// InitTableDefaults creates the enabled and force_full_load flags with their
// default "false" value if absent. Existing operator-written values survive.
func (s *Store) InitTableDefaults(ctx context.Context, table string) error {
	if err := s.rdb.SetNX(ctx, keyEnabled(table), "false", 0).Err(); err != nil {
		return unavailable(err, "SETNX "+keyEnabled(table))
	}
	if err := s.rdb.SetNX(ctx, keyForceFullLoad(table), "false", 0).Err(); err != nil {
		return unavailable(err, "SETNX "+keyForceFullLoad(table))
	}
	return nil
}

func (s *Store) Enabled(ctx context.Context, table string) (bool, error) {
	val, _, err := s.Get(ctx, keyEnabled(table))
	if err != nil {
		return false, err
	}
	return val == "true", nil
}

func (s *Store) SetEnabled(ctx context.Context, table string, enabled bool) error {
	return s.Set(ctx, keyEnabled(table), strconv.FormatBool(enabled))
}

func (s *Store) ForceFullLoad(ctx context.Context, table string) (bool, error) {
	val, _, err := s.Get(ctx, keyForceFullLoad(table))
	if err != nil {
		return false, err
	}
	return val == "true", nil
}

func (s *Store) SetForceFullLoad(ctx context.Context, table string, force bool) error {
	return s.Set(ctx, keyForceFullLoad(table), strconv.FormatBool(force))
}

// Version returns the last fully-applied change tracking version, 0 when the
// table has never been synced.
func (s *Store) Version(ctx context.Context, table string) (int64, error) {
	val, ok, err := s.Get(ctx, keyVersion(table))
	if err != nil || !ok {
		return 0, err
	}
	version, err := strconv.ParseInt(val, 10, 64)
	if err != nil {
		// Operator wrote garbage; treat as never synced.
		return 0, nil
	}
	return version, nil
}

func (s *Store) SetVersion(ctx context.Context, table string, version int64) error {
	return s.Set(ctx, keyVersion(table), strconv.FormatInt(version, 10))
}

func (s *Store) SetProgress(ctx context.Context, table string, p Progress) error {
	raw, err := json.Marshal(p)
	if err != nil {
		return errors.WithMessage(err, "marshal progress")
	}
	return s.Set(ctx, keyProgress(table), string(raw))
}

func (s *Store) GetProgress(ctx context.Context, table string) (*Progress, error) {
	val, ok, err := s.Get(ctx, keyProgress(table))
	if err != nil || !ok {
		return nil, err
	}
	p := &Progress{}
	if err := json.Unmarshal([]byte(val), p); err != nil {
		return nil, errors.WithMessage(err, "unmarshal progress")
	}
	return p, nil
}

// SetConfig publishes a process-wide display value, e.g. the sanitized
// connection URLs shown by the dashboard.
func (s *Store) SetConfig(ctx context.Context, name, value string) error {
	return s.Set(ctx, keyConfig(name), value)
}
