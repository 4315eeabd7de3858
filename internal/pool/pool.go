// Package pool is a thin adapter over Redis implementing the Pool Store
// contract of spec §4.2/§6: per-entry metadata plus a single lex-ordered
// set whose members are "route_signature :: entry_id" strings.
package pool

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/example/airport-cabpool/internal/models"
)

// ErrUnavailable wraps any Redis error surfaced to callers as PoolUnavailable
// (spec §7).
var ErrUnavailable = errors.New("pool: store unavailable")

// memberSep is the "route_signature :: entry_id" separator used throughout the
// lex set.
const memberSep = "::"

// Store is the Pool Store client used by the Matching Engine.
type Store struct {
	client *redis.Client
	setKey string
}

// New builds a Store over an existing Redis client.
func New(client *redis.Client, setKey string) *Store {
	if setKey == "" {
		setKey = "h3:airport_pool"
	}
	return &Store{client: client, setKey: setKey}
}

// NewFromAddr dials Redis the way the teacher's RedisGeo does.
func NewFromAddr(addr, password, setKey string) *Store {
	return New(redis.NewClient(&redis.Options{Addr: addr, Password: password}), setKey)
}

func metaKey(entryID string) string { return "cabpool:meta:" + entryID }

// Member formats a lex-set member string from a route signature and entry id.
func Member(sig models.RouteSignature, entryID string) string {
	return string(sig) + memberSep + entryID
}

// SplitMember splits a lex-set member back into its signature and entry id.
func SplitMember(member string) (sig string, entryID string, ok bool) {
	idx := lastIndex(member, memberSep)
	if idx < 0 {
		return "", "", false
	}
	return member[:idx], member[idx+len(memberSep):], true
}

func lastIndex(s, sep string) int {
	for i := len(s) - len(sep); i >= 0; i-- {
		if s[i:i+len(sep)] == sep {
			return i
		}
	}
	return -1
}

// PutMeta idempotently overwrites an entry's metadata blob.
func (s *Store) PutMeta(ctx context.Context, entryID string, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("pool: marshal meta: %w", err)
	}
	if err := s.client.Set(ctx, metaKey(entryID), b, 0).Err(); err != nil {
		return fmt.Errorf("%w: put_meta %s: %v", ErrUnavailable, entryID, err)
	}
	return nil
}

// GetMeta fetches raw metadata bytes, or ok=false if the key is absent.
func (s *Store) GetMeta(ctx context.Context, entryID string) (raw []byte, ok bool, err error) {
	b, err := s.client.Get(ctx, metaKey(entryID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("%w: get_meta %s: %v", ErrUnavailable, entryID, err)
	}
	return b, true, nil
}

// DelMeta batch-deletes metadata keys. Idempotent.
func (s *Store) DelMeta(ctx context.Context, entryIDs ...string) error {
	if len(entryIDs) == 0 {
		return nil
	}
	keys := make([]string, len(entryIDs))
	for i, id := range entryIDs {
		keys[i] = metaKey(id)
	}
	if err := s.client.Del(ctx, keys...).Err(); err != nil {
		return fmt.Errorf("%w: del_meta: %v", ErrUnavailable, err)
	}
	return nil
}

// ZAdd adds a member to the lex-ordered set. Score is irrelevant to lex
// ordering so it is always 0 (spec §3).
func (s *Store) ZAdd(ctx context.Context, member string) error {
	if err := s.client.ZAdd(ctx, s.setKey, redis.Z{Score: 0, Member: member}).Err(); err != nil {
		return fmt.Errorf("%w: zadd: %v", ErrUnavailable, err)
	}
	return nil
}

// ZRem batch-removes members and returns the count actually removed. This
// count is the pairing commit's linearization discriminator (spec §4.3.1,
// §9): a caller must treat "count != len(members)" as a stale race.
func (s *Store) ZRem(ctx context.Context, members ...string) (removed int64, err error) {
	if len(members) == 0 {
		return 0, nil
	}
	args := make([]any, len(members))
	for i, m := range members {
		args[i] = m
	}
	n, err := s.client.ZRem(ctx, s.setKey, args...).Result()
	if err != nil {
		return 0, fmt.Errorf("%w: zrem: %v", ErrUnavailable, err)
	}
	return n, nil
}

// ZRangeLex returns members of the lex set between min and max, which are
// passed to Redis as-is: "[" marks an inclusive bound, "(" an exclusive one,
// and "-"/"+" the open ends. Pass reverse=true to scan in descending lex
// order (used for the predecessor scan).
func (s *Store) ZRangeLex(ctx context.Context, min, max string, reverse bool, limit int64) ([]string, error) {
	var (
		out []string
		err error
	)
	if reverse {
		out, err = s.client.ZRevRangeByLex(ctx, s.setKey, &redis.ZRangeBy{Min: min, Max: max, Count: limit}).Result()
	} else {
		out, err = s.client.ZRangeByLex(ctx, s.setKey, &redis.ZRangeBy{Min: min, Max: max, Count: limit}).Result()
	}
	if err != nil {
		return nil, fmt.Errorf("%w: zrange_lex: %v", ErrUnavailable, err)
	}
	return out, nil
}

// ZScanAll walks the entire set, used only for cleanup-by-suffix (spec §4.2).
func (s *Store) ZScanAll(ctx context.Context) ([]string, error) {
	var (
		out    []string
		cursor uint64
	)
	for {
		keys, next, err := s.client.ZScan(ctx, s.setKey, cursor, "*", 500).Result()
		if err != nil {
			return nil, fmt.Errorf("%w: zscan_all: %v", ErrUnavailable, err)
		}
		// ZSCAN returns alternating member/score pairs.
		for i := 0; i+1 < len(keys); i += 2 {
			out = append(out, keys[i])
		}
		cursor = next
		if cursor == 0 {
			break
		}
	}
	return out, nil
}
