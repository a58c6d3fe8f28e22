package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/moneygrid/identity/internal/domain"
	"github.com/moneygrid/identity/internal/repository"
)

const codeKeyPrefix = "authcode:"

// RedisCodeStore keeps authorization codes in Redis. Codes live ten minutes at
// most, so the TTL does the cleanup, and GETDEL gives single-use semantics
// without a transaction: exactly one consumer observes the value.
type RedisCodeStore struct {
	client redis.UniversalClient
}

var _ repository.CodeRepository = (*RedisCodeStore)(nil)

// NewRedisCodeStore wires the store.
func NewRedisCodeStore(client redis.UniversalClient) *RedisCodeStore {
	return &RedisCodeStore{client: client}
}

// Create persists the code with a TTL matching its expiry.
func (s *RedisCodeStore) Create(ctx context.Context, code domain.AuthorizationCode) error {
	payload, err := json.Marshal(code)
	if err != nil {
		return fmt.Errorf("marshal authorization code: %w", err)
	}
	ttl := time.Until(code.ExpiresAt)
	if ttl <= 0 {
		return fmt.Errorf("authorization code already expired")
	}
	if err := s.client.Set(ctx, codeKey(code.ID), payload, ttl).Err(); err != nil {
		return fmt.Errorf("store authorization code: %w", err)
	}
	return nil
}

// Consume atomically fetches and deletes the code. A replay, an expired code,
// and a code that never existed are indistinguishable here.
func (s *RedisCodeStore) Consume(ctx context.Context, codeID int64) (domain.AuthorizationCode, error) {
	payload, err := s.client.GetDel(ctx, codeKey(codeID)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return domain.AuthorizationCode{}, domain.ErrNotFound
		}
		return domain.AuthorizationCode{}, fmt.Errorf("consume authorization code: %w", err)
	}
	var code domain.AuthorizationCode
	if err := json.Unmarshal(payload, &code); err != nil {
		return domain.AuthorizationCode{}, fmt.Errorf("unmarshal authorization code: %w", err)
	}
	return code, nil
}

func codeKey(id int64) string {
	return fmt.Sprintf("%s%d", codeKeyPrefix, id)
}
