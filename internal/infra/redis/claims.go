package redis

import (
	"context"
	"os"
	"strconv"
	"time"

	"github.com/vietddude/notifyguard/internal/core/domain"
)

// ClaimStore coordinates capacity notifications across processes. The first
// process to claim a resource owns its notification until the claim expires.
type ClaimStore struct {
	c     *Client
	ttl   time.Duration
	owner string
}

// NewClaimStore creates a claim store. ttl <= 0 means 24h.
func NewClaimStore(c *Client, ttl time.Duration) *ClaimStore {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	host, _ := os.Hostname()
	return &ClaimStore{c: c, ttl: ttl, owner: host + ":" + strconv.Itoa(os.Getpid())}
}

// Claim returns true when this process won the claim for id.
func (s *ClaimStore) Claim(ctx context.Context, id domain.ResourceID) (bool, error) {
	ok, err := s.c.rdb.SetNX(ctx, s.c.claimKey(string(id)), s.owner, s.ttl).Result()
	if err != nil {
		return false, storeErr("setnx", err)
	}
	return ok, nil
}

// Owner returns the current holder of the claim, or "" when unclaimed.
func (s *ClaimStore) Owner(ctx context.Context, id domain.ResourceID) (string, error) {
	v, err := s.c.rdb.Get(ctx, s.c.claimKey(string(id))).Result()
	if isNil(err) {
		return "", nil
	}
	if err != nil {
		return "", storeErr("get", err)
	}
	return v, nil
}

// Release drops the claim for id.
func (s *ClaimStore) Release(ctx context.Context, id domain.ResourceID) error {
	return storeErr("del", s.c.rdb.Del(ctx, s.c.claimKey(string(id))).Err())
}
