package auth

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"maps"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/StricklySoft/authgate/pkg/clients/redis"
	sserr "github.com/StricklySoft/authgate/pkg/errors"
)

// ResourceGrant is the set of resources one subject may access, as
// returned by the authorization service. Resources is sorted and free of
// duplicates. Roles optionally maps a resource to the caller's role on it.
// AccountRoles and Permissions hold account-wide roles and permission
// strings, sorted and free of duplicates.
type ResourceGrant struct {
	Resources    []string          `json:"resources"`
	Roles        map[string]string `json:"roles,omitempty"`
	AccountRoles []string          `json:"account_roles,omitempty"`
	Permissions  []string          `json:"permissions,omitempty"`
	FetchedAt    time.Time         `json:"fetched_at"`
	TTL          time.Duration     `json:"ttl"`
}

// Fresh reports whether the grant may still be served at now.
func (g *ResourceGrant) Fresh(now time.Time) bool {
	return g != nil && now.Sub(g.FetchedAt) < g.TTL
}

// Contains reports whether resource is in the grant.
func (g *ResourceGrant) Contains(resource string) bool {
	if g == nil {
		return false
	}
	_, ok := slices.BinarySearch(g.Resources, resource)
	return ok
}

func (g *ResourceGrant) clone() *ResourceGrant {
	c := *g
	c.Resources = slices.Clone(g.Resources)
	c.Roles = maps.Clone(g.Roles)
	c.AccountRoles = slices.Clone(g.AccountRoles)
	c.Permissions = slices.Clone(g.Permissions)
	return &c
}

// normalizeResources trims, drops empty identifiers and returns a sorted,
// duplicate-free copy. The result is never nil.
func normalizeResources(in []string) []string {
	out := make([]string, 0, len(in))
	for _, r := range in {
		if r = strings.TrimSpace(r); r != "" {
			out = append(out, r)
		}
	}
	slices.Sort(out)
	return slices.Compact(out)
}

// SubjectHash returns the stable digest used to key grants and to refer to
// subjects in logs: the hex form of the first 16 bytes of SHA-256(subject).
// Subjects are case-sensitive identifiers, so only surrounding whitespace
// is trimmed.
func SubjectHash(subject string) string {
	sum := sha256.Sum256([]byte(strings.TrimSpace(subject)))
	return hex.EncodeToString(sum[:16])
}

// ---------------------------------------------------------------------------
// Grant stores
// ---------------------------------------------------------------------------

// GrantStore persists grants by key. Get reports ok=false on a miss. Stores
// may return expired grants; freshness is decided by [PermissionCache].
type GrantStore interface {
	Get(ctx context.Context, key string) (grant *ResourceGrant, ok bool, err error)
	Put(ctx context.Context, key string, grant *ResourceGrant) error
	Delete(ctx context.Context, key string) error
}

// MemoryGrantStore is a bounded in-process [GrantStore]. When full, expired
// entries are dropped first, then the oldest grant.
type MemoryGrantStore struct {
	mu         sync.RWMutex
	entries    map[string]*ResourceGrant
	maxEntries int
	now        func() time.Time
}

// NewMemoryGrantStore creates a store holding at most maxEntries grants.
// Zero or less means [DefaultMaxGrantEntries].
func NewMemoryGrantStore(maxEntries int) *MemoryGrantStore {
	if maxEntries <= 0 {
		maxEntries = DefaultMaxGrantEntries
	}
	return &MemoryGrantStore{
		entries:    make(map[string]*ResourceGrant),
		maxEntries: maxEntries,
		now:        time.Now,
	}
}

func (s *MemoryGrantStore) Get(_ context.Context, key string) (*ResourceGrant, bool, error) {
	s.mu.RLock()
	g, ok := s.entries[key]
	s.mu.RUnlock()
	if !ok {
		return nil, false, nil
	}
	return g.clone(), true, nil
}

func (s *MemoryGrantStore) Put(_ context.Context, key string, grant *ResourceGrant) error {
	if grant == nil {
		return sserr.New(sserr.CodeValidationRequired, "auth: grant is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.entries[key]; !exists && len(s.entries) >= s.maxEntries {
		s.evictLocked()
	}
	s.entries[key] = grant.clone()
	return nil
}

func (s *MemoryGrantStore) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	delete(s.entries, key)
	s.mu.Unlock()
	return nil
}

// Len returns the number of stored grants, fresh or not.
func (s *MemoryGrantStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}

func (s *MemoryGrantStore) evictLocked() {
	now := s.now()
	var oldestKey string
	var oldest time.Time
	for k, g := range s.entries {
		if !g.Fresh(now) {
			delete(s.entries, k)
			continue
		}
		if oldestKey == "" || g.FetchedAt.Before(oldest) {
			oldestKey, oldest = k, g.FetchedAt
		}
	}
	if len(s.entries) >= s.maxEntries && oldestKey != "" {
		delete(s.entries, oldestKey)
	}
}

// RedisKV is the subset of [redis.Client] used by [RedisGrantStore].
type RedisKV interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte, expiration time.Duration) error
	Del(ctx context.Context, keys ...string) (int64, error)
}

var _ RedisKV = (*redis.Client)(nil)

// RedisGrantStore shares grants between instances through Redis. Grants
// are JSON encoded and expire in Redis when their TTL runs out.
type RedisGrantStore struct {
	kv  RedisKV
	now func() time.Time
}

// NewRedisGrantStore creates a store on kv.
func NewRedisGrantStore(kv RedisKV) *RedisGrantStore {
	return &RedisGrantStore{kv: kv, now: time.Now}
}

func (s *RedisGrantStore) Get(ctx context.Context, key string) (*ResourceGrant, bool, error) {
	data, err := s.kv.Get(ctx, key)
	if err != nil {
		if redis.IsNil(err) {
			return nil, false, nil
		}
		return nil, false, err
	}
	var g ResourceGrant
	if err := json.Unmarshal(data, &g); err != nil {
		return nil, false, sserr.Wrap(err, sserr.CodeInternalStore, "auth: stored grant is corrupt")
	}
	return &g, true, nil
}

// Put stores grant until it goes stale. A grant that is already stale is
// not written.
func (s *RedisGrantStore) Put(ctx context.Context, key string, grant *ResourceGrant) error {
	if grant == nil {
		return sserr.New(sserr.CodeValidationRequired, "auth: grant is required")
	}
	remaining := grant.TTL - s.now().Sub(grant.FetchedAt)
	if remaining <= 0 {
		return nil
	}
	data, err := json.Marshal(grant)
	if err != nil {
		return sserr.Wrap(err, sserr.CodeInternalStore, "auth: failed to encode grant")
	}
	return s.kv.Set(ctx, key, data, remaining)
}

func (s *RedisGrantStore) Delete(ctx context.Context, key string) error {
	_, err := s.kv.Del(ctx, key)
	return err
}
