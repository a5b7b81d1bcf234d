package memory

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"trivia-duel-service/internal/domain"
)

// AnswerKeyBackend is a slower, shared answer-key store (e.g., Redis) behind the local cache.
type AnswerKeyBackend interface {
	Put(ctx context.Context, key domain.AnswerKey) error
	Get(ctx context.Context, questionID string) (domain.AnswerKey, bool, error)
}

// AnswerKeyCache keeps answer keys in process with a TTL. Misses fall through to the
// optional backend, and concurrent misses for one question share a single backend read.
type AnswerKeyCache struct {
	next  AnswerKeyBackend
	ttl   time.Duration
	clock func() time.Time
	sf    singleflight.Group

	mu    sync.RWMutex
	rnd   *rand.Rand
	cache map[string]cachedKey
}

type cachedKey struct {
	key       domain.AnswerKey
	expiresAt time.Time
}

// NewAnswerKeyCache builds a cache. next may be nil.
func NewAnswerKeyCache(ttl time.Duration, next AnswerKeyBackend) *AnswerKeyCache {
	return &AnswerKeyCache{
		next:  next,
		ttl:   ttl,
		clock: time.Now,
		rnd:   rand.New(rand.NewSource(time.Now().UnixNano())),
		cache: make(map[string]cachedKey),
	}
}

func (c *AnswerKeyCache) Put(ctx context.Context, key domain.AnswerKey) error {
	c.store(key, c.clock())
	if c.next != nil {
		return c.next.Put(ctx, key)
	}
	return nil
}

func (c *AnswerKeyCache) Get(ctx context.Context, questionID string) (domain.AnswerKey, bool, error) {
	if key, ok := c.lookup(questionID, c.clock()); ok {
		return key, true, nil
	}
	if c.next == nil {
		return domain.AnswerKey{}, false, nil
	}

	result, err, _ := c.sf.Do(questionID, func() (interface{}, error) {
		now := c.clock()
		if key, ok := c.lookup(questionID, now); ok {
			return &key, nil
		}
		key, found, err := c.next.Get(ctx, questionID)
		if err != nil || !found {
			return nil, err
		}
		c.store(key, now)
		return &key, nil
	})
	if err != nil {
		return domain.AnswerKey{}, false, err
	}
	key, _ := result.(*domain.AnswerKey)
	if key == nil {
		return domain.AnswerKey{}, false, nil
	}
	return *key, true, nil
}

// Len counts cached entries, expired ones included.
func (c *AnswerKeyCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.cache)
}

func (c *AnswerKeyCache) lookup(questionID string, now time.Time) (domain.AnswerKey, bool) {
	c.mu.RLock()
	entry, ok := c.cache[questionID]
	c.mu.RUnlock()
	if !ok {
		return domain.AnswerKey{}, false
	}
	if c.ttl > 0 && !entry.expiresAt.After(now) {
		c.mu.Lock()
		if cur, ok := c.cache[questionID]; ok && cur.expiresAt == entry.expiresAt {
			delete(c.cache, questionID)
		}
		c.mu.Unlock()
		return domain.AnswerKey{}, false
	}
	return entry.key, true
}

func (c *AnswerKeyCache) store(key domain.AnswerKey, now time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cache[key.QuestionID] = cachedKey{key: key, expiresAt: now.Add(c.ttlWithJitter())}
}

// ttlWithJitter must be called with mu held.
func (c *AnswerKeyCache) ttlWithJitter() time.Duration {
	if c.ttl <= 0 {
		return 0
	}
	// add up to 10% jitter to spread expirations
	jitterMax := int64(c.ttl) / 10
	return c.ttl + time.Duration(c.rnd.Int63n(jitterMax+1))
}
