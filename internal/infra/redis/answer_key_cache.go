package redis

import (
	"context"
	"encoding/json"
	"errors"
	"math/rand"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rotisserie/eris"

	"trivia-duel-service/internal/domain"
)

// AnswerKeyCache shares answer keys between instances.
// Each question is stored as: HSET question:{questionID}:answer letter {L} text {T} options {json}
type AnswerKeyCache struct {
	client *redis.Client
	ttl    time.Duration

	mu  sync.Mutex
	rnd *rand.Rand
}

func NewAnswerKeyCache(client *redis.Client, ttl time.Duration) *AnswerKeyCache {
	return &AnswerKeyCache{
		client: client,
		ttl:    ttl,
		rnd:    rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

func (c *AnswerKeyCache) Put(ctx context.Context, key domain.AnswerKey) error {
	options, err := json.Marshal(key.Options)
	if err != nil {
		return eris.Wrap(err, "encode answer options")
	}
	k := answerKey(key.QuestionID)
	pipe := c.client.TxPipeline()
	pipe.HSet(ctx, k, map[string]interface{}{
		"letter":  key.CorrectLetter,
		"text":    key.CorrectText,
		"options": string(options),
	})
	if ttl := c.ttlWithJitter(); ttl > 0 {
		pipe.Expire(ctx, k, ttl)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return eris.Wrapf(err, "cache answer key %s", key.QuestionID)
	}
	return nil
}

func (c *AnswerKeyCache) Get(ctx context.Context, questionID string) (domain.AnswerKey, bool, error) {
	fields, err := c.client.HGetAll(ctx, answerKey(questionID)).Result()
	if errors.Is(err, redis.Nil) || (err == nil && len(fields) == 0) {
		return domain.AnswerKey{}, false, nil
	}
	if err != nil {
		return domain.AnswerKey{}, false, eris.Wrapf(err, "read answer key %s", questionID)
	}
	key := domain.AnswerKey{
		QuestionID:    questionID,
		CorrectLetter: fields["letter"],
		CorrectText:   fields["text"],
	}
	if raw := fields["options"]; raw != "" {
		if err := json.Unmarshal([]byte(raw), &key.Options); err != nil {
			return domain.AnswerKey{}, false, eris.Wrapf(err, "decode answer options %s", questionID)
		}
	}
	return key, true, nil
}

func answerKey(questionID string) string {
	return "question:" + questionID + ":answer"
}

func (c *AnswerKeyCache) ttlWithJitter() time.Duration {
	if c.ttl <= 0 {
		return 0
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	jitterMax := int64(c.ttl) / 10
	return c.ttl + time.Duration(c.rnd.Int63n(jitterMax+1))
}
