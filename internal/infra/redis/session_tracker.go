package redis

import (
	"context"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"trivia-duel-service/internal/app"
)

// SessionTracker publishes the active-battle set so other instances and tools can see it.
//   - duel:session:{id} is a hash {topic, users, practice, end_at}
//   - duel:user:{userID} points at the user's battle
//
// Keys expire at the battle end plus a margin. Writes go through one worker so
// Track/Untrack for a session are applied in order and never block the caller.
type SessionTracker struct {
	client *redis.Client
	margin time.Duration
	now    func() time.Time
	log    zerolog.Logger

	ops  chan trackerOp
	once sync.Once
	done chan struct{}
}

type trackerOp struct {
	track   *app.SessionSummary
	session string
	users   []string
}

func NewSessionTracker(client *redis.Client, margin time.Duration, log zerolog.Logger) *SessionTracker {
	t := &SessionTracker{
		client: client,
		margin: margin,
		now:    time.Now,
		log:    log.With().Str("component", "session_tracker").Logger(),
		ops:    make(chan trackerOp, 1024),
		done:   make(chan struct{}),
	}
	go t.run()
	return t
}

func (t *SessionTracker) Track(summary app.SessionSummary) {
	t.enqueue(trackerOp{track: &summary, session: summary.SessionID, users: summary.UserIDs})
}

func (t *SessionTracker) Untrack(sessionID string, userIDs []string) {
	t.enqueue(trackerOp{session: sessionID, users: userIDs})
}

// Close flushes pending writes and stops the worker.
func (t *SessionTracker) Close() {
	t.once.Do(func() { close(t.ops) })
	<-t.done
}

func (t *SessionTracker) enqueue(op trackerOp) {
	select {
	case t.ops <- op:
	default:
		t.log.Warn().Str("session", op.session).Msg("tracker backlog full, dropping update")
	}
}

func (t *SessionTracker) run() {
	defer close(t.done)
	for op := range t.ops {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		var err error
		if op.track != nil {
			err = t.track(ctx, *op.track)
		} else {
			err = t.untrack(ctx, op.session, op.users)
		}
		cancel()
		if err != nil {
			t.log.Warn().Err(err).Str("session", op.session).Msg("session tracker write failed")
		}
	}
}

func (t *SessionTracker) track(ctx context.Context, s app.SessionSummary) error {
	ttl := time.Unix(s.EndAt, 0).Sub(t.now()) + t.margin
	if ttl <= 0 {
		ttl = t.margin
	}
	pipe := t.client.TxPipeline()
	pipe.HSet(ctx, sessionKey(s.SessionID), map[string]interface{}{
		"topic":    s.Topic,
		"users":    strings.Join(s.UserIDs, ","),
		"practice": strconv.FormatBool(s.Practice),
		"end_at":   s.EndAt,
	})
	pipe.Expire(ctx, sessionKey(s.SessionID), ttl)
	for _, uid := range s.UserIDs {
		pipe.Set(ctx, userKey(uid), s.SessionID, ttl)
	}
	_, err := pipe.Exec(ctx)
	return err
}

func (t *SessionTracker) untrack(ctx context.Context, sessionID string, userIDs []string) error {
	pipe := t.client.Pipeline()
	pipe.Del(ctx, sessionKey(sessionID))
	for _, uid := range userIDs {
		// only clear the pointer if it still names this battle
		pipe.Eval(ctx, delIfEquals, []string{userKey(uid)}, sessionID)
	}
	_, err := pipe.Exec(ctx)
	return err
}

const delIfEquals = `if redis.call("GET", KEYS[1]) == ARGV[1] then return redis.call("DEL", KEYS[1]) end return 0`

func sessionKey(id string) string {
	return "duel:session:" + id
}

func userKey(userID string) string {
	return "duel:user:" + userID
}
