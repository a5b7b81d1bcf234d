package app

import (
	"context"

	"trivia-duel-service/internal/domain"
)

// FetchOptions tunes a question fetch.
type FetchOptions struct {
	// Strict forbids substituting a local fallback question.
	Strict bool
}

// QuestionSource supplies questions and their cached answer keys.
type QuestionSource interface {
	Fetch(ctx context.Context, topic string, opts FetchOptions) (domain.Question, error)
	LookupAnswerKey(ctx context.Context, questionID string) (domain.AnswerKey, bool)
}

// Store persists ratings, currency, stats and match history.
type Store interface {
	// LoadUser returns domain.ErrUserNotFound for users without a profile; they start at DefaultRating.
	LoadUser(ctx context.Context, userID string) (domain.User, error)
	// CountMatches counts completed matches in either seat.
	CountMatches(ctx context.Context, userID string) (int, error)
	// ApplySettlement persists both user updates and the match record as one unit.
	// It must succeed without changes when the match was already recorded.
	ApplySettlement(ctx context.Context, s domain.Settlement) error
}

// Notifier delivers events to connections and rooms.
type Notifier interface {
	Send(connID string, ev domain.Event)
	Join(room, connID string)
	Leave(room, connID string)
	Broadcast(room string, ev domain.Event)
	CloseRoom(room string)
}

// SessionTracker mirrors the active-session set for other processes. Implementations must not block.
type SessionTracker interface {
	Track(summary SessionSummary)
	Untrack(sessionID string, userIDs []string)
}

// SessionSummary is the tracker view of an active battle.
type SessionSummary struct {
	SessionID string
	Topic     string
	UserIDs   []string
	Practice  bool
	EndAt     int64
}

// Rand is the random source used by the bot and by question picks.
// *rand.Rand satisfies it.
type Rand interface {
	Float64() float64
	Intn(n int) int
}

type nopTracker struct{}

func (nopTracker) Track(SessionSummary)     {}
func (nopTracker) Untrack(string, []string) {}
