package memory

import (
	"context"
	"sync"

	"trivia-duel-service/internal/domain"
)

// Store is an in-memory implementation of app.Store, used when no Postgres DSN is configured.
type Store struct {
	mu      sync.RWMutex
	users   map[string]domain.User
	matches []domain.MatchRecord
}

func NewStore() *Store {
	return &Store{
		users: make(map[string]domain.User),
	}
}

// SeedUser stores a profile as-is.
func (s *Store) SeedUser(u domain.User) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.users[u.ID] = cloneUser(u)
}

func (s *Store) LoadUser(_ context.Context, userID string) (domain.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	u, ok := s.users[userID]
	if !ok {
		return domain.User{}, domain.ErrUserNotFound
	}
	return cloneUser(u), nil
}

func (s *Store) CountMatches(_ context.Context, userID string) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := 0
	for _, m := range s.matches {
		if m.PlayerOneID == userID || m.PlayerTwoID == userID {
			n++
		}
	}
	return n, nil
}

// ApplySettlement updates both users and appends the match under one lock.
// A match that is already recorded is skipped.
func (s *Store) ApplySettlement(_ context.Context, st domain.Settlement) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, m := range s.matches {
		if m.SessionID == st.Match.SessionID {
			return nil
		}
	}
	for _, up := range st.Updates {
		u, ok := s.users[up.UserID]
		if !ok {
			u = domain.User{ID: up.UserID, Rating: domain.DefaultRating}
		}
		if u.Stats == nil {
			u.Stats = make(map[string]domain.TopicStats)
		}
		u.Rating = up.NewRating
		u.Currency += up.CurrencyGained
		stats := u.Stats[up.Topic]
		stats.Correct += up.Correct
		stats.Incorrect += up.Incorrect
		u.Stats[up.Topic] = stats
		// losers and both sides of a draw reset
		if up.Won {
			u.WinStreak++
		} else {
			u.WinStreak = 0
		}
		s.users[up.UserID] = u
	}
	s.matches = append(s.matches, st.Match)
	return nil
}

// Matches returns a copy of the match history.
func (s *Store) Matches() []domain.MatchRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]domain.MatchRecord, len(s.matches))
	copy(out, s.matches)
	return out
}

func cloneUser(u domain.User) domain.User {
	if u.Stats != nil {
		stats := make(map[string]domain.TopicStats, len(u.Stats))
		for k, v := range u.Stats {
			stats[k] = v
		}
		u.Stats = stats
	}
	return u
}
