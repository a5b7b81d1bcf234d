package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"trivia-duel-service/internal/domain"
	"trivia-duel-service/internal/rating"
)

// Reward constants for rated battles.
const (
	CurrencyPerCorrect = 10
	WinnerBonus        = 100
	HighAccuracyBonus  = 50
	FairAccuracyBonus  = 25
	highAccuracy       = 0.75
	fairAccuracy       = 0.6
)

// PlayerResult is the frozen score line of one seat.
type PlayerResult struct {
	UserID      string
	DisplayName string
	IsBot       bool
	Correct     int
	Total       int
	// LastCorrectElapsed is nil when the seat never answered correctly.
	LastCorrectElapsed *time.Duration
}

// Accuracy is correct/total, or 0 without answers.
func (r PlayerResult) Accuracy() float64 {
	if r.Total == 0 {
		return 0
	}
	return float64(r.Correct) / float64(r.Total)
}

// MatchSnapshot is everything settlement needs once the session left the active set.
type MatchSnapshot struct {
	SessionID string
	Topic     string
	Room      string
	Practice  bool
	Reason    string
	// Forfeit is the side that lost by disconnect, SideNone otherwise.
	Forfeit domain.Side
	Players [2]PlayerResult
}

// DecideWinner orders two score lines. SideNone means a draw.
func DecideWinner(one, two PlayerResult, forfeit domain.Side) domain.Side {
	switch forfeit {
	case domain.SideOne:
		return domain.SideTwo
	case domain.SideTwo:
		return domain.SideOne
	}
	if one.Correct != two.Correct {
		if one.Correct > two.Correct {
			return domain.SideOne
		}
		return domain.SideTwo
	}
	if a1, a2 := one.Accuracy(), two.Accuracy(); a1 != a2 {
		if a1 > a2 {
			return domain.SideOne
		}
		return domain.SideTwo
	}
	t1, t2 := lastCorrect(one), lastCorrect(two)
	switch {
	case t1 < t2:
		return domain.SideOne
	case t2 < t1:
		return domain.SideTwo
	}
	return domain.SideNone
}

func lastCorrect(r PlayerResult) time.Duration {
	if r.LastCorrectElapsed == nil {
		return time.Duration(1<<63 - 1)
	}
	return *r.LastCorrectElapsed
}

// CurrencyReward is base + accuracy bonus + winner bonus.
func CurrencyReward(r PlayerResult, won bool) int {
	reward := CurrencyPerCorrect * r.Correct
	switch acc := r.Accuracy(); {
	case acc > highAccuracy:
		reward += HighAccuracyBonus
	case acc > fairAccuracy:
		reward += FairAccuracyBonus
	}
	if won {
		reward += WinnerBonus
	}
	return reward
}

// SettlementEngine finalizes battles: winner, ratings, rewards, persistence and the final broadcast.
type SettlementEngine struct {
	store        Store
	notify       Notifier
	clock        clock.Clock
	log          zerolog.Logger
	retries      uint64
	retryBackoff time.Duration
}

// SettlementOption customizes a SettlementEngine.
type SettlementOption func(*SettlementEngine)

// WithPersistRetry bounds persistence retries.
func WithPersistRetry(retries uint64, initial time.Duration) SettlementOption {
	return func(e *SettlementEngine) {
		e.retries = retries
		e.retryBackoff = initial
	}
}

// WithSettlementClock sets the clock stamped on match records.
func WithSettlementClock(c clock.Clock) SettlementOption {
	return func(e *SettlementEngine) { e.clock = c }
}

func NewSettlementEngine(store Store, notify Notifier, log zerolog.Logger, opts ...SettlementOption) *SettlementEngine {
	e := &SettlementEngine{
		store:        store,
		notify:       notify,
		clock:        clock.New(),
		log:          log.With().Str("component", "settlement").Logger(),
		retries:      3,
		retryBackoff: 200 * time.Millisecond,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Settle runs exactly once per battle, after the session has been deregistered.
func (e *SettlementEngine) Settle(ctx context.Context, m MatchSnapshot) error {
	defer e.notify.CloseRoom(m.Room)
	log := e.log.With().Str("session", m.SessionID).Str("reason", m.Reason).Logger()

	one, two := m.Players[0], m.Players[1]
	winner := DecideWinner(one, two, m.Forfeit)
	results := finalResults(m, winner)

	// battles cut short by a restart are reported but not rated
	if m.Practice || one.IsBot || two.IsBot || m.Reason == domain.ReasonShutdown {
		log.Info().Str("winner", string(winner)).Msg("unrated battle complete")
		e.notify.Broadcast(m.Room, domain.Event{Type: domain.EventBattleComplete, Payload: domain.BattleComplete{
			FinalResults: results,
			Rewards: map[string]domain.Reward{
				one.UserID: {},
				two.UserID: {},
			},
		}})
		return nil
	}

	rewards, err := e.settleRated(ctx, m, winner)
	if err != nil {
		log.Error().Err(err).Msg("settlement not persisted")
		e.notify.Broadcast(m.Room, domain.Event{Type: domain.EventBattleComplete, Payload: domain.BattleComplete{
			FinalResults: results,
			Error:        domain.ErrorCodeSettlementFailed,
		}})
		return fmt.Errorf("%w: %w", domain.ErrSettlementFailed, err)
	}

	log.Info().Str("winner", string(winner)).Msg("battle settled")
	e.notify.Broadcast(m.Room, domain.Event{Type: domain.EventBattleComplete, Payload: domain.BattleComplete{
		FinalResults: results,
		Rewards:      rewards,
	}})
	return nil
}

func (e *SettlementEngine) settleRated(ctx context.Context, m MatchSnapshot, winner domain.Side) (map[string]domain.Reward, error) {
	var (
		users  [2]domain.User
		played [2]int
	)
	g, gctx := errgroup.WithContext(ctx)
	for i := range m.Players {
		i := i
		g.Go(func() error {
			u, err := e.store.LoadUser(gctx, m.Players[i].UserID)
			if errors.Is(err, domain.ErrUserNotFound) {
				u, err = domain.User{ID: m.Players[i].UserID, Rating: domain.DefaultRating}, nil
			}
			if err != nil {
				return fmt.Errorf("load user %s: %w", m.Players[i].UserID, err)
			}
			users[i] = u
			return nil
		})
		g.Go(func() error {
			n, err := e.store.CountMatches(gctx, m.Players[i].UserID)
			if err != nil {
				return fmt.Errorf("count matches %s: %w", m.Players[i].UserID, err)
			}
			played[i] = n
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	sides := [2]domain.Side{domain.SideOne, domain.SideTwo}
	settlement := domain.Settlement{Match: domain.MatchRecord{
		SessionID:      m.SessionID,
		Topic:          m.Topic,
		PlayerOneID:    m.Players[0].UserID,
		PlayerTwoID:    m.Players[1].UserID,
		PlayerOneScore: m.Players[0].Correct,
		PlayerTwoScore: m.Players[1].Correct,
		PlayerOneTotal: m.Players[0].Total,
		PlayerTwoTotal: m.Players[1].Total,
		WinnerID:       winnerID(m, winner),
		Reason:         m.Reason,
		CreatedAt:      e.clock.Now(),
	}}
	rewards := make(map[string]domain.Reward, 2)
	for i, side := range sides {
		p := m.Players[i]
		won := winner == side
		score := rating.Draw
		switch winner {
		case side:
			score = rating.Win
		case side.Opponent():
			score = rating.Loss
		}
		newRating := rating.Update(users[i].Rating, users[1-i].Rating, score, played[i])
		currency := CurrencyReward(p, won)
		settlement.Updates[i] = domain.UserUpdate{
			UserID:         p.UserID,
			Topic:          m.Topic,
			NewRating:      newRating,
			CurrencyGained: currency,
			Correct:        p.Correct,
			Incorrect:      p.Total - p.Correct,
			Won:            won,
		}
		rewards[p.UserID] = domain.Reward{Currency: currency, RatingChange: newRating - users[i].Rating}
	}

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = e.retryBackoff
	err := backoff.Retry(func() error {
		return e.store.ApplySettlement(ctx, settlement)
	}, backoff.WithContext(backoff.WithMaxRetries(policy, e.retries), ctx))
	if err != nil {
		return nil, err
	}
	return rewards, nil
}

func finalResults(m MatchSnapshot, winner domain.Side) *domain.FinalResults {
	line := func(r PlayerResult) domain.SideResult {
		return domain.SideResult{UserID: r.UserID, Correct: r.Correct, Total: r.Total, Accuracy: r.Accuracy()}
	}
	res := &domain.FinalResults{
		BattleID:  m.SessionID,
		Topic:     m.Topic,
		PlayerOne: line(m.Players[0]),
		PlayerTwo: line(m.Players[1]),
		Reason:    m.Reason,
	}
	if id := winnerID(m, winner); id != "" {
		res.Winner = &id
	}
	return res
}

func winnerID(m MatchSnapshot, winner domain.Side) string {
	switch winner {
	case domain.SideOne:
		return m.Players[0].UserID
	case domain.SideTwo:
		return m.Players[1].UserID
	}
	return ""
}
