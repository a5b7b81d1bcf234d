package postgres

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v4"
	"github.com/jackc/pgx/v4/pgxpool"
	"github.com/rotisserie/eris"

	"trivia-duel-service/internal/domain"
)

// Store persists profiles and match history in Postgres.
type Store struct {
	pool *pgxpool.Pool
}

func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

func (s *Store) LoadUser(ctx context.Context, userID string) (domain.User, error) {
	u := domain.User{ID: userID, Stats: make(map[string]domain.TopicStats)}
	err := s.pool.QueryRow(ctx,
		`SELECT rating, currency, win_streak FROM users WHERE id=$1`, userID,
	).Scan(&u.Rating, &u.Currency, &u.WinStreak)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.User{}, domain.ErrUserNotFound
	}
	if err != nil {
		return domain.User{}, eris.Wrapf(err, "load user %s", userID)
	}

	rows, err := s.pool.Query(ctx, `SELECT topic, correct, incorrect FROM user_topic_stats WHERE user_id=$1`, userID)
	if err != nil {
		return domain.User{}, eris.Wrapf(err, "load stats %s", userID)
	}
	defer rows.Close()
	for rows.Next() {
		var (
			topic string
			ts    domain.TopicStats
		)
		if err := rows.Scan(&topic, &ts.Correct, &ts.Incorrect); err != nil {
			return domain.User{}, eris.Wrap(err, "scan topic stats")
		}
		u.Stats[topic] = ts
	}
	return u, eris.Wrap(rows.Err(), "iterate topic stats")
}

func (s *Store) CountMatches(ctx context.Context, userID string) (int, error) {
	var n int
	err := s.pool.QueryRow(ctx,
		`SELECT count(*) FROM battles WHERE player_one_id=$1 OR player_two_id=$1`, userID,
	).Scan(&n)
	if err != nil {
		return 0, eris.Wrapf(err, "count matches %s", userID)
	}
	return n, nil
}

// ApplySettlement writes both profiles, their topic tallies and the battle row in one transaction.
// The battle row goes first: if it already exists the settlement was committed before and nothing is touched.
func (s *Store) ApplySettlement(ctx context.Context, st domain.Settlement) error {
	err := s.pool.BeginFunc(ctx, func(tx pgx.Tx) error {
		m := st.Match
		var winner *string
		if m.WinnerID != "" {
			winner = &m.WinnerID
		}
		tag, err := tx.Exec(ctx, `
			INSERT INTO battles (id, topic, player_one_id, player_two_id, player_one_score, player_two_score,
				player_one_total, player_two_total, winner_id, reason, created_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
			ON CONFLICT (id) DO NOTHING`,
			m.SessionID, m.Topic, m.PlayerOneID, m.PlayerTwoID, m.PlayerOneScore, m.PlayerTwoScore,
			m.PlayerOneTotal, m.PlayerTwoTotal, winner, m.Reason, m.CreatedAt,
		)
		if err != nil {
			return eris.Wrapf(err, "insert battle %s", m.SessionID)
		}
		if tag.RowsAffected() == 0 {
			return nil
		}

		for _, up := range st.Updates {
			if _, err := tx.Exec(ctx, `
				INSERT INTO users (id, rating, currency, win_streak, updated_at)
				VALUES ($1, $2, $3, CASE WHEN $4 THEN 1 ELSE 0 END, now())
				ON CONFLICT (id) DO UPDATE SET
					rating = EXCLUDED.rating,
					currency = users.currency + EXCLUDED.currency,
					win_streak = CASE WHEN $4 THEN users.win_streak + 1 ELSE 0 END,
					updated_at = now()`,
				up.UserID, up.NewRating, up.CurrencyGained, up.Won,
			); err != nil {
				return eris.Wrapf(err, "update user %s", up.UserID)
			}
			if _, err := tx.Exec(ctx, `
				INSERT INTO user_topic_stats (user_id, topic, correct, incorrect)
				VALUES ($1, $2, $3, $4)
				ON CONFLICT (user_id, topic) DO UPDATE SET
					correct = user_topic_stats.correct + EXCLUDED.correct,
					incorrect = user_topic_stats.incorrect + EXCLUDED.incorrect`,
				up.UserID, up.Topic, up.Correct, up.Incorrect,
			); err != nil {
				return eris.Wrapf(err, "update stats %s", up.UserID)
			}
		}
		return nil
	})
	return eris.Wrap(err, "apply settlement")
}
