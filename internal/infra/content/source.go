// Package content supplies battle questions: provider sampling with bounded retries,
// a built-in fallback question, and the answer-key cache used for grading.
package content

import (
	"context"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rotisserie/eris"
	"github.com/rs/zerolog"

	"trivia-duel-service/internal/app"
	"trivia-duel-service/internal/domain"
	"trivia-duel-service/internal/infra/enem"
)

// Provider samples one question for a discipline.
type Provider interface {
	Pick(ctx context.Context, discipline string) (domain.Question, domain.AnswerKey, error)
}

// AnswerKeyCache stores answer keys until grading.
type AnswerKeyCache interface {
	Put(ctx context.Context, key domain.AnswerKey) error
	Get(ctx context.Context, questionID string) (domain.AnswerKey, bool, error)
}

// DefaultAttempts is how many provider samples one fetch may take.
const DefaultAttempts = 6

// Source implements app.QuestionSource.
type Source struct {
	provider Provider
	keys     AnswerKeyCache
	attempts uint64
	retry    time.Duration
	now      func() time.Time
	log      zerolog.Logger
}

type Option func(*Source)

// WithAttempts bounds provider samples per fetch.
func WithAttempts(n int) Option {
	return func(s *Source) {
		if n > 0 {
			s.attempts = uint64(n)
		}
	}
}

// WithRetryInterval sets the initial backoff between samples.
func WithRetryInterval(d time.Duration) Option {
	return func(s *Source) { s.retry = d }
}

func WithLogger(l zerolog.Logger) Option {
	return func(s *Source) { s.log = l }
}

func NewSource(provider Provider, keys AnswerKeyCache, opts ...Option) *Source {
	s := &Source{
		provider: provider,
		keys:     keys,
		attempts: DefaultAttempts,
		retry:    100 * time.Millisecond,
		now:      time.Now,
		log:      zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.log = s.log.With().Str("component", "content").Logger()
	return s
}

var _ app.QuestionSource = (*Source)(nil)

// Fetch samples the provider up to the attempt limit. When every attempt fails a local
// question is served, unless opts.Strict, which yields domain.ErrContentUnavailable.
func (s *Source) Fetch(ctx context.Context, topic string, opts app.FetchOptions) (domain.Question, error) {
	discipline := enem.Discipline(topic)

	var (
		q   domain.Question
		key domain.AnswerKey
	)
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = s.retry
	attempt := 0
	err := backoff.Retry(func() error {
		attempt++
		var err error
		q, key, err = s.provider.Pick(ctx, discipline)
		if err != nil {
			s.log.Debug().Err(err).Int("attempt", attempt).Str("discipline", discipline).Msg("provider sample failed")
		}
		return err
	}, backoff.WithContext(backoff.WithMaxRetries(policy, s.attempts-1), ctx))

	if err != nil {
		if opts.Strict {
			return domain.Question{}, fmt.Errorf("%w: %w", domain.ErrContentUnavailable, err)
		}
		s.log.Warn().Err(err).Str("discipline", discipline).Msg("provider exhausted, serving fallback question")
		q, key = Fallback(discipline, s.now())
	}

	if err := s.keys.Put(ctx, key); err != nil {
		// a question that cannot be graded is useless
		return domain.Question{}, eris.Wrapf(err, "store answer key %s", key.QuestionID)
	}
	return q, nil
}

// LookupAnswerKey reads the cached key. Cache errors count as a miss.
func (s *Source) LookupAnswerKey(ctx context.Context, questionID string) (domain.AnswerKey, bool) {
	key, ok, err := s.keys.Get(ctx, questionID)
	if err != nil {
		s.log.Warn().Err(err).Str("question", questionID).Msg("answer key lookup failed")
		return domain.AnswerKey{}, false
	}
	return key, ok
}

// Fallback builds the built-in question served when the provider is unavailable.
func Fallback(discipline string, now time.Time) (domain.Question, domain.AnswerKey) {
	id := fmt.Sprintf("local-%d", now.UnixMilli())
	options := []domain.Option{
		{Letter: "A", Text: "1"},
		{Letter: "B", Text: "x"},
		{Letter: "C", Text: "2x"},
		{Letter: "D", Text: "x^2"},
	}
	q := domain.Question{
		ID:        id,
		Topic:     discipline,
		Text:      "Qual a derivada de x^2?",
		ImageURLs: []string{},
		Options:   options,
	}
	return q, domain.AnswerKey{QuestionID: id, CorrectLetter: "C", CorrectText: "2x", Options: options}
}
