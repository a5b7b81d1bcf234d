package app

import (
	"time"

	"github.com/benbjohnson/clock"

	"trivia-duel-service/internal/domain"
)

// SessionState is the lifecycle stage of a battle.
type SessionState int

const (
	StateForming SessionState = iota
	StateActive
	StateSettling
	StateClosed
)

func (s SessionState) String() string {
	switch s {
	case StateForming:
		return "forming"
	case StateActive:
		return "active"
	case StateSettling:
		return "settling"
	case StateClosed:
		return "closed"
	}
	return "unknown"
}

// PlayerState is one seat of a battle. Only the owning session mutates it.
type PlayerState struct {
	UserID         string
	DisplayName    string
	ConnID         string
	IsBot          bool
	Score          int
	TotalAnswers   int
	CorrectAnswers int
	// LastCorrectElapsed is nil until the first correct answer.
	LastCorrectElapsed *time.Duration
	CurrentQuestion    *domain.Question
	// Answered is set between a submission and the arrival of the next question.
	Answered     bool
	Disconnected bool

	disconnectTimer *clock.Timer
	graceSeq        int
}

// Pending reports whether the seat holds an unanswered question.
func (p *PlayerState) Pending() bool {
	return p.CurrentQuestion != nil && !p.Answered
}

func (p *PlayerState) stopGrace() {
	if p.disconnectTimer != nil {
		p.disconnectTimer.Stop()
		p.disconnectTimer = nil
	}
	p.graceSeq++
}

// BattleSession owns one duel.
type BattleSession struct {
	ID        string
	Topic     string
	Room      string
	StartTime time.Time
	EndAt     time.Time
	Practice  bool
	Strict    bool
	State     SessionState

	players  [2]*PlayerState
	timer    *clock.Timer
	botTimer *clock.Timer
}

func newBattleSession(id, topic string, practice, strict bool, one, two domain.QueueEntry) *BattleSession {
	return &BattleSession{
		ID:       id,
		Topic:    topic,
		Room:     "battle_" + id,
		Practice: practice,
		Strict:   strict,
		State:    StateForming,
		players: [2]*PlayerState{
			{UserID: one.UserID, DisplayName: one.DisplayName, ConnID: one.ConnID, IsBot: one.IsBot},
			{UserID: two.UserID, DisplayName: two.DisplayName, ConnID: two.ConnID, IsBot: two.IsBot},
		},
	}
}

// Player returns the seat for a side.
func (s *BattleSession) Player(side domain.Side) *PlayerState {
	switch side {
	case domain.SideOne:
		return s.players[0]
	case domain.SideTwo:
		return s.players[1]
	}
	return nil
}

// SideOf returns the seat held by a user.
func (s *BattleSession) SideOf(userID string) (domain.Side, bool) {
	switch userID {
	case s.players[0].UserID:
		return domain.SideOne, true
	case s.players[1].UserID:
		return domain.SideTwo, true
	}
	return domain.SideNone, false
}

func (s *BattleSession) activate(now time.Time, duration time.Duration, q1, q2 domain.Question) {
	s.StartTime = now
	s.EndAt = now.Add(duration)
	s.players[0].CurrentQuestion = &q1
	s.players[1].CurrentQuestion = &q2
	s.State = StateActive
}

// recordAnswer applies one graded submission. It returns false for non-active sessions.
func (s *BattleSession) recordAnswer(side domain.Side, correct bool, now time.Time) bool {
	if s.State != StateActive {
		return false
	}
	p := s.Player(side)
	p.TotalAnswers++
	if correct {
		p.CorrectAnswers++
		p.Score = p.CorrectAnswers
		elapsed := now.Sub(s.StartTime)
		p.LastCorrectElapsed = &elapsed
	}
	return true
}

func (s *BattleSession) installQuestion(side domain.Side, q domain.Question) {
	p := s.Player(side)
	p.CurrentQuestion = &q
	p.Answered = false
}

// beginSettlement moves the session out of the active state and stops every timer.
func (s *BattleSession) beginSettlement() {
	s.State = StateSettling
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	if s.botTimer != nil {
		s.botTimer.Stop()
		s.botTimer = nil
	}
	for _, p := range s.players {
		p.stopGrace()
	}
}

// connectedConns lists connections of seats that are still online.
func (s *BattleSession) connectedConns() []string {
	var conns []string
	for _, p := range s.players {
		if !p.IsBot && !p.Disconnected && p.ConnID != "" {
			conns = append(conns, p.ConnID)
		}
	}
	return conns
}

// humanIDs lists the users of non-bot seats.
func (s *BattleSession) humanIDs() []string {
	var ids []string
	for _, p := range s.players {
		if !p.IsBot {
			ids = append(ids, p.UserID)
		}
	}
	return ids
}

// botSide returns the seat driven by the bot, if any.
func (s *BattleSession) botSide() (domain.Side, bool) {
	switch {
	case s.players[1].IsBot:
		return domain.SideTwo, true
	case s.players[0].IsBot:
		return domain.SideOne, true
	}
	return domain.SideNone, false
}

func (s *BattleSession) snapshot(reason string, forfeit domain.Side) MatchSnapshot {
	return MatchSnapshot{
		SessionID: s.ID,
		Topic:     s.Topic,
		Room:      s.Room,
		Practice:  s.Practice,
		Reason:    reason,
		Forfeit:   forfeit,
		Players:   [2]PlayerResult{s.players[0].result(), s.players[1].result()},
	}
}

// result copies a seat for settlement.
func (p *PlayerState) result() PlayerResult {
	r := PlayerResult{
		UserID:      p.UserID,
		DisplayName: p.DisplayName,
		IsBot:       p.IsBot,
		Correct:     p.CorrectAnswers,
		Total:       p.TotalAnswers,
	}
	if p.LastCorrectElapsed != nil {
		d := *p.LastCorrectElapsed
		r.LastCorrectElapsed = &d
	}
	return r
}

// SessionView is a read-only copy of a battle for callers outside the loop.
type SessionView struct {
	ID       string
	Topic    string
	State    SessionState
	Practice bool
	Strict   bool
	EndAt    time.Time
	Players  [2]PlayerView
}

// PlayerView is a read-only copy of a seat.
type PlayerView struct {
	UserID             string
	ConnID             string
	IsBot              bool
	Score              int
	TotalAnswers       int
	CorrectAnswers     int
	LastCorrectElapsed *time.Duration
	CurrentQuestion    *domain.Question
	Answered           bool
	Disconnected       bool
}

func (s *BattleSession) view() SessionView {
	v := SessionView{
		ID:       s.ID,
		Topic:    s.Topic,
		State:    s.State,
		Practice: s.Practice,
		Strict:   s.Strict,
		EndAt:    s.EndAt,
	}
	for i, p := range s.players {
		pv := PlayerView{
			UserID:         p.UserID,
			ConnID:         p.ConnID,
			IsBot:          p.IsBot,
			Score:          p.Score,
			TotalAnswers:   p.TotalAnswers,
			CorrectAnswers: p.CorrectAnswers,
			Answered:       p.Answered,
			Disconnected:   p.Disconnected,
		}
		if p.LastCorrectElapsed != nil {
			d := *p.LastCorrectElapsed
			pv.LastCorrectElapsed = &d
		}
		if p.CurrentQuestion != nil {
			q := *p.CurrentQuestion
			pv.CurrentQuestion = &q
		}
		v.Players[i] = pv
	}
	return v
}
