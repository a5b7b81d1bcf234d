package app

import (
	"time"

	"trivia-duel-service/internal/domain"
)

// scheduleBot arms the next practice-opponent action.
func (o *Orchestrator) scheduleBot(s *BattleSession, delay time.Duration) {
	if s.botTimer != nil {
		s.botTimer.Stop()
	}
	s.botTimer = o.clock.AfterFunc(delay, func() {
		o.post(func() { o.botAct(s) })
	})
}

func (o *Orchestrator) scheduleNextBot(s *BattleSession) {
	delay := o.cfg.BotMinDelay
	if spread := o.cfg.BotMaxDelay - o.cfg.BotMinDelay; spread > 0 {
		delay += time.Duration(o.rnd.Intn(int(spread/time.Millisecond))) * time.Millisecond
	}
	o.scheduleBot(s, delay)
}

// botAct answers the bot's current question. The answer is correct with
// BotCorrectChance, otherwise a random wrong option.
func (o *Orchestrator) botAct(s *BattleSession) {
	s.botTimer = nil
	if !o.isActive(s) {
		return
	}
	side, ok := s.botSide()
	if !ok {
		return
	}
	if !s.Player(side).Pending() {
		o.scheduleNextBot(s)
		return
	}
	o.answer(s, side, func(key domain.AnswerKey, found bool) bool {
		if !found {
			return false
		}
		return key.Matches(o.botChoice(key))
	})
}

func (o *Orchestrator) botChoice(key domain.AnswerKey) string {
	if o.rnd.Float64() < o.cfg.BotCorrectChance {
		return key.CorrectLetter
	}
	var wrong []string
	for _, l := range key.Letters() {
		if l != key.CorrectLetter {
			wrong = append(wrong, l)
		}
	}
	if len(wrong) == 0 {
		return ""
	}
	return wrong[o.rnd.Intn(len(wrong))]
}
