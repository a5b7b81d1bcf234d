package app_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"trivia-duel-service/internal/app"
	"trivia-duel-service/internal/domain"
)

func TestMatchmakingPairsInArrivalOrder(t *testing.T) {
	h := newHarness(t)
	h.connect("c1", "u1")
	h.connect("c2", "u2")
	h.connect("c3", "u3")

	h.enter("c1", app.MatchRequest{Topic: "matematica"})
	h.enter("c1", app.MatchRequest{Topic: "matematica"})
	require.Equal(t, 1, h.orch.Queued("matematica"), "duplicate entry must be ignored")

	h.enter("c2", app.MatchRequest{Topic: "matematica"})
	h.enter("c3", app.MatchRequest{Topic: "matematica"})

	found := h.waitEvents("c1", domain.EventMatchFound, 1)[0].Payload.(domain.MatchFound)
	require.Equal(t, "u2", found.Opponent.ID)
	require.Equal(t, "name-u2", found.Opponent.Username)
	require.Equal(t, "s1", found.BattleID)

	start := h.waitEvents("c1", domain.EventBattleStart, 1)[0].Payload.(domain.BattleStart)
	require.NotNil(t, start.FirstQuestion)

	view := h.view("u1")
	require.Equal(t, app.StateActive, view.State)
	require.Equal(t, "u1", view.Players[0].UserID)
	require.Equal(t, "u2", view.Players[1].UserID)
	require.NotEqual(t, view.Players[0].CurrentQuestion.ID, view.Players[1].CurrentQuestion.ID)
	require.Equal(t, h.clock.Now().Add(h.cfg.MatchDuration), view.EndAt)

	require.Equal(t, 1, h.orch.Queued("matematica"))
	require.Empty(t, h.notes.of("c3", domain.EventMatchFound))

	// an active player cannot queue again
	h.enter("c1", app.MatchRequest{Topic: "matematica"})
	require.Equal(t, 1, h.orch.Queued("matematica"))
}

func TestTopicsQueueSeparately(t *testing.T) {
	h := newHarness(t)
	h.connect("c1", "u1")
	h.connect("c2", "u2")

	h.enter("c1", app.MatchRequest{Topic: "matematica"})
	h.enter("c2", app.MatchRequest{Topic: "linguagens"})

	require.Equal(t, 1, h.orch.Queued("matematica"))
	require.Equal(t, 1, h.orch.Queued("linguagens"))
	require.Equal(t, 0, h.orch.ActiveSessions())
}

func TestCancelAndDisconnectLeaveQueue(t *testing.T) {
	h := newHarness(t)
	h.connect("c1", "u1")
	h.connect("c2", "u2")

	h.enter("c1", app.MatchRequest{})
	require.Equal(t, 1, h.orch.Queued(app.DefaultTopic))
	require.NoError(t, h.orch.CancelMatchmaking("c1"))
	require.Equal(t, 0, h.orch.Queued(app.DefaultTopic))

	h.enter("c2", app.MatchRequest{})
	require.NoError(t, h.orch.Disconnect("c2"))
	require.Equal(t, 0, h.orch.Queued(app.DefaultTopic))
}

func TestCorrectAnswerScoresAndNotifiesOpponent(t *testing.T) {
	h := newHarness(t)
	h.startDuel()
	first := h.view("u1").Players[0].CurrentQuestion.ID

	h.answer("c1", " c ")

	result := h.waitEvents("c1", domain.EventAnswerResult, 1)[0].Payload.(domain.AnswerResult)
	require.Equal(t, "correct", result.Result)
	require.NotNil(t, result.NextQuestion)
	require.NotEqual(t, first, result.NextQuestion.ID)

	score := h.waitEvents("c2", domain.EventOpponentScoreUpdate, 1)[0].Payload.(domain.OpponentScore)
	require.Equal(t, 1, score.Score)

	p1 := h.view("u1").Players[0]
	require.Equal(t, 1, p1.Score)
	require.Equal(t, 1, p1.TotalAnswers)
	require.NotNil(t, p1.LastCorrectElapsed)
	require.False(t, p1.Answered)
}

func TestWrongAnswerDoesNotNotifyOpponent(t *testing.T) {
	h := newHarness(t)
	h.startDuel()

	h.answer("c2", "B")

	result := h.waitEvents("c2", domain.EventAnswerResult, 1)[0].Payload.(domain.AnswerResult)
	require.Equal(t, "incorrect", result.Result)
	require.Empty(t, h.notes.of("c1", domain.EventOpponentScoreUpdate))

	p2 := h.view("u2").Players[1]
	require.Equal(t, 0, p2.Score)
	require.Equal(t, 1, p2.TotalAnswers)
	require.Nil(t, p2.LastCorrectElapsed)
}

func TestSecondSubmissionBeforeNextQuestionIsIgnored(t *testing.T) {
	h := newHarness(t)
	h.startDuel()

	h.source.hold()
	h.answer("c1", "C")
	h.answer("c1", "C")
	h.eventually(func() bool { return h.view("u1").Players[0].TotalAnswers == 1 }, "first answer applied")
	h.source.release()

	h.waitEvents("c1", domain.EventAnswerResult, 1)
	time.Sleep(20 * time.Millisecond)

	p1 := h.view("u1").Players[0]
	require.Equal(t, 1, p1.TotalAnswers)
	require.Equal(t, 1, p1.Score)
	require.Len(t, h.notes.of("c1", domain.EventAnswerResult), 1)
}

func TestSubmissionWithoutSessionIsIgnored(t *testing.T) {
	h := newHarness(t)
	h.connect("c1", "u1")

	h.answer("c1", "C")
	h.answer("unknown", "C")
	require.Equal(t, 0, h.orch.ActiveSessions())
}

func TestMatchEndsOnTimeAndSettlesOnce(t *testing.T) {
	h := newHarness(t)
	h.startDuel()

	h.answer("c1", "C")
	h.waitEvents("c1", domain.EventAnswerResult, 1)

	h.clock.Add(h.cfg.MatchDuration)

	bc := completion(t, h.waitEvents("c1", domain.EventBattleComplete, 1)[0])
	require.NotNil(t, bc.FinalResults)
	require.Equal(t, domain.ReasonTime, bc.FinalResults.Reason)
	require.NotNil(t, bc.FinalResults.Winner)
	require.Equal(t, "u1", *bc.FinalResults.Winner)
	require.Equal(t, domain.Reward{Currency: 160, RatingChange: 16}, bc.Rewards["u1"])
	require.Equal(t, domain.Reward{Currency: 0, RatingChange: -16}, bc.Rewards["u2"])
	h.waitEvents("c2", domain.EventBattleComplete, 1)

	h.eventually(func() bool { return len(h.store.Matches()) == 1 }, "match persisted")
	require.Equal(t, 0, h.orch.ActiveSessions())

	// late answers after the end change nothing
	h.answer("c1", "C")
	h.clock.Add(time.Minute)
	time.Sleep(20 * time.Millisecond)
	require.Len(t, h.notes.of("c1", domain.EventBattleComplete), 1)
	require.Len(t, h.store.Matches(), 1)
}

func TestReconnectWithinGraceResumes(t *testing.T) {
	h := newHarness(t)
	h.startDuel()
	h.answer("c1", "C")
	h.waitEvents("c2", domain.EventOpponentScoreUpdate, 1)

	require.NoError(t, h.orch.Disconnect("c2"))
	require.True(t, h.view("u2").Players[1].Disconnected)

	h.clock.Add(h.cfg.DisconnectGrace / 2)
	h.connect("c2b", "u2")

	start := h.waitEvents("c2b", domain.EventBattleStart, 1)[0].Payload.(domain.BattleStart)
	require.Equal(t, h.view("u2").Players[1].CurrentQuestion.ID, start.FirstQuestion.ID)
	score := h.waitEvents("c2b", domain.EventOpponentScoreUpdate, 1)[0].Payload.(domain.OpponentScore)
	require.Equal(t, 1, score.Score)

	h.clock.Add(h.cfg.DisconnectGrace)
	time.Sleep(20 * time.Millisecond)
	view := h.view("u2")
	require.Equal(t, app.StateActive, view.State)
	require.False(t, view.Players[1].Disconnected)
	require.Equal(t, "c2b", view.Players[1].ConnID)

	h.answer("c2b", "2x")
	result := h.waitEvents("c2b", domain.EventAnswerResult, 1)[0].Payload.(domain.AnswerResult)
	require.Equal(t, "correct", result.Result)

	// the stale connection id no longer addresses the seat
	h.answer("c2", "C")
	time.Sleep(20 * time.Millisecond)
	require.Equal(t, 1, h.view("u2").Players[1].TotalAnswers)
}

func TestDisconnectPastGraceForfeits(t *testing.T) {
	h := newHarness(t)
	h.startDuel()

	// the leaver is ahead on points but still loses
	h.answer("c2", "C")
	h.waitEvents("c2", domain.EventAnswerResult, 1)
	require.NoError(t, h.orch.Disconnect("c2"))

	h.clock.Add(h.cfg.DisconnectGrace)

	bc := completion(t, h.waitEvents("c1", domain.EventBattleComplete, 1)[0])
	require.Equal(t, domain.ReasonDisconnectForfeit, bc.FinalResults.Reason)
	require.Equal(t, "u1", *bc.FinalResults.Winner)
	require.Equal(t, 100, bc.Rewards["u1"].Currency)
	require.Empty(t, h.notes.of("c2", domain.EventBattleComplete))
	require.Equal(t, 0, h.orch.ActiveSessions())
}

func TestGraceAndDurationExpiringTogetherSettleOnce(t *testing.T) {
	cfg := app.DefaultConfig()
	cfg.DisconnectGrace = cfg.MatchDuration
	h := newHarnessWithConfig(t, cfg)
	h.startDuel()

	require.NoError(t, h.orch.Disconnect("c2"))
	h.clock.Add(cfg.MatchDuration)

	h.waitEvents("c1", domain.EventBattleComplete, 1)
	h.eventually(func() bool { return len(h.store.Matches()) == 1 }, "match persisted")
	time.Sleep(20 * time.Millisecond)
	require.Len(t, h.notes.of("c1", domain.EventBattleComplete), 1)
	require.Len(t, h.store.Matches(), 1)
}

func TestContentFailureAtFormationAbortsMatch(t *testing.T) {
	h := newHarness(t)
	h.source.setFail(true)
	h.connect("c1", "u1")
	h.connect("c2", "u2")
	h.enter("c1", app.MatchRequest{Strict: true})
	h.enter("c2", app.MatchRequest{Strict: true})

	for _, conn := range []string{"c1", "c2"} {
		bc := completion(t, h.waitEvents(conn, domain.EventBattleComplete, 1)[0])
		require.Nil(t, bc.FinalResults)
		require.Equal(t, domain.ErrorCodeContentUnavailable, bc.Error)
	}
	require.Empty(t, h.notes.of("c1", domain.EventMatchFound))
	require.Equal(t, 0, h.orch.ActiveSessions())

	// both players are free to queue again
	h.source.setFail(false)
	h.enter("c1", app.MatchRequest{})
	h.enter("c2", app.MatchRequest{})
	h.waitEvents("c1", domain.EventBattleStart, 1)
}

func TestContentFailureMidMatchSettlesWithReason(t *testing.T) {
	h := newHarness(t)
	h.startDuel()

	h.source.setFail(true)
	h.answer("c1", "C")

	bc := completion(t, h.waitEvents("c2", domain.EventBattleComplete, 1)[0])
	require.NotNil(t, bc.FinalResults)
	require.Equal(t, domain.ReasonProviderUnavailable, bc.FinalResults.Reason)
	require.Equal(t, "u1", *bc.FinalResults.Winner)
	require.Equal(t, domain.Reward{Currency: 160, RatingChange: 16}, bc.Rewards["u1"])
	require.Equal(t, domain.Reward{Currency: 0, RatingChange: -16}, bc.Rewards["u2"])
	h.waitEvents("c1", domain.EventBattleComplete, 1)
	require.Empty(t, h.notes.of("c1", domain.EventAnswerResult))

	require.Equal(t, 0, h.orch.ActiveSessions())
	h.eventually(func() bool { return len(h.store.Matches()) == 1 }, "match persisted")
	require.Equal(t, domain.ReasonProviderUnavailable, h.store.Matches()[0].Reason)
}

func TestBothDisconnectOnlyFirstExpiryForfeits(t *testing.T) {
	h := newHarness(t)
	h.startDuel()

	require.NoError(t, h.orch.Disconnect("c1"))
	h.clock.Add(h.cfg.DisconnectGrace / 3)
	require.NoError(t, h.orch.Disconnect("c2"))

	// only u1's grace period has run out
	h.clock.Add(h.cfg.DisconnectGrace - h.cfg.DisconnectGrace/3)
	h.eventually(func() bool { return len(h.store.Matches()) == 1 }, "match persisted")

	match := h.store.Matches()[0]
	require.Equal(t, domain.ReasonDisconnectForfeit, match.Reason)
	require.Equal(t, "u2", match.WinnerID)
	require.Equal(t, 0, h.orch.ActiveSessions())

	// u2's own expiry later changes nothing
	h.clock.Add(h.cfg.DisconnectGrace)
	time.Sleep(20 * time.Millisecond)
	require.Len(t, h.store.Matches(), 1)
}

func TestAnswerInFlightAtTimeoutIsDiscarded(t *testing.T) {
	h := newHarness(t)
	h.startDuel()

	h.source.hold()
	h.answer("c1", "C")
	h.eventually(func() bool { return h.view("u1").Players[0].TotalAnswers == 1 }, "answer applied")

	h.clock.Add(h.cfg.MatchDuration)
	bc := completion(t, h.waitEvents("c1", domain.EventBattleComplete, 1)[0])
	require.Equal(t, domain.ReasonTime, bc.FinalResults.Reason)
	require.Equal(t, 1, bc.FinalResults.PlayerOne.Correct)

	// the next question arrives after the battle left the active set
	h.source.release()
	time.Sleep(20 * time.Millisecond)
	require.Empty(t, h.notes.of("c1", domain.EventAnswerResult))
	require.Len(t, h.notes.of("c1", domain.EventBattleComplete), 1)
}

func TestPracticeBotAnswersAndNeverPersists(t *testing.T) {
	h := newHarness(t, app.WithRand(fixedRand{f: 0.1, n: 0}))
	h.connect("c1", "u1")
	h.enter("c1", app.MatchRequest{Topic: "matematica", Practice: true})

	found := h.waitEvents("c1", domain.EventMatchFound, 1)[0].Payload.(domain.MatchFound)
	require.Equal(t, app.BotUserID, found.Opponent.ID)
	require.Equal(t, app.BotDisplayName, found.Opponent.Username)
	h.waitEvents("c1", domain.EventBattleStart, 1)

	h.clock.Add(h.cfg.BotFirstDelay)
	score := h.waitEvents("c1", domain.EventOpponentScoreUpdate, 1)[0].Payload.(domain.OpponentScore)
	require.Equal(t, 1, score.Score)

	h.eventually(func() bool { return !h.view("u1").Players[1].Answered }, "bot received next question")
	h.clock.Add(h.cfg.BotMinDelay)
	h.waitEvents("c1", domain.EventOpponentScoreUpdate, 2)

	h.answer("c1", "C")
	h.waitEvents("c1", domain.EventAnswerResult, 1)

	h.clock.Add(h.cfg.MatchDuration)
	bc := completion(t, h.waitEvents("c1", domain.EventBattleComplete, 1)[0])
	require.NotNil(t, bc.FinalResults)
	require.Equal(t, domain.Reward{}, bc.Rewards["u1"])
	require.Equal(t, domain.Reward{}, bc.Rewards[app.BotUserID])

	time.Sleep(20 * time.Millisecond)
	require.Empty(t, h.store.Matches())
	_, err := h.store.LoadUser(context.Background(), "u1")
	require.ErrorIs(t, err, domain.ErrUserNotFound)
}

func TestPracticeBotWrongAnswer(t *testing.T) {
	h := newHarness(t, app.WithRand(fixedRand{f: 0.9, n: 0}))
	h.connect("c1", "u1")
	h.enter("c1", app.MatchRequest{Practice: true})
	h.waitEvents("c1", domain.EventBattleStart, 1)

	h.clock.Add(h.cfg.BotFirstDelay)
	h.eventually(func() bool { return h.view("u1").Players[1].TotalAnswers == 1 }, "bot answered")

	bot := h.view("u1").Players[1]
	require.True(t, bot.IsBot)
	require.Equal(t, 0, bot.Score)
	require.Empty(t, h.notes.of("c1", domain.EventOpponentScoreUpdate))
}

func TestShutdownSettlesActiveBattles(t *testing.T) {
	h := newHarness(t)
	h.startDuel()

	h.stop()

	for _, conn := range []string{"c1", "c2"} {
		bc := completion(t, h.waitEvents(conn, domain.EventBattleComplete, 1)[0])
		require.Equal(t, domain.ReasonShutdown, bc.FinalResults.Reason)
		require.Nil(t, bc.FinalResults.Winner)
		require.Equal(t, domain.Reward{}, bc.Rewards["u1"])
	}
	require.Empty(t, h.store.Matches())
	require.ErrorIs(t, h.orch.SubmitAnswer("c1", "C"), domain.ErrClosed)
}
