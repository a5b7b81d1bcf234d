package app

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"trivia-duel-service/internal/domain"
)

// BotUserID and BotDisplayName identify the synthetic practice opponent.
const (
	BotUserID      = "BOT"
	BotDisplayName = "TestBot"
)

// Config holds the battle timings.
type Config struct {
	MatchDuration    time.Duration
	DisconnectGrace  time.Duration
	BotFirstDelay    time.Duration
	BotMinDelay      time.Duration
	BotMaxDelay      time.Duration
	BotCorrectChance float64
	FetchTimeout     time.Duration
	SettleTimeout    time.Duration
}

// DefaultConfig returns the production timings.
func DefaultConfig() Config {
	return Config{
		MatchDuration:    10 * time.Minute,
		DisconnectGrace:  60 * time.Second,
		BotFirstDelay:    3500 * time.Millisecond,
		BotMinDelay:      3 * time.Second,
		BotMaxDelay:      7 * time.Second,
		BotCorrectChance: 0.4,
		FetchTimeout:     30 * time.Second,
		SettleTimeout:    30 * time.Second,
	}
}

// MatchRequest is the enter_matchmaking payload.
type MatchRequest struct {
	Topic    string
	Practice bool
	Strict   bool
}

// Option customizes an Orchestrator.
type Option func(*Orchestrator)

func WithClock(c clock.Clock) Option         { return func(o *Orchestrator) { o.clock = c } }
func WithRand(r Rand) Option                 { return func(o *Orchestrator) { o.rnd = r } }
func WithTracker(t SessionTracker) Option    { return func(o *Orchestrator) { o.tracker = t } }
func WithLogger(l zerolog.Logger) Option     { return func(o *Orchestrator) { o.log = l } }
func WithIDGenerator(f func() string) Option { return func(o *Orchestrator) { o.newID = f } }

// Orchestrator serializes every matchmaking, battle and timer event through one goroutine.
// Queues, sessions and the registry are only touched from that goroutine.
type Orchestrator struct {
	cfg       Config
	questions QuestionSource
	settler   *SettlementEngine
	notify    Notifier
	tracker   SessionTracker
	clock     clock.Clock
	rnd       Rand
	log       zerolog.Logger
	newID     func() string

	events chan func()
	done   chan struct{}
	ctx    context.Context
	wg     sync.WaitGroup

	queue    *MatchQueue
	registry *SessionRegistry
	sessions map[string]*BattleSession
	active   map[string]*BattleSession // userID -> active session
	forming  map[string]*BattleSession // userID -> session waiting for its first questions
	conns    map[string]domain.Identity
}

func NewOrchestrator(cfg Config, questions QuestionSource, settler *SettlementEngine, notify Notifier, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		cfg:       cfg,
		questions: questions,
		settler:   settler,
		notify:    notify,
		tracker:   nopTracker{},
		clock:     clock.New(),
		rnd:       rand.New(rand.NewSource(time.Now().UnixNano())),
		log:       zerolog.Nop(),
		newID:     uuid.NewString,
		events:    make(chan func(), 256),
		done:      make(chan struct{}),
		ctx:       context.Background(),
		queue:     NewMatchQueue(),
		registry:  NewSessionRegistry(),
		sessions:  make(map[string]*BattleSession),
		active:    make(map[string]*BattleSession),
		forming:   make(map[string]*BattleSession),
		conns:     make(map[string]domain.Identity),
	}
	for _, opt := range opts {
		opt(o)
	}
	o.log = o.log.With().Str("component", "orchestrator").Logger()
	return o
}

// Run processes events until ctx is cancelled, then settles every active battle
// and waits for in-flight settlements.
func (o *Orchestrator) Run(ctx context.Context) error {
	o.ctx = ctx
	o.log.Info().Msg("orchestrator started")
	for {
		select {
		case fn := <-o.events:
			fn()
		case <-ctx.Done():
			o.drain()
			return nil
		}
	}
}

func (o *Orchestrator) drain() {
	o.log.Info().Int("sessions", len(o.sessions)).Msg("draining battles")
	for _, s := range o.sessions {
		o.complete(s, domain.ReasonShutdown, domain.SideNone)
	}
	close(o.done)
	o.wg.Wait()
	o.log.Info().Msg("orchestrator stopped")
}

// post enqueues an event. It reports false once the loop has stopped.
func (o *Orchestrator) post(fn func()) bool {
	select {
	case o.events <- fn:
		return true
	case <-o.done:
		return false
	}
}

// call runs fn on the loop and waits for it.
func (o *Orchestrator) call(fn func()) error {
	finished := make(chan struct{})
	if !o.post(func() {
		fn()
		close(finished)
	}) {
		return domain.ErrClosed
	}
	select {
	case <-finished:
		return nil
	case <-o.done:
		return domain.ErrClosed
	}
}

// goAsync runs blocking work off the loop.
func (o *Orchestrator) goAsync(fn func(ctx context.Context)) {
	ctx := o.ctx
	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		fn(ctx)
	}()
}

// Connect registers an authenticated connection and resynchronizes it into a running battle.
func (o *Orchestrator) Connect(id domain.Identity) error {
	return o.call(func() { o.onConnect(id) })
}

// Disconnect starts the grace period of the connection's seat, or drops its queue entry.
func (o *Orchestrator) Disconnect(connID string) error {
	return o.call(func() { o.onDisconnect(connID) })
}

// EnterMatchmaking queues the connection's user, or starts a practice battle.
func (o *Orchestrator) EnterMatchmaking(connID string, req MatchRequest) error {
	return o.call(func() { o.enterMatchmaking(connID, req) })
}

// CancelMatchmaking removes the connection's user from its queue.
func (o *Orchestrator) CancelMatchmaking(connID string) error {
	return o.call(func() {
		if id, ok := o.conns[connID]; ok && o.queue.Cancel(id.UserID) {
			o.log.Debug().Str("user", id.UserID).Msg("matchmaking cancelled")
		}
	})
}

// SubmitAnswer grades an answer for the connection's seat. Invalid submissions are ignored.
func (o *Orchestrator) SubmitAnswer(connID, answer string) error {
	return o.call(func() { o.submitAnswer(connID, answer) })
}

// Session returns a copy of an active battle.
func (o *Orchestrator) Session(sessionID string) (SessionView, bool) {
	var (
		v  SessionView
		ok bool
	)
	_ = o.call(func() {
		if s, found := o.sessions[sessionID]; found {
			v, ok = s.view(), true
		}
	})
	return v, ok
}

// SessionFor returns the active battle of a user.
func (o *Orchestrator) SessionFor(userID string) (SessionView, bool) {
	var (
		v  SessionView
		ok bool
	)
	_ = o.call(func() {
		if s, found := o.active[userID]; found {
			v, ok = s.view(), true
		}
	})
	return v, ok
}

// ActiveSessions counts battles that have not been settled.
func (o *Orchestrator) ActiveSessions() int {
	n := 0
	_ = o.call(func() { n = len(o.sessions) })
	return n
}

// Queued reports how many players wait on a topic.
func (o *Orchestrator) Queued(topic string) int {
	n := 0
	_ = o.call(func() { n = o.queue.Len(topic) })
	return n
}

func (o *Orchestrator) onConnect(id domain.Identity) {
	o.conns[id.ConnID] = id

	if s, ok := o.forming[id.UserID]; ok {
		if side, ok := s.SideOf(id.UserID); ok {
			p := s.Player(side)
			p.ConnID = id.ConnID
			p.Disconnected = false
		}
		return
	}

	s, ok := o.active[id.UserID]
	if !ok {
		return
	}
	side, ok := s.SideOf(id.UserID)
	if !ok {
		return
	}
	o.reconnect(s, side, id.ConnID)
}

// reconnect rebinds a seat to a new connection and resends its state.
func (o *Orchestrator) reconnect(s *BattleSession, side domain.Side, connID string) {
	p := s.Player(side)
	opp := s.Player(side.Opponent())
	old := p.ConnID

	p.stopGrace()
	p.ConnID = connID
	p.Disconnected = false
	o.registry.Rebind(old, connID, SeatRef{SessionID: s.ID, Side: side})
	if old != "" && old != connID {
		o.notify.Leave(s.Room, old)
	}
	o.notify.Join(s.Room, connID)

	o.log.Info().Str("session", s.ID).Str("side", string(side)).Str("user", p.UserID).Msg("player reconnected")
	o.notify.Send(connID, domain.Event{Type: domain.EventBattleStart, Payload: domain.BattleStart{FirstQuestion: p.CurrentQuestion}})
	o.notify.Send(connID, domain.Event{Type: domain.EventOpponentScoreUpdate, Payload: domain.OpponentScore{Score: opp.Score}})
}

func (o *Orchestrator) onDisconnect(connID string) {
	id, known := o.conns[connID]
	delete(o.conns, connID)
	if o.queue.CancelConn(connID) {
		o.log.Debug().Str("user", id.UserID).Msg("queued player left")
	}

	if known {
		if s, ok := o.forming[id.UserID]; ok {
			if side, ok := s.SideOf(id.UserID); ok && s.Player(side).ConnID == connID {
				s.Player(side).Disconnected = true
			}
			return
		}
	}

	ref, ok := o.registry.Lookup(connID)
	if !ok {
		return
	}
	o.registry.Unbind(connID)
	s, ok := o.sessions[ref.SessionID]
	if !ok || s.State != StateActive {
		return
	}
	p := s.Player(ref.Side)
	if p.ConnID != connID {
		return
	}
	p.Disconnected = true
	o.notify.Leave(s.Room, connID)
	o.startGrace(s, ref.Side)
	o.log.Info().Str("session", s.ID).Str("side", string(ref.Side)).Dur("grace", o.cfg.DisconnectGrace).Msg("player disconnected")
}

func (o *Orchestrator) startGrace(s *BattleSession, side domain.Side) {
	p := s.Player(side)
	p.stopGrace()
	seq := p.graceSeq
	p.disconnectTimer = o.clock.AfterFunc(o.cfg.DisconnectGrace, func() {
		o.post(func() { o.onGraceExpired(s, side, seq) })
	})
}

func (o *Orchestrator) onGraceExpired(s *BattleSession, side domain.Side, seq int) {
	if !o.isActive(s) {
		return
	}
	p := s.Player(side)
	if !p.Disconnected || p.graceSeq != seq {
		return
	}
	o.log.Info().Str("session", s.ID).Str("side", string(side)).Msg("grace period expired, forfeit")
	o.complete(s, domain.ReasonDisconnectForfeit, side)
}

func (o *Orchestrator) isActive(s *BattleSession) bool {
	cur, ok := o.sessions[s.ID]
	return ok && cur == s && s.State == StateActive
}

// busy reports whether a user is queued, forming or playing.
func (o *Orchestrator) busy(userID string) bool {
	if o.queue.Contains(userID) {
		return true
	}
	if _, ok := o.forming[userID]; ok {
		return true
	}
	_, ok := o.active[userID]
	return ok
}

func (o *Orchestrator) enterMatchmaking(connID string, req MatchRequest) {
	id, ok := o.conns[connID]
	if !ok {
		return
	}
	if o.busy(id.UserID) {
		o.log.Debug().Str("user", id.UserID).Err(domain.ErrAlreadyInSession).Msg("matchmaking ignored")
		return
	}
	topic := req.Topic
	if topic == "" {
		topic = DefaultTopic
	}
	entry := domain.QueueEntry{UserID: id.UserID, DisplayName: id.DisplayName, ConnID: connID}

	if req.Practice {
		bot := domain.QueueEntry{UserID: BotUserID, DisplayName: BotDisplayName, IsBot: true}
		o.form(topic, true, req.Strict, entry, bot)
		return
	}

	pair, _ := o.queue.Enqueue(topic, entry)
	if pair == nil {
		o.log.Debug().Str("user", id.UserID).Str("topic", topic).Msg("player queued")
		return
	}
	o.form(topic, false, req.Strict, pair[0], pair[1])
}

// form fetches both opening questions off the loop, then activates the battle.
func (o *Orchestrator) form(topic string, practice, strict bool, one, two domain.QueueEntry) {
	s := newBattleSession(o.newID(), topic, practice, strict, one, two)
	for _, uid := range s.humanIDs() {
		o.forming[uid] = s
	}
	o.log.Info().Str("session", s.ID).Str("topic", topic).Bool("practice", practice).
		Str("one", one.UserID).Str("two", two.UserID).Msg("forming battle")

	opts := FetchOptions{Strict: strict}
	o.goAsync(func(ctx context.Context) {
		fctx, cancel := context.WithTimeout(ctx, o.cfg.FetchTimeout)
		defer cancel()
		var q2 domain.Question
		q1, err := o.questions.Fetch(fctx, topic, opts)
		if err == nil {
			q2, err = o.questions.Fetch(fctx, topic, opts)
		}
		o.post(func() { o.onFormed(s, q1, q2, err) })
	})
}

func (o *Orchestrator) onFormed(s *BattleSession, q1, q2 domain.Question, err error) {
	for _, uid := range s.humanIDs() {
		if o.forming[uid] == s {
			delete(o.forming, uid)
		}
	}
	if err != nil {
		s.State = StateClosed
		o.log.Warn().Err(err).Str("session", s.ID).Msg("battle not started, content unavailable")
		for _, connID := range s.connectedConns() {
			o.notify.Send(connID, domain.Event{Type: domain.EventBattleComplete, Payload: domain.BattleComplete{
				Error: domain.ErrorCodeContentUnavailable,
			}})
		}
		return
	}

	s.activate(o.clock.Now(), o.cfg.MatchDuration, q1, q2)
	o.sessions[s.ID] = s
	for _, side := range []domain.Side{domain.SideOne, domain.SideTwo} {
		p := s.Player(side)
		if p.IsBot {
			continue
		}
		o.active[p.UserID] = s
		if _, live := o.conns[p.ConnID]; !live || p.Disconnected {
			p.ConnID = ""
			p.Disconnected = true
			o.startGrace(s, side)
			continue
		}
		o.registry.Bind(p.ConnID, SeatRef{SessionID: s.ID, Side: side})
		o.notify.Join(s.Room, p.ConnID)
	}

	for _, side := range []domain.Side{domain.SideOne, domain.SideTwo} {
		p, opp := s.Player(side), s.Player(side.Opponent())
		if p.IsBot || p.Disconnected {
			continue
		}
		o.notify.Send(p.ConnID, domain.Event{Type: domain.EventMatchFound, Payload: domain.MatchFound{
			Opponent: domain.PlayerRef{ID: opp.UserID, Username: opp.DisplayName},
			BattleID: s.ID,
		}})
		o.notify.Send(p.ConnID, domain.Event{Type: domain.EventBattleStart, Payload: domain.BattleStart{FirstQuestion: p.CurrentQuestion}})
	}

	s.timer = o.clock.AfterFunc(o.cfg.MatchDuration, func() {
		o.post(func() {
			if o.isActive(s) {
				o.complete(s, domain.ReasonTime, domain.SideNone)
			}
		})
	})
	o.tracker.Track(SessionSummary{
		SessionID: s.ID,
		Topic:     s.Topic,
		UserIDs:   s.humanIDs(),
		Practice:  s.Practice,
		EndAt:     s.EndAt.Unix(),
	})
	o.log.Info().Str("session", s.ID).Time("end_at", s.EndAt).Msg("battle started")

	if s.Practice {
		o.scheduleBot(s, o.cfg.BotFirstDelay)
	}
}

func (o *Orchestrator) submitAnswer(connID, answer string) {
	ref, ok := o.registry.Lookup(connID)
	if !ok {
		o.log.Debug().Str("conn", connID).Err(domain.ErrSessionNotFound).Msg("answer ignored")
		return
	}
	s, ok := o.sessions[ref.SessionID]
	if !ok || !o.isActive(s) {
		return
	}
	p := s.Player(ref.Side)
	if !p.Pending() {
		o.log.Debug().Str("session", s.ID).Str("side", string(ref.Side)).Err(domain.ErrInvalidSubmission).Msg("answer ignored")
		return
	}
	o.answer(s, ref.Side, func(key domain.AnswerKey, found bool) bool {
		return found && key.Matches(answer)
	})
}

// answer grades the seat's current question off the loop, applies the result,
// then fetches and installs the next question. grade runs on the loop.
func (o *Orchestrator) answer(s *BattleSession, side domain.Side, grade func(domain.AnswerKey, bool) bool) {
	p := s.Player(side)
	questionID := p.CurrentQuestion.ID
	p.Answered = true
	opts := FetchOptions{Strict: s.Strict}

	o.goAsync(func(ctx context.Context) {
		key, found := o.questions.LookupAnswerKey(ctx, questionID)
		var correct, live bool
		if err := o.call(func() {
			if live = o.isActive(s); live {
				correct = grade(key, found)
				o.applyAnswer(s, side, correct)
			}
		}); err != nil || !live {
			return
		}

		fctx, cancel := context.WithTimeout(ctx, o.cfg.FetchTimeout)
		defer cancel()
		next, err := o.questions.Fetch(fctx, s.Topic, opts)
		o.post(func() { o.installNext(s, side, correct, next, err) })
	})
}

func (o *Orchestrator) applyAnswer(s *BattleSession, side domain.Side, correct bool) {
	if !o.isActive(s) {
		return
	}
	s.recordAnswer(side, correct, o.clock.Now())
	if !correct {
		return
	}
	p, opp := s.Player(side), s.Player(side.Opponent())
	if !opp.IsBot && !opp.Disconnected && opp.ConnID != "" {
		o.notify.Send(opp.ConnID, domain.Event{Type: domain.EventOpponentScoreUpdate, Payload: domain.OpponentScore{Score: p.Score}})
	}
}

func (o *Orchestrator) installNext(s *BattleSession, side domain.Side, correct bool, next domain.Question, err error) {
	if !o.isActive(s) {
		return
	}
	if err != nil {
		o.log.Warn().Err(err).Str("session", s.ID).Msg("next question unavailable")
		o.complete(s, domain.ReasonProviderUnavailable, domain.SideNone)
		return
	}
	s.installQuestion(side, next)
	p := s.Player(side)
	if p.IsBot {
		o.scheduleNextBot(s)
		return
	}
	if p.Disconnected || p.ConnID == "" {
		return
	}
	result := "incorrect"
	if correct {
		result = "correct"
	}
	o.notify.Send(p.ConnID, domain.Event{Type: domain.EventAnswerResult, Payload: domain.AnswerResult{
		Result:       result,
		NextQuestion: p.CurrentQuestion,
	}})
}

// complete deregisters a battle and hands it to settlement. Only the first trigger does anything.
func (o *Orchestrator) complete(s *BattleSession, reason string, forfeit domain.Side) {
	if cur, ok := o.sessions[s.ID]; !ok || cur != s {
		return
	}
	delete(o.sessions, s.ID)
	for _, uid := range s.humanIDs() {
		if o.active[uid] == s {
			delete(o.active, uid)
		}
	}
	s.beginSettlement()
	o.registry.RemoveSession(s.ID)
	o.tracker.Untrack(s.ID, s.humanIDs())

	snapshot := s.snapshot(reason, forfeit)
	o.log.Info().Str("session", s.ID).Str("reason", reason).Str("forfeit", string(forfeit)).Msg("battle ending")

	o.goAsync(func(ctx context.Context) {
		sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), o.cfg.SettleTimeout)
		defer cancel()
		if err := o.settler.Settle(sctx, snapshot); err != nil {
			o.log.Error().Err(err).Str("session", snapshot.SessionID).Msg("settlement failed")
		}
		o.post(func() { s.State = StateClosed })
	})
}
