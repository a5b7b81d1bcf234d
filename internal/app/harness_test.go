package app_test

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"trivia-duel-service/internal/app"
	"trivia-duel-service/internal/domain"
	"trivia-duel-service/internal/infra/memory"
)

// fakeSource serves numbered questions whose correct answer is always C / 2x.
type fakeSource struct {
	mu   sync.Mutex
	n    int
	fail bool
	gate chan struct{}
	keys map[string]domain.AnswerKey
}

func newFakeSource() *fakeSource {
	return &fakeSource{keys: make(map[string]domain.AnswerKey)}
}

func (s *fakeSource) Fetch(ctx context.Context, topic string, _ app.FetchOptions) (domain.Question, error) {
	s.mu.Lock()
	gate := s.gate
	s.mu.Unlock()
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return domain.Question{}, ctx.Err()
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail {
		return domain.Question{}, fmt.Errorf("%w: provider down", domain.ErrContentUnavailable)
	}
	s.n++
	id := fmt.Sprintf("q-%d", s.n)
	options := []domain.Option{
		{Letter: "A", Text: "1"},
		{Letter: "B", Text: "x"},
		{Letter: "C", Text: "2x"},
		{Letter: "D", Text: "x^2"},
	}
	s.keys[id] = domain.AnswerKey{QuestionID: id, CorrectLetter: "C", CorrectText: "2x", Options: options}
	return domain.Question{ID: id, Topic: topic, Text: "d/dx x^2", Options: options}, nil
}

func (s *fakeSource) LookupAnswerKey(_ context.Context, id string) (domain.AnswerKey, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key, ok := s.keys[id]
	return key, ok
}

func (s *fakeSource) setFail(fail bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fail = fail
}

// hold blocks fetches until release.
func (s *fakeSource) hold() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.gate = make(chan struct{})
}

func (s *fakeSource) release() {
	s.mu.Lock()
	defer s.mu.Unlock()
	close(s.gate)
	s.gate = nil
}

// recorder is an in-memory Notifier.
type recorder struct {
	mu     sync.Mutex
	byConn map[string][]domain.Event
	rooms  map[string]map[string]bool
}

func newRecorder() *recorder {
	return &recorder{
		byConn: make(map[string][]domain.Event),
		rooms:  make(map[string]map[string]bool),
	}
}

func (r *recorder) Send(connID string, ev domain.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.byConn[connID] = append(r.byConn[connID], ev)
}

func (r *recorder) Join(room, connID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.rooms[room] == nil {
		r.rooms[room] = make(map[string]bool)
	}
	r.rooms[room][connID] = true
}

func (r *recorder) Leave(room, connID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.rooms[room], connID)
}

func (r *recorder) Broadcast(room string, ev domain.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for connID := range r.rooms[room] {
		r.byConn[connID] = append(r.byConn[connID], ev)
	}
}

func (r *recorder) CloseRoom(room string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.rooms, room)
}

func (r *recorder) of(connID, typ string) []domain.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []domain.Event
	for _, ev := range r.byConn[connID] {
		if ev.Type == typ {
			out = append(out, ev)
		}
	}
	return out
}

// fixedRand always returns the same values.
type fixedRand struct {
	f float64
	n int
}

func (r fixedRand) Float64() float64 { return r.f }
func (r fixedRand) Intn(int) int     { return r.n }

type harness struct {
	t      *testing.T
	orch   *app.Orchestrator
	clock  *clock.Mock
	source *fakeSource
	notes  *recorder
	store  *memory.Store
	cfg    app.Config
	cancel context.CancelFunc
	done   chan struct{}
}

func newHarness(t *testing.T, opts ...app.Option) *harness {
	t.Helper()
	return newHarnessWithConfig(t, app.DefaultConfig(), opts...)
}

func newHarnessWithConfig(t *testing.T, cfg app.Config, opts ...app.Option) *harness {
	t.Helper()
	h := &harness{
		t:      t,
		clock:  clock.NewMock(),
		source: newFakeSource(),
		notes:  newRecorder(),
		store:  memory.NewStore(),
		cfg:    cfg,
		done:   make(chan struct{}),
	}
	h.clock.Set(time.Date(2026, 10, 15, 12, 0, 0, 0, time.UTC))
	settler := app.NewSettlementEngine(h.store, h.notes, zerolog.Nop(),
		app.WithSettlementClock(h.clock), app.WithPersistRetry(1, time.Millisecond))

	seq := 0
	base := []app.Option{
		app.WithClock(h.clock),
		app.WithRand(fixedRand{f: 0.99}),
		app.WithIDGenerator(func() string {
			seq++
			return fmt.Sprintf("s%d", seq)
		}),
	}
	h.orch = app.NewOrchestrator(h.cfg, h.source, settler, h.notes, append(base, opts...)...)

	ctx, cancel := context.WithCancel(context.Background())
	h.cancel = cancel
	go func() {
		defer close(h.done)
		_ = h.orch.Run(ctx)
	}()
	t.Cleanup(h.stop)
	return h
}

func (h *harness) stop() {
	h.cancel()
	<-h.done
}

func (h *harness) connect(connID, userID string) {
	h.t.Helper()
	require.NoError(h.t, h.orch.Connect(domain.Identity{ConnID: connID, UserID: userID, DisplayName: "name-" + userID}))
}

func (h *harness) enter(connID string, req app.MatchRequest) {
	h.t.Helper()
	require.NoError(h.t, h.orch.EnterMatchmaking(connID, req))
}

func (h *harness) answer(connID, answer string) {
	h.t.Helper()
	require.NoError(h.t, h.orch.SubmitAnswer(connID, answer))
}

func (h *harness) eventually(cond func() bool, msg string) {
	h.t.Helper()
	require.Eventually(h.t, cond, 2*time.Second, 5*time.Millisecond, msg)
}

func (h *harness) waitEvents(connID, typ string, n int) []domain.Event {
	h.t.Helper()
	h.eventually(func() bool { return len(h.notes.of(connID, typ)) >= n }, fmt.Sprintf("%s: waiting for %d %s", connID, n, typ))
	return h.notes.of(connID, typ)
}

// startDuel pairs c1/u1 and c2/u2 and waits until both saw battle_start.
func (h *harness) startDuel() app.SessionView {
	h.t.Helper()
	h.connect("c1", "u1")
	h.connect("c2", "u2")
	h.enter("c1", app.MatchRequest{Topic: "matematica"})
	h.enter("c2", app.MatchRequest{Topic: "matematica"})
	h.waitEvents("c1", domain.EventBattleStart, 1)
	h.waitEvents("c2", domain.EventBattleStart, 1)
	view, ok := h.orch.SessionFor("u1")
	require.True(h.t, ok)
	return view
}

func (h *harness) view(userID string) app.SessionView {
	h.t.Helper()
	v, ok := h.orch.SessionFor(userID)
	require.True(h.t, ok, "no active session for %s", userID)
	return v
}

func completion(t *testing.T, ev domain.Event) domain.BattleComplete {
	t.Helper()
	bc, ok := ev.Payload.(domain.BattleComplete)
	require.True(t, ok, "unexpected payload %T", ev.Payload)
	return bc
}
