package duel

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/kapu/codearena/internal/connreg"
	"github.com/kapu/codearena/internal/grace"
	"github.com/kapu/codearena/internal/judge"
	"github.com/kapu/codearena/internal/match"
	"github.com/kapu/codearena/internal/problems"
	"github.com/kapu/codearena/pkg/arenadto"
)

func newTestRedis(t *testing.T) *redis.Client {
	t.Helper()
	mr := miniredis.RunT(t)
	return redis.NewClient(&redis.Options{Addr: mr.Addr()})
}

type stubExec struct {
	// passFor decides a test case verdict from the submitted code and
	// the case's stdin.
	passFor func(code, stdin string) bool
	err     error
}

func (s *stubExec) Execute(_ context.Context, code, _ string, stdin, _ string) (*judge.Execution, error) {
	if s.err != nil {
		return nil, s.err
	}
	return &judge.Execution{StatusID: judge.StatusAccepted, Passed: s.passFor(code, stdin)}, nil
}

type stubSink struct {
	mu       sync.Mutex
	ratings  map[string]int
	applied  [][]match.HistoryRecord
	applyErr error
}

func newStubSink() *stubSink {
	return &stubSink{ratings: map[string]int{}}
}

func (s *stubSink) Rating(_ context.Context, userID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if r, ok := s.ratings[userID]; ok {
		return r, nil
	}
	return 1200, nil
}

func (s *stubSink) ApplyResult(_ context.Context, recs []match.HistoryRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.applyErr != nil {
		return s.applyErr
	}
	s.applied = append(s.applied, recs)
	for _, r := range recs {
		s.ratings[r.UserID] = r.RatingAfter
	}
	return nil
}

func (s *stubSink) applyCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.applied)
}

type stubNotify struct {
	mu       sync.Mutex
	byUser   map[string][]arenadto.ServerEvent
	bySess   map[string][]arenadto.ServerEvent
}

func newStubNotify() *stubNotify {
	return &stubNotify{byUser: map[string][]arenadto.ServerEvent{}, bySess: map[string][]arenadto.ServerEvent{}}
}

func (n *stubNotify) NotifyUser(_ context.Context, userID string, ev arenadto.ServerEvent) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.byUser[userID] = append(n.byUser[userID], ev)
}

func (n *stubNotify) Broadcast(_ context.Context, sessionID string, ev arenadto.ServerEvent) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.bySess[sessionID] = append(n.bySess[sessionID], ev)
}

func (n *stubNotify) sessionEvents(sessionID string) []arenadto.ServerEvent {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]arenadto.ServerEvent(nil), n.bySess[sessionID]...)
}

type stubProblems struct{ prob *problems.Problem }

func (s *stubProblems) PickProblem(context.Context) (*problems.Problem, error) { return s.prob, nil }

func (s *stubProblems) Problem(_ context.Context, id string) (*problems.Problem, error) {
	if id != s.prob.ID {
		return nil, problems.ErrNotFound
	}
	return s.prob, nil
}

func threeCaseProblem() *problems.Problem {
	return &problems.Problem{
		ID:    "p1",
		Title: "sum",
		TestCases: []problems.TestCase{
			{Input: "1", Expected: "1"},
			{Input: "2", Expected: "2"},
			{Input: "3", Expected: "3"},
		},
	}
}

type fixture struct {
	mgr    *Manager
	exec   *stubExec
	sink   *stubSink
	notify *stubNotify
	rdb    *redis.Client
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	rdb := newTestRedis(t)
	exec := &stubExec{passFor: func(code, stdin string) bool { return code == "pass-all" }}
	sink := newStubSink()
	notify := newStubNotify()
	gc := grace.New(connreg.New(), 10*time.Millisecond)
	mgr := NewManager(rdb, exec, &stubProblems{prob: threeCaseProblem()}, sink, notify, gc, 32, 30*time.Minute)
	return &fixture{mgr: mgr, exec: exec, sink: sink, notify: notify, rdb: rdb}
}

// startDuel matches two players and returns the ongoing session.
func startDuel(t *testing.T, f *fixture) *Session {
	t.Helper()
	ctx := context.Background()
	s1, started, err := f.mgr.FindMatch(ctx, "alice", "Alice")
	if err != nil {
		t.Fatalf("first FindMatch: %v", err)
	}
	if started {
		t.Fatal("first FindMatch should not start a session")
	}
	if s1.Status != match.StatusWaiting {
		t.Fatalf("status = %s, want waiting", s1.Status)
	}
	s2, started, err := f.mgr.FindMatch(ctx, "bob", "Bob")
	if err != nil {
		t.Fatalf("second FindMatch: %v", err)
	}
	if !started {
		t.Fatal("second FindMatch should start the session")
	}
	if s2.ID != s1.ID {
		t.Fatalf("second player got session %s, want %s", s2.ID, s1.ID)
	}
	if s2.Status != match.StatusOngoing {
		t.Fatalf("status = %s, want ongoing", s2.Status)
	}
	if s2.Deadline.IsZero() {
		t.Fatal("deadline not set on start")
	}
	return s2
}

func TestFindMatchPairsTwoPlayers(t *testing.T) {
	f := newFixture(t)
	sess := startDuel(t, f)
	if len(sess.Players) != 2 {
		t.Fatalf("players = %d, want 2", len(sess.Players))
	}

	// A third find must not touch the full session.
	s3, started, err := f.mgr.FindMatch(context.Background(), "carol", "Carol")
	if err != nil {
		t.Fatalf("third FindMatch: %v", err)
	}
	if started || s3.ID == sess.ID {
		t.Fatalf("third player joined full session %s", sess.ID)
	}
}

func TestFindMatchReturnsExistingSession(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	s1, _, err := f.mgr.FindMatch(ctx, "alice", "Alice")
	if err != nil {
		t.Fatal(err)
	}
	s2, started, err := f.mgr.FindMatch(ctx, "alice", "Alice")
	if err != nil {
		t.Fatal(err)
	}
	if started || s2.ID != s1.ID {
		t.Fatalf("repeat FindMatch returned %s (started=%v), want existing %s", s2.ID, started, s1.ID)
	}
}

func TestSubmitPartialUpdatesProgress(t *testing.T) {
	f := newFixture(t)
	sess := startDuel(t, f)
	ctx := context.Background()

	f.exec.passFor = func(code, stdin string) bool { return stdin != "3" }
	res, err := f.mgr.Submit(ctx, sess.ID, "alice", "partial", "go")
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if res.Won || res.Passed != 2 || res.Total != 3 {
		t.Fatalf("result = %+v, want passed 2/3 not won", res)
	}

	cur, err := f.mgr.Session(ctx, sess.ID)
	if err != nil || cur == nil {
		t.Fatalf("session gone after partial submit: %v", err)
	}
	if cur.Status != match.StatusOngoing {
		t.Fatalf("status = %s, want ongoing", cur.Status)
	}
	if p := cur.player("alice"); p.Passed != 2 || p.Submissions != 1 {
		t.Fatalf("player progress = %d passed / %d submissions", p.Passed, p.Submissions)
	}
	if f.sink.applyCount() != 0 {
		t.Fatal("partial submission must not settle ratings")
	}
}

func TestSubmitWinSettlesOnce(t *testing.T) {
	f := newFixture(t)
	sess := startDuel(t, f)
	ctx := context.Background()

	res, err := f.mgr.Submit(ctx, sess.ID, "alice", "pass-all", "go")
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if !res.Won {
		t.Fatalf("result = %+v, want win", res)
	}

	if got := f.sink.applyCount(); got != 1 {
		t.Fatalf("ApplyResult calls = %d, want 1", got)
	}
	if f.sink.ratings["alice"] != 1216 || f.sink.ratings["bob"] != 1184 {
		t.Fatalf("ratings = %d/%d, want 1216/1184", f.sink.ratings["alice"], f.sink.ratings["bob"])
	}

	// Settled sessions get deleted.
	cur, err := f.mgr.Session(ctx, sess.ID)
	if err != nil {
		t.Fatal(err)
	}
	if cur != nil {
		t.Fatalf("session record survived settlement: %+v", cur)
	}

	// A late sweep must not settle again.
	f.mgr.Sweep(ctx)
	if got := f.sink.applyCount(); got != 1 {
		t.Fatalf("ApplyResult calls after sweep = %d, want 1", got)
	}
}

func TestSubmitAfterFinishRejected(t *testing.T) {
	f := newFixture(t)
	sess := startDuel(t, f)
	ctx := context.Background()

	if _, err := f.mgr.Submit(ctx, sess.ID, "alice", "pass-all", "go"); err != nil {
		t.Fatal(err)
	}
	_, err := f.mgr.Submit(ctx, sess.ID, "bob", "pass-all", "go")
	var de arenadto.DomainError
	if !errors.As(err, &de) || de.Code != arenadto.CodeSessionNotFound {
		t.Fatalf("late submit error = %v, want SESSION_NOT_FOUND", err)
	}
}

func TestSubmitJudgeExhaustionLeavesSessionUntouched(t *testing.T) {
	f := newFixture(t)
	sess := startDuel(t, f)
	ctx := context.Background()

	f.exec.err = &judge.ExhaustedError{Attempts: 3, Last: errors.New("status 429")}
	_, err := f.mgr.Submit(ctx, sess.ID, "alice", "pass-all", "go")
	var de arenadto.DomainError
	if !errors.As(err, &de) || de.Code != arenadto.CodeJudgeUnavailable {
		t.Fatalf("error = %v, want JUDGE_UNAVAILABLE", err)
	}
	if !de.Retryable {
		t.Fatal("judge exhaustion must be retryable")
	}

	cur, _ := f.mgr.Session(ctx, sess.ID)
	if cur == nil || cur.Status != match.StatusOngoing {
		t.Fatal("session must stay ongoing across judge outage")
	}
	if p := cur.player("alice"); p.Submissions != 0 {
		t.Fatalf("submissions = %d, want 0 (not charged)", p.Submissions)
	}
}

func TestNonParticipantSubmitRejected(t *testing.T) {
	f := newFixture(t)
	sess := startDuel(t, f)

	_, err := f.mgr.Submit(context.Background(), sess.ID, "mallory", "pass-all", "go")
	var de arenadto.DomainError
	if !errors.As(err, &de) || de.Code != arenadto.CodeNotAParticipant {
		t.Fatalf("error = %v, want NOT_A_PARTICIPANT", err)
	}
}

func TestWaitingDisconnectCancelsWithoutRatings(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	s1, _, err := f.mgr.FindMatch(ctx, "alice", "Alice")
	if err != nil {
		t.Fatal(err)
	}

	if err := f.mgr.Leave(ctx, s1.ID, "alice"); err != nil {
		t.Fatalf("Leave: %v", err)
	}
	cur, _ := f.mgr.Session(ctx, s1.ID)
	if cur != nil {
		t.Fatal("cancelled waiting session must be deleted")
	}
	if f.sink.applyCount() != 0 {
		t.Fatal("cancelled session must not touch ratings")
	}

	// The waiting queue must not hand the dead id out again.
	s2, _, err := f.mgr.FindMatch(ctx, "bob", "Bob")
	if err != nil {
		t.Fatal(err)
	}
	if s2.ID == s1.ID {
		t.Fatal("dead session id reused from waiting queue")
	}
}

// A write landing between the cleanup's read and its commit loses the
// WATCH race; the forfeit must be retried, not dropped.
func TestCleanupRetriesOnWatchConflict(t *testing.T) {
	f := newFixture(t)
	sess := startDuel(t, f)
	ctx := context.Background()

	conflicted := false
	f.mgr.afterCleanupRead = func() {
		if conflicted {
			return
		}
		conflicted = true
		cur, err := f.mgr.store.Load(ctx, sess.ID)
		if err != nil || cur == nil {
			t.Fatalf("conflicting load: %v", err)
		}
		if err := f.mgr.store.Save(ctx, cur); err != nil {
			t.Fatalf("conflicting save: %v", err)
		}
	}

	if err := f.mgr.Leave(ctx, sess.ID, "bob"); err != nil {
		t.Fatalf("Leave: %v", err)
	}
	if !conflicted {
		t.Fatal("conflicting write never ran")
	}

	// The forfeit must still have settled exactly once.
	if got := f.sink.applyCount(); got != 1 {
		t.Fatalf("ApplyResult calls = %d, want 1", got)
	}
	rec := f.sink.applied[0][0]
	if rec.Result != match.ResultOpponentLeft {
		t.Fatalf("result = %s, want opponent_left", rec.Result)
	}
	if f.sink.ratings["alice"] != 1216 || f.sink.ratings["bob"] != 1184 {
		t.Fatalf("ratings = %d/%d, want 1216/1184", f.sink.ratings["alice"], f.sink.ratings["bob"])
	}
}

func TestOngoingLeaveAwardsOpponent(t *testing.T) {
	f := newFixture(t)
	sess := startDuel(t, f)
	ctx := context.Background()

	if err := f.mgr.Leave(ctx, sess.ID, "bob"); err != nil {
		t.Fatalf("Leave: %v", err)
	}
	if got := f.sink.applyCount(); got != 1 {
		t.Fatalf("ApplyResult calls = %d, want 1", got)
	}
	if f.sink.ratings["alice"] != 1216 || f.sink.ratings["bob"] != 1184 {
		t.Fatalf("ratings = %d/%d, want 1216/1184", f.sink.ratings["alice"], f.sink.ratings["bob"])
	}
	rec := f.sink.applied[0][0]
	if rec.Result != match.ResultOpponentLeft {
		t.Fatalf("result = %s, want opponent_left", rec.Result)
	}
}

func TestTimeoutPartialCredit(t *testing.T) {
	f := newFixture(t)
	sess := startDuel(t, f)
	ctx := context.Background()

	// alice passes two cases, bob one.
	f.exec.passFor = func(code, stdin string) bool {
		if code == "two" {
			return stdin != "3"
		}
		return stdin == "1"
	}
	if _, err := f.mgr.Submit(ctx, sess.ID, "alice", "two", "go"); err != nil {
		t.Fatal(err)
	}
	if _, err := f.mgr.Submit(ctx, sess.ID, "bob", "one", "go"); err != nil {
		t.Fatal(err)
	}

	if err := f.mgr.Timeout(ctx, sess.ID); err != nil {
		t.Fatalf("Timeout: %v", err)
	}
	// Leader scores 0.75 at K=32 from equal ratings: +8 / -8.
	if f.sink.ratings["alice"] != 1208 || f.sink.ratings["bob"] != 1192 {
		t.Fatalf("ratings = %d/%d, want 1208/1192", f.sink.ratings["alice"], f.sink.ratings["bob"])
	}
	rec := f.sink.applied[0][0]
	if rec.Result != match.ResultTimeout {
		t.Fatalf("result = %s, want timeout", rec.Result)
	}
}

func TestTimeoutEqualProgressDraws(t *testing.T) {
	f := newFixture(t)
	sess := startDuel(t, f)
	ctx := context.Background()

	if err := f.mgr.Timeout(ctx, sess.ID); err != nil {
		t.Fatal(err)
	}
	if f.sink.ratings["alice"] != 1200 || f.sink.ratings["bob"] != 1200 {
		t.Fatalf("ratings = %d/%d, want unchanged 1200/1200", f.sink.ratings["alice"], f.sink.ratings["bob"])
	}
	// Idempotent on repeat.
	if err := f.mgr.Timeout(ctx, sess.ID); err != nil {
		t.Fatal(err)
	}
	if got := f.sink.applyCount(); got != 1 {
		t.Fatalf("ApplyResult calls = %d, want 1", got)
	}
}

func TestSweepRetriesFailedSettlement(t *testing.T) {
	f := newFixture(t)
	sess := startDuel(t, f)
	ctx := context.Background()

	f.sink.applyErr = errors.New("db down")
	_, err := f.mgr.Submit(ctx, sess.ID, "alice", "pass-all", "go")
	var de arenadto.DomainError
	if !errors.As(err, &de) || de.Code != arenadto.CodePersistence {
		t.Fatalf("error = %v, want PERSISTENCE_FAILURE", err)
	}

	// Terminal session record must survive the failed write.
	cur, _ := f.mgr.Session(ctx, sess.ID)
	if cur == nil || !cur.Status.Terminal() || cur.Settled {
		t.Fatalf("session after failed settlement = %+v", cur)
	}

	f.sink.mu.Lock()
	f.sink.applyErr = nil
	f.sink.mu.Unlock()
	f.mgr.Sweep(ctx)

	if got := f.sink.applyCount(); got != 1 {
		t.Fatalf("ApplyResult calls after sweep = %d, want 1", got)
	}
	if f.sink.ratings["alice"] != 1216 {
		t.Fatalf("alice rating = %d, want 1216", f.sink.ratings["alice"])
	}
	if cur, _ := f.mgr.Session(ctx, sess.ID); cur != nil {
		t.Fatal("session must be deleted after recovered settlement")
	}
}

func TestSweepTimesOutExpiredSessions(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.mgr.duration = 10 * time.Millisecond
	sess := startDuel(t, f)

	time.Sleep(20 * time.Millisecond)
	f.mgr.Sweep(ctx)

	if cur, _ := f.mgr.Session(ctx, sess.ID); cur != nil {
		t.Fatal("expired session must be finalized by the sweep")
	}
	if got := f.sink.applyCount(); got != 1 {
		t.Fatalf("ApplyResult calls = %d, want 1", got)
	}
}

func TestProgressBroadcastCarriesNoCode(t *testing.T) {
	f := newFixture(t)
	sess := startDuel(t, f)
	ctx := context.Background()

	f.exec.passFor = func(code, stdin string) bool { return stdin == "1" }
	if _, err := f.mgr.Submit(ctx, sess.ID, "alice", "secret source", "go"); err != nil {
		t.Fatal(err)
	}

	var found bool
	for _, ev := range f.notify.sessionEvents(sess.ID) {
		if ev.Type != arenadto.EvOpponentProgress {
			continue
		}
		found = true
		p, ok := ev.Payload.(arenadto.OpponentProgress)
		if !ok {
			t.Fatalf("payload type %T", ev.Payload)
		}
		if p.Passed != 1 || p.UserID != "alice" {
			t.Fatalf("progress payload = %+v", p)
		}
	}
	if !found {
		t.Fatal("no opponent-progress broadcast after partial submit")
	}
}
