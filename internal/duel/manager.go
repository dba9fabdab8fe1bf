package duel

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/kapu/codearena/internal/grace"
	"github.com/kapu/codearena/internal/judge"
	"github.com/kapu/codearena/internal/match"
	"github.com/kapu/codearena/internal/obslog"
	"github.com/kapu/codearena/internal/problems"
	"github.com/kapu/codearena/internal/rating"
	"github.com/kapu/codearena/pkg/arenadto"
)

// Executor runs one submission against one test case.
type Executor interface {
	Execute(ctx context.Context, sourceCode, languageID, stdin, expectedOutput string) (*judge.Execution, error)
}

// ErrSessionFull means a third join was attempted.
var ErrSessionFull = errors.New("session already has two participants")

// cleanupMaxAttempts bounds WATCH retries for disconnect cleanup.
const cleanupMaxAttempts = 5

// Manager owns every duel session: it is the only writer of their
// state, and serializes each session's transitions through redis WATCH
// so exactly one terminal transition ever commits.
type Manager struct {
	rdb      *redis.Client
	store    *Store
	exec     Executor
	problems problems.ProblemSource
	sink     match.Sink
	notify   match.Notifier
	grace    *grace.Coordinator

	k        int
	duration time.Duration

	// set by tests to interleave writes with a cleanup transaction
	afterCleanupRead func()
}

func NewManager(rdb *redis.Client, exec Executor, src problems.ProblemSource, sink match.Sink, notify match.Notifier, gc *grace.Coordinator, k int, duration time.Duration) *Manager {
	if k <= 0 {
		k = rating.DefaultK
	}
	if duration <= 0 {
		duration = 30 * time.Minute
	}
	return &Manager{
		rdb:      rdb,
		store:    NewStore(rdb),
		exec:     exec,
		problems: src,
		sink:     sink,
		notify:   notify,
		grace:    gc,
		k:        k,
		duration: duration,
	}
}

// Session loads one session by id.
func (m *Manager) Session(ctx context.Context, id string) (*Session, error) {
	return m.store.Load(ctx, id)
}

// FindMatch joins an existing waiting duel or creates a new one. The
// bool reports whether the session just started (second join).
func (m *Manager) FindMatch(ctx context.Context, userID, name string) (*Session, bool, error) {
	if cur, err := m.store.ActiveSessionByUser(ctx, userID); err != nil {
		return nil, false, err
	} else if cur != nil {
		// Already matched; hand the existing session back.
		return cur, false, nil
	}

	ids, err := m.store.WaitingIDs(ctx)
	if err != nil {
		return nil, false, err
	}
	for _, id := range ids {
		sess, started, jerr := m.Join(ctx, id, userID, name)
		if jerr == nil {
			return sess, started, nil
		}
		if errors.Is(jerr, ErrSessionFull) || isConflict(jerr) || isNotFound(jerr) {
			continue
		}
		return nil, false, jerr
	}
	sess, err := m.create(ctx, userID, name)
	return sess, false, err
}

func (m *Manager) create(ctx context.Context, userID, name string) (*Session, error) {
	ratingBefore, err := m.sink.Rating(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("load rating: %w", err)
	}
	prob, err := m.problems.PickProblem(ctx)
	if err != nil {
		return nil, fmt.Errorf("pick problem: %w", err)
	}

	now := time.Now()
	sess := &Session{
		ID:        "duel-" + uuid.NewString(),
		ProblemID: prob.ID,
		TestTotal: len(prob.TestCases),
		Status:    match.StatusWaiting,
		Players: []*Player{{
			Participant: match.Participant{UserID: userID, Name: name, RatingBefore: ratingBefore, JoinedAt: now},
		}},
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := m.store.Save(ctx, sess); err != nil {
		return nil, err
	}
	if err := m.store.AddWaiting(ctx, sess.ID); err != nil {
		return nil, err
	}
	if err := m.store.IndexUser(ctx, userID, sess.ID); err != nil {
		return nil, err
	}
	obslog.L().Info("duel_create",
		zap.String("session_id", sess.ID),
		zap.String("user_id", userID),
		zap.String("problem_id", prob.ID),
	)
	return sess, nil
}

// Join adds a participant to a waiting session. The second join
// atomically moves the session to ongoing and stamps its start time.
func (m *Manager) Join(ctx context.Context, sessionID, userID, name string) (*Session, bool, error) {
	ratingBefore, err := m.sink.Rating(ctx, userID)
	if err != nil {
		return nil, false, fmt.Errorf("load rating: %w", err)
	}

	key := m.store.Key(sessionID)
	var out *Session
	started := false
	rejoined := false
	err = m.rdb.Watch(ctx, func(tx *redis.Tx) error {
		raw, err := tx.Get(ctx, key).Bytes()
		if err == redis.Nil {
			return arenadto.SessionNotFound(sessionID)
		}
		if err != nil {
			return err
		}
		cur := &Session{}
		if jerr := unmarshalSession(raw, cur); jerr != nil {
			return jerr
		}
		if p := cur.player(userID); p != nil {
			// Rejoin: no mutation, just the current view.
			out = cur
			rejoined = true
			return nil
		}
		if cur.Status != match.StatusWaiting {
			return arenadto.InvalidState("session already started")
		}
		if len(cur.Players) >= 2 {
			return ErrSessionFull
		}

		now := time.Now()
		cur.Players = append(cur.Players, &Player{
			Participant: match.Participant{UserID: userID, Name: name, RatingBefore: ratingBefore, JoinedAt: now},
		})
		if len(cur.Players) == 2 {
			cur.Status = match.StatusOngoing
			cur.StartTime = now
			cur.Deadline = now.Add(m.duration)
			started = true
		}
		cur.UpdatedAt = now

		pipe := tx.TxPipeline()
		if err := saveInPipe(ctx, pipe, key, cur); err != nil {
			return err
		}
		if _, err := pipe.Exec(ctx); err != nil {
			return err
		}
		out = cur
		return nil
	}, key)
	if errors.Is(err, redis.TxFailedErr) {
		return nil, false, arenadto.Conflict()
	}
	if err != nil {
		return nil, false, err
	}

	if err := m.store.IndexUser(ctx, userID, sessionID); err != nil {
		return nil, false, err
	}
	if started {
		_ = m.store.RemoveWaiting(ctx, sessionID)
		if err := m.store.AddActive(ctx, sessionID); err != nil {
			return nil, false, err
		}
		obslog.L().Info("duel_start",
			zap.String("session_id", sessionID),
			zap.String("joiner", userID),
		)
		m.notify.Broadcast(ctx, sessionID, arenadto.ServerEvent{Type: arenadto.EvStarted, Payload: arenadto.StartedEvent{
			SessionID: sessionID,
			Deadline:  out.Deadline,
			LimitSec:  int(m.duration.Seconds()),
		}})
	} else if !rejoined {
		m.notify.Broadcast(ctx, sessionID, arenadto.ServerEvent{Type: arenadto.EvPlayerJoined, Payload: out.Snapshot()})
	}
	return out, started, nil
}

// Submit judges code against every test case of the session's problem,
// then commits either a progress update or the winning terminal
// transition. Test cases run as independently awaited calls; no session
// lock is held while the judge works.
func (m *Manager) Submit(ctx context.Context, sessionID, userID, code, language string) (*arenadto.SubmissionResult, error) {
	sess, err := m.store.Load(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if sess == nil {
		return nil, arenadto.SessionNotFound(sessionID)
	}
	if sess.player(userID) == nil {
		return nil, arenadto.NotAParticipant()
	}
	if sess.Status != match.StatusOngoing {
		return nil, arenadto.InvalidState("submission on a session that is not ongoing")
	}

	prob, err := m.problems.Problem(ctx, sess.ProblemID)
	if err != nil {
		return nil, fmt.Errorf("load problem: %w", err)
	}

	passed := 0
	for _, tc := range prob.TestCases {
		exec, err := m.exec.Execute(ctx, code, language, tc.Input, tc.Expected)
		if err != nil {
			var ex *judge.ExhaustedError
			if errors.As(err, &ex) {
				// Session unchanged; the submitter may retry.
				return nil, arenadto.JudgeUnavailable(ex.Error())
			}
			return nil, err
		}
		if exec.Passed {
			passed++
		}
	}
	total := len(prob.TestCases)
	won := total > 0 && passed == total

	key := m.store.Key(sessionID)
	var out *Session
	err = m.rdb.Watch(ctx, func(tx *redis.Tx) error {
		raw, err := tx.Get(ctx, key).Bytes()
		if err == redis.Nil {
			return arenadto.SessionNotFound(sessionID)
		}
		if err != nil {
			return err
		}
		cur := &Session{}
		if jerr := unmarshalSession(raw, cur); jerr != nil {
			return jerr
		}
		if cur.Status != match.StatusOngoing {
			// A concurrent terminal transition won; observe and stop.
			return arenadto.InvalidState("session already finished")
		}
		p := cur.player(userID)
		if p == nil {
			return arenadto.NotAParticipant()
		}
		p.Submissions++
		if passed > p.Passed {
			p.Passed = passed
		}
		now := time.Now()
		cur.UpdatedAt = now
		if won {
			cur.Status = match.StatusFinished
			cur.Result = match.ResultWin
			cur.WinnerID = userID
			cur.EndTime = now
		}
		pipe := tx.TxPipeline()
		if err := saveInPipe(ctx, pipe, key, cur); err != nil {
			return err
		}
		if _, err := pipe.Exec(ctx); err != nil {
			return err
		}
		out = cur
		return nil
	}, key)
	if errors.Is(err, redis.TxFailedErr) {
		// Re-read once: the usual cause is a terminal transition that
		// landed between our judge run and our commit.
		if cur, lerr := m.store.Load(ctx, sessionID); lerr == nil && cur != nil && cur.Status.Terminal() {
			return nil, arenadto.InvalidState("session already finished")
		}
		return nil, arenadto.Conflict()
	}
	if err != nil {
		return nil, err
	}

	obslog.L().Info("duel_submission",
		zap.String("session_id", sessionID),
		zap.String("user_id", userID),
		zap.Int("passed", passed),
		zap.Int("total", total),
		zap.Bool("won", won),
	)

	if won {
		if err := m.finalize(ctx, out); err != nil {
			return nil, err
		}
	} else {
		// Opponent learns of progress, never of code content.
		m.notify.Broadcast(ctx, sessionID, arenadto.ServerEvent{Type: arenadto.EvOpponentProgress, Payload: arenadto.OpponentProgress{
			SessionID: sessionID,
			UserID:    userID,
			Passed:    passed,
		}})
	}
	return &arenadto.SubmissionResult{SessionID: sessionID, Passed: passed, Total: total, Won: won}, nil
}

// Leave handles an explicit user-initiated leave: no grace window.
func (m *Manager) Leave(ctx context.Context, sessionID, userID string) error {
	sess, err := m.store.Load(ctx, sessionID)
	if err != nil {
		return err
	}
	if sess == nil {
		return arenadto.SessionNotFound(sessionID)
	}
	if sess.player(userID) == nil {
		return arenadto.NotAParticipant()
	}
	m.cleanupDisconnect(ctx, sessionID, userID)
	return nil
}

// OnTransportLoss defers cleanup behind the grace window; a reconnect
// in time cancels it.
func (m *Manager) OnTransportLoss(sessionID, userID, connID string) {
	m.grace.OnDisconnect(sessionID, userID, connID, grace.ReasonTransport, m.cleanupDisconnect)
}

// cleanupDisconnect is the grace coordinator's target: it commits the
// disconnect outcome for one participant. A lost WATCH race is retried;
// the grace timer is already spent, so giving up here would drop the
// forfeit.
func (m *Manager) cleanupDisconnect(ctx context.Context, sessionID, userID string) {
	var (
		out *Session
		err error
	)
	for attempt := 0; attempt < cleanupMaxAttempts; attempt++ {
		out, err = m.cleanupOnce(ctx, sessionID, userID)
		if !errors.Is(err, redis.TxFailedErr) {
			break
		}
	}
	if err != nil {
		obslog.L().Error("duel_disconnect_cleanup_error", zap.String("session_id", sessionID), zap.Error(err))
		return
	}
	if out == nil {
		return
	}

	obslog.L().Info("duel_disconnect",
		zap.String("session_id", sessionID),
		zap.String("user_id", userID),
		zap.String("status", string(out.Status)),
	)

	switch out.Status {
	case match.StatusFinished:
		if err := m.finalize(ctx, out); err != nil {
			obslog.L().Error("duel_settle_error", zap.String("session_id", out.ID), zap.Error(err))
		}
	case match.StatusCancelled:
		m.discard(ctx, out)
	}
}

func (m *Manager) cleanupOnce(ctx context.Context, sessionID, userID string) (*Session, error) {
	key := m.store.Key(sessionID)
	var out *Session
	err := m.rdb.Watch(ctx, func(tx *redis.Tx) error {
		raw, err := tx.Get(ctx, key).Bytes()
		if err == redis.Nil {
			return nil // already gone
		}
		if err != nil {
			return err
		}
		cur := &Session{}
		if jerr := unmarshalSession(raw, cur); jerr != nil {
			return jerr
		}
		if cur.Status.Terminal() {
			return nil
		}
		p := cur.player(userID)
		if p == nil {
			return nil
		}
		now := time.Now()
		p.Left = true
		cur.UpdatedAt = now

		switch cur.Status {
		case match.StatusWaiting:
			// Lone waiting player gone: discard, no rating effects.
			cur.Status = match.StatusCancelled
			cur.Result = match.ResultAbandoned
			cur.EndTime = now
		case match.StatusOngoing:
			if opp := cur.opponent(userID); opp != nil && !opp.Left {
				cur.Status = match.StatusFinished
				cur.Result = match.ResultOpponentLeft
				cur.WinnerID = opp.UserID
				cur.EndTime = now
			} else {
				cur.Status = match.StatusCancelled
				cur.Result = match.ResultAbandoned
				cur.EndTime = now
			}
		}

		if m.afterCleanupRead != nil {
			m.afterCleanupRead()
		}

		pipe := tx.TxPipeline()
		if err := saveInPipe(ctx, pipe, key, cur); err != nil {
			return err
		}
		if _, err := pipe.Exec(ctx); err != nil {
			return err
		}
		out = cur
		return nil
	}, key)
	return out, err
}

// Timeout drives the external duration-exceeded signal. Idempotent: a
// session already terminal is left untouched.
func (m *Manager) Timeout(ctx context.Context, sessionID string) error {
	key := m.store.Key(sessionID)
	var out *Session
	err := m.rdb.Watch(ctx, func(tx *redis.Tx) error {
		raw, err := tx.Get(ctx, key).Bytes()
		if err == redis.Nil {
			return nil
		}
		if err != nil {
			return err
		}
		cur := &Session{}
		if jerr := unmarshalSession(raw, cur); jerr != nil {
			return jerr
		}
		if cur.Status != match.StatusOngoing {
			return nil
		}
		now := time.Now()
		cur.Status = match.StatusFinished
		cur.Result = match.ResultTimeout
		cur.EndTime = now
		cur.UpdatedAt = now
		// Winner only with strictly more test cases passed.
		if len(cur.Players) == 2 {
			a, b := cur.Players[0], cur.Players[1]
			if a.Passed > b.Passed {
				cur.WinnerID = a.UserID
			} else if b.Passed > a.Passed {
				cur.WinnerID = b.UserID
			}
		}
		pipe := tx.TxPipeline()
		if err := saveInPipe(ctx, pipe, key, cur); err != nil {
			return err
		}
		if _, err := pipe.Exec(ctx); err != nil {
			return err
		}
		out = cur
		return nil
	}, key)
	if errors.Is(err, redis.TxFailedErr) {
		return nil // the concurrent transition won; nothing to do
	}
	if err != nil {
		return err
	}
	if out == nil {
		return nil
	}
	obslog.L().Info("duel_timeout", zap.String("session_id", sessionID), zap.String("winner", out.WinnerID))
	return m.finalize(ctx, out)
}

// finalize runs the settlement pipeline for a finished session, in
// order: ratings, history, notifications, record deletion. A second
// concurrent finalize is a no-op.
func (m *Manager) finalize(ctx context.Context, sess *Session) error {
	claimed, err := m.store.ClaimSettlement(ctx, sess.ID)
	if err != nil {
		return err
	}
	if !claimed {
		return nil
	}

	if !sess.Settled {
		if len(sess.Players) != 2 {
			// Defensive bail; finished sessions always carry 2 players.
			m.discard(ctx, sess)
			return nil
		}
		a, b := sess.Players[0], sess.Players[1]
		st := match.Settle(&a.Participant, &b.Participant, m.scoreFor(sess, a), m.k)
		recs := st.Records(sess.ID, match.ModeDuel, sess.Result, sess.WinnerID, sess.EndTime)
		if err := m.sink.ApplyResult(ctx, recs); err != nil {
			// Keep the session record so the sweep can retry; never
			// delete unsettled rating data.
			_ = m.store.ReleaseSettlement(ctx, sess.ID)
			obslog.L().Error("duel_settlement_persist_error", zap.String("session_id", sess.ID), zap.Error(err))
			return arenadto.PersistenceFailure("settlement write failed")
		}
		a.RatingAfter = st.A.After
		b.RatingAfter = st.B.After
		sess.Settled = true
		sess.UpdatedAt = time.Now()
		if err := m.store.Save(ctx, sess); err != nil {
			obslog.L().Warn("duel_settled_flag_save_error", zap.String("session_id", sess.ID), zap.Error(err))
		}

		fin := arenadto.ServerEvent{Type: arenadto.EvFinished, Payload: arenadto.FinishedEvent{
			SessionID: sess.ID,
			Result:    string(sess.Result),
			WinnerID:  sess.WinnerID,
			Ratings:   st.RatingChanges(),
		}}
		// Fresh registry lookups happen inside the notifier.
		m.notify.NotifyUser(ctx, a.UserID, fin)
		m.notify.NotifyUser(ctx, b.UserID, fin)
		m.notify.Broadcast(ctx, sess.ID, fin)

		obslog.L().Info("duel_finish",
			zap.String("session_id", sess.ID),
			zap.String("result", string(sess.Result)),
			zap.String("winner", sess.WinnerID),
			zap.Int("rating_a", st.A.After),
			zap.Int("rating_b", st.B.After),
		)
	}

	if err := m.store.Delete(ctx, sess); err != nil {
		return err
	}
	if m.grace != nil {
		m.grace.CancelSession(sess.ID)
	}
	return nil
}

func (m *Manager) scoreFor(sess *Session, a *Player) rating.Score {
	switch sess.Result {
	case match.ResultTimeout:
		if sess.WinnerID == "" {
			return rating.ScoreDraw
		}
		lead, trail := rating.TimeoutScores(false)
		if sess.WinnerID == a.UserID {
			return lead
		}
		return trail
	case match.ResultDraw:
		return rating.ScoreDraw
	default:
		// win and opponent_left both score as a full result.
		if sess.WinnerID == a.UserID {
			return rating.ScoreWin
		}
		return rating.ScoreLoss
	}
}

// discard drops a cancelled session with no rating side effects.
func (m *Manager) discard(ctx context.Context, sess *Session) {
	m.notify.Broadcast(ctx, sess.ID, arenadto.ServerEvent{Type: arenadto.EvFinished, Payload: arenadto.FinishedEvent{
		SessionID: sess.ID,
		Result:    string(sess.Result),
	}})
	if err := m.store.Delete(ctx, sess); err != nil {
		obslog.L().Warn("duel_discard_error", zap.String("session_id", sess.ID), zap.Error(err))
	}
	if m.grace != nil {
		m.grace.CancelSession(sess.ID)
	}
}

// Sweep drives deadline timeouts and retries settlements that failed
// their durable write. Scheduled on a short fixed interval.
func (m *Manager) Sweep(ctx context.Context) {
	ids, err := m.store.ActiveIDs(ctx)
	if err != nil {
		obslog.L().Warn("duel_sweep_error", zap.Error(err))
		return
	}
	now := time.Now()
	for _, id := range ids {
		sess, err := m.store.Load(ctx, id)
		if err != nil {
			continue
		}
		if sess == nil {
			_ = m.store.RemoveActive(ctx, id)
			continue
		}
		switch {
		case sess.Status == match.StatusOngoing && now.After(sess.Deadline):
			if err := m.Timeout(ctx, id); err != nil {
				obslog.L().Warn("duel_sweep_timeout_error", zap.String("session_id", id), zap.Error(err))
			}
		case sess.Status.Terminal():
			// A finalize that crashed mid-way or failed its write.
			if err := m.finalize(ctx, sess); err != nil {
				obslog.L().Warn("duel_sweep_settle_error", zap.String("session_id", id), zap.Error(err))
			}
		}
	}
}

func isNotFound(err error) bool {
	var de arenadto.DomainError
	return errors.As(err, &de) && de.Code == arenadto.CodeSessionNotFound
}

func isConflict(err error) bool {
	var de arenadto.DomainError
	return errors.As(err, &de) && de.Code == arenadto.CodeConflict
}
