package trivia

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/kapu/codearena/internal/grace"
	"github.com/kapu/codearena/internal/match"
	"github.com/kapu/codearena/internal/obslog"
	"github.com/kapu/codearena/internal/problems"
	"github.com/kapu/codearena/internal/rating"
	"github.com/kapu/codearena/pkg/arenadto"
)

const (
	scoreCorrect = 1.0
	scoreWrong   = -0.5
)

var ErrSessionFull = errors.New("session already has two participants")

const cleanupMaxAttempts = 5

// Manager owns every trivia round. Same ownership and concurrency
// discipline as the duel manager: every transition commits through a
// WATCH on the session key.
type Manager struct {
	rdb    *redis.Client
	store  *Store
	sets   problems.SetSource
	sink   match.Sink
	notify match.Notifier
	grace  *grace.Coordinator

	k        int
	duration time.Duration

	// set by tests to interleave writes with a cleanup transaction
	afterCleanupRead func()
}

func NewManager(rdb *redis.Client, sets problems.SetSource, sink match.Sink, notify match.Notifier, gc *grace.Coordinator, k int, duration time.Duration) *Manager {
	if k <= 0 {
		k = rating.DefaultK
	}
	if duration <= 0 {
		duration = 3 * time.Minute
	}
	return &Manager{
		rdb:      rdb,
		store:    NewStore(rdb),
		sets:     sets,
		sink:     sink,
		notify:   notify,
		grace:    gc,
		k:        k,
		duration: duration,
	}
}

func (m *Manager) Session(ctx context.Context, id string) (*Session, error) {
	return m.store.Load(ctx, id)
}

// FindMatch joins a waiting round or creates a new one.
func (m *Manager) FindMatch(ctx context.Context, userID, name string) (*Session, bool, error) {
	if cur, err := m.store.ActiveSessionByUser(ctx, userID); err != nil {
		return nil, false, err
	} else if cur != nil {
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
	set, err := m.sets.PickQuestionSet(ctx)
	if err != nil {
		return nil, fmt.Errorf("pick question set: %w", err)
	}

	now := time.Now()
	sess := &Session{
		ID:            "trivia-" + uuid.NewString(),
		SetID:         set.ID,
		QuestionTotal: len(set.Questions),
		Status:        match.StatusWaiting,
		Players: []*Player{{
			Participant: match.Participant{UserID: userID, Name: name, RatingBefore: ratingBefore, JoinedAt: now},
			Answers:     map[string]Answer{},
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
	obslog.L().Info("trivia_create",
		zap.String("session_id", sess.ID),
		zap.String("user_id", userID),
		zap.String("set_id", set.ID),
	)
	return sess, nil
}

// Join adds a participant to a waiting round; the second join starts it.
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
			out = cur
			rejoined = true
			return nil
		}
		if cur.Status != match.StatusWaiting {
			return arenadto.InvalidState("round already started")
		}
		if len(cur.Players) >= 2 {
			return ErrSessionFull
		}

		now := time.Now()
		cur.Players = append(cur.Players, &Player{
			Participant: match.Participant{UserID: userID, Name: name, RatingBefore: ratingBefore, JoinedAt: now},
			Answers:     map[string]Answer{},
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
		obslog.L().Info("trivia_start",
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

// Answer commits one answer. The first commit per question is final:
// a repeat attempt is rejected without touching the score. A correct
// answer adds 1 point, a wrong one subtracts half a point.
func (m *Manager) Answer(ctx context.Context, sessionID, userID, questionID string, option int) (*arenadto.AnswerResult, error) {
	sess, err := m.store.Load(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if sess == nil {
		return nil, arenadto.SessionNotFound(sessionID)
	}
	set, err := m.sets.QuestionSet(ctx, sess.SetID)
	if err != nil {
		return nil, fmt.Errorf("load question set: %w", err)
	}

	key := m.store.Key(sessionID)
	var out *Session
	var result *arenadto.AnswerResult
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
			return arenadto.InvalidState("round is not ongoing")
		}
		p := cur.player(userID)
		if p == nil {
			return arenadto.NotAParticipant()
		}
		q := set.Find(questionID)
		if q == nil {
			return arenadto.InvalidState("unknown question: " + questionID)
		}
		if _, dup := p.Answers[questionID]; dup {
			return arenadto.DuplicateAnswer(questionID)
		}

		now := time.Now()
		correct := option == q.Correct
		if p.Answers == nil {
			p.Answers = map[string]Answer{}
		}
		p.Answers[questionID] = Answer{Option: option, Correct: correct, AnsweredAt: now}
		if correct {
			p.Score += scoreCorrect
		} else {
			p.Score += scoreWrong
		}
		if p.answered() >= cur.QuestionTotal {
			p.Done = true
		}
		cur.UpdatedAt = now
		if cur.complete() {
			cur.Status = match.StatusFinished
			cur.EndTime = now
			m.conclude(cur)
		}

		pipe := tx.TxPipeline()
		if err := saveInPipe(ctx, pipe, key, cur); err != nil {
			return err
		}
		if _, err := pipe.Exec(ctx); err != nil {
			return err
		}
		out = cur
		result = &arenadto.AnswerResult{
			SessionID:  sessionID,
			QuestionID: questionID,
			IsCorrect:  correct,
			Score:      p.Score,
			Answered:   p.answered(),
			Total:      cur.QuestionTotal,
		}
		return nil
	}, key)
	if errors.Is(err, redis.TxFailedErr) {
		return nil, arenadto.Conflict()
	}
	if err != nil {
		return nil, err
	}

	obslog.L().Info("trivia_answer",
		zap.String("session_id", sessionID),
		zap.String("user_id", userID),
		zap.String("question_id", questionID),
		zap.Bool("correct", result.IsCorrect),
	)

	if out.Status.Terminal() {
		if err := m.finalize(ctx, out); err != nil {
			return nil, err
		}
	} else {
		p := out.player(userID)
		m.notify.Broadcast(ctx, sessionID, arenadto.ServerEvent{Type: arenadto.EvOpponentProgress, Payload: arenadto.OpponentProgress{
			SessionID: sessionID,
			UserID:    userID,
			Answered:  p.answered(),
			Score:     p.Score,
		}})
	}
	return result, nil
}

// conclude fills Result and WinnerID for a round whose players are all
// done or gone. Called with the session about to be committed.
func (m *Manager) conclude(sess *Session) {
	active := make([]*Player, 0, len(sess.Players))
	for _, p := range sess.Players {
		if !p.Left {
			active = append(active, p)
		}
	}
	switch len(active) {
	case 1:
		// The opponent walked out earlier; the stayer takes the round.
		sess.Result = match.ResultOpponentLeft
		sess.WinnerID = active[0].UserID
	case 2:
		a, b := active[0], active[1]
		switch {
		case a.Score > b.Score:
			sess.Result = match.ResultWin
			sess.WinnerID = a.UserID
		case b.Score > a.Score:
			sess.Result = match.ResultWin
			sess.WinnerID = b.UserID
		default:
			sess.Result = match.ResultDraw
		}
	default:
		sess.Result = match.ResultAbandoned
	}
}

// Leave handles an explicit leave. In trivia the remaining player keeps
// playing solo; the round only terminates early when nobody is left.
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

// OnTransportLoss defers the leave behind the grace window.
func (m *Manager) OnTransportLoss(sessionID, userID, connID string) {
	m.grace.OnDisconnect(sessionID, userID, connID, grace.ReasonTransport, m.cleanupDisconnect)
}

// cleanupDisconnect commits the disconnect outcome for one participant.
// A lost WATCH race is retried; the grace timer is already spent, so
// giving up here would drop the forfeit.
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
		obslog.L().Error("trivia_disconnect_cleanup_error", zap.String("session_id", sessionID), zap.Error(err))
		return
	}
	if out == nil {
		return
	}

	obslog.L().Info("trivia_disconnect",
		zap.String("session_id", sessionID),
		zap.String("user_id", userID),
		zap.String("status", string(out.Status)),
	)

	switch out.Status {
	case match.StatusFinished:
		if err := m.finalize(ctx, out); err != nil {
			obslog.L().Error("trivia_settle_error", zap.String("session_id", out.ID), zap.Error(err))
		}
	case match.StatusCancelled:
		m.discard(ctx, out)
	case match.StatusOngoing:
		m.notify.Broadcast(ctx, sessionID, arenadto.ServerEvent{Type: arenadto.EvSnapshot, Payload: out.Snapshot()})
	}
}

func (m *Manager) cleanupOnce(ctx context.Context, sessionID, userID string) (*Session, error) {
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
			cur.Status = match.StatusCancelled
			cur.Result = match.ResultAbandoned
			cur.EndTime = now
		case match.StatusOngoing:
			if opp := cur.opponent(userID); opp == nil || opp.Left {
				cur.Status = match.StatusCancelled
				cur.Result = match.ResultAbandoned
				cur.EndTime = now
			} else if cur.complete() {
				// The stayer had already finished every question.
				cur.Status = match.StatusFinished
				cur.EndTime = now
				m.conclude(cur)
			}
			// Otherwise the round stays ongoing: solo play until the
			// timer or completion.
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

// Timeout closes a round whose timer elapsed. Scores at the bell are
// final: higher total wins outright, equal totals draw.
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
		cur.EndTime = now
		cur.UpdatedAt = now
		m.conclude(cur)

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
		return nil
	}
	if err != nil {
		return err
	}
	if out == nil {
		return nil
	}
	obslog.L().Info("trivia_timeout", zap.String("session_id", sessionID), zap.String("winner", out.WinnerID))
	return m.finalize(ctx, out)
}

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
			m.discard(ctx, sess)
			return nil
		}
		a, b := sess.Players[0], sess.Players[1]
		st := match.Settle(&a.Participant, &b.Participant, m.scoreFor(sess, a), m.k)
		recs := st.Records(sess.ID, match.ModeTrivia, sess.Result, sess.WinnerID, sess.EndTime)
		if err := m.sink.ApplyResult(ctx, recs); err != nil {
			_ = m.store.ReleaseSettlement(ctx, sess.ID)
			obslog.L().Error("trivia_settlement_persist_error", zap.String("session_id", sess.ID), zap.Error(err))
			return arenadto.PersistenceFailure("settlement write failed")
		}
		a.RatingAfter = st.A.After
		b.RatingAfter = st.B.After
		sess.Settled = true
		sess.UpdatedAt = time.Now()
		if err := m.store.Save(ctx, sess); err != nil {
			obslog.L().Warn("trivia_settled_flag_save_error", zap.String("session_id", sess.ID), zap.Error(err))
		}

		fin := arenadto.ServerEvent{Type: arenadto.EvFinished, Payload: arenadto.FinishedEvent{
			SessionID: sess.ID,
			Result:    string(sess.Result),
			WinnerID:  sess.WinnerID,
			Ratings:   st.RatingChanges(),
		}}
		m.notify.NotifyUser(ctx, a.UserID, fin)
		m.notify.NotifyUser(ctx, b.UserID, fin)
		m.notify.Broadcast(ctx, sess.ID, fin)

		obslog.L().Info("trivia_finish",
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
	if sess.Result == match.ResultDraw || sess.WinnerID == "" {
		return rating.ScoreDraw
	}
	if sess.WinnerID == a.UserID {
		return rating.ScoreWin
	}
	return rating.ScoreLoss
}

func (m *Manager) discard(ctx context.Context, sess *Session) {
	m.notify.Broadcast(ctx, sess.ID, arenadto.ServerEvent{Type: arenadto.EvFinished, Payload: arenadto.FinishedEvent{
		SessionID: sess.ID,
		Result:    string(sess.Result),
	}})
	if err := m.store.Delete(ctx, sess); err != nil {
		obslog.L().Warn("trivia_discard_error", zap.String("session_id", sess.ID), zap.Error(err))
	}
	if m.grace != nil {
		m.grace.CancelSession(sess.ID)
	}
}

// Sweep times out expired rounds and retries settlements whose durable
// write failed.
func (m *Manager) Sweep(ctx context.Context) {
	ids, err := m.store.ActiveIDs(ctx)
	if err != nil {
		obslog.L().Warn("trivia_sweep_error", zap.Error(err))
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
				obslog.L().Warn("trivia_sweep_timeout_error", zap.String("session_id", id), zap.Error(err))
			}
		case sess.Status.Terminal():
			if err := m.finalize(ctx, sess); err != nil {
				obslog.L().Warn("trivia_sweep_settle_error", zap.String("session_id", id), zap.Error(err))
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
