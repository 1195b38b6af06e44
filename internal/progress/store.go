package progress

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/nao1215/learnhub/pkg/apperr"
)

// DefaultTimeout はストア操作1回あたりの既定の上限時間。
const DefaultTimeout = 5 * time.Second

// lookupChunk はIN句1回あたりの学習項目IDの最大数。
const lookupChunk = 500

// Store は学習項目の完了状態の永続ストア。
type Store struct {
	db      *sqlx.DB
	timeout time.Duration
	now     func() time.Time

	mu       sync.RWMutex
	onChange []func(learnerID string)
}

// StoreOption はStoreの設定を変更する。
type StoreOption func(*Store)

// WithTimeout はストア操作1回あたりの上限時間を設定する。
func WithTimeout(d time.Duration) StoreOption {
	return func(s *Store) {
		if d > 0 {
			s.timeout = d
		}
	}
}

// WithClock は現在時刻の取得方法を差し替える。
func WithClock(now func() time.Time) StoreOption {
	return func(s *Store) {
		s.now = now
	}
}

// NewStore は新しいStoreを生成する。
func NewStore(db *sqlx.DB, opts ...StoreOption) *Store {
	s := &Store{db: db, timeout: DefaultTimeout, now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// OnChange は完了状態が書き込まれた後に呼ばれる関数を登録する。
func (s *Store) OnChange(fn func(learnerID string)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onChange = append(s.onChange, fn)
}

func (s *Store) changed(learnerID string) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, fn := range s.onChange {
		fn(learnerID)
	}
}

// completionRow はitem_completionsテーブルの1行。
type completionRow struct {
	LearnerID        string          `db:"learner_id"`
	ItemID           string          `db:"item_id"`
	State            int             `db:"state"`
	Score            sql.NullFloat64 `db:"score"`
	TimeSpentSeconds int64           `db:"time_spent_seconds"`
	StartedAt        sql.NullInt64   `db:"started_at"`
	CompletedAt      sql.NullInt64   `db:"completed_at"`
	UpdatedAt        int64           `db:"updated_at"`
}

func nullTime(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := time.Unix(0, v.Int64).UTC()
	return &t
}

func (r completionRow) toCompletion() Completion {
	c := Completion{
		LearnerID:        r.LearnerID,
		ItemID:           r.ItemID,
		State:            State(r.State),
		TimeSpentSeconds: r.TimeSpentSeconds,
		StartedAt:        nullTime(r.StartedAt),
		CompletedAt:      nullTime(r.CompletedAt),
		UpdatedAt:        time.Unix(0, r.UpdatedAt).UTC(),
	}
	if r.Score.Valid {
		score := r.Score.Float64
		c.Score = &score
	}
	return c
}

const completionColumns = `learner_id, item_id, state, score, time_spent_seconds, started_at, completed_at, updated_at`

// 状態は大きい方を残すため、後退する更新や古いイベントの再送では変わらない。
// 開始日時と完了日時は最初に記録した値を保つ。
const upsertCompletion = `INSERT INTO item_completions
    (learner_id, item_id, state, score, time_spent_seconds, started_at, completed_at, updated_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT (learner_id, item_id) DO UPDATE SET
    state = MAX(item_completions.state, excluded.state),
    score = COALESCE(excluded.score, item_completions.score),
    time_spent_seconds = item_completions.time_spent_seconds + excluded.time_spent_seconds,
    started_at = COALESCE(item_completions.started_at, excluded.started_at),
    completed_at = COALESCE(item_completions.completed_at, excluded.completed_at),
    updated_at = excluded.updated_at`

const insertProcessedUpdate = `INSERT INTO processed_updates (event_id, learner_id, item_id, processed_at)
VALUES (?, ?, ?, ?)
ON CONFLICT (event_id, learner_id, item_id) DO NOTHING`

const selectCompletion = `SELECT ` + completionColumns + ` FROM item_completions
WHERE learner_id = ? AND item_id = ?`

// Record は完了状態を前進方向にだけ更新し、更新後の完了状態を返す。
// EventIDが指定されていて既に適用済みの場合は何も変更せず、現在の完了状態を返す。
func (s *Store) Record(ctx context.Context, u Update) (Completion, error) {
	const op = "progress.Record"
	if err := u.Validate(); err != nil {
		return Completion{}, err
	}
	u.LearnerID = strings.TrimSpace(u.LearnerID)
	u.ItemID = strings.TrimSpace(u.ItemID)
	u.EventID = strings.TrimSpace(u.EventID)

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	now := s.now().UTC().UnixNano()
	var startedAt, completedAt sql.NullInt64
	if u.State >= StateInProgress {
		startedAt = sql.NullInt64{Int64: now, Valid: true}
	}
	if u.State == StateCompleted {
		completedAt = sql.NullInt64{Int64: now, Valid: true}
	}
	var score sql.NullFloat64
	if u.Score != nil {
		score = sql.NullFloat64{Float64: *u.Score, Valid: true}
	}

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return Completion{}, apperr.Storage(op, err)
	}
	defer tx.Rollback() //nolint:errcheck

	applied := true
	if u.EventID != "" {
		res, err := tx.ExecContext(ctx, insertProcessedUpdate, u.EventID, u.LearnerID, u.ItemID, now)
		if err != nil {
			return Completion{}, apperr.Storage(op, err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return Completion{}, apperr.Storage(op, err)
		}
		applied = n == 1
	}

	if applied {
		if _, err := tx.ExecContext(ctx, upsertCompletion,
			u.LearnerID, u.ItemID, int(u.State), score, u.TimeSpentSeconds, startedAt, completedAt, now,
		); err != nil {
			return Completion{}, apperr.Storage(op, err)
		}
	}
	var r completionRow
	if err := tx.GetContext(ctx, &r, selectCompletion, u.LearnerID, u.ItemID); err != nil {
		return Completion{}, apperr.Storage(op, err)
	}
	if err := tx.Commit(); err != nil {
		return Completion{}, apperr.Storage(op, err)
	}

	if applied {
		s.changed(u.LearnerID)
	}
	return r.toCompletion(), nil
}

// Override は管理者の操作として完了状態を指定の状態に置き換える。後退も許す。
// 完了でなくなる場合は完了日時を、未着手に戻す場合は開始日時も消去する。
func (s *Store) Override(ctx context.Context, learnerID, itemID string, state State) (Completion, error) {
	const op = "progress.Override"
	if err := (Update{LearnerID: learnerID, ItemID: itemID, State: state}).Validate(); err != nil {
		return Completion{}, err
	}

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	now := s.now().UTC().UnixNano()
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return Completion{}, apperr.Storage(op, err)
	}
	defer tx.Rollback() //nolint:errcheck

	var startedAt, completedAt sql.NullInt64
	if state >= StateInProgress {
		startedAt = sql.NullInt64{Int64: now, Valid: true}
	}
	if state == StateCompleted {
		completedAt = sql.NullInt64{Int64: now, Valid: true}
	}

	_, err = tx.ExecContext(ctx, `INSERT INTO item_completions
    (learner_id, item_id, state, time_spent_seconds, started_at, completed_at, updated_at, overridden_at)
VALUES (?, ?, ?, 0, ?, ?, ?, ?)
ON CONFLICT (learner_id, item_id) DO UPDATE SET
    state = excluded.state,
    started_at = CASE WHEN excluded.state >= 1 THEN COALESCE(item_completions.started_at, excluded.started_at) ELSE NULL END,
    completed_at = CASE WHEN excluded.state = 2 THEN COALESCE(item_completions.completed_at, excluded.completed_at) ELSE NULL END,
    updated_at = excluded.updated_at,
    overridden_at = excluded.overridden_at`,
		learnerID, itemID, int(state), startedAt, completedAt, now, now)
	if err != nil {
		return Completion{}, apperr.Storage(op, err)
	}
	var r completionRow
	if err := tx.GetContext(ctx, &r, `SELECT `+completionColumns+` FROM item_completions
WHERE learner_id = ? AND item_id = ?`, learnerID, itemID); err != nil {
		return Completion{}, apperr.Storage(op, err)
	}
	if err := tx.Commit(); err != nil {
		return Completion{}, apperr.Storage(op, err)
	}

	s.changed(learnerID)
	return r.toCompletion(), nil
}

// Get は完了状態を1件返す。行がない場合はErrNotFound。
func (s *Store) Get(ctx context.Context, learnerID, itemID string) (Completion, error) {
	const op = "progress.Get"
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	var r completionRow
	err := s.db.GetContext(ctx, &r, `SELECT `+completionColumns+` FROM item_completions
WHERE learner_id = ? AND item_id = ?`, learnerID, itemID)
	if errors.Is(err, sql.ErrNoRows) {
		return Completion{}, apperr.NotFound(op, "完了状態が見つかりません")
	}
	if err != nil {
		return Completion{}, apperr.Storage(op, err)
	}
	return r.toCompletion(), nil
}

// Lookup は学習者の完了状態を学習項目IDごとに返す。行がない学習項目は結果に含まれない。
// 件数が多い場合は複数のクエリに分割するが、1つの読み取りトランザクションで行う。
func (s *Store) Lookup(ctx context.Context, learnerID string, itemIDs []string) (map[string]Completion, error) {
	const op = "progress.Lookup"
	out := make(map[string]Completion, len(itemIDs))
	if len(itemIDs) == 0 {
		return out, nil
	}

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	tx, err := s.db.BeginTxx(ctx, &sql.TxOptions{ReadOnly: true})
	if err != nil {
		return nil, apperr.Storage(op, err)
	}
	defer tx.Rollback() //nolint:errcheck

	for start := 0; start < len(itemIDs); start += lookupChunk {
		end := min(start+lookupChunk, len(itemIDs))
		query, args, err := sqlx.In(`SELECT `+completionColumns+` FROM item_completions
WHERE learner_id = ? AND item_id IN (?)`, learnerID, itemIDs[start:end])
		if err != nil {
			return nil, apperr.Storage(op, err)
		}
		var rows []completionRow
		if err := tx.SelectContext(ctx, &rows, tx.Rebind(query), args...); err != nil {
			return nil, apperr.Storage(op, err)
		}
		for _, r := range rows {
			out[r.ItemID] = r.toCompletion()
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, apperr.Storage(op, err)
	}
	return out, nil
}

// Ping はデータベースへの疎通を確認する。
func (s *Store) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	return apperr.Storage("progress.Ping", s.db.PingContext(ctx))
}
