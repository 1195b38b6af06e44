package notification

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/nao1215/learnhub/pkg/apperr"
)

// 一覧取得件数の既定値と上限。
const (
	DefaultLimit = 20
	MaxLimit     = 100
)

// DefaultTimeout はストア操作1回あたりの既定の上限時間。
const DefaultTimeout = 5 * time.Second

// ClampLimit は一覧取得件数を1からMaxLimitの範囲に丸める。0以下は既定値にする。
func ClampLimit(limit int) int {
	switch {
	case limit <= 0:
		return DefaultLimit
	case limit > MaxLimit:
		return MaxLimit
	default:
		return limit
	}
}

// Store は通知の永続ストア。未読数と履歴の唯一の正となる。
type Store struct {
	db      *sqlx.DB
	timeout time.Duration
	// now は現在時刻を返す。テストで差し替える。
	now func() time.Time
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

// NewStore は新しいStoreを生成する。スキーマはdatabase.Openで適用済みであること。
func NewStore(db *sqlx.DB, opts ...StoreOption) *Store {
	s := &Store{db: db, timeout: DefaultTimeout, now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// row はnotificationsテーブルの1行。
type row struct {
	ID          string         `db:"id"`
	RecipientID string         `db:"recipient_id"`
	Type        string         `db:"type"`
	Title       string         `db:"title"`
	Message     string         `db:"message"`
	ActionURL   sql.NullString `db:"action_url"`
	CreatedAt   int64          `db:"created_at"`
	ReadAt      sql.NullInt64  `db:"read_at"`
}

// toNotification はDB行を通知に変換する。
func (r row) toNotification() Notification {
	n := Notification{
		ID:          r.ID,
		RecipientID: r.RecipientID,
		Type:        Type(r.Type),
		Title:       r.Title,
		Message:     r.Message,
		ActionURL:   r.ActionURL.String,
		CreatedAt:   time.Unix(0, r.CreatedAt).UTC(),
	}
	if r.ReadAt.Valid {
		t := time.Unix(0, r.ReadAt.Int64).UTC()
		n.ReadAt = &t
	}
	return n
}

func toNotifications(rows []row) []Notification {
	out := make([]Notification, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.toNotification())
	}
	return out
}

const columns = `id, recipient_id, type, title, message, action_url, created_at, read_at`

const insertNotification = `INSERT INTO notifications (` + columns + `)
VALUES (:id, :recipient_id, :type, :title, :message, :action_url, :created_at, :read_at)`

// withTimeout はストア操作用のコンテキストを返す。
func (s *Store) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, s.timeout)
}

// newRow は入力から新しい未読の行を組み立てる。
func (s *Store) newRow(d Draft) row {
	r := row{
		ID:          uuid.New().String(),
		RecipientID: d.RecipientID,
		Type:        string(d.Type),
		Title:       d.Title,
		Message:     d.Message,
		CreatedAt:   s.now().UTC().UnixNano(),
	}
	if d.ActionURL != "" {
		r.ActionURL = sql.NullString{String: d.ActionURL, Valid: true}
	}
	return r
}

// Append は未読の通知を1件保存して返す。
func (s *Store) Append(ctx context.Context, d Draft) (Notification, error) {
	const op = "notification.Append"
	d = d.normalize()
	if err := d.Validate(); err != nil {
		return Notification{}, err
	}

	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	r := s.newRow(d)
	if _, err := s.db.NamedExecContext(ctx, insertNotification, r); err != nil {
		return Notification{}, apperr.Storage(op, err)
	}
	return r.toNotification(), nil
}

// AppendOnce はkeyに対して通知を高々1件だけ保存する。
// 同じkeyで保存済みの場合は既存の通知とfalseを返す。
func (s *Store) AppendOnce(ctx context.Context, key string, d Draft) (Notification, bool, error) {
	const op = "notification.AppendOnce"
	if key == "" {
		return Notification{}, false, apperr.Validation(op, "重複排除キーが必要です")
	}
	d = d.normalize()
	if err := d.Validate(); err != nil {
		return Notification{}, false, err
	}

	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return Notification{}, false, apperr.Storage(op, err)
	}
	defer tx.Rollback() //nolint:errcheck

	var existingID sql.NullString
	err = tx.GetContext(ctx, &existingID, `SELECT notification_id FROM processed_events WHERE event_key = ?`, key)
	switch {
	case err == nil:
		if !existingID.Valid {
			// 通知を作成せずに取り込み済みとしたキー
			return Notification{}, false, nil
		}
		var r row
		if err := tx.GetContext(ctx, &r, `SELECT `+columns+` FROM notifications WHERE id = ?`, existingID.String); err != nil {
			return Notification{}, false, apperr.Storage(op, err)
		}
		return r.toNotification(), false, nil
	case !errors.Is(err, sql.ErrNoRows):
		return Notification{}, false, apperr.Storage(op, err)
	}

	r := s.newRow(d)
	if _, err := tx.NamedExecContext(ctx, insertNotification, r); err != nil {
		return Notification{}, false, apperr.Storage(op, err)
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO processed_events (event_key, notification_id, processed_at) VALUES (?, ?, ?)`,
		key, r.ID, r.CreatedAt,
	); err != nil {
		return Notification{}, false, apperr.Storage(op, err)
	}
	if err := tx.Commit(); err != nil {
		return Notification{}, false, apperr.Storage(op, err)
	}
	return r.toNotification(), true, nil
}

// Processed はkeyが取り込み済みかどうかを返す。
func (s *Store) Processed(ctx context.Context, key string) (bool, error) {
	const op = "notification.Processed"
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	var n int
	if err := s.db.GetContext(ctx, &n, `SELECT COUNT(*) FROM processed_events WHERE event_key = ?`, key); err != nil {
		return false, apperr.Storage(op, err)
	}
	return n > 0, nil
}

// MarkProcessed は通知を作成せずにkeyを取り込み済みとして記録する。記録済みの場合は何もしない。
func (s *Store) MarkProcessed(ctx context.Context, key string) error {
	const op = "notification.MarkProcessed"
	if key == "" {
		return apperr.Validation(op, "重複排除キーが必要です")
	}
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO processed_events (event_key, notification_id, processed_at) VALUES (?, NULL, ?)
ON CONFLICT (event_key) DO NOTHING`, key, s.now().UTC().UnixNano())
	return apperr.Storage(op, err)
}

// Get は受信者に属する通知を1件返す。存在しない、または他人の通知の場合はErrNotFound。
func (s *Store) Get(ctx context.Context, id, recipientID string) (Notification, error) {
	const op = "notification.Get"
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	var r row
	err := s.db.GetContext(ctx, &r,
		`SELECT `+columns+` FROM notifications WHERE id = ? AND recipient_id = ?`, id, recipientID)
	if errors.Is(err, sql.ErrNoRows) {
		return Notification{}, apperr.NotFound(op, "通知が見つかりません")
	}
	if err != nil {
		return Notification{}, apperr.Storage(op, err)
	}
	return r.toNotification(), nil
}

const selectRecent = `SELECT ` + columns + ` FROM notifications
WHERE recipient_id = ?
ORDER BY created_at DESC, id DESC
LIMIT ?`

const selectUnreadCount = `SELECT COUNT(*) FROM notifications WHERE recipient_id = ? AND read_at IS NULL`

// Recent は受信者の通知を新しい順に最大limit件返す。limitはClampLimitで丸める。
func (s *Store) Recent(ctx context.Context, recipientID string, limit int) ([]Notification, error) {
	const op = "notification.Recent"
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	var rows []row
	if err := s.db.SelectContext(ctx, &rows, selectRecent, recipientID, ClampLimit(limit)); err != nil {
		return nil, apperr.Storage(op, err)
	}
	return toNotifications(rows), nil
}

// ListUnread は受信者の未読通知を新しい順に最大limit件返す。
func (s *Store) ListUnread(ctx context.Context, recipientID string, limit int) ([]Notification, error) {
	const op = "notification.ListUnread"
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	var rows []row
	err := s.db.SelectContext(ctx, &rows, `SELECT `+columns+` FROM notifications
WHERE recipient_id = ? AND read_at IS NULL
ORDER BY created_at DESC, id DESC
LIMIT ?`, recipientID, ClampLimit(limit))
	if err != nil {
		return nil, apperr.Storage(op, err)
	}
	return toNotifications(rows), nil
}

// UnreadCount は受信者の未読通知の件数を返す。
func (s *Store) UnreadCount(ctx context.Context, recipientID string) (int, error) {
	const op = "notification.UnreadCount"
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	var n int
	if err := s.db.GetContext(ctx, &n, selectUnreadCount, recipientID); err != nil {
		return 0, apperr.Storage(op, err)
	}
	return n, nil
}

// Snapshot は一覧と未読数を1つの読み取りトランザクションで返す。
// 両者は同じ時点の状態を反映する。
func (s *Store) Snapshot(ctx context.Context, recipientID string, limit int) ([]Notification, int, error) {
	const op = "notification.Snapshot"
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	tx, err := s.db.BeginTxx(ctx, &sql.TxOptions{ReadOnly: true})
	if err != nil {
		return nil, 0, apperr.Storage(op, err)
	}
	defer tx.Rollback() //nolint:errcheck

	var rows []row
	if err := tx.SelectContext(ctx, &rows, selectRecent, recipientID, ClampLimit(limit)); err != nil {
		return nil, 0, apperr.Storage(op, err)
	}
	var unread int
	if err := tx.GetContext(ctx, &unread, selectUnreadCount, recipientID); err != nil {
		return nil, 0, apperr.Storage(op, err)
	}
	if err := tx.Commit(); err != nil {
		return nil, 0, apperr.Storage(op, err)
	}
	return toNotifications(rows), unread, nil
}

// markRead は未読の通知を既読にする。変化した場合はtrueを返す。
// 既読日時は作成日時より前にならない。
func (s *Store) markRead(ctx context.Context, id, recipientID string) (bool, error) {
	const op = "notification.MarkRead"
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	res, err := s.db.ExecContext(ctx, `UPDATE notifications
SET read_at = MAX(?, created_at)
WHERE id = ? AND recipient_id = ? AND read_at IS NULL`,
		s.now().UTC().UnixNano(), id, recipientID)
	if err != nil {
		return false, apperr.Storage(op, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, apperr.Storage(op, err)
	}
	if n == 1 {
		return true, nil
	}

	// 更新なし: 既読済みか、存在しない（他人の通知を含む）
	var exists int
	if err := s.db.GetContext(ctx, &exists,
		`SELECT COUNT(*) FROM notifications WHERE id = ? AND recipient_id = ?`, id, recipientID); err != nil {
		return false, apperr.Storage(op, err)
	}
	if exists == 0 {
		return false, apperr.NotFound(op, "通知が見つかりません")
	}
	return false, nil
}

// markAllRead は受信者の未読通知をすべて既読にし、変化した件数を返す。
func (s *Store) markAllRead(ctx context.Context, recipientID string) (int64, error) {
	const op = "notification.MarkAllRead"
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	res, err := s.db.ExecContext(ctx, `UPDATE notifications
SET read_at = MAX(?, created_at)
WHERE recipient_id = ? AND read_at IS NULL`,
		s.now().UTC().UnixNano(), recipientID)
	if err != nil {
		return 0, apperr.Storage(op, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, apperr.Storage(op, err)
	}
	return n, nil
}

// Ping はデータベースへの疎通を確認する。
func (s *Store) Ping(ctx context.Context) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	return apperr.Storage("notification.Ping", s.db.PingContext(ctx))
}
