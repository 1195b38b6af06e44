package notification

import (
	"context"

	"github.com/nao1215/learnhub/internal/broadcast"
	"github.com/nao1215/learnhub/pkg/apperr"
	"github.com/nao1215/learnhub/pkg/logger"
	"github.com/sirupsen/logrus"
)

// Tracker は通知の既読状態を管理する。
//
// 状態遷移は未読→既読の一方向のみで、比較交換で行うため同時に呼び出されても
// 既読日時は1度しか書き込まれない。遷移が起きた場合だけ同じ受信者の他のセッションへ
// ヒントをプッシュする。
type Tracker struct {
	store *Store
	push  broadcast.Publisher
}

// NewTracker は新しいTrackerを生成する。pushがnilの場合はプッシュしない。
func NewTracker(store *Store, push broadcast.Publisher) *Tracker {
	return &Tracker{store: store, push: push}
}

// MarkRead は通知を既読にする。未読から既読に変化した場合はtrue、既読済みの場合はfalseを返す。
// 通知が存在しない、または受信者に属さない場合はErrNotFound。
func (t *Tracker) MarkRead(ctx context.Context, id, recipientID string) (bool, error) {
	if id == "" || recipientID == "" {
		return false, apperr.NotFound("notification.MarkRead", "通知が見つかりません")
	}
	changed, err := t.store.markRead(ctx, id, recipientID)
	if err != nil {
		return false, err
	}
	if changed && t.push != nil {
		t.push.Publish(recipientID, broadcast.Message{Kind: broadcast.KindRead, ID: id})
	}
	return changed, nil
}

// MarkAllRead は受信者の未読通知をすべて既読にし、変化した件数を返す。
func (t *Tracker) MarkAllRead(ctx context.Context, recipientID string) (int64, error) {
	if recipientID == "" {
		return 0, apperr.Validation("notification.MarkAllRead", "ユーザーIDが必要です")
	}
	n, err := t.store.markAllRead(ctx, recipientID)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		logger.With(logrus.Fields{"recipient_id": recipientID, "updated": n}).Debug("全通知を既読にしました")
		if t.push != nil {
			t.push.Publish(recipientID, broadcast.Message{Kind: broadcast.KindReadAll})
		}
	}
	return n, nil
}
