package notification

import (
	"context"

	"github.com/nao1215/learnhub/internal/broadcast"
	"github.com/nao1215/learnhub/pkg/logger"
	"github.com/sirupsen/logrus"
)

// Sender は通知を保存してからライブチャネルへプッシュする。
// 保存に失敗した場合はプッシュしない。プッシュの失敗は保存結果に影響しない。
type Sender struct {
	store *Store
	push  broadcast.Publisher
}

// NewSender は新しいSenderを生成する。pushがnilの場合は保存のみ行う。
func NewSender(store *Store, push broadcast.Publisher) *Sender {
	return &Sender{store: store, push: push}
}

// Send は通知を1件保存し、受信者のセッションへプッシュする。
func (s *Sender) Send(ctx context.Context, d Draft) (Notification, error) {
	n, err := s.store.Append(ctx, d)
	if err != nil {
		return Notification{}, err
	}
	s.publish(n)
	return n, nil
}

// SendOnce はkeyに対して通知を高々1件だけ保存してプッシュする。
// 保存済みの場合は既存の通知とfalseを返し、プッシュもしない。
func (s *Sender) SendOnce(ctx context.Context, key string, d Draft) (Notification, bool, error) {
	n, created, err := s.store.AppendOnce(ctx, key, d)
	if err != nil {
		return Notification{}, false, err
	}
	if created {
		s.publish(n)
	}
	return n, created, nil
}

// Processed はkeyが取り込み済みかどうかを返す。
func (s *Sender) Processed(ctx context.Context, key string) (bool, error) {
	return s.store.Processed(ctx, key)
}

// MarkProcessed は通知を作成せずにkeyを取り込み済みとして記録する。
func (s *Sender) MarkProcessed(ctx context.Context, key string) error {
	return s.store.MarkProcessed(ctx, key)
}

func (s *Sender) publish(n Notification) {
	if s.push == nil {
		return
	}
	s.push.Publish(n.RecipientID, createdMessage(n))
	logger.With(logrus.Fields{
		"notification_id": n.ID,
		"recipient_id":    n.RecipientID,
		"type":            n.Type,
	}).Debug("通知をプッシュしました")
}
