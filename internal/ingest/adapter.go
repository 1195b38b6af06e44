package ingest

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/nao1215/learnhub/internal/notification"
	"github.com/nao1215/learnhub/internal/progress"
	"github.com/nao1215/learnhub/pkg/apperr"
	"github.com/nao1215/learnhub/pkg/event"
	"github.com/nao1215/learnhub/pkg/logger"
	"github.com/sirupsen/logrus"
)

// Notifier は通知を重複なく保存してプッシュする。notification.Senderが実装する。
type Notifier interface {
	Processed(ctx context.Context, key string) (bool, error)
	MarkProcessed(ctx context.Context, key string) error
	SendOnce(ctx context.Context, key string, d notification.Draft) (notification.Notification, bool, error)
}

// CompletionRecorder は学習項目の完了状態を記録する。progress.Clientが実装する。
type CompletionRecorder interface {
	Record(ctx context.Context, u progress.Update) (progress.Completion, error)
}

// Adapter はドメインイベントを通知と完了状態の更新に変換する。
type Adapter struct {
	notifier Notifier
	recorder CompletionRecorder
}

// NewAdapter は新しいAdapterを生成する。recorderがnilの場合は完了状態を記録しない。
func NewAdapter(notifier Notifier, recorder CompletionRecorder) *Adapter {
	return &Adapter{notifier: notifier, recorder: recorder}
}

// dedupeKey はイベントと受信者の組に対する重複排除キーを返す。
func dedupeKey(eventID, recipientID string) string {
	return eventID + ":" + recipientID
}

// Handle はイベントを1件取り込む。入力不正は書き込みの前にErrValidationで返す。
func (a *Adapter) Handle(ctx context.Context, ev *event.Event) (*notification.EventResult, error) {
	const op = "ingest.Handle"
	if ev == nil || strings.TrimSpace(ev.ID) == "" {
		return nil, apperr.Validation(op, "イベントIDが必要です")
	}
	if !ev.Type.Known() {
		return nil, apperr.Validationf(op, "不明なイベントの種類です: %q", ev.Type)
	}

	log := logger.With(logrus.Fields{"event_id": ev.ID, "event_type": ev.Type, "source": ev.Source})
	res := &notification.EventResult{EventID: ev.ID, Type: ev.Type}

	var err error
	switch ev.Type {
	case event.TypeItemCompleted:
		err = a.handleItemCompleted(ctx, ev, res)
	case event.TypeSubmissionGraded:
		err = a.handleSubmissionGraded(ctx, ev, res)
	case event.TypeAnnouncementPosted:
		err = a.handleAnnouncement(ctx, ev, res)
	}
	if err != nil {
		log.WithError(err).Warn("イベントの取り込みに失敗しました")
		return nil, err
	}

	log.WithFields(logrus.Fields{
		"delivered":         res.Delivered,
		"duplicates":        res.Duplicates,
		"progress_recorded": res.ProgressRecorded,
	}).Info("イベントを取り込みました")
	return res, nil
}

// decode はイベントのデータを復元する。失敗は入力不正として扱う。
func decode[T any](ev *event.Event) (*T, error) {
	data, err := event.DecodeData[T](ev)
	if err != nil {
		return nil, apperr.Validationf("ingest.decode", "イベントデータが不正です: %v", err)
	}
	return data, nil
}

// handleItemCompleted は学習項目の状態の更新を記録し、完了した場合は通知する。
func (a *Adapter) handleItemCompleted(ctx context.Context, ev *event.Event, res *notification.EventResult) error {
	const op = "ingest.ItemCompleted"
	data, err := decode[event.ItemCompletedData](ev)
	if err != nil {
		return err
	}
	state, err := progress.ParseState(data.State)
	if err != nil {
		return err
	}
	if state == progress.StateNotStarted {
		return apperr.Validation(op, "not_startedへの更新はイベントとして受け付けません")
	}
	update := progress.Update{
		LearnerID:        data.LearnerID,
		ItemID:           data.ItemID,
		State:            state,
		Score:            data.Score,
		TimeSpentSeconds: data.TimeSpentSeconds,
		EventID:          ev.ID,
	}
	if err := update.Validate(); err != nil {
		return err
	}

	var draft *notification.Draft
	if state == progress.StateCompleted {
		d := notification.Draft{
			RecipientID: data.LearnerID,
			Type:        notification.TypeSuccess,
			Title:       "学習項目を完了しました",
			Message:     fmt.Sprintf("「%s」を完了しました", itemLabel(data.ItemTitle, data.ItemID)),
			ActionURL:   data.ActionURL,
		}
		if err := d.Validate(); err != nil {
			return err
		}
		draft = &d
	}

	key := dedupeKey(ev.ID, data.LearnerID)
	if dup, err := a.notifier.Processed(ctx, key); err != nil {
		return err
	} else if dup {
		res.Duplicates++
		return nil
	}

	if err := a.record(ctx, update, res); err != nil {
		return err
	}

	if draft == nil {
		return a.notifier.MarkProcessed(ctx, key)
	}
	return a.send(ctx, key, *draft, res)
}

// handleSubmissionGraded は採点結果を完了として記録し、学習者に通知する。
func (a *Adapter) handleSubmissionGraded(ctx context.Context, ev *event.Event, res *notification.EventResult) error {
	data, err := decode[event.SubmissionGradedData](ev)
	if err != nil {
		return err
	}
	score := data.Score
	update := progress.Update{
		LearnerID: data.LearnerID,
		ItemID:    data.ItemID,
		State:     progress.StateCompleted,
		Score:     &score,
		EventID:   ev.ID,
	}
	if err := update.Validate(); err != nil {
		return err
	}

	message := fmt.Sprintf("「%s」の得点は%s点です", itemLabel(data.ItemTitle, data.ItemID), strconv.FormatFloat(score, 'f', -1, 64))
	if fb := strings.TrimSpace(data.Feedback); fb != "" {
		message += "\n" + fb
	}
	draft := notification.Draft{
		RecipientID: data.LearnerID,
		Type:        notification.TypeSuccess,
		Title:       "採点が完了しました",
		Message:     message,
		ActionURL:   data.ActionURL,
	}
	if err := draft.Validate(); err != nil {
		return err
	}

	key := dedupeKey(ev.ID, data.LearnerID)
	if dup, err := a.notifier.Processed(ctx, key); err != nil {
		return err
	} else if dup {
		res.Duplicates++
		return nil
	}

	if err := a.record(ctx, update, res); err != nil {
		return err
	}
	return a.send(ctx, key, draft, res)
}

// handleAnnouncement は受信者ごとにお知らせを通知する。進捗は更新しない。
func (a *Adapter) handleAnnouncement(ctx context.Context, ev *event.Event, res *notification.EventResult) error {
	const op = "ingest.AnnouncementPosted"
	data, err := decode[event.AnnouncementPostedData](ev)
	if err != nil {
		return err
	}
	typ, err := notification.ParseType(data.Level)
	if err != nil {
		return err
	}

	seen := make(map[string]struct{}, len(data.RecipientIDs))
	drafts := make([]notification.Draft, 0, len(data.RecipientIDs))
	for _, id := range data.RecipientIDs {
		id = strings.TrimSpace(id)
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		d := notification.Draft{
			RecipientID: id,
			Type:        typ,
			Title:       data.Title,
			Message:     data.Message,
			ActionURL:   data.ActionURL,
		}
		if err := d.Validate(); err != nil {
			return err
		}
		drafts = append(drafts, d)
	}
	if len(drafts) == 0 {
		return apperr.Validation(op, "通知先が指定されていません")
	}

	for _, d := range drafts {
		if err := a.send(ctx, dedupeKey(ev.ID, d.RecipientID), d, res); err != nil {
			return err
		}
	}
	return nil
}

// record は完了状態を記録する。recorderが未設定の場合は何もしない。
func (a *Adapter) record(ctx context.Context, u progress.Update, res *notification.EventResult) error {
	if a.recorder == nil {
		return nil
	}
	if _, err := a.recorder.Record(ctx, u); err != nil {
		return err
	}
	res.ProgressRecorded = true
	return nil
}

// send は通知を重複なく保存してプッシュする。
func (a *Adapter) send(ctx context.Context, key string, d notification.Draft, res *notification.EventResult) error {
	_, created, err := a.notifier.SendOnce(ctx, key, d)
	if err != nil {
		return err
	}
	if created {
		res.Delivered++
	} else {
		res.Duplicates++
	}
	return nil
}

// itemLabel は通知文に使う学習項目名を返す。
func itemLabel(title, id string) string {
	if t := strings.TrimSpace(title); t != "" {
		return t
	}
	return id
}
