// Package event はコース管理システムの協調サービスから受け取るドメインイベントを定義する。
//
// 採点・学習項目の完了・お知らせ投稿といったイベントは、通知サービスの
// イベント取り込みAPIに送られ、通知と学習進捗の更新に変換される。
package event

import (
	"encoding/json"
	"time"
)

// Type はイベントの種類を表す。
type Type string

const (
	// TypeItemCompleted は学習者が学習項目の状態を進めたことを表す。
	TypeItemCompleted Type = "ItemCompleted"
	// TypeSubmissionGraded は提出物が採点されたことを表す。
	TypeSubmissionGraded Type = "SubmissionGraded"
	// TypeAnnouncementPosted はコースにお知らせが投稿されたことを表す。
	TypeAnnouncementPosted Type = "AnnouncementPosted"
)

// Known はイベントの種類が既知のものか判定する。
func (t Type) Known() bool {
	switch t {
	case TypeItemCompleted, TypeSubmissionGraded, TypeAnnouncementPosted:
		return true
	default:
		return false
	}
}

// Event は協調サービスが発行する不変のドメインイベント。
// IDは発行元で一意に採番され、再送時も同じIDが使われる。
type Event struct {
	// ID はイベントの一意識別子（UUID）。重複配信の検出に使用する。
	ID string `json:"id"`
	// Type はイベントの種類。
	Type Type `json:"type"`
	// Source はイベントの発行元サービス名。
	Source string `json:"source,omitempty"`
	// Data はイベント固有のデータ（JSON形式）。
	Data json.RawMessage `json:"data"`
	// OccurredAt はイベントが発生した日時。
	OccurredAt time.Time `json:"occurred_at"`
}

// ItemCompletedData はItemCompletedイベントのデータ。
type ItemCompletedData struct {
	// LearnerID は学習者のID。
	LearnerID string `json:"learner_id"`
	// ItemID は学習項目のID。
	ItemID string `json:"item_id"`
	// ItemTitle は通知文に使う学習項目名。
	ItemTitle string `json:"item_title,omitempty"`
	// State は到達した状態（in_progress または completed）。
	State string `json:"state"`
	// Score は得点。採点対象でない項目では省略される。
	Score *float64 `json:"score,omitempty"`
	// TimeSpentSeconds は今回の学習で費やした秒数。
	TimeSpentSeconds int64 `json:"time_spent_seconds,omitempty"`
	// ActionURL は通知から遷移する先のURL。
	ActionURL string `json:"action_url,omitempty"`
}

// SubmissionGradedData はSubmissionGradedイベントのデータ。
type SubmissionGradedData struct {
	// LearnerID は提出した学習者のID。
	LearnerID string `json:"learner_id"`
	// ItemID は課題・テストの学習項目ID。
	ItemID string `json:"item_id"`
	// ItemTitle は通知文に使う学習項目名。
	ItemTitle string `json:"item_title,omitempty"`
	// Score は得点。
	Score float64 `json:"score"`
	// Feedback は採点者のコメント。
	Feedback string `json:"feedback,omitempty"`
	// ActionURL は通知から遷移する先のURL。
	ActionURL string `json:"action_url,omitempty"`
}

// AnnouncementPostedData はAnnouncementPostedイベントのデータ。
type AnnouncementPostedData struct {
	// CourseID はお知らせが投稿されたコースのID。
	CourseID string `json:"course_id"`
	// RecipientIDs は通知先（受講者・講師）のID。
	RecipientIDs []string `json:"recipient_ids"`
	// Title はお知らせのタイトル。
	Title string `json:"title"`
	// Message はお知らせの本文。
	Message string `json:"message"`
	// Level は通知の種類（info, success, warning, error）。省略時はinfo。
	Level string `json:"level,omitempty"`
	// ActionURL は通知から遷移する先のURL。
	ActionURL string `json:"action_url,omitempty"`
}
