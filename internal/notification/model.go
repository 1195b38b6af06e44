package notification

import (
	"encoding/json"
	"net/url"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/nao1215/learnhub/internal/broadcast"
	"github.com/nao1215/learnhub/pkg/apperr"
)

// Type は通知の種類。
type Type string

// 通知の種類。
const (
	// TypeInfo はお知らせ。
	TypeInfo Type = "info"
	// TypeSuccess は完了・合格などの肯定的な通知。
	TypeSuccess Type = "success"
	// TypeWarning は期限切れ間近などの注意喚起。
	TypeWarning Type = "warning"
	// TypeError は処理失敗の通知。
	TypeError Type = "error"
)

// 入力値の上限。
const (
	maxRecipientLen = 128
	maxTitleLen     = 200
	maxMessageLen   = 2000
	maxActionURLLen = 2048
)

// ParseType は文字列を通知の種類に変換する。空文字列はTypeInfoとして扱う。
func ParseType(s string) (Type, error) {
	switch t := Type(strings.ToLower(strings.TrimSpace(s))); t {
	case "":
		return TypeInfo, nil
	case TypeInfo, TypeSuccess, TypeWarning, TypeError:
		return t, nil
	default:
		return "", apperr.Validationf("notification.ParseType", "不明な通知の種類です: %q", s)
	}
}

// Notification は受信者に届けた1件の通知。
type Notification struct {
	// ID は通知の一意識別子。
	ID string
	// RecipientID は通知先のユーザーID。
	RecipientID string
	// Type は通知の種類。
	Type Type
	// Title は通知のタイトル。
	Title string
	// Message は通知メッセージ。
	Message string
	// ActionURL は通知から遷移する先のURL。空の場合は遷移先なし。
	ActionURL string
	// CreatedAt は作成日時。
	CreatedAt time.Time
	// ReadAt は既読日時。未読の間はnil。
	ReadAt *time.Time
}

// IsRead は既読かどうかを返す。
func (n Notification) IsRead() bool {
	return n.ReadAt != nil
}

// Draft は新規作成する通知の入力。
type Draft struct {
	RecipientID string
	Type        Type
	Title       string
	Message     string
	ActionURL   string
}

// normalize は前後の空白を除去し、既定値を補う。
func (d Draft) normalize() Draft {
	d.RecipientID = strings.TrimSpace(d.RecipientID)
	d.Title = strings.TrimSpace(d.Title)
	d.Message = strings.TrimSpace(d.Message)
	d.ActionURL = strings.TrimSpace(d.ActionURL)
	if t, err := ParseType(string(d.Type)); err == nil {
		d.Type = t
	}
	return d
}

// Validate は書き込み前に入力を検証する。
func (d Draft) Validate() error {
	const op = "notification.Validate"
	switch {
	case d.RecipientID == "":
		return apperr.Validation(op, "通知先のユーザーIDが必要です")
	case utf8.RuneCountInString(d.RecipientID) > maxRecipientLen:
		return apperr.Validation(op, "通知先のユーザーIDが長すぎます")
	case d.Title == "":
		return apperr.Validation(op, "タイトルが必要です")
	case utf8.RuneCountInString(d.Title) > maxTitleLen:
		return apperr.Validationf(op, "タイトルは%d文字以内で指定してください", maxTitleLen)
	case d.Message == "":
		return apperr.Validation(op, "メッセージが必要です")
	case utf8.RuneCountInString(d.Message) > maxMessageLen:
		return apperr.Validationf(op, "メッセージは%d文字以内で指定してください", maxMessageLen)
	}
	if _, err := ParseType(string(d.Type)); err != nil {
		return err
	}
	if d.ActionURL != "" {
		if len(d.ActionURL) > maxActionURLLen {
			return apperr.Validation(op, "遷移先URLが長すぎます")
		}
		u, err := url.Parse(d.ActionURL)
		if err != nil || (u.Scheme != "" && u.Scheme != "http" && u.Scheme != "https") {
			return apperr.Validation(op, "遷移先URLが不正です")
		}
	}
	return nil
}

// Response は通知のJSON表現。一覧APIとライブチャネルで同じ形を使う。
type Response struct {
	// ID は通知の一意識別子。
	ID string `json:"id"`
	// RecipientID は通知先のユーザーID。
	RecipientID string `json:"recipient_id"`
	// Type は通知の種類。
	Type Type `json:"type"`
	// Title は通知のタイトル。
	Title string `json:"title"`
	// Message は通知メッセージ。
	Message string `json:"message"`
	// ActionURL は遷移先のURL。
	ActionURL string `json:"action_url,omitempty"`
	// IsRead は既読状態。
	IsRead bool `json:"is_read"`
	// CreatedAt は作成日時（RFC3339形式）。
	CreatedAt string `json:"created_at"`
	// ReadAt は既読日時（RFC3339形式）。未読の場合はnull。
	ReadAt *string `json:"read_at"`
}

// ToResponse は通知をJSON表現に変換する。
func ToResponse(n Notification) Response {
	r := Response{
		ID:          n.ID,
		RecipientID: n.RecipientID,
		Type:        n.Type,
		Title:       n.Title,
		Message:     n.Message,
		ActionURL:   n.ActionURL,
		IsRead:      n.IsRead(),
		CreatedAt:   n.CreatedAt.UTC().Format(time.RFC3339Nano),
	}
	if n.ReadAt != nil {
		s := n.ReadAt.UTC().Format(time.RFC3339Nano)
		r.ReadAt = &s
	}
	return r
}

// toResponses は通知のスライスをJSON表現のスライスに変換する。nilは返さない。
func toResponses(ns []Notification) []Response {
	out := make([]Response, 0, len(ns))
	for _, n := range ns {
		out = append(out, ToResponse(n))
	}
	return out
}

// createdMessage は新着通知のプッシュメッセージを生成する。
func createdMessage(n Notification) broadcast.Message {
	// Responseは常にエンコードできる
	data, _ := json.Marshal(ToResponse(n))
	return broadcast.Message{Kind: broadcast.KindCreated, ID: n.ID, Data: data}
}
