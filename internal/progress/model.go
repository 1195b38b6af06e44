package progress

import (
	"fmt"
	"strings"
	"time"

	"github.com/nao1215/learnhub/pkg/apperr"
)

// State は学習項目の完了状態。値の大小が進み具合の順序を表す。
type State int

// 完了状態。
const (
	// StateNotStarted は未着手。完了状態の行がない学習項目もこの状態として扱う。
	StateNotStarted State = iota
	// StateInProgress は学習中。
	StateInProgress
	// StateCompleted は完了。
	StateCompleted
)

var stateNames = [...]string{
	StateNotStarted: "not_started",
	StateInProgress: "in_progress",
	StateCompleted:  "completed",
}

// String は状態の名前を返す。
func (s State) String() string {
	if s.valid() {
		return stateNames[s]
	}
	return fmt.Sprintf("State(%d)", int(s))
}

func (s State) valid() bool {
	return s >= StateNotStarted && s <= StateCompleted
}

// ParseState は状態の名前を変換する。
func ParseState(name string) (State, error) {
	n := strings.ToLower(strings.TrimSpace(name))
	for i, v := range stateNames {
		if v == n {
			return State(i), nil
		}
	}
	return 0, apperr.Validationf("progress.ParseState", "不明な完了状態です: %q", name)
}

// MarshalText は状態を名前で表す。
func (s State) MarshalText() ([]byte, error) {
	if !s.valid() {
		return nil, fmt.Errorf("不明な完了状態です: %d", int(s))
	}
	return []byte(stateNames[s]), nil
}

// UnmarshalText は名前から状態を復元する。
func (s *State) UnmarshalText(b []byte) error {
	v, err := ParseState(string(b))
	if err != nil {
		return err
	}
	*s = v
	return nil
}

// Completion は学習者1人の学習項目1件の完了状態。
type Completion struct {
	LearnerID        string     `json:"learner_id"`
	ItemID           string     `json:"item_id"`
	State            State      `json:"state"`
	Score            *float64   `json:"score"`
	TimeSpentSeconds int64      `json:"time_spent_seconds"`
	StartedAt        *time.Time `json:"started_at"`
	CompletedAt      *time.Time `json:"completed_at"`
	UpdatedAt        time.Time  `json:"updated_at"`
}

// Update は完了状態の更新内容。既存の状態より後退する更新は状態を変えない。
type Update struct {
	// LearnerID は学習者のID。
	LearnerID string `json:"learner_id"`
	// ItemID は学習項目のID。
	ItemID string `json:"item_id"`
	// State は到達した状態。
	State State `json:"state"`
	// Score は得点。nilの場合は既存の得点を保つ。
	Score *float64 `json:"score,omitempty"`
	// TimeSpentSeconds は今回加算する学習時間（秒）。
	TimeSpentSeconds int64 `json:"time_spent_seconds,omitempty"`
	// EventID は更新の元になったイベントのID。同じIDの更新は2回目以降適用しない。
	EventID string `json:"event_id,omitempty"`
}

// Validate は書き込み前に更新内容を検証する。
func (u Update) Validate() error {
	const op = "progress.Validate"
	switch {
	case strings.TrimSpace(u.LearnerID) == "":
		return apperr.Validation(op, "学習者IDが必要です")
	case strings.TrimSpace(u.ItemID) == "":
		return apperr.Validation(op, "学習項目IDが必要です")
	case !u.State.valid():
		return apperr.Validationf(op, "不明な完了状態です: %d", int(u.State))
	case u.TimeSpentSeconds < 0:
		return apperr.Validation(op, "学習時間は0以上で指定してください")
	}
	return nil
}

// ScopeKind は集計単位の種類。
type ScopeKind string

// 集計単位。
const (
	ScopeItem   ScopeKind = "item"
	ScopeModule ScopeKind = "module"
	ScopeCourse ScopeKind = "course"
)

// Scope は進捗を集計する単位。
type Scope struct {
	Kind ScopeKind `json:"kind"`
	ID   string    `json:"id"`
}

// String はキャッシュキーなどに使う表現を返す。
func (s Scope) String() string {
	return string(s.Kind) + ":" + s.ID
}

// Validate は集計単位を検証する。
func (s Scope) Validate() error {
	const op = "progress.Scope"
	switch s.Kind {
	case ScopeItem, ScopeModule, ScopeCourse:
	default:
		return apperr.Validationf(op, "不明な集計単位です: %q", s.Kind)
	}
	if strings.TrimSpace(s.ID) == "" {
		return apperr.Validation(op, "集計対象のIDが必要です")
	}
	return nil
}

// Summary は進捗サマリー。保存せず、読み取りのたびに完了状態から集計する。
//
// CompletedItems + InProgressItems + NotStartedItems は常に TotalItems と等しい。
type Summary struct {
	Scope                Scope  `json:"scope"`
	LearnerID            string `json:"learner_id"`
	TotalItems           int    `json:"total_items"`
	CompletedItems       int    `json:"completed_items"`
	InProgressItems      int    `json:"in_progress_items"`
	NotStartedItems      int    `json:"not_started_items"`
	CompletionPercentage int    `json:"completion_percentage"`
	TotalTimeSpent       int64  `json:"total_time_spent"`
}

// count は学習項目1件の完了状態を集計に加える。行がない学習項目はokをfalseで渡す。
func (s *Summary) count(c Completion, ok bool) {
	s.TotalItems++
	if !ok {
		s.NotStartedItems++
		return
	}
	s.TotalTimeSpent += c.TimeSpentSeconds
	switch c.State {
	case StateCompleted:
		s.CompletedItems++
	case StateInProgress:
		s.InProgressItems++
	default:
		s.NotStartedItems++
	}
}

// add は他のサマリーの件数と学習時間を加算する。
func (s *Summary) add(o Summary) {
	s.TotalItems += o.TotalItems
	s.CompletedItems += o.CompletedItems
	s.InProgressItems += o.InProgressItems
	s.NotStartedItems += o.NotStartedItems
	s.TotalTimeSpent += o.TotalTimeSpent
}

// finish は完了率を計算する。
func (s *Summary) finish() {
	s.CompletionPercentage = Percentage(s.CompletedItems, s.TotalItems)
}

// Percentage は完了率を0から100の整数で返す。round(100*completed/total) で四捨五入するが、
// 集計結果が学習項目の実際の状態より進んで見えてはならないため、未完了の項目が残っている間は
// 99を上限とする（199/200は99）。totalが0の場合は0。
func Percentage(completed, total int) int {
	if total <= 0 || completed <= 0 {
		return 0
	}
	if completed >= total {
		return 100
	}
	p := (200*completed + total) / (2 * total)
	if p >= 100 {
		return 99
	}
	return p
}

// CourseProgress はコース全体とモジュールごとの進捗。
// Summaryはモジュールごとのサマリーの合計と一致する。
type CourseProgress struct {
	Summary Summary   `json:"summary"`
	Modules []Summary `json:"modules"`
}
