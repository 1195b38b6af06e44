package event

import (
	"encoding/json"
	"testing"
	"time"
)

// TestTypeKnown はイベント種類の判定を検証する。
func TestTypeKnown(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		typ  Type
		want bool
	}{
		{name: "ItemCompleted", typ: TypeItemCompleted, want: true},
		{name: "SubmissionGraded", typ: TypeSubmissionGraded, want: true},
		{name: "AnnouncementPosted", typ: TypeAnnouncementPosted, want: true},
		{name: "未知の種類", typ: Type("MediaUploaded"), want: false},
		{name: "空文字列", typ: Type(""), want: false},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if got := tt.typ.Known(); got != tt.want {
				t.Errorf("Known() = %v, want %v", got, tt.want)
			}
		})
	}
}

// TestEventJSONFieldNames はEventのJSONフィールド名がスネークケースであることを検証する。
func TestEventJSONFieldNames(t *testing.T) {
	t.Parallel()

	ev := Event{
		ID:         "event-1",
		Type:       TypeSubmissionGraded,
		Source:     "grading",
		Data:       json.RawMessage(`{"score":90}`),
		OccurredAt: time.Date(2026, 4, 1, 9, 0, 0, 0, time.UTC),
	}
	b, err := json.Marshal(ev)
	if err != nil {
		t.Fatalf("JSONシリアライズに失敗: %v", err)
	}

	var m map[string]any
	if err := json.Unmarshal(b, &m); err != nil {
		t.Fatalf("JSONデシリアライズに失敗: %v", err)
	}
	for _, key := range []string{"id", "type", "source", "data", "occurred_at"} {
		if _, ok := m[key]; !ok {
			t.Errorf("キー %q が存在しない: %s", key, string(b))
		}
	}
}
