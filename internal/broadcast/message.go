package broadcast

import "encoding/json"

// Kind はライブチャネルで送るメッセージの種類。
type Kind string

const (
	// KindCreated は通知が新しく作成されたことを表す。Dataに通知全体を含む。
	KindCreated Kind = "notification.created"
	// KindRead は通知が既読になったことを表す。IDに対象の通知IDを含む。
	KindRead Kind = "notification.read"
	// KindReadAll は受信者の未読通知がすべて既読になったことを表す。
	KindReadAll Kind = "notification.read_all"
	// KindHeartbeat は接続維持のためのハートビート。Hubは配信しない。
	KindHeartbeat Kind = "heartbeat"
)

// Message は購読者に届けるメッセージ。
// IDは対応する通知のIDで、クライアントはポーリング結果との重複排除に使う。
type Message struct {
	// Kind はメッセージの種類。
	Kind Kind `json:"type"`
	// ID は対応する通知のID。read_allでは空。
	ID string `json:"id,omitempty"`
	// Data はメッセージ本体（JSON形式）。
	Data json.RawMessage `json:"data,omitempty"`
}

// Publisher は受信者宛てにメッセージを配信する。
// 配信は投げっぱなしで、購読者がいない場合もエラーにしない。
type Publisher interface {
	Publish(recipient string, msg Message)
}
