package broadcast

import (
	"sync"
	"sync/atomic"
)

// DefaultBuffer は購読者ごとの配信キューの既定の長さ。
const DefaultBuffer = 16

// Hub は受信者ごとの購読者をプロセス内で管理する。
//
// 登録簿は受信者ごとのトピックに分割され、配信はトピックの読み取りロックの下で
// 非ブロッキングに送信する。購読解除はトピックの書き込みロックの下でチャネルを閉じるため、
// 閉じたチャネルへ送信することはない。購読者がいなくなったトピックは削除する。
type Hub struct {
	// mu はtopicsを保護する。保持するのはマップの参照・更新の間だけ。
	mu sync.RWMutex
	// topics は受信者IDからトピックへの対応。
	topics map[string]*topic
	// buffer は購読者ごとの配信キューの長さ。
	buffer int
	// nextID は購読IDの採番に使う。
	nextID atomic.Uint64

	published atomic.Int64
	delivered atomic.Int64
	dropped   atomic.Int64
}

// topic は1人の受信者に対する購読者の集合。
type topic struct {
	mu   sync.RWMutex
	subs map[uint64]*Subscription
}

// Stats はHubの統計情報。
type Stats struct {
	// Recipients は購読者が1人以上いる受信者の数。
	Recipients int `json:"recipients"`
	// Subscribers は購読者の総数。
	Subscribers int `json:"subscribers"`
	// Published はPublishの呼び出し回数。
	Published int64 `json:"published"`
	// Delivered は購読者のキューに入ったメッセージの数。
	Delivered int64 `json:"delivered"`
	// Dropped はキューが埋まっていたため破棄したメッセージの数。
	Dropped int64 `json:"dropped"`
}

// NewHub は新しいHubを生成する。bufferが1未満の場合はDefaultBufferを使う。
func NewHub(buffer int) *Hub {
	if buffer < 1 {
		buffer = DefaultBuffer
	}
	return &Hub{
		topics: make(map[string]*topic),
		buffer: buffer,
	}
}

// Subscription は1つのクライアントセッションの購読。
type Subscription struct {
	id        uint64
	recipient string
	ch        chan Message
	hub       *Hub
	once      sync.Once
	dropped   atomic.Int64
}

// C はメッセージを受け取るチャネルを返す。Close後に閉じられる。
func (s *Subscription) C() <-chan Message {
	return s.ch
}

// Recipient は購読対象の受信者IDを返す。
func (s *Subscription) Recipient() string {
	return s.recipient
}

// Dropped はこの購読で破棄されたメッセージ数を返す。
func (s *Subscription) Dropped() int64 {
	return s.dropped.Load()
}

// Close は購読を解除する。複数回呼び出しても安全。
func (s *Subscription) Close() {
	s.once.Do(func() {
		s.hub.remove(s)
	})
}

// Subscribe は受信者の購読を登録する。切断時には必ずCloseを呼ぶこと。
func (h *Hub) Subscribe(recipient string) *Subscription {
	sub := &Subscription{
		id:        h.nextID.Add(1),
		recipient: recipient,
		ch:        make(chan Message, h.buffer),
		hub:       h,
	}

	h.mu.Lock()
	t, ok := h.topics[recipient]
	if !ok {
		t = &topic{subs: make(map[uint64]*Subscription)}
		h.topics[recipient] = t
	}
	t.mu.Lock()
	t.subs[sub.id] = sub
	t.mu.Unlock()
	h.mu.Unlock()

	return sub
}

// remove は購読を登録簿から取り除き、チャネルを閉じる。
func (h *Hub) remove(sub *Subscription) {
	h.mu.Lock()
	defer h.mu.Unlock()

	t, ok := h.topics[sub.recipient]
	if !ok {
		close(sub.ch)
		return
	}

	t.mu.Lock()
	delete(t.subs, sub.id)
	close(sub.ch)
	empty := len(t.subs) == 0
	t.mu.Unlock()

	if empty {
		delete(h.topics, sub.recipient)
	}
}

// Publish は受信者のすべての購読者にメッセージを配信する。
// 購読者がいない場合は何もしない。キューが埋まっている購読者への配信は破棄する。
func (h *Hub) Publish(recipient string, msg Message) {
	h.published.Add(1)

	h.mu.RLock()
	t, ok := h.topics[recipient]
	h.mu.RUnlock()
	if !ok {
		return
	}

	t.mu.RLock()
	defer t.mu.RUnlock()
	for _, sub := range t.subs {
		select {
		case sub.ch <- msg:
			h.delivered.Add(1)
		default:
			sub.dropped.Add(1)
			h.dropped.Add(1)
		}
	}
}

// Stats は現在の統計情報を返す。
func (h *Hub) Stats() Stats {
	h.mu.RLock()
	st := Stats{Recipients: len(h.topics)}
	for _, t := range h.topics {
		t.mu.RLock()
		st.Subscribers += len(t.subs)
		t.mu.RUnlock()
	}
	h.mu.RUnlock()

	st.Published = h.published.Load()
	st.Delivered = h.delivered.Load()
	st.Dropped = h.dropped.Load()
	return st
}

// Close はすべての購読を解除する。サーバー停止時に接続中のストリームを終了させるために使う。
func (h *Hub) Close() {
	h.mu.RLock()
	var subs []*Subscription
	for _, t := range h.topics {
		t.mu.RLock()
		for _, s := range t.subs {
			subs = append(subs, s)
		}
		t.mu.RUnlock()
	}
	h.mu.RUnlock()

	for _, s := range subs {
		s.Close()
	}
}
