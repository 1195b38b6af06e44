package broadcast

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"github.com/nao1215/learnhub/pkg/logger"
)

// DefaultChannel はインスタンス間で共有するRedisチャネル名の既定値。
const DefaultChannel = "learnhub:notification:push"

const (
	// publishTimeout はRedisへのPUBLISH 1回あたりの上限時間。
	publishTimeout = 2 * time.Second
	// outboxSize はRedisへの書き込みを待つメッセージの上限数。
	outboxSize = 256
	// 購読に失敗したときの再試行間隔。
	minRetryInterval = 100 * time.Millisecond
	maxRetryInterval = 10 * time.Second
)

// envelope はRedis Pub/Subに載せるメッセージの形式。
type envelope struct {
	Recipient string    `json:"recipient"`
	Message   Message   `json:"message"`
	SentAt    time.Time `json:"sent_at"`
}

// RedisBridge はHubをRedis Pub/Subの共有チャネルに接続する。
//
// Publishは共有チャネルへの書き込みを予約し、Runが予約されたメッセージを書き込みつつ
// 共有チャネルを購読して受け取ったメッセージをローカルのHubへ配信する。
// これによりどのインスタンスで作成された通知も、受信者が接続しているインスタンスから配信される。
// Redisに障害があってもRunは終了せず、ローカルのHubへの配信で動作を続ける。
type RedisBridge struct {
	client  *redis.Client
	channel string
	local   *Hub
	outbox  chan envelope

	readyOnce sync.Once
	ready     chan struct{}
	fallbacks atomic.Int64
}

// NewRedisBridge は新しいRedisBridgeを生成する。channelが空の場合はDefaultChannelを使う。
func NewRedisBridge(client *redis.Client, channel string, local *Hub) *RedisBridge {
	return newRedisBridge(client, channel, local, outboxSize)
}

func newRedisBridge(client *redis.Client, channel string, local *Hub, size int) *RedisBridge {
	if channel == "" {
		channel = DefaultChannel
	}
	return &RedisBridge{
		client:  client,
		channel: channel,
		local:   local,
		outbox:  make(chan envelope, size),
		ready:   make(chan struct{}),
	}
}

// Ready は共有チャネルの購読が確立したときに閉じられるチャネルを返す。
func (b *RedisBridge) Ready() <-chan struct{} {
	return b.ready
}

// Fallbacks はRedisを経由せずローカルのHubへ直接配信したメッセージ数を返す。
func (b *RedisBridge) Fallbacks() int64 {
	return b.fallbacks.Load()
}

// Publish はメッセージを共有チャネルへの書き込み待ちに積む。呼び出し元を待たせない。
// 書き込み待ちが一杯の場合はローカルのHubへ直接配信する。
func (b *RedisBridge) Publish(recipient string, msg Message) {
	select {
	case b.outbox <- envelope{Recipient: recipient, Message: msg, SentAt: time.Now().UTC()}:
	default:
		b.fallback(envelope{Recipient: recipient, Message: msg})
	}
}

func (b *RedisBridge) fallback(env envelope) {
	b.fallbacks.Add(1)
	b.local.Publish(env.Recipient, env.Message)
}

// Run はctxがキャンセルされるまで、書き込み待ちのメッセージをRedisへ書き込み、
// 共有チャネルから受け取ったメッセージをローカルのHubへ中継する。
// 購読に失敗した場合は間隔を広げながら再試行する。戻り値は常にnil。
func (b *RedisBridge) Run(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		defer close(done)
		b.drain(ctx)
	}()
	defer func() { <-done }()

	interval := minRetryInterval
	for {
		subscribed, err := b.relay(ctx)
		if ctx.Err() != nil {
			logger.L().Info("broadcast: Redis中継を停止しました")
			return nil
		}
		if subscribed {
			interval = minRetryInterval
		}
		logger.With(logrus.Fields{"channel": b.channel, "error": err, "retry_in": interval}).Warn("broadcast: Redisチャネルの購読に失敗したため再試行します")

		timer := time.NewTimer(interval)
		select {
		case <-ctx.Done():
			timer.Stop()
			logger.L().Info("broadcast: Redis中継を停止しました")
			return nil
		case <-timer.C:
		}
		interval = min(interval*2, maxRetryInterval)
	}
}

// relay は共有チャネルを1回購読し、購読が終わるまでローカルのHubへ中継する。
func (b *RedisBridge) relay(ctx context.Context) (bool, error) {
	pubsub := b.client.Subscribe(ctx, b.channel)
	defer pubsub.Close()

	// 購読の確立を待ってから受信を始める
	if _, err := pubsub.Receive(ctx); err != nil {
		return false, fmt.Errorf("Redisチャネルの購読に失敗: channel=%s: %w", b.channel, err)
	}
	b.readyOnce.Do(func() { close(b.ready) })
	logger.With(logrus.Fields{"channel": b.channel}).Info("broadcast: Redis中継を開始しました")

	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return true, ctx.Err()
		case m, ok := <-ch:
			if !ok {
				return true, errors.New("Redisの購読が終了しました")
			}
			var env envelope
			if err := json.Unmarshal([]byte(m.Payload), &env); err != nil {
				logger.With(logrus.Fields{"channel": b.channel, "error": err}).Warn("broadcast: 不正なメッセージを無視しました")
				continue
			}
			if env.Recipient == "" || env.Message.Kind == "" {
				continue
			}
			b.local.Publish(env.Recipient, env.Message)
		}
	}
}

// drain は書き込み待ちのメッセージをRedisへ書き込む。
// ctxがキャンセルされたら残りをローカルのHubへ配信して終了する。
func (b *RedisBridge) drain(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			for {
				select {
				case env := <-b.outbox:
					b.fallback(env)
				default:
					return
				}
			}
		case env := <-b.outbox:
			b.write(ctx, env)
		}
	}
}

// write はメッセージを共有チャネルへ書き込む。失敗した場合はローカルのHubへ配信する。
func (b *RedisBridge) write(ctx context.Context, env envelope) {
	body, err := json.Marshal(env)
	if err != nil {
		logger.With(logrus.Fields{"recipient": env.Recipient, "error": err}).Error("broadcast: エンベロープのシリアライズに失敗")
		b.fallback(env)
		return
	}

	ctx, cancel := context.WithTimeout(ctx, publishTimeout)
	defer cancel()

	if err := b.client.Publish(ctx, b.channel, body).Err(); err != nil {
		logger.With(logrus.Fields{"channel": b.channel, "error": err}).Warn("broadcast: Redisへの配信に失敗したためローカル配信に切り替えます")
		b.fallback(env)
	}
}
