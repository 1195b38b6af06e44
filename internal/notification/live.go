package notification

import (
	"io"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/nao1215/learnhub/internal/broadcast"
	"github.com/nao1215/learnhub/pkg/logger"
	"github.com/sirupsen/logrus"
)

// kindSync は接続直後に送るメッセージの種類。クライアントはこれを受けて一覧を取り直す。
const kindSync broadcast.Kind = "sync"

// writeWait はWebSocketへの1回の書き込みの上限時間。
const writeWait = 10 * time.Second

// syncMessage は接続直後に送るメッセージを生成する。
func syncMessage() broadcast.Message {
	return broadcast.Message{Kind: kindSync}
}

// heartbeatMessage はハートビートのメッセージを生成する。
func heartbeatMessage() broadcast.Message {
	return broadcast.Message{Kind: broadcast.KindHeartbeat}
}

// handleStream はServer-Sent Eventsでライブチャネルを提供するハンドラ。
// イベント名はメッセージの種類、データはメッセージのJSON。
func (s *Server) handleStream() gin.HandlerFunc {
	return func(c *gin.Context) {
		userID, ok := requireUser(c)
		if !ok {
			return
		}

		sub := s.hub.Subscribe(userID)
		defer sub.Close()

		log := logger.With(logrus.Fields{"recipient_id": userID, "transport": "sse"})
		log.Debug("ライブセッションを開始しました")

		c.Header("Content-Type", "text/event-stream")
		c.Header("Cache-Control", "no-cache")
		c.Header("Connection", "keep-alive")
		c.Header("X-Accel-Buffering", "no")

		ticker := time.NewTicker(s.cfg.Heartbeat)
		defer ticker.Stop()

		first := true
		c.Stream(func(_ io.Writer) bool {
			if first {
				first = false
				c.SSEvent(string(kindSync), syncMessage())
				return true
			}
			select {
			case msg, ok := <-sub.C():
				if !ok {
					return false
				}
				c.SSEvent(string(msg.Kind), msg)
				return true
			case <-ticker.C:
				c.SSEvent(string(broadcast.KindHeartbeat), heartbeatMessage())
				return true
			case <-c.Request.Context().Done():
				return false
			}
		})

		log.WithField("dropped", sub.Dropped()).Debug("ライブセッションを終了しました")
	}
}

// upgrader はWebSocketへのアップグレードを行う。
func (s *Server) upgrader() *websocket.Upgrader {
	allowed := make(map[string]struct{}, len(s.cfg.AllowedOrigins))
	for _, o := range s.cfg.AllowedOrigins {
		allowed[o] = struct{}{}
	}
	return &websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			if origin == "" || len(allowed) == 0 {
				return true
			}
			if _, ok := allowed["*"]; ok {
				return true
			}
			_, ok := allowed[origin]
			return ok
		},
	}
}

// handleWebSocket はWebSocketでライブチャネルを提供するハンドラ。
// サーバーからの一方向の配信で、クライアントからのメッセージは読み捨てる。
// ハートビート間隔でPingを送り、その2倍の間Pongがなければ切断する。
func (s *Server) handleWebSocket() gin.HandlerFunc {
	upgrader := s.upgrader()
	return func(c *gin.Context) {
		userID, ok := requireUser(c)
		if !ok {
			return
		}

		conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
		if err != nil {
			// Upgradeがエラーレスポンスを書き込み済み
			logger.With(logrus.Fields{"recipient_id": userID, "error": err}).Warn("WebSocketへのアップグレードに失敗しました")
			return
		}
		defer conn.Close()

		sub := s.hub.Subscribe(userID)
		defer sub.Close()

		log := logger.With(logrus.Fields{"recipient_id": userID, "transport": "websocket"})
		log.Debug("ライブセッションを開始しました")

		pongWait := 2 * s.cfg.Heartbeat
		done := make(chan struct{})
		go func() {
			defer close(done)
			_ = conn.SetReadDeadline(time.Now().Add(pongWait))
			conn.SetPongHandler(func(string) error {
				return conn.SetReadDeadline(time.Now().Add(pongWait))
			})
			for {
				if _, _, err := conn.ReadMessage(); err != nil {
					return
				}
			}
		}()

		write := func(msg broadcast.Message) error {
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			return conn.WriteJSON(msg)
		}

		if err := write(syncMessage()); err != nil {
			return
		}

		ticker := time.NewTicker(s.cfg.Heartbeat)
		defer ticker.Stop()

		for {
			select {
			case msg, ok := <-sub.C():
				if !ok {
					_ = conn.WriteControl(websocket.CloseMessage,
						websocket.FormatCloseMessage(websocket.CloseGoingAway, ""), time.Now().Add(writeWait))
					return
				}
				if err := write(msg); err != nil {
					log.WithError(err).Debug("ライブセッションへの書き込みに失敗しました")
					return
				}
			case <-ticker.C:
				if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
					return
				}
			case <-done:
				log.WithField("dropped", sub.Dropped()).Debug("ライブセッションを終了しました")
				return
			}
		}
	}
}
