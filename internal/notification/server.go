package notification

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/jmoiron/sqlx"
	"github.com/nao1215/learnhub/internal/broadcast"
	"github.com/nao1215/learnhub/pkg/apperr"
	"github.com/nao1215/learnhub/pkg/config"
	"github.com/nao1215/learnhub/pkg/database"
	"github.com/nao1215/learnhub/pkg/event"
	"github.com/nao1215/learnhub/pkg/logger"
	"github.com/nao1215/learnhub/pkg/middleware"
	"github.com/sirupsen/logrus"
)

// OpenDatabase は通知サービスのデータベースを開き、スキーマを適用する。
func OpenDatabase(ctx context.Context, path string) (*sqlx.DB, error) {
	return database.Open(ctx, path, migrationFS, migrationDir)
}

// EventResult はドメインイベント1件の取り込み結果。
type EventResult struct {
	// EventID は取り込んだイベントのID。
	EventID string `json:"event_id"`
	// Type はイベントの種類。
	Type event.Type `json:"type"`
	// Delivered は新たに作成した通知の件数。
	Delivered int `json:"delivered"`
	// Duplicates は取り込み済みのため作成しなかった通知の件数。
	Duplicates int `json:"duplicates"`
	// ProgressRecorded は進捗サービスへ完了状態を記録したかどうか。
	ProgressRecorded bool `json:"progress_recorded"`
}

// EventHandler はドメインイベントを通知に変換する。
type EventHandler interface {
	Handle(ctx context.Context, ev *event.Event) (*EventResult, error)
}

// Server は通知サービスのHTTPサーバー。
type Server struct {
	// router はGinのHTTPルーター。
	router *gin.Engine
	// cfg はサービスの設定。
	cfg *config.Config
	// store は通知の永続ストア。
	store *Store
	// tracker は既読状態を管理する。
	tracker *Tracker
	// sender は通知の保存とプッシュを行う。
	sender *Sender
	// hub はこのインスタンスに接続しているライブセッションの登録簿。
	hub *broadcast.Hub
	// events はドメインイベントの取り込みを行う。nilの場合はイベントAPIが503を返す。
	events EventHandler
}

// NewServer は新しい通知サーバーを生成する。
// hubはこのインスタンスのライブセッション、pushは通知のプッシュ先（Redis中継またはhub自身）。
func NewServer(cfg *config.Config, db *sqlx.DB, hub *broadcast.Hub, push broadcast.Publisher) *Server {
	if push == nil {
		push = hub
	}
	store := NewStore(db, WithTimeout(cfg.StoreTimeout))

	router := gin.New()
	router.Use(middleware.Recovery())
	router.Use(middleware.Logger())
	router.Use(middleware.CORS(cfg.AllowedOrigins))

	s := &Server{
		router:  router,
		cfg:     cfg,
		store:   store,
		tracker: NewTracker(store, push),
		sender:  NewSender(store, push),
		hub:     hub,
	}
	s.setupRoutes()
	return s
}

// Sender は通知の送信に使うSenderを返す。
func (s *Server) Sender() *Sender {
	return s.sender
}

// HandleEvents はドメインイベントの取り込み先を設定する。Runの前に呼び出すこと。
func (s *Server) HandleEvents(h EventHandler) {
	s.events = h
}

// Handler はHTTPハンドラを返す。
func (s *Server) Handler() http.Handler {
	return s.router
}

// Run はHTTPサーバーを起動し、ctxがキャンセルされるとグレースフルに停止する。
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%s", s.cfg.Port),
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	// ライブセッションを先に閉じないとShutdownが完了しない
	s.hub.Close()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("HTTPサーバーの停止に失敗: %w", err)
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// setupRoutes はAPIルーティングを設定する。
func (s *Server) setupRoutes() {
	api := s.router.Group("/api/v1")
	{
		notifications := api.Group("/notifications")
		notifications.Use(middleware.JWTAuth(s.cfg.JWTSecret))
		{
			// 通知一覧と未読数を取得
			notifications.GET("", s.handleList())
			// 未読通知一覧取得
			notifications.GET("/unread", s.handleListUnread())
			// 未読数取得
			notifications.GET("/unread-count", s.handleUnreadCount())
			// 全通知を既読にする
			notifications.PATCH("/read-all", s.handleMarkAllAsRead())
			// 通知を既読にする
			notifications.PATCH("/:id/read", s.handleMarkAsRead())
			// ライブチャネル（Server-Sent Events）
			notifications.GET("/stream", s.handleStream())
			// ライブチャネル（WebSocket）
			notifications.GET("/ws", s.handleWebSocket())
		}

		// 内部API（他サービスから呼び出される）
		internal := api.Group("/internal")
		internal.Use(middleware.InternalAuth(s.cfg.InternalToken))
		{
			internal.POST("/notifications", s.handleSend())
			internal.POST("/events", s.handleEvent())
		}
	}

	// ヘルスチェック
	s.router.GET("/health", s.handleHealth())
	s.router.GET("/health/push", func(c *gin.Context) {
		c.JSON(http.StatusOK, s.hub.Stats())
	})
}

// respondError はエラー種別に応じたレスポンスを返す。
func respondError(c *gin.Context, err error, msg string) {
	status := apperr.HTTPStatus(err)
	if status >= http.StatusInternalServerError {
		logger.With(logrus.Fields{"path": c.FullPath(), "error": err}).Error(msg)
		c.JSON(status, gin.H{"error": msg})
		return
	}
	c.JSON(status, gin.H{"error": apperr.Message(err)})
}

// requireUser は認証済みユーザーのIDを返す。取得できない場合は401を返してfalse。
func requireUser(c *gin.Context) (string, bool) {
	userID := middleware.GetUserID(c)
	if userID == "" {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "ユーザーIDが取得できません"})
		return "", false
	}
	return userID, true
}

// parseLimit はクエリパラメータlimitを読み取る。未指定の場合は既定値。
func parseLimit(c *gin.Context) (int, error) {
	raw := c.Query("limit")
	if raw == "" {
		return DefaultLimit, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, apperr.Validation("notification.parseLimit", "limitは整数で指定してください")
	}
	return ClampLimit(n), nil
}

// handleList は認証済みユーザーの通知一覧と未読数を返すハンドラ。
// 一覧と未読数は同じ時点の状態を反映する。
func (s *Server) handleList() gin.HandlerFunc {
	return func(c *gin.Context) {
		userID, ok := requireUser(c)
		if !ok {
			return
		}
		limit, err := parseLimit(c)
		if err != nil {
			respondError(c, err, "")
			return
		}

		notifications, unread, err := s.store.Snapshot(c.Request.Context(), userID, limit)
		if err != nil {
			respondError(c, err, "通知一覧の取得に失敗しました")
			return
		}

		c.JSON(http.StatusOK, gin.H{
			"notifications": toResponses(notifications),
			"unread_count":  unread,
		})
	}
}

// handleListUnread は認証済みユーザーの未読通知一覧を返すハンドラ。
func (s *Server) handleListUnread() gin.HandlerFunc {
	return func(c *gin.Context) {
		userID, ok := requireUser(c)
		if !ok {
			return
		}
		limit, err := parseLimit(c)
		if err != nil {
			respondError(c, err, "")
			return
		}

		notifications, err := s.store.ListUnread(c.Request.Context(), userID, limit)
		if err != nil {
			respondError(c, err, "未読通知一覧の取得に失敗しました")
			return
		}

		c.JSON(http.StatusOK, gin.H{"notifications": toResponses(notifications)})
	}
}

// handleUnreadCount は認証済みユーザーの未読数を返すハンドラ。
func (s *Server) handleUnreadCount() gin.HandlerFunc {
	return func(c *gin.Context) {
		userID, ok := requireUser(c)
		if !ok {
			return
		}

		n, err := s.store.UnreadCount(c.Request.Context(), userID)
		if err != nil {
			respondError(c, err, "未読数の取得に失敗しました")
			return
		}

		c.JSON(http.StatusOK, gin.H{"unread_count": n})
	}
}

// handleMarkAsRead は指定された通知を既読にするハンドラ。
// 既読済みの通知に対しても成功を返し、changedで変化の有無を示す。
func (s *Server) handleMarkAsRead() gin.HandlerFunc {
	return func(c *gin.Context) {
		userID, ok := requireUser(c)
		if !ok {
			return
		}

		notificationID := c.Param("id")
		changed, err := s.tracker.MarkRead(c.Request.Context(), notificationID, userID)
		if err != nil {
			respondError(c, err, "通知の既読処理に失敗しました")
			return
		}

		c.JSON(http.StatusOK, gin.H{"id": notificationID, "changed": changed})
	}
}

// handleMarkAllAsRead は認証済みユーザーの全通知を既読にするハンドラ。
func (s *Server) handleMarkAllAsRead() gin.HandlerFunc {
	return func(c *gin.Context) {
		userID, ok := requireUser(c)
		if !ok {
			return
		}

		n, err := s.tracker.MarkAllRead(c.Request.Context(), userID)
		if err != nil {
			respondError(c, err, "全通知の既読処理に失敗しました")
			return
		}

		c.JSON(http.StatusOK, gin.H{"updated": n})
	}
}

// sendRequest は通知送信リクエストのJSON構造。
type sendRequest struct {
	// RecipientID は通知先のユーザーID。
	RecipientID string `json:"recipient_id" binding:"required"`
	// Type は通知の種類。省略時はinfo。
	Type string `json:"type"`
	// Title は通知のタイトル。
	Title string `json:"title" binding:"required"`
	// Message は通知メッセージ。
	Message string `json:"message" binding:"required"`
	// ActionURL は遷移先のURL。
	ActionURL string `json:"action_url"`
	// DedupeKey が指定された場合、同じキーでの送信は1度だけ保存される。
	DedupeKey string `json:"dedupe_key"`
}

// handleSend は通知を保存してプッシュするハンドラ（内部API）。
func (s *Server) handleSend() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req sendRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "リクエストが不正です: " + err.Error()})
			return
		}
		typ, err := ParseType(req.Type)
		if err != nil {
			respondError(c, err, "")
			return
		}

		draft := Draft{
			RecipientID: req.RecipientID,
			Type:        typ,
			Title:       req.Title,
			Message:     req.Message,
			ActionURL:   req.ActionURL,
		}

		if req.DedupeKey == "" {
			n, err := s.sender.Send(c.Request.Context(), draft)
			if err != nil {
				respondError(c, err, "通知の保存に失敗しました")
				return
			}
			c.JSON(http.StatusCreated, ToResponse(n))
			return
		}

		n, created, err := s.sender.SendOnce(c.Request.Context(), req.DedupeKey, draft)
		if err != nil {
			respondError(c, err, "通知の保存に失敗しました")
			return
		}
		status := http.StatusCreated
		if !created {
			status = http.StatusOK
		}
		c.JSON(status, ToResponse(n))
	}
}

// handleEvent はドメインイベントを取り込むハンドラ（内部API）。
func (s *Server) handleEvent() gin.HandlerFunc {
	return func(c *gin.Context) {
		if s.events == nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "イベントの取り込みは無効です"})
			return
		}

		var ev event.Event
		if err := c.ShouldBindJSON(&ev); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "イベントの形式が不正です: " + err.Error()})
			return
		}

		res, err := s.events.Handle(c.Request.Context(), &ev)
		if err != nil {
			respondError(c, err, "イベントの取り込みに失敗しました")
			return
		}

		status := http.StatusAccepted
		if res.Delivered == 0 && res.Duplicates > 0 {
			status = http.StatusOK
		}
		c.JSON(status, res)
	}
}

// handleHealth はサービスとデータベースの状態を返すハンドラ。
func (s *Server) handleHealth() gin.HandlerFunc {
	return func(c *gin.Context) {
		if err := s.store.Ping(c.Request.Context()); err != nil {
			logger.Warnf("ヘルスチェックでデータベースに接続できません: %v", err)
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unavailable", "service": config.ServiceNotification})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "ok", "service": config.ServiceNotification})
	}
}
