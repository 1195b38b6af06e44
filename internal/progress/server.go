package progress

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/jmoiron/sqlx"
	"github.com/nao1215/learnhub/pkg/apperr"
	"github.com/nao1215/learnhub/pkg/config"
	"github.com/nao1215/learnhub/pkg/logger"
	"github.com/nao1215/learnhub/pkg/middleware"
	"github.com/sirupsen/logrus"
)

// Server は進捗サービスのHTTPサーバー。
type Server struct {
	// router はGinのHTTPルーター。
	router *gin.Engine
	// cfg はサービスの設定。
	cfg *config.Config
	// store は完了状態の永続ストア。
	store *Store
	// catalog はローカルに同期したコース構成。
	catalog *CatalogStore
	// aggregator は進捗サマリーを集計する。
	aggregator *Aggregator
}

// NewServer は新しい進捗サーバーを生成する。
// inventoryがnilの場合はローカルのCatalogStoreからコース構成を取得する。
func NewServer(cfg *config.Config, db *sqlx.DB, inventory Inventory) *Server {
	store := NewStore(db, WithTimeout(cfg.StoreTimeout))
	catalog := NewCatalogStore(db, cfg.StoreTimeout)
	if inventory == nil {
		inventory = catalog
	}

	router := gin.New()
	router.Use(middleware.Recovery())
	router.Use(middleware.Logger())
	router.Use(middleware.CORS(cfg.AllowedOrigins))

	s := &Server{
		router:     router,
		cfg:        cfg,
		store:      store,
		catalog:    catalog,
		aggregator: NewAggregator(store, inventory, WithCache(cfg.ProgressCacheSize, cfg.ProgressCacheTTL)),
	}
	// 外部の構成を使う場合もローカルの構成変更でキャッシュを無効化する
	if inventory != Inventory(catalog) {
		catalog.OnChange(s.aggregator.InvalidateCatalog)
	}
	s.setupRoutes()
	return s
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
		progress := api.Group("/progress")
		progress.Use(middleware.JWTAuth(s.cfg.JWTSecret))
		{
			// 学習項目の進捗
			progress.GET("/items/:id", s.handleSummary(ScopeItem))
			// モジュールの進捗
			progress.GET("/modules/:id", s.handleSummary(ScopeModule))
			// コースの進捗
			progress.GET("/courses/:id", s.handleSummary(ScopeCourse))
			// コースとモジュールごとの進捗
			progress.GET("/courses/:id/breakdown", s.handleBreakdown())
		}

		// 内部API（通知サービス・コース管理サービスから呼び出される）
		internal := api.Group("/internal")
		internal.Use(middleware.InternalAuth(s.cfg.InternalToken))
		{
			internal.POST("/completions", s.handleRecord())
			internal.PUT("/completions/override", s.handleOverride())
			internal.PUT("/courses/:id/modules", s.handleSetCourseModules())
			internal.PUT("/modules/:id/items", s.handleSetModuleItems())
		}
	}

	// ヘルスチェック
	s.router.GET("/health", func(c *gin.Context) {
		if err := s.store.Ping(c.Request.Context()); err != nil {
			logger.Warnf("ヘルスチェックでデータベースに接続できません: %v", err)
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unavailable", "service": config.ServiceProgress})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "ok", "service": config.ServiceProgress})
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

// targetLearner は集計対象の学習者IDを返す。
// learner_idクエリは講師ロールの場合のみ受け付け、それ以外は認証済みユーザー自身を対象とする。
func targetLearner(c *gin.Context) (string, bool) {
	userID := middleware.GetUserID(c)
	if userID == "" {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "ユーザーIDが取得できません"})
		return "", false
	}
	requested := c.Query("learner_id")
	if requested == "" || requested == userID {
		return userID, true
	}
	if middleware.GetRole(c) != middleware.RoleInstructor {
		c.JSON(http.StatusForbidden, gin.H{"error": "他の学習者の進捗を参照する権限がありません"})
		return "", false
	}
	return requested, true
}

// handleSummary は指定した集計単位の進捗サマリーを返すハンドラ。
func (s *Server) handleSummary(kind ScopeKind) gin.HandlerFunc {
	return func(c *gin.Context) {
		learnerID, ok := targetLearner(c)
		if !ok {
			return
		}

		summary, err := s.aggregator.Summarize(c.Request.Context(), learnerID, Scope{Kind: kind, ID: c.Param("id")})
		if err != nil {
			respondError(c, err, "進捗の集計に失敗しました")
			return
		}

		c.JSON(http.StatusOK, summary)
	}
}

// handleBreakdown はコース全体とモジュールごとの進捗を返すハンドラ。
func (s *Server) handleBreakdown() gin.HandlerFunc {
	return func(c *gin.Context) {
		learnerID, ok := targetLearner(c)
		if !ok {
			return
		}

		breakdown, err := s.aggregator.CourseBreakdown(c.Request.Context(), learnerID, c.Param("id"))
		if err != nil {
			respondError(c, err, "進捗の集計に失敗しました")
			return
		}

		c.JSON(http.StatusOK, breakdown)
	}
}

// handleRecord は完了状態を記録するハンドラ（内部API）。
func (s *Server) handleRecord() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req Update
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "リクエストが不正です: " + err.Error()})
			return
		}

		completion, err := s.store.Record(c.Request.Context(), req)
		if err != nil {
			respondError(c, err, "完了状態の記録に失敗しました")
			return
		}

		c.JSON(http.StatusOK, completion)
	}
}

// overrideRequest は完了状態の上書きリクエストのJSON構造。
type overrideRequest struct {
	// LearnerID は学習者のID。
	LearnerID string `json:"learner_id" binding:"required"`
	// ItemID は学習項目のID。
	ItemID string `json:"item_id" binding:"required"`
	// State は設定する状態。
	State State `json:"state"`
	// Reason は上書きの理由。ログに記録する。
	Reason string `json:"reason"`
}

// handleOverride は管理者の操作として完了状態を上書きするハンドラ（内部API）。
func (s *Server) handleOverride() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req overrideRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "リクエストが不正です: " + err.Error()})
			return
		}

		completion, err := s.store.Override(c.Request.Context(), req.LearnerID, req.ItemID, req.State)
		if err != nil {
			respondError(c, err, "完了状態の上書きに失敗しました")
			return
		}
		logger.With(logrus.Fields{
			"learner_id": req.LearnerID,
			"item_id":    req.ItemID,
			"state":      req.State.String(),
			"reason":     req.Reason,
		}).Info("完了状態を上書きしました")

		c.JSON(http.StatusOK, completion)
	}
}

// handleSetCourseModules はコースのモジュール構成を置き換えるハンドラ（内部API）。
func (s *Server) handleSetCourseModules() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req struct {
			ModuleIDs []string `json:"module_ids"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "リクエストが不正です: " + err.Error()})
			return
		}

		if err := s.catalog.SetCourseModules(c.Request.Context(), c.Param("id"), req.ModuleIDs); err != nil {
			respondError(c, err, "コース構成の更新に失敗しました")
			return
		}

		c.JSON(http.StatusOK, gin.H{"course_id": c.Param("id"), "module_ids": nonNil(req.ModuleIDs)})
	}
}

// handleSetModuleItems はモジュールの学習項目構成を置き換えるハンドラ（内部API）。
func (s *Server) handleSetModuleItems() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req struct {
			ItemIDs []string `json:"item_ids"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "リクエストが不正です: " + err.Error()})
			return
		}

		if err := s.catalog.SetModuleItems(c.Request.Context(), c.Param("id"), req.ItemIDs); err != nil {
			respondError(c, err, "モジュール構成の更新に失敗しました")
			return
		}

		c.JSON(http.StatusOK, gin.H{"module_id": c.Param("id"), "item_ids": nonNil(req.ItemIDs)})
	}
}
