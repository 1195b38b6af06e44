package progress

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/nao1215/learnhub/pkg/config"
	"github.com/nao1215/learnhub/pkg/database"
	"github.com/nao1215/learnhub/pkg/middleware"
)

const (
	testJWTSecret     = "test-secret"
	testInternalToken = "test-internal-token"
)

func init() {
	gin.SetMode(gin.TestMode)
}

// setupTestServer はテスト用の進捗サーバーをインメモリSQLiteで構築する。
func setupTestServer(t *testing.T) *Server {
	t.Helper()

	db, err := OpenDatabase(context.Background(), database.MemoryPath)
	if err != nil {
		t.Fatalf("インメモリDBの作成に失敗: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	cfg := &config.Config{
		Service:           config.ServiceProgress,
		Port:              "0",
		JWTSecret:         testJWTSecret,
		InternalToken:     testInternalToken,
		StoreTimeout:      time.Second,
		ProgressCacheSize: 64,
		ProgressCacheTTL:  time.Minute,
	}
	return NewServer(cfg, db, nil)
}

// tokenFor はテスト用のJWTトークンを生成する。
func tokenFor(t *testing.T, userID, role string) string {
	t.Helper()
	token, err := middleware.GenerateJWT(testJWTSecret, userID, userID+"@example.com", role, time.Hour)
	if err != nil {
		t.Fatalf("トークンの生成に失敗: %v", err)
	}
	return token
}

// doRequest はテスト用のHTTPリクエストを実行し、レスポンスを返すヘルパー関数。
func doRequest(h http.Handler, method, path, token string, body any) *httptest.ResponseRecorder {
	var reqBody *bytes.Reader
	if body != nil {
		jsonBytes, _ := json.Marshal(body)
		reqBody = bytes.NewReader(jsonBytes)
	} else {
		reqBody = bytes.NewReader(nil)
	}

	req := httptest.NewRequest(method, path, reqBody)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

// doInternal は内部APIトークン付きのリクエストを実行するヘルパー関数。
func doInternal(h http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	jsonBytes, _ := json.Marshal(body)
	req := httptest.NewRequest(method, path, bytes.NewReader(jsonBytes))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(middleware.HeaderInternalToken, testInternalToken)

	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

// parseJSON はレスポンスボディをJSONとしてデコードするヘルパー関数。
func parseJSON(t *testing.T, w *httptest.ResponseRecorder, v any) {
	t.Helper()
	if err := json.Unmarshal(w.Body.Bytes(), v); err != nil {
		t.Fatalf("JSONのデコードに失敗: %v (body: %s)", err, w.Body.String())
	}
}

// seedCatalog は内部APIでコースc1（2モジュール×2学習項目）を登録するヘルパー関数。
func seedCatalog(t *testing.T, s *Server) {
	t.Helper()
	w := doInternal(s.Handler(), http.MethodPut, "/api/v1/internal/courses/c1/modules", map[string]any{
		"module_ids": []string{"m1", "m2"},
	})
	if w.Code != http.StatusOK {
		t.Fatalf("コース構成の登録に失敗: status=%d body=%s", w.Code, w.Body.String())
	}
	for module, items := range map[string][]string{"m1": {"i1", "i2"}, "m2": {"i3", "i4"}} {
		w := doInternal(s.Handler(), http.MethodPut, "/api/v1/internal/modules/"+module+"/items", map[string]any{
			"item_ids": items,
		})
		if w.Code != http.StatusOK {
			t.Fatalf("モジュール構成の登録に失敗: status=%d body=%s", w.Code, w.Body.String())
		}
	}
}

// recordCompletion は内部APIで完了状態を記録するヘルパー関数。
func recordCompletion(t *testing.T, s *Server, learner, item, state string) {
	t.Helper()
	w := doInternal(s.Handler(), http.MethodPost, "/api/v1/internal/completions", map[string]any{
		"learner_id":         learner,
		"item_id":            item,
		"state":              state,
		"time_spent_seconds": 60,
	})
	if w.Code != http.StatusOK {
		t.Fatalf("完了状態の記録に失敗: status=%d body=%s", w.Code, w.Body.String())
	}
}

func TestHealthEndpoint(t *testing.T) {
	t.Parallel()
	s := setupTestServer(t)

	w := doRequest(s.Handler(), http.MethodGet, "/health", "", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("ステータスコードが不正: got %d, want %d", w.Code, http.StatusOK)
	}
	var resp map[string]string
	parseJSON(t, w, &resp)
	if resp["service"] != "progress" {
		t.Errorf("serviceが不正: got %s, want progress", resp["service"])
	}
}

func TestHandleSummary(t *testing.T) {
	t.Parallel()

	t.Run("コースの進捗を返す", func(t *testing.T) {
		t.Parallel()
		s := setupTestServer(t)
		seedCatalog(t, s)
		recordCompletion(t, s, "learner-1", "i1", "completed")
		recordCompletion(t, s, "learner-1", "i3", "in_progress")

		w := doRequest(s.Handler(), http.MethodGet, "/api/v1/progress/courses/c1", tokenFor(t, "learner-1", middleware.RoleLearner), nil)
		if w.Code != http.StatusOK {
			t.Fatalf("ステータスコードが不正: got %d, want %d", w.Code, http.StatusOK)
		}
		var resp Summary
		parseJSON(t, w, &resp)
		if resp.TotalItems != 4 || resp.CompletedItems != 1 || resp.InProgressItems != 1 || resp.NotStartedItems != 2 {
			t.Errorf("件数が不正: %+v", resp)
		}
		if resp.CompletionPercentage != 25 {
			t.Errorf("完了率が不正: got %d, want 25", resp.CompletionPercentage)
		}
		if resp.TotalTimeSpent != 120 {
			t.Errorf("学習時間が不正: got %d, want 120", resp.TotalTimeSpent)
		}
	})

	t.Run("モジュールと学習項目の進捗を返す", func(t *testing.T) {
		t.Parallel()
		s := setupTestServer(t)
		seedCatalog(t, s)
		recordCompletion(t, s, "learner-1", "i1", "completed")
		token := tokenFor(t, "learner-1", middleware.RoleLearner)

		w := doRequest(s.Handler(), http.MethodGet, "/api/v1/progress/modules/m1", token, nil)
		var module Summary
		parseJSON(t, w, &module)
		if module.TotalItems != 2 || module.CompletionPercentage != 50 {
			t.Errorf("モジュールの進捗が不正: %+v", module)
		}

		w = doRequest(s.Handler(), http.MethodGet, "/api/v1/progress/items/i1", token, nil)
		var item Summary
		parseJSON(t, w, &item)
		if item.TotalItems != 1 || item.CompletionPercentage != 100 {
			t.Errorf("学習項目の進捗が不正: %+v", item)
		}
	})

	t.Run("空のコースは完了率0を返す", func(t *testing.T) {
		t.Parallel()
		s := setupTestServer(t)

		w := doRequest(s.Handler(), http.MethodGet, "/api/v1/progress/courses/empty", tokenFor(t, "learner-1", middleware.RoleLearner), nil)
		if w.Code != http.StatusOK {
			t.Fatalf("ステータスコードが不正: got %d, want %d", w.Code, http.StatusOK)
		}
		var resp Summary
		parseJSON(t, w, &resp)
		if resp.TotalItems != 0 || resp.CompletionPercentage != 0 {
			t.Errorf("空のコースの進捗が不正: %+v", resp)
		}
	})

	t.Run("学習者は他人の進捗を参照できない", func(t *testing.T) {
		t.Parallel()
		s := setupTestServer(t)

		w := doRequest(s.Handler(), http.MethodGet, "/api/v1/progress/courses/c1?learner_id=learner-2", tokenFor(t, "learner-1", middleware.RoleLearner), nil)
		if w.Code != http.StatusForbidden {
			t.Errorf("ステータスコードが不正: got %d, want %d", w.Code, http.StatusForbidden)
		}
	})

	t.Run("講師は指定した学習者の進捗を参照できる", func(t *testing.T) {
		t.Parallel()
		s := setupTestServer(t)
		seedCatalog(t, s)
		recordCompletion(t, s, "learner-2", "i1", "completed")

		w := doRequest(s.Handler(), http.MethodGet, "/api/v1/progress/courses/c1?learner_id=learner-2", tokenFor(t, "instructor-1", middleware.RoleInstructor), nil)
		if w.Code != http.StatusOK {
			t.Fatalf("ステータスコードが不正: got %d, want %d", w.Code, http.StatusOK)
		}
		var resp Summary
		parseJSON(t, w, &resp)
		if resp.LearnerID != "learner-2" || resp.CompletedItems != 1 {
			t.Errorf("進捗が不正: %+v", resp)
		}
	})

	t.Run("トークンがない場合は401を返す", func(t *testing.T) {
		t.Parallel()
		s := setupTestServer(t)

		w := doRequest(s.Handler(), http.MethodGet, "/api/v1/progress/courses/c1", "", nil)
		if w.Code != http.StatusUnauthorized {
			t.Errorf("ステータスコードが不正: got %d, want %d", w.Code, http.StatusUnauthorized)
		}
	})
}

func TestHandleBreakdown(t *testing.T) {
	t.Parallel()
	s := setupTestServer(t)
	seedCatalog(t, s)
	recordCompletion(t, s, "learner-1", "i1", "completed")
	recordCompletion(t, s, "learner-1", "i2", "completed")

	w := doRequest(s.Handler(), http.MethodGet, "/api/v1/progress/courses/c1/breakdown", tokenFor(t, "learner-1", middleware.RoleLearner), nil)
	if w.Code != http.StatusOK {
		t.Fatalf("ステータスコードが不正: got %d, want %d", w.Code, http.StatusOK)
	}
	var resp CourseProgress
	parseJSON(t, w, &resp)
	if len(resp.Modules) != 2 {
		t.Fatalf("モジュール数が不正: got %d, want 2", len(resp.Modules))
	}
	if resp.Modules[0].CompletionPercentage != 100 || resp.Modules[1].CompletionPercentage != 0 {
		t.Errorf("モジュールの完了率が不正: %+v", resp.Modules)
	}
	if resp.Summary.CompletionPercentage != 50 {
		t.Errorf("コースの完了率が不正: got %d, want 50", resp.Summary.CompletionPercentage)
	}
}

func TestHandleRecord(t *testing.T) {
	t.Parallel()

	t.Run("完了状態を記録して返す", func(t *testing.T) {
		t.Parallel()
		s := setupTestServer(t)

		w := doInternal(s.Handler(), http.MethodPost, "/api/v1/internal/completions", map[string]any{
			"learner_id": "learner-1", "item_id": "i1", "state": "completed", "score": 88.5,
		})
		if w.Code != http.StatusOK {
			t.Fatalf("ステータスコードが不正: got %d, want %d", w.Code, http.StatusOK)
		}
		var resp map[string]any
		parseJSON(t, w, &resp)
		if resp["state"] != "completed" {
			t.Errorf("stateが不正: got %v, want completed", resp["state"])
		}
		if resp["score"] != 88.5 {
			t.Errorf("scoreが不正: got %v, want 88.5", resp["score"])
		}
	})

	t.Run("不明な状態は400を返す", func(t *testing.T) {
		t.Parallel()
		s := setupTestServer(t)

		w := doInternal(s.Handler(), http.MethodPost, "/api/v1/internal/completions", map[string]any{
			"learner_id": "learner-1", "item_id": "i1", "state": "done",
		})
		if w.Code != http.StatusBadRequest {
			t.Errorf("ステータスコードが不正: got %d, want %d", w.Code, http.StatusBadRequest)
		}
	})

	t.Run("学習者IDがない場合は400を返す", func(t *testing.T) {
		t.Parallel()
		s := setupTestServer(t)

		w := doInternal(s.Handler(), http.MethodPost, "/api/v1/internal/completions", map[string]any{
			"item_id": "i1", "state": "completed",
		})
		if w.Code != http.StatusBadRequest {
			t.Errorf("ステータスコードが不正: got %d, want %d", w.Code, http.StatusBadRequest)
		}
	})

	t.Run("内部APIトークンがない場合は401を返す", func(t *testing.T) {
		t.Parallel()
		s := setupTestServer(t)

		w := doRequest(s.Handler(), http.MethodPost, "/api/v1/internal/completions", "", map[string]any{
			"learner_id": "learner-1", "item_id": "i1", "state": "completed",
		})
		if w.Code != http.StatusUnauthorized {
			t.Errorf("ステータスコードが不正: got %d, want %d", w.Code, http.StatusUnauthorized)
		}
	})
}

func TestHandleOverride(t *testing.T) {
	t.Parallel()
	s := setupTestServer(t)
	seedCatalog(t, s)
	recordCompletion(t, s, "learner-1", "i1", "completed")
	token := tokenFor(t, "learner-1", middleware.RoleLearner)

	w := doRequest(s.Handler(), http.MethodGet, "/api/v1/progress/modules/m1", token, nil)
	var before Summary
	parseJSON(t, w, &before)
	if before.CompletedItems != 1 {
		t.Fatalf("事前の完了数が不正: got %d, want 1", before.CompletedItems)
	}

	w = doInternal(s.Handler(), http.MethodPut, "/api/v1/internal/completions/override", map[string]any{
		"learner_id": "learner-1", "item_id": "i1", "state": "not_started", "reason": "再提出",
	})
	if w.Code != http.StatusOK {
		t.Fatalf("ステータスコードが不正: got %d, want %d", w.Code, http.StatusOK)
	}

	w = doRequest(s.Handler(), http.MethodGet, "/api/v1/progress/modules/m1", token, nil)
	var after Summary
	parseJSON(t, w, &after)
	if after.CompletedItems != 0 || after.NotStartedItems != 2 {
		t.Errorf("上書き後の進捗が不正: %+v", after)
	}
}

func TestHandleSetCatalog(t *testing.T) {
	t.Parallel()
	s := setupTestServer(t)

	w := doInternal(s.Handler(), http.MethodPut, "/api/v1/internal/modules/m1/items", map[string]any{
		"item_ids": []string{"i1", "i1"},
	})
	if w.Code != http.StatusBadRequest {
		t.Errorf("重複したIDでステータスコードが不正: got %d, want %d", w.Code, http.StatusBadRequest)
	}

	w = doInternal(s.Handler(), http.MethodPut, "/api/v1/internal/courses/c1/modules", map[string]any{
		"module_ids": []string{},
	})
	if w.Code != http.StatusOK {
		t.Errorf("ステータスコードが不正: got %d, want %d", w.Code, http.StatusOK)
	}
}
