package middleware

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
)

func init() {
	gin.SetMode(gin.TestMode)
}

// testSecret はテスト用のJWTシークレット。
const testSecret = "test-secret-key-for-unit-tests"

// newAuthRouter はJWTAuthを適用し、コンテキストの値をそのまま返すルーターを生成する。
func newAuthRouter(secret string) *gin.Engine {
	router := gin.New()
	router.Use(JWTAuth(secret))
	router.GET("/me", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"user_id": GetUserID(c), "role": GetRole(c)})
	})
	return router
}

// TestGenerateJWT はGenerateJWT関数を検証する。
func TestGenerateJWT(t *testing.T) {
	t.Parallel()

	t.Run("クレームが正しく設定されること", func(t *testing.T) {
		t.Parallel()

		tokenStr, err := GenerateJWT(testSecret, "learner-1", "l1@example.com", RoleLearner, time.Hour)
		if err != nil {
			t.Fatalf("GenerateJWT()でエラーが発生: %v", err)
		}

		claims := &JWTClaims{}
		token, err := jwt.ParseWithClaims(tokenStr, claims, func(_ *jwt.Token) (any, error) {
			return []byte(testSecret), nil
		})
		if err != nil || !token.Valid {
			t.Fatalf("トークンのパースに失敗: %v", err)
		}
		if claims.UserID != "learner-1" {
			t.Errorf("UserID = %q, want %q", claims.UserID, "learner-1")
		}
		if claims.Role != RoleLearner {
			t.Errorf("Role = %q, want %q", claims.Role, RoleLearner)
		}
		if claims.Issuer != "learnhub" {
			t.Errorf("Issuer = %q, want %q", claims.Issuer, "learnhub")
		}
		if token.Method.Alg() != "HS256" {
			t.Errorf("アルゴリズム = %q, want HS256", token.Method.Alg())
		}
	})

	t.Run("有効期限がttl後に設定されること", func(t *testing.T) {
		t.Parallel()

		before := time.Now()
		tokenStr, err := GenerateJWT(testSecret, "learner-1", "", RoleLearner, 2*time.Hour)
		if err != nil {
			t.Fatalf("GenerateJWT()でエラーが発生: %v", err)
		}
		claims := &JWTClaims{}
		if _, err := jwt.ParseWithClaims(tokenStr, claims, func(_ *jwt.Token) (any, error) {
			return []byte(testSecret), nil
		}); err != nil {
			t.Fatalf("トークンのパースに失敗: %v", err)
		}
		exp := claims.ExpiresAt.Time
		if exp.Before(before.Add(2*time.Hour-time.Second)) || exp.After(before.Add(2*time.Hour+time.Minute)) {
			t.Errorf("ExpiresAt = %v", exp)
		}
	})
}

// TestJWTAuth はJWTAuthミドルウェアを検証する。
func TestJWTAuth(t *testing.T) {
	t.Parallel()

	t.Run("有効なトークンでユーザーIDとロールが設定されること", func(t *testing.T) {
		t.Parallel()

		tokenStr, _ := GenerateJWT(testSecret, "instructor-1", "", RoleInstructor, time.Hour)
		req := httptest.NewRequest(http.MethodGet, "/me", nil)
		req.Header.Set("Authorization", "Bearer "+tokenStr)
		w := httptest.NewRecorder()
		newAuthRouter(testSecret).ServeHTTP(w, req)

		if w.Code != http.StatusOK {
			t.Fatalf("ステータスコード = %d, want %d", w.Code, http.StatusOK)
		}
		var body map[string]string
		if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
			t.Fatalf("レスポンスボディのパースに失敗: %v", err)
		}
		if body["user_id"] != "instructor-1" || body["role"] != RoleInstructor {
			t.Errorf("body = %v", body)
		}
		if got := w.Header().Get("X-User-ID"); got != "instructor-1" {
			t.Errorf("X-User-ID = %q, want %q", got, "instructor-1")
		}
	})

	t.Run("ロールが無いトークンはlearnerとして扱うこと", func(t *testing.T) {
		t.Parallel()

		tokenStr, _ := GenerateJWT(testSecret, "learner-1", "", "", time.Hour)
		req := httptest.NewRequest(http.MethodGet, "/me", nil)
		req.Header.Set("Authorization", "Bearer "+tokenStr)
		w := httptest.NewRecorder()
		newAuthRouter(testSecret).ServeHTTP(w, req)

		var body map[string]string
		_ = json.Unmarshal(w.Body.Bytes(), &body)
		if body["role"] != RoleLearner {
			t.Errorf("role = %q, want %q", body["role"], RoleLearner)
		}
	})

	t.Run("access_tokenクエリでも認証できること", func(t *testing.T) {
		t.Parallel()

		tokenStr, _ := GenerateJWT(testSecret, "learner-2", "", RoleLearner, time.Hour)
		req := httptest.NewRequest(http.MethodGet, "/me?access_token="+tokenStr, nil)
		w := httptest.NewRecorder()
		newAuthRouter(testSecret).ServeHTTP(w, req)

		if w.Code != http.StatusOK {
			t.Errorf("ステータスコード = %d, want %d", w.Code, http.StatusOK)
		}
	})

	unauthorized := []struct {
		name   string
		header string
	}{
		{name: "Authorizationヘッダーが無い場合401が返ること", header: ""},
		{name: "Bearer接頭辞が無い場合401が返ること", header: "Token abc"},
		{name: "無効なトークンで401が返ること", header: "Bearer invalid.token.value"},
	}
	for _, tt := range unauthorized {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			req := httptest.NewRequest(http.MethodGet, "/me", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			w := httptest.NewRecorder()
			newAuthRouter(testSecret).ServeHTTP(w, req)

			if w.Code != http.StatusUnauthorized {
				t.Errorf("ステータスコード = %d, want %d", w.Code, http.StatusUnauthorized)
			}
		})
	}

	t.Run("異なるシークレットで署名されたトークンで401が返ること", func(t *testing.T) {
		t.Parallel()

		tokenStr, _ := GenerateJWT("different-secret", "learner-1", "", RoleLearner, time.Hour)
		req := httptest.NewRequest(http.MethodGet, "/me", nil)
		req.Header.Set("Authorization", "Bearer "+tokenStr)
		w := httptest.NewRecorder()
		newAuthRouter(testSecret).ServeHTTP(w, req)

		if w.Code != http.StatusUnauthorized {
			t.Errorf("ステータスコード = %d, want %d", w.Code, http.StatusUnauthorized)
		}
	})

	t.Run("期限切れトークンで401が返ること", func(t *testing.T) {
		t.Parallel()

		tokenStr, _ := GenerateJWT(testSecret, "learner-1", "", RoleLearner, -time.Minute)
		req := httptest.NewRequest(http.MethodGet, "/me", nil)
		req.Header.Set("Authorization", "Bearer "+tokenStr)
		w := httptest.NewRecorder()
		newAuthRouter(testSecret).ServeHTTP(w, req)

		if w.Code != http.StatusUnauthorized {
			t.Errorf("ステータスコード = %d, want %d", w.Code, http.StatusUnauthorized)
		}
	})
}

// TestGetUserID はGetUserID関数を検証する。
func TestGetUserID(t *testing.T) {
	t.Parallel()

	t.Run("user_idが文字列以外の型の場合に空文字列が返ること", func(t *testing.T) {
		t.Parallel()

		c, _ := gin.CreateTestContext(httptest.NewRecorder())
		c.Set("user_id", 12345)
		if got := GetUserID(c); got != "" {
			t.Errorf("GetUserID() = %q, want empty", got)
		}
	})

	t.Run("未設定の場合に空文字列が返ること", func(t *testing.T) {
		t.Parallel()

		c, _ := gin.CreateTestContext(httptest.NewRecorder())
		if got := GetUserID(c); got != "" {
			t.Errorf("GetUserID() = %q, want empty", got)
		}
	})
}
