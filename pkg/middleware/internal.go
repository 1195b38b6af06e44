package middleware

import (
	"crypto/subtle"
	"net/http"

	"github.com/gin-gonic/gin"
)

// HeaderInternalToken はサービス間の内部API呼び出しで共有トークンを渡すヘッダー。
const HeaderInternalToken = "X-Internal-Token"

// InternalAuth は内部API向けに共有トークンを検証するGinミドルウェアを返す。
// イベント取り込みや学習完了の記録など、利用者ではなく協調サービスが呼び出すAPIに適用する。
func InternalAuth(token string) gin.HandlerFunc {
	expected := []byte(token)
	return func(c *gin.Context) {
		got := []byte(c.GetHeader(HeaderInternalToken))
		if len(expected) == 0 || subtle.ConstantTimeCompare(got, expected) != 1 {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error": "内部APIトークンが無効です",
			})
			return
		}
		c.Next()
	}
}
