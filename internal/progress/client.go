package progress

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/nao1215/learnhub/pkg/apperr"
	"github.com/nao1215/learnhub/pkg/httpclient"
	"github.com/nao1215/learnhub/pkg/middleware"
)

// Client は他のサービスから進捗サービスの内部APIを呼び出すクライアント。
type Client struct {
	http *httpclient.Client
}

// NewClient は新しいClientを生成する。tokenは内部APIの共有トークン。
func NewClient(baseURL, token string) *Client {
	return &Client{
		http: httpclient.New(baseURL,
			httpclient.WithTimeout(10*time.Second),
			httpclient.WithHeader(middleware.HeaderInternalToken, token),
		),
	}
}

// Record は完了状態を記録する。
func (c *Client) Record(ctx context.Context, u Update) (Completion, error) {
	var out Completion
	if err := c.http.PostJSON(ctx, "/api/v1/internal/completions", u, &out); err != nil {
		return Completion{}, clientError("progress.Client.Record", err)
	}
	return out, nil
}

// clientError は進捗サービスからのエラーを分類する。
// 400は入力不正、それ以外はリトライ可能なストレージ障害として扱う。
func clientError(op string, err error) error {
	var se *httpclient.StatusError
	if errors.As(err, &se) && se.StatusCode == http.StatusBadRequest {
		return apperr.Validation(op, "進捗サービスが入力を拒否しました")
	}
	return apperr.Storage(op, err)
}
