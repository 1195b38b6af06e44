package progress

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/nao1215/learnhub/pkg/apperr"
	"github.com/nao1215/learnhub/pkg/httpclient"
)

// Inventory はコースとモジュールの構成を提供する。
// 1回の集計の間は同じ結果を返すこと。
type Inventory interface {
	// ModuleIDs はコースに含まれるモジュールのIDを並び順で返す。
	ModuleIDs(ctx context.Context, courseID string) ([]string, error)
	// ItemIDs はモジュールに含まれる学習項目のIDを並び順で返す。
	ItemIDs(ctx context.Context, moduleID string) ([]string, error)
}

// CatalogStore はコース構成をSQLiteに保持するInventory。
// コース管理サービスが内部APIを通じて構成を同期する。
type CatalogStore struct {
	db      *sqlx.DB
	timeout time.Duration

	mu       sync.RWMutex
	onChange []func()
}

// NewCatalogStore は新しいCatalogStoreを生成する。timeoutが0以下の場合は既定値を使う。
func NewCatalogStore(db *sqlx.DB, timeout time.Duration) *CatalogStore {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &CatalogStore{db: db, timeout: timeout}
}

// OnChange は構成が変更された後に呼ばれる関数を登録する。
func (c *CatalogStore) OnChange(fn func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onChange = append(c.onChange, fn)
}

func (c *CatalogStore) changed() {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for _, fn := range c.onChange {
		fn()
	}
}

// ModuleIDs はコースに含まれるモジュールのIDを返す。未登録のコースは空。
func (c *CatalogStore) ModuleIDs(ctx context.Context, courseID string) ([]string, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	ids := []string{}
	if err := c.db.SelectContext(ctx, &ids,
		`SELECT module_id FROM course_modules WHERE course_id = ? ORDER BY position`, courseID); err != nil {
		return nil, apperr.Storage("progress.ModuleIDs", err)
	}
	return ids, nil
}

// ItemIDs はモジュールに含まれる学習項目のIDを返す。未登録のモジュールは空。
func (c *CatalogStore) ItemIDs(ctx context.Context, moduleID string) ([]string, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	ids := []string{}
	if err := c.db.SelectContext(ctx, &ids,
		`SELECT item_id FROM module_items WHERE module_id = ? ORDER BY position`, moduleID); err != nil {
		return nil, apperr.Storage("progress.ItemIDs", err)
	}
	return ids, nil
}

// SetCourseModules はコースのモジュール構成を置き換える。
func (c *CatalogStore) SetCourseModules(ctx context.Context, courseID string, moduleIDs []string) error {
	return c.replace(ctx, "progress.SetCourseModules",
		`DELETE FROM course_modules WHERE course_id = ?`,
		`INSERT INTO course_modules (course_id, module_id, position) VALUES (?, ?, ?)`,
		courseID, moduleIDs)
}

// SetModuleItems はモジュールの学習項目構成を置き換える。
func (c *CatalogStore) SetModuleItems(ctx context.Context, moduleID string, itemIDs []string) error {
	return c.replace(ctx, "progress.SetModuleItems",
		`DELETE FROM module_items WHERE module_id = ?`,
		`INSERT INTO module_items (module_id, item_id, position) VALUES (?, ?, ?)`,
		moduleID, itemIDs)
}

// replace は親の子要素を1つのトランザクションで置き換える。
func (c *CatalogStore) replace(ctx context.Context, op, deleteQuery, insertQuery, parentID string, childIDs []string) error {
	if strings.TrimSpace(parentID) == "" {
		return apperr.Validation(op, "IDが必要です")
	}
	seen := make(map[string]struct{}, len(childIDs))
	for _, id := range childIDs {
		if strings.TrimSpace(id) == "" {
			return apperr.Validation(op, "空のIDは指定できません")
		}
		if _, ok := seen[id]; ok {
			return apperr.Validationf(op, "IDが重複しています: %s", id)
		}
		seen[id] = struct{}{}
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	tx, err := c.db.BeginTxx(ctx, nil)
	if err != nil {
		return apperr.Storage(op, err)
	}
	defer tx.Rollback() //nolint:errcheck

	if _, err := tx.ExecContext(ctx, deleteQuery, parentID); err != nil {
		return apperr.Storage(op, err)
	}
	stmt, err := tx.PreparexContext(ctx, insertQuery)
	if err != nil {
		return apperr.Storage(op, err)
	}
	defer stmt.Close()
	for i, id := range childIDs {
		if _, err := stmt.ExecContext(ctx, parentID, id, i); err != nil {
			return apperr.Storage(op, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return apperr.Storage(op, err)
	}

	c.changed()
	return nil
}

// HTTPInventory はコース管理サービスのAPIからコース構成を取得するInventory。
type HTTPInventory struct {
	client *httpclient.Client
}

// NewHTTPInventory は新しいHTTPInventoryを生成する。
func NewHTTPInventory(client *httpclient.Client) *HTTPInventory {
	return &HTTPInventory{client: client}
}

// ModuleIDs はGET /api/v1/courses/:id/modules の結果を返す。
func (h *HTTPInventory) ModuleIDs(ctx context.Context, courseID string) ([]string, error) {
	var resp struct {
		ModuleIDs []string `json:"module_ids"`
	}
	path := "/api/v1/courses/" + url.PathEscape(courseID) + "/modules"
	if err := h.client.GetJSON(ctx, path, &resp); err != nil {
		return nil, inventoryError("progress.ModuleIDs", err, "コースが見つかりません")
	}
	return nonNil(resp.ModuleIDs), nil
}

// ItemIDs はGET /api/v1/modules/:id/items の結果を返す。
func (h *HTTPInventory) ItemIDs(ctx context.Context, moduleID string) ([]string, error) {
	var resp struct {
		ItemIDs []string `json:"item_ids"`
	}
	path := "/api/v1/modules/" + url.PathEscape(moduleID) + "/items"
	if err := h.client.GetJSON(ctx, path, &resp); err != nil {
		return nil, inventoryError("progress.ItemIDs", err, "モジュールが見つかりません")
	}
	return nonNil(resp.ItemIDs), nil
}

// inventoryError は構成取得の失敗を分類する。404は対象なし、それ以外はストレージ障害として扱う。
func inventoryError(op string, err error, notFoundMsg string) error {
	var se *httpclient.StatusError
	if errors.As(err, &se) && se.StatusCode == http.StatusNotFound {
		return apperr.NotFound(op, notFoundMsg)
	}
	return apperr.Storage(op, err)
}

func nonNil(ids []string) []string {
	if ids == nil {
		return []string{}
	}
	return ids
}
