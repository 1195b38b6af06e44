package progress

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"sync/atomic"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/nao1215/learnhub/pkg/apperr"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"
)

// キャッシュの既定値。
const (
	DefaultCacheSize = 1024
	DefaultCacheTTL  = time.Minute
)

// inventoryConcurrency はコース集計時にモジュール構成を同時に取得する数の上限。
const inventoryConcurrency = 8

// learnerGenFactor は集計結果のキャッシュ容量に対する、学習者ごとの世代を保持する数の倍率。
const learnerGenFactor = 4

// Aggregator は学習者の進捗サマリーを集計する。
//
// 集計結果はLRUキャッシュに保持する。キャッシュキーには学習者ごとの世代とコース構成の世代を含め、
// 完了状態や構成が変わると世代を進めるため、古い集計結果が読まれることはない。
// 同じキーの集計が同時に要求された場合は1回だけ実行する。
//
// 世代は全学習者で共通の連番から採番し、集計結果と同じ有効期間のLRUに保持する。
// 追い出された学習者の世代はgenFloor（追い出された世代の最大値）として扱うため、
// 世代が過去の値に戻ることはない。
type Aggregator struct {
	store     *Store
	inventory Inventory

	cache *expirable.LRU[string, *CourseProgress]
	group singleflight.Group

	learnerGen *expirable.LRU[string, uint64]
	genSeq     atomic.Uint64
	genFloor   atomic.Uint64
	catalogGen atomic.Uint64
}

// AggregatorOption はAggregatorの設定を変更する。
type AggregatorOption func(*aggregatorConfig)

type aggregatorConfig struct {
	cacheSize int
	cacheTTL  time.Duration
}

// WithCache はキャッシュの最大エントリ数と有効期間を設定する。
func WithCache(size int, ttl time.Duration) AggregatorOption {
	return func(c *aggregatorConfig) {
		if size > 0 {
			c.cacheSize = size
		}
		if ttl > 0 {
			c.cacheTTL = ttl
		}
	}
}

// changeNotifier は構成の変更を通知できるInventory。
type changeNotifier interface {
	OnChange(fn func())
}

// NewAggregator は新しいAggregatorを生成する。
// storeへの書き込みとinventoryの構成変更（CatalogStoreの場合）でキャッシュを無効化する。
func NewAggregator(store *Store, inventory Inventory, opts ...AggregatorOption) *Aggregator {
	cfg := aggregatorConfig{cacheSize: DefaultCacheSize, cacheTTL: DefaultCacheTTL}
	for _, opt := range opts {
		opt(&cfg)
	}

	a := &Aggregator{
		store:     store,
		inventory: inventory,
		cache:     expirable.NewLRU[string, *CourseProgress](cfg.cacheSize, nil, cfg.cacheTTL),
	}
	a.learnerGen = expirable.NewLRU[string, uint64](cfg.cacheSize*learnerGenFactor, a.raiseFloor, cfg.cacheTTL)
	store.OnChange(a.InvalidateLearner)
	if n, ok := inventory.(changeNotifier); ok {
		n.OnChange(a.InvalidateCatalog)
	}
	return a
}

// InvalidateLearner は学習者の集計結果を無効にする。
func (a *Aggregator) InvalidateLearner(learnerID string) {
	a.learnerGen.Add(learnerID, a.genSeq.Add(1))
}

// raiseFloor は追い出された世代でgenFloorを引き上げる。
func (a *Aggregator) raiseFloor(_ string, gen uint64) {
	for {
		cur := a.genFloor.Load()
		if gen <= cur || a.genFloor.CompareAndSwap(cur, gen) {
			return
		}
	}
}

// generation は学習者の現在の世代を返す。
func (a *Aggregator) generation(learnerID string) uint64 {
	if gen, ok := a.learnerGen.Get(learnerID); ok {
		return gen
	}
	return a.genFloor.Load()
}

// InvalidateCatalog はすべての集計結果を無効にする。
func (a *Aggregator) InvalidateCatalog() {
	a.catalogGen.Add(1)
}

// cacheKey は学習者と集計単位に対するキャッシュキーを返す。
func (a *Aggregator) cacheKey(learnerID string, scope Scope) string {
	return fmt.Sprintf("%q/%d/%d/%s", learnerID, a.generation(learnerID), a.catalogGen.Load(), scope)
}

// Summarize は学習者の集計単位での進捗サマリーを返す。
// 完了状態の行がない学習項目は未着手として数える。
func (a *Aggregator) Summarize(ctx context.Context, learnerID string, scope Scope) (Summary, error) {
	cp, err := a.progress(ctx, learnerID, scope)
	if err != nil {
		return Summary{}, err
	}
	return cp.Summary, nil
}

// CourseBreakdown はコース全体とモジュールごとの進捗を返す。
// いずれも同じ完了状態の読み取り結果から集計する。
func (a *Aggregator) CourseBreakdown(ctx context.Context, learnerID, courseID string) (CourseProgress, error) {
	cp, err := a.progress(ctx, learnerID, Scope{Kind: ScopeCourse, ID: courseID})
	if err != nil {
		return CourseProgress{}, err
	}
	return CourseProgress{Summary: cp.Summary, Modules: slices.Clone(cp.Modules)}, nil
}

// progress はキャッシュを参照し、なければ集計する。
func (a *Aggregator) progress(ctx context.Context, learnerID string, scope Scope) (*CourseProgress, error) {
	if strings.TrimSpace(learnerID) == "" {
		return nil, apperr.Validation("progress.Summarize", "学習者IDが必要です")
	}
	if err := scope.Validate(); err != nil {
		return nil, err
	}

	key := a.cacheKey(learnerID, scope)
	if cp, ok := a.cache.Get(key); ok {
		return cp, nil
	}

	// 集計は相乗りした全員のためのものなので、最初の呼び出し元の切断では中断しない。
	// 上限時間はストアと構成取得の側で設ける。
	ch := a.group.DoChan(key, func() (any, error) {
		cp, err := a.compute(context.WithoutCancel(ctx), learnerID, scope)
		if err != nil {
			return nil, err
		}
		a.cache.Add(key, cp)
		return cp, nil
	})
	select {
	case <-ctx.Done():
		return nil, apperr.Storage("progress.Summarize", ctx.Err())
	case r := <-ch:
		if r.Err != nil {
			return nil, r.Err
		}
		return r.Val.(*CourseProgress), nil
	}
}

// compute は構成を列挙し、完了状態を1回で読み取って集計する。
func (a *Aggregator) compute(ctx context.Context, learnerID string, scope Scope) (*CourseProgress, error) {
	switch scope.Kind {
	case ScopeItem:
		return a.summarizeItems(ctx, learnerID, scope, []string{scope.ID})
	case ScopeModule:
		items, err := a.inventory.ItemIDs(ctx, scope.ID)
		if err != nil {
			return nil, apperr.Storage("progress.Summarize", err)
		}
		return a.summarizeItems(ctx, learnerID, scope, items)
	default:
		return a.summarizeCourse(ctx, learnerID, scope)
	}
}

func (a *Aggregator) summarizeItems(ctx context.Context, learnerID string, scope Scope, items []string) (*CourseProgress, error) {
	completions, err := a.store.Lookup(ctx, learnerID, items)
	if err != nil {
		return nil, err
	}
	s := Summary{Scope: scope, LearnerID: learnerID}
	for _, id := range items {
		c, ok := completions[id]
		s.count(c, ok)
	}
	s.finish()
	return &CourseProgress{Summary: s}, nil
}

// summarizeCourse はコースに含まれる全モジュールの学習項目を平坦に集計する。
// 複数のモジュールに含まれる学習項目はモジュールごとに数えるため、
// コースのサマリーはモジュールのサマリーの合計と常に一致する。
func (a *Aggregator) summarizeCourse(ctx context.Context, learnerID string, scope Scope) (*CourseProgress, error) {
	const op = "progress.Summarize"
	moduleIDs, err := a.inventory.ModuleIDs(ctx, scope.ID)
	if err != nil {
		return nil, apperr.Storage(op, err)
	}

	itemsByModule := make([][]string, len(moduleIDs))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(inventoryConcurrency)
	for i, moduleID := range moduleIDs {
		i, moduleID := i, moduleID
		g.Go(func() error {
			items, err := a.inventory.ItemIDs(gctx, moduleID)
			if err != nil {
				return apperr.Storage(op, err)
			}
			itemsByModule[i] = items
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	var all []string
	seen := make(map[string]struct{})
	for _, items := range itemsByModule {
		for _, id := range items {
			if _, ok := seen[id]; !ok {
				seen[id] = struct{}{}
				all = append(all, id)
			}
		}
	}
	completions, err := a.store.Lookup(ctx, learnerID, all)
	if err != nil {
		return nil, err
	}

	cp := &CourseProgress{
		Summary: Summary{Scope: scope, LearnerID: learnerID},
		Modules: make([]Summary, 0, len(moduleIDs)),
	}
	for i, moduleID := range moduleIDs {
		m := Summary{Scope: Scope{Kind: ScopeModule, ID: moduleID}, LearnerID: learnerID}
		for _, id := range itemsByModule[i] {
			c, ok := completions[id]
			m.count(c, ok)
		}
		m.finish()
		cp.Modules = append(cp.Modules, m)
		cp.Summary.add(m)
	}
	cp.Summary.finish()
	return cp, nil
}
