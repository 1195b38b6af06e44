package notification

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/nao1215/learnhub/internal/broadcast"
	"github.com/nao1215/learnhub/pkg/apperr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTracker_MarkReadIsIdempotent(t *testing.T) {
	t.Parallel()
	s, _ := newTestStore(t)
	rec := newRecorder()
	tracker := NewTracker(s, rec)
	ctx := context.Background()

	n := appendN(t, s, "r", 1)[0]

	changed, err := tracker.MarkRead(ctx, n.ID, "r")
	require.NoError(t, err)
	assert.True(t, changed)
	first, err := s.Get(ctx, n.ID, "r")
	require.NoError(t, err)

	changed, err = tracker.MarkRead(ctx, n.ID, "r")
	require.NoError(t, err)
	assert.False(t, changed)
	second, err := s.Get(ctx, n.ID, "r")
	require.NoError(t, err)

	// 2回目で既読日時は変わらない
	require.NotNil(t, first.ReadAt)
	assert.True(t, first.ReadAt.Equal(*second.ReadAt))

	// ヒントは遷移したときだけ送る
	msgs := rec.get("r")
	require.Len(t, msgs, 1)
	assert.Equal(t, broadcast.KindRead, msgs[0].Kind)
	assert.Equal(t, n.ID, msgs[0].ID)
}

func TestTracker_MarkReadNotFound(t *testing.T) {
	t.Parallel()
	s, _ := newTestStore(t)
	rec := newRecorder()
	tracker := NewTracker(s, rec)
	ctx := context.Background()

	n := appendN(t, s, "owner", 1)[0]

	t.Run("他人の通知", func(t *testing.T) {
		_, err := tracker.MarkRead(ctx, n.ID, "intruder")
		assert.ErrorIs(t, err, apperr.ErrNotFound)
	})
	t.Run("存在しない通知", func(t *testing.T) {
		_, err := tracker.MarkRead(ctx, "missing", "owner")
		assert.ErrorIs(t, err, apperr.ErrNotFound)
	})
	t.Run("空のID", func(t *testing.T) {
		_, err := tracker.MarkRead(ctx, "", "owner")
		assert.ErrorIs(t, err, apperr.ErrNotFound)
	})

	unread, err := s.UnreadCount(ctx, "owner")
	require.NoError(t, err)
	assert.Equal(t, 1, unread)
	assert.Empty(t, rec.get("owner"))
	assert.Empty(t, rec.get("intruder"))
}

func TestTracker_ReadAtNeverBeforeCreatedAt(t *testing.T) {
	t.Parallel()
	s, clock := newTestStore(t)
	tracker := NewTracker(s, nil)
	ctx := context.Background()

	n := appendN(t, s, "r", 1)[0]
	// 時計が巻き戻っても既読日時は作成日時以降になる
	clock.set(n.CreatedAt.Add(-time.Hour))

	_, err := tracker.MarkRead(ctx, n.ID, "r")
	require.NoError(t, err)
	got, err := s.Get(ctx, n.ID, "r")
	require.NoError(t, err)
	require.NotNil(t, got.ReadAt)
	assert.True(t, got.ReadAt.Equal(got.CreatedAt))
}

func TestTracker_ConcurrentMarkRead(t *testing.T) {
	t.Parallel()
	s, _ := newTestStore(t)
	tracker := NewTracker(s, nil)
	ctx := context.Background()

	n := appendN(t, s, "r", 1)[0]
	appendN(t, s, "r", 2)

	var changedCount atomic.Int32
	var wg sync.WaitGroup
	for iter := 0; iter < 16; iter++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			changed, err := tracker.MarkRead(ctx, n.ID, "r")
			assert.NoError(t, err)
			if changed {
				changedCount.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), changedCount.Load())
	unread, err := s.UnreadCount(ctx, "r")
	require.NoError(t, err)
	assert.Equal(t, 2, unread)
}

func TestTracker_MarkAllRead(t *testing.T) {
	t.Parallel()
	s, _ := newTestStore(t)
	rec := newRecorder()
	tracker := NewTracker(s, rec)
	ctx := context.Background()

	created := appendN(t, s, "r", 5)
	appendN(t, s, "other", 3)
	_, err := tracker.MarkRead(ctx, created[0].ID, "r")
	require.NoError(t, err)

	updated, err := tracker.MarkAllRead(ctx, "r")
	require.NoError(t, err)
	assert.Equal(t, int64(4), updated)

	unread, err := s.UnreadCount(ctx, "r")
	require.NoError(t, err)
	assert.Equal(t, 0, unread)

	// 他の受信者には影響しない
	other, err := s.UnreadCount(ctx, "other")
	require.NoError(t, err)
	assert.Equal(t, 3, other)

	// 2回目は何も変わらずヒントも送らない
	updated, err = tracker.MarkAllRead(ctx, "r")
	require.NoError(t, err)
	assert.Equal(t, int64(0), updated)

	msgs := rec.get("r")
	require.Len(t, msgs, 2)
	assert.Equal(t, broadcast.KindRead, msgs[0].Kind)
	assert.Equal(t, broadcast.KindReadAll, msgs[1].Kind)

	_, err = tracker.MarkAllRead(ctx, "")
	assert.ErrorIs(t, err, apperr.ErrValidation)
}

func TestTracker_UnreadCountMatchesRowsUnderInterleaving(t *testing.T) {
	t.Parallel()
	s, _ := newTestStore(t)
	tracker := NewTracker(s, nil)
	ctx := context.Background()

	seed := appendN(t, s, "r", 10)

	var wg sync.WaitGroup
	wg.Add(3)
	go func() {
		defer wg.Done()
		for i := 0; i < 10; i++ {
			_, err := s.Append(ctx, Draft{RecipientID: "r", Title: "追加", Message: string(rune('a' + i))})
			assert.NoError(t, err)
		}
	}()
	go func() {
		defer wg.Done()
		for _, n := range seed {
			_, err := tracker.MarkRead(ctx, n.ID, "r")
			assert.NoError(t, err)
		}
	}()
	go func() {
		defer wg.Done()
		for iter := 0; iter < 3; iter++ {
			_, err := tracker.MarkAllRead(ctx, "r")
			assert.NoError(t, err)
		}
	}()
	wg.Wait()

	all, err := s.Recent(ctx, "r", MaxLimit)
	require.NoError(t, err)
	require.Len(t, all, 20)
	want := 0
	for _, n := range all {
		if !n.IsRead() {
			want++
		}
		if n.ReadAt != nil {
			assert.False(t, n.ReadAt.Before(n.CreatedAt))
		}
	}
	unread, err := s.UnreadCount(ctx, "r")
	require.NoError(t, err)
	assert.Equal(t, want, unread)
	assert.GreaterOrEqual(t, unread, 0)
}
