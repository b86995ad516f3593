package repository

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/hitoshi/newsbell/internal/model"
)

// errMemoryUnavailable は障害注入時に返される原因エラー。
var errMemoryUnavailable = errors.New("memory store unavailable")

// MemoryPushSubscriptionRepo はプロセス内メモリを使用したプッシュ購読リポジトリ。
// 開発環境とテストで使用する。すべての操作はミューテックスで直列化される。
type MemoryPushSubscriptionRepo struct {
	mu          sync.Mutex
	byEndpoint  map[string]*model.Subscription
	now         func() time.Time
	unavailable bool
}

// NewMemoryPushSubscriptionRepo はMemoryPushSubscriptionRepoを生成する。
// nowがnilの場合はtime.Nowを使用する。
func NewMemoryPushSubscriptionRepo(now func() time.Time) *MemoryPushSubscriptionRepo {
	if now == nil {
		now = time.Now
	}
	return &MemoryPushSubscriptionRepo{
		byEndpoint: make(map[string]*model.Subscription),
		now:        now,
	}
}

var _ PushSubscriptionRepository = (*MemoryPushSubscriptionRepo)(nil)

// SetUnavailable はストア障害を模擬する。trueの間はすべての操作がStoreUnavailableを返す。
func (r *MemoryPushSubscriptionRepo) SetUnavailable(v bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.unavailable = v
}

// Put は購読をそのまま格納する。テストデータの投入に使用する。
func (r *MemoryPushSubscriptionRepo) Put(sub *model.Subscription) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.byEndpoint[sub.Endpoint] = copySubscription(sub)
}

func (r *MemoryPushSubscriptionRepo) check(op string) error {
	if r.unavailable {
		return model.NewStoreUnavailableError(op, errMemoryUnavailable)
	}
	return nil
}

// FindByEndpoint はエンドポイントで購読を検索する。見つからない場合はnilを返す。
func (r *MemoryPushSubscriptionRepo) FindByEndpoint(_ context.Context, endpoint string) (*model.Subscription, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.check("購読の取得"); err != nil {
		return nil, err
	}
	sub, ok := r.byEndpoint[endpoint]
	if !ok {
		return nil, nil
	}
	return copySubscription(sub), nil
}

// Upsert はエンドポイントをキーに購読を作成または更新する。
func (r *MemoryPushSubscriptionRepo) Upsert(_ context.Context, reg model.Registration) (*model.Subscription, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.check("購読の登録"); err != nil {
		return nil, false, err
	}

	now := r.now()
	existing, ok := r.byEndpoint[reg.Endpoint]
	if !ok {
		md := reg.Metadata
		if md.SubscribedAt.IsZero() {
			md.SubscribedAt = now
		}
		sub := &model.Subscription{
			ID:          uuid.New().String(),
			Endpoint:    reg.Endpoint,
			Keys:        reg.Keys,
			Status:      model.StatusActive,
			Preferences: model.DefaultPreferences(),
			UserAgent:   reg.UserAgent,
			UserID:      reg.UserID,
			Metadata:    md,
			LastUsed:    &now,
			CreatedAt:   now,
			UpdatedAt:   now,
		}
		r.byEndpoint[reg.Endpoint] = sub
		return copySubscription(sub), true, nil
	}

	existing.Keys = reg.Keys
	existing.Status = model.StatusActive
	existing.UserAgent = reg.UserAgent
	existing.UserID = reg.UserID
	existing.Metadata.Browser = reg.Metadata.Browser
	existing.Metadata.OS = reg.Metadata.OS
	existing.LastUsed = &now
	existing.UpdatedAt = now
	return copySubscription(existing), false, nil
}

// ListActive はstatus=activeの購読を作成日時順に返す。
func (r *MemoryPushSubscriptionRepo) ListActive(_ context.Context, filter *model.CategoryFilter) ([]*model.Subscription, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.check("配信対象の取得"); err != nil {
		return nil, err
	}

	var subs []*model.Subscription
	for _, sub := range r.byEndpoint {
		if sub.Status != model.StatusActive {
			continue
		}
		if filter != nil && !sub.Preferences.Matches(filter.Categories) {
			continue
		}
		subs = append(subs, copySubscription(sub))
	}
	sortByCreated(subs)
	return subs, nil
}

// SetStatus は購読の状態を更新する。
func (r *MemoryPushSubscriptionRepo) SetStatus(_ context.Context, id string, status model.SubscriptionStatus) error {
	if !status.Valid() {
		return fmt.Errorf("不正な購読状態です: %s", status)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.check("購読状態の更新"); err != nil {
		return err
	}
	sub := r.findByIDLocked(id)
	if sub == nil {
		return fmt.Errorf("購読状態の更新: %s: %w", id, ErrNotFound)
	}
	sub.Status = status
	sub.UpdatedAt = r.now()
	return nil
}

// TouchLastUsed はlast_usedを現在時刻に更新する。
func (r *MemoryPushSubscriptionRepo) TouchLastUsed(_ context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.check("最終利用日時の更新"); err != nil {
		return err
	}
	sub := r.findByIDLocked(id)
	if sub == nil {
		return fmt.Errorf("最終利用日時の更新: %s: %w", id, ErrNotFound)
	}
	now := r.now()
	sub.LastUsed = &now
	sub.UpdatedAt = now
	return nil
}

// UpdatePreferences は配信設定を更新する。見つからない場合はnilを返す。
func (r *MemoryPushSubscriptionRepo) UpdatePreferences(_ context.Context, endpoint string, prefs model.Preferences) (*model.Subscription, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.check("配信設定の更新"); err != nil {
		return nil, err
	}
	sub, ok := r.byEndpoint[endpoint]
	if !ok {
		return nil, nil
	}
	sub.Preferences = model.Preferences{
		Categories:  append([]string{}, prefs.Categories...),
		AllArticles: prefs.AllArticles,
	}
	sub.UpdatedAt = r.now()
	return copySubscription(sub), nil
}

// Remove はエンドポイントで指定した購読を削除する。
func (r *MemoryPushSubscriptionRepo) Remove(_ context.Context, endpoint string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.check("購読の削除"); err != nil {
		return false, err
	}
	if _, ok := r.byEndpoint[endpoint]; !ok {
		return false, nil
	}
	delete(r.byEndpoint, endpoint)
	return true, nil
}

// CountByStatus は状態ごとの件数を返す。
func (r *MemoryPushSubscriptionRepo) CountByStatus(_ context.Context) (model.SubscriptionStats, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.check("購読数の集計"); err != nil {
		return model.SubscriptionStats{}, err
	}

	var stats model.SubscriptionStats
	for _, sub := range r.byEndpoint {
		stats.Total++
		switch sub.Status {
		case model.StatusActive:
			stats.Active++
		case model.StatusInactive:
			stats.Inactive++
		case model.StatusInvalid:
			stats.Invalid++
		}
	}
	return stats, nil
}

// ListSweepable はクリーンアップ対象の購読を返す。
func (r *MemoryPushSubscriptionRepo) ListSweepable(_ context.Context, cutoff time.Time) ([]*model.Subscription, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.check("クリーンアップ対象の取得"); err != nil {
		return nil, err
	}

	var subs []*model.Subscription
	for _, sub := range r.byEndpoint {
		if isSweepable(sub, cutoff) {
			subs = append(subs, copySubscription(sub))
		}
	}
	sortByCreated(subs)
	return subs, nil
}

// RemoveIfSweepable は削除時点でもクリーンアップ条件を満たす場合に限り購読を削除する。
func (r *MemoryPushSubscriptionRepo) RemoveIfSweepable(_ context.Context, id string, cutoff time.Time) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.check("購読の削除"); err != nil {
		return false, err
	}
	sub := r.findByIDLocked(id)
	if sub == nil || !isSweepable(sub, cutoff) {
		return false, nil
	}
	delete(r.byEndpoint, sub.Endpoint)
	return true, nil
}

// isSweepable は status=invalid、または COALESCE(last_used, created_at) < cutoff を判定する。
func isSweepable(sub *model.Subscription, cutoff time.Time) bool {
	lastSeen := sub.CreatedAt
	if sub.LastUsed != nil {
		lastSeen = *sub.LastUsed
	}
	return sub.Status == model.StatusInvalid || lastSeen.Before(cutoff)
}

func (r *MemoryPushSubscriptionRepo) findByIDLocked(id string) *model.Subscription {
	for _, sub := range r.byEndpoint {
		if sub.ID == id {
			return sub
		}
	}
	return nil
}

func sortByCreated(subs []*model.Subscription) {
	sort.SliceStable(subs, func(i, j int) bool {
		if subs[i].CreatedAt.Equal(subs[j].CreatedAt) {
			return subs[i].ID < subs[j].ID
		}
		return subs[i].CreatedAt.Before(subs[j].CreatedAt)
	})
}

func copySubscription(sub *model.Subscription) *model.Subscription {
	c := *sub
	c.Preferences.Categories = append([]string{}, sub.Preferences.Categories...)
	if sub.LastUsed != nil {
		t := *sub.LastUsed
		c.LastUsed = &t
	}
	return &c
}
