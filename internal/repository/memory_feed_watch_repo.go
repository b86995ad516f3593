package repository

import (
	"context"
	"sync"
)

// MemoryFeedWatchStateRepo はプロセス内メモリを使用したフィード監視状態リポジトリ。
type MemoryFeedWatchStateRepo struct {
	mu     sync.Mutex
	states map[string]FeedWatchState
}

// NewMemoryFeedWatchStateRepo はMemoryFeedWatchStateRepoを生成する。
func NewMemoryFeedWatchStateRepo() *MemoryFeedWatchStateRepo {
	return &MemoryFeedWatchStateRepo{states: make(map[string]FeedWatchState)}
}

var _ FeedWatchStateRepository = (*MemoryFeedWatchStateRepo)(nil)

// Find はフィードURLの監視状態を取得する。
func (r *MemoryFeedWatchStateRepo) Find(_ context.Context, feedURL string) (*FeedWatchState, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	state, ok := r.states[feedURL]
	if !ok {
		return nil, nil
	}
	return &state, nil
}

// Save は監視状態を保存する。
func (r *MemoryFeedWatchStateRepo) Save(_ context.Context, state *FeedWatchState) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.states[state.FeedURL] = *state
	return nil
}
