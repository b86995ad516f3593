// Package targeting は配信対象となる購読の選択を提供する。
package targeting

import (
	"context"

	"github.com/hitoshi/newsbell/internal/model"
	"github.com/hitoshi/newsbell/internal/repository"
)

// Lister はactiveな購読の一覧を取得する。
type Lister interface {
	ListActive(ctx context.Context, filter *model.CategoryFilter) ([]*model.Subscription, error)
}

// Selector はカテゴリ設定に基づいて配信対象を選択する。
type Selector struct {
	repo Lister
}

// NewSelector はSelectorを生成する。
func NewSelector(repo Lister) *Selector {
	return &Selector{repo: repo}
}

var _ Lister = (repository.PushSubscriptionRepository)(nil)

// SelectRecipients は allArticles購読者と、カテゴリが1つ以上一致する購読者の和集合を返す。
// categoriesが空の場合はallArticles購読者のみを返す。
// 同じ購読は1度だけ含まれ、ストアが返した順序を保つ。
func (s *Selector) SelectRecipients(ctx context.Context, categories []string) ([]*model.Subscription, error) {
	subs, err := s.repo.ListActive(ctx, &model.CategoryFilter{Categories: categories})
	if err != nil {
		return nil, err
	}
	return dedupe(subs), nil
}

// SelectAll はカテゴリ設定に関わらずすべてのactive購読を返す。
func (s *Selector) SelectAll(ctx context.Context) ([]*model.Subscription, error) {
	subs, err := s.repo.ListActive(ctx, nil)
	if err != nil {
		return nil, err
	}
	return dedupe(subs), nil
}

func dedupe(subs []*model.Subscription) []*model.Subscription {
	seen := make(map[string]struct{}, len(subs))
	out := make([]*model.Subscription, 0, len(subs))
	for _, sub := range subs {
		if sub.Status != model.StatusActive {
			continue
		}
		if _, ok := seen[sub.ID]; ok {
			continue
		}
		seen[sub.ID] = struct{}{}
		out = append(out, sub)
	}
	return out
}
