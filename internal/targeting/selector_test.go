package targeting

import (
	"context"
	"errors"
	"testing"

	"github.com/hitoshi/newsbell/internal/model"
	"github.com/hitoshi/newsbell/internal/repository"
)

type mockLister struct {
	listActiveFn func(ctx context.Context, filter *model.CategoryFilter) ([]*model.Subscription, error)
}

func (m *mockLister) ListActive(ctx context.Context, filter *model.CategoryFilter) ([]*model.Subscription, error) {
	return m.listActiveFn(ctx, filter)
}

func active(id string) *model.Subscription {
	return &model.Subscription{ID: id, Status: model.StatusActive}
}

// ストアが同じ購読を重複して返しても、結果には1度だけ含まれる。
func TestSelectRecipients_Dedupes(t *testing.T) {
	lister := &mockLister{listActiveFn: func(_ context.Context, filter *model.CategoryFilter) ([]*model.Subscription, error) {
		if filter == nil {
			t.Fatal("expected category filter")
		}
		return []*model.Subscription{active("a"), active("b"), active("a"), active("c"), active("b")}, nil
	}}

	subs, err := NewSelector(lister).SelectRecipients(context.Background(), []string{"Tech"})
	if err != nil {
		t.Fatalf("SelectRecipients: %v", err)
	}
	want := []string{"a", "b", "c"}
	if len(subs) != len(want) {
		t.Fatalf("got %d, want %d", len(subs), len(want))
	}
	for i, id := range want {
		if subs[i].ID != id {
			t.Errorf("subs[%d] = %s, want %s", i, subs[i].ID, id)
		}
	}
}

func TestSelectRecipients_SkipsNonActive(t *testing.T) {
	lister := &mockLister{listActiveFn: func(context.Context, *model.CategoryFilter) ([]*model.Subscription, error) {
		return []*model.Subscription{active("a"), {ID: "x", Status: model.StatusInvalid}}, nil
	}}
	subs, _ := NewSelector(lister).SelectRecipients(context.Background(), nil)
	if len(subs) != 1 || subs[0].ID != "a" {
		t.Errorf("expected only active subscription, got %d", len(subs))
	}
}

func TestSelectRecipients_PropagatesStoreError(t *testing.T) {
	storeErr := model.NewStoreUnavailableError("配信対象の取得", errors.New("down"))
	lister := &mockLister{listActiveFn: func(context.Context, *model.CategoryFilter) ([]*model.Subscription, error) {
		return nil, storeErr
	}}
	_, err := NewSelector(lister).SelectRecipients(context.Background(), []string{"Tech"})
	if !errors.Is(err, storeErr) {
		t.Errorf("expected store error, got %v", err)
	}
}

// 実ストアを使い、カテゴリ一致、allArticles、除外、invalidの扱いを確認する。
func TestSelector_WithMemoryStore(t *testing.T) {
	repo := repository.NewMemoryPushSubscriptionRepo(nil)
	ctx := context.Background()

	put := func(endpoint string, prefs model.Preferences, status model.SubscriptionStatus) string {
		sub, _, _ := repo.Upsert(ctx, model.Registration{Endpoint: endpoint, Keys: model.Keys{P256dh: "p", Auth: "a"}})
		repo.UpdatePreferences(ctx, endpoint, prefs)
		if status != model.StatusActive {
			repo.SetStatus(ctx, sub.ID, status)
		}
		return sub.ID
	}

	everyone := put("https://push.example.com/1", model.DefaultPreferences(), model.StatusActive)
	tech := put("https://push.example.com/2", model.Preferences{Categories: []string{"Tech"}}, model.StatusActive)
	sports := put("https://push.example.com/3", model.Preferences{Categories: []string{"Sports"}}, model.StatusActive)
	put("https://push.example.com/4", model.DefaultPreferences(), model.StatusInvalid)

	s := NewSelector(repo)
	ids := func(subs []*model.Subscription, err error) map[string]bool {
		t.Helper()
		if err != nil {
			t.Fatalf("select: %v", err)
		}
		m := map[string]bool{}
		for _, s := range subs {
			m[s.ID] = true
		}
		return m
	}

	got := ids(s.SelectRecipients(ctx, []string{"Tech", "Science"}))
	if !got[everyone] || !got[tech] || got[sports] || len(got) != 2 {
		t.Errorf("Tech/Science recipients = %v", got)
	}

	got = ids(s.SelectRecipients(ctx, nil))
	if !got[everyone] || len(got) != 1 {
		t.Errorf("uncategorised recipients = %v, want allArticles only", got)
	}

	got = ids(s.SelectAll(ctx))
	if len(got) != 3 {
		t.Errorf("SelectAll returned %d, want 3 active", len(got))
	}
}
