package repository

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/hitoshi/newsbell/internal/model"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newTestRepo() (*MemoryPushSubscriptionRepo, *fakeClock) {
	clock := &fakeClock{now: time.Date(2026, 1, 5, 9, 0, 0, 0, time.UTC)}
	return NewMemoryPushSubscriptionRepo(clock.Now), clock
}

func reg(endpoint string) model.Registration {
	return model.Registration{
		Endpoint: endpoint,
		Keys:     model.Keys{P256dh: "p256dh-" + endpoint, Auth: "auth-" + endpoint},
	}
}

func TestMemoryRepo_Upsert_CreatesWithDefaults(t *testing.T) {
	repo, clock := newTestRepo()

	sub, created, err := repo.Upsert(context.Background(), reg("https://push.example.com/a"))
	if err != nil {
		t.Fatalf("Upsert: %v", err)
	}
	if !created {
		t.Error("first registration should report created")
	}
	if sub.ID == "" {
		t.Error("expected ID to be assigned")
	}
	if sub.Status != model.StatusActive {
		t.Errorf("Status = %q, want active", sub.Status)
	}
	if !sub.Preferences.AllArticles || len(sub.Preferences.Categories) != 0 {
		t.Errorf("Preferences = %+v, want allArticles with no categories", sub.Preferences)
	}
	if sub.LastUsed == nil || !sub.LastUsed.Equal(clock.Now()) {
		t.Errorf("LastUsed = %v, want %v on first registration", sub.LastUsed, clock.Now())
	}
	if sub.Metadata.SubscribedAt.IsZero() {
		t.Error("SubscribedAt should default to now")
	}
}

func TestMemoryRepo_Upsert_SameEndpointUpdatesInPlace(t *testing.T) {
	repo, clock := newTestRepo()
	ctx := context.Background()

	first, _, _ := repo.Upsert(ctx, reg("https://push.example.com/a"))
	if err := repo.SetStatus(ctx, first.ID, model.StatusInvalid); err != nil {
		t.Fatalf("SetStatus: %v", err)
	}
	if _, err := repo.UpdatePreferences(ctx, first.Endpoint, model.Preferences{Categories: []string{"Tech"}}); err != nil {
		t.Fatalf("UpdatePreferences: %v", err)
	}

	clock.Advance(time.Hour)
	r := reg("https://push.example.com/a")
	r.Keys = model.Keys{P256dh: "new-p", Auth: "new-a"}
	second, created, err := repo.Upsert(ctx, r)
	if err != nil {
		t.Fatalf("Upsert: %v", err)
	}
	if created {
		t.Error("re-registration should not report created")
	}

	if second.ID != first.ID {
		t.Errorf("ID changed: %s -> %s", first.ID, second.ID)
	}
	if second.Keys.P256dh != "new-p" || second.Keys.Auth != "new-a" {
		t.Errorf("Keys not updated: %+v", second.Keys)
	}
	if second.Status != model.StatusActive {
		t.Errorf("Status = %q, want active after re-registration", second.Status)
	}
	if second.LastUsed == nil || !second.LastUsed.Equal(clock.Now()) {
		t.Errorf("LastUsed = %v, want %v", second.LastUsed, clock.Now())
	}
	if second.Preferences.AllArticles || len(second.Preferences.Categories) != 1 {
		t.Errorf("Preferences should be kept across re-registration, got %+v", second.Preferences)
	}

	stats, _ := repo.CountByStatus(ctx)
	if stats.Total != 1 {
		t.Errorf("Total = %d, want 1", stats.Total)
	}
}

func TestMemoryRepo_Upsert_ConcurrentSameEndpoint_SingleRecord(t *testing.T) {
	repo, _ := newTestRepo()
	ctx := context.Background()

	var wg sync.WaitGroup
	ids := make(chan string, 50)
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			sub, _, err := repo.Upsert(ctx, reg("https://push.example.com/same"))
			if err != nil {
				t.Errorf("Upsert: %v", err)
				return
			}
			ids <- sub.ID
		}()
	}
	wg.Wait()
	close(ids)

	seen := map[string]bool{}
	for id := range ids {
		seen[id] = true
	}
	if len(seen) != 1 {
		t.Errorf("expected a single subscription ID, got %d", len(seen))
	}
	stats, _ := repo.CountByStatus(ctx)
	if stats.Total != 1 {
		t.Errorf("Total = %d, want 1", stats.Total)
	}
}

func TestMemoryRepo_ListActive_Filter(t *testing.T) {
	repo, clock := newTestRepo()
	ctx := context.Background()

	all, _, _ := repo.Upsert(ctx, reg("https://push.example.com/all"))
	clock.Advance(time.Second)
	tech, _, _ := repo.Upsert(ctx, reg("https://push.example.com/tech"))
	repo.UpdatePreferences(ctx, tech.Endpoint, model.Preferences{Categories: []string{"Tech"}})
	clock.Advance(time.Second)
	sports, _, _ := repo.Upsert(ctx, reg("https://push.example.com/sports"))
	repo.UpdatePreferences(ctx, sports.Endpoint, model.Preferences{Categories: []string{"Sports"}})
	clock.Advance(time.Second)
	dead, _, _ := repo.Upsert(ctx, reg("https://push.example.com/dead"))
	repo.SetStatus(ctx, dead.ID, model.StatusInvalid)

	tests := []struct {
		name   string
		filter *model.CategoryFilter
		want   []string
	}{
		{"nil filter returns all active", nil, []string{all.ID, tech.ID, sports.ID}},
		{"category match", &model.CategoryFilter{Categories: []string{"Tech"}}, []string{all.ID, tech.ID}},
		{"empty categories match allArticles only", &model.CategoryFilter{}, []string{all.ID}},
		{"unknown category", &model.CategoryFilter{Categories: []string{"Food"}}, []string{all.ID}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			subs, err := repo.ListActive(ctx, tt.filter)
			if err != nil {
				t.Fatalf("ListActive: %v", err)
			}
			if len(subs) != len(tt.want) {
				t.Fatalf("got %d subscriptions, want %d", len(subs), len(tt.want))
			}
			for i, sub := range subs {
				if sub.ID != tt.want[i] {
					t.Errorf("subs[%d].ID = %s, want %s", i, sub.ID, tt.want[i])
				}
			}
		})
	}
}

func TestMemoryRepo_SetStatus_UnknownID_ReturnsErrNotFound(t *testing.T) {
	repo, _ := newTestRepo()
	err := repo.SetStatus(context.Background(), "missing", model.StatusInvalid)
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestMemoryRepo_SetStatus_RejectsUnknownStatus(t *testing.T) {
	repo, _ := newTestRepo()
	sub, _, _ := repo.Upsert(context.Background(), reg("https://push.example.com/a"))
	if err := repo.SetStatus(context.Background(), sub.ID, "paused"); err == nil {
		t.Error("expected error for unknown status")
	}
}

func TestMemoryRepo_Remove(t *testing.T) {
	repo, _ := newTestRepo()
	ctx := context.Background()
	repo.Upsert(ctx, reg("https://push.example.com/a"))

	removed, err := repo.Remove(ctx, "https://push.example.com/a")
	if err != nil || !removed {
		t.Fatalf("Remove = %v, %v; want true, nil", removed, err)
	}
	removed, err = repo.Remove(ctx, "https://push.example.com/a")
	if err != nil || removed {
		t.Fatalf("second Remove = %v, %v; want false, nil", removed, err)
	}
}

func TestMemoryRepo_CountByStatus(t *testing.T) {
	repo, _ := newTestRepo()
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		repo.Upsert(ctx, reg(fmt.Sprintf("https://push.example.com/%d", i)))
	}
	sub, _ := repo.FindByEndpoint(ctx, "https://push.example.com/0")
	repo.SetStatus(ctx, sub.ID, model.StatusInvalid)
	sub, _ = repo.FindByEndpoint(ctx, "https://push.example.com/1")
	repo.SetStatus(ctx, sub.ID, model.StatusInactive)

	stats, err := repo.CountByStatus(ctx)
	if err != nil {
		t.Fatalf("CountByStatus: %v", err)
	}
	want := model.SubscriptionStats{Total: 3, Active: 1, Inactive: 1, Invalid: 1}
	if stats != want {
		t.Errorf("stats = %+v, want %+v", stats, want)
	}
}

func TestMemoryRepo_ListSweepable(t *testing.T) {
	repo, clock := newTestRepo()
	ctx := context.Background()

	stale, _, _ := repo.Upsert(ctx, reg("https://push.example.com/stale"))
	clock.Advance(40 * 24 * time.Hour)
	fresh, _, _ := repo.Upsert(ctx, reg("https://push.example.com/fresh"))
	invalid, _, _ := repo.Upsert(ctx, reg("https://push.example.com/invalid"))
	repo.SetStatus(ctx, invalid.ID, model.StatusInvalid)

	cutoff := clock.Now().Add(-30 * 24 * time.Hour)
	subs, err := repo.ListSweepable(ctx, cutoff)
	if err != nil {
		t.Fatalf("ListSweepable: %v", err)
	}

	got := map[string]bool{}
	for _, s := range subs {
		got[s.ID] = true
	}
	if !got[stale.ID] || !got[invalid.ID] {
		t.Errorf("expected stale and invalid in result, got %v", got)
	}
	if got[fresh.ID] {
		t.Error("fresh active subscription must not be sweepable")
	}
}

func TestMemoryRepo_RemoveIfSweepable(t *testing.T) {
	repo, clock := newTestRepo()
	ctx := context.Background()

	stale, _, _ := repo.Upsert(ctx, reg("https://push.example.com/stale"))
	renewed, _, _ := repo.Upsert(ctx, reg("https://push.example.com/renewed"))
	invalid, _, _ := repo.Upsert(ctx, reg("https://push.example.com/invalid"))
	clock.Advance(40 * 24 * time.Hour)
	repo.SetStatus(ctx, invalid.ID, model.StatusInvalid)
	cutoff := clock.Now().Add(-30 * 24 * time.Hour)

	// 取得後の再登録でlast_usedが更新された購読は対象外になる
	repo.Upsert(ctx, reg(renewed.Endpoint))

	tests := []struct {
		name string
		id   string
		want bool
	}{
		{"stale", stale.ID, true},
		{"renewed after selection", renewed.ID, false},
		{"invalid", invalid.ID, true},
		{"unknown", "missing", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			removed, err := repo.RemoveIfSweepable(ctx, tt.id, cutoff)
			if err != nil {
				t.Fatalf("RemoveIfSweepable: %v", err)
			}
			if removed != tt.want {
				t.Errorf("removed = %v, want %v", removed, tt.want)
			}
		})
	}

	if got, _ := repo.FindByEndpoint(ctx, renewed.Endpoint); got == nil {
		t.Error("renewed subscription should be kept")
	}
	if got, _ := repo.FindByEndpoint(ctx, stale.Endpoint); got != nil {
		t.Error("stale subscription should be removed")
	}
}

func TestMemoryRepo_Unavailable_ReturnsStoreUnavailable(t *testing.T) {
	repo, _ := newTestRepo()
	repo.SetUnavailable(true)

	_, err := repo.ListActive(context.Background(), nil)
	var apiErr *model.APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("expected APIError, got %v", err)
	}
	if apiErr.Code != model.ErrCodeStoreUnavailable {
		t.Errorf("Code = %q, want %q", apiErr.Code, model.ErrCodeStoreUnavailable)
	}
	if !errors.Is(err, errMemoryUnavailable) {
		t.Error("expected cause to be unwrapped")
	}
}

func TestMemoryRepo_ReturnsCopies(t *testing.T) {
	repo, _ := newTestRepo()
	ctx := context.Background()
	sub, _, _ := repo.Upsert(ctx, reg("https://push.example.com/a"))

	sub.Status = model.StatusInvalid
	sub.Preferences.Categories = append(sub.Preferences.Categories, "mutated")

	stored, _ := repo.FindByEndpoint(ctx, sub.Endpoint)
	if stored.Status != model.StatusActive || len(stored.Preferences.Categories) != 0 {
		t.Errorf("caller mutation leaked into store: %+v", stored)
	}
}
