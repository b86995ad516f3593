// Package repository はデータ永続化のインターフェースを定義する。
package repository

import (
	"context"
	"errors"
	"time"

	"github.com/hitoshi/newsbell/internal/model"
)

// ErrNotFound は更新対象の行が存在しない場合に返される。
// 配信中に購読解除された購読への状態更新などで発生する。
var ErrNotFound = errors.New("対象の購読が見つかりません")

// PushSubscriptionRepository はプッシュ購読の永続化インターフェース。
// ドライバ由来のエラーはすべて model.ErrCodeStoreUnavailable のAPIErrorとして返す。
type PushSubscriptionRepository interface {
	// FindByEndpoint はエンドポイントで購読を検索する。見つからない場合はnilを返す。
	FindByEndpoint(ctx context.Context, endpoint string) (*model.Subscription, error)

	// Upsert はエンドポイントをキーに購読を作成または更新する。
	// 新規作成時は status=active、preferences={allArticles:true, categories:[]} とする。
	// 既存の場合は鍵、UserAgent、UserID、メタデータを上書きし、status=active、
	// last_used=現在時刻とする。preferencesは保持する。
	// createdは新規作成した場合にtrueを返す。
	Upsert(ctx context.Context, reg model.Registration) (sub *model.Subscription, created bool, err error)

	// ListActive はstatus=activeの購読を返す。
	// filterがnilの場合はすべてのactive購読を返す。
	// filterが指定された場合は allArticles=true またはカテゴリが1つ以上一致する購読を返す。
	ListActive(ctx context.Context, filter *model.CategoryFilter) ([]*model.Subscription, error)

	// SetStatus は購読の状態を更新する。対象が存在しない場合はErrNotFoundを返す。
	SetStatus(ctx context.Context, id string, status model.SubscriptionStatus) error

	// TouchLastUsed はlast_usedを現在時刻に更新する。対象が存在しない場合はErrNotFoundを返す。
	TouchLastUsed(ctx context.Context, id string) error

	// UpdatePreferences はエンドポイントで指定した購読の配信設定を更新する。
	// 見つからない場合はnilを返す。
	UpdatePreferences(ctx context.Context, endpoint string, prefs model.Preferences) (*model.Subscription, error)

	// Remove はエンドポイントで指定した購読を削除する。削除した場合はtrueを返す。
	Remove(ctx context.Context, endpoint string) (bool, error)

	// RemoveIfSweepable はIDで指定した購読を、削除時点でも ListSweepable の条件を
	// 満たす場合に限り削除する。取得後に再登録された購読は削除しない。
	RemoveIfSweepable(ctx context.Context, id string, cutoff time.Time) (bool, error)

	// CountByStatus は状態ごとの件数を返す。
	CountByStatus(ctx context.Context) (model.SubscriptionStats, error)

	// ListSweepable は status=invalid、または last_used（未使用なら created_at）が
	// cutoffより古い購読を返す。
	ListSweepable(ctx context.Context, cutoff time.Time) ([]*model.Subscription, error)
}

// FeedWatchState はフィード監視の既読位置を表す。
type FeedWatchState struct {
	FeedURL      string
	LastSeenAt   time.Time
	LastSeenGUID string
	ETag         string
	LastModified string
}

// FeedWatchStateRepository はフィード監視状態の永続化インターフェース。
type FeedWatchStateRepository interface {
	// Find はフィードURLの監視状態を取得する。未登録の場合はnilを返す。
	Find(ctx context.Context, feedURL string) (*FeedWatchState, error)

	// Save は監視状態を保存する。
	Save(ctx context.Context, state *FeedWatchState) error
}
