package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/hitoshi/newsbell/internal/model"
)

const pushSubscriptionColumns = `id, endpoint, p256dh, auth, status, categories, all_articles,
	user_agent, user_id, browser, os, subscribed_at, last_used, created_at, updated_at`

// PostgresPushSubscriptionRepo はPostgreSQLを使用したプッシュ購読リポジトリ。
type PostgresPushSubscriptionRepo struct {
	db *sql.DB
}

// NewPostgresPushSubscriptionRepo はPostgresPushSubscriptionRepoを生成する。
func NewPostgresPushSubscriptionRepo(db *sql.DB) *PostgresPushSubscriptionRepo {
	return &PostgresPushSubscriptionRepo{db: db}
}

var _ PushSubscriptionRepository = (*PostgresPushSubscriptionRepo)(nil)

type rowScanner interface {
	Scan(dest ...any) error
}

// scanPushSubscription は購読の列を読み取る。extraは列リストの後ろに続く追加の列。
func scanPushSubscription(row rowScanner, extra ...any) (*model.Subscription, error) {
	sub := &model.Subscription{}
	var (
		status     string
		categories pq.StringArray
		lastUsed   sql.NullTime
	)
	dest := []any{
		&sub.ID, &sub.Endpoint, &sub.Keys.P256dh, &sub.Keys.Auth, &status, &categories,
		&sub.Preferences.AllArticles, &sub.UserAgent, &sub.UserID,
		&sub.Metadata.Browser, &sub.Metadata.OS, &sub.Metadata.SubscribedAt,
		&lastUsed, &sub.CreatedAt, &sub.UpdatedAt,
	}
	err := row.Scan(append(dest, extra...)...)
	if err != nil {
		return nil, err
	}

	sub.Status = model.SubscriptionStatus(status)
	sub.Preferences.Categories = []string(categories)
	if sub.Preferences.Categories == nil {
		sub.Preferences.Categories = []string{}
	}
	if lastUsed.Valid {
		t := lastUsed.Time
		sub.LastUsed = &t
	}
	return sub, nil
}

func scanPushSubscriptions(rows *sql.Rows) ([]*model.Subscription, error) {
	defer rows.Close()

	var subs []*model.Subscription
	for rows.Next() {
		sub, err := scanPushSubscription(rows)
		if err != nil {
			return nil, model.NewStoreUnavailableError("購読行の読み取り", err)
		}
		subs = append(subs, sub)
	}
	if err := rows.Err(); err != nil {
		return nil, model.NewStoreUnavailableError("購読一覧の走査", err)
	}
	return subs, nil
}

// FindByEndpoint はエンドポイントで購読を検索する。見つからない場合はnilを返す。
func (r *PostgresPushSubscriptionRepo) FindByEndpoint(ctx context.Context, endpoint string) (*model.Subscription, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT `+pushSubscriptionColumns+` FROM push_subscriptions WHERE endpoint = $1`,
		endpoint,
	)
	sub, err := scanPushSubscription(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, model.NewStoreUnavailableError("購読の取得", err)
	}
	return sub, nil
}

// Upsert はエンドポイントをキーに購読を作成または更新する。
// ON CONFLICTにより同一エンドポイントへの同時登録でも行は1つに保たれる。
// 新規作成かどうかは挿入された行のxmaxが0であることで判定する。
func (r *PostgresPushSubscriptionRepo) Upsert(ctx context.Context, reg model.Registration) (*model.Subscription, bool, error) {
	subscribedAt := reg.Metadata.SubscribedAt
	if subscribedAt.IsZero() {
		subscribedAt = time.Now()
	}

	row := r.db.QueryRowContext(ctx,
		`INSERT INTO push_subscriptions
			(id, endpoint, p256dh, auth, status, categories, all_articles,
			 user_agent, user_id, browser, os, subscribed_at, last_used, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, 'active', '{}', TRUE, $5, $6, $7, $8, $9, NOW(), NOW(), NOW())
		 ON CONFLICT (endpoint) DO UPDATE SET
			p256dh = EXCLUDED.p256dh,
			auth = EXCLUDED.auth,
			status = 'active',
			user_agent = EXCLUDED.user_agent,
			user_id = EXCLUDED.user_id,
			browser = EXCLUDED.browser,
			os = EXCLUDED.os,
			last_used = NOW(),
			updated_at = NOW()
		 RETURNING `+pushSubscriptionColumns+`, (xmax = 0) AS inserted`,
		uuid.New().String(), reg.Endpoint, reg.Keys.P256dh, reg.Keys.Auth,
		reg.UserAgent, reg.UserID, reg.Metadata.Browser, reg.Metadata.OS, subscribedAt,
	)
	var created bool
	sub, err := scanPushSubscription(row, &created)
	if err != nil {
		return nil, false, model.NewStoreUnavailableError("購読の登録", err)
	}
	return sub, created, nil
}

// ListActive はstatus=activeの購読を作成日時順に返す。
func (r *PostgresPushSubscriptionRepo) ListActive(ctx context.Context, filter *model.CategoryFilter) ([]*model.Subscription, error) {
	var (
		rows *sql.Rows
		err  error
	)
	if filter == nil {
		rows, err = r.db.QueryContext(ctx,
			`SELECT `+pushSubscriptionColumns+` FROM push_subscriptions
			 WHERE status = 'active'
			 ORDER BY created_at ASC, id ASC`,
		)
	} else {
		rows, err = r.db.QueryContext(ctx,
			`SELECT `+pushSubscriptionColumns+` FROM push_subscriptions
			 WHERE status = 'active' AND (all_articles OR categories && $1::text[])
			 ORDER BY created_at ASC, id ASC`,
			pq.Array(filter.Categories),
		)
	}
	if err != nil {
		return nil, model.NewStoreUnavailableError("配信対象の取得", err)
	}
	return scanPushSubscriptions(rows)
}

// SetStatus は購読の状態を更新する。
func (r *PostgresPushSubscriptionRepo) SetStatus(ctx context.Context, id string, status model.SubscriptionStatus) error {
	if !status.Valid() {
		return fmt.Errorf("不正な購読状態です: %s", status)
	}
	result, err := r.db.ExecContext(ctx,
		`UPDATE push_subscriptions SET status = $2, updated_at = NOW() WHERE id = $1`,
		id, string(status),
	)
	return checkAffected(result, err, "購読状態の更新", id)
}

// TouchLastUsed はlast_usedを現在時刻に更新する。
func (r *PostgresPushSubscriptionRepo) TouchLastUsed(ctx context.Context, id string) error {
	result, err := r.db.ExecContext(ctx,
		`UPDATE push_subscriptions SET last_used = NOW(), updated_at = NOW() WHERE id = $1`,
		id,
	)
	return checkAffected(result, err, "最終利用日時の更新", id)
}

// UpdatePreferences は配信設定を更新する。見つからない場合はnilを返す。
func (r *PostgresPushSubscriptionRepo) UpdatePreferences(ctx context.Context, endpoint string, prefs model.Preferences) (*model.Subscription, error) {
	row := r.db.QueryRowContext(ctx,
		`UPDATE push_subscriptions
		 SET categories = $2, all_articles = $3, updated_at = NOW()
		 WHERE endpoint = $1
		 RETURNING `+pushSubscriptionColumns,
		endpoint, pq.Array(prefs.Categories), prefs.AllArticles,
	)
	sub, err := scanPushSubscription(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, model.NewStoreUnavailableError("配信設定の更新", err)
	}
	return sub, nil
}

// Remove はエンドポイントで指定した購読を削除する。
func (r *PostgresPushSubscriptionRepo) Remove(ctx context.Context, endpoint string) (bool, error) {
	result, err := r.db.ExecContext(ctx,
		`DELETE FROM push_subscriptions WHERE endpoint = $1`,
		endpoint,
	)
	if err != nil {
		return false, model.NewStoreUnavailableError("購読の削除", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return false, model.NewStoreUnavailableError("削除結果の取得", err)
	}
	return n > 0, nil
}

// CountByStatus は状態ごとの件数を返す。
func (r *PostgresPushSubscriptionRepo) CountByStatus(ctx context.Context) (model.SubscriptionStats, error) {
	var stats model.SubscriptionStats
	err := r.db.QueryRowContext(ctx,
		`SELECT
			COUNT(*),
			COUNT(*) FILTER (WHERE status = 'active'),
			COUNT(*) FILTER (WHERE status = 'inactive'),
			COUNT(*) FILTER (WHERE status = 'invalid')
		 FROM push_subscriptions`,
	).Scan(&stats.Total, &stats.Active, &stats.Inactive, &stats.Invalid)
	if err != nil {
		return model.SubscriptionStats{}, model.NewStoreUnavailableError("購読数の集計", err)
	}
	return stats, nil
}

// ListSweepable はクリーンアップ対象の購読を返す。
func (r *PostgresPushSubscriptionRepo) ListSweepable(ctx context.Context, cutoff time.Time) ([]*model.Subscription, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+pushSubscriptionColumns+` FROM push_subscriptions
		 WHERE status = 'invalid' OR COALESCE(last_used, created_at) < $1
		 ORDER BY created_at ASC`,
		cutoff,
	)
	if err != nil {
		return nil, model.NewStoreUnavailableError("クリーンアップ対象の取得", err)
	}
	return scanPushSubscriptions(rows)
}

// RemoveIfSweepable は削除時点でもクリーンアップ条件を満たす場合に限り購読を削除する。
// 条件をDELETE文に含めるため、取得後に再登録された行は残る。
func (r *PostgresPushSubscriptionRepo) RemoveIfSweepable(ctx context.Context, id string, cutoff time.Time) (bool, error) {
	result, err := r.db.ExecContext(ctx,
		`DELETE FROM push_subscriptions
		 WHERE id = $1 AND (status = 'invalid' OR COALESCE(last_used, created_at) < $2)`,
		id, cutoff,
	)
	if err != nil {
		return false, model.NewStoreUnavailableError("購読の削除", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return false, model.NewStoreUnavailableError("削除結果の取得", err)
	}
	return n > 0, nil
}

func checkAffected(result sql.Result, err error, op, id string) error {
	if err != nil {
		return model.NewStoreUnavailableError(op, err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return model.NewStoreUnavailableError(op, err)
	}
	if n == 0 {
		return fmt.Errorf("%s: %s: %w", op, id, ErrNotFound)
	}
	return nil
}
