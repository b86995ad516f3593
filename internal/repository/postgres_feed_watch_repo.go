package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// PostgresFeedWatchStateRepo はPostgreSQLを使用したフィード監視状態リポジトリ。
type PostgresFeedWatchStateRepo struct {
	db *sql.DB
}

// NewPostgresFeedWatchStateRepo はPostgresFeedWatchStateRepoを生成する。
func NewPostgresFeedWatchStateRepo(db *sql.DB) *PostgresFeedWatchStateRepo {
	return &PostgresFeedWatchStateRepo{db: db}
}

var _ FeedWatchStateRepository = (*PostgresFeedWatchStateRepo)(nil)

// Find はフィードURLの監視状態を取得する。未登録の場合はnilを返す。
func (r *PostgresFeedWatchStateRepo) Find(ctx context.Context, feedURL string) (*FeedWatchState, error) {
	state := &FeedWatchState{}
	var lastSeen sql.NullTime
	err := r.db.QueryRowContext(ctx,
		`SELECT feed_url, last_seen_at, last_seen_guid, etag, last_modified
		 FROM feed_watch_state WHERE feed_url = $1`,
		feedURL,
	).Scan(&state.FeedURL, &lastSeen, &state.LastSeenGUID, &state.ETag, &state.LastModified)

	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("フィード監視状態の取得に失敗しました: %w", err)
	}
	if lastSeen.Valid {
		state.LastSeenAt = lastSeen.Time
	}
	return state, nil
}

// Save は監視状態を保存する。
func (r *PostgresFeedWatchStateRepo) Save(ctx context.Context, state *FeedWatchState) error {
	var lastSeen sql.NullTime
	if !state.LastSeenAt.IsZero() {
		lastSeen = sql.NullTime{Time: state.LastSeenAt, Valid: true}
	}
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO feed_watch_state (feed_url, last_seen_at, last_seen_guid, etag, last_modified, updated_at)
		 VALUES ($1, $2, $3, $4, $5, NOW())
		 ON CONFLICT (feed_url) DO UPDATE SET
			last_seen_at = EXCLUDED.last_seen_at,
			last_seen_guid = EXCLUDED.last_seen_guid,
			etag = EXCLUDED.etag,
			last_modified = EXCLUDED.last_modified,
			updated_at = NOW()`,
		state.FeedURL, lastSeen, state.LastSeenGUID, state.ETag, state.LastModified,
	)
	if err != nil {
		return fmt.Errorf("フィード監視状態の保存に失敗しました: %w", err)
	}
	return nil
}
