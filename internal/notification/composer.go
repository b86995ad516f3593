// Package notification は通知ペイロードの組み立てと、配信対象選択から送信までの合成処理を提供する。
package notification

import (
	"strings"
	"time"

	"github.com/hitoshi/newsbell/internal/model"
	"github.com/hitoshi/newsbell/internal/security"
)

const (
	// DefaultIcon は通知アイコンの既定値。
	DefaultIcon = "/icon-192x192.fw.png"
	// DefaultBadge はバッジアイコンの既定値。
	DefaultBadge = "/icon-192x192.fw.png"

	articleTitle = "New article published"
	articleTag   = "new-article"
	articlePath  = "/articles/"
)

// ComposerConfig は通知の見た目に関する設定。
type ComposerConfig struct {
	Icon  string
	Badge string
}

// Composer は記事公開イベントや任意の文面から通知ペイロードを組み立てる。
// 副作用を持たず、時刻は注入されたclockから取得する。
type Composer struct {
	icon      string
	badge     string
	sanitizer *security.TextSanitizer
	now       func() time.Time
}

// NewComposer はComposerを生成する。nowがnilの場合はtime.Nowを使用する。
func NewComposer(cfg ComposerConfig, now func() time.Time) *Composer {
	if cfg.Icon == "" {
		cfg.Icon = DefaultIcon
	}
	if cfg.Badge == "" {
		cfg.Badge = DefaultBadge
	}
	if now == nil {
		now = time.Now
	}
	return &Composer{
		icon:      cfg.Icon,
		badge:     cfg.Badge,
		sanitizer: security.NewTextSanitizer(),
		now:       now,
	}
}

// ComposeForArticle は新着記事の通知ペイロードを組み立てる。
// タイトルまたはslugが空の場合はValidationErrorを返す。
func (c *Composer) ComposeForArticle(article model.ArticleEvent) (*model.NotificationPayload, error) {
	title := c.sanitizer.PlainText(article.Title)
	if title == "" {
		return nil, model.NewValidationError("記事タイトルは必須です")
	}
	slug := strings.Trim(strings.TrimSpace(article.Slug), "/")
	if slug == "" {
		return nil, model.NewValidationError("記事のslugは必須です")
	}

	return &model.NotificationPayload{
		Title: articleTitle,
		Body:  "Read now: " + title,
		Icon:  c.icon,
		Badge: c.badge,
		Tag:   articleTag,
		Data: model.NotificationData{
			URL:        articlePath + slug,
			ArticleID:  article.ID,
			Timestamp:  c.now().UnixMilli(),
			Categories: cleanCategories(article.Categories),
		},
	}, nil
}

// ComposeCustom は任意のタイトルと本文で通知ペイロードを組み立てる。
// data.URLが空の場合はトップページ("/")を遷移先とする。
func (c *Composer) ComposeCustom(title, body string, data model.NotificationData) (*model.NotificationPayload, error) {
	title = c.sanitizer.PlainText(title)
	body = c.sanitizer.PlainText(body)
	if title == "" {
		return nil, model.NewValidationError("title は必須です")
	}
	if body == "" {
		return nil, model.NewValidationError("body は必須です")
	}

	if data.URL == "" {
		data.URL = "/"
	}
	if data.Timestamp == 0 {
		data.Timestamp = c.now().UnixMilli()
	}
	data.Categories = cleanCategories(data.Categories)

	return &model.NotificationPayload{
		Title: title,
		Body:  body,
		Icon:  c.icon,
		Badge: c.badge,
		Tag:   "default",
		Data:  data,
	}, nil
}

func cleanCategories(categories []string) []string {
	if len(categories) == 0 {
		return nil
	}
	out := make([]string, 0, len(categories))
	for _, cat := range categories {
		if cat = strings.TrimSpace(cat); cat != "" {
			out = append(out, cat)
		}
	}
	return out
}
