package handler

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/hitoshi/newsbell/internal/model"
)

const (
	cmsEventPublish = "entry.publish"
	cmsModelArticle = "article"

	defaultArticleTitle = "New article"
)

// ArticleNotifier は新着記事の通知を送信する。
type ArticleNotifier interface {
	NotifyNewArticle(ctx context.Context, article model.ArticleEvent) (*model.DeliveryReport, error)
}

// WebhookHandler はCMSからのWebhookを処理する。
type WebhookHandler struct {
	notifier ArticleNotifier
	logger   *slog.Logger
}

// NewWebhookHandler はWebhookHandlerを生成する。
func NewWebhookHandler(notifier ArticleNotifier, logger *slog.Logger) *WebhookHandler {
	return &WebhookHandler{notifier: notifier, logger: logger}
}

type cmsWebhookRequest struct {
	Event string    `json:"event"`
	Model string    `json:"model"`
	Entry *cmsEntry `json:"entry"`
}

type cmsEntry struct {
	ID          json.RawMessage `json:"id"`
	DocumentID  string          `json:"documentId"`
	Title       string          `json:"title"`
	Slug        string          `json:"slug"`
	PublishedAt *time.Time      `json:"publishedAt"`
	Categories  []cmsCategory   `json:"categories"`
}

type cmsCategory struct {
	Name string `json:"name"`
	Slug string `json:"slug"`
}

type articleSummary struct {
	Title      string   `json:"title"`
	Slug       string   `json:"slug"`
	Categories []string `json:"categories"`
}

// ReceiveCMS はPOST /webhook/cms を処理する。
// 記事公開イベントのみ通知を送信する。配信の失敗は公開処理を妨げないため200で集計を返す。
func (h *WebhookHandler) ReceiveCMS(w http.ResponseWriter, r *http.Request) {
	var req cmsWebhookRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	if req.Event != cmsEventPublish || req.Model != cmsModelArticle {
		writeJSON(w, http.StatusOK, map[string]any{
			"success":  true,
			"notified": false,
			"event":    req.Event,
			"model":    req.Model,
		})
		return
	}
	if req.Entry == nil {
		handleServiceError(w, model.NewValidationError("entry は必須です"))
		return
	}

	article := req.Entry.toArticleEvent()
	summary := articleSummary{Title: article.Title, Slug: article.Slug, Categories: article.Categories}

	report, err := h.notifier.NotifyNewArticle(r.Context(), article)
	if err != nil {
		var apiErr *model.APIError
		code := "INTERNAL_ERROR"
		if errors.As(err, &apiErr) {
			code = apiErr.Code
		}
		h.logger.Error("article notification failed",
			slog.String("slug", article.Slug),
			slog.String("code", code),
			slog.String("error", err.Error()),
		)
		writeJSON(w, http.StatusOK, map[string]any{
			"success":  false,
			"notified": false,
			"code":     code,
			"error":    err.Error(),
			"article":  summary,
		})
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"success":  true,
		"notified": true,
		"article":  summary,
		"data":     report,
	})
}

// toArticleEvent はCMSのエントリを記事公開イベントに変換する。
// タイトルが空の場合は既定値を、カテゴリ名が空の場合はslugを使用する。
func (e *cmsEntry) toArticleEvent() model.ArticleEvent {
	title := strings.TrimSpace(e.Title)
	if title == "" {
		title = defaultArticleTitle
	}

	categories := make([]string, 0, len(e.Categories))
	for _, c := range e.Categories {
		name := c.Name
		if name == "" {
			name = c.Slug
		}
		if name != "" {
			categories = append(categories, name)
		}
	}

	article := model.ArticleEvent{
		ID:         e.id(),
		Title:      title,
		Slug:       e.Slug,
		Categories: categories,
	}
	if e.PublishedAt != nil {
		article.PublishedAt = *e.PublishedAt
	}
	return article
}

// id はdocumentIdを優先し、なければ数値または文字列のidを返す。
func (e *cmsEntry) id() string {
	if e.DocumentID != "" {
		return e.DocumentID
	}
	if len(e.ID) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(e.ID, &s); err == nil {
		return s
	}
	var n int64
	if err := json.Unmarshal(e.ID, &n); err == nil {
		return strconv.FormatInt(n, 10)
	}
	return ""
}
