package handler

import (
	"context"
	"net/http"
	"time"

	"github.com/hitoshi/newsbell/internal/model"
)

const (
	testArticleID    = "test-notification"
	testArticleTitle = "Push notification test article"
	testArticleSlug  = "test-notification"
)

var testArticleCategories = []string{"Technology"}

// NotificationService は通知送信を行うサービスのインターフェース。
type NotificationService interface {
	NotifyNewArticle(ctx context.Context, article model.ArticleEvent) (*model.DeliveryReport, error)
	SendToAll(ctx context.Context, payload *model.NotificationPayload) (*model.DeliveryReport, error)
	SendToCategories(ctx context.Context, categories []string, payload *model.NotificationPayload) (*model.DeliveryReport, error)
}

// PayloadComposer は任意の文面から通知ペイロードを組み立てる。
type PayloadComposer interface {
	ComposeCustom(title, body string, data model.NotificationData) (*model.NotificationPayload, error)
}

// AdminStatus は管理画面向けに設定状況を返す。
type AdminStatus struct {
	VAPIDConfigured bool
	CMSConfigured   bool
}

// AdminHandler は管理者向けのテスト送信と確認APIを処理する。
type AdminHandler struct {
	notifier  NotificationService
	composer  PayloadComposer
	registrar RegistrarService
	status    AdminStatus
}

// NewAdminHandler はAdminHandlerを生成する。
func NewAdminHandler(notifier NotificationService, composer PayloadComposer, registrar RegistrarService, status AdminStatus) *AdminHandler {
	return &AdminHandler{
		notifier:  notifier,
		composer:  composer,
		registrar: registrar,
		status:    status,
	}
}

type testNotificationRequest struct {
	Title      string   `json:"title"`
	Body       string   `json:"body"`
	URL        string   `json:"url"`
	Slug       string   `json:"slug"`
	Categories []string `json:"categories"`
}

// SendTest はPOST /push/test を処理する。
// titleとbodyが指定された場合は任意の文面を、それ以外は記事形式のテスト通知を送信する。
// ボディが空の場合はすべて既定値を使用する。
func (h *AdminHandler) SendTest(w http.ResponseWriter, r *http.Request) {
	var req testNotificationRequest
	if !decodeOptionalJSON(w, r, &req) {
		return
	}

	var (
		report *model.DeliveryReport
		err    error
	)
	if req.Title != "" && req.Body != "" {
		report, err = h.sendCustom(r.Context(), req)
	} else {
		report, err = h.notifier.NotifyNewArticle(r.Context(), testArticle(req))
	}
	if err != nil {
		handleServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"data":    report,
	})
}

func (h *AdminHandler) sendCustom(ctx context.Context, req testNotificationRequest) (*model.DeliveryReport, error) {
	payload, err := h.composer.ComposeCustom(req.Title, req.Body, model.NotificationData{
		URL:        req.URL,
		Categories: req.Categories,
	})
	if err != nil {
		return nil, err
	}
	if len(req.Categories) > 0 {
		return h.notifier.SendToCategories(ctx, req.Categories, payload)
	}
	return h.notifier.SendToAll(ctx, payload)
}

func testArticle(req testNotificationRequest) model.ArticleEvent {
	article := model.ArticleEvent{
		ID:          testArticleID,
		Title:       req.Title,
		Slug:        req.Slug,
		Categories:  req.Categories,
		PublishedAt: time.Now(),
	}
	if article.Title == "" {
		article.Title = testArticleTitle
	}
	if article.Slug == "" {
		article.Slug = testArticleSlug
	}
	if len(article.Categories) == 0 {
		article.Categories = testArticleCategories
	}
	return article
}

type debugSubscription struct {
	ID          string                   `json:"id"`
	Endpoint    string                   `json:"endpoint"`
	Status      model.SubscriptionStatus `json:"status"`
	UserAgent   string                   `json:"userAgent,omitempty"`
	LastUsed    *time.Time               `json:"lastUsed,omitempty"`
	CreatedAt   time.Time                `json:"createdAt"`
	Preferences model.Preferences        `json:"preferences"`
}

// Debug はGET /push/debug を処理する。エンドポイントは切り詰めて返す。
func (h *AdminHandler) Debug(w http.ResponseWriter, r *http.Request) {
	subs, err := h.registrar.ListActive(r.Context())
	if err != nil {
		handleServiceError(w, err)
		return
	}
	stats, err := h.registrar.Stats(r.Context())
	if err != nil {
		handleServiceError(w, err)
		return
	}

	views := make([]debugSubscription, 0, len(subs))
	for _, sub := range subs {
		views = append(views, debugSubscription{
			ID:          sub.ID,
			Endpoint:    model.MaskEndpoint(sub.Endpoint),
			Status:      sub.Status,
			UserAgent:   sub.UserAgent,
			LastUsed:    sub.LastUsed,
			CreatedAt:   sub.CreatedAt,
			Preferences: sub.Preferences,
		})
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"data": map[string]any{
			"activeSubscriptions": views,
			"stats":               stats,
			"vapidConfigured":     h.status.VAPIDConfigured,
			"cmsConfigured":       h.status.CMSConfigured,
		},
	})
}
