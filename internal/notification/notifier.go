package notification

import (
	"context"
	"log/slog"

	"github.com/hitoshi/newsbell/internal/model"
)

// RecipientSelector は配信対象を選択する。
type RecipientSelector interface {
	SelectRecipients(ctx context.Context, categories []string) ([]*model.Subscription, error)
	SelectAll(ctx context.Context) ([]*model.Subscription, error)
}

// Deliverer はペイロードを受信者へ送信する。
type Deliverer interface {
	Deliver(ctx context.Context, payload *model.NotificationPayload, recipients []*model.Subscription) (*model.DeliveryReport, error)
}

// Notifier は配信対象の選択、ペイロード組み立て、送信をまとめて行う。
type Notifier struct {
	selector  RecipientSelector
	composer  *Composer
	deliverer Deliverer
	logger    *slog.Logger
}

// NewNotifier はNotifierを生成する。
func NewNotifier(selector RecipientSelector, composer *Composer, deliverer Deliverer, logger *slog.Logger) *Notifier {
	return &Notifier{
		selector:  selector,
		composer:  composer,
		deliverer: deliverer,
		logger:    logger,
	}
}

// Composer は通知の組み立てに使用するComposerを返す。
func (n *Notifier) Composer() *Composer {
	return n.composer
}

// SendToAll はすべてのactive購読へ送信する。
func (n *Notifier) SendToAll(ctx context.Context, payload *model.NotificationPayload) (*model.DeliveryReport, error) {
	recipients, err := n.selector.SelectAll(ctx)
	if err != nil {
		return nil, err
	}
	return n.deliverer.Deliver(ctx, payload, recipients)
}

// SendToCategories は指定カテゴリの購読者とallArticles購読者へ送信する。
func (n *Notifier) SendToCategories(ctx context.Context, categories []string, payload *model.NotificationPayload) (*model.DeliveryReport, error) {
	recipients, err := n.selector.SelectRecipients(ctx, categories)
	if err != nil {
		return nil, err
	}
	return n.deliverer.Deliver(ctx, payload, recipients)
}

// NotifyNewArticle は新着記事の通知を組み立て、カテゴリに一致する購読者へ送信する。
func (n *Notifier) NotifyNewArticle(ctx context.Context, article model.ArticleEvent) (*model.DeliveryReport, error) {
	payload, err := n.composer.ComposeForArticle(article)
	if err != nil {
		return nil, err
	}

	report, err := n.SendToCategories(ctx, article.Categories, payload)
	if err != nil {
		return nil, err
	}

	n.logger.Info("new article notification sent",
		slog.String("article_id", article.ID),
		slog.String("slug", article.Slug),
		slog.Int("success", report.SuccessCount),
		slog.Int("failure", report.FailureCount),
	)
	return report, nil
}
