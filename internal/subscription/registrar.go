// Package subscription はプッシュ購読の登録と解除のドメインロジックを提供する。
package subscription

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"reflect"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/hitoshi/newsbell/internal/metrics"
	"github.com/hitoshi/newsbell/internal/model"
	"github.com/hitoshi/newsbell/internal/repository"
)

// EndpointValidator はエンドポイントURLの安全性を検証する。
type EndpointValidator interface {
	ValidateEndpoint(rawURL string) error
}

// RegisterInput は購読登録の入力。鍵の形式はHTTP層で正規化済みであること。
type RegisterInput struct {
	Endpoint  string     `json:"endpoint" validate:"required,url,max=2048"`
	Keys      model.Keys `json:"keys"`
	UserAgent string     `json:"userAgent" validate:"max=1024"`
	UserID    string     `json:"userId" validate:"max=255"`
}

type keysRule struct {
	P256dh string `json:"p256dh" validate:"required,max=512"`
	Auth   string `json:"auth" validate:"required,max=256"`
}

// Registrar は購読の登録、解除、設定更新を行うサービス。
type Registrar struct {
	repo      repository.PushSubscriptionRepository
	endpoints EndpointValidator
	validate  *validator.Validate
	metrics   metrics.MetricsCollector
	logger    *slog.Logger
	now       func() time.Time
}

// NewRegistrar はRegistrarを生成する。
// endpointsがnilの場合はスキームとホストの静的検証を行わない。
func NewRegistrar(
	repo repository.PushSubscriptionRepository,
	endpoints EndpointValidator,
	mc metrics.MetricsCollector,
	logger *slog.Logger,
) *Registrar {
	v := validator.New()
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	if mc == nil {
		mc = metrics.Nop{}
	}
	return &Registrar{
		repo:      repo,
		endpoints: endpoints,
		validate:  v,
		metrics:   mc,
		logger:    logger,
		now:       time.Now,
	}
}

// Register は購読を登録する。同じエンドポイントが既に存在する場合は上書きしてactiveに戻す。
func (r *Registrar) Register(ctx context.Context, in RegisterInput) (*model.Subscription, error) {
	in.Endpoint = strings.TrimSpace(in.Endpoint)
	if err := r.validateInput(in); err != nil {
		return nil, err
	}

	sub, created, err := r.repo.Upsert(ctx, model.Registration{
		Endpoint:  in.Endpoint,
		Keys:      in.Keys,
		UserAgent: in.UserAgent,
		UserID:    in.UserID,
		Metadata: model.Metadata{
			Browser:      DetectBrowser(in.UserAgent),
			OS:           DetectOS(in.UserAgent),
			SubscribedAt: r.now(),
		},
	})
	if err != nil {
		return nil, err
	}

	kind := "renewed"
	if created {
		kind = "created"
	}
	r.metrics.RecordRegistration(kind)
	r.logger.Info("push subscription registered",
		slog.String("subscription_id", sub.ID),
		slog.String("endpoint", model.MaskEndpoint(sub.Endpoint)),
		slog.String("kind", kind),
		slog.String("browser", sub.Metadata.Browser),
	)

	return sub, nil
}

// Unsubscribe はエンドポイントの購読を削除する。
// 登録されていないエンドポイントの場合は何も変更せずfalseを返す。
func (r *Registrar) Unsubscribe(ctx context.Context, endpoint string) (bool, error) {
	endpoint = strings.TrimSpace(endpoint)
	if endpoint == "" {
		return false, model.NewValidationError("endpoint は必須です")
	}

	removed, err := r.repo.Remove(ctx, endpoint)
	if err != nil {
		return false, err
	}

	if removed {
		r.logger.Info("push subscription removed",
			slog.String("endpoint", model.MaskEndpoint(endpoint)),
		)
	}
	return removed, nil
}

// UpdatePreferences は購読者の配信カテゴリ設定を更新する。
// カテゴリは前後の空白を除き、空要素と重複を取り除いて保存する。
func (r *Registrar) UpdatePreferences(ctx context.Context, endpoint string, prefs model.Preferences) (*model.Subscription, error) {
	endpoint = strings.TrimSpace(endpoint)
	if endpoint == "" {
		return nil, model.NewValidationError("endpoint は必須です")
	}

	prefs.Categories = NormalizeCategories(prefs.Categories)
	if !prefs.AllArticles && len(prefs.Categories) == 0 {
		return nil, model.NewValidationError("allArticles が false の場合は categories を1つ以上指定してください")
	}

	sub, err := r.repo.UpdatePreferences(ctx, endpoint, prefs)
	if err != nil {
		return nil, err
	}
	if sub == nil {
		return nil, model.NewSubscriptionNotFoundError(endpoint)
	}
	return sub, nil
}

// Stats は状態ごとの購読数を返す。
func (r *Registrar) Stats(ctx context.Context) (model.SubscriptionStats, error) {
	return r.repo.CountByStatus(ctx)
}

// ListActive はactiveな購読一覧を返す。管理用の確認画面で使用する。
func (r *Registrar) ListActive(ctx context.Context) ([]*model.Subscription, error) {
	return r.repo.ListActive(ctx, nil)
}

func (r *Registrar) validateInput(in RegisterInput) error {
	if err := r.validate.Struct(in); err != nil {
		return toValidationError(err)
	}
	if err := r.validate.Struct(keysRule{P256dh: in.Keys.P256dh, Auth: in.Keys.Auth}); err != nil {
		return toValidationError(err)
	}
	if r.endpoints != nil {
		if err := r.endpoints.ValidateEndpoint(in.Endpoint); err != nil {
			return model.NewEndpointBlockedError(err.Error())
		}
	}
	return nil
}

func toValidationError(err error) *model.APIError {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) || len(verrs) == 0 {
		return model.NewValidationError(err.Error())
	}
	fe := verrs[0]
	switch fe.Tag() {
	case "required":
		return model.NewValidationError(fmt.Sprintf("%s は必須です", fe.Field()))
	case "url":
		return model.NewValidationError(fmt.Sprintf("%s は絶対URLで指定してください", fe.Field()))
	case "max":
		return model.NewValidationError(fmt.Sprintf("%s は%s文字以内で指定してください", fe.Field(), fe.Param()))
	default:
		return model.NewValidationError(fmt.Sprintf("%s が不正です (%s)", fe.Field(), fe.Tag()))
	}
}

// NormalizeCategories はカテゴリ名の前後の空白を除き、空要素と重複を取り除く。順序は保持する。
func NormalizeCategories(categories []string) []string {
	out := make([]string, 0, len(categories))
	seen := make(map[string]struct{}, len(categories))
	for _, c := range categories {
		c = strings.TrimSpace(c)
		if c == "" {
			continue
		}
		if _, ok := seen[c]; ok {
			continue
		}
		seen[c] = struct{}{}
		out = append(out, c)
	}
	return out
}
