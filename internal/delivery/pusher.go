package delivery

import (
	"context"
	"fmt"
	"io"

	webpush "github.com/SherClockHolmes/webpush-go"

	"github.com/hitoshi/newsbell/internal/model"
)

// Pusher は1件の購読に暗号化済みのWeb Pushメッセージを送信する。
type Pusher interface {
	// Ready は送信に必要な認証情報が揃っているかを返す。
	Ready() error
	// Push はペイロードを送信し、プッシュサービスのHTTPステータスを返す。
	// 応答を得られなかった場合はerrorを返す。
	Push(ctx context.Context, payload []byte, sub *model.Subscription) (int, error)
}

// VAPIDConfig はVAPID認証の設定。
type VAPIDConfig struct {
	PublicKey  string
	PrivateKey string
	Subject    string
}

// Configured は鍵ペアが設定されているかを返す。
func (c VAPIDConfig) Configured() bool {
	return c.PublicKey != "" && c.PrivateKey != ""
}

// WebPusherOptions はWebPusherの送信オプション。
type WebPusherOptions struct {
	// HTTPClient はプッシュサービスへのリクエストに使用するクライアント。
	HTTPClient webpush.HTTPClient
	// TTL はプッシュサービスがメッセージを保持する秒数。
	TTL int
	// Urgency はRFC 8030のUrgencyヘッダー。
	Urgency webpush.Urgency
}

// WebPusher はwebpush-goを使用したPusherの実装。
// ペイロードはaes128gcmで暗号化され、VAPID JWTで署名される。
type WebPusher struct {
	vapid VAPIDConfig
	opts  WebPusherOptions
}

// NewWebPusher はWebPusherを生成する。
func NewWebPusher(vapid VAPIDConfig, opts WebPusherOptions) *WebPusher {
	if opts.TTL <= 0 {
		opts.TTL = 86400
	}
	if opts.Urgency == "" {
		opts.Urgency = webpush.UrgencyNormal
	}
	return &WebPusher{vapid: vapid, opts: opts}
}

var _ Pusher = (*WebPusher)(nil)

// Ready はVAPID鍵が未設定の場合にConfigurationErrorを返す。
func (p *WebPusher) Ready() error {
	if !p.vapid.Configured() {
		return model.NewConfigurationError("VAPID_PUBLIC_KEY / VAPID_PRIVATE_KEY")
	}
	return nil
}

// Push はペイロードを暗号化して送信する。
func (p *WebPusher) Push(ctx context.Context, payload []byte, sub *model.Subscription) (int, error) {
	resp, err := webpush.SendNotificationWithContext(ctx, payload, &webpush.Subscription{
		Endpoint: sub.Endpoint,
		Keys: webpush.Keys{
			P256dh: sub.Keys.P256dh,
			Auth:   sub.Keys.Auth,
		},
	}, &webpush.Options{
		HTTPClient:      p.opts.HTTPClient,
		Subscriber:      p.vapid.Subject,
		TTL:             p.opts.TTL,
		Urgency:         p.opts.Urgency,
		VAPIDPublicKey:  p.vapid.PublicKey,
		VAPIDPrivateKey: p.vapid.PrivateKey,
	})
	if err != nil {
		return 0, fmt.Errorf("web push send failed: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4<<10))

	return resp.StatusCode, nil
}

// GenerateVAPIDKeys は新しいVAPID鍵ペアをbase64url文字列で返す。
func GenerateVAPIDKeys() (publicKey, privateKey string, err error) {
	privateKey, publicKey, err = webpush.GenerateVAPIDKeys()
	if err != nil {
		return "", "", fmt.Errorf("VAPID鍵の生成に失敗しました: %w", err)
	}
	return publicKey, privateKey, nil
}
