package handler

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"strconv"
	"time"

	"github.com/hitoshi/newsbell/internal/model"
	"github.com/hitoshi/newsbell/internal/subscription"
)

// RegistrarService は購読の登録と管理を行うサービスのインターフェース。
type RegistrarService interface {
	Register(ctx context.Context, in subscription.RegisterInput) (*model.Subscription, error)
	Unsubscribe(ctx context.Context, endpoint string) (bool, error)
	UpdatePreferences(ctx context.Context, endpoint string, prefs model.Preferences) (*model.Subscription, error)
	Stats(ctx context.Context) (model.SubscriptionStats, error)
	ListActive(ctx context.Context) ([]*model.Subscription, error)
}

// SweepService は無効または古い購読を削除するサービスのインターフェース。
type SweepService interface {
	Sweep(ctx context.Context, retention time.Duration) (*model.SweepReport, error)
}

// PushHandler は /push 配下の購読APIを処理する。
type PushHandler struct {
	registrar      RegistrarService
	sweeper        SweepService
	vapidPublicKey string
	retention      time.Duration
}

// NewPushHandler はPushHandlerを生成する。
func NewPushHandler(registrar RegistrarService, sweeper SweepService, vapidPublicKey string, retention time.Duration) *PushHandler {
	return &PushHandler{
		registrar:      registrar,
		sweeper:        sweeper,
		vapidPublicKey: vapidPublicKey,
		retention:      retention,
	}
}

// wireSubscription はブラウザのPushSubscription.toJSON()相当の形式。
// 鍵はkeys配下または直下に、文字列もしくはバイト配列で渡される。
type wireSubscription struct {
	Endpoint string          `json:"endpoint"`
	Keys     *wireKeys       `json:"keys"`
	P256dh   json.RawMessage `json:"p256dh"`
	Auth     json.RawMessage `json:"auth"`
}

type wireKeys struct {
	P256dh json.RawMessage `json:"p256dh"`
	Auth   json.RawMessage `json:"auth"`
}

type subscribeRequest struct {
	Subscription *wireSubscription `json:"subscription"`
	UserAgent    string            `json:"userAgent"`
	UserID       string            `json:"userId"`
}

type endpointRequest struct {
	Endpoint string `json:"endpoint"`
}

type preferencesRequest struct {
	Endpoint    string             `json:"endpoint"`
	Preferences *model.Preferences `json:"preferences"`
}

// subscriptionResponse は購読のレスポンス表現。鍵は返さない。
type subscriptionResponse struct {
	ID          string                   `json:"id"`
	Endpoint    string                   `json:"endpoint"`
	Status      model.SubscriptionStatus `json:"status"`
	Preferences model.Preferences        `json:"preferences"`
	Metadata    model.Metadata           `json:"metadata"`
	LastUsed    *time.Time               `json:"lastUsed,omitempty"`
	CreatedAt   time.Time                `json:"createdAt"`
}

func toSubscriptionResponse(sub *model.Subscription) subscriptionResponse {
	return subscriptionResponse{
		ID:          sub.ID,
		Endpoint:    sub.Endpoint,
		Status:      sub.Status,
		Preferences: sub.Preferences,
		Metadata:    sub.Metadata,
		LastUsed:    sub.LastUsed,
		CreatedAt:   sub.CreatedAt,
	}
}

// Subscribe はPOST /push/subscribe を処理する。
func (h *PushHandler) Subscribe(w http.ResponseWriter, r *http.Request) {
	var req subscribeRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.Subscription == nil {
		handleServiceError(w, model.NewValidationError("subscription は必須です"))
		return
	}

	keys, err := decodeSubscriptionKeys(req.Subscription)
	if err != nil {
		handleServiceError(w, model.NewValidationError(err.Error()))
		return
	}

	userAgent := req.UserAgent
	if userAgent == "" {
		userAgent = r.UserAgent()
	}

	sub, err := h.registrar.Register(r.Context(), subscription.RegisterInput{
		Endpoint:  req.Subscription.Endpoint,
		Keys:      keys,
		UserAgent: userAgent,
		UserID:    req.UserID,
	})
	if err != nil {
		handleServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"data":    toSubscriptionResponse(sub),
	})
}

// Unsubscribe はPOST /push/unsubscribe を処理する。
func (h *PushHandler) Unsubscribe(w http.ResponseWriter, r *http.Request) {
	var req endpointRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	removed, err := h.registrar.Unsubscribe(r.Context(), req.Endpoint)
	if err != nil {
		handleServiceError(w, err)
		return
	}
	if !removed {
		handleServiceError(w, model.NewSubscriptionNotFoundError(req.Endpoint))
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{"success": true})
}

// UpdatePreferences はPUT /push/preferences を処理する。
func (h *PushHandler) UpdatePreferences(w http.ResponseWriter, r *http.Request) {
	var req preferencesRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.Preferences == nil {
		handleServiceError(w, model.NewValidationError("preferences は必須です"))
		return
	}

	sub, err := h.registrar.UpdatePreferences(r.Context(), req.Endpoint, *req.Preferences)
	if err != nil {
		handleServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"data":    toSubscriptionResponse(sub),
	})
}

// VAPIDKey はGET /push/vapid-key を処理する。
func (h *PushHandler) VAPIDKey(w http.ResponseWriter, r *http.Request) {
	if h.vapidPublicKey == "" {
		handleServiceError(w, model.NewConfigurationError("VAPID_PUBLIC_KEY"))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success":        true,
		"vapidPublicKey": h.vapidPublicKey,
	})
}

// Stats はGET /push/stats を処理する。
func (h *PushHandler) Stats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.registrar.Stats(r.Context())
	if err != nil {
		handleServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"data":    stats,
	})
}

// Cleanup はPOST /push/cleanup を処理する。
func (h *PushHandler) Cleanup(w http.ResponseWriter, r *http.Request) {
	report, err := h.sweeper.Sweep(r.Context(), h.retention)
	if err != nil {
		handleServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"removed": report.Removed,
		"errors":  report.Errors,
	})
}

// decodeSubscriptionKeys はワイヤ形式の鍵をbase64url文字列のmodel.Keysに正規化する。
// keys配下を優先し、なければ直下のp256dh/authを使用する。
func decodeSubscriptionKeys(ws *wireSubscription) (model.Keys, error) {
	rawP256dh, rawAuth := ws.P256dh, ws.Auth
	if ws.Keys != nil {
		rawP256dh, rawAuth = ws.Keys.P256dh, ws.Keys.Auth
	}

	p256dh, err := decodeKeyValue(rawP256dh)
	if err != nil {
		return model.Keys{}, fmt.Errorf("keys.p256dh の形式が不正です: %w", err)
	}
	auth, err := decodeKeyValue(rawAuth)
	if err != nil {
		return model.Keys{}, fmt.Errorf("keys.auth の形式が不正です: %w", err)
	}
	return model.Keys{P256dh: p256dh, Auth: auth}, nil
}

// decodeKeyValue は鍵1つ分の値を文字列に変換する。
// 文字列はそのまま、バイト配列と添字をキーとするオブジェクトはbase64urlに変換する。
func decodeKeyValue(raw json.RawMessage) (string, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return "", nil
	}

	switch raw[0] {
	case '"':
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return "", err
		}
		return s, nil
	case '[':
		var ints []int
		if err := json.Unmarshal(raw, &ints); err != nil {
			return "", err
		}
		return encodeKeyBytes(ints)
	case '{':
		var indexed map[string]int
		if err := json.Unmarshal(raw, &indexed); err != nil {
			return "", err
		}
		ints, err := indexedToSlice(indexed)
		if err != nil {
			return "", err
		}
		return encodeKeyBytes(ints)
	default:
		return "", fmt.Errorf("unsupported key type")
	}
}

func encodeKeyBytes(ints []int) (string, error) {
	if len(ints) == 0 {
		return "", nil
	}
	b := make([]byte, len(ints))
	for i, v := range ints {
		if v < 0 || v > 255 {
			return "", fmt.Errorf("byte out of range at %d: %d", i, v)
		}
		b[i] = byte(v)
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}

// indexedToSlice は {"0":4,"1":17,...} 形式を添字順のスライスに変換する。
func indexedToSlice(indexed map[string]int) ([]int, error) {
	type pair struct{ idx, val int }
	pairs := make([]pair, 0, len(indexed))
	for k, v := range indexed {
		idx, err := strconv.Atoi(k)
		if err != nil {
			return nil, fmt.Errorf("invalid index %q", k)
		}
		pairs = append(pairs, pair{idx, v})
	}
	sort.Slice(pairs, func(i, j int) bool { return pairs[i].idx < pairs[j].idx })

	out := make([]int, len(pairs))
	for i, p := range pairs {
		if p.idx != i {
			return nil, fmt.Errorf("missing index %d", i)
		}
		out[i] = p.val
	}
	return out, nil
}
