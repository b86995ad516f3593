package delivery

import (
	"context"
	"crypto/ecdh"
	"crypto/rand"
	"encoding/base64"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	webpush "github.com/SherClockHolmes/webpush-go"

	"github.com/hitoshi/newsbell/internal/model"
)

// newClientKeys はブラウザが生成するのと同じ形式の購読鍵を生成する。
func newClientKeys(t *testing.T) model.Keys {
	t.Helper()
	priv, err := ecdh.P256().GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}
	auth := make([]byte, 16)
	if _, err := rand.Read(auth); err != nil {
		t.Fatalf("rand.Read: %v", err)
	}
	return model.Keys{
		P256dh: base64.RawURLEncoding.EncodeToString(priv.PublicKey().Bytes()),
		Auth:   base64.RawURLEncoding.EncodeToString(auth),
	}
}

func newTestVAPID(t *testing.T) VAPIDConfig {
	t.Helper()
	pub, priv, err := GenerateVAPIDKeys()
	if err != nil {
		t.Fatalf("GenerateVAPIDKeys: %v", err)
	}
	return VAPIDConfig{PublicKey: pub, PrivateKey: priv, Subject: "mailto:ops@example.com"}
}

type capturedRequest struct {
	method   string
	encoding string
	ttl      string
	urgency  string
	auth     string
	bodyLen  int
}

func TestWebPusher_Push_SendsEncryptedRequest(t *testing.T) {
	var (
		mu  sync.Mutex
		got capturedRequest
	)
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		mu.Lock()
		got = capturedRequest{
			method:   r.Method,
			encoding: r.Header.Get("Content-Encoding"),
			ttl:      r.Header.Get("TTL"),
			urgency:  r.Header.Get("Urgency"),
			auth:     r.Header.Get("Authorization"),
			bodyLen:  len(body),
		}
		mu.Unlock()
		w.WriteHeader(http.StatusCreated)
	}))
	defer ts.Close()

	p := NewWebPusher(newTestVAPID(t), WebPusherOptions{HTTPClient: ts.Client(), TTL: 3600})
	sub := &model.Subscription{ID: "s1", Endpoint: ts.URL + "/push/s1", Keys: newClientKeys(t)}

	status, err := p.Push(context.Background(), []byte(`{"title":"hello"}`), sub)
	if err != nil {
		t.Fatalf("Push: %v", err)
	}
	if status != http.StatusCreated {
		t.Errorf("status = %d, want 201", status)
	}

	mu.Lock()
	defer mu.Unlock()
	if got.method != http.MethodPost {
		t.Errorf("method = %s, want POST", got.method)
	}
	if got.encoding != "aes128gcm" {
		t.Errorf("Content-Encoding = %q, want aes128gcm", got.encoding)
	}
	if got.ttl != "3600" {
		t.Errorf("TTL = %q, want 3600", got.ttl)
	}
	if got.urgency != string(webpush.UrgencyNormal) {
		t.Errorf("Urgency = %q, want normal", got.urgency)
	}
	if !strings.HasPrefix(got.auth, "vapid ") {
		t.Errorf("Authorization = %q, want vapid scheme", got.auth)
	}
	if got.bodyLen == 0 {
		t.Error("expected encrypted body")
	}
}

func TestWebPusher_Push_ReturnsPushServiceStatus(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusGone)
	}))
	defer ts.Close()

	p := NewWebPusher(newTestVAPID(t), WebPusherOptions{HTTPClient: ts.Client()})
	sub := &model.Subscription{ID: "s1", Endpoint: ts.URL + "/push/s1", Keys: newClientKeys(t)}

	status, err := p.Push(context.Background(), []byte(`{}`), sub)
	if err != nil {
		t.Fatalf("Push: %v", err)
	}
	if status != http.StatusGone {
		t.Errorf("status = %d, want 410", status)
	}
}

func TestWebPusher_Push_InvalidKeysReturnsError(t *testing.T) {
	p := NewWebPusher(newTestVAPID(t), WebPusherOptions{})
	sub := &model.Subscription{
		ID:       "s1",
		Endpoint: "https://push.example.com/s1",
		Keys:     model.Keys{P256dh: "not-a-key", Auth: "x"},
	}

	if _, err := p.Push(context.Background(), []byte(`{}`), sub); err == nil {
		t.Error("expected error for malformed subscription keys")
	}
}

func TestWebPusher_Ready(t *testing.T) {
	if err := NewWebPusher(VAPIDConfig{}, WebPusherOptions{}).Ready(); err == nil {
		t.Error("expected error without VAPID keys")
	}
	if err := NewWebPusher(newTestVAPID(t), WebPusherOptions{}).Ready(); err != nil {
		t.Errorf("Ready: %v", err)
	}
}

func TestGenerateVAPIDKeys_ReturnsDistinctURLSafeKeys(t *testing.T) {
	pub, priv, err := GenerateVAPIDKeys()
	if err != nil {
		t.Fatalf("GenerateVAPIDKeys: %v", err)
	}
	raw, err := base64.RawURLEncoding.DecodeString(pub)
	if err != nil {
		t.Fatalf("public key is not base64url: %v", err)
	}
	if len(raw) != 65 || raw[0] != 0x04 {
		t.Errorf("public key should be an uncompressed P-256 point, got %d bytes", len(raw))
	}
	if pub == priv {
		t.Error("public and private keys must differ")
	}
}
