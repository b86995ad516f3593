// Package security はプッシュ配信まわりのセキュリティ機能を提供する。
package security

import (
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/doyensec/safeurl"
)

// EndpointGuardService はプッシュエンドポイントの検証と安全なHTTPクライアント生成を行う。
// 購読登録時の事前検証と配信時の送信の両方で使用される。
type EndpointGuardService interface {
	// ValidateEndpoint はブラウザから受け取ったプッシュエンドポイントを静的に検証する。
	ValidateEndpoint(rawURL string) error

	// NewPushClient はプライベートアドレスへの接続を拒否するHTTPクライアントを生成する。
	NewPushClient(timeout time.Duration) *http.Client
}

// blockedNetworks はエンドポイントとして許可しないネットワーク範囲。
// safeurlはDNS解決後のIPもDialerで検証するため、ここでは静的に判定できるものだけを扱う。
var blockedNetworks []net.IPNet

func init() {
	cidrs := []string{
		"10.0.0.0/8",
		"172.16.0.0/12",
		"192.168.0.0/16",
		"127.0.0.0/8",
		// クラウドメタデータIP (169.254.169.254) を含む
		"169.254.0.0/16",
		"0.0.0.0/8",
		"100.64.0.0/10",
		"::1/128",
		"fe80::/10",
		"fc00::/7",
	}
	for _, cidr := range cidrs {
		_, network, err := net.ParseCIDR(cidr)
		if err != nil {
			panic(fmt.Sprintf("invalid CIDR in blockedNetworks: %s: %v", cidr, err))
		}
		blockedNetworks = append(blockedNetworks, *network)
	}
}

var blockedHostnames = []string{
	"localhost",
	"metadata.google.internal",
}

// EndpointGuard はEndpointGuardServiceの実装。
type EndpointGuard struct {
	allowedSchemes []string
}

// NewEndpointGuard はhttpsのエンドポイントのみ許可するガードを生成する。
func NewEndpointGuard() *EndpointGuard {
	return &EndpointGuard{allowedSchemes: []string{"https"}}
}

// ValidateEndpoint はエンドポイントURLのスキーム、ホスト、IPアドレスを検証する。
// DNS解決は行わない。
func (g *EndpointGuard) ValidateEndpoint(rawURL string) error {
	if rawURL == "" {
		return fmt.Errorf("empty endpoint")
	}

	parsed, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("invalid endpoint: %w", err)
	}

	scheme := strings.ToLower(parsed.Scheme)
	if !g.isAllowedScheme(scheme) {
		return fmt.Errorf("disallowed scheme: %q (allowed: %v)", scheme, g.allowedSchemes)
	}

	host := parsed.Hostname()
	if host == "" {
		return fmt.Errorf("empty host in endpoint")
	}

	if ip := net.ParseIP(host); ip != nil {
		if isBlockedIP(ip) {
			return fmt.Errorf("blocked IP address: %s", ip.String())
		}
		return nil
	}

	if isBlockedHostname(host) {
		return fmt.Errorf("blocked host: %s", host)
	}

	return nil
}

// NewPushClient はsafeurlでラップしたHTTPクライアントを生成する。
// 接続先は443番ポートのhttpsに限定される。
func (g *EndpointGuard) NewPushClient(timeout time.Duration) *http.Client {
	config := safeurl.GetConfigBuilder().
		SetTimeout(timeout).
		SetAllowedSchemes(g.allowedSchemes...).
		SetAllowedPorts(443).
		Build()

	return safeurl.Client(config).Client
}

func (g *EndpointGuard) isAllowedScheme(scheme string) bool {
	for _, allowed := range g.allowedSchemes {
		if strings.EqualFold(scheme, allowed) {
			return true
		}
	}
	return false
}

func isBlockedIP(ip net.IP) bool {
	for _, network := range blockedNetworks {
		if network.Contains(ip) {
			return true
		}
	}
	return false
}

func isBlockedHostname(host string) bool {
	lower := strings.ToLower(strings.TrimSuffix(host, "."))
	for _, blocked := range blockedHostnames {
		if lower == blocked || strings.HasSuffix(lower, ".localhost") {
			return true
		}
	}
	return false
}
