package subscription

import "strings"

// DetectBrowser はUser-Agentからブラウザファミリーを判定する。
// Chrome系のUser-AgentはSafariやEdgeの文字列も含むため、判定順序に意味がある。
func DetectBrowser(userAgent string) string {
	switch {
	case strings.Contains(userAgent, "Edg/"), strings.Contains(userAgent, "Edge/"):
		return "Edge"
	case strings.Contains(userAgent, "Chrome"):
		return "Chrome"
	case strings.Contains(userAgent, "Firefox"):
		return "Firefox"
	case strings.Contains(userAgent, "Safari"):
		return "Safari"
	default:
		return "Unknown"
	}
}

// DetectOS はUser-AgentからOSファミリーを判定する。
func DetectOS(userAgent string) string {
	switch {
	case strings.Contains(userAgent, "Windows"):
		return "Windows"
	case strings.Contains(userAgent, "iPhone"), strings.Contains(userAgent, "iPad"):
		return "iOS"
	case strings.Contains(userAgent, "Android"):
		return "Android"
	case strings.Contains(userAgent, "Mac"):
		return "macOS"
	case strings.Contains(userAgent, "Linux"):
		return "Linux"
	default:
		return "Unknown"
	}
}
