package abuse

import (
	"net"
	"net/http"
	"strings"
)

// Header warnings
const (
	WarnMissingUserAgent    = "missing_user_agent"
	WarnAutomationUserAgent = "automation_user_agent"
	WarnSpoofedBrowser      = "spoofed_browser"
)

var automationAgents = []string{
	"curl", "wget", "python-requests", "python-urllib", "go-http-client",
	"httpie", "postman", "scrapy", "bot", "crawler", "spider", "headless",
}

// InspectHeaders flags request headers typical of automated tooling. The
// result is advisory: it never blocks a request by itself.
func InspectHeaders(h http.Header) []string {
	ua := h.Get("User-Agent")
	if ua == "" {
		return []string{WarnMissingUserAgent}
	}

	var warnings []string
	lower := strings.ToLower(ua)
	for _, pattern := range automationAgents {
		if strings.Contains(lower, pattern) {
			warnings = append(warnings, WarnAutomationUserAgent)
			break
		}
	}

	// Real browsers always send these; a Mozilla UA without them is a script.
	if strings.HasPrefix(ua, "Mozilla/") &&
		(h.Get("Accept-Language") == "" || h.Get("Sec-Fetch-Mode") == "") {
		warnings = append(warnings, WarnSpoofedBrowser)
	}
	return warnings
}

// ClientID derives the client identifier: the first hop of X-Forwarded-For,
// then X-Real-IP, then the peer address.
func ClientID(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		first, _, _ := strings.Cut(fwd, ",")
		if ip := strings.TrimSpace(first); ip != "" {
			return ip
		}
	}
	if ip := strings.TrimSpace(r.Header.Get("X-Real-IP")); ip != "" {
		return ip
	}
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}
	return r.RemoteAddr
}
