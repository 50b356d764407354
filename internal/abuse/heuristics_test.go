package abuse

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestInspectHeaders(t *testing.T) {
	tests := []struct {
		name    string
		headers map[string]string
		want    []string
	}{
		{"no user agent", nil, []string{WarnMissingUserAgent}},
		{"curl", map[string]string{"User-Agent": "curl/8.4.0"}, []string{WarnAutomationUserAgent}},
		{"python", map[string]string{"User-Agent": "python-requests/2.31"}, []string{WarnAutomationUserAgent}},
		{"executor", map[string]string{"User-Agent": "Roblox/WinInet"}, nil},
		{
			"bare mozilla",
			map[string]string{"User-Agent": "Mozilla/5.0 (Windows NT 10.0)"},
			[]string{WarnSpoofedBrowser},
		},
		{
			"headless chrome",
			map[string]string{"User-Agent": "Mozilla/5.0 HeadlessChrome/120.0"},
			[]string{WarnAutomationUserAgent, WarnSpoofedBrowser},
		},
		{
			"real browser",
			map[string]string{
				"User-Agent":      "Mozilla/5.0 (Windows NT 10.0) Chrome/120.0",
				"Accept-Language": "en-US",
				"Sec-Fetch-Mode":  "navigate",
			},
			nil,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := http.Header{}
			for k, v := range tt.headers {
				h.Set(k, v)
			}
			assert.Equal(t, tt.want, InspectHeaders(h))
		})
	}
}

func TestClientID(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r.RemoteAddr = "10.0.0.1:5555"
	assert.Equal(t, "10.0.0.1", ClientID(r))

	r.Header.Set("X-Real-IP", "9.9.9.9")
	assert.Equal(t, "9.9.9.9", ClientID(r))

	r.Header.Set("X-Forwarded-For", " 1.2.3.4 , 10.0.0.2")
	assert.Equal(t, "1.2.3.4", ClientID(r))
}
