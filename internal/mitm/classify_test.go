package mitm

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/chromedp/cdproto/network"
	"github.com/stretchr/testify/assert"
)

func TestClassifyResource(t *testing.T) {
	tests := []struct {
		name    string
		target  string
		headers map[string]string
		want    network.ResourceType
	}{
		{"websocket upgrade", "http://a.test/ws", map[string]string{"Upgrade": "WebSocket", "Sec-Fetch-Dest": "document"}, network.ResourceTypeWebSocket},
		{"fetch dest wins over extension", "http://a.test/x.css", map[string]string{"Sec-Fetch-Dest": "script"}, network.ResourceTypeScript},
		{"iframe is a document", "http://a.test/", map[string]string{"Sec-Fetch-Dest": "iframe"}, network.ResourceTypeDocument},
		{"empty dest xhr", "http://a.test/api", map[string]string{"Sec-Fetch-Dest": "empty", "X-Requested-With": "XMLHttpRequest"}, network.ResourceTypeXHR},
		{"empty dest fetch", "http://a.test/api", map[string]string{"Sec-Fetch-Dest": "empty"}, network.ResourceTypeFetch},
		{"accept html", "http://a.test/page", map[string]string{"Accept": "text/html,application/xhtml+xml"}, network.ResourceTypeDocument},
		{"accept image", "http://a.test/pixel", map[string]string{"Accept": "image/avif,image/webp"}, network.ResourceTypeImage},
		{"extension", "http://a.test/fonts/a.WOFF2", nil, network.ResourceTypeFont},
		{"unknown", "http://a.test/data", nil, network.ResourceTypeOther},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest(http.MethodGet, tt.target, nil)
			for k, v := range tt.headers {
				r.Header.Set(k, v)
			}
			assert.Equal(t, tt.want, ClassifyResource(r))
		})
	}
}

func TestOriginType(t *testing.T) {
	tests := []struct {
		name    string
		target  string
		headers map[string]string
		want    string
	}{
		{"sec-fetch-site is trusted", "http://a.test/", map[string]string{"Sec-Fetch-Site": "cross-site", "Origin": "http://a.test"}, "cross-site"},
		{"no initiator", "http://a.test/", nil, "none"},
		{"same origin", "https://www.example.com/x", map[string]string{"Origin": "https://www.example.com"}, "same-origin"},
		{"same site via referer", "https://cdn.example.com/x", map[string]string{"Referer": "https://www.example.com/page"}, "same-site"},
		{"scheme differs", "http://www.example.com/x", map[string]string{"Origin": "https://www.example.com"}, "same-site"},
		{"cross site", "https://cdn.other.org/x", map[string]string{"Origin": "https://www.example.com"}, "cross-site"},
		{"public suffix hosts", "https://b.github.io/", map[string]string{"Origin": "https://a.github.io"}, "cross-site"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest(http.MethodGet, tt.target, nil)
			for k, v := range tt.headers {
				r.Header.Set(k, v)
			}
			assert.Equal(t, tt.want, OriginType(r))
		})
	}
}

func TestBlockURLs(t *testing.T) {
	match := BlockURLs("*.doubleclick.net/*", "https://a.test/track?*")
	assert.True(t, match("https://ad.doubleclick.net/pixel"))
	assert.True(t, match("https://a.test/track?id=1"))
	assert.False(t, match("https://a.test/tracker"))
	assert.False(t, match("https://example.com/"))
}
