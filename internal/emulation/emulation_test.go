package emulation

import (
	"context"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/cdproto/target"
	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"

	"github.com/xkilldash9x/scalpel-puppet/internal/devtools"
	"github.com/xkilldash9x/scalpel-puppet/internal/devtools/devtoolstest"
)

const macChrome = "Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36"

func TestParseUserAgent(t *testing.T) {
	tests := []struct {
		raw  string
		want UserAgent
	}{
		{
			raw:  DefaultProfile.UserAgent,
			want: UserAgent{Browser: "Chrome", BrowserMajor: 126, OS: OS{Family: "Windows", Major: 10, Minor: 0}, Platform: "Win32"},
		},
		{
			raw:  macChrome,
			want: UserAgent{Browser: "Chrome", BrowserMajor: 120, OS: OS{Family: "Mac OS X", Major: 10, Minor: 15}, Platform: "MacIntel"},
		},
		{
			raw:  "Mozilla/5.0 (X11; Linux x86_64; rv:128.0) Gecko/20100101 Firefox/128.0",
			want: UserAgent{Browser: "Firefox", BrowserMajor: 128, OS: OS{Family: "Linux"}, Platform: "Linux x86_64"},
		},
		{raw: "curl/8.0"},
	}
	for _, tt := range tests {
		t.Run(tt.raw, func(t *testing.T) {
			tt.want.Raw = tt.raw
			if diff := cmp.Diff(tt.want, ParseUserAgent(tt.raw)); diff != "" {
				t.Errorf("ParseUserAgent mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestTCPSettingsForOS(t *testing.T) {
	assert.Equal(t, SocketOptions{TTL: 128, WindowSize: 64240}, TCPSettingsForOS(OS{Family: "Windows"}))
	assert.Equal(t, SocketOptions{TTL: 64, WindowSize: 65535}, TCPSettingsForOS(OS{Family: "Mac OS X"}))
	assert.Equal(t, SocketOptions{}, TCPSettingsForOS(OS{}))
}

func TestModifyHeaders_DocumentOrderAndDefaults(t *testing.T) {
	hp, err := LoadHeaderProfile("chrome")
	require.NoError(t, err)
	fn := ModifyHeaders(ParseUserAgent(macChrome), hp.WithAcceptLanguage("de-DE,de;q=0.9"))

	in := http.Header{}
	in.Set("User-Agent", "Go-http-client/1.1")
	in.Set("Cookie", "a=1")
	in.Set("X-Trace", "abc")
	in.Set("Accept", "text/html")

	got := fn(Resource{Method: http.MethodGet, Type: network.ResourceTypeDocument, OriginType: "none", Secure: true, Headers: in})

	want := []Header{
		{Name: "Upgrade-Insecure-Requests", Value: "1"},
		{Name: "User-Agent", Value: macChrome},
		{Name: "Accept", Value: "text/html"},
		{Name: "Sec-Fetch-Mode", Value: "navigate"},
		{Name: "Sec-Fetch-Dest", Value: "document"},
		{Name: "Accept-Encoding", Value: "gzip, deflate, br"},
		{Name: "Accept-Language", Value: "de-DE,de;q=0.9"},
		{Name: "Cookie", Value: "a=1"},
		{Name: "X-Trace", Value: "abc"},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("header list mismatch (-want +got):\n%s", diff)
	}

	again := fn(Resource{Method: http.MethodGet, Type: network.ResourceTypeDocument, OriginType: "none", Secure: true, Headers: in})
	assert.Equal(t, got, again, "rewrites are deterministic")
	assert.Empty(t, hp.AcceptLanguage, "the shared profile is not modified")
}

func TestModifyHeaders_ImageAndUnmatched(t *testing.T) {
	hp, err := LoadHeaderProfile("chrome")
	require.NoError(t, err)
	fn := ModifyHeaders(ParseUserAgent(DefaultProfile.UserAgent), hp)

	got := ToHTTPHeader(fn(Resource{Method: http.MethodGet, Type: network.ResourceTypeImage, OriginType: "cross-site", Headers: http.Header{}}))
	assert.Equal(t, "image", got.Get("Sec-Fetch-Dest"))
	assert.Equal(t, DefaultProfile.UserAgent, got.Get("User-Agent"))
	assert.Empty(t, got.Get("Accept-Language"))

	assert.Nil(t, fn(Resource{Method: http.MethodGet, Type: network.ResourceTypeManifest, Headers: http.Header{}}))
}

func TestLoadHeaderProfile_Unknown(t *testing.T) {
	_, err := LoadHeaderProfile("netscape")
	assert.ErrorContains(t, err, "unknown header profile")
}

func TestNewDelegate(t *testing.T) {
	d, err := NewDelegate(Profile{UserAgent: macChrome})
	require.NoError(t, err)
	assert.Equal(t, "chrome", d.ProfileID)
	assert.Equal(t, "MacIntel", d.UserAgent.Platform)
	assert.Equal(t, 64, d.Socket.TTL)
	require.NotNil(t, d.RequestHeaders)
}

func TestProfile_WithDefaults(t *testing.T) {
	p := Profile{UserAgent: macChrome, AcceptLanguage: "fr-FR,fr"}.WithDefaults()
	assert.Equal(t, "MacIntel", p.Platform)
	assert.Equal(t, "fr-FR", p.Locale)
	assert.Equal(t, "chrome", p.HeaderProfile)

	assert.Equal(t, DefaultProfile.Platform, Profile{}.WithDefaults().Platform)
}

func TestProfile_Apply(t *testing.T) {
	var mu sync.Mutex
	var methods []string
	var ua string
	srv := devtoolstest.New(t, func(c *devtoolstest.Call) {
		mu.Lock()
		methods = append(methods, c.Method)
		if c.Method == "Emulation.setUserAgentOverride" {
			ua = c.Param("userAgent")
		}
		mu.Unlock()
		_ = c.Reply(nil)
	})
	conn, err := devtools.Dial(context.Background(), srv.URL, zaptest.NewLogger(t), devtools.Options{})
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	srv.WaitConnected()

	srv.Emit("", "Target.attachedToTarget", map[string]any{
		"sessionId":          "S1",
		"targetInfo":         map[string]any{"targetId": "T1", "type": "page", "title": "", "url": "", "attached": true},
		"waitingForDebugger": false,
	})
	var s *devtools.Session
	require.Eventually(t, func() bool {
		var ok bool
		s, ok = conn.Session(target.SessionID("S1"))
		return ok
	}, 2*time.Second, 5*time.Millisecond)

	require.NoError(t, DefaultProfile.Apply(s.WithExecutor(context.Background()), zap.NewNop()))

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"Emulation.setUserAgentOverride", "Emulation.setTimezoneOverride", "Emulation.setLocaleOverride"}, methods)
	assert.Equal(t, DefaultProfile.UserAgent, ua)
}
