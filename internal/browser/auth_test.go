package browser

import (
	"testing"

	"github.com/chromedp/cdproto/fetch"
	json "github.com/json-iterator/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAuthResponse(t *testing.T) {
	proxy := authResponse(&fetch.EventAuthRequired{AuthChallenge: &fetch.AuthChallenge{Source: fetch.AuthChallengeSourceProxy}}, "CTX9")
	assert.Equal(t, fetch.AuthChallengeResponseResponseProvideCredentials, proxy.Response)
	assert.Equal(t, "CTX9", proxy.Username)
	assert.Empty(t, proxy.Password)

	server := authResponse(&fetch.EventAuthRequired{AuthChallenge: &fetch.AuthChallenge{Source: fetch.AuthChallengeSourceServer}}, "CTX9")
	assert.Equal(t, fetch.AuthChallengeResponseResponseDefault, server.Response)
	assert.Empty(t, server.Username)

	missing := authResponse(&fetch.EventAuthRequired{}, "CTX9")
	assert.Equal(t, fetch.AuthChallengeResponseResponseDefault, missing.Response)
}

func TestPage_ProxyAuth(t *testing.T) {
	h := newHarness(t, Options{ProxyAuth: true})
	bc, p := h.newPage(t)
	sid := string(p.Session().ID())

	c := h.fake.waitCall(t, "Fetch.enable", sid)
	assert.True(t, json.Get(c.Params, "handleAuthRequests").ToBool())

	request := map[string]any{"url": "https://a.test/", "method": "GET", "headers": map[string]any{}}
	h.fake.server().Emit(sid, "Fetch.requestPaused", map[string]any{
		"requestId": "R1", "request": request, "frameId": "F", "resourceType": "Document",
	})
	c = h.fake.waitCall(t, "Fetch.continueRequest", sid)
	assert.Equal(t, "R1", c.Param("requestId"))

	h.fake.server().Emit(sid, "Fetch.authRequired", map[string]any{
		"requestId": "R2", "request": request, "frameId": "F", "resourceType": "Document",
		"authChallenge": map[string]any{"source": "Proxy", "origin": "http://127.0.0.1:8080", "scheme": "basic", "realm": ""},
	})
	c = h.fake.waitCall(t, "Fetch.continueWithAuth", sid)
	require.Equal(t, "R2", c.Param("requestId"))
	assert.Equal(t, "ProvideCredentials", json.Get(c.Params, "authChallengeResponse", "response").ToString())
	assert.Equal(t, string(bc.ID()), json.Get(c.Params, "authChallengeResponse", "username").ToString())
}

func TestPage_NoInterceptionWithoutProxyAuth(t *testing.T) {
	h := newHarness(t, Options{})
	_, p := h.newPage(t)
	assert.Empty(t, h.fake.callsFor("Fetch.enable", string(p.Session().ID())))
}
