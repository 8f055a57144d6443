package browser

import (
	"context"

	"github.com/chromedp/cdproto"
	"github.com/chromedp/cdproto/fetch"
	"go.uber.org/zap"

	"github.com/xkilldash9x/scalpel-puppet/internal/devtools"
)

// enableProxyAuth turns on request interception with auth handling. Every
// request is paused until continued, so it pairs with listenProxyAuth.
func enableProxyAuth(ctx context.Context) error {
	return fetch.Enable().WithHandleAuthRequests(true).Do(ctx)
}

// listenProxyAuth continues paused requests untouched and answers proxy
// challenges with the browser context id as user name. Server challenges
// keep the engine's default behavior.
func (p *Page) listenProxyAuth() []func() {
	s := p.session
	return []func(){
		devtools.Listen(s, cdproto.EventFetchRequestPaused, func(ev *fetch.EventRequestPaused) {
			go p.continueRequest(ev.RequestID)
		}),
		devtools.Listen(s, cdproto.EventFetchAuthRequired, func(ev *fetch.EventAuthRequired) {
			go p.answerAuth(ev)
		}),
	}
}

func (p *Page) continueRequest(id fetch.RequestID) {
	ctx, cancel := context.WithTimeout(context.Background(), releaseTimeout)
	defer cancel()
	if err := fetch.ContinueRequest(id).Do(p.exec(ctx)); err != nil && !devtools.IsDisconnected(err) {
		p.logger.Debug("Could not continue paused request", zap.String("request_id", string(id)), zap.Error(err))
	}
}

func (p *Page) answerAuth(ev *fetch.EventAuthRequired) {
	resp := authResponse(ev, string(p.context.id))
	ctx, cancel := context.WithTimeout(context.Background(), releaseTimeout)
	defer cancel()
	if err := fetch.ContinueWithAuth(ev.RequestID, resp).Do(p.exec(ctx)); err != nil && !devtools.IsDisconnected(err) {
		p.logger.Debug("Could not answer auth challenge", zap.String("request_id", string(ev.RequestID)), zap.Error(err))
	}
}

func authResponse(ev *fetch.EventAuthRequired, username string) *fetch.AuthChallengeResponse {
	if ev.AuthChallenge == nil || ev.AuthChallenge.Source != fetch.AuthChallengeSourceProxy {
		return &fetch.AuthChallengeResponse{Response: fetch.AuthChallengeResponseResponseDefault}
	}
	return &fetch.AuthChallengeResponse{
		Response: fetch.AuthChallengeResponseResponseProvideCredentials,
		Username: username,
	}
}
