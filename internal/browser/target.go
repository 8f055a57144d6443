package browser

import (
	"context"

	"github.com/chromedp/cdproto"
	"github.com/go-json-experiment/json/jsontext"

	"github.com/xkilldash9x/scalpel-puppet/internal/devtools"
)

// Target is the capability every controllable surface shares. Page and
// Worker implement it by embedding base.
type Target interface {
	TargetID() string
	Session() *devtools.Session
	Send(ctx context.Context, method string, params any) (jsontext.Value, error)
	WaitForEvent(ctx context.Context, method cdproto.MethodType, match func(*devtools.Event) bool) (*devtools.Event, error)
}

var (
	_ Target = (*Page)(nil)
	_ Target = (*Worker)(nil)
)

type base struct {
	session  *devtools.Session
	targetID string
}

func (b *base) TargetID() string { return b.targetID }

func (b *base) Session() *devtools.Session { return b.session }

func (b *base) Send(ctx context.Context, method string, params any) (jsontext.Value, error) {
	return b.session.Send(ctx, method, params)
}

func (b *base) WaitForEvent(ctx context.Context, method cdproto.MethodType, match func(*devtools.Event) bool) (*devtools.Event, error) {
	return b.session.WaitForEvent(ctx, method, match)
}

// exec binds ctx to the target's session for cdproto command builders.
func (b *base) exec(ctx context.Context) context.Context {
	return b.session.WithExecutor(ctx)
}
