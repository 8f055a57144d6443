// Package emulation describes the browser a session pretends to be: the
// overrides applied to its pages and the header and socket behavior the
// intercepting proxy applies to its traffic.
package emulation

import (
	"context"
	"fmt"
	"strings"

	"github.com/chromedp/cdproto/emulation"
	"github.com/chromedp/chromedp"
	"go.uber.org/zap"
)

// Profile defines the browser characteristics to emulate.
type Profile struct {
	UserAgent      string
	Platform       string
	AcceptLanguage string
	Timezone       string
	Locale         string
	// HeaderProfile names a built-in header layout, see LoadHeaderProfile.
	HeaderProfile string
}

// DefaultProfile is a common desktop Chrome on Windows.
var DefaultProfile = Profile{
	UserAgent:      "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/126.0.0.0 Safari/537.36",
	Platform:       "Win32",
	AcceptLanguage: "en-US,en;q=0.9",
	Timezone:       "America/Los_Angeles",
	Locale:         "en-US",
	HeaderProfile:  "chrome",
}

// WithDefaults fills empty fields from DefaultProfile. The platform is
// derived from the user agent when it was overridden.
func (p Profile) WithDefaults() Profile {
	if p.UserAgent == "" {
		p.UserAgent = DefaultProfile.UserAgent
		if p.Platform == "" {
			p.Platform = DefaultProfile.Platform
		}
	}
	if p.Platform == "" {
		p.Platform = ParseUserAgent(p.UserAgent).Platform
	}
	if p.AcceptLanguage == "" {
		p.AcceptLanguage = DefaultProfile.AcceptLanguage
	}
	if p.Locale == "" {
		p.Locale = strings.SplitN(p.AcceptLanguage, ",", 2)[0]
	}
	if p.HeaderProfile == "" {
		p.HeaderProfile = DefaultProfile.HeaderProfile
	}
	return p
}

// Tasks returns the page-level overrides for p. Run them with an executor
// bound context: p.Tasks(logger).Do(session.WithExecutor(ctx)).
func (p Profile) Tasks(logger *zap.Logger) chromedp.Tasks {
	logger.Debug("Applying emulation profile",
		zap.String("user_agent", p.UserAgent),
		zap.String("platform", p.Platform),
	)

	tasks := chromedp.Tasks{
		emulation.SetUserAgentOverride(p.UserAgent).
			WithAcceptLanguage(p.AcceptLanguage).
			WithPlatform(p.Platform),
	}
	if p.Timezone != "" {
		tasks = append(tasks, emulation.SetTimezoneOverride(p.Timezone))
	}
	if p.Locale != "" {
		tasks = append(tasks, emulation.SetLocaleOverride().WithLocale(p.Locale))
	}
	return tasks
}

// Delegate is what the intercepting proxy calls out to for one session.
type Delegate struct {
	ProfileID      string
	UserAgent      UserAgent
	RequestHeaders RequestHeadersFunc
	Socket         SocketOptions
}

// NewDelegate builds the network delegate for p.
func NewDelegate(p Profile) (*Delegate, error) {
	p = p.WithDefaults()
	hp, err := LoadHeaderProfile(p.HeaderProfile)
	if err != nil {
		return nil, fmt.Errorf("building network delegate: %w", err)
	}
	ua := ParseUserAgent(p.UserAgent)
	return &Delegate{
		ProfileID:      hp.ID,
		UserAgent:      ua,
		RequestHeaders: ModifyHeaders(ua, hp.WithAcceptLanguage(p.AcceptLanguage)),
		Socket:         TCPSettingsForOS(ua.OS),
	}, nil
}

// Apply runs the profile's page overrides on an executor bound context.
func (p Profile) Apply(ctx context.Context, logger *zap.Logger) error {
	if err := p.Tasks(logger).Do(ctx); err != nil {
		return fmt.Errorf("applying emulation profile: %w", err)
	}
	return nil
}
