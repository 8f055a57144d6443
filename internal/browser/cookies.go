package browser

import (
	"context"
	"fmt"
	"math"
	"net/url"
	"strings"
	"time"

	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/cdproto/storage"
	"golang.org/x/net/publicsuffix"
)

// Cookie is a browser cookie. A zero Expires is a session cookie.
type Cookie struct {
	Name     string    `json:"name"`
	Value    string    `json:"value"`
	Domain   string    `json:"domain"`
	Path     string    `json:"path"`
	Expires  time.Time `json:"expires,omitzero"`
	HTTPOnly bool      `json:"httpOnly"`
	Secure   bool      `json:"secure"`
	SameSite string    `json:"sameSite,omitempty"`
}

func fromNetworkCookie(c *network.Cookie) Cookie {
	out := Cookie{
		Name:     c.Name,
		Value:    c.Value,
		Domain:   c.Domain,
		Path:     c.Path,
		HTTPOnly: c.HTTPOnly,
		Secure:   c.Secure,
		SameSite: c.SameSite.String(),
	}
	if !c.Session && c.Expires > 0 {
		sec, frac := math.Modf(c.Expires)
		out.Expires = time.Unix(int64(sec), int64(frac*1e9)).UTC()
	}
	return out
}

func fromNetworkCookies(cs []*network.Cookie) []Cookie {
	out := make([]Cookie, 0, len(cs))
	for _, c := range cs {
		out = append(out, fromNetworkCookie(c))
	}
	return out
}

// cookieURL picks the URL a cookie is set against: the first origin whose
// host lies within the cookie's domain, otherwise one built from the
// cookie itself.
func cookieURL(c Cookie, origins []*url.URL) string {
	domain := strings.TrimPrefix(strings.ToLower(c.Domain), ".")
	if domain != "" && !isPublicSuffix(domain) {
		for _, o := range origins {
			host := strings.ToLower(o.Hostname())
			if host == domain || strings.HasSuffix(host, "."+domain) {
				return o.String()
			}
		}
	}
	scheme := "http"
	if c.Secure {
		scheme = "https"
	}
	path := c.Path
	if path == "" {
		path = "/"
	}
	return scheme + "://" + domain + path
}

// isPublicSuffix reports whether domain is an ICANN suffix such as "com"
// or "co.uk". No origin is matched against such a domain.
func isPublicSuffix(domain string) bool {
	suffix, icann := publicsuffix.PublicSuffix(domain)
	return icann && suffix == domain
}

func toCookieParams(cookies []Cookie, origins []string) ([]*network.CookieParam, error) {
	parsed := make([]*url.URL, 0, len(origins))
	for _, o := range origins {
		u, err := url.Parse(o)
		if err != nil {
			return nil, fmt.Errorf("invalid cookie origin %q: %w", o, err)
		}
		parsed = append(parsed, u)
	}

	params := make([]*network.CookieParam, 0, len(cookies))
	for _, c := range cookies {
		p := &network.CookieParam{
			Name:     c.Name,
			Value:    c.Value,
			URL:      cookieURL(c, parsed),
			Domain:   c.Domain,
			Path:     c.Path,
			Secure:   c.Secure,
			HTTPOnly: c.HTTPOnly,
		}
		if c.SameSite != "" {
			p.SameSite = network.CookieSameSite(c.SameSite)
		}
		if !c.Expires.IsZero() {
			exp := cdp.TimeSinceEpoch(c.Expires)
			p.Expires = &exp
		}
		params = append(params, p)
	}
	return params, nil
}

// GetPageCookies returns the cookies visible to the main frame's URL.
// Cookies are always read from the browser, never cached.
func (p *Page) GetPageCookies(ctx context.Context) ([]Cookie, error) {
	mf := p.frames.MainFrame()
	if mf == nil {
		return nil, fmt.Errorf("page %s has no main frame", p.targetID)
	}
	cookies, err := network.GetCookies().WithURLs([]string{mf.URL()}).Do(p.exec(ctx))
	if err != nil {
		return nil, fmt.Errorf("getting page cookies: %w", err)
	}
	return fromNetworkCookies(cookies), nil
}

// GetAllCookies returns every cookie in the page's browser context.
func (p *Page) GetAllCookies(ctx context.Context) ([]Cookie, error) {
	return p.context.GetAllCookies(ctx)
}

// SetCookies writes cookies to the browser. Each cookie is associated with
// the first of origins whose host falls within its domain.
func (p *Page) SetCookies(ctx context.Context, cookies []Cookie, origins []string) error {
	params, err := toCookieParams(cookies, origins)
	if err != nil {
		return err
	}
	if err := network.SetCookies(params).Do(p.exec(ctx)); err != nil {
		return fmt.Errorf("setting cookies: %w", err)
	}
	return nil
}

// RemoveCookie deletes matching cookies. Without a domain the main frame's
// URL scopes the deletion.
func (p *Page) RemoveCookie(ctx context.Context, name, domain, path string) error {
	del := network.DeleteCookies(name)
	if domain != "" {
		del = del.WithDomain(domain)
	} else if mf := p.frames.MainFrame(); mf != nil {
		del = del.WithURL(mf.URL())
	}
	if path != "" {
		del = del.WithPath(path)
	}
	if err := del.Do(p.exec(ctx)); err != nil {
		return fmt.Errorf("removing cookie %s: %w", name, err)
	}
	return nil
}

// GetAllCookies returns every cookie stored in the context.
func (bc *BrowserContext) GetAllCookies(ctx context.Context) ([]Cookie, error) {
	cookies, err := storage.GetCookies().WithBrowserContextID(bc.id).Do(bc.browser.root.WithExecutor(ctx))
	if err != nil {
		return nil, fmt.Errorf("getting cookies of context %s: %w", bc.id, err)
	}
	return fromNetworkCookies(cookies), nil
}
