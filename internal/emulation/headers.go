package emulation

import (
	"embed"
	"fmt"
	"net/http"
	"net/textproto"
	"path"
	"slices"
	"strings"
	"sync"

	"github.com/chromedp/cdproto/network"
	jsoniter "github.com/json-iterator/go"
)

//go:embed profiles/*.json
var profileFS embed.FS

// Header is one request header in emission order.
type Header struct {
	Name  string
	Value string
}

// Resource describes the request whose headers are being rewritten.
type Resource struct {
	Method string
	Type   network.ResourceType
	// OriginType is one of none, same-origin, same-site or cross-site.
	OriginType string
	Secure     bool
	Headers    http.Header
}

// HeaderEntry is the header layout a browser uses for one class of request.
type HeaderEntry struct {
	ResourceTypes []network.ResourceType `json:"resourceTypes"`
	Method        string                 `json:"method"`
	OriginTypes   []string               `json:"originTypes"`
	Order         []string               `json:"order"`
	Defaults      map[string]string      `json:"defaults"`
}

// HeaderProfile is the full header layout of one emulated browser.
// AcceptLanguage, when set, replaces the request's Accept-Language.
type HeaderProfile struct {
	ID             string        `json:"id"`
	AcceptLanguage string        `json:"acceptLanguage,omitempty"`
	Entries        []HeaderEntry `json:"entries"`
}

// WithAcceptLanguage returns a copy of p sending lang as Accept-Language.
// The built-in profiles are shared and never modified.
func (p *HeaderProfile) WithAcceptLanguage(lang string) *HeaderProfile {
	cp := *p
	cp.AcceptLanguage = lang
	return &cp
}

// RequestHeadersFunc rewrites the headers of a resource. A nil result
// leaves the request untouched.
type RequestHeadersFunc func(r Resource) []Header

var (
	profilesOnce sync.Once
	profiles     map[string]*HeaderProfile
	profilesErr  error
)

// LoadHeaderProfile returns a built-in header profile by id.
func LoadHeaderProfile(id string) (*HeaderProfile, error) {
	profilesOnce.Do(func() {
		profiles, profilesErr = readProfiles()
	})
	if profilesErr != nil {
		return nil, profilesErr
	}
	p, ok := profiles[id]
	if !ok {
		return nil, fmt.Errorf("emulation: unknown header profile %q", id)
	}
	return p, nil
}

func readProfiles() (map[string]*HeaderProfile, error) {
	entries, err := profileFS.ReadDir("profiles")
	if err != nil {
		return nil, err
	}
	out := make(map[string]*HeaderProfile, len(entries))
	for _, e := range entries {
		data, err := profileFS.ReadFile(path.Join("profiles", e.Name()))
		if err != nil {
			return nil, err
		}
		var p HeaderProfile
		if err := jsoniter.ConfigCompatibleWithStandardLibrary.Unmarshal(data, &p); err != nil {
			return nil, fmt.Errorf("emulation: parsing %s: %w", e.Name(), err)
		}
		out[p.ID] = &p
	}
	return out, nil
}

// match finds the entry for r, preferring one that names the method.
func (p *HeaderProfile) match(r Resource) *HeaderEntry {
	var fallback *HeaderEntry
	for i := range p.Entries {
		e := &p.Entries[i]
		if !slices.Contains(e.ResourceTypes, r.Type) {
			continue
		}
		if len(e.OriginTypes) > 0 && r.OriginType != "" && !slices.Contains(e.OriginTypes, r.OriginType) {
			continue
		}
		if strings.EqualFold(e.Method, r.Method) {
			return e
		}
		if e.Method == "" && fallback == nil {
			fallback = e
		}
	}
	return fallback
}

// ModifyHeaders returns the header rewrite function for ua and profile.
// Headers named by the matching entry are emitted first in its order, with
// the request's value when present and the profile default otherwise. The
// remaining request headers follow in canonical name order. User-Agent is
// always replaced by ua, and Accept-Language by the profile's when it has one.
func ModifyHeaders(ua UserAgent, profile *HeaderProfile) RequestHeadersFunc {
	return func(r Resource) []Header {
		entry := profile.match(r)
		if entry == nil {
			return nil
		}

		overrides := map[string]string{}
		if ua.Raw != "" {
			overrides["User-Agent"] = ua.Raw
		}
		if profile.AcceptLanguage != "" {
			overrides["Accept-Language"] = profile.AcceptLanguage
		}

		used := make(map[string]bool)
		var out []Header
		for _, name := range entry.Order {
			canonical := textproto.CanonicalMIMEHeaderKey(name)
			used[canonical] = true
			if v, ok := overrides[canonical]; ok {
				out = append(out, Header{Name: name, Value: v})
				continue
			}
			if vs := r.Headers.Values(canonical); len(vs) > 0 {
				for _, v := range vs {
					out = append(out, Header{Name: name, Value: v})
				}
				continue
			}
			if v, ok := entry.Defaults[name]; ok {
				out = append(out, Header{Name: name, Value: v})
			}
		}

		rest := make([]string, 0, len(r.Headers))
		for name := range r.Headers {
			if !used[textproto.CanonicalMIMEHeaderKey(name)] {
				rest = append(rest, name)
			}
		}
		slices.Sort(rest)
		for _, name := range rest {
			for _, v := range r.Headers[name] {
				out = append(out, Header{Name: name, Value: v})
			}
		}
		return out
	}
}

// ToHTTPHeader folds an ordered header list into an http.Header.
func ToHTTPHeader(hs []Header) http.Header {
	out := make(http.Header, len(hs))
	for _, h := range hs {
		out.Add(h.Name, h.Value)
	}
	return out
}
