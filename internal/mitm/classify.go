package mitm

import (
	"net/http"
	"net/url"
	"path"
	"strings"

	"github.com/chromedp/cdproto/network"
	"golang.org/x/net/publicsuffix"
)

var fetchDestTypes = map[string]network.ResourceType{
	"document":      network.ResourceTypeDocument,
	"iframe":        network.ResourceTypeDocument,
	"frame":         network.ResourceTypeDocument,
	"image":         network.ResourceTypeImage,
	"script":        network.ResourceTypeScript,
	"serviceworker": network.ResourceTypeScript,
	"sharedworker":  network.ResourceTypeScript,
	"worker":        network.ResourceTypeScript,
	"style":         network.ResourceTypeStylesheet,
	"font":          network.ResourceTypeFont,
	"audio":         network.ResourceTypeMedia,
	"video":         network.ResourceTypeMedia,
	"track":         network.ResourceTypeTextTrack,
	"manifest":      network.ResourceTypeManifest,
}

var extensionTypes = map[string]network.ResourceType{
	".png":   network.ResourceTypeImage,
	".jpg":   network.ResourceTypeImage,
	".jpeg":  network.ResourceTypeImage,
	".gif":   network.ResourceTypeImage,
	".webp":  network.ResourceTypeImage,
	".avif":  network.ResourceTypeImage,
	".svg":   network.ResourceTypeImage,
	".ico":   network.ResourceTypeImage,
	".bmp":   network.ResourceTypeImage,
	".js":    network.ResourceTypeScript,
	".mjs":   network.ResourceTypeScript,
	".css":   network.ResourceTypeStylesheet,
	".woff":  network.ResourceTypeFont,
	".woff2": network.ResourceTypeFont,
	".ttf":   network.ResourceTypeFont,
	".otf":   network.ResourceTypeFont,
	".mp4":   network.ResourceTypeMedia,
	".webm":  network.ResourceTypeMedia,
	".mp3":   network.ResourceTypeMedia,
	".ogg":   network.ResourceTypeMedia,
	".html":  network.ResourceTypeDocument,
	".htm":   network.ResourceTypeDocument,
}

// ClassifyResource guesses the browser's resource type for r from, in
// order, the WebSocket upgrade, Sec-Fetch-Dest, Accept and the path
// extension.
func ClassifyResource(r *http.Request) network.ResourceType {
	if strings.EqualFold(r.Header.Get("Upgrade"), "websocket") {
		return network.ResourceTypeWebSocket
	}

	dest := strings.ToLower(r.Header.Get("Sec-Fetch-Dest"))
	if t, ok := fetchDestTypes[dest]; ok {
		return t
	}
	if dest == "empty" {
		if r.Header.Get("X-Requested-With") == "XMLHttpRequest" {
			return network.ResourceTypeXHR
		}
		return network.ResourceTypeFetch
	}

	accept := r.Header.Get("Accept")
	switch {
	case strings.HasPrefix(accept, "text/html"):
		return network.ResourceTypeDocument
	case strings.HasPrefix(accept, "image/"):
		return network.ResourceTypeImage
	case strings.HasPrefix(accept, "text/css"):
		return network.ResourceTypeStylesheet
	}

	if r.URL != nil {
		if t, ok := extensionTypes[strings.ToLower(path.Ext(r.URL.Path))]; ok {
			return t
		}
	}
	return network.ResourceTypeOther
}

// OriginType relates the initiating origin (Origin, else Referer) to the
// request URL: none, same-origin, same-site or cross-site.
func OriginType(r *http.Request) string {
	if site := r.Header.Get("Sec-Fetch-Site"); site != "" {
		return site
	}
	initiator := r.Header.Get("Origin")
	if initiator == "" || initiator == "null" {
		initiator = r.Header.Get("Referer")
	}
	if initiator == "" || r.URL == nil {
		return "none"
	}
	from, err := url.Parse(initiator)
	if err != nil || from.Host == "" {
		return "none"
	}
	to := r.URL
	if from.Scheme == to.Scheme && from.Host == requestHost(r) {
		return "same-origin"
	}
	if registrable(from.Hostname()) == registrable(hostOnly(requestHost(r))) {
		return "same-site"
	}
	return "cross-site"
}

func requestHost(r *http.Request) string {
	if r.URL != nil && r.URL.Host != "" {
		return r.URL.Host
	}
	return r.Host
}

func hostOnly(hostport string) string {
	u := url.URL{Host: hostport}
	return u.Hostname()
}

func registrable(host string) string {
	if etld1, err := publicsuffix.EffectiveTLDPlusOne(host); err == nil {
		return etld1
	}
	return host
}
