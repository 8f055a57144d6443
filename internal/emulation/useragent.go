package emulation

import (
	"regexp"
	"strconv"
	"strings"
)

// OS describes the operating system a user agent claims to run on.
type OS struct {
	Family string
	Major  int
	Minor  int
}

// UserAgent is a parsed User-Agent string.
type UserAgent struct {
	Raw          string
	Browser      string
	BrowserMajor int
	OS           OS
	// Platform is the navigator.platform value matching OS.
	Platform string
}

var (
	chromeRe  = regexp.MustCompile(`(?:Chrome|CriOS)/(\d+)`)
	firefoxRe = regexp.MustCompile(`Firefox/(\d+)`)
	windowsRe = regexp.MustCompile(`Windows NT (\d+)\.(\d+)`)
	macRe     = regexp.MustCompile(`Mac OS X (\d+)[._](\d+)`)
)

// ParseUserAgent extracts the browser and OS from raw. Unknown parts are
// left empty.
func ParseUserAgent(raw string) UserAgent {
	ua := UserAgent{Raw: raw}

	switch {
	case chromeRe.MatchString(raw):
		ua.Browser = "Chrome"
		ua.BrowserMajor = atoi(chromeRe.FindStringSubmatch(raw)[1])
	case firefoxRe.MatchString(raw):
		ua.Browser = "Firefox"
		ua.BrowserMajor = atoi(firefoxRe.FindStringSubmatch(raw)[1])
	}

	switch {
	case windowsRe.MatchString(raw):
		m := windowsRe.FindStringSubmatch(raw)
		ua.OS = OS{Family: "Windows", Major: atoi(m[1]), Minor: atoi(m[2])}
		ua.Platform = "Win32"
	case macRe.MatchString(raw):
		m := macRe.FindStringSubmatch(raw)
		ua.OS = OS{Family: "Mac OS X", Major: atoi(m[1]), Minor: atoi(m[2])}
		ua.Platform = "MacIntel"
	case strings.Contains(raw, "Linux"):
		ua.OS = OS{Family: "Linux"}
		ua.Platform = "Linux x86_64"
	}
	return ua
}

func atoi(s string) int {
	n, _ := strconv.Atoi(s)
	return n
}
