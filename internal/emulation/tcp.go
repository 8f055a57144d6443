package emulation

import "strings"

// SocketOptions are the TCP settings an emulated OS stack would use on
// outgoing connections. Zero values leave the system default in place.
type SocketOptions struct {
	TTL        int
	WindowSize int
}

// TCPSettingsForOS returns the socket options typical for an OS family.
func TCPSettingsForOS(os OS) SocketOptions {
	family := strings.ToLower(os.Family)
	switch {
	case strings.Contains(family, "windows"):
		return SocketOptions{TTL: 128, WindowSize: 64240}
	case strings.Contains(family, "mac"):
		return SocketOptions{TTL: 64, WindowSize: 65535}
	case strings.Contains(family, "linux"):
		return SocketOptions{TTL: 64, WindowSize: 29200}
	}
	return SocketOptions{}
}
