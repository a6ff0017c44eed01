package protocol

import (
	"fmt"
	"net"
	"net/url"
	"strings"
)

// CheckTransportSecurity enforces the client's transport policy: a ws:// URL
// to a non-loopback host is refused unless allowInsecure is set. It returns
// a non-empty warning when an insecure transport is explicitly allowed.
func CheckTransportSecurity(rawURL string, allowInsecure bool) (warning string, err error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", fmt.Errorf("invalid relay url %q: %w", rawURL, err)
	}
	switch u.Scheme {
	case "wss":
		return "", nil
	case "ws":
	default:
		return "", fmt.Errorf("relay url %q: scheme must be ws or wss", rawURL)
	}
	if isLoopbackHost(u.Hostname()) {
		return "", nil
	}
	if !allowInsecure {
		return "", fmt.Errorf("refusing plaintext ws:// to non-loopback host %s; use wss:// or allow insecure transport", u.Hostname())
	}
	return fmt.Sprintf("connecting over plaintext ws:// to %s; traffic is not encrypted", u.Hostname()), nil
}

func isLoopbackHost(host string) bool {
	if strings.EqualFold(host, "localhost") {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}
