package webhook

import (
	"fmt"
	"net"
	"net/url"
)

// checkSSRF re-resolves destination's hostname and rejects it if any
// resolved address is private, loopback, or link-local. Call this at
// delivery time (not registration time) so a DNS record that later
// repoints at an internal address is still caught.
func checkSSRF(destination string, enabled bool) error {
	if !enabled {
		return nil
	}

	u, err := url.Parse(destination)
	if err != nil {
		return fmt.Errorf("invalid destination URL: %w", err)
	}
	host := u.Hostname()
	if host == "" {
		return fmt.Errorf("destination URL has no host")
	}

	if ip := net.ParseIP(host); ip != nil {
		if isDisallowedIP(ip) {
			return fmt.Errorf("destination resolves to a disallowed address: %s", ip)
		}
		return nil
	}

	addrs, err := net.LookupIP(host)
	if err != nil {
		return fmt.Errorf("resolve destination host: %w", err)
	}
	for _, ip := range addrs {
		if isDisallowedIP(ip) {
			return fmt.Errorf("destination %s resolves to a disallowed address: %s", host, ip)
		}
	}
	return nil
}

func isDisallowedIP(ip net.IP) bool {
	return ip.IsLoopback() || ip.IsLinkLocalUnicast() || ip.IsLinkLocalMulticast() || ip.IsPrivate() || ip.IsUnspecified()
}
