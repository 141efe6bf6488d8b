package security

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"net/url"
	"strings"
	"time"
)

var (
	ErrBadServiceURL   = errors.New("invalid service URL")
	ErrBlockedHost     = errors.New("service host not allowed")
	ErrUnresolvedHost  = errors.New("service host does not resolve")
	blockedHostnames   = []string{"localhost", "metadata.google.internal", "metadata.google"}
	sharedAddressSpace = netip.MustParsePrefix("100.64.0.0/10")
)

// lookup resolves hostnames for strict validation. Tests swap it out.
var lookup = func(ctx context.Context, host string) ([]netip.Addr, error) {
	return net.DefaultResolver.LookupNetIP(ctx, "ip", host)
}

// ValidateServiceURL checks an outbound service URL from configuration
// (bridge, merchant network, webhook receivers, upstream). Any http(s) URL
// with a host passes in lax mode. Strict mode, used in production, also
// requires https and refuses hosts that are or resolve to internal
// addresses.
func ValidateServiceURL(rawURL string, strict bool) error {
	u, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrBadServiceURL, err)
	}
	switch {
	case u.Scheme != "http" && u.Scheme != "https":
		return fmt.Errorf("%w: scheme must be http or https", ErrBadServiceURL)
	case u.Host == "":
		return fmt.Errorf("%w: missing host", ErrBadServiceURL)
	case !strict:
		return nil
	case u.Scheme != "https":
		return fmt.Errorf("%w: https required", ErrBadServiceURL)
	}

	host := u.Hostname()
	for _, name := range blockedHostnames {
		if strings.EqualFold(host, name) {
			return fmt.Errorf("%w: %s", ErrBlockedHost, host)
		}
	}

	if addr, err := netip.ParseAddr(host); err == nil {
		return checkAddr(host, addr)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	addrs, err := lookup(ctx, host)
	if err != nil || len(addrs) == 0 {
		return fmt.Errorf("%w: %s", ErrUnresolvedHost, host)
	}
	for _, addr := range addrs {
		if err := checkAddr(host, addr); err != nil {
			return err
		}
	}
	return nil
}

func checkAddr(host string, addr netip.Addr) error {
	addr = addr.Unmap()
	internal := addr.IsLoopback() ||
		addr.IsPrivate() ||
		addr.IsLinkLocalUnicast() ||
		addr.IsLinkLocalMulticast() ||
		addr.IsUnspecified() ||
		sharedAddressSpace.Contains(addr)
	if internal {
		return fmt.Errorf("%w: %s is internal (%s)", ErrBlockedHost, host, addr)
	}
	return nil
}
