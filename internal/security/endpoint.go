package security

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/url"
	"strings"
)

// ErrUnsafeEndpoint wraps every rejection from EndpointPolicy.Check.
var ErrUnsafeEndpoint = errors.New("unsafe endpoint")

var blockedHosts = []string{"localhost", "metadata.google.internal", "metadata.google"}

// Resolver is the subset of *net.Resolver the endpoint check needs.
type Resolver interface {
	LookupHost(ctx context.Context, host string) ([]string, error)
}

// EndpointPolicy decides whether the service may call a
// subscriber-supplied URL. The zero value blocks internal addresses and
// requires https.
type EndpointPolicy struct {
	// AllowHTTP permits plain http (development only).
	AllowHTTP bool
	// AllowPrivate permits loopback and private targets (development and tests).
	AllowPrivate bool
	Resolver     Resolver
}

// Check validates rawURL, resolving its host so DNS names pointing at
// internal addresses are rejected too.
func (p EndpointPolicy) Check(ctx context.Context, rawURL string) error {
	u, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("%w: invalid URL format", ErrUnsafeEndpoint)
	}
	switch u.Scheme {
	case "https":
	case "http":
		if !p.AllowHTTP {
			return fmt.Errorf("%w: URL scheme must be https", ErrUnsafeEndpoint)
		}
	default:
		return fmt.Errorf("%w: URL scheme must be http or https", ErrUnsafeEndpoint)
	}
	if u.Host == "" {
		return fmt.Errorf("%w: URL must have a host", ErrUnsafeEndpoint)
	}
	if u.User != nil {
		return fmt.Errorf("%w: URL must not carry credentials", ErrUnsafeEndpoint)
	}
	if p.AllowPrivate {
		return nil
	}

	host := u.Hostname()
	for _, b := range blockedHosts {
		if strings.EqualFold(host, b) {
			return fmt.Errorf("%w: URL host %q is not allowed", ErrUnsafeEndpoint, host)
		}
	}

	if ip := net.ParseIP(host); ip != nil {
		return checkIP(ip)
	}

	resolver := p.Resolver
	if resolver == nil {
		resolver = net.DefaultResolver
	}
	addrs, err := resolver.LookupHost(ctx, host)
	if err != nil {
		return fmt.Errorf("%w: cannot resolve URL host %s", ErrUnsafeEndpoint, host)
	}
	for _, a := range addrs {
		if ip := net.ParseIP(a); ip != nil {
			if err := checkIP(ip); err != nil {
				return fmt.Errorf("URL host %q resolves to blocked address: %w", host, err)
			}
		}
	}
	return nil
}

func checkIP(ip net.IP) error {
	switch {
	case ip.IsLoopback():
		return fmt.Errorf("%w: loopback addresses are not allowed", ErrUnsafeEndpoint)
	case ip.IsPrivate():
		return fmt.Errorf("%w: private addresses are not allowed", ErrUnsafeEndpoint)
	case ip.IsLinkLocalUnicast(), ip.IsLinkLocalMulticast():
		return fmt.Errorf("%w: link-local addresses are not allowed", ErrUnsafeEndpoint)
	case ip.IsUnspecified():
		return fmt.Errorf("%w: unspecified addresses are not allowed", ErrUnsafeEndpoint)
	}
	return nil
}
