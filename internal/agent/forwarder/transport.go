package forwarder

import (
	"context"
	"net"
	"sync"
	"time"

	"github.com/rs/dnscache"
	"github.com/rs/zerolog/log"
)

const dnsRefreshInterval = 5 * time.Minute

var (
	dnsResolver     *dnscache.Resolver
	dnsResolverOnce sync.Once
)

// cachedResolver returns the shared DNS resolver, starting a background
// refresh loop on first use so cached entries never go stale.
func cachedResolver() *dnscache.Resolver {
	dnsResolverOnce.Do(func() {
		dnsResolver = &dnscache.Resolver{}

		go func() {
			ticker := time.NewTicker(dnsRefreshInterval)
			defer ticker.Stop()

			for range ticker.C {
				dnsResolver.Refresh(true)
				log.Debug().Msg("DNS cache refreshed")
			}
		}()
	})
	return dnsResolver
}

// dialContextWithCache resolves hosts through the shared DNS cache before
// dialing, keeping repeated uploads from hammering the resolver.
func dialContextWithCache(ctx context.Context, network, address string) (net.Conn, error) {
	host, port, err := net.SplitHostPort(address)
	if err != nil {
		return nil, err
	}

	ips, err := cachedResolver().LookupHost(ctx, host)
	if err != nil {
		return nil, err
	}
	if len(ips) == 0 {
		return nil, &net.DNSError{Err: "no IP addresses found", Name: host}
	}

	dialer := &net.Dialer{
		Timeout:   10 * time.Second,
		KeepAlive: 30 * time.Second,
	}
	return dialer.DialContext(ctx, network, net.JoinHostPort(ips[0], port))
}
