package tlsutil

import (
	"context"
	"net"
	"sync"
	"time"

	"github.com/rs/dnscache"
)

const resolverRefreshInterval = 5 * time.Minute

var (
	resolver     *dnscache.Resolver
	resolverOnce sync.Once
)

func cachedResolver() *dnscache.Resolver {
	resolverOnce.Do(func() {
		resolver = &dnscache.Resolver{}
		go func() {
			ticker := time.NewTicker(resolverRefreshInterval)
			defer ticker.Stop()
			for range ticker.C {
				resolver.Refresh(true)
			}
		}()
	})
	return resolver
}

// dialContextWithCache resolves hosts through the shared DNS cache so
// repeated polls of the same endpoints do not hammer the resolver.
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
		return nil, &net.DNSError{Err: "no addresses found", Name: host}
	}

	dialer := &net.Dialer{
		Timeout:   10 * time.Second,
		KeepAlive: 30 * time.Second,
	}
	return dialer.DialContext(ctx, network, net.JoinHostPort(ips[0], port))
}
