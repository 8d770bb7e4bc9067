package proxy

import (
	"net"
	"net/http"
	"net/url"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
)

// upstreamPool caches HTTP transports keyed by (provider, host) so that
// repeated requests to the same upstream reuse connections. Evicted
// transports have their idle connections closed.
type upstreamPool struct {
	cache          *lru.Cache[string, *http.Transport]
	connectTimeout time.Duration
	idleTimeout    time.Duration
}

const upstreamCacheSize = 32

func newUpstreamPool(connectTimeout, idleTimeout time.Duration) (*upstreamPool, error) {
	p := &upstreamPool{
		connectTimeout: connectTimeout,
		idleTimeout:    idleTimeout,
	}

	cache, err := lru.NewWithEvict(upstreamCacheSize, func(_ string, t *http.Transport) {
		t.CloseIdleConnections()
	})
	if err != nil {
		return nil, err
	}
	p.cache = cache
	return p, nil
}

// client returns an HTTP client for the given provider and upstream URL.
// The client applies the connect timeout only; response reads are unbounded
// here because streams may run for minutes, with idleness policed by the
// tee's idle timer.
func (p *upstreamPool) client(provider string, upstream *url.URL) *http.Client {
	key := provider + "|" + upstream.Host

	transport, ok := p.cache.Get(key)
	if !ok {
		transport = &http.Transport{
			DialContext: (&net.Dialer{
				Timeout:   p.connectTimeout,
				KeepAlive: 30 * time.Second,
			}).DialContext,
			MaxIdleConnsPerHost:   8,
			IdleConnTimeout:       90 * time.Second,
			TLSHandshakeTimeout:   10 * time.Second,
			ExpectContinueTimeout: 1 * time.Second,
		}
		p.cache.Add(key, transport)
	}

	return &http.Client{Transport: transport}
}

// closeAll drops every cached transport, closing idle connections.
func (p *upstreamPool) closeAll() {
	p.cache.Purge()
}
