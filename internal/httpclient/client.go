// Package httpclient configures the HTTP clients used to reach GeoJSON
// origins.
package httpclient

import (
	"net"
	"net/http"
	"time"
)

func transport() *http.Transport {
	return &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		DialContext:           (&net.Dialer{Timeout: 5 * time.Second, KeepAlive: 30 * time.Second}).DialContext,
		MaxIdleConns:          256,
		MaxIdleConnsPerHost:   128,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   5 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
	}
}

// NewOutbound creates the client used for one-shot GeoJSON fetches.
// Per-attempt deadlines come from the fetcher's context, so the client
// itself carries no timeout.
func NewOutbound() *http.Client {
	return &http.Client{Transport: transport()}
}

// NewStreaming creates the client used for server-sent event streams.
// Reads are open-ended; only the response-header phase is bounded.
func NewStreaming() *http.Client {
	t := transport()
	t.ResponseHeaderTimeout = 30 * time.Second
	return &http.Client{Transport: t}
}
