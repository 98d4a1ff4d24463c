package provider

import (
	"net"
	"net/http"
	"time"
)

const defaultHeaderTimeout = 60 * time.Second

// SharedHTTPClient returns a pooled HTTP client for provider calls.
//
// Client.Timeout stays unset because it would cut off long streamed runs;
// headerTimeout bounds how long a run may take to start answering instead.
func SharedHTTPClient(headerTimeout time.Duration) *http.Client {
	if headerTimeout <= 0 {
		headerTimeout = defaultHeaderTimeout
	}
	transport := &http.Transport{
		Proxy:               http.ProxyFromEnvironment,
		MaxIdleConns:        20,
		MaxIdleConnsPerHost: 10,
		IdleConnTimeout:     90 * time.Second,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   10 * time.Second,
		ResponseHeaderTimeout: headerTimeout,
		ExpectContinueTimeout: 1 * time.Second,
	}
	return &http.Client{Transport: transport}
}
