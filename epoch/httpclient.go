package epoch

import (
	"net"
	"net/http"
	"time"
)

const defaultHttpTimeout = 60 * time.Second
const defaultHttpConnectTimeout = 5 * time.Second
const defaultHttpTlsTimeout = 5 * time.Second

// defaultClient constructs an http.Client with explicit dial/TLS
// timeouts, grounded on connect/api.go's defaultClient: don't use Go's
// default http.Client, see
// https://medium.com/@nate510/don-t-use-go-s-default-http-client-4804cb19f779
func defaultClient() *http.Client {
	dialer := &net.Dialer{
		Timeout: defaultHttpConnectTimeout,
	}
	transport := &http.Transport{
		DialContext:         dialer.DialContext,
		TLSHandshakeTimeout: defaultHttpTlsTimeout,
	}
	return &http.Client{
		Transport: transport,
		Timeout:   defaultHttpTimeout,
	}
}
