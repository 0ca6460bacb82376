package transcriber

import (
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net/http"
	"net/http/httptrace"
	"sync"
	"time"
)

type TracedClient struct {
	client *http.Client
}

func NewTracedClient() *TracedClient {
	return &TracedClient{
		client: &http.Client{
			Transport: &http.Transport{
				MaxIdleConns:        4,
				MaxIdleConnsPerHost: 4,
				IdleConnTimeout:     90 * time.Second,
				ForceAttemptHTTP2:   true,
			},
		},
	}
}

type TracedResponse struct {
	Body       []byte
	StatusCode int
	Header     http.Header
	Metrics    *NetworkMetrics
}

// Do sends req and reads the whole body. The trace callbacks run on the
// transport's goroutines, so the timestamps are shared under mu.
func (c *TracedClient) Do(req *http.Request) (*TracedResponse, error) {
	var mu sync.Mutex
	metrics := &NetworkMetrics{}
	var getConnStart, dnsStart, tcpStart, tlsStart time.Time
	var gotConn, wroteHeaders, wroteRequest, firstByte time.Time

	locked := func(f func()) {
		mu.Lock()
		defer mu.Unlock()
		f()
	}

	trace := &httptrace.ClientTrace{
		GetConn: func(_ string) { locked(func() { getConnStart = time.Now() }) },
		GotConn: func(info httptrace.GotConnInfo) {
			locked(func() {
				gotConn = time.Now()
				metrics.ConnWait = gotConn.Sub(getConnStart)
				metrics.ConnReused = info.Reused
			})
		},
		DNSStart:     func(_ httptrace.DNSStartInfo) { locked(func() { dnsStart = time.Now() }) },
		DNSDone:      func(_ httptrace.DNSDoneInfo) { locked(func() { metrics.DNS = time.Since(dnsStart) }) },
		ConnectStart: func(_, _ string) { locked(func() { tcpStart = time.Now() }) },
		ConnectDone: func(_, _ string, _ error) {
			locked(func() { metrics.TCP = time.Since(tcpStart) })
		},
		TLSHandshakeStart: func() { locked(func() { tlsStart = time.Now() }) },
		TLSHandshakeDone: func(state tls.ConnectionState, _ error) {
			locked(func() {
				metrics.TLS = time.Since(tlsStart)
				metrics.TLSProtocol = state.NegotiatedProtocol
			})
		},
		WroteHeaders: func() {
			locked(func() {
				wroteHeaders = time.Now()
				metrics.ReqHeaders = wroteHeaders.Sub(gotConn)
			})
		},
		WroteRequest: func(_ httptrace.WroteRequestInfo) {
			locked(func() {
				wroteRequest = time.Now()
				metrics.ReqBody = wroteRequest.Sub(wroteHeaders)
			})
		},
		GotFirstResponseByte: func() {
			locked(func() {
				firstByte = time.Now()
				// The server may answer before the body is fully written.
				if wroteRequest.IsZero() {
					metrics.TTFB = firstByte.Sub(wroteHeaders)
				} else {
					metrics.TTFB = firstByte.Sub(wroteRequest)
				}
			})
		},
	}

	req = req.WithContext(httptrace.WithClientTrace(req.Context(), trace))
	reqStart := time.Now()

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}

	mu.Lock()
	defer mu.Unlock()
	metrics.Download = time.Since(firstByte)
	metrics.Total = time.Since(reqStart)
	out := *metrics

	return &TracedResponse{
		Body:       body,
		StatusCode: resp.StatusCode,
		Header:     resp.Header,
		Metrics:    &out,
	}, nil
}

// Get fetches url and fails on a non-2xx status. Used for health probes.
func (c *TracedClient) Get(ctx context.Context, url string) (*TracedResponse, error) {
	req, err := http.NewRequestWithContext(ctx, "GET", url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.Do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return resp, fmt.Errorf("GET %s: HTTP %d", url, resp.StatusCode)
	}
	return resp, nil
}
