package provider

import (
	"context"
	"testing"
	"time"

	"github.com/rs/dnscache"
)

func TestNewTransportNilResolver(t *testing.T) {
	t.Parallel()

	tr := NewTransport(nil, 10*time.Second, false)

	if tr.MaxIdleConnsPerHost != 100 {
		t.Errorf("MaxIdleConnsPerHost = %d, want 100", tr.MaxIdleConnsPerHost)
	}
	if tr.MaxConnsPerHost != 200 {
		t.Errorf("MaxConnsPerHost = %d, want 200", tr.MaxConnsPerHost)
	}
	if tr.IdleConnTimeout != 90*time.Second {
		t.Errorf("IdleConnTimeout = %v, want 90s", tr.IdleConnTimeout)
	}
	if tr.TLSHandshakeTimeout != 5*time.Second {
		t.Errorf("TLSHandshakeTimeout = %v, want 5s", tr.TLSHandshakeTimeout)
	}
	if tr.DialContext == nil {
		t.Error("DialContext should carry the dialer timeout even without a resolver")
	}
}

func TestNewTransportConnectTimeout(t *testing.T) {
	t.Parallel()

	// TEST-NET-3 address never answers; the dial must give up on the
	// connect timeout, not hang for the OS default.
	tr := NewTransport(nil, 50*time.Millisecond, false)
	start := time.Now()
	_, err := tr.DialContext(context.Background(), "tcp", "203.0.113.1:81")
	if err == nil {
		t.Fatal("dial to blackhole address should fail")
	}
	if elapsed := time.Since(start); elapsed > 5*time.Second {
		t.Errorf("dial took %v, connect timeout not applied", elapsed)
	}
}

func TestNewTransportWithResolver(t *testing.T) {
	t.Parallel()

	resolver := &dnscache.Resolver{}
	tr := NewTransport(resolver, 10*time.Second, false)

	if tr.DialContext == nil {
		t.Error("DialContext should be set when resolver is non-nil")
	}
}

func TestNewTransportForceHTTP2(t *testing.T) {
	t.Parallel()

	trHTTP2 := NewTransport(nil, 10*time.Second, true)
	if !trHTTP2.ForceAttemptHTTP2 {
		t.Error("ForceAttemptHTTP2 should be true when forceHTTP2=true")
	}

	trHTTP1 := NewTransport(nil, 10*time.Second, false)
	if trHTTP1.ForceAttemptHTTP2 {
		t.Error("ForceAttemptHTTP2 should be false when forceHTTP2=false")
	}
}

func TestNewHTTPClient(t *testing.T) {
	t.Parallel()

	tr := NewTransport(nil, 10*time.Second, true)
	c := NewHTTPClient(tr, 30*time.Second)
	if c.Transport != tr {
		t.Error("client should use the given transport")
	}
	if c.Timeout != 30*time.Second {
		t.Errorf("timeout = %v", c.Timeout)
	}

	streaming := NewHTTPClient(tr, 0)
	if streaming.Timeout != 0 {
		t.Error("zero timeout should be preserved for streaming clients")
	}
}
