package staticbrowser

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"
)

var handshakeRetryBackoff = []time.Duration{
	250 * time.Millisecond,
	500 * time.Millisecond,
	time.Second,
}

// handshakeRetryTransport retries bodiless requests that fail with a
// transient TLS or dial timeout. Appointment portals behind busy load
// balancers drop handshakes in bursts.
type handshakeRetryTransport struct {
	base    http.RoundTripper
	backoff []time.Duration
}

func newHandshakeRetryTransport(base http.RoundTripper) *handshakeRetryTransport {
	return &handshakeRetryTransport{base: base, backoff: handshakeRetryBackoff}
}

func (t *handshakeRetryTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	if req == nil {
		return nil, errors.New("retry transport received nil request")
	}
	if req.Body != nil && req.Body != http.NoBody {
		return t.base.RoundTrip(req)
	}
	for attempt := 0; ; attempt++ {
		resp, err := t.base.RoundTrip(req.Clone(req.Context()))
		if err == nil {
			return resp, nil
		}
		if !isTransientTLSError(err) || attempt >= len(t.backoff) {
			return nil, fmt.Errorf("roundtrip %s: %w", req.URL.Host, err)
		}
		if err := sleepWithContext(req.Context(), t.backoff[attempt]); err != nil {
			return nil, fmt.Errorf("roundtrip backoff: %w", err)
		}
	}
}

func sleepWithContext(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return nil
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func isTransientTLSError(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	return strings.Contains(err.Error(), "tls: handshake timeout")
}
