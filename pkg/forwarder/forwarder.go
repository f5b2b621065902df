// Package forwarder implements the upstream client: one resolver
// address, one bounded timeout, no retries and no fallback.
package forwarder

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"burrow/pkg/config"
	"burrow/pkg/logging"

	"github.com/miekg/dns"
)

// Forwarder sends queries to the configured upstream resolver
type Forwarder struct {
	address atomic.Pointer[string]
	timeout atomic.Int64 // nanoseconds
	logger  *logging.Logger

	// Connection pool
	clientPool sync.Pool
}

// New creates a forwarder from the upstream configuration
func New(cfg *config.UpstreamConfig, logger *logging.Logger) (*Forwarder, error) {
	if cfg == nil {
		return nil, fmt.Errorf("upstream config cannot be nil")
	}

	addr := cfg.Address
	if _, _, err := net.SplitHostPort(addr); err != nil {
		// No port specified, use the standard resolver port
		addr = net.JoinHostPort(addr, "53")
	}

	f := &Forwarder{logger: logger}
	f.address.Store(&addr)
	f.timeout.Store(int64(cfg.Timeout))

	f.clientPool.New = func() any {
		return &dns.Client{
			Net:     "udp",
			Timeout: cfg.Timeout,
		}
	}

	logger.Info("Forwarder initialized", "upstream", addr, "timeout", cfg.Timeout)

	return f, nil
}

// Forward sends the query to the upstream resolver and returns its
// response. The call is bounded by the configured timeout; the caller
// classifies a timeout failure via IsTimeout. There is no retry.
func (f *Forwarder) Forward(ctx context.Context, r *dns.Msg) (*dns.Msg, error) {
	upstream := *f.address.Load()

	client := f.clientPool.Get().(*dns.Client)
	defer f.clientPool.Put(client)
	client.Timeout = f.Timeout()

	ctx, cancel := context.WithTimeout(ctx, client.Timeout)
	defer cancel()

	resp, rtt, err := client.ExchangeContext(ctx, r, upstream)
	if err != nil {
		return nil, fmt.Errorf("upstream %s: %w", upstream, err)
	}
	if resp == nil {
		return nil, fmt.Errorf("upstream %s: nil response", upstream)
	}

	f.logger.Debug("Upstream query succeeded",
		"upstream", upstream,
		"rtt", rtt,
		"answers", len(resp.Answer))

	return resp, nil
}

// Upstream returns the current upstream address
func (f *Forwarder) Upstream() string {
	return *f.address.Load()
}

// Timeout returns the current query timeout
func (f *Forwarder) Timeout() time.Duration {
	return time.Duration(f.timeout.Load())
}

// Retarget swaps the upstream address and timeout; in-flight queries
// finish against the old values
func (f *Forwarder) Retarget(address string, timeout time.Duration) {
	if _, _, err := net.SplitHostPort(address); err != nil {
		address = net.JoinHostPort(address, "53")
	}
	f.address.Store(&address)
	if timeout > 0 {
		f.timeout.Store(int64(timeout))
	}

	f.logger.Info("Forwarder retargeted", "upstream", address, "timeout", f.Timeout())
}

// IsTimeout reports whether an upstream failure was a timeout, which
// is answered with SERVFAIL; every other failure drops the request
func IsTimeout(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}
