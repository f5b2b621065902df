// Package dns hosts the listener and the resolution pipeline: decode,
// record store lookup, upstream forwarding on a miss, reply.
package dns

import (
	"context"

	"burrow/pkg/cache"
	"burrow/pkg/forwarder"
	"burrow/pkg/logging"
	"burrow/pkg/telemetry"

	"github.com/miekg/dns"
)

// Upstream is the thin upstream-client contract the pipeline needs:
// forward a query within a bounded timeout, or fail
type Upstream interface {
	Forward(ctx context.Context, r *dns.Msg) (*dns.Msg, error)
	Upstream() string
}

// Handler is the resolution pipeline. The record store is the only
// state shared between in-flight requests.
type Handler struct {
	Store     *cache.Store
	Forwarder Upstream
	Metrics   *telemetry.Metrics
	Logger    *logging.Logger
}

// NewHandler creates a resolution pipeline over the given store and
// upstream client
func NewHandler(store *cache.Store, fwd Upstream, logger *logging.Logger) *Handler {
	return &Handler{
		Store:     store,
		Forwarder: fwd,
		Logger:    logger,
	}
}

// SetMetrics wires the metrics collector
func (h *Handler) SetMetrics(m *telemetry.Metrics) {
	h.Metrics = m
}

// writeMsg writes a DNS message to the response writer. If the write
// fails the client is unreachable and there is nothing left to do.
func (h *Handler) writeMsg(w dns.ResponseWriter, msg *dns.Msg) {
	if err := w.WriteMsg(msg); err != nil {
		h.Logger.Debug("Failed to write response", "error", err)
	}
}

// drop discards a request without replying; the querying client sees
// a timeout. This is the explicit branch for malformed requests and
// non-timeout upstream failures.
func (h *Handler) drop(ctx context.Context, reason string, err error) {
	if h.Metrics != nil {
		h.Metrics.DroppedRequests.Add(ctx, 1)
	}
	h.Logger.Debug("Dropping request", "reason", reason, "error", err)
}

// ServeDNS resolves one query: answer from the record store when it
// holds live records for the question key, otherwise forward upstream
// and populate the store from the response.
func (h *Handler) ServeDNS(ctx context.Context, w dns.ResponseWriter, r *dns.Msg) {
	if len(r.Question) == 0 {
		h.drop(ctx, "no question", nil)
		return
	}

	question := r.Question[0]
	key := cache.NewKey(question.Name, question.Qtype, question.Qclass)

	if entries := h.Store.Get(key); len(entries) > 0 {
		msg := new(dns.Msg)
		msg.SetReply(r)
		msg.RecursionAvailable = true
		for _, e := range entries {
			msg.Answer = append(msg.Answer, e.RR)
		}

		if h.Metrics != nil {
			h.Metrics.CacheHits.Add(ctx, 1)
		}
		h.Logger.Debug("Cache hit", "key", key.String(), "answers", len(msg.Answer))

		h.writeMsg(w, msg)
		return
	}

	if h.Metrics != nil {
		h.Metrics.CacheMisses.Add(ctx, 1)
		h.Metrics.ForwardedQueries.Add(ctx, 1)
	}

	resp, err := h.Forwarder.Forward(ctx, r)
	if err != nil {
		if forwarder.IsTimeout(err) {
			// Timeout policy: explicit SERVFAIL with no answers,
			// never retried
			if h.Metrics != nil {
				h.Metrics.UpstreamTimeouts.Add(ctx, 1)
			}
			h.Logger.Warn("Upstream timeout", "key", key.String(), "upstream", h.Forwarder.Upstream())

			msg := new(dns.Msg)
			msg.SetRcode(r, dns.RcodeServerFailure)
			h.writeMsg(w, msg)
			return
		}

		// Any other upstream failure is treated like a malformed
		// request: no reply at all
		h.drop(ctx, "upstream failure", err)
		return
	}

	h.populate(resp)

	// Reply with the upstream response verbatim
	resp.Id = r.Id
	h.writeMsg(w, resp)
}

// populate stores every record from every section of an upstream
// response under its own key with its own advertised TTL. Callers of
// Get filter by exact key, so authority/additional records can only
// ever help a future query, never pollute an answer.
func (h *Handler) populate(resp *dns.Msg) {
	for _, section := range [][]dns.RR{resp.Answer, resp.Ns, resp.Extra} {
		for _, rr := range section {
			// OPT pseudo-records abuse the TTL and class fields for
			// EDNS bookkeeping and must not be cached
			if rr.Header().Rrtype == dns.TypeOPT {
				continue
			}
			h.Store.PutRR(rr)
		}
	}
}
