// Package pipeline builds outbound DNS queries, consults the selection
// engine and cache, dispatches to the transport layer (racing or falling
// back across upstreams as the plan requires), and assembles the response.
// It is the component tying registry, tracker, selection, transport and
// cache together into the public Query operation.
package pipeline

import (
	"context"
	"log/slog"
	"net"
	"strings"
	"time"

	"github.com/miekg/dns"

	"github.com/qdns/multidns/cache"
	"github.com/qdns/multidns/dnserr"
	"github.com/qdns/multidns/registry"
	"github.com/qdns/multidns/selection"
	"github.com/qdns/multidns/tracker"
	"github.com/qdns/multidns/transport"
)

// Request is one resolution request.
type Request struct {
	Domain          string
	Type            uint16
	Class           uint16
	QueryID         string
	EnableEDNS      bool
	ClientAddress   net.IP
	PerQueryTimeout time.Duration
	DisableCache    bool
}

// Response is the result of a successful Query.
type Response struct {
	Records          []dns.RR
	Ns               []dns.RR
	Rcode            int
	Authoritative    bool
	SourceUpstreamID int
	ElapsedMs        int64
	ServedFromCache  bool

	// Emergency is non-nil when the plan that produced this response had
	// to fall back to the least-failed upstream because none were
	// healthy, so callers can surface the diagnostic rather than treat
	// the success as routine.
	Emergency *tracker.EmergencyInfo
}

// Config holds the pipeline's query-construction and dispatch tuning.
type Config struct {
	DefaultTimeout time.Duration
	MaxUDPPayload  uint16
	ECSPrefixV4    uint8
	ECSPrefixV6    uint8
	RaceStagger    time.Duration
	Concurrency    int

	// MaxAttempts caps how many upstreams a single plan may span before
	// giving up, regardless of how many are registered. Zero means no cap.
	MaxAttempts int
}

// DefaultConfig returns the documented defaults for the optional tuning
// fields.
func DefaultConfig() Config {
	return Config{
		DefaultTimeout: 5 * time.Second,
		MaxUDPPayload:  1232,
		ECSPrefixV4:    24,
		ECSPrefixV6:    56,
		RaceStagger:    50 * time.Millisecond,
		Concurrency:    32,
	}
}

// Pipeline executes queries against a registry of upstreams. A nil tracker
// degrades every strategy to plain FIFO with metrics discarded.
type Pipeline struct {
	reg *registry.Registry
	trk *tracker.Tracker
	eng *selection.Engine
	tp  *transport.Transport
	ch  *cache.Cache
	cfg Config

	sem    chan struct{}
	logger *slog.Logger
}

// New constructs a Pipeline. ch may be nil to disable caching entirely.
func New(reg *registry.Registry, trk *tracker.Tracker, eng *selection.Engine, tp *transport.Transport, ch *cache.Cache, cfg Config) *Pipeline {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = DefaultConfig().Concurrency
	}
	return &Pipeline{
		reg:    reg,
		trk:    trk,
		eng:    eng,
		tp:     tp,
		ch:     ch,
		cfg:    cfg,
		sem:    make(chan struct{}, cfg.Concurrency),
		logger: slog.Default(),
	}
}

// SetLogger overrides the logger used for per-query diagnostics.
func (p *Pipeline) SetLogger(l *slog.Logger) {
	if l != nil {
		p.logger = l
	}
}

// Query performs one resolution: validate the domain, consult the cache,
// and on a miss build the wire query, select a plan, dispatch it and cache
// the result.
func (p *Pipeline) Query(ctx context.Context, req Request) (*Response, error) {
	domain := strings.ToLower(dns.Fqdn(req.Domain))
	if err := validateDomain(domain); err != nil {
		return nil, err
	}

	timeout := req.PerQueryTimeout
	if timeout <= 0 {
		timeout = p.cfg.DefaultTimeout
	}

	key := cache.Key(domain, req.Type, classOrDefault(req.Class))

	load := func() (any, bool, time.Duration, error) {
		resp, err := p.resolve(ctx, domain, req, timeout)
		if err != nil {
			return nil, false, 0, err
		}
		negative := isNegativeResponse(resp)
		ttl := p.cacheTTL(resp, negative)
		return resp, negative, ttl, nil
	}

	if req.DisableCache || p.ch == nil {
		v, _, _, err := load()
		if err != nil {
			return nil, err
		}
		return v.(*Response), nil
	}

	entry, hit, err := p.ch.Fetch(key, load)
	if err != nil {
		return nil, err
	}
	resp := cloneResponse(entry.Value.(*Response))
	resp.ServedFromCache = hit
	return resp, nil
}

func classOrDefault(class uint16) uint16 {
	if class == 0 {
		return dns.ClassINET
	}
	return class
}

func isNegativeResponse(r *Response) bool {
	return isNegative(r.Rcode, len(r.Records))
}

// cacheTTL picks the TTL a response is cached under: for a negative
// response, the SOA minimum from the authority section if the upstream
// sent one, capped at the configured negative TTL, else the configured
// negative TTL; for a positive response, the smallest answer TTL clamped
// to the configured maximum.
func (p *Pipeline) cacheTTL(r *Response, negative bool) time.Duration {
	if negative {
		if soaTTL, ok := soaMinimum(r.Ns); ok {
			return p.ch.TTLFor(time.Duration(soaTTL)*time.Second, true)
		}
		return p.ch.TTLFor(0, true)
	}
	return p.ch.TTLFor(time.Duration(minAnswerTTL(r.Records))*time.Second, false)
}

func cloneResponse(r *Response) *Response {
	cp := *r
	cp.Records = append([]dns.RR(nil), r.Records...)
	cp.Ns = append([]dns.RR(nil), r.Ns...)
	return &cp
}

func validateDomain(domain string) error {
	if domain == "" || domain == "." {
		return dnserr.New(dnserr.InvalidRequest, "empty domain")
	}
	if len(domain) > 254 { // FQDN includes the trailing dot
		return dnserr.New(dnserr.InvalidRequest, "domain exceeds 253 octets")
	}
	for _, label := range strings.Split(strings.TrimSuffix(domain, "."), ".") {
		if len(label) > 63 {
			return dnserr.New(dnserr.InvalidRequest, "label exceeds 63 octets")
		}
	}
	return nil
}

// resolve runs steps 3-7 of the query pipeline: build the wire query, plan,
// dispatch, validate the reply and record the outcome. ctx carries only the
// caller's own cancellation here; the per-attempt timeout budget is applied
// by dispatch, once per attempt for an Ordered plan and once for the whole
// race for a Race plan.
func (p *Pipeline) resolve(ctx context.Context, domain string, req Request, timeout time.Duration) (*Response, error) {
	start := time.Now()

	query := buildQuery(domain, req.Type, req, p.cfg)

	plan := p.eng.Select(p.reg, p.trk)
	p.logger.Debug("resolving", "domain", domain, "plan_kind", int(plan.Kind), "upstreams", plan.IDs)

	dr := p.dispatch(ctx, plan, query, timeout)
	if dr.err != nil {
		p.logger.Warn("all upstreams failed", "domain", domain, "attempted", dr.attempted, "err", dr.err)
		return nil, p.toDNSError(dr)
	}

	resp := &Response{
		Records:          dr.reply.Answer,
		Ns:               dr.reply.Ns,
		Rcode:            dr.reply.Rcode,
		Authoritative:    dr.reply.Authoritative,
		SourceUpstreamID: dr.sourceID,
		ElapsedMs:        time.Since(start).Milliseconds(),
		ServedFromCache:  false,
	}
	if plan.Emergency && p.trk != nil {
		info := p.trk.EmergencyInfo()
		resp.Emergency = &info
		p.logger.Warn("emergency path succeeded", "domain", domain, "upstream", dr.sourceID)
	}
	return resp, nil
}

// toDNSError turns a failed dispatch into the caller-visible dnserr.Error.
// If every attempted upstream failed specifically with SERVFAIL (as opposed
// to a transport error or mixed failure modes), the more specific
// dnserr.ServFail kind is surfaced instead of the general
// dnserr.AllUpstreamsFailed.
func (p *Pipeline) toDNSError(dr dispatchResult) error {
	kind := dnserr.AllUpstreamsFailed
	if p.reg.Count() == 0 {
		kind = dnserr.NoUpstreamAvailable
	} else if dr.allServFail && len(dr.attempted) > 0 {
		kind = dnserr.ServFail
	}
	de := dnserr.Wrap(kind, "all upstreams failed", dr.err).WithUpstreams(dr.attempted)
	if p.trk != nil {
		de = de.WithEmergency(p.trk.EmergencyInfo())
	}
	return de
}

// acquire blocks until a dispatch slot is free or ctx is done.
func (p *Pipeline) acquire(ctx context.Context) error {
	select {
	case p.sem <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *Pipeline) release() {
	<-p.sem
}
