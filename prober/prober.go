// Package prober runs a background canary query against every registered
// upstream on a fixed interval, feeding the results into the tracker so the
// selection engine sees health data even for upstreams no live query has
// touched recently: one goroutine and ticker per upstream, each sending a
// configurable canary query rather than a fixed NS-root lookup.
package prober

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/miekg/dns"

	"github.com/qdns/multidns/registry"
	"github.com/qdns/multidns/transport"
	"github.com/qdns/multidns/tracker"
)

// Config tunes the prober's canary query and cadence.
type Config struct {
	Interval   time.Duration
	Timeout    time.Duration
	CanaryName string
	CanaryType uint16
}

// DefaultConfig returns the documented defaults.
func DefaultConfig() Config {
	return Config{
		Interval:   30 * time.Second,
		Timeout:    2 * time.Second,
		CanaryName: "dns.quad9.net.",
		CanaryType: dns.TypeA,
	}
}

// Prober periodically probes every upstream in a registry and records the
// outcome in a tracker.
type Prober struct {
	reg *registry.Registry
	trk *tracker.Tracker
	tp  *transport.Transport
	cfg Config

	cancel context.CancelFunc
	wg     sync.WaitGroup
	logger *slog.Logger
}

// New constructs a Prober. Call Start to begin probing.
func New(reg *registry.Registry, trk *tracker.Tracker, tp *transport.Transport, cfg Config) *Prober {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultConfig().Interval
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultConfig().Timeout
	}
	if cfg.CanaryName == "" {
		cfg.CanaryName = DefaultConfig().CanaryName
	}
	if cfg.CanaryType == 0 {
		cfg.CanaryType = DefaultConfig().CanaryType
	}
	return &Prober{reg: reg, trk: trk, tp: tp, cfg: cfg, logger: slog.Default()}
}

// SetLogger overrides the logger used for per-probe diagnostics.
func (p *Prober) SetLogger(l *slog.Logger) {
	if l != nil {
		p.logger = l
	}
}

// Start launches one monitoring goroutine per registered upstream. It is
// safe to call at most once per Prober.
func (p *Prober) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	p.cancel = cancel

	for _, desc := range p.reg.All() {
		desc := desc
		p.wg.Add(1)
		go p.loop(ctx, desc)
	}
}

// Stop cancels every probe goroutine and waits for them to exit.
func (p *Prober) Stop() {
	if p.cancel != nil {
		p.cancel()
	}
	p.wg.Wait()
}

func (p *Prober) loop(ctx context.Context, desc registry.Descriptor) {
	defer p.wg.Done()

	ticker := time.NewTicker(p.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.probeOne(ctx, desc)
		}
	}
}

func (p *Prober) probeOne(ctx context.Context, desc registry.Descriptor) {
	msg := new(dns.Msg)
	msg.Id = dns.Id()
	msg.RecursionDesired = true
	msg.SetQuestion(dns.Fqdn(p.cfg.CanaryName), p.cfg.CanaryType)

	probeCtx, cancel := context.WithTimeout(ctx, p.cfg.Timeout)
	defer cancel()

	start := time.Now()
	reply, err := p.tp.Send(probeCtx, desc.Target, msg, p.cfg.Timeout)
	latency := time.Since(start)

	if err != nil {
		p.trk.RecordProbe(desc.ID, false, latency, err.Error())
		p.logger.Warn("probe failed", "upstream", desc.ID, "name", desc.Name, "err", err)
		return
	}
	if reply.Id != msg.Id {
		p.trk.RecordProbe(desc.ID, false, latency, "probe: reply id mismatch")
		p.logger.Warn("probe reply id mismatch", "upstream", desc.ID, "name", desc.Name)
		return
	}
	p.trk.RecordProbe(desc.ID, true, latency, "")
	p.logger.Debug("probe ok", "upstream", desc.ID, "name", desc.Name, "latency", latency)
}
