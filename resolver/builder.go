// Package resolver is the public entry point: a Builder assembles a
// Resolver from a registry of upstreams plus the strategy, timeout and
// cache knobs, failing closed on any missing mandatory field via a list
// of small validateX methods rather than a single monolithic check.
package resolver

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/qdns/multidns/cache"
	"github.com/qdns/multidns/dnserr"
	"github.com/qdns/multidns/pipeline"
	"github.com/qdns/multidns/prober"
	"github.com/qdns/multidns/registry"
	"github.com/qdns/multidns/selection"
	"github.com/qdns/multidns/tracker"
	"github.com/qdns/multidns/transport"
)

// UpstreamSpec is one upstream to register, as given to the Builder.
type UpstreamSpec struct {
	Name   string
	Target registry.Target
	Weight int
}

// Builder chainably accumulates a Resolver's configuration. The mandatory
// fields below have no silent defaults: Build fails with a dnserr.Config
// error if any is left unset. Optional tuning fields do get documented
// defaults from pipeline.DefaultConfig/prober.DefaultConfig/cache defaults.
type Builder struct {
	strategy         selection.Strategy
	strategySet      bool
	timeout          time.Duration
	retryCount       int
	retryCountSet    bool
	cacheEnabled     bool
	cacheEnabledSet  bool
	cacheTTL         time.Duration
	healthCheck      bool
	healthCheckSet   bool
	probeInterval    time.Duration
	port             int
	portSet          bool
	concurrency      int
	concurrencySet   bool
	bufferSize       int
	bufferSizeSet    bool
	upstreams        []UpstreamSpec
	failureThreshold int
	ecsPrefixV4      uint8
	ecsPrefixV6      uint8
	negativeTTL      time.Duration
	raceStagger      time.Duration
	maxCacheEntries  int
	logger           *slog.Logger
}

// NewBuilder returns an empty Builder. Every mandatory field documented on
// Builder must be set before Build succeeds.
func NewBuilder() *Builder {
	return &Builder{failureThreshold: tracker.DefaultFailureThreshold}
}

// WithStrategy sets the selection strategy (mandatory).
func (b *Builder) WithStrategy(s selection.Strategy) *Builder {
	b.strategy = s
	b.strategySet = true
	return b
}

// WithTimeout sets the per-query timeout (mandatory).
func (b *Builder) WithTimeout(d time.Duration) *Builder {
	b.timeout = d
	return b
}

// WithRetryCount sets how many additional upstreams an Ordered/Race plan
// may fall back to beyond the first attempt, before dispatch gives up
// with all upstreams failed (mandatory).
func (b *Builder) WithRetryCount(n int) *Builder {
	b.retryCount = n
	b.retryCountSet = true
	return b
}

// WithCache toggles response caching (mandatory) and sets its TTL ceiling.
func (b *Builder) WithCache(enabled bool, maxTTL time.Duration) *Builder {
	b.cacheEnabled = enabled
	b.cacheEnabledSet = true
	b.cacheTTL = maxTTL
	return b
}

// WithHealthCheck toggles the background prober (mandatory) and sets its
// probe interval.
func (b *Builder) WithHealthCheck(enabled bool, interval time.Duration) *Builder {
	b.healthCheck = enabled
	b.healthCheckSet = true
	b.probeInterval = interval
	return b
}

// WithPort sets the default upstream port used when an UpstreamSpec's
// Target.Port is left at zero (mandatory).
func (b *Builder) WithPort(port int) *Builder {
	b.port = port
	b.portSet = true
	return b
}

// WithConcurrency sets the dispatch concurrency cap (mandatory).
func (b *Builder) WithConcurrency(n int) *Builder {
	b.concurrency = n
	b.concurrencySet = true
	return b
}

// WithBufferSize sets the cache's maximum entry count (mandatory).
func (b *Builder) WithBufferSize(n int) *Builder {
	b.bufferSize = n
	b.bufferSizeSet = true
	return b
}

// AddUpstream registers one upstream (at least one call is mandatory).
func (b *Builder) AddUpstream(spec UpstreamSpec) *Builder {
	b.upstreams = append(b.upstreams, spec)
	return b
}

// WithFailureThreshold overrides the tracker's consecutive-failure
// threshold before an upstream is marked unavailable (optional, default 3).
func (b *Builder) WithFailureThreshold(n int) *Builder {
	b.failureThreshold = n
	return b
}

// WithECSPrefixes overrides the EDNS Client Subnet source prefix lengths
// (optional, defaults 24/56).
func (b *Builder) WithECSPrefixes(v4, v6 uint8) *Builder {
	b.ecsPrefixV4 = v4
	b.ecsPrefixV6 = v6
	return b
}

// WithNegativeTTL overrides the negative-caching TTL (optional, default 30s).
func (b *Builder) WithNegativeTTL(d time.Duration) *Builder {
	b.negativeTTL = d
	return b
}

// WithRaceStagger overrides the Race plan's per-upstream start stagger
// (optional, default 50ms).
func (b *Builder) WithRaceStagger(d time.Duration) *Builder {
	b.raceStagger = d
	return b
}

// WithLogger overrides the resolver's logger (optional, default
// slog.Default()).
func (b *Builder) WithLogger(l *slog.Logger) *Builder {
	b.logger = l
	return b
}

// Build validates the accumulated configuration and constructs a Resolver.
// It fails closed: any unset mandatory field returns a *dnserr.Error of
// kind dnserr.Config rather than silently defaulting.
func (b *Builder) Build() (*Resolver, error) {
	if err := b.validate(); err != nil {
		return nil, err
	}

	logger := b.logger
	if logger == nil {
		logger = slog.Default()
	}

	reg := registry.New()
	for _, spec := range b.upstreams {
		target := spec.Target
		if target.Port == 0 && (target.Kind == registry.UDP || target.Kind == registry.TCP || target.Kind == registry.DoT) {
			target.Port = b.port
		}
		reg.Register(spec.Name, target, spec.Weight)
	}
	if err := reg.Build(); err != nil {
		return nil, dnserr.Wrap(dnserr.Config, "building registry", err)
	}

	trk := tracker.New(reg.All(), b.failureThreshold)
	eng := selection.New(b.strategy)
	tp := transport.New(transport.Options{})
	tp.SetLogger(logger)

	cacheCfg := cache.Options{MaxEntries: b.bufferSize}
	if b.cacheTTL > 0 {
		cacheCfg.MaxTTL = b.cacheTTL
	}
	if b.negativeTTL > 0 {
		cacheCfg.NegativeTTL = b.negativeTTL
	}
	var ch *cache.Cache
	if b.cacheEnabled {
		ch = cache.New(cacheCfg)
	}

	pcfg := pipeline.DefaultConfig()
	pcfg.DefaultTimeout = b.timeout
	pcfg.Concurrency = b.concurrency
	pcfg.MaxAttempts = b.retryCount + 1 // retries beyond the first attempt
	if b.ecsPrefixV4 > 0 {
		pcfg.ECSPrefixV4 = b.ecsPrefixV4
	}
	if b.ecsPrefixV6 > 0 {
		pcfg.ECSPrefixV6 = b.ecsPrefixV6
	}
	if b.raceStagger > 0 {
		pcfg.RaceStagger = b.raceStagger
	}
	pl := pipeline.New(reg, trk, eng, tp, ch, pcfg)
	pl.SetLogger(logger)

	r := &Resolver{
		reg:    reg,
		trk:    trk,
		tp:     tp,
		ch:     ch,
		pl:     pl,
		logger: logger,
		sem:    make(chan struct{}, b.concurrency),
	}

	if b.healthCheck {
		pcfg := prober.DefaultConfig()
		pcfg.Interval = b.probeInterval
		pb := prober.New(reg, trk, tp, pcfg)
		pb.SetLogger(logger)
		r.prober = pb
	}

	return r, nil
}

func (b *Builder) validate() error {
	if err := b.validateMandatoryFlags(); err != nil {
		return err
	}
	if err := b.validateUpstreams(); err != nil {
		return err
	}
	return nil
}

func (b *Builder) validateMandatoryFlags() error {
	if !b.strategySet {
		return dnserr.New(dnserr.Config, "strategy is required")
	}
	if b.timeout <= 0 {
		return dnserr.New(dnserr.Config, "timeout is required and must be positive")
	}
	if !b.retryCountSet {
		return dnserr.New(dnserr.Config, "retry count is required")
	}
	if b.retryCount < 0 {
		return dnserr.New(dnserr.Config, "retry count must be non-negative")
	}
	if !b.cacheEnabledSet {
		return dnserr.New(dnserr.Config, "cache toggle is required")
	}
	if b.cacheEnabled && b.cacheTTL <= 0 {
		return dnserr.New(dnserr.Config, "cache TTL is required when caching is enabled")
	}
	if !b.healthCheckSet {
		return dnserr.New(dnserr.Config, "health-check toggle is required")
	}
	if b.healthCheck && b.probeInterval <= 0 {
		return dnserr.New(dnserr.Config, "probe interval is required when health checking is enabled")
	}
	if !b.portSet {
		return dnserr.New(dnserr.Config, "port is required")
	}
	if b.port <= 0 || b.port > 65535 {
		return dnserr.New(dnserr.Config, "port must be in 1-65535")
	}
	if !b.concurrencySet {
		return dnserr.New(dnserr.Config, "concurrency cap is required")
	}
	if b.concurrency <= 0 {
		return dnserr.New(dnserr.Config, "concurrency cap must be positive")
	}
	if !b.bufferSizeSet {
		return dnserr.New(dnserr.Config, "buffer size is required")
	}
	if b.bufferSize <= 0 {
		return dnserr.New(dnserr.Config, "buffer size must be positive")
	}
	return nil
}

func (b *Builder) validateUpstreams() error {
	if len(b.upstreams) == 0 {
		return dnserr.New(dnserr.Config, "at least one upstream is required")
	}
	for i, spec := range b.upstreams {
		if spec.Name == "" {
			return dnserr.New(dnserr.Config, fmt.Sprintf("upstreams[%d]: name is required", i))
		}
		if spec.Target.Kind == registry.DoH && spec.Target.URL == "" {
			return dnserr.New(dnserr.Config, fmt.Sprintf("upstream '%s': doh target requires a URL", spec.Name))
		}
		if spec.Target.Kind != registry.DoH && spec.Target.Host == "" {
			return dnserr.New(dnserr.Config, fmt.Sprintf("upstream '%s': target requires a host", spec.Name))
		}
	}
	return nil
}
