package main

import (
	"fmt"

	"github.com/qdns/multidns/internal/mdconfig"
	"github.com/qdns/multidns/registry"
	"github.com/qdns/multidns/resolver"
	"github.com/qdns/multidns/selection"
)

func buildResolver(path string) (*resolver.Resolver, error) {
	cfg, err := mdconfig.LoadFromPath(path)
	if err != nil {
		return nil, err
	}

	strategy, err := parseStrategy(cfg.Strategy)
	if err != nil {
		return nil, err
	}

	b := resolver.NewBuilder().
		WithStrategy(strategy).
		WithTimeout(cfg.Timeout).
		WithRetryCount(cfg.RetryCount).
		WithCache(cfg.CacheEnabled, cfg.CacheTTL).
		WithHealthCheck(cfg.HealthCheck, cfg.ProbeInterval).
		WithPort(cfg.Port).
		WithConcurrency(cfg.Concurrency).
		WithBufferSize(cfg.BufferSize)

	if cfg.FailureThreshold > 0 {
		b = b.WithFailureThreshold(cfg.FailureThreshold)
	}

	for _, u := range cfg.Upstreams {
		target, err := buildTarget(u)
		if err != nil {
			return nil, fmt.Errorf("upstream %q: %w", u.Name, err)
		}
		b = b.AddUpstream(resolver.UpstreamSpec{Name: u.Name, Target: target, Weight: u.Weight})
	}

	return b.Build()
}

func parseStrategy(s string) (selection.Strategy, error) {
	switch s {
	case "fifo":
		return selection.FIFO, nil
	case "round_robin":
		return selection.RoundRobin, nil
	case "smart", "":
		return selection.Smart, nil
	default:
		return 0, fmt.Errorf("unknown strategy %q", s)
	}
}

func buildTarget(u mdconfig.UpstreamConfig) (registry.Target, error) {
	var kind registry.Kind
	switch u.Kind {
	case "udp", "":
		kind = registry.UDP
	case "tcp":
		kind = registry.TCP
	case "dot":
		kind = registry.DoT
	case "doh":
		kind = registry.DoH
	default:
		return registry.Target{}, fmt.Errorf("unknown kind %q", u.Kind)
	}

	return registry.Target{
		Kind:               kind,
		Host:               u.Host,
		Port:               u.Port,
		SNI:                u.SNI,
		InsecureSkipVerify: u.InsecureSkipVerify,
		URL:                u.URL,
		Method:             u.Method,
	}, nil
}
