package prober

import (
	"context"
	"testing"
	"time"

	"github.com/miekg/dns"
	"github.com/stretchr/testify/assert"

	"github.com/qdns/multidns/registry"
	"github.com/qdns/multidns/transport"
	"github.com/qdns/multidns/tracker"
)

func TestNewAppliesDefaultsForZeroConfig(t *testing.T) {
	r := registry.New()
	r.Register("a", registry.Target{Kind: registry.UDP, Host: "1.1.1.1", Port: 53}, 1)
	r.Build()
	trk := tracker.New(r.All(), 3)
	tp := transport.New(transport.Options{})
	defer tp.Close()

	p := New(r, trk, tp, Config{})

	assert.Equal(t, 30*time.Second, p.cfg.Interval)
	assert.Equal(t, 2*time.Second, p.cfg.Timeout)
	assert.Equal(t, "dns.quad9.net.", p.cfg.CanaryName)
	assert.Equal(t, dns.TypeA, p.cfg.CanaryType)
}

func TestStartAndStopCleansUpGoroutines(t *testing.T) {
	r := registry.New()
	r.Register("a", registry.Target{Kind: registry.UDP, Host: "1.1.1.1", Port: 53}, 1)
	r.Build()
	trk := tracker.New(r.All(), 3)
	tp := transport.New(transport.Options{})
	defer tp.Close()

	p := New(r, trk, tp, Config{Interval: time.Hour})
	p.Start(context.Background())
	p.Stop()
}
