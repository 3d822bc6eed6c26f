package pipeline

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/miekg/dns"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/qdns/multidns/cache"
	"github.com/qdns/multidns/registry"
	"github.com/qdns/multidns/selection"
	"github.com/qdns/multidns/tracker"
	"github.com/qdns/multidns/transport"
)

func TestValidateDomainRejectsEmpty(t *testing.T) {
	assert.Error(t, validateDomain(""))
	assert.Error(t, validateDomain("."))
}

func TestValidateDomainRejectsOverlongLabel(t *testing.T) {
	label := ""
	for i := 0; i < 64; i++ {
		label += "a"
	}
	assert.Error(t, validateDomain(label+".com."))
}

func TestValidateDomainRejectsOverlongName(t *testing.T) {
	long := ""
	for i := 0; i < 60; i++ {
		long += "abcd."
	}
	assert.Error(t, validateDomain(long))
}

func TestValidateDomainAccepts(t *testing.T) {
	assert.NoError(t, validateDomain("example.com."))
}

func TestClassOrDefault(t *testing.T) {
	assert.Equal(t, dns.ClassINET, classOrDefault(0))
	assert.Equal(t, dns.ClassCHAOS, classOrDefault(dns.ClassCHAOS))
}

func TestIsNegativeResponse(t *testing.T) {
	assert.True(t, isNegativeResponse(&Response{Rcode: dns.RcodeNameError}))
	assert.True(t, isNegativeResponse(&Response{Rcode: dns.RcodeSuccess}))
	assert.False(t, isNegativeResponse(&Response{
		Rcode:   dns.RcodeSuccess,
		Records: []dns.RR{&dns.A{}},
	}))
}

func TestCloneResponseCopiesRecordsSlice(t *testing.T) {
	orig := &Response{Records: []dns.RR{&dns.A{}}}
	clone := cloneResponse(orig)
	clone.Records[0] = nil

	assert.NotNil(t, orig.Records[0])
}

func TestCacheTTLCapsSOAMinimumAtNegativeTTL(t *testing.T) {
	ch := cache.New(cache.Options{NegativeTTL: 30 * time.Second})
	defer ch.Close()
	p := &Pipeline{ch: ch}

	resp := &Response{
		Rcode: dns.RcodeNameError,
		Ns:    []dns.RR{&dns.SOA{Minttl: 120}},
	}
	assert.Equal(t, 30*time.Second, p.cacheTTL(resp, true))
}

func TestCacheTTLFallsBackToNegativeCeilingWithoutSOA(t *testing.T) {
	ch := cache.New(cache.Options{NegativeTTL: 45 * time.Second})
	defer ch.Close()
	p := &Pipeline{ch: ch}

	resp := &Response{Rcode: dns.RcodeNameError}
	assert.Equal(t, 45*time.Second, p.cacheTTL(resp, true))
}

func TestCacheTTLUsesMinAnswerTTLForPositiveResponse(t *testing.T) {
	ch := cache.New(cache.Options{MaxTTL: time.Hour})
	defer ch.Close()
	p := &Pipeline{ch: ch}

	resp := &Response{
		Rcode: dns.RcodeSuccess,
		Records: []dns.RR{
			&dns.A{Hdr: dns.RR_Header{Ttl: 300}},
			&dns.A{Hdr: dns.RR_Header{Ttl: 60}},
		},
	}
	assert.Equal(t, 60*time.Second, p.cacheTTL(resp, false))
}

// startEchoServer runs a loopback UDP DNS server that answers every query
// with a single A record, returning its port and a shutdown func.
func startEchoServer(t *testing.T) (port int, shutdown func()) {
	t.Helper()
	pc, err := net.ListenPacket("udp", "127.0.0.1:0")
	require.NoError(t, err)

	srv := &dns.Server{PacketConn: pc, Handler: dns.HandlerFunc(func(w dns.ResponseWriter, r *dns.Msg) {
		m := new(dns.Msg)
		m.SetReply(r)
		if len(r.Question) > 0 {
			rr, _ := dns.NewRR(r.Question[0].Name + " 60 IN A 203.0.113.9")
			m.Answer = append(m.Answer, rr)
		}
		_ = w.WriteMsg(m)
	})}
	go srv.ActivateAndServe()

	addr := pc.LocalAddr().(*net.UDPAddr)
	return addr.Port, func() { _ = srv.Shutdown() }
}

func TestResolvePopulatesEmergencyOnFallbackSuccess(t *testing.T) {
	port, shutdown := startEchoServer(t)
	defer shutdown()

	reg := registry.New()
	id := reg.Register("only", registry.Target{Kind: registry.UDP, Host: "127.0.0.1", Port: port}, 1)
	require.NoError(t, reg.Build())

	trk := tracker.New(reg.All(), tracker.DefaultFailureThreshold)
	for i := 0; i < tracker.DefaultFailureThreshold; i++ {
		trk.RecordFailure(id, "simulated failure")
	}

	eng := selection.New(selection.FIFO)
	tp := transport.New(transport.Options{})
	defer tp.Close()

	p := New(reg, trk, eng, tp, nil, DefaultConfig())

	resp, err := p.Query(context.Background(), Request{Domain: "example.com.", Type: dns.TypeA})
	require.NoError(t, err)
	require.NotNil(t, resp.Emergency)
	assert.Equal(t, id, resp.Emergency.LastWorkingUpstreamID)
}

func TestDefaultConfigHasPositiveDefaults(t *testing.T) {
	cfg := DefaultConfig()
	assert.Greater(t, cfg.DefaultTimeout, time.Duration(0))
	assert.Greater(t, cfg.Concurrency, 0)
	assert.Equal(t, uint8(24), cfg.ECSPrefixV4)
	assert.Equal(t, uint8(56), cfg.ECSPrefixV6)
}
