package pipeline

import (
	"net"
	"testing"

	"github.com/miekg/dns"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuildQuerySetsRecursionDesired(t *testing.T) {
	msg := buildQuery("example.com.", dns.TypeA, Request{}, DefaultConfig())
	assert.True(t, msg.RecursionDesired)
	require.Len(t, msg.Question, 1)
	assert.Equal(t, "example.com.", msg.Question[0].Name)
	assert.Equal(t, dns.TypeA, msg.Question[0].Qtype)
	assert.Empty(t, msg.Extra)
}

func TestBuildQueryAddsEDNSWhenEnabled(t *testing.T) {
	req := Request{EnableEDNS: true, ClientAddress: net.ParseIP("203.0.113.5")}
	msg := buildQuery("example.com.", dns.TypeA, req, DefaultConfig())

	require.Len(t, msg.Extra, 1)
	opt, ok := msg.Extra[0].(*dns.OPT)
	require.True(t, ok)
	require.Len(t, opt.Option, 1)
	ecs, ok := opt.Option[0].(*dns.EDNS0_SUBNET)
	require.True(t, ok)
	assert.Equal(t, uint8(24), ecs.SourceNetmask)
}

func TestBuildECSZeroesBitsBeyondPrefix(t *testing.T) {
	ecs := buildECS(net.ParseIP("203.0.113.200"), 24, 56)
	require.NotNil(t, ecs)
	assert.Equal(t, uint8(1), ecs.Family)
	assert.Equal(t, "203.0.113.0", ecs.Address.String())
}

func TestBuildECSv6(t *testing.T) {
	ecs := buildECS(net.ParseIP("2001:db8::1"), 24, 56)
	require.NotNil(t, ecs)
	assert.Equal(t, uint8(2), ecs.Family)
}

func TestValidateReplyRejectsIDMismatch(t *testing.T) {
	query := new(dns.Msg)
	query.Id = 1
	query.SetQuestion("example.com.", dns.TypeA)

	reply := new(dns.Msg)
	reply.Id = 2
	reply.SetQuestion("example.com.", dns.TypeA)

	assert.False(t, validateReply(query, reply))
}

func TestValidateReplyRejectsQnameMismatch(t *testing.T) {
	query := new(dns.Msg)
	query.Id = 1
	query.SetQuestion("example.com.", dns.TypeA)

	reply := new(dns.Msg)
	reply.Id = 1
	reply.SetQuestion("other.com.", dns.TypeA)

	assert.False(t, validateReply(query, reply))
}

func TestValidateReplyAccepts(t *testing.T) {
	query := new(dns.Msg)
	query.Id = 1
	query.SetQuestion("example.com.", dns.TypeA)

	reply := new(dns.Msg)
	reply.Id = 1
	reply.SetQuestion("example.com.", dns.TypeA)

	assert.True(t, validateReply(query, reply))
}

func TestIsAcceptableRcode(t *testing.T) {
	assert.True(t, isAcceptableRcode(dns.RcodeSuccess))
	assert.True(t, isAcceptableRcode(dns.RcodeNameError))
	assert.False(t, isAcceptableRcode(dns.RcodeServerFailure))
	assert.False(t, isAcceptableRcode(dns.RcodeRefused))
}

func TestIsNegative(t *testing.T) {
	assert.True(t, isNegative(dns.RcodeNameError, 0))
	assert.True(t, isNegative(dns.RcodeSuccess, 0))
	assert.False(t, isNegative(dns.RcodeSuccess, 1))
}

func TestMinAnswerTTL(t *testing.T) {
	rrs := []dns.RR{
		&dns.A{Hdr: dns.RR_Header{Ttl: 300}},
		&dns.A{Hdr: dns.RR_Header{Ttl: 60}},
	}
	assert.Equal(t, uint32(60), minAnswerTTL(rrs))
}

func TestSOAMinimum(t *testing.T) {
	ns := []dns.RR{&dns.SOA{Minttl: 120}}
	min, ok := soaMinimum(ns)
	assert.True(t, ok)
	assert.Equal(t, uint32(120), min)
}

func TestSOAMinimumAbsent(t *testing.T) {
	_, ok := soaMinimum(nil)
	assert.False(t, ok)
}
