package transport

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/miekg/dns"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/qdns/multidns/registry"
)

func buildReply(t *testing.T, query *dns.Msg) []byte {
	t.Helper()
	reply := new(dns.Msg)
	reply.SetReply(query)
	reply.Answer = []dns.RR{&dns.A{Hdr: dns.RR_Header{Name: "example.com.", Rrtype: dns.TypeA, Class: dns.ClassINET, Ttl: 60}}}
	wire, err := reply.Pack()
	require.NoError(t, err)
	return wire
}

func TestHTTPSenderGETSuccess(t *testing.T) {
	var gotQuery *dns.Msg
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodGet, r.Method)
		w.Header().Set("content-type", dnsMessageContentType)
		w.Write(buildReply(t, gotQuery))
	}))
	defer srv.Close()

	query := new(dns.Msg)
	query.SetQuestion("example.com.", dns.TypeA)
	query.Id = dns.Id()
	gotQuery = query

	h := newHTTPSender()
	reply, err := h.send(context.Background(), registry.Target{URL: srv.URL}, query, time.Second)
	require.NoError(t, err)
	assert.Len(t, reply.Answer, 1)
}

func TestHTTPSenderNonOKStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	query := new(dns.Msg)
	query.SetQuestion("example.com.", dns.TypeA)

	h := newHTTPSender()
	_, err := h.send(context.Background(), registry.Target{URL: srv.URL}, query, time.Second)
	require.Error(t, err)
	var te *Error
	require.ErrorAs(t, err, &te)
	assert.Equal(t, KindHTTP, te.Kind)
	assert.Equal(t, http.StatusServiceUnavailable, te.Status)
}

func TestHTTPSenderRejectsWrongContentType(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("content-type", "text/plain")
		w.Write([]byte("nope"))
	}))
	defer srv.Close()

	query := new(dns.Msg)
	query.SetQuestion("example.com.", dns.TypeA)

	h := newHTTPSender()
	_, err := h.send(context.Background(), registry.Target{URL: srv.URL}, query, time.Second)
	require.Error(t, err)
}

func TestHTTPSenderPOST(t *testing.T) {
	var gotQuery *dns.Msg
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, dnsMessageContentType, r.Header.Get("content-type"))
		w.Header().Set("content-type", dnsMessageContentType)
		w.Write(buildReply(t, gotQuery))
	}))
	defer srv.Close()

	query := new(dns.Msg)
	query.SetQuestion("example.com.", dns.TypeA)
	gotQuery = query

	h := newHTTPSender()
	_, err := h.send(context.Background(), registry.Target{URL: srv.URL, Method: "POST"}, query, time.Second)
	require.NoError(t, err)
}
