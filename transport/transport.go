// Package transport sends a wire-format DNS query to one upstream over
// UDP, plain TCP, DNS-over-TLS, or DNS-over-HTTPS, and returns the decoded
// reply or a typed Error. It owns connection reuse for the stream
// transports; the wire codec itself (github.com/miekg/dns) is an external
// collaborator, not something this package reimplements.
package transport

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"strconv"
	"time"

	"github.com/miekg/dns"

	"github.com/qdns/multidns/registry"
)

// Transport dispatches queries to upstreams and owns the pooled stream
// connections and the shared HTTP client used for DoH.
type Transport struct {
	pool   *connPool
	http   *httpSender
	logger *slog.Logger
}

// Options configures the Transport.
type Options struct {
	// IdleTimeout is how long an unused TCP/DoT connection is kept pooled
	// before being closed.
	IdleTimeout time.Duration
}

// New creates a Transport ready to send queries.
func New(opts Options) *Transport {
	return &Transport{
		pool:   newConnPool(opts.IdleTimeout),
		http:   newHTTPSender(),
		logger: slog.Default(),
	}
}

// SetLogger overrides the logger used for per-send diagnostics.
func (t *Transport) SetLogger(l *slog.Logger) {
	if l != nil {
		t.logger = l
	}
}

// Close releases pooled connections and idle HTTP transports.
func (t *Transport) Close() error {
	t.pool.closeAll()
	t.http.closeIdle()
	return nil
}

// Send dispatches query to the given upstream target and returns the decoded
// reply. The returned error, if any, is always a *transport.Error.
func (t *Transport) Send(ctx context.Context, target registry.Target, query *dns.Msg, timeout time.Duration) (*dns.Msg, error) {
	t.logger.Debug("sending query", "host", target.Host, "kind", target.Kind.String(), "timeout", timeout)

	var reply *dns.Msg
	var err error
	switch target.Kind {
	case registry.UDP:
		reply, err = t.sendUDP(ctx, target, query, timeout)
	case registry.TCP:
		reply, err = t.sendStream(ctx, target, query, timeout, false)
	case registry.DoT:
		reply, err = t.sendStream(ctx, target, query, timeout, true)
	case registry.DoH:
		reply, err = t.http.send(ctx, target, query, timeout)
	default:
		return nil, newErr(KindProtocol, errUnknownKind)
	}
	if err != nil {
		t.logger.Warn("send failed", "host", target.Host, "kind", target.Kind.String(), "err", err)
	}
	return reply, err
}

var errUnknownKind = errors.New("unknown upstream transport kind")

func (t *Transport) sendUDP(ctx context.Context, target registry.Target, query *dns.Msg, timeout time.Duration) (*dns.Msg, error) {
	addr := net.JoinHostPort(target.Host, strconv.Itoa(target.Port))

	deadline := time.Now().Add(timeout)
	dctx, cancel := context.WithDeadline(ctx, deadline)
	defer cancel()

	var d net.Dialer
	conn, err := d.DialContext(dctx, "udp", addr)
	if err != nil {
		return nil, classifyNetErr(err)
	}
	defer conn.Close()

	_ = conn.SetDeadline(deadline)

	wire, err := query.Pack()
	if err != nil {
		return nil, newErr(KindProtocol, err)
	}
	if _, err := conn.Write(wire); err != nil {
		return nil, classifyNetErr(err)
	}

	buf := make([]byte, 65535)
	n, err := conn.Read(buf)
	if err != nil {
		return nil, classifyNetErr(err)
	}

	reply := new(dns.Msg)
	if err := reply.Unpack(buf[:n]); err != nil {
		return nil, newErr(KindProtocol, err)
	}
	if reply.Truncated {
		return nil, newErr(KindTruncated, nil)
	}
	return reply, nil
}

// sendStream handles both plain TCP and DoT, which differ only in whether
// the pooled connection is wrapped in TLS.
func (t *Transport) sendStream(ctx context.Context, target registry.Target, query *dns.Msg, timeout time.Duration, tls bool) (*dns.Msg, error) {
	key := streamPoolKey(target, tls)

	conn := t.pool.take(key)
	if conn == nil {
		c, err := dialStream(ctx, target, timeout, tls)
		if err != nil {
			return nil, err
		}
		conn = c
	}

	deadline := time.Now().Add(timeout)
	_ = conn.SetDeadline(deadline)

	if err := conn.WriteMsg(query); err != nil {
		_ = conn.Close()
		return nil, classifyNetErr(err)
	}

	reply, err := conn.ReadMsg()
	if err != nil {
		_ = conn.Close()
		return nil, classifyNetErr(err)
	}

	t.pool.put(key, conn)
	return reply, nil
}

func streamPoolKey(target registry.Target, tls bool) string {
	network := "tcp"
	if tls {
		network = "tcp-tls"
	}
	return network + "|" + net.JoinHostPort(target.Host, strconv.Itoa(target.Port)) + "|" + target.SNI
}

func dialStream(ctx context.Context, target registry.Target, timeout time.Duration, useTLS bool) (*dns.Conn, error) {
	addr := net.JoinHostPort(target.Host, strconv.Itoa(target.Port))

	client := &dns.Client{
		Net:     "tcp",
		Timeout: timeout,
	}
	if useTLS {
		client.Net = "tcp-tls"
		sni := target.SNI
		if sni == "" {
			sni = target.Host
		}
		client.TLSConfig = newTLSConfig(sni, target.InsecureSkipVerify)
	}

	conn, err := client.DialContext(ctx, addr)
	if err != nil {
		if useTLS {
			return nil, newErr(KindTLSHandshake, err)
		}
		return nil, classifyNetErr(err)
	}
	return conn, nil
}

// classifyNetErr maps a raw net error into the appropriate typed kind.
func classifyNetErr(err error) *Error {
	if err == nil {
		return nil
	}
	var nerr net.Error
	if errors.As(err, &nerr) && nerr.Timeout() {
		return newErr(KindTimeout, err)
	}
	return newErr(KindIO, err)
}
