package transport

import (
	"bytes"
	"context"
	"encoding/base64"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/miekg/dns"

	"github.com/qdns/multidns/registry"
)

const dnsMessageContentType = "application/dns-message"

// httpSender holds the shared HTTP client used for all DoH upstreams. A
// single client (and thus a single pooled transport) is reused across
// upstreams, matching net/http's own idle-connection-reuse idiom rather
// than hand-rolling a second connection pool for HTTP.
type httpSender struct {
	client *http.Client
}

func newHTTPSender() *httpSender {
	return &httpSender{
		client: &http.Client{
			Transport: &http.Transport{
				MaxIdleConnsPerHost: 4,
				IdleConnTimeout:     90 * time.Second,
			},
		},
	}
}

func (h *httpSender) closeIdle() {
	h.client.CloseIdleConnections()
}

func (h *httpSender) send(ctx context.Context, target registry.Target, query *dns.Msg, timeout time.Duration) (*dns.Msg, error) {
	wire, err := query.Pack()
	if err != nil {
		return nil, newErr(KindProtocol, err)
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	method := target.Method
	if method == "" {
		method = http.MethodGet
	}

	var req *http.Request
	switch strings.ToUpper(method) {
	case http.MethodPost:
		req, err = http.NewRequestWithContext(ctx, http.MethodPost, target.URL, bytes.NewReader(wire))
		if err == nil {
			req.Header.Set("content-type", dnsMessageContentType)
		}
	default:
		u, perr := url.Parse(target.URL)
		if perr != nil {
			return nil, newErr(KindProtocol, perr)
		}
		q := u.Query()
		q.Set("dns", base64.RawURLEncoding.EncodeToString(wire))
		u.RawQuery = q.Encode()
		req, err = http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	}
	if err != nil {
		return nil, newErr(KindIO, err)
	}
	req.Header.Set("accept", dnsMessageContentType)

	resp, err := h.client.Do(req)
	if err != nil {
		return nil, classifyNetErr(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &Error{Kind: KindHTTP, Status: resp.StatusCode}
	}

	ct := resp.Header.Get("content-type")
	if !strings.HasPrefix(ct, dnsMessageContentType) {
		return nil, &Error{Kind: KindHTTP, Status: resp.StatusCode, Err: errUnexpectedContentType}
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, newErr(KindIO, err)
	}

	reply := new(dns.Msg)
	if err := reply.Unpack(body); err != nil {
		return nil, newErr(KindProtocol, err)
	}
	return reply, nil
}
