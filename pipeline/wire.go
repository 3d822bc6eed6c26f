package pipeline

import (
	"net"

	"github.com/miekg/dns"
)

// buildQuery constructs the outbound wire message: a random 16-bit ID, RD
// set, and optionally an EDNS(0) OPT record advertising the configured UDP
// payload size with an ECS option attached per RFC 7871.
func buildQuery(domain string, qtype uint16, req Request, cfg Config) *dns.Msg {
	msg := new(dns.Msg)
	msg.Id = dns.Id()
	msg.RecursionDesired = true
	msg.SetQuestion(dns.Fqdn(domain), qtype)

	if req.EnableEDNS {
		opt := &dns.OPT{
			Hdr: dns.RR_Header{Name: ".", Rrtype: dns.TypeOPT},
		}
		opt.SetUDPSize(cfg.MaxUDPPayload)

		if req.ClientAddress != nil {
			if ecs := buildECS(req.ClientAddress, cfg.ECSPrefixV4, cfg.ECSPrefixV6); ecs != nil {
				opt.Option = append(opt.Option, ecs)
			}
		}
		msg.Extra = append(msg.Extra, opt)
	}

	return msg
}

// buildECS builds an EDNS Client Subnet option (RFC 7871, option code 8),
// zeroing address bits beyond the configured source prefix.
func buildECS(ip net.IP, prefixV4, prefixV6 uint8) *dns.EDNS0_SUBNET {
	if v4 := ip.To4(); v4 != nil {
		mask := net.CIDRMask(int(prefixV4), 32)
		return &dns.EDNS0_SUBNET{
			Code:          dns.EDNS0SUBNET,
			Family:        1,
			SourceNetmask: prefixV4,
			SourceScope:   0,
			Address:       v4.Mask(mask),
		}
	}
	if v6 := ip.To16(); v6 != nil {
		mask := net.CIDRMask(int(prefixV6), 128)
		return &dns.EDNS0_SUBNET{
			Code:          dns.EDNS0SUBNET,
			Family:        2,
			SourceNetmask: prefixV6,
			SourceScope:   0,
			Address:       v6.Mask(mask),
		}
	}
	return nil
}

// validateReply checks that reply actually answers query: matching ID,
// qname and qtype.
func validateReply(query, reply *dns.Msg) bool {
	if reply.Id != query.Id {
		return false
	}
	if len(reply.Question) == 0 || len(query.Question) == 0 {
		return len(reply.Answer) == 0 && reply.Rcode != dns.RcodeSuccess
	}
	rq, qq := reply.Question[0], query.Question[0]
	return dns.Fqdn(rq.Name) == dns.Fqdn(qq.Name) && rq.Qtype == qq.Qtype
}

// isAcceptableRcode reports whether rcode is a usable terminal answer for
// the Ordered/Race dispatch loops (NOERROR or NXDOMAIN); anything else,
// including SERVFAIL, triggers fallback to the next upstream.
func isAcceptableRcode(rcode int) bool {
	return rcode == dns.RcodeSuccess || rcode == dns.RcodeNameError
}

// isNegative reports whether an rcode/answer-count pair represents NXDOMAIN
// or NODATA (NOERROR with zero answers).
func isNegative(rcode int, answerCount int) bool {
	if rcode == dns.RcodeNameError {
		return true
	}
	return rcode == dns.RcodeSuccess && answerCount == 0
}

// minAnswerTTL returns the smallest TTL among rrs, or 0 if rrs is empty.
func minAnswerTTL(rrs []dns.RR) uint32 {
	var min uint32
	first := true
	for _, rr := range rrs {
		ttl := rr.Header().Ttl
		if first || ttl < min {
			min = ttl
			first = false
		}
	}
	return min
}

// soaMinimum returns the SOA minimum field from an authority (Ns) section,
// if a SOA record is present.
func soaMinimum(ns []dns.RR) (uint32, bool) {
	for _, rr := range ns {
		if soa, ok := rr.(*dns.SOA); ok {
			return soa.Minttl, true
		}
	}
	return 0, false
}
