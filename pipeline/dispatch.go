package pipeline

import (
	"context"
	"fmt"
	"time"

	"github.com/miekg/dns"

	"github.com/qdns/multidns/registry"
	"github.com/qdns/multidns/selection"
	"github.com/qdns/multidns/transport"
)

// dispatchResult carries the outcome of a full plan dispatch, including
// whether every failure seen was specifically a SERVFAIL rcode (as opposed
// to a transport error or a different rcode), which decides whether the
// surfaced error is dnserr.ServFail or the more general
// dnserr.AllUpstreamsFailed.
type dispatchResult struct {
	reply       *dns.Msg
	sourceID    int
	attempted   []int
	allServFail bool
	err         error
}

// servfailErr marks a failure caused specifically by an upstream returning
// SERVFAIL, distinct from a transport error or a different bad rcode.
type servfailErr struct{ id int }

func (e *servfailErr) Error() string {
	return fmt.Sprintf("upstream %d returned SERVFAIL", e.id)
}

// dispatch executes plan against query, returning the winning reply, the
// upstream ID that produced it, and the full list of upstream IDs attempted
// (for diagnostics on total failure). Race shares one timeout budget across
// every concurrent attempt; Ordered gives each attempt its own fresh budget,
// since dispatchOrdered tries candidates one at a time rather than at once.
func (p *Pipeline) dispatch(ctx context.Context, plan selection.Plan, query *dns.Msg, timeout time.Duration) dispatchResult {
	ids := plan.IDs
	if p.cfg.MaxAttempts > 0 && len(ids) > p.cfg.MaxAttempts {
		ids = ids[:p.cfg.MaxAttempts]
	}
	if plan.Kind == selection.Race {
		raceCtx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()
		return p.dispatchRace(raceCtx, ids, query, timeout)
	}
	// Single is just a one-element Ordered plan: dispatch once, and only
	// fall back to any further candidates the plan listed if it fails.
	return p.dispatchOrdered(ctx, ids, query, timeout)
}

// evaluate classifies one upstream's reply, recording the outcome in the
// tracker, and reports whether it is acceptable to return to the caller.
func (p *Pipeline) evaluate(id int, query, reply *dns.Msg, elapsed time.Duration) error {
	if !validateReply(query, reply) {
		err := fmt.Errorf("upstream %d: reply failed validation", id)
		if p.trk != nil {
			p.trk.RecordFailure(id, "protocol: id/qname/qtype mismatch")
		}
		p.logger.Warn("reply failed validation", "upstream", id)
		return err
	}
	if !isAcceptableRcode(reply.Rcode) {
		if p.trk != nil {
			p.trk.RecordFailure(id, fmt.Sprintf("rcode %s", dns.RcodeToString[reply.Rcode]))
		}
		p.logger.Warn("upstream returned bad rcode", "upstream", id, "rcode", dns.RcodeToString[reply.Rcode])
		if reply.Rcode == dns.RcodeServerFailure {
			return &servfailErr{id: id}
		}
		return fmt.Errorf("upstream %d returned rcode %s", id, dns.RcodeToString[reply.Rcode])
	}
	if p.trk != nil {
		p.trk.RecordSuccess(id, elapsed)
	}
	p.logger.Debug("upstream accepted", "upstream", id, "elapsed", elapsed)
	return nil
}

// dispatchOrdered covers both Single (a one-element list) and Ordered:
// try each upstream in turn, advancing past transport errors and SERVFAIL,
// until one returns an acceptable rcode or the list is exhausted. Each
// attempt gets its own fresh timeout budget, so a slow or hung upstream
// early in the chain cannot starve the ones tried after it.
func (p *Pipeline) dispatchOrdered(ctx context.Context, ids []int, query *dns.Msg, timeout time.Duration) dispatchResult {
	var lastErr error
	var attempted []int
	allServFail := true

	for _, id := range ids {
		attempted = append(attempted, id)

		attemptCtx, cancel := context.WithTimeout(ctx, timeout)
		reply, elapsed, err := p.attempt(attemptCtx, id, query, timeout)
		cancel()
		if err != nil {
			if p.trk != nil {
				p.trk.RecordFailure(id, err.Error())
			}
			lastErr = err
			allServFail = false
			continue
		}
		if err := p.evaluate(id, query, reply, elapsed); err != nil {
			lastErr = err
			if _, ok := err.(*servfailErr); !ok {
				allServFail = false
			}
			continue
		}
		return dispatchResult{reply: reply, sourceID: id, attempted: attempted}
	}

	if lastErr == nil {
		lastErr = fmt.Errorf("no upstreams in plan")
		allServFail = false
	}
	return dispatchResult{sourceID: -1, attempted: attempted, allServFail: allServFail, err: lastErr}
}

// dispatchRace sends to every listed upstream concurrently with a staggered
// start; the first acceptable reply wins and the rest are cancelled.
func (p *Pipeline) dispatchRace(ctx context.Context, ids []int, query *dns.Msg, timeout time.Duration) dispatchResult {
	raceCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	type result struct {
		id    int
		reply *dns.Msg
		err   error
	}

	stagger := p.raceStagger()
	results := make(chan result, len(ids))
	for i, id := range ids {
		i, id := i, id
		go func() {
			if d := time.Duration(i) * stagger; d > 0 {
				select {
				case <-time.After(d):
				case <-raceCtx.Done():
					results <- result{id: id, err: raceCtx.Err()}
					return
				}
			}
			reply, elapsed, err := p.attempt(raceCtx, id, query, timeout)
			if err != nil {
				if p.trk != nil {
					p.trk.RecordFailure(id, err.Error())
				}
				results <- result{id: id, err: err}
				return
			}
			if err := p.evaluate(id, query, reply, elapsed); err != nil {
				results <- result{id: id, err: err}
				return
			}
			results <- result{id: id, reply: reply}
		}()
	}

	var lastErr error
	attempted := append([]int(nil), ids...)
	allServFail := true
	for range ids {
		r := <-results
		if r.err == nil {
			return dispatchResult{reply: r.reply, sourceID: r.id, attempted: attempted}
		}
		lastErr = r.err
		if _, ok := r.err.(*servfailErr); !ok {
			allServFail = false
		}
	}
	if lastErr == nil {
		lastErr = fmt.Errorf("no upstreams in plan")
		allServFail = false
	}
	return dispatchResult{sourceID: -1, attempted: attempted, allServFail: allServFail, err: lastErr}
}

func (p *Pipeline) raceStagger() time.Duration {
	if p.cfg.RaceStagger > 0 {
		return p.cfg.RaceStagger
	}
	return 50 * time.Millisecond
}

// attempt sends query to one upstream, retrying over TCP on UDP truncation.
// It does not itself record outcomes in the tracker; the caller does, once
// it has also validated the reply's rcode and identity, so a SERVFAIL reply
// (a successful exchange at the transport level but a failure at the DNS
// level) is recorded as exactly one failure rather than a success followed
// by a contradictory failure.
func (p *Pipeline) attempt(ctx context.Context, id int, query *dns.Msg, timeout time.Duration) (*dns.Msg, time.Duration, error) {
	desc, ok := p.reg.Get(id)
	if !ok {
		return nil, 0, fmt.Errorf("upstream %d not registered", id)
	}

	if err := p.acquire(ctx); err != nil {
		return nil, 0, err
	}
	start := time.Now()
	reply, err := p.tp.Send(ctx, desc.Target, query, timeout)
	elapsed := time.Since(start)
	p.release()

	if err != nil {
		if te, ok := err.(*transport.Error); ok && te.Kind == transport.KindTruncated && desc.Target.Kind == registry.UDP {
			tcpTarget := desc.Target
			tcpTarget.Kind = registry.TCP

			if err := p.acquire(ctx); err != nil {
				return nil, 0, err
			}
			start = time.Now()
			reply, err = p.tp.Send(ctx, tcpTarget, query, timeout)
			elapsed = time.Since(start)
			p.release()
		}
	}
	if err != nil {
		return nil, elapsed, err
	}
	return reply, elapsed, nil
}
