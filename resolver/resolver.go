package resolver

import (
	"context"
	"log/slog"

	"golang.org/x/sync/errgroup"

	"github.com/qdns/multidns/cache"
	"github.com/qdns/multidns/pipeline"
	"github.com/qdns/multidns/prober"
	"github.com/qdns/multidns/registry"
	"github.com/qdns/multidns/tracker"
	"github.com/qdns/multidns/transport"
)

// Resolver is the public, concurrency-safe entry point built by Builder.
type Resolver struct {
	reg    *registry.Registry
	trk    *tracker.Tracker
	tp     *transport.Transport
	ch     *cache.Cache
	pl     *pipeline.Pipeline
	prober *prober.Prober
	logger *slog.Logger

	sem     chan struct{}
	started bool
}

// Query resolves a single request.
func (r *Resolver) Query(ctx context.Context, req pipeline.Request) (*pipeline.Response, error) {
	return r.pl.Query(ctx, req)
}

// BatchQuery resolves every request concurrently, bounded by the same
// concurrency cap passed to the Builder, via golang.org/x/sync/errgroup.
// The returned slice has one entry per input request, in the same order;
// a failed entry's Response is nil and its error is non-nil, independent
// of whether sibling requests succeeded.
func (r *Resolver) BatchQuery(ctx context.Context, reqs []pipeline.Request) ([]*pipeline.Response, []error) {
	responses := make([]*pipeline.Response, len(reqs))
	errs := make([]error, len(reqs))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(cap(r.sem))

	for i, req := range reqs {
		i, req := i, req
		g.Go(func() error {
			resp, err := r.pl.Query(gctx, req)
			responses[i] = resp
			errs[i] = err
			return nil
		})
	}
	_ = g.Wait()

	return responses, errs
}

// Start launches the background prober, if health checking was enabled.
// It is a no-op otherwise. Start must be called at most once.
func (r *Resolver) Start(ctx context.Context) {
	if r.prober == nil || r.started {
		return
	}
	r.started = true
	r.prober.Start(ctx)
}

// Stats returns a point-in-time snapshot of every upstream's tracked state.
func (r *Resolver) Stats() []tracker.IDState {
	return r.trk.SnapshotAll()
}

// EmergencyInfo reports whether the resolver is currently in its emergency
// fallback path, along with diagnostic detail for every upstream that is
// currently unavailable.
func (r *Resolver) EmergencyInfo() tracker.EmergencyInfo {
	return r.trk.EmergencyInfo()
}

// Close stops the background prober and cache sweeper and releases
// transport resources. It does not accept in-flight Query calls dropping;
// callers should stop issuing queries before calling Close.
func (r *Resolver) Close(ctx context.Context) error {
	if r.prober != nil {
		r.prober.Stop()
	}
	if r.ch != nil {
		r.ch.Close()
	}
	if r.tp != nil {
		return r.tp.Close()
	}
	return nil
}
