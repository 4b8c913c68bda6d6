// Package router dispatches account updates to per-market workers.
package router

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"dexflow/internal/metrics"
	"dexflow/internal/models"
	"dexflow/internal/publisher"
	"dexflow/internal/storage"
	"dexflow/logger"
)

type route struct {
	market string
	role   models.AccountRole
}

// Router looks up the market and role of every update by address and hands
// it to the worker that owns that market. Workers share no state.
type Router struct {
	opts    Options
	routes  map[string]route
	workers map[string]*worker

	ctx        context.Context
	cancel     context.CancelFunc
	workCancel context.CancelFunc
	dispatchWg sync.WaitGroup
	workerWg   sync.WaitGroup

	mu      sync.Mutex
	running bool
	log     *logger.Log

	routed       atomic.Int64
	unknown      atomic.Int64
	inboxDropped atomic.Int64
}

// New builds the address table and one worker per market. Every market must
// be resolved.
func New(markets []models.Market, store storage.Gateway, pub publisher.Publisher, opts Options) (*Router, error) {
	if store == nil || pub == nil {
		return nil, fmt.Errorf("router needs a storage gateway and a publisher")
	}
	opts = opts.withDefaults()

	r := &Router{
		opts:    opts,
		routes:  make(map[string]route, len(markets)*3),
		workers: make(map[string]*worker, len(markets)),
		log:     logger.GetLogger(),
	}
	for _, m := range markets {
		if _, dup := r.workers[m.ID]; dup {
			return nil, fmt.Errorf("duplicate market %s", m.ID)
		}
		w, err := newWorker(m, store, pub, opts)
		if err != nil {
			return nil, err
		}
		r.workers[m.ID] = w
		for role, addr := range m.Addresses() {
			if prev, dup := r.routes[addr]; dup {
				return nil, fmt.Errorf("address %s used by %s/%s and %s/%s", addr, prev.market, prev.role, m.ID, role)
			}
			r.routes[addr] = route{market: m.ID, role: role}
		}
	}
	return r, nil
}

// Start launches the market workers and the dispatcher reading updates.
func (r *Router) Start(ctx context.Context, updates <-chan models.RawAccountUpdate) error {
	r.mu.Lock()
	if r.running {
		r.mu.Unlock()
		return fmt.Errorf("router already running")
	}
	r.running = true
	r.ctx, r.cancel = context.WithCancel(ctx)
	var workCtx context.Context
	workCtx, r.workCancel = context.WithCancel(context.WithoutCancel(ctx))
	r.mu.Unlock()

	r.log.WithComponent("router").WithFields(logger.Fields{
		"markets":    len(r.workers),
		"accounts":   len(r.routes),
		"inbox_size": r.opts.InboxSize,
		"depth":      r.opts.Depth,
	}).Info("starting router")

	for _, w := range r.workers {
		r.workerWg.Add(1)
		go func(w *worker) {
			defer r.workerWg.Done()
			w.run(workCtx)
		}(w)
	}

	r.dispatchWg.Add(1)
	go r.dispatch(updates)
	return nil
}

// Stop drains the update channel, which the caller should have closed, and
// then every worker inbox. Each stage gets the drain timeout; workers still
// busy after it have their in-flight writes cancelled. Open candles are
// flushed to storage before the workers exit.
func (r *Router) Stop() {
	r.mu.Lock()
	if !r.running {
		r.mu.Unlock()
		return
	}
	r.running = false
	r.mu.Unlock()

	// A closed update channel lets the dispatcher forward what is queued.
	dispatched := make(chan struct{})
	go func() {
		r.dispatchWg.Wait()
		close(dispatched)
	}()
	select {
	case <-dispatched:
	case <-time.After(r.opts.DrainTimeout):
		r.cancel()
		<-dispatched
	}
	r.cancel()

	for _, w := range r.workers {
		close(w.inbox)
	}

	done := make(chan struct{})
	go func() {
		r.workerWg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(r.opts.DrainTimeout):
		r.log.WithComponent("router").WithField("drain_timeout", r.opts.DrainTimeout.String()).
			Warn("drain timeout reached, cancelling in-flight work")
		r.workCancel()
		<-done
	}
	r.workCancel()

	metrics.ReportRouter(r.log, r.Stats())
	r.log.WithComponent("router").Info("router stopped")
}

func (r *Router) dispatch(updates <-chan models.RawAccountUpdate) {
	defer r.dispatchWg.Done()
	for {
		select {
		case <-r.ctx.Done():
			return
		case upd, ok := <-updates:
			if !ok {
				return
			}
			r.forward(upd)
		}
	}
}

// forward hands one update to its market worker without blocking. Updates for
// unknown addresses or for a full inbox are dropped.
func (r *Router) forward(upd models.RawAccountUpdate) bool {
	rt, ok := r.routes[upd.Address]
	if !ok {
		r.unknown.Add(1)
		r.log.WithComponent("router").WithFields(logger.Fields{
			"address": upd.Address,
			"slot":    upd.Slot,
		}).Warn("update for unknown account dropped")
		metrics.EmitDropMetric(r.log, metrics.DropMetricUnknownAccount, "", "", "router")
		return false
	}
	upd.MarketID, upd.Role = rt.market, rt.role

	w := r.workers[rt.market]
	select {
	case w.inbox <- upd:
		r.routed.Add(1)
		return true
	default:
		r.inboxDropped.Add(1)
		r.log.WithComponent("router").WithFields(logger.Fields{
			"market": rt.market,
			"role":   string(rt.role),
			"slot":   upd.Slot,
		}).Warn("market inbox full, update dropped")
		metrics.EmitDropMetric(r.log, metrics.DropMetricRouterInbox, rt.market, string(rt.role), "router")
		return false
	}
}

// Inboxes exposes the worker inboxes for buffer size metrics.
func (r *Router) Inboxes() map[string]metrics.Buffer {
	out := make(map[string]metrics.Buffer, len(r.workers))
	for id, w := range r.workers {
		out["router_"+id] = w
	}
	return out
}

// Stats returns the router counters.
func (r *Router) Stats() metrics.RouterStats {
	stats := metrics.RouterStats{
		Routed:          r.routed.Load(),
		UnknownAccounts: r.unknown.Load(),
		InboxDropped:    r.inboxDropped.Load(),
		Markets:         len(r.workers),
	}
	for _, w := range r.workers {
		stats.InboxLen += w.Len()
		stats.InboxCap += w.Cap()
	}
	return stats
}

// StartReport logs the router counters every interval until ctx is done.
func (r *Router) StartReport(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				metrics.ReportRouter(r.log, r.Stats())
			}
		}
	}()
}
