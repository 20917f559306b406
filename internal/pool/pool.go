// Package pool implements the Model Pool: the hardest subsystem in cortexd.
// It owns model handle lifecycles, LRU/TTL eviction under a RAM cap, swap
// groups, fallback chains and a prefetch side map.
//
// Structurally this is the retrieved Tutu-Engine engine.Pool (hash map +
// container/list LRU, sync.Mutex + atomic refcounts, background idle
// reaper) generalized to the spec's admission algorithm: swap-group
// exclusion, fallback chains walked recursively through the same admission
// path, and a prefetch side map promoted atomically on the next get.
package pool

import (
	"container/list"
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/cortexd/cortexd/internal/backend"
	"github.com/cortexd/cortexd/internal/model"
	"github.com/cortexd/cortexd/internal/worker"
)

// EvictionRecord is kept for stats()/{"/health","/metrics"} reporting.
type EvictionRecord struct {
	Name string
	At   time.Time
}

// entry is the pool's per-name bookkeeping record. State and lastUsedAt are
// only ever mutated while the pool mutex is held; the done channel is the
// "attach to loading notifier" mechanism from spec step 2.
type entry struct {
	name       string
	descriptor model.ModelDescriptor
	state      model.EntryState
	handle     model.Handle
	lastUsedAt time.Time
	loadedAt   time.Time
	inFlight   int32
	element    *list.Element // non-nil only while in lru (Ready, not prefetch-only)
	done       chan struct{} // closed exactly once, when Loading resolves
	loadErr    error
}

// Pool manages loaded models with LRU+TTL eviction, swap-group exclusion
// and fallback chains under a RAM budget.
type Pool struct {
	mu sync.Mutex

	entries    map[string]*entry
	lru        *list.List // Value is *entry, front = most-recently-used
	prefetched map[string]*entry

	descriptors map[string]model.ModelDescriptor
	swapGroup   map[string]string // member name -> group name

	maxConcurrent int
	ramCap        uint64
	usedRAM       uint64
	loadDeadline  time.Duration
	idleTTL       time.Duration

	lastEvictions []EvictionRecord

	workers    *worker.Pool
	onFallback atomic.Value // func(from, to string), optional

	log *log.Entry
}

// Config bundles the static configuration the pool needs at construction.
type Config struct {
	Descriptors    []model.ModelDescriptor
	SwapGroups     []model.SwapGroup
	MaxConcurrent  int
	RAMCapBytes    uint64
	LoadDeadline   time.Duration
	DefaultIdleTTL time.Duration
}

// New builds a Pool from a static descriptor/swap-group configuration.
func New(cfg Config) *Pool {
	p := &Pool{
		entries:       make(map[string]*entry),
		lru:           list.New(),
		prefetched:    make(map[string]*entry),
		descriptors:   make(map[string]model.ModelDescriptor, len(cfg.Descriptors)),
		swapGroup:     make(map[string]string),
		maxConcurrent: cfg.MaxConcurrent,
		ramCap:        cfg.RAMCapBytes,
		loadDeadline:  cfg.LoadDeadline,
		idleTTL:       cfg.DefaultIdleTTL,
		workers:       worker.New(workerCapacity(cfg.MaxConcurrent)),
		log:           log.WithField("component", "pool"),
	}
	for _, d := range cfg.Descriptors {
		p.descriptors[d.Name] = d
	}
	for _, g := range cfg.SwapGroups {
		for _, m := range g.Members {
			p.swapGroup[m] = g.Name
		}
	}
	return p
}

// workerCapacity sizes the worker pool so that maxConcurrent interactive
// loads (weight worker.PriorityInteractive each) can run side by side. There
// is no extra headroom: while all of them run, a prefetch gets no slot.
func workerCapacity(maxConcurrent int) int {
	c := maxConcurrent * int(worker.PriorityInteractive)
	if c < 2 {
		c = 2
	}
	return c
}

// SetFallbackObserver installs fn to be invoked, best-effort and
// non-blocking, whenever Get walks a descriptor's fallback chain. The
// fallback_total{from,to} metric (spec §4.10) is wired off of it. A nil fn
// disables the observer.
func (p *Pool) SetFallbackObserver(fn func(from, to string)) {
	p.onFallback.Store(fn)
}

// Get returns a ready handle for name, loading or joining an in-flight load
// as needed, walking the fallback chain on failure. Blocks at most
// load_deadline per chain link.
func (p *Pool) Get(ctx context.Context, name string) (model.Handle, error) {
	h, err := p.get(ctx, name)
	if err == nil {
		return h, nil
	}

	desc, known := p.descriptors[name]
	if !known {
		return nil, model.NewError(model.KindModelUnavailable, correlationID(ctx), fmt.Errorf("unknown model %q", name))
	}
	for _, next := range desc.Fallback {
		p.log.WithFields(log.Fields{"from": name, "to": next}).Warn("pool: fallback")
		if obs, _ := p.onFallback.Load().(func(string, string)); obs != nil {
			obs(name, next)
		}
		h, err = p.get(ctx, next)
		if err == nil {
			return h, nil
		}
	}
	return nil, model.NewError(model.KindModelUnavailable, correlationID(ctx), fmt.Errorf("fallback chain exhausted for %q: %w", name, err))
}

func correlationID(ctx context.Context) string {
	if v := ctx.Value(correlationIDKey{}); v != nil {
		if s, ok := v.(string); ok {
			return s
		}
	}
	return ""
}

// correlationIDKey is the context key WithCorrelationID stores the request
// id under, so pool errors carry it without importing the httpapi package.
type correlationIDKey struct{}

// WithCorrelationID attaches a request id to ctx for error tagging.
func WithCorrelationID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, correlationIDKey{}, id)
}

// get implements steps 1-6 of the admission algorithm for a single name,
// with no fallback walking (that's Get's job, one level at a time).
func (p *Pool) get(ctx context.Context, name string) (model.Handle, error) {
	for {
		p.mu.Lock()
		e, exists := p.entries[name]
		if exists {
			switch e.state {
			case model.StateReady:
				atomic.AddInt32(&e.inFlight, 1)
				e.lastUsedAt = time.Now()
				p.lru.MoveToFront(e.element)
				p.mu.Unlock()
				return e.handle, nil
			case model.StateLoading:
				done := e.done
				p.mu.Unlock()
				if err := waitFor(ctx, done, p.loadDeadline); err != nil {
					return nil, model.NewError(model.KindTimeout, correlationID(ctx), err)
				}
				continue // re-check state after load resolves
			case model.StateEvicting:
				done := e.done
				p.mu.Unlock()
				_ = waitFor(ctx, done, p.loadDeadline)
				continue // retry: entry should be gone now
			}
		}

		desc, known := p.descriptors[name]
		if !known {
			p.mu.Unlock()
			return nil, model.NewError(model.KindModelUnavailable, correlationID(ctx), fmt.Errorf("unknown model %q", name))
		}

		// Promote a prefetched handle if one is sitting in the side map.
		// A prefetch still loading is dropped from the side map (its goroutine
		// then shuts its handle down) and name is loaded below as usual.
		if pf, ok := p.prefetched[name]; ok {
			delete(p.prefetched, name)
			if pf.state == model.StateReady {
				p.admit(pf)
				atomic.AddInt32(&pf.inFlight, 1)
				p.mu.Unlock()
				return pf.handle, nil
			}
		}

		// Force-evict the swap-group partner before loading begins (step 4).
		if group, ok := p.swapGroup[name]; ok {
			p.evictGroupPartners(group, name)
		}

		// Make room for the new entry (step 3).
		for p.projectedOverCap(desc) {
			if !p.evictOneLocked() {
				p.mu.Unlock()
				return nil, model.NewError(model.KindBackendLoadFailed, correlationID(ctx), model.ErrPoolExhausted)
			}
		}

		ne := &entry{
			name:       name,
			descriptor: desc,
			state:      model.StateLoading,
			lastUsedAt: time.Now(),
			done:       make(chan struct{}),
		}
		p.entries[name] = ne
		p.mu.Unlock()

		p.loadEntry(ctx, ne)

		if ne.loadErr != nil {
			return nil, model.NewError(model.KindBackendLoadFailed, correlationID(ctx), ne.loadErr)
		}
		atomic.AddInt32(&ne.inFlight, 1)
		return ne.handle, nil
	}
}

// loadEntry runs the (possibly slow) backend loader without holding the
// pool mutex, then republishes the entry's resolved state (step 5-7).
func (p *Pool) loadEntry(ctx context.Context, e *entry) {
	ctor, err := backend.Lookup(e.descriptor.Backend)
	if err != nil {
		p.resolveFailed(e, err)
		return
	}

	loadCtx := ctx
	var cancel context.CancelFunc
	if p.loadDeadline > 0 {
		loadCtx, cancel = context.WithTimeout(ctx, p.loadDeadline)
		defer cancel()
	}

	type result struct {
		h   model.Handle
		err error
	}
	resCh := make(chan result, 1)
	go func() {
		ran := false
		acquireErr := p.workers.Run(loadCtx, worker.PriorityInteractive, func(context.Context) error {
			ran = true
			h, err := ctor(e.descriptor)
			resCh <- result{h, err}
			return err
		})
		if !ran {
			// Could not acquire a worker slot before loadCtx gave up; the
			// ctor never ran, so resCh still needs exactly one value.
			resCh <- result{nil, acquireErr}
		}
	}()

	select {
	case <-loadCtx.Done():
		// Caller cancelled or deadline hit, but the loader keeps running in
		// the background; if it later succeeds the handle is still
		// published for future reuse (edge case: "loader succeeds after
		// cancellation").
		go func() {
			res := <-resCh
			if res.err == nil {
				p.resolveReady(e, res.h)
			} else {
				p.resolveFailed(e, res.err)
			}
		}()
		e.loadErr = loadCtx.Err()
	case res := <-resCh:
		if res.err != nil {
			p.resolveFailed(e, res.err)
		} else {
			p.resolveReady(e, res.h)
		}
	}
}

func (p *Pool) resolveReady(e *entry, h model.Handle) {
	p.mu.Lock()
	defer p.mu.Unlock()
	e.handle = h
	e.state = model.StateReady
	e.loadedAt = time.Now()
	e.lastUsedAt = time.Now()
	e.element = p.lru.PushFront(e)
	p.usedRAM += e.descriptor.RAMEstimate
	close(e.done)
}

func (p *Pool) resolveFailed(e *entry, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	e.state = model.StateFailed
	e.loadErr = err
	delete(p.entries, e.name)
	close(e.done)
}

// projectedOverCap reports whether admitting desc would exceed either the
// resident-count cap or the RAM cap.
func (p *Pool) projectedOverCap(desc model.ModelDescriptor) bool {
	resident := p.residentCountLocked()
	return resident+1 > p.maxConcurrent || p.usedRAM+desc.RAMEstimate > p.ramCap
}

func (p *Pool) residentCountLocked() int {
	n := 0
	for _, e := range p.entries {
		if e.state == model.StateLoading || e.state == model.StateReady {
			n++
		}
	}
	return n
}

// evictOneLocked evicts the oldest Ready, in-flight==0 entry. Must be
// called with p.mu held.
func (p *Pool) evictOneLocked() bool {
	for el := p.lru.Back(); el != nil; el = el.Prev() {
		e := el.Value.(*entry)
		if e.state == model.StateReady && atomic.LoadInt32(&e.inFlight) == 0 {
			p.evictLocked(e)
			return true
		}
	}
	return false
}

// evictLocked transitions e to Evicting, removes it from bookkeeping, and
// shuts the handle down on a separate goroutine. Must be called with p.mu
// held; e.done was already closed when e's load resolved.
func (p *Pool) evictLocked(e *entry) {
	e.state = model.StateEvicting
	p.lru.Remove(e.element)
	delete(p.entries, e.name)
	p.usedRAM -= e.descriptor.RAMEstimate
	p.lastEvictions = append(p.lastEvictions, EvictionRecord{Name: e.name, At: time.Now()})
	if len(p.lastEvictions) > 32 {
		p.lastEvictions = p.lastEvictions[len(p.lastEvictions)-32:]
	}
	go e.handle.Shutdown()
}

// evictGroupPartners force-evicts any other resident member of group.
func (p *Pool) evictGroupPartners(group, except string) {
	for member, g := range p.swapGroup {
		if g != group || member == except {
			continue
		}
		if e, ok := p.entries[member]; ok && (e.state == model.StateReady || e.state == model.StateLoading) {
			if e.state == model.StateReady {
				p.evictLocked(e)
			}
			// A member mid-Loading is left to resolve naturally and will be
			// evicted by the exclusivity check on its next admission.
		}
	}
}

// admit pulls a prefetched entry into the main resident bookkeeping: LRU,
// used-RAM accounting, entries map.
func (p *Pool) admit(e *entry) {
	e.lastUsedAt = time.Now()
	e.element = p.lru.PushFront(e)
	p.entries[e.name] = e
	p.usedRAM += e.descriptor.RAMEstimate
}

func waitFor(ctx context.Context, done <-chan struct{}, deadline time.Duration) error {
	var timeout <-chan time.Time
	if deadline > 0 {
		t := time.NewTimer(deadline)
		defer t.Stop()
		timeout = t.C
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-timeout:
		return fmt.Errorf("pool: load deadline exceeded")
	}
}

// Release decrements the in-flight count for name, signalling LRU
// eligibility. No-op if the name is not resident.
func (p *Pool) Release(name string) {
	p.mu.Lock()
	e, ok := p.entries[name]
	p.mu.Unlock()
	if !ok {
		return
	}
	atomic.AddInt32(&e.inFlight, -1)
}

// Prefetch fire-and-forget loads name with reduced priority, storing the
// handle in a side map until the next matching Get promotes it. Errors are
// swallowed; prefetch is a hint, not a guarantee.
func (p *Pool) Prefetch(ctx context.Context, name string) {
	p.mu.Lock()
	if _, exists := p.entries[name]; exists {
		p.mu.Unlock()
		return
	}
	if _, exists := p.prefetched[name]; exists {
		p.mu.Unlock()
		return
	}
	desc, known := p.descriptors[name]
	if !known {
		p.mu.Unlock()
		return
	}
	pe := &entry{name: name, descriptor: desc, state: model.StateLoading, done: make(chan struct{})}
	p.prefetched[name] = pe
	p.mu.Unlock()

	release, ok := p.workers.TryAcquirePrefetch()
	if !ok {
		// No spare worker capacity; drop the hint rather than queue it
		// behind interactive work.
		p.mu.Lock()
		delete(p.prefetched, name)
		p.mu.Unlock()
		return
	}

	go func() {
		defer release()
		ctor, err := backend.Lookup(desc.Backend)
		if err != nil {
			p.mu.Lock()
			delete(p.prefetched, name)
			p.mu.Unlock()
			return
		}
		h, err := ctor(desc)
		p.mu.Lock()
		defer p.mu.Unlock()
		if err != nil {
			delete(p.prefetched, name)
			return
		}
		if cur, ok := p.prefetched[name]; ok && cur == pe {
			pe.handle = h
			pe.state = model.StateReady
			pe.loadedAt = time.Now()
			close(pe.done)
		} else {
			h.Shutdown()
		}
	}()
}

// Stats is the pool/s/health+/metrics snapshot.
type Stats struct {
	Resident      []string
	Loading       []string
	LastEvictions []EvictionRecord
	UsedRAMBytes  uint64
	RAMCapBytes   uint64
}

// Stats returns a point-in-time snapshot for /health and /metrics.
func (p *Pool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	s := Stats{UsedRAMBytes: p.usedRAM, RAMCapBytes: p.ramCap}
	for name, e := range p.entries {
		switch e.state {
		case model.StateReady:
			s.Resident = append(s.Resident, name)
		case model.StateLoading:
			s.Loading = append(s.Loading, name)
		}
	}
	s.LastEvictions = append(s.LastEvictions, p.lastEvictions...)
	return s
}

// IdleReap runs until ctx is cancelled, evicting Ready entries idle beyond
// their descriptor's IdleTTL (falling back to the pool default) with
// in-flight == 0.
func (p *Pool) IdleReap(ctx context.Context, interval time.Duration) {
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			p.reapOnce()
		}
	}
}

func (p *Pool) reapOnce() {
	p.mu.Lock()
	defer p.mu.Unlock()
	now := time.Now()
	for _, e := range p.entries {
		if e.state != model.StateReady || atomic.LoadInt32(&e.inFlight) != 0 {
			continue
		}
		ttl := e.descriptor.IdleTTL
		if ttl <= 0 {
			ttl = p.idleTTL
		}
		if ttl > 0 && now.Sub(e.lastUsedAt) > ttl {
			p.evictLocked(e)
		}
	}
}

// UnloadAll shuts every resident entry down; used at graceful shutdown.
func (p *Pool) UnloadAll() {
	p.mu.Lock()
	entries := make([]*entry, 0, len(p.entries))
	for _, e := range p.entries {
		entries = append(entries, e)
	}
	p.mu.Unlock()

	var wg sync.WaitGroup
	for _, e := range entries {
		if e.state != model.StateReady {
			continue
		}
		wg.Add(1)
		go func(e *entry) {
			defer wg.Done()
			e.handle.Shutdown()
		}(e)
	}
	wg.Wait()

	p.mu.Lock()
	p.entries = make(map[string]*entry)
	p.lru = list.New()
	p.usedRAM = 0
	p.mu.Unlock()
}
