package servers

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"k8s.io/klog/v2"
)

// DefaultRefreshInterval is the wait between a settled cycle and the next one.
const DefaultRefreshInterval = 5 * time.Second

// Option configures an Engine.
type Option func(*Engine)

// WithClock replaces the wall clock used for scheduling.
func WithClock(c Clock) Option {
	return func(e *Engine) { e.clock = c }
}

// WithInterval sets the wait between cycles.
func WithInterval(d time.Duration) Option {
	return func(e *Engine) { e.interval = d }
}

// WithMaxConcurrency bounds the number of in-flight status queries. Zero means unbounded.
func WithMaxConcurrency(n int) Option {
	return func(e *Engine) { e.maxConcurrency = n }
}

// WithAutoRefresh turns the periodic schedule on or off. Manual triggers still work.
func WithAutoRefresh(on bool) Option {
	return func(e *Engine) { e.autoRefresh = on }
}

// WithOnline sets the connectivity state the engine starts in.
func WithOnline(on bool) Option {
	return func(e *Engine) { e.online = on }
}

type requestKind int

const (
	reqReload requestKind = iota
	reqRefresh
	reqOnline
)

type request struct {
	kind   requestKind
	online bool
	reply  chan bool
}

type fetchResult struct {
	cycle int
	index int
	rec   Record
}

type discovery struct {
	addrs []string
	err   error
}

// Engine discovers servers, polls them in cycles and keeps the aggregated view.
//
// All mutation happens on the goroutine running Run. Query completions, manual
// triggers and connectivity changes are delivered to it over channels, so cycles
// never overlap and the collection needs no lock. Readers only see published
// snapshots.
type Engine struct {
	resolver       Resolver
	fetcher        Fetcher
	clock          Clock
	interval       time.Duration
	maxConcurrency int
	autoRefresh    bool

	requests   chan request
	results    chan fetchResult
	settled    chan int
	discovered chan discovery
	done       chan struct{}

	// owned by Run
	online     bool
	phase      Phase
	records    []Record
	cycle      int
	completed  int
	cycleStart time.Time
	timer      <-chan time.Time
	resolved   bool
	reconnect  bool
	dirErr     error

	mu      sync.RWMutex
	snap    Snapshot
	subs    map[int]chan Snapshot
	nextSub int
}

// NewEngine returns an idle engine. Nothing happens until Run is called.
func NewEngine(resolver Resolver, fetcher Fetcher, opts ...Option) *Engine {
	e := &Engine{
		resolver:    resolver,
		fetcher:     fetcher,
		clock:       realClock{},
		interval:    DefaultRefreshInterval,
		autoRefresh: true,
		online:      true,
		phase:       PhaseIdle,
		requests:    make(chan request),
		results:     make(chan fetchResult),
		settled:     make(chan int),
		discovered:  make(chan discovery),
		done:        make(chan struct{}),
		subs:        make(map[int]chan Snapshot),
	}
	for _, opt := range opts {
		opt(e)
	}
	e.snap = Snapshot{Records: []Record{}, Online: e.online, Phase: PhaseIdle}
	return e
}

// Run drives the engine until ctx is canceled. If the engine starts online it
// resolves the master list immediately. Run must only be called once.
func (e *Engine) Run(ctx context.Context) error {
	defer close(e.done)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	klog.InfoS("Polling engine started", "interval", e.interval, "online", e.online, "autoRefresh", e.autoRefresh)
	if e.online {
		e.startDiscovery(ctx)
	}

	for {
		select {
		case <-ctx.Done():
			klog.InfoS("Polling engine stopped", "cycles", e.completed)
			return ctx.Err()
		case req := <-e.requests:
			req.reply <- e.handle(ctx, req)
		case d := <-e.discovered:
			e.onDiscovered(ctx, d)
		case res := <-e.results:
			e.onResult(res)
		case cycle := <-e.settled:
			e.onSettled(ctx, cycle)
		case <-e.timer:
			e.timer = nil
			if e.online && e.phase == PhaseSettled {
				e.startCycle(ctx)
			}
		}
	}
}

// Reload re-resolves the master list and then fetches every server. It reports
// false without touching any state when offline or while a cycle is running.
func (e *Engine) Reload(ctx context.Context) bool {
	return e.send(ctx, request{kind: reqReload})
}

// Refresh starts a fetch cycle over the current collection. Same guards as Reload.
func (e *Engine) Refresh(ctx context.Context) bool {
	return e.send(ctx, request{kind: reqRefresh})
}

// SetOnline feeds a connectivity observation to the engine.
func (e *Engine) SetOnline(ctx context.Context, online bool) {
	e.send(ctx, request{kind: reqOnline, online: online})
}

// Snapshot returns the current view, including results of a cycle still in flight.
func (e *Engine) Snapshot() Snapshot {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.snap.clone()
}

// Subscribe returns a channel that receives a snapshot after every discovery
// and every settled cycle. Slow readers only see the latest one. The returned
// func unsubscribes and closes the channel.
func (e *Engine) Subscribe() (<-chan Snapshot, func()) {
	ch := make(chan Snapshot, 1)

	e.mu.Lock()
	id := e.nextSub
	e.nextSub++
	e.subs[id] = ch
	e.mu.Unlock()

	return ch, func() {
		e.mu.Lock()
		defer e.mu.Unlock()
		if c, ok := e.subs[id]; ok {
			delete(e.subs, id)
			close(c)
		}
	}
}

func (e *Engine) send(ctx context.Context, req request) bool {
	req.reply = make(chan bool, 1)
	select {
	case e.requests <- req:
	case <-ctx.Done():
		return false
	case <-e.done:
		return false
	}
	select {
	case ok := <-req.reply:
		return ok
	case <-ctx.Done():
		return false
	case <-e.done:
		return false
	}
}

func (e *Engine) busy() bool {
	return e.phase == PhaseDiscovering || e.phase == PhaseFetching
}

func (e *Engine) handle(ctx context.Context, req request) bool {
	switch req.kind {
	case reqReload, reqRefresh:
		if !e.online || e.busy() {
			klog.V(2).InfoS("Ignoring manual trigger", "online", e.online, "phase", e.phase)
			return false
		}
		if req.kind == reqReload {
			e.startDiscovery(ctx)
		} else {
			e.startFetch(ctx)
		}
		return true
	case reqOnline:
		e.setOnline(ctx, req.online)
		return true
	}
	return false
}

func (e *Engine) setOnline(ctx context.Context, online bool) {
	was := e.online
	e.online = online
	if was == online {
		return
	}
	klog.InfoS("Connectivity changed", "online", online)

	if !online {
		// In-flight queries keep running; only the schedule is dropped.
		e.timer = nil
		e.reconnect = false
		e.publish()
		e.notify()
		return
	}
	if e.busy() {
		// Queries of the running cycle were dispatched while offline; start the
		// next one as soon as it settles.
		e.reconnect = true
		e.publish()
		return
	}
	e.startCycle(ctx)
}

// startCycle re-resolves the master list while the last resolution failed or
// never happened, and re-fetches the current collection otherwise.
func (e *Engine) startCycle(ctx context.Context) {
	if !e.resolved {
		e.startDiscovery(ctx)
		return
	}
	e.startFetch(ctx)
}

func (e *Engine) startDiscovery(ctx context.Context) {
	e.phase = PhaseDiscovering
	e.timer = nil
	e.publish()

	go func() {
		addrs, err := e.resolver.Resolve(ctx)
		select {
		case e.discovered <- discovery{addrs: addrs, err: err}:
		case <-ctx.Done():
		}
	}()
}

func (e *Engine) onDiscovered(ctx context.Context, d discovery) {
	records := make([]Record, 0, len(d.addrs))
	for _, s := range d.addrs {
		addr, err := ParseAddress(s)
		if err != nil {
			klog.InfoS("Skipping master list entry", "entry", s, "err", err)
			continue
		}
		records = append(records, NewRecord(addr))
	}

	e.records = records
	e.resolved = d.err == nil
	e.dirErr = d.err
	if d.err != nil {
		klog.ErrorS(d.err, "Master list unavailable, no servers found")
	} else {
		klog.InfoS("Discovered servers", "count", len(records))
	}

	e.startFetch(ctx)
	e.notify()
}

func (e *Engine) startFetch(ctx context.Context) {
	e.cycle++
	e.phase = PhaseFetching
	e.timer = nil
	e.cycleStart = e.clock.Now()

	cycle := e.cycle
	recs := make([]Record, len(e.records))
	copy(recs, e.records)
	klog.V(1).InfoS("Fetch cycle started", "cycle", cycle, "servers", len(recs))
	e.publish()

	go func() {
		var g errgroup.Group
		if e.maxConcurrency > 0 {
			g.SetLimit(e.maxConcurrency)
		}
		for i, rec := range recs {
			i, rec := i, rec
			g.Go(func() error {
				out := e.fetcher.Fetch(ctx, rec)
				select {
				case e.results <- fetchResult{cycle: cycle, index: i, rec: out}:
				case <-ctx.Done():
				}
				return nil
			})
		}
		// Every result has been received by Run before the barrier is signaled.
		_ = g.Wait()
		select {
		case e.settled <- cycle:
		case <-ctx.Done():
		}
	}()
}

func (e *Engine) onResult(res fetchResult) {
	if res.cycle != e.cycle || res.index >= len(e.records) {
		return
	}
	e.records[res.index] = res.rec
	e.publish()
}

func (e *Engine) onSettled(ctx context.Context, cycle int) {
	if cycle != e.cycle {
		return
	}
	e.phase = PhaseSettled
	e.completed++

	elapsed := e.clock.Now().Sub(e.cycleStart)
	metricCycles.Inc()
	metricCycleDuration.Observe(elapsed.Seconds())

	immediate := e.online && e.reconnect
	e.reconnect = false
	if e.online && e.autoRefresh && !immediate {
		e.timer = e.clock.After(e.interval)
	}

	e.publish()
	snap := e.Snapshot()
	klog.V(1).InfoS("Fetch cycle settled", "cycle", cycle, "servers", len(snap.Records),
		"responding", len(snap.Responding()), "elapsed", elapsed, "scheduled", e.timer != nil,
		"immediate", immediate)
	e.notify()

	if immediate {
		e.startCycle(ctx)
	}
}

func (e *Engine) publish() {
	records := make([]Record, len(e.records))
	copy(records, e.records)
	observeServers(records)

	e.mu.Lock()
	e.snap = Snapshot{
		Records:      records,
		Loading:      e.busy(),
		Online:       e.online,
		Phase:        e.phase,
		Cycles:       e.completed,
		DirectoryErr: e.dirErr,
		UpdatedAt:    e.clock.Now(),
	}
	e.mu.Unlock()
}

func (e *Engine) notify() {
	e.mu.Lock()
	defer e.mu.Unlock()

	for _, ch := range e.subs {
		snap := e.snap.clone()
		select {
		case ch <- snap:
		default:
			// Replace the stale snapshot nobody has read yet.
			select {
			case <-ch:
			default:
			}
			select {
			case ch <- snap:
			default:
			}
		}
	}
}
