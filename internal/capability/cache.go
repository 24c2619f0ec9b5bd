// Package capability caches one loaded engine per capability. Engines are
// loaded lazily by Get or eagerly by Preload, replaced wholesale by Invalidate,
// and closed only once no caller still holds a handle to them.
package capability

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

type Name string

const (
	Speech     Name = "speech"
	Formatting Name = "formatting"
)

func ParseName(s string) (Name, error) {
	switch Name(s) {
	case Speech, Formatting:
		return Name(s), nil
	default:
		return "", fmt.Errorf("unknown capability %q", s)
	}
}

// Engine is what a capability slot holds. Implementations must be safe for
// concurrent use once constructed.
type Engine interface {
	ID() string
	Close() error
}

// Loader resolves and constructs the engine for a capability. It is called
// with the cache's lifetime context, never a request context, because a load
// may be shared by many waiting callers.
type Loader func(ctx context.Context) (Engine, error)

type State string

const (
	StateAbsent  State = "absent"
	StateLoading State = "loading"
	StateReady   State = "ready"
	StateFailed  State = "failed"
)

type Status struct {
	Capability Name      `json:"capability"`
	State      State     `json:"state"`
	Model      string    `json:"model,omitempty"`
	Generation uint64    `json:"generation"`
	Handles    int       `json:"handles"`
	LoadedAt   time.Time `json:"loaded_at,omitempty"`
	Error      string    `json:"error,omitempty"`
}

// LoadResult is reported to observers after every load attempt that was still
// current when it finished.
type LoadResult struct {
	Capability Name
	Model      string
	Generation uint64
	Elapsed    time.Duration
	Err        error
}

type entry struct {
	engine  Engine
	refs    int
	evicted bool
}

type load struct {
	gen  uint64
	done chan struct{}
	err  error
}

type slot struct {
	name     Name
	loader   Loader
	gen      uint64
	state    State
	current  *entry
	inflight *load
	err      error
	loadedAt time.Time
}

type Cache struct {
	log    *slog.Logger
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu        sync.Mutex
	slots     map[Name]*slot
	order     []Name
	observers []func(LoadResult)
	closed    bool

	meter       metric.Meter
	readyGauge  metric.Int64ObservableGauge
	handleGauge metric.Int64ObservableGauge
}

func NewCache(parent context.Context, loaders map[Name]Loader, logger *slog.Logger) *Cache {
	ctx, cancel := context.WithCancel(parent)
	c := &Cache{
		log:    logger.With(slog.String("component", "capability-cache")),
		ctx:    ctx,
		cancel: cancel,
		slots:  make(map[Name]*slot, len(loaders)),
		meter:  otel.Meter("github.com/loqalabs/loqa-dictation/capability"),
	}
	for _, name := range []Name{Speech, Formatting} {
		if loader, ok := loaders[name]; ok {
			c.slots[name] = &slot{name: name, loader: loader, state: StateAbsent}
			c.order = append(c.order, name)
		}
	}
	if err := c.initMetrics(); err != nil {
		c.log.Warn("failed to initialize metrics", slogError(err))
	}
	return c
}

// OnLoad registers fn to hear about finished loads.
func (c *Cache) OnLoad(fn func(LoadResult)) {
	c.mu.Lock()
	c.observers = append(c.observers, fn)
	c.mu.Unlock()
}

// Get returns a handle on the current engine for name, loading it first when
// the slot is empty. Concurrent callers share a single load. The caller must
// Release the handle.
func (c *Cache) Get(ctx context.Context, name Name) (*Handle, error) {
	for {
		c.mu.Lock()
		if c.closed {
			c.mu.Unlock()
			return nil, errors.New("capability cache closed")
		}
		s, ok := c.slots[name]
		if !ok {
			c.mu.Unlock()
			return nil, fmt.Errorf("capability %q not configured", name)
		}
		if s.current != nil {
			s.current.refs++
			h := &Handle{cache: c, name: name, entry: s.current, gen: s.gen}
			c.mu.Unlock()
			return h, nil
		}
		l := s.inflight
		if l == nil {
			l = c.startLoadLocked(s)
		}
		c.mu.Unlock()

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-l.done:
		}
		if l.err != nil {
			return nil, l.err
		}
	}
}

// Preload starts a background load for name unless one is running or an
// engine is already cached.
func (c *Cache) Preload(name Name) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	s, ok := c.slots[name]
	if !ok || s.current != nil || s.inflight != nil {
		return
	}
	c.startLoadLocked(s)
}

// PreloadAll starts background loads for every configured capability.
func (c *Cache) PreloadAll() {
	for _, name := range c.order {
		c.Preload(name)
	}
}

// Invalidate empties the slot for name before returning, so the next Get never
// sees the previous engine, then starts a fresh background load. Handles taken
// before the call stay usable; the evicted engine is closed after the last of
// them is released.
func (c *Cache) Invalidate(name Name) {
	c.mu.Lock()
	s, ok := c.slots[name]
	if !ok || c.closed {
		c.mu.Unlock()
		return
	}
	s.gen++
	old := s.current
	s.current = nil
	s.inflight = nil
	s.state = StateAbsent
	s.err = nil
	closeNow := c.evictLocked(old)
	c.mu.Unlock()

	c.log.Info("capability invalidated", slog.String("capability", string(name)))
	c.closeEngine(name, closeNow)
	c.Preload(name)
}

// Status reports every slot in a fixed order.
func (c *Cache) Status() []Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Status, 0, len(c.order))
	for _, name := range c.order {
		s := c.slots[name]
		st := Status{Capability: name, State: s.state, Generation: s.gen}
		if s.current != nil {
			st.Model = s.current.engine.ID()
			st.Handles = s.current.refs
			st.LoadedAt = s.loadedAt
		}
		if s.err != nil {
			st.Error = s.err.Error()
		}
		out = append(out, st)
	}
	return out
}

// Close waits for running loads and closes every engine no caller holds.
// Engines still held are closed on their final Release.
func (c *Cache) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.mu.Unlock()

	c.cancel()
	c.wg.Wait()

	c.mu.Lock()
	type pending struct {
		name   Name
		engine Engine
	}
	var toClose []pending
	for _, name := range c.order {
		s := c.slots[name]
		if e := c.evictLocked(s.current); e != nil {
			toClose = append(toClose, pending{name, e})
		}
		s.current = nil
		s.state = StateAbsent
	}
	c.mu.Unlock()

	for _, p := range toClose {
		c.closeEngine(p.name, p.engine)
	}
}

func (c *Cache) startLoadLocked(s *slot) *load {
	l := &load{gen: s.gen, done: make(chan struct{})}
	s.inflight = l
	s.state = StateLoading
	c.wg.Add(1)
	go c.runLoad(s, l)
	return l
}

func (c *Cache) runLoad(s *slot, l *load) {
	defer c.wg.Done()
	start := time.Now()
	engine, err := s.loader(c.ctx)
	elapsed := time.Since(start)
	if err != nil {
		engine = nil
	}

	c.mu.Lock()
	stale := s.gen != l.gen || c.closed
	if s.inflight == l {
		s.inflight = nil
	}
	l.err = err
	var observers []func(LoadResult)
	if !stale {
		if err != nil {
			s.state = StateFailed
			s.err = err
		} else {
			s.current = &entry{engine: engine}
			s.state = StateReady
			s.err = nil
			s.loadedAt = time.Now().UTC()
		}
		observers = append(observers, c.observers...)
	}
	close(l.done)
	c.mu.Unlock()

	if stale {
		if engine != nil {
			c.log.Info("discarding stale engine", slog.String("capability", string(s.name)), slog.String("model", engine.ID()))
			c.closeEngine(s.name, engine)
		}
		return
	}

	result := LoadResult{Capability: s.name, Generation: l.gen, Elapsed: elapsed, Err: err}
	if err != nil {
		c.log.Warn("capability load failed", slog.String("capability", string(s.name)), slogError(err))
	} else {
		result.Model = engine.ID()
		c.log.Info("capability loaded",
			slog.String("capability", string(s.name)),
			slog.String("model", result.Model),
			slog.Duration("elapsed", elapsed),
		)
	}
	for _, fn := range observers {
		fn(result)
	}
}

// evictLocked marks e evicted and returns its engine if nothing holds it.
func (c *Cache) evictLocked(e *entry) Engine {
	if e == nil || e.evicted {
		return nil
	}
	e.evicted = true
	if e.refs == 0 {
		return e.engine
	}
	return nil
}

func (c *Cache) release(h *Handle) {
	c.mu.Lock()
	h.entry.refs--
	var closeNow Engine
	if h.entry.evicted && h.entry.refs == 0 {
		closeNow = h.entry.engine
	}
	c.mu.Unlock()
	c.closeEngine(h.name, closeNow)
}

func (c *Cache) closeEngine(name Name, e Engine) {
	if e == nil {
		return
	}
	if err := e.Close(); err != nil {
		c.log.Warn("failed to close engine", slog.String("capability", string(name)), slog.String("model", e.ID()), slogError(err))
	}
}

func (c *Cache) initMetrics() error {
	ready, err := c.meter.Int64ObservableGauge("loqa.dictation.capability.ready", metric.WithDescription("1 when an engine is loaded for the capability"))
	if err != nil {
		return err
	}
	handles, err := c.meter.Int64ObservableGauge("loqa.dictation.capability.handles", metric.WithDescription("Outstanding engine handles per capability"))
	if err != nil {
		return err
	}
	c.readyGauge = ready
	c.handleGauge = handles
	_, err = c.meter.RegisterCallback(func(ctx context.Context, obs metric.Observer) error {
		for _, st := range c.Status() {
			attrs := metric.WithAttributes(attribute.String("capability", string(st.Capability)))
			var loaded int64
			if st.State == StateReady {
				loaded = 1
			}
			obs.ObserveInt64(ready, loaded, attrs)
			obs.ObserveInt64(handles, int64(st.Handles), attrs)
		}
		return nil
	}, ready, handles)
	return err
}

// Handle pins one engine generation. It stays valid after Invalidate.
type Handle struct {
	cache *Cache
	name  Name
	entry *entry
	gen   uint64
	once  sync.Once
}

func (h *Handle) Engine() Engine { return h.entry.engine }

func (h *Handle) Generation() uint64 { return h.gen }

func (h *Handle) Release() {
	h.once.Do(func() { h.cache.release(h) })
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
