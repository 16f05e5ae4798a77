// Package poll runs named periodic subscriptions with non-overlapping
// ticks, pause/resume, manual triggering and visibility-aware suspension.
package poll

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/veltmap/livedata/internal/observability"
)

const MinInterval = time.Second

var (
	ErrUnknownSubscription = errors.New("poll: unknown subscription")
	ErrDuplicateID         = errors.New("poll: subscription id already exists")
	ErrIntervalTooShort    = fmt.Errorf("poll: interval below minimum %s", MinInterval)
	ErrDestroyed           = errors.New("poll: poller destroyed")
)

type TickFunc func(ctx context.Context) error

type Config struct {
	Interval time.Duration
	OnTick   TickFunc
	OnError  func(error)
	// Immediate runs the first tick at Start instead of one interval later.
	Immediate bool
	// RunWhenHidden keeps the subscription ticking while the document is
	// hidden. Off by default: hidden documents suspend polling.
	RunWhenHidden bool
}

type State struct {
	Active             bool
	Paused             bool
	Executing          bool
	PausedByVisibility bool
	LastTick           time.Time
	NextTick           time.Time
	TickCount          int
	ErrorCount         int
}

// VisibilityMonitor is the optional document-visibility signal. Headless
// hosts pass a nil monitor and suspension is skipped entirely.
type VisibilityMonitor interface {
	Subscribe(fn func(visible bool)) (stop func())
}

type subscription struct {
	id       string
	cfg      Config
	ctx      context.Context
	cancel   context.CancelFunc
	timer    *time.Timer
	timerGen uint64
	state    State
}

type Poller struct {
	mu        sync.Mutex
	subs      map[string]*subscription
	stopVis   func()
	logger    *slog.Logger
	metrics   *observability.Metrics
	destroyed bool

	now         func() time.Time // for tests
	minInterval time.Duration    // for tests
}

func New(vis VisibilityMonitor, logger *slog.Logger, metrics *observability.Metrics) *Poller {
	if logger == nil {
		logger = slog.Default()
	}
	p := &Poller{
		subs:    map[string]*subscription{},
		logger:  logger,
		metrics: metrics,
		now:     time.Now,

		minInterval: MinInterval,
	}
	if vis != nil {
		p.stopVis = vis.Subscribe(p.onVisibility)
	}
	return p
}

// Start registers a subscription. The first tick runs immediately when
// cfg.Immediate is set, otherwise one interval from now.
func (p *Poller) Start(id string, cfg Config) error {
	if cfg.OnTick == nil {
		return errors.New("poll: OnTick is required")
	}
	if cfg.Interval < p.minInterval {
		return ErrIntervalTooShort
	}

	p.mu.Lock()
	if p.destroyed {
		p.mu.Unlock()
		return ErrDestroyed
	}
	if _, exists := p.subs[id]; exists {
		p.mu.Unlock()
		return fmt.Errorf("%w: %q", ErrDuplicateID, id)
	}
	ctx, cancel := context.WithCancel(context.Background())
	s := &subscription{id: id, cfg: cfg, ctx: ctx, cancel: cancel}
	s.state.Active = true
	p.subs[id] = s
	if cfg.Immediate {
		go p.runScheduled(id, s.timerGen)
	} else {
		p.arm(s)
	}
	p.mu.Unlock()

	p.logger.Debug("poll subscription started", "id", id, "interval", cfg.Interval, "immediate", cfg.Immediate)
	return nil
}

// arm schedules the next wake-up. Caller holds the lock.
func (p *Poller) arm(s *subscription) {
	s.timerGen++
	gen := s.timerGen
	id := s.id
	interval := s.cfg.Interval
	s.state.NextTick = p.now().Add(interval)
	s.timer = time.AfterFunc(interval, func() {
		p.runScheduled(id, gen)
	})
}

// disarm cancels any pending wake-up. Caller holds the lock.
func (p *Poller) disarm(s *subscription) {
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	s.timerGen++
	s.state.NextTick = time.Time{}
}

// runScheduled is the timer path: it executes a tick and reschedules
// after the tick resolves.
func (p *Poller) runScheduled(id string, gen uint64) {
	p.mu.Lock()
	s, ok := p.subs[id]
	if !ok || s.timerGen != gen || !s.state.Active || s.state.Paused {
		p.mu.Unlock()
		return
	}
	s.timer = nil
	s.state.NextTick = time.Time{}
	if s.state.Executing {
		// overlap is forbidden; completion of the running tick reschedules
		p.mu.Unlock()
		p.metrics.PollTick("skipped")
		return
	}
	p.execute(s)
}

// execute runs one tick. Caller holds the lock; execute releases it for
// the duration of the user callback and re-validates afterwards.
func (p *Poller) execute(s *subscription) error {
	id := s.id
	s.state.Executing = true
	s.state.LastTick = p.now()
	ctx := s.ctx
	tick := s.cfg.OnTick
	p.mu.Unlock()

	err := safeTick(ctx, tick)

	p.mu.Lock()
	s2, ok := p.subs[id]
	if !ok {
		// stopped while the tick was in flight
		p.mu.Unlock()
		return err
	}
	s2.state.Executing = false
	s2.state.TickCount++
	if err != nil {
		s2.state.ErrorCount++
	}
	onErr := s2.cfg.OnError
	// reschedule after completion, unless a timer is already armed (a
	// manual trigger ran alongside a live schedule) or we are paused
	if s2.state.Active && !s2.state.Paused && s2.timer == nil {
		p.arm(s2)
	}
	p.mu.Unlock()

	if err != nil {
		p.metrics.PollTick("error")
		p.logger.Warn("poll tick failed", "id", id, "err", err)
		if onErr != nil {
			isolate(func() { onErr(err) })
		}
	} else {
		p.metrics.PollTick("ok")
	}
	return err
}

// TriggerNow forces a tick and returns after it completes. The armed
// timer is left untouched, so the next scheduled tick still fires at its
// planned time. A tick already in flight makes this a no-op.
func (p *Poller) TriggerNow(id string) error {
	p.mu.Lock()
	s, ok := p.subs[id]
	if !ok {
		p.mu.Unlock()
		return fmt.Errorf("%w: %q", ErrUnknownSubscription, id)
	}
	if s.state.Executing {
		p.mu.Unlock()
		return nil
	}
	return p.execute(s)
}

func (p *Poller) Stop(id string) {
	p.mu.Lock()
	s, ok := p.subs[id]
	if !ok {
		p.mu.Unlock()
		return
	}
	p.disarm(s)
	s.state.Active = false
	s.cancel()
	delete(p.subs, id)
	p.mu.Unlock()
	p.logger.Debug("poll subscription stopped", "id", id)
}

func (p *Poller) StopAll() {
	p.mu.Lock()
	ids := make([]string, 0, len(p.subs))
	for id := range p.subs {
		ids = append(ids, id)
	}
	p.mu.Unlock()
	for _, id := range ids {
		p.Stop(id)
	}
}

func (p *Poller) Pause(id string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if s, ok := p.subs[id]; ok {
		p.pauseLocked(s, false)
	}
}

func (p *Poller) PauseAll() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, s := range p.subs {
		p.pauseLocked(s, false)
	}
}

// pauseLocked cancels the pending timer but never interrupts a tick in
// flight. Caller holds the lock.
func (p *Poller) pauseLocked(s *subscription, byVisibility bool) {
	if s.state.Paused {
		if !byVisibility {
			// a user pause overrides a visibility pause
			s.state.PausedByVisibility = false
		}
		return
	}
	p.disarm(s)
	s.state.Paused = true
	s.state.PausedByVisibility = byVisibility
}

func (p *Poller) Resume(id string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if s, ok := p.subs[id]; ok {
		p.resumeLocked(s)
	}
}

func (p *Poller) ResumeAll() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, s := range p.subs {
		p.resumeLocked(s)
	}
}

// resumeLocked schedules the next tick one full interval from now; there
// is no catch-up for ticks missed while paused. Caller holds the lock.
func (p *Poller) resumeLocked(s *subscription) {
	if !s.state.Paused {
		return
	}
	s.state.Paused = false
	s.state.PausedByVisibility = false
	if !s.state.Executing {
		p.arm(s)
	}
}

// SetInterval updates the cadence. A scheduled timer is re-armed with
// the new interval measured from now; an executing tick picks it up at
// the next scheduling point.
func (p *Poller) SetInterval(id string, interval time.Duration) error {
	if interval < p.minInterval {
		return ErrIntervalTooShort
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	s, ok := p.subs[id]
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownSubscription, id)
	}
	s.cfg.Interval = interval
	if s.timer != nil && !s.state.Paused {
		p.disarm(s)
		p.arm(s)
	}
	return nil
}

func (p *Poller) State(id string) (State, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	s, ok := p.subs[id]
	if !ok {
		return State{}, false
	}
	return s.state, true
}

func (p *Poller) Has(id string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.subs[id]
	return ok
}

func (p *Poller) ActiveIDs() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	ids := make([]string, 0, len(p.subs))
	for id := range p.subs {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func (p *Poller) Destroy() {
	p.mu.Lock()
	stopVis := p.stopVis
	p.stopVis = nil
	p.destroyed = true
	p.mu.Unlock()
	if stopVis != nil {
		stopVis()
	}
	p.StopAll()
}

// onVisibility pauses pause-when-hidden subscriptions on hide and
// resumes exactly those on show. User-initiated pauses are untouched.
func (p *Poller) onVisibility(visible bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, s := range p.subs {
		if !visible {
			if !s.cfg.RunWhenHidden && !s.state.Paused && s.state.Active {
				p.pauseLocked(s, true)
			}
		} else if s.state.PausedByVisibility {
			p.resumeLocked(s)
		}
	}
}

func safeTick(ctx context.Context, tick TickFunc) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("poll: tick panicked: %v", rec)
		}
	}()
	return tick(ctx)
}

func isolate(fn func()) {
	defer func() { _ = recover() }()
	fn()
}
