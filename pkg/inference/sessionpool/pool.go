// Package sessionpool owns the base inference session and one cloned session per active
// conversation.
//
// Clones are created on first Acquire and cached with an idle deadline that every Acquire
// pushes back. When the deadline passes, a background timer destroys the clone. Every
// timer is tagged with the generation of the access that scheduled it, and a timer whose
// generation is no longer the entry's current one does nothing, so a timer that fires
// after a refresh can never destroy a session that was just reactivated.
package sessionpool

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/singleflight"

	"github.com/go-go-golems/nano-chat/pkg/inference/engine"
)

const DefaultIdleTimeout = 5 * time.Minute

// Timer is a scheduled eviction.
type Timer interface {
	Stop() bool
}

// AfterFunc schedules f after d. It matches time.AfterFunc and can be replaced in tests.
type AfterFunc func(d time.Duration, f func()) Timer

func realAfterFunc(d time.Duration, f func()) Timer {
	return time.AfterFunc(d, f)
}

type Options struct {
	IdleTimeout time.Duration
	AfterFunc   AfterFunc
	Now         func() time.Time
}

type state int

const (
	stateNew state = iota
	stateReady
	stateUnavailable
	stateClosed
)

type entry struct {
	convID       string
	session      engine.Session
	generation   uint64
	timer        Timer
	idleDeadline time.Time
}

type Pool struct {
	idleTimeout time.Duration
	afterFunc   AfterFunc
	now         func() time.Time

	mu           sync.Mutex
	state        state
	availability engine.Availability
	base         engine.Session
	entries      map[string]*entry
	generation   uint64

	flights singleflight.Group
}

func New(opts Options) *Pool {
	p := &Pool{
		idleTimeout:  opts.IdleTimeout,
		afterFunc:    opts.AfterFunc,
		now:          opts.Now,
		availability: engine.AvailabilityUnavailable,
		entries:      map[string]*entry{},
	}
	if p.idleTimeout <= 0 {
		p.idleTimeout = DefaultIdleTimeout
	}
	if p.afterFunc == nil {
		p.afterFunc = realAfterFunc
	}
	if p.now == nil {
		p.now = time.Now
	}
	return p
}

// Init probes the engine and creates the base session. When the engine is not available
// the pool enters a degraded state: Init returns ErrEngineUnavailable and so does every
// later Acquire. Calling Init on a ready pool is a no-op.
func (p *Pool) Init(ctx context.Context, eng engine.Engine, opts engine.SessionOptions) error {
	p.mu.Lock()
	switch p.state {
	case stateReady:
		p.mu.Unlock()
		return nil
	case stateClosed:
		p.mu.Unlock()
		return ErrPoolUnavailable
	case stateNew, stateUnavailable:
	}
	p.mu.Unlock()

	availability, err := eng.Availability(ctx)
	if err != nil {
		p.markUnavailable(engine.AvailabilityUnavailable)
		return errors.Wrap(ErrEngineUnavailable, "availability probe failed: "+err.Error())
	}
	if availability != engine.AvailabilityAvailable {
		p.markUnavailable(availability)
		return errors.Wrapf(ErrEngineUnavailable, "engine is %s", availability)
	}

	base, err := eng.CreateSession(ctx, opts)
	if err != nil {
		p.markUnavailable(engine.AvailabilityUnavailable)
		return errors.Wrap(ErrEngineUnavailable, "create base session: "+err.Error())
	}

	p.mu.Lock()
	if p.state == stateClosed || p.state == stateReady {
		closed := p.state == stateClosed
		p.mu.Unlock()
		destroySession(base, "", "discarding base session")
		if closed {
			return ErrPoolUnavailable
		}
		return nil
	}
	p.base = base
	p.state = stateReady
	p.availability = availability
	p.mu.Unlock()

	log.Info().Str("component", "sessionpool").Str("model", opts.Model).Dur("idle_timeout", p.idleTimeout).Msg("base session ready")
	return nil
}

func (p *Pool) markUnavailable(a engine.Availability) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.state == stateClosed {
		return
	}
	p.state = stateUnavailable
	p.availability = a
	log.Warn().Str("component", "sessionpool").Str("availability", a.String()).Msg("inference engine unavailable, running degraded")
}

// Acquire returns the conversation's session, cloning the base session on first use.
// Every call refreshes the idle deadline. Concurrent calls for the same id share one
// clone.
func (p *Pool) Acquire(ctx context.Context, convID string) (engine.Session, error) {
	p.mu.Lock()
	if err := p.usableLocked(); err != nil {
		p.mu.Unlock()
		return nil, err
	}
	if e, ok := p.entries[convID]; ok {
		p.touchLocked(e)
		s := e.session
		p.mu.Unlock()
		return s, nil
	}
	p.mu.Unlock()

	v, err, _ := p.flights.Do(convID, func() (interface{}, error) {
		return p.create(ctx, convID)
	})
	if err != nil {
		return nil, err
	}
	return v.(engine.Session), nil
}

func (p *Pool) usableLocked() error {
	switch p.state {
	case stateReady:
		return nil
	case stateUnavailable:
		return ErrEngineUnavailable
	case stateNew, stateClosed:
		return ErrPoolUnavailable
	default:
		return ErrPoolUnavailable
	}
}

func (p *Pool) create(ctx context.Context, convID string) (engine.Session, error) {
	p.mu.Lock()
	if err := p.usableLocked(); err != nil {
		p.mu.Unlock()
		return nil, err
	}
	if e, ok := p.entries[convID]; ok {
		p.touchLocked(e)
		s := e.session
		p.mu.Unlock()
		return s, nil
	}
	base := p.base
	p.mu.Unlock()

	clone, err := base.Clone(ctx)
	if err != nil {
		return nil, errors.Wrapf(err, "clone session for conversation %s", convID)
	}

	p.mu.Lock()
	if err := p.usableLocked(); err != nil {
		p.mu.Unlock()
		destroySession(clone, convID, "discarding clone created during shutdown")
		return nil, err
	}
	if e, ok := p.entries[convID]; ok {
		p.touchLocked(e)
		s := e.session
		p.mu.Unlock()
		destroySession(clone, convID, "discarding duplicate clone")
		return s, nil
	}
	e := &entry{convID: convID, session: clone}
	p.entries[convID] = e
	p.touchLocked(e)
	n := len(p.entries)
	p.mu.Unlock()

	log.Debug().Str("component", "sessionpool").Str("conv_id", convID).Int("live", n).Msg("cloned session")
	return clone, nil
}

// touchLocked supersedes the entry's eviction timer with a new generation.
func (p *Pool) touchLocked(e *entry) {
	if e.timer != nil {
		e.timer.Stop()
	}
	p.generation++
	gen := p.generation
	convID := e.convID
	e.generation = gen
	e.idleDeadline = p.now().Add(p.idleTimeout)
	e.timer = p.afterFunc(p.idleTimeout, func() {
		p.releaseIdle(convID, gen)
	})
}

// releaseIdle is the eviction timer callback. It only evicts when gen is still the
// entry's current generation.
func (p *Pool) releaseIdle(convID string, gen uint64) bool {
	p.mu.Lock()
	e, ok := p.entries[convID]
	if !ok || e.generation != gen {
		p.mu.Unlock()
		log.Debug().Str("component", "sessionpool").Str("conv_id", convID).Uint64("generation", gen).Msg("stale eviction timer ignored")
		return false
	}
	delete(p.entries, convID)
	e.timer = nil
	p.mu.Unlock()

	destroySession(e.session, convID, "failed to destroy idle session")
	log.Info().Str("component", "sessionpool").Str("conv_id", convID).Msg("evicted idle session")
	return true
}

// Evict destroys the conversation's session right away, e.g. when the conversation is
// deleted.
func (p *Pool) Evict(convID string) bool {
	p.mu.Lock()
	e, ok := p.entries[convID]
	if !ok {
		p.mu.Unlock()
		return false
	}
	delete(p.entries, convID)
	if e.timer != nil {
		e.timer.Stop()
		e.timer = nil
	}
	p.mu.Unlock()

	destroySession(e.session, convID, "failed to destroy evicted session")
	return true
}

// Shutdown stops every timer and destroys every clone and the base session. It is
// idempotent and leaves the pool permanently unavailable.
func (p *Pool) Shutdown() {
	p.mu.Lock()
	if p.state == stateClosed {
		p.mu.Unlock()
		return
	}
	p.state = stateClosed
	entries := p.entries
	base := p.base
	p.entries = map[string]*entry{}
	p.base = nil
	p.mu.Unlock()

	for convID, e := range entries {
		if e.timer != nil {
			e.timer.Stop()
		}
		destroySession(e.session, convID, "failed to destroy session on shutdown")
	}
	if base != nil {
		destroySession(base, "", "failed to destroy base session on shutdown")
	}
	log.Info().Str("component", "sessionpool").Int("destroyed", len(entries)).Msg("pool shut down")
}

func destroySession(s engine.Session, convID, msg string) {
	if s == nil {
		return
	}
	if err := s.Destroy(); err != nil {
		log.Warn().Err(err).Str("component", "sessionpool").Str("conv_id", convID).Msg(msg)
	}
}

// Peek returns the conversation's session without refreshing its deadline.
func (p *Pool) Peek(convID string) (engine.Session, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	e, ok := p.entries[convID]
	if !ok {
		return nil, false
	}
	return e.session, true
}

func (p *Pool) Deadline(convID string) (time.Time, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	e, ok := p.entries[convID]
	if !ok {
		return time.Time{}, false
	}
	return e.idleDeadline, true
}

func (p *Pool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.entries)
}

func (p *Pool) Ready() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state == stateReady
}

// Availability is the engine availability observed by the last Init.
func (p *Pool) Availability() engine.Availability {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.availability
}

func (p *Pool) IdleTimeout() time.Duration {
	return p.idleTimeout
}
