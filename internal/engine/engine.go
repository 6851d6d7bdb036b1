// Package engine owns the session registry: lifecycle transitions, the
// per-session event pipeline (cache, persist, context fold, viewer
// fan-out) and the global tap dispatch. All events enter through
// Deliver and are serialized per session by the scheduler, so every
// consumer observes one total order per session.
package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/NissanOhana/dev-agent-day2day/internal/adapter"
	"github.com/NissanOhana/dev-agent-day2day/internal/dispatch"
	"github.com/NissanOhana/dev-agent-day2day/internal/event"
	"github.com/NissanOhana/dev-agent-day2day/internal/ids"
	"github.com/NissanOhana/dev-agent-day2day/internal/session"
)

var (
	// ErrInvalidState is returned for a lifecycle operation the session's
	// current state does not allow.
	ErrInvalidState = errors.New("invalid session state")
	// ErrNoAdapter is returned by Start when no adapter is registered for
	// the session's agent type.
	ErrNoAdapter = errors.New("no adapter for agent type")
	// ErrTooManyAgents is returned by Start when the concurrent agent
	// process cap has been reached.
	ErrTooManyAgents = errors.New("agent process limit reached")
)

const (
	DefaultMaxAgents = 4
	DefaultQueueSize = 256

	// subscriberSlack is the channel headroom beyond the cache capacity,
	// so a fresh subscriber can always absorb its own backfill and still
	// have room for live events.
	subscriberSlack = 64
)

type Engine struct {
	logger     *log.Logger
	store      session.Store
	adapters   map[string]adapter.Adapter
	dispatcher *dispatch.Dispatcher
	scheduler  *session.Scheduler
	cacheCap   int
	maxAgents  int
	queueSize  int

	mu      sync.Mutex
	active  map[string]*activeSession
	running int
}

// activeSession is the in-process materialization of one session: its
// authoritative record copy, recent-event cache, derived context and
// attached viewers, all behind mu. Lock order: Engine.mu may be taken
// while holding an activeSession's mu (slot accounting), never the
// reverse.
type activeSession struct {
	// ready closes once materialization from the store finished;
	// attachErr is only valid after that. Until then only the registry
	// map may reference this value.
	ready     chan struct{}
	attachErr error

	mu       sync.Mutex
	rec      session.Record
	cache    *session.Cache
	agg      *session.Aggregate
	subs     map[*Subscriber]struct{}
	instance adapter.Instance
	deleted  bool
}

type Option func(*Engine)

func WithDispatcher(d *dispatch.Dispatcher) Option {
	return func(e *Engine) { e.dispatcher = d }
}

func WithCacheCapacity(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.cacheCap = n
		}
	}
}

// WithMaxAgents caps concurrently running agent processes. Zero or
// negative means unlimited.
func WithMaxAgents(n int) Option {
	return func(e *Engine) { e.maxAgents = n }
}

func WithQueueSize(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.queueSize = n
		}
	}
}

func New(logger *log.Logger, store session.Store, adapters []adapter.Adapter, opts ...Option) *Engine {
	e := &Engine{
		logger:    logger,
		store:     store,
		adapters:  make(map[string]adapter.Adapter, len(adapters)),
		cacheCap:  session.DefaultCacheCapacity,
		maxAgents: DefaultMaxAgents,
		queueSize: DefaultQueueSize,
		active:    make(map[string]*activeSession),
	}
	for _, ad := range adapters {
		e.adapters[ad.AgentType()] = ad
	}
	for _, opt := range opts {
		if opt != nil {
			opt(e)
		}
	}
	e.scheduler = session.NewScheduler(logger, e.queueSize, e.process)
	return e
}

type CreateParams struct {
	Name        string
	WorkingDir  string
	AgentType   string
	TokensLimit int64
}

func (e *Engine) CreateSession(ctx context.Context, p CreateParams) (session.Record, error) {
	now := time.Now().UTC()
	rec := session.Record{
		ID:          ids.New(),
		Name:        p.Name,
		Status:      session.StatusStopped,
		WorkingDir:  p.WorkingDir,
		AgentType:   p.AgentType,
		TokensLimit: p.TokensLimit,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := e.store.CreateSession(ctx, rec); err != nil {
		return session.Record{}, fmt.Errorf("create session: %w", err)
	}
	return rec, nil
}

// GetSession prefers the in-memory record for attached sessions; the
// store copy can lag behind by the best-effort write window.
func (e *Engine) GetSession(ctx context.Context, id string) (session.Record, error) {
	e.mu.Lock()
	as, ok := e.active[id]
	e.mu.Unlock()
	if ok {
		<-as.ready
		if as.attachErr == nil {
			as.mu.Lock()
			defer as.mu.Unlock()
			if as.deleted {
				return session.Record{}, session.ErrNotFound
			}
			return as.rec, nil
		}
	}
	return e.store.GetSession(ctx, id)
}

func (e *Engine) ListSessions(ctx context.Context) ([]session.Summary, error) {
	sums, err := e.store.ListSessions(ctx)
	if err != nil {
		return nil, err
	}

	e.mu.Lock()
	attached := make(map[string]*activeSession, len(e.active))
	for id, as := range e.active {
		attached[id] = as
	}
	e.mu.Unlock()

	for i := range sums {
		as, ok := attached[sums[i].ID]
		if !ok {
			continue
		}
		// A session mid-materialization has nothing fresher than the
		// store row the listing already carries.
		select {
		case <-as.ready:
		default:
			continue
		}
		if as.attachErr != nil {
			continue
		}
		as.mu.Lock()
		if !as.deleted {
			sums[i].Record = as.rec
		}
		as.mu.Unlock()
	}
	return sums, nil
}

func (e *Engine) Events(ctx context.Context, id string, q session.EventQuery) ([]event.Event, error) {
	if _, err := e.GetSession(ctx, id); err != nil {
		return nil, err
	}
	return e.store.ListEvents(ctx, id, q)
}

// Context returns a deep copy of the session's derived rollup; callers
// may mutate it freely.
func (e *Engine) Context(ctx context.Context, id string) (*session.Aggregate, error) {
	as, err := e.attach(ctx, id)
	if err != nil {
		return nil, err
	}
	as.mu.Lock()
	defer as.mu.Unlock()
	if as.deleted {
		return nil, session.ErrNotFound
	}
	return as.agg.Clone(), nil
}

// Deliver is the single ingress for session events. It stamps the
// session id and hands the event to the per-session worker; ordering
// beyond this point is the scheduler's.
func (e *Engine) Deliver(ctx context.Context, sessionID string, ev event.Event) error {
	ev.SessionID = sessionID
	return e.scheduler.Enqueue(ctx, ev)
}

func (e *Engine) Start(ctx context.Context, id string) error {
	as, err := e.attach(ctx, id)
	if err != nil {
		return err
	}
	as.mu.Lock()
	defer as.mu.Unlock()
	if as.deleted {
		return session.ErrNotFound
	}
	if as.instance != nil {
		return fmt.Errorf("%w: already running", ErrInvalidState)
	}
	ad, ok := e.adapters[as.rec.AgentType]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNoAdapter, as.rec.AgentType)
	}
	if !e.claimSlot() {
		return ErrTooManyAgents
	}

	sink := func(ev event.Event) {
		if err := e.Deliver(context.Background(), id, ev); err != nil {
			e.logger.Printf("drop agent event session_id=%s event_id=%s err=%v", id, ev.ID, err)
		}
	}
	inst, err := ad.Start(ctx, as.rec, sink)
	if err != nil {
		e.releaseSlot()
		return fmt.Errorf("start agent: %w", err)
	}
	as.instance = inst
	e.setStatusLocked(ctx, as, session.StatusRunning)
	e.logger.Printf("session started session_id=%s agent_type=%s", id, as.rec.AgentType)
	return nil
}

// Pause is a silent no-op without a live agent process: there is nothing
// to pause, and surfacing an error to a viewer clicking a dead control
// helps nobody.
func (e *Engine) Pause(ctx context.Context, id string) error {
	as, err := e.attach(ctx, id)
	if err != nil {
		return err
	}
	as.mu.Lock()
	defer as.mu.Unlock()
	if as.deleted {
		return session.ErrNotFound
	}
	if as.instance == nil || as.rec.Status != session.StatusRunning {
		return nil
	}
	if err := as.instance.Pause(); err != nil {
		return fmt.Errorf("pause agent: %w", err)
	}
	e.setStatusLocked(ctx, as, session.StatusPaused)
	return nil
}

func (e *Engine) Resume(ctx context.Context, id string) error {
	as, err := e.attach(ctx, id)
	if err != nil {
		return err
	}
	as.mu.Lock()
	defer as.mu.Unlock()
	if as.deleted {
		return session.ErrNotFound
	}
	if as.instance == nil || as.rec.Status != session.StatusPaused {
		return nil
	}
	if err := as.instance.Resume(); err != nil {
		return fmt.Errorf("resume agent: %w", err)
	}
	e.setStatusLocked(ctx, as, session.StatusRunning)
	return nil
}

// Stop is idempotent. The agent process is released before the status
// flips to stopped, and the session mutex is held throughout, so events
// for this session queue behind the teardown instead of racing it.
func (e *Engine) Stop(ctx context.Context, id string) error {
	as, err := e.attach(ctx, id)
	if err != nil {
		return err
	}
	as.mu.Lock()
	defer as.mu.Unlock()
	if as.deleted {
		return session.ErrNotFound
	}
	if as.instance == nil {
		if as.rec.Status != session.StatusStopped {
			e.setStatusLocked(ctx, as, session.StatusStopped)
		}
		return nil
	}
	inst := as.instance
	as.instance = nil
	stopErr := inst.Stop()
	// The slot frees only once the process is actually gone; a Stop
	// still waiting out the kill grace period counts against the limit.
	e.releaseSlot()
	e.setStatusLocked(ctx, as, session.StatusStopped)
	if stopErr != nil {
		return fmt.Errorf("stop agent: %w", stopErr)
	}
	e.logger.Printf("session stopped session_id=%s", id)
	return nil
}

func (e *Engine) SendPrompt(ctx context.Context, id string, text string) error {
	as, err := e.attach(ctx, id)
	if err != nil {
		return err
	}
	as.mu.Lock()
	defer as.mu.Unlock()
	if as.deleted {
		return session.ErrNotFound
	}
	if as.instance == nil {
		return fmt.Errorf("%w: no live agent process", ErrInvalidState)
	}
	return as.instance.SendPrompt(ctx, text)
}

// Replay re-streams the full persisted log to the session's current
// subscribers, synchronously, then returns the session to stopped. Only
// a session without a live process can replay.
func (e *Engine) Replay(ctx context.Context, id string) error {
	as, err := e.attach(ctx, id)
	if err != nil {
		return err
	}
	as.mu.Lock()
	defer as.mu.Unlock()
	if as.deleted {
		return session.ErrNotFound
	}
	if as.instance != nil || as.rec.Status == session.StatusReplay {
		return fmt.Errorf("%w: session has a live agent process", ErrInvalidState)
	}

	history, err := e.store.ReplayEvents(ctx, id)
	if err != nil {
		return fmt.Errorf("load event log: %w", err)
	}

	e.setStatusLocked(ctx, as, session.StatusReplay)
	for _, ev := range history {
		payload, err := json.Marshal(ev)
		if err != nil {
			e.logger.Printf("marshal replay event event_id=%s err=%v", ev.ID, err)
			continue
		}
		for sub := range as.subs {
			if !sub.send(payload) {
				e.logger.Printf("viewer lagging, replay event dropped session_id=%s event_id=%s", id, ev.ID)
			}
		}
	}
	e.setStatusLocked(ctx, as, session.StatusStopped)
	return nil
}

// Delete tears the session down completely: agent process, viewers,
// in-memory state, queued events and the persisted record with its log.
func (e *Engine) Delete(ctx context.Context, id string) error {
	as, err := e.attach(ctx, id)
	if err != nil {
		return err
	}
	as.mu.Lock()
	if as.deleted {
		as.mu.Unlock()
		return session.ErrNotFound
	}
	as.deleted = true
	if as.instance != nil {
		if err := as.instance.Stop(); err != nil {
			e.logger.Printf("stop agent during delete session_id=%s err=%v", id, err)
		}
		as.instance = nil
		e.releaseSlot()
	}
	for sub := range as.subs {
		delete(as.subs, sub)
		close(sub.ch)
	}
	as.mu.Unlock()

	deleteErr := e.store.DeleteSession(ctx, id)

	e.mu.Lock()
	delete(e.active, id)
	e.mu.Unlock()
	e.scheduler.Remove(id)

	if deleteErr != nil && !errors.Is(deleteErr, session.ErrNotFound) {
		return fmt.Errorf("delete session: %w", deleteErr)
	}
	e.logger.Printf("session deleted session_id=%s", id)
	return nil
}

// Subscribe attaches a viewer. The cached backfill is loaded into the
// subscriber's channel under the session lock before the subscriber is
// registered, so backfill and live events form one gapless ordered
// stream.
func (e *Engine) Subscribe(ctx context.Context, id string) (*Subscriber, error) {
	as, err := e.attach(ctx, id)
	if err != nil {
		return nil, err
	}
	as.mu.Lock()
	defer as.mu.Unlock()
	if as.deleted {
		return nil, session.ErrNotFound
	}

	sub := &Subscriber{
		sessionID: id,
		ch:        make(chan []byte, e.cacheCap+subscriberSlack),
	}
	for _, ev := range as.cache.Snapshot() {
		payload, err := json.Marshal(ev)
		if err != nil {
			e.logger.Printf("marshal backfill event event_id=%s err=%v", ev.ID, err)
			continue
		}
		// Channel capacity exceeds cache capacity: never blocks.
		sub.ch <- payload
	}
	as.subs[sub] = struct{}{}
	return sub, nil
}

func (e *Engine) Unsubscribe(sub *Subscriber) {
	if sub == nil {
		return
	}
	e.mu.Lock()
	as, ok := e.active[sub.sessionID]
	e.mu.Unlock()
	if !ok {
		return
	}
	as.mu.Lock()
	defer as.mu.Unlock()
	if _, ok := as.subs[sub]; !ok {
		return
	}
	delete(as.subs, sub)
	close(sub.ch)
}

// Close stops every live agent process. Sessions stay in the store;
// they re-materialize from the log on the next touch.
func (e *Engine) Close() {
	e.mu.Lock()
	actives := make([]*activeSession, 0, len(e.active))
	for _, as := range e.active {
		actives = append(actives, as)
	}
	e.mu.Unlock()

	for _, as := range actives {
		<-as.ready
		if as.attachErr != nil {
			continue
		}
		as.mu.Lock()
		if as.instance != nil {
			if err := as.instance.Stop(); err != nil {
				e.logger.Printf("stop agent during shutdown session_id=%s err=%v", as.rec.ID, err)
			}
			as.instance = nil
			e.releaseSlot()
			e.setStatusLocked(context.Background(), as, session.StatusStopped)
		}
		as.mu.Unlock()
	}
}

// process is the scheduler's per-session worker callback: the one place
// an event enters a session's cache, log, context fold and fan-out.
func (e *Engine) process(ctx context.Context, ev event.Event) {
	as, err := e.attach(ctx, ev.SessionID)
	if err != nil {
		e.logger.Printf("drop event for unknown session session_id=%s event_id=%s err=%v", ev.SessionID, ev.ID, err)
		// The enqueue that carried this event spun up a worker; a
		// session that no longer exists must not keep one resident.
		if errors.Is(err, session.ErrNotFound) {
			e.scheduler.Remove(ev.SessionID)
		}
		return
	}

	as.mu.Lock()
	if as.deleted {
		as.mu.Unlock()
		return
	}

	as.cache.Push(ev)
	// Best effort: a failed append is logged and the broadcast proceeds.
	// Live viewers keep streaming; the replay log has a hole.
	if err := e.store.AppendEvent(ctx, ev); err != nil {
		e.logger.Printf("persist event failed session_id=%s event_id=%s err=%v", ev.SessionID, ev.ID, err)
	}
	as.agg.Apply(ev)

	if t := as.agg.Tokens; t.Used != as.rec.TokensUsed || (t.Limit > 0 && t.Limit != as.rec.TokensLimit) {
		as.rec.TokensUsed = t.Used
		if t.Limit > 0 {
			as.rec.TokensLimit = t.Limit
		}
		e.saveLocked(ctx, as)
	}

	payload, err := json.Marshal(ev)
	if err != nil {
		as.mu.Unlock()
		e.logger.Printf("marshal event event_id=%s err=%v", ev.ID, err)
		return
	}
	for sub := range as.subs {
		if !sub.send(payload) {
			e.logger.Printf("viewer lagging, event dropped session_id=%s event_id=%s", ev.SessionID, ev.ID)
		}
	}
	as.mu.Unlock()

	if e.dispatcher != nil {
		e.dispatcher.Dispatch(ctx, ev)
	}
}

// attach returns the in-process state for a session, materializing it
// from the store on first touch: the context aggregate is rebuilt from
// the full log and the cache refilled with its tail. The registry lock
// only covers map access; a placeholder is published first and the
// store reads happen outside it, so one session materializing from a
// large log never stalls event processing for the others. Concurrent
// attachers wait on the placeholder's ready channel.
func (e *Engine) attach(ctx context.Context, id string) (*activeSession, error) {
	e.mu.Lock()
	if as, ok := e.active[id]; ok {
		e.mu.Unlock()
		<-as.ready
		if as.attachErr != nil {
			return nil, as.attachErr
		}
		return as, nil
	}
	as := &activeSession{
		ready: make(chan struct{}),
		cache: session.NewCache(e.cacheCap),
		agg:   session.NewAggregate(),
		subs:  make(map[*Subscriber]struct{}),
	}
	e.active[id] = as
	e.mu.Unlock()

	rec, err := e.store.GetSession(ctx, id)
	if err != nil {
		as.attachErr = err
		e.mu.Lock()
		delete(e.active, id)
		e.mu.Unlock()
		close(as.ready)
		return nil, err
	}
	as.rec = rec

	history, err := e.store.ReplayEvents(ctx, id)
	if err != nil {
		// Degrade to empty state rather than refusing to attach.
		e.logger.Printf("rebuild from log failed session_id=%s err=%v", id, err)
	} else {
		as.agg = session.Rebuild(history)
		start := 0
		if len(history) > e.cacheCap {
			start = len(history) - e.cacheCap
		}
		for _, ev := range history[start:] {
			as.cache.Push(ev)
		}
	}

	close(as.ready)
	return as, nil
}

func (e *Engine) claimSlot() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.maxAgents > 0 && e.running >= e.maxAgents {
		return false
	}
	e.running++
	return true
}

func (e *Engine) releaseSlot() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.running > 0 {
		e.running--
	}
}

func (e *Engine) setStatusLocked(ctx context.Context, as *activeSession, st session.Status) {
	as.rec.Status = st
	e.saveLocked(ctx, as)
}

// saveLocked writes the record back best-effort; the in-memory copy
// stays authoritative even when the store write fails.
func (e *Engine) saveLocked(ctx context.Context, as *activeSession) {
	as.rec.UpdatedAt = time.Now().UTC()
	if err := e.store.SaveSession(ctx, as.rec); err != nil {
		e.logger.Printf("persist session failed session_id=%s err=%v", as.rec.ID, err)
	}
}
