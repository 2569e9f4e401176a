// Package session ties ingestion, timelines and approval gating together,
// one ordered lane per session.
package session

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/soyeahso/turnstile/internal/approval"
	"github.com/soyeahso/turnstile/internal/config"
	"github.com/soyeahso/turnstile/internal/correlate"
	"github.com/soyeahso/turnstile/internal/domain"
	"github.com/soyeahso/turnstile/internal/hooks"
	"github.com/soyeahso/turnstile/internal/ingest"
	"github.com/soyeahso/turnstile/internal/logging"
	"github.com/soyeahso/turnstile/internal/timeline"
	"github.com/soyeahso/turnstile/internal/visibility"
)

var (
	ErrUnknownSession  = errors.New("session: unknown session")
	ErrUnknownResponse = errors.New("session: no such response")
	ErrDropped         = errors.New("session: frame dropped")
	ErrLaneFull        = errors.New("session: lane full")
	ErrStopped         = errors.New("session: manager stopped")
)

// MessageSource supplies stored messages a session's timeline starts from.
type MessageSource interface {
	Messages(ctx context.Context, sessionID string) ([]domain.Message, error)
}

// Deps are the collaborators a Manager drives. Source and Bus may be nil.
type Deps struct {
	Adapter    *ingest.Adapter
	Gatekeeper *approval.Gatekeeper
	Correlator *correlate.Engine
	Source     MessageSource
	Bus        hooks.Emitter
}

// Info summarizes a live session.
type Info struct {
	ID          string           `json:"id"`
	Messages    int              `json:"messages"`
	Pending     int              `json:"pendingApprovals"`
	StartedAt   time.Time        `json:"startedAt"`
	LastEventAt time.Time        `json:"lastEventAt,omitempty"`
	Cache       visibility.Stats `json:"cache"`
}

// item is one lane entry: an event to apply, or a flush barrier.
type item struct {
	ev    *domain.Event
	flush chan struct{}
}

type session struct {
	id        string
	builder   *timeline.Builder
	cache     *visibility.Cache
	lane      chan item
	startedAt time.Time
	lastEvent atomic.Int64 // unix nanos
	closed    atomic.Bool
}

// Manager owns the live sessions. Events of one session are applied in
// arrival order by that session's lane goroutine; a semaphore bounds how
// many lanes work at once.
type Manager struct {
	cfg  config.SessionConfig
	deps Deps
	sem  *semaphore.Weighted
	root *logging.Logger
	log  *logging.Logger

	mu       sync.RWMutex
	sessions map[string]*session
	stopped  bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	processed atomic.Int64
	dropped   atomic.Int64
}

// NewManager creates a manager. Call Start before submitting events.
func NewManager(cfg config.SessionConfig, deps Deps, log *logging.Logger) *Manager {
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = 1
	}
	if cfg.LaneBuffer <= 0 {
		cfg.LaneBuffer = 1
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		cfg:      cfg,
		deps:     deps,
		sem:      semaphore.NewWeighted(int64(cfg.MaxConcurrent)),
		root:     log,
		log:      log.Sub("session"),
		sessions: make(map[string]*session),
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Start binds the manager to ctx and starts the approval pruning loop.
// It must be called before the first event is queued.
func (m *Manager) Start(ctx context.Context) {
	m.cancel()
	m.ctx, m.cancel = context.WithCancel(ctx)
	if m.cfg.PruneAfterMinutes > 0 {
		m.wg.Add(1)
		go m.pruneLoop(m.ctx, approval.Minutes(float64(m.cfg.PruneAfterMinutes)))
	}
}

// Stop closes every lane and waits for the lane goroutines to exit.
// Events still queued when Stop is called may be discarded.
func (m *Manager) Stop() {
	m.mu.Lock()
	if m.stopped {
		m.mu.Unlock()
		return
	}
	m.stopped = true
	for _, s := range m.sessions {
		close(s.lane)
	}
	m.mu.Unlock()

	m.cancel()
	m.wg.Wait()
}

// Submit normalizes a raw frame and queues it on its session's lane.
// Frames that do not normalize return ErrDropped.
func (m *Manager) Submit(ctx context.Context, raw []byte) (*domain.Event, error) {
	ev := m.deps.Adapter.Normalize(raw)
	if ev == nil {
		m.dropped.Add(1)
		return nil, ErrDropped
	}
	if ev.SessionID == "" {
		// heartbeats address no session
		m.processed.Add(1)
		return ev, nil
	}
	return ev, m.Enqueue(ctx, ev)
}

// Enqueue queues a canonical event, opening its session on first sight.
func (m *Manager) Enqueue(ctx context.Context, ev *domain.Event) error {
	s, err := m.open(ctx, ev.SessionID, true)
	if err != nil {
		return err
	}
	return m.push(s, item{ev: ev})
}

func (m *Manager) push(s *session, it item) error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.stopped {
		return ErrStopped
	}
	if m.sessions[s.id] != s {
		return fmt.Errorf("%w: %s", ErrUnknownSession, s.id)
	}
	select {
	case s.lane <- it:
		return nil
	default:
		return fmt.Errorf("%w: %s", ErrLaneFull, s.id)
	}
}

// Flush blocks until every event queued for the session before the call
// has been applied.
func (m *Manager) Flush(ctx context.Context, sessionID string) error {
	s := m.lookup(sessionID)
	if s == nil {
		return fmt.Errorf("%w: %s", ErrUnknownSession, sessionID)
	}
	done := make(chan struct{})
	if err := m.push(s, item{flush: done}); err != nil {
		return err
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (m *Manager) lookup(id string) *session {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.sessions[id]
}

// open returns the live session, creating it from the message source when
// needed. Without create, a session unknown to both is an error.
func (m *Manager) open(ctx context.Context, id string, create bool) (*session, error) {
	if s := m.lookup(id); s != nil {
		return s, nil
	}

	var seed []domain.Message
	if m.deps.Source != nil {
		msgs, err := m.deps.Source.Messages(ctx, id)
		if err != nil {
			return nil, fmt.Errorf("loading session %s: %w", id, err)
		}
		seed = msgs
	}
	if !create && len(seed) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrUnknownSession, id)
	}

	m.mu.Lock()
	if m.stopped {
		m.mu.Unlock()
		return nil, ErrStopped
	}
	if s, ok := m.sessions[id]; ok {
		m.mu.Unlock()
		return s, nil
	}
	s := &session{
		id:        id,
		builder:   timeline.NewBuilder(id, m.root),
		cache:     visibility.New(),
		lane:      make(chan item, m.cfg.LaneBuffer),
		startedAt: time.Now(),
	}
	for _, msg := range seed {
		s.builder.AppendMessage(msg)
	}
	m.sessions[id] = s
	m.wg.Add(1)
	go m.processLane(s)
	m.mu.Unlock()

	m.log.Info().Str("sessionId", id).Int("seeded", len(seed)).Msg("session opened")
	m.emit(hooks.Event{Type: hooks.SessionStarted, SessionID: id, Data: map[string]any{"seeded": len(seed)}})
	return s, nil
}

// processLane drains one session lane. Each event is applied while holding
// a semaphore slot. Once the session is closed or the manager's context
// ends, queued events are discarded but flush barriers are still released.
func (m *Manager) processLane(s *session) {
	defer m.wg.Done()
	for it := range s.lane {
		if it.flush != nil {
			close(it.flush)
			continue
		}
		if s.closed.Load() {
			continue
		}
		if err := m.sem.Acquire(m.ctx, 1); err != nil {
			continue
		}
		m.apply(s, it.ev)
		m.sem.Release(1)
	}
}

func (m *Manager) apply(s *session, ev *domain.Event) {
	s.lastEvent.Store(time.Now().UnixNano())

	call := ev.Payload.ToolCall
	if ev.Kind == domain.EventToolCall && call != nil && call.ID == "" {
		// the timeline and the approval record must share one key
		named := *call
		named.ID = ev.EventID
		cp := *ev
		cp.Payload.ToolCall = &named
		ev, call = &cp, &named
	}
	s.builder.Apply(ev)
	m.processed.Add(1)

	if ev.Kind != domain.EventToolCall || call == nil || m.deps.Gatekeeper == nil {
		return
	}
	if !m.deps.Gatekeeper.RequiresApproval(call.Name) {
		return
	}
	_, err := m.deps.Gatekeeper.RequestApproval(approval.Request{
		ToolUseID: call.ID,
		SessionID: s.id,
		ToolName:  call.Name,
		ToolInput: call.Input,
	}, 0)
	if err != nil {
		m.log.Error().Err(err).Str("sessionId", s.id).Str("toolUseId", call.ID).Msg("failed to request approval")
		return
	}
	if s.closed.Load() {
		// CloseSession ran while the request was in flight
		m.deps.Gatekeeper.CancelSession(s.id)
	}
}

// CloseSession tears down a session's lane and rejects its pending
// approvals.
func (m *Manager) CloseSession(id string) error {
	m.mu.Lock()
	s, ok := m.sessions[id]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrUnknownSession, id)
	}
	delete(m.sessions, id)
	s.closed.Store(true)
	close(s.lane)
	m.mu.Unlock()

	rejected := 0
	if m.deps.Gatekeeper != nil {
		rejected = m.deps.Gatekeeper.CancelSession(id)
	}
	m.log.Info().Str("sessionId", id).Int("rejectedApprovals", rejected).Msg("session closed")
	m.emit(hooks.Event{Type: hooks.SessionClosed, SessionID: id, Data: map[string]any{"rejectedApprovals": rejected}})
	return nil
}

// Messages returns the session's timeline. Messages stored without an id
// carry their positional id, the one IsFinal accepts.
func (m *Manager) Messages(ctx context.Context, id string) ([]domain.Message, error) {
	s, err := m.open(ctx, id, false)
	if err != nil {
		return nil, err
	}
	return timeline.AssignIDs(s.builder.Messages()), nil
}

// Responses groups the session's timeline into turns.
func (m *Manager) Responses(ctx context.Context, id string) ([]domain.Response, error) {
	msgs, err := m.Messages(ctx, id)
	if err != nil {
		return nil, err
	}
	return timeline.GroupIntoResponses(msgs), nil
}

// Visible returns the messages a transcript view shows.
func (m *Manager) Visible(ctx context.Context, id string) ([]domain.Message, error) {
	s, err := m.open(ctx, id, false)
	if err != nil {
		return nil, err
	}
	return s.cache.VisibleMessages(s.builder.Messages()), nil
}

// IsFinal reports whether the message with the given id closes its turn.
func (m *Manager) IsFinal(ctx context.Context, id, messageID string) (bool, error) {
	s, err := m.open(ctx, id, false)
	if err != nil {
		return false, err
	}
	msgs := s.builder.Messages()
	return s.cache.IsFinalAssistantMessage(domain.Message{ID: messageID, Role: domain.RoleAssistant}, msgs), nil
}

// Interactions correlates tool calls within one response, or across the
// whole session when response is negative.
func (m *Manager) Interactions(ctx context.Context, id string, response int) (correlate.Result, error) {
	msgs, err := m.Messages(ctx, id)
	if err != nil {
		return correlate.Result{}, err
	}
	if response >= 0 {
		responses := timeline.GroupIntoResponses(msgs)
		if response >= len(responses) {
			return correlate.Result{}, fmt.Errorf("%w: %d of %d", ErrUnknownResponse, response, len(responses))
		}
		msgs = responses[response].Messages
	}
	return m.deps.Correlator.Correlate(msgs), nil
}

// Sessions lists live sessions, oldest first.
func (m *Manager) Sessions() []Info {
	m.mu.RLock()
	list := make([]*session, 0, len(m.sessions))
	for _, s := range m.sessions {
		list = append(list, s)
	}
	m.mu.RUnlock()

	out := make([]Info, 0, len(list))
	for _, s := range list {
		info := Info{
			ID:        s.id,
			Messages:  s.builder.Len(),
			StartedAt: s.startedAt,
			Cache:     s.cache.Stats(),
		}
		if ns := s.lastEvent.Load(); ns > 0 {
			info.LastEventAt = time.Unix(0, ns)
		}
		if m.deps.Gatekeeper != nil {
			info.Pending = len(m.deps.Gatekeeper.GetPendingApprovals(s.id))
		}
		out = append(out, info)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.Before(out[j].StartedAt) })
	return out
}

// Counters returns how many frames were applied and dropped.
func (m *Manager) Counters() (processed, dropped int64) {
	return m.processed.Load(), m.dropped.Load()
}

func (m *Manager) pruneLoop(ctx context.Context, after time.Duration) {
	defer m.wg.Done()
	interval := after / 4
	if interval < time.Second {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if m.deps.Gatekeeper != nil {
				m.deps.Gatekeeper.Prune(time.Now().Add(-after))
			}
		}
	}
}

func (m *Manager) emit(e hooks.Event) {
	if m.deps.Bus != nil {
		m.deps.Bus.Emit(context.Background(), e)
	}
}
