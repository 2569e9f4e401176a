// Package approval gates sensitive tool invocations behind a human
// decision with a timeout.
package approval

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/soyeahso/turnstile/internal/config"
	"github.com/soyeahso/turnstile/internal/domain"
	"github.com/soyeahso/turnstile/internal/hooks"
	"github.com/soyeahso/turnstile/internal/logging"
)

var (
	// ErrClosed is returned once Cleanup has run.
	ErrClosed = errors.New("approval: gatekeeper closed")
	// ErrMissingToolUseID is returned for a request without a key.
	ErrMissingToolUseID = errors.New("approval: tool use id is required")
)

// Deciders recorded for decisions the system makes on its own.
const (
	SessionClosedBy = "system:session-closed"
	ShutdownBy      = "system:shutdown"
)

// Request describes the tool invocation awaiting sign-off.
type Request struct {
	ToolUseID string          `json:"toolUseId"`
	SessionID string          `json:"sessionId"`
	JobID     string          `json:"jobId,omitempty"`
	ToolName  string          `json:"toolName"`
	ToolInput json.RawMessage `json:"toolInput,omitempty"`
}

// Decision is a human verdict on a pending invocation.
type Decision struct {
	ToolUseID string                `json:"toolUseId"`
	Decision  domain.ApprovalStatus `json:"decision"`
	UserID    string                `json:"userId"`
}

// ParseVerdict reads a human verdict. It accepts the status names and the
// short forms used in chat ("approve", "ok", "deny", ...), case-insensitively.
func ParseVerdict(s string) (domain.ApprovalStatus, bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "approve", "approved", "allow", "yes", "y", "ok":
		return domain.ApprovalApproved, true
	case "reject", "rejected", "deny", "denied", "no", "n":
		return domain.ApprovalRejected, true
	}
	return "", false
}

// Recorder persists approval transitions.
type Recorder interface {
	RecordApproval(ctx context.Context, a domain.Approval) error
}

// Option configures a Gatekeeper.
type Option func(*Gatekeeper)

// WithRecorder persists every transition through r.
func WithRecorder(r Recorder) Option {
	return func(g *Gatekeeper) { g.rec = r }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(g *Gatekeeper) { g.now = now }
}

type entry struct {
	rec     domain.Approval
	seq     uint64
	timer   *time.Timer
	done    chan struct{} // closed on the single terminal transition
	waiters int
}

// Gatekeeper tracks approval invocations keyed by tool use id. Every
// mutation of a record happens under mu, and only a PENDING record can be
// resolved, so a decision and a timeout can never both win.
//
// Transitions that publish hold emitMu from the mutation until their
// events are out, so subscribers see REQUESTED before the verdict of the
// same record. Handlers must not call back into publishing methods.
type Gatekeeper struct {
	policy atomic.Pointer[Policy]

	emitMu  sync.Mutex
	mu      sync.Mutex
	entries map[string]*entry
	seq     uint64
	closed  bool

	bus hooks.Emitter
	rec Recorder
	now func() time.Time
	log *logging.Logger
}

// New creates a gatekeeper. bus may be nil when nobody listens.
func New(cfg config.ApprovalConfig, bus hooks.Emitter, log *logging.Logger, opts ...Option) (*Gatekeeper, error) {
	p, err := CompilePolicy(cfg)
	if err != nil {
		return nil, err
	}
	g := &Gatekeeper{
		entries: make(map[string]*entry),
		bus:     bus,
		now:     time.Now,
		log:     log.Sub("approval"),
	}
	g.policy.Store(p)
	for _, o := range opts {
		o(g)
	}
	return g, nil
}

// RequiresApproval reports whether a call of toolName must be cleared first.
func (g *Gatekeeper) RequiresApproval(toolName string) bool {
	return g.policy.Load().Matches(toolName)
}

// Config returns the active approval configuration.
func (g *Gatekeeper) Config() config.ApprovalConfig {
	return g.policy.Load().Config()
}

// UpdateConfig swaps in a patched configuration. On error the previous
// configuration stays active. Armed timers keep their deadlines.
func (g *Gatekeeper) UpdateConfig(patch ConfigPatch) error {
	next, err := CompilePolicy(patch.apply(g.Config()))
	if err != nil {
		return err
	}
	g.policy.Store(next)
	g.log.Info().
		Bool("enabled", next.cfg.Enabled).
		Float64("defaultTimeoutMinutes", next.cfg.DefaultTimeoutMinutes).
		Int("rules", len(next.cfg.RequiredTools)).
		Msg("approval config updated")
	return nil
}

// CreateInvocation stores a PENDING record without arming a timer. An
// existing record for the same tool use id is returned unchanged.
func (g *Gatekeeper) CreateInvocation(req Request) (domain.Approval, error) {
	if req.ToolUseID == "" {
		return domain.Approval{}, ErrMissingToolUseID
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.closed {
		return domain.Approval{}, ErrClosed
	}
	return g.ensureLocked(req).rec, nil
}

func (g *Gatekeeper) ensureLocked(req Request) *entry {
	if e, ok := g.entries[req.ToolUseID]; ok {
		return e
	}
	jobID := req.JobID
	if jobID == "" {
		jobID = uuid.NewString()
	}
	now := g.now()
	g.seq++
	e := &entry{
		rec: domain.Approval{
			ToolUseID: req.ToolUseID,
			SessionID: req.SessionID,
			JobID:     jobID,
			ToolName:  req.ToolName,
			ToolInput: req.ToolInput,
			Status:    domain.ApprovalPending,
			CreatedAt: now,
			TimeoutAt: now.Add(g.policy.Load().DefaultTimeout()),
		},
		seq:  g.seq,
		done: make(chan struct{}),
	}
	g.entries[req.ToolUseID] = e
	return e
}

// RequestApproval ensures a record exists, arms its timeout and emits
// APPROVAL_REQUESTED before returning. A zero timeout uses the configured
// default. Requesting an invocation that is already armed or decided
// returns the current record and emits nothing.
func (g *Gatekeeper) RequestApproval(req Request, timeout time.Duration) (domain.Approval, error) {
	if req.ToolUseID == "" {
		return domain.Approval{}, ErrMissingToolUseID
	}
	if timeout <= 0 {
		timeout = g.policy.Load().DefaultTimeout()
	}

	g.emitMu.Lock()
	defer g.emitMu.Unlock()

	g.mu.Lock()
	if g.closed {
		g.mu.Unlock()
		return domain.Approval{}, ErrClosed
	}
	e := g.ensureLocked(req)
	if e.rec.Status.Terminal() || e.timer != nil {
		snap := e.rec
		g.mu.Unlock()
		return snap, nil
	}
	e.rec.TimeoutAt = g.now().Add(timeout)
	e.timer = time.AfterFunc(timeout, func() { g.expire(req.ToolUseID, e) })
	snap := e.rec
	g.mu.Unlock()

	g.log.Info().
		Str("sessionId", snap.SessionID).
		Str("toolUseId", snap.ToolUseID).
		Str("tool", snap.ToolName).
		Dur("timeout", timeout).
		Msg("approval requested")
	g.publish(hooks.ApprovalRequested, snap)
	return snap, nil
}

// expire is the timer callback. It only acts on a record still PENDING.
func (g *Gatekeeper) expire(toolUseID string, e *entry) {
	g.emitMu.Lock()
	defer g.emitMu.Unlock()

	g.mu.Lock()
	if g.entries[toolUseID] != e || e.rec.Status.Terminal() {
		g.mu.Unlock()
		return
	}
	g.resolveLocked(e, domain.ApprovalTimedOut, "")
	snap := e.rec
	g.mu.Unlock()

	g.log.Warn().
		Str("sessionId", snap.SessionID).
		Str("toolUseId", snap.ToolUseID).
		Str("tool", snap.ToolName).
		Msg("approval timed out")
	g.publish(hooks.ApprovalTimedOut, snap)
}

// resolveLocked performs the single terminal transition. Caller holds mu
// and has checked the record is PENDING.
func (g *Gatekeeper) resolveLocked(e *entry, status domain.ApprovalStatus, by string) {
	if e.timer != nil {
		e.timer.Stop()
		e.timer = nil
	}
	now := g.now()
	e.rec.Status = status
	e.rec.ApprovedBy = by
	e.rec.DecidedAt = &now
	close(e.done)
}

// ProcessDecision records a verdict. It returns false when the id is
// unknown, the record is already terminal, or the verdict is not
// APPROVED or REJECTED.
func (g *Gatekeeper) ProcessDecision(d Decision) bool {
	if d.Decision != domain.ApprovalApproved && d.Decision != domain.ApprovalRejected {
		g.log.Debug().Str("toolUseId", d.ToolUseID).Str("decision", string(d.Decision)).Msg("ignoring invalid decision")
		return false
	}

	g.emitMu.Lock()
	defer g.emitMu.Unlock()

	g.mu.Lock()
	e, ok := g.entries[d.ToolUseID]
	if !ok || e.rec.Status.Terminal() {
		g.mu.Unlock()
		g.log.Debug().Str("toolUseId", d.ToolUseID).Bool("known", ok).Msg("decision ignored")
		return false
	}
	g.resolveLocked(e, d.Decision, d.UserID)
	snap := e.rec
	g.mu.Unlock()

	g.log.Info().
		Str("sessionId", snap.SessionID).
		Str("toolUseId", snap.ToolUseID).
		Str("decision", string(snap.Status)).
		Str("by", snap.ApprovedBy).
		Msg("approval decided")
	g.publish(hooks.ApprovalDecided, snap)
	return true
}

// WaitForApproval blocks until the invocation is resolved. Unknown ids
// resolve to REJECTED at once. If ctx ends first the result is REJECTED
// together with the context's error.
func (g *Gatekeeper) WaitForApproval(ctx context.Context, toolUseID string) (domain.ApprovalStatus, error) {
	g.mu.Lock()
	e, ok := g.entries[toolUseID]
	if !ok {
		g.mu.Unlock()
		return domain.ApprovalRejected, nil
	}
	if e.rec.Status.Terminal() {
		st := e.rec.Status
		g.mu.Unlock()
		return st, nil
	}
	e.waiters++
	done := e.done
	g.mu.Unlock()

	defer func() {
		g.mu.Lock()
		e.waiters--
		g.mu.Unlock()
	}()

	select {
	case <-done:
		g.mu.Lock()
		st := e.rec.Status
		g.mu.Unlock()
		return st, nil
	case <-ctx.Done():
		return domain.ApprovalRejected, ctx.Err()
	}
}

// Get returns a copy of one record.
func (g *Gatekeeper) Get(toolUseID string) (domain.Approval, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	e, ok := g.entries[toolUseID]
	if !ok {
		return domain.Approval{}, false
	}
	return e.rec, true
}

// GetPendingApprovals returns the session's PENDING records in creation order.
func (g *Gatekeeper) GetPendingApprovals(sessionID string) []domain.Approval {
	g.mu.Lock()
	var pending []*entry
	for _, e := range g.entries {
		if e.rec.SessionID == sessionID && e.rec.Status == domain.ApprovalPending {
			pending = append(pending, e)
		}
	}
	sort.Slice(pending, func(i, j int) bool { return pending[i].seq < pending[j].seq })
	out := make([]domain.Approval, len(pending))
	for i, e := range pending {
		out[i] = e.rec
	}
	g.mu.Unlock()
	return out
}

// CancelSession rejects every PENDING record of a session and stops its
// timers. It returns how many records were rejected.
func (g *Gatekeeper) CancelSession(sessionID string) int {
	g.emitMu.Lock()
	defer g.emitMu.Unlock()

	g.mu.Lock()
	var snaps []domain.Approval
	for _, e := range g.entries {
		if e.rec.SessionID == sessionID && e.rec.Status == domain.ApprovalPending {
			g.resolveLocked(e, domain.ApprovalRejected, SessionClosedBy)
			snaps = append(snaps, e.rec)
		}
	}
	g.mu.Unlock()

	sort.Slice(snaps, func(i, j int) bool { return snaps[i].CreatedAt.Before(snaps[j].CreatedAt) })
	for _, snap := range snaps {
		g.publish(hooks.ApprovalDecided, snap)
	}
	if len(snaps) > 0 {
		g.log.Info().Str("sessionId", sessionID).Int("rejected", len(snaps)).Msg("session approvals cancelled")
	}
	return len(snaps)
}

// Prune forgets terminal records decided before cutoff that nobody is
// waiting on. It returns how many were removed.
func (g *Gatekeeper) Prune(cutoff time.Time) int {
	g.mu.Lock()
	defer g.mu.Unlock()

	n := 0
	for id, e := range g.entries {
		if e.rec.Status.Terminal() && e.waiters == 0 && e.rec.DecidedAt != nil && e.rec.DecidedAt.Before(cutoff) {
			delete(g.entries, id)
			n++
		}
	}
	if n > 0 {
		g.log.Debug().Int("pruned", n).Msg("pruned decided approvals")
	}
	return n
}

// Len returns the number of tracked records.
func (g *Gatekeeper) Len() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.entries)
}

// Cleanup stops every timer and rejects whatever is still pending so no
// waiter is left blocked. No events are emitted. Later requests fail with
// ErrClosed.
func (g *Gatekeeper) Cleanup() {
	g.mu.Lock()
	if g.closed {
		g.mu.Unlock()
		return
	}
	g.closed = true
	var snaps []domain.Approval
	for _, e := range g.entries {
		if e.rec.Status == domain.ApprovalPending {
			g.resolveLocked(e, domain.ApprovalRejected, ShutdownBy)
			snaps = append(snaps, e.rec)
		}
	}
	g.mu.Unlock()

	for _, snap := range snaps {
		g.record(snap)
	}
	g.log.Debug().Int("rejected", len(snaps)).Msg("approval gatekeeper cleaned up")
}

func (g *Gatekeeper) publish(typ hooks.EventType, a domain.Approval) {
	g.record(a)
	if g.bus != nil {
		g.bus.Emit(context.Background(), hooks.ApprovalEvent(typ, a))
	}
}

func (g *Gatekeeper) record(a domain.Approval) {
	if g.rec == nil {
		return
	}
	if err := g.rec.RecordApproval(context.Background(), a); err != nil {
		g.log.Warn().Err(err).Str("toolUseId", a.ToolUseID).Msg("failed to record approval")
	}
}
