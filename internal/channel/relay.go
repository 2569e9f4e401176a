package channel

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/soyeahso/turnstile/internal/approval"
	"github.com/soyeahso/turnstile/internal/domain"
	"github.com/soyeahso/turnstile/internal/hooks"
	"github.com/soyeahso/turnstile/internal/logging"
)

// maxInputPreview bounds how much tool input a prompt shows.
const maxInputPreview = 300

// Decider applies chat verdicts. *approval.Gatekeeper satisfies it.
type Decider interface {
	ProcessDecision(d approval.Decision) bool
	Get(toolUseID string) (domain.Approval, bool)
}

// ApprovalRelay posts approval prompts to every registered channel and
// turns "approve <id>" / "reject <id>" replies into decisions.
type ApprovalRelay struct {
	channels *Registry
	decider  Decider
	log      *logging.Logger
}

// NewApprovalRelay creates a relay. Call Attach to start relaying.
func NewApprovalRelay(channels *Registry, decider Decider, log *logging.Logger) *ApprovalRelay {
	return &ApprovalRelay{
		channels: channels,
		decider:  decider,
		log:      log.Sub("relay"),
	}
}

// Attach subscribes to approval events and takes over inbound chat
// messages. The returned func detaches the bus subscriptions.
func (r *ApprovalRelay) Attach(bus *hooks.Bus) (detach func()) {
	r.channels.OnMessage(r.HandleMessage)
	unsubs := make([]func(), 0, len(hooks.ApprovalEvents))
	for _, typ := range hooks.ApprovalEvents {
		unsubs = append(unsubs, bus.Subscribe(typ, "relay", r.onApproval))
	}
	return func() {
		for _, u := range unsubs {
			u()
		}
	}
}

func (r *ApprovalRelay) onApproval(ctx context.Context, e hooks.Event) error {
	if e.Approval == nil {
		return nil
	}
	var body string
	switch e.Type {
	case hooks.ApprovalRequested:
		body = FormatPrompt(*e.Approval)
	case hooks.ApprovalDecided, hooks.ApprovalTimedOut:
		body = FormatOutcome(*e.Approval)
	default:
		return nil
	}
	if err := r.channels.Broadcast(ctx, domain.ChatReply{Body: body}); err != nil {
		return fmt.Errorf("relaying %s for %s: %w", e.Type, e.ToolUseID, err)
	}
	return nil
}

// HandleMessage applies a verdict carried by an inbound chat line. Lines
// that are not verdicts are ignored.
func (r *ApprovalRelay) HandleMessage(msg domain.ChatMessage) {
	verdict, id, ok := ParseCommand(msg.Body)
	if !ok {
		return
	}

	by := msg.ChannelID + ":" + msg.From
	applied := r.decider.ProcessDecision(approval.Decision{
		ToolUseID: id,
		Decision:  verdict,
		UserID:    by,
	})
	r.log.Info().
		Str("channel", msg.ChannelID).
		Str("from", msg.From).
		Str("toolUseId", id).
		Str("decision", string(verdict)).
		Bool("applied", applied).
		Msg("chat verdict")
	if applied {
		// the decided event announces it
		return
	}

	reply := "no approval " + id
	if rec, found := r.decider.Get(id); found {
		reply = fmt.Sprintf("%s is already %s", id, strings.ToLower(string(rec.Status)))
	}
	ch, found := r.channels.Get(msg.ChannelID)
	if !found {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := ch.Send(ctx, domain.ChatReply{To: msg.ChatID, Body: reply}); err != nil {
		r.log.Warn().Err(err).Str("channel", msg.ChannelID).Msg("failed to answer verdict")
	}
}

// ParseCommand reads "approve <id>" or "reject <id>" ("allow" and "deny"
// also work), optionally addressed as "nick: approve <id>". Unlike the
// RPC verdicts, "yes" and "no" are not commands here.
func ParseCommand(body string) (domain.ApprovalStatus, string, bool) {
	fields := strings.Fields(body)
	if len(fields) == 3 && strings.ContainsAny(fields[0][len(fields[0])-1:], ":,") {
		fields = fields[1:]
	}
	if len(fields) != 2 {
		return "", "", false
	}
	switch strings.ToLower(fields[0]) {
	case "approve", "allow":
		return domain.ApprovalApproved, fields[1], true
	case "reject", "deny":
		return domain.ApprovalRejected, fields[1], true
	}
	return "", "", false
}

// FormatPrompt renders an approval request for chat.
func FormatPrompt(a domain.Approval) string {
	var b strings.Builder
	fmt.Fprintf(&b, "approval needed: %s in session %s (id %s)", a.ToolName, a.SessionID, a.ToolUseID)
	if preview := inputPreview(a.ToolInput); preview != "" {
		b.WriteString("\ninput: ")
		b.WriteString(preview)
	}
	fmt.Fprintf(&b, "\nreply \"approve %s\" or \"reject %s\"", a.ToolUseID, a.ToolUseID)
	if !a.TimeoutAt.IsZero() {
		fmt.Fprintf(&b, " before %s UTC", a.TimeoutAt.UTC().Format(time.TimeOnly))
	}
	return b.String()
}

// FormatOutcome renders a resolved approval for chat.
func FormatOutcome(a domain.Approval) string {
	switch a.Status {
	case domain.ApprovalTimedOut:
		return fmt.Sprintf("%s (%s) timed out and was rejected", a.ToolUseID, a.ToolName)
	case domain.ApprovalApproved:
		return fmt.Sprintf("%s (%s) approved by %s", a.ToolUseID, a.ToolName, a.ApprovedBy)
	default:
		return fmt.Sprintf("%s (%s) rejected by %s", a.ToolUseID, a.ToolName, a.ApprovedBy)
	}
}

func inputPreview(input []byte) string {
	s := strings.Join(strings.Fields(string(input)), " ")
	if s == "" || s == "null" || s == "{}" {
		return ""
	}
	if len(s) > maxInputPreview {
		s = strings.ToValidUTF8(s[:maxInputPreview], "") + "..."
	}
	return s
}
