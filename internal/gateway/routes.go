package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/soyeahso/turnstile/internal/approval"
	"github.com/soyeahso/turnstile/internal/config"
	"github.com/soyeahso/turnstile/internal/domain"
	"github.com/soyeahso/turnstile/internal/session"
)

// safeConfigPrefixes lists config paths readable and writable over RPC.
// Everything else is denied.
var safeConfigPrefixes = []string{
	"gateway.port",
	"gateway.bind",
	"gateway.customBindHost",
	"gateway.allowedOrigins",
	"logging",
	"approval",
	"timeline",
	"session",
}

func isAllowedConfigPath(key string) bool {
	for _, prefix := range safeConfigPrefixes {
		if key == prefix || strings.HasPrefix(key, prefix+".") {
			return true
		}
	}
	return false
}

// maxWait caps how long approval.wait may block one request.
const maxWait = time.Hour

func (s *Server) registerHTTPRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /ws", s.handleWebSocket)
	mux.HandleFunc("/", handleNotFound)
}

func (s *Server) registerRPCHandlers() {
	s.Handle("health", s.rpcHealth)
	s.Handle("config.get", s.rpcConfigGet)
	s.Handle("config.set", s.rpcConfigSet)
	s.Handle("channels.status", s.rpcChannelsStatus)

	s.Handle("events.push", s.rpcEventsPush)
	s.Handle("session.list", s.rpcSessionList)
	s.Handle("session.messages", s.rpcSessionMessages)
	s.Handle("session.responses", s.rpcSessionResponses)
	s.Handle("session.visible", s.rpcSessionVisible)
	s.Handle("session.isFinal", s.rpcSessionIsFinal)
	s.Handle("session.interactions", s.rpcSessionInteractions)
	s.Handle("session.close", s.rpcSessionClose)

	s.Handle("approval.request", s.rpcApprovalRequest)
	s.Handle("approval.pending", s.rpcApprovalPending)
	s.Handle("approval.get", s.rpcApprovalGet)
	s.Handle("approval.decide", s.rpcApprovalDecide)
	s.HandleAsync("approval.wait", s.rpcApprovalWait)
}

func (s *Server) rpcHealth(rc *RequestContext) {
	h := HealthResponse{
		Status:  "ok",
		Version: s.version,
		Clients: s.clients.Count(),
	}
	if !s.startedAt.IsZero() {
		h.UptimeMs = time.Since(s.startedAt).Milliseconds()
	}
	if s.sessions != nil {
		infos := s.sessions.Sessions()
		h.Sessions = len(infos)
		for _, info := range infos {
			h.PendingApprovals += info.Pending
		}
		h.Processed, h.Dropped = s.sessions.Counters()
	}
	rc.Respond(h)
}

// --- config ---

type configGetParams struct {
	Key string `json:"key"`
}

type configSetParams struct {
	Key   string `json:"key"`
	Value any    `json:"value"`
}

func (s *Server) configPath(rc *RequestContext, key string) ([]string, bool) {
	if key == "" {
		rc.RespondError(CodeInvalidParams, "key is required")
		return nil, false
	}
	if !isAllowedConfigPath(key) {
		rc.RespondError(CodeForbidden, "access denied for config path: "+key)
		return nil, false
	}
	path, err := config.ParseConfigPath(key)
	if err != nil {
		rc.RespondError(CodeInvalidParams, err.Error())
		return nil, false
	}
	return path, true
}

func (s *Server) rpcConfigGet(rc *RequestContext) {
	var p configGetParams
	if err := rc.Params(&p); err != nil {
		rc.RespondError(CodeInvalidParams, err.Error())
		return
	}
	path, ok := s.configPath(rc, p.Key)
	if !ok {
		return
	}

	val, found := config.GetValueAtPath(s.configView(), path)
	if !found {
		rc.RespondError(CodeNotFound, "key not found: "+p.Key)
		return
	}
	rc.Respond(map[string]any{"key": p.Key, "value": val})
}

// rpcConfigSet writes approval settings through to the gatekeeper, where
// they take effect at once. Other keys only update the in-memory document.
func (s *Server) rpcConfigSet(rc *RequestContext) {
	var p configSetParams
	if err := rc.Params(&p); err != nil {
		rc.RespondError(CodeInvalidParams, err.Error())
		return
	}
	path, ok := s.configPath(rc, p.Key)
	if !ok {
		return
	}

	if path[0] == "approval" {
		if s.gatekeeper == nil {
			rc.RespondError(CodeUnavailable, "approval gating is not configured")
			return
		}
		patch, err := approvalPatch(path[1:], p.Value)
		if err != nil {
			rc.RespondError(CodeInvalidParams, err.Error())
			return
		}
		if err := s.gatekeeper.UpdateConfig(patch); err != nil {
			rc.RespondError(CodeInvalidParams, err.Error())
			return
		}
		val, _ := config.GetValueAtPath(s.configView(), path)
		rc.Respond(map[string]any{"key": p.Key, "value": val})
		return
	}

	s.mu.Lock()
	config.SetValueAtPath(s.configRaw, path, p.Value)
	s.mu.Unlock()
	rc.Respond(map[string]any{"key": p.Key, "value": p.Value})
}

// configView is the raw config document with the live approval settings
// laid over it.
func (s *Server) configView() map[string]any {
	s.mu.RLock()
	view := make(map[string]any, len(s.configRaw)+1)
	for k, v := range s.configRaw {
		view[k] = v
	}
	s.mu.RUnlock()

	if s.gatekeeper != nil {
		c := s.gatekeeper.Config()
		rules := c.RequiredTools
		if rules == nil {
			rules = []config.ToolRule{}
		}
		view["approval"] = map[string]any{
			"enabled":               c.Enabled,
			"defaultTimeoutMinutes": c.DefaultTimeoutMinutes,
			"requiredTools":         rules,
		}
	}
	return view
}

// approvalPatch turns a config.set on approval[.field] into a patch. The
// value is round-tripped through JSON so the usual decoders apply.
func approvalPatch(field []string, value any) (approval.ConfigPatch, error) {
	var patch approval.ConfigPatch
	raw, err := json.Marshal(value)
	if err != nil {
		return patch, err
	}

	if len(field) == 0 {
		err = json.Unmarshal(raw, &patch)
	} else if len(field) > 1 {
		err = fmt.Errorf("unknown approval setting %q", strings.Join(field, "."))
	} else {
		switch field[0] {
		case "enabled":
			err = json.Unmarshal(raw, &patch.Enabled)
		case "defaultTimeoutMinutes":
			err = json.Unmarshal(raw, &patch.DefaultTimeoutMinutes)
		case "requiredTools":
			err = json.Unmarshal(raw, &patch.RequiredTools)
		default:
			err = fmt.Errorf("unknown approval setting %q", field[0])
		}
	}
	if err != nil {
		return patch, err
	}
	if patch.DefaultTimeoutMinutes != nil && *patch.DefaultTimeoutMinutes <= 0 {
		return patch, errors.New("defaultTimeoutMinutes must be positive")
	}
	return patch, nil
}

func (s *Server) rpcChannelsStatus(rc *RequestContext) {
	if s.channels != nil {
		rc.Respond(map[string]any{"channels": s.channels.Status()})
		return
	}
	rc.Respond(map[string]any{"channels": []any{}})
}

// --- sessions ---

type sessionParams struct {
	SessionID string `json:"sessionId"`
	MessageID string `json:"messageId,omitempty"`
	Response  *int   `json:"response,omitempty"`
}

// sessionRequest decodes session params and waits for frames already
// pushed to that session to be applied, so a client reads its own writes.
func (s *Server) sessionRequest(rc *RequestContext) (sessionParams, context.Context, bool) {
	var p sessionParams
	if s.sessions == nil {
		rc.RespondError(CodeUnavailable, "session processing is not configured")
		return p, nil, false
	}
	if err := rc.Params(&p); err != nil {
		rc.RespondError(CodeInvalidParams, err.Error())
		return p, nil, false
	}
	if p.SessionID == "" {
		rc.RespondError(CodeInvalidParams, "sessionId is required")
		return p, nil, false
	}
	ctx := rc.Client.Context()
	if err := s.sessions.Flush(ctx, p.SessionID); err != nil && !errors.Is(err, session.ErrUnknownSession) {
		rc.Fail(err)
		return p, nil, false
	}
	return p, ctx, true
}

// rpcEventsPush takes a raw agent wire frame as its params. Frames pushed
// on one connection are queued in the order they were sent.
func (s *Server) rpcEventsPush(rc *RequestContext) {
	if s.sessions == nil {
		rc.RespondError(CodeUnavailable, "session processing is not configured")
		return
	}
	if len(rc.Frame.Params) == 0 || string(rc.Frame.Params) == "null" {
		rc.RespondError(CodeInvalidParams, "params must carry the wire frame")
		return
	}
	ev, err := s.sessions.Submit(rc.Client.Context(), rc.Frame.Params)
	if err != nil {
		rc.Fail(err)
		return
	}
	rc.Respond(map[string]any{
		"eventId":   ev.EventID,
		"sessionId": ev.SessionID,
		"kind":      ev.Kind,
		"seq":       ev.Seq,
	})
}

func (s *Server) rpcSessionList(rc *RequestContext) {
	if s.sessions == nil {
		rc.Respond(map[string]any{"sessions": []any{}})
		return
	}
	rc.Respond(map[string]any{"sessions": s.sessions.Sessions()})
}

func (s *Server) rpcSessionMessages(rc *RequestContext) {
	p, ctx, ok := s.sessionRequest(rc)
	if !ok {
		return
	}
	msgs, err := s.sessions.Messages(ctx, p.SessionID)
	if err != nil {
		rc.Fail(err)
		return
	}
	rc.Respond(map[string]any{"sessionId": p.SessionID, "messages": msgs})
}

func (s *Server) rpcSessionResponses(rc *RequestContext) {
	p, ctx, ok := s.sessionRequest(rc)
	if !ok {
		return
	}
	responses, err := s.sessions.Responses(ctx, p.SessionID)
	if err != nil {
		rc.Fail(err)
		return
	}
	rc.Respond(map[string]any{"sessionId": p.SessionID, "responses": responses})
}

func (s *Server) rpcSessionVisible(rc *RequestContext) {
	p, ctx, ok := s.sessionRequest(rc)
	if !ok {
		return
	}
	msgs, err := s.sessions.Visible(ctx, p.SessionID)
	if err != nil {
		rc.Fail(err)
		return
	}
	rc.Respond(map[string]any{"sessionId": p.SessionID, "messages": msgs})
}

func (s *Server) rpcSessionIsFinal(rc *RequestContext) {
	p, ctx, ok := s.sessionRequest(rc)
	if !ok {
		return
	}
	if p.MessageID == "" {
		rc.RespondError(CodeInvalidParams, "messageId is required")
		return
	}
	final, err := s.sessions.IsFinal(ctx, p.SessionID, p.MessageID)
	if err != nil {
		rc.Fail(err)
		return
	}
	rc.Respond(map[string]any{"sessionId": p.SessionID, "messageId": p.MessageID, "final": final})
}

func (s *Server) rpcSessionInteractions(rc *RequestContext) {
	p, ctx, ok := s.sessionRequest(rc)
	if !ok {
		return
	}
	response := -1
	if p.Response != nil {
		response = *p.Response
	}
	res, err := s.sessions.Interactions(ctx, p.SessionID, response)
	if err != nil {
		rc.Fail(err)
		return
	}
	rc.Respond(res)
}

func (s *Server) rpcSessionClose(rc *RequestContext) {
	p, _, ok := s.sessionRequest(rc)
	if !ok {
		return
	}
	if err := s.sessions.CloseSession(p.SessionID); err != nil {
		rc.Fail(err)
		return
	}
	rc.Respond(map[string]any{"sessionId": p.SessionID, "closed": true})
}

// --- approvals ---

type approvalParams struct {
	ToolUseID      string          `json:"toolUseId"`
	SessionID      string          `json:"sessionId,omitempty"`
	JobID          string          `json:"jobId,omitempty"`
	ToolName       string          `json:"toolName,omitempty"`
	ToolInput      json.RawMessage `json:"toolInput,omitempty"`
	TimeoutMinutes float64         `json:"timeoutMinutes,omitempty"`
	Decision       string          `json:"decision,omitempty"`
	UserID         string          `json:"userId,omitempty"`
	TimeoutMs      int64           `json:"timeoutMs,omitempty"`
}

func (s *Server) approvalRequest(rc *RequestContext, needID bool) (approvalParams, bool) {
	var p approvalParams
	if s.gatekeeper == nil {
		rc.RespondError(CodeUnavailable, "approval gating is not configured")
		return p, false
	}
	if err := rc.Params(&p); err != nil {
		rc.RespondError(CodeInvalidParams, err.Error())
		return p, false
	}
	if needID && p.ToolUseID == "" {
		rc.RespondError(CodeInvalidParams, "toolUseId is required")
		return p, false
	}
	return p, true
}

// rpcApprovalRequest lets a transport gate an invocation it executes
// itself. The rule list is not consulted; requiresApproval in the reply
// tells the caller what the policy says.
func (s *Server) rpcApprovalRequest(rc *RequestContext) {
	p, ok := s.approvalRequest(rc, true)
	if !ok {
		return
	}
	if p.SessionID == "" || p.ToolName == "" {
		rc.RespondError(CodeInvalidParams, "sessionId and toolName are required")
		return
	}
	rec, err := s.gatekeeper.RequestApproval(approval.Request{
		ToolUseID: p.ToolUseID,
		SessionID: p.SessionID,
		JobID:     p.JobID,
		ToolName:  p.ToolName,
		ToolInput: p.ToolInput,
	}, approval.Minutes(p.TimeoutMinutes))
	if err != nil {
		rc.Fail(err)
		return
	}
	rc.Respond(map[string]any{
		"approval":         rec,
		"requiresApproval": s.gatekeeper.RequiresApproval(p.ToolName),
	})
}

func (s *Server) rpcApprovalPending(rc *RequestContext) {
	p, ok := s.approvalRequest(rc, false)
	if !ok {
		return
	}
	if p.SessionID == "" {
		rc.RespondError(CodeInvalidParams, "sessionId is required")
		return
	}
	pending := s.gatekeeper.GetPendingApprovals(p.SessionID)
	if pending == nil {
		pending = []domain.Approval{}
	}
	rc.Respond(map[string]any{"sessionId": p.SessionID, "approvals": pending})
}

func (s *Server) rpcApprovalGet(rc *RequestContext) {
	p, ok := s.approvalRequest(rc, true)
	if !ok {
		return
	}
	rec, found := s.gatekeeper.Get(p.ToolUseID)
	if !found {
		rc.RespondError(CodeNotFound, "no approval for tool use "+p.ToolUseID)
		return
	}
	rc.Respond(rec)
}

// rpcApprovalDecide applies a verdict. The decider defaults to the
// connected client's name.
func (s *Server) rpcApprovalDecide(rc *RequestContext) {
	p, ok := s.approvalRequest(rc, true)
	if !ok {
		return
	}
	verdict, valid := approval.ParseVerdict(p.Decision)
	if !valid {
		rc.RespondError(CodeInvalidParams, "decision must be approve or reject")
		return
	}
	by := p.UserID
	if by == "" {
		by = rc.Client.Name()
	}
	applied := s.gatekeeper.ProcessDecision(approval.Decision{
		ToolUseID: p.ToolUseID,
		Decision:  verdict,
		UserID:    by,
	})
	resp := map[string]any{"toolUseId": p.ToolUseID, "applied": applied}
	if rec, found := s.gatekeeper.Get(p.ToolUseID); found {
		resp["status"] = rec.Status
	}
	rc.Respond(resp)
}

// rpcApprovalWait blocks until the invocation resolves, the optional
// timeoutMs passes, or the client disconnects. Anything but a decision
// reads as REJECTED with interrupted set.
func (s *Server) rpcApprovalWait(rc *RequestContext) {
	p, ok := s.approvalRequest(rc, true)
	if !ok {
		return
	}
	wait := maxWait
	if p.TimeoutMs > 0 && time.Duration(p.TimeoutMs)*time.Millisecond < wait {
		wait = time.Duration(p.TimeoutMs) * time.Millisecond
	}
	ctx, cancel := context.WithTimeout(rc.Client.Context(), wait)
	defer cancel()

	status, err := s.gatekeeper.WaitForApproval(ctx, p.ToolUseID)
	rc.Respond(map[string]any{
		"toolUseId":   p.ToolUseID,
		"status":      status,
		"interrupted": err != nil,
	})
}
