package gateway

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/soyeahso/turnstile/internal/approval"
	"github.com/soyeahso/turnstile/internal/session"
)

// HealthResponse is returned by health endpoints. The public HTTP endpoint
// only populates Status; the authenticated RPC fills in the rest.
type HealthResponse struct {
	Status           string `json:"status"`
	Version          string `json:"version,omitempty"`
	Clients          int    `json:"clients,omitempty"`
	Sessions         int    `json:"sessions,omitempty"`
	PendingApprovals int    `json:"pendingApprovals,omitempty"`
	Processed        int64  `json:"processed,omitempty"`
	Dropped          int64  `json:"dropped,omitempty"`
	UptimeMs         int64  `json:"uptimeMs,omitempty"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(HealthResponse{Status: "ok"})
}

func handleNotFound(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusNotFound)
	json.NewEncoder(w).Encode(map[string]string{
		"error": "not found",
		"path":  r.URL.Path,
	})
}

// RequestHandler processes one RPC request.
type RequestHandler func(rc *RequestContext)

// RequestContext carries everything a handler needs.
type RequestContext struct {
	Client *Client
	Frame  Frame
	Server *Server
}

// Respond sends a success response.
func (rc *RequestContext) Respond(payload any) {
	if err := rc.Client.Respond(rc.Frame.ID, payload); err != nil {
		rc.Server.log.Warn().Err(err).Str("method", rc.Frame.Method).Msg("failed to send response")
	}
}

// RespondError sends an error response with an explicit code.
func (rc *RequestContext) RespondError(code, message string) {
	rc.RespondShape(ErrorShape{Code: code, Message: message})
}

// RespondShape sends a prepared error response.
func (rc *RequestContext) RespondShape(shape ErrorShape) {
	if err := rc.Client.RespondError(rc.Frame.ID, shape); err != nil {
		rc.Server.log.Warn().Err(err).Str("method", rc.Frame.Method).Msg("failed to send error response")
	}
}

// Fail maps a package error to its wire code and responds with it.
func (rc *RequestContext) Fail(err error) {
	shape := errorShape(err)
	if shape.Code == CodeInternal {
		rc.Server.log.Error().Err(err).Str("method", rc.Frame.Method).Msg("rpc failed")
	}
	rc.RespondShape(shape)
}

// Params decodes the request params into target. Absent params leave
// target untouched.
func (rc *RequestContext) Params(target any) error {
	if len(rc.Frame.Params) == 0 || string(rc.Frame.Params) == "null" {
		return nil
	}
	return json.Unmarshal(rc.Frame.Params, target)
}

// lanePressureBackoffMs is the retry hint sent with busy errors.
const lanePressureBackoffMs = 250

func errorShape(err error) ErrorShape {
	shape := ErrorShape{Code: CodeInternal, Message: err.Error()}
	switch {
	case errors.Is(err, session.ErrUnknownSession), errors.Is(err, session.ErrUnknownResponse):
		shape.Code = CodeNotFound
	case errors.Is(err, session.ErrDropped):
		shape.Code = CodeDropped
	case errors.Is(err, session.ErrLaneFull):
		shape.Code = CodeBusy
		shape.Retryable = true
		shape.RetryAfter = lanePressureBackoffMs
	case errors.Is(err, session.ErrStopped), errors.Is(err, approval.ErrClosed):
		shape.Code = CodeUnavailable
	case errors.Is(err, approval.ErrMissingToolUseID):
		shape.Code = CodeInvalidParams
	}
	return shape
}
