package gateway

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	qrcode "github.com/skip2/go-qrcode"

	"github.com/cargoops/courier/internal/ratelimit"
	"github.com/cargoops/courier/internal/session"
	"github.com/cargoops/courier/internal/syncq"
)

func (s *Server) registerRoutes(mux *http.ServeMux) {
	mux.HandleFunc("POST /api/v1/tenants/{tenant}/channel/connect", s.handleConnect)
	mux.HandleFunc("POST /api/v1/tenants/{tenant}/channel/disconnect", s.handleDisconnect)
	mux.HandleFunc("POST /api/v1/tenants/{tenant}/channel/send", s.handleSend)
	mux.HandleFunc("GET /api/v1/tenants/{tenant}/channel/status", s.handleStatus)
	mux.HandleFunc("GET /api/v1/tenants/{tenant}/channel/qr", s.handleQR)
	mux.HandleFunc("POST /api/v1/tenants/{tenant}/rate/check", s.handleRateCheck)
	mux.HandleFunc("POST /api/v1/tenants/{tenant}/mutations", s.handleEnqueueMutation)
	mux.HandleFunc("POST /api/v1/tenants/{tenant}/mutations/drain", s.handleDrain)
}

func (s *Server) handleConnect(w http.ResponseWriter, r *http.Request) {
	tenantID := r.PathValue("tenant")

	result, err := s.sessions.Connect(r.Context(), tenantID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleDisconnect(w http.ResponseWriter, r *http.Request) {
	tenantID := r.PathValue("tenant")

	var req struct {
		SessionID string `json:"sessionId"`
	}
	// An empty body means "disconnect whatever is active".
	_ = json.NewDecoder(r.Body).Decode(&req)

	if err := s.sessions.Disconnect(r.Context(), tenantID, req.SessionID); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "disconnected"})
}

func (s *Server) handleSend(w http.ResponseWriter, r *http.Request) {
	tenantID := r.PathValue("tenant")

	var req struct {
		Destination string `json:"destination"`
		Text        string `json:"text"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeBadRequest(w, "invalid JSON body")
		return
	}
	if req.Destination == "" || req.Text == "" {
		s.writeBadRequest(w, "destination and text are required")
		return
	}

	ctx := r.Context()
	if s.governor != nil {
		subj := ratelimit.Subject{Destination: req.Destination}
		for _, lt := range []ratelimit.LimitType{
			ratelimit.LimitDaily, ratelimit.LimitPerMinute, ratelimit.LimitCooldown,
		} {
			d := s.governor.Check(ctx, tenantID, lt, subj)
			s.recordDecision(lt, d)
			if !d.Allowed {
				s.writeError(w, d.Err(lt))
				return
			}
		}
	}

	if err := s.sessions.Send(ctx, tenantID, req.Destination, req.Text); err != nil {
		s.writeError(w, err)
		return
	}

	if s.governor != nil {
		subj := ratelimit.Subject{Destination: req.Destination}
		s.governor.Increment(ctx, tenantID, ratelimit.LimitDaily, subj)
		s.governor.Increment(ctx, tenantID, ratelimit.LimitPerMinute, subj)
		s.governor.Increment(ctx, tenantID, ratelimit.LimitCooldown, subj)
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "sent"})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	tenantID := r.PathValue("tenant")

	status, err := s.sessions.GetStatus(r.Context(), tenantID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, status)
}

// handleQR renders the pending pairing code as a PNG for scanning.
func (s *Server) handleQR(w http.ResponseWriter, r *http.Request) {
	tenantID := r.PathValue("tenant")

	status, err := s.sessions.GetStatus(r.Context(), tenantID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if status.PairingCode == "" {
		s.writeErrorCode(w, http.StatusNotFound, "no_pending_pairing", "no pairing code pending for tenant")
		return
	}

	png, err := qrcode.Encode(status.PairingCode, qrcode.Medium, 256)
	if err != nil {
		s.writeError(w, err)
		return
	}
	w.Header().Set("Content-Type", "image/png")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(png)
}

func (s *Server) handleRateCheck(w http.ResponseWriter, r *http.Request) {
	tenantID := r.PathValue("tenant")

	var req struct {
		LimitType   ratelimit.LimitType `json:"limitType"`
		UserID      string              `json:"userId"`
		Destination string              `json:"destination"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeBadRequest(w, "invalid JSON body")
		return
	}
	switch req.LimitType {
	case ratelimit.LimitDaily, ratelimit.LimitPerMinute, ratelimit.LimitCooldown,
		ratelimit.LimitAIPerMinute, ratelimit.LimitAIDaily:
	default:
		s.writeBadRequest(w, "unknown limit type")
		return
	}
	if s.governor == nil {
		s.writeErrorCode(w, http.StatusServiceUnavailable, "governor_unavailable", "rate governor is not configured")
		return
	}

	d := s.governor.Check(r.Context(), tenantID, req.LimitType, ratelimit.Subject{
		UserID:      req.UserID,
		Destination: req.Destination,
	})
	s.recordDecision(req.LimitType, d)
	s.writeJSON(w, http.StatusOK, d)
}

func (s *Server) handleEnqueueMutation(w http.ResponseWriter, r *http.Request) {
	tenantID := r.PathValue("tenant")

	var m syncq.PendingMutation
	if err := json.NewDecoder(r.Body).Decode(&m); err != nil {
		s.writeBadRequest(w, "invalid JSON body")
		return
	}
	m.TenantID = tenantID

	if err := s.sync.Enqueue(r.Context(), &m); err != nil {
		s.writeBadRequest(w, err.Error())
		return
	}
	s.writeJSON(w, http.StatusAccepted, map[string]string{"id": m.ID, "status": string(m.Status)})
}

func (s *Server) handleDrain(w http.ResponseWriter, r *http.Request) {
	tenantID := r.PathValue("tenant")

	report, err := s.sync.Drain(r.Context(), tenantID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if s.metrics != nil {
		s.metrics.SyncMutations.WithLabelValues("synced").Add(float64(report.Synced))
		s.metrics.SyncMutations.WithLabelValues("failed").Add(float64(report.Failed))
		s.metrics.SyncMutations.WithLabelValues("conflict").Add(float64(report.Conflicts))
	}
	s.writeJSON(w, http.StatusOK, report)
}

// apiError is the JSON error envelope. Codes are stable strings clients can
// switch on.
type apiError struct {
	Code              string `json:"code"`
	Message           string `json:"message"`
	RetryAfterSeconds int    `json:"retryAfterSeconds,omitempty"`
	RemainingHours    int    `json:"remainingHours,omitempty"`
}

// writeError maps domain errors onto HTTP statuses and stable error codes.
func (s *Server) writeError(w http.ResponseWriter, err error) {
	var (
		exists    *session.ActiveSessionExistsError
		cooldown  *session.CooldownActiveError
		timeout   *session.HandshakeTimeoutError
		noSession *session.NoActiveSessionError
		limited   *ratelimit.RateLimitExceededError
		external  *session.ExternalServiceError
	)
	switch {
	case errors.As(err, &exists):
		s.writeJSON(w, http.StatusConflict, apiError{
			Code:    "active_session_exists",
			Message: err.Error(),
		})
	case errors.As(err, &cooldown):
		s.writeJSON(w, http.StatusTooManyRequests, apiError{
			Code:           "cooldown_active",
			Message:        err.Error(),
			RemainingHours: cooldown.RemainingHours(),
		})
	case errors.As(err, &limited):
		w.Header().Set("Retry-After", strconv.Itoa(limited.RetryAfterSeconds))
		s.writeJSON(w, http.StatusTooManyRequests, apiError{
			Code:              "rate_limit_exceeded",
			Message:           err.Error(),
			RetryAfterSeconds: limited.RetryAfterSeconds,
		})
	case errors.As(err, &noSession):
		s.writeJSON(w, http.StatusPreconditionFailed, apiError{
			Code:    "no_active_session",
			Message: err.Error(),
		})
	case errors.As(err, &timeout):
		s.writeJSON(w, http.StatusGatewayTimeout, apiError{
			Code:    "handshake_timeout",
			Message: err.Error(),
		})
	case errors.As(err, &external):
		s.writeJSON(w, http.StatusBadGateway, apiError{
			Code:    "external_service_error",
			Message: err.Error(),
		})
	default:
		s.logger.Error("request failed", "error", err)
		s.writeJSON(w, http.StatusInternalServerError, apiError{
			Code:    "internal_error",
			Message: "internal error",
		})
	}
}

func (s *Server) writeBadRequest(w http.ResponseWriter, msg string) {
	s.writeErrorCode(w, http.StatusBadRequest, "bad_request", msg)
}

func (s *Server) writeErrorCode(w http.ResponseWriter, status int, code, msg string) {
	s.writeJSON(w, status, apiError{Code: code, Message: msg})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("failed to encode response", "error", err)
	}
}

func (s *Server) recordDecision(lt ratelimit.LimitType, d ratelimit.Decision) {
	if s.metrics == nil {
		return
	}
	decision := "allowed"
	if !d.Allowed {
		decision = "denied"
	}
	s.metrics.RateLimitDecisions.WithLabelValues(string(lt), decision).Inc()
}
