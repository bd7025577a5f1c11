package api

import (
	"net/http"

	"github.com/google/uuid"
	"github.com/gorilla/mux"

	"github.com/pathmark/backend/internal/apperr"
	"github.com/pathmark/backend/internal/auth"
	"github.com/pathmark/backend/internal/database"
	"github.com/pathmark/backend/internal/devices"
	"github.com/pathmark/backend/internal/enrollment"
	"github.com/pathmark/backend/internal/limits"
	"github.com/pathmark/backend/internal/locations"
	"github.com/pathmark/backend/internal/orgs"
	"github.com/pathmark/backend/internal/webhooks"
)

// handleEnroll runs the enrollment exchange.
func (s *Server) handleEnroll(w http.ResponseWriter, r *http.Request) {
	var req enrollment.Request
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, err)
		return
	}

	resp, err := s.enrollment.Enroll(r.Context(), &req)
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusCreated, resp)
}

// handleLocationUpload ingests one location point for the calling
// device. The device identity comes from the token, never the body.
func (s *Server) handleLocationUpload(w http.ResponseWriter, r *http.Request) {
	p := auth.PrincipalFrom(r.Context())

	var point locations.Point
	if err := decodeJSON(r, &point); err != nil {
		respondError(w, err)
		return
	}
	point.DeviceID = p.DeviceID

	n, err := s.locations.Insert(r.Context(), &point)
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"success":         true,
		"processed_count": n,
	})
}

// handleLocationBatch ingests up to 50 points in one transaction.
func (s *Server) handleLocationBatch(w http.ResponseWriter, r *http.Request) {
	p := auth.PrincipalFrom(r.Context())

	var req struct {
		DeviceID  int64             `json:"device_id"`
		Locations []locations.Point `json:"locations"`
	}
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, err)
		return
	}
	if req.DeviceID != 0 && req.DeviceID != p.DeviceID {
		respondError(w, apperr.Forbidden("device_id does not match the authenticated device"))
		return
	}

	n, err := s.locations.InsertBatch(r.Context(), p.DeviceID, req.Locations)
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"success":         true,
		"processed_count": n,
	})
}

// handlePublicConfig exposes the feature flags and enabled auth modes
// so clients can adapt before authenticating.
func (s *Server) handlePublicConfig(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"features": map[string]bool{
			"webhooks":   s.cfg.Features.Webhooks,
			"reports":    s.cfg.Features.Reports,
			"geofences":  s.cfg.Features.Geofences,
			"enrollment": s.cfg.Features.Enrollment,
		},
		"auth_modes": map[string]bool{
			"device_token": s.cfg.Features.DeviceAuth,
			"user_session": s.cfg.Features.UserAuth,
			"api_key":      s.cfg.Features.APIKeyAuth,
		},
	})
}

// handleIdentitySignIn exchanges a provider-issued identity token for
// its verified claims. Providers without a verifier backend reject.
func (s *Server) handleIdentitySignIn(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Provider string `json:"provider"`
		IDToken  string `json:"id_token"`
	}
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, err)
		return
	}
	if req.Provider == "" {
		respondError(w, apperr.Validation("provider is required"))
		return
	}
	if req.IDToken == "" {
		respondError(w, apperr.Validation("id_token is required"))
		return
	}

	verifier, ok := s.identity[req.Provider]
	if !ok {
		respondError(w, apperr.Validation("unknown identity provider"))
		return
	}

	claims, err := verifier.Verify(r.Context(), req.IDToken)
	if err != nil {
		respondError(w, err)
		return
	}

	respondJSON(w, http.StatusOK, map[string]interface{}{
		"provider":       req.Provider,
		"subject":        claims.Subject,
		"email":          claims.Email,
		"email_verified": claims.EmailVerified,
	})
}

func orgIDFromPath(r *http.Request) (uuid.UUID, error) {
	raw := mux.Vars(r)["id"]
	id, err := uuid.Parse(raw)
	if err != nil {
		return uuid.Nil, apperr.Validation("organization id must be a valid UUID")
	}
	return id, nil
}

// handleCreateEnrollmentToken mints an enrollment token for an org. The
// raw token appears in this response only.
func (s *Server) handleCreateEnrollmentToken(w http.ResponseWriter, r *http.Request) {
	orgID, err := orgIDFromPath(r)
	if err != nil {
		respondError(w, err)
		return
	}

	var req struct {
		GroupID               *string `json:"group_id,omitempty"`
		PolicyID              *string `json:"policy_id,omitempty"`
		MaxUses               *int    `json:"max_uses,omitempty"`
		ExpiresInDays         *int    `json:"expires_in_days,omitempty"`
		AutoAssignUserByEmail bool    `json:"auto_assign_user_by_email"`
	}
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, err)
		return
	}
	if req.MaxUses != nil && *req.MaxUses < 1 {
		respondError(w, apperr.Validation("max_uses must be at least 1"))
		return
	}
	if req.ExpiresInDays != nil && *req.ExpiresInDays < 1 {
		respondError(w, apperr.Validation("expires_in_days must be at least 1"))
		return
	}

	var policyID *uuid.UUID
	if req.PolicyID != nil {
		parsed, err := uuid.Parse(*req.PolicyID)
		if err != nil {
			respondError(w, apperr.Validation("policy_id must be a valid UUID"))
			return
		}
		policyID = &parsed
	}

	token, err := enrollment.CreateToken(r.Context(), s.db, enrollment.CreateTokenParams{
		OrganizationID:        orgID,
		GroupID:               req.GroupID,
		PolicyID:              policyID,
		MaxUses:               req.MaxUses,
		ExpiresInDays:         req.ExpiresInDays,
		AutoAssignUserByEmail: req.AutoAssignUserByEmail,
	})
	if err != nil {
		respondError(w, err)
		return
	}

	// Devices enrolled through this token land in its target group, so
	// the quota warning counts that group, not the whole org.
	groupID := "org_" + orgID.String()
	if req.GroupID != nil {
		groupID = *req.GroupID
	}
	deviceCount, err := devices.CountByGroup(r.Context(), s.db, groupID)
	if err != nil {
		respondError(w, err)
		return
	}
	warning := limits.CheckUsageWarning("devices", deviceCount, s.cfg.Limits.MaxDevicesPerGroup, s.cfg.Limits.WarningThresholdPercent)

	respondWithWarnings(w, http.StatusCreated, map[string]interface{}{
		"id":              token.ID,
		"token":           token.Token,
		"token_prefix":    token.TokenPrefix,
		"organization_id": token.OrganizationID,
		"group_id":        token.GroupID,
		"policy_id":       token.PolicyID,
		"max_uses":        token.MaxUses,
		"expires_at":      token.ExpiresAt,
		"created_at":      token.CreatedAt,
	}, warning)
}

// handleCreateWebhook registers an org-owned webhook endpoint.
func (s *Server) handleCreateWebhook(w http.ResponseWriter, r *http.Request) {
	orgID, err := orgIDFromPath(r)
	if err != nil {
		respondError(w, err)
		return
	}

	var req struct {
		Name       string   `json:"name"`
		TargetURL  string   `json:"target_url"`
		Secret     string   `json:"secret"`
		EventTypes []string `json:"event_types"`
	}
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, err)
		return
	}
	switch {
	case req.Name == "":
		respondError(w, apperr.Validation("name is required"))
		return
	case req.TargetURL == "":
		respondError(w, apperr.Validation("target_url is required"))
		return
	case req.Secret == "":
		respondError(w, apperr.Validation("secret is required"))
		return
	}
	for _, et := range req.EventTypes {
		if !webhooks.KnownEventType(et) {
			respondError(w, apperr.Validation("unknown event type: "+et))
			return
		}
	}

	var count int
	if err := s.db.QueryRowContext(r.Context(),
		`SELECT COUNT(*) FROM webhook_endpoints WHERE organization_id = $1`, orgID,
	).Scan(&count); err != nil {
		respondError(w, apperr.Internal("failed to count webhooks", err))
		return
	}
	if err := limits.CheckHardCap("webhooks", count, limits.MaxWebhooksPerOrg); err != nil {
		respondError(w, err)
		return
	}

	ep, err := s.endpoints.Create(r.Context(), &webhooks.Endpoint{
		OrganizationID: &orgID,
		Name:           req.Name,
		TargetURL:      req.TargetURL,
		Secret:         req.Secret,
		EventTypes:     req.EventTypes,
	})
	if err != nil {
		respondError(w, err)
		return
	}

	warning := limits.CheckUsageWarning("webhooks", count+1, limits.MaxWebhooksPerOrg, s.cfg.Limits.WarningThresholdPercent)
	respondWithWarnings(w, http.StatusCreated, map[string]interface{}{
		"webhook": ep,
	}, warning)
}

// handleEnqueueReport queues an asynchronous report.
func (s *Server) handleEnqueueReport(w http.ResponseWriter, r *http.Request) {
	orgID, err := orgIDFromPath(r)
	if err != nil {
		respondError(w, err)
		return
	}

	var req struct {
		ReportType string                 `json:"report_type"`
		Parameters map[string]interface{} `json:"parameters,omitempty"`
	}
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, err)
		return
	}
	if req.ReportType == "" {
		respondError(w, apperr.Validation("report_type is required"))
		return
	}

	rep, err := s.reports.Enqueue(r.Context(), orgID, req.ReportType, req.Parameters)
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusAccepted, rep)
}

// handleGetSettings returns the organization settings.
func (s *Server) handleGetSettings(w http.ResponseWriter, r *http.Request) {
	orgID, err := orgIDFromPath(r)
	if err != nil {
		respondError(w, err)
		return
	}

	set, err := s.settings.Get(r.Context(), orgID)
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, set)
}

// handleUpdateSettings applies a partial settings update.
func (s *Server) handleUpdateSettings(w http.ResponseWriter, r *http.Request) {
	orgID, err := orgIDFromPath(r)
	if err != nil {
		respondError(w, err)
		return
	}

	var req struct {
		UnlockPin                *string `json:"unlock_pin,omitempty"`
		DefaultDailyLimitMinutes *int    `json:"default_daily_limit_minutes,omitempty"`
		NotificationsEnabled     *bool   `json:"notifications_enabled,omitempty"`
		AutoApproveUnlocks       *bool   `json:"auto_approve_unlocks,omitempty"`
	}
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, err)
		return
	}

	set, err := s.settings.Update(r.Context(), orgID, orgs.UpdateParams{
		UnlockPin:                req.UnlockPin,
		DefaultDailyLimitMinutes: req.DefaultDailyLimitMinutes,
		NotificationsEnabled:     req.NotificationsEnabled,
		AutoApproveUnlocks:       req.AutoApproveUnlocks,
	})
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, set)
}

// handleHealth is a shallow liveness answer.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleLive always answers 200 while the process runs.
func (s *Server) handleLive(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{"status": "alive"})
}

// handleReady checks the database before declaring readiness.
func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	if err := database.Ping(r.Context(), s.db); err != nil {
		respondJSON(w, http.StatusServiceUnavailable, map[string]string{
			"status": "not ready",
			"reason": "database unreachable",
		})
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}
