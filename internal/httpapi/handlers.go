package httpapi

import (
	"errors"
	"net/http"
	"time"

	"collections-dialer/internal/auth"
	"collections-dialer/internal/calls"
	"collections-dialer/internal/campaigns"
	"collections-dialer/internal/dialer"
	"collections-dialer/internal/queue"
	"collections-dialer/internal/rbac"
	"collections-dialer/pkg/logger"

	"github.com/gin-gonic/gin"
	validation "github.com/go-ozzo/ozzo-validation/v4"
)

// Handlers groups HTTP handlers for dependency injection.
// Keep these thin: parse/validate input, call internal services, return JSON.
type Handlers struct {
	Auth      *auth.Manager
	Selector  *queue.Selector
	Placer    *calls.Placer
	Lifecycle *calls.Lifecycle
	Campaigns *campaigns.Service
	Dialer    *dialer.Controller
}

// identity pulls the caller's session and organization or aborts with 401.
func identity(c *gin.Context) (sessionID, organizationID string, ok bool) {
	ctx := c.Request.Context()
	sid, err := auth.SessionID(ctx)
	if err != nil {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "agent session required"})
		return "", "", false
	}
	oid, err := auth.OrganizationID(ctx)
	if err != nil {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "organization_id required"})
		return "", "", false
	}
	return sid, oid, true
}

// writeError maps service errors to status codes. Anything unknown is a 500
// and is logged with the request.
func writeError(c *gin.Context, err error) {
	var pe *calls.PlacementError
	switch {
	case errors.As(err, &pe):
		c.AbortWithStatusJSON(http.StatusBadGateway, gin.H{"error": "carrier rejected call", "carrier_code": pe.Code})
	case errors.Is(err, queue.ErrNotFound), errors.Is(err, calls.ErrNotFound), errors.Is(err, campaigns.ErrNotFound):
		c.AbortWithStatusJSON(http.StatusNotFound, gin.H{"error": "not found"})
	case errors.Is(err, queue.ErrInvalidArgument), errors.Is(err, calls.ErrInvalidArgument),
		errors.Is(err, campaigns.ErrInvalidArgument), errors.Is(err, dialer.ErrInvalidArgument):
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	case errors.Is(err, calls.ErrNotOwner):
		c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": err.Error()})
	case errors.Is(err, calls.ErrComplianceDenied):
		c.AbortWithStatusJSON(http.StatusUnprocessableEntity, gin.H{"error": err.Error()})
	case errors.Is(err, calls.ErrLiveCallCapReached):
		c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{"error": err.Error()})
	case errors.Is(err, queue.ErrCampaignNotActive), errors.Is(err, campaigns.ErrInvalidTransition),
		errors.Is(err, calls.ErrNotClaimed), errors.Is(err, calls.ErrClaimLost), errors.Is(err, calls.ErrCallNotTerminal),
		errors.Is(err, calls.ErrDispositionSet), errors.Is(err, calls.ErrNoDisposition):
		c.AbortWithStatusJSON(http.StatusConflict, gin.H{"error": err.Error()})
	default:
		logger.FromGin(c).Error("request failed", "path", c.FullPath(), "err", err)
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
	}
}

// --- Auth ---

type sessionRequest struct {
	AgentID        string `json:"agent_id"`
	OrganizationID string `json:"organization_id"`
	Role           string `json:"role"`
}

func (r sessionRequest) Validate() error {
	return validation.ValidateStruct(&r,
		validation.Field(&r.AgentID, validation.Required),
		validation.Field(&r.OrganizationID, validation.Required),
		validation.Field(&r.Role, validation.Required, validation.In(rbac.RoleAgent, rbac.RoleSupervisor, rbac.RoleAdmin)),
	)
}

// StartSession issues a token pair bound to a fresh agent session.
//
// NOTE: credentials are not checked here; put this behind the identity provider.
func (h Handlers) StartSession(c *gin.Context) {
	if h.Auth == nil {
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "auth not configured"})
		return
	}
	var req sessionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid json"})
		return
	}
	if err := req.Validate(); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	pair, err := h.Auth.StartSession(time.Now(), req.AgentID, req.OrganizationID, req.Role)
	if err != nil {
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "token issuance failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"agent_session_id": pair.SessionID,
		"access_token":     pair.AccessToken,
		"refresh_token":    pair.RefreshToken,
	})
}

// --- Queue & placement ---

// Next claims the next compliant account in the campaign for the caller's session.
func (h Handlers) Next(c *gin.Context) {
	sid, oid, ok := identity(c)
	if !ok {
		return
	}
	campaignID := c.Param("campaign_id")
	if _, ok := h.campaignInOrg(c, campaignID, oid); !ok {
		return
	}
	acct, found, err := h.Selector.Next(c.Request.Context(), campaignID, sid)
	if err != nil {
		writeError(c, err)
		return
	}
	if !found {
		c.JSON(http.StatusOK, gin.H{"status": "empty"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "claimed", "account": acct})
}

// Place dials an account the caller's session holds.
func (h Handlers) Place(c *gin.Context) {
	sid, _, ok := identity(c)
	if !ok {
		return
	}
	p, err := h.Placer.Place(c.Request.Context(), c.Param("account_id"), sid)
	if err != nil {
		writeError(c, err)
		return
	}
	if h.Dialer != nil {
		h.Dialer.Attach(sid, p.CampaignID, p)
	}
	c.JSON(http.StatusCreated, p)
}

// --- Calls ---

type dispositionRequest struct {
	Code string `json:"code"`
	Note string `json:"note"`
	// AutoAdvance defaults to true.
	AutoAdvance *bool `json:"auto_advance,omitempty"`
}

func (r dispositionRequest) Validate() error {
	return validation.ValidateStruct(&r,
		validation.Field(&r.Code, validation.Required),
		validation.Field(&r.Note, validation.Length(0, 2000)),
	)
}

// Dispose records the agent's outcome and starts the auto-advance countdown.
func (h Handlers) Dispose(c *gin.Context) {
	sid, _, ok := identity(c)
	if !ok {
		return
	}
	var req dispositionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid json"})
		return
	}
	if err := req.Validate(); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	call, err := h.Lifecycle.Dispose(c.Request.Context(), c.Param("call_id"), sid, calls.Disposition(req.Code), req.Note)
	if err != nil {
		writeError(c, err)
		return
	}

	resp := gin.H{"call": call}
	if h.Dialer != nil && (req.AutoAdvance == nil || *req.AutoAdvance) {
		s, err := h.Dialer.Schedule(c.Request.Context(), sid, call.CampaignID)
		if err != nil {
			writeError(c, err)
			return
		}
		resp["advance"] = s
	}
	c.JSON(http.StatusOK, resp)
}

type correctionRequest struct {
	Code   string `json:"code"`
	Reason string `json:"reason"`
}

func (r correctionRequest) Validate() error {
	return validation.ValidateStruct(&r,
		validation.Field(&r.Code, validation.Required),
		validation.Field(&r.Reason, validation.Required, validation.Length(1, 2000)),
	)
}

// Correct appends a disposition correction. RBAC: supervisor or admin.
func (h Handlers) Correct(c *gin.Context) {
	_, oid, ok := identity(c)
	if !ok {
		return
	}
	actor, _ := auth.AgentID(c.Request.Context())
	var req correctionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid json"})
		return
	}
	if err := req.Validate(); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	callID := c.Param("call_id")
	if _, ok := h.callInOrg(c, callID, oid); !ok {
		return
	}
	corr, err := h.Lifecycle.Correct(c.Request.Context(), callID, actor, calls.Disposition(req.Code), req.Reason)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, corr)
}

func (h Handlers) GetCall(c *gin.Context) {
	_, oid, ok := identity(c)
	if !ok {
		return
	}
	call, ok := h.callInOrg(c, c.Param("call_id"), oid)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, call)
}

// --- Auto-advance session ---

func (h Handlers) AdvanceState(c *gin.Context) {
	sid, _, ok := identity(c)
	if !ok {
		return
	}
	s, found := h.Dialer.State(sid)
	if !found {
		s = dialer.Session{AgentSessionID: sid, State: dialer.StateIdle}
	}
	c.JSON(http.StatusOK, s)
}

type advanceRequest struct {
	CampaignID string `json:"campaign_id"`
}

// StartAdvance (re)starts the countdown, e.g. after an empty queue or an error.
func (h Handlers) StartAdvance(c *gin.Context) {
	sid, oid, ok := identity(c)
	if !ok {
		return
	}
	var req advanceRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.CampaignID == "" {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "campaign_id required"})
		return
	}
	if _, ok := h.campaignInOrg(c, req.CampaignID, oid); !ok {
		return
	}
	s, err := h.Dialer.Schedule(c.Request.Context(), sid, req.CampaignID)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, s)
}

// CancelAdvance stops a running countdown; nothing is claimed or dialed.
func (h Handlers) CancelAdvance(c *gin.Context) {
	sid, _, ok := identity(c)
	if !ok {
		return
	}
	s, canceled := h.Dialer.Cancel(sid)
	if !canceled {
		c.AbortWithStatusJSON(http.StatusConflict, gin.H{"error": "no countdown running", "session": s})
		return
	}
	c.JSON(http.StatusOK, s)
}

// EndSession drops the caller's auto-advance state when the agent signs off.
func (h Handlers) EndSession(c *gin.Context) {
	sid, _, ok := identity(c)
	if !ok {
		return
	}
	h.Dialer.Forget(sid)
	c.Status(http.StatusNoContent)
}

// --- Campaigns (supervisor) ---

type campaignActionRequest struct {
	Reason string `json:"reason"`
}

// CampaignAction returns a handler for one lifecycle action.
func (h Handlers) CampaignAction(action string) gin.HandlerFunc {
	return func(c *gin.Context) {
		_, oid, ok := identity(c)
		if !ok {
			return
		}
		actor, _ := auth.AgentID(c.Request.Context())
		id := c.Param("campaign_id")
		if _, ok := h.campaignInOrg(c, id, oid); !ok {
			return
		}
		var req campaignActionRequest
		_ = c.ShouldBindJSON(&req)

		ctx := c.Request.Context()
		var (
			out campaigns.Campaign
			err error
		)
		switch action {
		case "activate":
			out, err = h.Campaigns.Activate(ctx, id, actor)
		case "pause":
			out, err = h.Campaigns.Pause(ctx, id, actor, req.Reason)
		case "resume":
			out, err = h.Campaigns.Resume(ctx, id, actor)
		case "complete":
			out, err = h.Campaigns.Complete(ctx, id, actor)
		default:
			c.AbortWithStatusJSON(http.StatusNotFound, gin.H{"error": "unknown action"})
			return
		}
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, out)
	}
}

func (h Handlers) CampaignStats(c *gin.Context) {
	_, oid, ok := identity(c)
	if !ok {
		return
	}
	id := c.Param("campaign_id")
	if _, ok := h.campaignInOrg(c, id, oid); !ok {
		return
	}
	st, err := h.Campaigns.Stats(c.Request.Context(), id)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, st)
}

// campaignInOrg hides other organizations' campaigns behind a 404.
func (h Handlers) campaignInOrg(c *gin.Context, id, organizationID string) (campaigns.Campaign, bool) {
	camp, err := h.Campaigns.Get(c.Request.Context(), id)
	if err == nil && camp.OrganizationID != organizationID {
		err = campaigns.ErrNotFound
	}
	if err != nil {
		writeError(c, err)
		return campaigns.Campaign{}, false
	}
	return camp, true
}

func (h Handlers) callInOrg(c *gin.Context, id, organizationID string) (calls.Call, bool) {
	call, err := h.Lifecycle.Get(c.Request.Context(), id)
	if err == nil && call.OrganizationID != organizationID {
		err = calls.ErrNotFound
	}
	if err != nil {
		writeError(c, err)
		return calls.Call{}, false
	}
	return call, true
}

// Convenience middleware bundles.

func RequireOrganizationAndAnyRole(roles ...string) []gin.HandlerFunc {
	return []gin.HandlerFunc{rbac.RequireOrganization(), rbac.RequireAnyRole(roles...)}
}
