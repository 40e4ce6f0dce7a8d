package telephony

import (
	"context"
	"errors"
	"net/http"
	"time"

	"collections-dialer/internal/metrics"
	"collections-dialer/pkg/logger"

	"github.com/gin-gonic/gin"
)

// CallbackSink receives verified, normalized carrier callbacks. It is
// implemented by the call lifecycle state machine.
type CallbackSink interface {
	HandleCallback(ctx context.Context, ev CallbackEvent) error

	// AnswerTarget resolves what an answered call should be bridged to.
	AnswerTarget(ctx context.Context, ev CallbackEvent) (AnswerInstruction, error)
}

// WebhookHandler converts carrier webhooks to internal events and delegates to
// the sink. No business logic here.
type WebhookHandler struct {
	Verifier SignatureVerifier
	Sink     CallbackSink

	Now func() time.Time
}

// VerifySignature rejects any callback whose signature does not verify, before
// a handler can touch state.
func (h WebhookHandler) VerifySignature() gin.HandlerFunc {
	return func(c *gin.Context) {
		if err := h.Verifier.Verify(c.Request); err != nil {
			logger.FromGin(c).Warn("carrier callback rejected", "path", c.FullPath(), "err", err)
			metrics.RecordCallback(c.FullPath(), "rejected")
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "invalid signature"})
			return
		}
		c.Next()
	}
}

func (h WebhookHandler) now() time.Time {
	if h.Now == nil {
		return time.Now()
	}
	return h.Now()
}

func (h WebhookHandler) HandleStatus(c *gin.Context) { h.handle(c, CallbackStatus) }

func (h WebhookHandler) HandleAMD(c *gin.Context) { h.handle(c, CallbackAMD) }

func (h WebhookHandler) handle(c *gin.Context, kind CallbackKind) {
	log := logger.FromGin(c)
	if h.Sink == nil {
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "callback sink not configured"})
		return
	}

	ev, err := ParseCallback(c.Request, kind, h.now())
	if err != nil {
		log.Warn("carrier callback parse failed", "kind", kind, "err", err)
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid form"})
		return
	}
	if ev.Signal == "" {
		// Carrier states we do not track (e.g. AMD still running) are acknowledged.
		log.Debug("carrier callback ignored", "kind", kind, "status", ev.CarrierStatus, "answered_by", ev.AnsweredBy)
		metrics.RecordCallback(string(kind), "ignored")
		c.Status(http.StatusNoContent)
		return
	}

	if err := h.Sink.HandleCallback(c.Request.Context(), ev); err != nil {
		log.Error("carrier callback failed", "kind", kind, "external_call_id", ev.ExternalCallID, "err", err)
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "callback failed"})
		return
	}
	c.Status(http.StatusNoContent)
}

// HandleAnswer returns TwiML bridging an answered call to its agent.
func (h WebhookHandler) HandleAnswer(c *gin.Context) {
	log := logger.FromGin(c)

	ev, err := ParseCallback(c.Request, CallbackAnswer, h.now())
	if err != nil && !errors.Is(err, ErrMissingCallID) {
		log.Warn("answer webhook parse failed", "err", err)
	}

	in := AnswerInstruction{Action: AnswerActionHangup}
	if err == nil && h.Sink != nil {
		resolved, rerr := h.Sink.AnswerTarget(c.Request.Context(), ev)
		if rerr != nil {
			log.Error("answer target lookup failed", "external_call_id", ev.ExternalCallID, "err", rerr)
		} else {
			in = resolved
		}
	}

	twiml, err := RenderTwiML(in)
	if err != nil {
		log.Error("twiml render failed", "err", err)
		twiml, _ = RenderTwiML(AnswerInstruction{Action: AnswerActionHangup})
	}
	c.Header("Content-Type", "application/xml")
	c.String(http.StatusOK, twiml)
}
