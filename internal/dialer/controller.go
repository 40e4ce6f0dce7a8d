package dialer

import (
	"context"
	"errors"
	"sync"
	"time"

	"collections-dialer/internal/calls"
	"collections-dialer/internal/metrics"
	"collections-dialer/internal/notify"
	"collections-dialer/internal/queue"
	"collections-dialer/pkg/logger"

	"github.com/redis/go-redis/v9"
)

// Selector pulls and claims the next account for a session.
type Selector interface {
	Next(ctx context.Context, campaignID, agentSessionID string) (queue.Account, bool, error)
}

// Placer dials a claimed account.
type Placer interface {
	Place(ctx context.Context, accountID, agentSessionID string) (calls.Placement, error)
}

// Timer is the part of *time.Timer the controller uses.
type Timer interface {
	Stop() bool
}

// AfterFunc schedules f after d; time.AfterFunc in production.
type AfterFunc func(d time.Duration, f func()) Timer

func realAfterFunc(d time.Duration, f func()) Timer { return time.AfterFunc(d, f) }

// maxDeniedPulls bounds how many accounts one advance may skip when the
// placement-time compliance check denies the account it just claimed.
const maxDeniedPulls = 3

// Controller runs the per-session auto-advance loop: countdown, pull, place.
// Session state is local to the process; claims and call status are the only
// shared state and are guarded by the stores.
type Controller struct {
	selector Selector
	placer   Placer
	pub      notify.Publisher
	remote   notify.Publisher

	// Delay is the countdown after a disposition.
	Delay time.Duration
	// PullTimeout bounds one pull-and-place run.
	PullTimeout time.Duration

	afterFunc AfterFunc
	clock     func() time.Time

	mu       sync.Mutex
	sessions map[string]*session
}

type session struct {
	Session
	gen   uint64
	timer Timer
}

// NewController wires the loop. remote receives advance requests for sessions
// owned by another process; it may be nil in single-process setups.
func NewController(selector Selector, placer Placer, pub, remote notify.Publisher, delay time.Duration) *Controller {
	if pub == nil {
		pub = notify.Nop{}
	}
	return &Controller{
		selector:    selector,
		placer:      placer,
		pub:         pub,
		remote:      remote,
		Delay:       delay,
		PullTimeout: 30 * time.Second,
		afterFunc:   realAfterFunc,
		clock:       time.Now,
		sessions:    map[string]*session{},
	}
}

// Schedule starts (or restarts) the countdown for a session. Nothing is pulled
// or claimed until it expires.
func (c *Controller) Schedule(ctx context.Context, agentSessionID, campaignID string) (Session, error) {
	if agentSessionID == "" || campaignID == "" {
		return Session{}, ErrInvalidArgument
	}
	return c.arm(ctx, agentSessionID, campaignID, c.Delay, "disposition"), nil
}

// AdvanceNow pulls the next account for the session without a countdown.
// Sessions this process does not know about are forwarded to remote.
func (c *Controller) AdvanceNow(ctx context.Context, agentSessionID, reason string) {
	if c.advanceLocal(ctx, agentSessionID, reason) {
		return
	}
	if c.remote != nil {
		c.remote.Publish(ctx, notify.Event{
			Kind:           notify.KindAdvanceRequested,
			AgentSessionID: agentSessionID,
			Reason:         reason,
			OccurredAt:     c.clock().UTC(),
		})
		return
	}
	logger.From(ctx).Warn("advance for unknown session dropped", "agent_session_id", agentSessionID, "reason", reason)
}

func (c *Controller) advanceLocal(ctx context.Context, agentSessionID, reason string) bool {
	c.mu.Lock()
	s, ok := c.sessions[agentSessionID]
	var campaignID string
	if ok {
		campaignID = s.CampaignID
	}
	c.mu.Unlock()
	if !ok || campaignID == "" {
		return false
	}
	c.arm(ctx, agentSessionID, campaignID, 0, reason)
	return true
}

// Listen applies advance requests published by other processes until ctx is done.
func (c *Controller) Listen(ctx context.Context, rdb *redis.Client) error {
	return notify.Subscribe(ctx, rdb, notify.ChannelAdvance, func(ctx context.Context, e notify.Event) {
		if e.Kind != notify.KindAdvanceRequested {
			return
		}
		c.advanceLocal(ctx, e.AgentSessionID, e.Reason)
	})
}

// Attach records a call the agent placed by hand so later advances know the
// session's campaign.
func (c *Controller) Attach(agentSessionID, campaignID string, p calls.Placement) {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := c.sessionLocked(agentSessionID)
	c.stopLocked(s)
	s.CampaignID = campaignID
	s.State = StateOnCall
	s.AccountID = p.AccountID
	s.CallID = p.CallID
	s.Reason = ""
	s.Deadline = nil
	s.UpdatedAt = c.clock().UTC()
}

// Cancel stops a running countdown. It reports false when there was nothing
// to cancel; a pull already in flight is not interrupted.
func (c *Controller) Cancel(agentSessionID string) (Session, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	s, ok := c.sessions[agentSessionID]
	if !ok {
		return Session{}, false
	}
	if s.State != StateCountdown {
		return s.Session, false
	}
	c.stopLocked(s)
	s.State = StateIdle
	s.Reason = "canceled"
	s.Deadline = nil
	s.UpdatedAt = c.clock().UTC()
	metrics.RecordAdvance("canceled")
	return s.Session, true
}

// State returns the session snapshot.
func (c *Controller) State(agentSessionID string) (Session, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	s, ok := c.sessions[agentSessionID]
	if !ok {
		return Session{}, false
	}
	return s.Session, true
}

// Forget drops a session, stopping any countdown.
func (c *Controller) Forget(agentSessionID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if s, ok := c.sessions[agentSessionID]; ok {
		c.stopLocked(s)
		delete(c.sessions, agentSessionID)
	}
}

// Prune forgets settled sessions not touched since before. Sessions counting
// down or dialing are kept.
func (c *Controller) Prune(before time.Time) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for id, s := range c.sessions {
		if s.State == StateCountdown || s.State == StateDialing || !s.UpdatedAt.Before(before) {
			continue
		}
		c.stopLocked(s)
		delete(c.sessions, id)
		n++
	}
	return n
}

func (c *Controller) arm(ctx context.Context, agentSessionID, campaignID string, delay time.Duration, reason string) Session {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := c.sessionLocked(agentSessionID)
	c.stopLocked(s)

	now := c.clock().UTC()
	deadline := now.Add(delay)
	s.CampaignID = campaignID
	s.State = StateCountdown
	s.Reason = reason
	s.Deadline = &deadline
	s.UpdatedAt = now

	gen := s.gen
	log := logger.From(ctx)
	s.timer = c.afterFunc(delay, func() { c.fire(logger.With(context.Background(), log), agentSessionID, gen) })
	return s.Session
}

func (c *Controller) sessionLocked(agentSessionID string) *session {
	s, ok := c.sessions[agentSessionID]
	if !ok {
		s = &session{Session: Session{AgentSessionID: agentSessionID, State: StateIdle}}
		c.sessions[agentSessionID] = s
	}
	return s
}

// stopLocked invalidates any pending timer: a callback that already started
// sees a newer generation and returns.
func (c *Controller) stopLocked(s *session) {
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	s.gen++
}

// fire runs when a countdown expires.
func (c *Controller) fire(ctx context.Context, agentSessionID string, gen uint64) {
	c.mu.Lock()
	s, ok := c.sessions[agentSessionID]
	if !ok || s.gen != gen || s.State != StateCountdown {
		c.mu.Unlock()
		return
	}
	s.State = StateDialing
	s.Deadline = nil
	s.timer = nil
	s.UpdatedAt = c.clock().UTC()
	campaignID := s.CampaignID
	c.mu.Unlock()

	ctx, cancel := context.WithTimeout(ctx, c.PullTimeout)
	defer cancel()
	log := logger.From(ctx).With("agent_session_id", agentSessionID, "campaign_id", campaignID)

	for i := 0; i < maxDeniedPulls; i++ {
		acct, found, err := c.selector.Next(ctx, campaignID, agentSessionID)
		if err != nil {
			c.fail(ctx, agentSessionID, campaignID, gen, "", err)
			return
		}
		if !found {
			c.finish(agentSessionID, gen, func(s *session) {
				s.State = StateEmpty
				s.Reason = "queue_empty"
			})
			metrics.RecordAdvance("empty")
			c.pub.Publish(ctx, notify.Event{
				Kind:           notify.KindQueueEmpty,
				CampaignID:     campaignID,
				AgentSessionID: agentSessionID,
				OccurredAt:     c.clock().UTC(),
			})
			log.Info("queue empty, auto-advance stopped")
			return
		}

		p, err := c.placer.Place(ctx, acct.ID, agentSessionID)
		if errors.Is(err, calls.ErrComplianceDenied) {
			log.Info("claimed account denied at placement, pulling again", "account_id", acct.ID)
			continue
		}
		if err != nil {
			c.fail(ctx, agentSessionID, campaignID, gen, acct.ID, err)
			return
		}
		c.finish(agentSessionID, gen, func(s *session) {
			s.State = StateOnCall
			s.AccountID = p.AccountID
			s.CallID = p.CallID
			s.Reason = ""
		})
		metrics.RecordAdvance("placed")
		log.Info("auto-advance placed call", "account_id", p.AccountID, "call_id", p.CallID)
		return
	}
	c.fail(ctx, agentSessionID, campaignID, gen, "", ErrTooManyDenied)
}

// fail pauses the session on an error; the agent restarts it by hand.
func (c *Controller) fail(ctx context.Context, agentSessionID, campaignID string, gen uint64, accountID string, err error) {
	reason := reasonFor(err)
	c.finish(agentSessionID, gen, func(s *session) {
		s.State = StateError
		s.Reason = reason
		s.AccountID = accountID
		s.CallID = ""
	})
	metrics.RecordAdvance("error")
	logger.From(ctx).Error("auto-advance paused", "agent_session_id", agentSessionID, "campaign_id", campaignID, "reason", reason, "err", err)
	c.pub.Publish(ctx, notify.Event{
		Kind:           notify.KindSessionError,
		CampaignID:     campaignID,
		AccountID:      accountID,
		AgentSessionID: agentSessionID,
		Reason:         reason,
		OccurredAt:     c.clock().UTC(),
	})
}

// finish applies the outcome of a run unless the session moved on meanwhile.
func (c *Controller) finish(agentSessionID string, gen uint64, apply func(*session)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	s, ok := c.sessions[agentSessionID]
	if !ok || s.gen != gen {
		return
	}
	apply(s)
	s.UpdatedAt = c.clock().UTC()
}

func reasonFor(err error) string {
	var pe *calls.PlacementError
	switch {
	case errors.As(err, &pe):
		return "carrier_error:" + pe.Code
	case errors.Is(err, queue.ErrCampaignNotActive):
		return "campaign_not_active"
	case errors.Is(err, calls.ErrLiveCallCapReached):
		return "live_call_cap_reached"
	case errors.Is(err, calls.ErrClaimLost):
		return "claim_lost"
	case errors.Is(err, ErrTooManyDenied):
		return "compliance_denied"
	case errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	default:
		return "internal_error"
	}
}
