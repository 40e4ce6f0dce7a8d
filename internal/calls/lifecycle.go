package calls

import (
	"context"
	"fmt"
	"time"

	"collections-dialer/internal/audit"
	"collections-dialer/internal/metrics"
	"collections-dialer/internal/queue"
	"collections-dialer/internal/telephony"
	"collections-dialer/pkg/logger"

	validation "github.com/go-ozzo/ozzo-validation/v4"
	"github.com/google/uuid"
)

// Advancer is told to pull the next account for an agent session right away.
type Advancer interface {
	AdvanceNow(ctx context.Context, agentSessionID, reason string)
}

// Lifecycle is the call state machine. Carrier callbacks are its only driver
// for status; agents drive dispositions.
type Lifecycle struct {
	repo     Repository
	accounts queue.Store
	audit    *audit.Service
	carrier  telephony.Carrier
	advancer Advancer
	live     *LiveCalls
	clock    func() time.Time

	// AgentSIPTemplate builds the bridge target; %s is the agent session id.
	AgentSIPTemplate string
}

func NewLifecycle(repo Repository, accounts queue.Store, auditSvc *audit.Service, carrier telephony.Carrier, advancer Advancer, live *LiveCalls) *Lifecycle {
	return &Lifecycle{
		repo:             repo,
		accounts:         accounts,
		audit:            auditSvc,
		carrier:          carrier,
		advancer:         advancer,
		live:             live,
		clock:            time.Now,
		AgentSIPTemplate: "sip:%s@agents.local",
	}
}

// signalTargets maps carrier signals to the status they move a call to.
var signalTargets = map[telephony.Signal]Status{
	telephony.SignalRinging:   StatusRinging,
	telephony.SignalAnswered:  StatusAnswered,
	telephony.SignalHuman:     StatusHuman,
	telephony.SignalMachine:   StatusMachineDetected,
	telephony.SignalCompleted: StatusCompleted,
	telephony.SignalBusy:      StatusNoAnswer,
	telephony.SignalNoAnswer:  StatusNoAnswer,
	telephony.SignalFailed:    StatusFailed,
	telephony.SignalCanceled:  StatusFailed,
}

// HandleCallback applies one verified carrier callback. Unknown calls, stale
// and duplicate callbacks are dropped without side effects.
func (l *Lifecycle) HandleCallback(ctx context.Context, ev telephony.CallbackEvent) error {
	log := logger.From(ctx).With("external_call_id", ev.ExternalCallID, "signal", ev.Signal)

	call, ok, err := l.repo.GetByExternalID(ctx, ev.ExternalCallID)
	if err != nil {
		return fmt.Errorf("calls: lookup by external id: %w", err)
	}
	if !ok {
		log.Warn("callback for unknown call discarded")
		metrics.RecordCallback(string(ev.Kind), "unknown")
		return nil
	}
	if ev.CallID != "" && ev.CallID != call.ID {
		log.Warn("callback correlation mismatch discarded", "call_id", call.ID, "callback_call_id", ev.CallID)
		metrics.RecordCallback(string(ev.Kind), "unknown")
		return nil
	}
	log = log.With("call_id", call.ID, "status", call.Status)

	if l.needsVoicemail(call, ev) {
		return l.finishVoicemail(ctx, call)
	}

	to, ok := signalTargets[ev.Signal]
	if !ok || !call.Status.CanMove(to) {
		log.Debug("callback ignored")
		metrics.RecordCallback(string(ev.Kind), "ignored")
		return nil
	}

	u := Update{CarrierStatus: ev.CarrierStatus, ErrorCode: ev.ErrorCode, DurationSeconds: ev.DurationSeconds, At: ev.OccurredAt}
	switch to {
	case StatusHuman:
		u.AnsweredBy = AnsweredByHuman
	case StatusMachineDetected:
		u.AnsweredBy = AnsweredByMachine
	}
	applied, err := l.transition(ctx, call, predecessors[to], to, u, ev)
	if err != nil {
		return err
	}
	if !applied {
		metrics.RecordCallback(string(ev.Kind), "ignored")
		return nil
	}
	metrics.RecordCallback(string(ev.Kind), "applied")
	log.Info("call transitioned", "to", to)

	if to.Terminal() {
		l.live.Release(ctx, call.CampaignID)
	}
	if to == StatusMachineDetected {
		// Free the agent from the voicemail greeting; the hangup callback that
		// follows finds the call completed and is ignored.
		if l.carrier != nil {
			if err := l.carrier.EndCall(ctx, call.ExternalCallID); err != nil {
				log.Warn("end call after machine detection failed", "err", err)
			}
		}
		call.Status = StatusMachineDetected
		call.AnsweredBy = AnsweredByMachine
		return l.finishVoicemail(ctx, call)
	}
	return nil
}

// needsVoicemail catches machine results whose follow-up has not run yet: a
// retried callback after a partial failure, or detection arriving after hangup.
func (l *Lifecycle) needsVoicemail(call Call, ev telephony.CallbackEvent) bool {
	if call.Disposition != "" {
		return false
	}
	if call.AnsweredBy == AnsweredByMachine {
		return true
	}
	return ev.Signal == telephony.SignalMachine && call.Status == StatusCompleted && call.AnsweredBy == ""
}

// finishVoicemail completes a machine-answered call: status completed,
// disposition voicemail, account done, one advance signal. The disposition
// compare-and-set makes the tail run once.
func (l *Lifecycle) finishVoicemail(ctx context.Context, call Call) error {
	now := l.clock().UTC()
	log := logger.From(ctx).With("call_id", call.ID, "account_id", call.AccountID)

	if call.Status == StatusMachineDetected {
		applied, err := l.transition(ctx, call, []Status{StatusMachineDetected}, StatusCompleted, Update{At: now}, telephony.CallbackEvent{})
		if err != nil {
			return err
		}
		if applied {
			l.live.Release(ctx, call.CampaignID)
		}
	}

	won, err := l.setDisposition(ctx, call, DispositionVoicemail, "", audit.ActorSystem, now)
	if err != nil {
		return err
	}
	if !won {
		return nil
	}

	l.settleAccount(ctx, call, DispositionVoicemail, audit.ActorSystem, now)
	if l.advancer != nil && call.AgentSessionID != "" {
		l.advancer.AdvanceNow(ctx, call.AgentSessionID, "voicemail")
	}
	log.Info("voicemail call finished")
	return nil
}

// transition applies a status compare-and-set and its audit event. When the
// event cannot be written the status is put back and an error is returned so
// the carrier retries the callback.
func (l *Lifecycle) transition(ctx context.Context, call Call, from []Status, to Status, u Update, ev telephony.CallbackEvent) (bool, error) {
	prev, applied, err := l.repo.Transition(ctx, call.ID, from, to, u)
	if err != nil {
		return false, fmt.Errorf("calls: transition %s: %w", to, err)
	}
	if !applied {
		return false, nil
	}
	aerr := l.audit.Append(ctx, audit.Event{
		OrganizationID: call.OrganizationID,
		Type:           audit.EventTypeCallTransition,
		Actor:          audit.ActorSystem,
		CampaignID:     call.CampaignID,
		AccountID:      call.AccountID,
		CallID:         call.ID,
		ExternalCallID: call.ExternalCallID,
		FromState:      string(prev),
		ToState:        string(to),
		Metadata:       audit.Meta(ev),
	})
	if aerr != nil {
		if _, _, rerr := l.repo.Transition(ctx, call.ID, []Status{to}, prev, Update{At: u.At}); rerr != nil {
			logger.From(ctx).Error("call transition compensation failed", "call_id", call.ID, "err", rerr)
		}
		return false, fmt.Errorf("calls: audit transition: %w", aerr)
	}
	return true, nil
}

func (l *Lifecycle) setDisposition(ctx context.Context, call Call, code Disposition, note, actor string, now time.Time) (bool, error) {
	won, err := l.repo.SetDisposition(ctx, call.ID, code, note, actor, now)
	if err != nil {
		return false, fmt.Errorf("calls: set disposition: %w", err)
	}
	if !won {
		return false, nil
	}
	aerr := l.audit.Append(ctx, audit.Event{
		OrganizationID: call.OrganizationID,
		Type:           audit.EventTypeDisposition,
		Actor:          actor,
		CampaignID:     call.CampaignID,
		AccountID:      call.AccountID,
		CallID:         call.ID,
		ExternalCallID: call.ExternalCallID,
		Outcome:        string(code),
		Message:        note,
	})
	if aerr != nil {
		if _, rerr := l.repo.ClearDisposition(ctx, call.ID, code); rerr != nil {
			logger.From(ctx).Error("disposition compensation failed", "call_id", call.ID, "err", rerr)
		}
		return false, fmt.Errorf("calls: audit disposition: %w", aerr)
	}
	return true, nil
}

// settleAccount hands the account back (retryable outcome) or finishes it.
func (l *Lifecycle) settleAccount(ctx context.Context, call Call, code Disposition, actor string, now time.Time) {
	to := queue.ClaimDone
	var (
		moved bool
		err   error
	)
	if code.Retryable() {
		to = queue.ClaimUnclaimed
		moved, err = l.accounts.Release(ctx, call.AccountID, queue.ClaimInProgress, now)
	} else {
		moved, err = l.accounts.MarkDone(ctx, call.AccountID, now)
	}
	log := logger.From(ctx).With("call_id", call.ID, "account_id", call.AccountID)
	if err != nil {
		// Reconciliation flags accounts left in progress.
		log.Error("account settle failed", "to", to, "err", err)
		return
	}
	if !moved {
		log.Warn("account was not in progress at disposition", "to", to)
		return
	}
	if aerr := l.audit.Append(ctx, audit.Event{
		OrganizationID: call.OrganizationID,
		Type:           audit.EventTypeClaimTransition,
		Actor:          actor,
		CampaignID:     call.CampaignID,
		AccountID:      call.AccountID,
		CallID:         call.ID,
		FromState:      string(queue.ClaimInProgress),
		ToState:        string(to),
		Outcome:        string(code),
	}); aerr != nil {
		log.Error("account settle audit failed", "to", to, "err", aerr)
	}
}

// Dispose records the agent's outcome for a finished call and settles the account.
func (l *Lifecycle) Dispose(ctx context.Context, callID, agentSessionID string, code Disposition, note string) (Call, error) {
	if err := validation.Validate(code, validation.Required, validation.In(dispositions...)); err != nil || callID == "" || agentSessionID == "" {
		return Call{}, ErrInvalidArgument
	}
	call, err := l.repo.Get(ctx, callID)
	if err != nil {
		return Call{}, err
	}
	if call.AgentSessionID != agentSessionID {
		return Call{}, ErrNotOwner
	}
	if !call.Status.Terminal() {
		return Call{}, ErrCallNotTerminal
	}

	now := l.clock().UTC()
	won, err := l.setDisposition(ctx, call, code, note, agentSessionID, now)
	if err != nil {
		return Call{}, err
	}
	if !won {
		return Call{}, ErrDispositionSet
	}
	l.settleAccount(ctx, call, code, agentSessionID, now)
	return l.repo.Get(ctx, callID)
}

// Correct amends a recorded disposition with a linked correction row. The
// call and the account are left as they are.
func (l *Lifecycle) Correct(ctx context.Context, callID, actor string, code Disposition, reason string) (Correction, error) {
	if err := validation.Validate(code, validation.Required, validation.In(dispositions...)); err != nil || callID == "" || actor == "" || reason == "" {
		return Correction{}, ErrInvalidArgument
	}
	call, err := l.repo.Get(ctx, callID)
	if err != nil {
		return Correction{}, err
	}
	if call.Disposition == "" {
		return Correction{}, ErrNoDisposition
	}

	prev := call.Disposition
	if cs, err := l.repo.ListCorrections(ctx, callID); err == nil && len(cs) > 0 {
		prev = cs[len(cs)-1].Code
	}
	c := Correction{
		ID:           uuid.NewString(),
		CallID:       callID,
		PreviousCode: prev,
		Code:         code,
		Reason:       reason,
		Actor:        actor,
		CreatedAt:    l.clock().UTC(),
	}
	// Event first: a correction row never exists without its audit trail.
	if err := l.audit.Append(ctx, audit.Event{
		OrganizationID: call.OrganizationID,
		Type:           audit.EventTypeDispositionCorrection,
		Actor:          actor,
		CampaignID:     call.CampaignID,
		AccountID:      call.AccountID,
		CallID:         call.ID,
		FromState:      string(prev),
		ToState:        string(code),
		Message:        reason,
		Metadata:       audit.Meta(map[string]string{"correction_id": c.ID}),
	}); err != nil {
		return Correction{}, fmt.Errorf("calls: audit correction: %w", err)
	}
	if err := l.repo.AddCorrection(ctx, c); err != nil {
		return Correction{}, err
	}
	return c, nil
}

// AnswerTarget bridges a human-answered call to its agent; anything else hangs up.
func (l *Lifecycle) AnswerTarget(ctx context.Context, ev telephony.CallbackEvent) (telephony.AnswerInstruction, error) {
	hangup := telephony.AnswerInstruction{Action: telephony.AnswerActionHangup}
	call, ok, err := l.repo.GetByExternalID(ctx, ev.ExternalCallID)
	if err != nil {
		return hangup, err
	}
	if !ok || call.Status.Terminal() || call.AnsweredBy == AnsweredByMachine || call.AgentSessionID == "" {
		return hangup, nil
	}
	return telephony.AnswerInstruction{
		Action:   telephony.AnswerActionBridge,
		BridgeTo: fmt.Sprintf(l.AgentSIPTemplate, call.AgentSessionID),
		CallerID: call.To,
	}, nil
}

// FailStale fails a call that never reached a terminal status. It is the only
// path that skips the forward-progress table; reconciliation owns it.
func (l *Lifecycle) FailStale(ctx context.Context, call Call) (bool, error) {
	applied, err := l.transition(ctx, call, nonTerminal, StatusFailed, Update{ErrorCode: "stale", At: l.clock().UTC()}, telephony.CallbackEvent{})
	if err != nil || !applied {
		return applied, err
	}
	l.live.Release(ctx, call.CampaignID)
	return true, nil
}

// Get returns a call by internal id.
func (l *Lifecycle) Get(ctx context.Context, id string) (Call, error) {
	return l.repo.Get(ctx, id)
}
