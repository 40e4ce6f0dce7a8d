package calls

import (
	"context"
	"errors"
	"testing"

	"collections-dialer/internal/audit"
	"collections-dialer/internal/queue"
	"collections-dialer/internal/telephony"
)

func TestHandleCallback_ForwardProgressOnly(t *testing.T) {
	f := newFixture(t, testAccount("a1"))
	c := f.placed(t, "a1", "s1")

	f.callback(t, c, telephony.CallbackStatus, telephony.SignalRinging)
	f.callback(t, c, telephony.CallbackStatus, telephony.SignalAnswered)
	f.callback(t, c, telephony.CallbackAMD, telephony.SignalHuman)
	f.callback(t, c, telephony.CallbackStatus, telephony.SignalCompleted)
	// Stale callbacks after the call ended.
	f.callback(t, c, telephony.CallbackStatus, telephony.SignalRinging)
	f.callback(t, c, telephony.CallbackStatus, telephony.SignalAnswered)

	got := f.call(t, c.ID)
	if got.Status != StatusCompleted {
		t.Fatalf("expected completed, got %s", got.Status)
	}
	if got.AnsweredBy != AnsweredByHuman {
		t.Fatalf("expected human, got %q", got.AnsweredBy)
	}
	// initiated (placement) + ringing, answered, human, completed.
	if n := len(f.events(audit.EventTypeCallTransition, c.ID)); n != 5 {
		t.Fatalf("expected 5 call transition events, got %d", n)
	}
	if f.advancer.count("s1") != 0 {
		t.Fatalf("human calls wait for the agent's disposition")
	}
}

func TestHandleCallback_DuplicateIsIdempotent(t *testing.T) {
	f := newFixture(t, testAccount("a1"))
	c := f.placed(t, "a1", "s1")

	f.callback(t, c, telephony.CallbackStatus, telephony.SignalRinging)
	before := len(f.audit.Events())
	f.callback(t, c, telephony.CallbackStatus, telephony.SignalRinging)
	f.callback(t, c, telephony.CallbackStatus, telephony.SignalRinging)

	if after := len(f.audit.Events()); after != before {
		t.Fatalf("duplicate callbacks wrote audit events: %d -> %d", before, after)
	}
	if got := f.call(t, c.ID); got.Status != StatusRinging {
		t.Fatalf("expected ringing, got %s", got.Status)
	}
}

func TestHandleCallback_UnknownCallDiscarded(t *testing.T) {
	f := newFixture(t)
	err := f.lifecycle.HandleCallback(context.Background(), telephony.CallbackEvent{
		Kind:           telephony.CallbackStatus,
		ExternalCallID: "CA-unknown",
		Signal:         telephony.SignalCompleted,
	})
	if err != nil {
		t.Fatalf("unknown call should be discarded, got %v", err)
	}
	if n := len(f.audit.Events()); n != 0 {
		t.Fatalf("expected no audit events, got %d", n)
	}
}

func TestHandleCallback_CorrelationMismatchDiscarded(t *testing.T) {
	f := newFixture(t, testAccount("a1"))
	c := f.placed(t, "a1", "s1")
	err := f.lifecycle.HandleCallback(context.Background(), telephony.CallbackEvent{
		Kind:           telephony.CallbackStatus,
		ExternalCallID: c.ExternalCallID,
		CallID:         "someone-else",
		Signal:         telephony.SignalRinging,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := f.call(t, c.ID); got.Status != StatusInitiated {
		t.Fatalf("expected initiated, got %s", got.Status)
	}
}

func TestHandleCallback_MachineFinishesAsVoicemail(t *testing.T) {
	f := newFixture(t, testAccount("a1"))
	c := f.placed(t, "a1", "s1")

	f.callback(t, c, telephony.CallbackStatus, telephony.SignalRinging)
	f.callback(t, c, telephony.CallbackStatus, telephony.SignalAnswered)
	f.callback(t, c, telephony.CallbackAMD, telephony.SignalMachine)
	// Hangup and a retried AMD callback arrive afterwards.
	f.callback(t, c, telephony.CallbackStatus, telephony.SignalCompleted)
	f.callback(t, c, telephony.CallbackAMD, telephony.SignalMachine)

	got := f.call(t, c.ID)
	if got.Status != StatusCompleted || got.Disposition != DispositionVoicemail {
		t.Fatalf("expected completed/voicemail, got %s/%s", got.Status, got.Disposition)
	}
	if got.DisposedBy != audit.ActorSystem {
		t.Fatalf("expected system disposition, got %q", got.DisposedBy)
	}
	if a := f.account(t, "a1"); a.ClaimState != queue.ClaimDone {
		t.Fatalf("expected account done, got %s", a.ClaimState)
	}
	if n := f.advancer.count("s1"); n != 1 {
		t.Fatalf("expected exactly one advance, got %d", n)
	}
	if len(f.carrier.ended) != 1 || f.carrier.ended[0] != c.ExternalCallID {
		t.Fatalf("expected the machine call to be hung up, got %v", f.carrier.ended)
	}
	if n := len(f.events(audit.EventTypeDisposition, c.ID)); n != 1 {
		t.Fatalf("expected one disposition event, got %d", n)
	}
}

func TestHandleCallback_AMDInterleavings(t *testing.T) {
	status := []telephony.Signal{telephony.SignalRinging, telephony.SignalAnswered, telephony.SignalCompleted}

	for _, amd := range []telephony.Signal{telephony.SignalMachine, telephony.SignalHuman} {
		for pos := 0; pos <= len(status); pos++ {
			f := newFixture(t, testAccount("a1"))
			c := f.placed(t, "a1", "s1")

			for i := 0; i <= len(status); i++ {
				if i == pos {
					f.callback(t, c, telephony.CallbackAMD, amd)
				}
				if i < len(status) {
					f.callback(t, c, telephony.CallbackStatus, status[i])
				}
			}

			got := f.call(t, c.ID)
			if got.Status != StatusCompleted {
				t.Fatalf("%s at %d: expected completed, got %s", amd, pos, got.Status)
			}
			acct := f.account(t, "a1")
			switch amd {
			case telephony.SignalMachine:
				if got.Disposition != DispositionVoicemail || acct.ClaimState != queue.ClaimDone {
					t.Fatalf("machine at %d: got %s/%s", pos, got.Disposition, acct.ClaimState)
				}
				if n := f.advancer.count("s1"); n != 1 {
					t.Fatalf("machine at %d: expected one advance, got %d", pos, n)
				}
			case telephony.SignalHuman:
				if got.Disposition != "" || acct.ClaimState != queue.ClaimInProgress {
					t.Fatalf("human at %d: got %q/%s", pos, got.Disposition, acct.ClaimState)
				}
				if n := f.advancer.count("s1"); n != 0 {
					t.Fatalf("human at %d: unexpected advance", pos)
				}
			}
		}
	}
}

func TestHandleCallback_AuditFailureRevertsTransition(t *testing.T) {
	f := newFixture(t, testAccount("a1"))
	c := f.placed(t, "a1", "s1")

	f.audit.FailNext = 100
	err := f.lifecycle.HandleCallback(context.Background(), telephony.CallbackEvent{
		Kind: telephony.CallbackStatus, ExternalCallID: c.ExternalCallID, Signal: telephony.SignalRinging,
	})
	if err == nil {
		t.Fatalf("expected error so the carrier retries")
	}
	if got := f.call(t, c.ID); got.Status != StatusInitiated {
		t.Fatalf("expected status reverted to initiated, got %s", got.Status)
	}

	f.audit.FailNext = 0
	f.callback(t, c, telephony.CallbackStatus, telephony.SignalRinging)
	if got := f.call(t, c.ID); got.Status != StatusRinging {
		t.Fatalf("expected retry to apply, got %s", got.Status)
	}
}

func TestHandleCallback_BusyIsNoAnswer(t *testing.T) {
	f := newFixture(t, testAccount("a1"))
	c := f.placed(t, "a1", "s1")
	f.callback(t, c, telephony.CallbackStatus, telephony.SignalBusy)
	if got := f.call(t, c.ID); got.Status != StatusNoAnswer {
		t.Fatalf("expected no_answer, got %s", got.Status)
	}
}

func TestDispose(t *testing.T) {
	f := newFixture(t, testAccount("a1"), testAccount("a2"))
	ctx := context.Background()

	c1 := f.placed(t, "a1", "s1")
	if _, err := f.lifecycle.Dispose(ctx, c1.ID, "s1", DispositionPromiseToPay, ""); !errors.Is(err, ErrCallNotTerminal) {
		t.Fatalf("expected ErrCallNotTerminal, got %v", err)
	}
	f.callback(t, c1, telephony.CallbackStatus, telephony.SignalAnswered)
	f.callback(t, c1, telephony.CallbackAMD, telephony.SignalHuman)
	f.callback(t, c1, telephony.CallbackStatus, telephony.SignalCompleted)

	if _, err := f.lifecycle.Dispose(ctx, c1.ID, "s2", DispositionPromiseToPay, ""); !errors.Is(err, ErrNotOwner) {
		t.Fatalf("expected ErrNotOwner, got %v", err)
	}
	if _, err := f.lifecycle.Dispose(ctx, c1.ID, "s1", Disposition("maybe"), ""); !errors.Is(err, ErrInvalidArgument) {
		t.Fatalf("expected ErrInvalidArgument, got %v", err)
	}
	got, err := f.lifecycle.Dispose(ctx, c1.ID, "s1", DispositionPromiseToPay, "pays friday")
	if err != nil {
		t.Fatalf("dispose: %v", err)
	}
	if got.Disposition != DispositionPromiseToPay || got.DispositionNote != "pays friday" {
		t.Fatalf("unexpected call: %+v", got)
	}
	if a := f.account(t, "a1"); a.ClaimState != queue.ClaimDone {
		t.Fatalf("expected done, got %s", a.ClaimState)
	}
	if _, err := f.lifecycle.Dispose(ctx, c1.ID, "s1", DispositionDispute, ""); !errors.Is(err, ErrDispositionSet) {
		t.Fatalf("expected ErrDispositionSet, got %v", err)
	}

	c2 := f.placed(t, "a2", "s1")
	f.callback(t, c2, telephony.CallbackStatus, telephony.SignalNoAnswer)
	if _, err := f.lifecycle.Dispose(ctx, c2.ID, "s1", DispositionNoAnswer, ""); err != nil {
		t.Fatalf("dispose: %v", err)
	}
	if a := f.account(t, "a2"); a.ClaimState != queue.ClaimUnclaimed {
		t.Fatalf("retryable outcome should release the account, got %s", a.ClaimState)
	}
}

func TestCorrect(t *testing.T) {
	f := newFixture(t, testAccount("a1"))
	ctx := context.Background()
	c := f.placed(t, "a1", "s1")

	if _, err := f.lifecycle.Correct(ctx, c.ID, "sup1", DispositionDispute, "misclicked"); !errors.Is(err, ErrNoDisposition) {
		t.Fatalf("expected ErrNoDisposition, got %v", err)
	}
	f.callback(t, c, telephony.CallbackStatus, telephony.SignalCompleted)
	if _, err := f.lifecycle.Dispose(ctx, c.ID, "s1", DispositionRefusedToPay, ""); err != nil {
		t.Fatalf("dispose: %v", err)
	}
	if _, err := f.lifecycle.Correct(ctx, c.ID, "sup1", DispositionDispute, ""); !errors.Is(err, ErrInvalidArgument) {
		t.Fatalf("expected reason to be required, got %v", err)
	}

	first, err := f.lifecycle.Correct(ctx, c.ID, "sup1", DispositionDispute, "debtor disputed")
	if err != nil {
		t.Fatalf("correct: %v", err)
	}
	if first.PreviousCode != DispositionRefusedToPay {
		t.Fatalf("expected previous refused_to_pay, got %s", first.PreviousCode)
	}
	second, err := f.lifecycle.Correct(ctx, c.ID, "sup1", DispositionPromiseToPay, "called back")
	if err != nil {
		t.Fatalf("correct: %v", err)
	}
	if second.PreviousCode != DispositionDispute {
		t.Fatalf("expected chain from dispute, got %s", second.PreviousCode)
	}
	if got := f.call(t, c.ID); got.Disposition != DispositionRefusedToPay {
		t.Fatalf("original disposition must be kept, got %s", got.Disposition)
	}
	if n := len(f.events(audit.EventTypeDispositionCorrection, c.ID)); n != 2 {
		t.Fatalf("expected 2 correction events, got %d", n)
	}
}

func TestAnswerTarget(t *testing.T) {
	f := newFixture(t, testAccount("a1"))
	ctx := context.Background()
	c := f.placed(t, "a1", "s1")
	f.lifecycle.AgentSIPTemplate = "sip:%s@pbx.example.com"

	ins, err := f.lifecycle.AnswerTarget(ctx, telephony.CallbackEvent{ExternalCallID: c.ExternalCallID})
	if err != nil {
		t.Fatalf("answer target: %v", err)
	}
	if ins.Action != telephony.AnswerActionBridge || ins.BridgeTo != "sip:s1@pbx.example.com" {
		t.Fatalf("unexpected instruction: %+v", ins)
	}

	ins, _ = f.lifecycle.AnswerTarget(ctx, telephony.CallbackEvent{ExternalCallID: "CA-unknown"})
	if ins.Action != telephony.AnswerActionHangup {
		t.Fatalf("unknown call should hang up, got %+v", ins)
	}

	f.callback(t, c, telephony.CallbackAMD, telephony.SignalMachine)
	ins, _ = f.lifecycle.AnswerTarget(ctx, telephony.CallbackEvent{ExternalCallID: c.ExternalCallID})
	if ins.Action != telephony.AnswerActionHangup {
		t.Fatalf("machine call should hang up, got %+v", ins)
	}
}

func TestFailStale(t *testing.T) {
	f := newFixture(t, testAccount("a1"))
	ctx := context.Background()
	c := f.placed(t, "a1", "s1")
	f.callback(t, c, telephony.CallbackStatus, telephony.SignalAnswered)

	ok, err := f.lifecycle.FailStale(ctx, f.call(t, c.ID))
	if err != nil || !ok {
		t.Fatalf("fail stale: %v %v", ok, err)
	}
	got := f.call(t, c.ID)
	if got.Status != StatusFailed || got.ErrorCode != "stale" {
		t.Fatalf("unexpected call: %s %q", got.Status, got.ErrorCode)
	}
	if ok, _ := f.lifecycle.FailStale(ctx, got); ok {
		t.Fatalf("terminal call must not be failed twice")
	}
}
