package telephony

import (
	"crypto/hmac"
	"crypto/sha1"
	"encoding/base64"
	"errors"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"
)

// Signature headers. SignalWire's LaML API signs exactly like Twilio.
const (
	HeaderTwilioSignature     = "X-Twilio-Signature"
	HeaderSignalWireSignature = "X-SignalWire-Signature"
)

var (
	ErrMissingSignature = errors.New("telephony: missing callback signature")
	ErrBadSignature     = errors.New("telephony: callback signature mismatch")
	ErrMissingCallID    = errors.New("telephony: callback has no CallSid")
)

// SignatureVerifier checks carrier webhook signatures: base64(HMAC-SHA1(authToken,
// fullURL + concatenation of sorted POST key/value pairs)).
type SignatureVerifier struct {
	AuthToken string

	// PublicBaseURL is the origin the carrier called; the request's own Host may
	// differ behind a load balancer.
	PublicBaseURL string
}

// Verify parses the form and checks the signature. The form stays parsed on r.
func (v SignatureVerifier) Verify(r *http.Request) error {
	sig := r.Header.Get(HeaderTwilioSignature)
	if sig == "" {
		sig = r.Header.Get(HeaderSignalWireSignature)
	}
	if sig == "" {
		return ErrMissingSignature
	}
	if v.AuthToken == "" {
		return errors.New("telephony: auth token not configured")
	}
	if err := r.ParseForm(); err != nil {
		return err
	}

	fullURL := strings.TrimRight(v.PublicBaseURL, "/") + r.URL.RequestURI()
	want := Sign(v.AuthToken, fullURL, r.PostForm)

	got, err := base64.StdEncoding.DecodeString(sig)
	if err != nil {
		return ErrBadSignature
	}
	if !hmac.Equal(got, want) {
		return ErrBadSignature
	}
	return nil
}

// Sign computes the raw signature bytes for fullURL and POST params.
func Sign(authToken, fullURL string, params url.Values) []byte {
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	b.WriteString(fullURL)
	for _, k := range keys {
		vals := append([]string(nil), params[k]...)
		sort.Strings(vals)
		for _, val := range vals {
			b.WriteString(k)
			b.WriteString(val)
		}
	}

	mac := hmac.New(sha1.New, []byte(authToken))
	mac.Write([]byte(b.String()))
	return mac.Sum(nil)
}

// SignBase64 is Sign encoded the way carriers put it in the header.
func SignBase64(authToken, fullURL string, params url.Values) string {
	return base64.StdEncoding.EncodeToString(Sign(authToken, fullURL, params))
}

// ParseCallback normalizes a (verified) carrier callback.
func ParseCallback(r *http.Request, kind CallbackKind, now time.Time) (CallbackEvent, error) {
	if err := r.ParseForm(); err != nil {
		return CallbackEvent{}, err
	}
	q := r.URL.Query()
	ev := CallbackEvent{
		Kind:           kind,
		ExternalCallID: strings.TrimSpace(r.PostFormValue("CallSid")),
		CallID:         q.Get("call_id"),
		CampaignID:     q.Get("campaign_id"),
		AccountID:      q.Get("account_id"),
		CarrierStatus:  strings.ToLower(strings.TrimSpace(r.PostFormValue("CallStatus"))),
		AnsweredBy:     strings.ToLower(strings.TrimSpace(r.PostFormValue("AnsweredBy"))),
		ErrorCode:      firstNonEmpty(r.PostFormValue("ErrorCode"), r.PostFormValue("SipResponseCode")),
		OccurredAt:     now.UTC(),
	}
	if ev.ExternalCallID == "" {
		return CallbackEvent{}, ErrMissingCallID
	}
	if n, err := strconv.Atoi(r.PostFormValue("CallDuration")); err == nil {
		ev.DurationSeconds = n
	}
	if n, err := strconv.Atoi(r.PostFormValue("SequenceNumber")); err == nil {
		ev.SequenceNumber = n
	}
	if ts := r.PostFormValue("Timestamp"); ts != "" {
		if t, err := time.Parse(time.RFC1123Z, ts); err == nil {
			ev.OccurredAt = t.UTC()
		}
	}

	switch kind {
	case CallbackAMD:
		ev.Signal = amdSignal(ev.AnsweredBy)
	default:
		ev.Signal = statusSignal(ev.CarrierStatus)
	}
	return ev, nil
}

func statusSignal(status string) Signal {
	switch status {
	case "queued", "initiated":
		return SignalInitiated
	case "ringing":
		return SignalRinging
	case "in-progress", "answered":
		return SignalAnswered
	case "completed":
		return SignalCompleted
	case "busy":
		return SignalBusy
	case "no-answer":
		return SignalNoAnswer
	case "canceled":
		return SignalCanceled
	case "failed":
		return SignalFailed
	default:
		return ""
	}
}

func amdSignal(answeredBy string) Signal {
	switch {
	case answeredBy == "human", answeredBy == "unknown":
		return SignalHuman
	case strings.HasPrefix(answeredBy, "machine"), answeredBy == "fax":
		return SignalMachine
	default:
		return ""
	}
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v = strings.TrimSpace(v); v != "" {
			return v
		}
	}
	return ""
}
