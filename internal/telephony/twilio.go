package telephony

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"golang.org/x/time/rate"
)

// TwilioConfig configures a Twilio-compatible REST carrier. SignalWire's LaML
// API speaks the same protocol under a different BaseURL.
type TwilioConfig struct {
	BaseURL    string
	AccountSID string
	AuthToken  string

	// Timeout bounds each request; an expired request is a failed placement.
	Timeout        time.Duration
	CallsPerSecond float64

	// HTTPClient is optional; tests inject a mocked transport.
	HTTPClient *http.Client
}

type TwilioCarrier struct {
	baseURL    string
	accountSID string
	authToken  string
	timeout    time.Duration
	http       *http.Client
	limiter    *rate.Limiter
}

func NewTwilioCarrier(cfg TwilioConfig) (*TwilioCarrier, error) {
	if cfg.BaseURL == "" || cfg.AccountSID == "" || cfg.AuthToken == "" {
		return nil, errors.New("telephony: twilio base url, account sid and auth token are required")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.CallsPerSecond <= 0 {
		cfg.CallsPerSecond = 1
	}
	hc := cfg.HTTPClient
	if hc == nil {
		hc = &http.Client{}
	}
	return &TwilioCarrier{
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		accountSID: cfg.AccountSID,
		authToken:  cfg.AuthToken,
		timeout:    cfg.Timeout,
		http:       hc,
		limiter:    rate.NewLimiter(rate.Limit(cfg.CallsPerSecond), 1),
	}, nil
}

func (p *TwilioCarrier) Name() string { return "twilio" }

func (p *TwilioCarrier) HealthCheck(ctx context.Context) error {
	var out struct {
		Status string `json:"status"`
	}
	if err := p.do(ctx, http.MethodGet, p.accountPath(".json"), nil, &out); err != nil {
		return err
	}
	if out.Status != "" && out.Status != "active" {
		return fmt.Errorf("telephony: carrier account status %q", out.Status)
	}
	return nil
}

func (p *TwilioCarrier) PlaceCall(ctx context.Context, req PlaceCallRequest) (PlaceCallResult, error) {
	if req.To == "" || req.From == "" || req.AnswerURL == "" || req.StatusURL == "" {
		return PlaceCallResult{}, &CarrierError{Code: "invalid_request", Message: "to, from, answer and status urls are required"}
	}
	if err := p.limiter.Wait(ctx); err != nil {
		return PlaceCallResult{}, &CarrierError{Code: "rate_limited", Message: err.Error()}
	}

	form := url.Values{}
	form.Set("To", req.To)
	form.Set("From", req.From)
	form.Set("Url", req.AnswerURL)
	form.Set("Method", http.MethodPost)
	form.Set("StatusCallback", req.StatusURL)
	form.Set("StatusCallbackMethod", http.MethodPost)
	for _, ev := range []string{"initiated", "ringing", "answered", "completed"} {
		form.Add("StatusCallbackEvent", ev)
	}
	if req.RingTimeoutSeconds > 0 {
		form.Set("Timeout", strconv.Itoa(req.RingTimeoutSeconds))
	}
	if req.Record {
		form.Set("Record", "true")
	}
	if req.MachineDetection {
		form.Set("MachineDetection", "Enable")
		form.Set("AsyncAmd", "true")
		if req.AMDURL != "" {
			form.Set("AsyncAmdStatusCallback", req.AMDURL)
			form.Set("AsyncAmdStatusCallbackMethod", http.MethodPost)
		}
	}

	var out struct {
		SID    string `json:"sid"`
		Status string `json:"status"`
	}
	if err := p.do(ctx, http.MethodPost, p.accountPath("/Calls.json"), form, &out); err != nil {
		return PlaceCallResult{}, err
	}
	if out.SID == "" {
		return PlaceCallResult{}, &CarrierError{Code: "invalid_response", Message: "carrier returned no call sid"}
	}
	return PlaceCallResult{ExternalCallID: out.SID, CarrierStatus: out.Status}, nil
}

func (p *TwilioCarrier) EndCall(ctx context.Context, externalCallID string) error {
	if externalCallID == "" {
		return errors.New("telephony: external call id is required")
	}
	form := url.Values{}
	form.Set("Status", "completed")
	return p.do(ctx, http.MethodPost, p.accountPath("/Calls/"+url.PathEscape(externalCallID)+".json"), form, nil)
}

func (p *TwilioCarrier) accountPath(suffix string) string {
	return p.baseURL + "/2010-04-01/Accounts/" + url.PathEscape(p.accountSID) + suffix
}

type twilioErrorBody struct {
	Code    json.Number `json:"code"`
	Message string      `json:"message"`
}

func (p *TwilioCarrier) do(ctx context.Context, method, endpoint string, form url.Values, out any) error {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	var body io.Reader
	if form != nil {
		body = strings.NewReader(form.Encode())
	}
	req, err := http.NewRequestWithContext(ctx, method, endpoint, body)
	if err != nil {
		return &CarrierError{Code: "invalid_request", Message: err.Error()}
	}
	req.SetBasicAuth(p.accountSID, p.authToken)
	req.Header.Set("Accept", "application/json")
	if form != nil {
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	}

	resp, err := p.http.Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return &CarrierError{Code: "timeout", Message: err.Error()}
		}
		return &CarrierError{Code: "transport", Message: err.Error()}
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return &CarrierError{Code: "transport", HTTPStatus: resp.StatusCode, Message: err.Error()}
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		var eb twilioErrorBody
		_ = json.Unmarshal(raw, &eb)
		code := eb.Code.String()
		if code == "" {
			code = strconv.Itoa(resp.StatusCode)
		}
		return &CarrierError{Code: code, HTTPStatus: resp.StatusCode, Message: eb.Message}
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return &CarrierError{Code: "invalid_response", HTTPStatus: resp.StatusCode, Message: err.Error()}
	}
	return nil
}
