package compliance

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Policy holds the calling rules for one jurisdiction.
type Policy struct {
	// Window is the permitted local calling window [Start, End).
	Window CallWindow
	// MaxAttempts is the number of placed calls allowed in the trailing Period.
	MaxAttempts int
	// Period is the trailing attempt-frequency window (N attempts per M days).
	Period time.Duration
}

// CallWindow is a local wall-clock range expressed in minutes after midnight.
type CallWindow struct {
	StartMinute int
	EndMinute   int
}

// Contains reports whether local falls inside the window.
func (w CallWindow) Contains(local time.Time) bool {
	m := local.Hour()*60 + local.Minute()
	return m >= w.StartMinute && m < w.EndMinute
}

func (w CallWindow) String() string {
	return fmt.Sprintf("%02d:%02d-%02d:%02d", w.StartMinute/60, w.StartMinute%60, w.EndMinute/60, w.EndMinute%60)
}

// ParseWindow parses "HH:MM" bounds into a CallWindow.
func ParseWindow(start, end string) (CallWindow, error) {
	s, err := parseClock(start)
	if err != nil {
		return CallWindow{}, err
	}
	e, err := parseClock(end)
	if err != nil {
		return CallWindow{}, err
	}
	if e <= s {
		return CallWindow{}, fmt.Errorf("compliance: window end %q must be after start %q", end, start)
	}
	return CallWindow{StartMinute: s, EndMinute: e}, nil
}

func parseClock(v string) (int, error) {
	hh, mm, ok := strings.Cut(strings.TrimSpace(v), ":")
	if !ok {
		return 0, fmt.Errorf("compliance: invalid clock %q", v)
	}
	h, err := strconv.Atoi(hh)
	if err != nil || h < 0 || h > 24 {
		return 0, fmt.Errorf("compliance: invalid hour in %q", v)
	}
	m, err := strconv.Atoi(mm)
	if err != nil || m < 0 || m > 59 || (h == 24 && m != 0) {
		return 0, fmt.Errorf("compliance: invalid minute in %q", v)
	}
	return h*60 + m, nil
}

// DefaultPolicy mirrors the US federal baseline: 8am-9pm local, 7 calls in 7 days.
func DefaultPolicy() Policy {
	return Policy{
		Window:      CallWindow{StartMinute: 8 * 60, EndMinute: 21 * 60},
		MaxAttempts: 7,
		Period:      7 * 24 * time.Hour,
	}
}

func (p Policy) valid() bool {
	return p.MaxAttempts > 0 && p.Period > 0 && p.Window.EndMinute > p.Window.StartMinute
}

// Policies resolves the policy for a jurisdiction code (e.g. "US-MA").
// Unknown or empty jurisdictions fall back to Default.
// ParsePolicy parses "HH:MM-HH:MM/attempts/days", e.g. "08:00-20:00/2/7".
func ParsePolicy(v string) (Policy, error) {
	parts := strings.Split(strings.TrimSpace(v), "/")
	if len(parts) != 3 {
		return Policy{}, fmt.Errorf("compliance: policy %q must be window/attempts/days", v)
	}
	bounds := strings.Split(parts[0], "-")
	if len(bounds) != 2 {
		return Policy{}, fmt.Errorf("compliance: policy window %q must be HH:MM-HH:MM", parts[0])
	}
	w, err := ParseWindow(bounds[0], bounds[1])
	if err != nil {
		return Policy{}, err
	}
	attempts, err := strconv.Atoi(parts[1])
	if err != nil || attempts <= 0 {
		return Policy{}, fmt.Errorf("compliance: policy attempts %q must be a positive integer", parts[1])
	}
	days, err := strconv.Atoi(parts[2])
	if err != nil || days <= 0 {
		return Policy{}, fmt.Errorf("compliance: policy days %q must be a positive integer", parts[2])
	}
	return Policy{Window: w, MaxAttempts: attempts, Period: time.Duration(days) * 24 * time.Hour}, nil
}

type Policies struct {
	Default       Policy
	Jurisdictions map[string]Policy
}

func (ps Policies) For(jurisdiction string) Policy {
	if p, ok := ps.Jurisdictions[strings.ToUpper(strings.TrimSpace(jurisdiction))]; ok {
		return p
	}
	return ps.Default
}
