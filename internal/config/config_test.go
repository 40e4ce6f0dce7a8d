package config

import (
	"strings"
	"testing"
	"time"
)

func validLocal() Config {
	return Config{
		App:   AppConfig{Env: "local", Port: 8080},
		DB:    DBConfig{Host: "localhost", Port: 5432, User: "postgres", Password: "x", Name: "dialer"},
		Redis: RedisConfig{Host: "localhost", Port: 6379},
		Auth:  AuthConfig{JWTSecret: "secret"},
	}
}

func TestValidate_ReportsMissingRequired(t *testing.T) {
	c := Config{}
	if err := c.Validate(); err == nil {
		t.Fatalf("expected validation error")
	}
}

func TestValidate_ProductionRequiresSSLModeAndCarrier(t *testing.T) {
	c := validLocal()
	c.App.Env = "production"
	err := c.Validate()
	if err == nil {
		t.Fatalf("expected error for production without DB_SSLMODE")
	}
	for _, want := range []string{"DB_SSLMODE", "CARRIER_ACCOUNT_SID", "APP_PUBLIC_BASE_URL"} {
		if !strings.Contains(err.Error(), want) {
			t.Fatalf("expected %q in %v", want, err)
		}
	}
}

func TestValidate_LocalAppliesDefaults(t *testing.T) {
	c := validLocal()
	if err := c.Validate(); err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if c.DB.SSLMode != "disable" {
		t.Fatalf("expected sslmode disable default, got %q", c.DB.SSLMode)
	}
	if c.Dialer.AdvanceDelay != 5*time.Second {
		t.Fatalf("expected default advance delay, got %s", c.Dialer.AdvanceDelay)
	}
	if c.Compliance.CallWindowStart != "08:00" || c.Compliance.CallWindowEnd != "21:00" {
		t.Fatalf("unexpected calling window %q-%q", c.Compliance.CallWindowStart, c.Compliance.CallWindowEnd)
	}
	if c.Compliance.MaxAttempts != 7 || c.Compliance.WindowDays != 7 {
		t.Fatalf("unexpected attempt cap %d/%d", c.Compliance.MaxAttempts, c.Compliance.WindowDays)
	}
	if c.Carrier.RequestTimeout <= 0 {
		t.Fatalf("expected bounded carrier timeout")
	}
}

func TestValidate_AgentSIPTemplateNeedsPlaceholder(t *testing.T) {
	c := validLocal()
	c.Carrier.AgentSIPTemplate = "sip:agent@pbx"
	if err := c.Validate(); err == nil {
		t.Fatalf("expected template error")
	}
}

func TestLoad_ReadsNestedEnv(t *testing.T) {
	t.Setenv("APP_ENV", "dev")
	t.Setenv("APP_PORT", "9090")
	t.Setenv("DB_HOST", "db")
	t.Setenv("DB_PORT", "5432")
	t.Setenv("DB_USER", "dialer")
	t.Setenv("DB_NAME", "dialer")
	t.Setenv("REDIS_HOST", "redis")
	t.Setenv("REDIS_PORT", "6379")
	t.Setenv("JWT_SECRET", "s")
	t.Setenv("DIALER_ADVANCE_DELAY", "3s")
	t.Setenv("CARRIER_BASE_URL", "https://api.example.com/")

	c, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if c.App.Port != 9090 || c.DB.Host != "db" || c.Redis.Port != 6379 {
		t.Fatalf("unexpected config: %+v", c)
	}
	if c.Dialer.AdvanceDelay != 3*time.Second {
		t.Fatalf("expected 3s advance delay, got %s", c.Dialer.AdvanceDelay)
	}
	if c.Carrier.BaseURL != "https://api.example.com" {
		t.Fatalf("expected trailing slash trimmed, got %q", c.Carrier.BaseURL)
	}
}

func TestValidate_RejectsBadJurisdictionPolicy(t *testing.T) {
	c := validLocal()
	c.Compliance.Jurisdictions = JurisdictionPolicies{"US-MA": "08:00-20:00/2/7", "US-TX": "nine-to-five"}
	err := c.Validate()
	if err == nil || !strings.Contains(err.Error(), "COMPLIANCE_JURISDICTIONS US-TX") {
		t.Fatalf("expected US-TX policy error, got %v", err)
	}
}

func TestLoad_ReadsJurisdictionPolicies(t *testing.T) {
	t.Setenv("APP_ENV", "dev")
	t.Setenv("APP_PORT", "8080")
	t.Setenv("DB_HOST", "db")
	t.Setenv("DB_PORT", "5432")
	t.Setenv("DB_USER", "dialer")
	t.Setenv("DB_NAME", "dialer")
	t.Setenv("REDIS_HOST", "redis")
	t.Setenv("REDIS_PORT", "6379")
	t.Setenv("JWT_SECRET", "s")
	t.Setenv("COMPLIANCE_JURISDICTIONS", "US-MA=08:00-20:00/2/7, us-tx=09:00-21:00/7/7")

	c, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if c.Compliance.Jurisdictions["US-MA"] != "08:00-20:00/2/7" || c.Compliance.Jurisdictions["US-TX"] != "09:00-21:00/7/7" {
		t.Fatalf("unexpected jurisdictions %v", c.Compliance.Jurisdictions)
	}
}
